package backtester

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/hydra-backtester/src/exchange"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

// Portfolio is a node of the ledger tree. Every trade opened at a node is mirrored into a position at each
// ancestor, and cash booked at a node is included in the cash of every ancestor.
type Portfolio struct {
	ID           string
	parent       *Portfolio
	children     map[string]*Portfolio
	childIDs     []string
	positions    map[string]*models.Position
	cash         decimal.Decimal
	startingCash decimal.Decimal
	nlv          decimal.Decimal
	unrealizedPL decimal.Decimal
	tracers      []PortfolioTracer
	reg          *registry
}

func (p *Portfolio) String() string {
	return fmt.Sprintf("portfolio %s (cash=%s, nlv=%s, positions=%d)", p.ID, p.cash.StringFixed(2), p.nlv.StringFixed(2), len(p.positions))
}

func (p *Portfolio) Cash() decimal.Decimal {
	return p.cash
}

func (p *Portfolio) StartingCash() decimal.Decimal {
	return p.startingCash
}

func (p *Portfolio) NLV() decimal.Decimal {
	return p.nlv
}

func (p *Portfolio) UnrealizedPL() decimal.Decimal {
	return p.unrealizedPL
}

func (p *Portfolio) Parent() *Portfolio {
	return p.parent
}

func (p *Portfolio) IsRoot() bool {
	return p.parent == nil
}

func (p *Portfolio) root() *Portfolio {
	node := p
	for node.parent != nil {
		node = node.parent
	}
	return node
}

// Children returns the direct sub portfolios in creation order.
func (p *Portfolio) Children() []*Portfolio {
	children := make([]*Portfolio, 0, len(p.childIDs))
	for _, id := range p.childIDs {
		children = append(children, p.children[id])
	}

	return children
}

// AddCash adds amount to this node and every ancestor. Before the simulation is built it also raises their
// starting cash.
func (p *Portfolio) AddCash(amount decimal.Decimal) {
	for node := p; node != nil; node = node.parent {
		node.cash = node.cash.Add(amount)
		node.nlv = node.nlv.Add(amount)

		if !p.reg.isBuilt {
			node.startingCash = node.startingCash.Add(amount)
		}
	}
}

// CreateSubPortfolio adds an empty child funded with cash. The cash is added to every ancestor.
func (p *Portfolio) CreateSubPortfolio(id string, cash decimal.Decimal) (*Portfolio, error) {
	if _, ok := p.root().FindPortfolio(id); ok {
		return nil, fmt.Errorf("Portfolio.CreateSubPortfolio: %s: %w", id, models.ErrAlreadyExists)
	}

	child := newPortfolio(id, decimal.Zero, p.reg)
	child.parent = p
	p.children[id] = child
	p.childIDs = append(p.childIDs, id)

	child.AddCash(cash)

	log.WithFields(log.Fields{
		"portfolio": id,
		"parent":    p.ID,
		"cash":      cash.String(),
	}).Info("sub portfolio created")

	return child, nil
}

// AddSubPortfolio attaches an existing tree under this node. Its open trades are mirrored into every
// ancestor without moving cash.
func (p *Portfolio) AddSubPortfolio(child *Portfolio) error {
	if _, ok := p.root().FindPortfolio(child.ID); ok {
		return fmt.Errorf("Portfolio.AddSubPortfolio: %s: %w", child.ID, models.ErrAlreadyExists)
	}

	if child.parent != nil {
		return fmt.Errorf("Portfolio.AddSubPortfolio: %s already has parent %s: %w", child.ID, child.parent.ID, models.ErrAlreadyExists)
	}

	if err := child.setRegistry(p.reg); err != nil {
		return fmt.Errorf("Portfolio.AddSubPortfolio: %w", err)
	}

	child.parent = p
	p.children[child.ID] = child
	p.childIDs = append(p.childIDs, child.ID)

	for node := p; node != nil; node = node.parent {
		node.cash = node.cash.Add(child.cash)
		node.startingCash = node.startingCash.Add(child.startingCash)
	}

	for _, position := range child.Positions() {
		for _, trade := range position.Trades() {
			p.reg.trades.Add(trade)
			for node := p; node != nil; node = node.parent {
				node.mirrorTrade(trade, trade.Units, trade.AveragePrice, trade.OpenTime)
			}
		}
	}

	return nil
}

// setRegistry moves a detached tree into another simulation graph. Event tracers follow it onto the new bus.
func (p *Portfolio) setRegistry(reg *registry) error {
	if p.reg == reg {
		return nil
	}

	p.reg = reg

	if events, err := p.EventTracer(); err == nil {
		if err := events.subscribe(p); err != nil {
			return err
		}
	}

	for _, id := range p.childIDs {
		if err := p.children[id].setRegistry(reg); err != nil {
			return err
		}
	}

	return nil
}

// FindPortfolio searches this node and its descendants.
func (p *Portfolio) FindPortfolio(id string) (*Portfolio, bool) {
	if p.ID == id {
		return p, true
	}

	for _, childID := range p.childIDs {
		if found, ok := p.children[childID].FindPortfolio(id); ok {
			return found, true
		}
	}

	return nil, false
}

func (p *Portfolio) GetPosition(assetID string) (*models.Position, bool) {
	position, ok := p.positions[assetID]
	return position, ok
}

// Positions returns the open positions ordered by asset id.
func (p *Portfolio) Positions() []*models.Position {
	ids := make([]string, 0, len(p.positions))
	for id := range p.positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	positions := make([]*models.Position, 0, len(ids))
	for _, id := range ids {
		positions = append(positions, p.positions[id])
	}

	return positions
}

// Evaluate marks every open trade and position to market. It must be called on the root.
func (p *Portfolio) Evaluate(onClose bool) error {
	if !p.IsRoot() {
		return fmt.Errorf("Portfolio.Evaluate: %s is not the root portfolio: %w", p.ID, models.ErrInvalidId)
	}

	for _, position := range p.Positions() {
		price := p.reg.exchanges.MarketPrice(position.AssetID)
		if price == 0 {
			continue
		}

		for _, trade := range position.Trades() {
			trade.Evaluate(price, onClose)
		}
	}

	p.evaluateNode(onClose)
	return nil
}

func (p *Portfolio) evaluateNode(onClose bool) {
	nlv := p.cash
	unrealized := decimal.Zero

	for _, position := range p.positions {
		if price := p.reg.exchanges.MarketPrice(position.AssetID); price != 0 {
			position.Evaluate(price, onClose)
		}

		nlv = nlv.Add(position.NLV())
		unrealized = unrealized.Add(position.UnrealizedPL)
	}

	p.nlv = nlv
	p.unrealizedPL = unrealized

	for _, child := range p.children {
		child.evaluateNode(onClose)
	}
}

// Update records the state of every node in its history tracers.
func (p *Portfolio) Update(datetime int64) {
	for _, tracer := range p.tracers {
		tracer.update(p, datetime)
	}

	for _, id := range p.childIDs {
		p.children[id].Update(datetime)
	}
}

// Reset returns cash to its starting value and drops every position. Event history survives unless
// clearHistory is set. Descendants are always cleared.
func (p *Portfolio) Reset(clearHistory bool) {
	p.cash = p.startingCash
	p.nlv = p.startingCash
	p.unrealizedPL = decimal.Zero
	p.positions = make(map[string]*models.Position)

	for _, tracer := range p.tracers {
		tracer.reset(clearHistory)
	}

	for _, child := range p.children {
		child.Reset(true)
	}
}

// NewPortfolio creates a detached root portfolio. It can be attached to a simulation with AddSubPortfolio.
func NewPortfolio(id string, cash decimal.Decimal) *Portfolio {
	return newPortfolio(id, cash, newRegistry(exchange.NewExchangeMap()))
}

func newPortfolio(id string, cash decimal.Decimal, reg *registry) *Portfolio {
	return &Portfolio{
		ID:           id,
		children:     make(map[string]*Portfolio),
		positions:    make(map[string]*models.Position),
		cash:         cash,
		startingCash: cash,
		nlv:          cash,
		unrealizedPL: decimal.Zero,
		reg:          reg,
	}
}
