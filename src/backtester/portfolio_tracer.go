package backtester

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

type PortfolioTracerType string

const (
	ValueTracerType         PortfolioTracerType = "value"
	EventTracerType         PortfolioTracerType = "event"
	PortfolioBetaTracerType PortfolioTracerType = "beta"
)

func ParsePortfolioTracerType(s string) (PortfolioTracerType, error) {
	switch PortfolioTracerType(s) {
	case ValueTracerType, EventTracerType, PortfolioBetaTracerType:
		return PortfolioTracerType(s), nil
	default:
		return "", fmt.Errorf("ParsePortfolioTracerType: %q: %w", s, models.ErrInvalidTracerType)
	}
}

// PortfolioTracer records the history of one portfolio node.
type PortfolioTracer interface {
	Type() PortfolioTracerType
	update(p *Portfolio, datetime int64)
	reset(clearHistory bool)
}

type ValueRecord struct {
	Datetime int64           `csv:"datetime" json:"datetime"`
	NLV      decimal.Decimal `csv:"nlv" json:"nlv"`
	Cash     decimal.Decimal `csv:"cash" json:"cash"`
}

// ValueTracer records the datetime, NLV and cash of its portfolio after every bar.
type ValueTracer struct {
	history []ValueRecord
}

func (t *ValueTracer) Type() PortfolioTracerType {
	return ValueTracerType
}

func (t *ValueTracer) update(p *Portfolio, datetime int64) {
	t.history = append(t.history, ValueRecord{
		Datetime: datetime,
		NLV:      p.nlv,
		Cash:     p.cash,
	})
}

func (t *ValueTracer) reset(bool) {
	t.history = nil
}

func (t *ValueTracer) History() []ValueRecord {
	return t.history
}

// EventTracer keeps the fills, closed trades and closed positions of its portfolio. It is fed by the event
// bus.
type EventTracer struct {
	orders    []*models.Order
	trades    []models.Trade
	positions []models.Position
}

func (t *EventTracer) Type() PortfolioTracerType {
	return EventTracerType
}

func (t *EventTracer) update(*Portfolio, int64) {}

func (t *EventTracer) reset(clearHistory bool) {
	if !clearHistory {
		return
	}

	t.orders = nil
	t.trades = nil
	t.positions = nil
}

func (t *EventTracer) onOrderFilled(order *models.Order) {
	t.orders = append(t.orders, order.Clone())
}

func (t *EventTracer) onTradeClosed(trade *models.Trade) {
	closed := *trade
	closed.OpenOrders = nil
	t.trades = append(t.trades, closed)
}

func (t *EventTracer) onPositionClosed(position *models.Position) {
	t.positions = append(t.positions, *position)
}

func (t *EventTracer) subscribe(p *Portfolio) error {
	subscriptions := map[string]interface{}{
		TopicOrderFilled:    t.onOrderFilled,
		TopicTradeClosed:    t.onTradeClosed,
		TopicPositionClosed: t.onPositionClosed,
	}

	for topic, handler := range subscriptions {
		if err := p.reg.bus.Subscribe(portfolioTopic(topic, p.ID), handler); err != nil {
			return fmt.Errorf("EventTracer.subscribe: %s: %w", topic, err)
		}
	}

	return nil
}

func (t *EventTracer) Orders() []*models.Order {
	return t.orders
}

func (t *EventTracer) Trades() []models.Trade {
	return t.trades
}

func (t *EventTracer) Positions() []models.Position {
	return t.positions
}

// PortfolioBetaTracer records the NLV weighted beta of the open positions. Assets without a warm beta
// tracer are left out.
type PortfolioBetaTracer struct {
	history []float64
}

func (t *PortfolioBetaTracer) Type() PortfolioTracerType {
	return PortfolioBetaTracerType
}

func (t *PortfolioBetaTracer) update(p *Portfolio, _ int64) {
	if p.nlv.IsZero() {
		t.history = append(t.history, 0)
		return
	}

	weighted := decimal.Zero
	for _, position := range p.positions {
		a, err := p.reg.exchanges.GetAsset(position.AssetID)
		if err != nil {
			continue
		}

		beta, err := a.Beta()
		if err != nil {
			continue
		}

		weighted = weighted.Add(position.NLV().Mul(decimal.NewFromFloat(beta)))
	}

	value, _ := weighted.Div(p.nlv).Float64()
	t.history = append(t.history, value)
}

func (t *PortfolioBetaTracer) reset(bool) {
	t.history = nil
}

func (t *PortfolioBetaTracer) History() []float64 {
	return t.history
}

// AddTracer attaches a history tracer to this node.
func (p *Portfolio) AddTracer(kind PortfolioTracerType) error {
	if _, err := p.Tracer(kind); err == nil {
		return fmt.Errorf("Portfolio.AddTracer: %s already has a %s tracer: %w", p.ID, kind, models.ErrAlreadyExists)
	}

	var tracer PortfolioTracer
	switch kind {
	case ValueTracerType:
		tracer = &ValueTracer{}
	case EventTracerType:
		events := &EventTracer{}
		if err := events.subscribe(p); err != nil {
			return fmt.Errorf("Portfolio.AddTracer: %w", err)
		}
		tracer = events
	case PortfolioBetaTracerType:
		tracer = &PortfolioBetaTracer{}
	default:
		return fmt.Errorf("Portfolio.AddTracer: %s: %w", kind, models.ErrInvalidTracerType)
	}

	p.tracers = append(p.tracers, tracer)
	return nil
}

func (p *Portfolio) Tracer(kind PortfolioTracerType) (PortfolioTracer, error) {
	for _, tracer := range p.tracers {
		if tracer.Type() == kind {
			return tracer, nil
		}
	}

	return nil, fmt.Errorf("Portfolio.Tracer: %s has no %s tracer: %w", p.ID, kind, models.ErrInvalidTracerType)
}

func (p *Portfolio) ValueTracer() (*ValueTracer, error) {
	tracer, err := p.Tracer(ValueTracerType)
	if err != nil {
		return nil, err
	}

	return tracer.(*ValueTracer), nil
}

func (p *Portfolio) EventTracer() (*EventTracer, error) {
	tracer, err := p.Tracer(EventTracerType)
	if err != nil {
		return nil, err
	}

	return tracer.(*EventTracer), nil
}

func (p *Portfolio) BetaTracer() (*PortfolioBetaTracer, error) {
	tracer, err := p.Tracer(PortfolioBetaTracerType)
	if err != nil {
		return nil, err
	}

	return tracer.(*PortfolioBetaTracer), nil
}

// ConsolidateOrderHistory merges the fills recorded by the event tracers of this node and its descendants
// in the order they were applied.
func (p *Portfolio) ConsolidateOrderHistory() []*models.Order {
	var orders []*models.Order
	p.collectOrders(&orders)

	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].Sequence < orders[j].Sequence
	})

	return orders
}

func (p *Portfolio) collectOrders(orders *[]*models.Order) {
	if events, err := p.EventTracer(); err == nil {
		*orders = append(*orders, events.Orders()...)
	}

	for _, id := range p.childIDs {
		p.children[id].collectOrders(orders)
	}
}
