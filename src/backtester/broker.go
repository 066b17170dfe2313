package backtester

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

// Broker routes orders to their exchange and hands fills back to the portfolio that placed them.
type Broker struct {
	ID           string
	cash         decimal.Decimal
	startingCash decimal.Decimal
	openOrders   []*models.Order
	buffer       []*models.Order
	account      *models.Account
	commission   CommissionScheme
	reg          *registry
	master       *Portfolio
}

func (b *Broker) String() string {
	return fmt.Sprintf("broker %s (cash=%s, open orders=%d)", b.ID, b.cash, len(b.openOrders))
}

func (b *Broker) Cash() decimal.Decimal {
	return b.cash
}

func (b *Broker) SetCommissionScheme(flat, pct, marginRate float64) {
	b.commission = CommissionScheme{Flat: flat, Pct: pct, MarginRate: marginRate}
}

func (b *Broker) CommissionScheme() CommissionScheme {
	return b.commission
}

// EnableAccount turns on a broker side ledger that tracks cash and units independently of the portfolios.
func (b *Broker) EnableAccount() {
	b.account = models.NewAccount(b.ID, b.startingCash)
}

func (b *Broker) Account() (*models.Account, bool) {
	return b.account, b.account != nil
}

func (b *Broker) OpenOrders() []*models.Order {
	return b.openOrders
}

func (b *Broker) BufferedOrders() []*models.Order {
	return b.buffer
}

// PlaceOrder sends the order to its exchange. A filled order is passed to its portfolio when processFill is
// set. An order that rests is tracked until it fills or is canceled.
func (b *Broker) PlaceOrder(order *models.Order, processFill bool) error {
	order.PlacedOnClose = b.reg.exchanges.OnClose()

	if processFill {
		if err := b.checkMargin(order); err != nil {
			b.rejectOrder(order, err)
			return nil
		}
	}

	e, err := b.reg.exchanges.GetExchange(order.ExchangeID)
	if err != nil {
		return fmt.Errorf("Broker.PlaceOrder: %s: %w", b.ID, err)
	}

	if err := e.PlaceOrder(order); err != nil {
		return fmt.Errorf("Broker.PlaceOrder: %s: %w", b.ID, err)
	}

	b.reg.orders.Add(order)

	log.WithFields(log.Fields{
		"broker":    b.ID,
		"portfolio": order.PortfolioID,
		"order_id":  order.ID,
		"state":     order.State,
	}).Debug("order placed")

	switch order.State {
	case models.OrderStateFilled:
		if processFill {
			return b.ProcessFilledOrder(order)
		}
	case models.OrderStateOpen:
		b.openOrders = append(b.openOrders, order)
	}

	return nil
}

// checkMargin fails when the order adds exposure and the portfolio cash does not cover the margin held
// against it. Orders that reduce a position are never checked.
func (b *Broker) checkMargin(order *models.Order) error {
	if b.commission.MarginRate == 0 {
		return nil
	}

	portfolio, ok := b.master.FindPortfolio(order.PortfolioID)
	if !ok {
		return nil
	}

	var existing float64
	if position, ok := portfolio.GetPosition(order.AssetID); ok {
		existing = position.Units
	}

	if math.Abs(existing+order.Units) <= math.Abs(existing) {
		return nil
	}

	price := order.Limit
	if !order.Type.RequiresLimit() {
		price = b.reg.exchanges.MarketPrice(order.AssetID)
	}

	requirement := b.commission.MarginRequirement(order.Units, price)
	if portfolio.Cash().LessThan(requirement) {
		return fmt.Errorf("%w: cash (%s) < margin requirement (%s)", models.ErrInsufficientMargin, portfolio.Cash().StringFixed(2), requirement.StringFixed(2))
	}

	return nil
}

func (b *Broker) rejectOrder(order *models.Order, reason error) {
	order.Reject(reason)

	children := make([]*models.Order, len(order.ChildOrders))
	copy(children, order.ChildOrders)
	for _, child := range children {
		b.cancelOrder(child)
	}

	b.reg.orders.Remove(order.ID)

	log.WithFields(log.Fields{
		"broker":    b.ID,
		"portfolio": order.PortfolioID,
		"order_id":  order.ID,
		"reason":    reason,
	}).Warn("order rejected")
}

// PlaceOrderBuffer queues the order until SendOrders.
func (b *Broker) PlaceOrderBuffer(order *models.Order) {
	b.buffer = append(b.buffer, order)
}

// SendOrders places every buffered order in the order it was queued.
func (b *Broker) SendOrders() error {
	buffer := b.buffer
	b.buffer = nil

	for i, order := range buffer {
		if err := b.PlaceOrder(order, true); err != nil {
			b.buffer = append(b.buffer, buffer[i+1:]...)
			return fmt.Errorf("Broker.SendOrders: %w", err)
		}
	}

	return nil
}

// ProcessFilledOrder charges commission and applies the fill to the portfolio that placed the order.
func (b *Broker) ProcessFilledOrder(order *models.Order) error {
	if order.State != models.OrderStateFilled {
		return fmt.Errorf("Broker.ProcessFilledOrder: order %d is %s", order.ID, order.State)
	}

	portfolio, ok := b.master.FindPortfolio(order.PortfolioID)
	if !ok {
		return fmt.Errorf("Broker.ProcessFilledOrder: %s unknown portfolio %s: %w", b.ID, order.PortfolioID, models.ErrInvalidId)
	}

	b.chargeCommission(portfolio, b.commission.Cost(order))

	if err := b.applyFill(portfolio, order); err != nil {
		return fmt.Errorf("Broker.ProcessFilledOrder: %w", err)
	}

	return nil
}

// applyFill books a filled order against the broker and passes it to portfolio. Commission is charged
// separately.
func (b *Broker) applyFill(portfolio *Portfolio, order *models.Order) error {
	b.detachFromParent(order)
	b.reg.orders.Remove(order.ID)

	b.cash = b.cash.Sub(order.Notional())

	if b.account != nil {
		b.account.OnOrderFill(order)
	}

	return portfolio.OnOrderFill(order)
}

func (b *Broker) chargeCommission(portfolio *Portfolio, commission decimal.Decimal) {
	if commission.IsZero() {
		return
	}

	portfolio.AddCash(commission.Neg())
	b.cash = b.cash.Sub(commission)

	if b.account != nil {
		b.account.Cash = b.account.Cash.Sub(commission)
	}
}

// ProcessOrders passes resting orders that filled on the exchange to their portfolios and forgets canceled
// ones.
func (b *Broker) ProcessOrders() error {
	var filled []*models.Order
	remaining := b.openOrders[:0]

	for _, order := range b.openOrders {
		switch order.State {
		case models.OrderStateFilled:
			filled = append(filled, order)
		case models.OrderStateCanceled:
		default:
			remaining = append(remaining, order)
		}
	}

	b.openOrders = remaining

	for _, order := range filled {
		// an earlier fill in this pass can cancel a sibling
		if order.State != models.OrderStateFilled {
			continue
		}

		if b.isOrphaned(order) {
			order.Unfill()
			order.Cancel()
			b.reg.orders.Remove(order.ID)

			log.WithFields(log.Fields{
				"broker":   b.ID,
				"order_id": order.ID,
				"trade_id": order.TradeID,
			}).Warn("dropping fill of an order whose trade already closed")
			continue
		}

		if err := b.ProcessFilledOrder(order); err != nil {
			return fmt.Errorf("Broker.ProcessOrders: %w", err)
		}
	}

	return nil
}

// isOrphaned reports whether order was issued by a trade that has since closed.
func (b *Broker) isOrphaned(order *models.Order) bool {
	if order.Parent == nil || order.Parent.Type != models.OrderParentTrade {
		return false
	}

	trade, ok := b.reg.trades.Get(order.Parent.ID)
	return !ok || !trade.IsOpen
}

// CancelOrder cancels a resting order and every order derived from it.
func (b *Broker) CancelOrder(orderID int) error {
	for _, order := range b.openOrders {
		if order.ID == orderID {
			b.cancelOrder(order)
			return nil
		}
	}

	return fmt.Errorf("Broker.CancelOrder: %s has no open order %d: %w", b.ID, orderID, models.ErrInvalidId)
}

func (b *Broker) cancelOrder(order *models.Order) {
	if order.State.IsTerminal() {
		return
	}

	wasOpen := order.State == models.OrderStateOpen
	order.Cancel()

	b.removeOpenOrder(order.ID)
	if wasOpen {
		if e, err := b.reg.exchanges.GetExchange(order.ExchangeID); err == nil {
			if err := e.CancelOrder(order.ID); err != nil {
				log.WithError(err).WithField("broker", b.ID).Warn("cancel order not found on exchange")
			}
		}
	}

	b.detachFromParent(order)
	b.reg.orders.Remove(order.ID)

	children := make([]*models.Order, len(order.ChildOrders))
	copy(children, order.ChildOrders)
	for _, child := range children {
		b.cancelOrder(child)
	}

	log.WithFields(log.Fields{
		"broker":   b.ID,
		"order_id": order.ID,
		"children": len(children),
	}).Debug("order canceled")
}

func (b *Broker) removeOpenOrder(orderID int) {
	for i, order := range b.openOrders {
		if order.ID == orderID {
			b.openOrders = append(b.openOrders[:i], b.openOrders[i+1:]...)
			return
		}
	}
}

// detachFromParent unlinks an order from the trade or order that issued it.
func (b *Broker) detachFromParent(order *models.Order) {
	if order.Parent == nil {
		return
	}

	switch order.Parent.Type {
	case models.OrderParentTrade:
		if trade, ok := b.reg.trades.Get(order.Parent.ID); ok {
			trade.CancelChildOrder(order.ID)
		}
	case models.OrderParentOrder:
		if parent, ok := b.reg.orders.Get(order.Parent.ID); ok {
			parent.CancelChildOrder(order.ID)
		}
	}
}

func (b *Broker) Reset() {
	b.cash = b.startingCash
	b.openOrders = nil
	b.buffer = nil

	if b.account != nil {
		b.account.Reset()
	}
}

func newBroker(id string, cash decimal.Decimal, reg *registry, master *Portfolio) *Broker {
	return &Broker{
		ID:           id,
		cash:         cash,
		startingCash: cash,
		reg:          reg,
		master:       master,
	}
}

// BrokerMap resolves brokers by id and keeps their creation order.
type BrokerMap struct {
	brokers   map[string]*Broker
	brokerIDs []string
}

func (m *BrokerMap) Add(b *Broker) error {
	if _, ok := m.brokers[b.ID]; ok {
		return fmt.Errorf("BrokerMap.Add: %s: %w", b.ID, models.ErrAlreadyExists)
	}

	m.brokers[b.ID] = b
	m.brokerIDs = append(m.brokerIDs, b.ID)

	return nil
}

func (m *BrokerMap) Get(id string) (*Broker, error) {
	b, ok := m.brokers[id]
	if !ok {
		return nil, fmt.Errorf("BrokerMap.Get: %s: %w", id, models.ErrInvalidId)
	}

	return b, nil
}

func (m *BrokerMap) Brokers() []*Broker {
	brokers := make([]*Broker, 0, len(m.brokerIDs))
	for _, id := range m.brokerIDs {
		brokers = append(brokers, m.brokers[id])
	}

	return brokers
}

func NewBrokerMap() *BrokerMap {
	return &BrokerMap{
		brokers: make(map[string]*Broker),
	}
}
