package backtester

import (
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

// OrderExecutionType selects whether an order is sent at once or queued until the broker flushes its buffer.
type OrderExecutionType int

const (
	Eager OrderExecutionType = iota
	Lazy
)

// OrderTargetType is the unit of a target size.
type OrderTargetType int

const (
	TargetUnits OrderTargetType = iota
	TargetDollars
	TargetPct
)

func ParseOrderTargetType(s string) (OrderTargetType, error) {
	switch s {
	case "units", "":
		return TargetUnits, nil
	case "dollars":
		return TargetDollars, nil
	case "pct":
		return TargetPct, nil
	default:
		return 0, fmt.Errorf("ParseOrderTargetType: unknown target %q", s)
	}
}

type orderOptions struct {
	tradeID    int
	stopLoss   *float64
	takeProfit *float64
}

type OrderOption func(*orderOptions)

// WithTradeID applies the order to an existing trade instead of opening a new one.
func WithTradeID(tradeID int) OrderOption {
	return func(o *orderOptions) {
		o.tradeID = tradeID
	}
}

func WithStopLoss(price float64) OrderOption {
	return func(o *orderOptions) {
		o.stopLoss = &price
	}
}

func WithTakeProfit(price float64) OrderOption {
	return func(o *orderOptions) {
		o.takeProfit = &price
	}
}

func (p *Portfolio) PlaceMarketOrder(assetID string, units float64, strategyID string, execType OrderExecutionType, opts ...OrderOption) (*models.Order, error) {
	order, err := p.newOrder(models.MarketOrder, assetID, units, 0, strategyID, opts...)
	if err != nil {
		return nil, fmt.Errorf("Portfolio.PlaceMarketOrder: %w", err)
	}

	if err := p.sendOrder(order, execType); err != nil {
		return nil, fmt.Errorf("Portfolio.PlaceMarketOrder: %w", err)
	}

	return order, nil
}

func (p *Portfolio) PlaceLimitOrder(assetID string, units, limit float64, strategyID string, execType OrderExecutionType, opts ...OrderOption) (*models.Order, error) {
	order, err := p.newOrder(models.LimitOrder, assetID, units, limit, strategyID, opts...)
	if err != nil {
		return nil, fmt.Errorf("Portfolio.PlaceLimitOrder: %w", err)
	}

	if err := p.sendOrder(order, execType); err != nil {
		return nil, fmt.Errorf("Portfolio.PlaceLimitOrder: %w", err)
	}

	return order, nil
}

func (p *Portfolio) newOrder(orderType models.OrderType, assetID string, units, limit float64, strategyID string, opts ...OrderOption) (*models.Order, error) {
	if models.IsFlat(units) {
		return nil, fmt.Errorf("%s order for %s has no units: %w", orderType, assetID, models.ErrInvalidArrayValues)
	}

	if orderType.RequiresLimit() && limit <= 0 {
		return nil, fmt.Errorf("%s order for %s needs a positive limit, got %f: %w", orderType, assetID, limit, models.ErrInvalidArrayValues)
	}

	options := orderOptions{tradeID: models.NewTradeID}
	for _, opt := range opts {
		opt(&options)
	}

	a, err := p.reg.exchanges.GetAsset(assetID)
	if err != nil {
		return nil, err
	}

	order := models.NewOrder(p.reg.ids.NextOrderID(), orderType, assetID, units, a.ExchangeID, a.BrokerID, p.ID, strategyID, options.tradeID)
	order.Limit = limit

	if options.stopLoss != nil {
		if err := p.attachChild(order, models.StopLossOrder, *options.stopLoss); err != nil {
			return nil, err
		}
	}

	if options.takeProfit != nil {
		if err := p.attachChild(order, models.TakeProfitOrder, *options.takeProfit); err != nil {
			return nil, err
		}
	}

	return order, nil
}

func (p *Portfolio) attachChild(order *models.Order, orderType models.OrderType, limit float64) error {
	if limit <= 0 {
		return fmt.Errorf("%s child for %s needs a positive limit, got %f: %w", orderType, order.AssetID, limit, models.ErrInvalidArrayValues)
	}

	child := models.NewOrder(p.reg.ids.NextOrderID(), orderType, order.AssetID, -order.Units, order.ExchangeID, order.BrokerID, p.ID, order.StrategyID, models.NewTradeID)
	child.Limit = limit

	if err := order.AddChildOrder(child); err != nil {
		return err
	}

	p.reg.orders.Add(child)
	return nil
}

func (p *Portfolio) sendOrder(order *models.Order, execType OrderExecutionType) error {
	broker, err := p.reg.brokers.Get(order.BrokerID)
	if err != nil {
		return err
	}

	if execType == Lazy {
		broker.PlaceOrderBuffer(order)
		return nil
	}

	return broker.PlaceOrder(order, true)
}

// OrderTargetSize places a market order that moves the position in assetID to size. No order is placed when
// the existing position is within epsilon of the target, as a fraction of the target.
func (p *Portfolio) OrderTargetSize(assetID string, size float64, strategyID string, epsilon float64, targetType OrderTargetType, execType OrderExecutionType) error {
	price := p.reg.exchanges.MarketPrice(assetID)
	if price == 0 {
		return fmt.Errorf("Portfolio.OrderTargetSize: %s is not streaming: %w", assetID, models.ErrInvalidId)
	}

	var units float64
	switch targetType {
	case TargetUnits:
		units = size
	case TargetDollars:
		units = size / price
	case TargetPct:
		nlv, _ := p.nlv.Float64()
		units = size * nlv / price
	default:
		return fmt.Errorf("Portfolio.OrderTargetSize: target type %d: %w", targetType, models.ErrNotImplemented)
	}

	var opts []OrderOption
	if position, ok := p.positions[assetID]; ok {
		existing := position.Units
		if math.Abs((existing-units)/units) < epsilon {
			return nil
		}

		units -= existing
		opts = append(opts, WithTradeID(position.FirstTradeID()))
	}

	if models.IsFlat(units) {
		return nil
	}

	if _, err := p.PlaceMarketOrder(assetID, units, strategyID, execType, opts...); err != nil {
		return fmt.Errorf("Portfolio.OrderTargetSize: %w", err)
	}

	return nil
}

// OrderTargetAllocations moves every asset in allocations to its target. With clearMissing, positions not
// named in allocations are closed first.
func (p *Portfolio) OrderTargetAllocations(allocations map[string]float64, strategyID string, epsilon float64, execType OrderExecutionType, targetType OrderTargetType, clearMissing bool) error {
	if clearMissing {
		for _, position := range p.Positions() {
			if _, ok := allocations[position.AssetID]; ok {
				continue
			}

			if err := p.ClosePosition(position.AssetID, strategyID); err != nil {
				return fmt.Errorf("Portfolio.OrderTargetAllocations: %w", err)
			}
		}
	}

	assetIDs := make([]string, 0, len(allocations))
	for id := range allocations {
		assetIDs = append(assetIDs, id)
	}
	sort.Strings(assetIDs)

	for _, id := range assetIDs {
		if err := p.OrderTargetSize(id, allocations[id], strategyID, epsilon, targetType, execType); err != nil {
			return fmt.Errorf("Portfolio.OrderTargetAllocations: %w", err)
		}
	}

	return nil
}

// ClosePosition flattens every trade in the position with one consolidated market order.
func (p *Portfolio) ClosePosition(assetID, strategyID string) error {
	position, ok := p.positions[assetID]
	if !ok {
		return fmt.Errorf("Portfolio.ClosePosition: %s has no position in %s: %w", p.ID, assetID, models.ErrInvalidId)
	}

	orders := position.GenerateInverseOrders(p.reg.ids, p.ID, strategyID)
	for _, order := range orders {
		if trade, ok := position.Trade(order.TradeID); ok {
			order.PortfolioID = trade.SourcePortfolioID
		}
	}

	consolidated, err := models.NewOrderConsolidated(p.reg.ids.NextOrderID(), orders, p.ID)
	if err != nil {
		return fmt.Errorf("Portfolio.ClosePosition: %w", err)
	}

	broker, err := p.reg.brokers.Get(position.BrokerID)
	if err != nil {
		return fmt.Errorf("Portfolio.ClosePosition: %w", err)
	}

	parent := consolidated.ParentOrder()
	if err := broker.PlaceOrder(parent, false); err != nil {
		return fmt.Errorf("Portfolio.ClosePosition: %w", err)
	}

	p.reg.orders.Remove(parent.ID)

	if err := consolidated.FillChildOrders(); err != nil {
		return fmt.Errorf("Portfolio.ClosePosition: %w", err)
	}

	// the exchange saw one order, so commission is charged once
	broker.chargeCommission(p, broker.commission.Cost(parent))

	for _, child := range consolidated.ChildOrders() {
		portfolio, ok := p.FindPortfolio(child.PortfolioID)
		if !ok {
			return fmt.Errorf("Portfolio.ClosePosition: unknown portfolio %s: %w", child.PortfolioID, models.ErrInvalidId)
		}

		if err := broker.applyFill(portfolio, child); err != nil {
			return fmt.Errorf("Portfolio.ClosePosition: %w", err)
		}
	}

	log.WithFields(log.Fields{
		"portfolio": p.ID,
		"asset":     assetID,
		"trades":    len(orders),
	}).Debug("position closed")

	return nil
}

func (p *Portfolio) CloseAllPositions(strategyID string) error {
	for _, position := range p.Positions() {
		if err := p.ClosePosition(position.AssetID, strategyID); err != nil {
			return err
		}
	}

	return nil
}
