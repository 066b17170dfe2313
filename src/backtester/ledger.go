package backtester

import (
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

// OnOrderFill applies a filled order to this portfolio's ledger.
func (p *Portfolio) OnOrderFill(order *models.Order) error {
	if order.State != models.OrderStateFilled {
		return fmt.Errorf("Portfolio.OnOrderFill: order %d is %s", order.ID, order.State)
	}

	// child orders can fill while this one is applied, so the sequence is taken first
	order.Sequence = p.reg.nextSequence()

	if err := p.onOrderFill(order); err != nil {
		return fmt.Errorf("Portfolio.OnOrderFill: %s: %w", p.ID, err)
	}

	// positions opened by the fill are marked so the tree NLV stays current between evaluations
	p.root().evaluateNode(false)

	p.publish(TopicOrderFilled, order)

	return nil
}

func (p *Portfolio) onOrderFill(order *models.Order) error {
	position, ok := p.positions[order.AssetID]
	if !ok {
		trade := p.openTrade(order, order.Units)
		return p.placeChildOrders(order, trade)
	}

	positionUnits := position.Units
	units := order.Units

	// a fill that crosses zero closes the position first and opens the remainder as a new trade
	if !sameSign(positionUnits, units) && math.Abs(units) > math.Abs(positionUnits)+models.UnitsEpsilon {
		closing := models.SplitOrder(order, p.reg.ids.NextOrderID(), -positionUnits)
		if err := p.onOrderFill(closing); err != nil {
			return err
		}

		tradeID := order.TradeID
		order.TradeID = models.NewTradeID
		if err := p.onOrderFill(order); err != nil {
			order.TradeID = tradeID
			return err
		}

		order.Units = units
		return nil
	}

	if math.Abs(positionUnits+units) > models.UnitsEpsilon {
		return p.modifyPosition(position, order)
	}

	return p.closePosition(position, order)
}

func (p *Portfolio) modifyPosition(position *models.Position, order *models.Order) error {
	trade, ok := position.Trade(order.TradeID)
	if order.TradeID == models.NewTradeID || !ok {
		trade = p.openTrade(order, order.Units)
		return p.placeChildOrders(order, trade)
	}

	p.applyTradeChange(trade, order.Units, order.AveragePrice, order.FillTime)

	if !trade.IsOpen {
		p.cancelTradeOrders(trade)
		p.cancelChildOrders(order)
		return nil
	}

	return p.placeChildOrders(order, trade)
}

func (p *Portfolio) closePosition(position *models.Position, order *models.Order) error {
	for _, trade := range position.Trades() {
		p.applyTradeChange(trade, -trade.Units, order.AveragePrice, order.FillTime)
		p.cancelTradeOrders(trade)
	}

	p.cancelChildOrders(order)
	return nil
}

// openTrade creates a trade sourced at this portfolio and mirrors it up the tree.
func (p *Portfolio) openTrade(order *models.Order, units float64) *models.Trade {
	trade := models.NewTrade(p.reg.ids.NextTradeID(), order, units)
	trade.SourcePortfolioID = p.ID
	order.TradeID = trade.ID

	p.reg.trades.Add(trade)

	for node := p; node != nil; node = node.parent {
		node.mirrorTrade(trade, units, order.AveragePrice, order.FillTime)
		node.publish(TopicTradeOpened, trade)
	}

	p.AddCash(models.Notional(units, order.AveragePrice).Neg())

	log.WithFields(log.Fields{
		"portfolio": p.ID,
		"asset":     trade.AssetID,
		"trade_id":  trade.ID,
		"units":     units,
		"price":     order.AveragePrice,
	}).Debug("trade opened")

	return trade
}

// applyTradeChange adjusts an existing trade by units at price and carries the change through every
// position holding it. Cash moves at the trade's source portfolio.
func (p *Portfolio) applyTradeChange(trade *models.Trade, units, price float64, changeTime int64) {
	source, ok := p.root().FindPortfolio(trade.SourcePortfolioID)
	if !ok {
		source = p
	}

	trade.Adjust(units, price, changeTime)

	for node := source; node != nil; node = node.parent {
		node.mirrorTrade(trade, units, price, changeTime)

		if !trade.IsOpen {
			node.publish(TopicTradeClosed, trade)
		}
	}

	if !trade.IsOpen {
		p.reg.trades.Remove(trade.ID)

		log.WithFields(log.Fields{
			"portfolio": source.ID,
			"asset":     trade.AssetID,
			"trade_id":  trade.ID,
			"realized":  trade.RealizedPL.StringFixed(2),
		}).Debug("trade closed")
	}

	source.AddCash(models.Notional(units, price).Neg())
}

// mirrorTrade applies a change of units in trade to this node's position in the asset, opening the position
// when it does not exist and closing it when its last trade closes.
func (p *Portfolio) mirrorTrade(trade *models.Trade, units, price float64, changeTime int64) {
	position, ok := p.positions[trade.AssetID]
	if !ok {
		position = models.NewPosition(p.reg.ids.NextPositionID(), p.ID, trade, units, price, changeTime)
		p.positions[trade.AssetID] = position
		p.publish(TopicPositionOpened, position)
	} else {
		if _, ok := position.Trade(trade.ID); !ok {
			position.AddTrade(trade)
		}
		position.ApplyFill(units, price)
	}

	if !trade.IsOpen {
		position.RemoveTrade(trade.ID)
	}

	if position.TradeCount() == 0 {
		position.Close(price, changeTime)
		delete(p.positions, trade.AssetID)
		p.publish(TopicPositionClosed, position)
	}
}

// placeChildOrders sends the stop loss and take profit orders attached to a filled order. They are sized to
// flatten the units the order opened and belong to the resulting trade.
func (p *Portfolio) placeChildOrders(order *models.Order, trade *models.Trade) error {
	if len(order.ChildOrders) == 0 {
		return nil
	}

	children := order.ChildOrders
	order.ChildOrders = nil

	broker, err := p.reg.brokers.Get(order.BrokerID)
	if err != nil {
		return err
	}

	// every sibling is attached first so a child that fills on placement cancels the rest with the trade
	for _, child := range children {
		child.Units = -order.Units
		trade.AddOpenOrder(child)
	}

	for _, child := range children {
		if !trade.IsOpen || child.State != models.OrderStatePending {
			continue
		}

		if err := broker.PlaceOrder(child, true); err != nil {
			return fmt.Errorf("placing child order %d: %w", child.ID, err)
		}
	}

	return nil
}

// cancelTradeOrders cancels the orders still attached to a closed trade.
func (p *Portfolio) cancelTradeOrders(trade *models.Trade) {
	orders := make([]*models.Order, len(trade.OpenOrders))
	copy(orders, trade.OpenOrders)

	for _, o := range orders {
		if broker, err := p.reg.brokers.Get(o.BrokerID); err == nil {
			broker.cancelOrder(o)
		}
	}

	trade.OpenOrders = nil
}

// cancelChildOrders cancels children of an order that closed exposure instead of opening it.
func (p *Portfolio) cancelChildOrders(order *models.Order) {
	for _, child := range order.ChildOrders {
		child.Cancel()
	}

	order.ChildOrders = nil
}

func (p *Portfolio) publish(topic string, payload interface{}) {
	p.reg.bus.Publish(portfolioTopic(topic, p.ID), payload)
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
