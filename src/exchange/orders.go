package exchange

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

// isMatch reports whether an order fills at price.
func isMatch(order *models.Order, price float64) bool {
	buy := order.IsBuy()
	limit := order.Limit

	switch order.Type {
	case models.MarketOrder:
		return true
	case models.LimitOrder:
		return (buy && price <= limit) || (!buy && price >= limit)
	case models.StopLossOrder:
		return (!buy && price <= limit) || (buy && price >= limit)
	case models.TakeProfitOrder:
		return (!buy && price >= limit) || (buy && price <= limit)
	default:
		return false
	}
}

// PlaceOrder stamps the order with the exchange time and fills it against the current market price. An
// order that does not fill rests on the exchange in the open state.
func (e *Exchange) PlaceOrder(order *models.Order) error {
	if err := order.Type.Validate(); err != nil {
		return fmt.Errorf("Exchange.PlaceOrder: %w", err)
	}

	order.CreateTime = e.exchangeTime

	if !e.IsStreaming(order.AssetID) {
		return fmt.Errorf("Exchange.PlaceOrder: %s asset %s not streaming: %w", e.ID, order.AssetID, models.ErrInvalidId)
	}

	price := e.MarketPrice(order.AssetID)
	if price == 0 {
		return fmt.Errorf("Exchange.PlaceOrder: %s asset %s has no price: %w", e.ID, order.AssetID, models.ErrInvalidId)
	}

	if isMatch(order, price) {
		order.Fill(price, e.exchangeTime)
		order.FilledOnClose = e.onClose

		log.WithFields(log.Fields{
			"exchange": e.ID,
			"asset":    order.AssetID,
			"order_id": order.ID,
			"units":    order.Units,
			"price":    price,
		}).Debug("order filled")

		return nil
	}

	order.State = models.OrderStateOpen
	e.orders = append(e.orders, order)

	return nil
}

// ProcessOrders matches every resting order against the current market view. Filled orders leave the book;
// canceled or rejected ones are dropped.
func (e *Exchange) ProcessOrders() {
	remaining := e.orders[:0]

	for _, order := range e.orders {
		if !order.State.IsMatchable() {
			log.WithFields(log.Fields{
				"exchange": e.ID,
				"order_id": order.ID,
				"state":    order.State,
			}).Warn("dropping order that can no longer match")
			continue
		}

		price := e.MarketPrice(order.AssetID)
		if price == 0 || !isMatch(order, price) {
			remaining = append(remaining, order)
			continue
		}

		order.Fill(price, e.exchangeTime)
		order.FilledOnClose = e.onClose

		log.WithFields(log.Fields{
			"exchange": e.ID,
			"asset":    order.AssetID,
			"order_id": order.ID,
			"price":    price,
		}).Debug("resting order filled")
	}

	for i := len(remaining); i < len(e.orders); i++ {
		e.orders[i] = nil
	}
	e.orders = remaining
}

// CancelOrder removes a resting order from the book.
func (e *Exchange) CancelOrder(orderID int) error {
	for i, order := range e.orders {
		if order.ID == orderID {
			order.Cancel()
			e.orders = append(e.orders[:i], e.orders[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("Exchange.CancelOrder: %s has no resting order %d: %w", e.ID, orderID, models.ErrInvalidId)
}

// Orders returns the resting orders.
func (e *Exchange) Orders() []*models.Order {
	return e.orders
}
