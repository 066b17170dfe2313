package models

import "fmt"

// OrderConsolidated nets several market orders on the same asset into one parent order. The parent is sent
// to the exchange and its fill is copied onto every child.
type OrderConsolidated struct {
	parent   *Order
	children []*Order
}

func (c *OrderConsolidated) ParentOrder() *Order {
	return c.parent
}

func (c *OrderConsolidated) ChildOrders() []*Order {
	return c.children
}

func (c *OrderConsolidated) FillChildOrders() error {
	if c.parent.State != OrderStateFilled {
		return fmt.Errorf("OrderConsolidated.FillChildOrders: parent order %d is %s", c.parent.ID, c.parent.State)
	}

	for _, child := range c.children {
		child.Fill(c.parent.AveragePrice, c.parent.FillTime)
		child.CreateTime = c.parent.CreateTime
		child.PlacedOnClose = c.parent.PlacedOnClose
		child.FilledOnClose = c.parent.FilledOnClose
	}

	return nil
}

func NewOrderConsolidated(id int, orders []*Order, portfolioID string) (*OrderConsolidated, error) {
	if len(orders) == 0 {
		return nil, fmt.Errorf("NewOrderConsolidated: no orders: %w", ErrInvalidArrayLength)
	}

	first := orders[0]
	units := 0.0
	for _, o := range orders {
		if o.AssetID != first.AssetID || o.BrokerID != first.BrokerID {
			return nil, fmt.Errorf("NewOrderConsolidated: order %d does not match asset %s at broker %s: %w", o.ID, first.AssetID, first.BrokerID, ErrInvalidId)
		}

		if o.Type != MarketOrder {
			return nil, fmt.Errorf("NewOrderConsolidated: order %d is a %s order", o.ID, o.Type)
		}

		units += o.Units
	}

	parent := NewOrder(id, MarketOrder, first.AssetID, units, first.ExchangeID, first.BrokerID, portfolioID, first.StrategyID, NewTradeID)

	return &OrderConsolidated{
		parent:   parent,
		children: orders,
	}, nil
}
