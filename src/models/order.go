package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NewTradeID asks the ledger to open a new trade for the filled order.
const NewTradeID = -1

type Order struct {
	ID            int          `json:"id"`
	Type          OrderType    `json:"type"`
	AssetID       string       `json:"asset_id"`
	Units         float64      `json:"units"`
	AveragePrice  float64      `json:"average_price"`
	Limit         float64      `json:"limit"`
	ExchangeID    string       `json:"exchange_id"`
	BrokerID      string       `json:"broker_id"`
	PortfolioID   string       `json:"portfolio_id"`
	StrategyID    string       `json:"strategy_id"`
	TradeID       int          `json:"trade_id"`
	State         OrderState   `json:"state"`
	CreateTime    int64        `json:"create_time"`
	FillTime      int64        `json:"fill_time"`
	PlacedOnClose bool         `json:"placed_on_close"`
	FilledOnClose bool         `json:"filled_on_close"`
	Sequence      int          `json:"sequence"`
	RejectReason  *string      `json:"reject_reason,omitempty"`
	Parent        *OrderParent `json:"parent,omitempty"`
	ChildOrders   []*Order     `json:"child_orders,omitempty"`
}

func (o *Order) String() string {
	return fmt.Sprintf("order %d: %s %s units=%.4f state=%s", o.ID, o.Type, o.AssetID, o.Units, o.State)
}

func (o *Order) IsBuy() bool {
	return o.Units > 0
}

func (o *Order) Fill(price float64, fillTime int64) {
	o.AveragePrice = price
	o.FillTime = fillTime
	o.State = OrderStateFilled
}

func (o *Order) Unfill() {
	o.AveragePrice = 0
	o.FillTime = 0
	o.FilledOnClose = false
	o.State = OrderStatePending
}

func (o *Order) Cancel() {
	o.State = OrderStateCanceled
}

func (o *Order) Reject(reason error) {
	rejectReason := reason.Error()
	o.RejectReason = &rejectReason
	o.State = OrderStateRejected
}

// Notional is the signed cash value of the fill.
func (o *Order) Notional() decimal.Decimal {
	return Notional(o.Units, o.AveragePrice)
}

// AddChildOrder attaches an order that is placed once this order fills.
func (o *Order) AddChildOrder(child *Order) error {
	if child.AssetID != o.AssetID {
		return fmt.Errorf("Order.AddChildOrder: child asset %s does not match %s: %w", child.AssetID, o.AssetID, ErrInvalidId)
	}

	if child.State != OrderStatePending {
		return fmt.Errorf("Order.AddChildOrder: child order %d is %s", child.ID, child.State)
	}

	child.Parent = &OrderParent{Type: OrderParentOrder, ID: o.ID}
	o.ChildOrders = append(o.ChildOrders, child)

	return nil
}

// CancelChildOrder detaches the child with the given id and returns it, or nil if it is not a child.
func (o *Order) CancelChildOrder(orderID int) *Order {
	for i, child := range o.ChildOrders {
		if child.ID == orderID {
			o.ChildOrders = append(o.ChildOrders[:i], o.ChildOrders[i+1:]...)
			return child
		}
	}

	return nil
}

// Clone copies the order. Child orders are not copied.
func (o *Order) Clone() *Order {
	c := *o
	c.ChildOrders = nil
	if o.Parent != nil {
		parent := *o.Parent
		c.Parent = &parent
	}

	return &c
}

// SplitOrder carves newUnits out of existing into a new order with the given id. The existing order keeps
// the remainder and its child orders.
func SplitOrder(existing *Order, newID int, newUnits float64) *Order {
	split := existing.Clone()
	split.ID = newID
	split.Units = newUnits

	existing.Units -= newUnits

	return split
}

func NewOrder(id int, orderType OrderType, assetID string, units float64, exchangeID, brokerID, portfolioID, strategyID string, tradeID int) *Order {
	return &Order{
		ID:          id,
		Type:        orderType,
		AssetID:     assetID,
		Units:       units,
		ExchangeID:  exchangeID,
		BrokerID:    brokerID,
		PortfolioID: portfolioID,
		StrategyID:  strategyID,
		TradeID:     tradeID,
		State:       OrderStatePending,
	}
}
