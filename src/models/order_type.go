package models

import "fmt"

type OrderType string

const (
	MarketOrder     OrderType = "market"
	LimitOrder      OrderType = "limit"
	StopLossOrder   OrderType = "stop_loss"
	TakeProfitOrder OrderType = "take_profit"
)

func (t OrderType) Validate() error {
	switch t {
	case MarketOrder, LimitOrder, StopLossOrder, TakeProfitOrder:
		return nil
	default:
		return fmt.Errorf("invalid order type: %s", t)
	}
}

// RequiresLimit reports whether the order type is matched against a limit price.
func (t OrderType) RequiresLimit() bool {
	return t == LimitOrder || t == StopLossOrder || t == TakeProfitOrder
}
