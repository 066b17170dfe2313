package models

type OrderState string

const (
	OrderStatePending  OrderState = "pending"
	OrderStateOpen     OrderState = "open"
	OrderStateFilled   OrderState = "filled"
	OrderStateCanceled OrderState = "canceled"
	OrderStateRejected OrderState = "rejected"
)

func (s OrderState) IsTerminal() bool {
	return s == OrderStateFilled || s == OrderStateCanceled || s == OrderStateRejected
}

func (s OrderState) IsMatchable() bool {
	return s == OrderStatePending || s == OrderStateOpen
}

type OrderParentType string

const (
	OrderParentTrade OrderParentType = "trade"
	OrderParentOrder OrderParentType = "order"
)

// OrderParent links a derived order to the trade or order that issued it.
type OrderParent struct {
	Type OrderParentType `json:"type"`
	ID   int             `json:"id"`
}
