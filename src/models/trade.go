package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Trade is the atomic unit of exposure. The same trade is shared by its source portfolio's position and the
// mirrored positions of every ancestor.
type Trade struct {
	ID                int             `json:"id"`
	AssetID           string          `json:"asset_id"`
	ExchangeID        string          `json:"exchange_id"`
	BrokerID          string          `json:"broker_id"`
	StrategyID        string          `json:"strategy_id"`
	SourcePortfolioID string          `json:"source_portfolio_id"`
	Units             float64         `json:"units"`
	AveragePrice      float64         `json:"average_price"`
	ClosePrice        float64         `json:"close_price"`
	LastPrice         float64         `json:"last_price"`
	UnrealizedPL      decimal.Decimal `json:"unrealized_pl"`
	RealizedPL        decimal.Decimal `json:"realized_pl"`
	OpenTime          int64           `json:"open_time"`
	CloseTime         int64           `json:"close_time"`
	ChangeTime        int64           `json:"change_time"`
	BarsHeld          int             `json:"bars_held"`
	IsOpen            bool            `json:"is_open"`
	OpenOrders        []*Order        `json:"-"`
}

func (t *Trade) String() string {
	return fmt.Sprintf("trade %d: %s units=%.4f avg=%.4f open=%v", t.ID, t.AssetID, t.Units, t.AveragePrice, t.IsOpen)
}

// Adjust applies a fill of units at price and returns the realized PnL it produced. A fill that flattens the
// trade closes it; the trade keeps the units it held before closing.
func (t *Trade) Adjust(units, price float64, changeTime int64) decimal.Decimal {
	previous := t.Units

	newUnits, averagePrice, realized := applyUnits(t.Units, t.AveragePrice, units, price)
	t.RealizedPL = t.RealizedPL.Add(realized)
	t.ChangeTime = changeTime

	if IsFlat(newUnits) {
		t.Units = previous
		t.markClosed(price, changeTime)
		return realized
	}

	t.Units = newUnits
	t.AveragePrice = averagePrice
	t.LastPrice = price
	t.UnrealizedPL = PnL(t.Units, price, t.AveragePrice)

	return realized
}

// Close flattens the trade at price and returns the realized PnL.
func (t *Trade) Close(price float64, closeTime int64) decimal.Decimal {
	realized := PnL(t.Units, price, t.AveragePrice)
	t.RealizedPL = t.RealizedPL.Add(realized)
	t.markClosed(price, closeTime)

	return realized
}

func (t *Trade) markClosed(price float64, closeTime int64) {
	t.IsOpen = false
	t.ClosePrice = price
	t.LastPrice = price
	t.CloseTime = closeTime
	t.ChangeTime = closeTime
	t.UnrealizedPL = decimal.Zero
}

func (t *Trade) Evaluate(price float64, onClose bool) {
	t.LastPrice = price
	t.UnrealizedPL = PnL(t.Units, price, t.AveragePrice)

	if onClose {
		t.BarsHeld++
	}
}

// NLV is the market value of the trade at its last price.
func (t *Trade) NLV() decimal.Decimal {
	if !t.IsOpen {
		return decimal.Zero
	}

	return Notional(t.Units, t.LastPrice)
}

// AddOpenOrder attaches a resting order (stop loss, take profit) to the trade.
func (t *Trade) AddOpenOrder(o *Order) {
	o.Parent = &OrderParent{Type: OrderParentTrade, ID: t.ID}
	o.TradeID = t.ID
	t.OpenOrders = append(t.OpenOrders, o)
}

func (t *Trade) CancelChildOrder(orderID int) *Order {
	for i, o := range t.OpenOrders {
		if o.ID == orderID {
			t.OpenOrders = append(t.OpenOrders[:i], t.OpenOrders[i+1:]...)
			return o
		}
	}

	return nil
}

// NewTrade opens a trade from a fill of units at price.
func NewTrade(id int, order *Order, units float64) *Trade {
	return &Trade{
		ID:                id,
		AssetID:           order.AssetID,
		ExchangeID:        order.ExchangeID,
		BrokerID:          order.BrokerID,
		StrategyID:        order.StrategyID,
		SourcePortfolioID: order.PortfolioID,
		Units:             units,
		AveragePrice:      order.AveragePrice,
		LastPrice:         order.AveragePrice,
		UnrealizedPL:      decimal.Zero,
		RealizedPL:        decimal.Zero,
		OpenTime:          order.FillTime,
		ChangeTime:        order.FillTime,
		IsOpen:            true,
	}
}
