package models

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Position aggregates the open trades of one asset inside one portfolio.
type Position struct {
	ID           int             `json:"id"`
	PortfolioID  string          `json:"portfolio_id"`
	AssetID      string          `json:"asset_id"`
	ExchangeID   string          `json:"exchange_id"`
	BrokerID     string          `json:"broker_id"`
	Units        float64         `json:"units"`
	AveragePrice float64         `json:"average_price"`
	ClosePrice   float64         `json:"close_price"`
	LastPrice    float64         `json:"last_price"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	RealizedPL   decimal.Decimal `json:"realized_pl"`
	OpenTime     int64           `json:"open_time"`
	CloseTime    int64           `json:"close_time"`
	BarsHeld     int             `json:"bars_held"`
	IsOpen       bool            `json:"is_open"`
	trades       map[int]*Trade
}

func (p *Position) String() string {
	return fmt.Sprintf("position %d (%s): %s units=%.4f avg=%.4f trades=%d", p.ID, p.PortfolioID, p.AssetID, p.Units, p.AveragePrice, len(p.trades))
}

// ApplyFill folds a fill into the position and returns the realized PnL it produced.
func (p *Position) ApplyFill(units, price float64) decimal.Decimal {
	newUnits, averagePrice, realized := applyUnits(p.Units, p.AveragePrice, units, price)

	p.Units = newUnits
	p.AveragePrice = averagePrice
	p.RealizedPL = p.RealizedPL.Add(realized)
	p.LastPrice = price
	p.UnrealizedPL = PnL(p.Units, price, p.AveragePrice)

	return realized
}

func (p *Position) AddTrade(t *Trade) {
	p.trades[t.ID] = t
}

func (p *Position) RemoveTrade(tradeID int) {
	delete(p.trades, tradeID)
}

func (p *Position) Trade(tradeID int) (*Trade, bool) {
	t, ok := p.trades[tradeID]
	return t, ok
}

func (p *Position) TradeCount() int {
	return len(p.trades)
}

// Trades returns the open trades ordered by id.
func (p *Position) Trades() []*Trade {
	trades := make([]*Trade, 0, len(p.trades))
	for _, t := range p.trades {
		trades = append(trades, t)
	}

	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ID < trades[j].ID
	})

	return trades
}

// FirstTradeID is the lowest open trade id, or NewTradeID when the position holds none.
func (p *Position) FirstTradeID() int {
	trades := p.Trades()
	if len(trades) == 0 {
		return NewTradeID
	}

	return trades[0].ID
}

func (p *Position) Close(price float64, closeTime int64) {
	p.IsOpen = false
	p.ClosePrice = price
	p.LastPrice = price
	p.CloseTime = closeTime
	p.UnrealizedPL = decimal.Zero
}

func (p *Position) Evaluate(price float64, onClose bool) {
	p.LastPrice = price
	p.UnrealizedPL = PnL(p.Units, price, p.AveragePrice)

	if onClose {
		p.BarsHeld++
	}
}

// NLV is the market value of the position at its last price.
func (p *Position) NLV() decimal.Decimal {
	if !p.IsOpen {
		return decimal.Zero
	}

	return Notional(p.Units, p.LastPrice)
}

// GenerateInverseOrders builds one market order per open trade that flattens it.
func (p *Position) GenerateInverseOrders(ids *IDGenerator, portfolioID, strategyID string) []*Order {
	var orders []*Order
	for _, t := range p.Trades() {
		orders = append(orders, NewOrder(ids.NextOrderID(), MarketOrder, p.AssetID, -t.Units, p.ExchangeID, p.BrokerID, portfolioID, strategyID, t.ID))
	}

	return orders
}

// NewPosition opens a position in portfolioID from the first fill of trade.
func NewPosition(id int, portfolioID string, trade *Trade, units, price float64, openTime int64) *Position {
	p := &Position{
		ID:           id,
		PortfolioID:  portfolioID,
		AssetID:      trade.AssetID,
		ExchangeID:   trade.ExchangeID,
		BrokerID:     trade.BrokerID,
		Units:        units,
		AveragePrice: price,
		LastPrice:    price,
		UnrealizedPL: decimal.Zero,
		RealizedPL:   decimal.Zero,
		OpenTime:     openTime,
		IsOpen:       true,
		trades:       make(map[int]*Trade),
	}

	p.AddTrade(trade)

	return p
}
