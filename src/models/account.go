package models

import "github.com/shopspring/decimal"

// Account is a broker-side ledger kept independently from the portfolio tree for reconciliation.
type Account struct {
	ID           string
	Cash         decimal.Decimal
	StartingCash decimal.Decimal
	trades       map[string]*Trade
}

func (a *Account) OnOrderFill(order *Order) {
	a.Cash = a.Cash.Sub(order.Notional())

	trade, ok := a.trades[order.AssetID]
	if !ok {
		a.trades[order.AssetID] = NewTrade(-1, order, order.Units)
		return
	}

	trade.Adjust(order.Units, order.AveragePrice, order.FillTime)
	if !trade.IsOpen {
		delete(a.trades, order.AssetID)
	}
}

// Units returns the net units the account holds in assetID.
func (a *Account) Units(assetID string) float64 {
	trade, ok := a.trades[assetID]
	if !ok {
		return 0
	}

	return trade.Units
}

func (a *Account) RealizedPL(assetID string) decimal.Decimal {
	trade, ok := a.trades[assetID]
	if !ok {
		return decimal.Zero
	}

	return trade.RealizedPL
}

func (a *Account) Reset() {
	a.Cash = a.StartingCash
	a.trades = make(map[string]*Trade)
}

func NewAccount(id string, cash decimal.Decimal) *Account {
	return &Account{
		ID:           id,
		Cash:         cash,
		StartingCash: cash,
		trades:       make(map[string]*Trade),
	}
}
