package backtester

import (
	"fmt"

	"github.com/jinzhu/copier"
	"github.com/shopspring/decimal"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

// PortfolioSnapshot is a detached copy of a portfolio subtree. Changing it never touches the live ledger.
type PortfolioSnapshot struct {
	ID           string              `json:"id"`
	Cash         decimal.Decimal     `json:"cash"`
	StartingCash decimal.Decimal     `json:"starting_cash"`
	NLV          decimal.Decimal     `json:"nlv"`
	UnrealizedPL decimal.Decimal     `json:"unrealized_pl"`
	Positions    []models.Position   `json:"positions"`
	Trades       []models.Trade      `json:"trades"`
	Children     []PortfolioSnapshot `json:"children,omitempty"`
}

func (p *Portfolio) Snapshot() (PortfolioSnapshot, error) {
	snapshot := PortfolioSnapshot{
		ID:           p.ID,
		Cash:         p.cash,
		StartingCash: p.startingCash,
		NLV:          p.nlv,
		UnrealizedPL: p.unrealizedPL,
	}

	var trades []*models.Trade
	for _, position := range p.Positions() {
		trades = append(trades, position.Trades()...)
	}

	if err := copier.Copy(&snapshot.Positions, p.Positions()); err != nil {
		return PortfolioSnapshot{}, fmt.Errorf("Portfolio.Snapshot: positions: %w", err)
	}

	if err := copier.Copy(&snapshot.Trades, trades); err != nil {
		return PortfolioSnapshot{}, fmt.Errorf("Portfolio.Snapshot: trades: %w", err)
	}

	for i := range snapshot.Trades {
		snapshot.Trades[i].OpenOrders = nil
	}

	for _, child := range p.Children() {
		childSnapshot, err := child.Snapshot()
		if err != nil {
			return PortfolioSnapshot{}, err
		}

		snapshot.Children = append(snapshot.Children, childSnapshot)
	}

	return snapshot, nil
}
