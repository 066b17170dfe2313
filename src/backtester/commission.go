package backtester

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

// CommissionScheme charges a flat fee plus a percentage of notional per fill.
type CommissionScheme struct {
	Flat       float64 `json:"flat"`
	Pct        float64 `json:"pct"`
	MarginRate float64 `json:"margin_rate"`
}

func (c CommissionScheme) IsZero() bool {
	return c.Flat == 0 && c.Pct == 0
}

// Cost is the commission on a filled order.
func (c CommissionScheme) Cost(order *models.Order) decimal.Decimal {
	if c.IsZero() {
		return decimal.Zero
	}

	flat := decimal.NewFromFloat(c.Flat)
	notional := models.Notional(math.Abs(order.Units), order.AveragePrice)

	return flat.Add(notional.Mul(decimal.NewFromFloat(c.Pct)))
}

// MarginRequirement is the cash held against a position of units at price. A zero rate turns the check off.
func (c CommissionScheme) MarginRequirement(units, price float64) decimal.Decimal {
	return models.Notional(math.Abs(units), price).Mul(decimal.NewFromFloat(c.MarginRate))
}
