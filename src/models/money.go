package models

import (
	"math"

	"github.com/shopspring/decimal"
)

// UnitsEpsilon is the tolerance under which a unit quantity is treated as flat.
const UnitsEpsilon = 1e-7

func IsFlat(units float64) bool {
	return math.Abs(units) < UnitsEpsilon
}

// Notional returns units * price as a decimal.
func Notional(units, price float64) decimal.Decimal {
	return decimal.NewFromFloat(units).Mul(decimal.NewFromFloat(price))
}

// PnL returns units * (price - averagePrice) as a decimal.
func PnL(units, price, averagePrice float64) decimal.Decimal {
	return decimal.NewFromFloat(units).Mul(decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(averagePrice)))
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// applyUnits folds a signed fill into an existing (units, average price) pair. It returns the new units,
// the new average price and the realized PnL of any reduced exposure. A fill that flips the sign opens the
// residual at the fill price.
func applyUnits(units, averagePrice, fillUnits, fillPrice float64) (float64, float64, decimal.Decimal) {
	realized := decimal.Zero

	if IsFlat(units) || sameSign(units, fillUnits) {
		newUnits := math.Abs(units) + math.Abs(fillUnits)
		if newUnits > 0 {
			averagePrice = (math.Abs(units)*averagePrice + math.Abs(fillUnits)*fillPrice) / newUnits
		}
		return units + fillUnits, averagePrice, realized
	}

	closing := math.Min(math.Abs(fillUnits), math.Abs(units))
	if fillUnits < 0 {
		closing = -closing
	}

	realized = PnL(-closing, fillPrice, averagePrice)

	if math.Abs(fillUnits) > math.Abs(units)+UnitsEpsilon {
		averagePrice = fillPrice
	}

	return units + fillUnits, averagePrice, realized
}
