package indicators

import (
	"fmt"

	"github.com/montanaflynn/stats"
)

type BollingerBands struct {
	SmaPeriod         int
	StandardDeviation float64
	prices            []float64
}

type BollingerBandsStats struct {
	Upper         float64
	Lower         float64
	MovingAverage float64
}

// Update adds the next price. ok is false until more than SmaPeriod prices have been seen.
func (b *BollingerBands) Update(price float64) (bool, BollingerBandsStats, error) {
	if len(b.prices) < b.SmaPeriod {
		b.prices = append(b.prices, price)
		return false, BollingerBandsStats{}, nil
	}

	b.prices = append(b.prices[1:], price)

	return b.bands()
}

// Compute returns the bands of the last SmaPeriod prices without keeping state.
func (b *BollingerBands) Compute(prices []float64) (BollingerBandsStats, error) {
	if len(prices) < b.SmaPeriod || b.SmaPeriod < 2 {
		return BollingerBandsStats{}, fmt.Errorf("BollingerBands.Compute: need %d prices, got %d", b.SmaPeriod, len(prices))
	}

	window := &BollingerBands{
		SmaPeriod:         b.SmaPeriod,
		StandardDeviation: b.StandardDeviation,
		prices:            prices[len(prices)-b.SmaPeriod:],
	}

	_, bands, err := window.bands()
	return bands, err
}

func (b *BollingerBands) bands() (bool, BollingerBandsStats, error) {
	movingAverage, err := stats.Mean(b.prices)
	if err != nil {
		return false, BollingerBandsStats{}, fmt.Errorf("failed to caculate mean: %v", err)
	}

	sd, err := stats.StandardDeviation(b.prices)
	if err != nil {
		return false, BollingerBandsStats{}, fmt.Errorf("failed to caculate the standard deviation: %v", err)
	}

	return true, BollingerBandsStats{
		Upper:         movingAverage + (b.StandardDeviation * sd),
		Lower:         movingAverage - (b.StandardDeviation * sd),
		MovingAverage: movingAverage,
	}, nil
}

// TypicalPrice is the mean of high, low and close.
func TypicalPrice(high, low, closePrice float64) float64 {
	return (high + low + closePrice) / 3.0
}

func NewBollingerBands(smaPeriod int, standardDeviation float64) *BollingerBands {
	return &BollingerBands{
		SmaPeriod:         smaPeriod,
		StandardDeviation: standardDeviation,
	}
}
