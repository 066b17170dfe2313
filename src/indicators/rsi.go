package indicators

import (
	"fmt"

	"github.com/montanaflynn/stats"

	"github.com/jiaming2012/hydra-backtester/src/asset"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

// Rsi is Wilder's relative strength index. The first averages are the mean gain and loss of Period price
// changes; every later change is smoothed in with weight 1/Period.
type Rsi struct {
	Period  int
	last    float64
	started bool
	seed    []float64
	avgGain float64
	avgLoss float64
	warm    bool
}

func gainLoss(change float64) (float64, float64) {
	if change > 0 {
		return change, 0
	}

	return 0, -change
}

func (r *Rsi) seedAverages() error {
	gains := make([]float64, len(r.seed))
	losses := make([]float64, len(r.seed))
	for i, change := range r.seed {
		gains[i], losses[i] = gainLoss(change)
	}

	avgGain, err := stats.Mean(gains)
	if err != nil {
		return err
	}

	avgLoss, err := stats.Mean(losses)
	if err != nil {
		return err
	}

	r.avgGain, r.avgLoss = avgGain, avgLoss
	r.seed = nil
	r.warm = true

	return nil
}

func (r *Rsi) value() float64 {
	if r.avgLoss == 0 {
		if r.avgGain == 0 {
			return 50
		}

		return 100
	}

	return 100 - 100/(1+r.avgGain/r.avgLoss)
}

// Update adds the next price and returns the RSI. ok is false until Period changes have been seen.
func (r *Rsi) Update(price float64) (float64, bool, error) {
	if !r.started {
		r.started = true
		r.last = price
		return 0, false, nil
	}

	change := price - r.last
	r.last = price

	if !r.warm {
		r.seed = append(r.seed, change)
		if len(r.seed) < r.Period {
			return 0, false, nil
		}

		if err := r.seedAverages(); err != nil {
			return 0, false, fmt.Errorf("Rsi.Update: %w", err)
		}

		return r.value(), true, nil
	}

	gain, loss := gainLoss(change)
	n := float64(r.Period)
	r.avgGain = (r.avgGain*(n-1) + gain) / n
	r.avgLoss = (r.avgLoss*(n-1) + loss) / n

	return r.value(), true, nil
}

// Compute returns the RSI at the last of prices, seeded from the first Period changes, without keeping state.
func (r *Rsi) Compute(prices []float64) (float64, error) {
	if r.Period < 1 || len(prices) <= r.Period {
		return 0, fmt.Errorf("Rsi.Compute: need more than %d prices, got %d: %w", r.Period, len(prices), models.ErrInvalidArrayLength)
	}

	window := NewRsi(r.Period)

	var val float64
	for _, price := range prices {
		var err error
		if val, _, err = window.Update(price); err != nil {
			return 0, fmt.Errorf("Rsi.Compute: %w", err)
		}
	}

	return val, nil
}

// ComputeColumn returns the RSI over the last length values of column in a's history. A length of zero uses
// every row in view.
func (r *Rsi) ComputeColumn(a *asset.Asset, column string, length int) (float64, error) {
	values, err := a.Column(column, length)
	if err != nil {
		return 0, fmt.Errorf("Rsi.ComputeColumn: %w", err)
	}

	val, err := r.Compute(values)
	if err != nil {
		return 0, fmt.Errorf("Rsi.ComputeColumn: %s: %w", a.ID, err)
	}

	return val, nil
}

func NewRsi(period int) *Rsi {
	return &Rsi{
		Period: period,
	}
}
