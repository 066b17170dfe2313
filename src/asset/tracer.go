package asset

import (
	"fmt"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

type TracerType int

const (
	VolatilityTracer TracerType = iota
	BetaTracer
)

func (t TracerType) String() string {
	switch t {
	case VolatilityTracer:
		return "volatility"
	case BetaTracer:
		return "beta"
	default:
		return fmt.Sprintf("tracer(%d)", int(t))
	}
}

func ParseTracerType(s string) (TracerType, error) {
	switch s {
	case "volatility":
		return VolatilityTracer, nil
	case "beta":
		return BetaTracer, nil
	default:
		return 0, fmt.Errorf("ParseTracerType: unknown tracer %q: %w", s, models.ErrInvalidTracerType)
	}
}

// Tracer keeps rolling statistics over the last lookback percentage changes of an asset's close, ending at
// the row in view. The window slides once per asset step.
type Tracer struct {
	kind     TracerType
	lookback int
	asset    *Asset

	count      int
	rowsNeeded int

	sum   float64
	sumSq float64

	// beta only
	sumIndex   float64
	sumIndexSq float64
	sumProd    float64
	indexRows  []int
}

func (t *Tracer) Type() TracerType {
	return t.kind
}

func (t *Tracer) Lookback() int {
	return t.lookback
}

func (t *Tracer) IsWarm() bool {
	return t.rowsNeeded == 0
}

func (t *Tracer) pct(row int) float64 {
	previous := t.asset.series.close(row - 1)
	return (t.asset.series.close(row) - previous) / previous
}

// indexPct is the index return over the same span as the asset return at row.
func (t *Tracer) indexPct(row int) float64 {
	index := t.asset.indexAsset.series
	previous := index.close(t.indexRows[row-1])
	return (index.close(t.indexRows[row]) - previous) / previous
}

func (t *Tracer) reset() {
	t.count = 0
	t.rowsNeeded = t.lookback
	t.sum = 0
	t.sumSq = 0
	t.sumIndex = 0
	t.sumIndexSq = 0
	t.sumProd = 0
}

func (t *Tracer) build() error {
	t.reset()

	end := t.asset.currentIndex - 1
	t.count = t.lookback
	if end < t.count {
		t.count = end
	}
	if t.count < 0 {
		t.count = 0
	}
	t.rowsNeeded = t.lookback - t.count

	if t.kind == BetaTracer {
		if err := t.mapIndexRows(end - t.count); err != nil {
			return err
		}
	}

	for row := end - t.count + 1; row <= end; row++ {
		t.add(row)
	}

	return nil
}

// mapIndexRows pairs every asset row from first on with the index row carrying the same timestamp.
func (t *Tracer) mapIndexRows(first int) error {
	if first < 0 {
		first = 0
	}

	own := t.asset.series.index
	other := t.asset.indexAsset.series.index

	t.indexRows = make([]int, len(own))
	j := 0
	for i, ts := range own {
		for j < len(other) && other[j] < ts {
			j++
		}

		if j < len(other) && other[j] == ts {
			t.indexRows[i] = j
			continue
		}

		if i >= first {
			return fmt.Errorf("beta tracer: index asset %s has no row at %d: %w", t.asset.indexAsset.ID, ts, models.ErrInvalidArrayValues)
		}
		t.indexRows[i] = -1
	}

	return nil
}

func (t *Tracer) add(row int) {
	x := t.pct(row)
	t.sum += x
	t.sumSq += x * x

	if t.kind == BetaTracer {
		y := t.indexPct(row)
		t.sumIndex += y
		t.sumIndexSq += y * y
		t.sumProd += x * y
	}
}

func (t *Tracer) remove(row int) {
	x := t.pct(row)
	t.sum -= x
	t.sumSq -= x * x

	if t.kind == BetaTracer {
		y := t.indexPct(row)
		t.sumIndex -= y
		t.sumIndexSq -= y * y
		t.sumProd -= x * y
	}
}

func (t *Tracer) step() {
	row := t.asset.currentIndex - 1
	if row < 1 || row >= t.asset.series.rows {
		return
	}

	t.add(row)

	if t.rowsNeeded == 0 {
		t.remove(row - t.lookback)
		return
	}

	t.rowsNeeded--
	t.count++
}

func (t *Tracer) variance() float64 {
	n := float64(t.lookback)
	return (t.sumSq - t.sum*t.sum/n) / (n - 1)
}

func (t *Tracer) indexVariance() float64 {
	n := float64(t.lookback)
	return (t.sumIndexSq - t.sumIndex*t.sumIndex/n) / (n - 1)
}

func (t *Tracer) covariance() float64 {
	n := float64(t.lookback)
	return (t.sumProd - t.sum*t.sumIndex/n) / (n - 1)
}

// Value is the sample variance of returns for a volatility tracer, and covariance over index variance for a
// beta tracer.
func (t *Tracer) Value() (float64, error) {
	if !t.IsWarm() {
		return 0, fmt.Errorf("%s tracer needs %d more rows: %w", t.kind, t.rowsNeeded, models.ErrNotWarm)
	}

	switch t.kind {
	case VolatilityTracer:
		return t.variance(), nil
	case BetaTracer:
		return t.covariance() / t.indexVariance(), nil
	default:
		return 0, fmt.Errorf("tracer %s: %w", t.kind, models.ErrNotImplemented)
	}
}

// AddTracer attaches a rolling statistic. A beta tracer needs a linked index asset of the same frequency
// carrying a volatility tracer with the same lookback; one is added to the index if it has none.
func (a *Asset) AddTracer(kind TracerType, lookback int, adjustWarmup bool) error {
	if a.isBuilt {
		return fmt.Errorf("Asset.AddTracer: %s: %w", a.ID, models.ErrAlreadyBuilt)
	}

	if !a.isLoaded {
		return fmt.Errorf("Asset.AddTracer: %s is not loaded: %w", a.ID, models.ErrNotBuilt)
	}

	if kind != VolatilityTracer && kind != BetaTracer {
		return fmt.Errorf("Asset.AddTracer: %s: %w", kind, models.ErrInvalidTracerType)
	}

	if a.tracer(kind) != nil {
		return fmt.Errorf("Asset.AddTracer: %s already has a %s tracer: %w", a.ID, kind, models.ErrInvalidTracerType)
	}

	if lookback < 2 || lookback > a.series.rows {
		return fmt.Errorf("Asset.AddTracer: %s lookback %d with %d rows: %w", a.ID, lookback, a.series.rows, models.ErrIndexOutOfBounds)
	}

	if kind == BetaTracer {
		if err := a.checkBetaIndex(lookback); err != nil {
			return fmt.Errorf("Asset.AddTracer: %w", err)
		}
	}

	if adjustWarmup && lookback > a.warmup {
		if lookback >= a.series.rows {
			return fmt.Errorf("Asset.AddTracer: %s warmup %d leaves no rows: %w", a.ID, lookback, models.ErrIndexOutOfBounds)
		}
		a.warmup = lookback
	}

	a.tracers = append(a.tracers, &Tracer{
		kind:       kind,
		lookback:   lookback,
		asset:      a,
		rowsNeeded: lookback,
	})

	return nil
}

func (a *Asset) checkBetaIndex(lookback int) error {
	index := a.indexAsset
	if index == nil {
		return fmt.Errorf("%s has no index asset: %w", a.ID, models.ErrInvalidTracerAsset)
	}

	if index.frequency != a.frequency {
		return fmt.Errorf("%s is %s but index %s is %s: %w", a.ID, a.frequency, index.ID, index.frequency, models.ErrInvalidAssetFrequency)
	}

	vol := index.tracer(VolatilityTracer)
	if vol == nil {
		if err := index.AddTracer(VolatilityTracer, lookback, false); err != nil {
			return fmt.Errorf("index %s: %w", index.ID, err)
		}
		return nil
	}

	if vol.lookback != lookback {
		return fmt.Errorf("index %s volatility lookback %d does not match %d: %w", index.ID, vol.lookback, lookback, models.ErrInvalidTracerType)
	}

	return nil
}

func (a *Asset) tracer(kind TracerType) *Tracer {
	for _, t := range a.tracers {
		if t.kind == kind {
			return t
		}
	}

	return nil
}

func (a *Asset) Tracer(kind TracerType) (*Tracer, error) {
	t := a.tracer(kind)
	if t == nil {
		return nil, fmt.Errorf("Asset.Tracer: %s has no %s tracer: %w", a.ID, kind, models.ErrInvalidTracerType)
	}

	return t, nil
}

func (a *Asset) TracerValue(kind TracerType) (float64, error) {
	t, err := a.Tracer(kind)
	if err != nil {
		return 0, err
	}

	return t.Value()
}

// Volatility is the rolling sample variance of close-to-close returns.
func (a *Asset) Volatility() (float64, error) {
	return a.TracerValue(VolatilityTracer)
}

func (a *Asset) Beta() (float64, error) {
	return a.TracerValue(BetaTracer)
}
