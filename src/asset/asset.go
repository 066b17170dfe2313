package asset

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

// series is the read-only row-major storage of one instrument. Forked views point at the same series.
type series struct {
	data     []float64
	index    []int64
	rows     int
	cols     int
	headers  map[string]int
	columns  []string
	openCol  int
	closeCol int
}

func (s *series) value(row, col int) float64 {
	return s.data[row*s.cols+col]
}

func (s *series) close(row int) float64 {
	return s.data[row*s.cols+s.closeCol]
}

// Asset is a forward-only cursor over one instrument's bars. The row at currentIndex is the next row to
// stream, so every read is taken relative to currentIndex-1.
type Asset struct {
	ID           string
	ExchangeID   string
	BrokerID     string
	frequency    Frequency
	series       *series
	warmup       int
	currentIndex int
	isLoaded     bool
	isBuilt      bool
	isView       bool
	exhausted    bool
	tracers      []*Tracer
	indexAsset   *Asset
}

func (a *Asset) String() string {
	return fmt.Sprintf("asset %s (exchange=%s, broker=%s)", a.ID, a.ExchangeID, a.BrokerID)
}

func (a *Asset) Frequency() Frequency {
	return a.frequency
}

func (a *Asset) IsLoaded() bool {
	return a.isLoaded
}

func (a *Asset) IsBuilt() bool {
	return a.isBuilt
}

func (a *Asset) IsView() bool {
	return a.isView
}

func (a *Asset) Rows() int {
	if a.series == nil {
		return 0
	}
	return a.series.rows
}

func (a *Asset) Cols() int {
	if a.series == nil {
		return 0
	}
	return a.series.cols
}

func (a *Asset) Warmup() int {
	return a.warmup
}

func (a *Asset) CurrentIndex() int {
	return a.currentIndex
}

// Headers returns the column names in load order.
func (a *Asset) Headers() []string {
	if a.series == nil {
		return nil
	}

	headers := make([]string, len(a.series.columns))
	copy(headers, a.series.columns)
	return headers
}

// DatetimeIndex returns the full timestamp index. The slice must not be modified.
func (a *Asset) DatetimeIndex() []int64 {
	if a.series == nil {
		return nil
	}
	return a.series.index
}

// Load copies column-major data into row-major storage. data holds cols columns of rows values each.
func (a *Asset) Load(data []float64, index []int64, rows, cols int, columns []string) error {
	if a.isLoaded {
		return fmt.Errorf("Asset.Load: %s is already loaded: %w", a.ID, models.ErrAlreadyExists)
	}

	if len(data) != rows*cols {
		return fmt.Errorf("Asset.Load: %s expected %d values, got %d: %w", a.ID, rows*cols, len(data), models.ErrInvalidArrayLength)
	}

	rowMajor := make([]float64, rows*cols)
	for c := 0; c < cols; c++ {
		for r := 0; r < rows; r++ {
			rowMajor[r*cols+c] = data[c*rows+r]
		}
	}

	datetimeIndex := make([]int64, len(index))
	copy(datetimeIndex, index)

	s, err := newSeries(rowMajor, datetimeIndex, rows, cols, columns)
	if err != nil {
		return fmt.Errorf("Asset.Load: %s: %w", a.ID, err)
	}

	a.series = s
	a.isLoaded = true

	log.WithFields(log.Fields{
		"asset": a.ID,
		"rows":  rows,
		"cols":  cols,
	}).Debug("asset loaded")

	return nil
}

// LoadView points the asset at caller owned row-major buffers without copying them. A viewed asset can never
// be loaded again.
func (a *Asset) LoadView(data []float64, index []int64, rows, cols int, columns []string) error {
	if a.isLoaded {
		return fmt.Errorf("Asset.LoadView: %s is already loaded: %w", a.ID, models.ErrAlreadyExists)
	}

	if len(data) != rows*cols {
		return fmt.Errorf("Asset.LoadView: %s expected %d values, got %d: %w", a.ID, rows*cols, len(data), models.ErrInvalidArrayLength)
	}

	s, err := newSeries(data, index, rows, cols, columns)
	if err != nil {
		return fmt.Errorf("Asset.LoadView: %s: %w", a.ID, err)
	}

	a.series = s
	a.isLoaded = true
	a.isView = true

	return nil
}

func newSeries(data []float64, index []int64, rows, cols int, columns []string) (*series, error) {
	if len(index) != rows {
		return nil, fmt.Errorf("expected %d timestamps, got %d: %w", rows, len(index), models.ErrInvalidArrayLength)
	}

	if len(columns) != cols {
		return nil, fmt.Errorf("expected %d column names, got %d: %w", cols, len(columns), models.ErrInvalidArrayLength)
	}

	for i := 1; i < len(index); i++ {
		if index[i] <= index[i-1] {
			return nil, fmt.Errorf("datetime index is not strictly increasing at row %d: %w", i, models.ErrInvalidArrayValues)
		}
	}

	s := &series{
		data:     data,
		index:    index,
		rows:     rows,
		cols:     cols,
		headers:  make(map[string]int, cols),
		columns:  columns,
		openCol:  -1,
		closeCol: -1,
	}

	for i, name := range columns {
		s.headers[name] = i

		switch strings.ToLower(name) {
		case "open":
			s.openCol = i
		case "close":
			s.closeCol = i
		}
	}

	if s.openCol < 0 || s.closeCol < 0 {
		return nil, fmt.Errorf("open and close columns are required: %w", models.ErrInvalidDataRequest)
	}

	return s, nil
}

// SetWarmup moves the first streamed row forward. It can only grow and must leave at least one row to stream.
func (a *Asset) SetWarmup(warmup int) error {
	if !a.isLoaded {
		return fmt.Errorf("Asset.SetWarmup: %s is not loaded: %w", a.ID, models.ErrNotBuilt)
	}

	if a.isBuilt {
		return fmt.Errorf("Asset.SetWarmup: %s: %w", a.ID, models.ErrAlreadyBuilt)
	}

	if warmup < a.warmup || warmup >= a.series.rows {
		return fmt.Errorf("Asset.SetWarmup: %s warmup %d outside [%d, %d): %w", a.ID, warmup, a.warmup, a.series.rows, models.ErrIndexOutOfBounds)
	}

	a.warmup = warmup
	return nil
}

// SetIndexAsset links the benchmark used by a beta tracer.
func (a *Asset) SetIndexAsset(index *Asset) {
	a.indexAsset = index
}

func (a *Asset) IndexAsset() *Asset {
	return a.indexAsset
}

// Build positions the cursor on the warmup row and primes every tracer.
func (a *Asset) Build() error {
	if !a.isLoaded {
		return fmt.Errorf("Asset.Build: %s is not loaded: %w", a.ID, models.ErrNotBuilt)
	}

	if a.warmup >= a.series.rows {
		return fmt.Errorf("Asset.Build: %s warmup %d exceeds %d rows: %w", a.ID, a.warmup, a.series.rows, models.ErrIndexOutOfBounds)
	}

	a.currentIndex = a.warmup
	a.exhausted = false

	for _, tracer := range a.tracers {
		if err := tracer.build(); err != nil {
			return fmt.Errorf("Asset.Build: %s: %w", a.ID, err)
		}
	}

	a.isBuilt = true
	return nil
}

// Reset rewinds the cursor to the warmup row and rebuilds the tracers.
func (a *Asset) Reset() error {
	if !a.isBuilt {
		return fmt.Errorf("Asset.Reset: %s: %w", a.ID, models.ErrNotBuilt)
	}

	a.isBuilt = false
	return a.Build()
}

// Step advances the cursor one row and slides every tracer window.
func (a *Asset) Step() {
	a.currentIndex++

	for _, tracer := range a.tracers {
		tracer.step()
	}
}

// AssetTime is the timestamp of the next row to stream. It is absent once every row has streamed.
func (a *Asset) AssetTime() (int64, bool) {
	if a.series == nil || a.exhausted || a.currentIndex >= a.series.rows {
		return 0, false
	}

	return a.series.index[a.currentIndex], true
}

// ViewTime is the timestamp of the row currently in view.
func (a *Asset) ViewTime() (int64, bool) {
	row := a.currentIndex - 1
	if a.series == nil || a.exhausted || row < 0 || row >= a.series.rows {
		return 0, false
	}

	return a.series.index[row], true
}

func (a *Asset) IsLastView() bool {
	return a.series != nil && a.currentIndex == a.series.rows
}

// MarketPrice is the open or close of the row in view, one behind the cursor.
func (a *Asset) MarketPrice(onClose bool) float64 {
	row := a.currentIndex - 1
	if a.series == nil || row < 0 || row >= a.series.rows {
		return 0
	}

	if onClose {
		return a.series.value(row, a.series.closeCol)
	}

	return a.series.value(row, a.series.openCol)
}

func (a *Asset) columnOffset(column string) (int, error) {
	if a.series == nil {
		return 0, fmt.Errorf("%s is not loaded: %w", a.ID, models.ErrNotBuilt)
	}

	offset, ok := a.series.headers[column]
	if !ok {
		return 0, fmt.Errorf("%s has no column %q: %w", a.ID, column, models.ErrInvalidDataRequest)
	}

	return offset, nil
}

// Get reads a value at an absolute row.
func (a *Asset) Get(column string, row int) (float64, error) {
	offset, err := a.columnOffset(column)
	if err != nil {
		return 0, fmt.Errorf("Asset.Get: %w", err)
	}

	if row < 0 || row >= a.series.rows {
		return 0, fmt.Errorf("Asset.Get: %s row %d outside [0, %d): %w", a.ID, row, a.series.rows, models.ErrIndexOutOfBounds)
	}

	return a.series.value(row, offset), nil
}

// Feature reads column at index bars relative to the row in view. 0 is the current bar, negative values
// look back.
func (a *Asset) Feature(column string, index int) (float64, error) {
	offset, err := a.columnOffset(column)
	if err != nil {
		return 0, fmt.Errorf("Asset.Feature: %w", err)
	}

	if index > 0 {
		return 0, fmt.Errorf("Asset.Feature: %s cannot read %d bars ahead: %w", a.ID, index, models.ErrIndexOutOfBounds)
	}

	row := a.currentIndex - 1 + index
	if a.exhausted || row < 0 || row >= a.series.rows {
		return 0, fmt.Errorf("Asset.Feature: %s row %d is out of bounds: %w", a.ID, row, models.ErrIndexOutOfBounds)
	}

	return a.series.value(row, offset), nil
}

// ScaledFeature divides a feature by the current value of the given tracer.
func (a *Asset) ScaledFeature(column string, index int, scaler TracerType) (float64, error) {
	value, err := a.Feature(column, index)
	if err != nil {
		return 0, err
	}

	divisor, err := a.TracerValue(scaler)
	if err != nil {
		return 0, fmt.Errorf("Asset.ScaledFeature: %w", err)
	}

	return value / divisor, nil
}

// Column returns the last length values of column ending at the row in view. A length of 0 returns every
// row streamed so far.
func (a *Asset) Column(column string, length int) ([]float64, error) {
	offset, err := a.columnOffset(column)
	if err != nil {
		return nil, fmt.Errorf("Asset.Column: %w", err)
	}

	if length < 0 || length > a.currentIndex || a.currentIndex > a.series.rows {
		return nil, fmt.Errorf("Asset.Column: %s length %d with %d rows in view: %w", a.ID, length, a.currentIndex, models.ErrIndexOutOfBounds)
	}

	if length == 0 {
		length = a.currentIndex
	}

	values := make([]float64, 0, length)
	for row := a.currentIndex - length; row < a.currentIndex; row++ {
		values = append(values, a.series.value(row, offset))
	}

	return values, nil
}

// GotoDatetime steps forward until the next row to stream is at or after t. Seeking to or past the final
// timestamp finishes the stream.
func (a *Asset) GotoDatetime(t int64) error {
	if !a.isBuilt {
		return fmt.Errorf("Asset.GotoDatetime: %s: %w", a.ID, models.ErrNotBuilt)
	}

	last := a.series.index[a.series.rows-1]
	if t >= last {
		a.currentIndex = a.series.rows
		a.exhausted = true
		return nil
	}

	for {
		assetTime, ok := a.AssetTime()
		if !ok {
			return fmt.Errorf("Asset.GotoDatetime: %s has no row at %d: %w", a.ID, t, models.ErrInvalidDatetime)
		}

		if assetTime >= t {
			return nil
		}

		a.Step()
	}
}

// ForkView returns a new asset sharing this asset's buffers, positioned on the same row. The fork carries no
// tracers.
func (a *Asset) ForkView(id string) (*Asset, error) {
	if !a.isBuilt {
		return nil, fmt.Errorf("Asset.ForkView: %s: %w", a.ID, models.ErrNotBuilt)
	}

	return &Asset{
		ID:           id,
		ExchangeID:   a.ExchangeID,
		BrokerID:     a.BrokerID,
		frequency:    a.frequency,
		series:       a.series,
		warmup:       a.warmup,
		currentIndex: a.currentIndex,
		isLoaded:     true,
		isBuilt:      true,
		isView:       true,
		exhausted:    a.exhausted,
		indexAsset:   a.indexAsset,
	}, nil
}

func NewAsset(id, exchangeID, brokerID string, warmup int, frequency Frequency) *Asset {
	return &Asset{
		ID:         id,
		ExchangeID: exchangeID,
		BrokerID:   brokerID,
		warmup:     warmup,
		frequency:  frequency,
	}
}
