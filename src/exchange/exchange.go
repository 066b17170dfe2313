package exchange

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/hydra-backtester/src/asset"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

// Exchange steps a set of assets over the sorted union of their timestamps and matches orders against the
// assets streaming at the current bar.
type Exchange struct {
	ID            string
	assets        map[string]*asset.Asset
	assetIDs      []string
	registered    []string
	aligned       map[string]bool
	indexAsset    *asset.Asset
	datetimeIndex []int64
	currentIndex  int
	exchangeTime  int64
	marketView    map[string]*asset.Asset
	expired       []string
	removed       map[string]*asset.Asset
	orders        []*models.Order
	onClose       bool
	isBuilt       bool
	candles       int
}

func (e *Exchange) String() string {
	return fmt.Sprintf("exchange %s (%d assets)", e.ID, len(e.assetIDs))
}

func (e *Exchange) IsBuilt() bool {
	return e.isBuilt
}

// NewAsset creates an asset on this exchange and registers it.
func (e *Exchange) NewAsset(id, brokerID string, warmup int, frequency asset.Frequency) (*asset.Asset, error) {
	a := asset.NewAsset(id, e.ID, brokerID, warmup, frequency)
	if err := e.RegisterAsset(a); err != nil {
		return nil, err
	}

	return a, nil
}

func (e *Exchange) RegisterAsset(a *asset.Asset) error {
	if e.isBuilt {
		return fmt.Errorf("Exchange.RegisterAsset: %s: %w", e.ID, models.ErrAlreadyBuilt)
	}

	if _, ok := e.assets[a.ID]; ok {
		return fmt.Errorf("Exchange.RegisterAsset: %s already holds %s: %w", e.ID, a.ID, models.ErrAlreadyExists)
	}

	if a.ExchangeID != e.ID {
		return fmt.Errorf("Exchange.RegisterAsset: %s belongs to exchange %s, not %s: %w", a.ID, a.ExchangeID, e.ID, models.ErrInvalidId)
	}

	if e.indexAsset != nil {
		a.SetIndexAsset(e.indexAsset)
	}

	e.assets[a.ID] = a
	e.assetIDs = append(e.assetIDs, a.ID)
	e.registered = append(e.registered, a.ID)

	return nil
}

// RegisterIndexAsset sets the benchmark used by beta tracers and links it to every member asset.
func (e *Exchange) RegisterIndexAsset(a *asset.Asset) error {
	if e.isBuilt {
		return fmt.Errorf("Exchange.RegisterIndexAsset: %s: %w", e.ID, models.ErrAlreadyBuilt)
	}

	if e.indexAsset != nil {
		return fmt.Errorf("Exchange.RegisterIndexAsset: %s already has index %s: %w", e.ID, e.indexAsset.ID, models.ErrAlreadyExists)
	}

	e.indexAsset = a
	for _, id := range e.assetIDs {
		e.assets[id].SetIndexAsset(a)
	}

	return nil
}

func (e *Exchange) IndexAsset() *asset.Asset {
	return e.indexAsset
}

// AddTracer attaches the same tracer to every member asset.
func (e *Exchange) AddTracer(kind asset.TracerType, lookback int, adjustWarmup bool) error {
	for _, id := range e.assetIDs {
		if err := e.assets[id].AddTracer(kind, lookback, adjustWarmup); err != nil {
			return fmt.Errorf("Exchange.AddTracer: %w", err)
		}
	}

	return nil
}

// Build computes the consolidated datetime index and builds every asset.
func (e *Exchange) Build() error {
	if e.isBuilt {
		return fmt.Errorf("Exchange.Build: %s: %w", e.ID, models.ErrAlreadyBuilt)
	}

	if len(e.assetIDs) == 0 {
		return fmt.Errorf("Exchange.Build: %s has no assets: %w", e.ID, models.ErrNotBuilt)
	}

	e.candles = 0
	for _, id := range e.assetIDs {
		a := e.assets[id]
		if err := a.Build(); err != nil {
			return fmt.Errorf("Exchange.Build: %s: %w", e.ID, err)
		}
		e.candles += a.Rows()
	}

	e.datetimeIndex = e.unionIndex()

	for _, id := range e.assetIDs {
		a := e.assets[id]
		e.aligned[id] = a.Rows()-a.Warmup() == len(e.datetimeIndex)
	}

	if e.indexAsset != nil {
		if err := e.buildIndexAsset(); err != nil {
			return fmt.Errorf("Exchange.Build: %s: %w", e.ID, err)
		}
	}

	e.currentIndex = 0
	e.isBuilt = true

	log.WithFields(log.Fields{
		"exchange": e.ID,
		"assets":   len(e.assetIDs),
		"bars":     len(e.datetimeIndex),
	}).Debug("exchange built")

	return nil
}

func (e *Exchange) unionIndex() []int64 {
	seen := make(map[int64]struct{})
	var union []int64

	for _, id := range e.assetIDs {
		a := e.assets[id]
		for _, ts := range a.DatetimeIndex()[a.Warmup():] {
			if _, ok := seen[ts]; ok {
				continue
			}
			seen[ts] = struct{}{}
			union = append(union, ts)
		}
	}

	sort.Slice(union, func(i, j int) bool {
		return union[i] < union[j]
	})

	return union
}

func (e *Exchange) buildIndexAsset() error {
	if e.indexAsset.IsBuilt() {
		if err := e.indexAsset.Reset(); err != nil {
			return err
		}
	} else if err := e.indexAsset.Build(); err != nil {
		return err
	}

	index := e.indexAsset.DatetimeIndex()
	j := 0
	for _, ts := range e.datetimeIndex {
		for j < len(index) && index[j] < ts {
			j++
		}

		if j == len(index) || index[j] != ts {
			return fmt.Errorf("index asset %s has no row at %d: %w", e.indexAsset.ID, ts, models.ErrInvalidArrayValues)
		}
	}

	return e.seekIndexAsset(e.datetimeIndex[0])
}

// seekIndexAsset steps the index asset until its next row is at t.
func (e *Exchange) seekIndexAsset(t int64) error {
	for {
		ts, ok := e.indexAsset.AssetTime()
		if !ok || ts > t {
			return fmt.Errorf("index asset %s has no row at %d: %w", e.indexAsset.ID, t, models.ErrInvalidDatetime)
		}

		if ts == t {
			return nil
		}

		e.indexAsset.Step()
	}
}

func (e *Exchange) DatetimeIndex() []int64 {
	return e.datetimeIndex
}

// Candles is the total number of rows loaded across the member assets.
func (e *Exchange) Candles() int {
	return e.candles
}

func (e *Exchange) Time() int64 {
	return e.exchangeTime
}

// NextTime is the timestamp the next call to Advance streams.
func (e *Exchange) NextTime() (int64, bool) {
	if e.currentIndex >= len(e.datetimeIndex) {
		return 0, false
	}

	return e.datetimeIndex[e.currentIndex], true
}

func (e *Exchange) SetOnClose(onClose bool) {
	e.onClose = onClose
}

// Advance streams the next bar. Aligned assets always step. Other assets step only when their next row
// carries the exchange time and are absent from the market view otherwise. It returns false once every bar
// has streamed.
func (e *Exchange) Advance() bool {
	t, ok := e.NextTime()
	if !ok {
		return false
	}

	e.exchangeTime = t

	if e.indexAsset != nil {
		if err := e.seekIndexAsset(t); err == nil {
			e.indexAsset.Step()
		} else {
			log.WithError(err).WithField("exchange", e.ID).Warn("index asset out of sync")
		}
	}

	for _, id := range e.assetIDs {
		a := e.assets[id]

		if !e.aligned[id] {
			assetTime, ok := a.AssetTime()
			if !ok || assetTime != t {
				e.marketView[id] = nil
				continue
			}
		}

		a.Step()
		e.marketView[id] = a

		if a.IsLastView() {
			e.expired = append(e.expired, id)
		}
	}

	e.currentIndex++

	return true
}

// Skip clears the market view for a bar this exchange does not stream.
func (e *Exchange) Skip() {
	for id := range e.marketView {
		e.marketView[id] = nil
	}
}

func (e *Exchange) IsStreaming(assetID string) bool {
	return e.marketView[assetID] != nil
}

// StreamingAssets returns the assets in the current market view in registration order.
func (e *Exchange) StreamingAssets() []*asset.Asset {
	var streaming []*asset.Asset
	for _, id := range e.assetIDs {
		if a := e.marketView[id]; a != nil {
			streaming = append(streaming, a)
		}
	}

	return streaming
}

func (e *Exchange) Asset(assetID string) (*asset.Asset, error) {
	a, ok := e.assets[assetID]
	if !ok {
		return nil, fmt.Errorf("Exchange.Asset: %s has no asset %s: %w", e.ID, assetID, models.ErrInvalidId)
	}

	return a, nil
}

// Assets returns the active assets in registration order.
func (e *Exchange) Assets() []*asset.Asset {
	assets := make([]*asset.Asset, 0, len(e.assetIDs))
	for _, id := range e.assetIDs {
		assets = append(assets, e.assets[id])
	}

	return assets
}

// MarketPrice is 0 when the asset is not streaming.
func (e *Exchange) MarketPrice(assetID string) float64 {
	a := e.marketView[assetID]
	if a == nil {
		return 0
	}

	return a.MarketPrice(e.onClose)
}

// ExpiredAssets lists assets that streamed their last row and wait for MoveExpiredAssets.
func (e *Exchange) ExpiredAssets() []string {
	return e.expired
}

// MoveExpiredAssets takes expired assets out of the active set. Reset brings them back.
func (e *Exchange) MoveExpiredAssets() []*asset.Asset {
	var moved []*asset.Asset
	for _, id := range e.expired {
		a, ok := e.assets[id]
		if !ok {
			continue
		}

		e.removeActive(id)
		e.removed[id] = a
		moved = append(moved, a)

		log.WithFields(log.Fields{
			"exchange": e.ID,
			"asset":    id,
		}).Debug("asset expired")
	}

	e.expired = nil
	return moved
}

func (e *Exchange) removeActive(assetID string) {
	delete(e.assets, assetID)
	delete(e.marketView, assetID)
	delete(e.aligned, assetID)

	for i, id := range e.assetIDs {
		if id == assetID {
			e.assetIDs = append(e.assetIDs[:i], e.assetIDs[i+1:]...)
			break
		}
	}
}

// RemoveAsset drops an asset from the active set until the next Reset.
func (e *Exchange) RemoveAsset(assetID string) error {
	a, ok := e.assets[assetID]
	if !ok {
		return fmt.Errorf("Exchange.RemoveAsset: %s has no asset %s: %w", e.ID, assetID, models.ErrInvalidId)
	}

	e.removeActive(assetID)
	e.removed[assetID] = a

	return nil
}

// GotoDatetime advances until the next bar to stream is at or after t.
func (e *Exchange) GotoDatetime(t int64) error {
	if !e.isBuilt {
		return fmt.Errorf("Exchange.GotoDatetime: %s: %w", e.ID, models.ErrNotBuilt)
	}

	for {
		next, ok := e.NextTime()
		if !ok {
			return fmt.Errorf("Exchange.GotoDatetime: %s has no bar at %d: %w", e.ID, t, models.ErrInvalidDatetime)
		}

		if next >= t {
			return nil
		}

		e.Advance()
	}
}

// Reset restores removed assets, rewinds every asset and drops resting orders.
func (e *Exchange) Reset() error {
	if !e.isBuilt {
		return fmt.Errorf("Exchange.Reset: %s: %w", e.ID, models.ErrNotBuilt)
	}

	for id, a := range e.removed {
		e.assets[id] = a
	}
	e.removed = make(map[string]*asset.Asset)

	e.assetIDs = e.assetIDs[:0]
	for _, id := range e.registered {
		if _, ok := e.assets[id]; ok {
			e.assetIDs = append(e.assetIDs, id)
		}
	}

	e.marketView = make(map[string]*asset.Asset)
	for _, id := range e.assetIDs {
		a := e.assets[id]
		if err := a.Reset(); err != nil {
			return fmt.Errorf("Exchange.Reset: %w", err)
		}
		e.aligned[id] = a.Rows()-a.Warmup() == len(e.datetimeIndex)
	}

	if e.indexAsset != nil {
		if err := e.buildIndexAsset(); err != nil {
			return fmt.Errorf("Exchange.Reset: %w", err)
		}
	}

	e.orders = nil
	e.expired = nil
	e.currentIndex = 0
	e.exchangeTime = 0

	return nil
}

func NewExchange(id string) *Exchange {
	return &Exchange{
		ID:         id,
		assets:     make(map[string]*asset.Asset),
		aligned:    make(map[string]bool),
		marketView: make(map[string]*asset.Asset),
		removed:    make(map[string]*asset.Asset),
	}
}
