package backtester

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/kataras/go-events"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jiaming2012/hydra-backtester/src/asset"
	"github.com/jiaming2012/hydra-backtester/src/exchange"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

const (
	MasterPortfolioID = "master"
	instrumentation   = "github.com/jiaming2012/hydra-backtester/src/backtester"
)

// Hydra owns one simulation graph: its exchanges, brokers, portfolio tree and strategies. Each bar runs in
// three phases. The forward pass streams the bar and fills resting orders at the open. Strategies then act on
// the open. The backward pass fills at the close, lets strategies act on the close and records history.
type Hydra struct {
	master        *Portfolio
	reg           *registry
	strategies    map[string]Strategy
	strategyIDs   []string
	emitter       events.EventEmmiter
	runID         uuid.UUID
	datetimeIndex []int64
	currentIndex  int
	hydraTime     int64
	candles       int
}

func (h *Hydra) String() string {
	return fmt.Sprintf("hydra %s (%d/%d bars)", h.runID, h.currentIndex, len(h.datetimeIndex))
}

func (h *Hydra) RunID() string {
	return h.runID.String()
}

func (h *Hydra) IsBuilt() bool {
	return h.reg.isBuilt
}

func (h *Hydra) Master() *Portfolio {
	return h.master
}

func (h *Hydra) Exchanges() *exchange.ExchangeMap {
	return h.reg.exchanges
}

func (h *Hydra) Brokers() *BrokerMap {
	return h.reg.brokers
}

func (h *Hydra) GetExchange(id string) (*exchange.Exchange, error) {
	return h.reg.exchanges.GetExchange(id)
}

func (h *Hydra) GetBroker(id string) (*Broker, error) {
	return h.reg.brokers.Get(id)
}

func (h *Hydra) GetPortfolio(id string) (*Portfolio, error) {
	p, ok := h.master.FindPortfolio(id)
	if !ok {
		return nil, fmt.Errorf("Hydra.GetPortfolio: %s: %w", id, models.ErrInvalidId)
	}

	return p, nil
}

func (h *Hydra) GetStrategy(id string) (Strategy, error) {
	s, ok := h.strategies[id]
	if !ok {
		return nil, fmt.Errorf("Hydra.GetStrategy: %s: %w", id, models.ErrInvalidId)
	}

	return s, nil
}

// On subscribes to the lifecycle events of this simulation.
func (h *Hydra) On(event events.EventName, listener events.Listener) {
	h.emitter.On(event, listener)
}

func (h *Hydra) NewExchange(id string) (*exchange.Exchange, error) {
	if h.reg.isBuilt {
		return nil, fmt.Errorf("Hydra.NewExchange: %s: %w", id, models.ErrAlreadyBuilt)
	}

	e, err := h.reg.exchanges.NewExchange(id)
	if err != nil {
		return nil, fmt.Errorf("Hydra.NewExchange: %w", err)
	}

	return e, nil
}

func (h *Hydra) NewBroker(id string, cash decimal.Decimal) (*Broker, error) {
	b := newBroker(id, cash, h.reg, h.master)
	if err := h.reg.brokers.Add(b); err != nil {
		return nil, fmt.Errorf("Hydra.NewBroker: %w", err)
	}

	log.WithFields(log.Fields{
		"broker": id,
		"cash":   cash.String(),
	}).Info("broker created")

	return b, nil
}

// NewPortfolio creates a sub portfolio of the master portfolio.
func (h *Hydra) NewPortfolio(id string, cash decimal.Decimal) (*Portfolio, error) {
	p, err := h.master.CreateSubPortfolio(id, cash)
	if err != nil {
		return nil, fmt.Errorf("Hydra.NewPortfolio: %w", err)
	}

	return p, nil
}

// RegisterAsset adds a loaded asset to its exchange. Its broker must already exist.
func (h *Hydra) RegisterAsset(a *asset.Asset) error {
	if _, err := h.reg.brokers.Get(a.BrokerID); err != nil {
		return fmt.Errorf("Hydra.RegisterAsset: %s: %w", a.ID, err)
	}

	if err := h.reg.exchanges.RegisterAsset(a); err != nil {
		return fmt.Errorf("Hydra.RegisterAsset: %w", err)
	}

	return nil
}

// RegisterIndexAsset sets the benchmark of one exchange, or of every exchange when exchangeID is empty.
func (h *Hydra) RegisterIndexAsset(a *asset.Asset, exchangeID string) error {
	if err := h.reg.exchanges.RegisterIndexAsset(a, exchangeID); err != nil {
		return fmt.Errorf("Hydra.RegisterIndexAsset: %w", err)
	}

	return nil
}

// RegisterStrategy adds a strategy. Strategies run in registration order. An existing strategy with the
// same id is replaced in place when replace is set.
func (h *Hydra) RegisterStrategy(id string, s Strategy, replace bool) error {
	if _, ok := h.strategies[id]; ok {
		if !replace {
			return fmt.Errorf("Hydra.RegisterStrategy: %s: %w", id, models.ErrAlreadyExists)
		}

		h.strategies[id] = s
		return nil
	}

	h.strategies[id] = s
	h.strategyIDs = append(h.strategyIDs, id)

	return nil
}

func (h *Hydra) RemoveStrategy(id string) error {
	if _, ok := h.strategies[id]; !ok {
		return fmt.Errorf("Hydra.RemoveStrategy: %s: %w", id, models.ErrInvalidId)
	}

	delete(h.strategies, id)
	for i, sid := range h.strategyIDs {
		if sid == id {
			h.strategyIDs = append(h.strategyIDs[:i], h.strategyIDs[i+1:]...)
			break
		}
	}

	return nil
}

func (h *Hydra) clearStrategies() {
	h.strategies = make(map[string]Strategy)
	h.strategyIDs = nil
}

// Build freezes the graph. Exchanges build their indexes and the driver steps over their union.
func (h *Hydra) Build() error {
	if h.reg.isBuilt {
		return fmt.Errorf("Hydra.Build: %w", models.ErrAlreadyBuilt)
	}

	if err := h.reg.exchanges.Build(); err != nil {
		return fmt.Errorf("Hydra.Build: %w", err)
	}

	seen := make(map[int64]struct{})
	h.datetimeIndex = nil
	h.candles = 0

	for _, e := range h.reg.exchanges.Exchanges() {
		h.candles += e.Candles()

		for _, t := range e.DatetimeIndex() {
			if _, ok := seen[t]; ok {
				continue
			}

			seen[t] = struct{}{}
			h.datetimeIndex = append(h.datetimeIndex, t)
		}
	}

	sort.Slice(h.datetimeIndex, func(i, j int) bool {
		return h.datetimeIndex[i] < h.datetimeIndex[j]
	})

	h.reg.isBuilt = true
	h.currentIndex = 0
	h.hydraTime = 0

	log.WithFields(log.Fields{
		"run_id":    h.RunID(),
		"exchanges": len(h.reg.exchanges.Exchanges()),
		"brokers":   len(h.reg.brokers.Brokers()),
		"bars":      len(h.datetimeIndex),
		"candles":   h.candles,
	}).Info("hydra built")

	h.emitter.Emit(EventBuild, h.RunID())

	return nil
}

func (h *Hydra) DatetimeIndex() []int64 {
	return h.datetimeIndex
}

// HydraTime is the timestamp of the bar in progress, or of the last completed bar between steps.
func (h *Hydra) HydraTime() int64 {
	return h.hydraTime
}

func (h *Hydra) CurrentIndex() int {
	return h.currentIndex
}

// Candles is the number of rows loaded across every exchange.
func (h *Hydra) Candles() int {
	return h.candles
}

// OrderHistory is every fill recorded by the event tracers of the portfolio tree, in the order applied.
func (h *Hydra) OrderHistory() []*models.Order {
	return h.master.ConsolidateOrderHistory()
}

// ForwardPass streams the next bar and fills resting orders at its open. It returns false when every bar
// has been consumed.
func (h *Hydra) ForwardPass() (bool, error) {
	if !h.reg.isBuilt {
		return false, fmt.Errorf("Hydra.ForwardPass: %w", models.ErrNotBuilt)
	}

	if h.currentIndex >= len(h.datetimeIndex) {
		return false, nil
	}

	h.hydraTime = h.datetimeIndex[h.currentIndex]
	h.reg.exchanges.SetOnClose(false)

	for _, e := range h.reg.exchanges.Exchanges() {
		if next, ok := e.NextTime(); ok && next == h.hydraTime {
			e.Advance()
		} else {
			e.Skip()
		}
	}

	if err := h.processOrders(); err != nil {
		return false, fmt.Errorf("Hydra.ForwardPass: %w", err)
	}

	if err := h.master.Evaluate(false); err != nil {
		return false, fmt.Errorf("Hydra.ForwardPass: %w", err)
	}

	return true, nil
}

// OnOpen runs every strategy against the open and sends the orders they queued.
func (h *Hydra) OnOpen() error {
	for _, id := range h.strategyIDs {
		if err := h.strategies[id].OnOpen(); err != nil {
			return fmt.Errorf("Hydra.OnOpen: strategy %s: %w", id, err)
		}
	}

	if err := h.sendOrders(); err != nil {
		return fmt.Errorf("Hydra.OnOpen: %w", err)
	}

	return nil
}

// BackwardPass fills resting orders at the close, runs the strategies against the close, retires assets
// that streamed their last row and records history.
func (h *Hydra) BackwardPass() error {
	return h.backwardPass(true)
}

func (h *Hydra) backwardPass(runStrategies bool) error {
	h.reg.exchanges.SetOnClose(true)

	if err := h.processOrders(); err != nil {
		return fmt.Errorf("Hydra.BackwardPass: %w", err)
	}

	if err := h.master.Evaluate(true); err != nil {
		return fmt.Errorf("Hydra.BackwardPass: %w", err)
	}

	if runStrategies {
		for _, id := range h.strategyIDs {
			if err := h.strategies[id].OnClose(); err != nil {
				return fmt.Errorf("Hydra.BackwardPass: strategy %s: %w", id, err)
			}
		}

		if err := h.sendOrders(); err != nil {
			return fmt.Errorf("Hydra.BackwardPass: %w", err)
		}

		// fills placed on the close are included in the recorded values
		h.master.evaluateNode(false)
	}

	if err := h.cleanupExpiredAssets(); err != nil {
		return fmt.Errorf("Hydra.BackwardPass: %w", err)
	}

	h.master.Update(h.hydraTime)

	h.currentIndex++

	h.emitter.Emit(EventStep, StepEvent{
		RunID:    h.RunID(),
		Index:    h.currentIndex,
		Total:    len(h.datetimeIndex),
		Datetime: h.hydraTime,
	})

	return nil
}

// Step runs one full bar. It returns false when there are no bars left.
func (h *Hydra) Step() (bool, error) {
	ok, err := h.ForwardPass()
	if err != nil || !ok {
		return false, err
	}

	if err := h.OnOpen(); err != nil {
		return false, err
	}

	if err := h.BackwardPass(); err != nil {
		return false, err
	}

	return true, nil
}

// Run steps until the bars run out, the next bar is after to, or steps bars have run. A zero to or steps
// leaves that bound off. The context is checked between bars.
func (h *Hydra) Run(ctx context.Context, to int64, steps int) error {
	if !h.reg.isBuilt {
		return fmt.Errorf("Hydra.Run: %w", models.ErrNotBuilt)
	}

	ctx, span := otel.Tracer(instrumentation).Start(ctx, "Hydra.Run")
	defer span.End()

	span.SetAttributes(
		attribute.String("run_id", h.RunID()),
		attribute.Int("bars", len(h.datetimeIndex)),
		attribute.Int("strategies", len(h.strategyIDs)),
	)

	counter, err := otel.Meter(instrumentation).Int64Counter("hydra.bars")
	if err != nil {
		return fmt.Errorf("Hydra.Run: creating bars counter: %w", err)
	}

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "canceled")
			return fmt.Errorf("Hydra.Run: %w", err)
		}

		if steps > 0 && n >= steps {
			break
		}

		if to != 0 && h.currentIndex < len(h.datetimeIndex) && h.datetimeIndex[h.currentIndex] > to {
			break
		}

		ok, err := h.Step()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("Hydra.Run: %w", err)
		}

		if !ok {
			break
		}

		n++
	}

	counter.Add(ctx, int64(n))
	span.SetAttributes(attribute.Int("steps", n))

	log.WithFields(log.Fields{
		"run_id": h.RunID(),
		"steps":  n,
		"nlv":    h.master.NLV().StringFixed(2),
	}).Info("hydra run finished")

	h.emitter.Emit(EventDone, h.RunID())

	return nil
}

// GotoDatetime streams bars without invoking strategies until the next bar is at or after t. A target
// before the bar already streamed is rejected.
func (h *Hydra) GotoDatetime(t int64) error {
	if !h.reg.isBuilt {
		return fmt.Errorf("Hydra.GotoDatetime: %w", models.ErrNotBuilt)
	}

	if h.currentIndex > 0 && t < h.hydraTime {
		return fmt.Errorf("Hydra.GotoDatetime: %d is before %d: %w", t, h.hydraTime, models.ErrInvalidDatetime)
	}

	for h.currentIndex < len(h.datetimeIndex) && h.datetimeIndex[h.currentIndex] < t {
		if _, err := h.ForwardPass(); err != nil {
			return fmt.Errorf("Hydra.GotoDatetime: %w", err)
		}

		if err := h.backwardPass(false); err != nil {
			return fmt.Errorf("Hydra.GotoDatetime: %w", err)
		}
	}

	return nil
}

// CleanupAsset closes every position in assetID at its last price, cancels its orders and removes it from
// its exchange.
func (h *Hydra) CleanupAsset(assetID string) error {
	for _, b := range h.reg.brokers.Brokers() {
		for _, order := range append([]*models.Order(nil), b.OpenOrders()...) {
			if order.AssetID == assetID {
				b.cancelOrder(order)
			}
		}
	}

	if _, ok := h.master.GetPosition(assetID); ok {
		if err := h.master.ClosePosition(assetID, ""); err != nil {
			return fmt.Errorf("Hydra.CleanupAsset: %w", err)
		}
	}

	if err := h.reg.exchanges.RemoveAsset(assetID); err != nil {
		return fmt.Errorf("Hydra.CleanupAsset: %w", err)
	}

	log.WithFields(log.Fields{
		"asset":    assetID,
		"datetime": h.hydraTime,
	}).Debug("asset cleaned up")

	return nil
}

func (h *Hydra) cleanupExpiredAssets() error {
	for _, e := range h.reg.exchanges.Exchanges() {
		expired := e.ExpiredAssets()
		if len(expired) == 0 {
			continue
		}

		for _, id := range append([]string(nil), expired...) {
			if err := h.CleanupAsset(id); err != nil {
				return err
			}
		}

		e.MoveExpiredAssets()
	}

	return nil
}

func (h *Hydra) processOrders() error {
	for _, e := range h.reg.exchanges.Exchanges() {
		e.ProcessOrders()
	}

	for _, b := range h.reg.brokers.Brokers() {
		if err := b.ProcessOrders(); err != nil {
			return err
		}
	}

	return nil
}

func (h *Hydra) sendOrders() error {
	for _, b := range h.reg.brokers.Brokers() {
		if err := b.SendOrders(); err != nil {
			return err
		}
	}

	return nil
}

// Reset rewinds the simulation to its built state. Portfolio event history survives unless clearHistory is
// set. Strategies are dropped when clearStrategies is set.
func (h *Hydra) Reset(clearHistory, clearStrategies bool) error {
	if !h.reg.isBuilt {
		return fmt.Errorf("Hydra.Reset: %w", models.ErrNotBuilt)
	}

	if err := h.reg.exchanges.Reset(); err != nil {
		return fmt.Errorf("Hydra.Reset: %w", err)
	}

	for _, b := range h.reg.brokers.Brokers() {
		b.Reset()
	}

	h.master.Reset(clearHistory)
	h.reg.reset()

	if clearStrategies {
		h.clearStrategies()
	}

	h.currentIndex = 0
	h.hydraTime = 0

	log.WithFields(log.Fields{
		"run_id":           h.RunID(),
		"clear_history":    clearHistory,
		"clear_strategies": clearStrategies,
	}).Info("hydra reset")

	h.emitter.Emit(EventReset, h.RunID())

	return nil
}

func NewHydra(cash decimal.Decimal) *Hydra {
	reg := newRegistry(exchange.NewExchangeMap())

	return &Hydra{
		master:     newPortfolio(MasterPortfolioID, cash, reg),
		reg:        reg,
		strategies: make(map[string]Strategy),
		emitter:    events.New(),
		runID:      uuid.New(),
	}
}
