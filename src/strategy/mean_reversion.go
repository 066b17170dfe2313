package strategy

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/hydra-backtester/src/asset"
	"github.com/jiaming2012/hydra-backtester/src/backtester"
	"github.com/jiaming2012/hydra-backtester/src/indicators"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

// MeanReversion fades closes outside the Bollinger bands of each asset. Entries are limit orders a little
// through the close, carrying a stop loss and a take profit at the moving average. Unfilled entries are
// canceled after a few bars.
//
// Params:
//   - period, k: Bollinger window and width (default 20, 2)
//   - units: size of each entry (default 10)
//   - entry_offset: limit distance from the close as a fraction (default 0.005)
//   - stop_pct: stop distance from the limit as a fraction (default 0.05)
//   - expiry: bars an entry may rest (default 3)
//   - rsi_period, rsi_threshold: when rsi_threshold is non zero a long also needs RSI below it and a short
//     RSI above 100 minus it (default 14, 0)
//   - allow_short: enter short above the upper band when non zero (default 1)
type MeanReversion struct {
	target
	h            *backtester.Hydra
	bands        *indicators.BollingerBands
	units        float64
	entryOffset  float64
	stopPct      float64
	expiry       int
	rsi          *indicators.Rsi
	rsiThreshold float64
	allowShort   bool
	bars         int
	pending      map[string]*models.Order
	placedAt     map[string]int
}

func (s *MeanReversion) OnOpen() error {
	return nil
}

func (s *MeanReversion) OnClose() error {
	s.bars++

	for _, a := range s.exchange.StreamingAssets() {
		resting, err := s.checkPending(a.ID, a.BrokerID)
		if err != nil {
			return fmt.Errorf("MeanReversion.OnClose: %w", err)
		}

		if resting {
			continue
		}

		if _, ok := s.portfolio.GetPosition(a.ID); ok {
			continue
		}

		lookback := s.bands.SmaPeriod
		if s.rsiThreshold != 0 && s.rsi.Period+1 > lookback {
			lookback = s.rsi.Period + 1
		}

		if a.CurrentIndex() < lookback {
			continue
		}

		closes, err := a.Column("close", lookback)
		if err != nil {
			return fmt.Errorf("MeanReversion.OnClose: %w", err)
		}

		if err := s.enter(a, closes); err != nil {
			return fmt.Errorf("MeanReversion.OnClose: %w", err)
		}
	}

	return nil
}

// checkPending reports whether an entry for assetID is still resting, canceling it once it has expired.
func (s *MeanReversion) checkPending(assetID, brokerID string) (bool, error) {
	order, ok := s.pending[assetID]
	if !ok {
		return false, nil
	}

	if order.State != models.OrderStateOpen {
		delete(s.pending, assetID)
		delete(s.placedAt, assetID)
		return false, nil
	}

	if s.bars-s.placedAt[assetID] < s.expiry {
		return true, nil
	}

	broker, err := s.h.GetBroker(brokerID)
	if err != nil {
		return false, err
	}

	if err := broker.CancelOrder(order.ID); err != nil {
		return false, err
	}

	log.WithFields(log.Fields{
		"strategy": s.id,
		"asset":    assetID,
		"order_id": order.ID,
	}).Debug("mean reversion entry expired")

	delete(s.pending, assetID)
	delete(s.placedAt, assetID)

	return true, nil
}

// confirmed reports whether the RSI of a agrees with an entry on the given side. Without a threshold every
// entry is confirmed.
func (s *MeanReversion) confirmed(a *asset.Asset, long bool) (bool, error) {
	if s.rsiThreshold == 0 {
		return true, nil
	}

	val, err := s.rsi.ComputeColumn(a, "close", s.rsi.Period+1)
	if err != nil {
		return false, err
	}

	if long {
		return val < s.rsiThreshold, nil
	}

	return val > 100-s.rsiThreshold, nil
}

func (s *MeanReversion) enter(a *asset.Asset, closes []float64) error {
	assetID := a.ID

	bands, err := s.bands.Compute(closes)
	if err != nil {
		return err
	}

	last := closes[len(closes)-1]

	var units, limit, stop float64
	switch {
	case last < bands.Lower:
		if ok, err := s.confirmed(a, true); err != nil || !ok {
			return err
		}

		units = s.units
		limit = last * (1 - s.entryOffset)
		stop = limit * (1 - s.stopPct)
	case last > bands.Upper && s.allowShort:
		if ok, err := s.confirmed(a, false); err != nil || !ok {
			return err
		}

		units = -s.units
		limit = last * (1 + s.entryOffset)
		stop = limit * (1 + s.stopPct)
	default:
		return nil
	}

	order, err := s.portfolio.PlaceLimitOrder(assetID, units, limit, s.id, backtester.Eager,
		backtester.WithStopLoss(stop), backtester.WithTakeProfit(bands.MovingAverage))
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"strategy":    s.id,
		"asset":       assetID,
		"units":       units,
		"limit":       limit,
		"stop_loss":   stop,
		"take_profit": bands.MovingAverage,
	}).Debug("mean reversion entry")

	if order.State == models.OrderStateOpen {
		s.pending[assetID] = order
		s.placedAt[assetID] = s.bars
	}

	return nil
}

func NewMeanReversion(h *backtester.Hydra, id, portfolioID, exchangeID string, params Params) (*MeanReversion, error) {
	t, err := newTarget(h, id, portfolioID, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("NewMeanReversion: %w", err)
	}

	s := &MeanReversion{
		target:       t,
		h:            h,
		bands:        indicators.NewBollingerBands(int(params.get("period", 20)), params.get("k", 2)),
		units:        params.get("units", 10),
		entryOffset:  params.get("entry_offset", 0.005),
		stopPct:      params.get("stop_pct", 0.05),
		expiry:       int(params.get("expiry", 3)),
		rsi:          indicators.NewRsi(int(params.get("rsi_period", 14))),
		rsiThreshold: params.get("rsi_threshold", 0),
		allowShort:   params.get("allow_short", 1) != 0,
		pending:      make(map[string]*models.Order),
		placedAt:     make(map[string]int),
	}

	if s.bands.SmaPeriod < 2 || s.units <= 0 || s.expiry < 1 || s.rsi.Period < 1 {
		return nil, fmt.Errorf("NewMeanReversion: period must be at least 2, expiry and rsi_period at least 1 and units positive: %w", models.ErrInvalidArrayValues)
	}

	return s, nil
}
