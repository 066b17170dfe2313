package strategy

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/hydra-backtester/src/asset"
	"github.com/jiaming2012/hydra-backtester/src/backtester"
	"github.com/jiaming2012/hydra-backtester/src/exchange"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

// Momentum holds the top assets of an exchange ranked by one column, equally weighted, and rebalances on the
// close every few bars.
//
// Params:
//   - hold: number of assets to hold (default 2)
//   - exposure: fraction of NLV to invest (default 1)
//   - rebalance: bars between rebalances (default 1)
//   - epsilon: drift tolerated before a position is resized (default 0.05)
//   - scale_by_volatility: rank by close divided by the volatility tracer when non zero
type Momentum struct {
	target
	column            string
	hold              int
	exposure          float64
	rebalance         int
	epsilon           float64
	scaleByVolatility bool
	bars              int
}

func (s *Momentum) OnOpen() error {
	return nil
}

func (s *Momentum) OnClose() error {
	s.bars++
	if (s.bars-1)%s.rebalance != 0 {
		return nil
	}

	var scaler *asset.TracerType
	if s.scaleByVolatility {
		volatility := asset.VolatilityTracer
		scaler = &volatility
	}

	ranked, err := s.exchange.ExchangeFeature(s.column, 0, exchange.QueryNLargest, s.hold, scaler)
	if errors.Is(err, models.ErrNotWarm) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("Momentum.OnClose: %w", err)
	}

	if len(ranked) == 0 {
		return nil
	}

	weight := s.exposure / float64(len(ranked))
	allocations := make(map[string]float64, len(ranked))
	for _, v := range ranked {
		allocations[v.AssetID] = weight
	}

	log.WithFields(log.Fields{
		"strategy":  s.id,
		"portfolio": s.portfolio.ID,
		"holdings":  len(allocations),
	}).Debug("momentum rebalance")

	if err := s.portfolio.OrderTargetAllocations(allocations, s.id, s.epsilon, backtester.Eager, backtester.TargetPct, true); err != nil {
		return fmt.Errorf("Momentum.OnClose: %w", err)
	}

	return nil
}

func NewMomentum(h *backtester.Hydra, id, portfolioID, exchangeID string, params Params) (*Momentum, error) {
	t, err := newTarget(h, id, portfolioID, exchangeID)
	if err != nil {
		return nil, fmt.Errorf("NewMomentum: %w", err)
	}

	s := &Momentum{
		target:            t,
		column:            "close",
		hold:              int(params.get("hold", 2)),
		exposure:          params.get("exposure", 1),
		rebalance:         int(params.get("rebalance", 1)),
		epsilon:           params.get("epsilon", 0.05),
		scaleByVolatility: params.get("scale_by_volatility", 0) != 0,
	}

	if s.hold < 1 || s.rebalance < 1 || s.exposure <= 0 {
		return nil, fmt.Errorf("NewMomentum: hold and rebalance must be at least 1 and exposure positive: %w", models.ErrInvalidArrayValues)
	}

	return s, nil
}
