package strategy

import (
	"fmt"
	"sort"

	"github.com/jiaming2012/hydra-backtester/src/backtester"
	"github.com/jiaming2012/hydra-backtester/src/exchange"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

type Kind string

const (
	MomentumKind      Kind = "momentum"
	MeanReversionKind Kind = "mean_reversion"
)

// Params are the numeric knobs of a strategy, as read from config or a sweep grid.
type Params map[string]float64

func (p Params) get(key string, fallback float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}

	return fallback
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// Merge returns a copy of p with every value of other applied on top.
func (p Params) Merge(other Params) Params {
	merged := make(Params, len(p)+len(other))
	for k, v := range p {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}

	return merged
}

// target resolves the portfolio and exchange a strategy trades.
type target struct {
	id        string
	portfolio *backtester.Portfolio
	exchange  *exchange.Exchange
}

func newTarget(h *backtester.Hydra, id, portfolioID, exchangeID string) (target, error) {
	p, err := h.GetPortfolio(portfolioID)
	if err != nil {
		return target{}, err
	}

	e, err := h.GetExchange(exchangeID)
	if err != nil {
		return target{}, err
	}

	return target{id: id, portfolio: p, exchange: e}, nil
}

// New builds a strategy of the given kind trading portfolioID on exchangeID.
func New(kind Kind, h *backtester.Hydra, id, portfolioID, exchangeID string, params Params) (backtester.Strategy, error) {
	switch kind {
	case MomentumKind:
		return NewMomentum(h, id, portfolioID, exchangeID, params)
	case MeanReversionKind:
		return NewMeanReversion(h, id, portfolioID, exchangeID, params)
	default:
		return nil, fmt.Errorf("strategy.New: unknown kind %q: %w", kind, models.ErrNotImplemented)
	}
}
