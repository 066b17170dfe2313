package exchange

import (
	"fmt"
	"sort"

	"github.com/jiaming2012/hydra-backtester/src/asset"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

type QueryType int

const (
	// QueryDefault returns streaming assets in registration order.
	QueryDefault QueryType = iota
	QueryNSmallest
	QueryNLargest
	// QueryNExtreme returns half of n from each end of the ranking.
	QueryNExtreme
)

func (q QueryType) String() string {
	switch q {
	case QueryDefault:
		return "default"
	case QueryNSmallest:
		return "n_smallest"
	case QueryNLargest:
		return "n_largest"
	case QueryNExtreme:
		return "n_extreme"
	default:
		return fmt.Sprintf("query(%d)", int(q))
	}
}

// AllAssets asks a default query for every streaming asset.
const AllAssets = -1

type FeatureValue struct {
	AssetID string
	Value   float64
}

// AssetFeature reads a feature of one asset. ok is false when the asset is not streaming.
func (e *Exchange) AssetFeature(assetID, column string, index int) (float64, bool, error) {
	a := e.marketView[assetID]
	if a == nil {
		return 0, false, nil
	}

	v, err := a.Feature(column, index)
	if err != nil {
		return 0, false, fmt.Errorf("Exchange.AssetFeature: %w", err)
	}

	return v, true, nil
}

// ExchangeFeature ranks the streaming assets by column at row bars back. Ranked queries return values in
// ascending order. A non-nil scaler divides every value by that tracer.
func (e *Exchange) ExchangeFeature(column string, row int, query QueryType, n int, scaler *asset.TracerType) ([]FeatureValue, error) {
	if row > 0 {
		return nil, fmt.Errorf("Exchange.ExchangeFeature: row %d is in the future: %w", row, models.ErrIndexOutOfBounds)
	}

	var values []FeatureValue
	for _, a := range e.StreamingAssets() {
		var v float64
		var err error
		if scaler != nil {
			v, err = a.ScaledFeature(column, row, *scaler)
		} else {
			v, err = a.Feature(column, row)
		}
		if err != nil {
			return nil, fmt.Errorf("Exchange.ExchangeFeature: %w", err)
		}

		values = append(values, FeatureValue{AssetID: a.ID, Value: v})
	}

	if n < 0 || n > len(values) {
		n = len(values)
	}

	if query == QueryDefault {
		return values[:n], nil
	}

	sort.SliceStable(values, func(i, j int) bool {
		return values[i].Value < values[j].Value
	})

	switch query {
	case QueryNSmallest:
		return values[:n], nil
	case QueryNLargest:
		return values[len(values)-n:], nil
	case QueryNExtreme:
		half := n / 2
		extremes := make([]FeatureValue, 0, 2*half)
		extremes = append(extremes, values[:half]...)
		return append(extremes, values[len(values)-half:]...), nil
	default:
		return nil, fmt.Errorf("Exchange.ExchangeFeature: query %s: %w", query, models.ErrNotImplemented)
	}
}
