package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/hydra-backtester/src/asset"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

func loadAsset(t *testing.T, e *Exchange, id string, index []int64, opens, closes []float64, warmup int) *asset.Asset {
	a, err := e.NewAsset(id, "ibkr", warmup, asset.Day1)
	require.NoError(t, err)

	data := append(append([]float64{}, opens...), closes...)
	require.NoError(t, a.Load(data, index, len(index), 2, []string{"open", "close"}))

	return a
}

func newTestExchange(t *testing.T) *Exchange {
	e := NewExchange("nyse")
	loadAsset(t, e, "AAPL", []int64{1, 2, 3, 4, 5}, []float64{100, 101, 102, 103, 104}, []float64{100.5, 101.5, 102.5, 103.5, 104.5}, 0)
	loadAsset(t, e, "MSFT", []int64{2, 4, 6}, []float64{200, 198, 196}, []float64{199, 197, 195}, 0)
	return e
}

func marketOrder(id int, assetID string, units float64) *models.Order {
	return models.NewOrder(id, models.MarketOrder, assetID, units, "nyse", "ibkr", "p1", "s1", models.NewTradeID)
}

func limitOrder(id int, orderType models.OrderType, assetID string, units, limit float64) *models.Order {
	o := models.NewOrder(id, orderType, assetID, units, "nyse", "ibkr", "p1", "s1", models.NewTradeID)
	o.Limit = limit
	return o
}

func TestExchangeBuild(t *testing.T) {
	t.Run("index is the sorted union of every asset", func(t *testing.T) {
		e := newTestExchange(t)
		require.NoError(t, e.Build())

		assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, e.DatetimeIndex())
		assert.Equal(t, 8, e.Candles())
	})

	t.Run("warmup rows are left out of the union", func(t *testing.T) {
		e := NewExchange("nyse")
		loadAsset(t, e, "AAPL", []int64{1, 2, 3, 4}, []float64{1, 2, 3, 4}, []float64{1, 2, 3, 4}, 2)
		loadAsset(t, e, "MSFT", []int64{2, 3, 4, 5}, []float64{1, 2, 3, 4}, []float64{1, 2, 3, 4}, 1)
		require.NoError(t, e.Build())

		assert.Equal(t, []int64{3, 4, 5}, e.DatetimeIndex())
	})

	t.Run("requires assets", func(t *testing.T) {
		e := NewExchange("nyse")
		assert.ErrorIs(t, e.Build(), models.ErrNotBuilt)
	})

	t.Run("cannot build twice", func(t *testing.T) {
		e := newTestExchange(t)
		require.NoError(t, e.Build())
		assert.ErrorIs(t, e.Build(), models.ErrAlreadyBuilt)
	})

	t.Run("index asset must cover the union", func(t *testing.T) {
		e := newTestExchange(t)
		spy := asset.NewAsset("SPY", "nyse", "ibkr", 0, asset.Day1)
		require.NoError(t, spy.Load([]float64{1, 2, 3, 1, 2, 3}, []int64{1, 2, 3}, 3, 2, []string{"open", "close"}))
		require.NoError(t, e.RegisterIndexAsset(spy))

		assert.ErrorIs(t, e.Build(), models.ErrInvalidArrayValues)
	})

	t.Run("index asset is registered once", func(t *testing.T) {
		e := newTestExchange(t)
		spy := asset.NewAsset("SPY", "nyse", "ibkr", 0, asset.Day1)
		require.NoError(t, e.RegisterIndexAsset(spy))
		assert.ErrorIs(t, e.RegisterIndexAsset(spy), models.ErrAlreadyExists)

		aapl, err := e.Asset("AAPL")
		require.NoError(t, err)
		assert.Equal(t, spy, aapl.IndexAsset())
	})

	t.Run("duplicate assets are rejected", func(t *testing.T) {
		e := newTestExchange(t)
		_, err := e.NewAsset("AAPL", "ibkr", 0, asset.Day1)
		assert.ErrorIs(t, err, models.ErrAlreadyExists)
	})
}

func TestExchangeAdvance(t *testing.T) {
	t.Run("assets are absent from the view when they do not stream", func(t *testing.T) {
		e := newTestExchange(t)
		require.NoError(t, e.Build())

		expectedMSFT := map[int64]bool{1: false, 2: true, 3: false, 4: true, 5: false, 6: true}
		expectedAAPL := map[int64]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: false}

		for e.Advance() {
			assert.Equal(t, expectedMSFT[e.Time()], e.IsStreaming("MSFT"), "MSFT at %d", e.Time())
			assert.Equal(t, expectedAAPL[e.Time()], e.IsStreaming("AAPL"), "AAPL at %d", e.Time())
		}

		_, ok := e.NextTime()
		assert.False(t, ok)
	})

	t.Run("market price follows the phase of the bar", func(t *testing.T) {
		e := newTestExchange(t)
		require.NoError(t, e.Build())
		require.True(t, e.Advance())
		require.True(t, e.Advance())

		assert.Equal(t, 101.0, e.MarketPrice("AAPL"))
		assert.Equal(t, 200.0, e.MarketPrice("MSFT"))

		e.SetOnClose(true)
		assert.Equal(t, 101.5, e.MarketPrice("AAPL"))
		assert.Equal(t, 199.0, e.MarketPrice("MSFT"))
	})

	t.Run("assets that stream their last row expire", func(t *testing.T) {
		e := newTestExchange(t)
		require.NoError(t, e.Build())

		for i := 0; i < 5; i++ {
			require.True(t, e.Advance())
		}

		assert.Equal(t, []string{"AAPL"}, e.ExpiredAssets())
		moved := e.MoveExpiredAssets()
		require.Len(t, moved, 1)
		assert.Equal(t, "AAPL", moved[0].ID)
		assert.Len(t, e.Assets(), 1)

		require.NoError(t, e.Reset())
		assert.Len(t, e.Assets(), 2)
		assert.Equal(t, "AAPL", e.Assets()[0].ID)

		require.True(t, e.Advance())
		assert.Equal(t, int64(1), e.Time())
		assert.True(t, e.IsStreaming("AAPL"))
	})

	t.Run("skip clears the view", func(t *testing.T) {
		e := newTestExchange(t)
		require.NoError(t, e.Build())
		require.True(t, e.Advance())
		e.Skip()

		assert.False(t, e.IsStreaming("AAPL"))
		assert.Empty(t, e.StreamingAssets())
	})

	t.Run("goto moves to the first bar at or after the target", func(t *testing.T) {
		e := newTestExchange(t)
		require.NoError(t, e.Build())
		require.NoError(t, e.GotoDatetime(4))

		next, ok := e.NextTime()
		require.True(t, ok)
		assert.Equal(t, int64(4), next)

		assert.ErrorIs(t, e.GotoDatetime(7), models.ErrInvalidDatetime)
	})
}

func TestExchangeOrders(t *testing.T) {
	t.Run("market orders fill at the current price", func(t *testing.T) {
		e := newTestExchange(t)
		require.NoError(t, e.Build())
		require.True(t, e.Advance())

		o := marketOrder(1, "AAPL", 10)
		require.NoError(t, e.PlaceOrder(o))

		assert.Equal(t, models.OrderStateFilled, o.State)
		assert.Equal(t, 100.0, o.AveragePrice)
		assert.Equal(t, int64(1), o.FillTime)
		assert.Equal(t, int64(1), o.CreateTime)
	})

	t.Run("orders against an asset that is not streaming fail", func(t *testing.T) {
		e := newTestExchange(t)
		require.NoError(t, e.Build())
		require.True(t, e.Advance())

		err := e.PlaceOrder(marketOrder(1, "MSFT", 10))
		assert.ErrorIs(t, err, models.ErrInvalidId)
	})

	t.Run("limit orders rest until the price crosses", func(t *testing.T) {
		e := newTestExchange(t)
		require.NoError(t, e.Build())
		require.True(t, e.Advance())

		sell := limitOrder(1, models.LimitOrder, "AAPL", -10, 102.5)
		require.NoError(t, e.PlaceOrder(sell))
		assert.Equal(t, models.OrderStateOpen, sell.State)
		require.Len(t, e.Orders(), 1)

		require.True(t, e.Advance())
		e.ProcessOrders()
		assert.Equal(t, models.OrderStateOpen, sell.State)

		e.SetOnClose(true)
		e.ProcessOrders()
		assert.Equal(t, models.OrderStateOpen, sell.State)

		e.SetOnClose(false)
		require.True(t, e.Advance())
		e.ProcessOrders()
		assert.Equal(t, models.OrderStateOpen, sell.State)

		e.SetOnClose(true)
		e.ProcessOrders()
		assert.Equal(t, models.OrderStateFilled, sell.State)
		assert.Equal(t, 102.5, sell.AveragePrice)
		assert.Empty(t, e.Orders())
	})

	t.Run("matching rules per order type", func(t *testing.T) {
		cases := []struct {
			name      string
			orderType models.OrderType
			units     float64
			limit     float64
			filled    bool
		}{
			{"buy limit above the price fills", models.LimitOrder, 10, 101, true},
			{"buy limit below the price rests", models.LimitOrder, 10, 99, false},
			{"sell limit below the price fills", models.LimitOrder, -10, 99, true},
			{"sell stop above the price fills", models.StopLossOrder, -10, 101, true},
			{"sell stop below the price rests", models.StopLossOrder, -10, 99, false},
			{"buy stop below the price fills", models.StopLossOrder, 10, 99, true},
			{"sell take profit below the price fills", models.TakeProfitOrder, -10, 99, true},
			{"sell take profit above the price rests", models.TakeProfitOrder, -10, 101, false},
			{"buy take profit above the price fills", models.TakeProfitOrder, 10, 101, true},
		}

		for i, c := range cases {
			t.Run(c.name, func(t *testing.T) {
				e := newTestExchange(t)
				require.NoError(t, e.Build())
				require.True(t, e.Advance())

				o := limitOrder(i, c.orderType, "AAPL", c.units, c.limit)
				require.NoError(t, e.PlaceOrder(o))
				assert.Equal(t, c.filled, o.State == models.OrderStateFilled)
			})
		}
	})

	t.Run("canceled orders leave the book", func(t *testing.T) {
		e := newTestExchange(t)
		require.NoError(t, e.Build())
		require.True(t, e.Advance())

		first := limitOrder(1, models.LimitOrder, "AAPL", 10, 50)
		second := limitOrder(2, models.LimitOrder, "AAPL", 10, 60)
		require.NoError(t, e.PlaceOrder(first))
		require.NoError(t, e.PlaceOrder(second))

		require.NoError(t, e.CancelOrder(1))
		assert.Equal(t, models.OrderStateCanceled, first.State)
		assert.ErrorIs(t, e.CancelOrder(1), models.ErrInvalidId)

		second.Cancel()
		e.ProcessOrders()
		assert.Empty(t, e.Orders())
	})
}

func TestExchangeFeature(t *testing.T) {
	e := NewExchange("nyse")
	loadAsset(t, e, "A", []int64{1, 2}, []float64{1, 1}, []float64{10, 11}, 0)
	loadAsset(t, e, "B", []int64{1, 2}, []float64{1, 1}, []float64{30, 5}, 0)
	loadAsset(t, e, "C", []int64{1, 2}, []float64{1, 1}, []float64{20, 40}, 0)
	loadAsset(t, e, "D", []int64{1, 2}, []float64{1, 1}, []float64{5, 20}, 0)
	loadAsset(t, e, "E", []int64{2}, []float64{1}, []float64{100}, 0)
	require.NoError(t, e.Build())
	require.True(t, e.Advance())

	ids := func(values []FeatureValue) []string {
		var out []string
		for _, v := range values {
			out = append(out, v.AssetID)
		}
		return out
	}

	t.Run("default returns streaming assets in registration order", func(t *testing.T) {
		values, err := e.ExchangeFeature("close", 0, QueryDefault, AllAssets, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C", "D"}, ids(values))

		values, err = e.ExchangeFeature("close", 0, QueryDefault, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, ids(values))
	})

	t.Run("ranked queries sort ascending", func(t *testing.T) {
		values, err := e.ExchangeFeature("close", 0, QueryNSmallest, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"D", "A"}, ids(values))

		values, err = e.ExchangeFeature("close", 0, QueryNLargest, 2, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"C", "B"}, ids(values))

		values, err = e.ExchangeFeature("close", 0, QueryNExtreme, 3, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"D", "B"}, ids(values))
	})

	t.Run("future rows are rejected", func(t *testing.T) {
		_, err := e.ExchangeFeature("close", 1, QueryDefault, AllAssets, nil)
		assert.ErrorIs(t, err, models.ErrIndexOutOfBounds)
	})

	t.Run("asset feature is unavailable when not streaming", func(t *testing.T) {
		_, ok, err := e.AssetFeature("E", "close", 0)
		require.NoError(t, err)
		assert.False(t, ok)

		v, ok, err := e.AssetFeature("C", "close", 0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 20.0, v)
	})
}

func TestExchangeMap(t *testing.T) {
	m := NewExchangeMap()
	_, err := m.NewExchange("nyse")
	require.NoError(t, err)
	_, err = m.NewExchange("nyse")
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	a := asset.NewAsset("AAPL", "nyse", "ibkr", 0, asset.Day1)
	require.NoError(t, a.Load([]float64{100, 101, 100.5, 101.5}, []int64{1, 2}, 2, 2, []string{"open", "close"}))
	require.NoError(t, m.RegisterAsset(a))
	assert.ErrorIs(t, m.RegisterAsset(a), models.ErrAlreadyExists)

	orphan := asset.NewAsset("BTC", "binance", "ibkr", 0, asset.Day1)
	assert.ErrorIs(t, m.RegisterAsset(orphan), models.ErrInvalidId)

	require.NoError(t, m.Build())
	e, err := m.GetExchange("nyse")
	require.NoError(t, err)
	require.True(t, e.Advance())

	assert.Equal(t, 100.0, m.MarketPrice("AAPL"))
	m.SetOnClose(true)
	assert.Equal(t, 100.5, m.MarketPrice("AAPL"))
	assert.Equal(t, 0.0, m.MarketPrice("MSFT"))

	require.NoError(t, m.RemoveAsset("AAPL"))
	_, err = m.GetAsset("AAPL")
	assert.ErrorIs(t, err, models.ErrInvalidId)

	require.NoError(t, m.Reset())
	got, err := m.GetAsset("AAPL")
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.False(t, m.OnClose())
}
