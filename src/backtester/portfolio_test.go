package backtester

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

func openFirstBar(t *testing.T, h *Hydra) {
	require.NoError(t, h.Build())

	ok, err := h.ForwardPass()
	require.NoError(t, err)
	require.True(t, ok)
}

func nextBar(t *testing.T, h *Hydra) {
	require.NoError(t, h.BackwardPass())

	ok, err := h.ForwardPass()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPortfolioTree(t *testing.T) {
	t.Run("opposite fills in two sub portfolios net out in the master portfolio", func(t *testing.T) {
		h := newTestHydra(t, decimal.Zero, loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		p1, err := h.NewPortfolio("p1", decimal.NewFromInt(10000))
		require.NoError(t, err)
		p2, err := h.NewPortfolio("p2", decimal.NewFromInt(10000))
		require.NoError(t, err)

		openFirstBar(t, h)

		_, err = p2.PlaceMarketOrder("AAPL", -100, "s2", Eager)
		require.NoError(t, err)
		_, err = p1.PlaceMarketOrder("AAPL", 50, "s1", Eager)
		require.NoError(t, err)

		// evaluated at the close of 101.5
		require.NoError(t, h.BackwardPass())

		mp := h.Master()
		position, ok := mp.GetPosition("AAPL")
		require.True(t, ok)
		assert.InDelta(t, -50, position.Units, 1e-9)
		assert.Equal(t, 2, position.TradeCount())
		assert.True(t, decimal.NewFromInt(-25).Equal(mp.UnrealizedPL()), mp.UnrealizedPL().String())

		assert.True(t, decimal.NewFromInt(4950).Equal(p1.Cash()), p1.Cash().String())
		assert.True(t, decimal.NewFromInt(10025).Equal(p1.NLV()), p1.NLV().String())
		assert.True(t, decimal.NewFromInt(20100).Equal(p2.Cash()), p2.Cash().String())
		assert.True(t, decimal.NewFromInt(9950).Equal(p2.NLV()), p2.NLV().String())

		assert.True(t, p1.Cash().Add(p2.Cash()).Equal(mp.Cash()))
		assert.True(t, p1.NLV().Add(p2.NLV()).Equal(mp.NLV()))
	})

	t.Run("a leaf trade is mirrored in every ancestor and removed on close", func(t *testing.T) {
		h := newTestHydra(t, decimal.Zero, loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		p1, err := h.NewPortfolio("p1", decimal.NewFromInt(10000))
		require.NoError(t, err)
		leaf, err := p1.CreateSubPortfolio("p1a", decimal.NewFromInt(5000))
		require.NoError(t, err)

		assert.True(t, decimal.NewFromInt(15000).Equal(p1.Cash()))
		assert.True(t, decimal.NewFromInt(15000).Equal(h.Master().Cash()))

		openFirstBar(t, h)

		_, err = leaf.PlaceMarketOrder("AAPL", 10, "s", Eager)
		require.NoError(t, err)

		for _, p := range []*Portfolio{leaf, p1, h.Master()} {
			position, ok := p.GetPosition("AAPL")
			require.True(t, ok, p.ID)
			assert.InDelta(t, 10, position.Units, 1e-9, p.ID)
		}

		require.NoError(t, leaf.ClosePosition("AAPL", "s"))

		for _, p := range []*Portfolio{leaf, p1, h.Master()} {
			_, ok := p.GetPosition("AAPL")
			assert.False(t, ok, p.ID)
		}

		assert.True(t, decimal.NewFromInt(5000).Equal(leaf.Cash()), leaf.Cash().String())
	})

	t.Run("closing a position in an ancestor books the cash at each source", func(t *testing.T) {
		h := newTestHydra(t, decimal.Zero, loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		p1, err := h.NewPortfolio("p1", decimal.NewFromInt(10000))
		require.NoError(t, err)
		p2, err := h.NewPortfolio("p2", decimal.NewFromInt(10000))
		require.NoError(t, err)

		openFirstBar(t, h)

		_, err = p1.PlaceMarketOrder("AAPL", 10, "s", Eager)
		require.NoError(t, err)
		_, err = p2.PlaceMarketOrder("AAPL", 20, "s", Eager)
		require.NoError(t, err)

		nextBar(t, h)

		require.NoError(t, h.Master().CloseAllPositions("s"))

		assert.Empty(t, h.Master().Positions())
		assert.Empty(t, p1.Positions())
		assert.Empty(t, p2.Positions())

		// bought at 101, sold at the next open of 102
		assert.True(t, decimal.NewFromInt(10010).Equal(p1.Cash()), p1.Cash().String())
		assert.True(t, decimal.NewFromInt(10020).Equal(p2.Cash()), p2.Cash().String())
		assert.True(t, decimal.NewFromInt(20030).Equal(h.Master().Cash()))
	})

	t.Run("a sub portfolio conserves cash through a flip and its ancestors follow", func(t *testing.T) {
		h := newTestHydra(t, decimal.Zero, loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		b.SetCommissionScheme(1, 0.001, 0)

		p1, err := h.NewPortfolio("p1", decimal.NewFromInt(10000))
		require.NoError(t, err)
		leaf, err := p1.CreateSubPortfolio("leaf", decimal.NewFromInt(5000))
		require.NoError(t, err)
		require.NoError(t, leaf.AddTracer(EventTracerType))

		openFirstBar(t, h)

		expected := leaf.Cash()
		fill := func(units float64) *models.Order {
			order, err := leaf.PlaceMarketOrder("AAPL", units, "s", Eager)
			require.NoError(t, err)
			expected = expected.Sub(order.Notional()).Sub(b.CommissionScheme().Cost(order))
			return order
		}

		fill(10)
		nextBar(t, h)

		// long 10 at 101 sold 15 at 102
		flip := fill(-15)
		assert.InDelta(t, -15, flip.Units, 1e-9)

		for _, p := range []*Portfolio{leaf, p1, h.Master()} {
			position, ok := p.GetPosition("AAPL")
			require.True(t, ok, p.ID)
			assert.InDelta(t, -5, position.Units, 1e-9, p.ID)
			assert.InDelta(t, 102, position.AveragePrice, 1e-9, p.ID)
			assert.Len(t, p.Positions(), 1, p.ID)
		}

		events, err := leaf.EventTracer()
		require.NoError(t, err)
		require.Len(t, events.Trades(), 1)
		assert.True(t, decimal.NewFromInt(10).Equal(events.Trades()[0].RealizedPL))

		fill(3)
		fill(2)

		assert.True(t, expected.Equal(leaf.Cash()), "%s != %s", expected, leaf.Cash())
		assert.True(t, expected.Add(decimal.NewFromInt(10000)).Equal(p1.Cash()), p1.Cash().String())
		assert.True(t, p1.Cash().Equal(h.Master().Cash()), h.Master().Cash().String())

		for _, p := range []*Portfolio{leaf, p1, h.Master()} {
			_, ok := p.GetPosition("AAPL")
			assert.False(t, ok, p.ID)
		}
	})

	t.Run("duplicate portfolio ids are rejected", func(t *testing.T) {
		h := NewHydra(decimal.Zero)
		_, err := h.NewPortfolio("p1", decimal.Zero)
		require.NoError(t, err)

		_, err = h.NewPortfolio("p1", decimal.Zero)
		assert.ErrorIs(t, err, models.ErrAlreadyExists)
	})

	t.Run("an attached portfolio adds its cash and trades to the tree", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(1000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))

		detached := NewPortfolio("p9", decimal.NewFromInt(500))
		require.NoError(t, detached.AddTracer(EventTracerType))
		require.NoError(t, h.Master().AddSubPortfolio(detached))

		assert.True(t, decimal.NewFromInt(1500).Equal(h.Master().Cash()))

		found, err := h.GetPortfolio("p9")
		require.NoError(t, err)
		assert.Same(t, detached, found)

		openFirstBar(t, h)

		_, err = detached.PlaceMarketOrder("AAPL", 1, "s", Eager)
		require.NoError(t, err)

		events, err := detached.EventTracer()
		require.NoError(t, err)
		assert.Len(t, events.Orders(), 1)

		_, ok := h.Master().GetPosition("AAPL")
		assert.True(t, ok)
	})
}

func TestPortfolioLedger(t *testing.T) {
	t.Run("a round trip realizes the price change and removes the position", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		require.NoError(t, h.Master().AddTracer(EventTracerType))
		openFirstBar(t, h)

		_, err := h.Master().PlaceMarketOrder("AAPL", 10, "s", Eager)
		require.NoError(t, err)

		nextBar(t, h)

		_, err = h.Master().PlaceMarketOrder("AAPL", -10, "s", Eager)
		require.NoError(t, err)

		_, ok := h.Master().GetPosition("AAPL")
		assert.False(t, ok)

		events, err := h.Master().EventTracer()
		require.NoError(t, err)
		require.Len(t, events.Trades(), 1)
		assert.True(t, decimal.NewFromInt(10).Equal(events.Trades()[0].RealizedPL))
		require.Len(t, events.Positions(), 1)
		assert.False(t, events.Positions()[0].IsOpen)
		assert.True(t, decimal.NewFromInt(10010).Equal(h.Master().Cash()))
	})

	t.Run("a fill that crosses zero closes the position and opens the remainder", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		require.NoError(t, h.Master().AddTracer(EventTracerType))
		openFirstBar(t, h)

		_, err := h.Master().PlaceMarketOrder("AAPL", 10, "s", Eager)
		require.NoError(t, err)

		nextBar(t, h)

		order, err := h.Master().PlaceMarketOrder("AAPL", -15, "s", Eager)
		require.NoError(t, err)
		assert.InDelta(t, -15, order.Units, 1e-9)

		position, ok := h.Master().GetPosition("AAPL")
		require.True(t, ok)
		assert.InDelta(t, -5, position.Units, 1e-9)
		assert.InDelta(t, 102, position.AveragePrice, 1e-9)
		assert.Equal(t, 1, position.TradeCount())
		assert.Len(t, h.Master().Positions(), 1)

		events, err := h.Master().EventTracer()
		require.NoError(t, err)
		require.Len(t, events.Trades(), 1)
		assert.True(t, decimal.NewFromInt(10).Equal(events.Trades()[0].RealizedPL))
		assert.Len(t, events.Orders(), 2)
	})

	t.Run("cash moves by notional and commission on every fill", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		b.SetCommissionScheme(1, 0.001, 0)

		openFirstBar(t, h)

		mp := h.Master()
		expected := mp.Cash()
		fill := func(units float64) {
			order, err := mp.PlaceMarketOrder("AAPL", units, "s", Eager)
			require.NoError(t, err)
			expected = expected.Sub(order.Notional()).Sub(b.CommissionScheme().Cost(order))
		}

		fill(10)
		fill(-4)
		nextBar(t, h)
		fill(-12)
		fill(6)

		assert.True(t, expected.Equal(mp.Cash()), "%s != %s", expected, mp.Cash())
	})

	t.Run("a pct target sizes off nlv and a repeat inside epsilon places nothing", func(t *testing.T) {
		h := newTestHydra(t, decimal.Zero, loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		p, err := h.NewPortfolio("p1", decimal.NewFromInt(10000))
		require.NoError(t, err)
		require.NoError(t, p.AddTracer(EventTracerType))

		openFirstBar(t, h)

		require.NoError(t, p.OrderTargetSize("AAPL", 0.01, "s", 0.001, TargetPct, Eager))

		position, ok := p.GetPosition("AAPL")
		require.True(t, ok)
		assert.InDelta(t, 100.0/101.0, position.Units, 1e-12)

		require.NoError(t, p.OrderTargetSize("AAPL", 0.01, "s", 0.001, TargetPct, Eager))

		events, err := p.EventTracer()
		require.NoError(t, err)
		assert.Len(t, events.Orders(), 1)
	})

	t.Run("allocations rebalance towards targets and close missing assets", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000),
			loadAsset(t, "AAPL", testIndex, testOpens, testCloses),
			loadAsset(t, "MSFT", testIndex, []float64{50, 50, 50, 50, 50}, []float64{50, 50, 50, 50, 50}),
		)
		mp := h.Master()
		openFirstBar(t, h)

		require.NoError(t, mp.OrderTargetAllocations(map[string]float64{"AAPL": 1010, "MSFT": 500}, "s", 0, Eager, TargetDollars, true))

		aapl, ok := mp.GetPosition("AAPL")
		require.True(t, ok)
		assert.InDelta(t, 10, aapl.Units, 1e-9)

		msft, ok := mp.GetPosition("MSFT")
		require.True(t, ok)
		assert.InDelta(t, 10, msft.Units, 1e-9)

		require.NoError(t, mp.OrderTargetAllocations(map[string]float64{"MSFT": 20}, "s", 0, Eager, TargetUnits, true))

		_, ok = mp.GetPosition("AAPL")
		assert.False(t, ok)

		msft, ok = mp.GetPosition("MSFT")
		require.True(t, ok)
		assert.InDelta(t, 20, msft.Units, 1e-9)
		assert.Equal(t, 1, msft.TradeCount())
	})

	t.Run("a market order on an asset that is not streaming fails", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000),
			loadAsset(t, "AAPL", testIndex, testOpens, testCloses),
			loadAsset(t, "XYZ", []int64{3000, 4000}, []float64{1, 1}, []float64{1, 1}),
		)
		openFirstBar(t, h)

		_, err := h.Master().PlaceMarketOrder("XYZ", 1, "s", Eager)
		assert.ErrorIs(t, err, models.ErrInvalidId)
	})
}

func TestPortfolioTracers(t *testing.T) {
	t.Run("duplicate tracers fail with already exists", func(t *testing.T) {
		p := NewPortfolio("p", decimal.Zero)

		require.NoError(t, p.AddTracer(ValueTracerType))
		assert.ErrorIs(t, p.AddTracer(ValueTracerType), models.ErrAlreadyExists)
	})

	t.Run("a missing tracer fails with invalid tracer type", func(t *testing.T) {
		p := NewPortfolio("p", decimal.Zero)

		_, err := p.BetaTracer()
		assert.ErrorIs(t, err, models.ErrInvalidTracerType)
	})

	t.Run("the value tracer records one row per bar", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		require.NoError(t, h.Master().AddTracer(ValueTracerType))
		openFirstBar(t, h)

		_, err := h.Master().PlaceMarketOrder("AAPL", 10, "s", Eager)
		require.NoError(t, err)

		nextBar(t, h)
		require.NoError(t, h.BackwardPass())

		values, err := h.Master().ValueTracer()
		require.NoError(t, err)
		history := values.History()
		require.Len(t, history, 2)

		assert.Equal(t, int64(1000), history[0].Datetime)
		assert.True(t, decimal.NewFromInt(10005).Equal(history[0].NLV), history[0].NLV.String())
		assert.True(t, decimal.NewFromInt(8990).Equal(history[0].Cash))
		assert.True(t, decimal.NewFromInt(10015).Equal(history[1].NLV), history[1].NLV.String())
	})

	t.Run("the order history of the tree is ordered by application", func(t *testing.T) {
		h := newTestHydra(t, decimal.Zero, loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		p1, err := h.NewPortfolio("p1", decimal.NewFromInt(10000))
		require.NoError(t, err)
		p2, err := h.NewPortfolio("p2", decimal.NewFromInt(10000))
		require.NoError(t, err)
		require.NoError(t, p1.AddTracer(EventTracerType))
		require.NoError(t, p2.AddTracer(EventTracerType))

		openFirstBar(t, h)

		_, err = p2.PlaceMarketOrder("AAPL", 1, "a", Eager)
		require.NoError(t, err)
		_, err = p1.PlaceMarketOrder("AAPL", 2, "b", Eager)
		require.NoError(t, err)
		_, err = p2.PlaceMarketOrder("AAPL", 3, "c", Eager)
		require.NoError(t, err)

		history := h.OrderHistory()
		require.Len(t, history, 3)
		assert.Equal(t, "a", history[0].StrategyID)
		assert.Equal(t, "b", history[1].StrategyID)
		assert.Equal(t, "c", history[2].StrategyID)
	})

	t.Run("a snapshot is detached from the ledger", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		_, err := h.NewPortfolio("p1", decimal.NewFromInt(1000))
		require.NoError(t, err)
		openFirstBar(t, h)

		_, err = h.Master().PlaceMarketOrder("AAPL", 10, "s", Eager)
		require.NoError(t, err)

		snapshot, err := h.Master().Snapshot()
		require.NoError(t, err)
		require.Len(t, snapshot.Positions, 1)
		require.Len(t, snapshot.Trades, 1)
		require.Len(t, snapshot.Children, 1)
		assert.Equal(t, "p1", snapshot.Children[0].ID)

		snapshot.Positions[0].Units = 99

		position, _ := h.Master().GetPosition("AAPL")
		assert.InDelta(t, 10, position.Units, 1e-9)
		assert.InDelta(t, 10, snapshot.Trades[0].Units, 1e-9)
	})
}
