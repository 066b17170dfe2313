package backtester

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

func TestBrokerOrders(t *testing.T) {
	t.Run("lazy orders fill only when the buffer is flushed", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		openFirstBar(t, h)

		order, err := h.Master().PlaceMarketOrder("AAPL", 10, "s", Lazy)
		require.NoError(t, err)

		assert.Equal(t, models.OrderStatePending, order.State)
		assert.Len(t, b.BufferedOrders(), 1)
		_, ok := h.Master().GetPosition("AAPL")
		assert.False(t, ok)

		require.NoError(t, h.OnOpen())

		assert.Equal(t, models.OrderStateFilled, order.State)
		assert.Empty(t, b.BufferedOrders())
		_, ok = h.Master().GetPosition("AAPL")
		assert.True(t, ok)
	})

	t.Run("a limit order rests until the price reaches it", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		openFirstBar(t, h)

		// sell limit above the market
		order, err := h.Master().PlaceLimitOrder("AAPL", -10, 102.2, "s", Eager)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStateOpen, order.State)
		assert.Len(t, b.OpenOrders(), 1)

		// the close of 101.5 and the open of 102 are both below the limit
		nextBar(t, h)
		assert.Equal(t, models.OrderStateOpen, order.State)

		// the close of 102.5 fills it
		require.NoError(t, h.BackwardPass())
		assert.Equal(t, models.OrderStateFilled, order.State)
		assert.True(t, order.FilledOnClose)
		assert.InDelta(t, 102.5, order.AveragePrice, 1e-9)
		assert.Empty(t, b.OpenOrders())

		position, ok := h.Master().GetPosition("AAPL")
		require.True(t, ok)
		assert.InDelta(t, -10, position.Units, 1e-9)
	})

	t.Run("canceling a parent order cancels its children", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		openFirstBar(t, h)

		order, err := h.Master().PlaceLimitOrder("AAPL", 10, 90, "s", Eager, WithStopLoss(80), WithTakeProfit(120))
		require.NoError(t, err)
		require.Len(t, order.ChildOrders, 2)
		children := append([]*models.Order{}, order.ChildOrders...)

		require.NoError(t, b.CancelOrder(order.ID))

		assert.Equal(t, models.OrderStateCanceled, order.State)
		for _, child := range children {
			assert.Equal(t, models.OrderStateCanceled, child.State)
		}
		assert.Empty(t, b.OpenOrders())

		e, err := h.GetExchange("nyse")
		require.NoError(t, err)
		assert.Empty(t, e.Orders())
	})

	t.Run("canceling an unknown order fails with invalid id", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)

		assert.ErrorIs(t, b.CancelOrder(42), models.ErrInvalidId)
	})

	t.Run("a take profit closes the trade and cancels its stop loss", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		openFirstBar(t, h)

		_, err = h.Master().PlaceMarketOrder("AAPL", 10, "s", Eager, WithStopLoss(95), WithTakeProfit(103.2))
		require.NoError(t, err)

		position, ok := h.Master().GetPosition("AAPL")
		require.True(t, ok)
		trade := position.Trades()[0]
		require.Len(t, trade.OpenOrders, 2)
		assert.Len(t, b.OpenOrders(), 2)

		stopLoss := trade.OpenOrders[0]
		assert.Equal(t, models.StopLossOrder, stopLoss.Type)
		assert.InDelta(t, -10, stopLoss.Units, 1e-9)

		nextBar(t, h)
		nextBar(t, h)

		// the close of 103.5 reaches the take profit
		require.NoError(t, h.BackwardPass())

		_, ok = h.Master().GetPosition("AAPL")
		assert.False(t, ok)
		assert.False(t, trade.IsOpen)
		assert.Equal(t, models.OrderStateCanceled, stopLoss.State)
		assert.Empty(t, b.OpenOrders())
		assert.True(t, decimal.NewFromInt(10025).Equal(h.Master().Cash()), h.Master().Cash().String())
	})

	t.Run("a stop loss that fills on placement cancels its take profit", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		e, err := h.GetExchange("nyse")
		require.NoError(t, err)
		openFirstBar(t, h)

		// the open of 101 is already through the stop
		order, err := h.Master().PlaceMarketOrder("AAPL", 10, "s", Eager, WithStopLoss(104), WithTakeProfit(102))
		require.NoError(t, err)
		assert.Equal(t, models.OrderStateFilled, order.State)

		_, ok := h.Master().GetPosition("AAPL")
		assert.False(t, ok)
		assert.Empty(t, b.OpenOrders())
		assert.Empty(t, e.Orders())
		assert.True(t, decimal.NewFromInt(10000).Equal(h.Master().Cash()), h.Master().Cash().String())

		// the close of 102.5 would have reached the take profit
		nextBar(t, h)
		require.NoError(t, h.BackwardPass())

		_, ok = h.Master().GetPosition("AAPL")
		assert.False(t, ok)
		assert.True(t, decimal.NewFromInt(10000).Equal(h.Master().Cash()), h.Master().Cash().String())
	})

	t.Run("a take profit that fills in the same pass as its stop loss is dropped", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		openFirstBar(t, h)

		_, err = h.Master().PlaceMarketOrder("AAPL", 10, "s", Eager, WithStopLoss(95), WithTakeProfit(102.2))
		require.NoError(t, err)

		position, ok := h.Master().GetPosition("AAPL")
		require.True(t, ok)
		trade := position.Trades()[0]
		require.Len(t, trade.OpenOrders, 2)
		stopLoss, takeProfit := trade.OpenOrders[0], trade.OpenOrders[1]

		nextBar(t, h)
		assert.Len(t, b.OpenOrders(), 2)

		// a stop above the market matches together with the take profit at the close of 102.5
		stopLoss.Limit = 200
		require.NoError(t, h.BackwardPass())

		assert.Equal(t, models.OrderStateFilled, stopLoss.State)
		assert.Equal(t, models.OrderStateCanceled, takeProfit.State)
		assert.Zero(t, takeProfit.AveragePrice)
		assert.Empty(t, b.OpenOrders())

		_, ok = h.Master().GetPosition("AAPL")
		assert.False(t, ok)
		assert.True(t, decimal.NewFromInt(10015).Equal(h.Master().Cash()), h.Master().Cash().String())
	})

	t.Run("orders need units and a positive limit", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		openFirstBar(t, h)

		_, err := h.Master().PlaceMarketOrder("AAPL", 0, "s", Eager)
		assert.ErrorIs(t, err, models.ErrInvalidArrayValues)

		_, err = h.Master().PlaceLimitOrder("AAPL", 10, 0, "s", Eager)
		assert.ErrorIs(t, err, models.ErrInvalidArrayValues)

		_, err = h.Master().PlaceMarketOrder("AAPL", 10, "s", Eager, WithStopLoss(-1))
		assert.ErrorIs(t, err, models.ErrInvalidArrayValues)
	})
}

func TestBrokerMargin(t *testing.T) {
	t.Run("an order the cash cannot cover is rejected", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(1000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		b.SetCommissionScheme(0, 0, 1)
		openFirstBar(t, h)

		order, err := h.Master().PlaceMarketOrder("AAPL", 10, "s", Eager, WithStopLoss(90))
		require.NoError(t, err)

		assert.Equal(t, models.OrderStateRejected, order.State)
		require.NotNil(t, order.RejectReason)
		assert.Contains(t, *order.RejectReason, models.ErrInsufficientMargin.Error())
		for _, child := range order.ChildOrders {
			assert.Equal(t, models.OrderStateCanceled, child.State)
		}

		_, ok := h.Master().GetPosition("AAPL")
		assert.False(t, ok)
		assert.True(t, decimal.NewFromInt(1000).Equal(h.Master().Cash()))
		assert.True(t, decimal.NewFromInt(1000000).Equal(b.Cash()))
	})

	t.Run("orders within margin fill and reductions are never checked", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(1000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		b.SetCommissionScheme(0, 0, 1)
		openFirstBar(t, h)

		order, err := h.Master().PlaceMarketOrder("AAPL", 9, "s", Eager)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStateFilled, order.State)

		// 91 of cash left
		order, err = h.Master().PlaceMarketOrder("AAPL", -9, "s", Eager)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStateFilled, order.State)
		assert.True(t, decimal.NewFromInt(1000).Equal(h.Master().Cash()))
	})

	t.Run("a fractional rate allows leverage", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(1000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		b.SetCommissionScheme(0, 0, 0.5)
		openFirstBar(t, h)

		order, err := h.Master().PlaceMarketOrder("AAPL", 10, "s", Eager)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStateFilled, order.State)
		assert.True(t, decimal.NewFromInt(-10).Equal(h.Master().Cash()), h.Master().Cash().String())

		// 20 more units need 1020 of margin
		order, err = h.Master().PlaceLimitOrder("AAPL", 20, 102, "s", Eager)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStateRejected, order.State)
	})
}

func TestBrokerCash(t *testing.T) {
	t.Run("broker cash and account track fills and commission", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		b.SetCommissionScheme(2, 0, 0)
		b.EnableAccount()
		openFirstBar(t, h)

		_, err = h.Master().PlaceMarketOrder("AAPL", 10, "s", Eager)
		require.NoError(t, err)

		assert.True(t, decimal.NewFromInt(1000000-1010-2).Equal(b.Cash()), b.Cash().String())
		assert.True(t, decimal.NewFromInt(10000-1010-2).Equal(h.Master().Cash()))

		account, ok := b.Account()
		require.True(t, ok)
		assert.InDelta(t, 10, account.Units("AAPL"), 1e-9)
		assert.True(t, b.Cash().Equal(account.Cash), account.Cash.String())

		b.Reset()
		assert.True(t, decimal.NewFromInt(1000000).Equal(b.Cash()))
		assert.InDelta(t, 0, account.Units("AAPL"), 1e-9)
	})

	t.Run("closing a position of several trades pays commission once", func(t *testing.T) {
		h := newTestHydra(t, decimal.NewFromInt(10000), loadAsset(t, "AAPL", testIndex, testOpens, testCloses))
		b, err := h.GetBroker("ibkr")
		require.NoError(t, err)
		b.SetCommissionScheme(2, 0, 0)
		openFirstBar(t, h)

		_, err = h.Master().PlaceMarketOrder("AAPL", 10, "s", Eager)
		require.NoError(t, err)
		_, err = h.Master().PlaceMarketOrder("AAPL", 5, "s", Eager)
		require.NoError(t, err)

		position, ok := h.Master().GetPosition("AAPL")
		require.True(t, ok)
		assert.Equal(t, 2, position.TradeCount())

		nextBar(t, h)
		require.NoError(t, h.Master().ClosePosition("AAPL", "s"))

		// bought 15 at 101 and sold 15 at 102, with three commissions of 2
		assert.True(t, decimal.NewFromInt(10009).Equal(h.Master().Cash()), h.Master().Cash().String())
		assert.True(t, decimal.NewFromInt(1000009).Equal(b.Cash()), b.Cash().String())
	})

	t.Run("commission is flat plus a percent of notional", func(t *testing.T) {
		scheme := CommissionScheme{Flat: 1, Pct: 0.01}
		order := &models.Order{Units: -10, AveragePrice: 50}

		assert.True(t, decimal.NewFromInt(6).Equal(scheme.Cost(order)))
		assert.True(t, CommissionScheme{}.Cost(order).IsZero())
	})

	t.Run("duplicate brokers are rejected", func(t *testing.T) {
		h := NewHydra(decimal.Zero)
		_, err := h.NewBroker("ibkr", decimal.Zero)
		require.NoError(t, err)

		_, err = h.NewBroker("ibkr", decimal.Zero)
		assert.ErrorIs(t, err, models.ErrAlreadyExists)
	})
}
