package backtester

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/hydra-backtester/src/models"
)

const replayStrategyID = "replay"

// replayStrategy places recorded fills as market orders at the bar and phase they originally filled in.
type replayStrategy struct {
	h       *Hydra
	onOpen  map[int64][]*models.Order
	onClose map[int64][]*models.Order
}

func (s *replayStrategy) OnOpen() error {
	return s.place(s.onOpen[s.h.hydraTime])
}

func (s *replayStrategy) OnClose() error {
	return s.place(s.onClose[s.h.hydraTime])
}

func (s *replayStrategy) place(orders []*models.Order) error {
	for _, recorded := range orders {
		p, err := s.h.GetPortfolio(recorded.PortfolioID)
		if err != nil {
			return fmt.Errorf("replay order %d: %w", recorded.ID, err)
		}

		if _, err := p.PlaceMarketOrder(recorded.AssetID, recorded.Units, recorded.StrategyID, Eager, WithTradeID(recorded.TradeID)); err != nil {
			return fmt.Errorf("replay order %d: %w", recorded.ID, err)
		}
	}

	return nil
}

func newReplayStrategy(h *Hydra, history []*models.Order) *replayStrategy {
	s := &replayStrategy{
		h:       h,
		onOpen:  make(map[int64][]*models.Order),
		onClose: make(map[int64][]*models.Order),
	}

	for _, order := range history {
		if order.FilledOnClose {
			s.onClose[order.FillTime] = append(s.onClose[order.FillTime], order)
		} else {
			s.onOpen[order.FillTime] = append(s.onOpen[order.FillTime], order)
		}
	}

	return s
}

// Replay rewinds the simulation and runs it again from the recorded order history instead of the
// registered strategies. Trade ids are reissued in the same order, so every fill lands on the trade it
// originally did. The registered strategies are restored afterwards.
func (h *Hydra) Replay(ctx context.Context) error {
	history := h.OrderHistory()
	if len(history) == 0 {
		return fmt.Errorf("Hydra.Replay: no recorded orders, add an event tracer: %w", models.ErrInvalidArrayLength)
	}

	strategies, strategyIDs := h.strategies, h.strategyIDs
	defer func() {
		h.strategies, h.strategyIDs = strategies, strategyIDs
	}()

	if err := h.Reset(true, true); err != nil {
		return fmt.Errorf("Hydra.Replay: %w", err)
	}

	if err := h.RegisterStrategy(replayStrategyID, newReplayStrategy(h, history), false); err != nil {
		return fmt.Errorf("Hydra.Replay: %w", err)
	}

	log.WithFields(log.Fields{
		"run_id": h.RunID(),
		"orders": len(history),
	}).Info("replaying order history")

	if err := h.Run(ctx, 0, 0); err != nil {
		return fmt.Errorf("Hydra.Replay: %w", err)
	}

	return nil
}
