package backtester

import (
	"fmt"

	"github.com/kataras/go-events"
)

// Ledger topics published on the simulation's event bus. Every topic is scoped to one portfolio.
const (
	TopicOrderFilled    = "order_filled"
	TopicTradeOpened    = "trade_opened"
	TopicTradeClosed    = "trade_closed"
	TopicPositionOpened = "position_opened"
	TopicPositionClosed = "position_closed"
)

func portfolioTopic(topic, portfolioID string) string {
	return fmt.Sprintf("%s:%s", topic, portfolioID)
}

// Lifecycle events emitted by a Hydra.
const (
	EventBuild events.EventName = "hydra_build"
	EventStep  events.EventName = "hydra_step"
	EventDone  events.EventName = "hydra_done"
	EventReset events.EventName = "hydra_reset"
)

// StepEvent is the payload of EventStep.
type StepEvent struct {
	RunID    string
	Index    int
	Total    int
	Datetime int64
}
