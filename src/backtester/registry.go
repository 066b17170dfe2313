package backtester

import (
	"github.com/asaskevich/EventBus"

	"github.com/jiaming2012/hydra-backtester/src/exchange"
	"github.com/jiaming2012/hydra-backtester/src/models"
)

// registry holds the state shared by every node of one simulation graph. Nothing in it is shared across
// simulations.
type registry struct {
	exchanges *exchange.ExchangeMap
	brokers   *BrokerMap
	ids       *models.IDGenerator
	orders    *models.OrderCache
	trades    *models.TradeCache
	bus       EventBus.Bus
	sequence  int
	isBuilt   bool
}

func (r *registry) nextSequence() int {
	r.sequence++
	return r.sequence
}

// reset drops every cached order and trade and restarts the id counters.
func (r *registry) reset() {
	r.ids = models.NewIDGenerator()
	r.orders.Clear()
	r.trades.Clear()
	r.sequence = 0
}

func newRegistry(exchanges *exchange.ExchangeMap) *registry {
	return &registry{
		exchanges: exchanges,
		brokers:   NewBrokerMap(),
		ids:       models.NewIDGenerator(),
		orders:    models.NewOrderCache(),
		trades:    models.NewTradeCache(),
		bus:       EventBus.New(),
	}
}
