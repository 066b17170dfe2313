package models

// OrderCache resolves orders by id. Parent links between orders are stored as ids and looked up here.
type OrderCache struct {
	container map[int]*Order
}

func (c *OrderCache) Add(order *Order) {
	c.container[order.ID] = order
}

func (c *OrderCache) Get(orderID int) (*Order, bool) {
	order, ok := c.container[orderID]
	return order, ok
}

func (c *OrderCache) Remove(orderID int) {
	delete(c.container, orderID)
}

func (c *OrderCache) Len() int {
	return len(c.container)
}

func (c *OrderCache) Clear() {
	c.container = make(map[int]*Order)
}

func NewOrderCache() *OrderCache {
	return &OrderCache{
		container: make(map[int]*Order),
	}
}

// TradeCache resolves open trades by id.
type TradeCache struct {
	container map[int]*Trade
}

func (c *TradeCache) Add(trade *Trade) {
	c.container[trade.ID] = trade
}

func (c *TradeCache) Get(tradeID int) (*Trade, bool) {
	trade, ok := c.container[tradeID]
	return trade, ok
}

func (c *TradeCache) Remove(tradeID int) {
	delete(c.container, tradeID)
}

func (c *TradeCache) Len() int {
	return len(c.container)
}

func (c *TradeCache) Clear() {
	c.container = make(map[int]*Trade)
}

func NewTradeCache() *TradeCache {
	return &TradeCache{
		container: make(map[int]*Trade),
	}
}
