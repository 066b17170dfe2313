package models

// IDGenerator hands out order, trade and position ids for one simulation. It is owned by the driver so
// independent simulations never share counters.
type IDGenerator struct {
	nextOrderID    int
	nextTradeID    int
	nextPositionID int
}

func (g *IDGenerator) NextOrderID() int {
	id := g.nextOrderID
	g.nextOrderID++
	return id
}

func (g *IDGenerator) NextTradeID() int {
	id := g.nextTradeID
	g.nextTradeID++
	return id
}

func (g *IDGenerator) NextPositionID() int {
	id := g.nextPositionID
	g.nextPositionID++
	return id
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}
