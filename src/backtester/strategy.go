package backtester

// Strategy is invoked once per bar, at the open and then at the close. Strategies place orders through the
// portfolio API.
type Strategy interface {
	OnOpen() error
	OnClose() error
}

// StrategyFuncs adapts a pair of functions to Strategy. A nil function is skipped.
type StrategyFuncs struct {
	Open  func() error
	Close func() error
}

func (s StrategyFuncs) OnOpen() error {
	if s.Open == nil {
		return nil
	}
	return s.Open()
}

func (s StrategyFuncs) OnClose() error {
	if s.Close == nil {
		return nil
	}
	return s.Close()
}
