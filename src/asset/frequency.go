package asset

import "fmt"

type Frequency int

const (
	Tick Frequency = iota
	Minute1
	Minute5
	Minute15
	Minute30
	Hour1
	Day1
)

func (f Frequency) String() string {
	switch f {
	case Tick:
		return "tick"
	case Minute1:
		return "1m"
	case Minute5:
		return "5m"
	case Minute15:
		return "15m"
	case Minute30:
		return "30m"
	case Hour1:
		return "1h"
	case Day1:
		return "1d"
	default:
		return fmt.Sprintf("frequency(%d)", int(f))
	}
}

// ParseFrequency accepts the short names returned by String.
func ParseFrequency(s string) (Frequency, error) {
	switch s {
	case "tick":
		return Tick, nil
	case "1m":
		return Minute1, nil
	case "5m":
		return Minute5, nil
	case "15m":
		return Minute15, nil
	case "30m":
		return Minute30, nil
	case "1h":
		return Hour1, nil
	case "1d", "":
		return Day1, nil
	default:
		return 0, fmt.Errorf("ParseFrequency: unknown frequency %q", s)
	}
}
