package backtester

import (
	"fmt"
	"math"
	"strings"

	"github.com/atlas-desktop/signal-backend/internal/indicators"
	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// Action is what a strategy wants at one bar
type Action int

const (
	Hold Action = iota
	Enter
	Exit
)

func (a Action) String() string {
	switch a {
	case Enter:
		return "enter"
	case Exit:
		return "exit"
	default:
		return "hold"
	}
}

// Strategy is one of SMACrossover, HMATrend or VWAPTrend. The unexported
// method keeps the set closed to this package.
type Strategy interface {
	Name() string
	prepare(bars []*types.OHLCV) signaler
}

// signaler is a strategy bound to one bar series
type signaler interface {
	// Signal returns the action at bar i
	Signal(i int) Action
	// WarmUp returns the first bar index the strategy can act on, or the
	// series length when it never can
	WarmUp() int
	// Lines returns the indicator series drawn on the chart overlay
	Lines() map[string][]float64
}

// SMACrossover enters when SMA(Short) crosses above SMA(Long) and exits on
// the reverse cross
type SMACrossover struct {
	Short int `json:"short_window"`
	Long  int `json:"long_window"`
}

// HMATrend enters when the close crosses above HMA(Period) and exits when
// it crosses below
type HMATrend struct {
	Period int `json:"period"`
}

// VWAPTrend enters when the close crosses above the VWAP anchored at the
// first bar and exits when it crosses below
type VWAPTrend struct{}

func (SMACrossover) Name() string { return "SMA" }
func (HMATrend) Name() string     { return "HMA" }
func (VWAPTrend) Name() string    { return "VWAP" }

func (s SMACrossover) prepare(bars []*types.OHLCV) signaler {
	closes := closesOf(bars)
	short := indicators.SMA(closes, s.Short)
	long := indicators.SMA(closes, s.Long)
	return newCrossSignaler(short, long, map[string][]float64{
		fmt.Sprintf("sma_%d", s.Short): short,
		fmt.Sprintf("sma_%d", s.Long):  long,
	})
}

func (s HMATrend) prepare(bars []*types.OHLCV) signaler {
	closes := closesOf(bars)
	hma := indicators.HMA(closes, s.Period)
	return newCrossSignaler(closes, hma, map[string][]float64{
		fmt.Sprintf("hma_%d", s.Period): hma,
	})
}

func (VWAPTrend) prepare(bars []*types.OHLCV) signaler {
	n := len(bars)
	highs, lows, closes, volumes := make([]float64, n), make([]float64, n), make([]float64, n), make([]float64, n)
	for i, b := range bars {
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
		closes[i] = b.Close.InexactFloat64()
		volumes[i] = b.Volume.InexactFloat64()
	}
	vwap := indicators.VWAP(highs, lows, closes, volumes, 0)
	return newCrossSignaler(closes, vwap, map[string][]float64{"vwap": vwap})
}

// crossSignaler enters when a crosses above b and exits when it crosses
// below. On the first bar where both are defined the prior state counts as
// below, so a series that starts out above enters immediately.
type crossSignaler struct {
	a, b   []float64
	warmUp int
	lines  map[string][]float64
}

func newCrossSignaler(a, b []float64, lines map[string][]float64) *crossSignaler {
	n := min(len(a), len(b))
	warmUp := n
	for i := 0; i < n; i++ {
		if !indicators.IsAbsent(a[i]) && !indicators.IsAbsent(b[i]) {
			warmUp = i
			break
		}
	}
	return &crossSignaler{a: a, b: b, warmUp: warmUp, lines: lines}
}

func (c *crossSignaler) WarmUp() int                 { return c.warmUp }
func (c *crossSignaler) Lines() map[string][]float64 { return c.lines }

func (c *crossSignaler) Signal(i int) Action {
	if i < c.warmUp || i >= len(c.a) || i >= len(c.b) {
		return Hold
	}
	curA, curB := c.a[i], c.b[i]
	if indicators.IsAbsent(curA) || indicators.IsAbsent(curB) {
		return Hold
	}
	if i == c.warmUp {
		if indicators.Above(curA, curB) {
			return Enter
		}
		return Hold
	}

	prevA, prevB := c.a[i-1], c.b[i-1]
	switch {
	case indicators.CrossedAbove(prevA, prevB, curA, curB):
		return Enter
	case indicators.CrossedBelow(prevA, prevB, curA, curB):
		return Exit
	default:
		return Hold
	}
}

func closesOf(bars []*types.OHLCV) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

// ParseStrategy builds a strategy from its request name and parameters
func ParseStrategy(name string, params map[string]float64) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "SMA":
		short, err := intParam(params, "short_window")
		if err != nil {
			return nil, err
		}
		long, err := intParam(params, "long_window")
		if err != nil {
			return nil, err
		}
		if short >= long {
			return nil, fmt.Errorf("%w: short_window (%d) must be less than long_window (%d)",
				types.ErrInvalidConfiguration, short, long)
		}
		return SMACrossover{Short: short, Long: long}, nil

	case "HMA":
		period, err := intParam(params, "period")
		if err != nil {
			return nil, err
		}
		return HMATrend{Period: period}, nil

	case "VWAP":
		return VWAPTrend{}, nil

	case "":
		return nil, fmt.Errorf("%w: strategy is required", types.ErrInvalidConfiguration)

	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", types.ErrInvalidConfiguration, name)
	}
}

func intParam(params map[string]float64, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing parameter %s", types.ErrInvalidConfiguration, key)
	}
	if v <= 0 || v != math.Trunc(v) || v > math.MaxInt32 {
		return 0, fmt.Errorf("%w: parameter %s must be a positive integer, got %v",
			types.ErrInvalidConfiguration, key, v)
	}
	return int(v), nil
}
