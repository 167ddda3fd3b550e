package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar date format of backtest and replay windows
const DateLayout = "2006-01-02"

// BacktestRequest describes one backtest run
type BacktestRequest struct {
	Symbol         string             `json:"symbol"`
	StartDate      string             `json:"start_date"`
	EndDate        string             `json:"end_date"`
	Interval       Timeframe          `json:"interval,omitempty"`
	InitialCapital decimal.Decimal    `json:"initial_capital"`
	Strategy       string             `json:"strategy"`
	Parameters     map[string]float64 `json:"parameters,omitempty"`
}

// Window parses the request dates. The end date is inclusive, so the
// returned end is the last instant of that day.
func (r BacktestRequest) Window() (start, end time.Time, err error) {
	return ParseWindow(r.StartDate, r.EndDate)
}

// Validate checks everything except the strategy, which the backtester owns
func (r BacktestRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfiguration)
	}
	if _, _, err := r.Window(); err != nil {
		return err
	}
	if !r.InitialCapital.IsPositive() {
		return fmt.Errorf("%w: initial capital must be positive", ErrInvalidConfiguration)
	}
	if r.Interval != "" && !r.Interval.Valid() {
		return fmt.Errorf("%w: unknown interval %q", ErrInvalidConfiguration, r.Interval)
	}
	return nil
}

// ParseWindow parses a [start, end] calendar window in UTC. The end date
// is inclusive and must fall after the start date.
func ParseWindow(startDate, endDate string) (start, end time.Time, err error) {
	start, err = parseDate(startDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start_date: %v", ErrInvalidConfiguration, err)
	}
	end, err = parseDate(endDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_date: %v", ErrInvalidConfiguration, err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_date must be after start_date", ErrInvalidConfiguration)
	}
	return start, end.Add(24*time.Hour - time.Nanosecond), nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

// Trade is one closed position
type Trade struct {
	EntryTime  time.Time       `json:"entry_ts"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitTime   time.Time       `json:"exit_ts"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Return     decimal.Decimal `json:"return"`
}

// Won reports whether the trade closed with a positive return
func (t Trade) Won() bool {
	return t.Return.IsPositive()
}

// EquityCurvePoint is the portfolio value at one bar
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
}

// BacktestResult is built once per run and never persisted by the engine
type BacktestResult struct {
	ID          string              `json:"id"`
	Symbol      string              `json:"symbol"`
	Strategy    string              `json:"strategy"`
	EquityCurve []EquityCurvePoint  `json:"equity_curve"`
	Trades      []Trade             `json:"trades"`
	ROI         decimal.Decimal     `json:"roi"`
	HitRate     decimal.NullDecimal `json:"hit_rate"` // null when no trade closed
	FinalValue  decimal.Decimal     `json:"final_value"`
	MaxDrawdown decimal.Decimal     `json:"max_drawdown"`
	TradeCount  int                 `json:"trade_count"`
	WinCount    int                 `json:"win_count"`
	Chart       *ChartOverlay       `json:"chart,omitempty"`
}

// ChartOverlay is the renderable price and indicator overlay of a run
type ChartOverlay struct {
	Timestamps []time.Time `json:"timestamps"`
	Close      []float64   `json:"close"`
	// Lines hold one value per timestamp; nil marks a warm-up gap
	Lines   map[string][]*float64 `json:"lines"`
	Markers []ChartMarker         `json:"markers"`
}

// ChartMarker marks an entry or exit on the chart
type ChartMarker struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Side      string    `json:"side"`
	Label     string    `json:"label"`
}
