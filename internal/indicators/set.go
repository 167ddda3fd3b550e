package indicators

import (
	"time"

	"github.com/atlas-desktop/signal-backend/pkg/types"
)

// Params selects the periods of every indicator in a Set
type Params struct {
	RSIPeriod  int     `mapstructure:"rsi_period" json:"rsi_period"`
	MACDFast   int     `mapstructure:"macd_fast" json:"macd_fast"`
	MACDSlow   int     `mapstructure:"macd_slow" json:"macd_slow"`
	MACDSignal int     `mapstructure:"macd_signal" json:"macd_signal"`
	BBPeriod   int     `mapstructure:"bb_period" json:"bb_period"`
	BBStdDev   float64 `mapstructure:"bb_std_dev" json:"bb_std_dev"`
	EMAShort   int     `mapstructure:"ema_short" json:"ema_short"`
	EMALong    int     `mapstructure:"ema_long" json:"ema_long"`
	HiLoPeriod int     `mapstructure:"hilo_period" json:"hilo_period"`
	HMAPeriod  int     `mapstructure:"hma_period" json:"hma_period"`
	VWAPAnchor int     `mapstructure:"vwap_anchor" json:"vwap_anchor"`
	CrossEMAs  []int   `mapstructure:"cross_emas" json:"cross_emas"`
}

// DefaultParams returns the standard indicator periods
func DefaultParams() Params {
	return Params{
		RSIPeriod:  14,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
		BBPeriod:   20,
		BBStdDev:   2,
		EMAShort:   50,
		EMALong:    200,
		HiLoPeriod: 34,
		HMAPeriod:  21,
		VWAPAnchor: 0,
		CrossEMAs:  []int{17, 34, 72, 144},
	}
}

// Lookback returns the number of bars needed for every indicator to be
// defined at the last bar, plus one bar for cross detection.
func (p Params) Lookback() int {
	n := max(p.RSIPeriod+1, p.MACDSlow+p.MACDSignal, p.BBPeriod, p.EMALong, p.HiLoPeriod+1, p.HMAPeriod*2)
	for _, period := range p.CrossEMAs {
		n = max(n, period)
	}
	return n + 1
}

// Set is every indicator computed over one bar series
type Set struct {
	Params     Params
	Timestamps []time.Time
	Open       []float64
	High       []float64
	Low        []float64
	Close      []float64
	Volume     []float64

	RSI       []float64
	MACD      MACDResult
	Bollinger BollingerResult
	EMACross  CrossResult
	HiLo      HiLoResult
	HMA       []float64
	VWAP      []float64
	EMAs      map[int][]float64
}

// Compute derives every indicator in p from bars, which must be sorted by
// timestamp.
func Compute(bars []*types.OHLCV, p Params) *Set {
	n := len(bars)
	s := &Set{
		Params:     p,
		Timestamps: make([]time.Time, n),
		Open:       make([]float64, n),
		High:       make([]float64, n),
		Low:        make([]float64, n),
		Close:      make([]float64, n),
		Volume:     make([]float64, n),
		EMAs:       make(map[int][]float64, len(p.CrossEMAs)),
	}
	for i, bar := range bars {
		s.Timestamps[i] = bar.Timestamp
		s.Open[i] = bar.Open.InexactFloat64()
		s.High[i] = bar.High.InexactFloat64()
		s.Low[i] = bar.Low.InexactFloat64()
		s.Close[i] = bar.Close.InexactFloat64()
		s.Volume[i] = bar.Volume.InexactFloat64()
	}

	s.RSI = RSI(s.Close, p.RSIPeriod)
	s.MACD = MACD(s.Close, p.MACDFast, p.MACDSlow, p.MACDSignal)
	s.Bollinger = Bollinger(s.Close, p.BBPeriod, p.BBStdDev)
	s.EMACross = EMACross(s.Close, p.EMAShort, p.EMALong)
	s.HiLo = HiLo(s.High, s.Low, s.Close, p.HiLoPeriod)
	s.HMA = HMA(s.Close, p.HMAPeriod)
	s.VWAP = VWAP(s.High, s.Low, s.Close, s.Volume, p.VWAPAnchor)
	for _, period := range p.CrossEMAs {
		s.EMAs[period] = EMA(s.Close, period)
	}
	return s
}

// Len returns the number of bars in the set
func (s *Set) Len() int {
	return len(s.Close)
}

// SnapshotAt returns every indicator value at bar i
func (s *Set) SnapshotAt(i int) types.IndicatorSnapshot {
	snap := types.IndicatorSnapshot{
		Timestamp:  s.Timestamps[i],
		Close:      s.Close[i],
		RSI:        s.RSI[i],
		MACD:       s.MACD.Line[i],
		MACDSignal: s.MACD.Signal[i],
		BBUpper:    s.Bollinger.Upper[i],
		BBMiddle:   s.Bollinger.Middle[i],
		BBLower:    s.Bollinger.Lower[i],
		EMAShort:   s.EMACross.Short[i],
		EMALong:    s.EMACross.Long[i],
		HiLoHigh:   s.HiLo.High[i],
		HiLoLow:    s.HiLo.Low[i],
		HMA:        s.HMA[i],
		VWAP:       s.VWAP[i],
		EMAs:       make(map[int]float64, len(s.EMAs)),
	}
	for period, series := range s.EMAs {
		snap.EMAs[period] = series[i]
	}
	return snap
}
