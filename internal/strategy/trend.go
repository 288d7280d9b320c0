package strategy

import (
	"fmt"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/strategy/indicators"
)

// TrendConfig gates entries on the short-term trend of the 1m series.
type TrendConfig struct {
	Enabled          bool
	FastPeriod       int // EMA, e.g. 20
	SlowPeriod       int // EMA, e.g. 50
	RequireAboveVWAP bool
	VWAPWindow       int // candles, e.g. 120
}

// DefaultTrendConfig returns the trend filter parameters, disabled.
func DefaultTrendConfig() TrendConfig {
	return TrendConfig{
		FastPeriod:       20,
		SlowPeriod:       50,
		RequireAboveVWAP: true,
		VWAPWindow:       120,
	}
}

func (c TrendConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.FastPeriod <= 0 || c.SlowPeriod <= c.FastPeriod {
		return fmt.Errorf("trend EMA periods must satisfy 0 < fast < slow, got %d/%d", c.FastPeriod, c.SlowPeriod)
	}
	if c.RequireAboveVWAP && c.VWAPWindow <= 0 {
		return fmt.Errorf("VWAP window must be positive")
	}
	return nil
}

// requiredCandles is zero when the filter is off.
func (c TrendConfig) requiredCandles() int {
	if !c.Enabled {
		return 0
	}
	if c.RequireAboveVWAP && c.VWAPWindow > c.SlowPeriod {
		return c.VWAPWindow
	}
	return c.SlowPeriod
}

// trendState is the outcome of the trend check for one snapshot.
type trendState struct {
	fastEMA float64
	slowEMA float64
	vwap    float64
	ok      bool
	reason  string
}

// checkTrend requires EMA fast above EMA slow and, optionally, the last close at or above VWAP.
func (c TrendConfig) checkTrend(candles []*domain.Candle) trendState {
	closes := indicators.Closes(candles)
	fast, err := indicators.EMA(closes, c.FastPeriod)
	if err != nil {
		return trendState{reason: "trend data unavailable"}
	}
	slow, err := indicators.EMA(closes, c.SlowPeriod)
	if err != nil {
		return trendState{reason: "trend data unavailable"}
	}
	st := trendState{fastEMA: fast, slowEMA: slow}
	if fast <= slow {
		st.reason = "EMA fast below slow"
		return st
	}
	if c.RequireAboveVWAP {
		vwap, ok := indicators.VWAP(candles, c.VWAPWindow)
		if !ok {
			st.reason = "VWAP unavailable"
			return st
		}
		st.vwap = vwap
		if closes[len(closes)-1] < vwap {
			st.reason = "price below VWAP"
			return st
		}
	}
	st.ok = true
	return st
}
