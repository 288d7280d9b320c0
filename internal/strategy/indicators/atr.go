package indicators

import (
	"context"
	"fmt"
	"math"

	"upbitScalper/internal/domain"
)

// ATRConfig holds configuration for the Average True Range indicator
type ATRConfig struct {
	IndicatorConfig
	Percent bool // Each true range as a percentage of the previous close
}

// ATR is the Wilder-smoothed Average True Range.
type ATR struct {
	BaseIndicator
	percent bool
}

// NewATR creates a new Average True Range indicator instance
func NewATR(config ATRConfig) *ATR {
	return &ATR{BaseIndicator: BaseIndicator{Config: config.IndicatorConfig}, percent: config.Percent}
}

func (a *ATR) Name() string {
	if a.percent {
		return "ATR%"
	}
	return "ATR"
}

// RequiredDataPoints is period+1: every true range needs a previous close.
func (a *ATR) RequiredDataPoints() int { return a.Config.Period + 1 }

// Calculate returns the ATR over all candles, or ATR percent when configured.
func (a *ATR) Calculate(ctx context.Context, candles []*domain.Candle) (float64, error) {
	period := a.Config.Period
	if period <= 0 {
		return 0, fmt.Errorf("invalid ATR period %d", period)
	}
	if len(candles) < period+1 {
		return 0, fmt.Errorf("not enough data points for ATR calculation: need %d, got %d", period+1, len(candles))
	}

	ranges := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		tr := TrueRange(candles[i], prevClose)
		if a.percent {
			if prevClose <= 0 {
				return 0, fmt.Errorf("invalid previous close %f at index %d", prevClose, i-1)
			}
			tr = tr / prevClose * 100
		}
		ranges = append(ranges, tr)
	}

	atr := wilderAverage(ranges, period)
	if math.IsNaN(atr) || math.IsInf(atr, 0) {
		return 0, fmt.Errorf("ATR calculation produced a non-finite value")
	}
	return atr, nil
}

// TrueRange is the largest of high-low and the gaps from the previous close to high and low.
func TrueRange(c *domain.Candle, prevClose float64) float64 {
	return max(c.High-c.Low, math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose))
}
