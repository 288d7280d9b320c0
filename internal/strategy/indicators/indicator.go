// Package indicators computes technical indicators over 1m candles and close series.
package indicators

import (
	"context"

	"upbitScalper/internal/domain"
)

// Indicator is a single-value reading over the most recent candles.
type Indicator interface {
	Calculate(ctx context.Context, candles []*domain.Candle) (float64, error)
	RequiredDataPoints() int
	Name() string
}

// IndicatorConfig holds common configuration for indicators
type IndicatorConfig struct {
	Period int
}

// BaseIndicator carries the period shared by every indicator.
type BaseIndicator struct {
	Config IndicatorConfig
}

// RequiredDataPoints defaults to the period.
func (b *BaseIndicator) RequiredDataPoints() int {
	return b.Config.Period
}

// wilderAverage seeds with the mean of the first period values and smooths the rest
// with alpha 1/period. len(values) must be at least period.
func wilderAverage(values []float64, period int) float64 {
	avg := 0.0
	for _, v := range values[:period] {
		avg += v
	}
	avg /= float64(period)
	for _, v := range values[period:] {
		avg += (v - avg) / float64(period)
	}
	return avg
}

var (
	_ Indicator = (*ATR)(nil)
	_ Indicator = (*RSI)(nil)
	_ Indicator = (*MovingAverage)(nil)
)
