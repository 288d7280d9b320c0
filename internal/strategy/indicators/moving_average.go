package indicators

import (
	"context"
	"fmt"

	"upbitScalper/internal/domain"
)

// MovingAverageType defines the type of moving average
type MovingAverageType string

const (
	SimpleMovingAverage      MovingAverageType = "SMA"
	ExponentialMovingAverage MovingAverageType = "EMA"
)

// MovingAverageConfig holds configuration for moving average indicators
type MovingAverageConfig struct {
	IndicatorConfig
	Type MovingAverageType
}

// MovingAverage computes an SMA or EMA over candle closes.
type MovingAverage struct {
	BaseIndicator
	kind MovingAverageType
}

// NewMovingAverage creates a moving average indicator. Unknown types fail at construction.
func NewMovingAverage(config MovingAverageConfig) (*MovingAverage, error) {
	if config.Period <= 0 {
		return nil, fmt.Errorf("invalid moving average period %d", config.Period)
	}
	if config.Type != SimpleMovingAverage && config.Type != ExponentialMovingAverage {
		return nil, fmt.Errorf("unsupported moving average type: %q", config.Type)
	}
	return &MovingAverage{BaseIndicator: BaseIndicator{Config: config.IndicatorConfig}, kind: config.Type}, nil
}

// Name returns e.g. "EMA20".
func (m *MovingAverage) Name() string {
	return fmt.Sprintf("%s%d", m.kind, m.Config.Period)
}

// Calculate returns the average of the candle closes, oldest first.
func (m *MovingAverage) Calculate(ctx context.Context, candles []*domain.Candle) (float64, error) {
	closes := Closes(candles)
	if m.kind == SimpleMovingAverage {
		return SMA(closes, m.Config.Period)
	}
	return EMA(closes, m.Config.Period)
}

// Closes extracts close prices in candle order.
func Closes(candles []*domain.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// SMA returns the mean of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 || len(values) < period {
		return 0, fmt.Errorf("not enough data for SMA(%d): got %d values", period, len(values))
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

// EMA seeds with the SMA of the first period values, then smooths the rest with k = 2/(period+1).
func EMA(values []float64, period int) (float64, error) {
	if period <= 0 || len(values) < period {
		return 0, fmt.Errorf("not enough data for EMA(%d): got %d values", period, len(values))
	}
	ema, _ := SMA(values[:period], period)
	k := 2 / float64(period+1)
	for _, v := range values[period:] {
		ema += (v - ema) * k
	}
	return ema, nil
}
