package indicators

import (
	"context"
	"fmt"

	"upbitScalper/internal/domain"
)

// RSIConfig holds configuration for the RSI indicator
type RSIConfig struct {
	IndicatorConfig
	Overbought float64
	Oversold   float64
}

// RSI is the Relative Strength Index over candle closes.
type RSI struct {
	BaseIndicator
	overbought float64
	oversold   float64
}

// NewRSI creates a new RSI indicator instance
func NewRSI(config RSIConfig) *RSI {
	return &RSI{
		BaseIndicator: BaseIndicator{Config: config.IndicatorConfig},
		overbought:    config.Overbought,
		oversold:      config.Oversold,
	}
}

// Name returns the name of the indicator
func (r *RSI) Name() string { return "RSI" }

// RequiredDataPoints is period+1: RSI works on close-to-close changes.
func (r *RSI) RequiredDataPoints() int { return r.Config.Period + 1 }

// Calculate returns the latest RSI of the candle closes.
func (r *RSI) Calculate(ctx context.Context, candles []*domain.Candle) (float64, error) {
	return WilderRSI(Closes(candles), r.Config.Period)
}

// IsOverbought checks if the RSI value indicates an overbought condition
func (r *RSI) IsOverbought(value float64) bool { return value >= r.overbought }

// IsOversold checks if the RSI value indicates an oversold condition
func (r *RSI) IsOversold(value float64) bool { return value <= r.oversold }

// WilderRSI applies Wilder smoothing to the gains and losses of consecutive closes.
// A flat series is 50.
func WilderRSI(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("invalid RSI period %d", period)
	}
	if len(closes) <= period {
		return 0, fmt.Errorf("not enough data (%d) to calculate RSI for period %d", len(closes), period)
	}

	gains := make([]float64, len(closes)-1)
	losses := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if change := closes[i] - closes[i-1]; change > 0 {
			gains[i-1] = change
		} else {
			losses[i-1] = -change
		}
	}
	avgGain, avgLoss := wilderAverage(gains, period), wilderAverage(losses, period)

	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50, nil
	case avgLoss == 0:
		return 100, nil
	}
	return 100 - 100/(1+avgGain/avgLoss), nil
}
