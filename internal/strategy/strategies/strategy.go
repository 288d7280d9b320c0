// Package strategies holds the component scorers combined by the entry signal.
package strategies

import (
	"context"
	"strings"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
)

// Result is the verdict of one scorer.
type Result struct {
	Name    string
	Buy     bool
	Score   float64
	Reasons []string
	Values  map[string]float64 // Intermediate values for logging, e.g. "rsi"
}

// Reason joins the reasons for display.
func (r Result) Reason() string {
	if len(r.Reasons) == 0 {
		return "no condition met"
	}
	return strings.Join(r.Reasons, ", ")
}

// Strategy defines the interface for component scorers
type Strategy interface {
	// Evaluate scores the snapshot; candles are ordered oldest to newest
	Evaluate(ctx context.Context, snap *domain.MarketSnapshot) Result

	// RequiredDataPoints returns the minimum number of candles needed
	RequiredDataPoints() int

	// Name returns the name of the strategy
	Name() string
}

// BaseStrategy provides common functionality for strategies
type BaseStrategy struct {
	logger ports.Logger
}

// NewBaseStrategy creates a new base strategy instance
func NewBaseStrategy(logger ports.Logger) *BaseStrategy {
	return &BaseStrategy{
		logger: logger,
	}
}

// result logs a buy verdict and builds the Result.
func (b *BaseStrategy) result(ctx context.Context, name string, score, buyAt float64, reasons []string, values map[string]float64) Result {
	r := Result{Name: name, Buy: score >= buyAt, Score: score, Reasons: reasons, Values: values}
	if r.Buy && b.logger != nil {
		b.logger.Debug(ctx, name+": buy", map[string]interface{}{"score": score, "reason": r.Reason()})
	}
	return r
}

func last(candles []*domain.Candle, back int) *domain.Candle {
	return candles[len(candles)-1-back]
}
