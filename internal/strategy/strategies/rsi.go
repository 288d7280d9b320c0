package strategies

import (
	"context"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/strategy/indicators"
)

// RSIScorer rewards oversold readings and fast RSI rebounds on 1m candles.
type RSIScorer struct {
	*BaseStrategy
	rsi *indicators.RSI
}

// NewRSIScorer creates an RSI scorer with the given period.
func NewRSIScorer(period int, logger ports.Logger) *RSIScorer {
	return &RSIScorer{
		BaseStrategy: NewBaseStrategy(logger),
		rsi: indicators.NewRSI(indicators.RSIConfig{
			IndicatorConfig: indicators.IndicatorConfig{Period: period},
			Overbought:      70,
			Oversold:        35,
		}),
	}
}

// Name returns the name of the strategy
func (s *RSIScorer) Name() string { return "RSI" }

// RequiredDataPoints needs one extra candle for the previous reading.
func (s *RSIScorer) RequiredDataPoints() int { return s.rsi.RequiredDataPoints() + 2 }

// Evaluate scores the latest RSI against the one a candle earlier.
func (s *RSIScorer) Evaluate(ctx context.Context, snap *domain.MarketSnapshot) Result {
	candles := snap.Candles
	if len(candles) < s.RequiredDataPoints() {
		return Result{Name: s.Name(), Reasons: []string{"insufficient data"}}
	}
	rsi, err := s.rsi.Calculate(ctx, candles)
	if err != nil {
		return Result{Name: s.Name(), Reasons: []string{err.Error()}}
	}
	prev, err := s.rsi.Calculate(ctx, candles[:len(candles)-1])
	if err != nil {
		return Result{Name: s.Name(), Reasons: []string{err.Error()}}
	}

	score := 0.0
	var reasons []string
	switch {
	case s.rsi.IsOversold(rsi):
		score += 30
		reasons = append(reasons, "oversold")
	case rsi < 45:
		score += 20
		reasons = append(reasons, "RSI low")
	}
	if s.rsi.IsOversold(prev) && !s.rsi.IsOversold(rsi) {
		score += 25
		reasons = append(reasons, "RSI rebound")
	}
	switch change := rsi - prev; {
	case change >= 5:
		score += 20
		reasons = append(reasons, "RSI surge")
	case change >= 3:
		score += 10
		reasons = append(reasons, "RSI rising")
	}

	return s.result(ctx, s.Name(), score, 25, reasons, map[string]float64{"rsi": rsi, "prevRSI": prev})
}
