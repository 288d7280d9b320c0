package strategies

import (
	"context"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/strategy/indicators"
)

// CandleScorer looks for consecutive bullish 1m candles with momentum.
type CandleScorer struct {
	*BaseStrategy
}

// NewCandleScorer creates a candle pattern scorer.
func NewCandleScorer(logger ports.Logger) *CandleScorer {
	return &CandleScorer{BaseStrategy: NewBaseStrategy(logger)}
}

// Name returns the name of the strategy
func (s *CandleScorer) Name() string { return "Candle" }

// RequiredDataPoints returns the minimum number of candles needed
func (s *CandleScorer) RequiredDataPoints() int { return 3 }

// Evaluate scores the last three candles.
func (s *CandleScorer) Evaluate(ctx context.Context, snap *domain.MarketSnapshot) Result {
	candles := snap.Candles
	if len(candles) < s.RequiredDataPoints() {
		return Result{Name: s.Name(), Reasons: []string{"insufficient data"}}
	}
	cur, prev1, prev2 := last(candles, 0), last(candles, 1), last(candles, 2)
	bullish := func(c *domain.Candle) bool { return c.Close > c.Open }

	score := 0.0
	var reasons []string
	switch {
	case bullish(cur) && bullish(prev1) && bullish(prev2):
		score += 30
		reasons = append(reasons, "3 bullish candles")
	case bullish(cur) && bullish(prev1):
		score += 25
		reasons = append(reasons, "2 bullish candles")
	case bullish(cur):
		score += 15
		reasons = append(reasons, "bullish candle")
	}

	change := indicators.ChangePercent(cur)
	switch {
	case change >= 0.7:
		score += 30
		reasons = append(reasons, "spike")
	case change >= 0.5:
		score += 25
		reasons = append(reasons, "strong rise")
	case change >= 0.3:
		score += 15
		reasons = append(reasons, "moderate rise")
	case change >= 0.1:
		score += 5
		reasons = append(reasons, "weak rise")
	}

	ratio := 0.0
	if prev1.Volume > 0 {
		ratio = cur.Volume / prev1.Volume
	}
	switch {
	case ratio >= 2.0:
		score += 15
		reasons = append(reasons, "volume surge")
	case ratio >= 1.5:
		score += 10
		reasons = append(reasons, "volume increase")
	}

	avgChange := (change + indicators.ChangePercent(prev1) + indicators.ChangePercent(prev2)) / 3
	if avgChange > 0.3 {
		score += 10
		reasons = append(reasons, "strong momentum")
	}

	return s.result(ctx, s.Name(), score, 30, reasons, map[string]float64{
		"change":      change,
		"volumeRatio": ratio,
		"avgChange":   avgChange,
	})
}
