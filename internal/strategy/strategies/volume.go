package strategies

import (
	"context"
	"fmt"
	"math"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/strategy/indicators"
)

// VolumeScorer detects volume spikes that come with rising prices.
type VolumeScorer struct {
	*BaseStrategy
}

// NewVolumeScorer creates a volume scorer.
func NewVolumeScorer(logger ports.Logger) *VolumeScorer {
	return &VolumeScorer{BaseStrategy: NewBaseStrategy(logger)}
}

// Name returns the name of the strategy
func (s *VolumeScorer) Name() string { return "Volume" }

// RequiredDataPoints returns the minimum number of candles needed
func (s *VolumeScorer) RequiredDataPoints() int { return 10 }

// Evaluate compares the current candle volume with the recent average.
func (s *VolumeScorer) Evaluate(ctx context.Context, snap *domain.MarketSnapshot) Result {
	candles := snap.Candles
	if len(candles) < s.RequiredDataPoints() {
		return Result{Name: s.Name(), Reasons: []string{"insufficient data"}}
	}
	current := last(candles, 0)
	prev := last(candles, 1)
	n := len(candles)

	ratio := indicators.RelativeVolume(current.Volume, candles[n-6:n-1])
	rvol := indicators.RelativeVolume(current.Volume, candles[n-10:n-1])
	priceChange := 0.0
	if prev.Close > 0 {
		priceChange = (current.Close - prev.Close) / prev.Close * 100
	}

	score := 0.0
	var reasons []string
	switch {
	case ratio >= 3.0:
		score += 35
		reasons = append(reasons, "volume explosion")
	case ratio >= 2.5:
		score += 30
		reasons = append(reasons, "volume surge")
	case ratio >= 2.0:
		score += 25
		reasons = append(reasons, "volume increase")
	case ratio >= 1.5:
		score += 15
		reasons = append(reasons, "volume rising")
	}
	if rvol >= 1.5 {
		score += 10
		reasons = append(reasons, fmt.Sprintf("RVOL %.2fx", rvol))
	}
	switch {
	case priceChange > 0.5:
		score += 20
		reasons = append(reasons, "strong rise")
	case priceChange > 0.3:
		score += 15
		reasons = append(reasons, "price rising")
	case priceChange > 0.1:
		score += 5
		reasons = append(reasons, "weak rise")
	case priceChange < -0.1:
		score = math.Max(0, score-20)
		reasons = append(reasons, "price falling")
	}

	return s.result(ctx, s.Name(), score, 30, reasons, map[string]float64{
		"volumeRatio": ratio,
		"rvol":        rvol,
		"priceChange": priceChange,
	})
}
