package strategies

import (
	"context"
	"fmt"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
)

// OrderbookConfig holds the orderbook scorer thresholds.
type OrderbookConfig struct {
	MaxSpreadTicks float64 // Tick size is approximated as 0.01% of the best bid
	Depth          int     // Levels summed for imbalance
	MinImbalance   float64 // Bid share minus ask share, in [0, 1]
}

// OrderbookScorer scores spread, depth imbalance and best-level pressure.
type OrderbookScorer struct {
	*BaseStrategy
	cfg OrderbookConfig
}

// NewOrderbookScorer creates an orderbook scorer.
func NewOrderbookScorer(cfg OrderbookConfig, logger ports.Logger) *OrderbookScorer {
	if cfg.MaxSpreadTicks <= 0 {
		cfg.MaxSpreadTicks = 2
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 10
	}
	if cfg.MinImbalance <= 0 {
		cfg.MinImbalance = 0.2
	}
	return &OrderbookScorer{BaseStrategy: NewBaseStrategy(logger), cfg: cfg}
}

// Name returns the name of the strategy
func (s *OrderbookScorer) Name() string { return "Orderbook" }

// RequiredDataPoints returns 0: the scorer reads the orderbook only.
func (s *OrderbookScorer) RequiredDataPoints() int { return 0 }

// Evaluate scores the orderbook in the snapshot.
func (s *OrderbookScorer) Evaluate(ctx context.Context, snap *domain.MarketSnapshot) Result {
	ob := snap.Orderbook
	if ob == nil || len(ob.Levels) == 0 || ob.Levels[0].BidPrice <= 0 {
		return Result{Name: s.Name(), Reasons: []string{"no orderbook"}}
	}
	best := ob.Levels[0]

	score := 0.0
	var reasons []string

	spread := best.AskPrice - best.BidPrice
	ticks := spread / (best.BidPrice * 0.0001)
	switch {
	case ticks <= s.cfg.MaxSpreadTicks:
		score += 20
		reasons = append(reasons, fmt.Sprintf("tight spread %.1f ticks", ticks))
	case ticks <= s.cfg.MaxSpreadTicks*2:
		score += 10
		reasons = append(reasons, fmt.Sprintf("normal spread %.1f ticks", ticks))
	default:
		score -= 10
		reasons = append(reasons, fmt.Sprintf("wide spread %.1f ticks", ticks))
	}

	depth := min(s.cfg.Depth, len(ob.Levels))
	var bidDepth, askDepth float64
	for _, l := range ob.Levels[:depth] {
		bidDepth += l.BidSize
		askDepth += l.AskSize
	}
	imbalance := 0.0
	if total := bidDepth + askDepth; total > 0 {
		imbalance = (bidDepth - askDepth) / total
	}
	switch {
	case imbalance >= s.cfg.MinImbalance:
		score += 30
		reasons = append(reasons, fmt.Sprintf("bid dominant %.1f%%", imbalance*100))
	case imbalance >= s.cfg.MinImbalance*0.5:
		score += 20
		reasons = append(reasons, fmt.Sprintf("bid pressure %.1f%%", imbalance*100))
	case imbalance <= -s.cfg.MinImbalance:
		score -= 20
		reasons = append(reasons, fmt.Sprintf("ask dominant %.1f%%", imbalance*100))
	}

	bidRatio := 0.0
	if total := best.BidSize + best.AskSize; total > 0 {
		bidRatio = best.BidSize / total
	}
	switch {
	case bidRatio >= 0.7:
		score += 15
		reasons = append(reasons, "strong best bid")
	case bidRatio >= 0.6:
		score += 10
		reasons = append(reasons, "best bid dominant")
	}

	mid := depth / 2
	var near, far float64
	for i, l := range ob.Levels[:depth] {
		if i < mid {
			near += l.BidSize
		} else {
			far += l.BidSize
		}
	}
	if near > far*1.3 {
		score += 10
		reasons = append(reasons, "near bid wall")
	}

	return s.result(ctx, s.Name(), score, 25, reasons, map[string]float64{
		"spreadTicks": ticks,
		"imbalance":   imbalance,
		"bidRatio":    bidRatio,
	})
}
