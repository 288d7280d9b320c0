// Package position owns the single active position and decides when to exit it.
package position

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
)

// ExitConfig holds the exit thresholds. Percent values are in percent units (0.5 = 0.5%).
type ExitConfig struct {
	StopLossPercent     float64 // Negative, e.g. -0.8
	QuickProfitPercent  float64
	TakeProfitPercent   float64
	TrailingStopEnabled bool
	TrailingStopPercent float64

	MaxHoldingTime    time.Duration
	ProfitTimeLimit   time.Duration
	SidewaysTimeLimit time.Duration // Also the minimum holding time for momentum, sideways and reverse exits

	MomentumCheckPeriod   time.Duration
	MomentumThreshold     float64
	SidewaysRangePercent  float64
	SidewaysExitThreshold float64 // Minimum gross profit for a sideways exit
	MinProfitForTimeExit  float64 // Minimum gross profit for a profit-time exit
	MinNetProfitPercent   float64 // Minimum profit after fees for max-hold, momentum and reverse exits
	TotalFeePercent       float64 // Round-trip fee

	ReverseSignalCheck bool
	RSIOverbought      float64
}

// DefaultExitConfig returns the production thresholds.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		StopLossPercent:       -0.8,
		QuickProfitPercent:    0.5,
		TakeProfitPercent:     0.8,
		TrailingStopEnabled:   true,
		TrailingStopPercent:   0.25,
		MaxHoldingTime:        180 * time.Second,
		ProfitTimeLimit:       120 * time.Second,
		SidewaysTimeLimit:     60 * time.Second,
		MomentumCheckPeriod:   20 * time.Second,
		MomentumThreshold:     0.08,
		SidewaysRangePercent:  0.1,
		SidewaysExitThreshold: 0.5,
		MinProfitForTimeExit:  0.4,
		MinNetProfitPercent:   0.2,
		TotalFeePercent:       0.1,
		ReverseSignalCheck:    true,
		RSIOverbought:         70,
	}
}

// SampleWindow returns how long price samples must be retained for the configured checks.
func (c ExitConfig) SampleWindow() time.Duration {
	w := c.MomentumCheckPeriod
	if c.SidewaysTimeLimit > w {
		w = c.SidewaysTimeLimit
	}
	return w
}

// Armed flags, one per predicate family.
const (
	armStopLoss      = "stopLoss"
	armQuickProfit   = "quickProfit"
	armTakeProfit    = "takeProfit"
	armTrailingStop  = "trailingStop"
	armTimeLimit     = "timeLimit"
	armMomentumLoss  = "momentumLoss"
	armSideways      = "sideways"
	armReverseSignal = "reverseSignal"
)

// Evaluator checks the exit predicates in fixed priority order.
// Priority, not recency, decides which trigger wins.
type Evaluator struct {
	cfg    ExitConfig
	logger ports.Logger

	mu    sync.Mutex
	armed map[string]bool
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg ExitConfig, logger ports.Logger) (*Evaluator, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for exit evaluator")
	}
	if cfg.StopLossPercent >= 0 {
		return nil, fmt.Errorf("stop-loss percent must be negative, got %v", cfg.StopLossPercent)
	}
	return &Evaluator{cfg: cfg, logger: logger, armed: make(map[string]bool)}, nil
}

// Config returns the evaluator thresholds.
func (e *Evaluator) Config() ExitConfig { return e.cfg }

// Armed returns a copy of the armed flags.
func (e *Evaluator) Armed() map[string]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]bool, len(e.armed))
	for k, v := range e.armed {
		if v {
			out[k] = true
		}
	}
	return out
}

// Reset clears every armed flag. Called before each new position.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	e.armed = make(map[string]bool)
	e.mu.Unlock()
}

// arm records the condition state and logs transitions.
func (e *Evaluator) arm(name string, met bool, fields map[string]interface{}) {
	if e.armed[name] == met {
		return
	}
	e.armed[name] = met
	if met {
		e.logger.Info(context.Background(), "Exit condition armed: "+name, fields)
	} else {
		e.logger.Debug(context.Background(), "Exit condition cleared: "+name, fields)
	}
}

// Evaluate returns the first exit predicate that holds, or nil.
// The position's price samples and high-water mark must already include snap.Price.
func (e *Evaluator) Evaluate(pos *domain.Position, snap *domain.MarketSnapshot, now time.Time) *domain.ExitDecision {
	if !pos.Valid() || snap == nil || snap.Price <= 0 || math.IsNaN(snap.Price) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.cfg
	price := snap.Price
	profit := pos.ProfitRate(price)
	net := profit - c.TotalFeePercent
	holding := pos.HoldingDuration(now)
	fields := map[string]interface{}{"profitRate": profit, "netProfit": net, "holding": holding.Truncate(time.Second).String()}

	decide := func(reason domain.ExitReason, text string) *domain.ExitDecision {
		return &domain.ExitDecision{
			Trigger:    reason,
			ProfitRate: profit,
			Reason:     text,
			Priority:   reason.IsPriority(),
		}
	}

	// 1. Stop-loss
	stop := profit <= c.StopLossPercent
	e.arm(armStopLoss, stop, fields)
	if stop {
		return decide(domain.ExitStopLoss, fmt.Sprintf("stop-loss at %.2f%% (limit %.2f%%)", profit, c.StopLossPercent))
	}

	// 2. Quick take-profit
	quick := c.QuickProfitPercent > 0 && profit >= c.QuickProfitPercent
	e.arm(armQuickProfit, quick, fields)
	if quick {
		return decide(domain.ExitQuickProfit, fmt.Sprintf("quick profit at %.2f%%", profit))
	}

	// 3. Full take-profit
	take := profit >= c.TakeProfitPercent
	e.arm(armTakeProfit, take, fields)
	if take {
		return decide(domain.ExitTakeProfit, fmt.Sprintf("take profit at %.2f%%", profit))
	}

	// 4. Trailing stop
	if c.TrailingStopEnabled {
		drop := pos.DropFromHigh(price)
		trail := drop >= c.TrailingStopPercent
		e.arm(armTrailingStop, trail, fields)
		if trail {
			return decide(domain.ExitTrailingStop, fmt.Sprintf("trailing stop: %.2f%% below high %.0f", drop, pos.HighestPrice))
		}
	}

	// 5-6. Time limits
	e.arm(armTimeLimit, holding >= c.ProfitTimeLimit || holding >= c.MaxHoldingTime, fields)
	if holding >= c.MaxHoldingTime {
		if net >= c.MinNetProfitPercent {
			return decide(domain.ExitTimeLimit, fmt.Sprintf("max holding time %s exceeded with net %.2f%%", c.MaxHoldingTime, net))
		}
		// Not enough profit after fees: hold and let the stop-loss decide.
	} else if holding >= c.ProfitTimeLimit && profit >= c.MinProfitForTimeExit {
		return decide(domain.ExitTimeProfit, fmt.Sprintf("profit time limit %s reached at %.2f%%", c.ProfitTimeLimit, profit))
	}

	if holding < c.SidewaysTimeLimit {
		return nil
	}

	// 7. Momentum loss
	if change, ok := pos.PriceChange(c.MomentumCheckPeriod, now); ok {
		lost := math.Abs(change) < c.MomentumThreshold
		e.arm(armMomentumLoss, lost, fields)
		if lost && net >= c.MinNetProfitPercent {
			return decide(domain.ExitMomentumLoss, fmt.Sprintf("momentum lost: %.3f%% over %s", change, c.MomentumCheckPeriod))
		}
	} else {
		e.arm(armMomentumLoss, false, fields)
	}

	// 8. Sideways
	if rng, ok := pos.PriceRange(c.SidewaysTimeLimit, now); ok {
		flat := rng < c.SidewaysRangePercent
		e.arm(armSideways, flat, fields)
		if flat && profit >= c.SidewaysExitThreshold {
			return decide(domain.ExitSideways, fmt.Sprintf("sideways: %.3f%% range over %s", rng, c.SidewaysTimeLimit))
		}
	} else {
		e.arm(armSideways, false, fields)
	}

	// 9. Reverse signal
	if c.ReverseSignalCheck && snap.Signal != nil {
		lostSignals := snap.Signal.SignalCount == 0
		overbought := snap.Signal.RSI > 0 && snap.Signal.RSI >= c.RSIOverbought
		e.arm(armReverseSignal, lostSignals || overbought, fields)
		if net >= c.MinNetProfitPercent {
			if lostSignals {
				return decide(domain.ExitSignalLoss, "all entry signals gone")
			}
			if overbought {
				return decide(domain.ExitRSIOverbought, fmt.Sprintf("RSI overbought at %.1f", snap.Signal.RSI))
			}
		}
	}

	return nil
}
