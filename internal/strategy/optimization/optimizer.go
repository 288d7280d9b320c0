// Package optimization grid-searches exit thresholds with the backtester.
package optimization

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/position"
	"upbitScalper/internal/strategy/analytics"
	"upbitScalper/internal/strategy/backtesting"
)

// Parameter names accepted in ParameterRange.Name.
const (
	ParamStopLoss          = "stop_loss_percent"
	ParamQuickProfit       = "quick_profit_percent"
	ParamTakeProfit        = "take_profit_percent"
	ParamTrailingStop      = "trailing_stop_percent"
	ParamMaxHoldingSeconds = "max_holding_seconds"
	ParamMomentumThreshold = "momentum_threshold"
)

// ParameterRange defines a range for a parameter to optimize
type ParameterRange struct {
	Name  string
	Min   float64
	Max   float64
	Step  float64
	IsInt bool
}

// OptimizationResult holds the results of a parameter optimization
type OptimizationResult struct {
	Parameters map[string]float64
	Metrics    *analytics.PerformanceMetrics
	Score      float64
}

// SignalFactory builds a fresh signal producer for one backtest run.
type SignalFactory func() (ports.SignalProducer, error)

// OptimizerConfig holds configuration for the optimizer
type OptimizerConfig struct {
	ParameterRanges []ParameterRange
	Base            position.ExitConfig // Thresholds not covered by a range
	Backtest        backtesting.BacktestConfig
	ScoreFunction   func(*analytics.PerformanceMetrics) float64
	Concurrency     int // 0 uses GOMAXPROCS
	Logger          ports.Logger
}

// Optimizer implements exit parameter optimization
type Optimizer struct {
	config OptimizerConfig
}

// NewOptimizer creates a new optimizer instance
func NewOptimizer(config OptimizerConfig) (*Optimizer, error) {
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required for optimizer")
	}
	for _, r := range config.ParameterRanges {
		if _, ok := setters[r.Name]; !ok {
			return nil, fmt.Errorf("unknown parameter %q: %w", r.Name, ports.ErrInvalidRequest)
		}
		if r.Step <= 0 || r.Max < r.Min {
			return nil, fmt.Errorf("invalid range for %s: min %v max %v step %v: %w", r.Name, r.Min, r.Max, r.Step, ports.ErrInvalidRequest)
		}
	}
	if config.ScoreFunction == nil {
		config.ScoreFunction = DefaultScoreFunction
	}
	if config.Concurrency <= 0 {
		config.Concurrency = runtime.GOMAXPROCS(0)
	}
	return &Optimizer{config: config}, nil
}

// Optimize backtests every parameter combination and returns the results sorted by score, best first.
// Combinations that produce an invalid exit configuration are skipped.
func (o *Optimizer) Optimize(ctx context.Context, newSignals SignalFactory, candles []*domain.Candle) ([]OptimizationResult, error) {
	combinations := o.generateParameterCombinations()
	results := make([]*OptimizationResult, len(combinations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Concurrency)

	for i, params := range combinations {
		g.Go(func() error {
			exitCfg := o.exitConfigWith(params)
			evaluator, err := position.NewEvaluator(exitCfg, o.config.Logger)
			if err != nil {
				o.config.Logger.Warn(gctx, "Skipping parameter combination", map[string]interface{}{"params": params, "error": err.Error()})
				return nil
			}
			signals, err := newSignals()
			if err != nil {
				return fmt.Errorf("failed to build signal producer: %w", err)
			}

			result, err := backtesting.Backtest(gctx, signals, evaluator, candles, o.config.Backtest)
			if err != nil {
				return err
			}
			results[i] = &OptimizationResult{
				Parameters: params,
				Metrics:    result.Metrics,
				Score:      o.config.ScoreFunction(result.Metrics),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]OptimizationResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	sortResultsByScore(out)
	return out, nil
}

// generateParameterCombinations generates all possible parameter combinations
func (o *Optimizer) generateParameterCombinations() []map[string]float64 {
	var combinations []map[string]float64
	currentCombination := make(map[string]float64)

	var generate func(int)
	generate = func(paramIndex int) {
		if paramIndex == len(o.config.ParameterRanges) {
			combination := make(map[string]float64, len(currentCombination))
			for k, v := range currentCombination {
				combination[k] = v
			}
			combinations = append(combinations, combination)
			return
		}

		param := o.config.ParameterRanges[paramIndex]
		steps := int(math.Floor((param.Max-param.Min)/param.Step + 1e-6))
		for n := 0; n <= steps; n++ {
			value := param.Min + float64(n)*param.Step
			if param.IsInt {
				value = math.Round(value)
			} else {
				value = math.Round(value*1e6) / 1e6
			}
			currentCombination[param.Name] = value
			generate(paramIndex + 1)
		}
	}

	generate(0)
	return combinations
}

var setters = map[string]func(*position.ExitConfig, float64){
	ParamStopLoss:          func(c *position.ExitConfig, v float64) { c.StopLossPercent = v },
	ParamQuickProfit:       func(c *position.ExitConfig, v float64) { c.QuickProfitPercent = v },
	ParamTakeProfit:        func(c *position.ExitConfig, v float64) { c.TakeProfitPercent = v },
	ParamTrailingStop:      func(c *position.ExitConfig, v float64) { c.TrailingStopPercent = v },
	ParamMaxHoldingSeconds: func(c *position.ExitConfig, v float64) { c.MaxHoldingTime = time.Duration(v * float64(time.Second)) },
	ParamMomentumThreshold: func(c *position.ExitConfig, v float64) { c.MomentumThreshold = v },
}

func (o *Optimizer) exitConfigWith(params map[string]float64) position.ExitConfig {
	cfg := o.config.Base
	for name, v := range params {
		setters[name](&cfg, v)
	}
	return cfg
}

// sortResultsByScore sorts optimization results by score in descending order
func sortResultsByScore(results []OptimizationResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

// DefaultScoreFunction provides a default scoring function for optimization
func DefaultScoreFunction(metrics *analytics.PerformanceMetrics) float64 {
	score := 0.0

	score += metrics.WinRate * 0.3
	score += metrics.ProfitFactor * 0.2
	score += (1 - metrics.MaxDrawdown) * 0.2
	score += metrics.ReturnOnInvestment * 0.2
	score += metrics.RiskRewardRatio * 0.1

	return score
}
