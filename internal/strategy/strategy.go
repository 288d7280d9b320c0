// Package strategy produces entry signals from market snapshots.
package strategy

import (
	"context"
	"fmt"
	"math"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/strategy/indicators"
	"upbitScalper/internal/strategy/strategies"
)

// Config holds parameters for the scalping entry signal.
type Config struct {
	RSIPeriod           int     // e.g., 14
	ATRPeriod           int     // e.g., 5
	MinATRPercent       float64 // Entry filter; 0 disables it
	EntryScoreThreshold float64 // e.g., 40
	MinSignals          int     // Minimum scorers voting buy; 0 disables the check

	EnableRSI       bool
	EnableVolume    bool
	EnableOrderbook bool
	EnableCandle    bool

	Orderbook strategies.OrderbookConfig
	Trend     TrendConfig
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		RSIPeriod:           14,
		ATRPeriod:           5,
		MinATRPercent:       0.05,
		EntryScoreThreshold: 40,
		EnableRSI:           true,
		EnableVolume:        true,
		EnableCandle:        true,
		Trend:               DefaultTrendConfig(),
	}
}

// Strategy sums the component scores and filters on short-term volatility.
type Strategy struct {
	cfg     Config
	logger  ports.Logger
	scorers []strategies.Strategy
	atr     *indicators.ATR
}

// New creates a new Strategy instance.
func New(cfg Config, logger ports.Logger) (*Strategy, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for strategy")
	}
	if cfg.RSIPeriod <= 0 || cfg.ATRPeriod <= 0 {
		return nil, fmt.Errorf("strategy periods must be positive")
	}
	if cfg.EntryScoreThreshold <= 0 {
		return nil, fmt.Errorf("entry score threshold must be positive")
	}
	if err := cfg.Trend.validate(); err != nil {
		return nil, err
	}

	s := &Strategy{
		cfg:    cfg,
		logger: logger,
		atr:    indicators.NewATR(indicators.ATRConfig{IndicatorConfig: indicators.IndicatorConfig{Period: cfg.ATRPeriod}, Percent: true}),
	}
	if cfg.EnableRSI {
		s.scorers = append(s.scorers, strategies.NewRSIScorer(cfg.RSIPeriod, logger))
	}
	if cfg.EnableVolume {
		s.scorers = append(s.scorers, strategies.NewVolumeScorer(logger))
	}
	if cfg.EnableOrderbook {
		s.scorers = append(s.scorers, strategies.NewOrderbookScorer(cfg.Orderbook, logger))
	}
	if cfg.EnableCandle {
		s.scorers = append(s.scorers, strategies.NewCandleScorer(logger))
	}
	if len(s.scorers) == 0 {
		return nil, fmt.Errorf("at least one scorer must be enabled")
	}
	return s, nil
}

// RequiredCandles returns the number of 1m candles the strategy needs.
func (s *Strategy) RequiredCandles() int {
	required := max(s.atr.RequiredDataPoints(), s.cfg.Trend.requiredCandles())
	for _, sc := range s.scorers {
		if n := sc.RequiredDataPoints(); n > required {
			required = n
		}
	}
	return required
}

// NeedsOrderbook reports whether the snapshot must carry an orderbook.
func (s *Strategy) NeedsOrderbook() bool {
	return s.cfg.EnableOrderbook
}

// Evaluate scores the snapshot. The score is reported even when the ATR filter blocks entry.
func (s *Strategy) Evaluate(ctx context.Context, snap *domain.MarketSnapshot) (*domain.EntrySignal, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshot is required")
	}
	signal := &domain.EntrySignal{}
	for _, sc := range s.scorers {
		r := sc.Evaluate(ctx, snap)
		signal.Score += r.Score
		if r.Buy {
			signal.SignalCount++
			signal.Reasons = append(signal.Reasons, fmt.Sprintf("%s(%.0f): %s", r.Name, r.Score, r.Reason()))
		}
		if rsi, ok := r.Values["rsi"]; ok {
			signal.RSI = rsi
		}
	}

	atr, err := s.atr.Calculate(ctx, snap.Candles)
	if err != nil || math.IsNaN(atr) {
		s.logger.Debug(ctx, "ATR unavailable, entry blocked", map[string]interface{}{"candles": len(snap.Candles)})
		return signal, nil
	}
	signal.ATRPercent = atr

	fields := map[string]interface{}{
		"score":     signal.Score,
		"signals":   signal.SignalCount,
		"atr":       atr,
		"threshold": s.cfg.EntryScoreThreshold,
	}
	if s.cfg.MinATRPercent > 0 && atr < s.cfg.MinATRPercent {
		s.logger.Debug(ctx, "ATR filter blocked entry", fields)
		return signal, nil
	}
	if s.cfg.MinSignals > 0 && signal.SignalCount < s.cfg.MinSignals {
		return signal, nil
	}
	if s.cfg.Trend.Enabled {
		trend := s.cfg.Trend.checkTrend(snap.Candles)
		if !trend.ok {
			fields["trend"] = trend.reason
			s.logger.Debug(ctx, "Trend filter blocked entry", fields)
			return signal, nil
		}
		fields["emaFast"], fields["emaSlow"] = trend.fastEMA, trend.slowEMA
	}
	signal.ShouldEnter = signal.Score >= s.cfg.EntryScoreThreshold
	if signal.ShouldEnter {
		fields["reasons"] = signal.Reasons
		s.logger.Info(ctx, "Entry signal", fields)
	}
	return signal, nil
}

var _ ports.SignalProducer = (*Strategy)(nil)
