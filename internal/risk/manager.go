// Package risk sizes entries and enforces daily trading limits.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
)

// RiskConfig holds configuration for the daily limits
type RiskConfig struct {
	MaxDailyTrades int     // 0 disables the limit
	MaxDailyLoss   float64 // KRW; 0 disables the limit
	Now            func() time.Time
}

// RiskManager tracks realized results for the current local day
type RiskManager struct {
	config RiskConfig
	mu     sync.Mutex
	stats  RiskStats
}

// RiskStats holds the daily statistics
type RiskStats struct {
	DailyPnL      float64
	DailyTrades   int
	DailyWins     int
	LastResetTime time.Time
}

// NewRiskManager creates a new risk manager instance
func NewRiskManager(config RiskConfig) *RiskManager {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &RiskManager{
		config: config,
		stats:  RiskStats{LastResetTime: startOfDay(config.Now())},
	}
}

// Seed initializes today's trade count from the repository, so a restart does not reset the limit.
func (r *RiskManager) Seed(ctx context.Context, repo ports.TradeRepository, market string) error {
	count, err := repo.CountTodayByMarket(ctx, market)
	if err != nil {
		return fmt.Errorf("seed daily trades: %w", err)
	}
	r.mu.Lock()
	r.stats.DailyTrades = count
	r.mu.Unlock()
	return nil
}

// CanOpen reports whether a new position may be opened
func (r *RiskManager) CanOpen(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover(now)

	if r.config.MaxDailyTrades > 0 && r.stats.DailyTrades >= r.config.MaxDailyTrades {
		return fmt.Errorf("%w: daily trades %d reached maximum %d", ports.ErrRiskLimit, r.stats.DailyTrades, r.config.MaxDailyTrades)
	}
	if r.config.MaxDailyLoss > 0 && r.stats.DailyPnL <= -r.config.MaxDailyLoss {
		return fmt.Errorf("%w: daily loss %.0f exceeds maximum %.0f", ports.ErrRiskLimit, -r.stats.DailyPnL, r.config.MaxDailyLoss)
	}
	return nil
}

// RecordTrade updates the statistics with a closed trade
func (r *RiskManager) RecordTrade(trade *domain.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover(trade.ExitTime)

	r.stats.DailyPnL += trade.Profit
	r.stats.DailyTrades++
	if trade.IsWin() {
		r.stats.DailyWins++
	}
}

// ResetDailyStats resets daily statistics
func (r *RiskManager) ResetDailyStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = RiskStats{LastResetTime: startOfDay(r.config.Now())}
}

// GetStats returns a copy of the current statistics
func (r *RiskManager) GetStats() RiskStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollover(r.config.Now())
	return r.stats
}

// rollover must be called with mu held.
func (r *RiskManager) rollover(now time.Time) {
	if now.IsZero() {
		return
	}
	day := startOfDay(now)
	if day.After(r.stats.LastResetTime) {
		r.stats = RiskStats{LastResetTime: day}
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
