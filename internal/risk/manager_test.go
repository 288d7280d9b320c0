package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
)

type countRepo struct {
	ports.TradeRepository
	count int
	err   error
}

func (c *countRepo) CountTodayByMarket(ctx context.Context, market string) (int, error) {
	return c.count, c.err
}

func TestRiskManager(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
	manager := NewRiskManager(RiskConfig{
		MaxDailyTrades: 3,
		MaxDailyLoss:   10_000,
		Now:            func() time.Time { return now },
	})

	if err := manager.CanOpen(now); err != nil {
		t.Errorf("Expected no error for fresh day, got %v", err)
	}

	manager.RecordTrade(&domain.Trade{Profit: 500, ExitTime: now})
	manager.RecordTrade(&domain.Trade{Profit: -200, ExitTime: now})
	stats := manager.GetStats()
	if stats.DailyTrades != 2 || stats.DailyWins != 1 {
		t.Errorf("Expected 2 trades and 1 win, got %d and %d", stats.DailyTrades, stats.DailyWins)
	}
	if stats.DailyPnL != 300 {
		t.Errorf("Expected daily PnL 300, got %f", stats.DailyPnL)
	}

	manager.RecordTrade(&domain.Trade{Profit: 100, ExitTime: now})
	err := manager.CanOpen(now)
	if !errors.Is(err, ports.ErrRiskLimit) {
		t.Errorf("Expected daily trade limit, got %v", err)
	}

	// Next day resets the counters.
	tomorrow := now.Add(16 * time.Hour)
	if err := manager.CanOpen(tomorrow); err != nil {
		t.Errorf("Expected counters reset after midnight, got %v", err)
	}
}

func TestRiskManagerDailyLoss(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
	manager := NewRiskManager(RiskConfig{MaxDailyLoss: 1000, Now: func() time.Time { return now }})

	manager.RecordTrade(&domain.Trade{Profit: -600, ExitTime: now})
	if err := manager.CanOpen(now); err != nil {
		t.Errorf("Expected no error below loss limit, got %v", err)
	}
	manager.RecordTrade(&domain.Trade{Profit: -400, ExitTime: now})
	if err := manager.CanOpen(now); !errors.Is(err, ports.ErrRiskLimit) {
		t.Errorf("Expected loss limit error, got %v", err)
	}

	manager.ResetDailyStats()
	if err := manager.CanOpen(now); err != nil {
		t.Errorf("Expected no error after reset, got %v", err)
	}
}

func TestRiskManagerSeed(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
	manager := NewRiskManager(RiskConfig{MaxDailyTrades: 5, Now: func() time.Time { return now }})

	if err := manager.Seed(context.Background(), &countRepo{count: 5}, "KRW-BTC"); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if err := manager.CanOpen(now); !errors.Is(err, ports.ErrRiskLimit) {
		t.Errorf("Expected seeded count to hit the limit, got %v", err)
	}

	if err := manager.Seed(context.Background(), &countRepo{err: ports.ErrQueryFailed}, "KRW-BTC"); err == nil {
		t.Error("Expected seed error to propagate")
	}
}

func TestRiskManagerUnlimited(t *testing.T) {
	now := time.Now()
	manager := NewRiskManager(RiskConfig{})
	for i := 0; i < 100; i++ {
		manager.RecordTrade(&domain.Trade{Profit: -1000, ExitTime: now})
	}
	if err := manager.CanOpen(now); err != nil {
		t.Errorf("Expected no limits when disabled, got %v", err)
	}
}
