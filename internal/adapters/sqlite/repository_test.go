package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) *Repository {
	t.Helper()

	repo, err := NewRepository(Config{
		DBPath: filepath.Join(t.TempDir(), "data", "test.db"),
		Logger: ports.NopLogger{},
		Now:    func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func newTrade(market string, profit float64, exit time.Time, reason domain.ExitReason) *domain.Trade {
	return &domain.Trade{
		Market:      market,
		EntryPrice:  50_000_000,
		ExitPrice:   50_000_000 + profit*1000,
		Volume:      0.001,
		Invested:    50_025,
		Proceeds:    50_025 + profit,
		Profit:      profit,
		ProfitRate:  profit / 50_025 * 100,
		EntryTime:   exit.Add(-2 * time.Minute),
		ExitTime:    exit,
		OrderID:     "order-" + string(reason),
		CloseReason: reason,
	}
}

func TestNewRepository_RequiresLogger(t *testing.T) {
	_, err := NewRepository(Config{DBPath: filepath.Join(t.TempDir(), "x.db")})
	assert.Error(t, err)
}

func TestRepository_CreateAndFindTrades(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	first := newTrade("KRW-BTC", 120, testNow.Add(-3*time.Hour), domain.ExitTakeProfit)
	second := newTrade("KRW-BTC", -80, testNow.Add(-time.Hour), domain.ExitStopLoss)
	other := newTrade("KRW-ETH", 10, testNow.Add(-2*time.Hour), domain.ExitQuickProfit)

	for _, trade := range []*domain.Trade{first, second, other} {
		id, err := repo.CreateTrade(ctx, trade)
		require.NoError(t, err)
		assert.Greater(t, id, int64(0))
		assert.Equal(t, id, trade.ID)
	}

	trades, err := repo.FindByMarket(ctx, "KRW-BTC", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)

	got := trades[0]
	assert.Equal(t, second.ID, got.ID)
	assert.Equal(t, "KRW-BTC", got.Market)
	assert.Equal(t, second.Profit, got.Profit)
	assert.Equal(t, second.Invested, got.Invested)
	assert.Equal(t, second.Proceeds, got.Proceeds)
	assert.InDelta(t, second.ProfitRate, got.ProfitRate, 1e-12)
	assert.Equal(t, second.OrderID, got.OrderID)
	assert.Equal(t, domain.ExitStopLoss, got.CloseReason)
	assert.WithinDuration(t, second.ExitTime, got.ExitTime, time.Millisecond)
	assert.WithinDuration(t, second.EntryTime, got.EntryTime, time.Millisecond)
	assert.Equal(t, first.ID, trades[1].ID)

	limited, err := repo.FindByMarket(ctx, "KRW-BTC", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := repo.FindByMarket(ctx, "KRW-XRP", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRepository_CreateTradeRejectsNil(t *testing.T) {
	repo := setupTestDB(t)
	_, err := repo.CreateTrade(context.Background(), nil)
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestRepository_EmptyCloseReasonReadsAsUnknown(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	trade := newTrade("KRW-BTC", 1, testNow, "")
	trade.OrderID = ""
	_, err := repo.CreateTrade(ctx, trade)
	require.NoError(t, err)

	trades, err := repo.FindByMarket(ctx, "KRW-BTC", 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, domain.ExitUnknown, trades[0].CloseReason)
	assert.Empty(t, trades[0].OrderID)
}

func TestRepository_CountTodayByMarket(t *testing.T) {
	tests := []struct {
		name   string
		trades []*domain.Trade
		market string
		want   int
	}{
		{
			name:   "empty table",
			market: "KRW-BTC",
			want:   0,
		},
		{
			name: "only today's trades for the market",
			trades: []*domain.Trade{
				newTrade("KRW-BTC", 10, testNow.Add(-time.Hour), domain.ExitTakeProfit),
				newTrade("KRW-BTC", -5, testNow.Add(-14*time.Hour), domain.ExitStopLoss),
				newTrade("KRW-BTC", 3, testNow.Add(-16*time.Hour), domain.ExitTakeProfit),
				newTrade("KRW-ETH", 3, testNow.Add(-time.Hour), domain.ExitTakeProfit),
			},
			market: "KRW-BTC",
			want:   2,
		},
		{
			name: "offset timestamps are normalized",
			trades: []*domain.Trade{
				newTrade("KRW-BTC", 10, testNow.Add(-time.Hour).In(time.FixedZone("KST", 9*3600)), domain.ExitTakeProfit),
			},
			market: "KRW-BTC",
			want:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := setupTestDB(t)
			ctx := context.Background()
			for _, trade := range tt.trades {
				_, err := repo.CreateTrade(ctx, trade)
				require.NoError(t, err)
			}

			got, err := repo.CountTodayByMarket(ctx, tt.market)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRepository_GetTotalProfit(t *testing.T) {
	repo := setupTestDB(t)
	ctx := context.Background()

	total, err := repo.GetTotalProfit(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	for _, profit := range []float64{150, -40, 15} {
		_, err := repo.CreateTrade(ctx, newTrade("KRW-BTC", profit, testNow, domain.ExitTakeProfit))
		require.NoError(t, err)
	}

	total, err = repo.GetTotalProfit(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 125.0, total, 1e-9)
}

func TestNewRepository_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.db")
	open := func() *Repository {
		repo, err := NewRepository(Config{DBPath: path, Logger: ports.NopLogger{}, Now: func() time.Time { return testNow }})
		require.NoError(t, err)
		return repo
	}

	repo := open()
	_, err := repo.CreateTrade(context.Background(), newTrade("KRW-BTC", 100, testNow, domain.ExitTakeProfit))
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo = open()
	defer repo.Close()

	var version int
	require.NoError(t, repo.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, len(migrations), version)

	trades, err := repo.FindByMarket(context.Background(), "KRW-BTC", 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1, "reopening keeps existing rows")
}
