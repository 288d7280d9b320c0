package ports

import (
	"context"

	"upbitScalper/internal/domain"
)

// TradeRepository defines the interface for storing and retrieving completed trades.
type TradeRepository interface {
	// CreateTrade saves a new trade record and returns its assigned ID.
	CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	// FindByMarket retrieves the most recent trades for a given market, up to a limit.
	FindByMarket(ctx context.Context, market string, limit int) ([]*domain.Trade, error)
	// CountTodayByMarket counts the number of trades closed today for a given market.
	CountTodayByMarket(ctx context.Context, market string) (int, error)
	// GetTotalProfit sums realized profit across all trades.
	GetTotalProfit(ctx context.Context) (float64, error)
}

// StateStore persists the bot's position state across restarts.
type StateStore interface {
	// Save writes the state atomically.
	Save(ctx context.Context, state *domain.PersistedState) error
	// Load returns the last saved state, or nil, nil when none is usable.
	Load(ctx context.Context) (*domain.PersistedState, error)
}
