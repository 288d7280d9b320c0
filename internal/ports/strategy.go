package ports

import (
	"context"

	"upbitScalper/internal/domain"
)

// SignalProducer evaluates whether the market currently favors an entry.
type SignalProducer interface {
	// RequiredCandles returns the minimum number of candles needed for evaluation.
	RequiredCandles() int

	// Evaluate scores the snapshot. It never returns a nil signal without an error.
	Evaluate(ctx context.Context, snapshot *domain.MarketSnapshot) (*domain.EntrySignal, error)
}
