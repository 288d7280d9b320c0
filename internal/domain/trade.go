package domain

import "time"

// Trade represents a completed round trip.
type Trade struct {
	ID          int64      // Unique identifier for the trade (usually from DB)
	Market      string     // e.g. "KRW-BTC"
	EntryPrice  float64    // Average entry price
	ExitPrice   float64    // Average exit price
	Volume      float64    // Coin volume sold
	Invested    float64    // KRW invested
	Proceeds    float64    // KRW received
	Profit      float64    // Proceeds - Invested
	ProfitRate  float64    // Percent of Invested
	EntryTime   time.Time  // When the position was opened
	ExitTime    time.Time  // When the position was closed
	OrderID     string     // Closing order, empty when already closed externally
	CloseReason ExitReason // Trigger that closed the position
}

// HoldingDuration returns how long the position was held.
func (t *Trade) HoldingDuration() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}

// IsWin reports whether the trade made money.
func (t *Trade) IsWin() bool {
	return t.Profit > 0
}
