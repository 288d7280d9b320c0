package domain

import "time"

// EntrySignal is the verdict of the external entry-signal producer.
type EntrySignal struct {
	ShouldEnter bool
	Score       float64
	SignalCount int     // Number of component strategies voting to buy
	RSI         float64 // Latest RSI, 0 when unavailable
	ATRPercent  float64 // Short ATR as percent of price, NaN-free
	Reasons     []string
}

// ExitDecision is produced when an exit predicate fires.
type ExitDecision struct {
	Trigger    ExitReason
	ProfitRate float64 // Gross percent at evaluation time
	Reason     string
	Priority   bool
}

// EntryResult describes a completed entry.
type EntryResult struct {
	Position *Position
	Fill     *Fill
	Notional float64 // KRW requested
	Desync   bool    // No confirmed balance nor fill volume; reconciliation will resolve
}

// PersistedState is the JSON document written to the state file.
type PersistedState struct {
	Position      *Position `json:"position"`
	EmergencyStop bool      `json:"emergencyStop,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	LastUpdate    time.Time `json:"lastUpdate"`
}
