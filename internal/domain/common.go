package domain

// OrderSide represents the side of an order using the exchange vocabulary (bid = buy, ask = sell).
type OrderSide string

const (
	Bid OrderSide = "bid"
	Ask OrderSide = "ask"
)

// OrderType distinguishes notional-denominated market buys from volume-denominated market sells.
type OrderType string

const (
	OrderTypePrice  OrderType = "price"  // Market buy, amount is KRW notional
	OrderTypeMarket OrderType = "market" // Market sell, amount is coin volume
)

// OrderState is the normalized lifecycle state of an exchange order.
type OrderState string

const (
	OrderSubmitted       OrderState = "submitted"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCanceled        OrderState = "canceled"
)

// IsTerminal reports whether no further fills can occur.
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderCanceled
}

// PositionState is the lifecycle state owned by the position manager.
type PositionState string

const (
	StateFlat    PositionState = "FLAT"
	StateOpening PositionState = "OPENING" // Transient, held only while a buy is in flight
	StateOpen    PositionState = "OPEN"
	StateClosing PositionState = "CLOSING" // Transient, held only while a sell is in flight
)

// ExitReason indicates why a position was (or should be) closed.
type ExitReason string

const (
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitQuickProfit   ExitReason = "QUICK_PROFIT"
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitTimeLimit     ExitReason = "TIME_LIMIT"  // Max holding time breached with net profit secured
	ExitTimeProfit    ExitReason = "TIME_PROFIT" // Shorter profit-time limit breached
	ExitMomentumLoss  ExitReason = "MOMENTUM_LOSS"
	ExitSideways      ExitReason = "SIDEWAYS"
	ExitSignalLoss    ExitReason = "SIGNAL_LOSS"
	ExitRSIOverbought ExitReason = "RSI_OVERBOUGHT"
	ExitEmergency     ExitReason = "EMERGENCY"
	ExitDust          ExitReason = "DUST_CLEANUP"
	ExitUnknown       ExitReason = "UNKNOWN"
)

// IsPriority reports whether the exit bypasses the ordinary sell spacing.
func (r ExitReason) IsPriority() bool {
	switch r {
	case ExitStopLoss, ExitTakeProfit, ExitQuickProfit, ExitEmergency:
		return true
	}
	return false
}
