package domain

import "time"

// Order is the normalized view of an exchange order.
type Order struct {
	ID              string     // Exchange order UUID
	Identifier      string     // Client-supplied idempotency key
	Market          string     // e.g. "KRW-BTC"
	Side            OrderSide  // bid or ask
	Type            OrderType  // price (notional buy) or market (volume sell)
	RequestedAmount float64    // KRW for buys, coin volume for sells
	State           OrderState // Normalized state
	FilledVolume    float64    // Executed coin volume
	FilledNotional  float64    // Sum of trade funds in KRW
	PaidFee         float64    // Fee charged so far
	CreatedAt       time.Time
}

// AvgFillPrice returns the volume-weighted fill price, or 0 when nothing filled.
func (o *Order) AvgFillPrice() float64 {
	if o.FilledVolume <= 0 {
		return 0
	}
	return o.FilledNotional / o.FilledVolume
}

// Fill is the outcome of a pipeline buy or sell.
type Fill struct {
	OrderID          string
	Side             OrderSide
	FilledVolume     float64
	FilledNotional   float64
	AvgPrice         float64
	Fee              float64
	AlreadyClosed    bool    // Sell found no balance; external state already flat
	CleanupAttempted bool    // A dust-cleanup sell was submitted after the main fill
	Remaining        float64 // Coin balance left after the sell settled
}

// Balance is the exchange-reported holding of one currency.
type Balance struct {
	Currency     string
	Balance      float64 // Free balance
	Locked       float64 // Reserved by open orders
	AvgBuyPrice  float64
	UnitCurrency string
}

// Total returns free plus locked holdings.
func (b *Balance) Total() float64 {
	return b.Balance + b.Locked
}
