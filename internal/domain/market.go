package domain

import "time"

// Candle represents a single candlestick; slices of candles are ordered oldest to newest.
type Candle struct {
	Market   string
	Unit     int // Minutes per candle
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Notional float64 // Accumulated trade price
}

// Ticker is the latest trade summary for a market.
type Ticker struct {
	Market           string
	TradePrice       float64
	SignedChangeRate float64 // Fractional 24h change, e.g. -0.05 for -5%
	Timestamp        time.Time
}

// OrderbookLevel is a single price level with both sides.
type OrderbookLevel struct {
	AskPrice float64
	BidPrice float64
	AskSize  float64
	BidSize  float64
}

// Orderbook is a depth snapshot.
type Orderbook struct {
	Market       string
	TotalAskSize float64
	TotalBidSize float64
	Levels       []OrderbookLevel
	Timestamp    time.Time
}

// Imbalance returns bid share minus ask share in [-1, 1].
func (o *Orderbook) Imbalance() float64 {
	total := o.TotalAskSize + o.TotalBidSize
	if total <= 0 {
		return 0
	}
	return (o.TotalBidSize - o.TotalAskSize) / total
}

// MarketSnapshot is everything one scheduler tick knows about the market.
type MarketSnapshot struct {
	Market    string
	Price     float64
	Ticker    *Ticker
	Candles   []*Candle // 1m candles, oldest first
	Orderbook *Orderbook
	Signal    *EntrySignal // Latest entry-signal evaluation, may be nil
	Timestamp time.Time
}
