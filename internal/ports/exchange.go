package ports

import (
	"context"

	"upbitScalper/internal/domain"
)

// ExchangeClient defines the interface for interacting with the exchange.
// Implementations validate every response at the boundary and return domain types.
type ExchangeClient interface {
	// GetTicker retrieves the latest trade summary for a market.
	GetTicker(ctx context.Context, market string) (*domain.Ticker, error)

	// GetMinuteCandles retrieves up to count minute candles, ordered oldest to newest.
	GetMinuteCandles(ctx context.Context, market string, unit, count int) ([]*domain.Candle, error)

	// GetOrderbook retrieves the current depth snapshot for a market.
	GetOrderbook(ctx context.Context, market string) (*domain.Orderbook, error)

	// GetBalance retrieves the holding for a currency (e.g. "KRW", "BTC").
	// A currency absent from the account yields a zero Balance, not an error.
	GetBalance(ctx context.Context, currency string) (*domain.Balance, error)

	// PlaceMarketBuy submits a notional-denominated market buy.
	PlaceMarketBuy(ctx context.Context, market string, notional float64, identifier string) (*domain.Order, error)

	// PlaceMarketSell submits a volume-denominated market sell.
	PlaceMarketSell(ctx context.Context, market string, volume float64, identifier string) (*domain.Order, error)

	// GetOrder retrieves an order by exchange UUID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// GetOrderByIdentifier retrieves an order by client identifier.
	// Returns ErrOrderNotFound when the exchange has no such order.
	GetOrderByIdentifier(ctx context.Context, identifier string) (*domain.Order, error)

	// CancelOrder cancels an open order.
	CancelOrder(ctx context.Context, id string) (*domain.Order, error)

	// GetOpenOrders lists orders still waiting on the book for a market.
	GetOpenOrders(ctx context.Context, market string) ([]*domain.Order, error)
}

// TickerStreamer delivers real-time ticker updates.
type TickerStreamer interface {
	// StreamTicker starts a WebSocket stream for ticker events.
	// Returns channels to control the stream (doneCh, stopCh) or an error if connection fails.
	StreamTicker(ctx context.Context, market string, handler func(t *domain.Ticker), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}
