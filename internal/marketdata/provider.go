// Package marketdata assembles domain.MarketSnapshot values for the trading loops.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
)

// Config holds configuration for the Provider.
type Config struct {
	Market          string
	Exchange        ports.ExchangeClient
	Logger          ports.Logger
	CandleCount     int           // 1m candles per snapshot, default 100
	CandleTTL       time.Duration // default 1s
	TickerTTL       time.Duration // default 500ms
	OrderbookTTL    time.Duration // default 1s
	StreamFreshness time.Duration // stream price older than this falls back to REST, default 3s
	Now             func() time.Time
}

// Options selects which parts of a snapshot are fetched.
type Options struct {
	Candles   bool
	Orderbook bool
}

// Provider builds snapshots from cached REST data and the ticker stream.
type Provider struct {
	cfg Config

	candles   cached[[]*domain.Candle]
	ticker    cached[*domain.Ticker]
	orderbook cached[*domain.Orderbook]

	mu         sync.RWMutex
	streamTick *domain.Ticker
	streamAt   time.Time
	lastPrice  float64
}

// NewProvider validates cfg and fills defaults.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Exchange == nil {
		return nil, fmt.Errorf("exchange client is required for market data provider")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for market data provider")
	}
	if cfg.Market == "" {
		return nil, fmt.Errorf("market is required for market data provider")
	}
	if cfg.CandleCount <= 0 {
		cfg.CandleCount = 100
	}
	if cfg.CandleCount > 200 {
		cfg.CandleCount = 200
	}
	if cfg.CandleTTL <= 0 {
		cfg.CandleTTL = time.Second
	}
	if cfg.TickerTTL <= 0 {
		cfg.TickerTTL = 500 * time.Millisecond
	}
	if cfg.OrderbookTTL <= 0 {
		cfg.OrderbookTTL = time.Second
	}
	if cfg.StreamFreshness <= 0 {
		cfg.StreamFreshness = 3 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Provider{cfg: cfg}, nil
}

// UpdateFromStream records a websocket ticker; it is the stream handler.
func (p *Provider) UpdateFromStream(t *domain.Ticker) {
	if t == nil || t.TradePrice <= 0 {
		return
	}
	p.mu.Lock()
	p.streamTick = t
	p.streamAt = p.cfg.Now()
	p.lastPrice = t.TradePrice
	p.mu.Unlock()
}

// StreamAge returns how long ago the stream last delivered, or -1 if it never has.
func (p *Provider) StreamAge() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.streamTick == nil {
		return -1
	}
	return p.cfg.Now().Sub(p.streamAt)
}

// LastPrice returns the most recent price seen from any source without I/O, or 0.
func (p *Provider) LastPrice() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPrice
}

// Ticker returns the fresh stream ticker when available, otherwise a cached REST ticker.
func (p *Provider) Ticker(ctx context.Context) (*domain.Ticker, error) {
	now := p.cfg.Now()
	p.mu.RLock()
	st, at := p.streamTick, p.streamAt
	p.mu.RUnlock()
	if st != nil && now.Sub(at) <= p.cfg.StreamFreshness {
		return st, nil
	}

	t, stale, err := p.ticker.get(ctx, now, p.cfg.TickerTTL, func(ctx context.Context) (*domain.Ticker, error) {
		return p.cfg.Exchange.GetTicker(ctx, p.cfg.Market)
	})
	if err != nil && !stale {
		return nil, fmt.Errorf("Ticker failed: %w", err)
	}
	if stale {
		p.cfg.Logger.Warn(ctx, "Ticker refresh failed, using cached value", map[string]interface{}{"error": err.Error()})
	}
	if t == nil || t.TradePrice <= 0 {
		return nil, fmt.Errorf("Ticker failed: %w: non-positive price", ports.ErrInvalidResponse)
	}
	p.mu.Lock()
	p.lastPrice = t.TradePrice
	p.mu.Unlock()
	return t, nil
}

// Snapshot builds a MarketSnapshot. Price and ticker are always present;
// candles and the orderbook are fetched when opts asks for them.
func (p *Provider) Snapshot(ctx context.Context, opts Options) (*domain.MarketSnapshot, error) {
	ticker, err := p.Ticker(ctx)
	if err != nil {
		return nil, err
	}
	snap := &domain.MarketSnapshot{
		Market:    p.cfg.Market,
		Price:     ticker.TradePrice,
		Ticker:    ticker,
		Timestamp: p.cfg.Now(),
	}

	if opts.Candles {
		candles, stale, err := p.candles.get(ctx, snap.Timestamp, p.cfg.CandleTTL, func(ctx context.Context) ([]*domain.Candle, error) {
			return p.cfg.Exchange.GetMinuteCandles(ctx, p.cfg.Market, 1, p.cfg.CandleCount)
		})
		if err != nil && !stale {
			return nil, fmt.Errorf("Snapshot failed: candles: %w", err)
		}
		if stale {
			p.cfg.Logger.Warn(ctx, "Candle refresh failed, using cached value", map[string]interface{}{"error": err.Error()})
		}
		snap.Candles = candles
	}

	if opts.Orderbook {
		ob, stale, err := p.orderbook.get(ctx, snap.Timestamp, p.cfg.OrderbookTTL, func(ctx context.Context) (*domain.Orderbook, error) {
			return p.cfg.Exchange.GetOrderbook(ctx, p.cfg.Market)
		})
		switch {
		case err != nil && !stale:
			// Orderbook scoring is optional; the snapshot stays usable without it.
			p.cfg.Logger.Warn(ctx, "Orderbook unavailable", map[string]interface{}{"error": err.Error()})
		case stale:
			p.cfg.Logger.Warn(ctx, "Orderbook refresh failed, using cached value", map[string]interface{}{"error": err.Error()})
			snap.Orderbook = ob
		default:
			snap.Orderbook = ob
		}
	}
	return snap, nil
}

// Invalidate drops every cached REST value.
func (p *Provider) Invalidate() {
	p.candles.invalidate()
	p.ticker.invalidate()
	p.orderbook.invalidate()
}
