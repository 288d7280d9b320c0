package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// fakeExchange serves quotation calls and counts them.
type fakeExchange struct {
	ports.ExchangeClient

	price        float64
	tickerErr    error
	candleErr    error
	orderbookErr error

	tickerCalls, candleCalls, orderbookCalls int
	lastCount                                int
}

func (f *fakeExchange) GetTicker(ctx context.Context, market string) (*domain.Ticker, error) {
	f.tickerCalls++
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	return &domain.Ticker{Market: market, TradePrice: f.price}, nil
}

func (f *fakeExchange) GetMinuteCandles(ctx context.Context, market string, unit, count int) ([]*domain.Candle, error) {
	f.candleCalls++
	f.lastCount = count
	if f.candleErr != nil {
		return nil, f.candleErr
	}
	return []*domain.Candle{{Market: market, Close: f.price}}, nil
}

func (f *fakeExchange) GetOrderbook(ctx context.Context, market string) (*domain.Orderbook, error) {
	f.orderbookCalls++
	if f.orderbookErr != nil {
		return nil, f.orderbookErr
	}
	return &domain.Orderbook{Market: market, TotalBidSize: 2, TotalAskSize: 1}, nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestProvider(t *testing.T, ex *fakeExchange) (*Provider, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	p, err := NewProvider(Config{Market: "KRW-BTC", Exchange: ex, Logger: &mockLogger{}, Now: c.Now})
	require.NoError(t, err)
	return p, c
}

func TestNewProvider_Validation(t *testing.T) {
	_, err := NewProvider(Config{Market: "KRW-BTC", Logger: &mockLogger{}})
	assert.Error(t, err)
	_, err = NewProvider(Config{Market: "KRW-BTC", Exchange: &fakeExchange{}})
	assert.Error(t, err)
	_, err = NewProvider(Config{Exchange: &fakeExchange{}, Logger: &mockLogger{}})
	assert.Error(t, err)

	p, err := NewProvider(Config{Market: "KRW-BTC", Exchange: &fakeExchange{}, Logger: &mockLogger{}, CandleCount: 500})
	require.NoError(t, err)
	assert.Equal(t, 200, p.cfg.CandleCount)
}

func TestProvider_TickerCachesWithinTTL(t *testing.T) {
	ex := &fakeExchange{price: 100}
	p, c := newTestProvider(t, ex)
	ctx := context.Background()

	_, err := p.Ticker(ctx)
	require.NoError(t, err)
	c.advance(200 * time.Millisecond)
	_, err = p.Ticker(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ex.tickerCalls)

	c.advance(400 * time.Millisecond)
	_, err = p.Ticker(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ex.tickerCalls)
	assert.Equal(t, 100.0, p.LastPrice())
}

func TestProvider_PrefersFreshStream(t *testing.T) {
	ex := &fakeExchange{price: 100}
	p, c := newTestProvider(t, ex)
	ctx := context.Background()

	assert.Equal(t, time.Duration(-1), p.StreamAge())
	p.UpdateFromStream(&domain.Ticker{Market: "KRW-BTC", TradePrice: 101})
	p.UpdateFromStream(&domain.Ticker{Market: "KRW-BTC", TradePrice: 0})

	tk, err := p.Ticker(ctx)
	require.NoError(t, err)
	assert.Equal(t, 101.0, tk.TradePrice)
	assert.Zero(t, ex.tickerCalls)

	c.advance(4 * time.Second)
	assert.Equal(t, 4*time.Second, p.StreamAge())
	tk, err = p.Ticker(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, tk.TradePrice)
	assert.Equal(t, 1, ex.tickerCalls)
}

func TestProvider_StaleFallbackOnError(t *testing.T) {
	ex := &fakeExchange{price: 100}
	p, c := newTestProvider(t, ex)
	ctx := context.Background()

	_, err := p.Snapshot(ctx, Options{Candles: true})
	require.NoError(t, err)

	ex.tickerErr = ports.ErrOperationFailed
	ex.candleErr = ports.ErrOperationFailed
	c.advance(5 * time.Second)

	snap, err := p.Snapshot(ctx, Options{Candles: true})
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.Price)
	assert.Len(t, snap.Candles, 1)

	p.Invalidate()
	_, err = p.Snapshot(ctx, Options{})
	assert.ErrorIs(t, err, ports.ErrOperationFailed)
}

func TestProvider_Snapshot(t *testing.T) {
	tests := []struct {
		name          string
		opts          Options
		orderbookErr  error
		wantCandles   bool
		wantOrderbook bool
	}{
		{name: "price only", opts: Options{}},
		{name: "with candles", opts: Options{Candles: true}, wantCandles: true},
		{name: "with orderbook", opts: Options{Candles: true, Orderbook: true}, wantCandles: true, wantOrderbook: true},
		{name: "orderbook failure is tolerated", opts: Options{Orderbook: true}, orderbookErr: errors.New("down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExchange{price: 50_000_000, orderbookErr: tt.orderbookErr}
			p, _ := newTestProvider(t, ex)

			snap, err := p.Snapshot(context.Background(), tt.opts)
			require.NoError(t, err)
			assert.Equal(t, "KRW-BTC", snap.Market)
			assert.Equal(t, 50_000_000.0, snap.Price)
			assert.NotNil(t, snap.Ticker)
			assert.Equal(t, tt.wantCandles, snap.Candles != nil)
			assert.Equal(t, tt.wantOrderbook, snap.Orderbook != nil)
			if tt.wantCandles {
				assert.Equal(t, 100, ex.lastCount)
			}
		})
	}
}

func TestProvider_RejectsNonPositivePrice(t *testing.T) {
	ex := &fakeExchange{price: 0}
	p, _ := newTestProvider(t, ex)
	_, err := p.Ticker(context.Background())
	assert.ErrorIs(t, err, ports.ErrInvalidResponse)
}
