package execution_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"upbitScalper/internal/adapters/upbit"
	"upbitScalper/internal/execution"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const landedOrder = `{"uuid":"landed","identifier":"buy-1","side":"bid","ord_type":"price","price":"10000","state":"done","market":"KRW-BTC","executed_volume":"0.0001","paid_fee":"5","trades":[{"price":"100000000","volume":"0.0001","funds":"10000"}]}`

// orderDesk plays an exchange that accepts the first order but answers with
// a 502, then rejects any repeat of the identifier.
type orderDesk struct {
	mu      sync.Mutex
	posts   int
	lookups int
	// identifier lookups answered with not found before the order shows up
	lookupLag int
}

func (d *orderDesk) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/accounts":
		_, _ = w.Write([]byte(`[{"currency":"KRW","balance":"100000","locked":"0","avg_buy_price":"0","unit_currency":"KRW"}]`))

	case r.Method == http.MethodPost && r.URL.Path == "/orders":
		d.posts++
		if d.posts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"name":"server_error","message":"bad gateway"}}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"name":"create_bid_error","message":"identifier already used"}}`))

	case r.URL.Path == "/order" && r.URL.Query().Get("identifier") != "":
		d.lookups++
		if d.lookups <= d.lookupLag {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"name":"order_not_found","message":"order not found"}}`))
			return
		}
		_, _ = w.Write([]byte(landedOrder))

	case r.URL.Path == "/order" && r.URL.Query().Get("uuid") == "landed":
		_, _ = w.Write([]byte(landedOrder))

	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"name":"not_found","message":"unexpected call"}}`))
	}
}

func newHTTPExecutor(t *testing.T, desk *orderDesk) *execution.Executor {
	t.Helper()
	srv := httptest.NewServer(desk)
	t.Cleanup(srv.Close)

	noSleep := func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	gw, err := upbit.NewGateway(upbit.GatewayConfig{
		BaseURL: srv.URL,
		Signer:  upbit.NewSigner("access-key", "secret-key"),
		Limiter: ratelimit.NewLimiter(
			ratelimit.BucketConfig{RatePerSecond: 1000},
			ratelimit.BucketConfig{RatePerSecond: 1000},
		),
		Logger: ports.NopLogger{},
		Sleep:  noSleep,
	})
	require.NoError(t, err)
	client, err := upbit.New(upbit.Config{Gateway: gw, Logger: ports.NopLogger{}})
	require.NoError(t, err)

	e, err := execution.New(execution.Config{
		Market:         "KRW-BTC",
		Exchange:       client,
		Logger:         ports.NopLogger{},
		SubmitAttempts: 3,
		Sleep:          noSleep,
		NewIdentifier:  func() string { return "buy-1" },
	})
	require.NoError(t, err)
	return e
}

func TestExecutor_BuyResolvesAmbiguousSubmitOverHTTP(t *testing.T) {
	t.Run("order found by identifier after a 502", func(t *testing.T) {
		desk := &orderDesk{}
		e := newHTTPExecutor(t, desk)

		fill, err := e.Buy(context.Background(), 10000)

		require.NoError(t, err)
		assert.Equal(t, "landed", fill.OrderID)
		assert.InDelta(t, 0.0001, fill.FilledVolume, 1e-12)
		assert.Equal(t, 1, desk.posts, "the gateway must not resend an order on its own")
		assert.Equal(t, 1, desk.lookups)
	})

	t.Run("duplicate identifier rejection resumes the landed order", func(t *testing.T) {
		desk := &orderDesk{lookupLag: 1}
		e := newHTTPExecutor(t, desk)

		fill, err := e.Buy(context.Background(), 10000)

		require.NoError(t, err)
		assert.Equal(t, "landed", fill.OrderID)
		assert.Equal(t, 2, desk.posts)
		assert.Equal(t, 2, desk.lookups)
	})
}
