package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorder_Exposition(t *testing.T) {
	r := NewRecorder()

	r.ObserveRequest("exchange", "ok")
	r.ObserveRequest("exchange", "ok")
	r.Observe429("quotation")
	r.ObserveOrder("bid", "filled")
	r.ObserveExit("STOP_LOSS", -120)
	r.ObserveExit("TAKE_PROFIT", 300)
	r.ObserveReconcile("ghost_cleared")
	r.ObserveEmergency("price_drop")
	r.SetPositionOpen(true)
	r.SetUnrealizedProfit(0.35)

	body := scrape(t, r)
	for _, want := range []string{
		`scalper_requests_total{group="exchange",outcome="ok"} 2`,
		`scalper_rate_limited_total{group="quotation"} 1`,
		`scalper_orders_total{outcome="filled",side="bid"} 1`,
		`scalper_exits_total{reason="STOP_LOSS"} 1`,
		`scalper_exits_total{reason="TAKE_PROFIT"} 1`,
		`scalper_realized_profit_krw 180`,
		`scalper_reconcile_total{outcome="ghost_cleared"} 1`,
		`scalper_emergency_stops_total{reason="price_drop"} 1`,
		`scalper_position_open 1`,
		`scalper_unrealized_profit_percent 0.35`,
	} {
		assert.Contains(t, body, want)
	}
}

func TestRecorder_ClosingResetsUnrealized(t *testing.T) {
	r := NewRecorder()
	r.SetPositionOpen(true)
	r.SetUnrealizedProfit(-0.4)
	r.SetPositionOpen(false)

	body := scrape(t, r)
	assert.Contains(t, body, "scalper_position_open 0")
	assert.Contains(t, body, "scalper_unrealized_profit_percent 0")
}

func TestRecorder_IndependentRegistries(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	a.Observe429("exchange")
	assert.NotContains(t, scrape(t, b), `scalper_rate_limited_total{group="exchange"} 1`)
}
