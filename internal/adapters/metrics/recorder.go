// Package metrics exposes the bot's Prometheus metrics:
//
//	scalper_requests_total{group,outcome}  REST calls by rate-limit group
//	scalper_rate_limited_total{group}      429 responses
//	scalper_orders_total{side,outcome}     submitted orders
//	scalper_exits_total{reason}            closed positions by trigger
//	scalper_realized_profit_krw            cumulative realized profit
//	scalper_reconcile_total{outcome}       reconciliation passes
//	scalper_emergency_stops_total{reason}  emergency halts
//	scalper_position_open                  1 while a position is held
//	scalper_unrealized_profit_percent      gross profit of the open position
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"upbitScalper/internal/ports"
)

// Recorder implements ports.Metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	orders        *prometheus.CounterVec
	exits         *prometheus.CounterVec
	realized      prometheus.Gauge
	reconcile     *prometheus.CounterVec
	emergency     *prometheus.CounterVec
	positionOpen  prometheus.Gauge
	unrealizedPct prometheus.Gauge
}

// NewRecorder registers every collector on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "scalper_requests_total", Help: "REST requests by rate-limit group and outcome"},
			[]string{"group", "outcome"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "scalper_rate_limited_total", Help: "HTTP 429 responses by rate-limit group"},
			[]string{"group"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "scalper_orders_total", Help: "Orders submitted by side and outcome"},
			[]string{"side", "outcome"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "scalper_exits_total", Help: "Closed positions by exit reason"},
			[]string{"reason"},
		),
		realized: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "scalper_realized_profit_krw", Help: "Cumulative realized profit in KRW since start"},
		),
		reconcile: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "scalper_reconcile_total", Help: "Reconciliation passes by outcome"},
			[]string{"outcome"},
		),
		emergency: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "scalper_emergency_stops_total", Help: "Emergency halts by reason"},
			[]string{"reason"},
		),
		positionOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "scalper_position_open", Help: "1 while a position is held"},
		),
		unrealizedPct: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "scalper_unrealized_profit_percent", Help: "Gross profit percent of the open position"},
		),
	}
	r.registry.MustRegister(
		r.requests, r.rateLimited, r.orders, r.exits, r.realized,
		r.reconcile, r.emergency, r.positionOpen, r.unrealizedPct,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ObserveRequest(group, outcome string) { r.requests.WithLabelValues(group, outcome).Inc() }
func (r *Recorder) Observe429(group string)              { r.rateLimited.WithLabelValues(group).Inc() }
func (r *Recorder) ObserveOrder(side, outcome string)    { r.orders.WithLabelValues(side, outcome).Inc() }
func (r *Recorder) ObserveReconcile(outcome string)      { r.reconcile.WithLabelValues(outcome).Inc() }
func (r *Recorder) ObserveEmergency(reason string)       { r.emergency.WithLabelValues(reason).Inc() }
func (r *Recorder) SetUnrealizedProfit(rate float64)     { r.unrealizedPct.Set(rate) }

func (r *Recorder) ObserveExit(reason string, profit float64) {
	r.exits.WithLabelValues(reason).Inc()
	r.realized.Add(profit)
}

func (r *Recorder) SetPositionOpen(open bool) {
	if open {
		r.positionOpen.Set(1)
		return
	}
	r.positionOpen.Set(0)
	r.unrealizedPct.Set(0)
}

var _ ports.Metrics = (*Recorder)(nil)
