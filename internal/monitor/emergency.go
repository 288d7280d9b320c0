// Package monitor watches for conditions under which the bot must stop opening positions.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
)

// Trigger kinds, used as metric labels.
const (
	TriggerPriceDrop      = "price_drop"
	TriggerNetworkTimeout = "network_timeout"
	TriggerAPIErrors      = "api_errors"
)

// Halter stops new entries and persists the halt.
type Halter interface {
	Halt(ctx context.Context, reason string)
}

// Config holds the emergency thresholds.
type Config struct {
	Enabled          bool
	PriceDropPercent float64       // Signed 24h change at or below this fires, e.g. -10
	NetworkTimeout   time.Duration // No successful call for longer than this fires
	ErrorThreshold   int           // Consecutive API errors that fire
	Halter           Halter
	Notifier         ports.Notifier
	Metrics          ports.Metrics
	Logger           ports.Logger
	Now              func() time.Time
}

// DefaultConfig returns the stock thresholds: -10%, 20s, 10 errors.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		PriceDropPercent: -10,
		NetworkTimeout:   20 * time.Second,
		ErrorThreshold:   10,
	}
}

// EmergencyMonitor fires at most once per process; the halt itself is latched
// in the state file by the Halter.
type EmergencyMonitor struct {
	cfg Config

	mu                sync.Mutex
	consecutiveErrors int
	lastSuccess       time.Time
	triggered         bool
	reason            string
}

// NewEmergencyMonitor validates cfg. The silence clock starts now.
func NewEmergencyMonitor(cfg Config) (*EmergencyMonitor, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for emergency monitor")
	}
	if cfg.Halter == nil {
		return nil, fmt.Errorf("halter is required for emergency monitor")
	}
	if cfg.PriceDropPercent >= 0 {
		return nil, fmt.Errorf("emergency price drop must be negative, got %.2f", cfg.PriceDropPercent)
	}
	if cfg.NetworkTimeout <= 0 || cfg.ErrorThreshold <= 0 {
		return nil, fmt.Errorf("emergency network timeout and error threshold must be positive")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = ports.NopNotifier{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &EmergencyMonitor{cfg: cfg, lastSuccess: cfg.Now()}, nil
}

// RecordSuccess resets the error streak and the silence clock.
func (e *EmergencyMonitor) RecordSuccess() {
	e.mu.Lock()
	e.consecutiveErrors = 0
	e.lastSuccess = e.cfg.Now()
	e.mu.Unlock()
}

// RecordError extends the error streak.
func (e *EmergencyMonitor) RecordError() {
	e.mu.Lock()
	e.consecutiveErrors++
	e.mu.Unlock()
}

// ConsecutiveErrors returns the current error streak.
func (e *EmergencyMonitor) ConsecutiveErrors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecutiveErrors
}

// Triggered reports whether the monitor has fired and why.
func (e *EmergencyMonitor) Triggered() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggered, e.reason
}

// Check runs the price drop, network silence and error streak checks in that
// order. ticker may be nil when no quote is available this tick.
func (e *EmergencyMonitor) Check(ctx context.Context, ticker *domain.Ticker) bool {
	if !e.cfg.Enabled {
		return false
	}

	e.mu.Lock()
	if e.triggered {
		e.mu.Unlock()
		return true
	}
	kind, reason := e.evaluate(ticker)
	if kind == "" {
		e.mu.Unlock()
		return false
	}
	e.triggered = true
	e.reason = reason
	e.mu.Unlock()

	e.fire(ctx, kind, reason)
	return true
}

func (e *EmergencyMonitor) evaluate(ticker *domain.Ticker) (string, string) {
	if ticker != nil {
		if change := ticker.SignedChangeRate * 100; change <= e.cfg.PriceDropPercent {
			return TriggerPriceDrop, fmt.Sprintf("price drop %.2f%% (threshold %.2f%%)", change, e.cfg.PriceDropPercent)
		}
	}
	if silence := e.cfg.Now().Sub(e.lastSuccess); silence > e.cfg.NetworkTimeout {
		return TriggerNetworkTimeout, fmt.Sprintf("no successful API call for %s", silence.Truncate(time.Second))
	}
	if e.consecutiveErrors >= e.cfg.ErrorThreshold {
		return TriggerAPIErrors, fmt.Sprintf("%d consecutive API errors", e.consecutiveErrors)
	}
	return "", ""
}

func (e *EmergencyMonitor) fire(ctx context.Context, kind, reason string) {
	e.cfg.Logger.Error(ctx, ports.ErrEmergencyStop, "Emergency stop triggered", map[string]interface{}{
		"trigger": kind,
		"reason":  reason,
	})
	e.cfg.Metrics.ObserveEmergency(kind)
	e.cfg.Halter.Halt(ctx, reason)
	e.cfg.Notifier.Notify("emergency", "Emergency stop: "+reason+". Set EMERGENCY_RESET=true to resume.")
}
