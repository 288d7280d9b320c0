package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"upbitScalper/internal/adapters/metrics"
	"upbitScalper/internal/domain"
	"upbitScalper/internal/marketdata"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/reconcile"
	"upbitScalper/internal/strategy/analytics"
)

const statusTradeWindow = 100 // Trades summarized in the status report

// Positions is the part of the position manager the scheduler drives.
type Positions interface {
	GetPosition() *domain.Position
	State() domain.PositionState
	Halted() (bool, string)
	Restore(ctx context.Context) (*domain.PersistedState, error)
	Enter(ctx context.Context, signal *domain.EntrySignal, snap *domain.MarketSnapshot) (*domain.EntryResult, error)
	Tick(ctx context.Context, snap *domain.MarketSnapshot) (*domain.ExitDecision, error)
}

// MarketData supplies snapshots and accepts streamed tickers.
type MarketData interface {
	Snapshot(ctx context.Context, opts marketdata.Options) (*domain.MarketSnapshot, error)
	UpdateFromStream(t *domain.Ticker)
	StreamAge() time.Duration
	LastPrice() float64
}

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Run(ctx context.Context) (reconcile.Outcome, error)
}

// SellGuard exposes the executor's sell guard to the watchdog.
type SellGuard interface {
	SellGuardAge() (time.Duration, bool)
	ForceReleaseSell() bool
}

// Emergency is fed with call outcomes and checked every risk tick.
type Emergency interface {
	RecordSuccess()
	RecordError()
	Check(ctx context.Context, ticker *domain.Ticker) bool
}

// InstanceLock is held for the lifetime of the service.
type InstanceLock interface {
	KeepAlive(ctx context.Context) error
	Release(ctx context.Context) error
}

// Runner is a background component that runs until ctx is done.
type Runner interface {
	Run(ctx context.Context) error
}

// Config holds the scheduler cadence.
type Config struct {
	Market            string
	RiskInterval      time.Duration // Exit evaluation, e.g. 1s
	EntryInterval     time.Duration // Entry check, e.g. 5s
	ReconcileInterval time.Duration // e.g. 30s; trades also request a pass
	StatusInterval    time.Duration // e.g. 10s
	SellGuardTimeout  time.Duration // Watchdog force-release threshold, e.g. 30s
	FallbackDelay     time.Duration // Delay before retrying a failed tick, e.g. 500ms
	NeedsOrderbook    bool          // Entry snapshots include the orderbook
	MetricsAddr       string        // Empty disables the metrics server
}

// Deps holds the collaborators. Positions, Market, Signals and Logger are required.
type Deps struct {
	Logger         ports.Logger
	Positions      Positions
	Market         MarketData
	Signals        ports.SignalProducer
	Reconciler     Reconciler
	SellGuard      SellGuard
	Emergency      Emergency
	Trades         ports.TradeRepository
	Streamer       ports.TickerStreamer
	Notifier       ports.Notifier
	NotifierRunner Runner
	MetricsHandler http.Handler
	AcquireLock    func(ctx context.Context) (InstanceLock, error)
}

// TradingService orchestrates the trading bot's loops.
type TradingService struct {
	cfg  Config
	deps Deps

	logger ports.Logger
	hints  chan struct{}
	// Set by a forced sell-guard release until a reconciliation pass
	// actually inspects the balance.
	verifyPending atomic.Bool
}

// NewTradingService creates a new application service instance.
func NewTradingService(cfg Config, deps Deps) (*TradingService, error) {
	// Validate dependencies
	if deps.Logger == nil || deps.Positions == nil || deps.Market == nil || deps.Signals == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if cfg.Market == "" {
		return nil, fmt.Errorf("market is required for TradingService")
	}
	if cfg.RiskInterval <= 0 {
		cfg.RiskInterval = time.Second
	}
	if cfg.EntryInterval <= 0 {
		cfg.EntryInterval = 5 * time.Second
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 10 * time.Second
	}
	if cfg.SellGuardTimeout <= 0 {
		cfg.SellGuardTimeout = 30 * time.Second
	}
	if cfg.FallbackDelay <= 0 {
		cfg.FallbackDelay = 500 * time.Millisecond
	}
	if deps.Notifier == nil {
		deps.Notifier = ports.NopNotifier{}
	}

	return &TradingService{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		hints:  make(chan struct{}, 1),
	}, nil
}

// RequestReconcile asks for a reconciliation pass soon. It never blocks.
func (s *TradingService) RequestReconcile() {
	select {
	case s.hints <- struct{}{}:
	default:
	}
}

// Start runs the startup sequence and then every loop until ctx is canceled
// or a signal arrives.
func (s *TradingService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Trading Service...", map[string]interface{}{"market": s.cfg.Market})

	// Create a context that can be canceled by signals
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// --- Initialization Steps ---
	// 1. Restore persisted position and emergency flag
	st, err := s.deps.Positions.Restore(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "Failed to restore persisted state")
		return fmt.Errorf("failed to restore state: %w", err)
	}
	if pos := s.deps.Positions.GetPosition(); pos != nil {
		s.logger.Info(ctx, "Restored open position", map[string]interface{}{
			"volume":   pos.Volume,
			"avgPrice": pos.AvgEntryPrice,
			"entry":    pos.EntryTime.Format(time.RFC3339),
		})
	} else if st == nil {
		s.logger.Info(ctx, "No persisted state found, starting flat")
	}

	// 2. Emergency latch
	if halted, reason := s.deps.Positions.Halted(); halted {
		s.logger.Warn(ctx, "Emergency stop is latched, new entries are disabled until EMERGENCY_RESET=true", map[string]interface{}{"reason": reason})
		s.deps.Notifier.Notify("emergency", fmt.Sprintf("%s started with emergency stop latched: %s", s.cfg.Market, reason))
	}

	// 3. Instance lock
	var lock InstanceLock
	if s.deps.AcquireLock != nil {
		lock, err = s.deps.AcquireLock(ctx)
		if err != nil {
			s.logger.Error(ctx, err, "Failed to acquire instance lock")
			return fmt.Errorf("failed to acquire instance lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				s.logger.Error(context.Background(), err, "Failed to release instance lock")
			}
		}()
		s.logger.Info(ctx, "Instance lock acquired")
	}

	// 4. Initial reconciliation against exchange balances
	if s.deps.Reconciler != nil {
		s.reconcileOnce(ctx, "startup")
	}

	// --- Loops ---
	g, gctx := errgroup.WithContext(ctx)
	if lock != nil {
		g.Go(func() error { return lock.KeepAlive(gctx) })
	}
	if s.deps.NotifierRunner != nil {
		g.Go(func() error { return s.deps.NotifierRunner.Run(gctx) })
	}
	if s.cfg.MetricsAddr != "" && s.deps.MetricsHandler != nil {
		g.Go(func() error { return metrics.Serve(gctx, s.cfg.MetricsAddr, s.deps.MetricsHandler, s.logger) })
	}
	if s.deps.Streamer != nil {
		g.Go(func() error { return s.streamPrices(gctx) })
	}
	g.Go(func() error { return s.runLoop(gctx, "risk", s.cfg.RiskInterval, s.riskTick) })
	g.Go(func() error { return s.runLoop(gctx, "entry", s.cfg.EntryInterval, s.entryTick) })
	g.Go(func() error { return s.runLoop(gctx, "status", s.cfg.StatusInterval, s.statusTick) })
	if s.deps.Reconciler != nil {
		g.Go(func() error { return s.reconcileLoop(gctx) })
	}
	if s.deps.SellGuard != nil {
		g.Go(func() error { return s.watchdogLoop(gctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error(ctx, err, "Trading Service stopped with error")
		return err
	}
	s.logger.Info(ctx, "Trading Service stopped.")
	return nil
}

// runLoop calls fn every interval. A failed tick is logged and retried after
// the fallback delay; it never ends the loop.
func (s *TradingService) runLoop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) error {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		next := interval
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error(ctx, err, "Scheduler tick failed", map[string]interface{}{"loop": name})
			next = s.cfg.FallbackDelay
		}
		timer.Reset(next)
	}
}

// riskTick feeds the emergency monitor and evaluates exits for an open position.
func (s *TradingService) riskTick(ctx context.Context) error {
	open := s.deps.Positions.State() == domain.StateOpen
	snap, err := s.deps.Market.Snapshot(ctx, marketdata.Options{Candles: open})
	if err != nil {
		s.recordError(ctx)
		return fmt.Errorf("risk snapshot: %w", err)
	}
	if s.deps.Emergency != nil {
		s.deps.Emergency.RecordSuccess()
		s.deps.Emergency.Check(ctx, snap.Ticker)
	}
	if !open {
		return nil
	}

	// The latest signal drives the reverse-signal exit.
	if sig, err := s.deps.Signals.Evaluate(ctx, snap); err == nil {
		snap.Signal = sig
	} else {
		s.logger.Debug(ctx, "Signal unavailable for exit evaluation", map[string]interface{}{"error": err.Error()})
	}

	decision, err := s.deps.Positions.Tick(ctx, snap)
	if err != nil {
		if isExpected(err) {
			s.logger.Debug(ctx, "Exit deferred", map[string]interface{}{"reason": err.Error()})
			return nil
		}
		if decision != nil {
			return fmt.Errorf("exit %s: %w", decision.Trigger, err)
		}
		return fmt.Errorf("exit: %w", err)
	}
	return nil
}

// entryTick asks the signal producer and enters when it accepts.
func (s *TradingService) entryTick(ctx context.Context) error {
	if halted, _ := s.deps.Positions.Halted(); halted {
		return nil
	}
	if state := s.deps.Positions.State(); state == domain.StateOpening || state == domain.StateClosing {
		return nil
	}

	snap, err := s.deps.Market.Snapshot(ctx, marketdata.Options{Candles: true, Orderbook: s.cfg.NeedsOrderbook})
	if err != nil {
		s.recordError(ctx)
		return fmt.Errorf("entry snapshot: %w", err)
	}
	if s.deps.Emergency != nil {
		s.deps.Emergency.RecordSuccess()
	}
	if len(snap.Candles) < s.deps.Signals.RequiredCandles() {
		s.logger.Debug(ctx, "Not enough candles for entry signal", map[string]interface{}{
			"have": len(snap.Candles),
			"need": s.deps.Signals.RequiredCandles(),
		})
		return nil
	}

	sig, err := s.deps.Signals.Evaluate(ctx, snap)
	if err != nil {
		return fmt.Errorf("entry signal: %w", err)
	}
	snap.Signal = sig
	if sig == nil || !sig.ShouldEnter {
		return nil
	}

	s.logger.Info(ctx, "Entry signal accepted", map[string]interface{}{
		"score":   sig.Score,
		"signals": sig.SignalCount,
		"rsi":     sig.RSI,
		"atrPct":  sig.ATRPercent,
		"price":   snap.Price,
	})
	result, err := s.deps.Positions.Enter(ctx, sig, snap)
	if err != nil {
		if needsReconcile(err) {
			s.RequestReconcile()
		}
		if isExpected(err) {
			s.logger.Info(ctx, "Entry skipped", map[string]interface{}{"reason": err.Error()})
			return nil
		}
		return fmt.Errorf("entry: %w", err)
	}
	if result != nil && result.Desync {
		s.RequestReconcile()
	}
	return nil
}

func (s *TradingService) reconcileLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reconcileOnce(ctx, "interval")
		case <-s.hints:
			s.reconcileOnce(ctx, "hint")
		}
	}
}

func (s *TradingService) reconcileOnce(ctx context.Context, trigger string) {
	outcome, err := s.deps.Reconciler.Run(ctx)
	if err == nil && outcome != reconcile.Skipped {
		s.verifyPending.Store(false)
	}
	fields := map[string]interface{}{"outcome": string(outcome), "trigger": trigger}
	switch {
	case err != nil:
		s.logger.Error(ctx, err, "Reconciliation failed", fields)
	case outcome == reconcile.InSync || outcome == reconcile.Skipped:
		s.logger.Debug(ctx, "Reconciliation pass", fields)
	default:
		s.logger.Warn(ctx, "Reconciliation corrected local state", fields)
	}
}

// watchdogLoop force-releases a sell guard held past the timeout and keeps
// requesting reconciliation until a pass re-reads the true balance.
func (s *TradingService) watchdogLoop(ctx context.Context) error {
	interval := s.cfg.SellGuardTimeout / 3
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.checkSellGuard(ctx)
		}
	}
}

func (s *TradingService) checkSellGuard(ctx context.Context) bool {
	age, held := s.deps.SellGuard.SellGuardAge()
	if !held || age <= s.cfg.SellGuardTimeout {
		// A pass that ran while the manager was still closing is skipped,
		// so the hint is repeated until one gets through.
		if s.verifyPending.Load() {
			s.RequestReconcile()
		}
		return false
	}
	if !s.deps.SellGuard.ForceReleaseSell() {
		return false
	}
	s.logger.Warn(ctx, "Sell guard held too long, force-released", map[string]interface{}{
		"held":    age.Truncate(time.Millisecond).String(),
		"timeout": s.cfg.SellGuardTimeout.String(),
	})
	s.verifyPending.Store(true)
	s.RequestReconcile()
	return true
}

// statusTick logs local state only; it performs no exchange calls.
func (s *TradingService) statusTick(ctx context.Context) error {
	fields := map[string]interface{}{
		"state":     string(s.deps.Positions.State()),
		"streamAge": s.deps.Market.StreamAge().Truncate(time.Millisecond).String(),
	}
	price := s.deps.Market.LastPrice()
	if pos := s.deps.Positions.GetPosition(); pos != nil {
		fields["volume"] = pos.Volume
		fields["avgPrice"] = pos.AvgEntryPrice
		fields["holding"] = time.Since(pos.EntryTime).Truncate(time.Second).String()
		if price > 0 {
			fields["price"] = price
			fields["profitRate"] = pos.ProfitRate(price)
		}
	}
	if halted, reason := s.deps.Positions.Halted(); halted {
		fields["halted"] = reason
	}
	if s.deps.Trades != nil {
		trades, err := s.deps.Trades.FindByMarket(ctx, s.cfg.Market, statusTradeWindow)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		fields["summary"] = analytics.Summarize(trades).String()
	}
	s.logger.Info(ctx, "Status", fields)
	return nil
}

// streamPrices feeds websocket tickers into the market data cache. When the
// stream gives up, snapshots fall back to REST and the service keeps running.
func (s *TradingService) streamPrices(ctx context.Context) error {
	doneCh, stopCh, err := s.deps.Streamer.StreamTicker(ctx, s.cfg.Market, s.deps.Market.UpdateFromStream, func(err error) {
		s.logger.Warn(ctx, "Price stream error", map[string]interface{}{"error": err.Error()})
	})
	if err != nil {
		s.logger.Error(ctx, err, "Failed to start price stream, using REST prices")
		return nil
	}
	s.logger.Info(ctx, "Price stream started", map[string]interface{}{"market": s.cfg.Market})

	select {
	case <-ctx.Done():
		close(stopCh)
		select {
		case <-doneCh:
			s.logger.Info(ctx, "Price stream shut down gracefully")
		case <-time.After(5 * time.Second):
			s.logger.Warn(ctx, "Timeout waiting for price stream to shut down")
		}
	case <-doneCh:
		s.logger.Warn(ctx, "Price stream stopped, using REST prices")
	}
	return nil
}

func (s *TradingService) recordError(ctx context.Context) {
	if s.deps.Emergency == nil {
		return
	}
	s.deps.Emergency.RecordError()
	s.deps.Emergency.Check(ctx, nil)
}

// isExpected reports errors that mean "not now" rather than a failure.
func isExpected(err error) bool {
	return errors.Is(err, ports.ErrBusy) ||
		errors.Is(err, ports.ErrCooldown) ||
		errors.Is(err, ports.ErrRiskLimit) ||
		errors.Is(err, ports.ErrEmergencyStop) ||
		errors.Is(err, ports.ErrDesync)
}

// needsReconcile reports entry failures after which the exchange may hold a
// position the manager does not know about.
func needsReconcile(err error) bool {
	return errors.Is(err, ports.ErrDesync) ||
		errors.Is(err, ports.ErrFillTimeout) ||
		errors.Is(err, ports.ErrOperationFailed)
}
