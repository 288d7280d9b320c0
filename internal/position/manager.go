package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/execution"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/reconcile"
)

// OrderExecutor is the part of the execution pipeline the manager drives.
type OrderExecutor interface {
	Buy(ctx context.Context, notional float64) (*domain.Fill, error)
	Sell(ctx context.Context, req execution.SellRequest) (*domain.Fill, error)
}

// Sizer computes entry notional.
type Sizer interface {
	AllocateNotional(balance, stopLossPct, atrPct float64) float64
}

// RiskGuard enforces daily limits.
type RiskGuard interface {
	CanOpen(now time.Time) error
	RecordTrade(trade *domain.Trade)
}

// Config holds the manager dependencies and entry settings.
type Config struct {
	Market    string
	Currency  string
	Exchange  ports.ExchangeClient
	Executor  OrderExecutor
	Evaluator *Evaluator
	Sizer     Sizer
	Risk      RiskGuard             // Optional
	Trades    ports.TradeRepository // Optional
	State     ports.StateStore      // Optional
	Logger    ports.Logger
	Metrics   ports.Metrics
	Notifier  ports.Notifier

	InvestmentRatio  float64 // Share of the usable KRW balance offered to the sizer
	MinKRWReserve    float64 // KRW never offered to the sizer
	DustThresholdKRW float64

	ConfirmAttempts int           // Balance checks after a buy
	ConfirmDelay    time.Duration // Delay unit; attempt n waits n*ConfirmDelay

	AdditionalEntryMaxCount    int     // 0 disables averaging in
	AdditionalEntryDropPercent float64 // Price must be this far below the average entry

	EmergencyReset bool // Clear a persisted emergency stop on Restore

	// AfterTrade is called after every open or close, e.g. to request a reconciliation pass.
	AfterTrade func()

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager owns the single position and its FLAT, OPENING, OPEN, CLOSING lifecycle.
// All mutation happens under mu; exchange calls run outside it while the
// transient OPENING or CLOSING state keeps other callers out.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	state      domain.PositionState
	position   *domain.Position
	desync     bool
	halted     bool
	haltReason string

	persistMu sync.Mutex
}

// NewManager creates a manager in the FLAT state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Exchange == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("exchange and executor are required for position manager")
	}
	if cfg.Evaluator == nil || cfg.Sizer == nil {
		return nil, fmt.Errorf("evaluator and sizer are required for position manager")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for position manager")
	}
	if cfg.Market == "" || cfg.Currency == "" {
		return nil, fmt.Errorf("market and currency are required for position manager")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = ports.NopNotifier{}
	}
	if cfg.InvestmentRatio <= 0 || cfg.InvestmentRatio > 1 {
		cfg.InvestmentRatio = 0.999
	}
	if cfg.MinKRWReserve < 0 {
		cfg.MinKRWReserve = 0
	}
	if cfg.DustThresholdKRW <= 0 {
		cfg.DustThresholdKRW = 100
	}
	if cfg.ConfirmAttempts <= 0 {
		cfg.ConfirmAttempts = 5
	}
	if cfg.ConfirmDelay <= 0 {
		cfg.ConfirmDelay = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Manager{cfg: cfg, state: domain.StateFlat}, nil
}

// GetPosition returns a copy of the open position, or nil when flat.
func (m *Manager) GetPosition() *domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position.Clone()
}

// State returns the lifecycle state.
func (m *Manager) State() domain.PositionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Desync reports whether the last entry could not be confirmed.
func (m *Manager) Desync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desync
}

// Halted reports whether trading is stopped by an emergency.
func (m *Manager) Halted() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted, m.haltReason
}

// EvaluateTick evaluates the exit predicates against a copy of pos updated with the snapshot price.
func (m *Manager) EvaluateTick(pos *domain.Position, snap *domain.MarketSnapshot) *domain.ExitDecision {
	if !pos.Valid() || snap == nil {
		return nil
	}
	now := m.cfg.Now()
	c := pos.Clone()
	c.Observe(snap.Price, now, m.cfg.Evaluator.Config().SampleWindow())
	return m.cfg.Evaluator.Evaluate(c, snap, now)
}

// Enter opens a position when flat and the signal accepts, or averages into
// an open position when additional entries are enabled. It returns nil, nil
// when there is nothing to do.
func (m *Manager) Enter(ctx context.Context, signal *domain.EntrySignal, snap *domain.MarketSnapshot) (*domain.EntryResult, error) {
	op := "Enter"
	if signal == nil || !signal.ShouldEnter || snap == nil || snap.Price <= 0 {
		return nil, nil
	}
	now := m.cfg.Now()

	m.mu.Lock()
	if m.halted {
		reason := m.haltReason
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w: %s", op, ports.ErrEmergencyStop, reason)
	}
	switch m.state {
	case domain.StateOpening, domain.StateClosing:
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w: position is %s", op, ports.ErrBusy, m.state)
	case domain.StateOpen:
		if !m.canAddEntry(snap.Price) {
			m.mu.Unlock()
			return nil, nil
		}
	}
	if m.desync {
		// An earlier buy may still fill; only reconciliation can clear this.
		m.mu.Unlock()
		m.requestReconcile()
		return nil, fmt.Errorf("%s: %w", op, ports.ErrDesync)
	}
	if m.cfg.Risk != nil {
		if err := m.cfg.Risk.CanOpen(now); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	additional := m.state == domain.StateOpen
	prevState := m.state
	m.state = domain.StateOpening
	m.mu.Unlock()

	result, err := m.enter(ctx, signal, snap, additional)

	m.mu.Lock()
	if m.state == domain.StateOpening {
		m.state = prevState
		if result != nil && result.Position != nil {
			m.state = domain.StateOpen
		}
	}
	m.mu.Unlock()

	if err != nil {
		m.cfg.Logger.Error(ctx, err, op+": entry failed")
		if m.Desync() {
			m.requestReconcile()
		}
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	if result.Position != nil {
		m.cfg.Metrics.SetPositionOpen(true)
		m.persist(ctx)
		m.cfg.Notifier.Notify("entry", fmt.Sprintf("%s bought %.8f @ %.0f (%.0f KRW)",
			m.cfg.Market, result.Fill.FilledVolume, result.Position.AvgEntryPrice, result.Notional))
	}
	m.requestReconcile()
	return result, nil
}

func (m *Manager) requestReconcile() {
	if m.cfg.AfterTrade != nil {
		m.cfg.AfterTrade()
	}
}

// canAddEntry must be called with mu held.
func (m *Manager) canAddEntry(price float64) bool {
	if m.cfg.AdditionalEntryMaxCount <= 0 || m.position == nil {
		return false
	}
	if m.position.AdditionalEntryCount >= m.cfg.AdditionalEntryMaxCount {
		return false
	}
	return m.position.ProfitRate(price) <= -m.cfg.AdditionalEntryDropPercent
}

// enter runs the exchange side of an entry while the state is OPENING.
func (m *Manager) enter(ctx context.Context, signal *domain.EntrySignal, snap *domain.MarketSnapshot, additional bool) (*domain.EntryResult, error) {
	op := "Enter"
	krw, err := m.cfg.Exchange.GetBalance(ctx, "KRW")
	if err != nil {
		return nil, fmt.Errorf("%s: read KRW balance: %w", op, err)
	}
	usable := (krw.Balance - m.cfg.MinKRWReserve) * m.cfg.InvestmentRatio
	notional := m.cfg.Sizer.AllocateNotional(usable, m.cfg.Evaluator.Config().StopLossPercent, signal.ATRPercent)
	if notional <= 0 {
		m.cfg.Logger.Info(ctx, op+": balance too small to enter", map[string]interface{}{"krw": krw.Balance, "usable": usable})
		return nil, nil
	}

	m.cfg.Logger.Info(ctx, op+": buying", map[string]interface{}{
		"notional":   notional,
		"score":      signal.Score,
		"signals":    signal.SignalCount,
		"additional": additional,
	})
	fill, err := m.cfg.Executor.Buy(ctx, notional)
	if err != nil {
		if errors.Is(err, ports.ErrFillTimeout) || errors.Is(err, ports.ErrOperationFailed) {
			// The order may have executed; let reconciliation find out.
			m.mu.Lock()
			m.desync = true
			m.mu.Unlock()
		}
		return nil, err
	}

	if additional {
		return m.addEntry(ctx, fill, notional)
	}

	volume := m.confirmBalance(ctx)
	if volume <= 0 {
		volume = fill.FilledVolume
		m.cfg.Logger.Warn(ctx, op+": balance not confirmed, using fill result", map[string]interface{}{"fillVolume": volume})
	}
	avg := fill.AvgPrice
	if avg <= 0 {
		avg = snap.Price
	}
	result := &domain.EntryResult{Fill: fill, Notional: notional}
	if volume <= 0 {
		m.mu.Lock()
		m.desync = true
		m.mu.Unlock()
		m.cfg.Logger.Warn(ctx, op+": no balance and no fill volume, staying flat until reconciliation")
		result.Desync = true
		return result, nil
	}

	invested := fill.FilledNotional + fill.Fee
	if fill.FilledNotional <= 0 {
		invested = notional
	}
	now := m.cfg.Now()
	pos, err := domain.NewPosition(m.cfg.Market, volume, avg, invested, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	pos.Observe(avg, now, m.cfg.Evaluator.Config().SampleWindow())
	m.cfg.Evaluator.Reset()

	m.mu.Lock()
	m.position = pos
	m.state = domain.StateOpen
	m.desync = false
	result.Position = pos.Clone()
	m.mu.Unlock()

	m.cfg.Logger.Info(ctx, op+": position opened", map[string]interface{}{
		"volume":   volume,
		"avgPrice": avg,
		"invested": invested,
	})
	return result, nil
}

func (m *Manager) addEntry(ctx context.Context, fill *domain.Fill, notional float64) (*domain.EntryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.position == nil {
		m.desync = true
		return &domain.EntryResult{Fill: fill, Notional: notional, Desync: true}, nil
	}
	spent := fill.FilledNotional + fill.Fee
	if err := m.position.AddEntry(fill.FilledVolume, spent); err != nil {
		m.desync = true
		m.state = domain.StateOpen
		return &domain.EntryResult{Fill: fill, Notional: notional, Desync: true}, nil
	}
	m.state = domain.StateOpen
	m.cfg.Logger.Info(ctx, "Enter: averaged into position", map[string]interface{}{
		"volume":   m.position.Volume,
		"avgPrice": m.position.AvgEntryPrice,
		"entries":  m.position.AdditionalEntryCount,
	})
	return &domain.EntryResult{Position: m.position.Clone(), Fill: fill, Notional: notional}, nil
}

// confirmBalance polls the exchange balance with increasing delays and
// returns the first non-zero volume, or 0.
func (m *Manager) confirmBalance(ctx context.Context) float64 {
	for attempt := 1; attempt <= m.cfg.ConfirmAttempts; attempt++ {
		if err := m.cfg.Sleep(ctx, time.Duration(attempt)*m.cfg.ConfirmDelay); err != nil {
			return 0
		}
		bal, err := m.cfg.Exchange.GetBalance(ctx, m.cfg.Currency)
		if err != nil {
			m.cfg.Logger.Warn(ctx, "Enter: balance check failed", map[string]interface{}{"attempt": attempt, "error": err.Error()})
			continue
		}
		if v := bal.Total(); v > 0 {
			return v
		}
	}
	return 0
}

// Tick feeds one snapshot to the open position and closes it when an exit
// predicate fires. It returns the decision that fired, if any.
func (m *Manager) Tick(ctx context.Context, snap *domain.MarketSnapshot) (*domain.ExitDecision, error) {
	op := "Tick"
	if snap == nil || snap.Price <= 0 || math.IsNaN(snap.Price) {
		return nil, nil
	}
	now := m.cfg.Now()

	m.mu.Lock()
	if m.state != domain.StateOpen || m.position == nil {
		m.mu.Unlock()
		return nil, nil
	}
	prevHigh := m.position.HighestPrice
	m.position.Observe(snap.Price, now, m.cfg.Evaluator.Config().SampleWindow())
	m.cfg.Metrics.SetUnrealizedProfit(m.position.ProfitRate(snap.Price))
	decision := m.cfg.Evaluator.Evaluate(m.position, snap, now)
	if decision == nil {
		newHigh := m.position.HighestPrice != prevHigh
		m.mu.Unlock()
		if newHigh {
			m.persist(ctx)
		}
		return nil, nil
	}
	m.state = domain.StateClosing
	pos := m.position.Clone()
	m.mu.Unlock()

	m.cfg.Logger.Info(ctx, op+": exit triggered", map[string]interface{}{
		"trigger":    string(decision.Trigger),
		"profitRate": decision.ProfitRate,
		"reason":     decision.Reason,
	})

	// The whole free balance is sold; the exchange balance is authoritative.
	fill, err := m.cfg.Executor.Sell(ctx, execution.SellRequest{Reason: decision.Trigger, Price: snap.Price})
	if err != nil {
		m.mu.Lock()
		if m.state == domain.StateClosing {
			m.state = domain.StateOpen
		}
		m.mu.Unlock()
		m.cfg.Logger.Error(ctx, err, op+": exit sell failed, position stays open", map[string]interface{}{"trigger": string(decision.Trigger)})
		return decision, err
	}

	m.finishClose(ctx, pos, decision, fill, now)
	return decision, nil
}

func (m *Manager) finishClose(ctx context.Context, pos *domain.Position, decision *domain.ExitDecision, fill *domain.Fill, now time.Time) {
	op := "Close"
	m.mu.Lock()
	m.position = nil
	m.state = domain.StateFlat
	m.mu.Unlock()
	m.cfg.Evaluator.Reset()
	m.cfg.Metrics.SetPositionOpen(false)
	m.cfg.Metrics.SetUnrealizedProfit(0)

	if fill.AlreadyClosed {
		m.cfg.Logger.Warn(ctx, op+": exchange already flat, clearing local position", map[string]interface{}{"trigger": string(decision.Trigger)})
		m.persist(ctx)
		m.requestReconcile()
		return
	}

	invested := pos.InvestedNotional
	if fill.FilledVolume > 0 && fill.FilledVolume < pos.Volume {
		invested *= fill.FilledVolume / pos.Volume
	}
	proceeds := fill.FilledNotional - fill.Fee
	trade := &domain.Trade{
		Market:      m.cfg.Market,
		EntryPrice:  pos.AvgEntryPrice,
		ExitPrice:   fill.AvgPrice,
		Volume:      fill.FilledVolume,
		Invested:    invested,
		Proceeds:    proceeds,
		Profit:      proceeds - invested,
		EntryTime:   pos.EntryTime,
		ExitTime:    now,
		OrderID:     fill.OrderID,
		CloseReason: decision.Trigger,
	}
	if invested > 0 {
		trade.ProfitRate = trade.Profit / invested * 100
	}

	if m.cfg.Trades != nil {
		id, err := m.cfg.Trades.CreateTrade(ctx, trade)
		if err != nil {
			m.cfg.Logger.Error(ctx, err, op+": failed to record trade")
		} else {
			trade.ID = id
		}
	}
	if m.cfg.Risk != nil {
		m.cfg.Risk.RecordTrade(trade)
	}
	m.cfg.Metrics.ObserveExit(string(decision.Trigger), trade.Profit)
	m.persist(ctx)

	m.cfg.Logger.Info(ctx, op+": position closed", map[string]interface{}{
		"trigger":    string(decision.Trigger),
		"profit":     trade.Profit,
		"profitRate": trade.ProfitRate,
		"holding":    trade.HoldingDuration().Truncate(time.Second).String(),
		"remaining":  fill.Remaining,
	})
	m.cfg.Notifier.Notify("exit", fmt.Sprintf("%s %s: %.0f KRW (%.2f%%) after %s",
		m.cfg.Market, decision.Trigger, trade.Profit, trade.ProfitRate, trade.HoldingDuration().Truncate(time.Second)))
	if m.cfg.AfterTrade != nil {
		m.cfg.AfterTrade()
	}
}

// Halt stops new entries and persists the emergency flag. Exit evaluation continues.
func (m *Manager) Halt(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return
	}
	m.halted = true
	m.haltReason = reason
	m.mu.Unlock()
	m.cfg.Logger.Warn(ctx, "Trading halted", map[string]interface{}{"reason": reason})
	m.persist(ctx)
}

// Restore loads the persisted state. A persisted position is trusted until
// the first reconciliation pass checks it against the exchange.
func (m *Manager) Restore(ctx context.Context) (*domain.PersistedState, error) {
	if m.cfg.State == nil {
		return nil, nil
	}
	st, err := m.cfg.State.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("Restore: %w", err)
	}
	if st == nil {
		return nil, nil
	}

	m.mu.Lock()
	if st.Position.Valid() {
		m.position = st.Position.Clone()
		m.state = domain.StateOpen
	}
	if st.EmergencyStop && !m.cfg.EmergencyReset {
		m.halted = true
		m.haltReason = st.Reason
	}
	open := m.position != nil
	m.mu.Unlock()

	m.cfg.Metrics.SetPositionOpen(open)
	if st.EmergencyStop && m.cfg.EmergencyReset {
		m.cfg.Logger.Warn(ctx, "Restore: emergency stop cleared by operator", map[string]interface{}{"reason": st.Reason})
		m.persist(ctx)
	}
	return st, nil
}

// ReconcileView implements reconcile.Holder.
func (m *Manager) ReconcileView() reconcile.View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return reconcile.View{State: m.state, Position: m.position.Clone(), Desync: m.desync}
}

// ClearGhost drops an open position that has no exchange balance. No trade is recorded.
func (m *Manager) ClearGhost(ctx context.Context, reason string) bool {
	m.mu.Lock()
	if m.state != domain.StateOpen {
		m.mu.Unlock()
		return false
	}
	m.position = nil
	m.state = domain.StateFlat
	m.desync = false
	m.mu.Unlock()

	m.cfg.Evaluator.Reset()
	m.cfg.Metrics.SetPositionOpen(false)
	m.persist(ctx)
	m.cfg.Notifier.Notify("reconcile", fmt.Sprintf("%s ghost position cleared: %s", m.cfg.Market, reason))
	return true
}

// Adopt takes over an exchange balance that has no local position.
func (m *Manager) Adopt(ctx context.Context, volume, avgPrice float64) bool {
	now := m.cfg.Now()
	pos, err := domain.NewPosition(m.cfg.Market, volume, avgPrice, 0, now)
	if err != nil {
		return false
	}
	pos.Observe(avgPrice, now, m.cfg.Evaluator.Config().SampleWindow())

	m.mu.Lock()
	if m.state != domain.StateFlat {
		m.mu.Unlock()
		return false
	}
	m.position = pos
	m.state = domain.StateOpen
	m.desync = false
	m.mu.Unlock()

	m.cfg.Evaluator.Reset()
	m.cfg.Metrics.SetPositionOpen(true)
	m.persist(ctx)
	m.cfg.Notifier.Notify("reconcile", fmt.Sprintf("%s adopted %.8f @ %.0f", m.cfg.Market, volume, avgPrice))
	return true
}

// CorrectVolume replaces the local volume with the exchange balance.
func (m *Manager) CorrectVolume(ctx context.Context, volume float64) bool {
	if volume <= 0 {
		return false
	}
	m.mu.Lock()
	if m.state != domain.StateOpen || m.position == nil {
		m.mu.Unlock()
		return false
	}
	m.position.Volume = volume
	m.position.InvestedNotional = volume * m.position.AvgEntryPrice
	m.desync = false
	m.mu.Unlock()

	m.persist(ctx)
	return true
}

// MarkSynced clears the desync flag.
func (m *Manager) MarkSynced() {
	m.mu.Lock()
	m.desync = false
	m.mu.Unlock()
}

// persist writes the current state. Writes are serialized so an older
// snapshot never overwrites a newer one.
func (m *Manager) persist(ctx context.Context) {
	if m.cfg.State == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	st := &domain.PersistedState{
		Position:      m.position.Clone(),
		EmergencyStop: m.halted,
		Reason:        m.haltReason,
		LastUpdate:    m.cfg.Now(),
	}
	m.mu.Unlock()

	if err := m.cfg.State.Save(ctx, st); err != nil {
		m.cfg.Logger.Error(ctx, err, "Failed to persist state")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ reconcile.Holder = (*Manager)(nil)
