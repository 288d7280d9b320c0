package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/marketdata"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/reconcile"
)

// Mock implementations
type mockLogger struct {
	mu        sync.Mutex
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

func (m *mockLogger) infos() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.infoMsgs...)
}

type mockPositions struct {
	mu         sync.Mutex
	state      domain.PositionState
	position   *domain.Position
	halted     bool
	haltReason string
	restoreErr error
	enterErr   error
	enterRes   *domain.EntryResult
	tickErr    error
	restored   int
	enters     []*domain.EntrySignal
	ticks      []*domain.MarketSnapshot
}

func (m *mockPositions) GetPosition() *domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position.Clone()
}

func (m *mockPositions) State() domain.PositionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockPositions) Halted() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted, m.haltReason
}

func (m *mockPositions) Restore(ctx context.Context) (*domain.PersistedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restored++
	return nil, m.restoreErr
}

func (m *mockPositions) Enter(ctx context.Context, signal *domain.EntrySignal, snap *domain.MarketSnapshot) (*domain.EntryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enters = append(m.enters, signal)
	return m.enterRes, m.enterErr
}

func (m *mockPositions) Tick(ctx context.Context, snap *domain.MarketSnapshot) (*domain.ExitDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks = append(m.ticks, snap)
	if m.tickErr != nil {
		return &domain.ExitDecision{Trigger: domain.ExitStopLoss}, m.tickErr
	}
	return nil, nil
}

type mockMarket struct {
	mu       sync.Mutex
	price    float64
	candles  int
	err      error
	requests []marketdata.Options
	streamed []*domain.Ticker
}

func (m *mockMarket) Snapshot(ctx context.Context, opts marketdata.Options) (*domain.MarketSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, opts)
	if m.err != nil {
		return nil, m.err
	}
	snap := &domain.MarketSnapshot{
		Market: "KRW-BTC",
		Price:  m.price,
		Ticker: &domain.Ticker{Market: "KRW-BTC", TradePrice: m.price},
	}
	if opts.Candles {
		for i := 0; i < m.candles; i++ {
			snap.Candles = append(snap.Candles, &domain.Candle{Close: m.price})
		}
	}
	return snap, nil
}

func (m *mockMarket) UpdateFromStream(t *domain.Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamed = append(m.streamed, t)
}

func (m *mockMarket) StreamAge() time.Duration { return -1 }
func (m *mockMarket) LastPrice() float64       { return m.price }

type mockSignals struct {
	signal *domain.EntrySignal
	err    error
	calls  int
}

func (m *mockSignals) RequiredCandles() int { return 10 }

func (m *mockSignals) Evaluate(ctx context.Context, snap *domain.MarketSnapshot) (*domain.EntrySignal, error) {
	m.calls++
	return m.signal, m.err
}

type mockReconciler struct {
	mu       sync.Mutex
	runs     int
	err      error
	outcomes []reconcile.Outcome // Consumed in order, then InSync
}

func (m *mockReconciler) Run(ctx context.Context) (reconcile.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs++
	if m.err != nil {
		return reconcile.Failed, m.err
	}
	if len(m.outcomes) > 0 {
		out := m.outcomes[0]
		m.outcomes = m.outcomes[1:]
		return out, nil
	}
	return reconcile.InSync, nil
}

func (m *mockReconciler) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs
}

type mockSellGuard struct {
	age      time.Duration
	held     bool
	released int
}

func (m *mockSellGuard) SellGuardAge() (time.Duration, bool) { return m.age, m.held }

func (m *mockSellGuard) ForceReleaseSell() bool {
	if !m.held {
		return false
	}
	m.held = false
	m.released++
	return true
}

type mockEmergency struct {
	successes int
	errors    int
	checked   []*domain.Ticker
}

func (m *mockEmergency) RecordSuccess() { m.successes++ }
func (m *mockEmergency) RecordError()   { m.errors++ }

func (m *mockEmergency) Check(ctx context.Context, ticker *domain.Ticker) bool {
	m.checked = append(m.checked, ticker)
	return false
}

type mockLock struct {
	mu       sync.Mutex
	released bool
}

func (m *mockLock) KeepAlive(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *mockLock) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	return nil
}

type mockTrades struct {
	trades []*domain.Trade
	err    error
}

func (m *mockTrades) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	return 0, nil
}

func (m *mockTrades) FindByMarket(ctx context.Context, market string, limit int) ([]*domain.Trade, error) {
	return m.trades, m.err
}

func (m *mockTrades) CountTodayByMarket(ctx context.Context, market string) (int, error) {
	return len(m.trades), nil
}

func (m *mockTrades) GetTotalProfit(ctx context.Context) (float64, error) { return 0, nil }

type fixture struct {
	svc        *TradingService
	logger     *mockLogger
	positions  *mockPositions
	market     *mockMarket
	signals    *mockSignals
	reconciler *mockReconciler
	guard      *mockSellGuard
	emergency  *mockEmergency
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		logger:     &mockLogger{},
		positions:  &mockPositions{state: domain.StateFlat},
		market:     &mockMarket{price: 50_000_000, candles: 20},
		signals:    &mockSignals{signal: &domain.EntrySignal{ShouldEnter: true, Score: 55, SignalCount: 3}},
		reconciler: &mockReconciler{},
		guard:      &mockSellGuard{},
		emergency:  &mockEmergency{},
	}
	if cfg.Market == "" {
		cfg.Market = "KRW-BTC"
	}
	svc, err := NewTradingService(cfg, Deps{
		Logger:     f.logger,
		Positions:  f.positions,
		Market:     f.market,
		Signals:    f.signals,
		Reconciler: f.reconciler,
		SellGuard:  f.guard,
		Emergency:  f.emergency,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func openPosition(t *testing.T) *domain.Position {
	t.Helper()
	pos, err := domain.NewPosition("KRW-BTC", 0.001, 50_000_000, 50_025, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	return pos
}

func TestNewTradingService(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		deps    Deps
		wantErr bool
	}{
		{
			name:    "missing dependencies",
			cfg:     Config{Market: "KRW-BTC"},
			deps:    Deps{Logger: &mockLogger{}},
			wantErr: true,
		},
		{
			name: "missing market",
			deps: Deps{
				Logger:    &mockLogger{},
				Positions: &mockPositions{},
				Market:    &mockMarket{},
				Signals:   &mockSignals{},
			},
			wantErr: true,
		},
		{
			name: "minimal dependencies",
			cfg:  Config{Market: "KRW-BTC"},
			deps: Deps{
				Logger:    &mockLogger{},
				Positions: &mockPositions{},
				Market:    &mockMarket{},
				Signals:   &mockSignals{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewTradingService(tt.cfg, tt.deps)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, time.Second, svc.cfg.RiskInterval)
			assert.Equal(t, 5*time.Second, svc.cfg.EntryInterval)
			assert.Equal(t, 30*time.Second, svc.cfg.ReconcileInterval)
			assert.Equal(t, 500*time.Millisecond, svc.cfg.FallbackDelay)
		})
	}
}

func TestRiskTick_FlatFeedsEmergencyOnly(t *testing.T) {
	f := newFixture(t, Config{})

	require.NoError(t, f.svc.riskTick(context.Background()))

	assert.Equal(t, []marketdata.Options{{Candles: false}}, f.market.requests)
	assert.Equal(t, 1, f.emergency.successes)
	require.Len(t, f.emergency.checked, 1)
	assert.NotNil(t, f.emergency.checked[0])
	assert.Empty(t, f.positions.ticks)
	assert.Zero(t, f.signals.calls)
}

func TestRiskTick_OpenPositionIsTicked(t *testing.T) {
	f := newFixture(t, Config{})
	f.positions.state = domain.StateOpen
	f.positions.position = openPosition(t)

	require.NoError(t, f.svc.riskTick(context.Background()))

	require.Len(t, f.positions.ticks, 1)
	snap := f.positions.ticks[0]
	assert.Len(t, snap.Candles, 20)
	assert.Same(t, f.signals.signal, snap.Signal)
}

func TestRiskTick_Errors(t *testing.T) {
	tests := []struct {
		name      string
		marketErr error
		tickErr   error
		wantErr   bool
		wantErrs  int
	}{
		{name: "snapshot failure counts as API error", marketErr: ports.ErrConnectionFailed, wantErr: true, wantErrs: 1},
		{name: "busy sell is not a failure", tickErr: ports.ErrBusy},
		{name: "cooldown is not a failure", tickErr: fmt.Errorf("Sell: %w", ports.ErrCooldown)},
		{name: "sell failure is reported", tickErr: ports.ErrOperationFailed, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.positions.state = domain.StateOpen
			f.positions.position = openPosition(t)
			f.market.err = tt.marketErr
			f.positions.tickErr = tt.tickErr

			err := f.svc.riskTick(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantErrs, f.emergency.errors)
			if tt.marketErr != nil {
				require.Len(t, f.emergency.checked, 1)
				assert.Nil(t, f.emergency.checked[0])
			}
		})
	}
}

func TestEntryTick(t *testing.T) {
	tests := []struct {
		name       string
		halted     bool
		state      domain.PositionState
		candles    int
		signal     *domain.EntrySignal
		enterErr   error
		enterRes   *domain.EntryResult
		wantEnter  bool
		wantErr    bool
		wantHint   bool
		wantLookup bool
	}{
		{name: "halted skips everything", halted: true, state: domain.StateFlat, candles: 20},
		{name: "closing skips everything", state: domain.StateClosing, candles: 20},
		{name: "not enough candles", state: domain.StateFlat, candles: 5, wantLookup: true},
		{
			name:       "signal rejects",
			state:      domain.StateFlat,
			candles:    20,
			signal:     &domain.EntrySignal{ShouldEnter: false},
			wantLookup: true,
		},
		{
			name:       "signal accepts",
			state:      domain.StateFlat,
			candles:    20,
			signal:     &domain.EntrySignal{ShouldEnter: true, Score: 60},
			wantEnter:  true,
			wantLookup: true,
		},
		{
			name:       "risk limit is not a failure",
			state:      domain.StateFlat,
			candles:    20,
			signal:     &domain.EntrySignal{ShouldEnter: true, Score: 60},
			enterErr:   fmt.Errorf("Enter: %w", ports.ErrRiskLimit),
			wantEnter:  true,
			wantLookup: true,
		},
		{
			name:       "buy failure is reported",
			state:      domain.StateFlat,
			candles:    20,
			signal:     &domain.EntrySignal{ShouldEnter: true, Score: 60},
			enterErr:   ports.ErrFillTimeout,
			wantEnter:  true,
			wantErr:    true,
			wantHint:   true,
			wantLookup: true,
		},
		{
			name:       "unconfirmed position blocks entry and asks for reconciliation",
			state:      domain.StateFlat,
			candles:    20,
			signal:     &domain.EntrySignal{ShouldEnter: true, Score: 60},
			enterErr:   fmt.Errorf("Enter: %w", ports.ErrDesync),
			wantEnter:  true,
			wantHint:   true,
			wantLookup: true,
		},
		{
			name:       "desync requests reconciliation",
			state:      domain.StateFlat,
			candles:    20,
			signal:     &domain.EntrySignal{ShouldEnter: true, Score: 60},
			enterRes:   &domain.EntryResult{Desync: true},
			wantEnter:  true,
			wantHint:   true,
			wantLookup: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{NeedsOrderbook: true})
			f.positions.halted = tt.halted
			f.positions.state = tt.state
			f.positions.enterErr = tt.enterErr
			f.positions.enterRes = tt.enterRes
			f.market.candles = tt.candles
			f.signals.signal = tt.signal

			err := f.svc.entryTick(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			if tt.wantLookup {
				assert.Equal(t, []marketdata.Options{{Candles: true, Orderbook: true}}, f.market.requests)
			} else {
				assert.Empty(t, f.market.requests)
			}
			if tt.wantEnter {
				assert.Len(t, f.positions.enters, 1)
			} else {
				assert.Empty(t, f.positions.enters)
			}
			assert.Equal(t, tt.wantHint, len(f.svc.hints) == 1)
		})
	}
}

func TestCheckSellGuard(t *testing.T) {
	tests := []struct {
		name        string
		age         time.Duration
		held        bool
		wantRelease bool
	}{
		{name: "not held", age: time.Minute},
		{name: "held briefly", age: 10 * time.Second, held: true},
		{name: "held past timeout", age: 31 * time.Second, held: true, wantRelease: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{SellGuardTimeout: 30 * time.Second})
			f.guard.age = tt.age
			f.guard.held = tt.held

			released := f.svc.checkSellGuard(context.Background())
			assert.Equal(t, tt.wantRelease, released)
			if tt.wantRelease {
				assert.Equal(t, 1, f.guard.released)
				assert.Len(t, f.svc.hints, 1, "a forced release must re-verify the balance")
			} else {
				assert.Zero(t, f.guard.released)
				assert.Empty(t, f.svc.hints)
			}
		})
	}
}

func TestCheckSellGuard_RepeatsHintUntilPassRuns(t *testing.T) {
	f := newFixture(t, Config{SellGuardTimeout: 30 * time.Second})
	// The first pass lands while the stuck sell is still closing the position.
	f.reconciler.outcomes = []reconcile.Outcome{reconcile.Skipped}
	f.guard.age = time.Minute
	f.guard.held = true
	ctx := context.Background()

	require.True(t, f.svc.checkSellGuard(ctx))
	<-f.svc.hints
	f.svc.reconcileOnce(ctx, "hint")

	assert.False(t, f.svc.checkSellGuard(ctx))
	require.Len(t, f.svc.hints, 1, "a skipped pass must not settle the forced release")
	<-f.svc.hints
	f.svc.reconcileOnce(ctx, "hint")

	assert.False(t, f.svc.checkSellGuard(ctx))
	assert.Empty(t, f.svc.hints)
	assert.Equal(t, 2, f.reconciler.count())
	assert.Equal(t, 1, f.guard.released)
}

func TestRequestReconcile_NeverBlocks(t *testing.T) {
	f := newFixture(t, Config{})
	f.svc.RequestReconcile()
	f.svc.RequestReconcile()
	f.svc.RequestReconcile()
	assert.Len(t, f.svc.hints, 1)
}

func TestStatusTick(t *testing.T) {
	f := newFixture(t, Config{})
	f.positions.state = domain.StateOpen
	f.positions.position = openPosition(t)
	trades := &mockTrades{trades: []*domain.Trade{{Market: "KRW-BTC", Profit: 10, CloseReason: domain.ExitTakeProfit}}}
	f.svc.deps.Trades = trades

	require.NoError(t, f.svc.statusTick(context.Background()))
	assert.Contains(t, f.logger.infos(), "Status")
	assert.Empty(t, f.market.requests, "status must not fetch market data")

	trades.err = errors.New("db closed")
	assert.Error(t, f.svc.statusTick(context.Background()))
}

func TestRunLoop_RetriesAfterFallbackDelay(t *testing.T) {
	f := newFixture(t, Config{FallbackDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.svc.runLoop(ctx, "test", time.Millisecond, func(ctx context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 3 {
				cancel()
			}
			return errors.New("tick failed")
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after context cancellation")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 3, "a failing tick must not end the loop")
}

func TestStart_StartupSequence(t *testing.T) {
	f := newFixture(t, Config{
		RiskInterval:      time.Hour,
		EntryInterval:     time.Hour,
		ReconcileInterval: time.Hour,
		StatusInterval:    time.Hour,
	})
	f.positions.halted = true
	f.positions.haltReason = "price drop"
	lock := &mockLock{}
	f.svc.deps.AcquireLock = func(ctx context.Context) (InstanceLock, error) { return lock, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, f.svc.Start(ctx))
	assert.Equal(t, 1, f.positions.restored)
	assert.Equal(t, 1, f.reconciler.count(), "startup reconciliation runs once")
	assert.True(t, lock.released)
	assert.Contains(t, f.logger.warnMsgs, "Emergency stop is latched, new entries are disabled until EMERGENCY_RESET=true")
}

func TestStart_Failures(t *testing.T) {
	t.Run("restore failure", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.positions.restoreErr = fmt.Errorf("Restore: %w", ports.ErrStateCorrupt)

		err := f.svc.Start(context.Background())
		assert.ErrorIs(t, err, ports.ErrStateCorrupt)
		assert.Zero(t, f.reconciler.count())
	})

	t.Run("lock held elsewhere", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.svc.deps.AcquireLock = func(ctx context.Context) (InstanceLock, error) {
			return nil, fmt.Errorf("Acquire: %w", ports.ErrLockHeld)
		}

		err := f.svc.Start(context.Background())
		assert.ErrorIs(t, err, ports.ErrLockHeld)
		assert.Zero(t, f.reconciler.count())
	})
}
