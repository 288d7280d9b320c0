package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/execution"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/reconcile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	c.mu.Unlock()
	return nil
}

// balanceExchange only answers GetBalance.
type balanceExchange struct {
	ports.ExchangeClient
	mu       sync.Mutex
	balances map[string][]float64 // The last value repeats
	avg      float64
}

func (b *balanceExchange) GetBalance(ctx context.Context, currency string) (*domain.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seq := b.balances[currency]
	if len(seq) == 0 {
		return &domain.Balance{Currency: currency}, nil
	}
	v := seq[0]
	if len(seq) > 1 {
		b.balances[currency] = seq[1:]
	}
	return &domain.Balance{Currency: currency, Balance: v, AvgBuyPrice: b.avg}, nil
}

type mockExecutor struct {
	mu        sync.Mutex
	buyFill   *domain.Fill
	buyErr    error
	buyCalls  []float64
	sellFill  *domain.Fill
	sellErr   error
	sellCalls []execution.SellRequest

	sellStarted chan struct{}
	sellGate    chan struct{}
}

func (m *mockExecutor) Buy(ctx context.Context, notional float64) (*domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buyCalls = append(m.buyCalls, notional)
	if m.buyErr != nil {
		return nil, m.buyErr
	}
	return m.buyFill, nil
}

func (m *mockExecutor) Sell(ctx context.Context, req execution.SellRequest) (*domain.Fill, error) {
	if m.sellStarted != nil {
		close(m.sellStarted)
	}
	if m.sellGate != nil {
		<-m.sellGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sellCalls = append(m.sellCalls, req)
	if m.sellErr != nil {
		return nil, m.sellErr
	}
	return m.sellFill, nil
}

type mockSizer struct {
	notional float64
	balances []float64
}

func (s *mockSizer) AllocateNotional(balance, stopLossPct, atrPct float64) float64 {
	s.balances = append(s.balances, balance)
	return s.notional
}

type mockRisk struct {
	err    error
	trades []*domain.Trade
}

func (r *mockRisk) CanOpen(now time.Time) error     { return r.err }
func (r *mockRisk) RecordTrade(trade *domain.Trade) { r.trades = append(r.trades, trade) }

type mockTrades struct {
	trades []*domain.Trade
}

func (m *mockTrades) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	m.trades = append(m.trades, trade)
	return int64(len(m.trades)), nil
}

func (m *mockTrades) FindByMarket(ctx context.Context, market string, limit int) ([]*domain.Trade, error) {
	return m.trades, nil
}

func (m *mockTrades) CountTodayByMarket(ctx context.Context, market string) (int, error) {
	return len(m.trades), nil
}

func (m *mockTrades) GetTotalProfit(ctx context.Context) (float64, error) {
	total := 0.0
	for _, t := range m.trades {
		total += t.Profit
	}
	return total, nil
}

type mockStateStore struct {
	mu     sync.Mutex
	saved  []*domain.PersistedState
	loaded *domain.PersistedState
}

func (s *mockStateStore) Save(ctx context.Context, state *domain.PersistedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, state)
	return nil
}

func (s *mockStateStore) Load(ctx context.Context) (*domain.PersistedState, error) {
	return s.loaded, nil
}

func (s *mockStateStore) last() *domain.PersistedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return nil
	}
	return s.saved[len(s.saved)-1]
}

type fixture struct {
	m          *Manager
	clock      *fakeClock
	exchange   *balanceExchange
	executor   *mockExecutor
	sizer      *mockSizer
	risk       *mockRisk
	trades     *mockTrades
	state      *mockStateStore
	afterTrade int
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		clock:    &fakeClock{t: t0},
		exchange: &balanceExchange{balances: map[string][]float64{"KRW": {1_000_000}}},
		executor: &mockExecutor{},
		sizer:    &mockSizer{notional: 50_000},
		risk:     &mockRisk{},
		trades:   &mockTrades{},
		state:    &mockStateStore{},
	}
	cfg := Config{
		Market:          "KRW-BTC",
		Currency:        "BTC",
		Exchange:        f.exchange,
		Executor:        f.executor,
		Evaluator:       newTestEvaluator(t, nil),
		Sizer:           f.sizer,
		Risk:            f.risk,
		Trades:          f.trades,
		State:           f.state,
		Logger:          &mockLogger{},
		InvestmentRatio: 0.999,
		MinKRWReserve:   5000,
		AfterTrade:      func() { f.afterTrade++ },
		Now:             f.clock.Now,
		Sleep:           f.clock.Sleep,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	f.m = m
	return f
}

func acceptSignal() *domain.EntrySignal {
	return &domain.EntrySignal{ShouldEnter: true, Score: 55, SignalCount: 3, ATRPercent: 0.1}
}

func btcFill(volume, notional, fee float64) *domain.Fill {
	return &domain.Fill{
		OrderID:        "order-1",
		Side:           domain.Bid,
		FilledVolume:   volume,
		FilledNotional: notional,
		AvgPrice:       notional / volume,
		Fee:            fee,
	}
}

// openAt50M opens a 0.001 BTC position at 50,000,000 KRW through Enter.
func (f *fixture) openAt50M(t *testing.T) {
	t.Helper()
	f.exchange.balances["BTC"] = []float64{0.001}
	f.executor.buyFill = btcFill(0.001, 50_000, 25)
	res, err := f.m.Enter(context.Background(), acceptSignal(), snapAt(50_000_000))
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Position)
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Config{Market: "KRW-BTC", Currency: "BTC", Logger: &mockLogger{}})
	assert.Error(t, err)
}

func TestEnter_OpensAfterConfirmedBalance(t *testing.T) {
	f := newFixture(t, nil)
	f.exchange.balances["BTC"] = []float64{0, 0.001}
	f.executor.buyFill = btcFill(0.001, 50_000, 25)

	res, err := f.m.Enter(context.Background(), acceptSignal(), snapAt(50_000_000))

	require.NoError(t, err)
	require.NotNil(t, res.Position)
	assert.False(t, res.Desync)
	assert.Equal(t, 50_000.0, res.Notional)
	assert.InDelta(t, 0.001, res.Position.Volume, 1e-12)
	assert.InDelta(t, 50_000_000, res.Position.AvgEntryPrice, 1e-3)
	assert.InDelta(t, 50_025, res.Position.InvestedNotional, 1e-9)
	assert.Len(t, res.Position.Samples, 1, "entry price seeds the sample window")

	assert.Equal(t, domain.StateOpen, f.m.State())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.clock.sleeps)
	require.Len(t, f.sizer.balances, 1)
	assert.InDelta(t, (1_000_000-5000)*0.999, f.sizer.balances[0], 1e-6)
	assert.Equal(t, 1, f.afterTrade)
	require.NotNil(t, f.state.last())
	assert.NotNil(t, f.state.last().Position)
}

func TestEnter_FallsBackToFillResult(t *testing.T) {
	f := newFixture(t, nil)
	f.executor.buyFill = btcFill(0.001, 50_000, 25)

	res, err := f.m.Enter(context.Background(), acceptSignal(), snapAt(50_000_000))

	require.NoError(t, err)
	require.NotNil(t, res.Position)
	assert.InDelta(t, 0.001, res.Position.Volume, 1e-12)
	assert.Len(t, f.clock.sleeps, 5)
	total := time.Duration(0)
	for _, d := range f.clock.sleeps {
		total += d
	}
	assert.Equal(t, 15*time.Second, total)
}

func TestEnter_DesyncWhenNothingConfirms(t *testing.T) {
	f := newFixture(t, nil)
	f.executor.buyFill = &domain.Fill{OrderID: "order-1", Side: domain.Bid}

	res, err := f.m.Enter(context.Background(), acceptSignal(), snapAt(50_000_000))

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Desync)
	assert.Nil(t, res.Position)
	assert.Equal(t, domain.StateFlat, f.m.State())
	assert.True(t, f.m.Desync())
	assert.Nil(t, f.m.GetPosition())
	assert.Equal(t, 1, f.afterTrade, "desync requests a reconciliation pass")
}

func TestEnter_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture)
		signal  *domain.EntrySignal
		wantErr error
		desync  bool
	}{
		{
			name:   "signal not accepted",
			signal: &domain.EntrySignal{ShouldEnter: false},
		},
		{
			name:   "nil signal",
			signal: nil,
		},
		{
			name:   "sizer declines",
			setup:  func(f *fixture) { f.sizer.notional = 0 },
			signal: acceptSignal(),
		},
		{
			name:    "risk guard refuses",
			setup:   func(f *fixture) { f.risk.err = ports.ErrRiskLimit },
			signal:  acceptSignal(),
			wantErr: ports.ErrRiskLimit,
		},
		{
			name:    "halted",
			setup:   func(f *fixture) { f.m.Halt(context.Background(), "price crash") },
			signal:  acceptSignal(),
			wantErr: ports.ErrEmergencyStop,
		},
		{
			name:    "fill timeout flags desync",
			setup:   func(f *fixture) { f.executor.buyErr = ports.ErrFillTimeout },
			signal:  acceptSignal(),
			wantErr: ports.ErrFillTimeout,
			desync:  true,
		},
		{
			name:    "busy executor",
			setup:   func(f *fixture) { f.executor.buyErr = ports.ErrBusy },
			signal:  acceptSignal(),
			wantErr: ports.ErrBusy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if tt.setup != nil {
				tt.setup(f)
			}

			res, err := f.m.Enter(context.Background(), tt.signal, snapAt(50_000_000))

			assert.Nil(t, res)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, domain.StateFlat, f.m.State())
			assert.Equal(t, tt.desync, f.m.Desync())
		})
	}
}

func TestEnter_IgnoredWhileOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.openAt50M(t)

	res, err := f.m.Enter(context.Background(), acceptSignal(), snapAt(50_000_000))

	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Len(t, f.executor.buyCalls, 1)
}

func TestEnter_AdditionalEntry(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.AdditionalEntryMaxCount = 1
		c.AdditionalEntryDropPercent = 0.3
	})
	f.openAt50M(t)

	// Not far enough below the average.
	res, err := f.m.Enter(context.Background(), acceptSignal(), snapAt(49_900_000))
	require.NoError(t, err)
	assert.Nil(t, res)

	f.executor.buyFill = btcFill(0.001, 49_800, 24.9)
	res, err = f.m.Enter(context.Background(), acceptSignal(), snapAt(49_800_000))
	require.NoError(t, err)
	require.NotNil(t, res.Position)
	assert.InDelta(t, 0.002, res.Position.Volume, 1e-12)
	assert.Equal(t, 1, res.Position.AdditionalEntryCount)
	assert.InDelta(t, (50_025+49_824.9)/0.002, res.Position.AvgEntryPrice, 1e-3)

	// Limit reached.
	res, err = f.m.Enter(context.Background(), acceptSignal(), snapAt(49_000_000))
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Len(t, f.executor.buyCalls, 2)
}

func TestTick_ClosesOnStopLoss(t *testing.T) {
	f := newFixture(t, nil)
	f.openAt50M(t)
	f.clock.Advance(10 * time.Second)
	f.executor.sellFill = &domain.Fill{OrderID: "sell-1", Side: domain.Ask, FilledVolume: 0.001, FilledNotional: 49_500, AvgPrice: 49_500_000, Fee: 24.75}

	d, err := f.m.Tick(context.Background(), snapAt(49_500_000))

	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, domain.ExitStopLoss, d.Trigger)
	require.Len(t, f.executor.sellCalls, 1)
	assert.Equal(t, domain.ExitStopLoss, f.executor.sellCalls[0].Reason)

	assert.Equal(t, domain.StateFlat, f.m.State())
	assert.Nil(t, f.m.GetPosition())
	require.Len(t, f.trades.trades, 1)
	trade := f.trades.trades[0]
	assert.Equal(t, int64(1), trade.ID)
	assert.Equal(t, domain.ExitStopLoss, trade.CloseReason)
	assert.InDelta(t, 49_500-24.75-50_025, trade.Profit, 1e-6)
	assert.Equal(t, 10*time.Second, trade.HoldingDuration())
	assert.Len(t, f.risk.trades, 1)
	assert.Empty(t, f.m.cfg.Evaluator.Armed())
	assert.Nil(t, f.state.last().Position)
	assert.Equal(t, 2, f.afterTrade)
}

func TestTick_SellFailureKeepsPositionOpen(t *testing.T) {
	f := newFixture(t, nil)
	f.openAt50M(t)
	f.executor.sellErr = ports.ErrFillTimeout

	d, err := f.m.Tick(context.Background(), snapAt(49_500_000))

	require.Error(t, err)
	require.NotNil(t, d)
	assert.Equal(t, domain.StateOpen, f.m.State())
	assert.NotNil(t, f.m.GetPosition())
	assert.Empty(t, f.trades.trades)
}

func TestTick_AlreadyClosedRecordsNoTrade(t *testing.T) {
	f := newFixture(t, nil)
	f.openAt50M(t)
	f.executor.sellFill = &domain.Fill{Side: domain.Ask, AlreadyClosed: true}

	d, err := f.m.Tick(context.Background(), snapAt(50_300_000))

	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, domain.ExitQuickProfit, d.Trigger)
	assert.Equal(t, domain.StateFlat, f.m.State())
	assert.Empty(t, f.trades.trades)
	assert.Empty(t, f.risk.trades)
}

func TestTick_NoExitUpdatesHighWaterMark(t *testing.T) {
	f := newFixture(t, nil)
	f.openAt50M(t)
	saves := len(f.state.saved)

	d, err := f.m.Tick(context.Background(), snapAt(50_100_000))
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Equal(t, 50_100_000.0, f.m.GetPosition().HighestPrice)
	assert.Len(t, f.state.saved, saves+1)

	// Same high: nothing new to persist.
	d, err = f.m.Tick(context.Background(), snapAt(50_050_000))
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Len(t, f.state.saved, saves+1)
	assert.Empty(t, f.executor.sellCalls)
}

func TestTick_FlatIsNoop(t *testing.T) {
	f := newFixture(t, nil)

	d, err := f.m.Tick(context.Background(), snapAt(1))

	assert.NoError(t, err)
	assert.Nil(t, d)
	assert.Empty(t, f.executor.sellCalls)
}

func TestTick_EntryRejectedWhileClosing(t *testing.T) {
	f := newFixture(t, nil)
	f.openAt50M(t)
	f.executor.sellStarted = make(chan struct{})
	f.executor.sellGate = make(chan struct{})
	f.executor.sellFill = &domain.Fill{Side: domain.Ask, FilledVolume: 0.001, FilledNotional: 49_500, AvgPrice: 49_500_000}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.m.Tick(context.Background(), snapAt(49_500_000))
	}()
	<-f.executor.sellStarted

	assert.Equal(t, domain.StateClosing, f.m.State())
	_, err := f.m.Enter(context.Background(), acceptSignal(), snapAt(49_500_000))
	assert.True(t, errors.Is(err, ports.ErrBusy))
	d, err := f.m.Tick(context.Background(), snapAt(49_000_000))
	assert.NoError(t, err)
	assert.Nil(t, d, "a second tick must not sell again")

	close(f.executor.sellGate)
	<-done
	assert.Len(t, f.executor.sellCalls, 1)
	assert.Equal(t, domain.StateFlat, f.m.State())
}

func TestEvaluateTick_DoesNotMutatePosition(t *testing.T) {
	f := newFixture(t, nil)
	pos := entryAt100(t)

	d := f.m.EvaluateTick(pos, snapAt(100.9))

	require.NotNil(t, d)
	assert.Equal(t, domain.ExitQuickProfit, d.Trigger)
	assert.Equal(t, 100.0, pos.HighestPrice)
	assert.Empty(t, pos.Samples)
}

func TestHaltAndRestore(t *testing.T) {
	f := newFixture(t, nil)
	f.openAt50M(t)

	f.m.Halt(context.Background(), "network silence")

	last := f.state.last()
	require.NotNil(t, last)
	assert.True(t, last.EmergencyStop)
	assert.Equal(t, "network silence", last.Reason)
	require.NotNil(t, last.Position)

	t.Run("latch survives restart", func(t *testing.T) {
		g := newFixture(t, nil)
		g.state.loaded = last

		st, err := g.m.Restore(context.Background())

		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, domain.StateOpen, g.m.State())
		halted, reason := g.m.Halted()
		assert.True(t, halted)
		assert.Equal(t, "network silence", reason)
		_, err = g.m.Enter(context.Background(), acceptSignal(), snapAt(1))
		assert.True(t, errors.Is(err, ports.ErrEmergencyStop))
	})

	t.Run("operator reset clears latch", func(t *testing.T) {
		g := newFixture(t, func(c *Config) { c.EmergencyReset = true })
		g.state.loaded = last

		_, err := g.m.Restore(context.Background())

		require.NoError(t, err)
		halted, _ := g.m.Halted()
		assert.False(t, halted)
		assert.False(t, g.state.last().EmergencyStop)
	})

	t.Run("nothing persisted", func(t *testing.T) {
		g := newFixture(t, nil)

		st, err := g.m.Restore(context.Background())

		require.NoError(t, err)
		assert.Nil(t, st)
		assert.Equal(t, domain.StateFlat, g.m.State())
	})
}

func TestHolder_StateChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	assert.False(t, f.m.ClearGhost(ctx, "flat"), "nothing to clear while flat")
	assert.False(t, f.m.CorrectVolume(ctx, 0.5))
	assert.False(t, f.m.Adopt(ctx, 0, 100), "invalid volume")

	require.True(t, f.m.Adopt(ctx, 0.002, 50_000_000))
	assert.Equal(t, domain.StateOpen, f.m.State())
	assert.False(t, f.m.Adopt(ctx, 0.002, 50_000_000), "adoption only while flat")

	require.True(t, f.m.CorrectVolume(ctx, 0.0015))
	pos := f.m.GetPosition()
	assert.InDelta(t, 0.0015, pos.Volume, 1e-12)
	assert.InDelta(t, 75_000, pos.InvestedNotional, 1e-6)

	require.True(t, f.m.ClearGhost(ctx, "balance gone"))
	assert.Equal(t, domain.StateFlat, f.m.State())
	assert.Nil(t, f.state.last().Position)
}

func TestReconcile_GhostClearedWithoutSell(t *testing.T) {
	f := newFixture(t, nil)
	f.openAt50M(t)
	f.exchange.balances["BTC"] = []float64{0}

	r, err := reconcile.New(reconcile.Config{
		Currency: "BTC",
		Exchange: f.exchange,
		Holder:   f.m,
		Seller:   f.executor,
		Logger:   &mockLogger{},
	})
	require.NoError(t, err)

	outcome, err := r.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, reconcile.GhostCleared, outcome)
	assert.Equal(t, domain.StateFlat, f.m.State())
	assert.Empty(t, f.executor.sellCalls)
	assert.Empty(t, f.trades.trades)
}

func TestReconcile_AdoptsAfterDesync(t *testing.T) {
	f := newFixture(t, nil)
	f.executor.buyFill = &domain.Fill{OrderID: "order-1", Side: domain.Bid}
	_, err := f.m.Enter(context.Background(), acceptSignal(), snapAt(50_000_000))
	require.NoError(t, err)
	require.True(t, f.m.Desync())

	// The buy did land.
	f.exchange.balances["BTC"] = []float64{0.001}
	f.exchange.avg = 50_000_000
	r, err := reconcile.New(reconcile.Config{Currency: "BTC", Exchange: f.exchange, Holder: f.m, Logger: &mockLogger{}})
	require.NoError(t, err)

	outcome, err := r.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, reconcile.Adopted, outcome)
	assert.False(t, f.m.Desync())
	pos := f.m.GetPosition()
	require.NotNil(t, pos)
	assert.Equal(t, 50_000_000.0, pos.AvgEntryPrice)
}

func TestEnter_DesyncBlocksUntilReconciled(t *testing.T) {
	f := newFixture(t, nil)
	f.executor.buyErr = ports.ErrFillTimeout

	_, err := f.m.Enter(context.Background(), acceptSignal(), snapAt(50_000_000))
	require.ErrorIs(t, err, ports.ErrFillTimeout)
	require.True(t, f.m.Desync())
	assert.Equal(t, 1, f.afterTrade, "failed buy asks for a reconciliation pass")

	// The timed-out order may still fill, so a second buy must wait.
	f.executor.buyErr = nil
	f.executor.buyFill = btcFill(0.001, 50_000, 25)
	_, err = f.m.Enter(context.Background(), acceptSignal(), snapAt(50_000_000))
	assert.ErrorIs(t, err, ports.ErrDesync)
	assert.Len(t, f.executor.buyCalls, 1)
	assert.Equal(t, 2, f.afterTrade)
	assert.Equal(t, domain.StateFlat, f.m.State())

	// Nothing landed on the exchange.
	r, err := reconcile.New(reconcile.Config{Currency: "BTC", Exchange: f.exchange, Holder: f.m, Logger: &mockLogger{}})
	require.NoError(t, err)
	outcome, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, reconcile.InSync, outcome)
	require.False(t, f.m.Desync())

	res, err := f.m.Enter(context.Background(), acceptSignal(), snapAt(50_000_000))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Len(t, f.executor.buyCalls, 2)
	assert.Equal(t, domain.StateOpen, f.m.State())
}
