// Package execution submits market orders and confirms their fills.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config holds the executor settings.
type Config struct {
	Market           string
	Exchange         ports.ExchangeClient
	Logger           ports.Logger
	Metrics          ports.Metrics
	MinOrderKRW      float64       // Smallest notional the exchange accepts
	DustThresholdKRW float64       // Remainders worth less than this are left alone
	Spacing          time.Duration // Minimum gap between ordinary submissions of the same side
	PollInterval     time.Duration // Order status poll while trades are arriving
	WaitPollInterval time.Duration // Order status poll while the order is untouched
	FillTimeout      time.Duration
	CleanupTimeout   time.Duration
	SettleDelay      time.Duration // Pause before re-reading balance after a sell
	SubmitAttempts   int
	RetryDelay       time.Duration // Pause between submit attempts

	// Injectable for tests.
	Now           func() time.Time
	Sleep         func(ctx context.Context, d time.Duration) error
	NewIdentifier func() string
}

// SellRequest describes a sell.
type SellRequest struct {
	Volume float64           // Coin volume; 0 sells the whole free balance
	Reason domain.ExitReason // Priority reasons bypass the spacing check
	Price  float64           // Reference price used to value any remainder
}

// Executor is the order execution pipeline. It is safe for concurrent use;
// concurrent calls for the same side are rejected with ErrBusy.
type Executor struct {
	cfg      Config
	currency string
	buyG     guard
	sellG    guard
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	if cfg.Exchange == nil {
		return nil, fmt.Errorf("exchange client is required for executor")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for executor")
	}
	_, currency, ok := strings.Cut(cfg.Market, "-")
	if !ok || currency == "" {
		return nil, fmt.Errorf("invalid market %q: expected QUOTE-BASE", cfg.Market)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.MinOrderKRW <= 0 {
		cfg.MinOrderKRW = 5000
	}
	if cfg.DustThresholdKRW <= 0 {
		cfg.DustThresholdKRW = 100
	}
	if cfg.Spacing <= 0 {
		cfg.Spacing = 3 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.WaitPollInterval <= 0 {
		cfg.WaitPollInterval = time.Second
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 15 * time.Second
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 10 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 3 * time.Second
	}
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.NewIdentifier == nil {
		cfg.NewIdentifier = uuid.NewString
	}
	return &Executor{cfg: cfg, currency: currency}, nil
}

// Market returns the traded market.
func (e *Executor) Market() string { return e.cfg.Market }

// Currency returns the base currency of the market (e.g. "BTC").
func (e *Executor) Currency() string { return e.currency }

// Buy spends notional KRW on a market buy and waits for the fill.
func (e *Executor) Buy(ctx context.Context, notional float64) (*domain.Fill, error) {
	op := "Buy"
	gen, err := e.buyG.acquire(e.cfg.Now(), e.cfg.Spacing, false)
	if err != nil {
		e.cfg.Metrics.ObserveOrder(string(domain.Bid), outcomeFor(err))
		e.cfg.Logger.Warn(ctx, op+": rejected", map[string]interface{}{"reason": err.Error()})
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer e.buyG.release(gen)

	if notional < e.cfg.MinOrderKRW {
		return nil, fmt.Errorf("%s: %w: %.0f < %.0f", op, ports.ErrBelowMinimumOrder, notional, e.cfg.MinOrderKRW)
	}
	krw, err := e.cfg.Exchange.GetBalance(ctx, "KRW")
	if err != nil {
		return nil, fmt.Errorf("%s: read KRW balance: %w", op, err)
	}
	if krw.Balance < notional {
		e.cfg.Metrics.ObserveOrder(string(domain.Bid), "insufficient_funds")
		return nil, fmt.Errorf("%s: %w: have %.0f KRW, need %.0f", op, ports.ErrInsufficientFunds, krw.Balance, notional)
	}

	identifier := e.cfg.NewIdentifier()
	order, err := e.submit(ctx, op, identifier, &e.buyG, func(ctx context.Context) (*domain.Order, error) {
		return e.cfg.Exchange.PlaceMarketBuy(ctx, e.cfg.Market, notional, identifier)
	})
	if err != nil {
		e.cfg.Metrics.ObserveOrder(string(domain.Bid), "failed")
		return nil, err
	}

	filled, err := e.waitForFill(ctx, order.ID, e.cfg.FillTimeout)
	if err != nil {
		e.cfg.Metrics.ObserveOrder(string(domain.Bid), outcomeFor(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	fill := fillFromOrder(filled)
	e.cfg.Metrics.ObserveOrder(string(domain.Bid), string(filled.State))
	e.cfg.Logger.Info(ctx, op+": filled", map[string]interface{}{
		"orderID":  fill.OrderID,
		"volume":   fill.FilledVolume,
		"notional": fill.FilledNotional,
		"avgPrice": fill.AvgPrice,
	})
	return fill, nil
}

// Sell market-sells up to req.Volume and confirms the fill. If the exchange
// reports no balance the result has AlreadyClosed set and no order is sent.
func (e *Executor) Sell(ctx context.Context, req SellRequest) (*domain.Fill, error) {
	op := "Sell"
	priority := req.Reason.IsPriority()
	gen, err := e.sellG.acquire(e.cfg.Now(), e.cfg.Spacing, priority)
	if err != nil {
		e.cfg.Metrics.ObserveOrder(string(domain.Ask), outcomeFor(err))
		e.cfg.Logger.Warn(ctx, op+": rejected", map[string]interface{}{"reason": err.Error(), "exit": string(req.Reason)})
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer e.sellG.release(gen)

	bal, err := e.cfg.Exchange.GetBalance(ctx, e.currency)
	if err != nil {
		return nil, fmt.Errorf("%s: read %s balance: %w", op, e.currency, err)
	}
	if bal.Balance <= 0 {
		e.cfg.Metrics.ObserveOrder(string(domain.Ask), "already_closed")
		e.cfg.Logger.Warn(ctx, op+": no balance to sell, position already closed", map[string]interface{}{"locked": bal.Locked})
		return &domain.Fill{Side: domain.Ask, AlreadyClosed: true}, nil
	}

	volume := bal.Balance
	if req.Volume > 0 && req.Volume < volume {
		volume = req.Volume
	}
	volume = truncateVolume(volume)
	if volume <= 0 {
		return &domain.Fill{Side: domain.Ask, AlreadyClosed: true}, nil
	}

	e.cfg.Logger.Info(ctx, op+": submitting", map[string]interface{}{
		"exit":     string(req.Reason),
		"priority": priority,
		"balance":  bal.Balance,
		"volume":   volume,
	})

	identifier := e.cfg.NewIdentifier()
	order, err := e.submit(ctx, op, identifier, &e.sellG, func(ctx context.Context) (*domain.Order, error) {
		return e.cfg.Exchange.PlaceMarketSell(ctx, e.cfg.Market, volume, identifier)
	})
	if err != nil {
		if errors.Is(err, ports.ErrInsufficientFunds) {
			// Exchange state is authoritative: re-read before reporting a failure.
			recheck, rerr := e.cfg.Exchange.GetBalance(ctx, e.currency)
			if rerr == nil && recheck.Balance <= 0 {
				e.cfg.Metrics.ObserveOrder(string(domain.Ask), "already_closed")
				e.cfg.Logger.Warn(ctx, op+": exchange reports no disposable balance, treating as closed")
				return &domain.Fill{Side: domain.Ask, AlreadyClosed: true}, nil
			}
		}
		e.cfg.Metrics.ObserveOrder(string(domain.Ask), "failed")
		return nil, err
	}

	filled, err := e.waitForFill(ctx, order.ID, e.cfg.FillTimeout)
	if err != nil {
		e.cfg.Metrics.ObserveOrder(string(domain.Ask), outcomeFor(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	fill := fillFromOrder(filled)
	e.cfg.Metrics.ObserveOrder(string(domain.Ask), string(filled.State))

	refPrice := fill.AvgPrice
	if refPrice <= 0 {
		refPrice = req.Price
	}
	e.cleanupRemainder(ctx, fill, refPrice)

	e.cfg.Logger.Info(ctx, op+": filled", map[string]interface{}{
		"orderID":   fill.OrderID,
		"volume":    fill.FilledVolume,
		"avgPrice":  fill.AvgPrice,
		"remaining": fill.Remaining,
		"cleanup":   fill.CleanupAttempted,
	})
	return fill, nil
}

// cleanupRemainder re-reads the balance after a sell and makes exactly one
// attempt to sell a remainder worth at least the dust threshold.
func (e *Executor) cleanupRemainder(ctx context.Context, fill *domain.Fill, price float64) {
	op := "Sell.cleanup"
	if err := e.cfg.Sleep(ctx, e.cfg.SettleDelay); err != nil {
		return
	}
	after, err := e.cfg.Exchange.GetBalance(ctx, e.currency)
	if err != nil {
		e.cfg.Logger.Warn(ctx, op+": could not re-read balance", map[string]interface{}{"error": err.Error()})
		return
	}
	fill.Remaining = after.Balance
	if after.Balance <= 0 || after.Balance*price < e.cfg.DustThresholdKRW {
		return
	}

	fill.CleanupAttempted = true
	volume := truncateVolume(after.Balance)
	e.cfg.Logger.Warn(ctx, op+": remainder above dust threshold, selling once", map[string]interface{}{"volume": volume, "valueKRW": after.Balance * price})

	identifier := e.cfg.NewIdentifier()
	order, err := e.cfg.Exchange.PlaceMarketSell(ctx, e.cfg.Market, volume, identifier)
	if err != nil {
		e.cfg.Logger.Warn(ctx, op+": cleanup sell failed", map[string]interface{}{"error": err.Error()})
		return
	}
	cleaned, err := e.waitForFill(ctx, order.ID, e.cfg.CleanupTimeout)
	if err != nil {
		e.cfg.Logger.Warn(ctx, op+": cleanup fill not confirmed", map[string]interface{}{"error": err.Error()})
		return
	}
	fill.FilledVolume += cleaned.FilledVolume
	fill.FilledNotional += cleaned.FilledNotional
	fill.Fee += cleaned.PaidFee
	if fill.FilledVolume > 0 {
		fill.AvgPrice = fill.FilledNotional / fill.FilledVolume
	}
	fill.Remaining = 0
}

// submit places an order with an idempotency identifier. After a transient
// failure the identifier is looked up before anything is resubmitted, so a
// request that reached the exchange is never sent twice. A duplicate
// identifier rejection means an earlier request landed and is resolved the
// same way.
func (e *Executor) submit(ctx context.Context, op, identifier string, g *guard, place func(ctx context.Context) (*domain.Order, error)) (*domain.Order, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.SubmitAttempts; attempt++ {
		if attempt > 1 {
			existing, err := e.cfg.Exchange.GetOrderByIdentifier(ctx, identifier)
			if err == nil {
				e.cfg.Logger.Warn(ctx, op+": order found by identifier after failed submit", map[string]interface{}{"orderID": existing.ID, "identifier": identifier})
				g.markSubmitted(e.cfg.Now())
				return existing, nil
			}
			if !errors.Is(err, ports.ErrOrderNotFound) {
				// Unknown whether the first request landed; do not risk a duplicate.
				return nil, fmt.Errorf("%s: identifier lookup failed: %w: %w", op, lastErr, err)
			}
		}

		order, err := place(ctx)
		if err == nil {
			g.markSubmitted(e.cfg.Now())
			return order, nil
		}
		lastErr = err
		if errors.Is(err, ports.ErrDuplicateIdentifier) {
			g.markSubmitted(e.cfg.Now())
			existing, lookupErr := e.cfg.Exchange.GetOrderByIdentifier(ctx, identifier)
			if lookupErr != nil {
				return nil, fmt.Errorf("%s: %w: identifier lookup failed: %w", op, err, lookupErr)
			}
			e.cfg.Logger.Warn(ctx, op+": identifier already used, resuming existing order", map[string]interface{}{"orderID": existing.ID, "identifier": identifier})
			return existing, nil
		}
		if !isTransient(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		// The request may have landed; keep the order spacing either way.
		g.markSubmitted(e.cfg.Now())
		e.cfg.Logger.Warn(ctx, op+": submit failed, will verify before retrying", map[string]interface{}{"attempt": attempt, "identifier": identifier, "error": err.Error()})
		if attempt < e.cfg.SubmitAttempts {
			if err := e.cfg.Sleep(ctx, e.cfg.RetryDelay); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
	}

	// Last chance: the final attempt may have landed.
	if existing, err := e.cfg.Exchange.GetOrderByIdentifier(ctx, identifier); err == nil {
		g.markSubmitted(e.cfg.Now())
		return existing, nil
	}
	return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrOperationFailed, lastErr)
}

// waitForFill polls the order until it is terminal or timeout passes, then
// checks one final time before failing with ErrFillTimeout.
func (e *Executor) waitForFill(ctx context.Context, orderID string, timeout time.Duration) (*domain.Order, error) {
	op := "waitForFill"
	deadline := e.cfg.Now().Add(timeout)
	checks := 0

	for e.cfg.Now().Before(deadline) {
		checks++
		order, err := e.cfg.Exchange.GetOrder(ctx, orderID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if checks%5 == 0 {
				e.cfg.Logger.Warn(ctx, op+": status check failing", map[string]interface{}{"orderID": orderID, "checks": checks, "error": err.Error()})
			}
			if err := e.cfg.Sleep(ctx, e.cfg.WaitPollInterval); err != nil {
				return nil, err
			}
			continue
		}

		if done, result, rerr := terminal(order); done {
			return result, rerr
		}

		interval := e.cfg.PollInterval
		if order.State == domain.OrderSubmitted {
			interval = e.cfg.WaitPollInterval
		}
		if err := e.cfg.Sleep(ctx, interval); err != nil {
			return nil, err
		}
	}

	e.cfg.Logger.Warn(ctx, op+": timed out, performing final check", map[string]interface{}{"orderID": orderID, "timeout": timeout.String()})
	if order, err := e.cfg.Exchange.GetOrder(ctx, orderID); err == nil {
		if done, result, rerr := terminal(order); done {
			return result, rerr
		}
	}
	return nil, fmt.Errorf("%w: order %s after %s", ports.ErrFillTimeout, orderID, timeout)
}

// terminal reports whether the order is finished. A canceled order that
// executed some volume is a terminal partial fill.
func terminal(order *domain.Order) (bool, *domain.Order, error) {
	switch order.State {
	case domain.OrderFilled:
		return true, order, nil
	case domain.OrderCanceled:
		if order.FilledVolume > 0 {
			return true, order, nil
		}
		return true, nil, fmt.Errorf("%w: order %s", ports.ErrOrderCanceled, order.ID)
	}
	return false, nil, nil
}

// SellGuardAge reports how long the sell guard has been held.
func (e *Executor) SellGuardAge() (time.Duration, bool) {
	return e.sellG.age(e.cfg.Now())
}

// ForceReleaseSell clears a stuck sell guard. The in-flight call, if it ever
// returns, will not clear a newer holder.
func (e *Executor) ForceReleaseSell() bool {
	return e.sellG.forceRelease()
}

// Busy reports whether a buy or sell is in flight.
func (e *Executor) Busy() (buying, selling bool) {
	_, buying = e.buyG.age(e.cfg.Now())
	_, selling = e.sellG.age(e.cfg.Now())
	return buying, selling
}

func fillFromOrder(o *domain.Order) *domain.Fill {
	return &domain.Fill{
		OrderID:        o.ID,
		Side:           o.Side,
		FilledVolume:   o.FilledVolume,
		FilledNotional: o.FilledNotional,
		AvgPrice:       o.AvgFillPrice(),
		Fee:            o.PaidFee,
	}
}

func truncateVolume(v float64) float64 {
	return decimal.NewFromFloat(v).Truncate(8).InexactFloat64()
}

func isTransient(err error) bool {
	return errors.Is(err, ports.ErrOperationFailed) ||
		errors.Is(err, ports.ErrRateLimitExceeded) ||
		errors.Is(err, ports.ErrConnectionFailed)
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ports.ErrBusy):
		return "busy"
	case errors.Is(err, ports.ErrCooldown):
		return "cooldown"
	case errors.Is(err, ports.ErrFillTimeout):
		return "fill_timeout"
	case errors.Is(err, ports.ErrOrderCanceled):
		return "canceled"
	}
	return "failed"
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
