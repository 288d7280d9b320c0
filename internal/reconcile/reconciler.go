// Package reconcile corrects local position belief against exchange balances.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/execution"
	"upbitScalper/internal/ports"
)

// Outcome classifies a reconciliation pass.
type Outcome string

const (
	InSync          Outcome = "in_sync"
	Skipped         Outcome = "skipped"
	GhostCleared    Outcome = "ghost_cleared"
	Adopted         Outcome = "adopted"
	VolumeCorrected Outcome = "volume_corrected"
	DustIgnored     Outcome = "dust_ignored"
	DustSold        Outcome = "dust_sold"
	Failed          Outcome = "failed"
)

// DustPolicy selects what happens to a balance worth less than the dust threshold.
type DustPolicy string

const (
	DustIgnore DustPolicy = "ignore"
	DustSell   DustPolicy = "sell"
)

// View is the part of the local state reconciliation needs.
type View struct {
	State    domain.PositionState
	Position *domain.Position // Copy; nil when flat
	Desync   bool
}

// Holder owns the position. Each mutation re-checks the state under the
// holder's own lock and reports whether it applied.
type Holder interface {
	ReconcileView() View
	ClearGhost(ctx context.Context, reason string) bool
	Adopt(ctx context.Context, volume, avgPrice float64) bool
	CorrectVolume(ctx context.Context, volume float64) bool
	MarkSynced()
}

// Seller sells a balance. *execution.Executor satisfies it.
type Seller interface {
	Sell(ctx context.Context, req execution.SellRequest) (*domain.Fill, error)
}

// Config holds the reconciler settings.
type Config struct {
	Currency         string
	Exchange         ports.ExchangeClient
	Holder           Holder
	Seller           Seller
	Logger           ports.Logger
	Metrics          ports.Metrics
	DustThresholdKRW float64
	DustPolicy       DustPolicy
	// Price returns the latest market price used to value balances. Optional;
	// the exchange average buy price is used when it is nil or returns 0.
	Price func() float64
}

// Reconciler runs one pass at a time.
type Reconciler struct {
	cfg Config
	mu  sync.Mutex
}

// New creates a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Exchange == nil || cfg.Holder == nil {
		return nil, fmt.Errorf("exchange and holder are required for reconciler")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for reconciler")
	}
	if cfg.Currency == "" {
		return nil, fmt.Errorf("currency is required for reconciler")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.DustThresholdKRW <= 0 {
		cfg.DustThresholdKRW = 100
	}
	switch cfg.DustPolicy {
	case DustIgnore, DustSell:
	case "":
		cfg.DustPolicy = DustIgnore
	default:
		return nil, fmt.Errorf("unknown dust policy %q", cfg.DustPolicy)
	}
	if cfg.DustPolicy == DustSell && cfg.Seller == nil {
		return nil, fmt.Errorf("seller is required for dust policy %q", DustSell)
	}
	return &Reconciler{cfg: cfg}, nil
}

// Run performs a single reconciliation pass.
func (r *Reconciler) Run(ctx context.Context) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcome, err := r.run(ctx)
	r.cfg.Metrics.ObserveReconcile(string(outcome))
	return outcome, err
}

func (r *Reconciler) run(ctx context.Context) (Outcome, error) {
	op := "Reconcile"
	view := r.cfg.Holder.ReconcileView()
	if view.State == domain.StateOpening || view.State == domain.StateClosing {
		r.cfg.Logger.Debug(ctx, op+": order in flight, skipping", map[string]interface{}{"state": string(view.State)})
		return Skipped, nil
	}

	bal, err := r.cfg.Exchange.GetBalance(ctx, r.cfg.Currency)
	if err != nil {
		r.cfg.Logger.Error(ctx, err, op+": failed to read balance")
		return Failed, fmt.Errorf("%s: read %s balance: %w", op, r.cfg.Currency, err)
	}
	volume := bal.Total()
	price := r.valuationPrice(bal, view.Position)
	value := volume * price
	fields := map[string]interface{}{
		"state":   string(view.State),
		"balance": volume,
		"value":   value,
		"desync":  view.Desync,
	}

	switch view.State {
	case domain.StateOpen:
		if volume <= 0 || (price > 0 && value < r.cfg.DustThresholdKRW) {
			if r.cfg.Holder.ClearGhost(ctx, "exchange balance is empty") {
				r.cfg.Logger.Warn(ctx, op+": ghost position cleared", fields)
				return GhostCleared, nil
			}
			return Skipped, nil
		}
		local := view.Position
		if local != nil && !sameVolume(local.Volume, volume, price, r.cfg.DustThresholdKRW) {
			if r.cfg.Holder.CorrectVolume(ctx, volume) {
				fields["localVolume"] = local.Volume
				r.cfg.Logger.Warn(ctx, op+": position volume corrected to exchange balance", fields)
				return VolumeCorrected, nil
			}
			return Skipped, nil
		}
		r.cfg.Holder.MarkSynced()
		return InSync, nil

	case domain.StateFlat:
		if volume <= 0 {
			r.cfg.Holder.MarkSynced()
			return InSync, nil
		}
		if price <= 0 {
			return Failed, fmt.Errorf("%s: %w: no price to value %f %s", op, ports.ErrInvalidResponse, volume, r.cfg.Currency)
		}
		if value >= r.cfg.DustThresholdKRW {
			avg := bal.AvgBuyPrice
			if avg <= 0 {
				avg = price
			}
			if r.cfg.Holder.Adopt(ctx, volume, avg) {
				fields["avgPrice"] = avg
				r.cfg.Logger.Warn(ctx, op+": adopted unsynced exchange position", fields)
				return Adopted, nil
			}
			return Skipped, nil
		}
		r.cfg.Holder.MarkSynced()
		if r.cfg.DustPolicy == DustSell && bal.Balance > 0 {
			fill, err := r.cfg.Seller.Sell(ctx, execution.SellRequest{Volume: bal.Balance, Reason: domain.ExitDust, Price: price})
			if err != nil {
				r.cfg.Logger.Warn(ctx, op+": dust cleanup sell failed", map[string]interface{}{"error": err.Error(), "value": value})
				if errors.Is(err, ports.ErrBusy) || errors.Is(err, ports.ErrCooldown) {
					return Skipped, nil
				}
				return DustIgnored, nil
			}
			if fill.AlreadyClosed {
				return InSync, nil
			}
			r.cfg.Logger.Info(ctx, op+": dust sold", fields)
			return DustSold, nil
		}
		r.cfg.Logger.Debug(ctx, op+": dust balance ignored", fields)
		return DustIgnored, nil
	}

	return Skipped, nil
}

func (r *Reconciler) valuationPrice(bal *domain.Balance, local *domain.Position) float64 {
	if r.cfg.Price != nil {
		if p := r.cfg.Price(); p > 0 && !math.IsNaN(p) {
			return p
		}
	}
	if bal.AvgBuyPrice > 0 {
		return bal.AvgBuyPrice
	}
	if local != nil {
		return local.AvgEntryPrice
	}
	return 0
}

// sameVolume reports whether two volumes differ by less than dust in value.
func sameVolume(local, exchange, price, dust float64) bool {
	diff := math.Abs(local - exchange)
	if price <= 0 {
		return diff < 1e-8
	}
	return diff*price < dust
}
