// Package backtesting replays historical minute candles through the entry
// strategy and the exit evaluator used by the live bot.
package backtesting

import (
	"context"
	"fmt"
	"time"

	"upbitScalper/internal/domain"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/position"
	"upbitScalper/internal/risk"
	"upbitScalper/internal/strategy/analytics"
)

// DefaultFeeRate is the Upbit KRW market fee per side.
const DefaultFeeRate = 0.0005

// ExitEvaluator is the subset of the exit evaluator the replay needs.
type ExitEvaluator interface {
	Config() position.ExitConfig
	Reset()
	Evaluate(pos *domain.Position, snap *domain.MarketSnapshot, now time.Time) *domain.ExitDecision
}

// BacktestConfig holds configuration for backtesting
type BacktestConfig struct {
	Market       string
	StartTime    time.Time // Zero means from the first usable candle
	EndTime      time.Time // Zero means until the last candle
	InitialFunds float64   // KRW
	FeeRate      float64   // Per side, fraction; 0 uses DefaultFeeRate
	Sizing       risk.SizingConfig
}

// BacktestResult holds the results of a backtest
type BacktestResult struct {
	Trades       []*domain.Trade
	Metrics      *analytics.PerformanceMetrics
	FinalBalance float64
	Entries      int
	Signals      int // Candles on which the producer voted to enter
}

// Backtest replays candles (oldest first) and trades them with the given signal producer and exit evaluator.
// Entries fill at the candle close; exits are checked along an open/extreme/extreme/close path inside each candle.
func Backtest(ctx context.Context, signals ports.SignalProducer, exits ExitEvaluator, candles []*domain.Candle, config BacktestConfig) (*BacktestResult, error) {
	if signals == nil || exits == nil {
		return nil, fmt.Errorf("backtest requires a signal producer and an exit evaluator: %w", ports.ErrInvalidRequest)
	}
	required := signals.RequiredCandles()
	if required < 1 {
		required = 1
	}
	if len(candles) <= required {
		return nil, fmt.Errorf("not enough candles for strategy: have %d, need more than %d: %w", len(candles), required, ports.ErrInvalidRequest)
	}
	if config.InitialFunds <= 0 {
		return nil, fmt.Errorf("initial funds must be positive, got %v: %w", config.InitialFunds, ports.ErrInvalidRequest)
	}
	fee := config.FeeRate
	if fee <= 0 {
		fee = DefaultFeeRate
	}

	sizer := risk.NewSizer(config.Sizing)
	exitCfg := exits.Config()
	window := exitCfg.SampleWindow()

	result := &BacktestResult{FinalBalance: config.InitialFunds}
	balance := config.InitialFunds
	var pos *domain.Position
	var lastSignal *domain.EntrySignal

	closePosition := func(price float64, at time.Time, reason domain.ExitReason) {
		proceeds := pos.Volume * price * (1 - fee)
		profit := proceeds - pos.InvestedNotional
		result.Trades = append(result.Trades, &domain.Trade{
			Market:      config.Market,
			EntryPrice:  pos.AvgEntryPrice,
			ExitPrice:   price,
			Volume:      pos.Volume,
			Invested:    pos.InvestedNotional,
			Proceeds:    proceeds,
			Profit:      profit,
			ProfitRate:  profit / pos.InvestedNotional * 100,
			EntryTime:   pos.EntryTime,
			ExitTime:    at,
			CloseReason: reason,
		})
		balance += proceeds
		pos = nil
	}

	var last *domain.Candle
	for i := required - 1; i < len(candles); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := candles[i]
		if !config.StartTime.IsZero() && c.OpenTime.Before(config.StartTime) {
			continue
		}
		if !config.EndTime.IsZero() && !c.OpenTime.Before(config.EndTime) {
			break
		}
		last = c
		closedNow := false

		if pos != nil {
			for _, s := range intraCandlePath(c) {
				pos.Observe(s.Price, s.At, window)
				snap := &domain.MarketSnapshot{Market: config.Market, Price: s.Price, Signal: lastSignal, Timestamp: s.At}
				if decision := exits.Evaluate(pos, snap, s.At); decision != nil {
					closePosition(s.Price, s.At, decision.Trigger)
					closedNow = true
					break
				}
			}
		}

		closeAt := candleClose(c)
		snap := &domain.MarketSnapshot{
			Market:    config.Market,
			Price:     c.Close,
			Candles:   candles[i-required+1 : i+1],
			Timestamp: closeAt,
		}
		signal, err := signals.Evaluate(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("signal evaluation at %s: %w", closeAt.Format(time.RFC3339), err)
		}
		lastSignal = signal
		if signal == nil || !signal.ShouldEnter {
			continue
		}
		result.Signals++
		if pos != nil || closedNow {
			continue
		}

		notional := sizer.AllocateNotional(balance, exitCfg.StopLossPercent, signal.ATRPercent)
		if notional <= 0 {
			continue
		}
		volume := notional * (1 - fee) / c.Close
		opened, err := domain.NewPosition(config.Market, volume, c.Close, notional, closeAt)
		if err != nil {
			continue
		}
		exits.Reset()
		opened.Observe(c.Close, closeAt, window)
		pos = opened
		balance -= notional
		result.Entries++
	}

	// Mark any position still open to the last replayed close.
	if pos != nil && last != nil {
		closePosition(last.Close, candleClose(last), domain.ExitUnknown)
	}

	result.FinalBalance = balance
	result.Metrics = analytics.AnalyzePerformance(result.Trades, config.InitialFunds)
	return result, nil
}

// intraCandlePath approximates the price path inside a candle. A rising candle
// visits its low before its high; a falling candle the reverse.
func intraCandlePath(c *domain.Candle) []domain.PriceSample {
	step := candleDuration(c) / 3
	first, second := c.Low, c.High
	if c.Close < c.Open {
		first, second = c.High, c.Low
	}
	return []domain.PriceSample{
		{Price: c.Open, At: c.OpenTime},
		{Price: first, At: c.OpenTime.Add(step)},
		{Price: second, At: c.OpenTime.Add(2 * step)},
		{Price: c.Close, At: c.OpenTime.Add(3 * step)},
	}
}

func candleDuration(c *domain.Candle) time.Duration {
	if c.Unit <= 0 {
		return time.Minute
	}
	return time.Duration(c.Unit) * time.Minute
}

func candleClose(c *domain.Candle) time.Time {
	return c.OpenTime.Add(candleDuration(c))
}
