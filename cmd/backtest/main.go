package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"upbitScalper/config"
	"upbitScalper/internal/adapters/logger"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/position"
	"upbitScalper/internal/strategy"
	"upbitScalper/internal/strategy/analytics"
	"upbitScalper/internal/strategy/backtesting"
	"upbitScalper/internal/strategy/optimization"
	"upbitScalper/internal/utils"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadOfflineConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	csvPath := flag.String("csv", "", "candle CSV written by fetch_candles (required)")
	funds := flag.Float64("funds", 1_000_000, "initial KRW balance")
	fee := flag.Float64("fee", backtesting.DefaultFeeRate, "fee rate per side")
	optimize := flag.Bool("optimize", false, "grid-search take-profit, stop-loss and trailing-stop thresholds")
	top := flag.Int("top", 5, "number of optimization results to print")
	flag.Parse()
	if *csvPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Initialize Logger; per-candle strategy logs are only useful at debug level.
	appLogger := logger.New(cfg.Ops.LogLevel, cfg.Ops.LogFormat)
	quiet := logger.New("ERROR", cfg.Ops.LogFormat)

	// 3. Load candles
	candles, err := utils.ReadCandlesFromCSV(*csvPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load candles: %v", err)
	}
	appLogger.Info(ctx, "Loaded candles", map[string]interface{}{"file": *csvPath, "count": len(candles)})
	if cfg.Strategy.EnableOrderbook {
		appLogger.Warn(ctx, "Orderbook scoring is enabled but history carries no depth; that scorer never votes")
	}

	btCfg := backtesting.BacktestConfig{
		Market:       cfg.Trading.Market,
		InitialFunds: *funds,
		FeeRate:      *fee,
		Sizing:       cfg.SizingRules(),
	}
	if len(candles) > 0 {
		btCfg.Market = candles[0].Market
	}
	newSignals := func() (ports.SignalProducer, error) {
		strat, err := strategy.New(cfg.StrategyRules(), quiet)
		if err != nil {
			return nil, err
		}
		return strat, nil
	}

	// 4. Optimize or run a single backtest
	if *optimize {
		optimizer, err := optimization.NewOptimizer(optimization.OptimizerConfig{
			ParameterRanges: []optimization.ParameterRange{
				{Name: optimization.ParamTakeProfit, Min: 0.4, Max: 1.2, Step: 0.2},
				{Name: optimization.ParamStopLoss, Min: -1.2, Max: -0.4, Step: 0.2},
				{Name: optimization.ParamTrailingStop, Min: 0.15, Max: 0.35, Step: 0.1},
			},
			Base:     cfg.ExitRules(),
			Backtest: btCfg,
			Logger:   quiet,
		})
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize optimizer: %v", err)
		}
		results, err := optimizer.Optimize(ctx, newSignals, candles)
		if err != nil {
			appLogger.Error(ctx, err, "Optimization failed")
			log.Fatalf("Optimization failed: %v", err)
		}
		appLogger.Info(ctx, "Optimization finished", map[string]interface{}{"combinations": len(results)})
		for i, r := range results {
			if i >= *top {
				break
			}
			fmt.Printf("#%d score=%.4f params=%v\n", i+1, r.Score, r.Parameters)
			printMetrics(r.Metrics)
		}
		return
	}

	signals, err := newSignals()
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize entry strategy: %v", err)
	}
	evaluator, err := position.NewEvaluator(cfg.ExitRules(), quiet)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize exit evaluator: %v", err)
	}
	result, err := backtesting.Backtest(ctx, signals, evaluator, candles, btCfg)
	if err != nil {
		appLogger.Error(ctx, err, "Backtest failed")
		log.Fatalf("Backtest failed: %v", err)
	}
	appLogger.Info(ctx, "Backtest finished", map[string]interface{}{
		"signals": result.Signals,
		"entries": result.Entries,
		"balance": result.FinalBalance,
	})
	fmt.Println(analytics.Summarize(result.Trades).String())
	printMetrics(result.Metrics)
	for _, m := range result.Metrics.GetMonthlyReturns() {
		fmt.Printf("  %s: %+.0f KRW\n", m.Month.Format("2006-01"), m.Return)
	}
}

func printMetrics(m *analytics.PerformanceMetrics) {
	fmt.Printf("  trades=%d winRate=%.1f%% profit=%.0f KRW roi=%.2f%% maxDD=%.2f%% profitFactor=%.2f avgHold=%s\n",
		m.TotalTrades, m.WinRate*100, m.TotalProfit, m.ReturnOnInvestment*100, m.MaxDrawdown*100,
		m.ProfitFactor, m.AverageTradeDuration)
}
