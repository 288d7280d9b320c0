package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"time"

	"upbitScalper/config"
	"upbitScalper/internal/adapters/logger"
	"upbitScalper/internal/adapters/metrics"
	"upbitScalper/internal/adapters/notify"
	"upbitScalper/internal/adapters/redislock"
	"upbitScalper/internal/adapters/sqlite"
	"upbitScalper/internal/adapters/statefile"
	"upbitScalper/internal/adapters/upbit"
	"upbitScalper/internal/app"
	"upbitScalper/internal/execution"
	"upbitScalper/internal/marketdata"
	"upbitScalper/internal/monitor"
	"upbitScalper/internal/position"
	"upbitScalper/internal/ratelimit"
	"upbitScalper/internal/reconcile"
	"upbitScalper/internal/risk"
	"upbitScalper/internal/strategy"
)

func main() {
	ctx := context.Background()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(cfg.Ops.LogLevel, cfg.Ops.LogFormat)
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel().String(), "format": cfg.Ops.LogFormat})

	fatal := func(err error, msg string) {
		appLogger.Error(ctx, err, "FATAL: "+msg)
		log.Fatalf("FATAL: %s: %v", msg, err) // Also log to stderr
	}

	// 3. Metrics and notifications
	recorder := metrics.NewRecorder()
	var senders []notify.Sender
	if cfg.Ops.TelegramToken != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Ops.TelegramToken, cfg.Ops.TelegramChatID))
	}
	notifier, err := notify.NewNotifier(notify.Config{
		Senders: senders,
		Events:  cfg.Ops.NotifyEvents,
		Title:   cfg.Trading.Market,
		Logger:  appLogger,
	})
	if err != nil {
		fatal(err, "Failed to initialize notifier")
	}

	// 4. Initialize Repository (Database Adapter) and state file
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.Storage.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		fatal(err, "Failed to initialize database repository")
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	store, err := statefile.NewStore(statefile.Config{Path: cfg.Storage.StateFile, Logger: appLogger})
	if err != nil {
		fatal(err, "Failed to initialize state file")
	}

	// 5. Initialize Exchange Client (Upbit Adapter)
	limiter := ratelimit.NewLimiter(
		ratelimit.BucketConfig{RatePerSecond: cfg.Upbit.QuotationRPS},
		ratelimit.BucketConfig{RatePerSecond: cfg.Upbit.ExchangeRPS, PerMinute: cfg.Upbit.ExchangePerMinute},
	)
	gateway, err := upbit.NewGateway(upbit.GatewayConfig{
		BaseURL:     cfg.Upbit.BaseURL,
		Signer:      upbit.NewSigner(cfg.Upbit.AccessKey, cfg.Upbit.SecretKey),
		HTTPClient:  &http.Client{Timeout: cfg.Upbit.HTTPTimeout},
		Limiter:     limiter,
		Logger:      appLogger,
		Metrics:     recorder,
		MaxAttempts: cfg.Upbit.MaxAttempts,
	})
	if err != nil {
		fatal(err, "Failed to initialize Upbit gateway")
	}
	client, err := upbit.New(upbit.Config{Gateway: gateway, Logger: appLogger})
	if err != nil {
		fatal(err, "Failed to initialize Upbit client")
	}
	stream, err := upbit.NewStream(upbit.StreamConfig{
		URL:                  cfg.Upbit.WebsocketURL,
		Logger:               appLogger,
		ReconnectDelay:       cfg.Upbit.ReconnectDelay,
		MaxReconnectAttempts: cfg.Upbit.MaxReconnectAttempts,
	})
	if err != nil {
		fatal(err, "Failed to initialize Upbit stream")
	}
	appLogger.Info(ctx, "Upbit client initialized")

	// 6. Initialize Strategy and market data
	strat, err := strategy.New(cfg.StrategyRules(), appLogger)
	if err != nil {
		fatal(err, "Failed to initialize entry strategy")
	}
	provider, err := marketdata.NewProvider(marketdata.Config{
		Market:      cfg.Trading.Market,
		Exchange:    client,
		Logger:      appLogger,
		CandleCount: strat.RequiredCandles(),
	})
	if err != nil {
		fatal(err, "Failed to initialize market data provider")
	}

	// 7. Execution, risk and the position state machine
	executor, err := execution.New(execution.Config{
		Market:           cfg.Trading.Market,
		Exchange:         client,
		Logger:           appLogger,
		Metrics:          recorder,
		MinOrderKRW:      cfg.Sizing.MinOrderKRW,
		DustThresholdKRW: cfg.Trading.DustThresholdKRW,
	})
	if err != nil {
		fatal(err, "Failed to initialize order executor")
	}
	evaluator, err := position.NewEvaluator(cfg.ExitRules(), appLogger)
	if err != nil {
		fatal(err, "Failed to initialize exit evaluator")
	}
	riskManager := risk.NewRiskManager(risk.RiskConfig{
		MaxDailyTrades: cfg.Trading.MaxDailyTrades,
		MaxDailyLoss:   cfg.Trading.MaxDailyLossKRW,
	})
	if err := riskManager.Seed(ctx, repo, cfg.Trading.Market); err != nil {
		fatal(err, "Failed to seed daily risk limits")
	}

	// The service is created after the manager; trades request reconciliation through it.
	var svc *app.TradingService
	manager, err := position.NewManager(position.Config{
		Market:                     cfg.Trading.Market,
		Currency:                   cfg.Currency(),
		Exchange:                   client,
		Executor:                   executor,
		Evaluator:                  evaluator,
		Sizer:                      risk.NewSizer(cfg.SizingRules()),
		Risk:                       riskManager,
		Trades:                     repo,
		State:                      store,
		Logger:                     appLogger,
		Metrics:                    recorder,
		Notifier:                   notifier,
		InvestmentRatio:            cfg.Trading.InvestmentRatio,
		MinKRWReserve:              cfg.Trading.MinKRWReserve,
		DustThresholdKRW:           cfg.Trading.DustThresholdKRW,
		AdditionalEntryMaxCount:    cfg.Trading.AdditionalEntryMaxCount,
		AdditionalEntryDropPercent: cfg.Trading.AdditionalEntryDropPercent,
		EmergencyReset:             cfg.Emergency.Reset,
		AfterTrade: func() {
			if svc != nil {
				svc.RequestReconcile()
			}
		},
	})
	if err != nil {
		fatal(err, "Failed to initialize position manager")
	}
	reconciler, err := reconcile.New(reconcile.Config{
		Currency:         cfg.Currency(),
		Exchange:         client,
		Holder:           manager,
		Seller:           executor,
		Logger:           appLogger,
		Metrics:          recorder,
		DustThresholdKRW: cfg.Trading.DustThresholdKRW,
		DustPolicy:       reconcile.DustPolicy(cfg.Trading.DustPolicy),
		Price:            provider.LastPrice,
	})
	if err != nil {
		fatal(err, "Failed to initialize reconciler")
	}

	deps := app.Deps{
		Logger:         appLogger,
		Positions:      manager,
		Market:         provider,
		Signals:        strat,
		Reconciler:     reconciler,
		SellGuard:      executor,
		Trades:         repo,
		Streamer:       stream,
		Notifier:       notifier,
		NotifierRunner: notifier,
		MetricsHandler: recorder.Handler(),
	}

	// 8. Emergency monitor
	if cfg.Emergency.Enabled {
		emergencyCfg := cfg.EmergencyRules()
		emergencyCfg.Halter = manager
		emergencyCfg.Notifier = notifier
		emergencyCfg.Metrics = recorder
		emergencyCfg.Logger = appLogger
		emergency, err := monitor.NewEmergencyMonitor(emergencyCfg)
		if err != nil {
			fatal(err, "Failed to initialize emergency monitor")
		}
		deps.Emergency = emergency
	}

	// 9. Single-instance lock
	if cfg.Ops.RedisAddr != "" {
		locker, err := redislock.NewLocker(ctx, redislock.Config{
			Addr:     cfg.Ops.RedisAddr,
			Password: cfg.Ops.RedisPassword,
			DB:       cfg.Ops.RedisDB,
			Logger:   appLogger,
		})
		if err != nil {
			fatal(err, "Failed to connect to Redis for the instance lock")
		}
		defer locker.Close()
		deps.AcquireLock = func(ctx context.Context) (app.InstanceLock, error) {
			lock, err := locker.Acquire(ctx, cfg.Trading.Market, cfg.Ops.LockTTL)
			if err != nil {
				return nil, err
			}
			return lock, nil
		}
	}

	// 10. Initialize Application Service
	svc, err = app.NewTradingService(app.Config{
		Market:            cfg.Trading.Market,
		RiskInterval:      cfg.Trading.RiskCheckInterval,
		EntryInterval:     cfg.Trading.TradeCheckInterval,
		ReconcileInterval: cfg.Trading.ReconcileInterval,
		StatusInterval:    cfg.Trading.StatusInterval,
		SellGuardTimeout:  cfg.Trading.SellGuardTimeout,
		FallbackDelay:     500 * time.Millisecond,
		NeedsOrderbook:    strat.NeedsOrderbook(),
		MetricsAddr:       cfg.Ops.MetricsAddr,
	}, deps)
	if err != nil {
		fatal(err, "Failed to initialize trading service")
	}
	appLogger.Info(ctx, "Trading service initialized")

	// 11. Start the Service
	if err := svc.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}
