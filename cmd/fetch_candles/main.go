package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"upbitScalper/config"
	"upbitScalper/internal/adapters/logger"
	"upbitScalper/internal/adapters/upbit"
	"upbitScalper/internal/ratelimit"
	"upbitScalper/internal/utils"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadOfflineConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	market := flag.String("market", cfg.Trading.Market, "KRW market to fetch, e.g. KRW-BTC")
	days := flag.Int("days", 7, "number of days of 1m candles to fetch, ending now")
	out := flag.String("out", "", "output CSV path (default data/<market>_1m_<from>_to_<to>.csv)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Initialize Logger
	appLogger := logger.New(cfg.Ops.LogLevel, cfg.Ops.LogFormat)

	// 3. Public quotation client; no keys are needed for candles.
	gateway, err := upbit.NewGateway(upbit.GatewayConfig{
		BaseURL:    cfg.Upbit.BaseURL,
		HTTPClient: &http.Client{Timeout: cfg.Upbit.HTTPTimeout},
		Limiter: ratelimit.NewLimiter(
			ratelimit.BucketConfig{RatePerSecond: cfg.Upbit.QuotationRPS},
			ratelimit.BucketConfig{RatePerSecond: cfg.Upbit.ExchangeRPS, PerMinute: cfg.Upbit.ExchangePerMinute},
		),
		Logger:      appLogger,
		MaxAttempts: cfg.Upbit.MaxAttempts,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Upbit gateway: %v", err)
	}
	client, err := upbit.New(upbit.Config{Gateway: gateway, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Upbit client: %v", err)
	}

	end := time.Now().UTC().Truncate(time.Minute)
	start := end.AddDate(0, 0, -*days)

	appLogger.Info(ctx, "Fetching candles", map[string]interface{}{"market": *market, "from": start, "to": end})
	candles, err := client.GetMinuteCandlesRange(ctx, *market, 1, start, end)
	if err != nil {
		appLogger.Error(ctx, err, "Error fetching candles")
		log.Fatalf("Error fetching candles: %v", err)
	}
	appLogger.Info(ctx, "Fetched candles", map[string]interface{}{"count": len(candles)})

	filename := *out
	if filename == "" {
		filename = fmt.Sprintf("data/%s_1m_%s_to_%s.csv", *market, start.Format("20060102"), end.Format("20060102"))
	}
	if err := utils.WriteCandlesToCSV(candles, filename); err != nil {
		appLogger.Error(ctx, err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": filename})
}
