package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"upbitScalper/internal/adapters/logger"
	"upbitScalper/internal/monitor"
	"upbitScalper/internal/ports"
	"upbitScalper/internal/position"
	"upbitScalper/internal/reconcile"
	"upbitScalper/internal/risk"
	"upbitScalper/internal/strategy"
)

// Config holds all application configuration.
type Config struct {
	Upbit     UpbitConfig     `toml:"upbit"`
	Trading   TradingConfig   `toml:"trading"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Exit      ExitConfig      `toml:"exit"`
	Sizing    SizingConfig    `toml:"sizing"`
	Emergency EmergencyConfig `toml:"emergency"`
	Storage   StorageConfig   `toml:"storage"`
	Ops       OpsConfig       `toml:"ops"`
}

// UpbitConfig covers credentials, endpoints and request budgets.
type UpbitConfig struct {
	AccessKey            string        `toml:"access_key"`
	SecretKey            string        `toml:"secret_key"`
	BaseURL              string        `toml:"base_url"`
	WebsocketURL         string        `toml:"websocket_url"`
	HTTPTimeout          time.Duration `toml:"http_timeout"`
	MaxAttempts          int           `toml:"max_attempts"`
	QuotationRPS         float64       `toml:"quotation_rps"`
	ExchangeRPS          float64       `toml:"exchange_rps"`
	ExchangePerMinute    int           `toml:"exchange_per_minute"`
	ReconnectDelay       time.Duration `toml:"reconnect_delay"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
}

// TradingConfig covers the market, loop cadence and position plumbing.
type TradingConfig struct {
	Market                     string        `toml:"market"`
	TradeCheckInterval         time.Duration `toml:"trade_check_interval"`
	RiskCheckInterval          time.Duration `toml:"risk_check_interval"`
	ReconcileInterval          time.Duration `toml:"reconcile_interval"`
	StatusInterval             time.Duration `toml:"status_interval"`
	SellGuardTimeout           time.Duration `toml:"sell_guard_timeout"`
	DustThresholdKRW           float64       `toml:"dust_threshold_krw"`
	DustPolicy                 string        `toml:"dust_policy"`
	InvestmentRatio            float64       `toml:"investment_ratio"`
	MinKRWReserve              float64       `toml:"min_krw_reserve"`
	AdditionalEntryMaxCount    int           `toml:"additional_entry_max_count"`
	AdditionalEntryDropPercent float64       `toml:"additional_entry_drop_percent"`
	MaxDailyTrades             int           `toml:"max_daily_trades"`
	MaxDailyLossKRW            float64       `toml:"max_daily_loss_krw"`
}

// StrategyConfig tunes the entry-signal producer.
type StrategyConfig struct {
	RSIPeriod           int     `toml:"rsi_period"`
	ATRPeriod           int     `toml:"atr_period"`
	MinATRPercent       float64 `toml:"min_atr_percent"`
	EntryScoreThreshold float64 `toml:"entry_score_threshold"`
	MinSignals          int     `toml:"min_signals"`
	EnableRSI           bool    `toml:"enable_rsi"`
	EnableVolume        bool    `toml:"enable_volume"`
	EnableOrderbook     bool    `toml:"enable_orderbook"`
	EnableCandle        bool    `toml:"enable_candle"`

	TrendFilter      bool `toml:"trend_filter"`
	TrendEMAFast     int  `toml:"trend_ema_fast"`
	TrendEMASlow     int  `toml:"trend_ema_slow"`
	RequireVWAPAbove bool `toml:"require_vwap_above"`
	VWAPWindow       int  `toml:"vwap_window"`
}

// ExitConfig mirrors position.ExitConfig for file and env loading.
type ExitConfig struct {
	StopLossPercent       float64       `toml:"stop_loss_percent"`
	QuickProfitPercent    float64       `toml:"quick_profit_percent"`
	TakeProfitPercent     float64       `toml:"take_profit_percent"`
	TrailingStopEnabled   bool          `toml:"trailing_stop_enabled"`
	TrailingStopPercent   float64       `toml:"trailing_stop_percent"`
	MaxHoldingTime        time.Duration `toml:"max_holding_time"`
	ProfitTimeLimit       time.Duration `toml:"profit_time_limit"`
	SidewaysTimeLimit     time.Duration `toml:"sideways_time_limit"`
	MomentumCheckPeriod   time.Duration `toml:"momentum_check_period"`
	MomentumThreshold     float64       `toml:"momentum_threshold"`
	SidewaysRangePercent  float64       `toml:"sideways_range_percent"`
	SidewaysExitThreshold float64       `toml:"sideways_exit_threshold"`
	MinProfitForTimeExit  float64       `toml:"min_profit_for_time_exit"`
	MinNetProfitPercent   float64       `toml:"min_net_profit_percent"`
	TotalFeePercent       float64       `toml:"total_fee_percent"`
	ReverseSignalCheck    bool          `toml:"reverse_signal_check"`
	RSIOverbought         float64       `toml:"rsi_overbought"`
}

// SizingConfig controls position sizing.
type SizingConfig struct {
	RiskFraction float64 `toml:"risk_fraction"`
	MinOrderKRW  float64 `toml:"min_order_krw"`
	MaxOrderKRW  float64 `toml:"max_order_krw"`
}

// EmergencyConfig controls the emergency monitor.
type EmergencyConfig struct {
	Enabled           bool          `toml:"enabled"`
	PriceDropPercent  float64       `toml:"price_drop_percent"`
	NetworkTimeout    time.Duration `toml:"network_timeout"`
	APIErrorThreshold int           `toml:"api_error_threshold"`
	Reset             bool          `toml:"reset"`
}

// StorageConfig locates the trade database and the state file.
type StorageConfig struct {
	DBPath    string `toml:"db_path"`
	StateFile string `toml:"state_file"`
}

// OpsConfig covers logging, metrics, the instance lock and notifications.
type OpsConfig struct {
	LogLevel       string        `toml:"log_level"`
	LogFormat      string        `toml:"log_format"`
	MetricsAddr    string        `toml:"metrics_addr"`
	RedisAddr      string        `toml:"redis_addr"`
	RedisPassword  string        `toml:"redis_password"`
	RedisDB        int           `toml:"redis_db"`
	LockTTL        time.Duration `toml:"lock_ttl"`
	TelegramToken  string        `toml:"telegram_token"`
	TelegramChatID string        `toml:"telegram_chat_id"`
	NotifyEvents   []string      `toml:"notify_events"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	exit := position.DefaultExitConfig()
	strat := strategy.DefaultConfig()
	emergency := monitor.DefaultConfig()
	return Config{
		Upbit: UpbitConfig{
			BaseURL:              "https://api.upbit.com/v1",
			WebsocketURL:         "wss://api.upbit.com/websocket/v1",
			HTTPTimeout:          10 * time.Second,
			MaxAttempts:          3,
			QuotationRPS:         10,
			ExchangeRPS:          30,
			ReconnectDelay:       time.Second,
			MaxReconnectAttempts: 10,
		},
		Trading: TradingConfig{
			Market:             "KRW-BTC",
			TradeCheckInterval: 5 * time.Second,
			RiskCheckInterval:  time.Second,
			ReconcileInterval:  30 * time.Second,
			StatusInterval:     10 * time.Second,
			SellGuardTimeout:   30 * time.Second,
			DustThresholdKRW:   100,
			DustPolicy:         string(reconcile.DustIgnore),
			InvestmentRatio:    0.999,
			MinKRWReserve:      5000,
			MaxDailyTrades:     50,
		},
		Strategy: StrategyConfig{
			RSIPeriod:           strat.RSIPeriod,
			ATRPeriod:           strat.ATRPeriod,
			MinATRPercent:       strat.MinATRPercent,
			EntryScoreThreshold: strat.EntryScoreThreshold,
			MinSignals:          strat.MinSignals,
			EnableRSI:           strat.EnableRSI,
			EnableVolume:        strat.EnableVolume,
			EnableOrderbook:     strat.EnableOrderbook,
			EnableCandle:        strat.EnableCandle,
			TrendFilter:         strat.Trend.Enabled,
			TrendEMAFast:        strat.Trend.FastPeriod,
			TrendEMASlow:        strat.Trend.SlowPeriod,
			RequireVWAPAbove:    strat.Trend.RequireAboveVWAP,
			VWAPWindow:          strat.Trend.VWAPWindow,
		},
		Exit: ExitConfig{
			StopLossPercent:       exit.StopLossPercent,
			QuickProfitPercent:    exit.QuickProfitPercent,
			TakeProfitPercent:     exit.TakeProfitPercent,
			TrailingStopEnabled:   exit.TrailingStopEnabled,
			TrailingStopPercent:   exit.TrailingStopPercent,
			MaxHoldingTime:        exit.MaxHoldingTime,
			ProfitTimeLimit:       exit.ProfitTimeLimit,
			SidewaysTimeLimit:     exit.SidewaysTimeLimit,
			MomentumCheckPeriod:   exit.MomentumCheckPeriod,
			MomentumThreshold:     exit.MomentumThreshold,
			SidewaysRangePercent:  exit.SidewaysRangePercent,
			SidewaysExitThreshold: exit.SidewaysExitThreshold,
			MinProfitForTimeExit:  exit.MinProfitForTimeExit,
			MinNetProfitPercent:   exit.MinNetProfitPercent,
			TotalFeePercent:       exit.TotalFeePercent,
			ReverseSignalCheck:    exit.ReverseSignalCheck,
			RSIOverbought:         exit.RSIOverbought,
		},
		Sizing: SizingConfig{
			RiskFraction: 0.02,
			MinOrderKRW:  5000,
			MaxOrderKRW:  1_000_000,
		},
		Emergency: EmergencyConfig{
			Enabled:           emergency.Enabled,
			PriceDropPercent:  emergency.PriceDropPercent,
			NetworkTimeout:    emergency.NetworkTimeout,
			APIErrorThreshold: emergency.ErrorThreshold,
		},
		Storage: StorageConfig{
			DBPath:    "./data/trades.db",
			StateFile: "./data/state.json",
		},
		Ops: OpsConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
			LockTTL:   30 * time.Second,
		},
	}
}

// LoadConfig builds the configuration from defaults, an optional TOML file
// named by CONFIG_FILE, a .env file and the environment, in that order.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()
	return load(os.Getenv("CONFIG_FILE"))
}

// LoadOfflineConfig is LoadConfig for tools that only use public market data; API keys are optional.
func LoadOfflineConfig() (*Config, error) {
	_ = godotenv.Load()
	return loadWith(os.Getenv("CONFIG_FILE"), false)
}

func load(path string) (*Config, error) {
	return loadWith(path, true)
}

func loadWith(path string, needKeys bool) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
	}

	env := &envReader{}
	applyEnvOverrides(&cfg, env)

	errs := append(env.errs, cfg.validate(needKeys)...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s: %w", strings.Join(errs, "; "), ports.ErrConfigurationError)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config, env *envReader) {
	// Upbit
	env.str(&cfg.Upbit.AccessKey, "UPBIT_ACCESS_KEY")
	env.str(&cfg.Upbit.SecretKey, "UPBIT_SECRET_KEY")
	env.str(&cfg.Upbit.BaseURL, "UPBIT_BASE_URL")
	env.str(&cfg.Upbit.WebsocketURL, "UPBIT_WEBSOCKET_URL")
	env.dur(&cfg.Upbit.HTTPTimeout, "HTTP_TIMEOUT", time.Millisecond)
	env.int(&cfg.Upbit.MaxAttempts, "MAX_RETRY_ATTEMPTS")
	env.float(&cfg.Upbit.QuotationRPS, "QUOTATION_RPS")
	env.float(&cfg.Upbit.ExchangeRPS, "EXCHANGE_RPS")
	env.int(&cfg.Upbit.ExchangePerMinute, "EXCHANGE_PER_MINUTE")
	env.dur(&cfg.Upbit.ReconnectDelay, "RECONNECT_DELAY", time.Millisecond)
	env.int(&cfg.Upbit.MaxReconnectAttempts, "MAX_RECONNECT_ATTEMPTS")

	// Trading
	env.str(&cfg.Trading.Market, "MARKET")
	env.dur(&cfg.Trading.TradeCheckInterval, "TRADE_CHECK_INTERVAL", time.Millisecond)
	env.dur(&cfg.Trading.RiskCheckInterval, "RISK_CHECK_INTERVAL", time.Millisecond)
	env.dur(&cfg.Trading.ReconcileInterval, "RECONCILE_INTERVAL", time.Millisecond)
	env.dur(&cfg.Trading.StatusInterval, "STATUS_INTERVAL", time.Millisecond)
	env.dur(&cfg.Trading.SellGuardTimeout, "SELL_GUARD_TIMEOUT", time.Millisecond)
	env.float(&cfg.Trading.DustThresholdKRW, "DUST_THRESHOLD_KRW")
	env.str(&cfg.Trading.DustPolicy, "DUST_POLICY")
	env.float(&cfg.Trading.InvestmentRatio, "INVESTMENT_RATIO")
	env.float(&cfg.Trading.MinKRWReserve, "MIN_KRW_RESERVE")
	env.int(&cfg.Trading.AdditionalEntryMaxCount, "ADDITIONAL_ENTRY_MAX_COUNT")
	env.float(&cfg.Trading.AdditionalEntryDropPercent, "ADDITIONAL_ENTRY_DROP_PERCENT")
	env.int(&cfg.Trading.MaxDailyTrades, "MAX_DAILY_TRADES")
	env.float(&cfg.Trading.MaxDailyLossKRW, "MAX_DAILY_LOSS_KRW")

	// Strategy
	env.int(&cfg.Strategy.RSIPeriod, "RSI_PERIOD")
	env.int(&cfg.Strategy.ATRPeriod, "ATR_PERIOD")
	env.float(&cfg.Strategy.MinATRPercent, "MIN_ATR_PERCENT")
	env.float(&cfg.Strategy.EntryScoreThreshold, "ENTRY_SCORE_THRESHOLD")
	env.int(&cfg.Strategy.MinSignals, "MIN_SIGNALS")
	env.bool(&cfg.Strategy.EnableRSI, "STRATEGY_RSI")
	env.bool(&cfg.Strategy.EnableVolume, "STRATEGY_VOLUME")
	env.bool(&cfg.Strategy.EnableOrderbook, "STRATEGY_ORDERBOOK")
	env.bool(&cfg.Strategy.EnableCandle, "STRATEGY_CANDLE")
	env.bool(&cfg.Strategy.TrendFilter, "TREND_FILTER")
	env.int(&cfg.Strategy.TrendEMAFast, "TREND_EMA_FAST")
	env.int(&cfg.Strategy.TrendEMASlow, "TREND_EMA_SLOW")
	env.bool(&cfg.Strategy.RequireVWAPAbove, "REQUIRE_VWAP_ABOVE")
	env.int(&cfg.Strategy.VWAPWindow, "VWAP_WINDOW")

	// Exit rules; holding times are seconds when given as bare numbers
	env.float(&cfg.Exit.StopLossPercent, "STOP_LOSS_PERCENT")
	env.float(&cfg.Exit.QuickProfitPercent, "QUICK_PROFIT_PERCENT")
	env.float(&cfg.Exit.TakeProfitPercent, "TAKE_PROFIT_PERCENT")
	env.bool(&cfg.Exit.TrailingStopEnabled, "TRAILING_STOP_ENABLED")
	env.float(&cfg.Exit.TrailingStopPercent, "TRAILING_STOP_PERCENT")
	env.dur(&cfg.Exit.MaxHoldingTime, "MAX_HOLDING_TIME", time.Second)
	env.dur(&cfg.Exit.ProfitTimeLimit, "PROFIT_TIME_LIMIT", time.Second)
	env.dur(&cfg.Exit.SidewaysTimeLimit, "SIDEWAYS_TIME_LIMIT", time.Second)
	env.dur(&cfg.Exit.MomentumCheckPeriod, "MOMENTUM_CHECK_PERIOD", time.Second)
	env.float(&cfg.Exit.MomentumThreshold, "MOMENTUM_THRESHOLD")
	env.float(&cfg.Exit.SidewaysRangePercent, "SIDEWAYS_RANGE_PERCENT")
	env.float(&cfg.Exit.SidewaysExitThreshold, "SIDEWAYS_EXIT_THRESHOLD")
	env.float(&cfg.Exit.MinProfitForTimeExit, "MIN_PROFIT_FOR_TIME_EXIT")
	env.float(&cfg.Exit.MinNetProfitPercent, "MIN_NET_PROFIT_PERCENT")
	env.float(&cfg.Exit.TotalFeePercent, "TOTAL_FEE_PERCENT")
	env.bool(&cfg.Exit.ReverseSignalCheck, "REVERSE_SIGNAL_CHECK")
	env.float(&cfg.Exit.RSIOverbought, "RSI_OVERBOUGHT")

	// Sizing
	env.float(&cfg.Sizing.RiskFraction, "RISK_FRACTION")
	env.float(&cfg.Sizing.MinOrderKRW, "MIN_ORDER_KRW")
	env.float(&cfg.Sizing.MaxOrderKRW, "MAX_ORDER_KRW")

	// Emergency
	env.bool(&cfg.Emergency.Enabled, "EMERGENCY_STOP_ENABLED")
	env.float(&cfg.Emergency.PriceDropPercent, "EMERGENCY_PRICE_DROP_PERCENT")
	env.dur(&cfg.Emergency.NetworkTimeout, "EMERGENCY_NETWORK_TIMEOUT", time.Millisecond)
	env.int(&cfg.Emergency.APIErrorThreshold, "EMERGENCY_API_ERROR_THRESHOLD")
	env.bool(&cfg.Emergency.Reset, "EMERGENCY_RESET")

	// Storage
	env.str(&cfg.Storage.DBPath, "DB_PATH")
	env.str(&cfg.Storage.StateFile, "STATE_FILE")

	// Ops
	env.str(&cfg.Ops.LogLevel, "LOG_LEVEL")
	env.str(&cfg.Ops.LogFormat, "LOG_FORMAT")
	env.str(&cfg.Ops.MetricsAddr, "METRICS_ADDR")
	env.str(&cfg.Ops.RedisAddr, "REDIS_ADDR")
	env.str(&cfg.Ops.RedisPassword, "REDIS_PASSWORD")
	env.int(&cfg.Ops.RedisDB, "REDIS_DB")
	env.dur(&cfg.Ops.LockTTL, "LOCK_TTL", time.Second)
	env.str(&cfg.Ops.TelegramToken, "TELEGRAM_BOT_TOKEN")
	env.str(&cfg.Ops.TelegramChatID, "TELEGRAM_CHAT_ID")
	env.list(&cfg.Ops.NotifyEvents, "NOTIFY_EVENTS")
}

// Validate returns every problem found; an empty slice means the config is usable.
func (c *Config) Validate() []string {
	return c.validate(true)
}

func (c *Config) validate(needKeys bool) []string {
	var errs []string

	if needKeys && c.Upbit.AccessKey == "" {
		errs = append(errs, "UPBIT_ACCESS_KEY must be set")
	}
	if needKeys && c.Upbit.SecretKey == "" {
		errs = append(errs, "UPBIT_SECRET_KEY must be set")
	}
	if c.Upbit.MaxAttempts <= 0 {
		errs = append(errs, "MAX_RETRY_ATTEMPTS must be positive")
	}
	if c.Upbit.QuotationRPS <= 0 || c.Upbit.ExchangeRPS <= 0 {
		errs = append(errs, "QUOTATION_RPS and EXCHANGE_RPS must be positive")
	}
	if c.Upbit.ExchangePerMinute < 0 {
		errs = append(errs, "EXCHANGE_PER_MINUTE cannot be negative")
	}

	if !strings.HasPrefix(c.Trading.Market, "KRW-") || len(c.Trading.Market) <= len("KRW-") {
		errs = append(errs, fmt.Sprintf("MARKET must be a KRW market like KRW-BTC, got %q", c.Trading.Market))
	}
	for name, d := range map[string]time.Duration{
		"TRADE_CHECK_INTERVAL": c.Trading.TradeCheckInterval,
		"RISK_CHECK_INTERVAL":  c.Trading.RiskCheckInterval,
		"RECONCILE_INTERVAL":   c.Trading.ReconcileInterval,
		"STATUS_INTERVAL":      c.Trading.StatusInterval,
		"SELL_GUARD_TIMEOUT":   c.Trading.SellGuardTimeout,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if c.Trading.DustThresholdKRW < 0 {
		errs = append(errs, "DUST_THRESHOLD_KRW cannot be negative")
	}
	switch reconcile.DustPolicy(c.Trading.DustPolicy) {
	case reconcile.DustIgnore, reconcile.DustSell:
	default:
		errs = append(errs, fmt.Sprintf("DUST_POLICY must be %q or %q", reconcile.DustIgnore, reconcile.DustSell))
	}
	if c.Trading.InvestmentRatio <= 0 || c.Trading.InvestmentRatio > 1 {
		errs = append(errs, "INVESTMENT_RATIO must be in (0, 1]")
	}
	if c.Trading.MinKRWReserve < 0 {
		errs = append(errs, "MIN_KRW_RESERVE cannot be negative")
	}
	if c.Trading.AdditionalEntryMaxCount < 0 {
		errs = append(errs, "ADDITIONAL_ENTRY_MAX_COUNT cannot be negative")
	}
	if c.Trading.MaxDailyTrades < 0 || c.Trading.MaxDailyLossKRW < 0 {
		errs = append(errs, "MAX_DAILY_TRADES and MAX_DAILY_LOSS_KRW cannot be negative")
	}

	if c.Strategy.RSIPeriod <= 0 || c.Strategy.ATRPeriod <= 0 {
		errs = append(errs, "RSI_PERIOD and ATR_PERIOD must be positive")
	}
	if c.Strategy.MinSignals < 0 {
		errs = append(errs, "MIN_SIGNALS cannot be negative")
	}
	if st := c.Strategy; st.TrendFilter {
		if st.TrendEMAFast <= 0 || st.TrendEMASlow <= st.TrendEMAFast {
			errs = append(errs, "TREND_EMA_FAST must be positive and below TREND_EMA_SLOW")
		}
		if st.RequireVWAPAbove && st.VWAPWindow <= 0 {
			errs = append(errs, "VWAP_WINDOW must be positive")
		}
	}

	e := c.Exit
	if e.StopLossPercent >= 0 {
		errs = append(errs, "STOP_LOSS_PERCENT must be negative")
	}
	if e.TakeProfitPercent <= 0 {
		errs = append(errs, "TAKE_PROFIT_PERCENT must be positive")
	}
	if e.QuickProfitPercent < 0 {
		errs = append(errs, "QUICK_PROFIT_PERCENT cannot be negative")
	}
	if e.TrailingStopEnabled && e.TrailingStopPercent <= 0 {
		errs = append(errs, "TRAILING_STOP_PERCENT must be positive when the trailing stop is enabled")
	}
	if e.MaxHoldingTime <= 0 || e.ProfitTimeLimit <= 0 || e.SidewaysTimeLimit <= 0 || e.MomentumCheckPeriod <= 0 {
		errs = append(errs, "holding time limits and MOMENTUM_CHECK_PERIOD must be positive")
	}
	if e.TotalFeePercent < 0 {
		errs = append(errs, "TOTAL_FEE_PERCENT cannot be negative")
	}
	if e.RSIOverbought < 0 || e.RSIOverbought > 100 {
		errs = append(errs, "RSI_OVERBOUGHT must be between 0 and 100")
	}

	if c.Sizing.RiskFraction <= 0 || c.Sizing.RiskFraction > 1 {
		errs = append(errs, "RISK_FRACTION must be in (0, 1]")
	}
	if c.Sizing.MinOrderKRW <= 0 {
		errs = append(errs, "MIN_ORDER_KRW must be positive")
	}
	if c.Sizing.MaxOrderKRW != 0 && c.Sizing.MaxOrderKRW < c.Sizing.MinOrderKRW {
		errs = append(errs, "MAX_ORDER_KRW must be 0 (no cap) or at least MIN_ORDER_KRW")
	}

	if c.Emergency.Enabled {
		if c.Emergency.PriceDropPercent >= 0 {
			errs = append(errs, "EMERGENCY_PRICE_DROP_PERCENT must be negative")
		}
		if c.Emergency.NetworkTimeout <= 0 || c.Emergency.APIErrorThreshold <= 0 {
			errs = append(errs, "EMERGENCY_NETWORK_TIMEOUT and EMERGENCY_API_ERROR_THRESHOLD must be positive")
		}
	}

	if c.Storage.DBPath == "" || c.Storage.StateFile == "" {
		errs = append(errs, "DB_PATH and STATE_FILE must be set")
	}
	if c.Ops.LogFormat != "text" && c.Ops.LogFormat != "json" {
		errs = append(errs, "LOG_FORMAT must be text or json")
	}
	if c.Ops.RedisAddr != "" && c.Ops.LockTTL <= 0 {
		errs = append(errs, "LOCK_TTL must be positive when REDIS_ADDR is set")
	}
	if (c.Ops.TelegramToken == "") != (c.Ops.TelegramChatID == "") {
		errs = append(errs, "TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}
	return errs
}

// Currency returns the coin symbol of the market, e.g. "BTC" for "KRW-BTC".
func (c *Config) Currency() string {
	return strings.TrimPrefix(c.Trading.Market, "KRW-")
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logger.LogLevel {
	return logger.ParseLevel(c.Ops.LogLevel)
}

// ExitRules converts the exit section for position.NewEvaluator.
func (c *Config) ExitRules() position.ExitConfig {
	e := c.Exit
	return position.ExitConfig{
		StopLossPercent:       e.StopLossPercent,
		QuickProfitPercent:    e.QuickProfitPercent,
		TakeProfitPercent:     e.TakeProfitPercent,
		TrailingStopEnabled:   e.TrailingStopEnabled,
		TrailingStopPercent:   e.TrailingStopPercent,
		MaxHoldingTime:        e.MaxHoldingTime,
		ProfitTimeLimit:       e.ProfitTimeLimit,
		SidewaysTimeLimit:     e.SidewaysTimeLimit,
		MomentumCheckPeriod:   e.MomentumCheckPeriod,
		MomentumThreshold:     e.MomentumThreshold,
		SidewaysRangePercent:  e.SidewaysRangePercent,
		SidewaysExitThreshold: e.SidewaysExitThreshold,
		MinProfitForTimeExit:  e.MinProfitForTimeExit,
		MinNetProfitPercent:   e.MinNetProfitPercent,
		TotalFeePercent:       e.TotalFeePercent,
		ReverseSignalCheck:    e.ReverseSignalCheck,
		RSIOverbought:         e.RSIOverbought,
	}
}

// StrategyRules converts the strategy section for strategy.New.
func (c *Config) StrategyRules() strategy.Config {
	s := strategy.DefaultConfig()
	s.RSIPeriod = c.Strategy.RSIPeriod
	s.ATRPeriod = c.Strategy.ATRPeriod
	s.MinATRPercent = c.Strategy.MinATRPercent
	s.EntryScoreThreshold = c.Strategy.EntryScoreThreshold
	s.MinSignals = c.Strategy.MinSignals
	s.EnableRSI = c.Strategy.EnableRSI
	s.EnableVolume = c.Strategy.EnableVolume
	s.EnableOrderbook = c.Strategy.EnableOrderbook
	s.EnableCandle = c.Strategy.EnableCandle
	s.Trend = strategy.TrendConfig{
		Enabled:          c.Strategy.TrendFilter,
		FastPeriod:       c.Strategy.TrendEMAFast,
		SlowPeriod:       c.Strategy.TrendEMASlow,
		RequireAboveVWAP: c.Strategy.RequireVWAPAbove,
		VWAPWindow:       c.Strategy.VWAPWindow,
	}
	return s
}

// SizingRules converts the sizing section for risk.NewSizer.
func (c *Config) SizingRules() risk.SizingConfig {
	return risk.SizingConfig{
		RiskFraction: c.Sizing.RiskFraction,
		MinOrder:     c.Sizing.MinOrderKRW,
		MaxOrder:     c.Sizing.MaxOrderKRW,
	}
}

// EmergencyRules converts the emergency section; the caller wires Halter, Logger and friends.
func (c *Config) EmergencyRules() monitor.Config {
	return monitor.Config{
		Enabled:          c.Emergency.Enabled,
		PriceDropPercent: c.Emergency.PriceDropPercent,
		NetworkTimeout:   c.Emergency.NetworkTimeout,
		ErrorThreshold:   c.Emergency.APIErrorThreshold,
	}
}

// --- Env Var Helpers ---

// envReader overwrites a field only when its variable is set, and records
// unparsable values instead of silently keeping the default.
type envReader struct {
	errs []string
}

func (r *envReader) fail(key, value string, err error) {
	r.errs = append(r.errs, fmt.Sprintf("invalid %s '%s': %v", key, value, err))
}

func (r *envReader) str(dst *string, key string) {
	if v := getEnv(key, ""); v != "" {
		*dst = v
	}
}

func (r *envReader) int(dst *int, key string) {
	v := getEnv(key, "")
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = n
}

func (r *envReader) float(dst *float64, key string) {
	v := getEnv(key, "")
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = f
}

func (r *envReader) bool(dst *bool, key string) {
	v := getEnv(key, "")
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = b
}

// dur accepts a Go duration ("5s") or a bare number in unit.
func (r *envReader) dur(dst *time.Duration, key string, unit time.Duration) {
	v := getEnv(key, "")
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(f * float64(unit))
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = d
}

func (r *envReader) list(dst *[]string, key string) {
	v := getEnv(key, "")
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func getEnv(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}
