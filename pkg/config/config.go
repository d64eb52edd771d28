package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"strategy-core/internal/order"
	"strategy-core/internal/persistence"
	"strategy-core/internal/risk"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/cache"
)

var ErrInvalid = errors.New("config: invalid")

// Config holds environment-driven settings for the engine. The optional
// YAML file adds the strategy list, the cache TTL table and risk limits.
type Config struct {
	Port     string
	GRPCAddr string

	LogLevel  string
	LogFormat string

	// Execution
	DryRun bool

	// Binance
	BinanceTestnet    bool
	BinanceAPIKey     string
	BinanceAPISecret  string
	BinanceBaseURL    string
	QuoteAsset        string
	RequestsPerSecond float64

	// Dry-run simulation
	DryRunInitialBalance decimal.Decimal
	DryRunFeeRate        decimal.Decimal // decimal (e.g. 0.0004 = 4 bps)
	DryRunSlippageBps    float64
	DryRunFillAfterPolls int

	Store persistence.Config

	// Transition journal; empty disables it
	JournalDBPath        string
	JournalBatchSize     int
	JournalFlushInterval time.Duration

	// Market data cache
	CacheRedisTier bool
	CacheAdaptive  bool
	CacheTTL       map[cache.Timeframe]time.Duration

	Tracker order.TrackerConfig

	BalanceSyncInterval time.Duration
	BalanceMaxAge       time.Duration

	Risk risk.Config

	// Position reconciliation against the venue; zero interval disables it
	ReconcileInterval time.Duration
	ReconcileAutoSync bool

	// Auth
	JWTSecret            string
	OperatorUser         string
	OperatorPasswordHash string // bcrypt
	TokenTTL             time.Duration

	// NodeID identifies this process in logs and status; see ResolveNodeID.
	NodeID string

	ConfigFile string
	Strategies []strategy.Config
}

// fileConfig is the YAML document named by CONFIG_FILE.
type fileConfig struct {
	Strategies []strategy.Config `yaml:"strategies"`
	Cache      struct {
		TTL      map[string]time.Duration `yaml:"ttl"`
		Adaptive *bool                    `yaml:"adaptive"`
	} `yaml:"cache"`
	Risk *risk.Config `yaml:"risk"`
}

// Load reads environment variables (optionally via .env) and the YAML file
// named by CONFIG_FILE, then validates the result.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	riskCfg := risk.DefaultConfig()
	riskCfg.MaxOrderNotional = getEnvDecimal("RISK_MAX_ORDER_NOTIONAL", riskCfg.MaxOrderNotional)
	riskCfg.MaxOrders = getEnvInt("RISK_MAX_ORDERS", riskCfg.MaxOrders)
	riskCfg.Window = getEnvDuration("RISK_WINDOW", riskCfg.Window)
	riskCfg.MinEquity = getEnvDecimal("RISK_MIN_EQUITY", riskCfg.MinEquity)
	riskCfg.StopLoss = getEnvFloat("RISK_STOP_LOSS", riskCfg.StopLoss)
	riskCfg.TakeProfit = getEnvFloat("RISK_TAKE_PROFIT", riskCfg.TakeProfit)
	riskCfg.TrailingPercent = getEnvFloat("RISK_TRAILING_PERCENT", riskCfg.TrailingPercent)

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		GRPCAddr:  getEnv("GRPC_ADDR", ":9090"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DryRun:            getEnvBool("DRY_RUN", true),
		BinanceTestnet:    getEnvBool("BINANCE_TESTNET", false),
		BinanceAPIKey:     os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:  os.Getenv("BINANCE_API_SECRET"),
		BinanceBaseURL:    os.Getenv("BINANCE_BASE_URL"),
		QuoteAsset:        getEnv("QUOTE_ASSET", "USDT"),
		RequestsPerSecond: getEnvFloat("BINANCE_REQUESTS_PER_SECOND", 10),

		DryRunInitialBalance: getEnvDecimal("DRY_RUN_INITIAL_BALANCE", decimal.NewFromInt(10000)),
		DryRunFeeRate:        getEnvDecimal("DRY_RUN_FEE_RATE", decimal.RequireFromString("0.0004")),
		DryRunSlippageBps:    getEnvFloat("DRY_RUN_SLIPPAGE_BPS", 2),
		DryRunFillAfterPolls: getEnvInt("DRY_RUN_FILL_AFTER_POLLS", 1),

		Store: persistence.Config{
			Backend:       strings.ToLower(getEnv("STORE_BACKEND", "file")),
			FilePath:      getEnv("STORE_FILE_PATH", "./data/state"),
			SQLitePath:    getEnv("STORE_SQLITE_PATH", "./data/state.db"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			RedisPrefix:   getEnv("REDIS_PREFIX", "strategy-core:"),
		},

		JournalDBPath:        getEnv("JOURNAL_DB_PATH", "./data/journal.db"),
		JournalBatchSize:     getEnvInt("JOURNAL_BATCH_SIZE", 50),
		JournalFlushInterval: getEnvDuration("JOURNAL_FLUSH_INTERVAL", time.Second),

		CacheRedisTier: getEnvBool("CACHE_REDIS_TIER", false),
		CacheAdaptive:  getEnvBool("CACHE_ADAPTIVE_TTL", false),

		Tracker: order.TrackerConfig{
			PollInterval: getEnvDuration("TRACKER_POLL_INTERVAL", 5*time.Second),
			RetryBackoff: getEnvDuration("TRACKER_RETRY_BACKOFF", 5*time.Second),
			MaxDuration:  getEnvDuration("TRACKER_MAX_DURATION", 0),
			PollRate:     rate.Limit(getEnvFloat("TRACKER_POLL_RATE", 5)),
			PollBurst:    getEnvInt("TRACKER_POLL_BURST", 5),
		},

		BalanceSyncInterval: getEnvDuration("BALANCE_SYNC_INTERVAL", 30*time.Second),
		BalanceMaxAge:       getEnvDuration("BALANCE_MAX_AGE", time.Minute),

		Risk: riskCfg,

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileAutoSync: getEnvBool("RECONCILE_AUTO_SYNC", false),

		JWTSecret:            getEnv("JWT_SECRET", ""),
		OperatorUser:         getEnv("OPERATOR_USER", "admin"),
		OperatorPasswordHash: os.Getenv("OPERATOR_PASSWORD_HASH"),
		TokenTTL:             getEnvDuration("TOKEN_TTL", 12*time.Hour),

		NodeID:     os.Getenv("NODE_ID"),
		ConfigFile: os.Getenv("CONFIG_FILE"),
	}
	if cfg.NodeID == "" {
		cfg.NodeID = ResolveNodeID()
	}

	if cfg.ConfigFile != "" {
		data, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, cfg.ConfigFile, err)
		}
		if err := cfg.applyFile(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFile merges a YAML document into cfg.
func (c *Config) applyFile(data []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalid, c.ConfigFile, err)
	}

	strategies, err := strategy.Prepare(f.Strategies)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.Strategies = strategies

	if len(f.Cache.TTL) > 0 {
		c.CacheTTL = make(map[cache.Timeframe]time.Duration, len(f.Cache.TTL))
		for tf, ttl := range f.Cache.TTL {
			c.CacheTTL[cache.Timeframe(tf)] = ttl
		}
	}
	if f.Cache.Adaptive != nil {
		c.CacheAdaptive = *f.Cache.Adaptive
	}
	if f.Risk != nil {
		c.Risk = *f.Risk
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "file", "sqlite", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q must be file, sqlite, redis or memory", c.Store.Backend))
	}
	if !c.DryRun && (c.BinanceAPIKey == "" || c.BinanceAPISecret == "") {
		errs = append(errs, errors.New("live trading needs BINANCE_API_KEY and BINANCE_API_SECRET"))
	}
	if c.DryRun && !c.DryRunInitialBalance.IsPositive() {
		errs = append(errs, errors.New("DRY_RUN_INITIAL_BALANCE must be positive"))
	}
	if c.CacheTTL != nil {
		if _, err := cache.NewTTLPolicy(c.CacheTTL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Tracker.PollInterval <= 0 || c.Tracker.RetryBackoff <= 0 {
		errs = append(errs, errors.New("tracker intervals must be positive"))
	}
	if c.Tracker.MaxDuration < 0 {
		errs = append(errs, errors.New("TRACKER_MAX_DURATION must not be negative"))
	}
	if c.Risk.Window <= 0 && c.Risk.MaxOrders > 0 {
		errs = append(errs, errors.New("risk window must be positive when max orders is set"))
	}
	if c.OperatorPasswordHash != "" && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required when OPERATOR_PASSWORD_HASH is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// TTLPolicy builds the cache policy from the configured table.
func (c *Config) TTLPolicy() (*cache.TTLPolicy, error) {
	p, err := cache.NewTTLPolicy(c.CacheTTL)
	if err != nil {
		return nil, err
	}
	p.Adaptive = c.CacheAdaptive
	return p, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}
