package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/pumpbot/risk"
)

// Config holds all configuration for the bot
type Config struct {
	// Telegram
	TelegramToken  string `toml:"-"`
	TelegramChatID int64  `toml:"-"`

	// Mode
	DryRun bool `toml:"dry_run"`
	Debug  bool `toml:"debug"`

	// Endpoints & credentials
	RPCURL          string `toml:"rpc_url"`
	HeliusAPIKey    string `toml:"-"`
	JupiterAPIURL   string `toml:"jupiter_api_url"`
	JupiterAPIKey   string `toml:"-"`
	StatsAPIURL     string `toml:"stats_api_url"`
	StatsAPIKey     string `toml:"-"`
	StreamURL       string `toml:"stream_url"` // empty disables the websocket feed
	PumpFunAPIURL   string `toml:"pumpfun_api_url"`
	RaydiumPoolsURL string `toml:"raydium_pools_url"` // empty disables the pool scanner
	PrivateKey      string `toml:"-"`

	// Trading
	BuyAmountSOL decimal.Decimal `toml:"buy_amount_sol"`
	SlippagePct  decimal.Decimal `toml:"slippage"` // percent, 3 = 3%

	Filter risk.Thresholds `toml:"filter"`
	Exit   risk.ExitRules  `toml:"exit"`

	// Scheduling
	ScanInterval    time.Duration `toml:"scan_interval"`
	MonitorInterval time.Duration `toml:"monitor_interval"`
	SeenTTL         time.Duration `toml:"seen_ttl"`
	DiscoveryLimit  int           `toml:"discovery_limit"`
	ProgramIDs      []string      `toml:"program_ids"`     // empty scans the pump.fun program
	WatchedWallets  []string      `toml:"watched_wallets"` // copy-trade sources; empty disables

	// Client policy
	RPCRPM           int           `toml:"rpc_rpm"`
	JupiterRPM       int           `toml:"jupiter_rpm"`
	StatsRPM         int           `toml:"stats_rpm"`
	RetryMaxAttempts int           `toml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `toml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `toml:"retry_max_delay"`
	CallTimeout      time.Duration `toml:"call_timeout"`
	ConfirmTimeout   time.Duration `toml:"confirm_timeout"`

	// Storage
	PositionsFile string `toml:"positions_file"`
	StoreBackend  string `toml:"store_backend"` // "file" or "sql"
	DatabaseURL   string `toml:"database_url"`  // postgres:// DSN or sqlite path; empty disables the journal

	// Runtime
	MetricsAddr          string        `toml:"metrics_addr"`
	ShutdownGrace        time.Duration `toml:"shutdown_grace"`
	MaxConcurrentEntries int           `toml:"max_concurrent_entries"`
	MaxConcurrentExits   int           `toml:"max_concurrent_exits"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DryRun: true,

		RPCURL:        "https://api.mainnet-beta.solana.com",
		JupiterAPIURL: "https://quote-api.jup.ag/v6",
		StatsAPIURL:   "https://public-api.birdeye.so",
		PumpFunAPIURL: "https://api.pump.fun",

		BuyAmountSOL: decimal.NewFromFloat(0.01),
		SlippagePct:  decimal.NewFromInt(3),

		Filter: risk.Thresholds{
			MinAge:           60 * time.Second,
			MaxAge:           30 * time.Minute,
			MinLiquidity:     decimal.NewFromInt(20),
			MinHolders:       10,
			MaxConcentration: decimal.NewFromInt(100),
			MinMarketCap:     decimal.Zero,
			MinVolume:        decimal.Zero,
		},
		Exit: risk.ExitRules{
			ProfitTarget: decimal.NewFromFloat(1.5),
			StopLoss:     decimal.NewFromFloat(0.7),
		},

		ScanInterval:    10 * time.Second,
		MonitorInterval: 60 * time.Second,
		SeenTTL:         30 * time.Minute,
		DiscoveryLimit:  20,

		RPCRPM:           600,
		JupiterRPM:       60,
		StatsRPM:         60,
		RetryMaxAttempts: 3,
		RetryBaseDelay:   500 * time.Millisecond,
		RetryMaxDelay:    10 * time.Second,
		CallTimeout:      15 * time.Second,
		ConfirmTimeout:   60 * time.Second,

		PositionsFile: "data/positions.json",
		StoreBackend:  "file",

		MetricsAddr:          ":9090",
		ShutdownGrace:        15 * time.Second,
		MaxConcurrentEntries: 1,
		MaxConcurrentExits:   4,
	}
}

// Load builds the config from defaults, the optional CONFIG_FILE (TOML) and
// then environment variables, in that order of precedence (env wins).
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	// Secrets come from the environment only
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.HeliusAPIKey = os.Getenv("HELIUS_API_KEY")
	cfg.JupiterAPIKey = os.Getenv("JUPITER_API_KEY")
	cfg.StatsAPIKey = os.Getenv("STATS_API_KEY")
	cfg.PrivateKey = os.Getenv("PRIVATE_KEY")

	// Mode
	cfg.DryRun = getEnvBool("DRY_RUN", cfg.DryRun)
	cfg.Debug = getEnvBool("DEBUG", cfg.Debug)

	// Endpoints
	if cfg.HeliusAPIKey != "" && os.Getenv("RPC_URL") == "" {
		cfg.RPCURL = "https://mainnet.helius-rpc.com/?api-key=" + cfg.HeliusAPIKey
	}
	cfg.RPCURL = getEnv("RPC_URL", cfg.RPCURL)
	cfg.JupiterAPIURL = getEnv("JUPITER_API_URL", cfg.JupiterAPIURL)
	cfg.StatsAPIURL = getEnv("STATS_API_URL", cfg.StatsAPIURL)
	cfg.StreamURL = getEnv("STREAM_URL", cfg.StreamURL)
	cfg.PumpFunAPIURL = getEnv("PUMPFUN_API_URL", cfg.PumpFunAPIURL)
	cfg.RaydiumPoolsURL = getEnv("RAYDIUM_POOLS_URL", cfg.RaydiumPoolsURL)

	// Trading
	cfg.BuyAmountSOL = getEnvDecimal("BUY_AMOUNT_SOL", cfg.BuyAmountSOL)
	cfg.SlippagePct = getEnvDecimal("SLIPPAGE", cfg.SlippagePct)
	cfg.Exit.ProfitTarget = getEnvDecimal("PROFIT_TARGET", cfg.Exit.ProfitTarget)
	cfg.Exit.StopLoss = getEnvDecimal("STOP_LOSS", cfg.Exit.StopLoss)
	cfg.Exit.MaxHold = getEnvDuration("MAX_HOLD", cfg.Exit.MaxHold)

	// Filter
	cfg.Filter.MinAge = getEnvDuration("MIN_AGE", cfg.Filter.MinAge)
	cfg.Filter.MaxAge = getEnvDuration("MAX_AGE", cfg.Filter.MaxAge)
	cfg.Filter.MinLiquidity = getEnvDecimal("MIN_LIQUIDITY", cfg.Filter.MinLiquidity)
	cfg.Filter.MinHolders = getEnvInt("MIN_HOLDERS", cfg.Filter.MinHolders)
	cfg.Filter.MaxConcentration = getEnvDecimal("MAX_CONCENTRATION", cfg.Filter.MaxConcentration)
	cfg.Filter.MinMarketCap = getEnvDecimal("MIN_MARKET_CAP", cfg.Filter.MinMarketCap)
	cfg.Filter.MinVolume = getEnvDecimal("MIN_VOLUME", cfg.Filter.MinVolume)

	// Scheduling
	cfg.ScanInterval = getEnvDuration("SCAN_INTERVAL", cfg.ScanInterval)
	cfg.MonitorInterval = getEnvDuration("MONITOR_INTERVAL", cfg.MonitorInterval)
	cfg.SeenTTL = getEnvDuration("SEEN_TTL", cfg.SeenTTL)
	cfg.DiscoveryLimit = getEnvInt("DISCOVERY_LIMIT", cfg.DiscoveryLimit)
	cfg.ProgramIDs = getEnvList("PROGRAM_IDS", cfg.ProgramIDs)
	cfg.WatchedWallets = getEnvList("WATCHED_WALLETS", cfg.WatchedWallets)

	// Client policy
	cfg.RPCRPM = getEnvInt("RPC_RPM", cfg.RPCRPM)
	cfg.JupiterRPM = getEnvInt("JUPITER_RPM", cfg.JupiterRPM)
	cfg.StatsRPM = getEnvInt("STATS_RPM", cfg.StatsRPM)
	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)
	cfg.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", cfg.RetryMaxDelay)
	cfg.CallTimeout = getEnvDuration("CALL_TIMEOUT", cfg.CallTimeout)
	cfg.ConfirmTimeout = getEnvDuration("CONFIRM_TIMEOUT", cfg.ConfirmTimeout)

	// Storage
	cfg.PositionsFile = getEnv("POSITIONS_FILE", cfg.PositionsFile)
	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", cfg.StoreBackend))
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)

	// Runtime
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace)
	cfg.MaxConcurrentEntries = getEnvInt("MAX_CONCURRENT_ENTRIES", cfg.MaxConcurrentEntries)
	cfg.MaxConcurrentExits = getEnvInt("MAX_CONCURRENT_EXITS", cfg.MaxConcurrentExits)

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every inconsistent value at once.
func (c *Config) Validate() error {
	var errs []error

	if !c.BuyAmountSOL.IsPositive() {
		errs = append(errs, errors.New("BUY_AMOUNT_SOL must be positive"))
	}
	if c.SlippagePct.IsNegative() || c.SlippagePct.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, errors.New("SLIPPAGE must be within 0-100"))
	}
	if !c.Exit.StopLoss.IsPositive() || !c.Exit.StopLoss.LessThan(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("STOP_LOSS must be within (0, 1)"))
	}
	if !c.Exit.ProfitTarget.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, errors.New("PROFIT_TARGET must be greater than 1"))
	}
	if c.Filter.MaxAge > 0 && c.Filter.MaxAge < c.Filter.MinAge {
		errs = append(errs, errors.New("MAX_AGE must not be below MIN_AGE"))
	}
	if c.Filter.MaxConcentration.IsNegative() || c.Filter.MaxConcentration.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, errors.New("MAX_CONCENTRATION must be within 0-100"))
	}
	if c.ScanInterval <= 0 || c.MonitorInterval <= 0 {
		errs = append(errs, errors.New("SCAN_INTERVAL and MONITOR_INTERVAL must be positive"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.MaxConcurrentEntries < 1 || c.MaxConcurrentExits < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_ENTRIES and MAX_CONCURRENT_EXITS must be at least 1"))
	}

	switch c.StoreBackend {
	case "file":
		if c.PositionsFile == "" {
			errs = append(errs, errors.New("POSITIONS_FILE is required for the file store"))
		}
	case "sql":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the sql store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q (valid: file, sql)", c.StoreBackend))
	}

	if !c.DryRun && c.PrivateKey == "" {
		errs = append(errs, errors.New("PRIVATE_KEY is required when DRY_RUN=false"))
	}
	if (c.TelegramToken == "") != (c.TelegramChatID == 0) {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}

	return errors.Join(errs...)
}

// SlippageBps converts the slippage percentage to basis points.
func (c *Config) SlippageBps() int {
	return int(c.SlippagePct.Mul(decimal.NewFromInt(100)).IntPart())
}

// BuyAmountLamports is the per-entry spend in lamports.
func (c *Config) BuyAmountLamports() decimal.Decimal {
	return c.BuyAmountSOL.Mul(decimal.NewFromInt(1_000_000_000)).Floor()
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
