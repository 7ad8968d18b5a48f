package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LoggingConfig  LoggingConfig  `json:"logging"`
	RedisConfig    RedisConfig    `json:"redis"`
	DatabaseConfig DatabaseConfig `json:"database"`
	VaultConfig    VaultConfig    `json:"vault"`
	ServerConfig   ServerConfig   `json:"server"`
	AuthConfig     AuthConfig     `json:"auth"`
	CryptoConfig   CryptoConfig   `json:"crypto"`
	UpstoxConfig   UpstoxConfig   `json:"upstox"`
	MarketConfig   MarketConfig   `json:"market"`
	TradingConfig  TradingConfig  `json:"trading"`
	ScheduleConfig ScheduleConfig `json:"schedule"`
	FeedConfig     FeedConfig     `json:"feed"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// RedisConfig holds the shared cache connection. Every pipeline stage reads
// and writes through it, so it cannot be disabled.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig holds the PostgreSQL connection used for the user directory
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int32  `json:"max_conns"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV v2 mount path
	SecretPath string `json:"secret_path"` // Path prefix for broker tokens
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // Comma separated, "*" for any
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// AuthConfig holds dashboard authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// CryptoConfig holds the key used to seal broker access tokens at rest.
// SecretKey is 32 bytes, hex encoded.
type CryptoConfig struct {
	SecretKey string `json:"secret_key"`
}

// UpstoxConfig holds broker REST and feed settings
type UpstoxConfig struct {
	BaseURL          string        `json:"base_url"`
	FeedAuthorizeURL string        `json:"feed_authorize_url"`
	ClientID         string        `json:"client_id"`
	ClientSecret     string        `json:"client_secret"`
	RedirectURI      string        `json:"redirect_uri"`
	AccessToken      string        `json:"access_token"`     // Owner token for market data when Vault is off
	OwnerUserID      string        `json:"owner_user_id"`    // Broker account whose login refreshes the owner token
	RequestsPerSec   float64       `json:"requests_per_sec"` // REST rate limit
	Burst            int           `json:"burst"`
	Timeout          time.Duration `json:"timeout"`
}

// MarketConfig describes the traded index and its option series
type MarketConfig struct {
	InstrumentKey  string `json:"instrument_key"` // e.g. "NSE_INDEX|Nifty 50"
	IndexName      string `json:"index_name"`     // Display name in dashboard snapshots
	Interval       string `json:"interval"`
	Timezone       string `json:"timezone"`
	StrikeStep     int    `json:"strike_step"`
	LotSize        int    `json:"lot_size"`
	ExpiryWeekday  string `json:"expiry_weekday"` // "Tuesday"
	HistoricalDays int    `json:"historical_days"`
}

// TradingConfig holds per-user order manager rules. Clock values are "HH:MM"
// in the market timezone.
type TradingConfig struct {
	DryRun           bool    `json:"dry_run"` // Route orders to the mock broker
	WindowStart      string  `json:"window_start"`
	WindowEnd        string  `json:"window_end"`
	SessionCutoff    string  `json:"session_cutoff"`
	StoplossPoints   float64 `json:"stoploss_points"`
	TargetPoints     float64 `json:"target_points"`
	MaxTradesPerSide int     `json:"max_trades_per_side"`
	Product          string  `json:"product"`
}

// ScheduleConfig holds stage trigger intervals
type ScheduleConfig struct {
	HistoryInterval  time.Duration `json:"history_interval"`
	MergeInterval    time.Duration `json:"merge_interval"`
	SMAInterval      time.Duration `json:"sma_interval"`
	TrendInterval    time.Duration `json:"trend_interval"`
	OptionInterval   time.Duration `json:"option_interval"`
	OrderInterval    time.Duration `json:"order_interval"`
	CleanupAt        string        `json:"cleanup_at"` // "HH:MM", weekdays
	OrderLeaseTTL    time.Duration `json:"order_lease_ttl"`
	OrderWorkers     int           `json:"order_workers"`
	OptionRetries    int           `json:"option_retries"`
	OptionRetryDelay time.Duration `json:"option_retry_delay"`
}

// FeedConfig holds market data stream reconnect settings
type FeedConfig struct {
	InitialBackoff       time.Duration `json:"initial_backoff"`
	MaxBackoff           time.Duration `json:"max_backoff"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"` // 0 = unlimited
	SubscriptionRefresh  time.Duration `json:"subscription_refresh"`
	RestartCooldown      time.Duration `json:"restart_cooldown"` // wait before restarting after reconnects run out
}

// Load reads .env (if present), then config.json (if present), then applies
// defaults and environment overrides. Environment wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	setString(&cfg.LoggingConfig.Level, "INFO")
	setString(&cfg.LoggingConfig.Output, "stdout")

	setString(&cfg.RedisConfig.Address, "localhost:6379")
	setInt(&cfg.RedisConfig.PoolSize, 10)

	setString(&cfg.DatabaseConfig.Host, "localhost")
	setInt(&cfg.DatabaseConfig.Port, 5432)
	setString(&cfg.DatabaseConfig.User, "trader")
	setString(&cfg.DatabaseConfig.Database, "trading")
	setString(&cfg.DatabaseConfig.SSLMode, "disable")
	if cfg.DatabaseConfig.MaxConns == 0 {
		cfg.DatabaseConfig.MaxConns = 10
	}

	setString(&cfg.VaultConfig.Address, "http://localhost:8200")
	setString(&cfg.VaultConfig.MountPath, "secret")
	setString(&cfg.VaultConfig.SecretPath, "nifty-options-bot/upstox")

	setInt(&cfg.ServerConfig.Port, 8080)
	setString(&cfg.ServerConfig.Host, "0.0.0.0")
	setString(&cfg.ServerConfig.AllowedOrigins, "*")
	setInt(&cfg.ServerConfig.ReadTimeout, 30)
	setInt(&cfg.ServerConfig.WriteTimeout, 30)
	setInt(&cfg.ServerConfig.ShutdownTimeout, 10)

	setDuration(&cfg.AuthConfig.AccessTokenDuration, 12*time.Hour)

	setString(&cfg.UpstoxConfig.BaseURL, "https://api.upstox.com")
	setString(&cfg.UpstoxConfig.FeedAuthorizeURL, "https://api.upstox.com/v3/feed/market-data-feed/authorize")
	setFloat(&cfg.UpstoxConfig.RequestsPerSec, 10)
	setInt(&cfg.UpstoxConfig.Burst, 5)
	setDuration(&cfg.UpstoxConfig.Timeout, 10*time.Second)

	setString(&cfg.MarketConfig.InstrumentKey, "NSE_INDEX|Nifty 50")
	setString(&cfg.MarketConfig.IndexName, "Nifty 50")
	setString(&cfg.MarketConfig.Interval, "1m")
	setString(&cfg.MarketConfig.Timezone, "Asia/Kolkata")
	setInt(&cfg.MarketConfig.StrikeStep, 50)
	setInt(&cfg.MarketConfig.LotSize, 75)
	setString(&cfg.MarketConfig.ExpiryWeekday, "Tuesday")
	setInt(&cfg.MarketConfig.HistoricalDays, 4)

	setString(&cfg.TradingConfig.WindowStart, "09:30")
	setString(&cfg.TradingConfig.WindowEnd, "15:15")
	setString(&cfg.TradingConfig.SessionCutoff, "15:15")
	setFloat(&cfg.TradingConfig.StoplossPoints, 15)
	setFloat(&cfg.TradingConfig.TargetPoints, 30)
	setInt(&cfg.TradingConfig.MaxTradesPerSide, 4)
	setString(&cfg.TradingConfig.Product, "I")

	setDuration(&cfg.ScheduleConfig.HistoryInterval, 60*time.Second)
	setDuration(&cfg.ScheduleConfig.MergeInterval, 30*time.Second)
	setDuration(&cfg.ScheduleConfig.SMAInterval, 32*time.Second)
	setDuration(&cfg.ScheduleConfig.TrendInterval, 35*time.Second)
	setDuration(&cfg.ScheduleConfig.OptionInterval, 300*time.Second)
	setDuration(&cfg.ScheduleConfig.OrderInterval, 20*time.Second)
	setString(&cfg.ScheduleConfig.CleanupAt, "15:30")
	setDuration(&cfg.ScheduleConfig.OrderLeaseTTL, 60*time.Second)
	setInt(&cfg.ScheduleConfig.OrderWorkers, 8)
	setInt(&cfg.ScheduleConfig.OptionRetries, 3)
	setDuration(&cfg.ScheduleConfig.OptionRetryDelay, 5*time.Second)

	setDuration(&cfg.FeedConfig.InitialBackoff, 2*time.Second)
	setDuration(&cfg.FeedConfig.MaxBackoff, 60*time.Second)
	setDuration(&cfg.FeedConfig.SubscriptionRefresh, 30*time.Second)
	setDuration(&cfg.FeedConfig.RestartCooldown, 60*time.Second)
}

// applyEnvOverrides applies environment variable overrides to the config.
// Per-user broker tokens are never read from the environment; they live in
// the user directory.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Redis config
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Auth config
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", cfg.AuthConfig.AccessTokenDuration)

	cfg.CryptoConfig.SecretKey = getEnvOrDefault("TOKEN_SECRET_KEY", cfg.CryptoConfig.SecretKey)

	// Upstox config
	cfg.UpstoxConfig.BaseURL = getEnvOrDefault("UPSTOX_BASE_URL", cfg.UpstoxConfig.BaseURL)
	cfg.UpstoxConfig.FeedAuthorizeURL = getEnvOrDefault("UPSTOX_FEED_AUTHORIZE_URL", cfg.UpstoxConfig.FeedAuthorizeURL)
	cfg.UpstoxConfig.ClientID = getEnvOrDefault("UPSTOX_CLIENT_ID", cfg.UpstoxConfig.ClientID)
	cfg.UpstoxConfig.ClientSecret = getEnvOrDefault("UPSTOX_CLIENT_SECRET", cfg.UpstoxConfig.ClientSecret)
	cfg.UpstoxConfig.RedirectURI = getEnvOrDefault("UPSTOX_REDIRECT_URI", cfg.UpstoxConfig.RedirectURI)
	cfg.UpstoxConfig.AccessToken = getEnvOrDefault("UPSTOX_ACCESS_TOKEN", cfg.UpstoxConfig.AccessToken)
	cfg.UpstoxConfig.OwnerUserID = getEnvOrDefault("UPSTOX_OWNER_USER_ID", cfg.UpstoxConfig.OwnerUserID)
	cfg.UpstoxConfig.RequestsPerSec = getEnvFloatOrDefault("UPSTOX_REQUESTS_PER_SEC", cfg.UpstoxConfig.RequestsPerSec)

	// Market config
	cfg.MarketConfig.InstrumentKey = getEnvOrDefault("MARKET_INSTRUMENT_KEY", cfg.MarketConfig.InstrumentKey)
	cfg.MarketConfig.Timezone = getEnvOrDefault("MARKET_TIMEZONE", cfg.MarketConfig.Timezone)
	cfg.MarketConfig.LotSize = getEnvIntOrDefault("MARKET_LOT_SIZE", cfg.MarketConfig.LotSize)

	// Trading config
	cfg.TradingConfig.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.TradingConfig.DryRun)
	cfg.TradingConfig.StoplossPoints = getEnvFloatOrDefault("TRADING_STOPLOSS_POINTS", cfg.TradingConfig.StoplossPoints)
	cfg.TradingConfig.TargetPoints = getEnvFloatOrDefault("TRADING_TARGET_POINTS", cfg.TradingConfig.TargetPoints)
	cfg.TradingConfig.MaxTradesPerSide = getEnvIntOrDefault("TRADING_MAX_TRADES_PER_SIDE", cfg.TradingConfig.MaxTradesPerSide)
	cfg.TradingConfig.WindowStart = getEnvOrDefault("TRADING_WINDOW_START", cfg.TradingConfig.WindowStart)
	cfg.TradingConfig.WindowEnd = getEnvOrDefault("TRADING_WINDOW_END", cfg.TradingConfig.WindowEnd)
	cfg.TradingConfig.SessionCutoff = getEnvOrDefault("TRADING_SESSION_CUTOFF", cfg.TradingConfig.SessionCutoff)

	// Schedule config
	cfg.ScheduleConfig.OrderInterval = getEnvDurationOrDefault("SCHEDULE_ORDER_INTERVAL", cfg.ScheduleConfig.OrderInterval)
	cfg.ScheduleConfig.OrderLeaseTTL = getEnvDurationOrDefault("SCHEDULE_ORDER_LEASE_TTL", cfg.ScheduleConfig.OrderLeaseTTL)
	cfg.ScheduleConfig.OrderWorkers = getEnvIntOrDefault("SCHEDULE_ORDER_WORKERS", cfg.ScheduleConfig.OrderWorkers)
	cfg.ScheduleConfig.CleanupAt = getEnvOrDefault("SCHEDULE_CLEANUP_AT", cfg.ScheduleConfig.CleanupAt)

	// Feed config
	cfg.FeedConfig.MaxReconnectAttempts = getEnvIntOrDefault("FEED_MAX_RECONNECT_ATTEMPTS", cfg.FeedConfig.MaxReconnectAttempts)
	cfg.FeedConfig.RestartCooldown = getEnvDurationOrDefault("FEED_RESTART_COOLDOWN", cfg.FeedConfig.RestartCooldown)
}

// Validate rejects configurations the pipeline cannot run with
func (c *Config) Validate() error {
	if c.MarketConfig.StrikeStep <= 0 {
		return fmt.Errorf("market.strike_step must be positive, got %d", c.MarketConfig.StrikeStep)
	}
	if c.MarketConfig.LotSize <= 0 {
		return fmt.Errorf("market.lot_size must be positive, got %d", c.MarketConfig.LotSize)
	}
	if _, err := time.LoadLocation(c.MarketConfig.Timezone); err != nil {
		return fmt.Errorf("market.timezone: %w", err)
	}
	if _, err := ParseWeekday(c.MarketConfig.ExpiryWeekday); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"trading.window_start":   c.TradingConfig.WindowStart,
		"trading.window_end":     c.TradingConfig.WindowEnd,
		"trading.session_cutoff": c.TradingConfig.SessionCutoff,
		"schedule.cleanup_at":    c.ScheduleConfig.CleanupAt,
	} {
		if _, err := ParseClock(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.TradingConfig.MaxTradesPerSide <= 0 {
		return fmt.Errorf("trading.max_trades_per_side must be positive")
	}
	// An order cycle makes up to three broker calls; the lease must outlast
	// them or a second instance can start a cycle for the same user.
	timeout := c.UpstoxConfig.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if minTTL := c.ScheduleConfig.OrderInterval + 3*timeout; c.ScheduleConfig.OrderLeaseTTL < minTTL {
		return fmt.Errorf("schedule.order_lease_ttl %v is shorter than order interval plus three broker timeouts (%v)",
			c.ScheduleConfig.OrderLeaseTTL, minTTL)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("auth is enabled but AUTH_JWT_SECRET is empty")
	}
	return nil
}

// Clock is a time of day in minutes since midnight
type Clock int

// ParseClock parses "HH:MM"
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", s)
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

// On returns the instant of this clock on t's calendar day in t's location
func (c Clock) On(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, t.Location())
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// ParseWeekday parses an English weekday name
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), strings.TrimSpace(s)) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a config file populated with defaults
func GenerateSampleConfig(filename string) error {
	cfg := &Config{}
	applyDefaults(cfg)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
