// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Safety    SafetyConfig    `yaml:"safety"`
	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Engine    EngineConfig    `yaml:"engine"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	System    SystemConfig    `yaml:"system"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	DBPath    string   `yaml:"db_path"`
	AccountID string   `yaml:"account_id"`
	Symbols   []string `yaml:"symbols"`
}

// ExchangeConfig contains venue connection settings.
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`
	// Timeouts in seconds: connect/read/write/pool
	ConnectTimeout int `yaml:"connect_timeout"`
	ReadTimeout    int `yaml:"read_timeout"`
	WriteTimeout   int `yaml:"write_timeout"`
	PoolTimeout    int `yaml:"pool_timeout"`

	ClockSyncMaxAbsOffsetMS int64 `yaml:"clock_sync_max_abs_offset_ms"`
}

// SafetyConfig contains the live-arming and degradation flags.
type SafetyConfig struct {
	DryRun         bool   `yaml:"dry_run"`
	KillSwitch     bool   `yaml:"kill_switch"`
	SafeMode       bool   `yaml:"safe_mode"`
	LiveTrading    bool   `yaml:"live_trading"`
	LiveTradingAck string `yaml:"live_trading_ack"`
}

// RetryConfig contains the adapter retry policy.
type RetryConfig struct {
	MaxAttempts int   `yaml:"max_attempts"`
	BaseMS      int64 `yaml:"base_ms"`
	MaxMS       int64 `yaml:"max_ms"`
	TotalCapMS  int64 `yaml:"total_cap_ms"`
}

// RateLimitConfig contains the token bucket settings.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// EngineConfig contains execution engine settings.
type EngineConfig struct {
	ActionDedupeBucketSeconds int64 `yaml:"action_dedupe_bucket_seconds"`
	StaleOrderTTLSeconds      int64 `yaml:"stale_order_ttl_seconds"`
	IntentBucketSeconds       int64 `yaml:"intent_bucket_seconds"`
}

// ReconcileConfig contains reconciler window settings.
type ReconcileConfig struct {
	WindowSeconds    int64 `yaml:"window_seconds"`
	WindowMaxSeconds int64 `yaml:"window_max_seconds"`
}

// LedgerConfig contains reducer settings.
type LedgerConfig struct {
	SnapshotVersion int `yaml:"snapshot_version"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// SystemConfig contains system settings.
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// ArmingError reports an unsafe live-arming combination. The runner maps it
// to its own exit code, distinct from plain validation failures.
type ArmingError struct {
	Message string
}

func (e ArmingError) Error() string {
	return "unsafe live arming: " + e.Message
}

// LiveTradingAckPhrase must be set verbatim to permit live writes.
const LiveTradingAckPhrase = "I_UNDERSTAND"

// Default returns the built-in defaults. DryRun defaults to true: the bot
// never produces network side effects unless explicitly armed.
func Default() *Config {
	return &Config{
		App: AppConfig{
			DBPath:    "execution_bot.db",
			AccountID: "default",
		},
		Exchange: ExchangeConfig{
			BaseURL:                 "https://api.btcturk.com",
			WSURL:                   "wss://ws-feed-pro.btcturk.com",
			ConnectTimeout:          5,
			ReadTimeout:             10,
			WriteTimeout:            10,
			PoolTimeout:             5,
			ClockSyncMaxAbsOffsetMS: 2000,
		},
		Safety: SafetyConfig{
			DryRun: true,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseMS:      250,
			MaxMS:       2000,
			TotalCapMS:  8000,
		},
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 10,
		},
		Engine: EngineConfig{
			ActionDedupeBucketSeconds: 60,
			StaleOrderTTLSeconds:      900,
			IntentBucketSeconds:       60,
		},
		Reconcile: ReconcileConfig{
			WindowSeconds:    300,
			WindowMaxSeconds: 86400,
		},
		Ledger: LedgerConfig{
			SnapshotVersion: 1,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9464,
			EnableMetrics: true,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: false,
		},
	}
}

// Load reads configuration: defaults, then the optional YAML file (with
// ${ENV} expansion), then direct environment keys, then validation.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.Expand(string(data), os.Getenv)
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays the recognized environment keys onto the config.
func (c *Config) applyEnv() {
	setString(&c.App.DBPath, "DB_PATH")
	setBool(&c.Safety.DryRun, "DRY_RUN")
	setBool(&c.Safety.KillSwitch, "KILL_SWITCH")
	setBool(&c.Safety.SafeMode, "SAFE_MODE")
	setBool(&c.Safety.LiveTrading, "LIVE_TRADING")
	setString(&c.Safety.LiveTradingAck, "LIVE_TRADING_ACK")

	setInt(&c.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS")
	setInt64(&c.Retry.BaseMS, "RETRY_BASE_MS")
	setInt64(&c.Retry.MaxMS, "RETRY_MAX_MS")
	setInt64(&c.Retry.TotalCapMS, "RETRY_TOTAL_CAP_MS")

	setFloat(&c.RateLimit.RPS, "RATE_LIMIT_RPS")
	setInt(&c.RateLimit.Burst, "RATE_LIMIT_BURST")

	setInt64(&c.Exchange.ClockSyncMaxAbsOffsetMS, "CLOCK_SYNC_MAX_ABS_OFFSET_MS")
	setInt64(&c.Engine.ActionDedupeBucketSeconds, "ACTION_DEDUPE_BUCKET_SECONDS")
	setInt64(&c.Engine.StaleOrderTTLSeconds, "STALE_ORDER_TTL_SECONDS")
	setInt64(&c.Reconcile.WindowSeconds, "RECONCILE_WINDOW_SECONDS")
	setInt64(&c.Reconcile.WindowMaxSeconds, "RECONCILE_WINDOW_MAX_SECONDS")
	setInt(&c.Ledger.SnapshotVersion, "LEDGER_SNAPSHOT_VERSION")

	setString(&c.Exchange.APIKey, "EXCHANGE_API_KEY")
	setString(&c.Exchange.SecretKey, "EXCHANGE_SECRET_KEY")
	setString(&c.Exchange.BaseURL, "EXCHANGE_BASE_URL")
	setString(&c.System.LogLevel, "LOG_LEVEL")
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.App.DBPath == "" {
		errs = append(errs, ValidationError{Field: "app.db_path", Message: "state store path is required"}.Error())
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		errs = append(errs, ValidationError{Field: "retry.max_attempts", Value: c.Retry.MaxAttempts, Message: "must be between 1 and 10"}.Error())
	}
	if c.Retry.BaseMS <= 0 || c.Retry.MaxMS < c.Retry.BaseMS {
		errs = append(errs, ValidationError{Field: "retry.base_ms", Value: c.Retry.BaseMS, Message: "base must be positive and not exceed max"}.Error())
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		errs = append(errs, ValidationError{Field: "rate_limit.rps", Value: c.RateLimit.RPS, Message: "rps must be positive and burst at least 1"}.Error())
	}
	if c.Engine.ActionDedupeBucketSeconds <= 0 {
		errs = append(errs, ValidationError{Field: "engine.action_dedupe_bucket_seconds", Value: c.Engine.ActionDedupeBucketSeconds, Message: "must be positive"}.Error())
	}
	if c.Engine.StaleOrderTTLSeconds <= 0 {
		errs = append(errs, ValidationError{Field: "engine.stale_order_ttl_seconds", Value: c.Engine.StaleOrderTTLSeconds, Message: "must be positive"}.Error())
	}
	if c.Reconcile.WindowSeconds < 300 || c.Reconcile.WindowSeconds > 86400 {
		errs = append(errs, ValidationError{Field: "reconcile.window_seconds", Value: c.Reconcile.WindowSeconds, Message: "must be between 300 and 86400"}.Error())
	}
	if c.Reconcile.WindowMaxSeconds < c.Reconcile.WindowSeconds || c.Reconcile.WindowMaxSeconds > 86400 {
		errs = append(errs, ValidationError{Field: "reconcile.window_max_seconds", Value: c.Reconcile.WindowMaxSeconds, Message: "must be between window_seconds and 86400"}.Error())
	}
	if c.Ledger.SnapshotVersion < 1 {
		errs = append(errs, ValidationError{Field: "ledger.snapshot_version", Value: c.Ledger.SnapshotVersion, Message: "must be at least 1"}.Error())
	}

	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}.Error())
	}

	if !c.Safety.DryRun {
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			errs = append(errs, ValidationError{Field: "exchange.api_key", Message: "API credentials are required outside dry-run"}.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

// CheckArming verifies the live-arming flag combination. Live writes require
// DRY_RUN=false, KILL_SWITCH=false, LIVE_TRADING=true and the exact ack
// phrase; any live request outside that combination is an ArmingError.
func (c *Config) CheckArming() error {
	if c.Safety.DryRun {
		return nil // simulated side effects only, nothing to arm
	}
	if c.Safety.KillSwitch {
		return ArmingError{Message: "KILL_SWITCH is set while DRY_RUN=false"}
	}
	if !c.Safety.LiveTrading {
		return ArmingError{Message: "DRY_RUN=false requires LIVE_TRADING=true"}
	}
	if c.Safety.LiveTradingAck != LiveTradingAckPhrase {
		return ArmingError{Message: fmt.Sprintf("LIVE_TRADING_ACK must be %q", LiveTradingAckPhrase)}
	}
	return nil
}

// String returns the configuration with sensitive data masked.
func (c *Config) String() string {
	cp := *c
	cp.Exchange.APIKey = maskString(cp.Exchange.APIKey)
	cp.Exchange.SecretKey = maskString(cp.Exchange.SecretKey)
	data, _ := yaml.Marshal(cp)
	return string(data)
}

// Helper functions

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
