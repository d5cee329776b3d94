// Package config defines the top-level configuration for the replication
// core and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by COPYTRADE_* environment variables.
type Config struct {
	Broker      BrokerConfig      `toml:"broker"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Vault       VaultConfig       `toml:"vault"`
	Replicator  ReplicatorConfig  `toml:"replicator"`
	Risk        RiskConfig        `toml:"risk"`
	Export      ExportConfig      `toml:"export"`
	Instruments InstrumentsConfig `toml:"instruments"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// BrokerConfig holds the upstream brokerage endpoints and the app-level
// identity fields every request head carries.
type BrokerConfig struct {
	BaseURL         string `toml:"base_url"`
	SandboxURL      string `toml:"sandbox_url"`
	Sandbox         bool   `toml:"sandbox"`
	SubscriptionKey string `toml:"subscription_key"`
	AppName         string `toml:"app_name"`
	AppVersion      string `toml:"app_version"`
	OSName          string `toml:"os_name"`
	AppSource       int    `toml:"app_source"`
	RequesterCode   string `toml:"requester_code"`
	PublicIP        string `toml:"public_ip"`
	HTTPTimeout     duration `toml:"http_timeout"` // read-path calls; place obeys the pipeline deadline
}

// Endpoint returns the active base URL honoring the sandbox flag.
func (b BrokerConfig) Endpoint() string {
	if b.Sandbox && b.SandboxURL != "" {
		return b.SandboxURL
	}
	return b.BaseURL
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for exports.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// VaultConfig holds the credential-sealing parameters. The passphrase is
// env-only; it never belongs in the TOML file.
type VaultConfig struct {
	Passphrase string `toml:"-"`
}

// ReplicatorConfig holds the fan-out engine knobs. Millisecond keys mirror
// the operational runbook; use the duration accessors in code.
type ReplicatorConfig struct {
	MaxInFlightBrokerCalls int    `toml:"max_in_flight_broker_calls"`
	DispatchTimeoutMs      int    `toml:"dispatch_timeout_ms"`
	MaxRetries             int    `toml:"max_retries"`
	RetryBaseMs            int    `toml:"retry_base_ms"`
	RetryCapMs             int    `toml:"retry_cap_ms"`
	RetryJitterPct         int    `toml:"retry_jitter_pct"`
	FollowerSnapshotTTLMs  int    `toml:"follower_snapshot_ttl_ms"`
	WorkerPoolMultiplier   int    `toml:"worker_pool_multiplier"`
	SessionRefreshGuardMs  int    `toml:"session_refresh_guard_ms"`
	ReconcileIntervalMs    int    `toml:"reconcile_interval_ms"`
	IngressStream          string `toml:"ingress_stream"`
}

func (r ReplicatorConfig) DispatchTimeout() time.Duration {
	return time.Duration(r.DispatchTimeoutMs) * time.Millisecond
}

func (r ReplicatorConfig) RetryBase() time.Duration {
	return time.Duration(r.RetryBaseMs) * time.Millisecond
}

func (r ReplicatorConfig) RetryCap() time.Duration {
	return time.Duration(r.RetryCapMs) * time.Millisecond
}

func (r ReplicatorConfig) FollowerSnapshotTTL() time.Duration {
	return time.Duration(r.FollowerSnapshotTTLMs) * time.Millisecond
}

func (r ReplicatorConfig) SessionRefreshGuard() time.Duration {
	return time.Duration(r.SessionRefreshGuardMs) * time.Millisecond
}

func (r ReplicatorConfig) ReconcileInterval() time.Duration {
	return time.Duration(r.ReconcileIntervalMs) * time.Millisecond
}

// RiskConfig holds the system-default risk envelope. Accounts and links
// narrow it; they never widen it.
type RiskConfig struct {
	MaxDailyLoss        float64 `toml:"max_daily_loss"`
	MaxDrawdownFrac     float64 `toml:"max_drawdown_frac"`
	MaxPositionNotional float64 `toml:"max_position_notional"`
	MaxOpenPositions    int     `toml:"max_open_positions"`
	MaxExposure         float64 `toml:"max_exposure"`
	StopLossRequired    bool    `toml:"stop_loss_required"`
}

// ExportConfig holds the cold-storage export parameters.
type ExportConfig struct {
	Enabled      bool   `toml:"enabled"`
	Prefix       string `toml:"prefix"`
	LookbackDays int    `toml:"lookback_days"`
}

// InstrumentsConfig points at the offline instrument dump for the load mode.
type InstrumentsConfig struct {
	File string `toml:"file"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Broker: BrokerConfig{
			BaseURL:     "https://dataservice.iifl.in/openapi/prod",
			SandboxURL:  "https://dataservice.iifl.in/openapi/uat",
			Sandbox:     false,
			AppName:     "copytrade",
			AppVersion:  "1.0",
			OSName:      "WEB",
			AppSource:   58,
			HTTPTimeout: duration{10 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "copytrade",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  20,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "copytrade-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Replicator: ReplicatorConfig{
			MaxInFlightBrokerCalls: 50,
			DispatchTimeoutMs:      5000,
			MaxRetries:             3,
			RetryBaseMs:            100,
			RetryCapMs:             2000,
			RetryJitterPct:         25,
			FollowerSnapshotTTLMs:  1000,
			WorkerPoolMultiplier:   4,
			SessionRefreshGuardMs:  300000,
			ReconcileIntervalMs:    15000,
			IngressStream:          "ingress:orders",
		},
		Risk: RiskConfig{
			MaxDailyLoss:        5_000_000,
			MaxDrawdownFrac:     0.25,
			MaxPositionNotional: 10_000_000,
			MaxOpenPositions:    20,
			MaxExposure:         30_000_000,
			StopLossRequired:    false,
		},
		Export: ExportConfig{
			Enabled:      false,
			Prefix:       "archive",
			LookbackDays: 30,
		},
		Mode:     "replicate",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"replicate":   true,
	"reconcile":   true,
	"export":      true,
	"instruments": true,
	"full":        true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: replicate, reconcile, export, instruments, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Broker
	if c.Broker.BaseURL == "" {
		errs = append(errs, "broker: base_url must not be empty")
	}
	if c.Broker.Sandbox && c.Broker.SandboxURL == "" {
		errs = append(errs, "broker: sandbox_url must be set when sandbox is enabled")
	}
	if c.Broker.AppName == "" {
		errs = append(errs, "broker: app_name must not be empty")
	}
	if c.Broker.AppSource <= 0 {
		errs = append(errs, "broker: app_source must be positive")
	}

	// Vault — required whenever orders can reach the broker.
	needsVault := c.Mode == "replicate" || c.Mode == "reconcile" || c.Mode == "full"
	if needsVault && c.Vault.Passphrase == "" {
		errs = append(errs, "vault: passphrase is required for mode "+c.Mode+" (set COPYTRADE_VAULT_PASSPHRASE)")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only checked when exports can run.
	if c.Export.Enabled || c.Mode == "export" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when export is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when export is enabled")
		}
	}

	// Replicator
	if c.Replicator.MaxInFlightBrokerCalls < 1 {
		errs = append(errs, "replicator: max_in_flight_broker_calls must be >= 1")
	}
	if c.Replicator.DispatchTimeoutMs <= 0 {
		errs = append(errs, "replicator: dispatch_timeout_ms must be > 0")
	}
	if c.Replicator.MaxRetries < 0 {
		errs = append(errs, "replicator: max_retries must be >= 0")
	}
	if c.Replicator.RetryBaseMs <= 0 {
		errs = append(errs, "replicator: retry_base_ms must be > 0")
	}
	if c.Replicator.RetryCapMs < c.Replicator.RetryBaseMs {
		errs = append(errs, "replicator: retry_cap_ms must be >= retry_base_ms")
	}
	if c.Replicator.RetryJitterPct < 0 || c.Replicator.RetryJitterPct > 100 {
		errs = append(errs, fmt.Sprintf("replicator: retry_jitter_pct must be 0-100, got %d", c.Replicator.RetryJitterPct))
	}
	if c.Replicator.FollowerSnapshotTTLMs < 0 || c.Replicator.FollowerSnapshotTTLMs > 1000 {
		errs = append(errs, fmt.Sprintf("replicator: follower_snapshot_ttl_ms must be 0-1000, got %d", c.Replicator.FollowerSnapshotTTLMs))
	}
	if c.Replicator.WorkerPoolMultiplier < 1 {
		errs = append(errs, "replicator: worker_pool_multiplier must be >= 1")
	}
	if c.Replicator.SessionRefreshGuardMs <= 0 {
		errs = append(errs, "replicator: session_refresh_guard_ms must be > 0")
	}
	if c.Replicator.ReconcileIntervalMs <= 0 {
		errs = append(errs, "replicator: reconcile_interval_ms must be > 0")
	}
	if c.Replicator.IngressStream == "" {
		errs = append(errs, "replicator: ingress_stream must not be empty")
	}

	// Risk
	if c.Risk.MaxDailyLoss <= 0 {
		errs = append(errs, "risk: max_daily_loss must be > 0")
	}
	if c.Risk.MaxDrawdownFrac <= 0 || c.Risk.MaxDrawdownFrac > 1 {
		errs = append(errs, fmt.Sprintf("risk: max_drawdown_frac must be in (0,1], got %g", c.Risk.MaxDrawdownFrac))
	}
	if c.Risk.MaxPositionNotional <= 0 {
		errs = append(errs, "risk: max_position_notional must be > 0")
	}
	if c.Risk.MaxOpenPositions < 1 {
		errs = append(errs, "risk: max_open_positions must be >= 1")
	}
	if c.Risk.MaxExposure <= 0 {
		errs = append(errs, "risk: max_exposure must be > 0")
	}

	// Instruments — the load mode needs a file.
	if c.Mode == "instruments" && c.Instruments.File == "" {
		errs = append(errs, "instruments: file must be set for mode instruments")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
