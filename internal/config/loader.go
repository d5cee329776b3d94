package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies COPYTRADE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overlays COPYTRADE_* environment variables on top of the
// config. Only variables that are set and parseable are applied.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "COPYTRADE_MODE")
	setStr(&cfg.LogLevel, "COPYTRADE_LOG_LEVEL")

	// Broker
	setStr(&cfg.Broker.BaseURL, "COPYTRADE_BROKER_BASE_URL")
	setStr(&cfg.Broker.SandboxURL, "COPYTRADE_BROKER_SANDBOX_URL")
	setBool(&cfg.Broker.Sandbox, "COPYTRADE_BROKER_SANDBOX")
	setStr(&cfg.Broker.SubscriptionKey, "COPYTRADE_BROKER_SUBSCRIPTION_KEY")
	setStr(&cfg.Broker.AppName, "COPYTRADE_BROKER_APP_NAME")
	setStr(&cfg.Broker.AppVersion, "COPYTRADE_BROKER_APP_VERSION")
	setStr(&cfg.Broker.OSName, "COPYTRADE_BROKER_OS_NAME")
	setInt(&cfg.Broker.AppSource, "COPYTRADE_BROKER_APP_SOURCE")
	setStr(&cfg.Broker.RequesterCode, "COPYTRADE_BROKER_REQUESTER_CODE")
	setStr(&cfg.Broker.PublicIP, "COPYTRADE_BROKER_PUBLIC_IP")
	setDuration(&cfg.Broker.HTTPTimeout, "COPYTRADE_BROKER_HTTP_TIMEOUT")

	// Postgres
	setStr(&cfg.Postgres.DSN, "COPYTRADE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "COPYTRADE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "COPYTRADE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "COPYTRADE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "COPYTRADE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "COPYTRADE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "COPYTRADE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "COPYTRADE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "COPYTRADE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "COPYTRADE_POSTGRES_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.Addr, "COPYTRADE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "COPYTRADE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "COPYTRADE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "COPYTRADE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "COPYTRADE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "COPYTRADE_REDIS_TLS_ENABLED")

	// S3
	setStr(&cfg.S3.Endpoint, "COPYTRADE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "COPYTRADE_S3_REGION")
	setStr(&cfg.S3.Bucket, "COPYTRADE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "COPYTRADE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "COPYTRADE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "COPYTRADE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "COPYTRADE_S3_FORCE_PATH_STYLE")

	// Vault passphrase is env-only; it never appears in the TOML file.
	setStr(&cfg.Vault.Passphrase, "COPYTRADE_VAULT_PASSPHRASE")

	// Replicator
	setInt(&cfg.Replicator.MaxInFlightBrokerCalls, "COPYTRADE_REPLICATOR_MAX_IN_FLIGHT_BROKER_CALLS")
	setInt(&cfg.Replicator.DispatchTimeoutMs, "COPYTRADE_REPLICATOR_DISPATCH_TIMEOUT_MS")
	setInt(&cfg.Replicator.MaxRetries, "COPYTRADE_REPLICATOR_MAX_RETRIES")
	setInt(&cfg.Replicator.RetryBaseMs, "COPYTRADE_REPLICATOR_RETRY_BASE_MS")
	setInt(&cfg.Replicator.RetryCapMs, "COPYTRADE_REPLICATOR_RETRY_CAP_MS")
	setInt(&cfg.Replicator.RetryJitterPct, "COPYTRADE_REPLICATOR_RETRY_JITTER_PCT")
	setInt(&cfg.Replicator.FollowerSnapshotTTLMs, "COPYTRADE_REPLICATOR_FOLLOWER_SNAPSHOT_TTL_MS")
	setInt(&cfg.Replicator.WorkerPoolMultiplier, "COPYTRADE_REPLICATOR_WORKER_POOL_MULTIPLIER")
	setInt(&cfg.Replicator.SessionRefreshGuardMs, "COPYTRADE_REPLICATOR_SESSION_REFRESH_GUARD_MS")
	setInt(&cfg.Replicator.ReconcileIntervalMs, "COPYTRADE_REPLICATOR_RECONCILE_INTERVAL_MS")
	setStr(&cfg.Replicator.IngressStream, "COPYTRADE_REPLICATOR_INGRESS_STREAM")

	// Risk
	setFloat64(&cfg.Risk.MaxDailyLoss, "COPYTRADE_RISK_MAX_DAILY_LOSS")
	setFloat64(&cfg.Risk.MaxDrawdownFrac, "COPYTRADE_RISK_MAX_DRAWDOWN_FRAC")
	setFloat64(&cfg.Risk.MaxPositionNotional, "COPYTRADE_RISK_MAX_POSITION_NOTIONAL")
	setInt(&cfg.Risk.MaxOpenPositions, "COPYTRADE_RISK_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Risk.MaxExposure, "COPYTRADE_RISK_MAX_EXPOSURE")
	setBool(&cfg.Risk.StopLossRequired, "COPYTRADE_RISK_STOP_LOSS_REQUIRED")

	// Export
	setBool(&cfg.Export.Enabled, "COPYTRADE_EXPORT_ENABLED")
	setStr(&cfg.Export.Prefix, "COPYTRADE_EXPORT_PREFIX")
	setInt(&cfg.Export.LookbackDays, "COPYTRADE_EXPORT_LOOKBACK_DAYS")

	// Instruments
	setStr(&cfg.Instruments.File, "COPYTRADE_INSTRUMENTS_FILE")
}

func setStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
