package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (if any) over Defaults, loads a .env
// file when present, then applies CDP_* environment overrides. The result
// is not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose CDP_* variable is set and
// non-empty. Secrets such as the Postgres DSN are expected here rather than
// in the file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "CDP_LOG_LEVEL")
	setStr(&cfg.LogFile, "CDP_LOG_FILE")

	setStr(&cfg.Server.GRPCAddr, "CDP_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "CDP_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "CDP_METRICS_ADDR")
	setFloat64(&cfg.Server.RateLimit, "CDP_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "CDP_RATE_BURST")

	setStr(&cfg.Postgres.DSN, "CDP_POSTGRES_DSN")
	setStr(&cfg.Postgres.MigrationsDir, "CDP_MIGRATIONS_DIR")

	setBool(&cfg.NATS.Enabled, "CDP_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "CDP_NATS_URL")

	setStr(&cfg.Redis.Addr, "CDP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CDP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CDP_REDIS_DB")

	setStr(&cfg.Oracle.Source, "CDP_ORACLE_SOURCE")
	setDuration(&cfg.Oracle.MaxAge, "CDP_ORACLE_MAX_AGE")

	setStr(&cfg.Hub.Address, "CDP_HUB_ADDRESS")

	setInt(&cfg.Core.PersistChanSize, "CDP_PERSIST_CHAN_SIZE")
	setInt(&cfg.Core.ProjectionChanSize, "CDP_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Core.IdempotencyLRUCapacity, "CDP_IDEMPOTENCY_LRU_CAPACITY")
	setInt(&cfg.Core.PersistBatchSize, "CDP_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Core.PersistFlushTimeout, "CDP_PERSIST_FLUSH_TIMEOUT")
	setInt64(&cfg.Core.SnapshotInterval, "CDP_SNAPSHOT_INTERVAL")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
