package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path on top of Defaults and applies VENUECORE_*
// environment overrides. An empty path skips the file. The result is not
// validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets deployments inject secrets and endpoints without
// editing the TOML file. Unset or empty variables leave the field alone.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Store.Driver, "VENUECORE_STORE_DRIVER")

	// Postgres
	setStr(&cfg.Postgres.DSN, "VENUECORE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "VENUECORE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "VENUECORE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "VENUECORE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "VENUECORE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "VENUECORE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "VENUECORE_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "VENUECORE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "VENUECORE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "VENUECORE_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Badger.Path, "VENUECORE_BADGER_PATH")

	// Redis
	setBool(&cfg.Redis.Enabled, "VENUECORE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "VENUECORE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "VENUECORE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "VENUECORE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "VENUECORE_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "VENUECORE_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "VENUECORE_REDIS_NAMESPACE")

	// S3
	setBool(&cfg.S3.Enabled, "VENUECORE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "VENUECORE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "VENUECORE_S3_REGION")
	setStr(&cfg.S3.Bucket, "VENUECORE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "VENUECORE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "VENUECORE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "VENUECORE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "VENUECORE_S3_FORCE_PATH_STYLE")

	// Kafka
	setBool(&cfg.Kafka.Enabled, "VENUECORE_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "VENUECORE_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "VENUECORE_KAFKA_TOPIC")

	// Server
	setBool(&cfg.Server.Enabled, "VENUECORE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "VENUECORE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "VENUECORE_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "VENUECORE_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "VENUECORE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "VENUECORE_SERVER_RATE_WINDOW")

	// Market and arbitrage
	setStringSlice(&cfg.Market.Instruments, "VENUECORE_MARKET_INSTRUMENTS")
	setDuration(&cfg.Market.QuoteMaxAge, "VENUECORE_MARKET_QUOTE_MAX_AGE")
	setBool(&cfg.Arbitrage.Enabled, "VENUECORE_ARBITRAGE_ENABLED")
	setFloat64(&cfg.Arbitrage.MinProfitPercent, "VENUECORE_ARBITRAGE_MIN_PROFIT_PERCENT")

	// Router
	setStr(&cfg.Router.DefaultStrategy, "VENUECORE_ROUTER_DEFAULT_STRATEGY")
	setDuration(&cfg.Router.RouteDeadline, "VENUECORE_ROUTER_ROUTE_DEADLINE")
	setInt(&cfg.Router.MaxRetries, "VENUECORE_ROUTER_MAX_RETRIES")

	// Risk
	setDuration(&cfg.Risk.Interval, "VENUECORE_RISK_INTERVAL")
	setFloat64(&cfg.Risk.Equity, "VENUECORE_RISK_EQUITY")
	setFloat64(&cfg.Risk.Limits.MaxPortfolioDrawdown, "VENUECORE_RISK_MAX_PORTFOLIO_DRAWDOWN")
	setFloat64(&cfg.Risk.Limits.MaxVaR, "VENUECORE_RISK_MAX_VAR")
	setFloat64(&cfg.Risk.Limits.MaxKelly, "VENUECORE_RISK_MAX_KELLY")
	setUint64(&cfg.Risk.Seed, "VENUECORE_RISK_SEED")

	// Vault
	setStr(&cfg.Vault.Passphrase, "VENUECORE_VAULT_PASSPHRASE")
	setStr(&cfg.Vault.Salt, "VENUECORE_VAULT_SALT")

	setStr(&cfg.Mode, "VENUECORE_MODE")
	setStr(&cfg.LogLevel, "VENUECORE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
