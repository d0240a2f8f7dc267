// Package config defines the venuecore configuration, its defaults and
// validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuecore/internal/domain"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then overridden by VENUECORE_* environment variables.
type Config struct {
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
	Store     StoreConfig     `toml:"store"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Badger    BadgerConfig    `toml:"badger"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Kafka     KafkaConfig     `toml:"kafka"`
	Server    ServerConfig    `toml:"server"`
	Events    EventsConfig    `toml:"events"`
	Venue     VenueDefaults   `toml:"venue"`
	Venues    []VenueConfig   `toml:"venues"`
	Market    MarketConfig    `toml:"market"`
	Arbitrage ArbitrageConfig `toml:"arbitrage"`
	Router    RouterConfig    `toml:"router"`
	Orders    OrdersConfig    `toml:"orders"`
	Risk      RiskConfig      `toml:"risk"`
	Position  PositionConfig  `toml:"position"`
	Emergency EmergencyConfig `toml:"emergency"`
	Archive   ArchiveConfig   `toml:"archive"`
	Vault     VaultConfig     `toml:"vault"`
}

// StoreConfig selects the persistence driver.
type StoreConfig struct {
	// Driver is one of memory, postgres, badger.
	Driver string `toml:"driver"`
	// SnapshotHistory bounds the in-memory snapshot ring.
	SnapshotHistory int `toml:"snapshot_history"`
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

// BadgerConfig holds the embedded store location. An empty path keeps the
// store in memory.
type BadgerConfig struct {
	Path       string   `toml:"path"`
	GCInterval duration `toml:"gc_interval"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
	// QuoteTTL expires mirrored top-of-book entries.
	QuoteTTL duration `toml:"quote_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// KafkaConfig configures the Kafka event sink.
type KafkaConfig struct {
	Enabled      bool     `toml:"enabled"`
	Brokers      []string `toml:"brokers"`
	Topic        string   `toml:"topic"`
	BatchSize    int      `toml:"batch_size"`
	BatchTimeout duration `toml:"batch_timeout"`
	WriteTimeout duration `toml:"write_timeout"`
	RequiredAcks int      `toml:"required_acks"`
	Compression  string   `toml:"compression"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// EventsConfig sizes the outbound event queues.
type EventsConfig struct {
	QuoteBuffer    int      `toml:"quote_buffer"`
	CriticalBuffer int      `toml:"critical_buffer"`
	DeliverTimeout duration `toml:"deliver_timeout"`
}

// VenueDefaults apply to every venue adapter.
type VenueDefaults struct {
	CallTimeout     duration `toml:"call_timeout"`
	BreakerFailures int      `toml:"breaker_failures"`
	BreakerCooldown duration `toml:"breaker_cooldown"`
	HealthTTL       duration `toml:"health_ttl"`
	HealthInterval  duration `toml:"health_interval"`
}

// VenueConfig is one [[venues]] entry.
type VenueConfig struct {
	ID          string            `toml:"id"`
	Kind        string            `toml:"kind"`
	Priority    int               `toml:"priority"`
	BaseURL     string            `toml:"base_url"`
	APIKey      string            `toml:"api_key"`
	APISecret   string            `toml:"api_secret"`
	MakerFeeBps float64           `toml:"maker_fee_bps"`
	TakerFeeBps float64           `toml:"taker_fee_bps"`
	Symbols     map[string]string `toml:"symbols"`
	// Balances and SeedPrices configure paper venues. Values are decimal
	// strings.
	Balances   map[string]string `toml:"balances"`
	SeedPrices map[string]string `toml:"seed_prices"`
}

// MarketConfig configures the unified market view.
type MarketConfig struct {
	Instruments     []string `toml:"instruments"`
	QuoteMaxAge     duration `toml:"quote_max_age"`
	RefreshInterval duration `toml:"refresh_interval"`
	Depth           int      `toml:"depth"`
}

// ArbitrageConfig configures the arbitrage detector.
type ArbitrageConfig struct {
	Enabled          bool     `toml:"enabled"`
	MinProfitPercent float64  `toml:"min_profit_percent"`
	SlippageBps      float64  `toml:"slippage_bps"`
	Interval         duration `toml:"interval"`
	MaxTradeQuantity string   `toml:"max_trade_quantity"`
}

// RouterConfig configures the smart order router.
type RouterConfig struct {
	DefaultStrategy      string   `toml:"default_strategy"`
	RouteDeadline        duration `toml:"route_deadline"`
	TopK                 int      `toml:"top_k"`
	MaxParticipationRate float64  `toml:"max_participation_rate"`
	BandBps              float64  `toml:"band_bps"`
	BackoffBase          duration `toml:"backoff_base"`
	BackoffMax           duration `toml:"backoff_max"`
	MaxRetries           int      `toml:"max_retries"`
}

// OrdersConfig configures the order manager.
type OrdersConfig struct {
	PollInterval duration `toml:"poll_interval"`
	CallTimeout  duration `toml:"call_timeout"`
}

// RiskConfig configures the risk engine.
type RiskConfig struct {
	Limits         domain.RiskLimits `toml:"limits"`
	Interval       duration          `toml:"interval"`
	SnapshotMaxAge duration          `toml:"snapshot_max_age"`
	VaRConfidence  float64           `toml:"var_confidence"`
	MCPaths        int               `toml:"mc_paths"`
	Seed           uint64            `toml:"seed"`
	DrawdownScale  float64           `toml:"drawdown_scale"`
	Equity         float64           `toml:"equity"`
	Window         int               `toml:"window"`
}

// PositionConfig configures the position synchronizer.
type PositionConfig struct {
	Interval    duration `toml:"interval"`
	CallTimeout duration `toml:"call_timeout"`
}

// EmergencyConfig configures the emergency controller.
type EmergencyConfig struct {
	CallTimeout duration `toml:"call_timeout"`
	// MirrorInterval is how often peers reload the shared halt state.
	MirrorInterval duration `toml:"mirror_interval"`
}

// ArchiveConfig configures S3 archival of snapshot and audit history.
type ArchiveConfig struct {
	Interval duration `toml:"interval"`
	Prefix   string   `toml:"prefix"`
}

// VaultConfig configures the credential vault.
type VaultConfig struct {
	Passphrase string `toml:"passphrase"`
	Salt       string `toml:"salt"`
	Iterations int    `toml:"iterations"`
}

// duration is a time.Duration that decodes from TOML strings like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with conservative defaults for a paper setup.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Store:    StoreConfig{Driver: "memory", SnapshotHistory: 10_000},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "venuecore",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Badger: BadgerConfig{Path: "data/badger", GCInterval: duration{10 * time.Minute}},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "venuecore",
			QuoteTTL:   duration{10 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "venuecore-archive",
			ForcePathStyle: true,
		},
		Kafka: KafkaConfig{
			Brokers:      []string{"localhost:9092"},
			Topic:        "venuecore.events",
			BatchSize:    100,
			BatchTimeout: duration{50 * time.Millisecond},
			WriteTimeout: duration{5 * time.Second},
			RequiredAcks: -1,
			Compression:  "snappy",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   50,
			RateWindow:  duration{time.Second},
		},
		Events: EventsConfig{QuoteBuffer: 1024, CriticalBuffer: 4096, DeliverTimeout: duration{2 * time.Second}},
		Venue: VenueDefaults{
			CallTimeout:     duration{3 * time.Second},
			BreakerFailures: 5,
			BreakerCooldown: duration{30 * time.Second},
			HealthTTL:       duration{time.Minute},
			HealthInterval:  duration{15 * time.Second},
		},
		Market: MarketConfig{
			QuoteMaxAge:     duration{5 * time.Second},
			RefreshInterval: duration{time.Second},
			Depth:           20,
		},
		Arbitrage: ArbitrageConfig{
			Enabled:          true,
			MinProfitPercent: 0.5,
			SlippageBps:      5,
			Interval:         duration{time.Second},
			MaxTradeQuantity: "0",
		},
		Router: RouterConfig{
			DefaultStrategy:      string(domain.StrategyBestExecution),
			RouteDeadline:        duration{2 * time.Second},
			TopK:                 3,
			MaxParticipationRate: 0.2,
			BandBps:              50,
			BackoffBase:          duration{200 * time.Millisecond},
			BackoffMax:           duration{5 * time.Second},
			MaxRetries:           3,
		},
		Orders: OrdersConfig{PollInterval: duration{time.Second}, CallTimeout: duration{3 * time.Second}},
		Risk: RiskConfig{
			Limits: domain.RiskLimits{
				MaxPortfolioDrawdown: 0.15,
				MaxPositionSize:      100,
				MaxSectorExposure:    0.4,
				MaxCorrelation:       0.9,
				MaxAvgCorrelation:    0.7,
				MaxVaR:               0.05,
				MaxLeverage:          3,
				MaxKelly:             0.25,
			},
			Interval:       duration{5 * time.Second},
			SnapshotMaxAge: duration{30 * time.Second},
			VaRConfidence:  0.95,
			MCPaths:        10_000,
			Seed:           1,
			DrawdownScale:  0.5,
			Equity:         100_000,
			Window:         250,
		},
		Position:  PositionConfig{Interval: duration{10 * time.Second}, CallTimeout: duration{5 * time.Second}},
		Emergency: EmergencyConfig{CallTimeout: duration{5 * time.Second}, MirrorInterval: duration{2 * time.Second}},
		Archive:   ArchiveConfig{Interval: duration{time.Hour}, Prefix: "venuecore"},
	}
}

var validModes = map[string]bool{"paper": true, "live": true, "monitor": true}

var validDrivers = map[string]bool{"memory": true, "postgres": true, "badger": true}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validStrategies = map[string]bool{
	string(domain.StrategyBestExecution):      true,
	string(domain.StrategyCostMinimization):   true,
	string(domain.StrategyLiquiditySeeking):   true,
	string(domain.StrategyImpactMinimization): true,
}

// Validate checks c and returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: paper, live, monitor)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}
	if !validDrivers[c.Store.Driver] {
		add("store: unknown driver %q (valid: memory, postgres, badger)", c.Store.Driver)
	}

	if c.Store.Driver == "postgres" && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if mode == "monitor" && !c.Redis.Enabled {
		add("redis: must be enabled in monitor mode")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			add("kafka: brokers must not be empty")
		}
		if c.Kafka.Topic == "" {
			add("kafka: topic must not be empty")
		}
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	seen := make(map[string]bool, len(c.Venues))
	for i, v := range c.Venues {
		switch {
		case v.ID == "":
			add("venues[%d]: id must not be empty", i)
		case seen[v.ID]:
			add("venues[%d]: duplicate id %q", i, v.ID)
		}
		seen[v.ID] = true
		switch v.Kind {
		case string(domain.VenueKindPaper):
		case string(domain.VenueKindREST):
			if mode == "paper" {
				add("venues[%d]: kind rest is not allowed in paper mode", i)
			}
			if v.BaseURL == "" {
				add("venues[%d]: base_url is required for rest venues", i)
			}
		default:
			add("venues[%d]: unknown kind %q", i, v.Kind)
		}
		if v.MakerFeeBps < 0 || v.TakerFeeBps < 0 {
			add("venues[%d]: fees must be >= 0", i)
		}
		for asset, amt := range v.Balances {
			if _, err := decimal.NewFromString(amt); err != nil {
				add("venues[%d]: balance %s: %v", i, asset, err)
			}
		}
		for inst, px := range v.SeedPrices {
			if _, err := decimal.NewFromString(px); err != nil {
				add("venues[%d]: seed price %s: %v", i, inst, err)
			}
		}
	}

	for _, inst := range c.Market.Instruments {
		if i := domain.Instrument(inst); i.Base() == "" || i.QuoteAsset() == "" {
			add("market: instrument %q must be BASE/QUOTE", inst)
		}
	}
	if c.Market.QuoteMaxAge.Duration <= 0 {
		add("market: quote_max_age must be > 0")
	}
	if c.Market.RefreshInterval.Duration <= 0 {
		add("market: refresh_interval must be > 0")
	}

	if c.Arbitrage.MinProfitPercent < 0 {
		add("arbitrage: min_profit_percent must be >= 0")
	}
	if _, err := decimal.NewFromString(c.Arbitrage.MaxTradeQuantity); err != nil {
		add("arbitrage: max_trade_quantity: %v", err)
	}

	if !validStrategies[c.Router.DefaultStrategy] {
		add("router: unknown default_strategy %q", c.Router.DefaultStrategy)
	}
	if c.Router.MaxParticipationRate <= 0 || c.Router.MaxParticipationRate > 1 {
		add("router: max_participation_rate must be in (0, 1]")
	}
	if c.Router.BackoffBase.Duration <= 0 || c.Router.BackoffMax.Duration < c.Router.BackoffBase.Duration {
		add("router: backoff_base must be > 0 and <= backoff_max")
	}
	if c.Router.MaxRetries < 0 {
		add("router: max_retries must be >= 0")
	}

	l := c.Risk.Limits
	if l.MaxPortfolioDrawdown <= 0 || l.MaxPortfolioDrawdown >= 1 {
		add("risk: limits.max_portfolio_drawdown must be in (0, 1)")
	}
	if l.MaxKelly <= 0 || l.MaxKelly > 1 {
		add("risk: limits.max_kelly must be in (0, 1]")
	}
	if l.MaxVaR <= 0 || l.MaxVaR >= 1 {
		add("risk: limits.max_var must be in (0, 1)")
	}
	if c.Risk.VaRConfidence <= 0 || c.Risk.VaRConfidence >= 1 {
		add("risk: var_confidence must be in (0, 1)")
	}
	if c.Risk.Equity <= 0 {
		add("risk: equity must be > 0")
	}
	if c.Risk.SnapshotMaxAge.Duration <= c.Risk.Interval.Duration {
		add("risk: snapshot_max_age must exceed interval")
	}

	if c.Vault.Passphrase == "" && c.Store.Driver != "memory" {
		for _, v := range c.Venues {
			if v.APISecret != "" {
				add("vault: passphrase is required to persist venue secrets")
				break
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// DomainVenue converts a [[venues]] entry. Call after Validate.
func (v VenueConfig) DomainVenue() domain.VenueConfig {
	out := domain.VenueConfig{
		ID:        domain.VenueID(v.ID),
		Kind:      domain.VenueKind(v.Kind),
		Priority:  v.Priority,
		BaseURL:   v.BaseURL,
		APIKey:    v.APIKey,
		APISecret: v.APISecret,
		Fees: domain.FeeSchedule{
			MakerBps: decimal.NewFromFloat(v.MakerFeeBps),
			TakerBps: decimal.NewFromFloat(v.TakerFeeBps),
		},
	}
	if len(v.Symbols) > 0 {
		out.Symbols = make(map[domain.Instrument]string, len(v.Symbols))
		for k, s := range v.Symbols {
			out.Symbols[domain.Instrument(k)] = s
		}
	}
	if len(v.Balances) > 0 {
		out.Balances = make(map[string]decimal.Decimal, len(v.Balances))
		for k, s := range v.Balances {
			out.Balances[k], _ = decimal.NewFromString(s)
		}
	}
	if len(v.SeedPrices) > 0 {
		out.SeedPrices = make(map[domain.Instrument]decimal.Decimal, len(v.SeedPrices))
		for k, s := range v.SeedPrices {
			out.SeedPrices[domain.Instrument(k)], _ = decimal.NewFromString(s)
		}
	}
	return out
}

// DomainInstruments returns the configured instruments as domain values.
func (m MarketConfig) DomainInstruments() []domain.Instrument {
	out := make([]domain.Instrument, len(m.Instruments))
	for i, s := range m.Instruments {
		out[i] = domain.Instrument(s)
	}
	return out
}
