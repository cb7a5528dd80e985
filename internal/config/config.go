package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/bl8ckfz/dealer-engine/internal/feed"
	"github.com/bl8ckfz/dealer-engine/internal/pipeline"
)

// disabled switches an optional dependency off
const disabled = "disabled"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Sinks     SinkConfig      `mapstructure:"sinks"`
	Pipeline  pipeline.Config `mapstructure:"pipeline"`
	Simulator SimulatorConfig `mapstructure:"simulator"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"` // requests per client per minute, 0 disables
}

// NATSConfig covers the sample feed and the output subjects.
type NATSConfig struct {
	URL          string        `mapstructure:"url"`
	Subscribe    bool          `mapstructure:"subscribe"`
	Publish      bool          `mapstructure:"publish"`
	StreamMaxAge time.Duration `mapstructure:"stream_max_age"`
}

// Enabled reports whether a NATS URL is configured
func (c NATSConfig) Enabled() bool {
	return c.URL != "" && c.URL != disabled
}

// RedisConfig covers the snapshot cache.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis address is configured
func (c RedisConfig) Enabled() bool {
	return c.URL != "" && c.URL != disabled
}

// DatabaseConfig encapsulates TimescaleDB connectivity.
type DatabaseConfig struct {
	URL       string `mapstructure:"url"`
	BatchSize int    `mapstructure:"batch_size"`
}

// Enabled reports whether persistence is configured
func (c DatabaseConfig) Enabled() bool {
	return c.URL != "" && c.URL != disabled
}

// WebhookConfig routes firings to chat webhooks.
type WebhookConfig struct {
	URLs    []string      `mapstructure:"urls"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SinkConfig sizes the asynchronous sink queues.
type SinkConfig struct {
	QueueSize int  `mapstructure:"queue_size"`
	Log       bool `mapstructure:"log"`
}

// SimulatorConfig runs the random-walk feed inside serve.
type SimulatorConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	Backfill             int  `mapstructure:"backfill"`
	feed.SimulatorConfig `mapstructure:",squash"`
}

// envBindings keeps the deployment variable names of the screener services
var envBindings = map[string]string{
	"app.environment":   "ENV",
	"logging.level":     "LOG_LEVEL",
	"http.addr":         "HTTP_ADDR",
	"nats.url":          "NATS_URL",
	"redis.url":         "REDIS_URL",
	"redis.password":    "REDIS_PASSWORD",
	"database.url":      "TIMESCALE_URL",
	"webhook.urls":      "WEBHOOK_URLS",
	"simulator.enabled": "SIMULATOR_ENABLED",
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	return Config{
		Pipeline: pipeline.DefaultConfig(),
		Simulator: SimulatorConfig{
			SimulatorConfig: feed.DefaultSimulatorConfig(),
		},
	}
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("DEALER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	// Pipeline and simulator defaults live in their packages; viper only overrides them
	cfg := Default()
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv exports variables from path without overriding the process environment
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "dealer-engine")
	v.SetDefault("app.environment", "production")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.rate_limit", 100)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subscribe", true)
	v.SetDefault("nats.publish", true)
	v.SetDefault("nats.stream_max_age", "1h")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.url", "")
	v.SetDefault("database.batch_size", 50)

	v.SetDefault("webhook.urls", []string{})
	v.SetDefault("webhook.timeout", "10s")

	v.SetDefault("sinks.queue_size", 1024)
	v.SetDefault("sinks.log", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// normalize trims list entries and restores symbol case lost to viper's key folding
func (c *Config) normalize() {
	urls := c.Webhook.URLs[:0]
	for _, u := range c.Webhook.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	c.Webhook.URLs = urls

	for i, s := range c.Simulator.Symbols {
		c.Simulator.Symbols[i] = pipeline.NormalizeSymbol(s)
	}
	if len(c.Simulator.BasePrices) > 0 {
		prices := make(map[string]float64, len(c.Simulator.BasePrices))
		for s, p := range c.Simulator.BasePrices {
			prices[pipeline.NormalizeSymbol(s)] = p
		}
		c.Simulator.BasePrices = prices
	}

	if c.App.Environment == "development" {
		c.Logging.Format = "console"
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	p := c.Pipeline
	switch {
	case p.WindowCapacity <= 0:
		return fmt.Errorf("pipeline.window_capacity must be greater than zero")
	case p.Indicators.RSIPeriod <= 0:
		return fmt.Errorf("pipeline.indicators.rsi_period must be greater than zero")
	case p.Indicators.TrendPeriod <= 0:
		return fmt.Errorf("pipeline.indicators.trend_period must be greater than zero")
	case p.Indicators.TrendMultiplier <= 0:
		return fmt.Errorf("pipeline.indicators.trend_multiplier must be greater than zero")
	case p.Indicators.SamplesPerDay <= 0 || p.Indicators.ReversionDays <= 0:
		return fmt.Errorf("pipeline.indicators reversion lookback must be greater than zero")
	case p.Indicators.OILookback < 0:
		return fmt.Errorf("pipeline.indicators.oi_lookback cannot be negative")
	}

	s := p.Scoring
	if s.RSIWeight < 0 || s.TrendWeight < 0 || s.OIWeight < 0 {
		return fmt.Errorf("pipeline.scoring weights cannot be negative")
	}
	if s.RSIWeight+s.TrendWeight+s.OIWeight == 0 {
		return fmt.Errorf("pipeline.scoring weights cannot all be zero")
	}
	if s.StreakSaturation <= 0 || s.OISaturationPct <= 0 || s.FundingScale <= 0 {
		return fmt.Errorf("pipeline.scoring saturation values must be greater than zero")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit cannot be negative")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.Sinks.QueueSize <= 0 {
		return fmt.Errorf("sinks.queue_size must be greater than zero")
	}
	if c.Database.BatchSize <= 0 {
		return fmt.Errorf("database.batch_size must be greater than zero")
	}

	for _, raw := range c.Webhook.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook.urls: invalid url %q", raw)
		}
	}

	if c.Simulator.Enabled && len(c.Simulator.Symbols) == 0 {
		return fmt.Errorf("simulator.symbols is required when the simulator is enabled")
	}
	if c.Simulator.Backfill < 0 {
		return fmt.Errorf("simulator.backfill cannot be negative")
	}
	return nil
}
