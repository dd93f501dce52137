// Package config loads sentinel configuration from defaults, an optional YAML
// file and environment variables.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/objones25/go-traffic-sentinel/pkg/alert"
	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/blobstore"
	"github.com/objones25/go-traffic-sentinel/pkg/logging"
	"github.com/objones25/go-traffic-sentinel/pkg/source"
)

// EnvPrefix prefixes every environment override, e.g. SENTINEL_DETECTOR_SIGMA
const EnvPrefix = "SENTINEL"

// Source types
const (
	SourceFile       = "file"
	SourceOpenSearch = "opensearch"
	SourcePcap       = "pcap"
	SourceSynthetic  = "synthetic"
)

// Config holds all sentinel configuration
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Detector DetectorConfig `mapstructure:"detector"`
	Store    StoreConfig    `mapstructure:"store"`
	IOC      IOCConfig      `mapstructure:"ioc"`
	Source   SourceConfig   `mapstructure:"source"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Server   ServerConfig   `mapstructure:"server"`
	Runner   RunnerConfig   `mapstructure:"runner"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DetectorConfig struct {
	Alpha       float64 `mapstructure:"alpha"`
	Sigma       float64 `mapstructure:"sigma"`
	TopK        int     `mapstructure:"top_k"`
	TrainWindow int     `mapstructure:"train_window"`
	Workers     int     `mapstructure:"workers"`
}

type StoreConfig struct {
	Backend  string        `mapstructure:"backend"`
	Dir      string        `mapstructure:"dir"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Redis    RedisConfig   `mapstructure:"redis"`
	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type IOCConfig struct {
	// File is an indicator YAML file; empty disables IOC enrichment
	File string `mapstructure:"file"`
	// ASNTable maps CIDRs to AS numbers for asn indicators
	ASNTable map[string]string `mapstructure:"asn_table"`
}

type SourceConfig struct {
	Type       string           `mapstructure:"type"`
	File       string           `mapstructure:"file"`
	Pcap       string           `mapstructure:"pcap"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Synthetic  SyntheticConfig  `mapstructure:"synthetic"`
}

type OpenSearchConfig struct {
	URL             string            `mapstructure:"url"`
	Username        string            `mapstructure:"username"`
	Password        string            `mapstructure:"password"`
	Insecure        bool              `mapstructure:"insecure"`
	Index           string            `mapstructure:"index"`
	TimestampField  string            `mapstructure:"timestamp_field"`
	KeyField        string            `mapstructure:"key_field"`
	SubkeyField     string            `mapstructure:"subkey_field"`
	Metric          string            `mapstructure:"metric"`
	SumField        string            `mapstructure:"sum_field"`
	AttributeFields map[string]string `mapstructure:"attribute_fields"`
	MaxKeys         int               `mapstructure:"max_keys"`
}

type SyntheticConfig struct {
	Seed        int64    `mapstructure:"seed"`
	Clients     int      `mapstructure:"clients"`
	Paths       []string `mapstructure:"paths"`
	BaseRate    int      `mapstructure:"base_rate"`
	Jitter      int      `mapstructure:"jitter"`
	BurstEvery  int      `mapstructure:"burst_every"`
	BurstFactor int      `mapstructure:"burst_factor"`
}

type NotifyConfig struct {
	SlackWebhookURL string            `mapstructure:"slack_webhook_url"`
	SlackChannel    string            `mapstructure:"slack_channel"`
	WebhookURL      string            `mapstructure:"webhook_url"`
	WebhookHeaders  map[string]string `mapstructure:"webhook_headers"`
	RatePerMinute   int               `mapstructure:"rate_per_minute"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	NATS            NATSConfig        `mapstructure:"nats"`
	History         int               `mapstructure:"history"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type RunnerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Lookback time.Duration `mapstructure:"lookback"`
}

// legacyEnv maps config keys to the environment names used by existing
// deployments. The prefixed name still wins.
var legacyEnv = map[string]string{
	"detector.alpha":           "EWMA_ALPHA",
	"detector.sigma":           "SIGMA",
	"detector.top_k":           "TOP_K",
	"store.dir":                "BASELINE_BUCKET",
	"log.level":                "LOG_LEVEL",
	"notify.slack_webhook_url": "SLACK_WEBHOOK_URL",
	"notify.nats.url":          "NATS_URL",
}

func setDefaults(v *viper.Viper) {
	det := anomaly.DefaultConfig()
	v.SetDefault("detector.alpha", det.Alpha)
	v.SetDefault("detector.sigma", det.Sigma)
	v.SetDefault("detector.top_k", det.TopK)
	v.SetDefault("detector.train_window", det.TrainWindow)
	v.SetDefault("detector.workers", det.Workers)

	lc := logging.DefaultConfig()
	v.SetDefault("log.level", lc.Level)
	v.SetDefault("log.format", lc.Format)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", lc.MaxSizeMB)
	v.SetDefault("log.max_backups", lc.MaxBackups)
	v.SetDefault("log.max_age_days", lc.MaxAgeDays)
	v.SetDefault("log.compress", lc.Compress)

	v.SetDefault("store.backend", blobstore.BackendFile)
	v.SetDefault("store.dir", "data")
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "sentinel:")
	v.SetDefault("store.redis.ttl", "0s")
	v.SetDefault("store.postgres.dsn", "postgres://localhost:5432/sentinel?sslmode=disable")

	v.SetDefault("ioc.file", "")
	v.SetDefault("ioc.asn_table", map[string]string{})

	osc := source.DefaultOpenSearchConfig()
	syn := source.DefaultSyntheticConfig()
	v.SetDefault("source.type", SourceSynthetic)
	v.SetDefault("source.file", "")
	v.SetDefault("source.pcap", "")
	v.SetDefault("source.opensearch.url", osc.URL)
	v.SetDefault("source.opensearch.username", "")
	v.SetDefault("source.opensearch.password", "")
	v.SetDefault("source.opensearch.insecure", false)
	v.SetDefault("source.opensearch.index", osc.Index)
	v.SetDefault("source.opensearch.timestamp_field", osc.TimestampField)
	v.SetDefault("source.opensearch.key_field", osc.KeyField)
	v.SetDefault("source.opensearch.subkey_field", osc.SubkeyField)
	v.SetDefault("source.opensearch.metric", osc.Metric)
	v.SetDefault("source.opensearch.sum_field", "")
	v.SetDefault("source.opensearch.attribute_fields", osc.AttributeFields)
	v.SetDefault("source.opensearch.max_keys", osc.MaxKeys)
	v.SetDefault("source.synthetic.seed", syn.Seed)
	v.SetDefault("source.synthetic.clients", syn.Clients)
	v.SetDefault("source.synthetic.paths", syn.Paths)
	v.SetDefault("source.synthetic.base_rate", syn.BaseRate)
	v.SetDefault("source.synthetic.jitter", syn.Jitter)
	v.SetDefault("source.synthetic.burst_every", syn.BurstEvery)
	v.SetDefault("source.synthetic.burst_factor", syn.BurstFactor)

	v.SetDefault("notify.slack_webhook_url", "")
	v.SetDefault("notify.slack_channel", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_headers", map[string]string{})
	v.SetDefault("notify.rate_per_minute", 30)
	v.SetDefault("notify.timeout", "5s")
	v.SetDefault("notify.nats.url", "")
	v.SetDefault("notify.nats.subject", "sentinel.reports")
	v.SetDefault("notify.history", 100)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("runner.interval", "1m")
	v.SetDefault("runner.lookback", "15m")
}

// Load reads configuration. An empty path uses defaults and environment
// only. ${VAR} placeholders in the file are replaced with set environment
// variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader(expandEnv(data))); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", legacy, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnv replaces ${VAR} with the value of set variables and leaves
// unknown placeholders untouched
func expandEnv(data []byte) []byte {
	return []byte(os.Expand(string(data), func(name string) string {
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return "${" + name + "}"
	}))
}

// Validate checks every section
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	if err := c.Anomaly().Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}

	switch c.Store.Backend {
	case blobstore.BackendMemory, blobstore.BackendRedis, blobstore.BackendPostgres:
	case blobstore.BackendFile:
		if c.Store.Dir == "" {
			return fmt.Errorf("store: dir is required for the file backend")
		}
	default:
		return fmt.Errorf("store: unknown backend %q", c.Store.Backend)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("store: timeout must be positive")
	}

	switch c.Source.Type {
	case SourceSynthetic, SourceOpenSearch:
	case SourceFile:
		if c.Source.File == "" {
			return fmt.Errorf("source: file is required for the file source")
		}
	case SourcePcap:
		if c.Source.Pcap == "" {
			return fmt.Errorf("source: pcap is required for the pcap source")
		}
	default:
		return fmt.Errorf("source: unknown type %q", c.Source.Type)
	}

	if c.Notify.RatePerMinute < 0 {
		return fmt.Errorf("notify: rate_per_minute must not be negative")
	}
	if c.Notify.History <= 0 {
		return fmt.Errorf("notify: history must be positive")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server: addr is required")
	}
	if c.Runner.Interval <= 0 || c.Runner.Lookback <= 0 {
		return fmt.Errorf("runner: interval and lookback must be positive")
	}
	return nil
}

// Logging converts the log section
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// Anomaly converts the detector section
func (c *Config) Anomaly() anomaly.Config {
	return anomaly.Config{
		Alpha:       c.Detector.Alpha,
		Sigma:       c.Detector.Sigma,
		TopK:        c.Detector.TopK,
		TrainWindow: c.Detector.TrainWindow,
		Workers:     c.Detector.Workers,
	}
}

// BlobStore converts the store section
func (c *Config) BlobStore() blobstore.Config {
	return blobstore.Config{
		Backend: c.Store.Backend,
		Dir:     c.Store.Dir,
		Redis: blobstore.RedisConfig{
			Addr:     c.Store.Redis.Addr,
			Password: c.Store.Redis.Password,
			DB:       c.Store.Redis.DB,
			Prefix:   c.Store.Redis.Prefix,
			TTL:      c.Store.Redis.TTL,
		},
		PostgresDSN: c.Store.Postgres.DSN,
	}
}

// OpenSearch converts the opensearch source section
func (c *Config) OpenSearch() source.OpenSearchConfig {
	o := c.Source.OpenSearch
	return source.OpenSearchConfig{
		URL:             o.URL,
		Username:        o.Username,
		Password:        o.Password,
		Insecure:        o.Insecure,
		Index:           o.Index,
		TimestampField:  o.TimestampField,
		KeyField:        o.KeyField,
		SubkeyField:     o.SubkeyField,
		Metric:          o.Metric,
		SumField:        o.SumField,
		AttributeFields: o.AttributeFields,
		MaxKeys:         o.MaxKeys,
	}
}

// Synthetic converts the synthetic source section
func (c *Config) Synthetic() source.SyntheticConfig {
	s := source.DefaultSyntheticConfig()
	s.Seed = c.Source.Synthetic.Seed
	s.Clients = c.Source.Synthetic.Clients
	s.Paths = c.Source.Synthetic.Paths
	s.BaseRate = c.Source.Synthetic.BaseRate
	s.Jitter = c.Source.Synthetic.Jitter
	s.BurstEvery = c.Source.Synthetic.BurstEvery
	s.BurstFactor = c.Source.Synthetic.BurstFactor
	return s
}

// Notification converts the notify section. Channels without a URL are
// left disabled.
func (c *Config) Notification() alert.NotificationConfig {
	nc := alert.NotificationConfig{
		RatePerMinute: c.Notify.RatePerMinute,
		Timeout:       c.Notify.Timeout,
	}
	if c.Notify.SlackWebhookURL != "" {
		nc.Slack = &alert.SlackConfig{
			WebhookURL: c.Notify.SlackWebhookURL,
			Channel:    c.Notify.SlackChannel,
		}
	}
	if c.Notify.WebhookURL != "" {
		nc.Webhook = &alert.WebhookConfig{
			URL:     c.Notify.WebhookURL,
			Method:  "POST",
			Headers: c.Notify.WebhookHeaders,
		}
	}
	return nc
}

// NotificationsEnabled reports whether any outbound HTTP channel is set
func (c *Config) NotificationsEnabled() bool {
	return c.Notify.SlackWebhookURL != "" || c.Notify.WebhookURL != ""
}
