package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"oracle-reconciler/internal/logging"
	"oracle-reconciler/internal/model"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Feeds       FeedsConfig       `mapstructure:"feeds"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables the shared comparison cache. An empty Addr selects the in-process cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// MetricsConfig exposes Prometheus metrics. An empty address disables the listener.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// SchedulerConfig governs job cadence.
type SchedulerConfig struct {
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
	CollectInterval   time.Duration `mapstructure:"collect_interval"`
	AggregateInterval time.Duration `mapstructure:"aggregate_interval"`
	AlignToBucket     bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey   int64         `mapstructure:"advisory_lock_key"`
	StartupDelay      time.Duration `mapstructure:"startup_delay"`
}

// SyncConfig tunes the event sync engine and seeds instances.
type SyncConfig struct {
	RPCTimeout          time.Duration    `mapstructure:"rpc_timeout"`
	MinWindow           uint64           `mapstructure:"min_window"`
	MaxWindow           uint64           `mapstructure:"max_window"`
	Rewind              uint64           `mapstructure:"rewind"`
	RangeAttempts       int              `mapstructure:"range_attempts"`
	FetchConcurrency    int              `mapstructure:"fetch_concurrency"`
	InstanceConcurrency int              `mapstructure:"instance_concurrency"`
	Instances           []InstanceConfig `mapstructure:"instances"`
}

// InstanceConfig describes one oracle deployment.
type InstanceConfig struct {
	ID              string        `mapstructure:"id"`
	Protocol        string        `mapstructure:"protocol"`
	Chain           string        `mapstructure:"chain"`
	ChainID         uint64        `mapstructure:"chain_id"`
	RPCURLs         []string      `mapstructure:"rpc_urls"`
	ContractAddress string        `mapstructure:"contract_address"`
	StartPosition   uint64        `mapstructure:"start_position"`
	MaxWindow       uint64        `mapstructure:"max_window"`
	Confirmations   uint64        `mapstructure:"confirmations"`
	VotingPeriod    time.Duration `mapstructure:"voting_period"`
	Enabled         bool          `mapstructure:"enabled"`
}

// Model converts the config entry to a SourceInstance.
func (i InstanceConfig) Model() model.SourceInstance {
	return model.SourceInstance{
		ID:              i.ID,
		Protocol:        i.Protocol,
		Chain:           i.Chain,
		ChainID:         i.ChainID,
		RPCURLs:         i.RPCURLs,
		ContractAddress: i.ContractAddress,
		StartPosition:   i.StartPosition,
		MaxWindow:       i.MaxWindow,
		Confirmations:   i.Confirmations,
		VotingPeriod:    i.VotingPeriod,
		Enabled:         i.Enabled,
	}
}

// AggregationConfig tunes the price aggregation engine. Ratios are fractions.
type AggregationConfig struct {
	Symbols          []string           `mapstructure:"symbols"`
	Chain            string             `mapstructure:"chain"`
	Freshness        time.Duration      `mapstructure:"freshness"`
	MinSources       int                `mapstructure:"min_sources"`
	OutlierMethods   []string           `mapstructure:"outlier_methods"`
	OutlierThreshold float64            `mapstructure:"outlier_threshold"`
	IQRMultiplier    float64            `mapstructure:"iqr_multiplier"`
	IQRMinSamples    int                `mapstructure:"iqr_min_samples"`
	ZScoreThreshold  float64            `mapstructure:"zscore_threshold"`
	RecommendMethod  string             `mapstructure:"recommend_method"`
	ProtocolWeights  map[string]float64 `mapstructure:"protocol_weights"`
	CacheTTL         time.Duration      `mapstructure:"cache_ttl"`
	StaleTTL         time.Duration      `mapstructure:"stale_ttl"`
	Concurrency      int                `mapstructure:"concurrency"`
	Breaker          BreakerConfig      `mapstructure:"breaker"`
	Retry            RetryConfig        `mapstructure:"retry"`
}

// BreakerConfig tunes circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// RetryConfig tunes observation read retries.
type RetryConfig struct {
	Attempts  int           `mapstructure:"attempts"`
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Jitter    float64       `mapstructure:"jitter"`
}

// Feed kinds.
const (
	FeedOnChain = "onchain"
	FeedHTTP    = "http"
)

// FeedsConfig lists the observation collectors.
type FeedsConfig struct {
	Concurrency int          `mapstructure:"concurrency"`
	Sources     []FeedConfig `mapstructure:"sources"`
}

// FeedConfig describes one protocol price source.
type FeedConfig struct {
	Protocol string        `mapstructure:"protocol"`
	Chain    string        `mapstructure:"chain"`
	Kind     string        `mapstructure:"kind"`
	Symbols  []string      `mapstructure:"symbols"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// onchain
	RPCURLs   []string          `mapstructure:"rpc_urls"`
	Contracts map[string]string `mapstructure:"contracts"`

	// http
	URL           string            `mapstructure:"url"`
	PricePath     string            `mapstructure:"price_path"`
	TimestampPath string            `mapstructure:"timestamp_path"`
	Headers       map[string]string `mapstructure:"headers"`
	RatePerSecond float64           `mapstructure:"rate_per_second"`
	Burst         int               `mapstructure:"burst"`
	Confidence    float64           `mapstructure:"confidence"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled            bool           `mapstructure:"enabled"`
	DeviationThreshold float64        `mapstructure:"deviation_threshold"`
	SevereThreshold    float64        `mapstructure:"severe_threshold"`
	Cooldown           time.Duration  `mapstructure:"cooldown"`
	Channels           []string       `mapstructure:"channels"`
	Rules              []RuleConfig   `mapstructure:"rules"`
	Telegram           TelegramConfig `mapstructure:"telegram"`
	Webhook            WebhookConfig  `mapstructure:"webhook"`
}

// RuleConfig configures an alert rule. Empty channels inherit alerting.channels.
type RuleConfig struct {
	ID           string    `mapstructure:"id"`
	Event        string    `mapstructure:"event"`
	Severity     string    `mapstructure:"severity"`
	Channels     []string  `mapstructure:"channels"`
	Enabled      bool      `mapstructure:"enabled"`
	SilenceUntil time.Time `mapstructure:"silence_until"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig posts alerts as JSON.
type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORACLEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "oraclewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.prefix", "oraclewatch:")

	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("scheduler.sync_interval", "1m")
	v.SetDefault("scheduler.collect_interval", "30s")
	v.SetDefault("scheduler.aggregate_interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6f72636c))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("sync.rpc_timeout", "30s")
	v.SetDefault("sync.min_window", 500)
	v.SetDefault("sync.max_window", 50000)
	v.SetDefault("sync.rewind", 10)
	v.SetDefault("sync.range_attempts", 3)
	v.SetDefault("sync.fetch_concurrency", 4)
	v.SetDefault("sync.instance_concurrency", 4)

	v.SetDefault("aggregation.freshness", "5m")
	v.SetDefault("aggregation.min_sources", 2)
	v.SetDefault("aggregation.outlier_methods", []string{"threshold", "iqr"})
	v.SetDefault("aggregation.outlier_threshold", 0.05)
	v.SetDefault("aggregation.iqr_multiplier", 1.5)
	v.SetDefault("aggregation.iqr_min_samples", 4)
	v.SetDefault("aggregation.zscore_threshold", 3.0)
	v.SetDefault("aggregation.recommend_method", "median")
	v.SetDefault("aggregation.cache_ttl", "30s")
	v.SetDefault("aggregation.stale_ttl", "10m")
	v.SetDefault("aggregation.concurrency", 5)
	v.SetDefault("aggregation.breaker.failure_threshold", 5)
	v.SetDefault("aggregation.breaker.success_threshold", 3)
	v.SetDefault("aggregation.breaker.cooldown", "30s")
	v.SetDefault("aggregation.retry.attempts", 3)
	v.SetDefault("aggregation.retry.base_delay", "200ms")
	v.SetDefault("aggregation.retry.max_delay", "10s")
	v.SetDefault("aggregation.retry.jitter", 0.3)

	v.SetDefault("feeds.concurrency", 4)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.deviation_threshold", 0.01)
	v.SetDefault("alerting.severe_threshold", 0.05)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var (
	outlierMethods   = map[string]bool{"threshold": true, "iqr": true, "zscore": true}
	recommendMethods = map[string]bool{"median": true, "mean": true, "weighted": true}
	severities       = map[string]bool{"": true, "info": true, "warning": true, "critical": true}
)

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.SyncInterval <= 0 || c.Scheduler.CollectInterval <= 0 || c.Scheduler.AggregateInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be greater than zero")
	}
	if err := c.Sync.validate(); err != nil {
		return err
	}
	if err := c.Aggregation.validate(); err != nil {
		return err
	}
	for i, f := range c.Feeds.Sources {
		if err := f.validate(); err != nil {
			return fmt.Errorf("feeds.sources[%d]: %w", i, err)
		}
	}
	return c.Alerting.validate()
}

func (s SyncConfig) validate() error {
	if s.MinWindow == 0 || s.MinWindow > s.MaxWindow {
		return fmt.Errorf("sync.min_window must be positive and not above sync.max_window")
	}
	if s.RangeAttempts <= 0 {
		return fmt.Errorf("sync.range_attempts must be greater than zero")
	}
	seen := make(map[string]bool, len(s.Instances))
	for i, inst := range s.Instances {
		if strings.TrimSpace(inst.ID) == "" {
			return fmt.Errorf("sync.instances[%d].id is required", i)
		}
		if seen[inst.ID] {
			return fmt.Errorf("sync.instances: duplicate id %q", inst.ID)
		}
		seen[inst.ID] = true
	}
	return nil
}

func (a AggregationConfig) validate() error {
	if a.MinSources < 1 {
		return fmt.Errorf("aggregation.min_sources must be at least 1")
	}
	if a.Freshness <= 0 {
		return fmt.Errorf("aggregation.freshness must be greater than zero")
	}
	for _, m := range a.OutlierMethods {
		if !outlierMethods[strings.ToLower(m)] {
			return fmt.Errorf("aggregation.outlier_methods: unknown method %q", m)
		}
	}
	if !recommendMethods[strings.ToLower(a.RecommendMethod)] {
		return fmt.Errorf("aggregation.recommend_method: unknown method %q", a.RecommendMethod)
	}
	if a.OutlierThreshold < 0 {
		return fmt.Errorf("aggregation.outlier_threshold cannot be negative")
	}
	if a.StaleTTL < a.CacheTTL {
		return fmt.Errorf("aggregation.stale_ttl must not be shorter than aggregation.cache_ttl")
	}
	return nil
}

func (f FeedConfig) validate() error {
	if f.Protocol == "" || len(f.Symbols) == 0 {
		return fmt.Errorf("protocol and symbols are required")
	}
	switch strings.ToLower(f.Kind) {
	case FeedOnChain:
		if len(f.RPCURLs) == 0 || len(f.Contracts) == 0 {
			return fmt.Errorf("onchain feed requires rpc_urls and contracts")
		}
	case FeedHTTP:
		if f.URL == "" || f.PricePath == "" {
			return fmt.Errorf("http feed requires url and price_path")
		}
	default:
		return fmt.Errorf("unknown feed kind %q", f.Kind)
	}
	return nil
}

func (a AlertingConfig) validate() error {
	if a.DeviationThreshold < 0 {
		return fmt.Errorf("alerting.deviation_threshold cannot be negative")
	}
	if a.SevereThreshold < a.DeviationThreshold {
		return fmt.Errorf("alerting.severe_threshold must not be below alerting.deviation_threshold")
	}
	for i, r := range a.Rules {
		if r.ID == "" || r.Event == "" {
			return fmt.Errorf("alerting.rules[%d]: id and event are required", i)
		}
		if !severities[strings.ToLower(r.Severity)] {
			return fmt.Errorf("alerting.rules[%d]: unknown severity %q", i, r.Severity)
		}
	}
	if a.Telegram.Enabled {
		if a.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if a.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if a.Webhook.Enabled && a.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url is required when the webhook is enabled")
	}
	return nil
}

// EffectiveRules returns the configured rules, or one rule per built-in event when none are configured.
func (a AlertingConfig) EffectiveRules() []model.AlertRule {
	if !a.Enabled {
		return nil
	}
	if len(a.Rules) == 0 {
		return []model.AlertRule{
			{ID: "default-" + model.EventSyncError, Event: model.EventSyncError, Severity: model.SeverityCritical, Channels: a.Channels, Enabled: true},
			{ID: "default-" + model.EventPriceDeviation, Event: model.EventPriceDeviation, Severity: model.SeverityWarning, Channels: a.Channels, Enabled: true},
		}
	}
	out := make([]model.AlertRule, 0, len(a.Rules))
	for _, r := range a.Rules {
		rule := model.AlertRule{
			ID:       r.ID,
			Event:    r.Event,
			Severity: model.Severity(strings.ToLower(r.Severity)),
			Channels: r.Channels,
			Enabled:  r.Enabled,
		}
		if len(rule.Channels) == 0 {
			rule.Channels = a.Channels
		}
		if !r.SilenceUntil.IsZero() {
			until := r.SilenceUntil
			rule.SilenceUntil = &until
		}
		out = append(out, rule)
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
