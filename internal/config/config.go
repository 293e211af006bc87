package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"winrate-watch/internal/deal"
	"winrate-watch/internal/logging"
	"winrate-watch/internal/rules"
)

// ErrInvalid marks configuration that cannot drive a run.
var ErrInvalid = errors.New("invalid configuration")

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Baseline   BaselineConfig   `mapstructure:"baseline"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Model      ModelConfig      `mapstructure:"model"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Output     OutputConfig     `mapstructure:"output"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
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
}

// Baseline backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// BaselineConfig selects where committed runs live.
type BaselineConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	// Retention prunes superseded runs older than this (postgres only).
	Retention time.Duration `mapstructure:"retention"`
}

// SchedulerConfig governs the watch cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// NormalizerConfig drives snapshot validation.
type NormalizerConfig struct {
	// Snapshot is a file path or an http(s) URL of a CSV export.
	Snapshot        string              `mapstructure:"snapshot"`
	SnapshotToken   string              `mapstructure:"snapshot_token"`
	SnapshotTimeout time.Duration       `mapstructure:"snapshot_timeout"`
	Vocabulary      map[string][]string `mapstructure:"vocabulary"`
	DateLayouts     []string            `mapstructure:"date_layouts"`
}

// MetricsConfig drives the segment metric engine.
type MetricsConfig struct {
	// Groupings are dimension sets joined by "+", e.g. "region+product_type".
	Groupings        []string `mapstructure:"groupings"`
	Granularity      string   `mapstructure:"granularity"`
	MinSampleSize    int      `mapstructure:"min_sample_size"`
	ImpactFloor      bool     `mapstructure:"impact_floor"`
	Workers          int      `mapstructure:"workers"`
	EvaluationPeriod string   `mapstructure:"evaluation_period"`
}

// ModelConfig drives the driver model.
type ModelConfig struct {
	Dimensions      []string          `mapstructure:"dimensions"`
	ReferenceLevels map[string]string `mapstructure:"reference_levels"`
	MinClosedDeals  int               `mapstructure:"min_closed_deals"`
	AmountUnit      float64           `mapstructure:"amount_unit"`
	CycleUnit       float64           `mapstructure:"cycle_unit"`
	MaxIterations   int               `mapstructure:"max_iterations"`
	Tolerance       float64           `mapstructure:"tolerance"`
	Ridge           float64           `mapstructure:"ridge"`
}

// RulesConfig points at the rule file.
type RulesConfig struct {
	Path    string `mapstructure:"path"`
	Workers int    `mapstructure:"workers"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// TelegramConfig holds Telegram bot parameters.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// KafkaConfig holds the alert topic parameters.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	ClientID     string        `mapstructure:"client_id"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// OutputConfig controls the tables written after a run.
type OutputConfig struct {
	Dir         string `mapstructure:"dir"`
	DriverChart bool   `mapstructure:"driver_chart"`
	TopN        int    `mapstructure:"top_n"`
}

// TelemetryConfig controls the prometheus textfile export.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	TextfilePath string `mapstructure:"textfile_path"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WINRATEWATCH")
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
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("%w: read config: %v", ErrInvalid, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "winratewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("baseline.path", "state/baseline.json")
	v.SetDefault("baseline.retention", "0s")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x77726174))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("normalizer.snapshot_timeout", "30s")

	v.SetDefault("metrics.groupings", []string{"region", "lead_source", "region+product_type"})
	v.SetDefault("metrics.granularity", string(deal.Quarterly))
	v.SetDefault("metrics.min_sample_size", 5)
	v.SetDefault("metrics.impact_floor", true)
	v.SetDefault("metrics.workers", 4)

	v.SetDefault("model.min_closed_deals", 30)
	v.SetDefault("model.amount_unit", 10000.0)
	v.SetDefault("model.cycle_unit", 30.0)
	v.SetDefault("model.max_iterations", 100)
	v.SetDefault("model.tolerance", 1e-8)
	v.SetDefault("model.ridge", 0.0)

	v.SetDefault("rules.workers", 4)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.topic", "winrate.alerts")
	v.SetDefault("alerting.kafka.client_id", "winratewatch")
	v.SetDefault("alerting.kafka.write_timeout", "10s")

	v.SetDefault("output.dir", "out")
	v.SetDefault("output.driver_chart", true)
	v.SetDefault("output.top_n", 5)

	v.SetDefault("telemetry.enabled", false)
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

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return invalid("scheduler.interval must be greater than zero")
	}
	switch c.BaselineBackend() {
	case BackendPostgres:
		if c.Database.DSN == "" {
			return invalid("database.dsn is required for the postgres baseline backend")
		}
	case BackendFile:
		if c.Baseline.Path == "" {
			return invalid("baseline.path is required for the file baseline backend")
		}
	default:
		return invalid("baseline.backend %q is not supported", c.Baseline.Backend)
	}
	switch deal.Granularity(c.Metrics.Granularity) {
	case deal.Monthly, deal.Quarterly:
	default:
		return invalid("metrics.granularity must be month or quarter, got %q", c.Metrics.Granularity)
	}
	if c.Metrics.MinSampleSize < 1 {
		return invalid("metrics.min_sample_size must be at least 1")
	}
	if _, err := c.Groupings(); err != nil {
		return err
	}
	if _, err := c.ModelDimensions(); err != nil {
		return err
	}
	for dim := range c.Normalizer.Vocabulary {
		if _, ok := deal.ParseDimension(dim); !ok {
			return invalid("normalizer.vocabulary: unknown dimension %q", dim)
		}
	}
	vocab := c.Vocabulary()
	refs, err := c.ReferenceLevels()
	if err != nil {
		return err
	}
	for dim, level := range refs {
		if canonical, known := vocab.Canonicalize(dim, level); !known || canonical != level {
			return invalid("model.reference_levels.%s: %q is not in the vocabulary", dim, level)
		}
	}
	if c.Model.MinClosedDeals < 1 {
		return invalid("model.min_closed_deals must be at least 1")
	}
	if c.Model.AmountUnit <= 0 || c.Model.CycleUnit <= 0 {
		return invalid("model.amount_unit and model.cycle_unit must be positive")
	}
	if c.Model.Ridge < 0 {
		return invalid("model.ridge cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return invalid("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return invalid("alerting.telegram.chat_id is required")
		}
	}
	if c.Alerting.Kafka.Enabled {
		if len(c.Alerting.Kafka.Brokers) == 0 {
			return invalid("alerting.kafka.brokers is required")
		}
		if c.Alerting.Kafka.Topic == "" {
			return invalid("alerting.kafka.topic is required")
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.TextfilePath == "" {
		return invalid("telemetry.textfile_path is required when telemetry is enabled")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// BaselineBackend resolves the backend, defaulting to postgres when a DSN is set.
func (c *Config) BaselineBackend() string {
	if c.Baseline.Backend != "" {
		return strings.ToLower(c.Baseline.Backend)
	}
	if c.Database.DSN != "" {
		return BackendPostgres
	}
	return BackendFile
}

// Groupings parses metrics.groupings into dimension sets.
func (c *Config) Groupings() ([][]deal.Dimension, error) {
	out := make([][]deal.Dimension, 0, len(c.Metrics.Groupings))
	seen := make(map[string]bool)
	for _, g := range c.Metrics.Groupings {
		dims, err := parseDimensions(strings.Split(g, "+"))
		if err != nil {
			return nil, invalid("metrics.groupings: %v", err)
		}
		name := deal.Grouping(dims)
		if seen[name] {
			return nil, invalid("metrics.groupings: %q listed twice", name)
		}
		seen[name] = true
		out = append(out, dims)
	}
	return out, nil
}

// ModelDimensions parses model.dimensions; empty means all dimensions.
func (c *Config) ModelDimensions() ([]deal.Dimension, error) {
	if len(c.Model.Dimensions) == 0 {
		return deal.Dimensions, nil
	}
	dims, err := parseDimensions(c.Model.Dimensions)
	if err != nil {
		return nil, invalid("model.dimensions: %v", err)
	}
	return dims, nil
}

// ReferenceLevels parses model.reference_levels.
func (c *Config) ReferenceLevels() (map[deal.Dimension]string, error) {
	out := make(map[deal.Dimension]string, len(c.Model.ReferenceLevels))
	for name, level := range c.Model.ReferenceLevels {
		dim, ok := deal.ParseDimension(name)
		if !ok {
			return nil, invalid("model.reference_levels: unknown dimension %q", name)
		}
		out[dim] = level
	}
	return out, nil
}

// Vocabulary builds the canonical level set; dimensions not configured keep
// the built-in levels.
func (c *Config) Vocabulary() *deal.Vocabulary {
	levels := make(map[deal.Dimension][]string, len(c.Normalizer.Vocabulary))
	for name, values := range c.Normalizer.Vocabulary {
		if dim, ok := deal.ParseDimension(name); ok {
			levels[dim] = values
		}
	}
	return deal.NewVocabulary(levels)
}

func parseDimensions(names []string) ([]deal.Dimension, error) {
	dims := make([]deal.Dimension, 0, len(names))
	seen := make(map[deal.Dimension]bool, len(names))
	for _, raw := range names {
		dim, ok := deal.ParseDimension(strings.TrimSpace(raw))
		if !ok {
			return nil, fmt.Errorf("unknown dimension %q", raw)
		}
		if seen[dim] {
			return nil, fmt.Errorf("dimension %q repeated", dim)
		}
		seen[dim] = true
		dims = append(dims, dim)
	}
	return dims, nil
}

// LoadRules reads the rule file. Rules live under a top-level "rules" key,
// keyed by rule id.
func LoadRules(path string) ([]rules.Rule, error) {
	if path == "" {
		return nil, invalid("rules file path is required")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: read rules: %v", ErrInvalid, err)
	}

	specs := make(map[string]rules.Spec)
	if err := v.UnmarshalKey("rules", &specs, decodeHook()); err != nil {
		return nil, fmt.Errorf("%w: decode rules: %v", ErrInvalid, err)
	}
	compiled, err := rules.Compile(specs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return compiled, nil
}
