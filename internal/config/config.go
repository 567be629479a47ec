// Package config loads and validates scanner configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SCANNER_MASTER_SECRET.
const EnvPrefix = "SCANNER"

// Storage providers.
const (
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderLocal = "local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Master    MasterConfig    `mapstructure:"master"`
	Client    ClientConfig    `mapstructure:"client"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// MasterConfig controls the coordinator and its HTTP server.
type MasterConfig struct {
	Bind             string        `mapstructure:"bind"`
	Secret           string        `mapstructure:"secret"`
	Debug            bool          `mapstructure:"debug"`
	DebugQueries     int           `mapstructure:"debug_queries"`
	DebugLocator     string        `mapstructure:"debug_locator"`
	Purge            string        `mapstructure:"purge"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	StrictSchema     bool          `mapstructure:"strict_schema"`
	OutputQueueDepth int           `mapstructure:"output_queue_depth"`
	IngestWait       time.Duration `mapstructure:"ingest_wait"`
	MaxOutputBytes   int64         `mapstructure:"max_output_bytes"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	RegisterRPS      float64       `mapstructure:"register_rps"`
	RegisterBurst    int           `mapstructure:"register_burst"`
}

// ClientConfig governs the worker pipeline.
type ClientConfig struct {
	MasterURL            string        `mapstructure:"master_url"`
	Secret               string        `mapstructure:"secret"`
	Threads              int           `mapstructure:"threads"`
	BatchSize            int           `mapstructure:"batch_size"`
	Ceiling              int           `mapstructure:"ceiling"`
	BackpressureInterval time.Duration `mapstructure:"backpressure_interval"`
	BackpressureMaxWait  time.Duration `mapstructure:"backpressure_max_wait"`
	FlushEvery           int           `mapstructure:"flush_every"`
	DrainMaxIterations   int           `mapstructure:"drain_max_iterations"`
	DrainInterval        time.Duration `mapstructure:"drain_interval"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	ChunkSize            int           `mapstructure:"chunk_size"`
	RetainFailedOutputs  bool          `mapstructure:"retain_failed_outputs"`
	MetricsAddr          string        `mapstructure:"metrics_addr"`
	HTTPTimeout          time.Duration `mapstructure:"http_timeout"`
}

// StorageConfig selects where workers read archives from.
type StorageConfig struct {
	Provider      string           `mapstructure:"provider"`
	DefaultBucket string           `mapstructure:"default_bucket"`
	S3            S3Config         `mapstructure:"s3"`
	Local         LocalConfig      `mapstructure:"local"`
	GCS           GCSStorageConfig `mapstructure:"gcs"`
}

// S3Config configures the S3 archive source.
type S3Config struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	Anonymous bool   `mapstructure:"anonymous"`
	PathStyle bool   `mapstructure:"path_style"`
}

// LocalConfig configures the filesystem archive source.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSStorageConfig configures the GCS archive source.
type GCSStorageConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Anonymous bool   `mapstructure:"anonymous"`
}

// DBConfig controls access to the relational database. An empty DSN runs the
// master on the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	QueriesColumn   string        `mapstructure:"queries_column"`
}

// PubSubConfig holds metadata for completion notices.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// NewViper returns a Viper instance with defaults and environment overrides
// applied. Callers may bind flags to it before calling Read.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return Read(NewViper(), path)
}

// Read decodes v, first merging the config file at path when it is set.
func Read(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key, blank ones included, so that environment
// overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("master.bind", ":8080")
	v.SetDefault("master.secret", "")
	v.SetDefault("master.debug", false)
	v.SetDefault("master.debug_queries", 0)
	v.SetDefault("master.debug_locator", "")
	v.SetDefault("master.strict_schema", false)
	v.SetDefault("master.purge", "none")
	v.SetDefault("master.session_ttl", "48h")
	v.SetDefault("master.output_queue_depth", 1024)
	v.SetDefault("master.ingest_wait", "30s")
	v.SetDefault("master.max_output_bytes", 64<<20)
	v.SetDefault("master.request_timeout", "60s")
	v.SetDefault("master.register_rps", 0.0)
	v.SetDefault("master.register_burst", 10)
	v.SetDefault("client.master_url", "http://localhost:8080")
	v.SetDefault("client.secret", "")
	v.SetDefault("client.metrics_addr", "")
	v.SetDefault("client.threads", 4)
	v.SetDefault("client.batch_size", 64)
	v.SetDefault("client.ceiling", 8)
	v.SetDefault("client.backpressure_interval", "1s")
	v.SetDefault("client.backpressure_max_wait", "0s")
	v.SetDefault("client.flush_every", 1000)
	v.SetDefault("client.drain_max_iterations", 300)
	v.SetDefault("client.drain_interval", "1s")
	v.SetDefault("client.cooldown", "30s")
	v.SetDefault("client.chunk_size", 64*1024)
	v.SetDefault("client.retain_failed_outputs", false)
	v.SetDefault("client.http_timeout", "30s")
	v.SetDefault("storage.provider", ProviderS3)
	v.SetDefault("storage.default_bucket", "commoncrawl")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.anonymous", true)
	v.SetDefault("storage.s3.path_style", false)
	v.SetDefault("storage.gcs.endpoint", "")
	v.SetDefault("storage.gcs.anonymous", false)
	v.SetDefault("storage.local.base_dir", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.queries_column", "definition")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("telemetry.service_name", "archive-scanner")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces limits shared by both roles.
func (c Config) Validate() error {
	switch c.Storage.Provider {
	case ProviderS3, ProviderGCS, ProviderLocal:
	default:
		return fmt.Errorf("storage.provider must be one of s3, gcs, local; got %q", c.Storage.Provider)
	}
	if c.Storage.Provider == ProviderLocal && c.Storage.Local.BaseDir == "" {
		return fmt.Errorf("storage.local.base_dir must be set when storage.provider is local")
	}
	if c.Master.SessionTTL < 0 {
		return fmt.Errorf("master.session_ttl must be >= 0")
	}
	if c.Master.RegisterRPS < 0 {
		return fmt.Errorf("master.register_rps must be >= 0")
	}
	if c.Master.DebugQueries < 0 {
		return fmt.Errorf("master.debug_queries must be >= 0")
	}
	if c.Client.Threads <= 0 {
		return fmt.Errorf("client.threads must be > 0")
	}
	if c.Client.BatchSize <= 0 {
		return fmt.Errorf("client.batch_size must be > 0")
	}
	if c.Client.Ceiling <= 0 {
		return fmt.Errorf("client.ceiling must be > 0")
	}
	if c.Client.FlushEvery <= 0 {
		return fmt.Errorf("client.flush_every must be > 0")
	}
	if c.Client.BackpressureMaxWait < 0 {
		return fmt.Errorf("client.backpressure_max_wait must be >= 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// ValidateMaster enforces values the master cannot start without.
func (c Config) ValidateMaster() error {
	if c.Master.Secret == "" {
		return fmt.Errorf("master.secret must be set")
	}
	if c.Master.Bind == "" {
		return fmt.Errorf("master.bind must be set")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// ValidateClient enforces values a worker cannot start without.
func (c Config) ValidateClient() error {
	if c.Client.Secret == "" {
		return fmt.Errorf("client.secret must be set")
	}
	if c.Client.MasterURL == "" {
		return fmt.Errorf("client.master_url must be set")
	}
	return nil
}
