package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
master:
  bind: ":9090"
  secret: s3cret
  debug: true
  debug_queries: 3
  purge: complete
  session_ttl: 2h
  strict_schema: true
client:
  master_url: http://master:9090
  secret: s3cret
  threads: 12
  batch_size: 32
  backpressure_max_wait: 5m
  retain_failed_outputs: true
storage:
  provider: local
  default_bucket: archives
  local:
    base_dir: /data
db:
  dsn: postgres://scanner@db/scanner
  queries_column: ieql
pubsub:
  project_id: proj
  topic_name: completions
logging:
  development: false
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Master.Bind != ":9090" || cfg.Master.Purge != "complete" || !cfg.Master.StrictSchema {
		t.Fatalf("expected master overrides to apply: %+v", cfg.Master)
	}
	if cfg.Master.SessionTTL != 2*time.Hour {
		t.Fatalf("expected session ttl 2h, got %v", cfg.Master.SessionTTL)
	}
	if cfg.Client.Threads != 12 || cfg.Client.BatchSize != 32 || !cfg.Client.RetainFailedOutputs {
		t.Fatalf("expected client overrides to apply: %+v", cfg.Client)
	}
	if cfg.Client.BackpressureMaxWait != 5*time.Minute {
		t.Fatalf("expected backpressure max wait 5m, got %v", cfg.Client.BackpressureMaxWait)
	}
	if cfg.Client.Ceiling != 8 || cfg.Client.DrainMaxIterations != 300 {
		t.Fatalf("expected untouched client defaults: %+v", cfg.Client)
	}
	if cfg.Storage.Provider != ProviderLocal || cfg.Storage.Local.BaseDir != "/data" {
		t.Fatalf("expected local storage: %+v", cfg.Storage)
	}
	if cfg.DB.QueriesColumn != "ieql" || cfg.DB.MaxConns != 4 {
		t.Fatalf("expected db overrides and defaults: %+v", cfg.DB)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("expected logging overrides: %+v", cfg.Logging)
	}
	if err := cfg.ValidateMaster(); err != nil {
		t.Fatalf("ValidateMaster() error = %v", err)
	}
	if err := cfg.ValidateClient(); err != nil {
		t.Fatalf("ValidateClient() error = %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Master.SessionTTL != 48*time.Hour {
		t.Fatalf("expected default session ttl 48h, got %v", cfg.Master.SessionTTL)
	}
	if cfg.Client.Cooldown != 30*time.Second || cfg.Client.FlushEvery != 1000 {
		t.Fatalf("unexpected client defaults: %+v", cfg.Client)
	}
	if cfg.Storage.Provider != ProviderS3 || cfg.Storage.DefaultBucket != "commoncrawl" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if err := cfg.ValidateMaster(); err == nil {
		t.Fatal("expected missing master secret to fail")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SCANNER_MASTER_SECRET", "from-env")
	t.Setenv("SCANNER_CLIENT_THREADS", "7")
	t.Setenv("SCANNER_DB_DSN", "postgres://env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Master.Secret != "from-env" {
		t.Fatalf("expected env secret, got %q", cfg.Master.Secret)
	}
	if cfg.Client.Threads != 7 {
		t.Fatalf("expected env threads 7, got %d", cfg.Client.Threads)
	}
	if cfg.DB.DSN != "postgres://env" {
		t.Fatalf("expected env dsn, got %q", cfg.DB.DSN)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing config file to fail")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		mutate   func(c *Config)
		validate func(c Config) error
		want     string
	}{
		{
			name:   "unknown provider",
			mutate: func(c *Config) { c.Storage.Provider = "ftp" },
			want:   "storage.provider",
		},
		{
			name:   "local without base dir",
			mutate: func(c *Config) { c.Storage.Provider = ProviderLocal },
			want:   "storage.local.base_dir",
		},
		{
			name:   "negative session ttl",
			mutate: func(c *Config) { c.Master.SessionTTL = -time.Second },
			want:   "master.session_ttl",
		},
		{
			name:   "invalid threads",
			mutate: func(c *Config) { c.Client.Threads = 0 },
			want:   "client.threads",
		},
		{
			name:   "invalid ceiling",
			mutate: func(c *Config) { c.Client.Ceiling = 0 },
			want:   "client.ceiling",
		},
		{
			name:   "sample ratio",
			mutate: func(c *Config) { c.Telemetry.SampleRatio = 2 },
			want:   "telemetry.sample_ratio",
		},
		{
			name:     "master secret",
			mutate:   func(*Config) {},
			validate: Config.ValidateMaster,
			want:     "master.secret",
		},
		{
			name: "topic without project",
			mutate: func(c *Config) {
				c.Master.Secret = "x"
				c.PubSub.TopicName = "completions"
			},
			validate: Config.ValidateMaster,
			want:     "pubsub.project_id",
		},
		{
			name:     "client secret",
			mutate:   func(*Config) {},
			validate: Config.ValidateClient,
			want:     "client.secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			validate := tt.validate
			if validate == nil {
				validate = Config.Validate
			}
			err := validate(c)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
