// Package config loads the engine's YAML configuration and builds its
// logger. No package-level globals: the CLI and tests construct their own
// dependencies and pass them to each component constructor.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/onlyfeng/engram-sub004/internal/dberrors"
)

// DatabaseConfig holds Postgres connection settings. At load time a set
// LOGBOOK_DSN overrides DSN; POSTGRES_DSN fills DSN only when it is empty.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ArtifactsConfig selects and configures the artifact-store backend.
type ArtifactsConfig struct {
	Backend        string   `yaml:"backend"` // local | file | object
	Root           string   `yaml:"root"`
	AllowedRoots   []string `yaml:"allowed_roots"`
	AllowedPrefix  []string `yaml:"allowed_prefixes"`
	MaxSizeBytes   int64    `yaml:"max_size_bytes"`
	FileMode       uint32   `yaml:"file_mode"`
	OverwritePolicy string  `yaml:"overwrite_policy"` // allow | deny | allow_same_hash

	ObjectStore ObjectStoreConfig `yaml:"object_store"`
}

// ObjectStoreConfig configures the S3-compatible backend.
type ObjectStoreConfig struct {
	Endpoint           string `yaml:"endpoint"`
	Region             string `yaml:"region"`
	Bucket             string `yaml:"bucket"`
	AccessKeyID        string `yaml:"access_key_id"`
	SecretAccessKey    string `yaml:"secret_access_key"`
	SSE                string `yaml:"sse"`
	StorageClass       string `yaml:"storage_class"`
	ACL                string `yaml:"acl"`
	MultipartThreshold int64  `yaml:"multipart_threshold"`
	MultipartChunkSize int64  `yaml:"multipart_chunk_size"`
	UsePathStyle       bool   `yaml:"use_path_style"`
}

// RedisConfig is the optional fast-path rate-limit cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WorkerConfig holds defaults for the worker loop.
type WorkerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	LeaseSeconds  int           `yaml:"lease_seconds"`
	RenewInterval time.Duration `yaml:"renew_interval"`
	MaxHeartbeatFailures int    `yaml:"max_heartbeat_failures"`
	HealthAddr    string        `yaml:"health_addr"` // "" disables the /healthz+/metrics server
}

// ReaperConfig holds defaults for the reaper pass.
type ReaperConfig struct {
	GraceSeconds       int    `yaml:"grace_seconds"`
	MaxDurationSeconds int    `yaml:"max_duration_seconds"`
	Policy             string `yaml:"policy"` // to_pending | fail_retry | mark_dead
	BatchSize          int    `yaml:"batch_size"`
	HealthAddr         string `yaml:"health_addr"` // "" disables the /healthz+/metrics server

	// KVSweepMaxAge bounds retention of scm.sync_health/scm.sync_pause kv
	// rows; cursor rows (namespace scm.sync) are never swept. Set negative to disable.
	KVSweepMaxAge    time.Duration `yaml:"kv_sweep_max_age"`
	KVSweepBatchSize int           `yaml:"kv_sweep_batch_size"`
}

// LoggingConfig configures the zap sink.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level, YAML-decoded configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Load reads and parses the YAML config file at path, applying defaults for
// any zero-valued field that has a sensible default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dberrors.FailedToWithDetails("read config file", "config", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, dberrors.ConfigurationError(path, err.Error())
	}

	applyDefaults(cfg)

	if dsn := os.Getenv("LOGBOOK_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	} else if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" && cfg.Database.DSN == "" {
		cfg.Database.DSN = dsn
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = "local"
	}
	if cfg.Artifacts.OverwritePolicy == "" {
		cfg.Artifacts.OverwritePolicy = "allow_same_hash"
	}
	if cfg.Artifacts.FileMode == 0 {
		cfg.Artifacts.FileMode = 0o600
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = 2 * time.Second
	}
	if cfg.Worker.LeaseSeconds == 0 {
		cfg.Worker.LeaseSeconds = 300
	}
	if cfg.Worker.RenewInterval == 0 {
		cfg.Worker.RenewInterval = time.Duration(cfg.Worker.LeaseSeconds/5) * time.Second
	}
	if cfg.Worker.MaxHeartbeatFailures == 0 {
		cfg.Worker.MaxHeartbeatFailures = 3
	}
	if cfg.Reaper.GraceSeconds == 0 {
		cfg.Reaper.GraceSeconds = 60
	}
	if cfg.Reaper.MaxDurationSeconds == 0 {
		cfg.Reaper.MaxDurationSeconds = 3600
	}
	if cfg.Reaper.Policy == "" {
		cfg.Reaper.Policy = "to_pending"
	}
	if cfg.Reaper.BatchSize == 0 {
		cfg.Reaper.BatchSize = 100
	}
	if cfg.Reaper.KVSweepMaxAge == 0 {
		cfg.Reaper.KVSweepMaxAge = 7 * 24 * time.Hour
	}
	if cfg.Reaper.KVSweepBatchSize == 0 {
		cfg.Reaper.KVSweepBatchSize = cfg.Reaper.BatchSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
