// Package config loads and validates reconciler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/record-reconciler/internal/retry"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Verify    VerifyConfig    `mapstructure:"verify"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig controls access to the relational store.
type DatabaseConfig struct {
	Provider        string        `mapstructure:"provider"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	RecordsTable    string        `mapstructure:"records_table"`
	RegistryTable   string        `mapstructure:"registry_table"`
}

// StorageConfig selects the object store.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// IngestConfig describes the artifact tree written by the scrapers.
type IngestConfig struct {
	RootDir        string   `mapstructure:"root_dir"`
	MetadataFile   string   `mapstructure:"metadata_file"`
	IDFields       []string `mapstructure:"id_fields"`
	VolatileFields []string `mapstructure:"volatile_fields"`
}

// PipelineConfig bounds concurrency, stage time and retries.
type PipelineConfig struct {
	LoadConcurrency   int           `mapstructure:"load_concurrency"`
	UploadConcurrency int           `mapstructure:"upload_concurrency"`
	ScanTimeout       time.Duration `mapstructure:"scan_timeout"`
	LoadTimeout       time.Duration `mapstructure:"load_timeout"`
	UploadTimeout     time.Duration `mapstructure:"upload_timeout"`
	VerifyTimeout     time.Duration `mapstructure:"verify_timeout"`
	RetryMaxAttempts  uint          `mapstructure:"retry_max_attempts"`
	RetryInitial      time.Duration `mapstructure:"retry_initial_interval"`
	RetryMax          time.Duration `mapstructure:"retry_max_interval"`
	UploadRPS         float64       `mapstructure:"upload_rps"`
	UploadBurst       int           `mapstructure:"upload_burst"`
}

// VerifyConfig tunes the reconciliation sweep.
type VerifyConfig struct {
	CheckLive bool          `mapstructure:"check_live"`
	Repair    bool          `mapstructure:"repair"`
	Lookback  time.Duration `mapstructure:"lookback"`
}

// SchedulerConfig defines cadences and the operating window.
type SchedulerConfig struct {
	Timezone    string        `mapstructure:"timezone"`
	WindowStart string        `mapstructure:"window_start"`
	WindowEnd   string        `mapstructure:"window_end"`
	Weekdays    []string      `mapstructure:"weekdays"`
	FullCron    string        `mapstructure:"full_cron"`
	VerifyCron  string        `mapstructure:"verify_cron"`
	Platforms   []string      `mapstructure:"platforms"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
}

// ServerConfig controls the ops HTTP server of the scheduler daemon.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PubSubConfig holds metadata for run summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RECONCILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.provider", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.records_table", "records")
	v.SetDefault("database.registry_table", "registry")
	v.SetDefault("storage.provider", "gcs")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "data/objects")
	v.SetDefault("ingest.root_dir", "data/ingest")
	v.SetDefault("ingest.metadata_file", "metadata.json")
	v.SetDefault("ingest.id_fields", []string{"record_id", "numero_radicado"})
	v.SetDefault("ingest.volatile_fields", []string{
		"fecha_extraccion", "extracted_at", "processed_at",
		"source_file", "archivo_origen", "pdf_path", "ruta_pdf",
	})
	v.SetDefault("pipeline.load_concurrency", 4)
	v.SetDefault("pipeline.upload_concurrency", 4)
	v.SetDefault("pipeline.scan_timeout", "5m")
	v.SetDefault("pipeline.load_timeout", "30m")
	v.SetDefault("pipeline.upload_timeout", "1h")
	v.SetDefault("pipeline.verify_timeout", "10m")
	v.SetDefault("pipeline.retry_max_attempts", 4)
	v.SetDefault("pipeline.retry_initial_interval", "250ms")
	v.SetDefault("pipeline.retry_max_interval", "5s")
	v.SetDefault("pipeline.upload_rps", 0)
	v.SetDefault("pipeline.upload_burst", 1)
	v.SetDefault("verify.check_live", false)
	v.SetDefault("verify.repair", true)
	v.SetDefault("verify.lookback", "0s")
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.window_start", "")
	v.SetDefault("scheduler.window_end", "")
	v.SetDefault("scheduler.weekdays", []string{})
	v.SetDefault("scheduler.full_cron", "0 2 * * *")
	v.SetDefault("scheduler.verify_cron", "*/30 * * * *")
	v.SetDefault("scheduler.platforms", []string{})
	v.SetDefault("scheduler.run_timeout", "2h")
	v.SetDefault("server.port", 8080)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Database.Provider {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres provider")
		}
	case "memory":
	default:
		return fmt.Errorf("database.provider must be postgres or memory, got %q", c.Database.Provider)
	}
	switch c.Storage.Provider {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs provider")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local provider")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.provider must be gcs, local or memory, got %q", c.Storage.Provider)
	}
	if c.Ingest.RootDir == "" {
		return fmt.Errorf("ingest.root_dir is required")
	}
	if c.Pipeline.LoadConcurrency <= 0 || c.Pipeline.UploadConcurrency <= 0 {
		return fmt.Errorf("pipeline concurrency must be > 0")
	}
	if c.Pipeline.UploadRPS < 0 {
		return fmt.Errorf("pipeline.upload_rps must be >= 0")
	}
	if c.Pipeline.RetryMaxAttempts == 0 {
		return fmt.Errorf("pipeline.retry_max_attempts must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// RetryPolicy converts the pipeline retry settings.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.Pipeline.RetryMaxAttempts,
		InitialInterval: c.Pipeline.RetryInitial,
		MaxInterval:     c.Pipeline.RetryMax,
	}
}

// Location resolves the scheduler timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}
