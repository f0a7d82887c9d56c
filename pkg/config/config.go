// Package config loads and validates process configuration, following the
// teacher's own layered approach: viper binds environment variables and an
// optional YAML file over compiled-in defaults, mapstructure decode hooks
// translate human-readable byte sizes and durations, and
// go-playground/validator enforces the resulting struct's invariants.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/yingcaihuang/invoice-pretty/internal/bytesize"
)

// envPrefix namespaces every recognized environment variable, e.g.
// INVOICEPRESS_STORAGE_ROOT, INVOICEPRESS_SCHEDULER_WORKERS.
const envPrefix = "INVOICEPRESS"

// Config is the complete process configuration.
//
// Precedence, highest to lowest: environment variables > YAML config
// file > compiled-in defaults. Load builds its own viper instance and
// binds no CLI flags into Config.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Upload    UploadConfig    `mapstructure:"upload" yaml:"upload"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Layout    LayoutConfig    `mapstructure:"layout" yaml:"layout"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls the internal/logger facade.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig controls the Job-Lifecycle API surface's HTTP listener.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// StorageConfig selects and configures the Storage Manager backend.
type StorageConfig struct {
	// Backend is "local" or "s3".
	Backend string `mapstructure:"backend" validate:"required,oneof=local s3" yaml:"backend"`
	Root    string `mapstructure:"root" yaml:"root"`

	S3Bucket string `mapstructure:"s3_bucket" yaml:"s3_bucket"`
	S3Region string `mapstructure:"s3_region" yaml:"s3_region"`
}

// RegistryConfig selects and configures the Task Registry backend.
type RegistryConfig struct {
	// Backend is "memory" or "badger".
	Backend    string        `mapstructure:"backend" validate:"required,oneof=memory badger" yaml:"backend"`
	BadgerPath string        `mapstructure:"badger_path" yaml:"badger_path"`
	TTLComplete time.Duration `mapstructure:"ttl_completed" yaml:"ttl_completed"`
	TTLFailed   time.Duration `mapstructure:"ttl_failed" yaml:"ttl_failed"`
	TTLExpired  time.Duration `mapstructure:"ttl_expired" yaml:"ttl_expired"`
	TTLCancelled time.Duration `mapstructure:"ttl_cancelled" yaml:"ttl_cancelled"`
}

// UploadConfig bounds admitted uploads, per §4.E's per-file validation.
type UploadConfig struct {
	MaxFileSize       bytesize.ByteSize `mapstructure:"max_file_size" yaml:"max_file_size"`
	AllowedExtensions []string          `mapstructure:"allowed_extensions" yaml:"allowed_extensions"`

	ArchiveMaxEntryBytes    bytesize.ByteSize `mapstructure:"archive_max_entry_bytes" yaml:"archive_max_entry_bytes"`
	ArchiveMaxTotalBytes    bytesize.ByteSize `mapstructure:"archive_max_total_bytes" yaml:"archive_max_total_bytes"`
	ArchiveMaxCompressRatio int64             `mapstructure:"archive_max_compress_ratio" yaml:"archive_max_compress_ratio"`
	ArchiveMaxEntries       int               `mapstructure:"archive_max_entries" yaml:"archive_max_entries"`
}

// SchedulerConfig controls the worker pool. Its keys are read from the
// YAML scheduler section or from INVOICEPRESS_SCHEDULER_* environment
// variables (e.g. INVOICEPRESS_SCHEDULER_WORKERS); unprefixed names such
// as MAX_CONCURRENT_TASKS are not read.
type SchedulerConfig struct {
	Workers          int           `mapstructure:"workers" validate:"min=1" yaml:"workers"`
	QueueCapacity    int           `mapstructure:"queue_capacity" validate:"min=1" yaml:"queue_capacity"`
	SoftTimeout      time.Duration `mapstructure:"soft_timeout" yaml:"soft_timeout"`
	HardTimeout      time.Duration `mapstructure:"hard_timeout" yaml:"hard_timeout"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	RetentionHorizon time.Duration `mapstructure:"retention_horizon" yaml:"retention_horizon"`
	FairScheduling   bool          `mapstructure:"fair_scheduling" yaml:"fair_scheduling"`
	MaxJobsPerWorker int           `mapstructure:"max_jobs_per_worker" yaml:"max_jobs_per_worker"`
}

// LayoutConfig mirrors the imposition engine's named options (§4.A).
type LayoutConfig struct {
	PageWidthMM       float64 `mapstructure:"page_width_mm" yaml:"page_width_mm"`
	PageHeightMM      float64 `mapstructure:"page_height_mm" yaml:"page_height_mm"`
	Columns           int     `mapstructure:"columns" validate:"min=1" yaml:"columns"`
	Rows              int     `mapstructure:"rows" validate:"min=1" yaml:"rows"`
	MarginMM          float64 `mapstructure:"margin_mm" yaml:"margin_mm"`
	GutterMM          float64 `mapstructure:"gutter_mm" yaml:"gutter_mm"`
	MinDPI            int     `mapstructure:"min_dpi" yaml:"min_dpi"`
	MaxEstimatedBytes int64   `mapstructure:"max_estimated_bytes" yaml:"max_estimated_bytes"`
}

// MetricsConfig controls the Prometheus /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the specification's documented defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills any zero-valued field with the specification's
// documented default, mirroring the teacher's ApplyDefaults pass that
// runs after viper unmarshalling.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.DrainTimeout == 0 {
		cfg.Server.DrainTimeout = 30 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = "./data"
	}

	if cfg.Registry.Backend == "" {
		cfg.Registry.Backend = "memory"
	}
	if cfg.Registry.BadgerPath == "" {
		cfg.Registry.BadgerPath = "./data/registry"
	}
	if cfg.Registry.TTLComplete == 0 {
		cfg.Registry.TTLComplete = 24 * time.Hour
	}
	if cfg.Registry.TTLFailed == 0 {
		cfg.Registry.TTLFailed = 24 * time.Hour
	}
	if cfg.Registry.TTLExpired == 0 {
		cfg.Registry.TTLExpired = 6 * time.Hour
	}
	if cfg.Registry.TTLCancelled == 0 {
		cfg.Registry.TTLCancelled = 6 * time.Hour
	}

	if cfg.Upload.MaxFileSize == 0 {
		cfg.Upload.MaxFileSize = bytesize.ByteSize(50 << 20) // 50MiB
	}
	if len(cfg.Upload.AllowedExtensions) == 0 {
		cfg.Upload.AllowedExtensions = []string{"pdf", "zip"}
	}
	if cfg.Upload.ArchiveMaxEntryBytes == 0 {
		cfg.Upload.ArchiveMaxEntryBytes = bytesize.ByteSize(50 << 20)
	}
	if cfg.Upload.ArchiveMaxTotalBytes == 0 {
		cfg.Upload.ArchiveMaxTotalBytes = bytesize.ByteSize(200 << 20)
	}
	if cfg.Upload.ArchiveMaxCompressRatio == 0 {
		cfg.Upload.ArchiveMaxCompressRatio = 200
	}
	if cfg.Upload.ArchiveMaxEntries == 0 {
		cfg.Upload.ArchiveMaxEntries = 500
	}

	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = 4
	}
	if cfg.Scheduler.QueueCapacity == 0 {
		cfg.Scheduler.QueueCapacity = 256
	}
	if cfg.Scheduler.SoftTimeout == 0 {
		cfg.Scheduler.SoftTimeout = 55 * time.Minute
	}
	if cfg.Scheduler.HardTimeout == 0 {
		cfg.Scheduler.HardTimeout = 60 * time.Minute
	}
	if cfg.Scheduler.CleanupInterval == 0 {
		cfg.Scheduler.CleanupInterval = 6 * time.Hour
	}
	if cfg.Scheduler.RetentionHorizon == 0 {
		cfg.Scheduler.RetentionHorizon = 24 * time.Hour
	}

	if cfg.Layout.PageWidthMM == 0 {
		cfg.Layout.PageWidthMM = 210
	}
	if cfg.Layout.PageHeightMM == 0 {
		cfg.Layout.PageHeightMM = 297
	}
	if cfg.Layout.Columns == 0 {
		cfg.Layout.Columns = 2
	}
	if cfg.Layout.Rows == 0 {
		cfg.Layout.Rows = 4
	}
	if cfg.Layout.MarginMM == 0 {
		cfg.Layout.MarginMM = 10
	}
	if cfg.Layout.GutterMM == 0 {
		cfg.Layout.GutterMM = 5
	}
	if cfg.Layout.MinDPI == 0 {
		cfg.Layout.MinDPI = 300
	}
	if cfg.Layout.MaxEstimatedBytes == 0 {
		cfg.Layout.MaxEstimatedBytes = 2 << 30
	}
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if cfg.Storage.Backend == "s3" && cfg.Storage.S3Bucket == "" {
		return fmt.Errorf("configuration validation failed: storage.s3_bucket is required when storage.backend is s3")
	}
	return nil
}

// Load reads configuration from compiled-in defaults, an optional YAML
// file, and environment variables prefixed with INVOICEPRESS_, in that
// ascending order of precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("invoicepress")
		v.SetConfigType("yaml")
	}
}

// registerDefaults seeds viper's own settings map with every key Config
// declares, via SetDefault rather than BindEnv per-key: viper's
// AutomaticEnv only resolves INVOICEPRESS_* environment variables for
// keys it already knows about (documented viper behavior — it does not
// retroactively scan the environment for arbitrary keys at Unmarshal
// time), so without this step an env-var-only deployment (no YAML file
// present) would Unmarshal into a zero-value Config regardless of what
// is exported in the process environment. Defaults mirror ApplyDefaults;
// duplicating them here is what makes every key visible to viper before
// Unmarshal runs, with ApplyDefaults left in place as a second,
// independent safety net for any field that still decodes to its zero
// value (e.g. when a caller hand-builds a Config outside of Load).
func registerDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.drain_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.root", "./data")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_region", "")

	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.badger_path", "./data/registry")
	v.SetDefault("registry.ttl_completed", 24*time.Hour)
	v.SetDefault("registry.ttl_failed", 24*time.Hour)
	v.SetDefault("registry.ttl_expired", 6*time.Hour)
	v.SetDefault("registry.ttl_cancelled", 6*time.Hour)

	v.SetDefault("upload.max_file_size", int64(50<<20))
	v.SetDefault("upload.allowed_extensions", []string{"pdf", "zip"})
	v.SetDefault("upload.archive_max_entry_bytes", int64(50<<20))
	v.SetDefault("upload.archive_max_total_bytes", int64(200<<20))
	v.SetDefault("upload.archive_max_compress_ratio", int64(200))
	v.SetDefault("upload.archive_max_entries", 500)

	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.queue_capacity", 256)
	v.SetDefault("scheduler.soft_timeout", 55*time.Minute)
	v.SetDefault("scheduler.hard_timeout", 60*time.Minute)
	v.SetDefault("scheduler.cleanup_interval", 6*time.Hour)
	v.SetDefault("scheduler.retention_horizon", 24*time.Hour)
	v.SetDefault("scheduler.fair_scheduling", false)
	v.SetDefault("scheduler.max_jobs_per_worker", 0)

	v.SetDefault("layout.page_width_mm", 210.0)
	v.SetDefault("layout.page_height_mm", 297.0)
	v.SetDefault("layout.columns", 2)
	v.SetDefault("layout.rows", 4)
	v.SetDefault("layout.margin_mm", 10.0)
	v.SetDefault("layout.gutter_mm", 5.0)
	v.SetDefault("layout.min_dpi", 300)
	v.SetDefault("layout.max_estimated_bytes", int64(2<<30))

	v.SetDefault("metrics.enabled", false)
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

// decodeHooks composes the mapstructure decode hooks that let config
// files and environment variables express byte sizes ("50MB") and
// durations ("55m") as plain strings.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return bytesize.ParseByteSize(val)
		case int:
			return bytesize.ByteSize(val), nil
		case int64:
			return bytesize.ByteSize(val), nil
		case float64:
			return bytesize.ByteSize(val), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return time.ParseDuration(val)
		case int:
			return time.Duration(val), nil
		case int64:
			return time.Duration(val), nil
		case float64:
			return time.Duration(val), nil
		default:
			return data, nil
		}
	}
}
