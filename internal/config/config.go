package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MODELDL_STORAGE_BASE_DIR
const EnvPrefix = "MODELDL"

// Config represents the entire application configuration
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Download  DownloadConfig  `mapstructure:"download"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StorageConfig contains model storage settings
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig contains state store settings
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"`
	Path          string `mapstructure:"path"`
	BusyTimeoutMs int    `mapstructure:"busy_timeout_ms"`
}

// DownloadConfig contains transfer settings
type DownloadConfig struct {
	ChunkSizeKB           int               `mapstructure:"chunk_size_kb"`
	GraceDelay            string            `mapstructure:"grace_delay"`
	MaxConcurrent         int               `mapstructure:"max_concurrent"`
	MaxBytesPerSecond     int64             `mapstructure:"max_bytes_per_second"`
	UserAgent             string            `mapstructure:"user_agent"`
	ResponseHeaderTimeout string            `mapstructure:"response_header_timeout"`
	StopTimeout           string            `mapstructure:"stop_timeout"`
	MaxStoreFailures      int               `mapstructure:"max_store_failures"`
	MinFreeSpaceMB        int64             `mapstructure:"min_free_space_mb"`
	CheckDiskSpace        bool              `mapstructure:"check_disk_space"`
	ProgressLogInterval   string            `mapstructure:"progress_log_interval"`
	Headers               map[string]string `mapstructure:"headers"`
}

// LifecycleConfig contains background/foreground settings
type LifecycleConfig struct {
	CheckInterval      string `mapstructure:"check_interval"`
	ResumeOnForeground bool   `mapstructure:"resume_on_foreground"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	BindAddr     string `mapstructure:"bind_addr"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	IdleTimeout  string `mapstructure:"idle_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.base_dir", "/var/lib/model-downloader/models")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("download.chunk_size_kb", 1024)
	v.SetDefault("download.grace_delay", "1s")
	v.SetDefault("download.max_concurrent", 0)
	v.SetDefault("download.max_bytes_per_second", 0)
	v.SetDefault("download.user_agent", "model-downloader/1.0")
	v.SetDefault("download.response_header_timeout", "30s")
	v.SetDefault("download.stop_timeout", "10s")
	v.SetDefault("download.max_store_failures", 5)
	v.SetDefault("download.min_free_space_mb", 0)
	v.SetDefault("download.check_disk_space", true)
	v.SetDefault("download.progress_log_interval", "5s")
	v.SetDefault("lifecycle.check_interval", "30s")
	v.SetDefault("lifecycle.resume_on_foreground", false)
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.bind_addr", "127.0.0.1:8080")
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
}

// Load loads configuration from the specified file path. An empty path uses
// defaults and environment overrides only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Database.Path == "" && config.Database.Driver == "sqlite" {
		config.Database.Path = filepath.Join(config.Storage.BaseDir, ".state", "downloads.db")
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid database.driver: %s", c.Database.Driver)
	}
	if c.Database.BusyTimeoutMs < 0 {
		return fmt.Errorf("database.busy_timeout_ms must not be negative")
	}

	if c.Download.ChunkSizeKB <= 0 {
		return fmt.Errorf("download.chunk_size_kb must be positive")
	}
	if c.Download.MaxConcurrent < 0 {
		return fmt.Errorf("download.max_concurrent must not be negative")
	}
	if c.Download.MaxBytesPerSecond < 0 {
		return fmt.Errorf("download.max_bytes_per_second must not be negative")
	}
	if c.Download.MaxStoreFailures < 0 {
		return fmt.Errorf("download.max_store_failures must not be negative")
	}
	if c.Download.MinFreeSpaceMB < 0 {
		return fmt.Errorf("download.min_free_space_mb must not be negative")
	}

	durations := map[string]string{
		"download.grace_delay":             c.Download.GraceDelay,
		"download.response_header_timeout": c.Download.ResponseHeaderTimeout,
		"download.stop_timeout":            c.Download.StopTimeout,
		"download.progress_log_interval":   c.Download.ProgressLogInterval,
		"lifecycle.check_interval":         c.Lifecycle.CheckInterval,
		"http.read_timeout":                c.HTTP.ReadTimeout,
		"http.write_timeout":               c.HTTP.WriteTimeout,
		"http.idle_timeout":                c.HTTP.IdleTimeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	if c.HTTP.Enabled && c.HTTP.BindAddr == "" {
		return fmt.Errorf("http.bind_addr is required when http is enabled")
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
		// Valid formats
	default:
		return fmt.Errorf("invalid logging.format: %s", c.Logging.Format)
	}

	return nil
}

func durationOr(s string, def time.Duration) time.Duration {
	d, _ := time.ParseDuration(s)
	if d <= 0 {
		return def
	}
	return d
}

// GetChunkSize returns the chunk size in bytes
func (c *DownloadConfig) GetChunkSize() int {
	if c.ChunkSizeKB <= 0 {
		return 1024 * 1024 // 1MB default
	}
	return c.ChunkSizeKB * 1024
}

// GetGraceDelay returns how long a finished record stays visible
func (c *DownloadConfig) GetGraceDelay() time.Duration {
	return durationOr(c.GraceDelay, time.Second)
}

// GetResponseHeaderTimeout returns the response header timeout as time.Duration
func (c *DownloadConfig) GetResponseHeaderTimeout() time.Duration {
	return durationOr(c.ResponseHeaderTimeout, 30*time.Second)
}

// GetStopTimeout returns how long pause and cancel wait for a transfer to stop
func (c *DownloadConfig) GetStopTimeout() time.Duration {
	return durationOr(c.StopTimeout, 10*time.Second)
}

// GetProgressLogInterval returns the minimum gap between progress log lines per model
func (c *DownloadConfig) GetProgressLogInterval() time.Duration {
	return durationOr(c.ProgressLogInterval, 5*time.Second)
}

// GetMinFreeSpace returns the free space to keep in bytes
func (c *DownloadConfig) GetMinFreeSpace() int64 {
	return c.MinFreeSpaceMB * 1024 * 1024
}

// GetCheckInterval returns the background check interval as time.Duration
func (c *LifecycleConfig) GetCheckInterval() time.Duration {
	return durationOr(c.CheckInterval, 30*time.Second)
}

// GetReadTimeout returns the read timeout as time.Duration
func (c *HTTPConfig) GetReadTimeout() time.Duration {
	return durationOr(c.ReadTimeout, 30*time.Second)
}

// GetWriteTimeout returns the write timeout as time.Duration
func (c *HTTPConfig) GetWriteTimeout() time.Duration {
	return durationOr(c.WriteTimeout, 30*time.Second)
}

// GetIdleTimeout returns the idle timeout as time.Duration
func (c *HTTPConfig) GetIdleTimeout() time.Duration {
	return durationOr(c.IdleTimeout, 60*time.Second)
}
