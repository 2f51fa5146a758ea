package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	wantDB := filepath.Join(cfg.Storage.BaseDir, ".state", "downloads.db")
	if cfg.Database.Path != wantDB {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, wantDB)
	}
	if got := cfg.Download.GetChunkSize(); got != 1024*1024 {
		t.Errorf("GetChunkSize() = %d, want %d", got, 1024*1024)
	}
	if got := cfg.Download.GetGraceDelay(); got != time.Second {
		t.Errorf("GetGraceDelay() = %v, want 1s", got)
	}
	if cfg.Download.MaxStoreFailures != 5 {
		t.Errorf("MaxStoreFailures = %d, want 5", cfg.Download.MaxStoreFailures)
	}
	if got := cfg.Lifecycle.GetCheckInterval(); got != 30*time.Second {
		t.Errorf("GetCheckInterval() = %v, want 30s", got)
	}
	if !cfg.Download.CheckDiskSpace {
		t.Error("CheckDiskSpace should default to true")
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.BindAddr != "127.0.0.1:8080" {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
storage:
  base_dir: /tmp/models
database:
  driver: memory
download:
  chunk_size_kb: 64
  grace_delay: 250ms
  max_concurrent: 2
  headers:
    authorization: Bearer abc
lifecycle:
  check_interval: 5s
  resume_on_foreground: true
logging:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.BaseDir != "/tmp/models" {
		t.Errorf("BaseDir = %q", cfg.Storage.BaseDir)
	}
	if cfg.Database.Path != "" {
		t.Errorf("memory driver should not derive a path, got %q", cfg.Database.Path)
	}
	if got := cfg.Download.GetChunkSize(); got != 64*1024 {
		t.Errorf("GetChunkSize() = %d, want %d", got, 64*1024)
	}
	if got := cfg.Download.GetGraceDelay(); got != 250*time.Millisecond {
		t.Errorf("GetGraceDelay() = %v", got)
	}
	if cfg.Download.MaxConcurrent != 2 {
		t.Errorf("MaxConcurrent = %d", cfg.Download.MaxConcurrent)
	}
	if cfg.Download.Headers["authorization"] != "Bearer abc" {
		t.Errorf("Headers = %v", cfg.Download.Headers)
	}
	if !cfg.Lifecycle.ResumeOnForeground {
		t.Error("ResumeOnForeground not loaded")
	}
	if got := cfg.Lifecycle.GetCheckInterval(); got != 5*time.Second {
		t.Errorf("GetCheckInterval() = %v", got)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MODELDL_STORAGE_BASE_DIR", "/srv/models")
	t.Setenv("MODELDL_DOWNLOAD_MAX_CONCURRENT", "4")
	t.Setenv("MODELDL_LOGGING_LEVEL", "warn")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.BaseDir != "/srv/models" {
		t.Errorf("BaseDir = %q, want /srv/models", cfg.Storage.BaseDir)
	}
	if cfg.Download.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.Download.MaxConcurrent)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func validConfig() *Config {
	return &Config{
		Storage:  StorageConfig{BaseDir: "/models"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "/models/.state/downloads.db"},
		Download: DownloadConfig{ChunkSizeKB: 1024, GraceDelay: "1s"},
		HTTP:     HTTPConfig{Enabled: true, BindAddr: ":8080"},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no base dir", func(c *Config) { c.Storage.BaseDir = "" }, "storage.base_dir"},
		{"bad driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"memory without path", func(c *Config) { c.Database.Driver = "memory"; c.Database.Path = "" }, ""},
		{"zero chunk", func(c *Config) { c.Download.ChunkSizeKB = 0 }, "chunk_size_kb"},
		{"negative concurrency", func(c *Config) { c.Download.MaxConcurrent = -1 }, "max_concurrent"},
		{"negative rate", func(c *Config) { c.Download.MaxBytesPerSecond = -1 }, "max_bytes_per_second"},
		{"negative store failures", func(c *Config) { c.Download.MaxStoreFailures = -1 }, "max_store_failures"},
		{"bad duration", func(c *Config) { c.Download.GraceDelay = "soon" }, "download.grace_delay"},
		{"bad interval", func(c *Config) { c.Lifecycle.CheckInterval = "5" }, "lifecycle.check_interval"},
		{"http without addr", func(c *Config) { c.HTTP.BindAddr = "" }, "http.bind_addr"},
		{"http disabled without addr", func(c *Config) { c.HTTP.Enabled = false; c.HTTP.BindAddr = "" }, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	d := DownloadConfig{StopTimeout: "3s", ResponseHeaderTimeout: "bad", MinFreeSpaceMB: 2}
	if got := d.GetStopTimeout(); got != 3*time.Second {
		t.Errorf("GetStopTimeout() = %v", got)
	}
	if got := d.GetResponseHeaderTimeout(); got != 30*time.Second {
		t.Errorf("GetResponseHeaderTimeout() = %v, want fallback 30s", got)
	}
	if got := d.GetMinFreeSpace(); got != 2*1024*1024 {
		t.Errorf("GetMinFreeSpace() = %d", got)
	}

	h := HTTPConfig{}
	if h.GetReadTimeout() != 30*time.Second || h.GetWriteTimeout() != 30*time.Second || h.GetIdleTimeout() != 60*time.Second {
		t.Errorf("HTTP defaults = %v %v %v", h.GetReadTimeout(), h.GetWriteTimeout(), h.GetIdleTimeout())
	}
}
