package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantErr bool
	}{
		{"debug", false},
		{"info", false},
		{"warn", false},
		{"error", false},
		{"verbose", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			_, err := parseLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
		})
	}
}

func TestInit(t *testing.T) {
	if err := Init("info", "json"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if GetZapLogger() == nil || Log == nil {
		t.Fatal("Init() did not set the global logger")
	}
	if err := Init("loud", "json"); err == nil {
		t.Error("Init() should reject an unknown level")
	}
}

func TestInitWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model-downloader.log")
	if err := InitWithOptions(Options{Level: "debug", Format: "text", File: path, MaxSizeMB: 1}); err != nil {
		t.Fatalf("InitWithOptions() error = %v", err)
	}

	GetZapLogger().Info("written to file")
	_ = Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"written to file"`) {
		t.Errorf("log file content = %q", data)
	}
}
