package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestNewLogger_Defaults(t *testing.T) {
	v := viper.New()
	v.Set("logging.level", "info")
	v.Set("logging.format", "json")

	logger, err := NewLogger(v)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer func() { _ = logger.Sync() }()
}

func TestNewLogger_Console(t *testing.T) {
	v := viper.New()
	v.Set("logging.level", "debug")
	v.Set("logging.format", "console")

	if _, err := NewLogger(v); err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netpilot.log")
	v := viper.New()
	v.Set("logging.level", "info")
	v.Set("logging.format", "json")
	v.Set("logging.file", path)

	logger, err := NewLogger(v)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("startup complete")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "startup complete") {
		t.Errorf("log file missing entry: %q", string(data))
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	v := viper.New()
	v.Set("logging.level", "loud")
	v.Set("logging.format", "json")

	if _, err := NewLogger(v); err == nil {
		t.Error("NewLogger accepted invalid level, want error")
	}
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	v := viper.New()
	v.Set("logging.level", "info")
	v.Set("logging.format", "xml")

	if _, err := NewLogger(v); err == nil {
		t.Error("NewLogger accepted invalid format, want error")
	}
}

func TestLoad_Defaults(t *testing.T) {
	v, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := v.GetInt("engine.retry.max_attempts"); got != 2 {
		t.Errorf("engine.retry.max_attempts = %d, want 2", got)
	}
	if got := v.GetString("telegram.daily_summary.timezone"); got != "UTC" {
		t.Errorf("telegram.daily_summary.timezone = %q, want UTC", got)
	}
	if got := v.GetInt("health.warning_latency_ms"); got != 90 {
		t.Errorf("health.warning_latency_ms = %d, want 90", got)
	}
}
