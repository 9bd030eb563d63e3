// Package config loads NetPilot configuration from file and environment
// and builds the root logger.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from the given file (or the default search
// paths when empty) and environment variables with the NETPILOT_ prefix.
func Load(configPath string) (*viper.Viper, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("database.path", "./netpilot.db")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8086)
	v.SetDefault("server.rate_limit_rps", 10)
	v.SetDefault("server.rate_limit_burst", 20)

	v.SetDefault("engine.default_timeout", "60s")
	v.SetDefault("engine.workers", 8)
	v.SetDefault("engine.retry.enabled", true)
	v.SetDefault("engine.retry.delay", "10m")
	v.SetDefault("engine.retry.max_attempts", 2)

	v.SetDefault("health.interval", "5m")
	v.SetDefault("health.ping_timeout", "3s")
	v.SetDefault("health.ping_count", 1)
	v.SetDefault("health.warning_latency_ms", 90)
	v.SetDefault("health.workers", 16)

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.cooldown", "15m")
	v.SetDefault("telegram.send_rate_per_sec", 0.5)
	v.SetDefault("telegram.daily_summary.enabled", true)
	v.SetDefault("telegram.daily_summary.hour", 9)
	v.SetDefault("telegram.daily_summary.minute", 0)
	v.SetDefault("telegram.daily_summary.timezone", "UTC")
	v.SetDefault("telegram.severity_tiers.critical.valid_days_at_most", 1)
	v.SetDefault("telegram.severity_tiers.critical.data_below_mb", 300)
	v.SetDefault("telegram.severity_tiers.high.valid_days_at_most", 3)
	v.SetDefault("telegram.severity_tiers.high.data_below_mb", 1024)
	v.SetDefault("telegram.severity_tiers.medium.valid_days_at_most", 7)
	v.SetDefault("telegram.severity_tiers.medium.data_below_mb", 2048)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("netpilot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/netpilot")
	}

	// Environment variable support: NETPILOT_TELEGRAM_TOKEN=...
	v.SetEnvPrefix("NETPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// Config file not found is fine -- use defaults
	}

	return v, nil
}
