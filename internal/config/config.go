// Package config assembles process-wide configuration: defaults
// first, then an
// optional YAML file, then environment variables, all merged through
// viper and unmarshaled into explicit structs.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/sniffler/sniffler-core/internal/model"
)

// Config is the top-level process configuration.
type Config struct {
	DataDir       string         `mapstructure:"data_dir"`
	LogLevel      string         `mapstructure:"log_level"`
	MetricsPort   int            `mapstructure:"metrics_port"`
	MaxMocksPerPort int          `mapstructure:"max_mocks_per_port"`
	Settings      model.Settings `mapstructure:"settings"`
}

// Default returns the built-in configuration used before any file or
// environment override is applied.
func Default() Config {
	return Config{
		DataDir:         ".",
		LogLevel:        "info",
		MetricsPort:     9090,
		MaxMocksPerPort: 500,
		Settings:        model.DefaultSettings(),
	}
}

const envPrefix = "SNIFFLER"

// Load builds a Config from defaults, an optional config file named
// configName (searched for under configPath, any viper-supported
// extension), and SNIFFLER_-prefixed environment variables, in that
// precedence order (lowest to highest): env bound first, file read
// next, then Unmarshal reconciles all three through viper's internal
// precedence.
func Load(configName, configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName(configName)
	v.AddConfigPath(configPath)
	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)

	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("metrics_port", cfg.MetricsPort)
	v.SetDefault("max_mocks_per_port", cfg.MaxMocksPerPort)
	v.SetDefault("settings.auto_save_as_mocks", cfg.Settings.AutoSaveAsMocks)
	v.SetDefault("settings.auto_replace_on_difference", cfg.Settings.AutoReplaceOnDifference)
	v.SetDefault("settings.enable_deduplication", cfg.Settings.EnableDeduplication)
	v.SetDefault("settings.deduplication_window_ms", cfg.Settings.DeduplicationWindowMs)
	v.SetDefault("settings.filter_health_checks", cfg.Settings.FilterHealthChecks)
	v.SetDefault("settings.health_check_queries", cfg.Settings.HealthCheckQueries)
	v.SetDefault("settings.enable_pattern_matching", cfg.Settings.EnablePatternMatching)
	v.SetDefault("settings.max_request_history", cfg.Settings.MaxRequestHistory)
	v.SetDefault("settings.max_mock_history", cfg.Settings.MaxMockHistory)
	v.SetDefault("settings.stale_pending_timeout_ms", cfg.Settings.StalePendingTimeoutMs)
	v.SetDefault("settings.enable_https", cfg.Settings.EnableHTTPS)
	v.SetDefault("settings.global_auto_start", cfg.Settings.GlobalAutoStart)
	v.SetDefault("settings.testing_mode", cfg.Settings.TestingMode)
}
