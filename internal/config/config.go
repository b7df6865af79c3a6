// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the worker.
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`
	DBURL    string `mapstructure:"DB_URL"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	// GitHub App credentials used for installation-token resolution.
	GithubAppID         int64  `mapstructure:"GITHUB_APP_ID"`
	GithubAppPrivateKey string `mapstructure:"GITHUB_APP_PRIVATE_KEY"`
	// Legacy personal access token, only used as a fallback for
	// repositories connected before the App migration.
	GithubToken string `mapstructure:"GITHUB_TOKEN"`

	TemporalAddress   string `mapstructure:"TEMPORAL_ADDRESS"`
	TemporalNamespace string `mapstructure:"TEMPORAL_NAMESPACE"`
	TaskQueue         string `mapstructure:"TASK_QUEUE"`

	FetchTimeout time.Duration `mapstructure:"FETCH_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
}

// LoadConfig reads configuration from a .env file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("TEMPORAL_ADDRESS", "127.0.0.1:7233")
	viper.SetDefault("TEMPORAL_NAMESPACE", "default")
	viper.SetDefault("TASK_QUEUE", "github-mirror")
	viper.SetDefault("FETCH_TIMEOUT", "30s")
	viper.SetDefault("WRITE_TIMEOUT", "15s")

	// Load from .env file if it exists
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	_ = viper.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DBURL == "" {
		return nil, errors.New("DB_URL is a required configuration field")
	}
	if cfg.GithubAppID == 0 && cfg.GithubToken == "" {
		return nil, errors.New("either GITHUB_APP_ID/GITHUB_APP_PRIVATE_KEY or GITHUB_TOKEN must be set")
	}
	if cfg.GithubAppID != 0 && cfg.GithubAppPrivateKey == "" {
		return nil, errors.New("GITHUB_APP_PRIVATE_KEY is required when GITHUB_APP_ID is set")
	}

	return &cfg, nil
}
