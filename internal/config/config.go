// internal/config/config.go
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	DBURL       string `mapstructure:"DB_URL"`
	GithubToken string `mapstructure:"GITHUB_TOKEN"`

	// Sync pipeline knobs.
	BatchSize       int           `mapstructure:"BATCH_SIZE"`
	BatchDelay      time.Duration `mapstructure:"BATCH_DELAY"`
	APIConcurrency  int           `mapstructure:"API_CONCURRENCY"`
	DBConcurrency   int           `mapstructure:"DB_CONCURRENCY"`
	RepoSyncTimeout time.Duration `mapstructure:"REPO_SYNC_TIMEOUT"`
	MaxTreeDepth    int           `mapstructure:"MAX_TREE_DEPTH"`
	ActiveReposOnly bool          `mapstructure:"ACTIVE_REPOS_ONLY"`
	SkipUnchanged   bool          `mapstructure:"SKIP_UNCHANGED"`
	FreshnessSkip   bool          `mapstructure:"FRESHNESS_SKIP"`

	// Optional background resync of these organizations every SyncInterval.
	// Empty list disables the loop; syncs are then HTTP-triggered only.
	OrgsToSync   []string      `mapstructure:"ORGS_TO_SYNC"`
	SyncInterval time.Duration `mapstructure:"SYNC_INTERVAL"`
}

// LoadConfig reads configuration from file and/or environment variables.
func LoadConfig() (*Config, error) {
	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("BATCH_SIZE", 10)
	viper.SetDefault("BATCH_DELAY", "2s")
	viper.SetDefault("API_CONCURRENCY", 10)
	viper.SetDefault("DB_CONCURRENCY", 5)
	viper.SetDefault("REPO_SYNC_TIMEOUT", "30s")
	viper.SetDefault("MAX_TREE_DEPTH", 8)
	viper.SetDefault("ACTIVE_REPOS_ONLY", true)
	viper.SetDefault("SKIP_UNCHANGED", true)
	viper.SetDefault("FRESHNESS_SKIP", false)
	viper.SetDefault("SYNC_INTERVAL", "1h")

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
	if cfg.GithubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is a required configuration field")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("BATCH_SIZE must be a positive integer")
	}
	if cfg.APIConcurrency <= 0 || cfg.DBConcurrency <= 0 {
		return nil, errors.New("API_CONCURRENCY and DB_CONCURRENCY must be positive integers")
	}
	if cfg.MaxTreeDepth <= 0 {
		return nil, errors.New("MAX_TREE_DEPTH must be a positive integer")
	}

	return &cfg, nil
}
