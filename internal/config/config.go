package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the tuning knobs for the client core.
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Prefetch PrefetchConfig `toml:"prefetch"`
	Retry    RetryConfig    `toml:"retry"`
	Behavior BehaviorConfig `toml:"behavior"`
	API      APIConfig      `toml:"api"`
	Log      LogConfig      `toml:"log"`
}

// StorageConfig configures the persistent cache store.
type StorageConfig struct {
	Path               string `toml:"path"`
	MaxBytes           int64  `toml:"max_bytes"`
	CompressThreshold  int    `toml:"compress_threshold"`
	PerConversationCap int    `toml:"per_conversation_cap"`
	HealthMaxAgeHours  int    `toml:"health_max_age_hours"`
}

// PrefetchConfig configures the prefetch scheduler.
type PrefetchConfig struct {
	MaxConcurrent int `toml:"max_concurrent"`
	HoverDelayMs  int `toml:"hover_delay_ms"`
	TopCount      int `toml:"top_count"`
	ScrollCount   int `toml:"scroll_count"`
	FetchLimit    int `toml:"fetch_limit"`
}

// RetryConfig configures optimistic-send retry behavior.
type RetryConfig struct {
	MaxRetries     int `toml:"max_retries"`
	BaseBackoffMs  int `toml:"base_backoff_ms"`
	MaxBackoffMs   int `toml:"max_backoff_ms"`
	ConfirmGraceMs int `toml:"confirm_grace_ms"`
}

// BehaviorConfig configures the behavior tracker and predictor.
type BehaviorConfig struct {
	MaxRecords     int `toml:"max_records"`
	MinRecords     int `toml:"min_records"`
	ScoreThreshold int `toml:"score_threshold"`
}

// APIConfig configures the HTTP fetch collaborator.
type APIConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Path string `toml:"path"`
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:               "chatter.db",
			MaxBytes:           50 * 1024 * 1024,
			CompressThreshold:  1024,
			PerConversationCap: 100,
			HealthMaxAgeHours:  24,
		},
		Prefetch: PrefetchConfig{
			MaxConcurrent: 3,
			HoverDelayMs:  200,
			TopCount:      5,
			ScrollCount:   3,
			FetchLimit:    20,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			BaseBackoffMs:  1000,
			MaxBackoffMs:   10000,
			ConfirmGraceMs: 5000,
		},
		Behavior: BehaviorConfig{
			MaxRecords:     500,
			MinRecords:     5,
			ScoreThreshold: 30,
		},
		API: APIConfig{
			BaseURL:        "http://localhost:8080",
			TimeoutSeconds: 10,
		},
	}
}

// Load reads config from the given path. Missing file is an error; callers
// fall back to Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
