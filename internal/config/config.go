package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config centralizes runtime settings for the API and workers. Keys map to
// upper-case environment variables (database_url -> DATABASE_URL).
type Config struct {
	Port      string `mapstructure:"port"`
	AuthToken string `mapstructure:"api_auth_token"`
	LogLevel  string `mapstructure:"log_level"`

	DatabaseURL       string `mapstructure:"database_url"`
	WorkspaceSeedFile string `mapstructure:"workspace_seed_file"`

	OpenAIAPIKey     string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL    string        `mapstructure:"openai_base_url"`
	OpenAITimeout    time.Duration `mapstructure:"openai_timeout"`
	OpenAIMaxRetries int           `mapstructure:"openai_max_retries"`
	OpenAIModel      string        `mapstructure:"openai_model"`
	OpenAISiteURL    string        `mapstructure:"openai_site_url"`
	OpenAIAppName    string        `mapstructure:"openai_app_name"`

	DistributionBatchSize         int           `mapstructure:"distribution_batch_size"`
	DistributionRetention         time.Duration `mapstructure:"distribution_retention"`
	DistributionAllocationTimeout time.Duration `mapstructure:"distribution_allocation_timeout"`
	DistributionTargetVariance    float64       `mapstructure:"distribution_target_variance"`
	DistributionTemperature       float64       `mapstructure:"distribution_temperature"`
	DistributionMaxTokens         int           `mapstructure:"distribution_max_tokens"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisStream   string `mapstructure:"redis_stream"`
	RedisDLQ      string `mapstructure:"redis_dlq_stream"`
	RedisGroup    string `mapstructure:"redis_group"`
	RedisConsumer string `mapstructure:"redis_consumer"`

	RedisClaimMinIdle time.Duration `mapstructure:"redis_claim_min_idle"`

	QueueMaxAttempts int `mapstructure:"queue_max_attempts"`

	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
	CORSOrigins    []string `mapstructure:"cors_allowed_origins"`

	WorkerEnabled     bool   `mapstructure:"worker_enabled"`
	WorkerConcurrency int    `mapstructure:"worker_concurrency"`
	SweepSchedule     string `mapstructure:"sweep_schedule"`

	TracingEnabled bool `mapstructure:"tracing_enabled"`
}

var defaults = map[string]any{
	"port":           "8080",
	"api_auth_token": "",
	"log_level":      "info",

	"database_url":        "",
	"workspace_seed_file": "",

	"openai_api_key":     "",
	"openai_base_url":    "https://api.openai.com/v1",
	"openai_timeout":     "45s",
	"openai_max_retries": 2,
	"openai_model":       "gpt-4.1-mini",
	"openai_site_url":    "",
	"openai_app_name":    "",

	"distribution_batch_size":         100,
	"distribution_retention":          "24h",
	"distribution_allocation_timeout": "60s",
	"distribution_target_variance":    15.0,
	"distribution_temperature":        0.3,
	"distribution_max_tokens":         4000,

	"redis_addr":       "",
	"redis_password":   "",
	"redis_db":         0,
	"redis_stream":     "distribution_compute",
	"redis_dlq_stream": "distribution_compute_dlq",
	"redis_group":      "distribution_workers",
	"redis_consumer":   "api-1",

	"redis_claim_min_idle": "5m",

	"queue_max_attempts": 3,

	"rate_limit_rps":       20.0,
	"rate_limit_burst":     40,
	"cors_allowed_origins": []string{},

	"worker_enabled":     true,
	"worker_concurrency": 4,
	"sweep_schedule":     "@every 10m",

	"tracing_enabled": false,
}

// Load resolves configuration from defaults, an optional config.yaml and
// optional .env / .env.local files in dir, then the process environment.
// Later sources win.
func Load(dir string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	for _, name := range []string{".env", ".env.local"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", name, err)
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
