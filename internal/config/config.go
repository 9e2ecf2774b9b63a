// Package config loads the process configuration: defaults in code, an
// optional YAML file, and LOOM_* environment overrides, in increasing
// precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full typed configuration tree.
type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Redis    Redis    `mapstructure:"redis"`
	Worker   Worker   `mapstructure:"worker"`
	Webhook  Webhook  `mapstructure:"webhook"`
	Quality  Quality  `mapstructure:"quality"`
	Models   Models   `mapstructure:"models"`
	Services Services `mapstructure:"services"`
	Log      Log      `mapstructure:"log"`
}

// Server configures the HTTP API.
type Server struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
	SyncTimeout time.Duration `mapstructure:"sync_timeout"`
}

// Addr returns the listen address.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Database selects and configures the store backend.
type Database struct {
	// Driver is one of "memory", "sqlite", "mysql".
	Driver string `mapstructure:"driver"`

	// DSN is the sqlite file path or the mysql connection string.
	DSN string `mapstructure:"dsn"`
}

// Redis configures the shared queue. Disabled means the in-process queue.
type Redis struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// Worker configures the async execution machinery.
type Worker struct {
	Concurrency        int           `mapstructure:"concurrency"`
	TaskTimeout        time.Duration `mapstructure:"task_timeout"`
	DispatchInterval   time.Duration `mapstructure:"dispatch_interval"`
	DispatchBatch      int           `mapstructure:"dispatch_batch"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
	SupervisorInterval time.Duration `mapstructure:"supervisor_interval"`
}

// Webhook configures callback delivery.
type Webhook struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

// Quality configures the gates.
type Quality struct {
	Threshold float64 `mapstructure:"threshold"`
}

// Models configures the LLM providers.
type Models struct {
	// Provider is "openai" or "anthropic".
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`

	// EvaluatorModel runs the quality rubric; empty reuses Model.
	EvaluatorModel string `mapstructure:"evaluator_model"`
}

// Services configures the external search and image endpoints.
type Services struct {
	SearchURL string `mapstructure:"search_url"`
	ImageURL  string `mapstructure:"image_url"`
}

// Log configures structured logging.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration. path may be empty, in which case loom.yaml is
// searched in the working directory and /etc/loom; a missing file is fine,
// defaults and environment carry the day.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("loom")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/loom")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.sync_timeout", 5*time.Minute)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "loom.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "loom")

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.task_timeout", 30*time.Minute)
	v.SetDefault("worker.dispatch_interval", 2*time.Second)
	v.SetDefault("worker.dispatch_batch", 50)
	v.SetDefault("worker.lease_ttl", 5*time.Minute)
	v.SetDefault("worker.supervisor_interval", time.Minute)

	v.SetDefault("webhook.max_retries", 3)
	v.SetDefault("webhook.base_delay", 5*time.Second)

	v.SetDefault("quality.threshold", 7.0)

	v.SetDefault("models.provider", "openai")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
