package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the conductor service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	JWTSecret     string `mapstructure:"jwt_secret"`
	StreamEnabled bool   `mapstructure:"stream_enabled"`
}

// LLMConfig describes the reasoning provider.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// EngineConfig tunes plan execution.
type EngineConfig struct {
	MaxConcurrentSteps int           `mapstructure:"max_concurrent_steps"`
	StepTimeout        time.Duration `mapstructure:"step_timeout"`
	ApprovalTimeout    time.Duration `mapstructure:"approval_timeout"`
}

// MemoryConfig tunes the keyword memory store.
type MemoryConfig struct {
	SearchLimit int `mapstructure:"search_limit"`
}

// StorageConfig groups persistence backends.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TelemetryConfig controls metrics and tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// DSN builds the Postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// Addr returns host:port for the Redis client.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// Load reads configuration from the given file path, or from the default
// search paths when path is empty. Environment variables with the CONDUCTOR_
// prefix override file values (CONDUCTOR_STORAGE_POSTGRES_HOST, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", 60*time.Second)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.stream_enabled", true)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.timeout", 45*time.Second)
	v.SetDefault("engine.max_concurrent_steps", 4)
	v.SetDefault("engine.step_timeout", 2*time.Minute)
	v.SetDefault("engine.approval_timeout", 30*time.Minute)
	v.SetDefault("memory.search_limit", 5)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "conductor")

	if path == "" {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// config file is optional when env vars carry everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Engine.MaxConcurrentSteps <= 0 {
		cfg.Engine.MaxConcurrentSteps = 4
	}
	if cfg.Memory.SearchLimit <= 0 {
		cfg.Memory.SearchLimit = 5
	}
	return &cfg, nil
}
