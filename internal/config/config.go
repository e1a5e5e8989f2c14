package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine worker.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds the HTTP boundary configuration.
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// DSN builds the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode)
}

// RedisConfig holds the event bus connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GatewayConfig holds mobile-money gateway settings.
type GatewayConfig struct {
	// Mode selects the gateway implementation: "sandbox" for the in-memory
	// simulator, anything else requires credentials from Vault/env.
	Mode string `mapstructure:"mode"`

	// RatePerSecond and Burst throttle outbound gateway calls.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`

	// MandateValidityDays is how long an approved mandate stays usable.
	MandateValidityDays int `mapstructure:"mandate_validity_days"`
}

// VaultConfig holds the secret store settings for gateway credentials.
type VaultConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Path    string `mapstructure:"path"`
}

// EngineConfig holds sweep cadence and ledger policy knobs.
type EngineConfig struct {
	RetrySweepSeconds  int `mapstructure:"retry_sweep_seconds"`
	ExpirySweepSeconds int `mapstructure:"expiry_sweep_seconds"`
	DefaultedAfterDays int `mapstructure:"defaulted_after_days"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from config.yaml and environment variables, with
// sane defaults for local development.
func Load() (*Config, error) {
	viper.SetDefault("server.port", "8086")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "installment_engine")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("gateway.mode", "sandbox")
	viper.SetDefault("gateway.rate_per_second", 10.0)
	viper.SetDefault("gateway.burst", 20)
	viper.SetDefault("gateway.mandate_validity_days", 180)
	viper.SetDefault("vault.enabled", false)
	viper.SetDefault("vault.path", "secret/data/installment-engine/gateway")
	viper.SetDefault("engine.retry_sweep_seconds", 60)
	viper.SetDefault("engine.expiry_sweep_seconds", 300)
	viper.SetDefault("engine.defaulted_after_days", 30)
	viper.SetDefault("log.level", "info")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/app/config")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.AutomaticEnv()

	bindings := map[string]string{
		"server.port":       "SERVER_PORT",
		"server.host":       "SERVER_HOST",
		"database.host":     "DATABASE_HOST",
		"database.port":     "DATABASE_PORT",
		"database.name":     "DATABASE_NAME",
		"database.user":     "DATABASE_USER",
		"database.password": "DATABASE_PASSWORD",
		"redis.addr":        "REDIS_ADDR",
		"redis.password":    "REDIS_PASSWORD",
		"gateway.mode":      "GATEWAY_MODE",
		"vault.enabled":     "VAULT_ENABLED",
		"vault.address":     "VAULT_ADDR",
		"vault.token":       "VAULT_TOKEN",
		"log.level":         "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
