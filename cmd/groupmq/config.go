package main

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// config is the CLI configuration. Values are read from flags, GROUPMQ_*
// environment variables and an optional config file, in that order of
// precedence.
type config struct {
	Backend        string `mapstructure:"backend" validate:"required,oneof=redis postgres"`
	Namespace      string `mapstructure:"namespace" validate:"required"`
	RedisAddr      string `mapstructure:"redis-addr" validate:"required_if=Backend redis"`
	RedisPassword  string `mapstructure:"redis-password"`
	RedisDB        int    `mapstructure:"redis-db" validate:"gte=0"`
	RedisKeyPrefix string `mapstructure:"redis-key-prefix" validate:"required_if=Backend redis"`
	PostgresURL    string `mapstructure:"postgres-url" validate:"required_if=Backend postgres"`
	Debug          bool   `mapstructure:"debug"`
}

// envPrefix is the prefix of the environment variables read by the CLI.
const envPrefix = "GROUPMQ"

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("config", "", "path to a config file (yaml, json or toml)")
	f.String("backend", "redis", "store backend, redis or postgres")
	f.StringP("namespace", "n", "default", "queue namespace")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database")
	f.String("redis-key-prefix", "groupmq", "Redis key prefix")
	f.String("postgres-url", "", "PostgreSQL connection URL")
	f.Bool("debug", false, "enable debug logs")
}

// loadConfig reads and validates the configuration of cmd.
func loadConfig(cmd *cobra.Command) (*config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}
	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
