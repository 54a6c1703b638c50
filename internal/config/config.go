package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Env                string `mapstructure:"ENV"`
	LogLevel           string `mapstructure:"LOG_LEVEL"`
	DataDir            string `mapstructure:"DATA_DIR"`
	OutputDir          string `mapstructure:"OUTPUT_DIR"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32  `mapstructure:"DB_MIN_CONNS"`
	EmbeddedPort       uint32 `mapstructure:"EMBEDDED_PORT"`
	EmbeddedRuntimeDir string `mapstructure:"EMBEDDED_RUNTIME_DIR"`
}

func Load() (*Config, error) {
	return LoadFrom(".env")
}

// LoadFrom loads configuration with envFile as the dotenv source.
// Process environment variables still override file values.
func LoadFrom(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("OUTPUT_DIR", "outputs")
	v.SetDefault("DB_MAX_CONNS", 8)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("EMBEDDED_PORT", 15432)
	v.SetDefault("EMBEDDED_RUNTIME_DIR", ".clinrep-pg")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("DATA_DIR")
	v.BindEnv("OUTPUT_DIR")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("EMBEDDED_PORT")
	v.BindEnv("EMBEDDED_RUNTIME_DIR")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("DATA_DIR is required")
	}
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("OUTPUT_DIR is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the engine is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesEmbeddedDB reports whether the run should bring up its own local
// Postgres. An explicit DATABASE_URL always wins over the embedded server.
func (c *Config) UsesEmbeddedDB() bool {
	return c.DatabaseURL == ""
}

// Validate checks that the configuration is safe to run. The embedded server
// needs a usable port and a runtime directory; an external database needs
// nothing beyond its URL.
func (c *Config) Validate() error {
	if c.UsesEmbeddedDB() {
		if c.EmbeddedPort < 1024 || c.EmbeddedPort > 65535 {
			return fmt.Errorf("EMBEDDED_PORT must be between 1024 and 65535, got %d", c.EmbeddedPort)
		}
		if c.EmbeddedRuntimeDir == "" {
			return fmt.Errorf("EMBEDDED_RUNTIME_DIR is required when DATABASE_URL is unset")
		}
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error, got %q", c.LogLevel)
	}
	return nil
}
