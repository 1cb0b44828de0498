package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CODENAMES"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Timer     TimerConfig     `mapstructure:"timer"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

type ServerConfig struct {
	HTTPBase string `mapstructure:"http_base"`
	WSBase   string `mapstructure:"ws_base"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type TimerConfig struct {
	Tick time.Duration `mapstructure:"tick"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

type DatabaseConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Driver is "gorm" or "pq".
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// SetDefaults registers the built-in values so that a missing config file
// still yields a usable Config.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.http_base", "http://localhost:8000/api")
	v.SetDefault("server.ws_base", "ws://localhost:8000/ws")
	v.SetDefault("reconnect.base_delay", time.Second)
	v.SetDefault("reconnect.max_delay", 10*time.Second)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("timer.tick", 50*time.Millisecond)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("metrics.address", "")
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "gorm")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.dbname", "codenames")
}

// New returns a viper instance with defaults and environment binding applied.
// CODENAMES_SERVER_WS_BASE overrides server.ws_base and so on.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads path/.env (if present) and path/config.yaml (if present)
// into v and unmarshals the result.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(path, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching the filesystem.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) Validate() error {
	if c.Server.WSBase == "" {
		return errors.New("server.ws_base must be set")
	}
	if c.Reconnect.BaseDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("invalid reconnect delays: base %s, max %s", c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative: %d", c.Reconnect.MaxAttempts)
	}
	if c.Timer.Tick <= 0 {
		return fmt.Errorf("timer.tick must be positive: %s", c.Timer.Tick)
	}
	if c.Database.Enabled && c.Database.Driver != "gorm" && c.Database.Driver != "pq" {
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	return nil
}

// DSN builds the postgres connection string for the game archive.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		p.Host, p.Port, p.User, p.Password, p.DBName)
}
