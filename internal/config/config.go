// Package config loads the gateway configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Obscura-Network/gateway_layer/pkg/logger"
)

// Defaults for the two timeout windows. The request window bounds how long the
// oracle has to deliver a callback before the subject may claim a refund; the
// member window bounds member-level inactivity.
const (
	DefaultDecryptionTimeout = 7 * 24 * time.Hour
	DefaultMemberTimeout     = 30 * 24 * time.Hour
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig configures the optional Postgres store. When Driver or DSN is
// empty the application falls back to the in-memory store.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
	Migrate         bool   `yaml:"migrate"`
}

// OracleConfig describes the trusted decryption oracle.
type OracleConfig struct {
	// TrustedKeys are the bearer identities allowed to invoke the callback.
	// Injected rather than hardcoded so the trust anchor can rotate.
	TrustedKeys []string `yaml:"trusted_keys"`
	// Endpoint, when set, enables the dispatcher that forwards pending
	// requests to the oracle and polls it for results.
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// TimeoutConfig carries the refund timing windows.
type TimeoutConfig struct {
	Decryption time.Duration `yaml:"-"`
	Member     time.Duration `yaml:"-"`
	// SweepInterval controls the automatic timeout sweeper; zero disables it.
	SweepInterval time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts durations in Go syntax ("24h", "15m"). Absent keys
// keep whatever value is already set.
func (t *TimeoutConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Decryption    string `yaml:"decryption"`
		Member        string `yaml:"member"`
		SweepInterval string `yaml:"sweep_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	set := func(dst *time.Duration, value, name string) error {
		if value == "" {
			return nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("timeouts.%s: %w", name, err)
		}
		*dst = d
		return nil
	}
	if err := set(&t.Decryption, raw.Decryption, "decryption"); err != nil {
		return err
	}
	if err := set(&t.Member, raw.Member, "member"); err != nil {
		return err
	}
	return set(&t.SweepInterval, raw.SweepInterval, "sweep_interval")
}

// RefundConfig carries refund accounting knobs.
type RefundConfig struct {
	// FlatAmount is credited on every refund record. The upstream system never
	// computed a real figure; this stays a configuration input until product
	// defines one.
	FlatAmount int64 `yaml:"flat_amount"`
}

// RedisConfig configures the optional event fan-out.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// AuthConfig configures owner authentication.
type AuthConfig struct {
	// JWTSecret signs and verifies owner tokens (HMAC). Empty disables JWT
	// verification and owners are taken from the X-Owner header (dev mode).
	JWTSecret string `yaml:"jwt_secret"`
	// RatePerSecond / RateBurst bound per-caller request rates.
	RatePerSecond int `yaml:"rate_per_second"`
	RateBurst     int `yaml:"rate_burst"`
}

// Config is the root configuration document.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Oracle   OracleConfig         `yaml:"oracle"`
	Timeouts TimeoutConfig        `yaml:"timeouts"`
	Refund   RefundConfig         `yaml:"refund"`
	Redis    RedisConfig          `yaml:"redis"`
	Auth     AuthConfig           `yaml:"auth"`
}

// Load reads config.yaml (path overridable via GATEWAY_CONFIG), applies .env
// and environment overrides, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	path := os.Getenv("GATEWAY_CONFIG")
	if path == "" {
		path = "config.yaml"
	}

	cfg := defaultConfig()
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging: logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Timeouts: TimeoutConfig{
			Decryption: DefaultDecryptionTimeout,
			Member:     DefaultMemberTimeout,
		},
		Auth: AuthConfig{RatePerSecond: 20, RateBurst: 40},
		Redis: RedisConfig{
			Channel: "gateway.events",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ORACLE_TRUSTED_KEYS"); v != "" {
		cfg.Oracle.TrustedKeys = splitList(v)
	}
	if v := os.Getenv("ORACLE_ENDPOINT"); v != "" {
		cfg.Oracle.Endpoint = v
	}
	if v := os.Getenv("ORACLE_API_KEY"); v != "" {
		cfg.Oracle.APIKey = v
	}
	if v := os.Getenv("DECRYPTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Decryption = d
		}
	}
	if v := os.Getenv("MEMBER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.Member = d
		}
	}
	if v := os.Getenv("TIMEOUT_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeouts.SweepInterval = d
		}
	}
	if v := os.Getenv("REFUND_FLAT_AMOUNT"); v != "" {
		if amt, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Refund.FlatAmount = amt
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	if c.Timeouts.Decryption <= 0 {
		return fmt.Errorf("decryption timeout must be positive")
	}
	if c.Timeouts.Member <= 0 {
		return fmt.Errorf("member timeout must be positive")
	}
	if c.Database.Driver != "" && c.Database.DSN == "" {
		return fmt.Errorf("database dsn required when driver is set")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
