// Package config loads service settings from defaults, an optional YAML file,
// a .env file and the process environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	minSecretLength = 32
	maxBcryptCost   = 31
	minBcryptCost   = 12
)

type Config struct {
	Env      string         `yaml:"env"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	JWT      JWTConfig      `yaml:"jwt"`
	Security SecurityConfig `yaml:"security"`
	Events   EventsConfig   `yaml:"events"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit      float64  `yaml:"rate_limit"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	BodyLimit      string   `yaml:"body_limit"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite or postgres
	URL    string `yaml:"url"`
}

type CacheConfig struct {
	Driver   string `yaml:"driver"` // memory or redis
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret    string        `yaml:"secret"`
	Issuer    string        `yaml:"issuer"`
	AccessTTL time.Duration `yaml:"access_ttl"`
}

type SecurityConfig struct {
	BcryptCost        int    `yaml:"bcrypt_cost"`
	PasswordAlgorithm string `yaml:"password_algorithm"` // bcrypt or argon2id
	TOTPIssuer        string `yaml:"totp_issuer"`
}

type EventsConfig struct {
	Driver        string `yaml:"driver"` // bus, redis or none
	ChannelPrefix string `yaml:"channel_prefix"`
	Workers       int    `yaml:"workers"`
	Buffer        int    `yaml:"buffer"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       20,
			AllowedOrigins:  []string{"*"},
			BodyLimit:       "1M",
		},
		Database: DatabaseConfig{Driver: "memory"},
		Cache:    CacheConfig{Driver: "memory", Addr: "localhost:6379"},
		JWT: JWTConfig{
			Issuer:    "auth-service",
			AccessTTL: 15 * time.Minute,
		},
		Security: SecurityConfig{
			BcryptCost:        12,
			PasswordAlgorithm: "bcrypt",
			TOTPIssuer:        "AuthService",
		},
		Events: EventsConfig{
			Driver:        "bus",
			ChannelPrefix: "auth.",
			Workers:       4,
			Buffer:        256,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used. A missing .env file is ignored.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("APP_ENV", &c.Env)
	str("PORT", &c.Server.Port)
	str("DB_DRIVER", &c.Database.Driver)
	str("DB_URL", &c.Database.URL)
	str("CACHE_DRIVER", &c.Cache.Driver)
	str("REDIS_URL", &c.Cache.Addr)
	str("REDIS_PASSWORD", &c.Cache.Password)
	str("JWT_SECRET", &c.JWT.Secret)
	str("JWT_ISSUER", &c.JWT.Issuer)
	str("PASSWORD_ALGORITHM", &c.Security.PasswordAlgorithm)
	str("TOTP_ISSUER", &c.Security.TOTPIssuer)
	str("EVENTS_DRIVER", &c.Events.Driver)
	str("EVENTS_PREFIX", &c.Events.ChannelPrefix)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("BCRYPT_COST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BCRYPT_COST: %w", err)
		}
		c.Security.BcryptCost = n
	}
	if v, ok := lookup("RATE_LIMIT_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
		c.Server.RateLimit = f
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsDevelopment reports whether relaxed checks apply.
func (c *Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	} else if len(c.JWT.Secret) < minSecretLength && !c.IsDevelopment() {
		errs = append(errs, fmt.Errorf("jwt secret must be at least %d bytes", minSecretLength))
	}
	if c.JWT.AccessTTL <= 0 {
		errs = append(errs, errors.New("jwt access_ttl must be positive"))
	}
	if c.Security.BcryptCost < minBcryptCost || c.Security.BcryptCost > maxBcryptCost {
		errs = append(errs, fmt.Errorf("bcrypt cost must be within [%d, %d]", minBcryptCost, maxBcryptCost))
	}
	if !oneOf(c.Security.PasswordAlgorithm, "bcrypt", "argon2id") {
		errs = append(errs, fmt.Errorf("unknown password algorithm %q", c.Security.PasswordAlgorithm))
	}
	if !oneOf(c.Database.Driver, "memory", "sqlite", "postgres") {
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if c.Database.Driver != "memory" && c.Database.URL == "" {
		errs = append(errs, fmt.Errorf("database url is required for driver %q", c.Database.Driver))
	}
	if !oneOf(c.Cache.Driver, "memory", "redis") {
		errs = append(errs, fmt.Errorf("unknown cache driver %q", c.Cache.Driver))
	}
	if !oneOf(c.Events.Driver, "bus", "redis", "none") {
		errs = append(errs, fmt.Errorf("unknown events driver %q", c.Events.Driver))
	}
	if c.Events.Driver == "redis" && c.Cache.Driver != "redis" {
		errs = append(errs, errors.New("redis events require the redis cache driver"))
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
