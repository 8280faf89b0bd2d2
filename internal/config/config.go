// Package config loads the marketplace service configuration from a YAML
// file, an optional .env file, and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the CLI looks for a config file.
const DefaultPath = "config/marketplace.yaml"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config is the full service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
	Events   EventsConfig   `yaml:"events"`
	Audit    AuditConfig    `yaml:"audit"`
	Registry RegistryConfig `yaml:"registry"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"MARKETPLACE_HTTP_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"MARKETPLACE_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"MARKETPLACE_HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"MARKETPLACE_HTTP_SHUTDOWN_TIMEOUT"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"MARKETPLACE_CORS_ORIGINS"`
	RateLimit       float64       `yaml:"rate_limit" env:"MARKETPLACE_RATE_LIMIT"`
	RateBurst       int           `yaml:"rate_burst" env:"MARKETPLACE_RATE_BURST"`
}

// LogConfig selects logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// AuthConfig holds the bearer token signing secret.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" env:"MARKETPLACE_JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"MARKETPLACE_TOKEN_TTL"`
}

// StorageConfig selects the operation journal backend.
type StorageConfig struct {
	Driver string `yaml:"driver" env:"MARKETPLACE_STORAGE_DRIVER"`
	DSN    string `yaml:"dsn" env:"DATABASE_URL"`
}

// EventsConfig controls the in-process ring buffer and Redis fan-out.
type EventsConfig struct {
	BufferSize   int    `yaml:"buffer_size" env:"MARKETPLACE_EVENT_BUFFER"`
	RedisURL     string `yaml:"redis_url" env:"REDIS_URL"`
	RedisChannel string `yaml:"redis_channel" env:"MARKETPLACE_REDIS_CHANNEL"`
}

// AuditConfig schedules the invariant auditor. An empty schedule disables it.
type AuditConfig struct {
	Schedule string `yaml:"schedule" env:"MARKETPLACE_AUDIT_SCHEDULE"`
}

// RegistryConfig fixes the genesis state.
type RegistryConfig struct {
	SuperAdministrator string           `yaml:"super_administrator" env:"MARKETPLACE_SUPER_ADMIN"`
	Genesis            map[string]int64 `yaml:"genesis"`
	// GenesisEnv holds "address=amount" pairs and is merged into Genesis.
	GenesisEnv []string `yaml:"-" env:"MARKETPLACE_GENESIS"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       50,
			RateBurst:       100,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Auth:    AuthConfig{TokenTTL: 24 * time.Hour},
		Storage: StorageConfig{Driver: DriverMemory},
		Events: EventsConfig{
			BufferSize:   1024,
			RedisChannel: "marketplace.events",
		},
		Audit:    AuditConfig{Schedule: "@every 1m"},
		Registry: RegistryConfig{Genesis: map[string]int64{}},
	}
}

// Load reads the YAML file at path over the defaults, then applies a .env
// file if present and environment overrides. A missing file is not an error
// when path is empty.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	_ = godotenv.Load()
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.mergeGenesisEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path if it exists, otherwise defaults plus environment.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("stat config: %w", err)
			}
			path = ""
		}
	}
	return Load(path)
}

func (c *Config) mergeGenesisEnv() error {
	if c.Registry.Genesis == nil {
		c.Registry.Genesis = map[string]int64{}
	}
	for _, pair := range c.Registry.GenesisEnv {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		addr, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("genesis entry %q: want address=amount", pair)
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("genesis entry %q: %w", pair, err)
		}
		c.Registry.Genesis[strings.TrimSpace(addr)] = amount
	}
	c.Registry.GenesisEnv = nil
	return nil
}

// Validate checks the fields the service cannot start without.
func (c *Config) Validate() error {
	if c.Registry.SuperAdministrator == "" {
		return errors.New("registry.super_administrator is required")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		return errors.New("http rate limit must not be negative")
	}
	if c.Events.BufferSize <= 0 {
		return errors.New("events.buffer_size must be positive")
	}
	for addr, amount := range c.Registry.Genesis {
		if amount < 0 {
			return fmt.Errorf("genesis allocation for %s is negative", addr)
		}
	}
	return nil
}

// GenesisAccounts returns the genesis addresses in a stable order.
func (c *Config) GenesisAccounts() []string {
	out := make([]string, 0, len(c.Registry.Genesis))
	for addr := range c.Registry.Genesis {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
