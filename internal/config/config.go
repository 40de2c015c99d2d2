package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "attendq.json"

// EnvPrefix prefixes every environment override, e.g. ATTENDQ_DB_PATH.
const EnvPrefix = "ATTENDQ_"

var (
	ErrUnknownKey = errors.New("config: unknown key")
	ErrInvalid    = errors.New("config: invalid")
)

// OutboxConfig configures one outbox and where it delivers.
type OutboxConfig struct {
	Table        string `json:"table" env:"TABLE"`
	WarnLevel    int    `json:"warn_level" env:"WARN_LEVEL"`
	MaxLevel     int    `json:"max_level" env:"MAX_LEVEL"`
	RetrySeconds int    `json:"retry_seconds" env:"RETRY_SECONDS"`
	// KeepSeconds is the retention of sent rows. Negative keeps them forever.
	KeepSeconds int `json:"keep_seconds" env:"KEEP_SECONDS"`
	// Transport is a sender registry name: http, postgres or redis.
	Transport string `json:"transport" env:"TRANSPORT"`
	// Target is the URL, inbox table or list key, depending on Transport.
	Target string `json:"target" env:"TARGET"`
}

func (o OutboxConfig) RetryTime() time.Duration {
	return time.Duration(o.RetrySeconds) * time.Second
}

func (o OutboxConfig) KeepTime() time.Duration {
	return time.Duration(o.KeepSeconds) * time.Second
}

type Config struct {
	DBPath                    string `json:"db_path" env:"DB_PATH"`
	DBDriver                  string `json:"db_driver" env:"DB_DRIVER"`
	StatusAddr                string `json:"status_addr" env:"STATUS_ADDR"`
	HealthSchedule            string `json:"health_schedule" env:"HEALTH_SCHEDULE"`
	InteractiveTimeoutSeconds int    `json:"interactive_timeout_seconds" env:"INTERACTIVE_TIMEOUT_SECONDS"`
	EnquiryURL                string `json:"enquiry_url" env:"ENQUIRY_URL"`
	AuthToken                 string `json:"auth_token,omitempty" env:"AUTH_TOKEN"`
	PostgresDSN               string `json:"postgres_dsn,omitempty" env:"POSTGRES_DSN"`
	RedisAddr                 string `json:"redis_addr,omitempty" env:"REDIS_ADDR"`
	RedisPassword             string `json:"-" env:"REDIS_PASSWORD"`

	Clockings       OutboxConfig `json:"clockings" envPrefix:"CLOCKINGS_"`
	EmployeeUpdates OutboxConfig `json:"employee_updates" envPrefix:"EMPLOYEE_UPDATES_"`
	Enquiries       OutboxConfig `json:"enquiries" envPrefix:"ENQUIRIES_"`
}

func Default() *Config {
	return &Config{
		DBPath:                    "attendq.db",
		DBDriver:                  "sqlite3",
		StatusAddr:                "127.0.0.1:8089",
		HealthSchedule:            "@every 30s",
		InteractiveTimeoutSeconds: 10,
		EnquiryURL:                "http://localhost:8080/enquiry",
		Clockings: OutboxConfig{
			Table:        "tbl_transactions",
			WarnLevel:    1000,
			MaxLevel:     5000,
			RetrySeconds: 30,
			KeepSeconds:  7 * 24 * 3600,
			Transport:    "http",
			Target:       "http://localhost:8080/clockings",
		},
		EmployeeUpdates: OutboxConfig{
			Table:        "tbl_employee_updates",
			WarnLevel:    100,
			MaxLevel:     500,
			RetrySeconds: 30,
			KeepSeconds:  7 * 24 * 3600,
			Transport:    "http",
			Target:       "http://localhost:8080/employees",
		},
		Enquiries: OutboxConfig{
			Table:        "tbl_enquiry_replies",
			WarnLevel:    100,
			MaxLevel:     1000,
			RetrySeconds: 30,
			KeepSeconds:  24 * 3600,
			Transport:    "http",
			Target:       "http://localhost:8080/enquiry-acks",
		},
	}
}

// Load reads the JSON file at path over the defaults, then applies
// ATTENDQ_* environment overrides. A missing file isn't an error.
func Load(path string) (*Config, error) {
	c, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile reads the JSON file at path over the defaults without applying
// the environment or validating. Use it for configs that are saved back.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	c := Default()

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := json.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return c, nil
}

func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o600)
}

func (c *Config) InteractiveTimeout() time.Duration {
	return time.Duration(c.InteractiveTimeoutSeconds) * time.Second
}

// Outboxes returns the outbox settings keyed by outbox name.
func (c *Config) Outboxes() map[string]*OutboxConfig {
	return map[string]*OutboxConfig{
		"clockings":        &c.Clockings,
		"employee_updates": &c.EmployeeUpdates,
		"enquiries":        &c.Enquiries,
	}
}

func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("%w: db_path is empty", ErrInvalid)
	}
	if c.InteractiveTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: interactive_timeout_seconds must be positive", ErrInvalid)
	}
	tables := make(map[string]string)
	for name, o := range c.Outboxes() {
		switch {
		case o.Table == "":
			return fmt.Errorf("%w: %s.table is empty", ErrInvalid, name)
		case o.MaxLevel <= 0, o.WarnLevel <= 0:
			return fmt.Errorf("%w: %s levels must be positive", ErrInvalid, name)
		case o.RetrySeconds <= 0:
			return fmt.Errorf("%w: %s.retry_seconds must be positive", ErrInvalid, name)
		case o.Transport == "":
			return fmt.Errorf("%w: %s.transport is empty", ErrInvalid, name)
		}
		if other, ok := tables[o.Table]; ok {
			return fmt.Errorf("%w: %s and %s share table %s", ErrInvalid, name, other, o.Table)
		}
		tables[o.Table] = name
	}
	return nil
}

// Set assigns a single value by its CLI key, e.g. "db-path" or
// "clockings.max-level".
func (c *Config) Set(key, value string) error {
	if name, field, ok := strings.Cut(key, "."); ok {
		o, found := c.Outboxes()[strings.ReplaceAll(name, "-", "_")]
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		return o.set(key, field, value)
	}

	switch key {
	case "db-path":
		c.DBPath = value
	case "db-driver":
		c.DBDriver = value
	case "status-addr":
		c.StatusAddr = value
	case "health-schedule":
		c.HealthSchedule = value
	case "enquiry-url":
		c.EnquiryURL = value
	case "auth-token":
		c.AuthToken = value
	case "postgres-dsn":
		c.PostgresDSN = value
	case "redis-addr":
		c.RedisAddr = value
	case "interactive-timeout":
		return setInt(&c.InteractiveTimeoutSeconds, key, value)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return nil
}

func (o *OutboxConfig) set(key, field, value string) error {
	switch field {
	case "table":
		o.Table = value
	case "transport":
		o.Transport = value
	case "target":
		o.Target = value
	case "warn-level":
		return setInt(&o.WarnLevel, key, value)
	case "max-level":
		return setInt(&o.MaxLevel, key, value)
	case "retry-seconds":
		return setInt(&o.RetrySeconds, key, value)
	case "keep-seconds":
		return setInt(&o.KeepSeconds, key, value)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return nil
}

func setInt(dst *int, key, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%w: %s wants an integer, got %q", ErrInvalid, key, value)
	}
	*dst = v
	return nil
}
