// Package config loads the service configuration from the environment and
// the critical asset manifest from YAML.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/klazomenai/splash-gate/pkg/gate"
)

// Config is the environment-driven service configuration.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"redis:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	AssetManifest string `env:"ASSET_MANIFEST"`
	AssetBaseURL  string `env:"ASSET_BASE_URL" envDefault:"http://localhost:3000"`

	ProbeTimeout time.Duration `env:"GATE_PROBE_TIMEOUT" envDefault:"2500ms"`
	Ceiling      time.Duration `env:"GATE_CEILING" envDefault:"3s"`
	ExitDelay    time.Duration `env:"GATE_EXIT_DELAY" envDefault:"300ms"`

	WarmupInterval time.Duration `env:"WARMUP_INTERVAL" envDefault:"5m"`
	RunTTL         time.Duration `env:"RUN_TTL" envDefault:"1h"`

	TicketIssuer   string        `env:"TICKET_ISSUER" envDefault:"splash-gate"`
	TicketAudience string        `env:"TICKET_AUDIENCE" envDefault:"splash-gate-clients"`
	TicketTTL      time.Duration `env:"TICKET_TTL" envDefault:"10m"`
	PrivateKeyPath string        `env:"PRIVATE_KEY_PATH" envDefault:"/etc/splash-gate/private-key.pem"`
	PublicKeyPath  string        `env:"PUBLIC_KEY_PATH" envDefault:"/etc/splash-gate/public-key.pem"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the gate cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("GATE_PROBE_TIMEOUT must be positive, got %s", c.ProbeTimeout))
	}
	if c.Ceiling <= 0 {
		errs = append(errs, fmt.Errorf("GATE_CEILING must be positive, got %s", c.Ceiling))
	}
	if c.ProbeTimeout > 0 && c.Ceiling > 0 && c.ProbeTimeout >= c.Ceiling {
		errs = append(errs, fmt.Errorf("GATE_PROBE_TIMEOUT (%s) must be below GATE_CEILING (%s)", c.ProbeTimeout, c.Ceiling))
	}
	if c.ExitDelay < 0 {
		errs = append(errs, fmt.Errorf("GATE_EXIT_DELAY must not be negative, got %s", c.ExitDelay))
	}
	if c.WarmupInterval < 0 {
		errs = append(errs, fmt.Errorf("WARMUP_INTERVAL must not be negative, got %s", c.WarmupInterval))
	}
	if c.RunTTL <= 0 {
		errs = append(errs, fmt.Errorf("RUN_TTL must be positive, got %s", c.RunTTL))
	}
	if c.TicketTTL <= 0 {
		errs = append(errs, fmt.Errorf("TICKET_TTL must be positive, got %s", c.TicketTTL))
	}
	if c.TicketIssuer == "" || c.TicketAudience == "" {
		errs = append(errs, errors.New("TICKET_ISSUER and TICKET_AUDIENCE are required"))
	}
	return errors.Join(errs...)
}

// Gate returns the gate timing constants.
func (c Config) Gate() gate.Config {
	return gate.Config{
		ProbeTimeout: c.ProbeTimeout,
		Ceiling:      c.Ceiling,
		ExitDelay:    c.ExitDelay,
	}
}
