// Package config holds the environment-driven runtime configuration and the
// YAML deployment manifest (gateway route table plus managed-service
// commands).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/michalspano/appointdent/errors"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "APPOINTDENT"

// Config is the complete runtime configuration of a process. Every field
// has a default and an environment override.
type Config struct {
	// BusURL is the message bus broker address.
	BusURL string
	// Port is the HTTP listen port of the gateway.
	Port int
	// ServicesRoot is the directory whose immediate subdirectories are the
	// managed services.
	ServicesRoot string
	// ProxyTimeout bounds each forwarded request.
	ProxyTimeout time.Duration
	// QueueConcurrency is the admission queue's concurrency limit.
	QueueConcurrency int
	// SessionTTL is the sliding session lifetime.
	SessionTTL time.Duration
	// HeartbeatInterval is the liveness announcement cadence.
	HeartbeatInterval time.Duration
	// PanicThreshold is how long heartbeat silence is tolerated before a
	// service is declared dead.
	PanicThreshold time.Duration
	// StorePath is the session directory's database file.
	StorePath string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		BusURL:            "nats://localhost:4222",
		Port:              3000,
		ServicesRoot:      "services",
		ProxyTimeout:      10 * time.Second,
		QueueConcurrency:  64,
		SessionTTL:        time.Hour,
		HeartbeatInterval: time.Second,
		PanicThreshold:    10 * time.Second,
		StorePath:         "appointdent.db",
	}
}

// FromEnv returns the default configuration with environment overrides
// applied and validated.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if val := os.Getenv(EnvPrefix + "_BUS_URL"); val != "" {
		c.BusURL = val
	}
	if val := os.Getenv(EnvPrefix + "_SERVICES_ROOT"); val != "" {
		c.ServicesRoot = val
	}
	if val := os.Getenv(EnvPrefix + "_STORE_PATH"); val != "" {
		c.StorePath = val
	}

	var err error
	if c.Port, err = intEnv(EnvPrefix+"_PORT", c.Port); err != nil {
		return err
	}
	if c.QueueConcurrency, err = intEnv(EnvPrefix+"_QUEUE_CONCURRENCY", c.QueueConcurrency); err != nil {
		return err
	}
	if c.ProxyTimeout, err = durationEnv(EnvPrefix+"_PROXY_TIMEOUT", c.ProxyTimeout); err != nil {
		return err
	}
	if c.SessionTTL, err = durationEnv(EnvPrefix+"_SESSION_TTL", c.SessionTTL); err != nil {
		return err
	}
	if c.HeartbeatInterval, err = durationEnv(EnvPrefix+"_HEARTBEAT_INTERVAL", c.HeartbeatInterval); err != nil {
		return err
	}
	if c.PanicThreshold, err = durationEnv(EnvPrefix+"_PANIC_THRESHOLD", c.PanicThreshold); err != nil {
		return err
	}
	return nil
}

func intEnv(key string, current int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return current, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%s=%q: %w", key, val, err),
			"config", "intEnv", "parse integer override")
	}
	return n, nil
}

func durationEnv(key string, current time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return current, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%s=%q: %w", key, val, err),
			"config", "durationEnv", "parse duration override")
	}
	return d, nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	invalid := func(msg string) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg),
			"Config", "Validate", "validate configuration")
	}

	if c.BusURL == "" {
		return invalid("bus URL must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return invalid(fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.ProxyTimeout <= 0 {
		return invalid("proxy timeout must be positive")
	}
	if c.QueueConcurrency <= 0 {
		return invalid("queue concurrency must be positive")
	}
	if c.SessionTTL <= 0 {
		return invalid("session TTL must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return invalid("heartbeat interval must be positive")
	}
	if c.PanicThreshold < c.HeartbeatInterval {
		return invalid("panic threshold must be at least the heartbeat interval")
	}
	if c.StorePath == "" {
		return invalid("store path must not be empty")
	}
	return nil
}

// Route maps a path prefix to its backend service address.
type Route struct {
	Prefix string `yaml:"prefix"`
	Target string `yaml:"target"`
}

// ServiceEntry describes one managed service in the manifest. Empty command
// lists fall back to the orchestrator defaults.
type ServiceEntry struct {
	Name      string   `yaml:"name"`
	Build     []string `yaml:"build,omitempty"`
	Reinstall []string `yaml:"reinstall,omitempty"`
	Start     []string `yaml:"start,omitempty"`
}

// Manifest is the YAML deployment description: the gateway's route table
// and the services the orchestrator manages.
type Manifest struct {
	Routes   []Route        `yaml:"routes"`
	Services []ServiceEntry `yaml:"services"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "LoadManifest", "read manifest file")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapInvalid(err, "config", "LoadManifest", "parse manifest YAML")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for empty or duplicate entries.
func (m *Manifest) Validate() error {
	invalid := func(msg string) error {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, msg),
			"Manifest", "Validate", "validate manifest")
	}

	prefixes := make(map[string]bool, len(m.Routes))
	for _, r := range m.Routes {
		if r.Prefix == "" || r.Target == "" {
			return invalid("route prefix and target must not be empty")
		}
		if prefixes[r.Prefix] {
			return invalid("duplicate route prefix " + r.Prefix)
		}
		prefixes[r.Prefix] = true
	}

	names := make(map[string]bool, len(m.Services))
	for _, s := range m.Services {
		if s.Name == "" {
			return invalid("service name must not be empty")
		}
		if names[s.Name] {
			return invalid("duplicate service " + s.Name)
		}
		names[s.Name] = true
	}
	return nil
}

// Service returns the manifest entry for a service name, if present.
func (m *Manifest) Service(name string) (ServiceEntry, bool) {
	for _, s := range m.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceEntry{}, false
}
