// Package config loads the process configuration from an optional YAML file
// and environment variable overrides.
package config

import (
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"gopkg.in/yaml.v3"

	"github.com/rxtech-lab/iqfeed/pkg/errors"
)

// Default ports of the feed's lookup and derivative (bar) sockets, and the
// relay's own listen address.
const (
	DefaultLookupPort = 9100
	DefaultBarPort    = 9400
	DefaultListenAddr = "0.0.0.0:9999"
)

// Environment variable overrides, applied after the YAML file.
const (
	envFeedHost   = "IQFEED_HOST"
	envLookupPort = "IQFEED_PORT_LOOKUP"
	envBarPort    = "IQFEED_PORT_BARS"
	envListenAddr = "RELAY_LISTEN"
)

// FeedConfig locates the upstream feed.
type FeedConfig struct {
	Host       string `yaml:"host" validate:"required"`
	LookupPort int    `yaml:"lookupPort" validate:"gt=0,lte=65535"`
	BarPort    int    `yaml:"barPort" validate:"gt=0,lte=65535"`
}

// RelayConfig configures the front-end relay server.
type RelayConfig struct {
	ListenAddr string `yaml:"listenAddr" validate:"required"`
}

// Config is the process configuration.
type Config struct {
	Feed  FeedConfig  `yaml:"feed"`
	Relay RelayConfig `yaml:"relay"`
}

// DefaultConfig returns a Config with every default applied and no feed host.
func DefaultConfig() Config {
	return Config{
		Feed: FeedConfig{
			Host:       "",
			LookupPort: DefaultLookupPort,
			BarPort:    DefaultBarPort,
		},
		Relay: RelayConfig{
			ListenAddr: DefaultListenAddr,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, then validates it.
func Load(path optional.Option[string]) (Config, error) {
	cfg := DefaultConfig()

	if path.IsSome() {
		raw, err := os.ReadFile(path.Unwrap())
		if err != nil {
			return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "unable to read config file %s", path.Unwrap())
		}

		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "unable to parse config file %s", path.Unwrap())
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid config", err)
	}

	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(envFeedHost); v != "" {
		cfg.Feed.Host = v
	}

	if v := os.Getenv(envLookupPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Feed.LookupPort = port
		}
	}

	if v := os.Getenv(envBarPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Feed.BarPort = port
		}
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.Relay.ListenAddr = v
	}
}
