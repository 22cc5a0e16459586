// Package config loads service settings from defaults, an optional YAML file
// and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/example/touristwatch/internal/http/middleware"
)

// ConfigPathEnvVar names the variable holding the YAML file path.
const ConfigPathEnvVar = "CONFIG_PATH"

const envPrefix = "TOURISTWATCH_"

const (
	TransportSSE   = "sse"
	TransportNATS  = "nats"
	TransportRelay = "relay"
)

type Config struct {
	Service string       `koanf:"service"`
	HTTP    HTTPConfig   `koanf:"http"`
	Feed    FeedConfig   `koanf:"feed"`
	Relay   RelayConfig  `koanf:"relay"`
	Redis   RedisConfig  `koanf:"redis"`
	NATS    NATSConfig   `koanf:"nats"`
	Auth    AuthConfig   `koanf:"auth"`
	Alerts  AlertsConfig `koanf:"alerts"`
}

type HTTPConfig struct {
	Addr        string                `koanf:"addr"`
	MetricsAddr string                `koanf:"metrics_addr"`
	CORSOrigins []string              `koanf:"cors_origins"`
	ReadLimit   middleware.RateConfig `koanf:"read_limit"`
	WriteLimit  middleware.RateConfig `koanf:"write_limit"`
}

type FeedConfig struct {
	Transport          string        `koanf:"transport"`
	URL                string        `koanf:"url"`
	Subject            string        `koanf:"subject"`
	AutoConnect        bool          `koanf:"auto_connect"`
	MaxRetries         int           `koanf:"max_retries"`
	RetryDelay         time.Duration `koanf:"retry_delay"`
	PositionMaxAge     time.Duration `koanf:"position_max_age"`
	PruneInterval      time.Duration `koanf:"prune_interval"`
	ResetOnDisconnect  bool          `koanf:"reset_on_disconnect"`
	DefaultSafetyScore float64       `koanf:"default_safety_score"`
}

type RelayConfig struct {
	Addr string `koanf:"addr"`
}

type RedisConfig struct {
	Addr   string `koanf:"addr"`
	Prefix string `koanf:"prefix"`
}

type NATSConfig struct {
	URL          string `koanf:"url"`
	Embedded     bool   `koanf:"embedded"`
	EmbeddedPort int    `koanf:"embedded_port"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
}

type AlertsConfig struct {
	DispatchInterval time.Duration `koanf:"dispatch_interval"`
	RetryMax         int           `koanf:"retry_max"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Service: "monitorservice",
		HTTP: HTTPConfig{
			Addr:        ":8080",
			MetricsAddr: ":9102",
			CORSOrigins: []string{"http://localhost:3000"},
			ReadLimit:   middleware.RateConfig{Rate: 20, Burst: 40},
			WriteLimit:  middleware.RateConfig{Rate: 2, Burst: 5},
		},
		Feed: FeedConfig{
			Transport:          TransportSSE,
			URL:                "http://localhost:8090/stream",
			AutoConnect:        true,
			MaxRetries:         5,
			RetryDelay:         3 * time.Second,
			PruneInterval:      time.Minute,
			DefaultSafetyScore: 100,
		},
		Relay:  RelayConfig{Addr: ":9090"},
		Redis:  RedisConfig{Prefix: "tourist:"},
		NATS:   NATSConfig{EmbeddedPort: -1},
		Alerts: AlertsConfig{DispatchInterval: 500 * time.Millisecond, RetryMax: 3},
	}
}

// Load layers defaults, the YAML file at path (skipped when empty) and then
// environment variables.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv reads the file named by CONFIG_PATH, if any.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv(ConfigPathEnvVar))
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Feed.Transport {
	case TransportSSE:
		if c.Feed.URL == "" {
			errs = append(errs, errors.New("feed.url is required for the sse transport"))
		}
	case TransportNATS:
		if c.NATS.URL == "" && !c.NATS.Embedded {
			errs = append(errs, errors.New("nats.url or nats.embedded is required for the nats transport"))
		}
	case TransportRelay:
		if c.Relay.Addr == "" {
			errs = append(errs, errors.New("relay.addr is required for the relay transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("feed.transport %q is not one of sse, nats, relay", c.Feed.Transport))
	}
	if c.Feed.MaxRetries < 1 {
		errs = append(errs, errors.New("feed.max_retries must be at least 1"))
	}
	if c.Feed.PositionMaxAge < 0 {
		errs = append(errs, errors.New("feed.position_max_age must not be negative"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// envAliases keeps the short variable names used by deployment scripts.
var envAliases = map[string]string{
	"http_addr":    "http.addr",
	"metrics_addr": "http.metrics_addr",
	"feed_url":     "feed.url",
	"redis_addr":   "redis.addr",
	"nats_url":     "nats.url",
	"jwt_secret":   "auth.jwt_secret",
	"relay_addr":   "relay.addr",
}

// envTransformFunc maps TOURISTWATCH_FEED__RETRY_DELAY to feed.retry_delay
// and the aliases above to their paths. Other variables are ignored.
func envTransformFunc(key string) string {
	lower := strings.ToLower(key)
	if path, ok := envAliases[lower]; ok {
		return path
	}
	if strings.HasPrefix(key, envPrefix) {
		return strings.ReplaceAll(strings.TrimPrefix(lower, strings.ToLower(envPrefix)), "__", ".")
	}
	return ""
}
