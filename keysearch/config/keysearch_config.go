package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// Mirror store drivers.
const (
	DriverMemory    = "memory"
	DriverFirestore = "firestore"
	DriverRedis     = "redis"
	DriverPostgres  = "postgres"
)

// Defaults applied while mapping the YAML file.
const (
	DefaultTimeout          = 10 * time.Second
	DefaultMaxResponseBytes = int64(8 << 20)
	DefaultListenAddr       = ":8080"
)

var defaultPorts = map[keysearch.Protocol]int{
	keysearch.ProtocolHKP:  11371,
	keysearch.ProtocolHKPS: 443,
	keysearch.ProtocolLDAP: 389,
}

const defaultLDAPSPort = 636

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// CorsConfig is the processed CORS policy for the HTTP surface.
type CorsConfig struct {
	AllowedOrigins []string
	MaxAge         int
}

// MirrorConfig selects and configures the local mirror store.
type MirrorConfig struct {
	Driver              string
	FirestoreCollection string
	RedisURL            string
	RedisKeyPrefix      string
	PostgresDSN         string
}

// ServerConfig is one configured keyserver endpoint.
type ServerConfig struct {
	Name         string
	Protocol     keysearch.Protocol
	Host         string
	Port         int
	TLS          bool
	Timeout      time.Duration
	Enabled      bool
	Proxy        string
	BaseDN       string
	BindDN       string
	BindPassword string
	RateLimit    float64
	Burst        int
}

// Config defines the *single*, authoritative configuration for the key search
// service and CLI. It is created in two stages:
// 1. Loaded from YAML (see NewConfigFromYaml).
// 2. Updated with environment variables (see UpdateConfigWithEnvOverrides).
type Config struct {
	RunMode            string
	ProjectID          string
	HTTPListenAddr     string
	IdentityServiceURL string
	LogLevel           string
	OOMPolicy          string
	MaxConcurrency     int
	MaxResponseBytes   int64

	Cors    CorsConfig
	Mirror  MirrorConfig
	Servers []ServerConfig
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	override := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			*dst = v
		}
	}
	override("KEYSEARCH_HTTP_LISTEN_ADDR", &cfg.HTTPListenAddr)
	override("GCP_PROJECT_ID", &cfg.ProjectID)
	override("IDENTITY_SERVICE_URL", &cfg.IdentityServiceURL)
	override("KEYSEARCH_MIRROR_DRIVER", &cfg.Mirror.Driver)
	override("KEYSEARCH_REDIS_URL", &cfg.Mirror.RedisURL)
	override("KEYSEARCH_POSTGRES_DSN", &cfg.Mirror.PostgresDSN)

	// The bind password is exclusively environment-sourced.
	if pw := os.Getenv("KEYSEARCH_LDAP_BIND_PASSWORD"); pw != "" {
		logger.Debug("Loaded config value", "key", "KEYSEARCH_LDAP_BIND_PASSWORD", "source", "env")
		for i := range cfg.Servers {
			if cfg.Servers[i].Protocol == keysearch.ProtocolLDAP && cfg.Servers[i].BindDN != "" {
				cfg.Servers[i].BindPassword = pw
			}
		}
	}

	if disabled := os.Getenv("KEYSEARCH_DISABLED_ENDPOINTS"); disabled != "" {
		for _, name := range strings.Split(disabled, ",") {
			name = strings.TrimSpace(name)
			for i := range cfg.Servers {
				if cfg.Servers[i].Name == name {
					logger.Debug("Disabling endpoint", "endpoint", name, "source", "env")
					cfg.Servers[i].Enabled = false
				}
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Final config validation failed", "err", err)
		return nil, err
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("%w: at least one keyserver must be declared", ErrInvalidConfig)
	}
	for _, s := range c.Servers {
		if !s.Protocol.Valid() {
			return fmt.Errorf("%w: server %q has unknown protocol %q", ErrInvalidConfig, s.Name, s.Protocol)
		}
	}

	switch c.Mirror.Driver {
	case DriverMemory:
	case DriverFirestore:
		if c.ProjectID == "" {
			return fmt.Errorf("%w: firestore mirror requires GCP_PROJECT_ID", ErrInvalidConfig)
		}
	case DriverRedis:
		if c.Mirror.RedisURL == "" {
			return fmt.Errorf("%w: redis mirror requires KEYSEARCH_REDIS_URL", ErrInvalidConfig)
		}
	case DriverPostgres:
		if c.Mirror.PostgresDSN == "" {
			return fmt.Errorf("%w: postgres mirror requires KEYSEARCH_POSTGRES_DSN", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown mirror driver %q", ErrInvalidConfig, c.Mirror.Driver)
	}
	return nil
}

// Endpoints converts the configured servers to endpoints in declaration order.
func (c *Config) Endpoints() []keysearch.Endpoint {
	eps := make([]keysearch.Endpoint, 0, len(c.Servers))
	for _, s := range c.Servers {
		eps = append(eps, keysearch.Endpoint{
			Name:         s.Name,
			Protocol:     s.Protocol,
			Host:         s.Host,
			Port:         s.Port,
			TLS:          s.TLS,
			Timeout:      s.Timeout,
			Enabled:      s.Enabled,
			Proxy:        s.Proxy,
			BaseDN:       s.BaseDN,
			BindDN:       s.BindDN,
			BindPassword: s.BindPassword,
			RateLimit:    s.RateLimit,
			Burst:        s.Burst,
		})
	}
	return eps
}
