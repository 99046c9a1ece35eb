package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	RunMode            string `yaml:"run_mode"`
	ProjectID          string `yaml:"project_id"`
	HTTPListenAddr     string `yaml:"http_listen_addr"`
	IdentityServiceURL string `yaml:"identity_service_url"`
	LogLevel           string `yaml:"log_level"`
	OOMPolicy          string `yaml:"oom_policy"`
	MaxConcurrency     int    `yaml:"max_concurrency"`
	MaxResponseBytes   int64  `yaml:"max_response_bytes"`

	Cors struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
		MaxAge         int      `yaml:"max_age"`
	} `yaml:"cors"`

	Mirror struct {
		Driver              string `yaml:"driver"`
		FirestoreCollection string `yaml:"firestore_collection"`
		RedisURL            string `yaml:"redis_url"`
		RedisKeyPrefix      string `yaml:"redis_key_prefix"`
		PostgresDSN         string `yaml:"postgres_dsn"`
	} `yaml:"mirror"`

	Servers []YamlServer `yaml:"servers"`
}

// YamlServer is one entry of the servers list.
type YamlServer struct {
	Name      string  `yaml:"name"`
	Protocol  string  `yaml:"protocol"`
	Host      string  `yaml:"host"`
	Port      int     `yaml:"port"`
	TLS       bool    `yaml:"tls"`
	Timeout   string  `yaml:"timeout"`
	Enabled   *bool   `yaml:"enabled"`
	Proxy     string  `yaml:"proxy"`
	BaseDN    string  `yaml:"base_dn"`
	BindDN    string  `yaml:"bind_dn"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a
// clean, base Config struct with defaults applied.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		RunMode:            baseCfg.RunMode,
		ProjectID:          baseCfg.ProjectID,
		HTTPListenAddr:     baseCfg.HTTPListenAddr,
		IdentityServiceURL: baseCfg.IdentityServiceURL,
		LogLevel:           baseCfg.LogLevel,
		OOMPolicy:          baseCfg.OOMPolicy,
		MaxConcurrency:     baseCfg.MaxConcurrency,
		MaxResponseBytes:   baseCfg.MaxResponseBytes,
		Cors: CorsConfig{
			AllowedOrigins: baseCfg.Cors.AllowedOrigins,
			MaxAge:         baseCfg.Cors.MaxAge,
		},
		Mirror: MirrorConfig{
			Driver:              strings.ToLower(baseCfg.Mirror.Driver),
			FirestoreCollection: baseCfg.Mirror.FirestoreCollection,
			RedisURL:            baseCfg.Mirror.RedisURL,
			RedisKeyPrefix:      baseCfg.Mirror.RedisKeyPrefix,
			PostgresDSN:         baseCfg.Mirror.PostgresDSN,
		},
	}
	if cfg.HTTPListenAddr == "" {
		cfg.HTTPListenAddr = DefaultListenAddr
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.Mirror.Driver == "" {
		cfg.Mirror.Driver = DriverMemory
	}
	if cfg.Mirror.FirestoreCollection == "" {
		cfg.Mirror.FirestoreCollection = "keyblocks"
	}

	for i, ys := range baseCfg.Servers {
		s, err := mapServer(ys)
		if err != nil {
			return nil, fmt.Errorf("servers[%d]: %w", i, err)
		}
		cfg.Servers = append(cfg.Servers, s)
	}

	logger.Debug("YAML config mapping complete",
		"run_mode", cfg.RunMode,
		"project_id", cfg.ProjectID,
		"http_listen_addr", cfg.HTTPListenAddr,
		"mirror_driver", cfg.Mirror.Driver,
		"servers", len(cfg.Servers),
		"cors_origins", cfg.Cors.AllowedOrigins,
	)
	return cfg, nil
}

func mapServer(ys YamlServer) (ServerConfig, error) {
	s := ServerConfig{
		Name:      ys.Name,
		Protocol:  keysearch.Protocol(strings.ToLower(ys.Protocol)),
		Host:      ys.Host,
		Port:      ys.Port,
		TLS:       ys.TLS,
		Timeout:   DefaultTimeout,
		Enabled:   ys.Enabled == nil || *ys.Enabled,
		Proxy:     ys.Proxy,
		BaseDN:    ys.BaseDN,
		BindDN:    ys.BindDN,
		RateLimit: ys.RateLimit,
		Burst:     ys.Burst,
	}
	if s.Protocol == keysearch.ProtocolHKPS {
		s.TLS = true
	}
	if s.Port == 0 {
		s.Port = defaultPorts[s.Protocol]
		if s.Protocol == keysearch.ProtocolLDAP && s.TLS {
			s.Port = defaultLDAPSPort
		}
	}
	if ys.Timeout != "" {
		d, err := time.ParseDuration(ys.Timeout)
		if err != nil {
			return ServerConfig{}, fmt.Errorf("invalid timeout %q for %q: %w", ys.Timeout, ys.Name, err)
		}
		s.Timeout = d
	}
	return s, nil
}

// ParseYaml unmarshals raw YAML bytes, such as an embedded default file.
func ParseYaml(data []byte) (*YamlConfig, error) {
	var yamlCfg YamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return &yamlCfg, nil
}

// Load runs both stages on raw YAML bytes.
func Load(data []byte, logger *slog.Logger) (*Config, error) {
	yamlCfg, err := ParseYaml(data)
	if err != nil {
		return nil, err
	}
	baseCfg, err := NewConfigFromYaml(yamlCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	return UpdateConfigWithEnvOverrides(baseCfg, logger)
}

// LoadFromFile reads a YAML file and runs both configuration stages.
func LoadFromFile(path string, logger *slog.Logger) (*Config, error) {
	logger.Debug("Loading config from file", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("Failed to read config file", "path", path, "err", err)
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}
	return Load(data, logger)
}
