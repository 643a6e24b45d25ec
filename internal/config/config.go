// Package config provides YAML configuration loading and validation for the
// jmprof forwarder and collector daemons. cmd/tracer and cmd/resolver
// deliberately do not use this package: they take flags and environment
// variables only, since a YAML parse failure must never block attaching to
// the traced process.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ForwarderConfig is the top-level configuration for cmd/forwarder.
type ForwarderConfig struct {
	// CollectorAddr is the gRPC endpoint of the collector (e.g.
	// "collector.example.com:4443"). Required.
	CollectorAddr string `yaml:"collector_addr"`

	// TLS holds the paths to the forwarder certificate, private key, and CA
	// certificate used for mTLS. Required unless Insecure is set.
	TLS TLSConfig `yaml:"tls"`

	// Insecure dials the collector in plaintext, skipping TLS entirely. Only
	// meant for local development.
	Insecure bool `yaml:"insecure"`

	// QueuePath is the path to the local SQLite at-least-once queue
	// database. Defaults to "jmprof-forwarder.db" when omitted.
	QueuePath string `yaml:"queue_path"`

	// WatchDir is the directory the forwarder polls for trace files written
	// by cmd/tracer (typically os.TempDir()). Defaults to "/tmp" when
	// omitted.
	WatchDir string `yaml:"watch_dir"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server.
	// Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// AgentVersion is sent to the collector during RegisterRun.
	AgentVersion string `yaml:"agent_version"`
}

// CollectorConfig is the top-level configuration for cmd/collector.
type CollectorConfig struct {
	// GRPCAddr is the listen address for the LeakCollector gRPC service.
	// Defaults to ":4443" when omitted.
	GRPCAddr string `yaml:"grpc_addr"`

	// RESTAddr is the listen address for the read-only query API. Defaults
	// to ":8080" when omitted.
	RESTAddr string `yaml:"rest_addr"`

	// TLS holds the collector's server certificate and key, plus the CA
	// used to verify forwarder client certificates. Required unless
	// Insecure is set.
	TLS TLSConfig `yaml:"tls"`

	Insecure bool `yaml:"insecure"`

	// PostgresDSN is the connection string for the run/leak store.
	// Required.
	PostgresDSN string `yaml:"postgres_dsn"`

	// JWTSigningKey signs and verifies REST API bearer tokens. Required.
	JWTSigningKey string `yaml:"jwt_signing_key"`

	LogLevel string `yaml:"log_level"`
}

// TLSConfig holds certificate and key paths for mTLS.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadForwarderConfig reads and validates a ForwarderConfig from path.
func LoadForwarderConfig(path string) (*ForwarderConfig, error) {
	var cfg ForwarderConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = "jmprof-forwarder.db"
	}
	if cfg.WatchDir == "" {
		cfg.WatchDir = "/tmp"
	}

	var errs []error
	if cfg.CollectorAddr == "" {
		errs = append(errs, errors.New("collector_addr is required"))
	}
	if !cfg.Insecure {
		if cfg.TLS.CertPath == "" {
			errs = append(errs, errors.New("tls.cert_path is required unless insecure is set"))
		}
		if cfg.TLS.KeyPath == "" {
			errs = append(errs, errors.New("tls.key_path is required unless insecure is set"))
		}
		if cfg.TLS.CAPath == "" {
			errs = append(errs, errors.New("tls.ca_path is required unless insecure is set"))
		}
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

// LoadCollectorConfig reads and validates a CollectorConfig from path.
func LoadCollectorConfig(path string) (*CollectorConfig, error) {
	var cfg CollectorConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.GRPCAddr == "" {
		cfg.GRPCAddr = ":4443"
	}
	if cfg.RESTAddr == "" {
		cfg.RESTAddr = ":8080"
	}

	var errs []error
	if cfg.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres_dsn is required"))
	}
	if cfg.JWTSigningKey == "" {
		errs = append(errs, errors.New("jwt_signing_key is required"))
	}
	if !cfg.Insecure {
		if cfg.TLS.CertPath == "" {
			errs = append(errs, errors.New("tls.cert_path is required unless insecure is set"))
		}
		if cfg.TLS.KeyPath == "" {
			errs = append(errs, errors.New("tls.key_path is required unless insecure is set"))
		}
		if cfg.TLS.CAPath == "" {
			errs = append(errs, errors.New("tls.ca_path is required unless insecure is set"))
		}
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	return nil
}
