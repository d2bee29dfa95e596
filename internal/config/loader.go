package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "BURROW_"

// Loader reads configuration from files and the environment.
//
// A Loader carries no state besides its lookup function; it exists so
// that tests can substitute the environment.
type Loader struct {
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a Loader reading the process environment.
func NewLoader() *Loader {
	return &Loader{lookupEnv: os.LookupEnv}
}

// LoadDefault returns the default configuration with environment
// overrides applied and validated.
//
// Returns:
//
//	*Config: Default configuration plus overrides
//	error: Malformed override or validation failure
func (l *Loader) LoadDefault() (*Config, error) {
	cfg := DefaultConfig()

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file and merges it with
// defaults.
//
// This function:
//  1. Starts with default configuration values
//  2. Reads the specified YAML file
//  3. Unmarshals YAML data over the defaults
//  4. Applies BURROW_* environment overrides
//  5. Validates the result
//
// Parameters:
//
//	filename: Path to the YAML configuration file
//
// Returns:
//
//	*Config: Loaded configuration with defaults applied
//	error: File reading, YAML parsing or validation error
//
// Example:
//
//	cfg, err := config.NewLoader().LoadFromFile("burrow.yaml")
//	if err != nil {
//	  log.Fatalf("Failed to load config: %v", err)
//	}
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	cfg, err := l.readFile(filename)
	if err != nil {
		return nil, err
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateFile parses and validates a file without applying environment
// overrides.
func (l *Loader) ValidateFile(filename string) error {
	cfg, err := l.readFile(filename)
	if err != nil {
		return err
	}

	return cfg.Validate()
}

// SaveToFile writes the configuration as YAML.
func (l *Loader) SaveToFile(cfg *Config, filename string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	return nil
}

// GenerateExample returns a commented configuration file holding the
// default values.
func (l *Loader) GenerateExample() string {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("# Burrow Caching Proxy Configuration Example\n")
	b.WriteString("#\n")
	b.WriteString("# Every value below is the built-in default. Any field may be\n")
	b.WriteString("# overridden with an environment variable named\n")
	b.WriteString("# BURROW_<SECTION>_<FIELD>, for example BURROW_SERVER_PORT=8080.\n")
	b.WriteString("#\n")
	b.WriteString("# cache.max_size is in bytes; 0 disables the disk cache.\n")
	b.WriteString("# tunnel.allowed_ports empty means CONNECT to any port.\n")
	b.WriteString("# filters.in/out are applied in order: base, reverse, block, revalidate.\n\n")
	b.Write(data)

	return b.String()
}

func (l *Loader) readFile(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("configuration file not found: %s", filename)
		}
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return cfg, nil
}

// applyEnv walks the override table. Names in error messages drop the
// prefix, e.g. "invalid SERVER_PORT".
func (l *Loader) applyEnv(cfg *Config) error {
	for _, o := range overrides(cfg) {
		raw, ok := l.lookupEnv(EnvPrefix + o.name)
		if !ok || raw == "" {
			continue
		}
		if err := o.set(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", o.name, err)
		}
	}
	return nil
}

type override struct {
	name string
	set  func(string) error
}

func overrides(cfg *Config) []override {
	return []override{
		{"SERVER_HOST", setString(&cfg.Server.Host)},
		{"SERVER_PORT", setInt(&cfg.Server.Port)},
		{"SERVER_MAX_CONNECTIONS", setInt(&cfg.Server.MaxConnections)},
		{"SERVER_STRICT_HTTP", setBool(&cfg.Server.StrictHTTP)},
		{"SERVER_PROXY_NAME", setString(&cfg.Server.ProxyName)},
		{"DISPATCHER_SELECTOR_THREADS", setInt(&cfg.Dispatcher.SelectorThreads)},
		{"DISPATCHER_WORKER_THREADS", setInt(&cfg.Dispatcher.WorkerThreads)},
		{"DISPATCHER_DEFAULT_TIMEOUT", setDuration(&cfg.Dispatcher.DefaultTimeout)},
		{"CACHE_DIRECTORY", setString(&cfg.Cache.Directory)},
		{"CACHE_MAX_SIZE", setInt64(&cfg.Cache.MaxSize)},
		{"CACHE_CACHE_TIME", setDuration(&cfg.Cache.CacheTime)},
		{"CACHE_CLEAN_LOOP", setDuration(&cfg.Cache.CleanLoop)},
		{"UPSTREAM_MAX_ATTEMPTS", setInt(&cfg.Upstream.MaxAttempts)},
		{"UPSTREAM_KEEPALIVE_TIME", setDuration(&cfg.Upstream.KeepaliveTime)},
		{"UPSTREAM_PROXY_HOST", setString(&cfg.Upstream.ProxyHost)},
		{"UPSTREAM_PROXY_PORT", setInt(&cfg.Upstream.ProxyPort)},
		{"UPSTREAM_PROXY_AUTH", setString(&cfg.Upstream.ProxyAuth)},
		{"TUNNEL_ENABLED", setBool(&cfg.Tunnel.Enabled)},
		{"TUNNEL_ALLOWED_PORTS", setPorts(&cfg.Tunnel.AllowedPorts)},
		{"LOGGING_LEVEL", setString(&cfg.Logging.Level)},
		{"LOGGING_FORMAT", setString(&cfg.Logging.Format)},
		{"LOGGING_ACCESS_LOG", setBool(&cfg.Logging.AccessLog)},
		{"ADMIN_ENABLED", setBool(&cfg.Admin.Enabled)},
		{"ADMIN_HOST", setString(&cfg.Admin.Host)},
		{"ADMIN_PORT", setInt(&cfg.Admin.Port)},
	}
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setInt64(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// setPorts accepts a comma separated list; "any" clears the list.
func setPorts(dst *[]int) func(string) error {
	return func(v string) error {
		if strings.EqualFold(v, "any") {
			*dst = nil
			return nil
		}

		var ports []int
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			p, err := strconv.Atoi(part)
			if err != nil {
				return err
			}
			ports = append(ports, p)
		}
		*dst = ports
		return nil
	}
}
