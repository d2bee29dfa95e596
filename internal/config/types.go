// Package config provides configuration management for the burrow proxy.
// It defines the configuration structures and validation logic for every
// proxy component: the client listener, the readiness dispatcher, buffer
// pools, the disk cache, upstream connections, CONNECT tunnelling, header
// filters, logging and the admin endpoint.
//
// The configuration system supports:
//   - YAML file-based configuration with environment variable overrides
//   - Validation of all configuration parameters with clear error messages
//
// Configuration Loading Priority (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (BURROW_<SECTION>_<FIELD>)
//  3. Configuration file
//  4. Default values
//
// Example configuration file:
//
//	server:
//	  port: 9666
//	  host: "0.0.0.0"
//	cache:
//	  directory: "/var/cache/burrow"
//	  max_size: 104857600
//	  cache_time: 24h
//	upstream:
//	  max_attempts: 5
//	tunnel:
//	  enabled: true
//	  allowed_ports: [443]
package config

import "time"

// Config represents the complete configuration for the burrow proxy.
// This is the root configuration structure that contains all settings.
type Config struct {
	// Server contains client listener configuration
	Server ServerConfig `yaml:"server" json:"server"`

	// Dispatcher configures the readiness loops and the worker pool
	Dispatcher DispatcherConfig `yaml:"dispatcher" json:"dispatcher"`

	// Buffers configures the pooled buffer sizes
	Buffers BufferConfig `yaml:"buffers" json:"buffers"`

	// Cache configures the disk cache engine
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Upstream configures origin connections and the optional next-hop proxy
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`

	// Tunnel configures CONNECT handling
	Tunnel TunnelConfig `yaml:"tunnel" json:"tunnel"`

	// Filters selects and configures the header filters
	Filters FiltersConfig `yaml:"filters" json:"filters"`

	// Logging configures log output format and verbosity
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Admin configures the health/metrics/status endpoint
	Admin AdminConfig `yaml:"admin" json:"admin"`

	// Version tracks the configuration file version for compatibility
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
}

// ServerConfig defines the client-facing listener.
type ServerConfig struct {
	// Host specifies the network interface to bind to (default: "0.0.0.0")
	Host string `yaml:"host" json:"host"`

	// Port specifies the TCP port to listen on (default: 9666)
	Port int `yaml:"port" json:"port"`

	// MaxConnections caps concurrently served clients (0 = unlimited)
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// StrictHTTP rejects sloppy headers (unbalanced quotes, bad chunk trailers)
	StrictHTTP bool `yaml:"strict_http" json:"strict_http"`

	// MaxLineLength is the longest request/header line accepted before 414
	MaxLineLength int `yaml:"max_line_length" json:"max_line_length"`

	// ProxyName is used in Via, Warning and Proxy-agent headers
	ProxyName string `yaml:"proxy_name" json:"proxy_name"`

	// GracefulTimeout specifies how long to wait during shutdown
	GracefulTimeout time.Duration `yaml:"graceful_timeout" json:"graceful_timeout"`
}

// DispatcherConfig tunes the readiness dispatcher.
type DispatcherConfig struct {
	// SelectorThreads is the number of event loops (default: NumCPU)
	SelectorThreads int `yaml:"selector_threads" json:"selector_threads"`

	// WorkerThreads bounds concurrently running blocking tasks
	WorkerThreads int `yaml:"worker_threads" json:"worker_threads"`

	// DefaultTimeout is the deadline given to socket operations
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// SpinThreshold is the number of consecutive idle wake-ups tolerated
	// before registrations are probed
	SpinThreshold int `yaml:"spin_threshold" json:"spin_threshold"`

	// ShutdownWait bounds the join of the event loops on shutdown
	ShutdownWait time.Duration `yaml:"shutdown_wait" json:"shutdown_wait"`
}

// BufferConfig sets the two buffer size classes.
type BufferConfig struct {
	SmallSize int `yaml:"small_size" json:"small_size"`
	LargeSize int `yaml:"large_size" json:"large_size"`
}

// CacheConfig configures the disk cache.
type CacheConfig struct {
	// Directory is the cache base directory
	Directory string `yaml:"directory" json:"directory"`

	// MaxSize is the retention budget in bytes; 0 disables caching
	MaxSize int64 `yaml:"max_size" json:"max_size"`

	// CacheTime is the default time to live of an entry
	CacheTime time.Duration `yaml:"cache_time" json:"cache_time"`

	// CleanLoop is the interval of the background sweep
	CleanLoop time.Duration `yaml:"clean_loop" json:"clean_loop"`

	// FilesPerDir is the number of entries per shard directory
	FilesPerDir int `yaml:"files_per_dir" json:"files_per_dir"`

	// HookCacheSize bounds the in-memory response header memo
	HookCacheSize int `yaml:"hook_cache_size" json:"hook_cache_size"`
}

// UpstreamConfig configures connections towards origin servers.
type UpstreamConfig struct {
	// MaxAttempts caps connection attempts for a safe request
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// KeepaliveTime is how long an idle pooled connection may be reused
	KeepaliveTime time.Duration `yaml:"keepalive_time" json:"keepalive_time"`

	// UsePipelining allows connections to be marked for pipelining
	UsePipelining bool `yaml:"use_pipelining" json:"use_pipelining"`

	// ConnectTimeout bounds a single connection attempt
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// DNSCacheTTL is how long resolved addresses are kept
	DNSCacheTTL time.Duration `yaml:"dns_cache_ttl" json:"dns_cache_ttl"`

	// ProxyHost/ProxyPort route every request through another proxy
	ProxyHost string `yaml:"proxy_host,omitempty" json:"proxy_host,omitempty"`
	ProxyPort int    `yaml:"proxy_port,omitempty" json:"proxy_port,omitempty"`

	// ProxyAuth is "user:password" sent as Basic Proxy-Authorization
	ProxyAuth string `yaml:"proxy_auth,omitempty" json:"proxy_auth,omitempty"`
}

// TunnelConfig configures CONNECT tunnelling.
type TunnelConfig struct {
	// Enabled allows CONNECT at all
	Enabled bool `yaml:"enabled" json:"enabled"`

	// AllowedPorts restricts CONNECT targets; empty allows any port
	AllowedPorts []int `yaml:"allowed_ports,omitempty" json:"allowed_ports,omitempty"`
}

// FiltersConfig lists the header filters, in order, and their settings.
type FiltersConfig struct {
	In  []string `yaml:"in" json:"in"`
	Out []string `yaml:"out" json:"out"`

	Block      BlockFilterConfig      `yaml:"block" json:"block"`
	Reverse    ReverseFilterConfig    `yaml:"reverse" json:"reverse"`
	Revalidate RevalidateFilterConfig `yaml:"revalidate" json:"revalidate"`
}

// BlockFilterConfig configures URL blocking.
type BlockFilterConfig struct {
	// Block is a regular expression; matching URIs get 403
	Block string `yaml:"block,omitempty" json:"block,omitempty"`

	// Allow, when set, turns the filter into an allow list
	Allow string `yaml:"allow,omitempty" json:"allow,omitempty"`

	// PatternFile holds one block pattern per line and is watched for changes
	PatternFile string `yaml:"pattern_file,omitempty" json:"pattern_file,omitempty"`
}

// ReverseFilterConfig configures reverse proxy mode.
type ReverseFilterConfig struct {
	// TransformMatch/TransformTo rewrite path-only request URIs
	TransformMatch string `yaml:"transform_match,omitempty" json:"transform_match,omitempty"`
	TransformTo    string `yaml:"transform_to,omitempty" json:"transform_to,omitempty"`

	// Targets are origin base URLs used round-robin for path-only URIs
	Targets []string `yaml:"targets,omitempty" json:"targets,omitempty"`

	// Deny rejects absolute URIs matching the pattern
	Deny string `yaml:"deny,omitempty" json:"deny,omitempty"`

	// AllowMeta lets requests for the proxy itself through Deny
	AllowMeta bool `yaml:"allow_meta" json:"allow_meta"`
}

// RevalidateFilterConfig forces revalidation of cached entries.
type RevalidateFilterConfig struct {
	Always  bool   `yaml:"always" json:"always"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// LoggingConfig defines logging output format and verbosity settings.
type LoggingConfig struct {
	// Level specifies the minimum log level to output
	Level string `yaml:"level" json:"level"`

	// Format specifies the log output format
	Format string `yaml:"format" json:"format"`

	// AccessLog enables/disables the per request access log
	AccessLog bool `yaml:"access_log" json:"access_log"`
}

// AdminConfig configures the admin HTTP endpoint.
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port" json:"port"`
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
	Namespace   string `yaml:"namespace" json:"namespace"`
}

// DefaultConfig returns a configuration with sensible default values.
//
// Default configuration includes:
//   - Proxy listening on 0.0.0.0:9666
//   - 10 MiB disk cache under /tmp/burrow/cache, 24h TTL, 1 minute sweep
//   - Five connection attempts for safe upstream requests
//   - CONNECT allowed to port 443 only
//   - Info-level text logging to stdout
//
// Returns:
//
//	*Config: Configuration with default values applied
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9666,
			MaxConnections:  1024,
			MaxLineLength:   8192,
			ProxyName:       "burrow",
			GracefulTimeout: 30 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			SelectorThreads: 0,
			WorkerThreads:   32,
			DefaultTimeout:  60 * time.Second,
			SpinThreshold:   100000,
			ShutdownWait:    5 * time.Second,
		},
		Buffers: BufferConfig{
			SmallSize: 4096,
			LargeSize: 128 * 1024,
		},
		Cache: CacheConfig{
			Directory:     "/tmp/burrow/cache",
			MaxSize:       10 * 1024 * 1024,
			CacheTime:     24 * time.Hour,
			CleanLoop:     60 * time.Second,
			FilesPerDir:   256,
			HookCacheSize: 1024,
		},
		Upstream: UpstreamConfig{
			MaxAttempts:    5,
			KeepaliveTime:  time.Second,
			UsePipelining:  true,
			ConnectTimeout: 30 * time.Second,
			DNSCacheTTL:    5 * time.Minute,
		},
		Tunnel: TunnelConfig{
			Enabled:      true,
			AllowedPorts: []int{443},
		},
		Filters: FiltersConfig{
			In:  []string{"base", "reverse", "block", "revalidate"},
			Out: []string{"base"},
			Reverse: ReverseFilterConfig{
				AllowMeta: true,
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			AccessLog: true,
		},
		Admin: AdminConfig{
			Enabled:     true,
			Host:        "127.0.0.1",
			Port:        9667,
			MetricsPath: "/metrics",
			Namespace:   "burrow",
		},
		Version: "0.1.0",
	}
}
