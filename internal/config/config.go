package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Validate checks the whole configuration and returns the first problem
// found, prefixed with the section it belongs to.
//
// Returns:
//
//	error: Description of the invalid setting, nil when the config is usable
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration error: %w", err)
	}

	if err := c.Dispatcher.Validate(); err != nil {
		return fmt.Errorf("dispatcher configuration error: %w", err)
	}

	if err := c.Buffers.Validate(); err != nil {
		return fmt.Errorf("buffers configuration error: %w", err)
	}

	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration error: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("upstream configuration error: %w", err)
	}

	if err := c.Tunnel.Validate(); err != nil {
		return fmt.Errorf("tunnel configuration error: %w", err)
	}

	if err := c.Filters.Validate(); err != nil {
		return fmt.Errorf("filters configuration error: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration error: %w", err)
	}

	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin configuration error: %w", err)
	}

	return nil
}

// Validate checks the listener settings.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}

	if err := validPort(s.Port); err != nil {
		return err
	}

	if s.MaxConnections < 0 {
		return fmt.Errorf("max_connections must be non-negative")
	}

	if s.MaxLineLength < 256 {
		return fmt.Errorf("max_line_length must be at least 256")
	}

	if s.ProxyName == "" || strings.ContainsAny(s.ProxyName, " \t\r\n") {
		return fmt.Errorf("proxy_name must be a single token")
	}

	if s.GracefulTimeout < 0 {
		return fmt.Errorf("graceful_timeout must be non-negative")
	}

	return nil
}

// Validate checks the dispatcher settings.
func (d *DispatcherConfig) Validate() error {
	if d.SelectorThreads < 0 {
		return fmt.Errorf("selector_threads must be non-negative")
	}

	if d.WorkerThreads < 1 {
		return fmt.Errorf("worker_threads must be at least 1")
	}

	if d.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive")
	}

	if d.SpinThreshold < 1 {
		return fmt.Errorf("spin_threshold must be at least 1")
	}

	return nil
}

// Validate checks the buffer size classes.
func (b *BufferConfig) Validate() error {
	if b.SmallSize < 512 {
		return fmt.Errorf("small_size must be at least 512")
	}

	if b.LargeSize < b.SmallSize {
		return fmt.Errorf("large_size must not be smaller than small_size")
	}

	return nil
}

// Validate checks the cache settings. A zero MaxSize is valid and disables
// caching altogether.
func (c *CacheConfig) Validate() error {
	if c.MaxSize < 0 {
		return fmt.Errorf("max_size must be non-negative")
	}

	if c.MaxSize > 0 && c.Directory == "" {
		return fmt.Errorf("directory is required when caching is enabled")
	}

	if c.CacheTime <= 0 {
		return fmt.Errorf("cache_time must be positive")
	}

	if c.CleanLoop <= 0 {
		return fmt.Errorf("clean_loop must be positive")
	}

	if c.FilesPerDir < 1 {
		return fmt.Errorf("files_per_dir must be at least 1")
	}

	if c.HookCacheSize < 0 {
		return fmt.Errorf("hook_cache_size must be non-negative")
	}

	return nil
}

// Validate checks the upstream settings.
func (u *UpstreamConfig) Validate() error {
	if u.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}

	if u.KeepaliveTime < 0 {
		return fmt.Errorf("keepalive_time must be non-negative")
	}

	if u.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}

	if u.ProxyHost != "" {
		if err := validPort(u.ProxyPort); err != nil {
			return fmt.Errorf("proxy_port: %w", err)
		}
	}

	if u.ProxyAuth != "" && !strings.Contains(u.ProxyAuth, ":") {
		return fmt.Errorf("proxy_auth must have the form user:password")
	}

	return nil
}

// Validate checks the CONNECT port list.
func (t *TunnelConfig) Validate() error {
	for _, p := range t.AllowedPorts {
		if err := validPort(p); err != nil {
			return fmt.Errorf("allowed_ports: %w", err)
		}
	}
	return nil
}

var knownFilters = map[string]bool{
	"base":       true,
	"reverse":    true,
	"block":      true,
	"revalidate": true,
}

// Validate checks filter names and compiles every configured pattern once
// so that mistakes surface at startup.
func (f *FiltersConfig) Validate() error {
	for _, name := range append(append([]string{}, f.In...), f.Out...) {
		if !knownFilters[name] {
			return fmt.Errorf("unsupported filter %q", name)
		}
	}

	patterns := map[string]string{
		"block.block":             f.Block.Block,
		"block.allow":             f.Block.Allow,
		"reverse.transform_match": f.Reverse.TransformMatch,
		"reverse.deny":            f.Reverse.Deny,
		"revalidate.pattern":      f.Revalidate.Pattern,
	}
	for name, p := range patterns {
		if p == "" {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%s is not a valid pattern: %w", name, err)
		}
	}

	for _, target := range f.Reverse.Targets {
		if err := validTarget(target); err != nil {
			return fmt.Errorf("reverse target %q: %w", target, err)
		}
	}

	return nil
}

// Validate checks logging settings.
func (l *LoggingConfig) Validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unsupported log level %q", l.Level)
	}

	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", l.Format)
	}

	return nil
}

// Validate checks the admin endpoint settings.
func (a *AdminConfig) Validate() error {
	if !a.Enabled {
		return nil
	}

	if err := validPort(a.Port); err != nil {
		return err
	}

	if !strings.HasPrefix(a.MetricsPath, "/") {
		return fmt.Errorf("metrics_path must start with /")
	}

	return nil
}

// ListenAddress returns host:port for the client listener.
func (s *ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ListenAddress returns host:port for the admin listener.
func (a *AdminConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// UsesProxy reports whether requests go through a next-hop proxy.
func (u *UpstreamConfig) UsesProxy() bool {
	return u.ProxyHost != ""
}

// AllowsPort reports whether CONNECT to the given port is permitted.
func (t *TunnelConfig) AllowsPort(port int) bool {
	if !t.Enabled {
		return false
	}

	if len(t.AllowedPorts) == 0 {
		return true
	}

	for _, p := range t.AllowedPorts {
		if p == port {
			return true
		}
	}

	return false
}

func validPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

func validTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http")
	}

	if u.Host == "" {
		return fmt.Errorf("URL host is required")
	}

	return nil
}
