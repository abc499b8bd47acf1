// Package config handles toolmux configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// KeyDelimiter separates the capability name from the owning server
// name in composite capability keys. Server names may not contain it.
const KeyDelimiter = "@"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./toolmux.yaml, ~/.config/toolmux/config.yaml, /etc/toolmux/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"toolmux.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolmux", "config.yaml"))
	}

	paths = append(paths, "/etc/toolmux/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all toolmux configuration.
type Config struct {
	Servers   []ServerConfig `yaml:"servers" toml:"servers"`
	Sessions  SessionsConfig `yaml:"sessions" toml:"sessions"`
	Catalog   CatalogConfig  `yaml:"catalog" toml:"catalog"`
	MQTT      MQTTConfig     `yaml:"mqtt" toml:"mqtt"`
	DataDir   string         `yaml:"data_dir" toml:"data_dir"`
	LogLevel  string         `yaml:"log_level" toml:"log_level"`
	LogFormat string         `yaml:"log_format" toml:"log_format"` // text (default) or json
}

// ServerConfig describes one tool server. Shared servers are opened at
// startup; tenant-scoped servers are opened per tenant on first use.
type ServerConfig struct {
	Name      string `yaml:"name" toml:"name"`
	Transport string `yaml:"transport" toml:"transport"` // stdio, socket, http

	// stdio
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`
	Env     []string `yaml:"env" toml:"env"` // KEY=VALUE, appended to the process environment

	// socket / http
	URL     string            `yaml:"url" toml:"url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`

	// TimeoutSec overrides sessions.call_timeout_sec for this server.
	TimeoutSec int `yaml:"timeout_sec" toml:"timeout_sec"`

	// TenantScoped servers are never opened in the shared pool.
	TenantScoped bool `yaml:"tenant_scoped" toml:"tenant_scoped"`
}

// CallTimeout returns the per-call timeout for this server, falling
// back to def when the server does not override it.
func (s ServerConfig) CallTimeout(def time.Duration) time.Duration {
	if s.TimeoutSec > 0 {
		return time.Duration(s.TimeoutSec) * time.Second
	}
	return def
}

// SessionsConfig controls session timing: call deadlines, reconnect
// backoff, and tenant-session idle eviction.
type SessionsConfig struct {
	CallTimeoutSec      int `yaml:"call_timeout_sec" toml:"call_timeout_sec"`
	DiscoveryTimeoutSec int `yaml:"discovery_timeout_sec" toml:"discovery_timeout_sec"`
	BackoffBaseMS       int `yaml:"backoff_base_ms" toml:"backoff_base_ms"`
	BackoffMaxSec       int `yaml:"backoff_max_sec" toml:"backoff_max_sec"`
	IdleTimeoutSec      int `yaml:"idle_timeout_sec" toml:"idle_timeout_sec"`
	SweepIntervalSec    int `yaml:"sweep_interval_sec" toml:"sweep_interval_sec"`
}

// CallTimeout returns the default per-call deadline.
func (s SessionsConfig) CallTimeout() time.Duration {
	return time.Duration(s.CallTimeoutSec) * time.Second
}

// DiscoveryTimeout returns the tools/list deadline.
func (s SessionsConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(s.DiscoveryTimeoutSec) * time.Second
}

// BackoffBase returns the first reconnect delay.
func (s SessionsConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the reconnect delay ceiling.
func (s SessionsConfig) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxSec) * time.Second
}

// IdleTimeout returns how long a tenant session may sit unused.
func (s SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSec) * time.Second
}

// SweepInterval returns how often idle tenant sessions are swept.
func (s SessionsConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSec) * time.Second
}

// CatalogConfig controls capability discovery caching.
type CatalogConfig struct {
	TTLSec int `yaml:"ttl_sec" toml:"ttl_sec"`
}

// TTL returns how long a discovery pass stays fresh.
func (c CatalogConfig) TTL() time.Duration {
	return time.Duration(c.TTLSec) * time.Second
}

// MQTTConfig configures the optional session-status publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker" toml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username" toml:"username"`
	Password           string `yaml:"password" toml:"password"`
	DeviceName         string `yaml:"device_name" toml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix" toml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec" toml:"publish_interval_sec"`
}

// Configured reports whether an MQTT broker has been set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Server returns the configuration for the named server.
func (c *Config) Server(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// SharedServers returns the servers opened at startup.
func (c *Config) SharedServers() []ServerConfig {
	var out []ServerConfig
	for _, s := range c.Servers {
		if !s.TenantScoped {
			out = append(out, s)
		}
	}
	return out
}

// Load reads configuration from a YAML file, or TOML when the path
// ends in ".toml". Environment variables (${VAR}) are expanded before
// parsing, defaults are applied, and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a default configuration with no servers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Sessions.CallTimeoutSec <= 0 {
		c.Sessions.CallTimeoutSec = 60
	}
	if c.Sessions.DiscoveryTimeoutSec <= 0 {
		c.Sessions.DiscoveryTimeoutSec = 30
	}
	if c.Sessions.BackoffBaseMS <= 0 {
		c.Sessions.BackoffBaseMS = 1000
	}
	if c.Sessions.BackoffMaxSec <= 0 {
		c.Sessions.BackoffMaxSec = 60
	}
	if c.Sessions.IdleTimeoutSec <= 0 {
		c.Sessions.IdleTimeoutSec = 900
	}
	if c.Sessions.SweepIntervalSec <= 0 {
		c.Sessions.SweepIntervalSec = 120
	}
	if c.Catalog.TTLSec <= 0 {
		c.Catalog.TTLSec = 300
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "toolmux"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	c.DataDir = expandHome(c.DataDir)
	for i := range c.Servers {
		if c.Servers[i].Transport == "" {
			if c.Servers[i].Command != "" {
				c.Servers[i].Transport = "stdio"
			} else {
				c.Servers[i].Transport = "http"
			}
		}
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate checks the configuration for errors that would otherwise
// surface later as confusing runtime failures.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: must be text or json", c.LogFormat))
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("servers[%d]: %w", i, err))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
	}

	if c.Sessions.BackoffBase() > c.Sessions.BackoffMax() {
		errs = append(errs, errors.New("sessions: backoff_base_ms exceeds backoff_max_sec"))
	}

	return errors.Join(errs...)
}

func (s ServerConfig) validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if strings.Contains(s.Name, KeyDelimiter) {
		return fmt.Errorf("name %q must not contain %q", s.Name, KeyDelimiter)
	}
	switch strings.ToLower(s.Transport) {
	case "stdio", "subprocess":
		if s.Command == "" {
			return fmt.Errorf("%s: command is required for stdio transport", s.Name)
		}
	case "socket", "websocket", "ws":
		if s.URL == "" {
			return fmt.Errorf("%s: url is required for socket transport", s.Name)
		}
	case "http", "streamable-http", "streamable_http":
		if s.URL == "" {
			return fmt.Errorf("%s: url is required for http transport", s.Name)
		}
	default:
		return fmt.Errorf("%s: unknown transport %q (valid: stdio, socket, http)", s.Name, s.Transport)
	}
	return nil
}
