// Package config provides configuration loading and validation for the Scry application.
// It handles reading configuration from files, providing defaults, and ensuring
// all required settings are properly set.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lc/scry/internal/filesys"
)

var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNoConfig is returned when the configuration file is not found.
	ErrNoConfig = errors.New("configuration file not found")
)

const (
	// DefaultSocketPath is the default path for the Unix socket.
	DefaultSocketPath = "/var/run/scryd.socket"
	// DefaultConfigPath is the default path for the configuration file.
	DefaultConfigPath = ".scry/config.yaml"
	// DefaultQueryTimeout is the per-attempt timeout for an upstream DNS query.
	DefaultQueryTimeout = 5 * time.Second
	// DefaultQueryTries is the number of attempts made before a query fails.
	DefaultQueryTries = 3
	// DefaultMinRefresh clamps how often a watched name may be re-resolved.
	DefaultMinRefresh = 5 * time.Second
	// DefaultMaxRefresh caps how long a watched name may go without re-resolution.
	DefaultMaxRefresh = 30 * time.Minute
)

// Config holds the application configuration.
type Config struct {
	Socket   SocketConfig   `yaml:"socket"`
	Resolver ResolverConfig `yaml:"resolver"`
	Watch    WatchConfig    `yaml:"watch"`
}

// SocketConfig holds socket-related configuration.
type SocketConfig struct {
	Path string `yaml:"path"`
}

// ResolverConfig holds upstream DNS resolution configuration.
type ResolverConfig struct {
	// Servers lists explicit resolver endpoints as host:port, with IPv6
	// hosts bracketed ("[2001:db8::1]:53"). Empty means use the system
	// resolver configuration.
	Servers      []string      `yaml:"servers"`
	UseTCP       bool          `yaml:"use_tcp"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	QueryTries   int           `yaml:"query_tries"`
}

// WatchConfig holds watch refresh configuration.
type WatchConfig struct {
	MinRefresh time.Duration `yaml:"min_refresh"`
	MaxRefresh time.Duration `yaml:"max_refresh"`
}

// Provider defines the interface for loading configuration.
type Provider interface {
	Load() (*Config, error)
}

// FSProvider implements Provider using the local filesystem.
type FSProvider struct {
	fs   filesys.ReadWriteFS
	path string
}

// Verify FSProvider implements Provider interface.
var _ Provider = (*FSProvider)(nil)

// New creates a new configuration provider using the default configuration path.
// It uses the OS filesystem and the user's home directory to locate the configuration file.
// If the home directory cannot be determined, it falls back to the current directory.
func New() Provider {
	home, err := os.UserHomeDir()
	if err != nil {
		// Log the error but continue with empty path, which will resolve to current directory
		fmt.Fprintf(os.Stderr, "Warning: could not determine home directory: %v\n", err)
		home = ""
	}
	return NewWithPath(filesys.OS(), filepath.Join(home, DefaultConfigPath))
}

// NewWithPath creates a new provider with a specific config path.
// It allows specifying both the filesystem implementation and the path to use.
func NewWithPath(fs filesys.ReadWriteFS, path string) Provider {
	return &FSProvider{
		fs:   fs,
		path: path,
	}
}

// Default returns a default configuration with preset values.
// This is used when no configuration file exists.
func Default() *Config {
	return &Config{
		Socket: SocketConfig{
			Path: DefaultSocketPath,
		},
		Resolver: ResolverConfig{
			QueryTimeout: DefaultQueryTimeout,
			QueryTries:   DefaultQueryTries,
		},
		Watch: WatchConfig{
			MinRefresh: DefaultMinRefresh,
			MaxRefresh: DefaultMaxRefresh,
		},
	}
}

// Load loads the configuration from the specified path.
func (p *FSProvider) Load() (*Config, error) {
	_ = p.ensureConfigDir()

	cfg, err := p.loadAndParse()
	if err != nil {
		if errors.Is(err, ErrNoConfig) {
			return Default(), nil
		}
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return cfg, nil
}

// applyDefaults fills zero-valued fields so a sparse file still validates.
func (c *Config) applyDefaults() {
	if c.Socket.Path == "" {
		c.Socket.Path = DefaultSocketPath
	}
	if c.Resolver.QueryTimeout == 0 {
		c.Resolver.QueryTimeout = DefaultQueryTimeout
	}
	if c.Resolver.QueryTries == 0 {
		c.Resolver.QueryTries = DefaultQueryTries
	}
	if c.Watch.MinRefresh == 0 {
		c.Watch.MinRefresh = DefaultMinRefresh
	}
	if c.Watch.MaxRefresh == 0 {
		c.Watch.MaxRefresh = DefaultMaxRefresh
	}
}

// Validate checks the configuration to ensure all required fields are set.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Socket.Path) == "" {
		return errors.New("socket path cannot be empty")
	}
	for _, s := range c.Resolver.Servers {
		if _, err := netip.ParseAddrPort(s); err != nil {
			return fmt.Errorf("resolver server %q is not host:port: %v", s, err)
		}
	}
	if c.Resolver.QueryTimeout < 100*time.Millisecond {
		return errors.New("query timeout must be at least 100ms")
	}
	if c.Resolver.QueryTries < 1 {
		return errors.New("query tries must be at least 1")
	}
	if c.Watch.MinRefresh < time.Second {
		return errors.New("minimum refresh interval must be at least 1 second")
	}
	if c.Watch.MaxRefresh < c.Watch.MinRefresh {
		return errors.New("maximum refresh interval must not be below the minimum")
	}
	return nil
}

// ResolverServers parses the configured server strings into address/port pairs.
// Validate has already checked the syntax, so errors here are unexpected.
func (c *Config) ResolverServers() ([]netip.AddrPort, error) {
	if len(c.Resolver.Servers) == 0 {
		return nil, nil
	}
	servers := make([]netip.AddrPort, 0, len(c.Resolver.Servers))
	for _, s := range c.Resolver.Servers {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			return nil, fmt.Errorf("resolver server %q: %w", s, err)
		}
		servers = append(servers, ap)
	}
	return servers, nil
}

func (p *FSProvider) ensureConfigDir() error {
	dir := filepath.Dir(p.path)
	if _, err := p.fs.Stat(dir); os.IsNotExist(err) {
		if err := p.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	return nil
}

func (p *FSProvider) loadAndParse() (*Config, error) {
	f, err := p.fs.Open(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}

	return &cfg, nil
}
