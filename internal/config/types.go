// Package config holds the daemon configuration: where to find libvirt and
// the monitor sockets, where per-VM state lives, and the operational limits
// applied to storage chains.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/blockplane/blockplane/internal/chain"
)

// Config is the complete daemon configuration.
type Config struct {
	// LibvirtSocket is the libvirt daemon socket. Empty selects the
	// default local qemu:///system socket.
	LibvirtSocket string `yaml:"libvirt_socket,omitempty"`

	// MonitorSocketDir holds per-VM QMP sockets for direct monitor
	// access. When empty, commands route through the libvirt passthrough.
	MonitorSocketDir string `yaml:"monitor_socket_dir,omitempty"`

	// StateDir holds the per-VM state documents.
	StateDir string `yaml:"state_dir"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level,omitempty"`

	// LogFormat selects text or json output.
	LogFormat string `yaml:"log_format,omitempty"`

	// ConnectTimeoutSec bounds the libvirt connection attempt.
	ConnectTimeoutSec int `yaml:"connect_timeout_sec,omitempty"`

	// MaxChainDepth caps accepted backing chains. Zero uses the built-in
	// bound; values above it are rejected.
	MaxChainDepth int `yaml:"max_chain_depth,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		StateDir:          "/var/lib/blockplane",
		LogLevel:          "info",
		LogFormat:         "text",
		ConnectTimeoutSec: 5,
		MaxChainDepth:     chain.MaxDepth,
	}
}

// Normalize fills defaults into unset fields. Called automatically by
// LoadFromFile before validation.
func (c *Config) Normalize() {
	def := DefaultConfig()

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	if c.StateDir == "" {
		c.StateDir = def.StateDir
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.ConnectTimeoutSec == 0 {
		c.ConnectTimeoutSec = def.ConnectTimeoutSec
	}
	if c.MaxChainDepth == 0 {
		c.MaxChainDepth = def.MaxChainDepth
	}
}

// Validate checks the configuration for errors. It does not touch the
// filesystem; missing directories are created on first use.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("state_dir must be an absolute path, got %q", c.StateDir)
	}
	if c.MonitorSocketDir != "" && !filepath.IsAbs(c.MonitorSocketDir) {
		return fmt.Errorf("monitor_socket_dir must be an absolute path, got %q", c.MonitorSocketDir)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	if c.ConnectTimeoutSec < 0 {
		return fmt.Errorf("connect_timeout_sec must be >= 0, got %d", c.ConnectTimeoutSec)
	}
	if c.MaxChainDepth < 1 || c.MaxChainDepth > chain.MaxDepth {
		return fmt.Errorf("max_chain_depth must be between 1 and %d, got %d", chain.MaxDepth, c.MaxChainDepth)
	}

	return nil
}

// Logger builds a logrus logger per the configured level and format. Call
// only after Validate.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

// LoadFromFile loads a configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Normalize user input before validation
	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
