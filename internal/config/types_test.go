package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/blockplane/blockplane/internal/chain"
)

func TestLoadFromFile_ValidConfig(t *testing.T) {
	// Create a temp config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "blockplane.yaml")

	configYAML := `libvirt_socket: /run/libvirt/libvirt-sock
monitor_socket_dir: /run/blockplane/monitors
state_dir: /var/lib/blockplane
log_level: debug
log_format: json
connect_timeout_sec: 10
max_chain_depth: 32
`

	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	config, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if config.LibvirtSocket != "/run/libvirt/libvirt-sock" {
		t.Errorf("Expected libvirt socket path, got %q", config.LibvirtSocket)
	}
	if config.MonitorSocketDir != "/run/blockplane/monitors" {
		t.Errorf("Expected monitor socket dir, got %q", config.MonitorSocketDir)
	}
	if config.StateDir != "/var/lib/blockplane" {
		t.Errorf("Expected state dir, got %q", config.StateDir)
	}
	if config.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got %q", config.LogLevel)
	}
	if config.LogFormat != "json" {
		t.Errorf("Expected log format 'json', got %q", config.LogFormat)
	}
	if config.ConnectTimeoutSec != 10 {
		t.Errorf("Expected connect timeout 10, got %d", config.ConnectTimeoutSec)
	}
	if config.MaxChainDepth != 32 {
		t.Errorf("Expected max chain depth 32, got %d", config.MaxChainDepth)
	}
}

func TestLoadFromFile_DefaultsApplied(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "blockplane.yaml")

	// Only the state dir is set; everything else defaults.
	configYAML := `state_dir: /var/lib/blockplane
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	config, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	def := DefaultConfig()
	if config.LogLevel != def.LogLevel {
		t.Errorf("Expected default log level %q, got %q", def.LogLevel, config.LogLevel)
	}
	if config.LogFormat != def.LogFormat {
		t.Errorf("Expected default log format %q, got %q", def.LogFormat, config.LogFormat)
	}
	if config.ConnectTimeoutSec != def.ConnectTimeoutSec {
		t.Errorf("Expected default connect timeout %d, got %d", def.ConnectTimeoutSec, config.ConnectTimeoutSec)
	}
	if config.MaxChainDepth != chain.MaxDepth {
		t.Errorf("Expected default max chain depth %d, got %d", chain.MaxDepth, config.MaxChainDepth)
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/blockplane.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(configPath, []byte("state_dir: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadFromFile(configPath)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig should validate: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "empty state dir",
			mutate: func(c *Config) { c.StateDir = "" },
		},
		{
			name:   "relative state dir",
			mutate: func(c *Config) { c.StateDir = "var/lib/blockplane" },
		},
		{
			name:   "relative monitor socket dir",
			mutate: func(c *Config) { c.MonitorSocketDir = "run/monitors" },
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.LogLevel = "verbose" },
		},
		{
			name:   "unknown log format",
			mutate: func(c *Config) { c.LogFormat = "xml" },
		},
		{
			name:   "negative connect timeout",
			mutate: func(c *Config) { c.ConnectTimeoutSec = -1 },
		},
		{
			name:   "zero chain depth",
			mutate: func(c *Config) { c.MaxChainDepth = 0 },
		},
		{
			name:   "chain depth above bound",
			mutate: func(c *Config) { c.MaxChainDepth = chain.MaxDepth + 1 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestNormalize_TrimsAndLowercases(t *testing.T) {
	c := &Config{StateDir: "/var/lib/blockplane", LogLevel: " INFO ", LogFormat: " Text "}
	c.Normalize()

	if c.LogLevel != "info" {
		t.Errorf("Expected normalized log level 'info', got %q", c.LogLevel)
	}
	if c.LogFormat != "text" {
		t.Errorf("Expected normalized log format 'text', got %q", c.LogFormat)
	}
}

func TestLogger_LevelAndFormat(t *testing.T) {
	c := DefaultConfig()
	c.LogLevel = "debug"
	c.LogFormat = "json"

	log := c.Logger()
	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %v", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("Expected JSON formatter, got %T", log.Formatter)
	}
}
