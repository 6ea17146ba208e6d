package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig  `mapstructure:"server"`
	Sandbox   SandboxConfig `mapstructure:"sandbox"`
	Logging   LoggingConfig `mapstructure:"logging"`
	Languages []Language    `mapstructure:"languages"`
}

// ServerConfig holds the HTTP API and MCP transport settings
type ServerConfig struct {
	HTTPPort     int    `mapstructure:"http_port"`
	MCPTransport string `mapstructure:"mcp_transport"`
	MCPPort      int    `mapstructure:"mcp_port"`
}

// SandboxConfig holds isolation substrate settings
type SandboxConfig struct {
	Backend       string        `mapstructure:"backend"`
	CLIBinary     string        `mapstructure:"cli_binary"`
	DockerHost    string        `mapstructure:"docker_host"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	StopGraceSec  int           `mapstructure:"stop_grace_sec"`
	PidsLimit     int64         `mapstructure:"pids_limit"`
	ReapInterval  time.Duration `mapstructure:"reap_interval"`
	ReapMinAge    time.Duration `mapstructure:"reap_min_age"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language is one entry of the ordered languages list
type Language struct {
	ID          string   `mapstructure:"id"`
	Image       string   `mapstructure:"image"`
	EntryFile   string   `mapstructure:"entry_file"`
	CompileCmd  string   `mapstructure:"compile_cmd"`
	RunCmd      string   `mapstructure:"run_cmd"`
	TimeoutSec  int      `mapstructure:"timeout_sec"`
	MemoryMB    int      `mapstructure:"memory_mb"`
	CPUQuota    float64  `mapstructure:"cpu_quota"`
	Environment []string `mapstructure:"environment"`
}

// Transport and backend names
const (
	TransportNone  = "none"
	TransportStdio = "stdio"
	TransportHTTP  = "http"

	BackendDocker = "docker"
	BackendPodman = "podman"
)

// DefaultLanguages returns the built-in language table in registration order
func DefaultLanguages() []Language {
	return []Language{
		{
			ID:         "python",
			Image:      "python:3.12-alpine",
			EntryFile:  "main.py",
			RunCmd:     "python {file}",
			TimeoutSec: 10,
			MemoryMB:   256,
			CPUQuota:   0.5,
		},
		{
			ID:         "javascript",
			Image:      "node:20-alpine",
			EntryFile:  "main.js",
			RunCmd:     "node {file}",
			TimeoutSec: 10,
			MemoryMB:   256,
			CPUQuota:   0.5,
		},
		{
			ID:         "java",
			Image:      "openjdk:17-alpine",
			EntryFile:  "Main.java",
			CompileCmd: "javac {file}",
			RunCmd:     "java Main",
			TimeoutSec: 15,
			MemoryMB:   512,
			CPUQuota:   0.5,
		},
		{
			ID:          "go",
			Image:       "golang:1.23-alpine",
			EntryFile:   "main.go",
			CompileCmd:  "go build -o app {file}",
			RunCmd:      "./app",
			TimeoutSec:  15,
			MemoryMB:    512,
			CPUQuota:    0.5,
			Environment: []string{"GOCACHE=/tmp/gocache", "CGO_ENABLED=0"},
		},
		{
			ID:         "cpp",
			Image:      "gcc:13",
			EntryFile:  "main.cpp",
			CompileCmd: "g++ -std=c++17 -O2 -o app {file}",
			RunCmd:     "./app",
			TimeoutSec: 10,
			MemoryMB:   256,
			CPUQuota:   0.5,
		},
	}
}

// New loads and validates the application configuration from the default locations
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from file, or from ./config.yaml and ./config/config.yaml
// when file is empty. Environment variables prefixed with RUNBOX_ override file values.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if len(config.Languages) == 0 {
		config.Languages = DefaultLanguages()
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.mcp_transport", TransportNone)
	v.SetDefault("server.mcp_port", 8081)

	v.SetDefault("sandbox.backend", BackendDocker)
	v.SetDefault("sandbox.cli_binary", "podman")
	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.max_concurrent", 0)
	v.SetDefault("sandbox.stop_grace_sec", 1)
	v.SetDefault("sandbox.pids_limit", 128)
	v.SetDefault("sandbox.reap_interval", 5*time.Minute)
	v.SetDefault("sandbox.reap_min_age", 10*time.Minute)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	switch c.Server.MCPTransport {
	case TransportNone, TransportStdio:
	case TransportHTTP:
		if c.Server.MCPPort <= 0 || c.Server.MCPPort > 65535 {
			return fmt.Errorf("invalid server.mcp_port: %d", c.Server.MCPPort)
		}
		if c.Server.MCPPort == c.Server.HTTPPort {
			return fmt.Errorf("server.mcp_port must differ from server.http_port")
		}
	default:
		return fmt.Errorf("invalid server.mcp_transport: %s, must be 'none', 'stdio' or 'http'", c.Server.MCPTransport)
	}

	switch c.Sandbox.Backend {
	case BackendDocker:
	case BackendPodman:
		if c.Sandbox.CLIBinary == "" {
			return fmt.Errorf("sandbox.cli_binary is required for the podman backend")
		}
	default:
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.MaxConcurrent < 0 {
		return fmt.Errorf("sandbox.max_concurrent must not be negative, got: %d", c.Sandbox.MaxConcurrent)
	}

	if c.Sandbox.StopGraceSec < 0 {
		return fmt.Errorf("sandbox.stop_grace_sec must not be negative, got: %d", c.Sandbox.StopGraceSec)
	}

	if c.Sandbox.PidsLimit <= 0 {
		return fmt.Errorf("sandbox.pids_limit must be positive, got: %d", c.Sandbox.PidsLimit)
	}

	if c.Sandbox.ReapInterval <= 0 {
		return fmt.Errorf("sandbox.reap_interval must be positive, got: %s", c.Sandbox.ReapInterval)
	}

	seen := make(map[string]bool, len(c.Languages))
	for _, l := range c.Languages {
		if l.ID == "" {
			return fmt.Errorf("languages: id is required")
		}
		if seen[l.ID] {
			return fmt.Errorf("languages: duplicate id %s", l.ID)
		}
		seen[l.ID] = true

		if l.TimeoutSec <= 0 {
			return fmt.Errorf("languages.%s.timeout_sec must be positive, got: %d", l.ID, l.TimeoutSec)
		}
		if l.MemoryMB <= 0 {
			return fmt.Errorf("languages.%s.memory_mb must be positive, got: %d", l.ID, l.MemoryMB)
		}
		if l.CPUQuota <= 0 {
			return fmt.Errorf("languages.%s.cpu_quota must be positive, got: %g", l.ID, l.CPUQuota)
		}
		// A sandbox younger than its own timeout must never be reaped.
		if timeout := time.Duration(l.TimeoutSec) * time.Second; c.Sandbox.ReapMinAge <= 2*timeout {
			return fmt.Errorf("sandbox.reap_min_age (%s) must exceed twice languages.%s.timeout_sec", c.Sandbox.ReapMinAge, l.ID)
		}
	}

	return nil
}

// StopGrace returns the graceful stop period as a duration
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Sandbox.StopGraceSec) * time.Second
}
