// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	MCP     MCPConfig     `yaml:"mcp"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// BackendConfig describes the OpenAI-compatible inference backend.
// BaseURL is the server root without the /v1 prefix
// (e.g. "http://localhost:8000").
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// EmitReasoning surfaces backend reasoning deltas as a distinct
	// stream event kind instead of dropping them.
	EmitReasoning bool `yaml:"emit_reasoning"`
}

// MCPConfig controls the MCP tool registry.
type MCPConfig struct {
	// Enabled gates tool injection entirely. Backends like vLLM reject
	// requests that carry tool definitions unless started with
	// --enable-auto-tool-choice, so this defaults to off.
	Enabled bool `yaml:"enabled"`

	// Servers is the static list of MCP servers to connect to.
	Servers []ServerEntry `yaml:"servers"`

	// ServersFile optionally points to a Claude-style
	// {"mcpServers": {...}} JSON file merged into Servers.
	ServersFile string `yaml:"servers_file"`

	RefreshInterval time.Duration `yaml:"refresh_interval"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`

	// ToolTimeout bounds a single tools/call round trip. It is clamped
	// strictly below Backend.RequestTimeout so a slow tool provider
	// cannot starve the main request budget.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// MaxToolIterations bounds the number of backend round trips the
	// engine performs while executing registry-owned tool calls.
	MaxToolIterations int `yaml:"max_tool_iterations"`
}

// ServerEntry identifies a single MCP server.
type ServerEntry struct {
	Name      string            `yaml:"name" json:"name"`
	Transport string            `yaml:"transport" json:"transport"` // "http" (streamable) or "sse"
	URL       string            `yaml:"url" json:"url"`
	Headers   map[string]string `yaml:"headers" json:"headers"`
}

// LoggingConfig contains logger configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.MCP.ServersFile != "" {
		entries, err := LoadServersFile(cfg.MCP.ServersFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MCP servers file: %w", err)
		}
		cfg.MCP.Servers = append(cfg.MCP.Servers, entries...)
	}

	if err := validateServers(cfg.MCP.Servers); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns default configuration
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			Timeout: 60 * time.Second,
		},
	}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

// LoadServersFile parses a Claude-style servers config:
//
//	{"mcpServers": {"name": {"url": "...", "transport": "http"}}}
func LoadServersFile(path string) ([]ServerEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		MCPServers map[string]ServerEntry `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	entries := make([]ServerEntry, 0, len(doc.MCPServers))
	for name, entry := range doc.MCPServers {
		entry.Name = name
		entries = append(entries, entry)
	}
	return entries, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("ENABLE_MCP_TOOLS"); v != "" {
		cfg.MCP.Enabled = isTruthy(v)
	}
	if v := os.Getenv("MCP_SERVERS_CONFIG_PATH"); v != "" {
		cfg.MCP.ServersFile = v
	}
	if v := os.Getenv("MCP_TOOL_REFRESH_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.MCP.RefreshInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 60 * time.Second
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = "http://localhost:8000"
	}
	if cfg.Backend.RequestTimeout == 0 {
		cfg.Backend.RequestTimeout = 120 * time.Second
	}
	if cfg.MCP.RefreshInterval == 0 {
		cfg.MCP.RefreshInterval = 10 * time.Second
	}
	if cfg.MCP.ConnectTimeout == 0 {
		cfg.MCP.ConnectTimeout = 5 * time.Second
	}
	if cfg.MCP.ToolTimeout == 0 {
		cfg.MCP.ToolTimeout = 30 * time.Second
	}
	// Tool invocations must finish well inside the request budget.
	if cfg.MCP.ToolTimeout >= cfg.Backend.RequestTimeout {
		cfg.MCP.ToolTimeout = cfg.Backend.RequestTimeout / 2
	}
	if cfg.MCP.MaxToolIterations == 0 {
		cfg.MCP.MaxToolIterations = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	for i := range cfg.MCP.Servers {
		if cfg.MCP.Servers[i].Transport == "" {
			cfg.MCP.Servers[i].Transport = "http"
		}
	}
}

func validateServers(entries []ServerEntry) error {
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return fmt.Errorf("mcp server with url %q has no name", e.URL)
		}
		if e.URL == "" {
			return fmt.Errorf("mcp server %q has no url", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate mcp server name %q", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}
