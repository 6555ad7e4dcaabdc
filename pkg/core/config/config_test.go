// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	// Isolate from ambient environment
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("ENABLE_MCP_TOOLS", "")

	path := writeFile(t, "config.yaml", `
server:
  host: 127.0.0.1
  port: 9090
backend:
  base_url: http://vllm:8000
  api_key: secret
mcp:
  enabled: true
  refresh_interval: 30s
  servers:
    - name: search
      url: http://search:9000/mcp
    - name: docs
      transport: sse
      url: http://docs:9001/sse
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Backend.BaseURL != "http://vllm:8000" {
		t.Errorf("unexpected backend url: %q", cfg.Backend.BaseURL)
	}
	if !cfg.MCP.Enabled || cfg.MCP.RefreshInterval != 30*time.Second {
		t.Errorf("unexpected mcp config: %+v", cfg.MCP)
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(cfg.MCP.Servers))
	}
	// Unset transport defaults to streamable http
	if cfg.MCP.Servers[0].Transport != "http" {
		t.Errorf("expected default transport http, got %q", cfg.MCP.Servers[0].Transport)
	}
	if cfg.MCP.Servers[1].Transport != "sse" {
		t.Errorf("expected sse transport kept, got %q", cfg.MCP.Servers[1].Transport)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  port: 8081\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MCP.RefreshInterval != 10*time.Second {
		t.Errorf("expected default refresh interval 10s, got %v", cfg.MCP.RefreshInterval)
	}
	if cfg.MCP.MaxToolIterations != 10 {
		t.Errorf("expected default max iterations 10, got %d", cfg.MCP.MaxToolIterations)
	}
	if cfg.Backend.RequestTimeout != 120*time.Second {
		t.Errorf("expected default request timeout, got %v", cfg.Backend.RequestTimeout)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoad_ToolTimeoutClamped(t *testing.T) {
	path := writeFile(t, "config.yaml", `
backend:
  request_timeout: 20s
mcp:
  tool_timeout: 40s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MCP.ToolTimeout != 10*time.Second {
		t.Errorf("expected tool timeout clamped to 10s, got %v", cfg.MCP.ToolTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_BASE_URL", "http://env-backend:8000")
	t.Setenv("ENABLE_MCP_TOOLS", "true")
	t.Setenv("MCP_TOOL_REFRESH_INTERVAL", "45")

	path := writeFile(t, "config.yaml", "backend:\n  base_url: http://file-backend:8000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backend.BaseURL != "http://env-backend:8000" {
		t.Errorf("env override lost: %q", cfg.Backend.BaseURL)
	}
	if !cfg.MCP.Enabled {
		t.Error("ENABLE_MCP_TOOLS not applied")
	}
	if cfg.MCP.RefreshInterval != 45*time.Second {
		t.Errorf("refresh interval override lost: %v", cfg.MCP.RefreshInterval)
	}
}

func TestLoad_DuplicateServerNamesRejected(t *testing.T) {
	path := writeFile(t, "config.yaml", `
mcp:
  servers:
    - name: a
      url: http://one
    - name: a
      url: http://two
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected duplicate server names to be rejected")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadServersFile(t *testing.T) {
	path := writeFile(t, "servers.json", `{
  "mcpServers": {
    "search": {"url": "http://search:9000/mcp", "transport": "http"},
    "docs": {"url": "http://docs:9001/sse", "transport": "sse"}
  }
}`)

	entries, err := LoadServersFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	byName := map[string]ServerEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	if byName["search"].URL != "http://search:9000/mcp" {
		t.Errorf("unexpected search entry: %+v", byName["search"])
	}
	if byName["docs"].Transport != "sse" {
		t.Errorf("unexpected docs entry: %+v", byName["docs"])
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Backend.BaseURL == "" {
		t.Error("expected default backend url")
	}
}
