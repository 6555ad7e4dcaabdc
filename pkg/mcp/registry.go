// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openresponses/bridge/pkg/core/config"
	"github.com/openresponses/bridge/pkg/observability/logging"
)

// ToolDef is one entry in a published snapshot: a tool definition plus
// the server that owns it.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
	Server      string
}

// Snapshot is an immutable view of the known tool set. A new snapshot
// replaces the previous one wholesale on each refresh; readers hold a
// reference for the duration of their use and never re-read
// mid-operation.
type Snapshot struct {
	tools map[string]ToolDef
	names []string // sorted
}

var emptySnapshot = &Snapshot{tools: map[string]ToolDef{}}

// NewSnapshot builds a snapshot from a fixed set of definitions. Later
// duplicates of a name are dropped.
func NewSnapshot(defs []ToolDef) *Snapshot {
	tools := make(map[string]ToolDef, len(defs))
	for _, def := range defs {
		if _, ok := tools[def.Name]; ok {
			continue
		}
		tools[def.Name] = def
	}
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Snapshot{tools: tools, names: names}
}

// Len returns the number of tools in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.tools)
}

// Lookup resolves a tool by name.
func (s *Snapshot) Lookup(name string) (ToolDef, bool) {
	def, ok := s.tools[name]
	return def, ok
}

// Tools returns all definitions in name order.
func (s *Snapshot) Tools() []ToolDef {
	out := make([]ToolDef, 0, len(s.names))
	for _, name := range s.names {
		out = append(out, s.tools[name])
	}
	return out
}

// InvocationResult is the outcome of a tool invocation. Invocation
// never fails across the request-handling boundary: any error is
// absorbed into {OK: false, Payload: description}.
type InvocationResult struct {
	OK      bool
	Payload string
}

// Registry owns the connections to the configured MCP servers,
// periodically refreshes the published tool snapshot and dispatches
// tool invocations. The snapshot is the only cross-request shared
// state; it is replaced atomically so readers never take a lock.
type Registry struct {
	cfg    config.MCPConfig
	logger *logging.Logger

	// servers is written during Start and Shutdown only; the refresh
	// loop and Invoke read it.
	mu      sync.Mutex
	servers map[string]Transport

	snapshot atomic.Pointer[Snapshot]

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a registry for the configured servers. Call
// Start to connect and begin refreshing.
func NewRegistry(cfg config.MCPConfig, logger *logging.Logger) *Registry {
	r := &Registry{
		cfg:     cfg,
		logger:  logger,
		servers: make(map[string]Transport),
		done:    make(chan struct{}),
	}
	r.snapshot.Store(emptySnapshot)
	return r
}

// Start connects to every configured server concurrently, each with an
// independent timeout, publishes the initial snapshot and launches the
// refresh loop. A server that fails to connect is logged and excluded;
// Start itself never fails.
func (r *Registry) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for _, entry := range r.cfg.Servers {
		wg.Add(1)
		go func(entry config.ServerEntry) {
			defer wg.Done()

			connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
			defer cancel()

			transport, err := NewTransport(connectCtx, entry)
			if err != nil {
				r.logger.Error("Unknown MCP transport", "server", entry.Name, "transport", entry.Transport, "error", err)
				return
			}
			if err := transport.Initialize(connectCtx); err != nil {
				r.logger.Error("Failed to connect to MCP server", "server", entry.Name, "url", entry.URL, "error", err)
				// The transport is never tracked, so release whatever the
				// partial handshake left open.
				_ = transport.Close(connectCtx)
				return
			}

			r.mu.Lock()
			r.servers[entry.Name] = transport
			r.mu.Unlock()
			r.logger.Info("Connected to MCP server", "server", entry.Name, "transport", entry.Transport)
		}(entry)
	}
	wg.Wait()

	r.refresh(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.refreshLoop(loopCtx)
}

// refreshLoop re-queries all live servers on a fixed interval until
// cancelled at shutdown.
func (r *Registry) refreshLoop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// refresh builds a brand-new snapshot from scratch and publishes it
// atomically. A server that fails to answer is dropped from this
// snapshot without affecting the other servers' contributions; its
// connection is kept so the next cycle can retry.
func (r *Registry) refresh(ctx context.Context) {
	r.mu.Lock()
	servers := make(map[string]Transport, len(r.servers))
	for name, t := range r.servers {
		servers[name] = t
	}
	r.mu.Unlock()

	type listing struct {
		server string
		tools  []ToolInfo
	}

	var wg sync.WaitGroup
	results := make(chan listing, len(servers))
	for name, transport := range servers {
		wg.Add(1)
		go func(name string, transport Transport) {
			defer wg.Done()

			listCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
			defer cancel()

			tools, err := transport.ListTools(listCtx)
			if err != nil {
				r.logger.Warn("MCP server failed to list tools, dropping from snapshot", "server", name, "error", err)
				return
			}
			results <- listing{server: name, tools: tools}
		}(name, transport)
	}
	wg.Wait()
	close(results)

	tools := make(map[string]ToolDef)
	for res := range results {
		for _, info := range res.tools {
			if existing, ok := tools[info.Name]; ok {
				r.logger.Warn("Duplicate tool name across MCP servers", "tool", info.Name, "kept", existing.Server, "dropped", res.server)
				continue
			}
			tools[info.Name] = ToolDef{
				Name:        info.Name,
				Description: info.Description,
				Parameters:  info.InputSchema,
				Server:      res.server,
			}
		}
	}

	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	r.snapshot.Store(&Snapshot{tools: tools, names: names})
	r.logger.Debug("Published MCP tool snapshot", "tools", len(tools), "servers", len(servers))
}

// Current returns the latest published snapshot. Non-blocking, never
// performs I/O.
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load()
}

// Invoke resolves the owning server from the current snapshot and calls
// the tool, bounded by the tool timeout. Every failure mode (unknown
// tool, unreachable server, timeout, malformed reply) is absorbed into
// the result; a misbehaving provider never aborts the conversation turn.
func (r *Registry) Invoke(ctx context.Context, name, arguments string) InvocationResult {
	snap := r.Current()
	def, ok := snap.Lookup(name)
	if !ok {
		return InvocationResult{Payload: fmt.Sprintf("unknown tool: %s", name)}
	}

	r.mu.Lock()
	transport, ok := r.servers[def.Server]
	r.mu.Unlock()
	if !ok {
		return InvocationResult{Payload: fmt.Sprintf("tool %s: server %s is not connected", name, def.Server)}
	}

	var args map[string]any
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return InvocationResult{Payload: fmt.Sprintf("tool %s: invalid arguments: %v", name, err)}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout)
	defer cancel()

	result, err := transport.CallTool(callCtx, name, args)
	if err != nil {
		r.logger.Warn("MCP tool call failed", "tool", name, "server", def.Server, "error", err)
		return InvocationResult{Payload: fmt.Sprintf("tool %s failed: %v", name, err)}
	}

	payload := serializeToolResult(result)
	if result.IsError {
		return InvocationResult{Payload: payload}
	}
	return InvocationResult{OK: true, Payload: payload}
}

// Shutdown closes every live connection with a bounded grace period.
// Connections that do not close in time are abandoned rather than
// awaited.
func (r *Registry) Shutdown(ctx context.Context) {
	if r.cancel != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	servers := r.servers
	r.servers = make(map[string]Transport)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for name, transport := range servers {
		wg.Add(1)
		go func(name string, transport Transport) {
			defer wg.Done()
			if err := transport.Close(ctx); err != nil {
				r.logger.Warn("Failed to close MCP connection", "server", name, "error", err)
			}
		}(name, transport)
	}

	closed := make(chan struct{})
	go func() {
		wg.Wait()
		close(closed)
	}()
	select {
	case <-closed:
	case <-ctx.Done():
		r.logger.Warn("MCP shutdown grace period expired, abandoning connections")
	}
}

// serializeToolResult renders a tool result as text for the model.
// Structured payloads keep their canonical JSON form; binary blocks
// surface their base64 data.
func serializeToolResult(result *ToolCallResult) string {
	if len(result.StructuredContent) > 0 {
		return string(result.StructuredContent)
	}

	var parts []string
	for _, block := range result.Content {
		switch {
		case block.Text != "":
			parts = append(parts, block.Text)
		case block.Data != "":
			parts = append(parts, block.Data)
		default:
			if raw, err := json.Marshal(block); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	return strings.Join(parts, "\n")
}
