// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"

	"github.com/openresponses/bridge/pkg/core/config"
	"github.com/openresponses/bridge/pkg/provider"
)

const (
	protocolVersion = "2025-03-26"
	clientName      = "responses-bridge"
	clientVersion   = "0.1.0"
)

// Transport is a connection to one MCP server. Implementations are safe
// for concurrent calls after Initialize returns.
type Transport interface {
	// Initialize performs the MCP handshake.
	Initialize(ctx context.Context) error
	// ListTools returns the tools the server currently exposes.
	ListTools(ctx context.Context) ([]ToolInfo, error)
	// CallTool invokes a tool on the server.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error)
	// Close tears the connection down.
	Close(ctx context.Context) error
}

// transports is the factory registry for MCP transports. Implementations
// self-register via init(); the server config's transport field selects
// one.
var transports = provider.NewRegistry[config.ServerEntry, Transport]("mcp_transport")

// NewTransport builds a transport for the given server entry.
func NewTransport(ctx context.Context, entry config.ServerEntry) (Transport, error) {
	name := entry.Transport
	if name == "" {
		name = "http"
	}
	return transports.New(ctx, name, entry)
}

// AvailableTransports returns the registered transport names.
func AvailableTransports() []string {
	return transports.Available()
}
