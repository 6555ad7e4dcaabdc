// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/openresponses/bridge/pkg/core/config"
)

func init() {
	factory := func(ctx context.Context, entry config.ServerEntry) (Transport, error) {
		return newStreamableClient(entry), nil
	}
	transports.Register("http", factory)
	transports.Register("streamable-http", factory)
}

// streamableClient talks to an MCP server over the streamable-http
// transport: JSON-RPC 2.0 requests POSTed to a single endpoint, replies
// either plain JSON or wrapped in a one-shot SSE body.
type streamableClient struct {
	httpClient *http.Client
	serverURL  string
	headers    map[string]string
	sessionID  string
	nextID     atomic.Int64
}

func newStreamableClient(entry config.ServerEntry) *streamableClient {
	return &streamableClient{
		httpClient: &http.Client{},
		serverURL:  entry.URL,
		headers:    entry.Headers,
	}
}

// Initialize performs the MCP initialize handshake and stores the
// session ID the server assigns.
func (c *streamableClient) Initialize(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo: ClientInfo{
			Name:    clientName,
			Version: clientVersion,
		},
		Capabilities: map[string]any{},
	}

	raw, headers, err := c.callWithHeaders(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("mcp initialize: %w", err)
	}

	if sid := headers.Get("Mcp-Session-Id"); sid != "" {
		c.sessionID = sid
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("mcp initialize: unmarshal result: %w", err)
	}

	// Required by the protocol; the server sends no reply
	_ = c.notify(ctx, "notifications/initialized")

	return nil
}

// ListTools returns the tools exposed by the MCP server.
func (c *streamableClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcp tools/list: %w", err)
	}

	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp tools/list: unmarshal result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the MCP server.
func (c *streamableClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	params := ToolCallParams{
		Name:      name,
		Arguments: args,
	}

	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("mcp tools/call %s: %w", name, err)
	}

	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp tools/call %s: unmarshal result: %w", name, err)
	}
	return &result, nil
}

// Close releases the server-side session, if any.
func (c *streamableClient) Close(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.serverURL, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *streamableClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, _, err := c.callWithHeaders(ctx, method, params)
	return raw, err
}

func (c *streamableClient) callWithHeaders(ctx context.Context, method string, params any) (json.RawMessage, http.Header, error) {
	reqBody := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      c.nextID.Add(1),
		Params:  params,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, nil, fmt.Errorf("http status %d: %s", httpResp.StatusCode, string(respBody))
	}

	// Reply may be plain JSON or SSE (text/event-stream)
	ct := httpResp.Header.Get("Content-Type")
	var respBody []byte
	if strings.HasPrefix(ct, "text/event-stream") {
		respBody, err = extractSSEData(httpResp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("parse SSE response: %w", err)
		}
	} else {
		respBody, err = io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("read response: %w", err)
		}
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	return rpcResp.Result, httpResp.Header, nil
}

func (c *streamableClient) notify(ctx context.Context, method string) error {
	body, err := json.Marshal(JSONRPCNotification{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *streamableClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if c.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

// extractSSEData reads an SSE stream and returns the data from the
// first "message" event. The streamable-http transport wraps JSON-RPC
// responses as "event: message\ndata: {json}\n\n".
func extractSSEData(r io.Reader) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			return []byte(strings.TrimPrefix(line, "data: ")), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("no data line found in SSE stream")
}
