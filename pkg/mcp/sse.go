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
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/openresponses/bridge/pkg/core/config"
)

func init() {
	transports.Register("sse", func(ctx context.Context, entry config.ServerEntry) (Transport, error) {
		return newSSEClient(entry), nil
	})
}

// sseClient talks to an MCP server over the legacy HTTP+SSE transport:
// a long-lived GET stream delivers an "endpoint" event naming the POST
// target, then JSON-RPC replies arrive as "message" events on the same
// stream while requests go out as POSTs.
type sseClient struct {
	httpClient *http.Client
	baseURL    string
	headers    map[string]string
	nextID     atomic.Int64

	mu       sync.Mutex
	endpoint string
	pending  map[int64]chan *JSONRPCResponse

	endpointReady chan struct{}
	readerDone    chan struct{}
	readerErr     error
	cancelReader  context.CancelFunc
}

func newSSEClient(entry config.ServerEntry) *sseClient {
	return &sseClient{
		httpClient:    &http.Client{},
		baseURL:       entry.URL,
		headers:       entry.Headers,
		pending:       make(map[int64]chan *JSONRPCResponse),
		endpointReady: make(chan struct{}),
		readerDone:    make(chan struct{}),
	}
}

// Initialize opens the event stream, waits for the endpoint event and
// performs the MCP handshake.
func (c *sseClient) Initialize(ctx context.Context) error {
	readerCtx, cancel := context.WithCancel(context.Background())
	c.cancelReader = cancel

	req, err := http.NewRequestWithContext(readerCtx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp sse: create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp sse: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp sse: stream status %d: %s", resp.StatusCode, string(body))
	}

	go c.readLoop(resp.Body)

	select {
	case <-c.endpointReady:
	case <-c.readerDone:
		cancel()
		return fmt.Errorf("mcp sse: stream closed before endpoint event: %w", c.readerErr)
	case <-ctx.Done():
		// Tear the stream down; otherwise the reader goroutine and its
		// GET connection outlive the failed handshake.
		cancel()
		return fmt.Errorf("mcp sse: waiting for endpoint event: %w", ctx.Err())
	}

	params := InitializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo: ClientInfo{
			Name:    clientName,
			Version: clientVersion,
		},
		Capabilities: map[string]any{},
	}
	raw, err := c.call(ctx, "initialize", params)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp initialize: %w", err)
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		cancel()
		return fmt.Errorf("mcp initialize: unmarshal result: %w", err)
	}

	_ = c.notify(ctx, "notifications/initialized")
	return nil
}

// ListTools returns the tools exposed by the MCP server.
func (c *sseClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
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
func (c *sseClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	raw, err := c.call(ctx, "tools/call", ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp tools/call %s: %w", name, err)
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp tools/call %s: unmarshal result: %w", name, err)
	}
	return &result, nil
}

// Close tears down the event stream.
func (c *sseClient) Close(ctx context.Context) error {
	if c.cancelReader != nil {
		c.cancelReader()
	}
	select {
	case <-c.readerDone:
	case <-ctx.Done():
	}
	return nil
}

// readLoop consumes the SSE stream, resolving the endpoint event and
// routing message events to pending calls.
func (c *sseClient) readLoop(body io.ReadCloser) {
	defer close(c.readerDone)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			c.dispatch(event, data)
			event, data = "", ""
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	c.readerErr = scanner.Err()
	if c.readerErr == nil {
		c.readerErr = io.EOF
	}
}

func (c *sseClient) dispatch(event, data string) {
	switch event {
	case "endpoint":
		endpoint := data
		if base, err := url.Parse(c.baseURL); err == nil {
			if ref, err := url.Parse(data); err == nil {
				endpoint = base.ResolveReference(ref).String()
			}
		}
		c.mu.Lock()
		first := c.endpoint == ""
		c.endpoint = endpoint
		c.mu.Unlock()
		if first {
			close(c.endpointReady)
		}
	case "message":
		var resp JSONRPCResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// call POSTs a JSON-RPC request to the endpoint and waits for its reply
// on the event stream.
func (c *sseClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *JSONRPCResponse, 1)

	c.mu.Lock()
	endpoint := c.endpoint
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	body, err := json.Marshal(JSONRPCRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if err := c.post(ctx, endpoint, body); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-c.readerDone:
		return nil, fmt.Errorf("event stream closed: %w", c.readerErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *sseClient) notify(ctx context.Context, method string) error {
	c.mu.Lock()
	endpoint := c.endpoint
	c.mu.Unlock()

	body, err := json.Marshal(JSONRPCNotification{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	return c.post(ctx, endpoint, body)
}

func (c *sseClient) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return nil
}
