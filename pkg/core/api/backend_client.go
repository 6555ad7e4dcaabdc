// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// BackendClient is the process-wide pooled HTTP client for the
// OpenAI-compatible inference backend. It is created once at startup;
// concurrent requests share its connection pool.
type BackendClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// NewBackendClient creates a backend client. baseURL is the server root
// without the /v1 prefix. timeout bounds each call, streaming and
// non-streaming alike.
func NewBackendClient(baseURL, apiKey string, timeout time.Duration) *BackendClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	// Enable HTTP/2 on the pooled transport when the backend speaks it
	_ = http2.ConfigureTransport(transport)

	return &BackendClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: &http.Client{Transport: transport},
	}
}

// BaseURL returns the configured backend root.
func (c *BackendClient) BaseURL() string {
	return c.baseURL
}

// Post sends a JSON request and decodes the JSON response into out.
// Non-2xx statuses and transport failures yield an UpstreamError.
func (c *BackendClient) Post(ctx context.Context, path string, payload, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UpstreamError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UpstreamError{Message: "failed to read response body: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &UpstreamError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &UpstreamError{Message: "failed to unmarshal response: " + err.Error()}
		}
	}
	return nil
}

// Stream sends a JSON request and returns the raw SSE body. The
// returned body carries the per-request timeout; closing it releases
// the connection and aborts an in-flight read.
func (c *BackendClient) Stream(ctx context.Context, path string, payload interface{}) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	body, err := json.Marshal(payload)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &UpstreamError{Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	return &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// Do forwards a raw request to the backend, used by the catch-all
// proxy. The caller owns the response body.
func (c *BackendClient) Do(ctx context.Context, method, path string, header http.Header, body io.Reader) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, vals := range header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Authorization") == "" && c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &UpstreamError{Message: err.Error()}
	}
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *BackendClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// cancelOnCloseBody ties a request-scoped cancel to the body lifetime
// so abandoning a stream aborts the backend read promptly.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
