// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Model is a backend model description in list responses.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsClient lists backend models via the official OpenAI Go SDK.
// Works against OpenAI, Ollama, vLLM and other compatible backends.
// It also backs the health probe.
type ModelsClient struct {
	client openai.Client
}

// NewModelsClient creates a models client. baseURL is the backend root
// without the /v1 prefix.
func NewModelsClient(baseURL, apiKey string) *ModelsClient {
	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(baseURL, "/") + "/v1"),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	} else {
		// Local backends like Ollama accept any key
		opts = append(opts, option.WithAPIKey("dummy"))
	}
	return &ModelsClient{client: openai.NewClient(opts...)}
}

// List returns the models the backend exposes.
func (c *ModelsClient) List(ctx context.Context) ([]Model, error) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return nil, upstreamFromSDK(err)
	}
	models := make([]Model, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, Model{
			ID:      m.ID,
			Object:  "model",
			Created: m.Created,
			OwnedBy: m.OwnedBy,
		})
	}
	return models, nil
}

// Get returns a single model by ID.
func (c *ModelsClient) Get(ctx context.Context, id string) (*Model, error) {
	m, err := c.client.Models.Get(ctx, id)
	if err != nil {
		return nil, upstreamFromSDK(err)
	}
	return &Model{
		ID:      m.ID,
		Object:  "model",
		Created: m.Created,
		OwnedBy: m.OwnedBy,
	}, nil
}

// upstreamFromSDK converts an SDK error into an UpstreamError,
// preserving the backend status code when present.
func upstreamFromSDK(err error) *UpstreamError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &UpstreamError{StatusCode: apiErr.StatusCode, Message: apiErr.Error()}
	}
	return &UpstreamError{Message: err.Error()}
}

// Healthy probes the backend with a short-deadline models listing.
func (c *ModelsClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.client.Models.List(ctx)
	return err == nil
}
