// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider implements a generic factory registry for pluggable
// implementations of an interface.
//
// A subsystem (e.g. the MCP transport layer) creates a typed Registry and
// implementations self-register via init(). This follows the database/sql
// driver pattern: blank-import an implementation package to activate it,
// then call Registry.New(name, cfg) to instantiate.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Factory is a constructor function that builds an instance of T from a
// subsystem-specific configuration value C.
type Factory[C, T any] func(ctx context.Context, cfg C) (T, error)

// Registry is a thread-safe registry of named factory functions for a
// given interface T configured by C.
type Registry[C, T any] struct {
	subsystem string
	mu        sync.RWMutex
	factories map[string]Factory[C, T]
}

// NewRegistry creates a new Registry. The subsystem name is used in error
// messages (e.g. "mcp_transport").
func NewRegistry[C, T any](subsystem string) *Registry[C, T] {
	return &Registry[C, T]{
		subsystem: subsystem,
		factories: make(map[string]Factory[C, T]),
	}
}

// Register adds a named factory. Panics if the name is already registered
// (catches duplicate init() registrations at startup).
func (r *Registry[C, T]) Register(name string, f Factory[C, T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("provider: %s %q already registered", r.subsystem, name))
	}
	r.factories[name] = f
}

// New creates an instance by name. Returns an error if the name is not
// registered.
func (r *Registry[C, T]) New(ctx context.Context, name string, cfg C) (T, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("unknown %s: %q (available: %v)", r.subsystem, name, r.Available())
	}
	return f(ctx, cfg)
}

// Available returns the sorted list of registered names.
func (r *Registry[C, T]) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
