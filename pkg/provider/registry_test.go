// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"strings"
	"testing"
)

type mockConfig struct{ name string }

type mockBackend struct{ name string }

func TestRegistry_RegisterAndNew(t *testing.T) {
	r := NewRegistry[mockConfig, *mockBackend]("test")
	r.Register("alpha", func(_ context.Context, cfg mockConfig) (*mockBackend, error) {
		return &mockBackend{name: cfg.name}, nil
	})

	b, err := r.New(context.Background(), "alpha", mockConfig{name: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.name != "hello" {
		t.Errorf("expected name 'hello', got %q", b.name)
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry[mockConfig, *mockBackend]("widget")
	r.Register("a", func(_ context.Context, _ mockConfig) (*mockBackend, error) {
		return &mockBackend{}, nil
	})

	_, err := r.New(context.Background(), "z", mockConfig{})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), `unknown widget: "z"`) {
		t.Errorf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "[a]") {
		t.Errorf("expected available names in error, got %v", err)
	}
}

func TestRegistry_Available(t *testing.T) {
	r := NewRegistry[mockConfig, *mockBackend]("test")
	r.Register("bravo", func(_ context.Context, _ mockConfig) (*mockBackend, error) {
		return &mockBackend{}, nil
	})
	r.Register("alpha", func(_ context.Context, _ mockConfig) (*mockBackend, error) {
		return &mockBackend{}, nil
	})

	avail := r.Available()
	if len(avail) != 2 || avail[0] != "alpha" || avail[1] != "bravo" {
		t.Errorf("Available() = %v, want [alpha bravo]", avail)
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry[mockConfig, *mockBackend]("test")
	r.Register("dup", func(_ context.Context, _ mockConfig) (*mockBackend, error) {
		return &mockBackend{}, nil
	})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r.Register("dup", func(_ context.Context, _ mockConfig) (*mockBackend, error) {
		return &mockBackend{}, nil
	})
}
