// Copyright Responses Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpAdapter "github.com/openresponses/bridge/pkg/adapters/http"
	"github.com/openresponses/bridge/pkg/core/api"
	"github.com/openresponses/bridge/pkg/core/config"
	"github.com/openresponses/bridge/pkg/core/engine"
	"github.com/openresponses/bridge/pkg/mcp"
	"github.com/openresponses/bridge/pkg/observability/logging"
)

var (
	// Version is set via ldflags during build
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	port := flag.Int("port", 8080, "HTTP port to listen on")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Print version
	if *version {
		fmt.Printf("Responses Bridge\nVersion: %s\nBuild Time: %s\n", Version, BuildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.Default()
	}

	// Override port if specified
	if *port != 8080 {
		cfg.Server.Port = *port
	}

	// Initialize logger
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger.Info("Starting Responses Bridge",
		"version", Version,
		"build_time", BuildTime,
		"backend", cfg.Backend.BaseURL)
	if err != nil {
		logger.Warn("Failed to load config, using defaults", "error", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize the MCP tool registry when enabled. The gateway serves
	// traffic even if every configured server is down; their tools are
	// simply absent until a refresh succeeds.
	var tools engine.ToolSource
	var registry *mcp.Registry
	if cfg.MCP.Enabled {
		registry = mcp.NewRegistry(cfg.MCP, logger)
		registry.Start(ctx)
		tools = registry
		logger.Info("Initialized MCP tool registry",
			"servers", len(cfg.MCP.Servers),
			"tools", registry.Current().Len(),
			"refresh_interval", cfg.MCP.RefreshInterval)
	} else {
		logger.Info("MCP tool injection disabled")
	}

	// Initialize engine
	eng := engine.New(cfg, tools, logger)
	logger.Info("Initialized engine")

	// Initialize models client (also backs the health probe)
	models := api.NewModelsClient(cfg.Backend.BaseURL, cfg.Backend.APIKey)

	// Initialize HTTP adapter
	handler := httpAdapter.New(eng, models, logger)
	logger.Info("Initialized HTTP adapter")

	// Create HTTP server. WriteTimeout stays unset: streamed responses
	// are open-ended and must not be cut by a fixed deadline.
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.Timeout,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	if registry != nil {
		registryCtx, cancelRegistry := context.WithTimeout(context.Background(), 5*time.Second)
		registry.Shutdown(registryCtx)
		cancelRegistry()
	}

	logger.Info("Server stopped gracefully")
}
