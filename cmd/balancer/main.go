// Command balancer is the Claude API load balancer.
//
// It reads a YAML configuration file (default ./config.yaml) and serves an
// Anthropic Messages compatible endpoint that fans requests out across the
// configured providers with health tracking and automatic failover.
//
// Quick-start:
//
//	./balancer -config config.yaml
//
// See config.example.yaml for all available settings.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nulpointcorp/claude-balancer/internal/app"
	"github.com/nulpointcorp/claude-balancer/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the YAML configuration file (default ./config.yaml)")
		listen     = flag.String("listen", "", "override the configured listen address (host:port)")
		logLevel   = flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	)
	flag.Parse()

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration — exits with a descriptive error on a bad file.
	store, err := config.NewStore(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *listen != "" {
		host, port, err := parseListen(*listen)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		// The override survives admin-triggered config reloads.
		store.SetOverride(func(c *config.Config) {
			c.Host = host
			c.Port = port
		})
	}
	cfg := store.Current()

	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(level, cfg.LogFormat)
	slog.SetDefault(logger)

	a, err := app.New(ctx, store, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("balancer stopped", slog.String("error", err.Error()))
		os.Exit(2)
	}
}

// parseListen splits a -listen flag value into host and port. An empty host
// (":8080") binds all interfaces.
func parseListen(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid listen port %q", portStr)
	}
	return host, port, nil
}

// buildLogger constructs a slog.Logger for the given level and format.
// Unknown level strings default to INFO; unknown formats default to JSON.
func buildLogger(level, format string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}

	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h)
}
