// Package main implements xplane-monitor, a command-line client for the
// X-Plane Web API. It connects to a running simulator (directly or through
// UDP beacon discovery), subscribes to the requested datarefs and commands,
// and prints every pushed value change.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/devleaks/xplane-webapi/client"
	"github.com/devleaks/xplane-webapi/config"
	"github.com/devleaks/xplane-webapi/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "xplane-monitor"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadSettings(cliCfg)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting xplane-monitor",
		"version", Version,
		"build_time", BuildTime,
		"host", cfg.Host,
		"port", cfg.Port,
		"discovery", cliCfg.Discovery)

	registry := metric.NewRegistry()

	opts := []client.Option{
		client.WithLogger(logger),
		client.WithMetrics(registry),
	}
	if cliCfg.Discovery {
		opts = append(opts, client.WithDiscovery())
	}
	c, err := client.New(cfg, opts...)
	if err != nil {
		return err
	}

	wireCallbacks(c, cliCfg)

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		return err
	}

	metricsSrv := startMetricsServer(cliCfg.MetricsPort, registry)

	return waitForShutdown(c, metricsSrv, cliCfg.ShutdownTimeout)
}

// loadSettings loads the configuration file (when given) and applies the
// command-line endpoint overrides on top.
func loadSettings(cliCfg *CLIConfig) (config.Settings, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("load configuration: %w", err)
	}
	if cliCfg.Host != "" {
		cfg.Host = cliCfg.Host
	}
	if cliCfg.Port != 0 {
		cfg.Port = cliCfg.Port
	}
	if cliCfg.UseREST {
		cfg.UseREST = true
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, fmt.Errorf("invalid configuration: %s", errs[0].Error())
	}
	return cfg, nil
}

// wireCallbacks registers the printing callbacks and arranges for the
// requested paths to be monitored once the connection is up. The client
// replays subscriptions on reconnect itself, monitoring happens once.
func wireCallbacks(c *client.Client, cliCfg *CLIConfig) {
	c.OnDatarefUpdate(func(path string, index int, value any) {
		if index == client.WholeValue {
			fmt.Printf("%s = %v\n", path, value)
			return
		}
		fmt.Printf("%s[%d] = %v\n", path, index, value)
	})
	c.OnCommandActive(func(path string, active bool) {
		fmt.Printf("%s active = %v\n", path, active)
	})

	var monitorOnce sync.Once
	c.OnConnection(func(state client.ConnectionState) {
		slog.Info("Connection", "state", state.String())
		if state != client.StateListening {
			return
		}
		monitorOnce.Do(func() {
			refs := make([]*client.Dataref, 0, len(cliCfg.Datarefs))
			for _, path := range cliCfg.Datarefs {
				refs = append(refs, c.Dataref(path, false))
			}
			if len(refs) > 0 {
				if err := c.Monitor(refs...); err != nil {
					slog.Error("Cannot monitor datarefs", "error", err)
				}
			}
			for _, path := range cliCfg.Commands {
				if err := c.Command(path, 0).Monitor(); err != nil {
					slog.Error("Cannot monitor command", "path", path, "error", err)
				}
			}
		})
	})
}

// startMetricsServer exposes the Prometheus registry, port 0 disables it.
func startMetricsServer(port int, registry *metric.Registry) *http.Server {
	if port == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("Metrics server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}

// waitForShutdown blocks until SIGINT or SIGTERM, then stops everything
// within the shutdown timeout.
func waitForShutdown(c *client.Client, metricsSrv *http.Server, timeout time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := metricsSrv.Shutdown(ctx); err != nil {
			slog.Warn("Metrics server shutdown", "error", err)
		}
	}
	return c.Stop(timeout)
}
