package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	Host            string
	Port            int
	Discovery       bool
	UseREST         bool
	Datarefs        []string
	Commands        []string
	MetricsPort     int
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}
	var datarefs, commands string

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("XPWEBAPI_CONFIG", ""),
		"Path to configuration file, optional (env: XPWEBAPI_CONFIG)")

	flag.StringVar(&cfg.Host, "host", "",
		"Simulator host, overrides the configuration file")

	flag.IntVar(&cfg.Port, "port", 0,
		"Simulator port, overrides the configuration file")

	flag.BoolVar(&cfg.Discovery, "discovery",
		getEnvBool("XPWEBAPI_DISCOVERY", false),
		"Discover the simulator through the UDP beacon (env: XPWEBAPI_DISCOVERY)")

	flag.BoolVar(&cfg.UseREST, "use-rest", false,
		"Route writes and command execution through the REST API")

	flag.StringVar(&datarefs, "datarefs", "",
		"Comma-separated dataref paths to monitor, path[index] for array elements")

	flag.StringVar(&commands, "commands", "",
		"Comma-separated command paths to monitor for activity")

	flag.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("XPWEBAPI_METRICS_PORT", 0),
		"Prometheus metrics port, 0 to disable (env: XPWEBAPI_METRICS_PORT)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("XPWEBAPI_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: XPWEBAPI_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("XPWEBAPI_LOG_FORMAT", "text"),
		"Log format: json, text (env: XPWEBAPI_LOG_FORMAT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("XPWEBAPI_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: XPWEBAPI_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	cfg.Datarefs = splitList(datarefs)
	cfg.Commands = splitList(commands)
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.MetricsPort)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - X-Plane Web API monitor

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Monitor two datarefs on a local simulator
  %s --datarefs=sim/flightmodel/position/latitude,sim/flightmodel/position/longitude

  # Monitor an array element and a command, discover the simulator
  %s --discovery --datarefs="sim/cockpit2/engine/actuators/throttle_ratio[0]" --commands=sim/lights/landing_lights_toggle

  # Expose Prometheus metrics
  %s --metrics-port=9090 --datarefs=sim/time/total_running_time_sec

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
