// Package config holds the client runtime configuration: simulator endpoint,
// transport timeouts, and reconnect cadence. Configuration is loaded from a
// JSON file with environment variable overrides and validated before use.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/devleaks/xplane-webapi/errors"
)

// Duration wraps time.Duration for JSON config files, accepting strings
// such as "3s" or "500ms".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Settings is the complete client configuration.
type Settings struct {
	// Simulator endpoint. Host and Port are overridden by beacon discovery
	// when the beacon monitor is enabled.
	Host       string `json:"host"`
	Port       int    `json:"port"`
	APIRoot    string `json:"api_root"`
	APIVersion string `json:"api_version"` // "" selects the newest advertised version

	// UseREST routes writes and command execution through the REST API
	// instead of the WebSocket.
	UseREST bool `json:"use_rest"`

	// Beacon monitor cadence
	BeaconTimeout       Duration `json:"beacon_timeout"`        // single receive timeout
	BeaconProbeInterval Duration `json:"beacon_probe_interval"` // pause between probes while undetected
	BeaconGrace         Duration `json:"beacon_grace"`          // wait after beacon loss before teardown

	// Connection monitor cadence
	ReconnectInterval  Duration `json:"reconnect_interval"`
	MaxConnectFailures int      `json:"max_connect_failures"`

	// Receive loop read deadlines: short while searching for first data,
	// longer once data is flowing.
	ReceiveTimeoutSearching Duration `json:"receive_timeout_searching"`
	ReceiveTimeoutSteady    Duration `json:"receive_timeout_steady"`

	// HTTP client timeout for REST calls
	RESTTimeout Duration `json:"rest_timeout"`

	// Minimum simulator uptime between metadata reloads, seconds
	MetaMinReload float64 `json:"meta_min_reload"`
}

// Default returns the settings used when no file is supplied.
func Default() Settings {
	return Settings{
		Host:                    "127.0.0.1",
		Port:                    8086,
		APIRoot:                 "/api",
		APIVersion:              "",
		BeaconTimeout:           Duration(3 * time.Second),
		BeaconProbeInterval:     Duration(10 * time.Second),
		BeaconGrace:             Duration(60 * time.Second),
		ReconnectInterval:       Duration(10 * time.Second),
		MaxConnectFailures:      5,
		ReceiveTimeoutSearching: Duration(1 * time.Second),
		ReceiveTimeoutSteady:    Duration(5 * time.Second),
		RESTTimeout:             Duration(5 * time.Second),
		MetaMinReload:           10,
	}
}

// Load reads settings from a JSON file, applies environment overrides, and
// validates the result. Missing fields keep their defaults.
func Load(path string) (Settings, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.WrapInvalid(err, "config", "Load", "read file")
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.WrapInvalid(err, "config", "Load", "parse json")
		}
	}

	cfg.applyEnv()

	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, errors.WrapInvalid(
			fmt.Errorf("%s: %s", errs[0].Field, errs[0].Message),
			"config", "Load", "validate")
	}
	return cfg, nil
}

// applyEnv overrides settings from XPWEBAPI_* environment variables.
func (s *Settings) applyEnv() {
	if v := os.Getenv("XPWEBAPI_HOST"); v != "" {
		s.Host = v
	}
	if v := os.Getenv("XPWEBAPI_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			s.Port = port
		}
	}
	if v := os.Getenv("XPWEBAPI_API_VERSION"); v != "" {
		s.APIVersion = v
	}
	if v := os.Getenv("XPWEBAPI_USE_REST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.UseREST = b
		}
	}
}
