package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8086, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.BeaconTimeout.Std())
	assert.Equal(t, 5, cfg.MaxConnectFailures)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"host": "192.168.1.40",
		"port": 49000,
		"use_rest": true,
		"beacon_timeout": "500ms"
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.40", cfg.Host)
	assert.Equal(t, 49000, cfg.Port)
	assert.True(t, cfg.UseREST)
	assert.Equal(t, 500*time.Millisecond, cfg.BeaconTimeout.Std())
	// Unset fields keep defaults
	assert.Equal(t, "/api", cfg.APIRoot)
	assert.Equal(t, 10*time.Second, cfg.ReconnectInterval.Std())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("XPWEBAPI_HOST", "10.0.0.5")
	t.Setenv("XPWEBAPI_PORT", "9090")
	t.Setenv("XPWEBAPI_USE_REST", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.UseREST)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestLoad_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"beacon_timeout": "fast"}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Host = ""
	cfg.Port = 0
	cfg.APIRoot = "api"
	cfg.MaxConnectFailures = 0

	errs := cfg.Validate()
	require.Len(t, errs, 4)

	fields := make([]string, 0, len(errs))
	for _, ve := range errs {
		fields = append(fields, ve.Field)
	}
	assert.ElementsMatch(t, []string{"host", "port", "api_root", "max_connect_failures"}, fields)
}

func TestValidate_SteadyTimeoutBound(t *testing.T) {
	cfg := Default()
	cfg.ReceiveTimeoutSearching = Duration(5 * time.Second)
	cfg.ReceiveTimeoutSteady = Duration(1 * time.Second)

	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Equal(t, "receive_timeout_steady", errs[0].Field)
}
