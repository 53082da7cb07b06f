package metric

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CoreMetricsRegistered(t *testing.T) {
	r := NewRegistry()
	m := r.CoreMetrics()
	require.NotNil(t, m)

	m.RecordConnectionState(4)
	m.RecordBeaconReceived()
	m.RecordFrameReceived("dataref_update_values")
	m.RecordRequestDuration("capabilities", 25*time.Millisecond)
	m.RecordMonitoredDatarefs(3)
	m.RecordError("ws", "decode")

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["xpwebapi_connection_state"])
	assert.True(t, names["xpwebapi_beacon_received_total"])
	assert.True(t, names["xpwebapi_ws_frames_received_total"])
	assert.True(t, names["xpwebapi_rest_request_duration_seconds"])
	assert.True(t, names["xpwebapi_subscriptions_datarefs"])
	assert.True(t, names["xpwebapi_errors_total"])
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	m := r.CoreMetrics()
	assert.Nil(t, m)

	// Recording on nil metrics must be a no-op, not a panic
	m.RecordConnectionState(1)
	m.RecordBeaconRejected("bad_magic")
	m.RecordFrameSent("dataref_subscribe_values")
	m.RecordCallbackDuration(time.Millisecond)
	m.RecordReconnect()
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.CoreMetrics().RecordBeaconReceived()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
