package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_RequestCorrelation(t *testing.T) {
	d := NewDispatcher(nil, nil)

	id1 := d.NextRequest("dataref_subscribe_values")
	id2 := d.NextRequest("dataref_set_values")
	assert.Greater(t, id2, id1, "request identifiers increase monotonically")
	assert.Equal(t, 2, d.PendingCount())

	var got []int64
	var gotSuccess []bool
	d.OnFeedback(func(reqID int64, success bool, code, message string) {
		got = append(got, reqID)
		gotSuccess = append(gotSuccess, success)
	})

	d.ResolveResult(id1, true, "", "")
	d.ResolveResult(id2, false, "NOT_FOUND", "unknown id")
	assert.Equal(t, []int64{id1, id2}, got)
	assert.Equal(t, []bool{true, false}, gotSuccess)
	assert.Zero(t, d.PendingCount())
}

func TestDispatcher_UnknownResultIgnored(t *testing.T) {
	d := NewDispatcher(nil, nil)

	fired := false
	d.OnFeedback(func(int64, bool, string, string) { fired = true })

	// Late result after a reconnect: dropped, feedback not fired
	d.ResolveResult(999, true, "", "")
	assert.False(t, fired)
}

func TestDispatcher_DatarefFanout(t *testing.T) {
	d := NewDispatcher(nil, nil)

	type event struct {
		path  string
		index int
		value any
	}
	var first, second []event
	d.OnDatarefUpdate(func(path string, index int, value any) {
		first = append(first, event{path, index, value})
	})
	id := d.OnDatarefUpdate(func(path string, index int, value any) {
		second = append(second, event{path, index, value})
	})

	d.DispatchDataref("sim/arr", 3, 10.0)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, event{"sim/arr", 3, 10.0}, first[0])

	d.Remove(id)
	d.DispatchDataref("sim/arr", 7, 20.0)
	assert.Len(t, first, 2)
	assert.Len(t, second, 1, "removed callback must not fire")
}

func TestDispatcher_CommandAndConnectionFanout(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var active []bool
	d.OnCommandActive(func(path string, a bool) {
		assert.Equal(t, "sim/lights/landing", path)
		active = append(active, a)
	})
	var states []ConnectionState
	d.OnConnection(func(s ConnectionState) { states = append(states, s) })

	d.DispatchCommand("sim/lights/landing", true)
	d.DispatchCommand("sim/lights/landing", false)
	d.DispatchConnection(StateListening)

	assert.Equal(t, []bool{true, false}, active)
	assert.Equal(t, []ConnectionState{StateListening}, states)
}

func TestDispatcher_CallbackPanicRecovered(t *testing.T) {
	d := NewDispatcher(nil, nil)

	d.OnDatarefUpdate(func(string, int, any) { panic("application bug") })
	called := false
	d.OnDatarefUpdate(func(string, int, any) { called = true })

	assert.NotPanics(t, func() { d.DispatchDataref("sim/x", WholeValue, 1.0) })
	assert.True(t, called, "a panicking callback must not starve the others")
}

func TestDispatcher_Reset(t *testing.T) {
	d := NewDispatcher(nil, nil)
	d.NextRequest("dataref_subscribe_values")
	d.NextRequest("dataref_subscribe_values")

	d.Reset()
	assert.Zero(t, d.PendingCount())

	// Identifiers keep increasing across resets, stale results never match
	id := d.NextRequest("dataref_subscribe_values")
	assert.EqualValues(t, 3, id)
}
