package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDatarefPath(t *testing.T) {
	tests := []struct {
		in    string
		path  string
		index int
	}{
		{"sim/flightmodel/position/latitude", "sim/flightmodel/position/latitude", WholeValue},
		{"sim/some/values[4]", "sim/some/values", 4},
		{"sim/some/values[0]", "sim/some/values", 0},
		{"sim/weird/name[x]", "sim/weird/name[x]", WholeValue},
		{"sim/unclosed[4", "sim/unclosed[4", WholeValue},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			path, index := parseDatarefPath(tt.in)
			assert.Equal(t, tt.path, path)
			assert.Equal(t, tt.index, index)
		})
	}
}

func TestDataref_ValuePrecedence(t *testing.T) {
	d := &Dataref{path: "sim/x", index: WholeValue}

	// Received value served from the local copy
	d.setReceived(10.0)
	v, err := d.Value(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10.0, v)

	// A pending write shadows the received value
	d.mu.Lock()
	d.pending = 99.0
	d.hasPending = true
	d.mu.Unlock()
	v, err = d.Value(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 99.0, v)
}

func TestDataref_Index(t *testing.T) {
	d := &Dataref{path: "sim/arr", index: 4}
	idx, ok := d.Index()
	assert.True(t, ok)
	assert.Equal(t, 4, idx)

	d = &Dataref{path: "sim/x", index: WholeValue}
	_, ok = d.Index()
	assert.False(t, ok)
}
