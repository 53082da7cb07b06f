package wire

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devleaks/xplane-webapi/errors"
)

func TestBeacon_RoundTrip(t *testing.T) {
	in := &BeaconData{
		Host:       "192.168.1.40",
		Port:       49000,
		Hostname:   "simrig",
		SimVersion: 121400,
		Role:       1,
	}

	packet := EncodeBeacon(in, 1, 2, 1)
	out, err := DecodeBeacon(packet, "192.168.1.40")
	require.NoError(t, err)

	assert.Equal(t, in.Host, out.Host)
	assert.Equal(t, in.Port, out.Port)
	assert.Equal(t, in.Hostname, out.Hostname)
	assert.Equal(t, in.SimVersion, out.SimVersion)
	assert.Equal(t, in.Role, out.Role)
}

func TestBeacon_BadMagic(t *testing.T) {
	packet := EncodeBeacon(&BeaconData{Port: 49000, Hostname: "x"}, 1, 1, 1)
	packet[0] = 'X'

	_, err := DecodeBeacon(packet, "10.0.0.1")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrBadMagic))
}

func TestBeacon_UnsupportedVersion(t *testing.T) {
	tests := []struct {
		name   string
		major  uint8
		minor  uint8
		hostID int32
	}{
		{"major 2", 2, 0, 1},
		{"minor 3", 1, 3, 1},
		{"planemaker host", 1, 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packet := EncodeBeacon(&BeaconData{Port: 49000, Hostname: "x"}, tt.major, tt.minor, tt.hostID)
			_, err := DecodeBeacon(packet, "10.0.0.1")
			require.Error(t, err)
			// Must be the distinct version error, not a generic parse error
			assert.True(t, stderrors.Is(err, errors.ErrVersionUnsupported))
			assert.False(t, stderrors.Is(err, errors.ErrBadMagic))
		})
	}
}

func TestBeacon_Truncated(t *testing.T) {
	packet := EncodeBeacon(&BeaconData{Port: 49000, Hostname: "x"}, 1, 1, 1)
	_, err := DecodeBeacon(packet[:8], "10.0.0.1")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrTruncatedPacket))
}

func TestBeacon_HostnameTerminator(t *testing.T) {
	// Garbage after the NUL terminator must not leak into the hostname
	packet := EncodeBeacon(&BeaconData{Port: 49000, Hostname: "simrig"}, 1, 1, 1)
	packet = append(packet, []byte("garbage")...)

	out, err := DecodeBeacon(packet, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "simrig", out.Hostname)
}
