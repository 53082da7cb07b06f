// Package wire encodes and decodes the two wire formats of the X-Plane
// network API consumed by this runtime: the UDP beacon binary packet and the
// WebSocket JSON envelope.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/devleaks/xplane-webapi/errors"
)

// Beacon multicast endpoint. The port moved to 49707 with X-Plane 11;
// 49000 was used by X-Plane 10.
const (
	BeaconGroup = "239.255.1.1"
	BeaconPort  = 49707
)

// Supported beacon protocol range: major 1, minor up to 2, emitted by the
// simulator itself (host id 1; PlaneMaker uses 2).
const (
	beaconMajorSupported  = 1
	beaconMinorSupported  = 2
	beaconHostIDSimulator = 1
)

var beaconMagic = []byte("BECN\x00")

// beaconRecord is the packed binary record following the magic header,
// little-endian on the wire.
type beaconRecord struct {
	MajorVersion uint8
	MinorVersion uint8
	HostID       int32
	SimVersion   int32
	Role         uint32
	Port         uint16
}

// BeaconData is the decoded content of one beacon packet. It is an immutable
// value: monitors replace it wholesale, never mutate it in place.
type BeaconData struct {
	Host       string // sender address, not part of the packet payload
	Port       int
	Hostname   string
	SimVersion int // e.g. 121400 for 12.1.4
	Role       int // 1 master, 2 extern visual, 3 IOS
}

func (b BeaconData) String() string {
	return fmt.Sprintf("%s:%d (%s, version %d, role %d)", b.Host, b.Port, b.Hostname, b.SimVersion, b.Role)
}

// DecodeBeacon decodes a beacon packet received from sender. It returns
// ErrBadMagic when the magic header does not match and ErrVersionUnsupported
// when the beacon protocol version is outside the supported range.
func DecodeBeacon(packet []byte, sender string) (*BeaconData, error) {
	if len(packet) < len(beaconMagic)+binary.Size(beaconRecord{}) {
		return nil, errors.ErrTruncatedPacket
	}
	if !bytes.Equal(packet[:len(beaconMagic)], beaconMagic) {
		return nil, errors.ErrBadMagic
	}

	var rec beaconRecord
	body := bytes.NewReader(packet[len(beaconMagic):])
	if err := binary.Read(body, binary.LittleEndian, &rec); err != nil {
		return nil, errors.WrapInvalid(err, "wire", "DecodeBeacon", "read record")
	}

	if rec.MajorVersion != beaconMajorSupported ||
		rec.MinorVersion > beaconMinorSupported ||
		rec.HostID != beaconHostIDSimulator {
		return nil, fmt.Errorf("%w: %d.%d.%d", errors.ErrVersionUnsupported,
			rec.MajorVersion, rec.MinorVersion, rec.HostID)
	}

	rest := packet[len(beaconMagic)+binary.Size(rec):]
	hostname := rest
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		hostname = rest[:i]
	}

	return &BeaconData{
		Host:       sender,
		Port:       int(rec.Port),
		Hostname:   string(hostname),
		SimVersion: int(rec.SimVersion),
		Role:       int(rec.Role),
	}, nil
}

// EncodeBeacon builds a beacon packet carrying data with the given protocol
// version bytes and host id. Used by tests and by simulator stand-ins.
func EncodeBeacon(data *BeaconData, major, minor uint8, hostID int32) []byte {
	var buf bytes.Buffer
	buf.Write(beaconMagic)
	rec := beaconRecord{
		MajorVersion: major,
		MinorVersion: minor,
		HostID:       hostID,
		SimVersion:   int32(data.SimVersion),
		Role:         uint32(data.Role),
		Port:         uint16(data.Port),
	}
	_ = binary.Write(&buf, binary.LittleEndian, rec)
	buf.WriteString(data.Hostname)
	buf.WriteByte(0)
	return buf.Bytes()
}
