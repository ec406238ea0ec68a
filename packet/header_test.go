package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := PacketHeader{
		Version:          CurrentVersion,
		PacketType:       TypeData,
		Flags:            FlagCompressed,
		PayloadLength:    4096,
		CompressedLength: 1024,
		Checksum:         0xdeadbeef,
		SequenceNumber:   7,
		Timestamp:        1234567890,
		StreamID:         100,
		MessageID:        42,
	}

	var wire [HeaderSize]byte
	Encode(&h, &wire)

	got, err := Decode(wire[:])
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestDecodeRejectsShortInput(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	var target *InvalidSizeError
	assert.ErrorAs(t, err, &target)
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	h := PacketHeader{Version: 9}
	var wire [HeaderSize]byte
	Encode(&h, &wire)

	_, err := Decode(wire[:])
	var target *UnsupportedVersionError
	assert.ErrorAs(t, err, &target)
}

func TestDecodeRejectsReservedFlags(t *testing.T) {
	h := PacketHeader{Version: CurrentVersion, Flags: 0x8000}
	var wire [HeaderSize]byte
	Encode(&h, &wire)

	_, err := Decode(wire[:])
	var target *ReservedFlagSetError
	assert.ErrorAs(t, err, &target)
}

func TestDecodeRejectsOrphanResponseTo(t *testing.T) {
	h := PacketHeader{Version: CurrentVersion, ResponseTo: 5}
	var wire [HeaderSize]byte
	Encode(&h, &wire)

	_, err := Decode(wire[:])
	var target *InvalidRoleError
	assert.ErrorAs(t, err, &target)
}

func TestDecodeRejectsInconsistentCompression(t *testing.T) {
	h := PacketHeader{Version: CurrentVersion, Flags: FlagCompressed, CompressedLength: 0}
	var wire [HeaderSize]byte
	Encode(&h, &wire)

	_, err := Decode(wire[:])
	var target *InconsistentCompressionError
	assert.ErrorAs(t, err, &target)
}

func TestRoleOf(t *testing.T) {
	cases := []struct {
		name       string
		messageID  uint64
		responseTo uint64
		want       Role
	}{
		{"request", 1, 0, RoleRequest},
		{"response", 2, 1, RoleResponse},
		{"oneway", 0, 0, RoleOneway},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := &PacketHeader{MessageID: c.messageID, ResponseTo: c.responseTo}
			assert.Equal(t, c.want, RoleOf(h))
		})
	}
}

func TestWireSizePrefersCompressedLength(t *testing.T) {
	h := &PacketHeader{PayloadLength: 4096, CompressedLength: 512}
	assert.Equal(t, uint32(512), h.WireSize())

	h2 := &PacketHeader{PayloadLength: 4096}
	assert.Equal(t, uint32(4096), h2.WireSize())
}
