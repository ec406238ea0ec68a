// Package packet implements the Unison wire packet: a fixed 64-byte header
// followed by an optionally compressed payload.
package packet

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed, on-wire size of a PacketHeader in bytes.
const HeaderSize = 64

// MaxWireSize is the largest a single packet (header + payload) may be.
const MaxWireSize = 16 * 1024 * 1024

// CurrentVersion is the only protocol version this implementation speaks.
const CurrentVersion uint8 = 1

// Type identifies the purpose of a packet, independent of its role
// (request/response/oneway, which is derived from message_id/response_to).
type Type uint8

const (
	TypeData Type = iota
	TypeControl
	TypeHeartbeat
	TypeHandshake
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeControl:
		return "control"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeHandshake:
		return "handshake"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Flags is the u16 packet flags bitfield, see spec §3.3.
type Flags uint16

const (
	FlagCompressed   Flags = 0x0001
	FlagEncrypted    Flags = 0x0002
	FlagFragmented   Flags = 0x0004
	FlagLastFragment Flags = 0x0008
	FlagPriorityHigh Flags = 0x0010
	FlagRequiresAck  Flags = 0x0020
	FlagIsAck        Flags = 0x0040
	FlagKeepalive    Flags = 0x0080
	FlagError        Flags = 0x0100
	FlagMetadata     Flags = 0x0200
	FlagChecksummed  Flags = 0x0400

	// reservedFlagsMask covers the bits that must be zero on send and are
	// rejected on receive.
	reservedFlagsMask Flags = 0xF800
)

func (f Flags) Has(bit Flags) bool {
	return f&bit != 0
}

// PacketHeader is the fixed 64-byte metadata block carried by every Packet.
// All multi-byte integers are little-endian on the wire.
type PacketHeader struct {
	Version          uint8
	PacketType       Type
	Flags            Flags
	PayloadLength    uint32
	CompressedLength uint32
	Checksum         uint32
	SequenceNumber   uint64
	Timestamp        uint64
	StreamID         uint64
	MessageID        uint64
	ResponseTo       uint64
}

// Role describes how a header's message_id/response_to pair should be
// interpreted, per spec §3.2.
type Role uint8

const (
	RoleInvalid Role = iota
	RoleRequest
	RoleResponse
	RoleOneway
)

// Encode writes h into dst in little-endian order. dst must be exactly
// HeaderSize bytes; reserved padding is always zeroed.
func Encode(h *PacketHeader, dst *[HeaderSize]byte) {
	for i := range dst {
		dst[i] = 0
	}
	dst[0] = h.Version
	dst[1] = byte(h.PacketType)
	binary.LittleEndian.PutUint16(dst[2:4], uint16(h.Flags))
	binary.LittleEndian.PutUint32(dst[4:8], h.PayloadLength)
	binary.LittleEndian.PutUint32(dst[8:12], h.CompressedLength)
	binary.LittleEndian.PutUint32(dst[12:16], h.Checksum)
	binary.LittleEndian.PutUint64(dst[16:24], h.SequenceNumber)
	binary.LittleEndian.PutUint64(dst[24:32], h.Timestamp)
	binary.LittleEndian.PutUint64(dst[32:40], h.StreamID)
	binary.LittleEndian.PutUint64(dst[40:48], h.MessageID)
	binary.LittleEndian.PutUint64(dst[48:56], h.ResponseTo)
	// dst[56:64] stays zeroed reserved padding.
}

// Decode parses a PacketHeader from the first HeaderSize bytes of src.
// Decoding performs no allocation and never looks past HeaderSize bytes,
// so the payload need not be present yet.
func Decode(src []byte) (PacketHeader, error) {
	var h PacketHeader
	if len(src) < HeaderSize {
		return h, &InvalidSizeError{Got: len(src), Want: HeaderSize}
	}

	h.Version = src[0]
	h.PacketType = Type(src[1])
	h.Flags = Flags(binary.LittleEndian.Uint16(src[2:4]))
	h.PayloadLength = binary.LittleEndian.Uint32(src[4:8])
	h.CompressedLength = binary.LittleEndian.Uint32(src[8:12])
	h.Checksum = binary.LittleEndian.Uint32(src[12:16])
	h.SequenceNumber = binary.LittleEndian.Uint64(src[16:24])
	h.Timestamp = binary.LittleEndian.Uint64(src[24:32])
	h.StreamID = binary.LittleEndian.Uint64(src[32:40])
	h.MessageID = binary.LittleEndian.Uint64(src[40:48])
	h.ResponseTo = binary.LittleEndian.Uint64(src[48:56])

	if h.Version != CurrentVersion {
		return h, &UnsupportedVersionError{Got: h.Version, Want: CurrentVersion}
	}
	if h.Flags&reservedFlagsMask != 0 {
		return h, &ReservedFlagSetError{Flags: h.Flags}
	}
	if h.MessageID == 0 && h.ResponseTo != 0 {
		return h, &InvalidRoleError{MessageID: h.MessageID, ResponseTo: h.ResponseTo}
	}
	if h.Flags.Has(FlagCompressed) != (h.CompressedLength > 0) {
		return h, &InconsistentCompressionError{Flag: h.Flags.Has(FlagCompressed), CompressedLength: h.CompressedLength}
	}

	return h, nil
}

// RoleOf returns the message role implied by a header's message_id and
// response_to fields, per spec §3.2. A header that fails Decode's
// InvalidRoleError check would report RoleInvalid here too.
func RoleOf(h *PacketHeader) Role {
	switch {
	case h.MessageID > 0 && h.ResponseTo == 0:
		return RoleRequest
	case h.MessageID > 0 && h.ResponseTo > 0:
		return RoleResponse
	case h.MessageID == 0 && h.ResponseTo == 0:
		return RoleOneway
	default:
		return RoleInvalid
	}
}

// IsRequest reports whether h is a Request per spec §3.2.
func (h *PacketHeader) IsRequest() bool { return RoleOf(h) == RoleRequest }

// IsResponse reports whether h is a Response per spec §3.2: its ResponseTo
// names the MessageID of the request it answers, and callers match it
// against that request via ResponseTo, not via h's own MessageID.
func (h *PacketHeader) IsResponse() bool {
	return h.MessageID > 0 && h.ResponseTo > 0
}

// IsOneway reports whether h carries no correlation id at all.
func (h *PacketHeader) IsOneway() bool { return RoleOf(h) == RoleOneway }

// WireSize returns the number of payload bytes this header says are on the
// wire (the compressed length when set, else the uncompressed length).
func (h *PacketHeader) WireSize() uint32 {
	if h.CompressedLength > 0 {
		return h.CompressedLength
	}
	return h.PayloadLength
}
