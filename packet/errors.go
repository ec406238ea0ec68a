package packet

import "fmt"

// InvalidSizeError is returned when decoding fewer than HeaderSize bytes.
type InvalidSizeError struct {
	Got, Want int
}

func (e *InvalidSizeError) Error() string {
	return fmt.Sprintf("packet: header too short: got %d bytes, want %d", e.Got, e.Want)
}

// UnsupportedVersionError is returned when a header names a version this
// build does not speak.
type UnsupportedVersionError struct {
	Got, Want uint8
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("packet: unsupported version %d, want %d", e.Got, e.Want)
}

// ReservedFlagSetError is returned when a header sets a bit reserved for
// future use.
type ReservedFlagSetError struct {
	Flags Flags
}

func (e *ReservedFlagSetError) Error() string {
	return fmt.Sprintf("packet: reserved flag bits set: %#04x", uint16(e.Flags)&uint16(reservedFlagsMask))
}

// InvalidRoleError is returned when message_id == 0 but response_to != 0,
// which has no valid interpretation per spec §3.2.
type InvalidRoleError struct {
	MessageID, ResponseTo uint64
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("packet: invalid role: message_id=0 response_to=%d", e.ResponseTo)
}

// InconsistentCompressionError is returned when the COMPRESSED flag
// disagrees with whether compressed_length is nonzero.
type InconsistentCompressionError struct {
	Flag             bool
	CompressedLength uint32
}

func (e *InconsistentCompressionError) Error() string {
	return fmt.Sprintf("packet: COMPRESSED flag=%v but compressed_length=%d", e.Flag, e.CompressedLength)
}

// PayloadTooLargeError is returned when a packet's wire size would exceed
// MaxWireSize.
type PayloadTooLargeError struct {
	Size, Max int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("packet: payload too large: %d bytes exceeds max %d", e.Size, e.Max)
}

// StreamMismatchError is returned when a header's stream_id does not match
// the QUIC stream it arrived on; the caller must close the connection.
type StreamMismatchError struct {
	HeaderStreamID, ActualStreamID uint64
}

func (e *StreamMismatchError) Error() string {
	return fmt.Sprintf("packet: header stream_id=%d does not match actual stream %d", e.HeaderStreamID, e.ActualStreamID)
}
