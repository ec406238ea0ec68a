package connection

import "fmt"

// ProtocolViolationError is raised whenever an invariant of the wire format
// or stream discipline is broken in a way no local recovery applies to, per
// spec §7's ProtocolViolation kind. The connection must be closed.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("connection: protocol violation: %s", e.Reason)
}

// StreamMismatchError mirrors packet.StreamMismatchError at the connection
// level: a header's stream_id did not match the QUIC stream it arrived on.
type StreamMismatchError struct {
	HeaderStreamID, ActualStreamID uint64
}

func (e *StreamMismatchError) Error() string {
	return fmt.Sprintf("connection: header stream_id=%d does not match actual stream %d", e.HeaderStreamID, e.ActualStreamID)
}

// TransportError wraps a QUIC-layer failure that forces every stream closed
// and every in-flight request failed, per spec §4.6.2/§7.
type TransportError struct {
	Reason error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection: transport error: %v", e.Reason)
}

func (e *TransportError) Unwrap() error { return e.Reason }

// ClosedByPeerError is raised when the peer closes the QUIC connection
// cleanly; every waiter still fails, but unlike TransportError this is not
// itself a fault.
type ClosedByPeerError struct{}

func (e *ClosedByPeerError) Error() string { return "connection: closed by peer" }

// DecompressionFailedStreamError closes a single stream (not the whole
// connection) per spec §4.6.2's DecompressionFailed handling.
type DecompressionFailedStreamError struct {
	StreamID uint64
	Cause    error
}

func (e *DecompressionFailedStreamError) Error() string {
	return fmt.Sprintf("connection: decompression failed on stream %d: %v", e.StreamID, e.Cause)
}

func (e *DecompressionFailedStreamError) Unwrap() error { return e.Cause }

// UnreadyStreamError is returned when application data arrives on a user
// stream before the handshake has reached Ready, and the 1 MiB buffer is
// not in play (e.g. a new stream opened outright before Ready).
type UnreadyStreamError struct {
	StreamID uint64
}

func (e *UnreadyStreamError) Error() string {
	return fmt.Sprintf("connection: stream %d used before handshake reached ready", e.StreamID)
}
