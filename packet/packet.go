package packet

import (
	"io"
	"time"

	"github.com/chronista-club/unison-protocol/payload"
)

// Packet is a decoded header paired with its still-encoded wire bytes. The
// payload is only materialized into a concrete type on demand, via Payload
// or PayloadView, so a Packet can be routed (by StreamID/MessageID/Type)
// without ever paying the cost of decoding a payload nobody reads.
type Packet struct {
	header PacketHeader
	wire   []byte
}

// Builder accumulates header fields before a payload is attached. The zero
// value is not usable; construct one with NewBuilder.
type Builder struct {
	h PacketHeader
}

// NewBuilder returns a Builder defaulted per spec §4.1: version 1, type
// Data, no flags, sequence/stream/message_id/response_to all zero, and
// timestamp set to the current time in microseconds since the Unix epoch.
func NewBuilder() *Builder {
	return &Builder{h: PacketHeader{
		Version:    CurrentVersion,
		PacketType: TypeData,
		Timestamp:  uint64(time.Now().UnixMicro()),
	}}
}

func (b *Builder) Type(t Type) *Builder         { b.h.PacketType = t; return b }
func (b *Builder) Sequence(n uint64) *Builder    { b.h.SequenceNumber = n; return b }
func (b *Builder) StreamID(id uint64) *Builder   { b.h.StreamID = id; return b }
func (b *Builder) MessageID(id uint64) *Builder  { b.h.MessageID = id; return b }
func (b *Builder) ResponseTo(id uint64) *Builder { b.h.ResponseTo = id; return b }
func (b *Builder) Timestamp(us uint64) *Builder  { b.h.Timestamp = us; return b }

// Flag sets a single flag bit. Reserved bits are rejected at Build time.
func (b *Builder) Flag(f Flags) *Builder {
	b.h.Flags |= f
	return b
}

// WithChecksum marks the packet to carry a CRC32 checksum of its wire bytes.
func (b *Builder) WithChecksum() *Builder {
	return b.Flag(FlagChecksummed)
}

// Build archives v (compressing it if large enough per payload package
// rules), fills in the remaining header fields the payload codec decides
// (COMPRESSED flag, lengths, checksum), and returns a Packet ready for
// ToBytes. It fails with PayloadTooLargeError if the resulting wire size
// would exceed MaxWireSize.
func Build(b *Builder, v payload.Marshaler) (Packet, error) {
	if b.h.Flags&reservedFlagsMask != 0 {
		return Packet{}, &ReservedFlagSetError{Flags: b.h.Flags}
	}
	result, err := payload.Encode(v, b.h.Flags.Has(FlagChecksummed))
	if err != nil {
		return Packet{}, err
	}

	h := b.h
	h.PayloadLength = result.PayloadLength
	if result.Compressed {
		h.Flags |= FlagCompressed
		h.CompressedLength = result.CompressedLength
	}
	if result.Checksummed {
		h.Checksum = result.Checksum
	}

	if int(HeaderSize)+len(result.Wire) > MaxWireSize {
		return Packet{}, &PayloadTooLargeError{Size: HeaderSize + len(result.Wire), Max: MaxWireSize}
	}

	return Packet{header: h, wire: result.Wire}, nil
}

// Header returns the packet's header.
func (p *Packet) Header() PacketHeader { return p.header }

// ToBytes serializes the packet to its full wire representation: the fixed
// 64-byte header followed by the (possibly compressed) payload bytes.
func (p *Packet) ToBytes() []byte {
	out := make([]byte, HeaderSize+len(p.wire))
	var hdr [HeaderSize]byte
	Encode(&p.header, &hdr)
	copy(out[:HeaderSize], hdr[:])
	copy(out[HeaderSize:], p.wire)
	return out
}

// FromBytes decodes a header from the front of b and keeps the remaining
// bytes as the packet's still-archived payload. It validates that b carries
// at least as many payload bytes as the header's WireSize declares (any
// bytes beyond that are ignored and not kept), then
// validates the payload itself (checksum, if FlagChecksummed, and archive
// structure) per spec §4.6.1 step 3. On a payload-validation failure the
// Packet is still returned alongside the error, with its header fully
// decoded: callers that need to bind/ack/account for the stream from the
// header can do so even though the payload itself must be dropped.
func FromBytes(b []byte) (Packet, error) {
	h, err := Decode(b)
	if err != nil {
		return Packet{}, err
	}

	want := int(h.WireSize())
	got := len(b) - HeaderSize
	if got < want {
		return Packet{}, &InvalidSizeError{Got: len(b), Want: HeaderSize + want}
	}

	wire := make([]byte, want)
	copy(wire, b[HeaderSize:HeaderSize+want])
	p := Packet{header: h, wire: wire}

	if err := payload.Validate(
		h.Flags.Has(FlagCompressed), h.Flags.Has(FlagChecksummed), h.PayloadLength, h.Checksum, wire,
	); err != nil {
		return p, err
	}
	return p, nil
}

// WriteTo writes the packet's full wire representation to w: the 64-byte
// header followed by the payload bytes, in one call each so a stream
// transport issues exactly two writes per packet.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	var hdr [HeaderSize]byte
	Encode(&p.header, &hdr)
	n1, err := w.Write(hdr[:])
	if err != nil {
		return int64(n1), err
	}
	n2, err := w.Write(p.wire)
	return int64(n1 + n2), err
}

// ReadFrom reads one packet from r: the fixed header first (which names
// the payload's wire size), then exactly that many payload bytes. It never
// reads past the declared payload size, so the reader is left positioned at
// the start of the next packet. As with FromBytes, the payload is validated
// (checksum, if FlagChecksummed, and archive structure) per spec §4.6.1 step
// 3 before returning; a payload-validation failure still returns the
// decoded Packet alongside the error so the caller can bind the stream from
// the header before dropping just this one packet.
func ReadFrom(r io.Reader) (Packet, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Packet{}, err
	}
	h, err := Decode(hdr[:])
	if err != nil {
		return Packet{}, err
	}
	if int(HeaderSize)+int(h.WireSize()) > MaxWireSize {
		return Packet{}, &PayloadTooLargeError{Size: HeaderSize + int(h.WireSize()), Max: MaxWireSize}
	}

	wire := make([]byte, h.WireSize())
	if len(wire) > 0 {
		if _, err := io.ReadFull(r, wire); err != nil {
			return Packet{}, err
		}
	}
	p := Packet{header: h, wire: wire}

	if err := payload.Validate(
		h.Flags.Has(FlagCompressed), h.Flags.Has(FlagChecksummed), h.PayloadLength, h.Checksum, wire,
	); err != nil {
		return p, err
	}
	return p, nil
}

// Payload decodes the packet's payload into a fresh T, verifying the
// checksum (if FlagChecksummed is set) and decompressing (if FlagCompressed
// is set) along the way. Callers instantiate it explicitly, e.g.
// packet.Payload[payload.Echo, *payload.Echo](&p).
func Payload[T any, PT payload.PtrUnmarshaler[T]](p *Packet) (T, error) {
	return payload.Decode[T, PT](
		p.header.Flags.Has(FlagCompressed),
		p.header.Flags.Has(FlagChecksummed),
		p.header.PayloadLength,
		p.header.Checksum,
		p.wire,
	)
}

// PayloadView decodes the packet's payload with no decompression pass; it
// returns ViewUnavailableError if the packet is compressed. Callers that
// want a zero-copy fast path should check Header().Flags.Has(FlagCompressed)
// themselves and fall back to Payload when it is set.
func PayloadView[T any, PT payload.PtrUnmarshaler[T]](p *Packet) (T, error) {
	return payload.View[T, PT](
		p.header.Flags.Has(FlagCompressed),
		p.header.Flags.Has(FlagChecksummed),
		p.header.Checksum,
		p.wire,
	)
}

// Size returns the total wire size of the packet (header plus payload), as
// ToBytes/WriteTo would write it.
func (p *Packet) Size() int {
	return int(HeaderSize) + len(p.wire)
}
