// Package payload implements the Unison payload codec: a zero-copy
// archival encoding (built on capnp's struct layout) with optional zstd
// compression and an optional CRC32 checksum, per spec §4.2.
package payload

import (
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressionThreshold is the smallest uncompressed payload size eligible
// for compression, per spec §3.6.
const CompressionThreshold = 2048

// sharedEncoder/sharedDecoder are safe for concurrent use by multiple
// goroutines (the zstd package documents this), so a single pair is reused
// across all Encode/Decode calls rather than allocated per call.
var (
	sharedEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	sharedDecoder, _ = zstd.NewReader(nil)
)

// EncodeResult is the wire-ready output of Encode: the bytes to place on
// the wire plus the header fields that describe them.
type EncodeResult struct {
	Wire             []byte
	PayloadLength    uint32 // uncompressed size
	CompressedLength uint32 // 0 if not compressed
	Compressed       bool
	Checksum         uint32 // 0 if checksum not requested
	Checksummed      bool
}

// Encode archives v, optionally compresses it, and optionally checksums it,
// following the decision rules in spec §4.2/§3.6:
//  1. archive v into a contiguous buffer
//  2. compress with zstd if the uncompressed size is >= CompressionThreshold
//  3. keep the compressed form only if it is strictly smaller
//  4. checksum the bytes that will actually be placed on the wire, if requested
func Encode(v Marshaler, withChecksum bool) (EncodeResult, error) {
	archived, err := archiveMessage(v)
	if err != nil {
		return EncodeResult{}, err
	}

	result := EncodeResult{
		Wire:          archived,
		PayloadLength: uint32(len(archived)),
	}

	if len(archived) >= CompressionThreshold {
		compressed := sharedEncoder.EncodeAll(archived, nil)
		if len(compressed) < len(archived) {
			result.Wire = compressed
			result.CompressedLength = uint32(len(compressed))
			result.Compressed = true
		}
	}

	if withChecksum {
		result.Checksum = crc32.ChecksumIEEE(result.Wire)
		result.Checksummed = true
	}

	return result, nil
}

// decodeWire runs the checksum and decompression checks common to Decode
// and Validate, returning the archived (always-decompressed) bytes on
// success.
func decodeWire(compressed, checksummed bool, payloadLength, checksum uint32, wire []byte) ([]byte, error) {
	if checksummed {
		if got := crc32.ChecksumIEEE(wire); got != checksum {
			return nil, &ChecksumMismatchError{Want: checksum, Got: got}
		}
	}

	if !compressed {
		return wire, nil
	}

	decompressed, err := sharedDecoder.DecodeAll(wire, make([]byte, 0, payloadLength))
	if err != nil {
		return nil, &DecompressionFailedError{Cause: err}
	}
	if uint32(len(decompressed)) != payloadLength {
		return nil, &DecompressionFailedError{Cause: io.ErrUnexpectedEOF}
	}
	return decompressed, nil
}

// Decode verifies the checksum (if checksummed), decompresses (if
// compressed), and materializes a T from the archived bytes. This may
// allocate (for decompression and for the materialized value).
func Decode[T any, PT PtrUnmarshaler[T]](compressed, checksummed bool, payloadLength, checksum uint32, wire []byte) (T, error) {
	var zero T
	archived, err := decodeWire(compressed, checksummed, payloadLength, checksum, wire)
	if err != nil {
		return zero, err
	}
	return materialize[T, PT](archived)
}

// Validate runs the same checksum/decompression/archive-structure checks
// Decode does, without materializing any concrete payload type. This is the
// ingress-time check packet.FromBytes/ReadFrom run before a payload is ever
// handed to a concrete Decode/View call, so a corrupted packet is caught
// once, at the point named by spec §4.6.1 step 3, rather than left to
// whichever caller eventually decodes it (or never caught at all, for a
// oneway packet nobody decodes).
func Validate(compressed, checksummed bool, payloadLength, checksum uint32, wire []byte) error {
	archived, err := decodeWire(compressed, checksummed, payloadLength, checksum, wire)
	if err != nil {
		return err
	}
	return validateArchive(archived)
}

// View materializes a T directly from wire with no decompression pass. It
// is only valid when compressed is false: the wire bytes already are the
// archive, so no allocation beyond the capnp decoder's own bookkeeping is
// needed. Callers must check the COMPRESSED flag before calling View. If
// checksummed, the CRC32 over wire is verified first, the same check Decode
// performs.
func View[T any, PT PtrUnmarshaler[T]](compressed, checksummed bool, checksum uint32, wire []byte) (T, error) {
	var zero T
	if compressed {
		return zero, &ViewUnavailableError{}
	}
	if checksummed {
		if got := crc32.ChecksumIEEE(wire); got != checksum {
			return zero, &ChecksumMismatchError{Want: checksum, Got: got}
		}
	}
	return materialize[T, PT](wire)
}
