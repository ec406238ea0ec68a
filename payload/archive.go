package payload

import (
	"bytes"

	capnp "zombiezen.com/go/capnproto2"
)

// Marshaler is implemented by payload types that can archive themselves
// into a capnp struct. There is deliberately no schema file and no
// capnpc-go generated code involved: implementations build their struct
// directly against capnp's segment/struct primitives, the same primitives
// generated code itself would call. This keeps the zero-copy, bounds-checked
// guarantee the wire format needs without requiring a schema compiler step.
type Marshaler interface {
	// MarshalCapnp allocates a struct in seg and fills it in, returning
	// the struct so the caller can set it as the message root.
	MarshalCapnp(seg *capnp.Segment) (capnp.Struct, error)
}

// PtrUnmarshaler is implemented by a pointer-to-payload-type so that generic
// helpers can construct a zero value and populate it from an archived
// struct. T is the value type (e.g. Echo); PT is *T.
type PtrUnmarshaler[T any] interface {
	*T
	Marshaler
	UnmarshalCapnp(root capnp.Struct) error
}

// archiveMessage builds a single-segment capnp message rooted at the
// struct produced by m, and serializes it to a contiguous byte buffer.
// This is the "archive into a contiguous byte buffer" step of spec §4.2.
func archiveMessage(m Marshaler) ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, err
	}
	root, err := m.MarshalCapnp(seg)
	if err != nil {
		return nil, err
	}
	if err := msg.SetRootPtr(root.ToPtr()); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := capnp.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// validateArchive decodes a single-segment capnp message from archived bytes
// and confirms it has a readable root struct, without unmarshaling into any
// concrete payload type. This is the type-agnostic half of materialize,
// used by Validate to catch a corrupted archive at ingress time before any
// caller has committed to a concrete payload type for it.
func validateArchive(archived []byte) error {
	msg, err := capnp.NewDecoder(bytes.NewReader(archived)).Decode()
	if err != nil {
		return &InvalidArchiveError{Cause: err}
	}
	if _, err := msg.RootPtr(); err != nil {
		return &InvalidArchiveError{Cause: err}
	}
	return nil
}

// materialize decodes a single-segment capnp message from archived bytes and
// populates a new T from its root struct. Because capnp messages are a
// stable, bounds-checked layout, the decoded Struct can be read directly
// with no further validation pass beyond what the capnp decoder itself
// performs (bounds checks on every pointer traversal).
func materialize[T any, PT PtrUnmarshaler[T]](archived []byte) (T, error) {
	var zero T
	msg, err := capnp.NewDecoder(bytes.NewReader(archived)).Decode()
	if err != nil {
		return zero, &InvalidArchiveError{Cause: err}
	}
	root, err := msg.RootPtr()
	if err != nil {
		return zero, &InvalidArchiveError{Cause: err}
	}

	var v T
	pv := PT(&v)
	if err := pv.UnmarshalCapnp(root.Struct()); err != nil {
		return zero, &InvalidArchiveError{Cause: err}
	}
	return v, nil
}
