package payload

import (
	capnp "zombiezen.com/go/capnproto2"
)

// Bytes is a payload type (Marshaler/PtrUnmarshaler) wrapping an opaque byte slice, archived as a
// single capnp Data pointer.
type Bytes struct {
	Value []byte
}

func (b *Bytes) MarshalCapnp(seg *capnp.Segment) (capnp.Struct, error) {
	st, err := capnp.NewStruct(seg, capnp.ObjectSize{PointerCount: 1})
	if err != nil {
		return capnp.Struct{}, err
	}
	data, err := capnp.NewData(seg, b.Value)
	if err != nil {
		return capnp.Struct{}, err
	}
	if err := st.SetPtr(0, data.ToPtr()); err != nil {
		return capnp.Struct{}, err
	}
	return st, nil
}

func (b *Bytes) UnmarshalCapnp(root capnp.Struct) error {
	p, err := root.Ptr(0)
	if err != nil {
		return err
	}
	b.Value = p.DataDefault(nil)
	return nil
}

// Text is a payload type (Marshaler/PtrUnmarshaler) wrapping a string, archived as a single capnp Text
// pointer. This is the reference type behind spec scenario S1's
// StringPayload("hello").
type Text struct {
	Value string
}

func (t *Text) MarshalCapnp(seg *capnp.Segment) (capnp.Struct, error) {
	st, err := capnp.NewStruct(seg, capnp.ObjectSize{PointerCount: 1})
	if err != nil {
		return capnp.Struct{}, err
	}
	txt, err := capnp.NewText(seg, t.Value)
	if err != nil {
		return capnp.Struct{}, err
	}
	if err := st.SetPtr(0, txt.ToPtr()); err != nil {
		return capnp.Struct{}, err
	}
	return st, nil
}

func (t *Text) UnmarshalCapnp(root capnp.Struct) error {
	p, err := root.Ptr(0)
	if err != nil {
		return err
	}
	t.Value = p.TextDefault("")
	return nil
}

// Echo is a payload type (Marshaler/PtrUnmarshaler) carrying a single message field, matching spec
// scenario S2's Echo{msg: "x"}.
type Echo struct {
	Msg string
}

func (e *Echo) MarshalCapnp(seg *capnp.Segment) (capnp.Struct, error) {
	st, err := capnp.NewStruct(seg, capnp.ObjectSize{PointerCount: 1})
	if err != nil {
		return capnp.Struct{}, err
	}
	txt, err := capnp.NewText(seg, e.Msg)
	if err != nil {
		return capnp.Struct{}, err
	}
	if err := st.SetPtr(0, txt.ToPtr()); err != nil {
		return capnp.Struct{}, err
	}
	return st, nil
}

func (e *Echo) UnmarshalCapnp(root capnp.Struct) error {
	p, err := root.Ptr(0)
	if err != nil {
		return err
	}
	e.Msg = p.TextDefault("")
	return nil
}
