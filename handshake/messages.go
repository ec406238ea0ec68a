package handshake

import (
	capnp "zombiezen.com/go/capnproto2"

	"github.com/chronista-club/unison-protocol/payload"
)

// NodeType classifies a peer's position in the (currently unimplemented)
// overlay topology; see the Open Question decision on overlay support.
type NodeType uint8

const (
	NodeTypeAgent NodeType = iota
	NodeTypeHub
	NodeTypeRoot
)

// Kind discriminates which of the four handshake messages an envelope
// carries. There is no schema compiler available to generate a real capnp
// union, so envelope is a single struct wide enough for any of the four
// messages, with Kind telling MarshalCapnp/UnmarshalCapnp which fields are
// meaningful — the same trick spec scenarios use a packet_type tag for at
// the outer layer.
type Kind uint8

const (
	KindVersion Kind = iota
	KindNodeAuth
	KindConfig
	KindReady
)

// Version is the first handshake message each side sends, per spec §4.5.
type Version struct {
	ProtocolVersion       string
	SupportedCapabilities []string
}

// NodeAuth identifies a peer, per spec §4.5. Verification is policy
// delegated; this type only carries the claimed identity.
type NodeAuth struct {
	NodeID    [32]byte
	NetworkID [16]byte
	NodeType  NodeType
	IPv6Addr  [16]byte
	CertChain []byte // optional, may be nil
}

// ConfigExchange carries the runtime parameters both sides must agree on
// before user streams may open, per spec §4.5.
type ConfigExchange struct {
	StreamIDMin         uint64
	StreamIDMax         uint64
	MaxPacketSize       uint32
	DefaultPriority     uint8
	KeepaliveIntervalMs uint32
}

// Ready has no body; its arrival is itself the signal.
type Ready struct{}

// envelope is the on-wire struct layout backing all four message types.
type envelope struct {
	kind    Kind
	version Version
	auth    NodeAuth
	config  ConfigExchange
}

const (
	envelopeDataSize = 40
	envelopePointers = 6
)

func (e *envelope) MarshalCapnp(seg *capnp.Segment) (capnp.Struct, error) {
	st, err := capnp.NewStruct(seg, capnp.ObjectSize{DataSize: envelopeDataSize, PointerCount: envelopePointers})
	if err != nil {
		return capnp.Struct{}, err
	}

	st.SetUint8(0, uint8(e.kind))
	st.SetUint64(8, e.config.StreamIDMin)
	st.SetUint64(16, e.config.StreamIDMax)
	st.SetUint32(24, e.config.MaxPacketSize)
	st.SetUint8(28, e.config.DefaultPriority)
	st.SetUint8(29, uint8(e.auth.NodeType))
	st.SetUint32(32, e.config.KeepaliveIntervalMs)

	protoVersion, err := capnp.NewText(seg, e.version.ProtocolVersion)
	if err != nil {
		return capnp.Struct{}, err
	}
	if err := st.SetPtr(0, protoVersion.ToPtr()); err != nil {
		return capnp.Struct{}, err
	}

	capList, err := capnp.NewTextList(seg, int32(len(e.version.SupportedCapabilities)))
	if err != nil {
		return capnp.Struct{}, err
	}
	for i, c := range e.version.SupportedCapabilities {
		if err := capList.Set(i, c); err != nil {
			return capnp.Struct{}, err
		}
	}
	if err := st.SetPtr(1, capList.ToList().ToPtr()); err != nil {
		return capnp.Struct{}, err
	}

	nodeID, err := capnp.NewData(seg, e.auth.NodeID[:])
	if err != nil {
		return capnp.Struct{}, err
	}
	if err := st.SetPtr(2, nodeID.ToPtr()); err != nil {
		return capnp.Struct{}, err
	}

	networkID, err := capnp.NewData(seg, e.auth.NetworkID[:])
	if err != nil {
		return capnp.Struct{}, err
	}
	if err := st.SetPtr(3, networkID.ToPtr()); err != nil {
		return capnp.Struct{}, err
	}

	ipv6, err := capnp.NewData(seg, e.auth.IPv6Addr[:])
	if err != nil {
		return capnp.Struct{}, err
	}
	if err := st.SetPtr(4, ipv6.ToPtr()); err != nil {
		return capnp.Struct{}, err
	}

	if len(e.auth.CertChain) > 0 {
		certChain, err := capnp.NewData(seg, e.auth.CertChain)
		if err != nil {
			return capnp.Struct{}, err
		}
		if err := st.SetPtr(5, certChain.ToPtr()); err != nil {
			return capnp.Struct{}, err
		}
	}

	return st, nil
}

func (e *envelope) UnmarshalCapnp(root capnp.Struct) error {
	e.kind = Kind(root.Uint8(0))
	e.config.StreamIDMin = root.Uint64(8)
	e.config.StreamIDMax = root.Uint64(16)
	e.config.MaxPacketSize = root.Uint32(24)
	e.config.DefaultPriority = root.Uint8(28)
	e.auth.NodeType = NodeType(root.Uint8(29))
	e.config.KeepaliveIntervalMs = root.Uint32(32)

	protoVersion, err := root.Ptr(0)
	if err != nil {
		return err
	}
	e.version.ProtocolVersion = protoVersion.TextDefault("")

	capsPtr, err := root.Ptr(1)
	if err != nil {
		return err
	}
	capList := capnp.TextList{List: capsPtr.List()}
	e.version.SupportedCapabilities = nil
	for i := 0; i < capList.Len(); i++ {
		s, err := capList.At(i)
		if err != nil {
			return err
		}
		e.version.SupportedCapabilities = append(e.version.SupportedCapabilities, s)
	}

	nodeID, err := root.Ptr(2)
	if err != nil {
		return err
	}
	copy(e.auth.NodeID[:], nodeID.DataDefault(nil))

	networkID, err := root.Ptr(3)
	if err != nil {
		return err
	}
	copy(e.auth.NetworkID[:], networkID.DataDefault(nil))

	ipv6, err := root.Ptr(4)
	if err != nil {
		return err
	}
	copy(e.auth.IPv6Addr[:], ipv6.DataDefault(nil))

	certChain, err := root.Ptr(5)
	if err != nil {
		return err
	}
	if d := certChain.DataDefault(nil); len(d) > 0 {
		e.auth.CertChain = append([]byte(nil), d...)
	}

	return nil
}

var (
	_ payload.Marshaler = (*envelope)(nil)
)

func versionEnvelope(v Version) *envelope       { return &envelope{kind: KindVersion, version: v} }
func authEnvelope(a NodeAuth) *envelope         { return &envelope{kind: KindNodeAuth, auth: a} }
func configEnvelope(c ConfigExchange) *envelope { return &envelope{kind: KindConfig, config: c} }
func readyEnvelope() *envelope                  { return &envelope{kind: KindReady} }
