// Package handshake drives the stream-1 state machine described in spec
// §4.5: each side independently walks Start -> VersionSent -> VersionAgreed
// -> AuthSent -> AuthVerified -> ConfigSent -> ConfigAgreed -> ReadyLocal ->
// Ready, or falls into Failed on any disagreement or out-of-order message.
package handshake

import (
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/chronista-club/unison-protocol/packet"
	"github.com/chronista-club/unison-protocol/stream"
)

// State is one node of the handshake state machine.
type State uint8

const (
	StateStart State = iota
	StateVersionSent
	StateVersionAgreed
	StateAuthSent
	StateAuthVerified
	StateConfigSent
	StateConfigAgreed
	StateReadyLocal
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateVersionSent:
		return "version-sent"
	case StateVersionAgreed:
		return "version-agreed"
	case StateAuthSent:
		return "auth-sent"
	case StateAuthVerified:
		return "auth-verified"
	case StateConfigSent:
		return "config-sent"
	case StateConfigAgreed:
		return "config-agreed"
	case StateReadyLocal:
		return "ready-local"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailReason names why a handshake moved to StateFailed, per spec §4.5.
type FailReason uint8

const (
	ReasonIncompatibleVersion FailReason = iota
	ReasonAuthRejected
	ReasonOutOfOrder
	ReasonBufferOverflow
)

func (r FailReason) String() string {
	switch r {
	case ReasonIncompatibleVersion:
		return "incompatible-version"
	case ReasonAuthRejected:
		return "auth-rejected"
	case ReasonOutOfOrder:
		return "out-of-order"
	case ReasonBufferOverflow:
		return "buffer-overflow"
	default:
		return "unknown"
	}
}

// FailedError is returned once a handshake has permanently failed. Per
// spec §4.5, the connection must be closed with CONNECTION_REFUSED when
// this occurs.
type FailedError struct {
	Reason FailReason
}

func (e *FailedError) Error() string {
	return "handshake: failed: " + e.Reason.String()
}

// MaxBufferedBytes bounds how much user-stream traffic is buffered before
// Ready is reached locally, per spec §4.5.
const MaxBufferedBytes = 1 << 20

// Verifier decides whether a peer's claimed identity is acceptable. The
// default verifier accepts any self-consistent identity, per spec §4.5 ("by
// policy, default accepts any self-consistent identity"); callers wanting
// real authentication policy supply their own.
type Verifier func(NodeAuth) error

func acceptAny(NodeAuth) error { return nil }

// Engine drives one side of the stream-1 handshake. It is safe for
// concurrent use: Step and BufferUserPacket may be called from different
// goroutines (the connection's read loop and its accept-stream loop).
type Engine struct {
	mu sync.Mutex

	state    State
	failed   *FailedError
	nextMsgID uint64

	localVersion Version
	localAuth    NodeAuth
	localConfig  ConfigExchange
	verify       Verifier

	AgreedVersion string
	PeerAuth      NodeAuth
	AgreedConfig  ConfigExchange

	buffered      [][]byte
	bufferedBytes int
}

// NewEngine returns an Engine that has not yet sent anything; call Start to
// produce the first Version packet.
func NewEngine(localVersion Version, localAuth NodeAuth, localConfig ConfigExchange, verify Verifier) *Engine {
	if verify == nil {
		verify = acceptAny
	}
	return &Engine{
		state:        StateStart,
		localVersion: localVersion,
		localAuth:    localAuth,
		localConfig:  localConfig,
		verify:       verify,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Ready reports whether the handshake has completed locally and remotely.
func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateReady
}

func (e *Engine) nextMessageID() uint64 {
	e.nextMsgID++
	return e.nextMsgID
}

func (e *Engine) buildHandshake(env *envelope) ([]byte, error) {
	b := packet.NewBuilder().
		Type(packet.TypeHandshake).
		StreamID(stream.HandshakeStreamID).
		MessageID(e.nextMessageID())
	pkt, err := packet.Build(b, env)
	if err != nil {
		return nil, err
	}
	return pkt.ToBytes(), nil
}

func (e *Engine) fail(reason FailReason) *FailedError {
	e.state = StateFailed
	e.failed = &FailedError{Reason: reason}
	e.buffered = nil
	e.bufferedBytes = 0
	return e.failed
}

// Start transitions Start -> VersionSent and returns the wire bytes of the
// local Version packet to send on stream 1.
func (e *Engine) Start() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateStart {
		return nil, errors.Errorf("handshake: Start called in state %s", e.state)
	}
	wire, err := e.buildHandshake(versionEnvelope(e.localVersion))
	if err != nil {
		return nil, err
	}
	e.state = StateVersionSent
	return wire, nil
}

// decodeEnvelope decodes a handshake packet's payload. An envelope is
// compressed by packet.Build like any other payload once its archive
// reaches payload.CompressionThreshold (e.g. with a large cert chain), so
// this uses Payload, which decompresses when the COMPRESSED flag is set.
func decodeEnvelope(pkt *packet.Packet) (*envelope, error) {
	env, err := packet.Payload[envelope, *envelope](pkt)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// Step feeds one incoming stream-1 packet into the state machine. It
// returns the wire bytes of any reply to send (nil if none), or a
// FailedError if the packet moved the handshake to StateFailed.
func (e *Engine) Step(incoming []byte) ([]byte, error) {
	pkt, err := packet.FromBytes(incoming)
	if err != nil {
		e.mu.Lock()
		e.fail(ReasonOutOfOrder)
		e.mu.Unlock()
		return nil, errors.Wrap(err, "handshake: decode incoming packet")
	}
	env, err := decodeEnvelope(&pkt)
	if err != nil {
		e.mu.Lock()
		e.fail(ReasonOutOfOrder)
		e.mu.Unlock()
		return nil, errors.Wrap(err, "handshake: decode envelope")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateVersionSent:
		if env.kind != KindVersion {
			return nil, e.fail(ReasonOutOfOrder)
		}
		agreed, ok := negotiateVersion(e.localVersion.ProtocolVersion, env.version.ProtocolVersion)
		if !ok {
			return nil, e.fail(ReasonIncompatibleVersion)
		}
		e.AgreedVersion = agreed
		e.state = StateVersionAgreed
		wire, err := e.buildHandshake(authEnvelope(e.localAuth))
		if err != nil {
			return nil, err
		}
		e.state = StateAuthSent
		return wire, nil

	case StateAuthSent:
		if env.kind != KindNodeAuth {
			return nil, e.fail(ReasonOutOfOrder)
		}
		if err := e.verify(env.auth); err != nil {
			return nil, e.fail(ReasonAuthRejected)
		}
		e.PeerAuth = env.auth
		e.state = StateAuthVerified
		wire, err := e.buildHandshake(configEnvelope(e.localConfig))
		if err != nil {
			return nil, err
		}
		e.state = StateConfigSent
		return wire, nil

	case StateConfigSent:
		if env.kind != KindConfig {
			return nil, e.fail(ReasonOutOfOrder)
		}
		e.AgreedConfig = reconcileConfig(e.localConfig, env.config)
		e.state = StateConfigAgreed
		wire, err := e.buildHandshake(readyEnvelope())
		if err != nil {
			return nil, err
		}
		e.state = StateReadyLocal
		return wire, nil

	case StateReadyLocal:
		if env.kind != KindReady {
			return nil, e.fail(ReasonOutOfOrder)
		}
		e.state = StateReady
		return nil, nil

	default:
		return nil, e.fail(ReasonOutOfOrder)
	}
}

// negotiateVersion implements spec §4.5's mismatch policy: the lower of the
// two versions is used if compatible (same major component), otherwise the
// versions are incompatible.
func negotiateVersion(local, peer string) (string, bool) {
	if local == peer {
		return local, true
	}
	localMajor := majorOf(local)
	peerMajor := majorOf(peer)
	if localMajor != peerMajor {
		return "", false
	}
	lp, pp := strings.Split(local, "."), strings.Split(peer, ".")
	for i := 0; i < len(lp) && i < len(pp); i++ {
		ln, lerr := strconv.Atoi(lp[i])
		pn, perr := strconv.Atoi(pp[i])
		if lerr == nil && perr == nil && ln != pn {
			if ln < pn {
				return local, true
			}
			return peer, true
		}
	}
	if local < peer {
		return local, true
	}
	return peer, true
}

func majorOf(version string) string {
	for i, c := range version {
		if c == '.' {
			return version[:i]
		}
	}
	return version
}

// reconcileConfig takes the more conservative of the two sides' proposals:
// the narrower stream id range, the smaller max packet size, the higher
// (more frequent) keepalive interval's inverse i.e. the shorter interval,
// and the peer's default priority is advisory only so the local value wins.
func reconcileConfig(local, peer ConfigExchange) ConfigExchange {
	out := local
	if peer.StreamIDMin > out.StreamIDMin {
		out.StreamIDMin = peer.StreamIDMin
	}
	if peer.StreamIDMax < out.StreamIDMax {
		out.StreamIDMax = peer.StreamIDMax
	}
	if peer.MaxPacketSize < out.MaxPacketSize {
		out.MaxPacketSize = peer.MaxPacketSize
	}
	if peer.KeepaliveIntervalMs < out.KeepaliveIntervalMs {
		out.KeepaliveIntervalMs = peer.KeepaliveIntervalMs
	}
	return out
}

// BufferOverflowError is returned by BufferUserPacket when buffering would
// exceed MaxBufferedBytes.
type BufferOverflowError struct{}

func (e *BufferOverflowError) Error() string { return "handshake: buffered user traffic exceeds 1 MiB" }

// BufferUserPacket records a user-stream packet that arrived before the
// handshake reached Ready locally, per spec §4.5's invariant. It fails the
// handshake (ReasonBufferOverflow) if the 1 MiB cap would be exceeded.
func (e *Engine) BufferUserPacket(wire []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bufferedBytes+len(wire) > MaxBufferedBytes {
		e.fail(ReasonBufferOverflow)
		return &BufferOverflowError{}
	}
	e.buffered = append(e.buffered, wire)
	e.bufferedBytes += len(wire)
	return nil
}

// DrainBuffered returns and clears the packets buffered by BufferUserPacket.
// Callers should only do this after Ready is reached; on Failed the buffer
// is already cleared by fail().
func (e *Engine) DrainBuffered() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.buffered
	e.buffered = nil
	e.bufferedBytes = 0
	return out
}
