// Package connection implements spec §4.6's Connection: one QUIC
// connection to a peer, multiplexing outgoing packets onto streams,
// demultiplexing incoming packets by stream and role, and tracking
// liveness via periodic heartbeats.
package connection

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chronista-club/unison-protocol/handshake"
	"github.com/chronista-club/unison-protocol/metrics"
	"github.com/chronista-club/unison-protocol/packet"
	"github.com/chronista-club/unison-protocol/payload"
	"github.com/chronista-club/unison-protocol/stream"
	"github.com/chronista-club/unison-protocol/tracker"
)

// ActionKind is what an application Dispatcher asks the Connection to do
// after handling an incoming Request or Oneway packet, per spec §4.6's
// dispatch contract.
type ActionKind uint8

const (
	ActionIgnore ActionKind = iota
	ActionRespond
	ActionError
)

// Action is the result of dispatching one incoming packet to the
// application.
type Action struct {
	Kind          ActionKind
	Response      payload.Marshaler
	ResponseFlags packet.Flags
	ErrorCode     uint32
	ErrorMessage  string
}

// Dispatcher handles a Request or Oneway packet arriving on a non-system
// stream. It is supplied by the application embedding this package.
type Dispatcher func(ctx context.Context, logicalStreamID uint64, pkt packet.Packet) Action

// Config bundles the tunables a Connection needs beyond its transport and
// dispatcher, following the plain-struct configuration approach described
// in SPEC_FULL.md's ambient stack: no config file format of its own, just
// values the caller (the endpoint package) assembles.
type Config struct {
	PeerLabel          string
	StreamWriteTimeout time.Duration
	KeepaliveInterval  time.Duration
	LocalVersion       handshake.Version
	LocalAuth          handshake.NodeAuth
	LocalHandshakeCfg  handshake.ConfigExchange
	Verifier           handshake.Verifier
}

func (c Config) withDefaults() Config {
	if c.StreamWriteTimeout == 0 {
		c.StreamWriteTimeout = 10 * time.Second
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = time.Second
	}
	return c
}

// boundStream is one logical stream's bookkeeping.
type boundStream struct {
	logicalID uint64
	ss        *safeStream
}

// Connection owns one quic.Connection and everything layered on top of it:
// the stream registry, the handshake engine, the request/response tracker,
// and the dispatch loop. Grounded on quic_connection.go's quicConnection
// type and its errgroup-driven Serve method.
type Connection struct {
	quicConn quic.Connection
	connID   string
	log      *zerolog.Logger
	cfg      Config
	dispatch Dispatcher
	metrics  *metrics.Connection

	registry *stream.Registry
	hsEngine *handshake.Engine
	tracker  *tracker.Tracker

	mu      sync.Mutex
	streams map[uint64]*boundStream

	lastHeartbeat  atomic.Int64 // unix nanos
	userStreamNext atomic.Uint64
	closed         atomic.Bool
	closeOnce      sync.Once
}

// New wraps an already-established quic.Connection.
func New(quicConn quic.Connection, cfg Config, dispatch Dispatcher, metricsConn *metrics.Connection, log *zerolog.Logger) *Connection {
	full := cfg.withDefaults()
	return &Connection{
		quicConn: quicConn,
		connID:   quicConn.RemoteAddr().String(),
		log:      log,
		cfg:      full,
		dispatch: dispatch,
		metrics:  metricsConn,
		registry: stream.New(),
		hsEngine: handshake.NewEngine(full.LocalVersion, full.LocalAuth, full.LocalHandshakeCfg, full.Verifier),
		tracker:  tracker.New(),
		streams:  make(map[uint64]*boundStream),
	}
}

// Ready reports whether the handshake has completed on this connection.
func (c *Connection) Ready() bool { return c.hsEngine.Ready() }

// Serve runs the connection until its context is cancelled, the peer closes
// it, or a fatal transport/protocol error occurs. initiator must be true on
// exactly one side of the pair (the side that dialed); per DESIGN.md's
// resolution of spec §3.4's stream-identity question, that side opens the
// three system streams in a fixed order and the peer accepts them in the
// same order, which is how both sides agree on logical ids 1/2/3 despite
// QUIC assigning its own native stream numbers underneath.
func (c *Connection) Serve(ctx context.Context, initiator bool) error {
	defer c.closeInternal()

	if err := c.setupSystemStreams(ctx, initiator); err != nil {
		return errors.Wrap(err, "connection: system stream setup")
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return c.runHandshake(gctx) })
	group.Go(func() error { return c.acceptLoop(gctx, group) })
	group.Go(func() error { return c.keepaliveLoop(gctx) })
	group.Go(func() error {
		// The keepalive stream is never seen by acceptLoop; read the peer's
		// heartbeats here so dispatchIncoming advances lastHeartbeat.
		bs, _ := c.lookup(stream.KeepaliveStreamID)
		for {
			pkt, err := packet.ReadFrom(bs.ss)
			if err != nil {
				if gctx.Err() != nil || err == io.EOF {
					return nil
				}
				return &TransportError{Reason: err}
			}
			c.dispatchIncoming(gctx, stream.KeepaliveStreamID, pkt)
		}
	})

	err := group.Wait()
	c.tracker.CloseAll(err)
	return err
}

// setupSystemStreams opens (initiator) or accepts (responder) the three
// fixed system streams, per spec §3.4. It visits them in descending
// priority order (stream.PriorityFor) so the higher-priority streams are
// established first on a congested peer; both sides compute the same order
// from the same fixed id list, which is what keeps logical ids 1/2/3
// agreeing across the pair (see DESIGN.md's stream-identity resolution).
func (c *Connection) setupSystemStreams(ctx context.Context, initiator bool) error {
	ids := []uint64{stream.HandshakeStreamID, stream.KeepaliveStreamID, stream.NodeInfoStreamID}
	sort.SliceStable(ids, func(i, j int) bool {
		return stream.PriorityFor(stream.RoleFor(ids[i])) > stream.PriorityFor(stream.RoleFor(ids[j]))
	})
	for _, id := range ids {
		var qs quic.Stream
		var err error
		if initiator {
			qs, err = c.quicConn.OpenStreamSync(ctx)
		} else {
			qs, err = c.quicConn.AcceptStream(ctx)
		}
		if err != nil {
			return errors.Wrapf(err, "establishing system stream %d", id)
		}
		if err := c.registry.Open(id, false); err != nil {
			return err
		}
		ss := newSafeStream(qs, c.cfg.StreamWriteTimeout, c.connID, c.log)
		ss.bindLogicalID(id)
		c.bind(id, ss)
	}
	return nil
}

// applyPriority marks b with FlagPriorityHigh when logicalID's role carries
// higher-than-normal priority per spec §4.4, so a congested peer's QUIC
// scheduler favors handshake/control traffic over user traffic.
func (c *Connection) applyPriority(logicalID uint64, b *packet.Builder) *packet.Builder {
	if stream.PriorityFor(c.registry.Role(logicalID)) != stream.PriorityNormal {
		return b.Flag(packet.FlagPriorityHigh)
	}
	return b
}

func (c *Connection) bind(logicalID uint64, ss *safeStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[logicalID] = &boundStream{logicalID: logicalID, ss: ss}
}

func (c *Connection) lookup(logicalID uint64) (*boundStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bs, ok := c.streams[logicalID]
	return bs, ok
}

func (c *Connection) unbind(logicalID uint64) {
	c.mu.Lock()
	delete(c.streams, logicalID)
	c.mu.Unlock()
	c.registry.Close(logicalID)
}

// runHandshake drives the stream-1 handshake: both sides send their own
// Version message immediately, then feed every subsequent packet on the
// handshake stream into the engine until it reaches Ready or Failed.
func (c *Connection) runHandshake(ctx context.Context) error {
	bs, ok := c.lookup(stream.HandshakeStreamID)
	if !ok {
		return &ProtocolViolationError{Reason: "handshake stream not established"}
	}

	wire, err := c.hsEngine.Start()
	if err != nil {
		return err
	}
	if _, err := bs.ss.Write(wire); err != nil {
		return errors.Wrap(err, "connection: writing handshake start")
	}

	for {
		pkt, err := packet.ReadFrom(bs.ss)
		if err != nil {
			if err == io.EOF {
				return &ClosedByPeerError{}
			}
			return errors.Wrap(err, "connection: reading handshake packet")
		}

		reply, err := c.hsEngine.Step(pkt.ToBytes())
		if err != nil {
			return err
		}
		if reply != nil {
			if _, err := bs.ss.Write(reply); err != nil {
				return errors.Wrap(err, "connection: writing handshake reply")
			}
		}
		if c.hsEngine.Ready() {
			c.drainBufferedUserPackets(ctx)
			return nil
		}
	}
}

func (c *Connection) drainBufferedUserPackets(ctx context.Context) {
	for _, wire := range c.hsEngine.DrainBuffered() {
		pkt, err := packet.FromBytes(wire)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed buffered packet")
			continue
		}
		c.dispatchIncoming(ctx, pkt.Header().StreamID, pkt)
	}
}

// acceptLoop accepts new QUIC streams (user streams, and any additional
// control streams in the 4-99 range) and serves each under group, so a
// fatal error on any one accepted stream is observed by Serve's
// errgroup.Wait() instead of only ending that one untracked goroutine.
func (c *Connection) acceptLoop(ctx context.Context, group *errgroup.Group) error {
	for {
		qs, err := c.quicConn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Reason: err}
		}
		group.Go(func() error { return c.runStream(ctx, qs) })
	}
}

// failConnection closes the underlying QUIC connection — unblocking every
// other goroutine parked on a blocked stream read or write — and returns
// err unchanged, so a caller tracked by Serve's errgroup can propagate it
// as the connection's terminal error. closeInternal is idempotent, so
// calling this from more than one goroutine racing to report the same
// failure is safe.
func (c *Connection) failConnection(err error) error {
	c.closeInternal()
	return err
}

// bindIncoming registers a freshly accepted stream's logical id, inferred
// from its first packet's header, and binds it for outgoing writes.
func (c *Connection) bindIncoming(h packet.PacketHeader, ss *safeStream) error {
	id := h.StreamID
	if stream.IsReserved(id) {
		if err := c.registry.Open(id, false); err != nil {
			return errors.Wrap(err, "connection: registering control stream")
		}
	} else if err := c.registry.Open(id, true); err != nil {
		return errors.Wrap(err, "connection: peer opened reserved stream id for application use")
	}
	ss.bindLogicalID(id)
	c.bind(id, ss)
	return nil
}

// runStream reads packets from a newly accepted stream until EOF or error.
// The first packet's header.StreamID names the logical stream id the peer
// has assigned; every subsequent packet on the same native stream must
// repeat it, per DESIGN.md's resolution of the stream-identity question.
//
// Three distinct outcomes from packet.ReadFrom are handled per spec §7:
// a checksum mismatch drops just the one packet and keeps the stream (and
// connection) open; a decompression/archive failure closes only this
// stream; anything else (header decode failure, stream-id mismatch,
// transport error, handshake buffer overflow) is a protocol violation that
// fails the whole connection via failConnection, whose non-nil return
// value is what tears the errgroup-driven Serve loop down.
func (c *Connection) runStream(ctx context.Context, qs quic.Stream) error {
	ss := newSafeStream(qs, c.cfg.StreamWriteTimeout, c.connID, c.log)
	defer ss.Close()

	var logicalID uint64
	bound := false

	for {
		pkt, err := packet.ReadFrom(ss)
		if err != nil {
			switch err.(type) {
			case *payload.ChecksumMismatchError:
				if !bound {
					if bindErr := c.bindIncoming(pkt.Header(), ss); bindErr != nil {
						return c.failConnection(bindErr)
					}
					logicalID = pkt.Header().StreamID
					bound = true
				}
				c.metrics.BytesReceived.WithLabelValues(c.cfg.PeerLabel).Add(float64(pkt.Size()))
				c.metrics.ChecksumMismatches.WithLabelValues(c.cfg.PeerLabel).Inc()
				c.log.Debug().Err(err).
					Str("conn_id", c.connID).Uint64("stream_id", logicalID).
					Msg("dropping packet with bad checksum, connection stays open")
				continue
			case *payload.DecompressionFailedError, *payload.InvalidArchiveError:
				streamErr := &DecompressionFailedStreamError{StreamID: logicalID, Cause: err}
				c.log.Debug().Err(streamErr).
					Str("conn_id", c.connID).Uint64("stream_id", logicalID).
					Msg("closing stream after payload error")
				if bound {
					c.unbind(logicalID)
				}
				return nil
			}
			if err == io.EOF {
				if bound {
					c.unbind(logicalID)
				}
				return nil
			}
			if bound {
				c.unbind(logicalID)
			}
			return c.failConnection(errors.Wrap(err, "connection: reading packet"))
		}

		c.metrics.BytesReceived.WithLabelValues(c.cfg.PeerLabel).Add(float64(pkt.Size()))

		h := pkt.Header()
		if !bound {
			if err := c.bindIncoming(h, ss); err != nil {
				return c.failConnection(err)
			}
			logicalID = h.StreamID
			bound = true
		} else if h.StreamID != logicalID {
			return c.failConnection(&StreamMismatchError{HeaderStreamID: h.StreamID, ActualStreamID: logicalID})
		}

		if err := c.registry.ObserveInbound(logicalID, h.SequenceNumber); err != nil {
			c.metrics.SequenceGaps.WithLabelValues(c.cfg.PeerLabel).Inc()
			c.log.Debug().Err(err).Msg("sequence gap observed")
		}

		if !c.hsEngine.Ready() {
			if err := c.hsEngine.BufferUserPacket(pkt.ToBytes()); err != nil {
				return c.failConnection(errors.Wrap(err, "connection: handshake buffer overflow"))
			}
			continue
		}

		c.dispatchIncoming(ctx, logicalID, pkt)
	}
}

// dispatchIncoming implements spec §4.6.1's ingress dispatch steps, given a
// packet whose header and payload have already been validated by
// packet.ReadFrom/FromBytes: a Heartbeat or KEEPALIVE-flagged packet
// updates liveness, a Response completes its tracked request, and
// everything else goes to the application Dispatcher. Per spec §3.3, a
// packet carrying FlagRequiresAck must get a Response even when the
// Dispatcher itself has nothing to say (ActionIgnore, or ActionRespond with
// no Response payload) — sendAck covers that case.
func (c *Connection) dispatchIncoming(ctx context.Context, logicalID uint64, pkt packet.Packet) {
	h := pkt.Header()

	if h.PacketType == packet.TypeHeartbeat || h.Flags.Has(packet.FlagKeepalive) {
		c.lastHeartbeat.Store(time.Now().UnixNano())
		return
	}

	if h.IsResponse() {
		if !c.tracker.Complete(pkt) {
			c.log.Debug().Uint64("response_to", h.ResponseTo).Msg("response for unknown message_id, dropping")
		}
		return
	}

	action := c.dispatch(ctx, logicalID, pkt)
	switch action.Kind {
	case ActionRespond:
		if action.Response != nil {
			if err := c.SendResponse(logicalID, h.MessageID, action.Response, action.ResponseFlags); err != nil {
				c.log.Error().Err(err).Msg("failed to send response")
			}
		} else if h.Flags.Has(packet.FlagRequiresAck) {
			c.sendAck(logicalID, h.MessageID)
		}
	case ActionError:
		errPayload := &payload.Text{Value: fmt.Sprintf("%d: %s", action.ErrorCode, action.ErrorMessage)}
		if err := c.SendResponse(logicalID, h.MessageID, errPayload, packet.FlagError); err != nil {
			c.log.Error().Err(err).Msg("failed to send error response")
		}
	case ActionIgnore:
		if h.Flags.Has(packet.FlagRequiresAck) {
			c.sendAck(logicalID, h.MessageID)
		}
	}
}

// sendAck answers a FlagRequiresAck packet with an empty FlagIsAck
// Response, per spec §3.3: the receiver must emit a Response even for a
// semantically-oneway payload when the sender asked for an ack.
func (c *Connection) sendAck(logicalID, requestMessageID uint64) {
	if err := c.SendResponse(logicalID, requestMessageID, &payload.Text{}, packet.FlagIsAck); err != nil {
		c.log.Error().Err(err).Msg("failed to send required ack")
	}
}

// keepaliveLoop emits Heartbeat packets on the keepalive stream every
// KeepaliveInterval and declares the connection dead after three missed
// intervals, per spec §4.8.
func (c *Connection) keepaliveLoop(ctx context.Context) error {
	bs, ok := c.lookup(stream.KeepaliveStreamID)
	if !ok {
		return &ProtocolViolationError{Reason: "keepalive stream not established"}
	}

	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	c.lastHeartbeat.Store(time.Now().UnixNano())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b := packet.NewBuilder().
				Type(packet.TypeHeartbeat).
				StreamID(stream.KeepaliveStreamID).
				Sequence(c.registry.NextSequence(stream.KeepaliveStreamID)).
				Flag(packet.FlagKeepalive)
			b = c.applyPriority(stream.KeepaliveStreamID, b)
			pkt, err := packet.Build(b, &payload.Text{})
			if err != nil {
				return err
			}
			if _, err := pkt.WriteTo(bs.ss); err != nil {
				return &TransportError{Reason: err}
			}
			c.metrics.BytesSent.WithLabelValues(c.cfg.PeerLabel).Add(float64(pkt.Size()))

			lastSeen := time.Unix(0, c.lastHeartbeat.Load())
			c.metrics.RecordHeartbeat(c.cfg.PeerLabel, lastSeen)
			if time.Since(lastSeen) > 3*c.cfg.KeepaliveInterval {
				return &ProtocolViolationError{Reason: "peer missed 3 keepalive intervals"}
			}
		}
	}
}

func (c *Connection) closeInternal() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.quicConn.CloseWithError(0, "")
	})
}

func (c *Connection) writeBuilt(logicalID uint64, b *packet.Builder, p payload.Marshaler) error {
	bs, ok := c.lookup(logicalID)
	if !ok {
		return &ProtocolViolationError{Reason: "unknown stream"}
	}
	b = c.applyPriority(logicalID, b)
	pkt, err := packet.Build(b, p)
	if err != nil {
		return err
	}
	if _, err := pkt.WriteTo(bs.ss); err != nil {
		return &TransportError{Reason: err}
	}
	c.metrics.BytesSent.WithLabelValues(c.cfg.PeerLabel).Add(float64(pkt.Size()))
	return nil
}

// SendOneway encodes p as a Oneway packet (message_id=0, response_to=0)
// and writes it to the named logical stream.
func (c *Connection) SendOneway(logicalID uint64, p payload.Marshaler, flags packet.Flags) error {
	b := packet.NewBuilder().StreamID(logicalID).Sequence(c.registry.NextSequence(logicalID)).Flag(flags)
	return c.writeBuilt(logicalID, b, p)
}

// SendRequest assigns the next message_id, installs a waiter in the
// tracker, writes the request, and blocks until the matching Response
// arrives or timeout/ctx cancellation/connection close fires.
func (c *Connection) SendRequest(ctx context.Context, logicalID uint64, p payload.Marshaler, flags packet.Flags, timeout time.Duration) (packet.Packet, error) {
	id, err := c.tracker.Allocate()
	if err != nil {
		return packet.Packet{}, c.failConnection(&ProtocolViolationError{Reason: err.Error()})
	}
	bs, ok := c.lookup(logicalID)
	if !ok {
		return packet.Packet{}, &ProtocolViolationError{Reason: "unknown stream"}
	}

	b := packet.NewBuilder().StreamID(logicalID).MessageID(id).Sequence(c.registry.NextSequence(logicalID)).Flag(flags)
	b = c.applyPriority(logicalID, b)
	pkt, err := packet.Build(b, p)
	if err != nil {
		return packet.Packet{}, err
	}

	c.metrics.InFlight.WithLabelValues(c.cfg.PeerLabel).Inc()
	defer c.metrics.InFlight.WithLabelValues(c.cfg.PeerLabel).Dec()

	if _, err := pkt.WriteTo(bs.ss); err != nil {
		return packet.Packet{}, &TransportError{Reason: err}
	}
	c.metrics.BytesSent.WithLabelValues(c.cfg.PeerLabel).Add(float64(pkt.Size()))
	return c.tracker.Await(ctx, id, timeout)
}

// SendResponse writes a packet with response_to = requestMessageID and a
// fresh message_id of its own, drawn from the same per-connection counter
// SendRequest uses.
func (c *Connection) SendResponse(logicalID, requestMessageID uint64, p payload.Marshaler, flags packet.Flags) error {
	id, err := c.tracker.Allocate()
	if err != nil {
		return c.failConnection(&ProtocolViolationError{Reason: err.Error()})
	}
	b := packet.NewBuilder().
		StreamID(logicalID).
		MessageID(id).
		ResponseTo(requestMessageID).
		Sequence(c.registry.NextSequence(logicalID)).
		Flag(flags)
	return c.writeBuilt(logicalID, b, p)
}

// OpenUserStream asks the QUIC layer for a new bidirectional stream and
// assigns it the next available user logical id (>=100), per spec §4.6.
func (c *Connection) OpenUserStream(ctx context.Context) (uint64, error) {
	qs, err := c.quicConn.OpenStreamSync(ctx)
	if err != nil {
		return 0, &TransportError{Reason: err}
	}
	id := stream.UserStreamFloor + c.userStreamNext.Add(1) - 1
	if err := c.registry.Open(id, true); err != nil {
		return 0, err
	}
	ss := newSafeStream(qs, c.cfg.StreamWriteTimeout, c.connID, c.log)
	ss.bindLogicalID(id)
	c.bind(id, ss)
	return id, nil
}
