// Package endpoint establishes Unison connections over QUIC: Listen/Dial
// bind the transport, negotiate the application-layer handshake, and hand
// back a *connection.Connection per spec §4.8.
package endpoint

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/chronista-club/unison-protocol/connection"
	"github.com/chronista-club/unison-protocol/metrics"
)

// ALPN is the protocol negotiated over TLS, per spec §4.8.
const ALPN = "unison/0.1"

const (
	// HandshakeIdleTimeout bounds how long the QUIC handshake itself may
	// take before the dial/accept fails.
	HandshakeIdleTimeout = 5 * time.Second
	// MaxIdleTimeout bounds how long a QUIC connection may go without any
	// traffic before it is considered dead at the transport layer; this
	// sits above the application keepalive in connection.Config, which
	// detects liveness failures faster.
	MaxIdleTimeout = 30 * time.Second
)

// Config bundles everything needed to stand up a Unison endpoint: the TLS
// identity, the per-connection behavior (handshake identity, keepalive
// interval, stream write timeout), and the application's packet Dispatcher.
//
// Metrics is shared across every connection this endpoint serves (the
// Prometheus collectors are registered once and distinguished per
// connection by the "peer" label on ConnectionConfig.PeerLabel); leave it
// nil to have one constructed against MetricsRegisterer: once per Listener
// at Listen time, and afresh on every Dial call.
type Config struct {
	TLSConfig         *tls.Config
	QUICConfig        *quic.Config
	ConnectionConfig  connection.Config
	Dispatcher        connection.Dispatcher
	Metrics           *metrics.Connection
	MetricsRegisterer prometheus.Registerer
	Logger            *zerolog.Logger
}

func (c Config) quicConfig() *quic.Config {
	if c.QUICConfig != nil {
		return c.QUICConfig
	}
	return &quic.Config{
		HandshakeIdleTimeout: HandshakeIdleTimeout,
		MaxIdleTimeout:       MaxIdleTimeout,
	}
}

func (c Config) tlsConfig() *tls.Config {
	cfg := c.TLSConfig.Clone()
	cfg.NextProtos = []string{ALPN}
	return cfg
}

func (c Config) metricsRegisterer() prometheus.Registerer {
	if c.MetricsRegisterer != nil {
		return c.MetricsRegisterer
	}
	return prometheus.DefaultRegisterer
}

// Listener accepts incoming QUIC connections and completes the Unison
// handshake on each before handing it to the caller. Its Prometheus
// collectors are registered once at Listen time and shared across every
// accepted connection.
type Listener struct {
	ql      *quic.Listener
	cfg     Config
	metrics *metrics.Connection
}

// Listen binds a QUIC listener on pconn. The caller owns pconn's lifetime
// (closing the Listener does not close it), mirroring how a tunnel-client's
// QUIC connections wrap a caller-managed net.PacketConn.
func Listen(pconn net.PacketConn, cfg Config) (*Listener, error) {
	ql, err := quic.Listen(pconn, cfg.tlsConfig(), cfg.quicConfig())
	if err != nil {
		return nil, errors.Wrap(err, "endpoint: listen")
	}
	return &Listener{ql: ql, cfg: cfg, metrics: cfg.resolveMetrics()}, nil
}

// Accept waits for one incoming QUIC connection, wraps it in a
// connection.Connection, and starts serving it in the background. The
// returned Connection may not have completed its handshake yet; callers
// that need to wait should poll Ready or race on their own timeout.
func (l *Listener) Accept(ctx context.Context) (*connection.Connection, error) {
	qc, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "endpoint: accept")
	}
	return serve(ctx, qc, l.cfg, l.metrics, false), nil
}

// Close shuts down the listener. It does not close the caller-supplied
// net.PacketConn.
func (l *Listener) Close() error {
	return l.ql.Close()
}

// Dial opens a QUIC connection to addr over pconn and starts serving it in
// the background as the handshake initiator. Callers that dial repeatedly
// against the same Prometheus registerer should set cfg.Metrics themselves
// (built once and reused), since an unset Metrics is constructed fresh on
// every call and a second registration against the same registerer panics.
func Dial(ctx context.Context, pconn net.PacketConn, addr net.Addr, cfg Config) (*connection.Connection, error) {
	qc, err := quic.Dial(ctx, pconn, addr, cfg.tlsConfig(), cfg.quicConfig())
	if err != nil {
		return nil, errors.Wrap(err, "endpoint: dial")
	}
	return serve(ctx, qc, cfg, cfg.resolveMetrics(), true), nil
}

func (c Config) resolveMetrics() *metrics.Connection {
	if c.Metrics != nil {
		return c.Metrics
	}
	return metrics.NewConnection(c.metricsRegisterer())
}

func serve(ctx context.Context, qc quic.Connection, cfg Config, metricsConn *metrics.Connection, initiator bool) *connection.Connection {
	conn := connection.New(qc, cfg.ConnectionConfig, cfg.Dispatcher, metricsConn, cfg.Logger)
	go func() {
		if err := conn.Serve(ctx, initiator); err != nil && cfg.Logger != nil {
			cfg.Logger.Debug().Err(err).Bool("initiator", initiator).Msg("connection serve loop exited")
		}
	}()
	return conn
}
