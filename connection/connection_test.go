package connection

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chronista-club/unison-protocol/handshake"
	"github.com/chronista-club/unison-protocol/metrics"
	"github.com/chronista-club/unison-protocol/packet"
	"github.com/chronista-club/unison-protocol/payload"
)

const alpn = "unison/0.1"

func generateTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{alpn},
	}
}

func testConnConfig(nodeID byte) Config {
	var auth handshake.NodeAuth
	auth.NodeID[0] = nodeID
	return Config{
		PeerLabel:         "peer",
		KeepaliveInterval: 50 * time.Millisecond,
		LocalVersion:      handshake.Version{ProtocolVersion: "1.0"},
		LocalAuth:         auth,
		LocalHandshakeCfg: handshake.ConfigExchange{
			StreamIDMin:         100,
			StreamIDMax:         1 << 20,
			MaxPacketSize:       65536,
			KeepaliveIntervalMs: 50,
		},
	}
}

func echoDispatcher(ctx context.Context, logicalStreamID uint64, pkt packet.Packet) Action {
	in, err := packet.Payload[payload.Echo, *payload.Echo](&pkt)
	if err != nil {
		return Action{Kind: ActionError, ErrorCode: 1, ErrorMessage: err.Error()}
	}
	return Action{Kind: ActionRespond, Response: &payload.Echo{Msg: in.Msg}}
}

// TestConnectionRequestResponseRoundTrip dials a real QUIC connection over
// localhost, runs the handshake on both ends, opens a user stream, and sends
// a request that the peer echoes back, exercising the full send/dispatch/
// tracker path end to end.
func TestConnectionRequestResponseRoundTrip(t *testing.T) {
	serverTLS := generateTLSConfig(t)
	quicConf := &quic.Config{EnableDatagrams: false}

	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	serverUDP, err := net.ListenUDP("udp", udpAddr)
	require.NoError(t, err)
	defer serverUDP.Close()

	listener, err := quic.Listen(serverUDP, serverTLS, quicConf)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverConnChan := make(chan quic.Connection, 1)
	go func() {
		qc, err := listener.Accept(ctx)
		if err == nil {
			serverConnChan <- qc
		}
	}()

	clientUDP, err := net.ListenUDP("udp", udpAddr)
	require.NoError(t, err)
	defer clientUDP.Close()

	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpn}}
	clientQC, err := quic.Dial(ctx, clientUDP, serverUDP.LocalAddr(), clientTLS, quicConf)
	require.NoError(t, err)

	serverQC := <-serverConnChan

	log := zerolog.Nop()
	serverConn := New(serverQC, testConnConfig(1), echoDispatcher, metrics.NewConnection(prometheus.NewRegistry()), &log)
	clientConn := New(clientQC, testConnConfig(2), echoDispatcher, metrics.NewConnection(prometheus.NewRegistry()), &log)

	go func() { _ = serverConn.Serve(ctx, false) }()
	go func() { _ = clientConn.Serve(ctx, true) }()

	require.Eventually(t, func() bool {
		return clientConn.Ready() && serverConn.Ready()
	}, 5*time.Second, 5*time.Millisecond)

	streamID, err := clientConn.OpenUserStream(ctx)
	require.NoError(t, err)

	reqCtx, reqCancel := context.WithTimeout(ctx, 3*time.Second)
	defer reqCancel()
	resp, err := clientConn.SendRequest(reqCtx, streamID, &payload.Echo{Msg: "hello"}, 0, 2*time.Second)
	require.NoError(t, err)

	out, err := packet.Payload[payload.Echo, *payload.Echo](&resp)
	require.NoError(t, err)
	require.Equal(t, "hello", out.Msg)
}

// TestConnectionDropsChecksumMismatchWithoutClosing exercises spec §7/S5: a
// packet with a corrupted checksum is dropped by the receiving side, but the
// connection (and the stream it arrived on) stay open, the checksum metric
// increments, and a subsequent well-formed packet on the same stream is
// still processed normally.
func TestConnectionDropsChecksumMismatchWithoutClosing(t *testing.T) {
	serverTLS := generateTLSConfig(t)
	quicConf := &quic.Config{EnableDatagrams: false}

	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	serverUDP, err := net.ListenUDP("udp", udpAddr)
	require.NoError(t, err)
	defer serverUDP.Close()

	listener, err := quic.Listen(serverUDP, serverTLS, quicConf)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverConnChan := make(chan quic.Connection, 1)
	go func() {
		qc, err := listener.Accept(ctx)
		if err == nil {
			serverConnChan <- qc
		}
	}()

	clientUDP, err := net.ListenUDP("udp", udpAddr)
	require.NoError(t, err)
	defer clientUDP.Close()

	clientTLS := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpn}}
	clientQC, err := quic.Dial(ctx, clientUDP, serverUDP.LocalAddr(), clientTLS, quicConf)
	require.NoError(t, err)

	serverQC := <-serverConnChan

	log := zerolog.Nop()
	serverMetrics := metrics.NewConnection(prometheus.NewRegistry())
	serverConn := New(serverQC, testConnConfig(1), echoDispatcher, serverMetrics, &log)
	clientConn := New(clientQC, testConnConfig(2), echoDispatcher, metrics.NewConnection(prometheus.NewRegistry()), &log)

	go func() { _ = serverConn.Serve(ctx, false) }()
	go func() { _ = clientConn.Serve(ctx, true) }()

	require.Eventually(t, func() bool {
		return clientConn.Ready() && serverConn.Ready()
	}, 5*time.Second, 5*time.Millisecond)

	// Bypass Connection's own send path to write a raw, corrupted packet
	// directly onto a freshly opened user stream.
	const logicalID = 500
	qs, err := clientQC.OpenStreamSync(ctx)
	require.NoError(t, err)

	bad := packet.NewBuilder().StreamID(logicalID).MessageID(1).WithChecksum()
	badPkt, err := packet.Build(bad, &payload.Echo{Msg: "corrupt me"})
	require.NoError(t, err)
	badWire := badPkt.ToBytes()
	badWire[packet.HeaderSize] ^= 0xFF // flip a payload bit, checksum now wrong

	_, err = qs.Write(badWire)
	require.NoError(t, err)

	good := packet.NewBuilder().StreamID(logicalID).MessageID(2).WithChecksum()
	goodPkt, err := packet.Build(good, &payload.Echo{Msg: "still alive"})
	require.NoError(t, err)
	_, err = qs.Write(goodPkt.ToBytes())
	require.NoError(t, err)

	resp, err := packet.ReadFrom(qs)
	require.NoError(t, err)
	out, err := packet.Payload[payload.Echo, *payload.Echo](&resp)
	require.NoError(t, err)
	require.Equal(t, "still alive", out.Msg)

	count := testutil.ToFloat64(serverMetrics.ChecksumMismatches.WithLabelValues("peer"))
	require.Equal(t, float64(1), count)
}
