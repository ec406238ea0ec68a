package endpoint

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
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chronista-club/unison-protocol/connection"
	"github.com/chronista-club/unison-protocol/handshake"
	"github.com/chronista-club/unison-protocol/packet"
	"github.com/chronista-club/unison-protocol/payload"
)

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

	return &tls.Config{Certificates: []tls.Certificate{tlsCert}}
}

func connConfig(nodeID byte) connection.Config {
	var auth handshake.NodeAuth
	auth.NodeID[0] = nodeID
	return connection.Config{
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

func oneshotDispatcher(done chan<- string) connection.Dispatcher {
	return func(ctx context.Context, logicalStreamID uint64, pkt packet.Packet) connection.Action {
		in, err := packet.Payload[payload.Text, *payload.Text](&pkt)
		if err == nil {
			done <- in.Value
		}
		return connection.Action{Kind: connection.ActionIgnore}
	}
}

// TestListenAndDialReachReady exercises endpoint.Listen/Dial end to end: the
// dialer sends a Oneway packet on a user stream and the listener's
// Dispatcher observes it, proving both sides completed the handshake and
// the stream-identity mapping holds.
func TestListenAndDialReachReady(t *testing.T) {
	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	serverUDP, err := net.ListenUDP("udp", udpAddr)
	require.NoError(t, err)
	defer serverUDP.Close()

	log := zerolog.Nop()
	received := make(chan string, 1)

	serverCfg := Config{
		TLSConfig:        generateTLSConfig(t),
		ConnectionConfig: connConfig(1),
		Dispatcher:       oneshotDispatcher(received),
		MetricsRegisterer: prometheus.NewRegistry(),
		Logger:           &log,
	}
	listener, err := Listen(serverUDP, serverCfg)
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acceptedChan := make(chan *connection.Connection, 1)
	go func() {
		c, err := listener.Accept(ctx)
		if err == nil {
			acceptedChan <- c
		}
	}()

	clientUDP, err := net.ListenUDP("udp", udpAddr)
	require.NoError(t, err)
	defer clientUDP.Close()

	clientCfg := Config{
		TLSConfig:         &tls.Config{InsecureSkipVerify: true},
		ConnectionConfig:  connConfig(2),
		Dispatcher:        func(context.Context, uint64, packet.Packet) connection.Action { return connection.Action{} },
		MetricsRegisterer: prometheus.NewRegistry(),
		Logger:            &log,
	}
	clientConn, err := Dial(ctx, clientUDP, serverUDP.LocalAddr(), clientCfg)
	require.NoError(t, err)

	serverConn := <-acceptedChan

	require.Eventually(t, func() bool {
		return clientConn.Ready() && serverConn.Ready()
	}, 5*time.Second, 5*time.Millisecond)

	streamID, err := clientConn.OpenUserStream(ctx)
	require.NoError(t, err)
	require.NoError(t, clientConn.SendOneway(streamID, &payload.Text{Value: "hello endpoint"}, 0))

	select {
	case msg := <-received:
		require.Equal(t, "hello endpoint", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for oneway packet to be dispatched")
	}
}
