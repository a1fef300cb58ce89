package basp

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

// quicALPN is the application protocol negotiated on BASP QUIC connections.
const quicALPN = "basp/1"

// quicPreamble is written by the dialer right after opening the stream.
// A QUIC peer only learns about a stream once data arrives on it, so the
// accepting side would otherwise wait for the BASP client handshake, which
// in turn waits for the server handshake.
const quicPreamble byte = 0xBA

const quicStreamAcceptTimeout = 10 * time.Second

// quicStream carries one BASP connection over the single bidirectional
// stream of a QUIC connection. Closing it closes the whole connection.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	s.Stream.Close()
	return s.conn.CloseWithError(0, "closed")
}

// QUICTransport carries BASP over QUIC with a self-signed certificate. Peers
// are authenticated by the BASP handshake, not by TLS.
type QUICTransport struct {
	*streamSet
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config

	ctx    context.Context
	cancel context.CancelFunc
}

func NewQUICTransport(opts ...Option) (*QUICTransport, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	serverTLS, err := generateTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("generate TLS config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICTransport{
		streamSet: newStreamSet(cfg),
		serverTLS: serverTLS,
		clientTLS: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
		},
		quicConf: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (t *QUICTransport) Stop() {
	t.cancel()
	t.streamSet.Stop()
}

func (t *QUICTransport) Listen(addr string) (AcceptHandle, string, error) {
	if t.stopped() {
		return 0, "", ErrTransportStopped
	}
	ln, err := quic.ListenAddr(addr, t.serverTLS, t.quicConf)
	if err != nil {
		return 0, "", fmt.Errorf("quic listen: %w", err)
	}
	a := t.addAcceptor(ln)
	t.wg.Add(1)
	go t.acceptLoop(a, ln)
	slog.Info("transport listening", "transport", "quic", "addr", ln.Addr().String(), "acceptor", a)
	return a, ln.Addr().String(), nil
}

func (t *QUICTransport) acceptLoop(a AcceptHandle, ln *quic.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept(t.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !t.stopped() {
				slog.Debug("transport acceptor closed", "transport", "quic", "acceptor", a, "error", err)
			}
			return
		}
		t.wg.Add(1)
		go t.acceptStream(a, conn)
	}
}

func (t *QUICTransport) acceptStream(a AcceptHandle, conn *quic.Conn) {
	defer t.wg.Done()
	ctx, cancel := context.WithTimeout(t.ctx, quicStreamAcceptTimeout)
	defer cancel()

	str, err := conn.AcceptStream(ctx)
	if err != nil {
		slog.Warn("transport accept stream failed", "remote", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "no stream")
		return
	}
	var pre [1]byte
	str.SetReadDeadline(time.Now().Add(quicStreamAcceptTimeout))
	if _, err := io.ReadFull(str, pre[:]); err != nil || pre[0] != quicPreamble {
		slog.Warn("transport bad stream preamble", "remote", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "bad preamble")
		return
	}
	str.SetReadDeadline(time.Time{})
	slog.Debug("transport peer connected", "transport", "quic", "direction", "inbound", "remote", conn.RemoteAddr().String())
	t.accepted(a, &quicStream{Stream: str, conn: conn})
}

func (t *QUICTransport) Connect(ctx context.Context, addr string) (ConnHandle, error) {
	if t.stopped() {
		return 0, ErrTransportStopped
	}
	conn, err := quic.DialAddr(ctx, addr, t.clientTLS, t.quicConf)
	if err != nil {
		return 0, fmt.Errorf("quic dial: %w", err)
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "open stream failed")
		return 0, fmt.Errorf("quic open stream: %w", err)
	}
	if _, err := str.Write([]byte{quicPreamble}); err != nil {
		conn.CloseWithError(1, "preamble failed")
		return 0, fmt.Errorf("quic preamble: %w", err)
	}
	c := t.register(&quicStream{Stream: str, conn: conn})
	slog.Debug("transport peer connected", "transport", "quic", "direction", "outbound", "remote", addr, "conn", c.hdl)
	return c.hdl, nil
}

// generateTLSConfig creates a server TLS configuration with a fresh
// self-signed certificate.
func generateTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"go-basp"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos: []string{quicALPN},
	}, nil
}
