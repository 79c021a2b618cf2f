// Package tcp implements the TCP transport substrate: opaque TLS 1.3
// framing carries the opening byte and the subsequent 2-byte length-prefixed
// frames, but the channel's real authentication and confidentiality come
// from the Noise-IK session layered on top (pkg/transport): a peer holding
// a valid TLS certificate but the wrong Noise static key still cannot complete
// the handshake. TLS here is opportunistic transport hardening, not the
// trust boundary: the certificate it presents is self-signed and bound to
// nothing but this process's own Noise static key fingerprint.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/primetype/asmtp/pkg/constants"
	"github.com/primetype/asmtp/pkg/transport"
)

// Transport implements the TCP+TLS transport substrate, minting a fresh
// self-signed certificate tagged with the node's Noise static key
// fingerprint for every Listen.
type Transport struct {
	identityFingerprint string
	cfg                 *transport.Config
}

// New creates a TCP transport for a node identified by identityFingerprint
// (the hex-encoded Noise static public key), using the package's default
// timeouts and keep-alive settings.
func New(identityFingerprint string) transport.Transport {
	return &Transport{identityFingerprint: identityFingerprint, cfg: transport.DefaultConfig()}
}

// Name returns the transport name
func (t *Transport) Name() string {
	return "tcp"
}

// DefaultPort returns the default TCP port (same as QUIC for simplicity)
func (t *Transport) DefaultPort() int {
	return constants.DefaultQUICPort
}

// Listen starts listening for TCP+TLS connections
func (t *Transport) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve TCP address: %w", err)
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP listener: %w", err)
	}

	serverTLSConfig, err := transport.ServerTLSConfig(tlsConfig, t.cfg, t.identityFingerprint)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to prepare TLS configuration: %w", err)
	}

	return &Listener{
		listener:  listener,
		tlsConfig: serverTLSConfig,
	}, nil
}

// Dial establishes a TCP+TLS connection
func (t *Transport) Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (transport.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	clientTLSConfig := transport.ClientTLSConfig(tlsConfig, t.cfg)

	dialer := &net.Dialer{Timeout: t.cfg.ConnectTimeout}

	conn, err := tls.DialWithDialer(dialer, "tcp", addr, clientTLSConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to dial TCP+TLS connection: %w", err)
	}

	return &Conn{conn: conn}, nil
}

// Listener wraps a TCP listener with TLS
type Listener struct {
	listener  *net.TCPListener
	tlsConfig *tls.Config
}

// Accept waits for and returns the next connection, completing the TLS
// handshake before the caller proceeds to Noise-IK.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		l.listener.SetDeadline(deadline)
	}

	tcpConn, err := l.listener.AcceptTCP()
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Server(tcpConn, l.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}

	return &Conn{conn: tlsConn}, nil
}

// Close closes the listener
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's network address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Conn wraps a TLS connection
type Conn struct {
	conn *tls.Conn
}

func (c *Conn) Read(b []byte) (n int, err error) {
	return c.conn.Read(b)
}

func (c *Conn) Write(b []byte) (n int, err error) {
	return c.conn.Write(b)
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// ConnectionState returns the TLS connection state
func (c *Conn) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState()
}
