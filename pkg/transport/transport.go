// Package transport provides the TCP and QUIC transport substrates,
// selected at wiring time and exposed behind one Transport/Conn/Listener
// interface. Both substrates share one TLS posture: the certificate
// carried over the wire is self-signed and ephemeral, and neither side
// validates it against a CA. That is deliberate. The real trust boundary
// is the Noise-IK handshake layered on top (session.go); TLS here exists
// only to stop casual packet inspection from reading frames before Noise
// authenticates anything, so a peer presenting a cryptographically valid
// but unrelated certificate is no more trusted than one presenting none.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Transport represents a transport protocol (QUIC or TCP)
type Transport interface {
	// Listen starts listening for incoming connections on the given address
	Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error)

	// Dial establishes a connection to the given address
	Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error)

	// Name returns the transport name (e.g., "quic", "tcp")
	Name() string

	// DefaultPort returns the default port for this transport
	DefaultPort() int
}

// Listener represents a transport listener
type Listener interface {
	// Accept waits for and returns the next connection
	Accept(ctx context.Context) (Conn, error)

	// Close closes the listener
	Close() error

	// Addr returns the listener's network address
	Addr() net.Addr
}

// Conn represents a transport connection
type Conn interface {
	// Read reads data from the connection
	Read(b []byte) (n int, err error)

	// Write writes data to the connection
	Write(b []byte) (n int, err error)

	// Close closes the connection
	Close() error

	// LocalAddr returns the local network address
	LocalAddr() net.Addr

	// RemoteAddr returns the remote network address
	RemoteAddr() net.Addr

	// SetDeadline sets the read and write deadlines
	SetDeadline(t time.Time) error

	// SetReadDeadline sets the read deadline
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline sets the write deadline
	SetWriteDeadline(t time.Time) error

	// ConnectionState returns the TLS connection state
	ConnectionState() tls.ConnectionState
}

// Config holds transport configuration, shared by both the tcp and quic
// substrates.
type Config struct {
	// ALPN protocols to negotiate
	ALPNProtocols []string

	// Connection timeout
	ConnectTimeout time.Duration

	// Keep-alive settings
	KeepAlive time.Duration

	// Maximum idle timeout
	MaxIdleTimeout time.Duration
}

// DefaultConfig returns a default transport configuration
func DefaultConfig() *Config {
	return &Config{
		ALPNProtocols:  []string{"asmtp/1"},
		ConnectTimeout: 30 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxIdleTimeout: 5 * time.Minute,
	}
}

func (c *Config) orDefault() *Config {
	if c != nil {
		return c
	}
	return DefaultConfig()
}

// ServerTLSConfig builds the TLS configuration a substrate's Listen uses:
// base's settings take priority, ALPN and TLS 1.3 are filled in from cfg
// when unset, and a fresh self-signed certificate bound to
// identityFingerprint (the node's Noise static key fingerprint, not a CA
// identity) is attached when base carries none. The fingerprint is
// informational only, useful when inspecting a capture; it buys no
// authentication, since the peer never checks it against anything.
func ServerTLSConfig(base *tls.Config, cfg *Config, identityFingerprint string) (*tls.Config, error) {
	cfg = cfg.orDefault()
	out := base.Clone()
	if out == nil {
		out = &tls.Config{}
	}
	if len(out.NextProtos) == 0 {
		out.NextProtos = append([]string{}, cfg.ALPNProtocols...)
	}
	if out.MinVersion == 0 {
		out.MinVersion = tls.VersionTLS13
	}
	if len(out.Certificates) == 0 && out.GetCertificate == nil {
		cert, err := SelfSignedCertificate(identityFingerprint)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// ClientTLSConfig builds the TLS configuration a substrate's Dial uses.
// Since the server certificate is self-signed and carries no meaningful
// identity, chain verification is turned off; Noise-IK is what actually
// authenticates the remote peer, once the TLS channel is up.
func ClientTLSConfig(base *tls.Config, cfg *Config) *tls.Config {
	cfg = cfg.orDefault()
	out := base.Clone()
	if out == nil {
		out = &tls.Config{}
	}
	if len(out.NextProtos) == 0 {
		out.NextProtos = append([]string{}, cfg.ALPNProtocols...)
	}
	if out.MinVersion == 0 {
		out.MinVersion = tls.VersionTLS13
	}
	out.InsecureSkipVerify = true
	return out
}

// SelfSignedCertificate generates a short-lived, self-signed TLS
// certificate carrying identityFingerprint as its common name. It exists
// purely to satisfy the TLS handshake; it is regenerated every process
// start and never checked against a CA by either side.
func SelfSignedCertificate(identityFingerprint string) (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate certificate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate certificate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: identityFingerprint},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
