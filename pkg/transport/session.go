package transport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/primetype/asmtp/pkg/constants"
)

// cipherSuite is the Noise cipher suite used for both the IK session
// handshake and the one-way message/envelope constructions in pkg/crypto:
// X25519 for DH, ChaCha20-Poly1305 for AEAD, SHA-256 for the hash function.
// The IK pattern runs directly over the raw byte stream, with no envelope
// wrapping the handshake messages themselves.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Session is one Noise-IK-secured peer connection: the handshake has
// completed and every subsequent frame is sealed and opened with a
// direction-specific CipherState, independently rekeyed after each use.
type Session struct {
	conn  Conn
	send  *noise.CipherState
	recv  *noise.CipherState
	peer  [32]byte // remote party's static X25519 public key, known after IK completes
}

// StaticKeyPair is this node's long-lived Noise static X25519 key pair. It
// is a separate key pair from the passport shared key that a SetSharedKey
// envelope carries.
type StaticKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func (k StaticKeyPair) dhKey() noise.DHKey {
	return noise.DHKey{Private: k.Private[:], Public: k.Public[:]}
}

// Handshake performs the Noise-IK handshake over conn and returns the
// resulting Session. isInitiator selects the IK initiator or responder
// role; remoteStatic must be supplied by the initiator (IK requires the
// initiator to know the responder's static key in advance) and is nil
// for the responder, who learns it from message 1.
//
// The wire framing is: a single version byte (constants.ProtocolVersion),
// then the IK handshake's two messages, each itself length-prefixed with a
// 2-byte big-endian count, matching the data-frame framing used after the
// handshake completes.
func Handshake(conn Conn, static StaticKeyPair, isInitiator bool, remoteStatic *[32]byte) (*Session, error) {
	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     isInitiator,
		StaticKeypair: static.dhKey(),
	}
	if isInitiator {
		if remoteStatic == nil {
			return nil, fmt.Errorf("IK initiator requires the responder's static key")
		}
		config.PeerStatic = remoteStatic[:]
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Noise-IK handshake: %w", err)
	}

	if isInitiator {
		if err := writeVersionByte(conn); err != nil {
			return nil, err
		}
		msg1, _, _, err := state.WriteMessage(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to write handshake message 1: %w", err)
		}
		if err := writeFrame(conn, msg1); err != nil {
			return nil, fmt.Errorf("failed to send handshake message 1: %w", err)
		}

		msg2, err := readFrame(conn)
		if err != nil {
			return nil, fmt.Errorf("failed to receive handshake message 2: %w", err)
		}
		_, cs1, cs2, err := state.ReadMessage(nil, msg2)
		if err != nil {
			return nil, fmt.Errorf("failed to read handshake message 2: %w", err)
		}
		return &Session{conn: conn, send: cs1, recv: cs2, peer: toArray(state.PeerStatic())}, nil
	}

	if err := readVersionByte(conn); err != nil {
		return nil, err
	}
	msg1, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to receive handshake message 1: %w", err)
	}
	if _, _, _, err := state.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("failed to read handshake message 1: %w", err)
	}

	msg2, cs1, cs2, err := state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to write handshake message 2: %w", err)
	}
	if err := writeFrame(conn, msg2); err != nil {
		return nil, fmt.Errorf("failed to send handshake message 2: %w", err)
	}
	return &Session{conn: conn, send: cs2, recv: cs1, peer: toArray(state.PeerStatic())}, nil
}

func toArray(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

// PeerStatic returns the remote party's static X25519 public key, learned
// during the handshake.
func (s *Session) PeerStatic() [32]byte {
	return s.peer
}

// SendFrame seals plaintext with the send direction's CipherState and
// writes it as one length-prefixed frame. Every message uses its
// CipherState's next nonce; the CipherState tracks this internally.
func (s *Session) SendFrame(plaintext []byte) error {
	if len(plaintext) > constants.MaxFramePayload-constants.NoiseAEADOverhead {
		return fmt.Errorf("plaintext of %d bytes exceeds the frame payload limit", len(plaintext))
	}
	ciphertext, err := s.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("failed to seal frame: %w", err)
	}
	return writeFrame(s.conn, ciphertext)
}

// RecvFrame reads one length-prefixed frame and opens it with the receive
// direction's CipherState. Any decryption failure is fatal to the
// session: RecvFrame returns the error and sends no diagnostic to the
// peer, and the caller closes the session.
func (s *Session) RecvFrame() ([]byte, error) {
	ciphertext, err := readFrame(s.conn)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("AEAD open failed, session is no longer usable: %w", err)
	}
	return plaintext, nil
}

// RekeySend rotates the send direction's cipher key. The two directions
// rekey independently: the reader and writer goroutines of a session
// never share a CipherState, so each can rekey its own direction after
// every frame without synchronizing with the other.
func (s *Session) RekeySend() {
	s.send.Rekey()
}

// RekeyRecv rotates the receive direction's cipher key.
func (s *Session) RekeyRecv() {
	s.recv.Rekey()
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

func writeVersionByte(conn Conn) error {
	_, err := conn.Write([]byte{constants.ProtocolVersion})
	return err
}

func readVersionByte(conn Conn) error {
	var b [1]byte
	if _, err := io.ReadFull(readerOf(conn), b[:]); err != nil {
		return fmt.Errorf("failed to read version byte: %w", err)
	}
	if b[0] != constants.ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", b[0])
	}
	return nil
}

// readerOf adapts a Conn (a net.Conn-shaped interface) to io.Reader for
// io.ReadFull's benefit; Conn already satisfies io.Reader directly, this
// just names the conversion at call sites.
func readerOf(conn Conn) io.Reader { return conn }

func writeFrame(conn Conn, payload []byte) error {
	if len(payload) > 0xFFFF {
		return fmt.Errorf("frame of %d bytes exceeds the 2-byte length prefix", len(payload))
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readFrame(conn Conn) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, fmt.Errorf("failed to read frame body: %w", err)
		}
	}
	return payload, nil
}
