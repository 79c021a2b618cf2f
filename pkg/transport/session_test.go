package transport

import (
	"bytes"
	"crypto/rand"
	"crypto/tls"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/curve25519"
)

// pipeConn adapts a net.Conn (as produced by net.Pipe) to the Conn
// interface: everything but ConnectionState is already satisfied, and no
// test here depends on real TLS state.
type pipeConn struct {
	net.Conn
}

func (pipeConn) ConnectionState() tls.ConnectionState {
	return tls.ConnectionState{}
}

func newTestKeyPair(t *testing.T) StaticKeyPair {
	t.Helper()
	var priv, pub [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return StaticKeyPair{Private: priv, Public: pub}
}

// handshakePair runs Handshake concurrently on both ends of an in-memory
// pipe and returns the resulting initiator and responder sessions.
func handshakePair(t *testing.T) (*Session, *Session) {
	t.Helper()
	initStatic := newTestKeyPair(t)
	respStatic := newTestKeyPair(t)

	clientConn, serverConn := net.Pipe()

	var wg sync.WaitGroup
	var initSession, respSession *Session
	var initErr, respErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		initSession, initErr = Handshake(pipeConn{clientConn}, initStatic, true, &respStatic.Public)
	}()
	go func() {
		defer wg.Done()
		respSession, respErr = Handshake(pipeConn{serverConn}, respStatic, false, nil)
	}()
	wg.Wait()

	if initErr != nil {
		t.Fatalf("initiator handshake failed: %v", initErr)
	}
	if respErr != nil {
		t.Fatalf("responder handshake failed: %v", respErr)
	}
	if initSession.PeerStatic() != respStatic.Public {
		t.Fatalf("initiator learned the wrong peer static key")
	}
	if respSession.PeerStatic() != initStatic.Public {
		t.Fatalf("responder learned the wrong peer static key")
	}
	return initSession, respSession
}

func TestHandshakeAndFrameRoundTrip(t *testing.T) {
	initSession, respSession := handshakePair(t)
	defer initSession.Close()
	defer respSession.Close()

	plaintext := []byte("hello from the initiator")
	if err := initSession.SendFrame(plaintext); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}
	got, err := respSession.RecvFrame()
	if err != nil {
		t.Fatalf("RecvFrame: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round-tripped frame mismatch: got %q want %q", got, plaintext)
	}
}

func TestFrameRekeyIndependentPerDirection(t *testing.T) {
	initSession, respSession := handshakePair(t)
	defer initSession.Close()
	defer respSession.Close()

	// Send two frames from the initiator, rekeying the send side after
	// each, while never rekeying the responder's send direction. The two
	// directions rekey independently of one another.
	for i := 0; i < 2; i++ {
		msg := []byte{byte(i), byte(i + 1)}
		if err := initSession.SendFrame(msg); err != nil {
			t.Fatalf("SendFrame %d: %v", i, err)
		}
		initSession.RekeySend()

		got, err := respSession.RecvFrame()
		if err != nil {
			t.Fatalf("RecvFrame %d: %v", i, err)
		}
		respSession.RekeyRecv()
		if !bytes.Equal(got, msg) {
			t.Fatalf("frame %d mismatch: got %v want %v", i, got, msg)
		}
	}

	// The reverse direction, never touched above, must still work using
	// its own, still-unrekeyed state.
	reply := []byte("reply from responder")
	if err := respSession.SendFrame(reply); err != nil {
		t.Fatalf("SendFrame (reply): %v", err)
	}
	got, err := initSession.RecvFrame()
	if err != nil {
		t.Fatalf("RecvFrame (reply): %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Fatalf("reply mismatch: got %q want %q", got, reply)
	}
}

func TestSendFrameRejectsOversizedPlaintext(t *testing.T) {
	initSession, respSession := handshakePair(t)
	defer initSession.Close()
	defer respSession.Close()

	oversized := make([]byte, 70000)
	if err := initSession.SendFrame(oversized); err == nil {
		t.Fatalf("expected an oversized plaintext to be rejected")
	}
}

func TestHandshakeInitiatorRequiresPeerStatic(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	static := newTestKeyPair(t)
	if _, err := Handshake(pipeConn{clientConn}, static, true, nil); err == nil {
		t.Fatalf("expected an IK initiator without a peer static key to fail")
	}
}
