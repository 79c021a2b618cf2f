// Package crypto implements the cryptographic primitives that sit beneath the
// passport validator and the transport: Ed25519 signing keys, X25519 shared
// keys, PBKDF2 topic derivation, and the two Noise constructions used for
// payload confidentiality (Noise-X for messages, Noise-Npsk0 for passport
// shared-key envelopes). A passport carries only signing keys and, once
// rotated in, one shared key.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// SigningKeyPair is an Ed25519 key pair used to sign passport blocks and
// gossip records.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigningKeyPair creates a fresh Ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key pair: %w", err)
	}
	return &SigningKeyPair{Public: pub, Private: priv}, nil
}

// Fingerprint returns a short identifier for a public key, used as the
// recipient key in a shared-key envelope.
func Fingerprint(pub ed25519.PublicKey) string {
	return fmt.Sprintf("%x", pub)
}

// SharedKeyPair is the Curve25519 key pair bound to a passport via its
// shared-key envelope. It is the long-term key used for topic
// derivation and Noise-X message encryption, distinct from the Ed25519
// signing keys that govern the passport chain itself.
type SharedKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateSharedKeyPair creates a fresh X25519 key pair.
func GenerateSharedKeyPair() (*SharedKeyPair, error) {
	var priv, pub [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return &SharedKeyPair{Public: pub, Private: priv}, nil
}

// DH performs an X25519 Diffie-Hellman between a local private key and a
// remote public key.
func DH(priv, peerPub [32]byte) ([32]byte, error) {
	var out [32]byte
	secret, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, fmt.Errorf("X25519 failed: %w", err)
	}
	copy(out[:], secret)
	return out, nil
}
