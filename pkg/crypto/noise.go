package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// mixKey implements the Noise MixKey function: it folds new key material into
// a chaining key via HKDF-SHA256 and returns the updated chaining key plus a
// fresh 32-byte cipher key. Every AEAD encryption in this file uses a key
// produced immediately before it by mixKey, so the nonce is always zero,
// matching the Noise Protocol Framework's "fresh key, fresh nonce" rule for
// one-shot patterns (X, N) where at most one encryption happens per key.
func mixKey(chainingKey, inputKeyMaterial []byte) (newChainingKey, cipherKey [32]byte) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, chainingKey, nil)
	io.ReadFull(reader, newChainingKey[:])
	io.ReadFull(reader, cipherKey[:])
	return
}

func aeadSeal(key [32]byte, plaintext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to build AEAD cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Seal(nil, nonce[:], plaintext, ad), nil
}

func aeadOpen(key [32]byte, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to build AEAD cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, fmt.Errorf("AEAD decryption failed: %w", err)
	}
	return plaintext, nil
}

// noiseXProtocolName is the chaining-key seed for the Noise-X construction
// used to encrypt message payloads.
var noiseXProtocolName = []byte("Noise_X_25519_ChaChaPoly_SHA256")

// NoiseXPayload is the wire payload of a Noise-X encrypted message: the
// triple (ephemeral_pub, sender_pub_ciphertext, payload_ciphertext).
type NoiseXPayload struct {
	EphemeralPub      [32]byte
	SenderPubCipher   []byte
	PayloadCipher     []byte
}

// EncryptNoiseX encrypts plaintext from senderShared to recipientPub,
// following the Noise-X one-way pattern "-> e, es, s, ss": the sender
// generates an ephemeral key, mixes in es (DH(ephemeral, recipient)) to
// encrypt its own shared public key, then mixes in ss (DH(sender, recipient))
// to encrypt the payload, binding both confidentiality and sender
// authentication to the recipient's static key, without a responding
// message.
func EncryptNoiseX(senderShared *SharedKeyPair, recipientPub [32]byte, plaintext []byte) (*NoiseXPayload, error) {
	ephemeral, err := GenerateSharedKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	ck := sha256.Sum256(noiseXProtocolName)

	es, err := DH(ephemeral.Private, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("es DH failed: %w", err)
	}
	ck2, key1 := mixKey(ck[:], es[:])

	senderPubCipher, err := aeadSeal(key1, senderShared.Public[:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt sender public key: %w", err)
	}

	ss, err := DH(senderShared.Private, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("ss DH failed: %w", err)
	}
	_, key2 := mixKey(ck2[:], ss[:])

	payloadCipher, err := aeadSeal(key2, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	return &NoiseXPayload{
		EphemeralPub:    ephemeral.Public,
		SenderPubCipher: senderPubCipher,
		PayloadCipher:   payloadCipher,
	}, nil
}

// DecryptNoiseX reverses EncryptNoiseX using the recipient's shared private
// key, returning the plaintext and the sender's recovered shared public key.
// The caller must independently verify that DeriveTopic(senderPub,
// recipientPub) matches the topic the message arrived on before trusting
// the plaintext.
func DecryptNoiseX(recipientShared *SharedKeyPair, payload *NoiseXPayload) (plaintext []byte, senderPub [32]byte, err error) {
	ck := sha256.Sum256(noiseXProtocolName)

	es, err := DH(recipientShared.Private, payload.EphemeralPub)
	if err != nil {
		return nil, senderPub, fmt.Errorf("es DH failed: %w", err)
	}
	ck2, key1 := mixKey(ck[:], es[:])

	senderPubBytes, err := aeadOpen(key1, payload.SenderPubCipher, nil)
	if err != nil {
		return nil, senderPub, fmt.Errorf("failed to decrypt sender public key: %w", err)
	}
	if len(senderPubBytes) != 32 {
		return nil, senderPub, fmt.Errorf("decrypted sender public key has wrong length: %d", len(senderPubBytes))
	}
	copy(senderPub[:], senderPubBytes)

	ss, err := DH(recipientShared.Private, senderPub)
	if err != nil {
		return nil, senderPub, fmt.Errorf("ss DH failed: %w", err)
	}
	_, key2 := mixKey(ck2[:], ss[:])

	plaintext, err = aeadOpen(key2, payload.PayloadCipher, nil)
	if err != nil {
		return nil, senderPub, fmt.Errorf("failed to decrypt payload: %w", err)
	}

	return plaintext, senderPub, nil
}

// noiseNpsk0ProtocolName is the chaining-key seed for the Noise-Npsk0
// construction used for the passport shared-key envelope.
var noiseNpsk0ProtocolName = []byte("Noise_Npsk0_25519_ChaChaPoly_SHA256")

// NpskEnvelope is one recipient's entry in a shared-key envelope: an
// ephemeral public key plus the ciphertext of the shared public key it
// protects, encrypted under a key derived from the passport's password and
// an ephemeral-to-recipient DH. One Curve25519 public key is encrypted
// once per currently-active passport key this way, with the passport's
// password as pre-shared key.
type NpskEnvelope struct {
	EphemeralPub [32]byte
	Ciphertext   []byte
}

// EncryptNpsk0 seals the new shared public key for one recipient key,
// following the one-way "N" pattern with an initial psk0 mix: the
// passport's password is folded into the chaining key before the DH with
// the recipient's static key, so only holders of both the password and the
// recipient private key can recover the payload.
func EncryptNpsk0(passportPassword []byte, recipientPub [32]byte, sharedPub [32]byte) (*NpskEnvelope, error) {
	ephemeral, err := GenerateSharedKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	ck := sha256.Sum256(noiseNpsk0ProtocolName)
	ck2, _ := mixKey(ck[:], passportPassword)

	es, err := DH(ephemeral.Private, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("es DH failed: %w", err)
	}
	_, key := mixKey(ck2[:], es[:])

	ciphertext, err := aeadSeal(key, sharedPub[:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt shared public key: %w", err)
	}

	return &NpskEnvelope{EphemeralPub: ephemeral.Public, Ciphertext: ciphertext}, nil
}

// DecryptNpsk0 reverses EncryptNpsk0 for a recipient holding the matching
// private key and the passport password.
func DecryptNpsk0(passportPassword []byte, recipientPriv [32]byte, envelope *NpskEnvelope) ([32]byte, error) {
	var sharedPub [32]byte

	ck := sha256.Sum256(noiseNpsk0ProtocolName)
	ck2, _ := mixKey(ck[:], passportPassword)

	es, err := DH(recipientPriv, envelope.EphemeralPub)
	if err != nil {
		return sharedPub, fmt.Errorf("es DH failed: %w", err)
	}
	_, key := mixKey(ck2[:], es[:])

	plaintext, err := aeadOpen(key, envelope.Ciphertext, nil)
	if err != nil {
		return sharedPub, fmt.Errorf("failed to decrypt shared public key: %w", err)
	}
	if len(plaintext) != 32 {
		return sharedPub, fmt.Errorf("decrypted shared public key has wrong length: %d", len(plaintext))
	}
	copy(sharedPub[:], plaintext)
	return sharedPub, nil
}
