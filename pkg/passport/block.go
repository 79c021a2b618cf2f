// Package passport implements the passport chain validator: a small
// append-only blockchain of identity events, one per participant,
// replicated read-only to every node whose gossip filter intersects the
// passport's advertised topics. Passports and public keys are kept as
// arena-style repositories referred to by 32-byte id rather than embedded
// references, to avoid cyclic ownership. A chain is just a signed log of
// RegisterKey/RepudiateKey/SetSharedKey events and the active-key-set
// projection it produces.
package passport

import (
	"crypto/ed25519"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/primetype/asmtp/pkg/codec/cborcanon"
	"github.com/primetype/asmtp/pkg/crypto"
)

// EventKind discriminates the tagged event union.
type EventKind uint8

const (
	EventRegisterKey EventKind = iota + 1
	EventRepudiateKey
	EventSetSharedKey
)

// Event is one entry in a block's event list. Only the field matching Kind
// is meaningful; this follows the same closed-sum discipline as the wire
// message bodies: materialize as a discriminated union, not a class
// hierarchy.
type Event struct {
	Kind EventKind `cbor:"kind"`

	// RegisterKey / RepudiateKey payload.
	Key ed25519.PublicKey `cbor:"key,omitempty"`

	// SetSharedKey payload: the new envelope, keyed by recipient key
	// fingerprint.
	Envelope map[string]crypto.NpskEnvelope `cbor:"envelope,omitempty"`
}

// RegisterKeyEvent creates a RegisterKey event.
func RegisterKeyEvent(pk ed25519.PublicKey) Event {
	return Event{Kind: EventRegisterKey, Key: pk}
}

// RepudiateKeyEvent creates a RepudiateKey event.
func RepudiateKeyEvent(pk ed25519.PublicKey) Event {
	return Event{Kind: EventRepudiateKey, Key: pk}
}

// SetSharedKeyEvent creates a SetSharedKey event. This replaces rather
// than appends to the passport's shared-key envelope.
func SetSharedKeyEvent(envelope map[string]crypto.NpskEnvelope) Event {
	return Event{Kind: EventSetSharedKey, Envelope: envelope}
}

// Block is one entry in a passport chain. PrevHash is nil only for the
// genesis block.
type Block struct {
	PrevHash  []byte            `cbor:"prev_hash,omitempty"`
	Timestamp uint64            `cbor:"timestamp"`
	Events    []Event           `cbor:"events"`
	Signer    ed25519.PublicKey `cbor:"signer"`
	Signature []byte            `cbor:"sig,omitempty"`
}

// NewBlock constructs an unsigned block. Callers must call Sign before the
// block is valid for a chain.
func NewBlock(prevHash []byte, timestamp uint64, events []Event, signer ed25519.PublicKey) *Block {
	return &Block{
		PrevHash:  prevHash,
		Timestamp: timestamp,
		Events:    events,
		Signer:    signer,
	}
}

// signingBytes returns the canonical encoding of the block with the
// signature field excluded, the bytes that Sign and Verify operate over.
func (b *Block) signingBytes() ([]byte, error) {
	return cborcanon.EncodeForSigning(b, "sig")
}

// Sign signs the block with the signer's Ed25519 private key. The caller is
// responsible for ensuring privateKey corresponds to b.Signer.
func (b *Block) Sign(privateKey ed25519.PrivateKey) error {
	data, err := b.signingBytes()
	if err != nil {
		return fmt.Errorf("failed to encode block for signing: %w", err)
	}
	b.Signature = ed25519.Sign(privateKey, data)
	return nil
}

// VerifySignature checks the block's signature against its declared Signer.
func (b *Block) VerifySignature() error {
	if len(b.Signature) == 0 {
		return fmt.Errorf("block has no signature")
	}
	data, err := b.signingBytes()
	if err != nil {
		return fmt.Errorf("failed to encode block for verification: %w", err)
	}
	if !ed25519.Verify(b.Signer, data, b.Signature) {
		return fmt.Errorf("block signature verification failed")
	}
	return nil
}

// Hash returns the block's content hash (BLAKE3-256 of its canonical
// encoding, including the signature). A genesis block's hash is the
// passport's identifier.
func (b *Block) Hash() ([]byte, error) {
	data, err := cborcanon.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode block for hashing: %w", err)
	}
	sum := blake3.Sum256(data)
	return sum[:], nil
}

// Marshal encodes the block to canonical CBOR, the on-chain and
// PutPassport-body representation of a single block (each block is
// length-prefixed on the wire).
func (b *Block) Marshal() ([]byte, error) {
	return cborcanon.Marshal(b)
}

// Unmarshal decodes a block from canonical CBOR.
func (b *Block) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, b)
}
