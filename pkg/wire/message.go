// Package wire implements the tagged-message wire codec: a one-byte tag
// followed by a tag-specific binary body, the plaintext carried inside
// every post-handshake Noise frame. The eight tags each pin to an exact
// byte layout, so bodies are encoded by hand with encoding/binary rather
// than through a self-describing format; they're materialized as a
// discriminated union, not a class hierarchy, and dispatched by tag.
package wire

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/primetype/asmtp/pkg/constants"
)

// Tag discriminates the eight wire messages. TagHandshake never appears in
// a dispatched Message: the handshake is framed outside the tagged union.
type Tag uint8

const (
	TagHandshake          Tag = constants.KindHandshake
	TagGossip             Tag = constants.KindGossip
	TagTopic              Tag = constants.KindTopic
	TagGetPassport        Tag = constants.KindGetPassport
	TagPutPassport        Tag = constants.KindPutPassport
	TagRegisterTopic      Tag = constants.KindRegisterTopic
	TagDeregisterTopic    Tag = constants.KindDeregisterTopic
	TagQueryTopicMessages Tag = constants.KindQueryTopicMessages
)

// Privileged reports whether a tag may only be acted on when it arrives
// from a peer in the node's configured user set.
func (t Tag) Privileged() bool {
	switch t {
	case TagRegisterTopic, TagDeregisterTopic, TagQueryTopicMessages:
		return true
	default:
		return false
	}
}

func (t Tag) String() string {
	switch t {
	case TagHandshake:
		return "Handshake"
	case TagGossip:
		return "Gossip"
	case TagTopic:
		return "Topic"
	case TagGetPassport:
		return "GetPassport"
	case TagPutPassport:
		return "PutPassport"
	case TagRegisterTopic:
		return "RegisterTopic"
	case TagDeregisterTopic:
		return "DeregisterTopic"
	case TagQueryTopicMessages:
		return "QueryTopicMessages"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Message is the decoded form of one frame's plaintext: a tag plus its
// body, already validated for minimum length but not yet interpreted by
// any handler.
type Message struct {
	Tag  Tag
	Body []byte
}

// Encode prefixes the body with its tag byte, producing the bytes that are
// then sealed into a frame by the transport session.
func (m Message) Encode() []byte {
	out := make([]byte, 1+len(m.Body))
	out[0] = byte(m.Tag)
	copy(out[1:], m.Body)
	return out
}

// Decode splits a frame's plaintext into its tag and body. An empty
// plaintext is a protocol violation: malformed frames close the
// connection.
func Decode(plaintext []byte) (Message, error) {
	if len(plaintext) < 1 {
		return Message{}, fmt.Errorf("empty frame plaintext")
	}
	return Message{Tag: Tag(plaintext[0]), Body: plaintext[1:]}, nil
}

// TopicBody is the Topic(2) body: topic(32) || timestamp(u64 BE) ||
// ciphertext(var).
type TopicBody struct {
	Topic        [32]byte
	CreationTime uint64
	Ciphertext   []byte
}

func (b TopicBody) Encode() []byte {
	out := make([]byte, 32+8+len(b.Ciphertext))
	copy(out[0:32], b.Topic[:])
	binary.BigEndian.PutUint64(out[32:40], b.CreationTime)
	copy(out[40:], b.Ciphertext)
	return out
}

func DecodeTopicBody(body []byte) (TopicBody, error) {
	if len(body) < 40 {
		return TopicBody{}, fmt.Errorf("Topic body too short: %d bytes", len(body))
	}
	var out TopicBody
	copy(out.Topic[:], body[0:32])
	out.CreationTime = binary.BigEndian.Uint64(body[32:40])
	out.Ciphertext = append([]byte(nil), body[40:]...)
	return out, nil
}

// GetPassportBody is the GetPassport(3) body: passport_id(32).
type GetPassportBody struct {
	PassportID [32]byte
}

func (b GetPassportBody) Encode() []byte {
	out := make([]byte, 32)
	copy(out, b.PassportID[:])
	return out
}

func DecodeGetPassportBody(body []byte) (GetPassportBody, error) {
	if len(body) != 32 {
		return GetPassportBody{}, fmt.Errorf("GetPassport body must be 32 bytes, got %d", len(body))
	}
	var out GetPassportBody
	copy(out.PassportID[:], body)
	return out, nil
}

// PutPassportBody is the PutPassport(4) body: passport_id(32) ||
// n_blocks(u16 BE) || blocks…, each block itself length-prefixed with a
// 2-byte BE count, matching the frame layer's own length-prefix convention.
type PutPassportBody struct {
	PassportID [32]byte
	Blocks     [][]byte
}

func (b PutPassportBody) Encode() ([]byte, error) {
	if len(b.Blocks) > 0xFFFF {
		return nil, fmt.Errorf("too many blocks: %d", len(b.Blocks))
	}
	out := make([]byte, 0, 32+2+len(b.Blocks)*2)
	out = append(out, b.PassportID[:]...)
	var nBuf [2]byte
	binary.BigEndian.PutUint16(nBuf[:], uint16(len(b.Blocks)))
	out = append(out, nBuf[:]...)
	for _, block := range b.Blocks {
		if len(block) > 0xFFFF {
			return nil, fmt.Errorf("block of %d bytes exceeds the 2-byte length prefix", len(block))
		}
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(block)))
		out = append(out, lenBuf[:]...)
		out = append(out, block...)
	}
	return out, nil
}

func DecodePutPassportBody(body []byte) (PutPassportBody, error) {
	if len(body) < 34 {
		return PutPassportBody{}, fmt.Errorf("PutPassport body too short: %d bytes", len(body))
	}
	var out PutPassportBody
	copy(out.PassportID[:], body[0:32])
	n := binary.BigEndian.Uint16(body[32:34])
	cursor := 34
	out.Blocks = make([][]byte, 0, n)
	for i := 0; i < int(n); i++ {
		if cursor+2 > len(body) {
			return PutPassportBody{}, fmt.Errorf("block %d: truncated length prefix", i)
		}
		blockLen := int(binary.BigEndian.Uint16(body[cursor : cursor+2]))
		cursor += 2
		if cursor+blockLen > len(body) {
			return PutPassportBody{}, fmt.Errorf("block %d: truncated body", i)
		}
		out.Blocks = append(out.Blocks, append([]byte(nil), body[cursor:cursor+blockLen]...))
		cursor += blockLen
	}
	return out, nil
}

// TopicOnlyBody is the shared body for RegisterTopic(5) and
// DeregisterTopic(6): topic(32).
type TopicOnlyBody struct {
	Topic [32]byte
}

func (b TopicOnlyBody) Encode() []byte {
	out := make([]byte, 32)
	copy(out, b.Topic[:])
	return out
}

func DecodeTopicOnlyBody(body []byte) (TopicOnlyBody, error) {
	if len(body) != 32 {
		return TopicOnlyBody{}, fmt.Errorf("body must be 32 bytes, got %d", len(body))
	}
	var out TopicOnlyBody
	copy(out.Topic[:], body)
	return out, nil
}

// QueryTopicMessagesBody is the QueryTopicMessages(7) body:
// topic(32) || since(u64 BE).
type QueryTopicMessagesBody struct {
	Topic [32]byte
	Since uint64
}

func (b QueryTopicMessagesBody) Encode() []byte {
	out := make([]byte, 40)
	copy(out[0:32], b.Topic[:])
	binary.BigEndian.PutUint64(out[32:40], b.Since)
	return out
}

func DecodeQueryTopicMessagesBody(body []byte) (QueryTopicMessagesBody, error) {
	if len(body) != 40 {
		return QueryTopicMessagesBody{}, fmt.Errorf("QueryTopicMessages body must be 40 bytes, got %d", len(body))
	}
	var out QueryTopicMessagesBody
	copy(out.Topic[:], body[0:32])
	out.Since = binary.BigEndian.Uint64(body[32:40])
	return out, nil
}

// GossipDescriptor is one signed peer advertisement making up a Gossip(1)
// body: (address, static_pub, topic_filter, version, signature).
// The topic filter is carried as an explicit set of 32-byte topics rather
// than a Bloom filter (the wire format allows either; an explicit set keeps fan-out
// matching exact, at the cost of descriptor size, and the gossip manager
// already bounds history/queue sizes to cap the blast radius of that cost).
//
// The signature is not checked against the Noise-IK key: Noise-IK needs an
// X25519 DH key while a signature needs an Ed25519 key, so this descriptor
// carries both: StaticPub is the X25519 Noise key, SigningPub is the
// Ed25519 identity key (the same key a passport's RegisterKey event
// registers) that actually produces Signature.
type GossipDescriptor struct {
	Address     string
	StaticPub   [32]byte
	SigningPub  ed25519.PublicKey
	TopicFilter [][32]byte
	Version     uint64
	Signature   []byte
}

func (d GossipDescriptor) signingBytes() []byte {
	if len(d.Address) > 0xFFFF {
		panic("gossip descriptor address too long")
	}
	out := make([]byte, 0, 2+len(d.Address)+32+32+2+len(d.TopicFilter)*32+8)
	var addrLen [2]byte
	binary.BigEndian.PutUint16(addrLen[:], uint16(len(d.Address)))
	out = append(out, addrLen[:]...)
	out = append(out, d.Address...)
	out = append(out, d.StaticPub[:]...)
	out = append(out, d.SigningPub...)
	var nTopics [2]byte
	binary.BigEndian.PutUint16(nTopics[:], uint16(len(d.TopicFilter)))
	out = append(out, nTopics[:]...)
	for _, t := range d.TopicFilter {
		out = append(out, t[:]...)
	}
	var version [8]byte
	binary.BigEndian.PutUint64(version[:], d.Version)
	out = append(out, version[:]...)
	return out
}

// Sign signs the descriptor with the advertised node's Ed25519 signing key.
// The caller must set SigningPub to the matching public key before calling
// Sign; Verify checks the signature against whatever SigningPub the
// descriptor carries, so a forged SigningPub merely produces a descriptor
// that fails Verify unless signed by the matching private key.
func (d *GossipDescriptor) Sign(signingKey ed25519.PrivateKey) {
	d.Signature = ed25519.Sign(signingKey, d.signingBytes())
}

// Verify checks the descriptor's signature against its own SigningPub
// field.
func (d GossipDescriptor) Verify() error {
	if len(d.Signature) == 0 {
		return fmt.Errorf("gossip descriptor has no signature")
	}
	if len(d.SigningPub) != ed25519.PublicKeySize {
		return fmt.Errorf("gossip descriptor signing key has invalid length %d", len(d.SigningPub))
	}
	if !ed25519.Verify(d.SigningPub, d.signingBytes(), d.Signature) {
		return fmt.Errorf("gossip descriptor signature verification failed")
	}
	return nil
}

func (d GossipDescriptor) encode() ([]byte, error) {
	body := d.signingBytes()
	if len(d.Signature) > 0xFFFF {
		return nil, fmt.Errorf("gossip descriptor signature too long")
	}
	var sigLen [2]byte
	binary.BigEndian.PutUint16(sigLen[:], uint16(len(d.Signature)))
	body = append(body, sigLen[:]...)
	body = append(body, d.Signature...)
	return body, nil
}

func decodeGossipDescriptor(raw []byte) (GossipDescriptor, int, error) {
	if len(raw) < 2 {
		return GossipDescriptor{}, 0, fmt.Errorf("descriptor truncated at address length")
	}
	cursor := 0
	addrLen := int(binary.BigEndian.Uint16(raw[cursor : cursor+2]))
	cursor += 2
	if cursor+addrLen > len(raw) {
		return GossipDescriptor{}, 0, fmt.Errorf("descriptor truncated at address")
	}
	address := string(raw[cursor : cursor+addrLen])
	cursor += addrLen

	if cursor+32 > len(raw) {
		return GossipDescriptor{}, 0, fmt.Errorf("descriptor truncated at static key")
	}
	var staticPub [32]byte
	copy(staticPub[:], raw[cursor:cursor+32])
	cursor += 32

	if cursor+ed25519.PublicKeySize > len(raw) {
		return GossipDescriptor{}, 0, fmt.Errorf("descriptor truncated at signing key")
	}
	signingPub := append(ed25519.PublicKey(nil), raw[cursor:cursor+ed25519.PublicKeySize]...)
	cursor += ed25519.PublicKeySize

	if cursor+2 > len(raw) {
		return GossipDescriptor{}, 0, fmt.Errorf("descriptor truncated at topic count")
	}
	nTopics := int(binary.BigEndian.Uint16(raw[cursor : cursor+2]))
	cursor += 2

	filter := make([][32]byte, 0, nTopics)
	for i := 0; i < nTopics; i++ {
		if cursor+32 > len(raw) {
			return GossipDescriptor{}, 0, fmt.Errorf("descriptor truncated at topic %d", i)
		}
		var t [32]byte
		copy(t[:], raw[cursor:cursor+32])
		filter = append(filter, t)
		cursor += 32
	}

	if cursor+8 > len(raw) {
		return GossipDescriptor{}, 0, fmt.Errorf("descriptor truncated at version")
	}
	version := binary.BigEndian.Uint64(raw[cursor : cursor+8])
	cursor += 8

	if cursor+2 > len(raw) {
		return GossipDescriptor{}, 0, fmt.Errorf("descriptor truncated at signature length")
	}
	sigLen := int(binary.BigEndian.Uint16(raw[cursor : cursor+2]))
	cursor += 2
	if cursor+sigLen > len(raw) {
		return GossipDescriptor{}, 0, fmt.Errorf("descriptor truncated at signature")
	}
	signature := append([]byte(nil), raw[cursor:cursor+sigLen]...)
	cursor += sigLen

	return GossipDescriptor{
		Address:     address,
		StaticPub:   staticPub,
		SigningPub:  signingPub,
		TopicFilter: filter,
		Version:     version,
		Signature:   signature,
	}, cursor, nil
}

// GossipBody is the Gossip(1) body: concatenated length-prefixed signed
// descriptors.
type GossipBody struct {
	Descriptors []GossipDescriptor
}

func (b GossipBody) Encode() ([]byte, error) {
	var out []byte
	for i, d := range b.Descriptors {
		encoded, err := d.encode()
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
		if len(encoded) > 0xFFFF {
			return nil, fmt.Errorf("descriptor %d: encoded size %d exceeds length prefix", i, len(encoded))
		}
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(encoded)))
		out = append(out, lenBuf[:]...)
		out = append(out, encoded...)
	}
	return out, nil
}

func DecodeGossipBody(body []byte) (GossipBody, error) {
	var out GossipBody
	cursor := 0
	for cursor < len(body) {
		if cursor+2 > len(body) {
			return GossipBody{}, fmt.Errorf("gossip body truncated at descriptor length")
		}
		n := int(binary.BigEndian.Uint16(body[cursor : cursor+2]))
		cursor += 2
		if cursor+n > len(body) {
			return GossipBody{}, fmt.Errorf("gossip body truncated at descriptor")
		}
		descriptor, consumed, err := decodeGossipDescriptor(body[cursor : cursor+n])
		if err != nil {
			return GossipBody{}, err
		}
		if consumed != n {
			return GossipBody{}, fmt.Errorf("descriptor declared length %d but consumed %d", n, consumed)
		}
		out.Descriptors = append(out.Descriptors, descriptor)
		cursor += n
	}
	return out, nil
}
