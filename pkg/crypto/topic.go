package crypto

import (
	"bytes"
	"crypto/sha512"

	"golang.org/x/crypto/pbkdf2"

	"github.com/primetype/asmtp/pkg/constants"
)

// Topic is the 32-byte opaque pseudonymous conversation tag two parties
// derive from their shared public keys.
type Topic [constants.TopicSize]byte

// DeriveTopic computes the topic shared by two parties' current shared
// public keys:
//
//	(k, s) = (min(P_R, P_S), max(P_R, P_S))      -- byte-lex compare
//	topic  = truncate_32(PBKDF2_HMAC_SHA512(password=k, salt=s, iterations=10240))
//
// The min/max ordering makes DeriveTopic symmetric: DeriveTopic(a, b) ==
// DeriveTopic(b, a) for any pair of keys. The iteration count is a
// brute-force barrier: an observer who wants to test a candidate key pair
// against an observed topic pays the full PBKDF2 cost per guess.
func DeriveTopic(a, b [32]byte) Topic {
	password, salt := a, b
	if bytes.Compare(a[:], b[:]) > 0 {
		password, salt = b, a
	}

	derived := pbkdf2.Key(password[:], salt[:], constants.TopicPBKDF2Iterations, 64, sha512.New)

	var topic Topic
	copy(topic[:], derived[:constants.TopicSize])
	return topic
}

// Equal reports whether two topics are identical.
func (t Topic) Equal(other Topic) bool {
	return bytes.Equal(t[:], other[:])
}

// String renders the topic as a hex string, used only for logging. The
// wire-visible form of a topic is always its raw 32 bytes.
func (t Topic) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(t)*2)
	for i, b := range t {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
