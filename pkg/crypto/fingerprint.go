package crypto

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/primetype/asmtp/pkg/constants"
)

// MessageFingerprint is a short hash of a message used solely for
// duplicate suppression: BLAKE2b-128 of topic || ciphertext || creation_time.
type MessageFingerprint [constants.FingerprintSize]byte

// FingerprintMessage computes the known-message cache key for a Topic frame.
func FingerprintMessage(topic [32]byte, ciphertext []byte, creationTime uint64) (MessageFingerprint, error) {
	var fp MessageFingerprint

	h, err := blake2b.New(constants.FingerprintSize, nil)
	if err != nil {
		return fp, fmt.Errorf("failed to construct blake2b hasher: %w", err)
	}

	h.Write(topic[:])
	h.Write(ciphertext)

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], creationTime)
	h.Write(tsBuf[:])

	copy(fp[:], h.Sum(nil))
	return fp, nil
}

func (fp MessageFingerprint) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(fp)*2)
	for i, b := range fp {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
