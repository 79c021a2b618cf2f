// Package cache implements the two bounded, LRU-evicted caches the node
// relies on for memory safety: the known-message fingerprint cache used
// for gossip duplicate suppression, and a read-through cache of validated
// passport chains in front of the Store collaborator. Both are backed by
// github.com/hashicorp/golang-lru/v2 rather than hand-rolled LRU
// bookkeeping.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/primetype/asmtp/pkg/constants"
)

// KnownMessageCache is a bounded fingerprint set with LRU eviction, used
// for duplicate suppression on gossip. A frame whose fingerprint is
// present is never re-forwarded.
type KnownMessageCache struct {
	cache *lru.Cache[[constants.FingerprintSize]byte, struct{}]
}

// NewKnownMessageCache creates a known-message cache bounded to size
// entries (default constants.DefaultKnownMessageCacheSize when size <= 0).
func NewKnownMessageCache(size int) (*KnownMessageCache, error) {
	if size <= 0 {
		size = constants.DefaultKnownMessageCacheSize
	}
	c, err := lru.New[[constants.FingerprintSize]byte, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &KnownMessageCache{cache: c}, nil
}

// Seen reports whether the fingerprint has already been recorded.
func (k *KnownMessageCache) Seen(fp [constants.FingerprintSize]byte) bool {
	_, ok := k.cache.Get(fp)
	return ok
}

// MarkSeen records a fingerprint. Returns true if it was newly inserted
// (i.e. this is the first time the fan-out site has seen this message).
func (k *KnownMessageCache) MarkSeen(fp [constants.FingerprintSize]byte) bool {
	if k.cache.Contains(fp) {
		return false
	}
	k.cache.Add(fp, struct{}{})
	return true
}

// Len returns the number of fingerprints currently cached.
func (k *KnownMessageCache) Len() int {
	return k.cache.Len()
}

// PassportEntry is a cached, already-validated passport chain summary: its
// raw block encodings (ready to hand back on GetPassport) and its current
// key-set/shared-key projection (ready for topic re-derivation).
type PassportEntry struct {
	Blocks     [][]byte
	ActiveKeys map[string][]byte
	Height     int
}

// PassportCache is a bounded, LRU-evicted cache sitting in front of the
// Store collaborator so the validator does not re-walk a chain's full
// causality history on every lookup.
type PassportCache struct {
	cache *lru.Cache[string, *PassportEntry]
}

// NewPassportCache creates a passport cache bounded to size entries
// (default constants.DefaultPassportCacheSize when size <= 0).
func NewPassportCache(size int) (*PassportCache, error) {
	if size <= 0 {
		size = constants.DefaultPassportCacheSize
	}
	c, err := lru.New[string, *PassportEntry](size)
	if err != nil {
		return nil, err
	}
	return &PassportCache{cache: c}, nil
}

// Get returns the cached entry for a passport id, if present.
func (p *PassportCache) Get(id []byte) (*PassportEntry, bool) {
	return p.cache.Get(string(id))
}

// Put inserts or replaces the cached entry for a passport id.
func (p *PassportCache) Put(id []byte, entry *PassportEntry) {
	p.cache.Add(string(id), entry)
}

// Remove evicts a passport id, e.g. after a failed PutPassport leaves the
// chain untouched but the cached projection stale.
func (p *PassportCache) Remove(id []byte) {
	p.cache.Remove(string(id))
}
