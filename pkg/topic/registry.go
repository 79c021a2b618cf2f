// Package topic tracks the set of topics a node currently cares about and
// re-derives them whenever the identity keys they are built from change,
// e.g. after a passport rotation. Mutex-guarded maps and explicit
// Add/Remove/Rotate methods keep a derived index in step with a
// slower-changing source of truth, reporting back what changed.
package topic

import (
	"sync"

	"github.com/primetype/asmtp/pkg/crypto"
)

// peerKey is the 32-byte X25519 public key of a contact this node shares a
// topic with.
type peerKey = [32]byte

// Registry derives and tracks the topics a node is subscribed to: one per
// (own shared key, peer shared key) pair, re-derived whenever either side
// of the pair rotates.
type Registry struct {
	mu sync.RWMutex

	// own is this node's current shared (X25519) public key, taken from its
	// own passport's active SetSharedKey envelope.
	own [32]byte

	// peers maps a stable local handle (e.g. the peer's passport id,
	// hex-encoded) to that peer's current shared key, as last observed in
	// their passport.
	peers map[string]peerKey

	// topics is the derived index: local handle -> current Topic for that
	// peer, recomputed whenever own or the peer's key changes.
	topics map[string]crypto.Topic
}

// NewRegistry constructs an empty Registry for the given local shared key.
func NewRegistry(ownSharedKey [32]byte) *Registry {
	return &Registry{
		own:    ownSharedKey,
		peers:  make(map[string]peerKey),
		topics: make(map[string]crypto.Topic),
	}
}

// Topics returns every topic currently derived, e.g. for issuing
// RegisterTopic on connect.
func (r *Registry) Topics() []crypto.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crypto.Topic, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, t)
	}
	return out
}

// TopicFor returns the currently derived topic for a peer handle, if known.
func (r *Registry) TopicFor(handle string) (crypto.Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[handle]
	return t, ok
}

// AddPeer registers or updates a peer's shared key and (re)derives its
// topic. It returns the derived topic and whether it differs from any
// previously derived topic for this handle (so callers know whether a
// DeregisterTopic/RegisterTopic pair is needed on the wire).
func (r *Registry) AddPeer(handle string, sharedKey [32]byte) (crypto.Topic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, hadPrev := r.topics[handle]
	r.peers[handle] = sharedKey
	next := crypto.DeriveTopic(r.own, sharedKey)
	r.topics[handle] = next

	changed := !hadPrev || !prev.Equal(next)
	return next, changed
}

// RemovePeer forgets a peer and its derived topic.
func (r *Registry) RemovePeer(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, handle)
	delete(r.topics, handle)
}

// Rotate updates this node's own shared key (after a passport SetSharedKey
// event rotates it) and re-derives every tracked peer's topic against the
// new key. It returns the set of handles whose topic changed as a result,
// so the caller can issue DeregisterTopic for the stale topic and
// RegisterTopic for the new one.
func (r *Registry) Rotate(newSharedKey [32]byte) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.own == newSharedKey {
		return nil
	}
	r.own = newSharedKey

	var changed []string
	for handle, peerShared := range r.peers {
		prev := r.topics[handle]
		next := crypto.DeriveTopic(r.own, peerShared)
		if !prev.Equal(next) {
			r.topics[handle] = next
			changed = append(changed, handle)
		}
	}
	return changed
}
