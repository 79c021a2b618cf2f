// Package gossip implements the gossip & topology manager: the node's
// neighbourhood of live peer sessions, its larger pool of
// known-but-not-connected peers learned from Gossip messages, topic-aware
// peer selection, gossip scheduling, and message fan-out with dedup.
//
// pool.go keeps a bounded "connected" set plus a larger candidate pool,
// each entry updated in place and compared by a freshness field, ranked
// by topic-filter-overlap scoring: the node preferentially connects to
// peers whose advertised topic filter overlaps its own subscriptions.
// Liveness tracking is alive/suspect/failed state with a last-seen
// timestamp, promoted and demoted by elapsed time rather than active
// probing. A connected peer's session task already knows when frames
// last arrived, so no separate ping/ack protocol is needed.
package gossip

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/primetype/asmtp/pkg/crypto"
	"github.com/primetype/asmtp/pkg/wire"
)

// LivenessState is a peer's passively observed liveness. There is no
// "left" state: peers are never told to gracefully leave, they simply
// stop being gossiped about once failed and swept.
type LivenessState int

const (
	Alive LivenessState = iota
	Suspect
	Failed
)

// PeerKey is the hex-encoded Noise static public key identifying a peer
// independent of its current network address.
type PeerKey string

func keyOf(staticPub [32]byte) PeerKey {
	return PeerKey(crypto.Fingerprint(staticPub[:]))
}

// KnownPeer is one entry in the candidate pool: the last gossip descriptor
// received for this key, plus liveness bookkeeping.
type KnownPeer struct {
	Descriptor wire.GossipDescriptor
	State      LivenessState
	LastSeen   time.Time
	lastGossip time.Time // last time this node emitted a Gossip to this peer
}

// topicSet returns the descriptor's topic filter as a set for overlap scoring.
func (k *KnownPeer) topicSet() map[[32]byte]struct{} {
	set := make(map[[32]byte]struct{}, len(k.Descriptor.TopicFilter))
	for _, t := range k.Descriptor.TopicFilter {
		set[t] = struct{}{}
	}
	return set
}

// Pool is the neighbourhood manager: a bounded connected set and a
// larger known-but-not-connected candidate pool, both keyed by peer static
// key.
type Pool struct {
	mu sync.RWMutex

	maxConnected int
	connected    map[PeerKey]struct{}
	known        map[PeerKey]*KnownPeer

	ownTopics map[[32]byte]struct{}
}

// NewPool constructs an empty Pool bounded to maxConnected live sessions.
func NewPool(maxConnected int) *Pool {
	return &Pool{
		maxConnected: maxConnected,
		connected:    make(map[PeerKey]struct{}),
		known:        make(map[PeerKey]*KnownPeer),
		ownTopics:    make(map[[32]byte]struct{}),
	}
}

// SetOwnTopics replaces the set of topics this node subscribes to, used to
// score candidate peers by overlap.
func (p *Pool) SetOwnTopics(topics []crypto.Topic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ownTopics = make(map[[32]byte]struct{}, len(topics))
	for _, t := range topics {
		p.ownTopics[[32]byte(t)] = struct{}{}
	}
}

// Observe records or updates a gossip descriptor. Two gossip records for
// the same key are ordered by version; higher version wins. Returns true
// if the descriptor was newly seen or advanced the known version.
func (p *Pool) Observe(d wire.GossipDescriptor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := keyOf(d.StaticPub)
	existing, ok := p.known[key]
	now := time.Now()
	if !ok {
		p.known[key] = &KnownPeer{Descriptor: d, State: Alive, LastSeen: now}
		return true
	}
	if d.Version <= existing.Descriptor.Version {
		return false
	}
	existing.Descriptor = d
	existing.LastSeen = now
	existing.State = Alive
	return true
}

// MarkConnected records that a peer session is now live.
func (p *Pool) MarkConnected(staticPub [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := keyOf(staticPub)
	p.connected[key] = struct{}{}
	if kp, ok := p.known[key]; ok {
		kp.State = Alive
		kp.LastSeen = time.Now()
	}
}

// MarkDisconnected records that a peer session has ended. The peer stays
// in the known-but-not-connected pool so it remains a candidate for
// reconnection and future gossip mentions.
func (p *Pool) MarkDisconnected(staticPub [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.connected, keyOf(staticPub))
}

// ConnectedCount returns the number of currently live peer sessions.
func (p *Pool) ConnectedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connected)
}

// HasRoom reports whether the neighbourhood can accept another connection.
func (p *Pool) HasRoom() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.connected) < p.maxConnected
}

// overlapScore counts shared topics between a candidate and this node's own
// subscriptions.
func (p *Pool) overlapScore(kp *KnownPeer) int {
	score := 0
	for t := range kp.topicSet() {
		if _, ok := p.ownTopics[t]; ok {
			score++
		}
	}
	return score
}

// SelectCandidates returns up to n known-but-not-connected peers, ranked by
// topic-filter overlap with this node's own subscriptions, for the
// gossip manager to attempt connecting to.
func (p *Pool) SelectCandidates(n int) []wire.GossipDescriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()

	type scored struct {
		kp    *KnownPeer
		score int
	}
	candidates := make([]scored, 0, len(p.known))
	for key, kp := range p.known {
		if _, connected := p.connected[key]; connected {
			continue
		}
		if kp.State == Failed {
			continue
		}
		candidates = append(candidates, scored{kp: kp, score: p.overlapScore(kp)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].kp.LastSeen.After(candidates[j].kp.LastSeen)
	})

	if n > len(candidates) {
		n = len(candidates)
	}
	out := make([]wire.GossipDescriptor, n)
	for i := 0; i < n; i++ {
		out[i] = candidates[i].kp.Descriptor
	}
	return out
}

// SelectForGossip returns a random selection of up to n known
// descriptors, biased toward topics overlapping the recipient's own
// subscriptions, excluding the recipient itself. The bias narrows the
// field to the higher-scoring candidates; which of those are actually
// picked, and in what order, is randomized so the same neighbour isn't
// gossiped about on every round.
func (p *Pool) SelectForGossip(recipient wire.GossipDescriptor, n int) []wire.GossipDescriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()

	recipientTopics := make(map[[32]byte]struct{}, len(recipient.TopicFilter))
	for _, t := range recipient.TopicFilter {
		recipientTopics[t] = struct{}{}
	}
	recipientKey := keyOf(recipient.StaticPub)

	type scored struct {
		d     wire.GossipDescriptor
		score int
	}
	candidates := make([]scored, 0, len(p.known))
	for key, kp := range p.known {
		if key == recipientKey || kp.State == Failed {
			continue
		}
		score := 0
		for _, t := range kp.Descriptor.TopicFilter {
			if _, ok := recipientTopics[t]; ok {
				score++
			}
		}
		candidates = append(candidates, scored{d: kp.Descriptor, score: score})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	// Narrow to a topic-biased pool, oversized relative to n, then shuffle
	// so the selection within that pool is random rather than always the
	// same top-scoring candidates.
	poolSize := n * 3
	if poolSize < n {
		poolSize = n
	}
	if poolSize > len(candidates) {
		poolSize = len(candidates)
	}
	pool := candidates[:poolSize]
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	if n > len(pool) {
		n = len(pool)
	}
	out := make([]wire.GossipDescriptor, n)
	for i := 0; i < n; i++ {
		out[i] = pool[i].d
	}
	return out
}

// ShouldGossip reports whether enough time has elapsed since the last
// gossip emission to this peer: a per-remote timer enforces
// minimum_time_elapsed between two gossip emissions to the same peer.
func (p *Pool) ShouldGossip(staticPub [32]byte, minimumTimeElapsed time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	kp, ok := p.known[keyOf(staticPub)]
	if !ok {
		return true
	}
	return time.Since(kp.lastGossip) >= minimumTimeElapsed
}

// RecordGossiped marks that this node just emitted gossip to staticPub.
func (p *Pool) RecordGossiped(staticPub [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kp, ok := p.known[keyOf(staticPub)]; ok {
		kp.lastGossip = time.Now()
	}
}

// Sweep demotes peers that have gone quiet: Alive peers not seen within
// suspectAfter become Suspect, and Suspect peers not seen within failAfter
// become Failed and are dropped from the known pool entirely. Connected
// peers are never swept here. Their session task's own read loop is the
// authoritative liveness signal, and MarkDisconnected is called when it
// exits.
func (p *Pool) Sweep(suspectAfter, failAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for key, kp := range p.known {
		if _, connected := p.connected[key]; connected {
			continue
		}
		age := now.Sub(kp.LastSeen)
		switch kp.State {
		case Alive:
			if age > suspectAfter {
				kp.State = Suspect
			}
		case Suspect:
			if age > failAfter {
				kp.State = Failed
				delete(p.known, key)
			}
		case Failed:
			delete(p.known, key)
		}
	}
}
