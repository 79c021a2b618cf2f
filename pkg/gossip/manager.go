package gossip

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/primetype/asmtp/pkg/cache"
	"github.com/primetype/asmtp/pkg/constants"
	"github.com/primetype/asmtp/pkg/wire"
)

// PeerSender is the manager's view of a live peer session: enough to hand
// it an outbound message without the manager knowing anything about
// Noise, framing, or the underlying socket. The session's reader/writer
// task owns the real queue; Send only reports whether the frame was
// accepted or shed for backpressure; if a peer's outbound queue is full
// the frame is dropped for that peer only.
type PeerSender interface {
	Send(msg wire.Message) bool
	StaticPub() [32]byte
	Subscriptions() map[[32]byte]struct{}
}

// Config configures a Manager's scheduling behavior.
type Config struct {
	Heartbeat          time.Duration
	MinimumTimeElapsed time.Duration
	QueueSize          int
	HistorySize        int
	MaxOpenedConnections int
}

// DefaultConfig returns the node's default scheduling parameters.
func DefaultConfig() Config {
	return Config{
		Heartbeat:            constants.DefaultHeartbeat,
		MinimumTimeElapsed:   constants.DefaultMinimumTimeElapsed,
		QueueSize:            constants.DefaultQueueSize,
		HistorySize:          constants.DefaultHistorySize,
		MaxOpenedConnections: constants.DefaultMaxOpenedConnections,
	}
}

// Manager is the gossip & topology manager. It owns the peer pool, the
// known-message dedup cache, the interest queue, and the gossip history,
// and produces/consumes the Gossip(1) and Topic(2) wire messages.
type Manager struct {
	mu sync.Mutex

	config Config
	pool   *Pool
	known  *cache.KnownMessageCache

	signingKey ed25519.PrivateKey
	signingPub ed25519.PublicKey
	self       wire.GossipDescriptor
	selfVer    uint64

	peers map[PeerKey]PeerSender

	interest []wire.GossipDescriptor // candidates queued for the next heartbeat
	history  *lru.Cache[string, struct{}]

	onFanout func(topic [32]byte, fromPeer PeerKey, body wire.TopicBody) // test/observability hook
}

// NewManager constructs a Manager. signingKey/signingPub is this node's
// Ed25519 identity key pair, used to sign its own gossip descriptor;
// selfAddr/selfStatic describe the Noise-IK side of that descriptor.
func NewManager(config Config, pool *Pool, known *cache.KnownMessageCache, signingKey ed25519.PrivateKey, signingPub ed25519.PublicKey, selfAddr string, selfStatic [32]byte) (*Manager, error) {
	if config.HistorySize <= 0 {
		config.HistorySize = constants.DefaultHistorySize
	}
	history, err := lru.New[string, struct{}](config.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to construct gossip history: %w", err)
	}
	m := &Manager{
		config:     config,
		pool:       pool,
		known:      known,
		signingKey: signingKey,
		signingPub: signingPub,
		peers:      make(map[PeerKey]PeerSender),
		history:    history,
	}
	m.self = wire.GossipDescriptor{Address: selfAddr, StaticPub: selfStatic, SigningPub: signingPub, Version: 0}
	return m, nil
}

// UpdateSelf replaces this node's advertised topic filter and bumps its
// gossip version, re-signing the descriptor. Between two descriptors for
// the same key, the higher version always wins.
func (m *Manager) UpdateSelf(topics [][32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selfVer++
	m.self.TopicFilter = topics
	m.self.Version = m.selfVer
	m.self.Sign(m.signingKey)
}

// RegisterPeer adds a connected peer to both the sender registry and the
// pool's connected set.
func (m *Manager) RegisterPeer(sender PeerSender) {
	key := keyOf(sender.StaticPub())
	m.mu.Lock()
	m.peers[key] = sender
	m.mu.Unlock()
	m.pool.MarkConnected(sender.StaticPub())
}

// UnregisterPeer removes a disconnected peer.
func (m *Manager) UnregisterPeer(staticPub [32]byte) {
	key := keyOf(staticPub)
	m.mu.Lock()
	delete(m.peers, key)
	m.mu.Unlock()
	m.pool.MarkDisconnected(staticPub)
}

// HandleGossip processes an inbound Gossip(1) body: each descriptor is
// signature-checked (against the Ed25519 SigningPub it carries, not its
// X25519 StaticPub) and, if newer
// than any previously known version, folded into the pool and queued as an
// interest candidate for this node's own next gossip round.
func (m *Manager) HandleGossip(body wire.GossipBody) {
	for _, d := range body.Descriptors {
		if err := d.Verify(); err != nil {
			continue
		}
		if m.pool.Observe(d) {
			m.mu.Lock()
			m.interest = append(m.interest, d)
			if len(m.interest) > m.config.QueueSize {
				m.interest = m.interest[len(m.interest)-m.config.QueueSize:]
			}
			m.mu.Unlock()
		}
	}
}

// HandleTopic implements message fan-out: compute the frame's fingerprint,
// drop it if already known, otherwise mark it seen and forward to every
// connected peer subscribed to the topic except the sender.
func (m *Manager) HandleTopic(fromPeer PeerKey, body wire.TopicBody) (forwarded int, err error) {
	fp, err := cryptoFingerprint(body)
	if err != nil {
		return 0, err
	}
	if !m.known.MarkSeen(fp) {
		return 0, nil // already seen; never re-forwarded
	}

	if m.onFanout != nil {
		m.onFanout(body.Topic, fromPeer, body)
	}

	m.mu.Lock()
	peers := make([]PeerSender, 0, len(m.peers))
	for key, p := range m.peers {
		if key == fromPeer {
			continue
		}
		peers = append(peers, p)
	}
	m.mu.Unlock()

	msg := wire.Message{Tag: wire.TagTopic, Body: (wire.TopicBody{
		Topic:        body.Topic,
		CreationTime: body.CreationTime,
		Ciphertext:   body.Ciphertext,
	}).Encode()}

	for _, p := range peers {
		if _, subscribed := p.Subscriptions()[body.Topic]; !subscribed {
			continue
		}
		if p.Send(msg) {
			forwarded++
		}
		// Backpressure: a full per-peer queue drops the frame for that peer
		// only; Send already encodes that, nothing to retry here.
	}
	return forwarded, nil
}

// Publish originates a Topic frame locally (the local-origin case of
// HandleTopic's fan-out).
func (m *Manager) Publish(body wire.TopicBody) (forwarded int, err error) {
	return m.HandleTopic("", body)
}

func cryptoFingerprint(body wire.TopicBody) ([constants.FingerprintSize]byte, error) {
	h, err := blake2b.New(constants.FingerprintSize, nil)
	if err != nil {
		return [constants.FingerprintSize]byte{}, fmt.Errorf("failed to initialize fingerprint hash: %w", err)
	}
	h.Write(body.Topic[:])
	h.Write(body.Ciphertext)
	var tsBuf [8]byte
	for i := 0; i < 8; i++ {
		tsBuf[7-i] = byte(body.CreationTime >> (8 * i))
	}
	h.Write(tsBuf[:])
	var out [constants.FingerprintSize]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Heartbeat implements the per-tick gossip emission: pop candidates from
// the interest queue (falling back to the pool's topic-ranked candidates
// when the queue is empty), and for each eligible recipient (respecting
// minimum_time_elapsed and the gossip history's (source, target, digest)
// suppression) send a Gossip message describing this node plus a small,
// topic-biased selection of other known descriptors.
func (m *Manager) Heartbeat(fanout int) {
	m.mu.Lock()
	targets := m.interest
	m.interest = nil
	self := m.self
	m.mu.Unlock()

	if len(targets) == 0 {
		targets = m.pool.SelectCandidates(fanout)
	}

	for _, target := range targets {
		if !m.pool.ShouldGossip(target.StaticPub, m.config.MinimumTimeElapsed) {
			continue
		}
		digest := gossipDigest(self, target)
		historyKey := string(target.StaticPub[:]) + ":" + digest
		if _, seen := m.history.Get(historyKey); seen {
			continue
		}
		m.history.Add(historyKey, struct{}{})

		others := m.pool.SelectForGossip(target, fanout)
		body := wire.GossipBody{Descriptors: append([]wire.GossipDescriptor{self}, others...)}
		encoded, err := body.Encode()
		if err != nil {
			continue
		}

		key := keyOf(target.StaticPub)
		m.mu.Lock()
		sender, connected := m.peers[key]
		m.mu.Unlock()
		if connected {
			sender.Send(wire.Message{Tag: wire.TagGossip, Body: encoded})
		}
		m.pool.RecordGossiped(target.StaticPub)
	}
}

// gossipDigest summarizes a (source, target) gossip emission for the
// history's duplicate-suppression check: a bounded gossip history
// prevents re-advertising the same triple (source, target, digest) too
// soon.
func gossipDigest(source, target wire.GossipDescriptor) string {
	h, _ := blake2b.New256(nil)
	h.Write(source.StaticPub[:])
	var verBuf [8]byte
	for i := 0; i < 8; i++ {
		verBuf[7-i] = byte(source.Version >> (8 * i))
	}
	h.Write(verBuf[:])
	h.Write(target.StaticPub[:])
	return string(h.Sum(nil))
}
