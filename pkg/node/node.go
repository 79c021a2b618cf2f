// Package node orchestrates the transport, gossip, passport, and dispatch
// layers into a running process: one task per peer session (reader +
// writer), one heartbeat task, one admin task, communicating exclusively
// via bounded queues. The lifecycle shape is ctx/cancel with a running
// flag guarded by a mutex; Start returns once listeners are bound while
// serving continues in background goroutines. There is no
// restart-with-backoff loop: a node's tasks all share one lifetime, and a
// session failure only tears down that one peer, never the process.
package node

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/primetype/asmtp/pkg/admin"
	"github.com/primetype/asmtp/pkg/cache"
	"github.com/primetype/asmtp/pkg/config"
	"github.com/primetype/asmtp/pkg/crypto"
	"github.com/primetype/asmtp/pkg/dispatch"
	"github.com/primetype/asmtp/pkg/gossip"
	"github.com/primetype/asmtp/pkg/passport"
	"github.com/primetype/asmtp/pkg/ratelimit"
	"github.com/primetype/asmtp/pkg/store"
	"github.com/primetype/asmtp/pkg/topic"
	"github.com/primetype/asmtp/pkg/transport"
	"github.com/primetype/asmtp/pkg/wire"
)

// Identity bundles the key material a node needs: its passport signing
// identity, its Noise-IK transport static key, and its current passport
// shared key (the X25519 pair topics are derived from).
type Identity struct {
	Signing ed25519.PrivateKey
	Static  transport.StaticKeyPair
	Shared  crypto.SharedKeyPair
}

// Node wires together the transport, gossip, passport, and dispatch layers
// into one running process.
type Node struct {
	cfg      *config.Config
	identity Identity
	trans    transport.Transport

	validator  *passport.Validator
	gossipMgr  *gossip.Manager
	pool       *gossip.Pool
	registry   *topic.Registry
	limiter    *ratelimit.Limiter
	store      store.Store
	dispatcher *dispatch.Dispatcher

	log *logrus.Entry

	sessionsMu sync.RWMutex
	sessions   map[gossip.PeerKey]*peerSession

	subsMu        sync.RWMutex
	subscriptions map[crypto.Topic]struct{}

	// passportMu guards ownPassportID and passwords: the passport password
	// a node needs to open an NpskEnvelope addressed to its own signing key,
	// keyed by passport id (hex), for its own passport and any contact's
	// passport it has been given the password for out of band.
	passportMu        sync.RWMutex
	ownPassportID     string
	passportPasswords map[string][]byte

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New constructs a Node from its collaborators. trans is the chosen
// transport substrate (tcp.New(fingerprint) or quic.New(fingerprint));
// backing is the Store collaborator. logger may be nil, in which case the
// standard logrus logger is used.
func New(cfg *config.Config, identity Identity, trans transport.Transport, backing store.Store, logger *logrus.Logger) (*Node, error) {
	validator, err := passport.NewValidator(backing, cfg.PassportCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to construct passport validator: %w", err)
	}

	known, err := cache.NewKnownMessageCache(cfg.KnownMessageCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to construct known-message cache: %w", err)
	}

	pool := gossip.NewPool(cfg.MaxOpenedConnections)

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	signingPub, ok := identity.Signing.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("identity signing key did not yield an Ed25519 public key")
	}

	gossipMgr, err := gossip.NewManager(gossip.Config{
		Heartbeat:            cfg.Heartbeat,
		MinimumTimeElapsed:   cfg.MinimumTimeElapsed,
		QueueSize:            cfg.QueueSize,
		HistorySize:          cfg.HistorySize,
		MaxOpenedConnections: cfg.MaxOpenedConnections,
	}, pool, known, identity.Signing, signingPub, cfg.ListenAddr, identity.Static.Public)
	if err != nil {
		return nil, fmt.Errorf("failed to construct gossip manager: %w", err)
	}

	n := &Node{
		cfg:               cfg,
		identity:          identity,
		trans:             trans,
		validator:         validator,
		gossipMgr:         gossipMgr,
		pool:              pool,
		registry:          topic.NewRegistry(identity.Shared.Public),
		limiter:           ratelimit.New(ratelimit.Config{Capacity: cfg.PutPassportBucketCapacity, Refill: cfg.PutPassportRefill}),
		store:             backing,
		log:               logger.WithField("component", "node"),
		sessions:          make(map[gossip.PeerKey]*peerSession),
		subscriptions:     make(map[crypto.Topic]struct{}),
		passportPasswords: make(map[string][]byte),
	}

	n.dispatcher = dispatch.New(dispatch.Config{
		GossipManager:      gossipMgr,
		Validator:          validator,
		Store:              backing,
		Limiter:            n.limiter,
		Subscriptions:      n,
		PrivilegedUsers:    cfg.PrivilegedUsers,
		Logger:             logger,
		OnPassportAccepted: n.handlePassportAccepted,
	})

	return n, nil
}

// Start begins serving: it binds the peer listener and launches the
// accept, heartbeat, and (if configured) admin tasks. It returns once the
// listeners are bound; serving continues in background goroutines until
// ctx is cancelled or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("node already running")
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.running = true

	listener, err := n.trans.Listen(n.ctx, n.cfg.ListenAddr, nil)
	if err != nil {
		n.running = false
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.ListenAddr, err)
	}

	go n.acceptLoop(listener)
	go n.heartbeatLoop()

	if n.cfg.AdminListenAddr != "" {
		adminListener, err := net.Listen("tcp", n.cfg.AdminListenAddr)
		if err != nil {
			n.running = false
			return fmt.Errorf("failed to listen on admin address %s: %w", n.cfg.AdminListenAddr, err)
		}
		adminServer := admin.NewServer(n)
		go func() {
			if err := adminServer.Serve(n.ctx, adminListener); err != nil {
				n.log.WithError(err).Debug("admin server stopped")
			}
		}()
	}

	return nil
}

// Stop cancels every task. Queued frames for in-flight peers are
// discarded; each peer session task tears itself down once it observes
// ctx done or its next read/write fails.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.running = false
	n.cancel()
}

func (n *Node) acceptLoop(listener transport.Listener) {
	for {
		conn, err := listener.Accept(n.ctx)
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				n.log.WithError(err).Warn("accept failed")
				continue
			}
		}
		go n.serveResponder(conn)
	}
}

// serveResponder handles one inbound connection as the Noise-IK responder.
func (n *Node) serveResponder(conn transport.Conn) {
	session, err := transport.Handshake(conn, n.identity.Static, false, nil)
	if err != nil {
		n.log.WithError(err).Debug("protocol violation: handshake failed")
		conn.Close()
		return
	}
	n.servePeer(session)
}

// Dial opens an outbound connection to addr, acting as the Noise-IK
// initiator against the peer's known static key (learned out of band, via
// gossip).
func (n *Node) Dial(ctx context.Context, addr string, peerStatic [32]byte) error {
	conn, err := n.trans.Dial(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	session, err := transport.Handshake(conn, n.identity.Static, true, &peerStatic)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake with %s failed: %w", addr, err)
	}
	go n.servePeer(session)
	return nil
}

func (n *Node) servePeer(session *transport.Session) {
	ps := newPeerSession(session, n.cfg.MessageQueueSize)
	key := gossip.PeerKey(crypto.Fingerprint(session.PeerStatic()[:]))

	n.sessionsMu.Lock()
	n.sessions[key] = ps
	n.sessionsMu.Unlock()
	n.gossipMgr.RegisterPeer(ps)

	go ps.writeLoop()

	defer func() {
		ps.close()
		n.sessionsMu.Lock()
		delete(n.sessions, key)
		n.sessionsMu.Unlock()
		n.gossipMgr.UnregisterPeer(session.PeerStatic())
	}()

	for {
		plaintext, err := session.RecvFrame()
		if err != nil {
			n.log.WithError(err).Debug("protocol violation: frame receive failed, closing session")
			return
		}
		session.RekeyRecv()

		msg, err := wire.Decode(plaintext)
		if err != nil {
			n.log.WithError(err).Debug("protocol violation: malformed frame, closing session")
			return
		}

		switch msg.Tag {
		case wire.TagRegisterTopic:
			if body, err := wire.DecodeTopicOnlyBody(msg.Body); err == nil {
				ps.addSubscription(body.Topic)
			}
		case wire.TagDeregisterTopic:
			if body, err := wire.DecodeTopicOnlyBody(msg.Body); err == nil {
				ps.removeSubscription(body.Topic)
			}
		}

		if err := n.dispatcher.Dispatch(n.ctx, key, session.PeerStatic(), msg, ps); err != nil {
			n.log.WithError(err).Debug("protocol violation: dispatch failed, closing session")
			return
		}
	}
}

func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(n.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.gossipMgr.Heartbeat(n.cfg.QueueSize / 8)
			n.pool.Sweep(10*n.cfg.Heartbeat, 60*n.cfg.Heartbeat)
		}
	}
}

// Register implements dispatch.Subscriptions: a privileged RegisterTopic
// mutates the node-wide subscription set.
func (n *Node) Register(t crypto.Topic) {
	n.subsMu.Lock()
	n.subscriptions[t] = struct{}{}
	n.subsMu.Unlock()
	n.refreshGossipTopics()
}

// Deregister implements dispatch.Subscriptions.
func (n *Node) Deregister(t crypto.Topic) {
	n.subsMu.Lock()
	delete(n.subscriptions, t)
	n.subsMu.Unlock()
	n.refreshGossipTopics()
}

// Query implements dispatch.Subscriptions by delegating to the Store.
func (n *Node) Query(ctx context.Context, t crypto.Topic, since uint64) ([]store.StoredMessage, error) {
	return n.store.QueryMessages(ctx, [32]byte(t), since)
}

func (n *Node) refreshGossipTopics() {
	n.subsMu.RLock()
	topics := make([][32]byte, 0, len(n.subscriptions))
	for t := range n.subscriptions {
		topics = append(topics, [32]byte(t))
	}
	n.subsMu.RUnlock()
	n.gossipMgr.UpdateSelf(topics)
	n.pool.SetOwnTopics(topicsFrom(topics))
}

// TrackPassport records the pre-shared password needed to open passportID's
// shared-key envelope for this node's own signing key. A node tracks its
// own passport (own true) so a self-issued SetSharedKey rotation re-derives
// its own topics, and may also track a contact's passport once it has been
// given that contact's password out of band, so a rotation of theirs
// re-derives the shared topic between the two.
func (n *Node) TrackPassport(passportID, password []byte, own bool) {
	key := hex.EncodeToString(passportID)
	n.passportMu.Lock()
	defer n.passportMu.Unlock()
	n.passportPasswords[key] = password
	if own {
		n.ownPassportID = key
	}
}

// handlePassportAccepted is the dispatcher's OnPassportAccepted hook. It
// tries to open the accepted chain's shared-key envelope entry addressed to
// this node's own signing key and, if it can, feeds the recovered shared
// key into the topic Registry: Rotate for this node's own passport, AddPeer
// for a tracked contact's. The resulting topic-set diff drives the same
// Register/Deregister path a privileged RegisterTopic request would, so a
// rotation's new topic actually gets subscribed to. A passport whose
// password was never tracked has nothing to decrypt and is ignored; most
// passports a node observes belong to strangers it has no reason to track.
func (n *Node) handlePassportAccepted(passportID []byte, state *passport.State) {
	key := hex.EncodeToString(passportID)
	n.passportMu.RLock()
	password, tracked := n.passportPasswords[key]
	isOwn := key == n.ownPassportID
	n.passportMu.RUnlock()
	if !tracked {
		return
	}

	signingPub, ok := n.identity.Signing.Public().(ed25519.PublicKey)
	if !ok {
		return
	}
	envelope, ok := state.Envelope[crypto.Fingerprint(signingPub)]
	if !ok {
		return
	}
	sharedPub, err := crypto.DecryptNpsk0(password, n.identity.Shared.Private, &envelope)
	if err != nil {
		n.log.WithError(err).Debug("failed to open shared-key envelope for a tracked passport")
		return
	}

	before := topicSet(n.registry.Topics())
	if isOwn {
		n.registry.Rotate(sharedPub)
	} else {
		n.registry.AddPeer(key, sharedPub)
	}
	after := topicSet(n.registry.Topics())

	for t := range before {
		if _, still := after[t]; !still {
			n.Deregister(t)
		}
	}
	for t := range after {
		if _, had := before[t]; !had {
			n.Register(t)
		}
	}
}

func topicSet(topics []crypto.Topic) map[crypto.Topic]struct{} {
	set := make(map[crypto.Topic]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	return set
}

func topicsFrom(raw [][32]byte) []crypto.Topic {
	out := make([]crypto.Topic, len(raw))
	for i, t := range raw {
		out[i] = crypto.Topic(t)
	}
	return out
}

// RegisterTopic implements admin.Node.
func (n *Node) RegisterTopic(_ context.Context, t crypto.Topic) error {
	n.Register(t)
	return nil
}

// DeregisterTopic implements admin.Node.
func (n *Node) DeregisterTopic(_ context.Context, t crypto.Topic) error {
	n.Deregister(t)
	return nil
}

// QueryTopicMessages implements admin.Node.
func (n *Node) QueryTopicMessages(ctx context.Context, t crypto.Topic, since uint64) ([]admin.QueriedMessage, error) {
	stored, err := n.store.QueryMessages(ctx, [32]byte(t), since)
	if err != nil {
		return nil, err
	}
	out := make([]admin.QueriedMessage, len(stored))
	for i, m := range stored {
		out[i] = admin.QueriedMessage{CreationTime: m.CreationTime, Ciphertext: m.Ciphertext}
	}
	return out, nil
}
