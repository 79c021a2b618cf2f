// Package dispatch implements the wire message dispatcher: it reads one
// decoded frame, peels the tag, and routes the body to the gossip,
// passport, or topic-subscription handler that owns it, enforcing the
// privileged-tag gate against the node's configured user set along the
// way. Failures are classified into the node's error partition: protocol
// violations are fatal to the connection, validation failures and
// privileged tags from unprivileged peers are dropped with a counter
// increment, and resource-exhaustion failures (rate limiting, store errors)
// are dropped and logged without one.
package dispatch

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/primetype/asmtp/pkg/crypto"
	"github.com/primetype/asmtp/pkg/gossip"
	"github.com/primetype/asmtp/pkg/passport"
	"github.com/primetype/asmtp/pkg/ratelimit"
	"github.com/primetype/asmtp/pkg/store"
	"github.com/primetype/asmtp/pkg/wire"
)

// Responder lets a dispatched handler reply to the peer that sent the
// frame currently being processed (GetPassport's response, in practice).
type Responder interface {
	Send(msg wire.Message) bool
}

// Subscriptions is the node's local topic subscription set, mutated only
// by privileged RegisterTopic/DeregisterTopic requests.
type Subscriptions interface {
	Register(topic crypto.Topic)
	Deregister(topic crypto.Topic)
	Query(ctx context.Context, topic crypto.Topic, since uint64) ([]store.StoredMessage, error)
}

// Dispatcher is the process-wide tag-switch over the eight wire message
// kinds. One Dispatcher is shared (read-mostly) across every peer session task; its
// mutable state (the passport validator, the subscription set) already
// serializes its own writes.
type Dispatcher struct {
	gossipMgr   *gossip.Manager
	validator   *passport.Validator
	store       store.Store
	limiter     *ratelimit.Limiter
	subs        Subscriptions
	privileged  map[string]struct{}
	log         *logrus.Entry
	dropCounter func(tag wire.Tag)
	onPassport  func(passportID []byte, state *passport.State)
}

// Config collects a Dispatcher's collaborators.
type Config struct {
	GossipManager   *gossip.Manager
	Validator       *passport.Validator
	Store           store.Store
	Limiter         *ratelimit.Limiter
	Subscriptions   Subscriptions
	PrivilegedUsers []string // hex-encoded Noise static (X25519) public keys, as crypto.Fingerprint renders them
	Logger          *logrus.Logger
	OnDrop          func(tag wire.Tag) // counter hook, incremented on every privileged-tag or validation-failure drop

	// OnPassportAccepted is called, if set, whenever PutPassport accepts a
	// chain that actually advances the stored state (never on a no-op
	// replay). state is the winning chain's projection: its active-key set
	// and current shared-key envelope, the inputs a topic index needs to
	// re-derive topics after a rotation.
	OnPassportAccepted func(passportID []byte, state *passport.State)
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	privileged := make(map[string]struct{}, len(cfg.PrivilegedUsers))
	for _, u := range cfg.PrivilegedUsers {
		privileged[u] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	onDrop := cfg.OnDrop
	if onDrop == nil {
		onDrop = func(wire.Tag) {}
	}
	onPassport := cfg.OnPassportAccepted
	if onPassport == nil {
		onPassport = func([]byte, *passport.State) {}
	}
	return &Dispatcher{
		gossipMgr:   cfg.GossipManager,
		validator:   cfg.Validator,
		store:       cfg.Store,
		limiter:     cfg.Limiter,
		subs:        cfg.Subscriptions,
		privileged:  privileged,
		log:         logger.WithField("component", "dispatch"),
		dropCounter: onDrop,
		onPassport:  onPassport,
	}
}

// Dispatch routes one decoded frame from a peer identified by peerKey
// (gossip.PeerKey, opaque here) whose authenticated static key is
// peerStatic. responder is used only by handlers that reply in-band
// (GetPassport).
func (d *Dispatcher) Dispatch(ctx context.Context, peerKey gossip.PeerKey, peerStatic [32]byte, msg wire.Message, responder Responder) error {
	switch msg.Tag {
	case wire.TagGossip:
		return d.handleGossip(msg)
	case wire.TagTopic:
		return d.handleTopic(ctx, peerKey, msg)
	case wire.TagGetPassport:
		return d.handleGetPassport(ctx, msg, responder)
	case wire.TagPutPassport:
		return d.handlePutPassport(ctx, peerStatic, msg)
	case wire.TagRegisterTopic:
		return d.handlePrivileged(msg, peerStatic, func(body wire.TopicOnlyBody) error {
			d.subs.Register(crypto.Topic(body.Topic))
			return nil
		}, wire.DecodeTopicOnlyBody)
	case wire.TagDeregisterTopic:
		return d.handlePrivileged(msg, peerStatic, func(body wire.TopicOnlyBody) error {
			d.subs.Deregister(crypto.Topic(body.Topic))
			return nil
		}, wire.DecodeTopicOnlyBody)
	case wire.TagQueryTopicMessages:
		return d.handleQueryTopicMessages(ctx, peerStatic, msg, responder)
	default:
		return fmt.Errorf("protocol violation: unknown tag %d", msg.Tag)
	}
}

func (d *Dispatcher) isPrivileged(peerStatic [32]byte) bool {
	_, ok := d.privileged[crypto.Fingerprint(peerStatic[:])]
	return ok
}

// handlePrivileged drops a privileged-tag message silently, without
// closing the connection, when the sender isn't in the privileged set.
func (d *Dispatcher) handlePrivileged(msg wire.Message, peerStatic [32]byte, apply func(wire.TopicOnlyBody) error, decode func([]byte) (wire.TopicOnlyBody, error)) error {
	if !d.isPrivileged(peerStatic) {
		d.dropCounter(msg.Tag)
		d.log.WithField("tag", msg.Tag).Debug("dropped privileged tag from unprivileged peer")
		return nil
	}
	body, err := decode(msg.Body)
	if err != nil {
		return fmt.Errorf("protocol violation: %w", err)
	}
	return apply(body)
}

func (d *Dispatcher) handleGossip(msg wire.Message) error {
	body, err := wire.DecodeGossipBody(msg.Body)
	if err != nil {
		return fmt.Errorf("protocol violation: %w", err)
	}
	d.gossipMgr.HandleGossip(body)
	return nil
}

func (d *Dispatcher) handleTopic(ctx context.Context, peerKey gossip.PeerKey, msg wire.Message) error {
	body, err := wire.DecodeTopicBody(msg.Body)
	if err != nil {
		return fmt.Errorf("protocol violation: %w", err)
	}
	if _, err := d.gossipMgr.HandleTopic(peerKey, body); err != nil {
		return fmt.Errorf("protocol violation: %w", err)
	}
	if err := d.store.StoreMessage(ctx, store.StoredMessage{
		Topic:        body.Topic,
		CreationTime: body.CreationTime,
		Ciphertext:   body.Ciphertext,
	}); err != nil {
		d.log.WithError(err).Warn("resource exhaustion: failed to store topic message")
	}
	return nil
}

func (d *Dispatcher) handleGetPassport(ctx context.Context, msg wire.Message, responder Responder) error {
	body, err := wire.DecodeGetPassportBody(msg.Body)
	if err != nil {
		return fmt.Errorf("protocol violation: %w", err)
	}
	blocks, err := d.validator.GetPassport(ctx, body.PassportID[:])
	if err != nil {
		d.log.WithError(err).Warn("resource exhaustion: passport lookup failed")
		return nil
	}
	reply, err := (wire.PutPassportBody{PassportID: body.PassportID, Blocks: blocks}).Encode()
	if err != nil {
		d.log.WithError(err).Warn("failed to encode PutPassport reply")
		return nil
	}
	responder.Send(wire.Message{Tag: wire.TagPutPassport, Body: reply})
	return nil
}

func (d *Dispatcher) handlePutPassport(ctx context.Context, peerStatic [32]byte, msg wire.Message) error {
	if d.limiter != nil && !d.limiter.Allow(crypto.Fingerprint(peerStatic[:])) {
		d.log.Debug("resource exhaustion: PutPassport rate limited")
		return nil
	}
	body, err := wire.DecodePutPassportBody(msg.Body)
	if err != nil {
		return fmt.Errorf("protocol violation: %w", err)
	}
	blocks, err := decodeBlocks(body.Blocks)
	if err != nil {
		d.dropCounter(msg.Tag)
		d.log.WithError(err).Debug("validation failure: malformed PutPassport blocks")
		return nil
	}
	state, err := d.validator.PutPassport(ctx, blocks)
	if err != nil {
		d.dropCounter(msg.Tag)
		d.log.WithError(err).Debug("validation failure: PutPassport rejected")
		return nil
	}
	if state != nil {
		passportID, err := blocks[0].Hash()
		if err != nil {
			d.log.WithError(err).Warn("failed to hash accepted passport's genesis block")
			return nil
		}
		d.onPassport(passportID, state)
	}
	return nil
}

func decodeBlocks(raw [][]byte) ([]*passport.Block, error) {
	blocks := make([]*passport.Block, len(raw))
	for i, data := range raw {
		b := &passport.Block{}
		if err := b.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		blocks[i] = b
	}
	return blocks, nil
}

func (d *Dispatcher) handleQueryTopicMessages(ctx context.Context, peerStatic [32]byte, msg wire.Message, responder Responder) error {
	if !d.isPrivileged(peerStatic) {
		d.dropCounter(msg.Tag)
		return nil
	}
	body, err := wire.DecodeQueryTopicMessagesBody(msg.Body)
	if err != nil {
		return fmt.Errorf("protocol violation: %w", err)
	}
	messages, err := d.subs.Query(ctx, crypto.Topic(body.Topic), body.Since)
	if err != nil {
		d.log.WithError(err).Warn("resource exhaustion: query failed")
		return nil
	}
	for _, m := range messages {
		reply := wire.TopicBody{Topic: m.Topic, CreationTime: m.CreationTime, Ciphertext: m.Ciphertext}
		responder.Send(wire.Message{Tag: wire.TagTopic, Body: reply.Encode()})
	}
	return nil
}
