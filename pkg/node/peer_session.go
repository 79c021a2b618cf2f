package node

import (
	"sync"

	"github.com/primetype/asmtp/pkg/transport"
	"github.com/primetype/asmtp/pkg/wire"
)

// peerSession adapts one transport.Session into the gossip.PeerSender and
// dispatch.Responder shapes: a bounded outbound queue drained by its own
// writer goroutine, so a slow peer cannot block the reader loop that
// dispatches inbound frames. A slow peer's outbound queue fills rather
// than blocking the reader; once full, frames are dropped for that peer
// only.
type peerSession struct {
	session *transport.Session

	outbound chan wire.Message
	closeOnce sync.Once
	done      chan struct{}

	subMu sync.RWMutex
	subs  map[[32]byte]struct{}
}

func newPeerSession(session *transport.Session, queueSize int) *peerSession {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &peerSession{
		session:  session,
		outbound: make(chan wire.Message, queueSize),
		done:     make(chan struct{}),
		subs:     make(map[[32]byte]struct{}),
	}
}

// Send implements gossip.PeerSender and dispatch.Responder: it enqueues msg
// for the writer goroutine, reporting false (and dropping the frame) if the
// queue is full rather than blocking the caller.
func (p *peerSession) Send(msg wire.Message) bool {
	select {
	case p.outbound <- msg:
		return true
	default:
		return false
	}
}

// StaticPub implements gossip.PeerSender.
func (p *peerSession) StaticPub() [32]byte {
	return p.session.PeerStatic()
}

// Subscriptions implements gossip.PeerSender: the set of topics this peer
// has advertised interest in via RegisterTopic, used to scope Topic fan-out.
func (p *peerSession) Subscriptions() map[[32]byte]struct{} {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	out := make(map[[32]byte]struct{}, len(p.subs))
	for t := range p.subs {
		out[t] = struct{}{}
	}
	return out
}

func (p *peerSession) addSubscription(topic [32]byte) {
	p.subMu.Lock()
	p.subs[topic] = struct{}{}
	p.subMu.Unlock()
}

func (p *peerSession) removeSubscription(topic [32]byte) {
	p.subMu.Lock()
	delete(p.subs, topic)
	p.subMu.Unlock()
}

// writeLoop drains the outbound queue onto the wire until the session
// closes, sealing and rekeying exactly as the read loop does for inbound
// frames. The two directions rekey independently, on every message.
func (p *peerSession) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.outbound:
			if err := p.session.SendFrame(msg.Encode()); err != nil {
				p.close()
				return
			}
			p.session.RekeySend()
		}
	}
}

func (p *peerSession) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.session.Close()
	})
}
