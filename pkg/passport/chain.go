package passport

import (
	"bytes"
	"fmt"

	"github.com/primetype/asmtp/pkg/crypto"
)

// State is the projection of a passport chain at a given height: the
// active key set, the current shared-key envelope, and the height itself.
type State struct {
	ActiveKeys map[string][]byte              // fingerprint -> raw Ed25519 public key
	Envelope   map[string]crypto.NpskEnvelope // recipient fingerprint -> envelope entry
	Height     int
}

func newEmptyState() *State {
	return &State{
		ActiveKeys: make(map[string][]byte),
		Envelope:   make(map[string]crypto.NpskEnvelope),
	}
}

func (s *State) clone() *State {
	out := &State{
		ActiveKeys: make(map[string][]byte, len(s.ActiveKeys)),
		Envelope:   make(map[string]crypto.NpskEnvelope, len(s.Envelope)),
		Height:     s.Height,
	}
	for k, v := range s.ActiveKeys {
		out.ActiveKeys[k] = v
	}
	for k, v := range s.Envelope {
		out.Envelope[k] = v
	}
	return out
}

// Chain is a fully validated passport: its identifier (the genesis block's
// hash) and its ordered blocks.
type Chain struct {
	ID     []byte
	Blocks []*Block
}

// Project replays the chain from genesis and returns its current state.
// Replaying from genesis is deterministic: the same blocks always
// produce the same active-key set.
func (c *Chain) Project() (*State, error) {
	state := newEmptyState()
	for i, block := range c.Blocks {
		next, err := applyBlock(state, block)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		state = next
	}
	return state, nil
}

// applyBlock applies one block's events to a pre-block state, enforcing
// three invariants:
//
//	(b) the signer key must be active in the state just before the block;
//	(c) no block may repudiate the last remaining active key;
//	(d) SetSharedKey replaces, not appends, the envelope.
func applyBlock(pre *State, block *Block) (*State, error) {
	signerFP := crypto.Fingerprint(block.Signer)
	isGenesis := pre.Height == 0 && len(pre.ActiveKeys) == 0
	if !isGenesis {
		if _, active := pre.ActiveKeys[signerFP]; !active {
			return nil, fmt.Errorf("signer %s is not active in the pre-block state", signerFP)
		}
	}

	next := pre.clone()
	for _, ev := range block.Events {
		switch ev.Kind {
		case EventRegisterKey:
			next.ActiveKeys[crypto.Fingerprint(ev.Key)] = []byte(ev.Key)
		case EventRepudiateKey:
			fp := crypto.Fingerprint(ev.Key)
			if _, active := next.ActiveKeys[fp]; active && len(next.ActiveKeys) == 1 {
				return nil, fmt.Errorf("block repudiates the last remaining active key")
			}
			delete(next.ActiveKeys, fp)
		case EventSetSharedKey:
			next.Envelope = make(map[string]crypto.NpskEnvelope, len(ev.Envelope))
			for k, v := range ev.Envelope {
				next.Envelope[k] = v
			}
		default:
			// Reserved for extensibility: unknown event kinds are ignored
			// rather than rejected, so future event types do not break
			// older validators mid-rollout.
		}
	}

	if isGenesis {
		if _, active := next.ActiveKeys[signerFP]; !active {
			return nil, fmt.Errorf("genesis block signer %s did not register itself", signerFP)
		}
	}

	if len(next.ActiveKeys) == 0 {
		return nil, fmt.Errorf("block leaves the active key set empty")
	}

	next.Height = pre.Height + 1
	return next, nil
}

// validateGenesis checks block 0 is well-formed: no previous hash, at
// least one RegisterKey event.
func validateGenesis(block *Block) error {
	if len(block.PrevHash) != 0 {
		return fmt.Errorf("genesis block must not carry a previous hash")
	}
	hasRegister := false
	for _, ev := range block.Events {
		if ev.Kind == EventRegisterKey {
			hasRegister = true
			break
		}
	}
	if !hasRegister {
		return fmt.Errorf("genesis block must contain at least one RegisterKey event")
	}
	return nil
}

// validateChain walks blocks in order, checking the chain's causality
// rules, and returns the resulting state.
func validateChain(blocks []*Block) (*State, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("empty chain")
	}
	if err := validateGenesis(blocks[0]); err != nil {
		return nil, fmt.Errorf("invalid genesis block: %w", err)
	}

	state := newEmptyState()
	var prevHash []byte
	var prevTimestamp uint64

	for i, block := range blocks {
		if err := block.VerifySignature(); err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}

		if i == 0 {
			if len(block.PrevHash) != 0 {
				return nil, fmt.Errorf("block 0: unexpected previous hash")
			}
		} else {
			if !bytes.Equal(block.PrevHash, prevHash) {
				return nil, fmt.Errorf("block %d: previous-hash mismatch", i)
			}
			if block.Timestamp < prevTimestamp {
				return nil, fmt.Errorf("block %d: timestamp decreased", i)
			}
		}

		next, err := applyBlock(state, block)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		state = next

		hash, err := block.Hash()
		if err != nil {
			return nil, fmt.Errorf("block %d: failed to hash: %w", i, err)
		}
		prevHash = hash
		prevTimestamp = block.Timestamp
	}

	return state, nil
}

// NewChain validates a full set of blocks from genesis and, if valid,
// returns the resulting Chain with its identifier set to the genesis
// block's hash.
func NewChain(blocks []*Block) (*Chain, error) {
	if _, err := validateChain(blocks); err != nil {
		return nil, err
	}
	id, err := blocks[0].Hash()
	if err != nil {
		return nil, fmt.Errorf("failed to compute passport id: %w", err)
	}
	return &Chain{ID: id, Blocks: blocks}, nil
}

// TipHash returns the hash of the chain's last block.
func (c *Chain) TipHash() ([]byte, error) {
	if len(c.Blocks) == 0 {
		return nil, fmt.Errorf("empty chain has no tip")
	}
	return c.Blocks[len(c.Blocks)-1].Hash()
}
