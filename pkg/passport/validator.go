package passport

import (
	"bytes"
	"context"
	"fmt"

	"github.com/primetype/asmtp/pkg/cache"
	"github.com/primetype/asmtp/pkg/store"
)

// Validator accepts incoming PutPassport bodies, enforces the
// genesis/causality/non-empty-active-set invariants, resolves forks, and
// answers GetPassport from the PassportCache when it holds the passport and
// from the durable Store otherwise. PutPassport does not use the cache to
// skip validation: it re-validates the stored chain from genesis on every
// call.
type Validator struct {
	backing store.Store
	cache   *cache.PassportCache
}

// NewValidator constructs a Validator backed by the given Store and an
// in-process PassportCache of the given size (0 for the default).
func NewValidator(backing store.Store, cacheSize int) (*Validator, error) {
	c, err := cache.NewPassportCache(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to construct passport cache: %w", err)
	}
	return &Validator{backing: backing, cache: c}, nil
}

func decodeBlocks(raw [][]byte) ([]*Block, error) {
	blocks := make([]*Block, len(raw))
	for i, data := range raw {
		b := &Block{}
		if err := b.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("block %d: failed to decode: %w", i, err)
		}
		blocks[i] = b
	}
	return blocks, nil
}

func encodeBlocks(blocks []*Block) ([][]byte, error) {
	raw := make([][]byte, len(blocks))
	for i, b := range blocks {
		data, err := b.Marshal()
		if err != nil {
			return nil, fmt.Errorf("block %d: failed to encode: %w", i, err)
		}
		raw[i] = data
	}
	return raw, nil
}

// GetPassport returns all stored blocks of a passport, or nil if unknown.
func (v *Validator) GetPassport(ctx context.Context, id []byte) ([][]byte, error) {
	if entry, ok := v.cache.Get(id); ok {
		return entry.Blocks, nil
	}
	blocks, err := v.backing.GetPassport(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("store lookup failed: %w", err)
	}
	return blocks, nil
}

// PutPassport validates an incoming set of blocks against any chain already
// stored under the same passport id (the genesis hash) and, on success,
// atomically replaces the stored chain. On any validation failure the
// stored chain is left untouched.
// PutPassport returns the winning chain's projected state on success, so a
// caller can feed the accepted active-key set and shared-key envelope
// onward (e.g. to re-derive topics after a rotation). It returns a nil
// state, with a nil error, when the candidate loses to the already-stored
// chain and nothing changed.
func (v *Validator) PutPassport(ctx context.Context, blocks []*Block) (*State, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("validation failure: empty PutPassport")
	}

	candidate, err := NewChain(blocks)
	if err != nil {
		return nil, fmt.Errorf("validation failure: %w", err)
	}

	existingRaw, err := v.backing.GetPassport(ctx, candidate.ID)
	if err != nil {
		return nil, fmt.Errorf("store lookup failed: %w", err)
	}

	winner := candidate
	if len(existingRaw) > 0 {
		existingBlocks, err := decodeBlocks(existingRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode stored chain: %w", err)
		}
		existing, err := NewChain(existingBlocks)
		if err != nil {
			return nil, fmt.Errorf("stored chain failed re-validation: %w", err)
		}

		winner, err = resolveFork(existing, candidate)
		if err != nil {
			return nil, fmt.Errorf("validation failure: %w", err)
		}
		if winner == existing {
			// The already-stored chain is at least as good; nothing to do,
			// and applying the same PutPassport twice is a no-op.
			return nil, nil
		}
	}

	raw, err := encodeBlocks(winner.Blocks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode winning chain: %w", err)
	}
	if err := v.backing.PutPassport(ctx, winner.ID, raw); err != nil {
		return nil, fmt.Errorf("store write failed: %w", err)
	}

	state, err := winner.Project()
	if err != nil {
		return nil, fmt.Errorf("failed to project accepted chain: %w", err)
	}
	v.cache.Put(winner.ID, &cache.PassportEntry{
		Blocks:     raw,
		ActiveKeys: state.ActiveKeys,
		Height:     state.Height,
	})

	return state, nil
}

// resolveFork decides between two valid chains sharing a genesis: if
// candidate is a valid extension of existing (i.e. existing's blocks are
// a strict prefix of candidate's), the new suffix is the accepted append.
// Otherwise the two chains are competing forks of the same genesis: the
// longer one wins, and on equal length the one with the lexicographically
// smaller tip hash wins.
func resolveFork(existing, candidate *Chain) (*Chain, error) {
	if isPrefix(existing.Blocks, candidate.Blocks) {
		return candidate, nil
	}
	if isPrefix(candidate.Blocks, existing.Blocks) {
		return existing, nil
	}

	// Genuine fork: both chains are valid on their own (already checked by
	// the caller) but diverge partway through. Owners are expected not to
	// fork; this is the deterministic tiebreak for when they do.
	if len(candidate.Blocks) != len(existing.Blocks) {
		if len(candidate.Blocks) > len(existing.Blocks) {
			return candidate, nil
		}
		return existing, nil
	}

	candidateTip, err := candidate.TipHash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash candidate tip: %w", err)
	}
	existingTip, err := existing.TipHash()
	if err != nil {
		return nil, fmt.Errorf("failed to hash existing tip: %w", err)
	}
	if bytes.Compare(candidateTip, existingTip) < 0 {
		return candidate, nil
	}
	return existing, nil
}

func isPrefix(prefix, full []*Block) bool {
	if len(prefix) >= len(full) {
		return false
	}
	for i, b := range prefix {
		h1, err := b.Hash()
		if err != nil {
			return false
		}
		h2, err := full[i].Hash()
		if err != nil {
			return false
		}
		if !bytes.Equal(h1, h2) {
			return false
		}
	}
	return true
}
