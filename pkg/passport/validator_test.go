package passport

import (
	"context"
	"testing"

	"github.com/primetype/asmtp/pkg/store"
)

func TestValidatorPutThenGetRoundTrip(t *testing.T) {
	pub, priv := genSigner(t)
	genesis := buildGenesis(t, pub, priv, 1000)

	v, err := NewValidator(store.NewMemoryStore(), 0)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	ctx := context.Background()
	if _, err := v.PutPassport(ctx, []*Block{genesis}); err != nil {
		t.Fatalf("PutPassport: %v", err)
	}

	id, err := genesis.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	blocks, err := v.GetPassport(ctx, id)
	if err != nil {
		t.Fatalf("GetPassport: %v", err)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 stored block, got %d", len(blocks))
	}
}

func TestValidatorRejectsInvalidChain(t *testing.T) {
	pub, priv := genSigner(t)
	block := NewBlock(nil, 1000, nil, pub) // no RegisterKey: invalid genesis
	if err := block.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	v, err := NewValidator(store.NewMemoryStore(), 0)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if _, err := v.PutPassport(context.Background(), []*Block{block}); err == nil {
		t.Fatalf("expected an invalid genesis block to be rejected")
	}
}

func TestValidatorAcceptsExtension(t *testing.T) {
	pub, priv := genSigner(t)
	genesis := buildGenesis(t, pub, priv, 1000)
	prevHash, _ := genesis.Hash()

	second, _ := genSigner(t)
	block2 := NewBlock(prevHash, 2000, []Event{RegisterKeyEvent(second)}, pub)
	if err := block2.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	v, err := NewValidator(store.NewMemoryStore(), 0)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	ctx := context.Background()

	if _, err := v.PutPassport(ctx, []*Block{genesis}); err != nil {
		t.Fatalf("PutPassport (genesis): %v", err)
	}
	if _, err := v.PutPassport(ctx, []*Block{genesis, block2}); err != nil {
		t.Fatalf("PutPassport (extension): %v", err)
	}

	id, _ := genesis.Hash()
	blocks, err := v.GetPassport(ctx, id)
	if err != nil {
		t.Fatalf("GetPassport: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("expected the stored chain to grow to 2 blocks, got %d", len(blocks))
	}
}

func TestValidatorKeepsLongerChainOnFork(t *testing.T) {
	pub, priv := genSigner(t)
	genesis := buildGenesis(t, pub, priv, 1000)
	prevHash, _ := genesis.Hash()

	keyA, _ := genSigner(t)
	forkA := NewBlock(prevHash, 2000, []Event{RegisterKeyEvent(keyA)}, pub)
	if err := forkA.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	keyB, _ := genSigner(t)
	forkB1 := NewBlock(prevHash, 2000, []Event{RegisterKeyEvent(keyB)}, pub)
	if err := forkB1.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	forkB1Hash, _ := forkB1.Hash()
	keyC, _ := genSigner(t)
	forkB2 := NewBlock(forkB1Hash, 3000, []Event{RegisterKeyEvent(keyC)}, pub)
	if err := forkB2.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	v, err := NewValidator(store.NewMemoryStore(), 0)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	ctx := context.Background()

	if _, err := v.PutPassport(ctx, []*Block{genesis, forkA}); err != nil {
		t.Fatalf("PutPassport (fork A): %v", err)
	}
	if _, err := v.PutPassport(ctx, []*Block{genesis, forkB1, forkB2}); err != nil {
		t.Fatalf("PutPassport (longer fork B): %v", err)
	}

	id, _ := genesis.Hash()
	blocks, err := v.GetPassport(ctx, id)
	if err != nil {
		t.Fatalf("GetPassport: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("expected the longer fork (3 blocks) to win, got %d", len(blocks))
	}
}

func TestValidatorGetPassportUnknownIDReturnsNothing(t *testing.T) {
	v, err := NewValidator(store.NewMemoryStore(), 0)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	blocks, err := v.GetPassport(context.Background(), []byte("unknown-passport-id"))
	if err != nil {
		t.Fatalf("GetPassport: %v", err)
	}
	if len(blocks) != 0 {
		t.Fatalf("expected no blocks for an unknown passport id, got %d", len(blocks))
	}
}
