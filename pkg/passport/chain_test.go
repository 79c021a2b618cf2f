package passport

import (
	"crypto/ed25519"
	"testing"

	"github.com/primetype/asmtp/pkg/crypto"
)

// buildGenesis returns a signed, valid genesis block registering pub.
func buildGenesis(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, ts uint64) *Block {
	t.Helper()
	block := NewBlock(nil, ts, []Event{RegisterKeyEvent(pub)}, pub)
	if err := block.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return block
}

func TestNewChainAcceptsValidGenesis(t *testing.T) {
	pub, priv := genSigner(t)
	genesis := buildGenesis(t, pub, priv, 1000)

	chain, err := NewChain([]*Block{genesis})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	if len(chain.ID) == 0 {
		t.Fatalf("expected a non-empty passport id")
	}

	state, err := chain.Project()
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if len(state.ActiveKeys) != 1 {
		t.Fatalf("expected exactly 1 active key, got %d", len(state.ActiveKeys))
	}
}

func TestNewChainRejectsGenesisWithoutRegisterKey(t *testing.T) {
	pub, priv := genSigner(t)
	block := NewBlock(nil, 1000, nil, pub)
	if err := block.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := NewChain([]*Block{block}); err == nil {
		t.Fatalf("expected a genesis block with no RegisterKey event to be rejected")
	}
}

func TestNewChainRejectsGenesisNotSignedByARegisteredKey(t *testing.T) {
	pub, priv := genSigner(t)
	otherPub, _ := genSigner(t)
	block := NewBlock(nil, 1000, []Event{RegisterKeyEvent(otherPub)}, pub)
	if err := block.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := NewChain([]*Block{block}); err == nil {
		t.Fatalf("expected a genesis block whose signer never registers itself to be rejected")
	}
}

func TestNewChainRejectsGenesisWithPrevHash(t *testing.T) {
	pub, priv := genSigner(t)
	block := NewBlock([]byte{1, 2, 3}, 1000, []Event{RegisterKeyEvent(pub)}, pub)
	if err := block.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := NewChain([]*Block{block}); err == nil {
		t.Fatalf("expected a genesis block carrying a previous hash to be rejected")
	}
}

func TestChainAppendRequiresActiveSigner(t *testing.T) {
	pub, priv := genSigner(t)
	genesis := buildGenesis(t, pub, priv, 1000)

	intruderPub, intruderPriv := genSigner(t)
	prevHash, err := genesis.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	forged := NewBlock(prevHash, 2000, []Event{RegisterKeyEvent(intruderPub)}, intruderPub)
	if err := forged.Sign(intruderPriv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := NewChain([]*Block{genesis, forged}); err == nil {
		t.Fatalf("expected a block signed by a non-active key to be rejected")
	}
}

func TestChainRejectsRepudiatingLastActiveKey(t *testing.T) {
	pub, priv := genSigner(t)
	genesis := buildGenesis(t, pub, priv, 1000)
	prevHash, err := genesis.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	suicide := NewBlock(prevHash, 2000, []Event{RepudiateKeyEvent(pub)}, pub)
	if err := suicide.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := NewChain([]*Block{genesis, suicide}); err == nil {
		t.Fatalf("expected a block repudiating the last active key to be rejected")
	}
}

func TestChainRejectsDecreasingTimestamp(t *testing.T) {
	pub, priv := genSigner(t)
	genesis := buildGenesis(t, pub, priv, 2000)
	prevHash, err := genesis.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}

	second, _ := genSigner(t)
	laterBlock := NewBlock(prevHash, 1000, []Event{RegisterKeyEvent(second)}, pub)
	if err := laterBlock.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := NewChain([]*Block{genesis, laterBlock}); err == nil {
		t.Fatalf("expected a block with a decreasing timestamp to be rejected")
	}
}

func TestChainRejectsBrokenPrevHashLink(t *testing.T) {
	pub, priv := genSigner(t)
	genesis := buildGenesis(t, pub, priv, 1000)

	wrongPrev := []byte("not-the-genesis-hash-000000000000")
	second, _ := genSigner(t)
	block := NewBlock(wrongPrev, 2000, []Event{RegisterKeyEvent(second)}, pub)
	if err := block.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if _, err := NewChain([]*Block{genesis, block}); err == nil {
		t.Fatalf("expected a block with a mismatched previous hash to be rejected")
	}
}

func TestProjectIsDeterministicAcrossReplays(t *testing.T) {
	pub, priv := genSigner(t)
	genesis := buildGenesis(t, pub, priv, 1000)
	prevHash, _ := genesis.Hash()

	second, _ := genSigner(t)
	block2 := NewBlock(prevHash, 2000, []Event{RegisterKeyEvent(second)}, pub)
	if err := block2.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	chain, err := NewChain([]*Block{genesis, block2})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	s1, err := chain.Project()
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	s2, err := chain.Project()
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if len(s1.ActiveKeys) != len(s2.ActiveKeys) || s1.Height != s2.Height {
		t.Fatalf("expected identical replays of the same chain: %+v vs %+v", s1, s2)
	}
	if len(s1.ActiveKeys) != 2 {
		t.Fatalf("expected 2 active keys after registering a second key, got %d", len(s1.ActiveKeys))
	}
}

func TestSetSharedKeyReplacesEnvelope(t *testing.T) {
	pub, priv := genSigner(t)
	genesis := buildGenesis(t, pub, priv, 1000)
	prevHash, _ := genesis.Hash()

	shared1, err := crypto.GenerateSharedKeyPair()
	if err != nil {
		t.Fatalf("GenerateSharedKeyPair: %v", err)
	}
	env1 := map[string]crypto.NpskEnvelope{"recipient-a": {EphemeralPub: shared1.Public}}
	block2 := NewBlock(prevHash, 2000, []Event{SetSharedKeyEvent(env1)}, pub)
	if err := block2.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	prevHash2, _ := block2.Hash()

	env2 := map[string]crypto.NpskEnvelope{"recipient-b": {}}
	block3 := NewBlock(prevHash2, 3000, []Event{SetSharedKeyEvent(env2)}, pub)
	if err := block3.Sign(priv); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	chain, err := NewChain([]*Block{genesis, block2, block3})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	state, err := chain.Project()
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if _, stillThere := state.Envelope["recipient-a"]; stillThere {
		t.Fatalf("expected SetSharedKey to replace, not merge, the envelope")
	}
	if _, present := state.Envelope["recipient-b"]; !present {
		t.Fatalf("expected the latest SetSharedKey envelope to be present")
	}
}
