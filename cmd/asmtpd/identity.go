package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/primetype/asmtp/pkg/crypto"
	"github.com/primetype/asmtp/pkg/node"
	"github.com/primetype/asmtp/pkg/transport"
)

// storedIdentity is the on-disk JSON form of a node's local key material:
// three key pairs and nothing else, since ASMTP identities are never
// named.
type storedIdentity struct {
	SigningPublicKey  ed25519.PublicKey `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	StaticPublicKey  [32]byte `json:"static_public_key"`
	StaticPrivateKey [32]byte `json:"static_private_key"`

	SharedPublicKey  [32]byte `json:"shared_public_key"`
	SharedPrivateKey [32]byte `json:"shared_private_key"`
}

func identityPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "asmtpd-identity.json"
	}
	return filepath.Join(homeDir, ".asmtpd", "identity.json")
}

func generateIdentity() (node.Identity, error) {
	_, signingPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return node.Identity{}, fmt.Errorf("failed to generate Ed25519 signing key: %w", err)
	}

	static, err := crypto.GenerateSharedKeyPair()
	if err != nil {
		return node.Identity{}, fmt.Errorf("failed to generate Noise static key: %w", err)
	}
	shared, err := crypto.GenerateSharedKeyPair()
	if err != nil {
		return node.Identity{}, fmt.Errorf("failed to generate passport shared key: %w", err)
	}

	return node.Identity{
		Signing: signingPriv,
		Static:  transport.StaticKeyPair{Private: static.Private, Public: static.Public},
		Shared:  crypto.SharedKeyPair{Private: shared.Private, Public: shared.Public},
	}, nil
}

func saveIdentity(path string, id node.Identity) error {
	signingPub, ok := id.Signing.Public().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("signing key did not yield an Ed25519 public key")
	}
	stored := storedIdentity{
		SigningPublicKey:  signingPub,
		SigningPrivateKey: id.Signing,
		StaticPublicKey:   id.Static.Public,
		StaticPrivateKey:  id.Static.Private,
		SharedPublicKey:   id.Shared.Public,
		SharedPrivateKey:  id.Shared.Private,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode identity: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func loadIdentity(path string) (node.Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return node.Identity{}, fmt.Errorf("failed to read identity file: %w", err)
	}
	var stored storedIdentity
	if err := json.Unmarshal(data, &stored); err != nil {
		return node.Identity{}, fmt.Errorf("failed to decode identity file: %w", err)
	}
	return node.Identity{
		Signing: stored.SigningPrivateKey,
		Static:  transport.StaticKeyPair{Private: stored.StaticPrivateKey, Public: stored.StaticPublicKey},
		Shared:  crypto.SharedKeyPair{Private: stored.SharedPrivateKey, Public: stored.SharedPublicKey},
	}, nil
}

func loadOrCreateIdentity() (node.Identity, error) {
	path := identityPath()
	if _, err := os.Stat(path); err == nil {
		return loadIdentity(path)
	}

	fmt.Println("No existing identity found, generating new identity...")
	id, err := generateIdentity()
	if err != nil {
		return node.Identity{}, err
	}
	if err := saveIdentity(path, id); err != nil {
		return node.Identity{}, err
	}
	fmt.Printf("New identity generated and saved to %s\n", path)
	return id, nil
}
