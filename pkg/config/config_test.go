package config

import "testing"

func TestDefaultHasNoListenAddr(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != "" {
		t.Fatalf("expected Default to leave ListenAddr unset, got %q", cfg.ListenAddr)
	}
	if cfg.Transport != "tcp" {
		t.Fatalf("expected Default transport tcp, got %q", cfg.Transport)
	}
}

func TestParseOverlaysDefaults(t *testing.T) {
	yamlDoc := []byte(`
listen_addr: "0.0.0.0:7843"
transport: quic
privileged_users:
  - "aabbcc"
`)
	cfg, err := Parse(yamlDoc)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:7843" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.Transport != "quic" {
		t.Fatalf("unexpected transport: %q", cfg.Transport)
	}
	if len(cfg.PrivilegedUsers) != 1 || cfg.PrivilegedUsers[0] != "aabbcc" {
		t.Fatalf("unexpected privileged users: %v", cfg.PrivilegedUsers)
	}
	// Fields not set in the document should keep their Default value.
	if cfg.MessageQueueSize == 0 {
		t.Fatalf("expected MessageQueueSize to retain its default, got 0")
	}
}

func TestParseRejectsMissingListenAddr(t *testing.T) {
	if _, err := Parse([]byte(`transport: tcp`)); err == nil {
		t.Fatalf("expected an error for missing listen_addr")
	}
}

func TestParseRejectsUnknownTransport(t *testing.T) {
	yamlDoc := []byte(`
listen_addr: "0.0.0.0:7843"
transport: carrier-pigeon
`)
	if _, err := Parse(yamlDoc); err == nil {
		t.Fatalf("expected an error for an unknown transport")
	}
}
