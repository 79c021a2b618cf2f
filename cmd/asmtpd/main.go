// Package main implements the asmtpd CLI, the daemon entrypoint for the
// anonymous message-relay protocol described across this module.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/primetype/asmtp/pkg/admin"
	"github.com/primetype/asmtp/pkg/config"
	"github.com/primetype/asmtp/pkg/crypto"
	"github.com/primetype/asmtp/pkg/node"
	"github.com/primetype/asmtp/pkg/store"
	"github.com/primetype/asmtp/pkg/transport/quic"
	"github.com/primetype/asmtp/pkg/transport/tcp"
)

// Build-time variables set by ldflags.
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

const defaultAdminAddr = "127.0.0.1:27778"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "start":
		if err := startCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "keygen":
		if err := keygenCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := statusCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "subscribe":
		if err := subscribeCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "unsubscribe":
		if err := unsubscribeCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("asmtpd %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`asmtpd v%s - ASMTP relay daemon

Usage:
  asmtpd <command> [options]

Commands:
  start         Start the relay daemon (listen_addr[, --config path])
  keygen        Generate and persist a new node identity
  status        Query the running daemon's admin API
  subscribe     Register a topic subscription (hex-encoded 32-byte topic)
  unsubscribe   Remove a topic subscription
  version       Show version information
  help          Show this help message

Examples:
  asmtpd keygen
  asmtpd start 0.0.0.0:7843
  asmtpd start 0.0.0.0:7843 --config /etc/asmtpd/config.yaml
  asmtpd subscribe <hex-topic>

`, version)
}

// startCommand loads (or generates) this node's identity, reads its
// configuration, binds the chosen transport, and runs until interrupted.
func startCommand() error {
	cfg, err := loadStartConfig()
	if err != nil {
		return err
	}

	id, err := loadOrCreateIdentity()
	if err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	logger := logrus.StandardLogger()

	identityFingerprint := crypto.Fingerprint(ed25519.PublicKey(id.Static.Public[:]))

	var n *node.Node
	switch cfg.Transport {
	case "quic":
		n, err = node.New(cfg, id, quic.New(identityFingerprint), store.NewMemoryStore(), logger)
	default:
		n, err = node.New(cfg, id, tcp.New(identityFingerprint), store.NewMemoryStore(), logger)
	}
	if err != nil {
		return fmt.Errorf("failed to construct node: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	fmt.Printf("asmtpd listening on %s (%s)\n", cfg.ListenAddr, cfg.Transport)
	if cfg.AdminListenAddr != "" {
		fmt.Printf("admin API listening on %s\n", cfg.AdminListenAddr)
	}

	<-ctx.Done()
	fmt.Println("shutting down...")
	n.Stop()
	return nil
}

// loadStartConfig builds a Config from the remaining CLI arguments:
//
//	asmtpd start <listen_addr> [--config path] [--transport tcp|quic] [--admin addr]
func loadStartConfig() (*config.Config, error) {
	if len(os.Args) < 3 {
		return nil, fmt.Errorf("usage: asmtpd start <listen_addr> [--config path] [--transport tcp|quic] [--admin addr]")
	}

	var cfgPath string
	var transportOverride string
	var adminOverride string
	listenAddr := os.Args[2]

	args := os.Args[3:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a path")
			}
			i++
			cfgPath = args[i]
		case "--transport":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--transport requires tcp or quic")
			}
			i++
			transportOverride = args[i]
		case "--admin":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--admin requires an address")
			}
			i++
			adminOverride = args[i]
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}

	var cfg *config.Config
	if cfgPath != "" {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg, err = config.Parse(data)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
		cfg.AdminListenAddr = defaultAdminAddr
	}

	cfg.ListenAddr = listenAddr
	if transportOverride != "" {
		cfg.Transport = transportOverride
	}
	if adminOverride != "" {
		cfg.AdminListenAddr = adminOverride
	}
	return cfg, nil
}

func keygenCommand() error {
	path := identityPath()
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Warning: identity already exists at %s\n", path)
		fmt.Print("Overwrite? (y/N): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Identity generation cancelled")
			return nil
		}
	}

	id, err := generateIdentity()
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := saveIdentity(path, id); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	fmt.Printf("New identity generated and saved to %s\n", path)
	return nil
}

func adminRequest(req admin.Request) (admin.Response, error) {
	conn, err := net.Dial("tcp", defaultAdminAddr)
	if err != nil {
		return admin.Response{}, fmt.Errorf("failed to connect to admin API (is asmtpd running?): %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return admin.Response{}, fmt.Errorf("failed to send request: %w", err)
	}
	var resp admin.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return admin.Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, nil
}

func statusCommand() error {
	params, _ := json.Marshal(map[string]interface{}{"topic": strings.Repeat("0", 64), "since": 0})
	_, err := adminRequest(admin.Request{Method: "QueryTopicMessages", ID: "status", Params: params})
	if err != nil {
		fmt.Println("asmtpd is not running")
		return nil
	}
	fmt.Println("asmtpd is running, admin API reachable")
	return nil
}

func subscribeCommand() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: asmtpd subscribe <hex-topic>")
	}
	params, err := json.Marshal(map[string]string{"topic": os.Args[2]})
	if err != nil {
		return err
	}
	resp, err := adminRequest(admin.Request{Method: "RegisterTopic", ID: "subscribe", Params: params})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println("subscribed")
	return nil
}

func unsubscribeCommand() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: asmtpd unsubscribe <hex-topic>")
	}
	params, err := json.Marshal(map[string]string{"topic": os.Args[2]})
	if err != nil {
		return err
	}
	resp, err := adminRequest(admin.Request{Method: "DeregisterTopic", ID: "unsubscribe", Params: params})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Println("unsubscribed")
	return nil
}
