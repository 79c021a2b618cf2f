// Package config defines the read-only Config snapshot the core is
// handed at startup: one immutable snapshot per process, changes require
// a restart. Parsing is deliberately thin; the full YAML configuration
// loader with validation, hot-reload, and multi-source merging is an
// external collaborator's job, but the snapshot shape and its yaml tags
// follow the same structure, parsed with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/primetype/asmtp/pkg/constants"
)

// Config is the immutable snapshot handed to the node at startup.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Transport  string `yaml:"transport"` // "tcp" or "quic"

	MaxOpenedConnections int           `yaml:"max_opened_connections"`
	MessageQueueSize     int           `yaml:"message_queue_size"`
	QueueSize            int           `yaml:"queue_size"`
	HistorySize          int           `yaml:"history_size"`
	Heartbeat            time.Duration `yaml:"heartbeat"`
	MinimumTimeElapsed   time.Duration `yaml:"minimum_time_elapsed"`

	KnownMessageCacheSize int `yaml:"known_message_cache_size"`
	PassportCacheSize     int `yaml:"passport_cache_size"`

	PutPassportBucketCapacity int           `yaml:"put_passport_bucket_capacity"`
	PutPassportRefill         time.Duration `yaml:"put_passport_refill"`

	// PrivilegedUsers is the configured user set: authenticated peer keys
	// (hex-encoded Noise static X25519 public keys) allowed to issue RegisterTopic,
	// DeregisterTopic, and QueryTopicMessages.
	PrivilegedUsers []string `yaml:"privileged_users"`

	AdminListenAddr string `yaml:"admin_listen_addr"`
}

// Default returns the node's default scheduling/sizing parameters with no
// privileged users and no listen addresses configured. Callers must set
// those explicitly.
func Default() *Config {
	return &Config{
		Transport:                 "tcp",
		MaxOpenedConnections:      constants.DefaultMaxOpenedConnections,
		MessageQueueSize:          constants.DefaultMessageQueueSize,
		QueueSize:                 constants.DefaultQueueSize,
		HistorySize:               constants.DefaultHistorySize,
		Heartbeat:                 constants.DefaultHeartbeat,
		MinimumTimeElapsed:        constants.DefaultMinimumTimeElapsed,
		KnownMessageCacheSize:     constants.DefaultKnownMessageCacheSize,
		PassportCacheSize:         constants.DefaultPassportCacheSize,
		PutPassportBucketCapacity: constants.DefaultPutPassportBucketCapacity,
		PutPassportRefill:         constants.DefaultPutPassportRefill,
	}
}

// Parse decodes a YAML document into a Config, starting from Default and
// overlaying whatever fields the document sets.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("configuration must set listen_addr")
	}
	if cfg.Transport != "tcp" && cfg.Transport != "quic" {
		return nil, fmt.Errorf("configuration transport must be \"tcp\" or \"quic\", got %q", cfg.Transport)
	}
	return cfg, nil
}
