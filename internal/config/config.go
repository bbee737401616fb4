// Package config loads the node's YAML configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxPeers              = 50
	DefaultMinPeers              = 3
	DefaultFanout                = 4
	DefaultLocalFanout           = 3
	DefaultHeartbeatIntervalMs   = 30_000
	DefaultSyncIntervalMs        = 60_000
	DefaultCleanupIntervalMs     = 60_000
	DefaultMaxMessageAgeMs       = 300_000
	DefaultMaxHops               = 5
	DefaultDedupWindowMs         = 600_000
	DefaultDedupCacheSize        = 8192
	DefaultMessageQueueSize      = 1000
	DefaultProcessingThreads     = 4
	DefaultReconnectDelayMs      = 5_000
	DefaultMaxReconnectAttempts  = 5
	DefaultQuarantineThresholdMs = 120_000
)

// Regions is the fixed enumeration of geographic zones a node may claim.
var Regions = []string{
	"us-east", "us-west", "eu-west", "eu-central", "ap-southeast", "ap-northeast",
}

func KnownRegion(r string) bool {
	for _, known := range Regions {
		if r == known {
			return true
		}
	}
	return false
}

type GossipConfig struct {
	Fanout              int `yaml:"fanout"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	SyncIntervalMs      int `yaml:"sync_interval_ms"`
	CleanupIntervalMs   int `yaml:"cleanup_interval_ms"`
	MaxMessageAgeMs     int `yaml:"max_message_age_ms"`
	MaxHops             int `yaml:"max_hops"`
	DedupWindowMs       int `yaml:"deduplication_window_ms"`
	DedupCacheSize      int `yaml:"dedup_cache_size"`
}

type Config struct {
	Region     string `yaml:"region"`
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	MaxPeers int          `yaml:"max_peers"`
	MinPeers int          `yaml:"min_peers"`
	Gossip   GossipConfig `yaml:"gossip"`

	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	MeshKey           string `yaml:"mesh_key,omitempty"` // hex, 32 bytes

	MessageQueueSize      int `yaml:"message_queue_size"`
	ProcessingThreads     int `yaml:"processing_threads"`
	ReconnectDelayMs      int `yaml:"reconnect_delay_ms"`
	MaxReconnectAttempts  int `yaml:"max_reconnect_attempts"`
	QuarantineThresholdMs int `yaml:"quarantine_threshold_ms"`

	STUNServers    []string `yaml:"stun_servers,omitempty"`
	BootstrapPeers []string `yaml:"bootstrap_peers,omitempty"`
	MetricsPath    string   `yaml:"metrics_path,omitempty"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Region == "" {
		return fmt.Errorf("region is required")
	}
	if !KnownRegion(cfg.Region) {
		return fmt.Errorf("unknown region: %s", cfg.Region)
	}
	if cfg.MaxPeers <= 0 {
		return fmt.Errorf("max_peers must be positive")
	}
	if cfg.MinPeers < 0 || cfg.MinPeers > cfg.MaxPeers {
		return fmt.Errorf("min_peers must be within [0, max_peers]")
	}
	if cfg.Gossip.Fanout <= 0 {
		return fmt.Errorf("gossip.fanout must be positive")
	}
	if cfg.Gossip.MaxHops <= 0 {
		return fmt.Errorf("gossip.max_hops must be positive")
	}
	if cfg.EncryptionEnabled {
		key, err := hex.DecodeString(cfg.MeshKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("mesh_key must be 32 hex-encoded bytes when encryption is enabled")
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.MinPeers == 0 {
		cfg.MinPeers = DefaultMinPeers
	}
	if cfg.Gossip.Fanout == 0 {
		cfg.Gossip.Fanout = DefaultFanout
	}
	if cfg.Gossip.HeartbeatIntervalMs == 0 {
		cfg.Gossip.HeartbeatIntervalMs = DefaultHeartbeatIntervalMs
	}
	if cfg.Gossip.SyncIntervalMs == 0 {
		cfg.Gossip.SyncIntervalMs = DefaultSyncIntervalMs
	}
	if cfg.Gossip.CleanupIntervalMs == 0 {
		cfg.Gossip.CleanupIntervalMs = DefaultCleanupIntervalMs
	}
	if cfg.Gossip.MaxMessageAgeMs == 0 {
		cfg.Gossip.MaxMessageAgeMs = DefaultMaxMessageAgeMs
	}
	if cfg.Gossip.MaxHops == 0 {
		cfg.Gossip.MaxHops = DefaultMaxHops
	}
	if cfg.Gossip.DedupWindowMs == 0 {
		cfg.Gossip.DedupWindowMs = DefaultDedupWindowMs
	}
	if cfg.Gossip.DedupCacheSize == 0 {
		cfg.Gossip.DedupCacheSize = DefaultDedupCacheSize
	}
	if cfg.MessageQueueSize == 0 {
		cfg.MessageQueueSize = DefaultMessageQueueSize
	}
	if cfg.ProcessingThreads == 0 {
		cfg.ProcessingThreads = DefaultProcessingThreads
	}
	if cfg.ReconnectDelayMs == 0 {
		cfg.ReconnectDelayMs = DefaultReconnectDelayMs
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.QuarantineThresholdMs == 0 {
		cfg.QuarantineThresholdMs = DefaultQuarantineThresholdMs
	}
	if cfg.DataDir == "" {
		home, _ := os.UserHomeDir()
		cfg.DataDir = filepath.Join(home, ".swarmmesh")
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = filepath.Join(cfg.DataDir, "metrics.json")
	}
}
