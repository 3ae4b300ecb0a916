// Package config loads and caches the cell substrate's process-wide
// configuration: a TOML file plus a minimal environment-variable override
// surface, exposed as a single process-wide *Config obtained via Get(),
// set once at startup via Load.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
)

type Transport struct {
	MaxPerCell     int           `toml:"max_per_cell"`
	MaxTotal       int           `toml:"max_total"`
	MaxFrameBytes  uint32        `toml:"max_frame_bytes"`
	IdleTeardown   time.Duration `toml:"idle_teardown"`
	DialTimeout    time.Duration `toml:"dial_timeout"`
	RetryBase      time.Duration `toml:"retry_base"`
	RetryCap       time.Duration `toml:"retry_cap"`
	RetryMaxTries  int           `toml:"retry_max_tries"`
	ShutdownGrace  time.Duration `toml:"shutdown_grace"`
}

type Discovery struct {
	Enabled      bool          `toml:"enabled"`
	Group        string        `toml:"group"`
	Port         int           `toml:"port"`
	Interval     time.Duration `toml:"interval"`
	Jitter       time.Duration `toml:"jitter"`
	TTLMultiple  int           `toml:"ttl_multiple"`
}

type Raft struct {
	ElectionTimeoutMin time.Duration `toml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `toml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `toml:"heartbeat_interval"`
	SnapshotThreshold  int           `toml:"snapshot_threshold"`
}

type Handshake struct {
	StrictVerification bool `toml:"strict_verification"`
}

type Config struct {
	Organism  string    `toml:"organism"`
	NodeID    uint64    `toml:"node_id"`
	SocketDir string    `toml:"socket_dir"`
	Transport Transport `toml:"transport"`
	Discovery Discovery `toml:"discovery"`
	Raft      Raft      `toml:"raft"`
	Handshake Handshake `toml:"handshake"`
}

func defaults() *Config {
	return &Config{
		Organism: "default",
		Transport: Transport{
			MaxPerCell:    4,
			MaxTotal:      256,
			MaxFrameBytes: 16 << 20,
			IdleTeardown:  4 * time.Second,
			DialTimeout:   2 * time.Second,
			RetryBase:     100 * time.Millisecond,
			RetryCap:      10 * time.Second,
			RetryMaxTries: 3,
			ShutdownGrace: 5 * time.Second,
		},
		Discovery: Discovery{
			Enabled:     true,
			Group:       "239.0.42.1",
			Port:        7890,
			Interval:    2 * time.Second,
			Jitter:      500 * time.Millisecond,
			TTLMultiple: 3,
		},
		Raft: Raft{
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
			SnapshotThreshold:  10000,
		},
		Handshake: Handshake{StrictVerification: true},
	}
}

var current atomic.Pointer[Config]

// Load reads path (if non-empty and present) over the defaults, then applies
// environment-variable overrides, and installs the result as the
// process-wide config returned by Get.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	applyEnv(cfg)
	current.Store(cfg)
	return cfg, nil
}

// Get returns the process-wide config, loading defaults+env if Load was
// never called.
func Get() *Config {
	if c := current.Load(); c != nil {
		return c
	}
	cfg := defaults()
	applyEnv(cfg)
	current.Store(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CELL_SOCKET_DIR"); v != "" {
		cfg.SocketDir = v
	} else if cfg.SocketDir == "" {
		cfg.SocketDir = defaultSocketDir()
	}
	if v := os.Getenv("CELL_NODE_ID"); v != "" {
		if id, err := parseUint64(v); err == nil {
			cfg.NodeID = id
		}
	}
	if v := os.Getenv("CELL_LAN"); v != "" {
		cfg.Discovery.Enabled = v != "0"
	}
	if v := os.Getenv("CELL_ORGANISM"); v != "" {
		cfg.Organism = v
	}
}

func defaultSocketDir() string {
	if d := os.Getenv("CELL_SOCKET_DIR"); d != "" {
		return d
	}
	if _, err := os.Stat("/tmp"); err == nil {
		return filepath.Join("/tmp", "cell")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "cell", "run")
	}
	return filepath.Join(home, ".cell", "run")
}

func parseUint64(s string) (uint64, error) {
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, os.ErrInvalid
		}
		v = v*10 + uint64(c-'0')
	}
	return v, nil
}
