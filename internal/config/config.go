// Package config holds the swarm mesh's runtime configuration, assembled in
// cmd/swarmd/main.go from flags with environment-variable fallbacks, the
// same layering the teacher daemon uses for its HA flags.
package config

import (
	"os"
	"strconv"
	"strings"
)

// SwarmConfig configures one node's participation in the mesh. All duration
// fields are milliseconds.
type SwarmConfig struct {
	Enabled      bool
	Token        string
	NodeName     string
	APIURL       string
	Seeds        []string
	MDNS         bool
	Gossip       bool
	MaxPeers     int
	Capabilities []string
	Version      string

	HeartbeatIntervalMs int64
	SweepIntervalMs     int64
	SuspectedAfterMs    int64
	UnreachableAfterMs  int64
	EvictAfterMs        int64
	DelegationTimeoutMs int64
	NonceWindowMs       int64

	// MaxRetries bounds how many alternative peers WorkDistributor.Distribute
	// tries beyond the first candidate (total attempts = MaxRetries+1). Not
	// part of the wire contract — a local tuning knob only.
	MaxRetries int
}

// Defaults returns the spec-mandated defaults. Callers overlay flags/env on
// top of this.
func Defaults() SwarmConfig {
	return SwarmConfig{
		Enabled:             true,
		MaxPeers:            50,
		HeartbeatIntervalMs: 5_000,
		SweepIntervalMs:     10_000,
		SuspectedAfterMs:    15_000,
		UnreachableAfterMs:  30_000,
		EvictAfterMs:        120_000,
		DelegationTimeoutMs: 300_000,
		NonceWindowMs:       300_000,
		MaxRetries:          2,
	}
}

// EnvOverride applies SWARM_* environment variables on top of cfg, for
// settings a flag did not explicitly set. Flags always win over env.
func EnvOverride(cfg SwarmConfig) SwarmConfig {
	if v := os.Getenv("SWARM_TOKEN"); v != "" && cfg.Token == "" {
		cfg.Token = v
	}
	if v := os.Getenv("SWARM_SEEDS"); v != "" && len(cfg.Seeds) == 0 {
		cfg.Seeds = splitNonEmpty(v, ",")
	}
	if v := os.Getenv("SWARM_NODE_NAME"); v != "" && cfg.NodeName == "" {
		cfg.NodeName = v
	}
	if v := os.Getenv("SWARM_API_URL"); v != "" && cfg.APIURL == "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("SWARM_MAX_PEERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && cfg.MaxPeers == Defaults().MaxPeers {
			cfg.MaxPeers = n
		}
	}
	return cfg
}

func splitNonEmpty(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
