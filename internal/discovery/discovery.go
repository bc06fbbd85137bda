// Package discovery seeds mesh membership from static endpoints and gossip
// digests, suppressing duplicate announcements within one start cycle.
package discovery

import (
	"log"
	"sync"

	"github.com/swarmmesh/swarmd/internal/protocol"
	"github.com/swarmmesh/swarmd/internal/transport"
)

// OnPeerDiscovered is invoked exactly once per newly-seen remote node id per
// start cycle.
type OnPeerDiscovered func(identity protocol.NodeIdentity)

// Config configures a Discovery instance.
type Config struct {
	MDNS           bool // stub; logged once, never implemented further
	Seeds          []string
	Gossip         bool
	LocalIdentity  protocol.NodeIdentity
	Transport      *transport.Transport
	OnDiscovered   OnPeerDiscovered
}

// Discovery populates membership from seeds and processes gossip digests.
type Discovery struct {
	cfg Config

	mu      sync.Mutex
	known   map[string]bool
	started bool
	mdnsLogged bool
}

// New constructs a Discovery from cfg.
func New(cfg Config) *Discovery {
	return &Discovery{
		cfg:   cfg,
		known: make(map[string]bool),
	}
}

// Start is idempotent. It records self as known and runs discoverFromSeeds
// once.
func (d *Discovery) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.known[d.cfg.LocalIdentity.NodeID] = true
	if d.cfg.MDNS && !d.mdnsLogged {
		d.mdnsLogged = true
		log.Printf("discovery: mdns requested but not implemented, ignoring")
	}
	d.mu.Unlock()

	d.DiscoverFromSeeds()
}

// Stop clears the known set and marks the discovery instance stopped.
func (d *Discovery) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.known = make(map[string]bool)
	d.started = false
}

// DiscoverFromSeeds fetches /identity from every configured seed URL.
// Seed-unreachable failures are swallowed — they are not fatal to startup.
func (d *Discovery) DiscoverFromSeeds() {
	if d.cfg.Transport == nil {
		return
	}
	for _, seed := range d.cfg.Seeds {
		identity, resp := d.cfg.Transport.FetchIdentity(seed)
		if !resp.Success {
			log.Printf("discovery: seed %s unreachable: %s", seed, resp.Err)
			continue
		}
		d.considerIdentity(identity)
	}
}

// ProcessGossip ingests a gossip digest's peer list. No-op if gossip is
// disabled. Unknown peers are resolved via their own /identity before the
// callback fires, so a gossip entry never gets announced on stale data.
func (d *Discovery) ProcessGossip(peers []protocol.GossipPeer) {
	if !d.cfg.Gossip || d.cfg.Transport == nil {
		return
	}
	for _, p := range peers {
		d.mu.Lock()
		self := p.NodeID == d.cfg.LocalIdentity.NodeID
		isKnown := d.known[p.NodeID]
		d.mu.Unlock()
		if self || isKnown {
			continue
		}
		identity, resp := d.cfg.Transport.FetchIdentity(p.APIURL)
		if !resp.Success {
			log.Printf("discovery: gossip peer %s unreachable: %s", p.NodeID, resp.Err)
			continue
		}
		d.considerIdentity(identity)
	}
}

func (d *Discovery) considerIdentity(identity protocol.NodeIdentity) {
	if identity.NodeID == "" || identity.NodeID == d.cfg.LocalIdentity.NodeID {
		return
	}
	d.mu.Lock()
	if d.known[identity.NodeID] {
		d.mu.Unlock()
		return
	}
	d.known[identity.NodeID] = true
	d.mu.Unlock()

	if d.cfg.OnDiscovered != nil {
		d.cfg.OnDiscovered(identity)
	}
}

// MarkKnown manually records nodeID as known without firing the callback —
// used by the mesh manager after handling an inbound /join.
func (d *Discovery) MarkKnown(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.known[nodeID] = true
}

// Forget removes nodeID from the known set so a subsequent seed/gossip sweep
// can re-discover it — used after eviction.
func (d *Discovery) Forget(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.known, nodeID)
}

// IsKnown reports whether nodeID has already been discovered this cycle.
func (d *Discovery) IsKnown(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.known[nodeID]
}
