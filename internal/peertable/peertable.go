// Package peertable provides the in-memory membership store for the swarm
// mesh. It is a passive data structure: all scheduling (sweeps, heartbeat
// broadcast) is owned by the mesh manager, not by the table itself.
package peertable

import (
	"fmt"
	"sync"
	"time"

	"github.com/swarmmesh/swarmd/internal/protocol"
)

// Entry is a single peer's membership record.
type Entry struct {
	Identity           protocol.NodeIdentity
	Status             protocol.PeerStatus
	LastHeartbeatAt    time.Time
	LastLatencyMs      int64
	ConsecutiveFailures int
	JoinedAt           time.Time
}

// Thresholds bounds the ages at which sweep demotes or evicts a peer.
// Invariant: Suspected <= Unreachable <= Evict.
type Thresholds struct {
	Suspected   time.Duration
	Unreachable time.Duration
	Evict       time.Duration
}

// SweepResult reports which peers moved to which state during a sweep.
type SweepResult struct {
	Suspected   []string
	Unreachable []string
	Evicted     []string
}

// CapacityExceededError is returned by Add when the table is full and the
// identity is not already present.
type CapacityExceededError struct {
	MaxPeers int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("peer table capacity exceeded (max_peers=%d)", e.MaxPeers)
}

// Table is the membership store, keyed by node id. Safe for concurrent use.
type Table struct {
	mu       sync.RWMutex
	maxPeers int
	peers    map[string]*Entry
}

// New creates a table bounded to maxPeers entries. maxPeers <= 0 defaults to 50.
func New(maxPeers int) *Table {
	if maxPeers <= 0 {
		maxPeers = 50
	}
	return &Table{
		maxPeers: maxPeers,
		peers:    make(map[string]*Entry),
	}
}

// Add upserts identity. If the node is already present, its identity fields
// are refreshed, status resets to active, the heartbeat clock is stamped to
// now, and failures are cleared — the table never grows on re-add. If the
// node is new and the table is full, Add fails with CapacityExceededError.
func (t *Table) Add(identity protocol.NodeIdentity) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if existing, ok := t.peers[identity.NodeID]; ok {
		existing.Identity = identity
		existing.Status = protocol.StatusActive
		existing.LastHeartbeatAt = now
		existing.ConsecutiveFailures = 0
		cp := *existing
		return &cp, nil
	}

	if len(t.peers) >= t.maxPeers {
		return nil, &CapacityExceededError{MaxPeers: t.maxPeers}
	}

	e := &Entry{
		Identity:        identity,
		Status:          protocol.StatusActive,
		LastHeartbeatAt: now,
		JoinedAt:        now,
	}
	t.peers[identity.NodeID] = e
	cp := *e
	return &cp, nil
}

// Remove deletes a peer outright (used by sweep eviction and admin calls).
func (t *Table) Remove(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeID)
}

// Get returns a copy of the entry for nodeID, if present.
func (t *Table) Get(nodeID string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.peers[nodeID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// GetAll returns a snapshot of every known peer.
func (t *Table) GetAll() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, 0, len(t.peers))
	for _, e := range t.peers {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// GetActive returns every peer whose status is active.
func (t *Table) GetActive() []*Entry {
	return t.GetByStatus(protocol.StatusActive)
}

// GetByStatus filters the table by status.
func (t *Table) GetByStatus(status protocol.PeerStatus) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, 0)
	for _, e := range t.peers {
		if e.Status == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// GetByCapability returns active peers whose capability set contains cap.
func (t *Table) GetByCapability(cap string) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, 0)
	for _, e := range t.peers {
		if e.Status == protocol.StatusActive && e.Identity.HasCapability(cap) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// RecordHeartbeat marks nodeID active at latencyMs. Returns false if nodeID
// is unknown.
func (t *Table) RecordHeartbeat(nodeID string, latencyMs int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	e.Status = protocol.StatusActive
	e.LastHeartbeatAt = time.Now()
	e.LastLatencyMs = latencyMs
	e.ConsecutiveFailures = 0
	return true
}

// RecordFailure increments the client-observed failure count for nodeID
// (e.g. an outbound heartbeat send failed) and returns the new count, or -1
// if nodeID is unknown. Sweep — not this call — decides status transitions.
func (t *Table) RecordFailure(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[nodeID]
	if !ok {
		return -1
	}
	e.ConsecutiveFailures++
	return e.ConsecutiveFailures
}

// MarkLeft sets nodeID's status to left. Terminal until the peer re-joins
// via Add, which replaces the entry.
func (t *Table) MarkLeft(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	e.Status = protocol.StatusLeft
	return true
}

// Sweep walks every non-left entry and applies the first matching
// transition, highest threshold first: evict, then unreachable, then
// suspected. Status never regresses absent a fresh heartbeat.
func (t *Table) Sweep(th Thresholds) SweepResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res SweepResult
	now := time.Now()
	for id, e := range t.peers {
		if e.Status == protocol.StatusLeft {
			continue
		}
		age := now.Sub(e.LastHeartbeatAt)
		switch {
		case age >= th.Evict:
			delete(t.peers, id)
			res.Evicted = append(res.Evicted, id)
		case age >= th.Unreachable && e.Status != protocol.StatusUnreachable:
			e.Status = protocol.StatusUnreachable
			res.Unreachable = append(res.Unreachable, id)
		case age >= th.Suspected && e.Status == protocol.StatusActive:
			e.Status = protocol.StatusSuspected
			res.Suspected = append(res.Suspected, id)
		}
	}
	return res
}

// Len returns the current peer count, including non-active statuses.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
