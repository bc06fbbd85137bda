// Package mesh is the lifecycle owner of a swarm node: it drives heartbeat
// and sweep timers, services inbound membership and task messages, enforces
// nonce replay protection, and mediates outbound task delegation.
package mesh

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmmesh/swarmd/internal/config"
	"github.com/swarmmesh/swarmd/internal/discovery"
	"github.com/swarmmesh/swarmd/internal/events"
	"github.com/swarmmesh/swarmd/internal/peertable"
	"github.com/swarmmesh/swarmd/internal/protocol"
	"github.com/swarmmesh/swarmd/internal/transport"
)

// OnTaskRequest is the injected session-factory contract: it must return
// synchronously-or-promptly with the accept/reject decision. The actual
// agent session runs independently and posts its result via HandleTaskResult.
type OnTaskRequest func(req protocol.SwarmTaskRequest) protocol.TaskRequestDecision

// OnTaskResult is invoked whenever a peer posts back a SwarmTaskResult,
// typically wired to the work distributor's resolver.
type OnTaskResult func(res protocol.SwarmTaskResult)

// Manager owns the peer table, discovery, timers, and nonce ledger for one
// local node.
type Manager struct {
	identity  protocol.NodeIdentity
	table     *peertable.Table
	transport *transport.Transport
	discovery *discovery.Discovery
	hub       *events.Hub
	cfg       config.SwarmConfig

	onTaskRequest OnTaskRequest
	onTaskResult  OnTaskResult

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	activeSessions int
	loadHint       float64

	nonceMu sync.Mutex
	nonces  map[string]time.Time
}

// New constructs a Manager. identity is this node's own NodeIdentity.
func New(identity protocol.NodeIdentity, cfg config.SwarmConfig, table *peertable.Table, tr *transport.Transport, disc *discovery.Discovery, hub *events.Hub) *Manager {
	return &Manager{
		identity:  identity,
		table:     table,
		transport: tr,
		discovery: disc,
		hub:       hub,
		cfg:       cfg,
		nonces:    make(map[string]time.Time),
	}
}

// SetTaskHandlers wires the session factory and result sink. Must be called
// before Start if the node is to accept delegated tasks.
func (m *Manager) SetTaskHandlers(onReq OnTaskRequest, onRes OnTaskResult) {
	m.onTaskRequest = onReq
	m.onTaskResult = onRes
}

// SetActiveSessions updates the session-count/load hint carried on the next
// outbound heartbeat.
func (m *Manager) SetActiveSessions(count int, load float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeSessions = count
	m.loadHint = load
}

// Identity returns this node's own identity.
func (m *Manager) Identity() protocol.NodeIdentity { return m.identity }

// Table exposes the peer table for read-only callers (handlers, distributor).
func (m *Manager) Table() *peertable.Table { return m.table }

// Start is idempotent: it starts discovery and schedules the heartbeat and
// sweep timers.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stop := m.stopCh
	m.mu.Unlock()

	m.discovery.Start()

	go m.heartbeatLoop(stop)
	go m.sweepLoop(stop)

	log.Printf("mesh: started node %s (%s)", m.identity.NodeID, m.identity.APIURL)
}

// Stop is idempotent: cancels both timers, broadcasts Leave to every active
// peer (failures swallowed), stops discovery, and clears the nonce ledger.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	for _, peer := range m.table.GetActive() {
		resp := m.transport.SendLeave(peer.Identity.APIURL, protocol.LeaveMessage{NodeID: m.identity.NodeID})
		if !resp.Success {
			log.Printf("mesh: leave notice to %s failed: %s", peer.Identity.NodeID, resp.Err)
		}
	}

	m.discovery.Stop()

	m.nonceMu.Lock()
	m.nonces = make(map[string]time.Time)
	m.nonceMu.Unlock()

	log.Printf("mesh: stopped node %s", m.identity.NodeID)
}

func (m *Manager) heartbeatLoop(stop <-chan struct{}) {
	interval := time.Duration(m.cfg.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.broadcastHeartbeat()
		}
	}
}

func (m *Manager) broadcastHeartbeat() {
	m.mu.Lock()
	sessions, load := m.activeSessions, m.loadHint
	m.mu.Unlock()

	msg := protocol.HeartbeatMessage{
		NodeID:         m.identity.NodeID,
		Timestamp:      time.Now(),
		ActiveSessions: sessions,
		Load:           load,
	}
	for _, peer := range m.table.GetActive() {
		resp := m.transport.SendHeartbeat(peer.Identity.APIURL, msg)
		if !resp.Success {
			n := m.table.RecordFailure(peer.Identity.NodeID)
			log.Printf("mesh: heartbeat to %s failed (failures=%d): %s", peer.Identity.NodeID, n, resp.Err)
		}
	}
}

func (m *Manager) sweepLoop(stop <-chan struct{}) {
	interval := time.Duration(m.cfg.SweepIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.runSweep()
		}
	}
}

func (m *Manager) runSweep() {
	th := peertable.Thresholds{
		Suspected:   time.Duration(m.cfg.SuspectedAfterMs) * time.Millisecond,
		Unreachable: time.Duration(m.cfg.UnreachableAfterMs) * time.Millisecond,
		Evict:       time.Duration(m.cfg.EvictAfterMs) * time.Millisecond,
	}
	res := m.table.Sweep(th)
	for _, id := range res.Suspected {
		m.hub.Emit("peer_suspected", map[string]string{"node_id": id})
	}
	for _, id := range res.Unreachable {
		m.hub.Emit("peer_unreachable", map[string]string{"node_id": id})
	}
	for _, id := range res.Evicted {
		m.discovery.Forget(id)
		m.hub.Emit("peer_evicted", map[string]string{"node_id": id})
	}
}

// HandleJoin inserts identity via the peer table and returns the entry.
func (m *Manager) HandleJoin(identity protocol.NodeIdentity) (*peertable.Entry, error) {
	e, err := m.table.Add(identity)
	if err != nil {
		return nil, err
	}
	m.discovery.MarkKnown(identity.NodeID)
	m.hub.Emit("peer_joined", map[string]string{"node_id": identity.NodeID})
	return e, nil
}

// HandleLeave marks nodeID left (terminal).
func (m *Manager) HandleLeave(nodeID string) bool {
	ok := m.table.MarkLeft(nodeID)
	if ok {
		m.hub.Emit("peer_left", map[string]string{"node_id": nodeID})
	}
	return ok
}

// HandleHeartbeat records an inbound heartbeat. observedLatencyMs is measured
// by the HTTP layer on its own side; msg.Timestamp is informational only.
func (m *Manager) HandleHeartbeat(msg protocol.HeartbeatMessage, observedLatencyMs int64) bool {
	return m.table.RecordHeartbeat(msg.NodeID, observedLatencyMs)
}

// HandleGossip feeds the inbound digest into discovery and returns this
// node's own digest (self + known active peers, excluding the sender).
func (m *Manager) HandleGossip(msg protocol.GossipMessage) protocol.GossipMessage {
	m.discovery.ProcessGossip(msg.Peers)

	digest := protocol.GossipMessage{
		SenderNodeID: m.identity.NodeID,
		Peers: []protocol.GossipPeer{{
			NodeID: m.identity.NodeID,
			APIURL: m.identity.APIURL,
			Status: protocol.StatusActive,
		}},
	}
	for _, peer := range m.table.GetActive() {
		if peer.Identity.NodeID == msg.SenderNodeID {
			continue
		}
		digest.Peers = append(digest.Peers, protocol.GossipPeer{
			NodeID: peer.Identity.NodeID,
			APIURL: peer.Identity.APIURL,
			Status: peer.Status,
		})
	}
	return digest
}

// HandleTaskRequest enforces nonce replay protection, then routes to the
// injected session factory.
func (m *Manager) HandleTaskRequest(req protocol.SwarmTaskRequest) protocol.TaskRequestDecision {
	m.expireNonces()

	m.nonceMu.Lock()
	if _, seen := m.nonces[req.Nonce]; seen {
		m.nonceMu.Unlock()
		return protocol.TaskRequestDecision{Accepted: false, Reason: "Replayed nonce"}
	}
	m.nonceMu.Unlock()

	if m.onTaskRequest == nil {
		return protocol.TaskRequestDecision{Accepted: false, Reason: "Node does not accept delegated tasks"}
	}

	m.nonceMu.Lock()
	m.nonces[req.Nonce] = time.Now()
	m.nonceMu.Unlock()

	decision := m.onTaskRequest(req)
	m.hub.Emit("task_request_handled", map[string]any{"task_id": req.TaskID, "accepted": decision.Accepted})
	return decision
}

// HandleTaskResult invokes the injected result sink, typically the work
// distributor's resolver. There is no ack semantics beyond the caller's
// HTTP 200.
func (m *Manager) HandleTaskResult(res protocol.SwarmTaskResult) {
	if m.onTaskResult != nil {
		m.onTaskResult(res)
	}
}

func (m *Manager) expireNonces() {
	window := time.Duration(m.cfg.NonceWindowMs) * time.Millisecond
	if window <= 0 {
		window = 5 * time.Minute
	}
	cutoff := time.Now().Add(-window)
	m.nonceMu.Lock()
	defer m.nonceMu.Unlock()
	for nonce, seenAt := range m.nonces {
		if seenAt.Before(cutoff) {
			delete(m.nonces, nonce)
		}
	}
}

// DelegateTask composes a SwarmTaskRequest and sends it to peerNodeID. It
// does not block awaiting the result — result correlation is the work
// distributor's job.
func (m *Manager) DelegateTask(peerNodeID, taskText, originatorSessionID string, constraints *protocol.TaskConstraints) (protocol.TaskRequestDecision, string, error) {
	peer, ok := m.table.Get(peerNodeID)
	if !ok || peer.Status != protocol.StatusActive {
		return protocol.TaskRequestDecision{Accepted: false, Reason: "peer not active"}, "", nil
	}

	taskID := uuid.NewString()
	req := protocol.SwarmTaskRequest{
		TaskID:              taskID,
		OriginatorNodeID:    m.identity.NodeID,
		OriginatorSessionID: originatorSessionID,
		TaskText:            taskText,
		Constraints:         constraints,
		CorrelationID:       uuid.NewString(),
		Nonce:               uuid.NewString(),
	}

	decision, resp := m.transport.SendTaskRequest(peer.Identity.APIURL, req)
	if !resp.Success {
		return protocol.TaskRequestDecision{Accepted: false, Reason: resp.Err}, taskID, fmt.Errorf("transport: %s", resp.Err)
	}
	if decision.Accepted {
		m.hub.Emit("task_delegated", map[string]any{"task_id": taskID, "peer_node_id": peerNodeID})
	}
	return decision, taskID, nil
}
