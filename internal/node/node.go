// Package node composes the swarm mesh subsystems into the two operations
// the outer agent runtime calls: swarm-distribute and swarm-peers. Wiring
// those operations to actual agent-SDK tool handlers is out of scope here —
// this package is the facade such a handler would call into.
package node

import (
	"time"

	"github.com/google/uuid"

	"github.com/swarmmesh/swarmd/internal/config"
	"github.com/swarmmesh/swarmd/internal/discovery"
	"github.com/swarmmesh/swarmd/internal/distributor"
	"github.com/swarmmesh/swarmd/internal/events"
	"github.com/swarmmesh/swarmd/internal/mesh"
	"github.com/swarmmesh/swarmd/internal/peertable"
	"github.com/swarmmesh/swarmd/internal/protocol"
	"github.com/swarmmesh/swarmd/internal/transport"
)

// Node is the composition root for one mesh participant.
type Node struct {
	Identity   protocol.NodeIdentity
	Table      *peertable.Table
	Transport  *transport.Transport
	Discovery  *discovery.Discovery
	Mesh       *mesh.Manager
	Distributor *distributor.Distributor
	Events     *events.Hub

	cfg        config.SwarmConfig
	stopEvents chan struct{}
}

// New wires every subsystem together per cfg. localIdentity's NodeID is
// generated (uuid) if empty.
func New(cfg config.SwarmConfig, localIdentity protocol.NodeIdentity, onDiscovered discovery.OnPeerDiscovered) *Node {
	if localIdentity.NodeID == "" {
		localIdentity.NodeID = uuid.NewString()
	}
	if localIdentity.Capabilities == nil {
		localIdentity.Capabilities = cfg.Capabilities
	}
	if localIdentity.Version == "" {
		localIdentity.Version = cfg.Version
	}

	table := peertable.New(cfg.MaxPeers)
	tr := transport.New(transport.DefaultTimeout, cfg.Token)
	hub := events.NewHub()

	disc := discovery.New(discovery.Config{
		MDNS:          cfg.MDNS,
		Seeds:         cfg.Seeds,
		Gossip:        cfg.Gossip,
		LocalIdentity: localIdentity,
		Transport:     tr,
		OnDiscovered:  onDiscovered,
	})

	mgr := mesh.New(localIdentity, cfg, table, tr, disc, hub)

	dist := distributor.New(
		table,
		mgr,
		time.Duration(cfg.DelegationTimeoutMs)*time.Millisecond,
		cfg.MaxRetries,
	)
	mgr.SetTaskHandlers(nil, dist.ResolveTask)

	return &Node{
		Identity:    localIdentity,
		Table:       table,
		Transport:   tr,
		Discovery:   disc,
		Mesh:        mgr,
		Distributor: dist,
		Events:      hub,
		cfg:         cfg,
	}
}

// SetSessionFactory wires the agent session factory used to accept or
// reject inbound delegated tasks. Must be called before Start to accept
// delegations; otherwise inbound /task/request is declined.
func (n *Node) SetSessionFactory(onReq mesh.OnTaskRequest) {
	n.Mesh.SetTaskHandlers(onReq, n.Distributor.ResolveTask)
}

// Start brings the node online: starts the event hub, discovery, and the
// mesh manager's timers.
func (n *Node) Start() {
	stop := make(chan struct{})
	n.stopEvents = stop
	go n.Events.Run(stop)
	n.Mesh.Start()
}

// Stop shuts the node down: stops the mesh manager (Leave broadcast,
// timers, nonce ledger), cancels every outstanding delegation, and stops
// the event hub.
func (n *Node) Stop() {
	n.Mesh.Stop()
	n.Distributor.CancelAll()
	if n.stopEvents != nil {
		close(n.stopEvents)
	}
}

// SwarmDistribute is the tool-facing distribute operation (spec section 6).
func (n *Node) SwarmDistribute(taskText, sessionID string, toolAllowlist []string, maxTokens int, maxCostUSD float64, maxDurationMs int64, opts distributor.Options) (protocol.SwarmTaskResult, error) {
	var constraints *protocol.TaskConstraints
	if len(toolAllowlist) > 0 || maxTokens > 0 || maxCostUSD > 0 || maxDurationMs > 0 {
		constraints = &protocol.TaskConstraints{
			ToolAllowlist: toolAllowlist,
			MaxTokens:     maxTokens,
			MaxCostUSD:    maxCostUSD,
			MaxDurationMs: maxDurationMs,
		}
	}
	return n.Distributor.Distribute(taskText, sessionID, constraints, opts)
}

// PeerView is the safe projection swarm-peers returns.
type PeerView struct {
	NodeID        string
	DisplayName   string
	APIURL        string
	Capabilities  []string
	Status        protocol.PeerStatus
	LastLatencyMs int64
}

// SwarmPeers is the tool-facing peer-listing operation (spec section 6).
func (n *Node) SwarmPeers(statusFilter string, capabilityFilter string) (self protocol.NodeIdentity, peers []PeerView, total int) {
	self = n.Identity
	for _, e := range n.Table.GetAll() {
		if statusFilter != "" && string(e.Status) != statusFilter {
			continue
		}
		if capabilityFilter != "" && !e.Identity.HasCapability(capabilityFilter) {
			continue
		}
		peers = append(peers, PeerView{
			NodeID:        e.Identity.NodeID,
			DisplayName:   e.Identity.DisplayName,
			APIURL:        e.Identity.APIURL,
			Capabilities:  e.Identity.Capabilities,
			Status:        e.Status,
			LastLatencyMs: e.LastLatencyMs,
		})
	}
	total = len(peers)
	return
}
