// Package protocol defines the wire messages exchanged between swarm
// mesh nodes. Field names match the JSON contract peers agree on; unknown
// inbound fields are ignored by encoding/json's default decode behaviour.
package protocol

import "time"

// PeerStatus is the lifecycle state of a peer entry in the PeerTable.
type PeerStatus string

const (
	StatusActive      PeerStatus = "active"
	StatusSuspected    PeerStatus = "suspected"
	StatusUnreachable PeerStatus = "unreachable"
	StatusLeft        PeerStatus = "left"
)

// NodeIdentity is immutable for the lifetime of a node process.
type NodeIdentity struct {
	NodeID       string   `json:"node_id"`
	DisplayName  string   `json:"display_name"`
	APIURL       string   `json:"api_url"`
	Capabilities []string `json:"capabilities"`
	Version      string   `json:"version"`
}

// HasCapability reports whether the identity advertises cap.
func (n NodeIdentity) HasCapability(cap string) bool {
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// HeartbeatMessage is sent periodically by a node to each active peer.
type HeartbeatMessage struct {
	NodeID        string    `json:"node_id"`
	Timestamp     time.Time `json:"timestamp"`
	ActiveSessions int      `json:"active_sessions"`
	Load          float64   `json:"load"`
}

// GossipPeer is the reduced peer shape carried inside a GossipMessage.
// Only active peers are ever placed here — left peers are never gossiped.
type GossipPeer struct {
	NodeID string     `json:"node_id"`
	APIURL string     `json:"api_url"`
	Status PeerStatus `json:"status"`
}

// GossipMessage is an opportunistic peer-list exchange.
type GossipMessage struct {
	SenderNodeID string       `json:"sender_node_id"`
	Peers        []GossipPeer `json:"peers"`
}

// TaskConstraints bounds a delegated task; all fields are optional.
type TaskConstraints struct {
	ToolAllowlist []string `json:"tool_allowlist,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	MaxCostUSD    float64  `json:"max_cost_usd,omitempty"`
	MaxDurationMs int64    `json:"max_duration_ms,omitempty"`
}

// SwarmTaskRequest asks a peer to execute a subtask in its own session.
type SwarmTaskRequest struct {
	TaskID               string           `json:"task_id"`
	OriginatorNodeID     string           `json:"originator_node_id"`
	OriginatorSessionID  string           `json:"originator_session_id"`
	TaskText             string           `json:"task_text"`
	Constraints          *TaskConstraints `json:"constraints,omitempty"`
	CorrelationID        string           `json:"correlation_id"`
	Nonce                string           `json:"nonce"`
}

// TaskRequestDecision is what a node returns in response to a SwarmTaskRequest.
type TaskRequestDecision struct {
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// TaskStatus is the terminal state of a delegated task.
type TaskStatus string

const (
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskAborted   TaskStatus = "aborted"
)

// SwarmTaskResult is posted back by the peer that executed a task.
type SwarmTaskResult struct {
	TaskID        string     `json:"task_id"`
	PeerNodeID    string     `json:"peer_node_id"`
	PeerSessionID string     `json:"peer_session_id"`
	Status        TaskStatus `json:"status"`
	Findings      any        `json:"findings"`
	TokensUsed    int        `json:"tokens_used"`
	CostUSD       float64    `json:"cost_usd"`
	DurationMs    int64      `json:"duration_ms"`
}

// LeaveMessage announces a node's departure from the mesh.
type LeaveMessage struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason,omitempty"`
}
