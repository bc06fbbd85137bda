package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/swarmmesh/swarmd/internal/distributor"
	"github.com/swarmmesh/swarmd/internal/node"
	"github.com/swarmmesh/swarmd/internal/protocol"
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SwarmHandler exposes the wire contract from spec section 6 plus the
// supplemented admin/status endpoints, all backed by a single node.Node.
type SwarmHandler struct {
	n         *node.Node
	startedAt time.Time
}

// NewSwarmHandler creates a handler backed by n.
func NewSwarmHandler(n *node.Node) *SwarmHandler {
	return &SwarmHandler{n: n, startedAt: time.Now()}
}

// GetIdentity handles GET /identity.
func (h *SwarmHandler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.n.Identity)
}

// Join handles POST /join. Body: {"identity": NodeIdentity}.
func (h *SwarmHandler) Join(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identity protocol.NodeIdentity `json:"identity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if _, err := h.n.Mesh.HandleJoin(body.Identity); err != nil {
		respondError(w, http.StatusConflict, "join failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Leave handles POST /leave. Body: {"node_id": "...", "reason": "..."}.
func (h *SwarmHandler) Leave(w http.ResponseWriter, r *http.Request) {
	var msg protocol.LeaveMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	h.n.Mesh.HandleLeave(msg.NodeID)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Heartbeat handles POST /heartbeat.
func (h *SwarmHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var msg protocol.HeartbeatMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid heartbeat payload", err)
		return
	}
	latency := time.Since(start).Milliseconds()
	h.n.Mesh.HandleHeartbeat(msg, latency)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Gossip handles POST /gossip and replies with the local digest.
func (h *SwarmHandler) Gossip(w http.ResponseWriter, r *http.Request) {
	var msg protocol.GossipMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid gossip payload", err)
		return
	}
	digest := h.n.Mesh.HandleGossip(msg)
	respondJSON(w, http.StatusOK, digest)
}

// TaskRequest handles POST /task/request.
func (h *SwarmHandler) TaskRequest(w http.ResponseWriter, r *http.Request) {
	var req protocol.SwarmTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid task request", err)
		return
	}
	decision := h.n.Mesh.HandleTaskRequest(req)
	respondJSON(w, http.StatusOK, decision)
}

// TaskResult handles POST /task/result.
func (h *SwarmHandler) TaskResult(w http.ResponseWriter, r *http.Request) {
	var res protocol.SwarmTaskResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		respondError(w, http.StatusBadRequest, "invalid task result", err)
		return
	}
	h.n.Mesh.HandleTaskResult(res)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// RegisterPeer handles POST /admin/peers — force-register a peer without
// waiting for discovery.
func (h *SwarmHandler) RegisterPeer(w http.ResponseWriter, r *http.Request) {
	var identity protocol.NodeIdentity
	if err := json.NewDecoder(r.Body).Decode(&identity); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if identity.NodeID == "" || identity.APIURL == "" {
		respondErrorSimple(w, "node_id and api_url are required", http.StatusBadRequest)
		return
	}
	if _, err := h.n.Mesh.HandleJoin(identity); err != nil {
		respondError(w, http.StatusBadRequest, "failed to register peer", err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"ok": true, "node_id": identity.NodeID})
}

// RemovePeer handles DELETE /admin/peers/{id}.
func (h *SwarmHandler) RemovePeer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.n.Table.Remove(id)
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// LocalInfo handles GET /admin/local — this node's own identity document.
// It sits behind the same bearer-token check as every other route.
func (h *SwarmHandler) LocalInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "node": h.n.Identity})
}

// Status handles GET /admin/status — cheap read-only snapshot (swarm-status
// tool surface).
func (h *SwarmHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"self":               h.n.Identity,
		"peer_count":         h.n.Table.Len(),
		"active_delegations": h.n.Distributor.PendingCount(),
		"uptime_ms":          time.Since(h.startedAt).Milliseconds(),
	})
}

// Peers handles GET /admin/peers — projects safe fields only, with optional
// status/capability filters (swarm-peers tool surface).
func (h *SwarmHandler) Peers(w http.ResponseWriter, r *http.Request) {
	self, peers, total := h.n.SwarmPeers(r.URL.Query().Get("status"), r.URL.Query().Get("capability"))
	respondJSON(w, http.StatusOK, map[string]any{
		"self":  self,
		"peers": peers,
		"total": total,
	})
}

// Distribute handles POST /admin/distribute — the swarm-distribute tool
// surface. Body: {"task_text", "session_id", "tool_allowlist"?, "max_tokens"?,
// "max_cost_usd"?, "max_duration_ms"?, "mock"?, "dry_run"?}.
func (h *SwarmHandler) Distribute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TaskText      string   `json:"task_text"`
		SessionID     string   `json:"session_id"`
		ToolAllowlist []string `json:"tool_allowlist"`
		MaxTokens     int      `json:"max_tokens"`
		MaxCostUSD    float64  `json:"max_cost_usd"`
		MaxDurationMs int64    `json:"max_duration_ms"`
		Mock          bool     `json:"mock"`
		DryRun        bool     `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if body.TaskText == "" && !body.Mock {
		respondErrorSimple(w, "task_text is required", http.StatusBadRequest)
		return
	}

	res, err := h.n.SwarmDistribute(body.TaskText, body.SessionID, body.ToolAllowlist,
		body.MaxTokens, body.MaxCostUSD, body.MaxDurationMs,
		distributor.Options{Mock: body.Mock, DryRun: body.DryRun})
	if err != nil {
		respondError(w, http.StatusConflict, "distribution failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Events handles GET /admin/events — upgrades to a WebSocket subscription on
// the node's lifecycle event stream (peer_joined, peer_suspected,
// peer_evicted, task_delegated, task_request_handled, ...).
func (h *SwarmHandler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("swarm_handler: websocket upgrade failed: %v", err)
		return
	}
	h.n.Events.Register(conn)

	// Drain and discard inbound frames; this is a publish-only subscription.
	// The read loop's only job is to notice the client disconnecting.
	go func() {
		defer h.n.Events.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
