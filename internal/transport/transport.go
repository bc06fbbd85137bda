// Package transport is the single network boundary of the swarm mesh core.
// It is a stateless, thread-safe set of request/response helpers — it never
// retries; retries are a work-distributor concern.
package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/swarmmesh/swarmd/internal/protocol"
)

// DefaultTimeout is the 10-second connect/read budget applied to every peer
// call when New is given a non-positive timeout.
const DefaultTimeout = 10 * time.Second

// Response is the uniform result of every peer-to-peer call.
type Response struct {
	Success   bool
	Status    int // 0 on connection failure
	Body      []byte
	Err       string
	LatencyMs int64
}

// Transport issues JSON requests to peer API URLs, attaching a bearer token
// when configured. Safe for concurrent use — it holds no mutable state.
type Transport struct {
	client *http.Client
	token  string
}

// New builds a Transport with the given connect/read timeout and optional
// shared bearer token (empty disables the Authorization header).
func New(timeout time.Duration, token string) *Transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Transport{
		client: &http.Client{Timeout: timeout},
		token:  token,
	}
}

func (t *Transport) do(method, url string, body any) Response {
	start := time.Now()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Response{Err: fmt.Sprintf("encode request: %v", err)}
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return Response{Err: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return Response{Status: 0, Err: err.Error(), LatencyMs: latency}
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	r := Response{
		Success:   success,
		Status:    resp.StatusCode,
		Body:      out,
		LatencyMs: latency,
	}
	if !success {
		r.Err = fmt.Sprintf("peer returned status %d", resp.StatusCode)
	}
	return r
}

// FetchIdentity performs GET {url}/identity.
func (t *Transport) FetchIdentity(url string) (protocol.NodeIdentity, Response) {
	r := t.do(http.MethodGet, url+"/identity", nil)
	var id protocol.NodeIdentity
	if r.Success {
		_ = json.Unmarshal(r.Body, &id)
	}
	return id, r
}

// SendHeartbeat performs POST {url}/heartbeat.
func (t *Transport) SendHeartbeat(url string, msg protocol.HeartbeatMessage) Response {
	return t.do(http.MethodPost, url+"/heartbeat", msg)
}

// SendGossip performs POST {url}/gossip and decodes the peer's digest.
func (t *Transport) SendGossip(url string, msg protocol.GossipMessage) (protocol.GossipMessage, Response) {
	r := t.do(http.MethodPost, url+"/gossip", msg)
	var digest protocol.GossipMessage
	if r.Success {
		_ = json.Unmarshal(r.Body, &digest)
	}
	return digest, r
}

// SendTaskRequest performs POST {url}/task/request.
func (t *Transport) SendTaskRequest(url string, req protocol.SwarmTaskRequest) (protocol.TaskRequestDecision, Response) {
	r := t.do(http.MethodPost, url+"/task/request", req)
	var dec protocol.TaskRequestDecision
	if r.Success {
		_ = json.Unmarshal(r.Body, &dec)
	}
	return dec, r
}

// SendTaskResult performs POST {url}/task/result.
func (t *Transport) SendTaskResult(url string, res protocol.SwarmTaskResult) Response {
	return t.do(http.MethodPost, url+"/task/result", res)
}

// SendJoin performs POST {url}/join.
func (t *Transport) SendJoin(url string, identity protocol.NodeIdentity) Response {
	return t.do(http.MethodPost, url+"/join", map[string]any{"identity": identity})
}

// SendLeave performs POST {url}/leave.
func (t *Transport) SendLeave(url string, msg protocol.LeaveMessage) Response {
	return t.do(http.MethodPost, url+"/leave", msg)
}
