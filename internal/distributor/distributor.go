// Package distributor turns a single task into exactly one SwarmTaskResult
// by selecting candidate peers, delegating, and awaiting the asynchronous
// result correlated by task id, retrying across alternative peers under a
// per-attempt timeout.
package distributor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/swarmmesh/swarmd/internal/peertable"
	"github.com/swarmmesh/swarmd/internal/protocol"
)

// Strategy selects which peers are candidates for a delegation.
type Strategy string

const (
	StrategyCapabilityMatch Strategy = "capability_match"
	StrategyRoundRobin      Strategy = "round_robin"
)

// Delegator is the subset of mesh.Manager the distributor depends on.
type Delegator interface {
	DelegateTask(peerNodeID, taskText, originatorSessionID string, constraints *protocol.TaskConstraints) (protocol.TaskRequestDecision, string, error)
}

// ErrNoSuitablePeers is returned when peer selection produces no candidates.
var ErrNoSuitablePeers = errors.New("no suitable peers")

// ErrCancelled is the rejection reason used by CancelAll.
var ErrCancelled = errors.New("cancelled")

// ErrTimeout is the rejection reason used when a delegation's expiry timer fires.
var ErrTimeout = errors.New("delegation timed out")

// Options tunes a single Distribute call.
type Options struct {
	Mock   bool // return a canned result without dispatching
	DryRun bool // enumerate candidates without dispatching
}

// activeDelegation is the distributor-private bookkeeping for one in-flight
// attempt. Exactly one outstanding resolve/reject is awaited by exactly one
// caller of Distribute.
type activeDelegation struct {
	taskID   string
	peerID   string
	resultCh chan protocol.SwarmTaskResult
	errCh    chan error
	timer    *time.Timer
	once     sync.Once
}

func (a *activeDelegation) resolve(res protocol.SwarmTaskResult) {
	a.once.Do(func() {
		a.timer.Stop()
		a.resultCh <- res
	})
}

func (a *activeDelegation) reject(err error) {
	a.once.Do(func() {
		a.timer.Stop()
		a.errCh <- err
	})
}

// Distributor selects peers, delegates, and correlates results.
type Distributor struct {
	table      *peertable.Table
	delegator  Delegator
	timeout    time.Duration
	maxRetries int

	mu          sync.Mutex
	rrIndex     int
	delegations map[string]*activeDelegation
}

// New constructs a Distributor. timeout is the per-attempt delegation
// timeout; maxRetries is additional attempts beyond the first (total
// attempts = maxRetries+1).
func New(table *peertable.Table, delegator Delegator, timeout time.Duration, maxRetries int) *Distributor {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Distributor{
		table:       table,
		delegator:   delegator,
		timeout:     timeout,
		maxRetries:  maxRetries,
		delegations: make(map[string]*activeDelegation),
	}
}

// selectCandidates picks the ordered candidate peer list per strategy.
func (d *Distributor) selectCandidates(constraints *protocol.TaskConstraints) []*peertable.Entry {
	if constraints != nil && len(constraints.ToolAllowlist) > 0 {
		return d.selectCapabilityMatch(constraints.ToolAllowlist)
	}
	return d.selectRoundRobin()
}

func (d *Distributor) selectCapabilityMatch(allowlist []string) []*peertable.Entry {
	active := d.table.GetActive()
	out := make([]*peertable.Entry, 0, len(active))
	for _, e := range active {
		for _, tool := range allowlist {
			if e.Identity.HasCapability(tool) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// selectRoundRobin rotates the candidate order starting at an internal
// index that advances by one (mod candidate count) on every call, so
// successive calls prefer different starting peers. Active peers are
// ordered by node id so the rotation walks a stable sequence.
func (d *Distributor) selectRoundRobin() []*peertable.Entry {
	active := d.table.GetActive()
	if len(active) == 0 {
		return nil
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].Identity.NodeID < active[j].Identity.NodeID
	})

	d.mu.Lock()
	start := d.rrIndex % len(active)
	d.rrIndex = (d.rrIndex + 1) % len(active)
	d.mu.Unlock()

	out := make([]*peertable.Entry, 0, len(active))
	for i := 0; i < len(active); i++ {
		out = append(out, active[(start+i)%len(active)])
	}
	return out
}

// Distribute delegates taskText to a selected peer, awaiting its result.
func (d *Distributor) Distribute(taskText, sessionID string, constraints *protocol.TaskConstraints, opts Options) (protocol.SwarmTaskResult, error) {
	candidates := d.selectCandidates(constraints)
	if len(candidates) == 0 && !opts.Mock {
		return protocol.SwarmTaskResult{}, ErrNoSuitablePeers
	}

	if opts.Mock {
		return protocol.SwarmTaskResult{
			TaskID:     "mock-task",
			PeerNodeID: "mock-peer",
			Status:     protocol.TaskCompleted,
			Findings:   map[string]any{"mock": true},
		}, nil
	}

	if opts.DryRun {
		ids := make([]string, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.Identity.NodeID)
		}
		return protocol.SwarmTaskResult{
			Status:   protocol.TaskAborted,
			Findings: map[string]any{"dry_run": true, "candidates": ids},
		}, nil
	}

	attempts := d.maxRetries + 1
	if attempts > len(candidates) {
		attempts = len(candidates)
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		peer := candidates[i]
		decision, taskID, err := d.delegator.DelegateTask(peer.Identity.NodeID, taskText, sessionID, constraints)
		if err != nil {
			lastErr = err
			continue
		}
		if !decision.Accepted {
			lastErr = fmt.Errorf("peer %s declined: %s", peer.Identity.NodeID, decision.Reason)
			continue
		}

		res, err := d.awaitResult(taskID, peer.Identity.NodeID)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrNoSuitablePeers
	}
	return protocol.SwarmTaskResult{}, lastErr
}

func (d *Distributor) awaitResult(taskID, peerID string) (protocol.SwarmTaskResult, error) {
	ad := &activeDelegation{
		taskID:   taskID,
		peerID:   peerID,
		resultCh: make(chan protocol.SwarmTaskResult, 1),
		errCh:    make(chan error, 1),
	}
	ad.timer = time.AfterFunc(d.timeout, func() {
		d.mu.Lock()
		delete(d.delegations, taskID)
		d.mu.Unlock()
		ad.reject(ErrTimeout)
	})

	d.mu.Lock()
	d.delegations[taskID] = ad
	d.mu.Unlock()

	select {
	case res := <-ad.resultCh:
		return res, nil
	case err := <-ad.errCh:
		return protocol.SwarmTaskResult{}, err
	}
}

// ResolveTask is called whenever a peer posts back a SwarmTaskResult. It
// looks up task_id, cancels the expiry timer, removes the entry, and
// resolves the waiting caller. Returns false for an unknown/late task_id —
// such results are ignored, not replayed or errored.
func (d *Distributor) ResolveTask(res protocol.SwarmTaskResult) bool {
	d.mu.Lock()
	ad, ok := d.delegations[res.TaskID]
	if ok {
		delete(d.delegations, res.TaskID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	ad.resolve(res)
	return true
}

// CancelAll cancels every outstanding delegation's timer and rejects its
// waiting caller with ErrCancelled. Used on shutdown.
func (d *Distributor) CancelAll() {
	d.mu.Lock()
	pending := make([]*activeDelegation, 0, len(d.delegations))
	for id, ad := range d.delegations {
		pending = append(pending, ad)
		delete(d.delegations, id)
	}
	d.mu.Unlock()

	for _, ad := range pending {
		ad.reject(ErrCancelled)
	}
}

// PendingCount returns the number of in-flight delegations — exposed for
// tests and the admin status endpoint.
func (d *Distributor) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delegations)
}
