package peertable

import (
	"testing"
	"time"

	"github.com/swarmmesh/swarmd/internal/protocol"
)

func newTestIdentity(id string) protocol.NodeIdentity {
	return protocol.NodeIdentity{NodeID: id, APIURL: "http://" + id + ":9000"}
}

func TestAdd_NewPeer(t *testing.T) {
	tbl := New(5)
	e, err := tbl.Add(newTestIdentity("node2"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if e.Status != protocol.StatusActive {
		t.Errorf("expected active, got %q", e.Status)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected len 1, got %d", tbl.Len())
	}
}

func TestAdd_ReAddRefreshesWithoutGrowing(t *testing.T) {
	tbl := New(5)
	tbl.Add(newTestIdentity("node2"))
	tbl.RecordFailure("node2")
	tbl.RecordFailure("node2")

	e, err := tbl.Add(protocol.NodeIdentity{NodeID: "node2", APIURL: "http://new:9000"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if tbl.Len() != 1 {
		t.Errorf("expected table not to grow on re-add, len=%d", tbl.Len())
	}
	if e.ConsecutiveFailures != 0 {
		t.Errorf("expected failures cleared on re-add, got %d", e.ConsecutiveFailures)
	}
	if e.Identity.APIURL != "http://new:9000" {
		t.Errorf("expected identity refreshed, got %q", e.Identity.APIURL)
	}
}

func TestAdd_CapacityExceeded(t *testing.T) {
	tbl := New(1)
	if _, err := tbl.Add(newTestIdentity("node2")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	_, err := tbl.Add(newTestIdentity("node3"))
	if err == nil {
		t.Fatal("expected capacity exceeded error")
	}
	if _, ok := err.(*CapacityExceededError); !ok {
		t.Errorf("expected CapacityExceededError, got %T", err)
	}
}

func TestRecordHeartbeat_UnknownPeer(t *testing.T) {
	tbl := New(5)
	if tbl.RecordHeartbeat("ghost", 10) {
		t.Error("expected false for unknown peer")
	}
}

func TestRecordFailure_UnknownPeer(t *testing.T) {
	tbl := New(5)
	if n := tbl.RecordFailure("ghost"); n != -1 {
		t.Errorf("expected -1 for unknown peer, got %d", n)
	}
}

func TestMarkLeft_Terminal(t *testing.T) {
	tbl := New(5)
	tbl.Add(newTestIdentity("node2"))
	tbl.MarkLeft("node2")

	th := Thresholds{Suspected: time.Second, Unreachable: 2 * time.Second, Evict: 3 * time.Second}
	res := tbl.Sweep(th)
	if len(res.Suspected)+len(res.Unreachable)+len(res.Evicted) != 0 {
		t.Error("left peer must be terminal and ignored by sweep")
	}
	e, _ := tbl.Get("node2")
	if e.Status != protocol.StatusLeft {
		t.Errorf("expected left, got %q", e.Status)
	}
}

// S2 from the testable-properties scenarios.
func TestSweep_PromotesToSuspected(t *testing.T) {
	tbl := New(5)
	tbl.Add(newTestIdentity("remote-1"))
	tbl.mu.Lock()
	tbl.peers["remote-1"].LastHeartbeatAt = time.Now().Add(-20 * time.Second)
	tbl.mu.Unlock()

	res := tbl.Sweep(Thresholds{Suspected: 15 * time.Second, Unreachable: 30 * time.Second, Evict: 120 * time.Second})
	if len(res.Suspected) != 1 || res.Suspected[0] != "remote-1" {
		t.Fatalf("expected remote-1 suspected, got %+v", res)
	}
	if len(res.Unreachable) != 0 || len(res.Evicted) != 0 {
		t.Errorf("unexpected extra transitions: %+v", res)
	}
	e, _ := tbl.Get("remote-1")
	if e.Status != protocol.StatusSuspected {
		t.Errorf("expected suspected, got %q", e.Status)
	}
}

// S3 from the testable-properties scenarios.
func TestSweep_Evicts(t *testing.T) {
	tbl := New(5)
	tbl.Add(newTestIdentity("remote-1"))
	tbl.mu.Lock()
	tbl.peers["remote-1"].LastHeartbeatAt = time.Now().Add(-130 * time.Second)
	tbl.mu.Unlock()

	res := tbl.Sweep(Thresholds{Suspected: 15 * time.Second, Unreachable: 30 * time.Second, Evict: 120 * time.Second})
	if len(res.Evicted) != 1 || res.Evicted[0] != "remote-1" {
		t.Fatalf("expected remote-1 evicted, got %+v", res)
	}
	if tbl.Len() != 0 {
		t.Errorf("expected empty table after eviction, len=%d", tbl.Len())
	}
}

func TestSweep_NeverRegressesWithoutFreshHeartbeat(t *testing.T) {
	tbl := New(5)
	tbl.Add(newTestIdentity("remote-1"))
	th := Thresholds{Suspected: 1 * time.Millisecond, Unreachable: 2 * time.Millisecond, Evict: 100 * time.Second}

	time.Sleep(5 * time.Millisecond)
	tbl.Sweep(th)
	e, _ := tbl.Get("remote-1")
	if e.Status != protocol.StatusUnreachable {
		t.Fatalf("expected unreachable after first sweep, got %q", e.Status)
	}

	// Second sweep without a fresh heartbeat must not regress status.
	tbl.Sweep(th)
	e, _ = tbl.Get("remote-1")
	if e.Status != protocol.StatusUnreachable {
		t.Errorf("status regressed on repeated sweep: %q", e.Status)
	}
}

func TestGetByCapability(t *testing.T) {
	tbl := New(5)
	tbl.Add(protocol.NodeIdentity{NodeID: "reader", APIURL: "http://r:9000", Capabilities: []string{"read-file"}})
	tbl.Add(protocol.NodeIdentity{NodeID: "writer", APIURL: "http://w:9000", Capabilities: []string{"write-file"}})

	readers := tbl.GetByCapability("read-file")
	if len(readers) != 1 || readers[0].Identity.NodeID != "reader" {
		t.Fatalf("expected only reader, got %+v", readers)
	}
}
