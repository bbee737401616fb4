package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestCountersAppearInSnapshot(t *testing.T) {
	m := New()
	m.IncSent()
	m.IncSent()
	m.IncReceived()
	m.IncRelayed()
	m.IncDropDuplicate()
	m.IncDropStale()
	m.IncTacticsShared()
	m.IncPatchesIssued()
	m.IncPeersConnected()

	snap := m.Snapshot()
	if snap.Gossip.Sent != 2 {
		t.Fatalf("sent: %d", snap.Gossip.Sent)
	}
	if snap.Gossip.Received != 1 || snap.Gossip.Relayed != 1 {
		t.Fatalf("gossip: %+v", snap.Gossip)
	}
	if snap.Drops.Duplicate != 1 || snap.Drops.Stale != 1 {
		t.Fatalf("drops: %+v", snap.Drops)
	}
	if snap.Intel.TacticsShared != 1 || snap.Intel.PatchesIssued != 1 {
		t.Fatalf("intel: %+v", snap.Intel)
	}
	if snap.Peers.Connected != 1 {
		t.Fatalf("peers: %+v", snap.Peers)
	}
}

func TestPendingPatchesNeverGoNegative(t *testing.T) {
	m := New()
	m.DecPatchesPending()
	if got := m.Snapshot().Intel.PatchesPending; got != 0 {
		t.Fatalf("pending underflowed: %d", got)
	}
	m.IncPatchesPending()
	m.IncPatchesPending()
	m.DecPatchesPending()
	if got := m.Snapshot().Intel.PatchesPending; got != 1 {
		t.Fatalf("pending: %d", got)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncBroadcasts()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Gossip.Broadcasts != 1 {
		t.Fatalf("broadcasts: %d", snap.Gossip.Broadcasts)
	}
}

func TestWriteSnapshotEmptyPathIsNoop(t *testing.T) {
	if err := New().WriteSnapshot(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
}
