package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Gossip      GossipMetrics `json:"gossip"`
	Drops       DropMetrics   `json:"drops"`
	Intel       IntelMetrics  `json:"intel"`
	Peers       PeerMetrics   `json:"peers"`
}

type GossipMetrics struct {
	Sent       uint64 `json:"sent"`
	Received   uint64 `json:"received"`
	Relayed    uint64 `json:"relayed"`
	Broadcasts uint64 `json:"broadcasts"`
}

type DropMetrics struct {
	Duplicate uint64 `json:"duplicate"`
	Stale     uint64 `json:"stale"`
	BadSig    uint64 `json:"bad_sig"`
	Decode    uint64 `json:"decode"`
	TTL       uint64 `json:"ttl"`
	QueueFull uint64 `json:"queue_full"`
}

type IntelMetrics struct {
	TacticsShared   uint64 `json:"tactics_shared"`
	TacticsReceived uint64 `json:"tactics_received"`
	ThreatsReported uint64 `json:"threats_reported"`
	PatchesIssued   uint64 `json:"patches_issued"`
	PatchesApplied  uint64 `json:"patches_applied"`
	PatchesPending  uint64 `json:"patches_pending"`
}

type PeerMetrics struct {
	Connected    uint64 `json:"connected"`
	Disconnected uint64 `json:"disconnected"`
	Quarantined  uint64 `json:"quarantined"`
}

type Metrics struct {
	sent       atomic.Uint64
	received   atomic.Uint64
	relayed    atomic.Uint64
	broadcasts atomic.Uint64

	dropDuplicate atomic.Uint64
	dropStale     atomic.Uint64
	dropBadSig    atomic.Uint64
	dropDecode    atomic.Uint64
	dropTTL       atomic.Uint64
	dropQueueFull atomic.Uint64

	tacticsShared   atomic.Uint64
	tacticsReceived atomic.Uint64
	threatsReported atomic.Uint64
	patchesIssued   atomic.Uint64
	patchesApplied  atomic.Uint64
	patchesPending  atomic.Uint64

	peersConnected    atomic.Uint64
	peersDisconnected atomic.Uint64
	peersQuarantined  atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSent()            { m.sent.Add(1) }
func (m *Metrics) IncReceived()        { m.received.Add(1) }
func (m *Metrics) IncRelayed()         { m.relayed.Add(1) }
func (m *Metrics) IncBroadcasts()      { m.broadcasts.Add(1) }
func (m *Metrics) IncDropDuplicate()   { m.dropDuplicate.Add(1) }
func (m *Metrics) IncDropStale()       { m.dropStale.Add(1) }
func (m *Metrics) IncDropBadSig()      { m.dropBadSig.Add(1) }
func (m *Metrics) IncDropDecode()      { m.dropDecode.Add(1) }
func (m *Metrics) IncDropTTL()         { m.dropTTL.Add(1) }
func (m *Metrics) IncDropQueueFull()   { m.dropQueueFull.Add(1) }
func (m *Metrics) IncTacticsShared()   { m.tacticsShared.Add(1) }
func (m *Metrics) IncTacticsReceived() { m.tacticsReceived.Add(1) }
func (m *Metrics) IncThreatsReported() { m.threatsReported.Add(1) }
func (m *Metrics) IncPatchesIssued()   { m.patchesIssued.Add(1) }
func (m *Metrics) IncPatchesApplied()  { m.patchesApplied.Add(1) }
func (m *Metrics) IncPatchesPending()  { m.patchesPending.Add(1) }
func (m *Metrics) DecPatchesPending() {
	for {
		cur := m.patchesPending.Load()
		if cur == 0 {
			return
		}
		if m.patchesPending.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}
func (m *Metrics) IncPeersConnected()    { m.peersConnected.Add(1) }
func (m *Metrics) IncPeersDisconnected() { m.peersDisconnected.Add(1) }
func (m *Metrics) IncPeersQuarantined()  { m.peersQuarantined.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Gossip: GossipMetrics{
			Sent:       m.sent.Load(),
			Received:   m.received.Load(),
			Relayed:    m.relayed.Load(),
			Broadcasts: m.broadcasts.Load(),
		},
		Drops: DropMetrics{
			Duplicate: m.dropDuplicate.Load(),
			Stale:     m.dropStale.Load(),
			BadSig:    m.dropBadSig.Load(),
			Decode:    m.dropDecode.Load(),
			TTL:       m.dropTTL.Load(),
			QueueFull: m.dropQueueFull.Load(),
		},
		Intel: IntelMetrics{
			TacticsShared:   m.tacticsShared.Load(),
			TacticsReceived: m.tacticsReceived.Load(),
			ThreatsReported: m.threatsReported.Load(),
			PatchesIssued:   m.patchesIssued.Load(),
			PatchesApplied:  m.patchesApplied.Load(),
			PatchesPending:  m.patchesPending.Load(),
		},
		Peers: PeerMetrics{
			Connected:    m.peersConnected.Load(),
			Disconnected: m.peersDisconnected.Load(),
			Quarantined:  m.peersQuarantined.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
