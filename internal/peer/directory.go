// Package peer tracks the directory of known mesh peers: health, reliability,
// relay selection and quarantine.
package peer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common/mclock"

	"swarmmesh/internal/crypto"
)

// Status of a mesh participant.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusConnecting   Status = "connecting"
	StatusActive       Status = "active"
	StatusSyncing      Status = "syncing"
	StatusDegraded     Status = "degraded"
	StatusQuarantined  Status = "quarantined"
	StatusOffline      Status = "offline"
)

const (
	DefaultReliability = 0.95
	DefaultUptimePct   = 99.5
)

var (
	ErrMeshFull   = errors.New("peer directory at capacity")
	ErrBadContact = errors.New("invalid peer contact")
)

// Capabilities mirrors proto.Capabilities without importing the wire package.
type Capabilities struct {
	Relay         bool
	Execute       bool
	Store         bool
	MaxConcurrent int
	BandwidthKbps int
}

// Info is one directory record.
type Info struct {
	ID          string
	PubKey      []byte
	Addr        string
	Region      string
	Status      Status
	Caps        Capabilities
	Reliability float64
	UptimePct   float64
	LatencyMs   float64
	PeerCount   int
	LastSeen    mclock.AbsTime
}

// RelayScore ranks peers for relay selection: reliability dominates, latency
// is a secondary penalty.
func (p Info) RelayScore() float64 {
	return p.Reliability*100 - p.LatencyMs
}

// Directory owns all peer records. All methods are safe for concurrent use.
type Directory struct {
	mu       sync.Mutex
	clock    mclock.Clock
	maxPeers int
	fanout   int
	peers    map[string]*Info
}

func NewDirectory(maxPeers, fanout int, clock mclock.Clock) *Directory {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Directory{
		clock:    clock,
		maxPeers: maxPeers,
		fanout:   fanout,
		peers:    make(map[string]*Info),
	}
}

// Connect inserts a new peer record. Reconnecting an already-known peer is a
// no-op success (added=false). At capacity the call fails without mutating
// the directory.
func (d *Directory) Connect(info Info) (added bool, err error) {
	if info.ID == "" {
		return false, ErrBadContact
	}
	if len(info.PubKey) > 0 {
		derived := crypto.NodeIDFromPub(info.PubKey)
		if hexID(derived) != info.ID {
			return false, fmt.Errorf("%w: node_id/pubkey mismatch", ErrBadContact)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[info.ID]; ok {
		return false, nil
	}
	if d.maxPeers > 0 && len(d.peers) >= d.maxPeers {
		return false, fmt.Errorf("%w: %d peers", ErrMeshFull, len(d.peers))
	}
	rec := info
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	if rec.Reliability == 0 {
		rec.Reliability = DefaultReliability
	}
	if rec.UptimePct == 0 {
		rec.UptimePct = DefaultUptimePct
	}
	rec.LastSeen = d.clock.Now()
	d.peers[info.ID] = &rec
	return true, nil
}

// Disconnect removes a peer and returns its last record.
func (d *Directory) Disconnect(id string) (Info, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[id]
	if !ok {
		return Info{}, false
	}
	delete(d.peers, id)
	return *rec, true
}

func (d *Directory) Get(id string) (Info, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[id]
	if !ok {
		return Info{}, false
	}
	return *rec, true
}

func (d *Directory) Has(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.peers[id]
	return ok
}

func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

func (d *Directory) List() []Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Info, 0, len(d.peers))
	for _, rec := range d.peers {
		out = append(out, *rec)
	}
	return out
}

// SelectRelay returns relay-eligible peers not in exclude, sorted descending
// by relay score and truncated to the gossip fanout. Quarantined and offline
// peers never relay.
func (d *Directory) SelectRelay(exclude mapset.Set[string]) []Info {
	d.mu.Lock()
	out := make([]Info, 0, len(d.peers))
	for id, rec := range d.peers {
		if exclude != nil && exclude.Contains(id) {
			continue
		}
		if rec.Status == StatusQuarantined || rec.Status == StatusOffline {
			continue
		}
		out = append(out, *rec)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].RelayScore(), out[j].RelayScore()
		if si != sj {
			return si > sj
		}
		return out[i].ID < out[j].ID
	})
	if d.fanout > 0 && len(out) > d.fanout {
		out = out[:d.fanout]
	}
	return out
}

// ActiveInRegion returns all active peers in the given region, minus exclude.
func (d *Directory) ActiveInRegion(region string, exclude mapset.Set[string]) []Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Info, 0, len(d.peers))
	for id, rec := range d.peers {
		if exclude != nil && exclude.Contains(id) {
			continue
		}
		if rec.Region != region || rec.Status != StatusActive {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// Heartbeat refreshes a peer record from a received heartbeat. A quarantined
// peer re-activates. Unknown peers are ignored: joining the directory is an
// explicit Connect decision.
func (d *Directory) Heartbeat(id string, status Status, region string, addr string, caps Capabilities, peerCount int, uptime float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[id]
	if !ok {
		return false
	}
	if status != "" {
		rec.Status = status
	} else if rec.Status == StatusQuarantined {
		rec.Status = StatusActive
	}
	if region != "" {
		rec.Region = region
	}
	if addr != "" {
		rec.Addr = addr
	}
	rec.Caps = caps
	rec.PeerCount = peerCount
	if uptime > 0 {
		rec.UptimePct = uptime
	}
	rec.LastSeen = d.clock.Now()
	return true
}

// Touch refreshes only LastSeen, for any traffic observed from the peer.
func (d *Directory) Touch(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.peers[id]; ok {
		rec.LastSeen = d.clock.Now()
	}
}

// ObserveLatency folds a new latency sample into the record.
func (d *Directory) ObserveLatency(id string, latencyMs float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.peers[id]
	if !ok {
		return
	}
	if rec.LatencyMs == 0 {
		rec.LatencyMs = latencyMs
		return
	}
	rec.LatencyMs = rec.LatencyMs*0.8 + latencyMs*0.2
}

// Sweep quarantines peers silent for longer than threshold and returns the
// ids newly quarantined. Quarantine is soft: the record stays in the
// directory and rejoins on its next heartbeat.
func (d *Directory) Sweep(threshold time.Duration) []string {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for id, rec := range d.peers {
		if rec.Status == StatusQuarantined || rec.Status == StatusOffline {
			continue
		}
		if time.Duration(now-rec.LastSeen) > threshold {
			rec.Status = StatusQuarantined
			out = append(out, id)
		}
	}
	return out
}

// RegionCounts returns the per-region peer histogram.
func (d *Directory) RegionCounts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int)
	for _, rec := range d.peers {
		out[rec.Region]++
	}
	return out
}

// AvgLatencyMs averages latency over peers with at least one sample.
func (d *Directory) AvgLatencyMs() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sum float64
	n := 0
	for _, rec := range d.peers {
		if rec.LatencyMs > 0 {
			sum += rec.LatencyMs
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
