// Package mesh implements the gossip coordination core: epidemic broadcast
// with hop budgets, peer health tracking, shared countermeasure intelligence
// and the node lifecycle around them.
package mesh

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/event"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"swarmmesh/internal/config"
	"swarmmesh/internal/crypto"
	"swarmmesh/internal/debuglog"
	"swarmmesh/internal/metrics"
	"swarmmesh/internal/peer"
	"swarmmesh/internal/proto"
)

var (
	ErrNotRunning     = errors.New("node is not running")
	ErrAlreadyRunning = errors.New("node is already running")
)

// syncTacticBatch caps how many of our own tactics the periodic sync cycle
// re-broadcasts per pass.
const syncTacticBatch = 8

// Options configures a Node. Only Config is required; the rest default to
// production wiring.
type Options struct {
	Config config.Config

	// Clock defaults to the system clock. Tests inject mclock.Simulated.
	Clock mclock.Clock

	// Transport carries envelopes between nodes. A nil transport yields a
	// node that gossips into the void, which is still useful offline.
	Transport Transport

	// Metrics defaults to a fresh counter set.
	Metrics *metrics.Metrics

	// Caps advertises what this node offers the mesh. Defaults to relay-only.
	Caps proto.Capabilities

	// AdvertisedAddr overrides the listen address in outbound heartbeats,
	// typically with a STUN-discovered public address.
	AdvertisedAddr string
}

type Node struct {
	cfg     config.Config
	id      string
	pub     []byte
	priv    []byte
	caps    proto.Capabilities
	meshKey []byte

	// reliability is the score this node holds itself to when evaluating
	// task requirements. Static for now; nothing feeds task outcomes back
	// into it yet.
	reliability float64

	clock     mclock.Clock
	transport Transport
	dir       *peer.Directory
	tactics   *TacticStore
	dedup     *expirable.LRU[string, struct{}]
	bus       *Bus
	met       *metrics.Metrics
	book      *peer.Book
	patchPath string

	mailbox chan inbound
	wg      sync.WaitGroup

	mu             sync.Mutex
	status         peer.Status
	running        bool
	stopping       bool
	quit           chan struct{}
	cancel         context.CancelFunc
	timers         map[string]mclock.Timer
	advertisedAddr string
	pending        map[string]proto.ImmunityPatchPayload
}

func NewNode(opts Options) (*Node, error) {
	cfg := opts.Config
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	pub, priv, err := crypto.LoadOrCreateKeypair(filepath.Join(cfg.DataDir, "keys"))
	if err != nil {
		return nil, fmt.Errorf("load node keypair: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = mclock.System{}
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}
	caps := opts.Caps
	if !caps.Relay && !caps.Execute && !caps.Store {
		caps.Relay = true
	}
	var meshKey []byte
	if cfg.EncryptionEnabled {
		meshKey, err = hex.DecodeString(cfg.MeshKey)
		if err != nil {
			return nil, fmt.Errorf("decode mesh_key: %w", err)
		}
	}
	addr := opts.AdvertisedAddr
	if addr == "" {
		addr = cfg.ListenAddr
	}
	n := &Node{
		cfg:            cfg,
		id:             nodeIDHex(crypto.NodeIDFromPub(pub)),
		pub:            pub,
		priv:           priv,
		caps:           caps,
		meshKey:        meshKey,
		reliability:    peer.DefaultReliability,
		clock:          clock,
		transport:      opts.Transport,
		dir:            peer.NewDirectory(cfg.MaxPeers, cfg.Gossip.Fanout, clock),
		tactics:        NewTacticStore(0, clock),
		dedup:          expirable.NewLRU[string, struct{}](cfg.Gossip.DedupCacheSize, nil, time.Duration(cfg.Gossip.DedupWindowMs)*time.Millisecond),
		bus:            NewBus(),
		met:            met,
		book:           peer.NewBook(filepath.Join(cfg.DataDir, "peers.jsonl")),
		patchPath:      filepath.Join(cfg.DataDir, "pending_patches.jsonl"),
		mailbox:        make(chan inbound, cfg.MessageQueueSize),
		status:         peer.StatusInitializing,
		timers:         make(map[string]mclock.Timer),
		advertisedAddr: addr,
		pending:        make(map[string]proto.ImmunityPatchPayload),
	}
	if err := n.loadPendingPatches(); err != nil {
		debuglog.Logf("pending patch journal unreadable: %v", err)
	}
	return n, nil
}

func (n *Node) ID() string { return n.id }

func (n *Node) PubKey() []byte { return append([]byte{}, n.pub...) }

func (n *Node) Region() string { return n.cfg.Region }

func (n *Node) Caps() proto.Capabilities { return n.caps }

func (n *Node) Metrics() *metrics.Metrics { return n.met }

func (n *Node) Peers() []peer.Info { return n.dir.List() }

func (n *Node) Peer(id string) (peer.Info, bool) {
	return n.dir.Get(id)
}

func (n *Node) Subscribe(ch chan<- Event) event.Subscription {
	return n.bus.Subscribe(ch)
}

func (n *Node) Status() peer.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *Node) setStatus(s peer.Status) {
	n.mu.Lock()
	n.status = s
	n.mu.Unlock()
}

func (n *Node) isRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// SetAdvertisedAddr updates the contact address placed in outbound
// heartbeats, e.g. after STUN discovery.
func (n *Node) SetAdvertisedAddr(addr string) {
	n.mu.Lock()
	n.advertisedAddr = addr
	n.mu.Unlock()
}

func (n *Node) AdvertisedAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.advertisedAddr
}

// Start brings the node online: listener, dispatch loop, gossip timers and
// bootstrap dialing. It returns once the node is serving; cancellation of ctx
// is equivalent to Stop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.quit = make(chan struct{})
	n.running = true
	n.status = peer.StatusConnecting
	n.mu.Unlock()

	if n.transport != nil && n.cfg.ListenAddr != "" {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.transport.Listen(ctx, n.cfg.ListenAddr, n.Receive); err != nil {
				debuglog.Logf("listener exited: %v", err)
			}
		}()
	}
	n.wg.Add(1)
	go n.drainLoop()

	n.every("heartbeat", time.Duration(n.cfg.Gossip.HeartbeatIntervalMs)*time.Millisecond, n.heartbeatCycle)
	n.every("sync", time.Duration(n.cfg.Gossip.SyncIntervalMs)*time.Millisecond, n.syncCycle)
	n.every("cleanup", time.Duration(n.cfg.Gossip.CleanupIntervalMs)*time.Millisecond, n.cleanupCycle)

	n.wg.Add(1)
	go n.bootstrapLoop()

	n.setStatus(peer.StatusActive)
	n.bus.publish(EvStarted, nil)
	debuglog.Logf("node %s online in %s", shortID(n.id), n.cfg.Region)
	return nil
}

// Stop announces departure, halts all loops and waits for them to exit.
// Stopping a node that is not running is a no-op, and concurrent callers are
// safe: the first one claims the teardown, the rest return immediately.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running || n.stopping {
		n.mu.Unlock()
		return
	}
	n.stopping = true
	n.mu.Unlock()

	// Departure rides the last broadcast out while sends still work.
	_, _ = n.Broadcast(proto.TypeTopologyUpdate, proto.TopologyUpdatePayload{
		Type:   proto.TypeTopologyUpdate,
		Action: proto.TopologyLeave,
		Nodes:  []proto.NodeContact{{NodeID: n.id, Region: n.cfg.Region}},
		Reason: "shutdown",
	}, proto.ScopeGlobal)

	n.mu.Lock()
	n.running = false
	n.stopping = false
	n.status = peer.StatusOffline
	close(n.quit)
	n.cancel()
	for _, t := range n.timers {
		t.Stop()
	}
	n.timers = make(map[string]mclock.Timer)
	n.mu.Unlock()

	n.wg.Wait()
	n.bus.publish(EvStopped, nil)
	debuglog.Logf("node %s stopped", shortID(n.id))
}

// every schedules fn at a fixed interval, re-arming after each run. Timers are
// tracked by name so Stop can cancel them.
func (n *Node) every(name string, interval time.Duration, fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.timers[name] = n.clock.AfterFunc(interval, func() {
		fn()
		n.every(name, interval, fn)
	})
}

func (n *Node) heartbeatCycle() {
	p := proto.HeartbeatPayload{
		Type:      proto.TypeHeartbeat,
		NodeID:    n.id,
		PubKey:    hex.EncodeToString(n.pub),
		Addr:      n.AdvertisedAddr(),
		Region:    n.cfg.Region,
		Status:    string(n.Status()),
		Caps:      n.caps,
		PeerCount: n.dir.Len(),
		UptimePct: peer.DefaultUptimePct,
	}
	if _, err := n.Broadcast(proto.TypeHeartbeat, p, proto.ScopeRegional); err != nil {
		debuglog.Debugf("heartbeat broadcast failed: %v", err)
	}
}

// syncCycle is the anti-entropy pass: re-broadcast our freshest tactics so
// late joiners converge, publish a topology snapshot and flush metrics.
func (n *Node) syncCycle() {
	n.setStatus(peer.StatusSyncing)
	for _, t := range n.tactics.OwnedBy(n.id, syncTacticBatch) {
		payload := proto.TacticPayload{Type: proto.TypeStealthTactic, Tactic: t}
		if _, err := n.Broadcast(proto.TypeStealthTactic, payload, proto.ScopeRegional); err != nil {
			debuglog.Debugf("tactic sync broadcast failed: %v", err)
		}
	}
	n.bus.publish(EvTopologyUpdated, TopologyEvent{Snapshot: n.TopologySnapshot()})
	if err := n.met.WriteSnapshot(n.cfg.MetricsPath); err != nil {
		debuglog.Debugf("metrics snapshot write failed: %v", err)
	}
	n.setStatus(peer.StatusActive)
}

func (n *Node) cleanupCycle() {
	threshold := time.Duration(n.cfg.QuarantineThresholdMs) * time.Millisecond
	for _, id := range n.dir.Sweep(threshold) {
		n.met.IncPeersQuarantined()
		if rec, ok := n.dir.Get(id); ok {
			n.bus.publish(EvPeerQuarantined, PeerEvent{Peer: rec, Reason: "missed heartbeats"})
		}
		debuglog.Logf("peer %s quarantined", shortID(id))
	}
	if purged := n.tactics.Purge(); purged > 0 {
		debuglog.Debugf("purged %d expired tactics", purged)
	}
}

// bootstrapLoop seeds the directory from the peer book, then dials the
// configured bootstrap addresses until the mesh reaches min_peers or the
// attempt budget runs out.
func (n *Node) bootstrapLoop() {
	defer n.wg.Done()
	seeds, err := n.book.Load(n.cfg.MaxPeers)
	if err != nil {
		debuglog.Logf("peer book unreadable: %v", err)
	}
	for _, c := range seeds {
		info, err := contactToInfo(proto.NodeContact{
			NodeID: c.NodeID, PubKey: c.PubKey, Addr: c.Addr, Region: c.Region,
		})
		if err != nil {
			continue
		}
		if err := n.ConnectToPeer(info); err != nil {
			debuglog.Debugf("seed connect %s failed: %v", shortID(c.NodeID), err)
		}
	}
	if len(n.cfg.BootstrapPeers) == 0 {
		return
	}
	delay := time.Duration(n.cfg.ReconnectDelayMs) * time.Millisecond
	for attempt := 1; attempt <= n.cfg.MaxReconnectAttempts; attempt++ {
		if n.dir.Len() >= n.cfg.MinPeers {
			return
		}
		for _, addr := range n.cfg.BootstrapPeers {
			n.sendHello(addr)
		}
		fired := make(chan struct{})
		t := n.clock.AfterFunc(delay, func() { close(fired) })
		select {
		case <-fired:
		case <-n.quit:
			t.Stop()
			return
		}
	}
	if n.dir.Len() < n.cfg.MinPeers {
		n.setStatus(peer.StatusDegraded)
		debuglog.Logf("bootstrap exhausted with %d/%d peers", n.dir.Len(), n.cfg.MinPeers)
	}
}

// sendHello delivers a self-certifying heartbeat straight to addr so the
// remote node can discover us before any directory entry exists.
func (n *Node) sendHello(addr string) {
	if n.transport == nil || addr == "" {
		return
	}
	p := proto.HeartbeatPayload{
		Type:      proto.TypeHeartbeat,
		NodeID:    n.id,
		PubKey:    hex.EncodeToString(n.pub),
		Addr:      n.AdvertisedAddr(),
		Region:    n.cfg.Region,
		Status:    string(n.Status()),
		Caps:      n.caps,
		PeerCount: n.dir.Len(),
		UptimePct: peer.DefaultUptimePct,
	}
	env, err := n.buildEnvelope(proto.TypeHeartbeat, p, proto.ScopeLocal)
	if err != nil {
		debuglog.Debugf("hello build failed: %v", err)
		return
	}
	n.dedup.Add(env.MessageID, struct{}{})
	data, err := proto.EncodeEnvelope(env)
	if err != nil {
		return
	}
	if err := n.transport.Send(addr, data); err != nil {
		debuglog.Debugf("hello to %s failed: %v", addr, err)
		return
	}
	n.met.IncSent()
}

// ConnectToPeer adds a peer to the directory, persists the contact and
// announces the join. Reconnecting a known peer is a no-op success; at
// capacity the call fails with peer.ErrMeshFull.
func (n *Node) ConnectToPeer(info peer.Info) error {
	added, err := n.dir.Connect(info)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	n.met.IncPeersConnected()
	rec, _ := n.dir.Get(info.ID)
	_ = n.book.Append(peer.Contact{
		NodeID: rec.ID,
		PubKey: hex.EncodeToString(rec.PubKey),
		Addr:   rec.Addr,
		Region: rec.Region,
	})
	n.bus.publish(EvPeerConnected, PeerEvent{Peer: rec})
	if n.isRunning() {
		contact := proto.NodeContact{
			NodeID: rec.ID,
			PubKey: hex.EncodeToString(rec.PubKey),
			Addr:   rec.Addr,
			Region: rec.Region,
		}
		_, _ = n.Broadcast(proto.TypeTopologyUpdate, proto.TopologyUpdatePayload{
			Type:   proto.TypeTopologyUpdate,
			Action: proto.TopologyJoin,
			Nodes:  []proto.NodeContact{contact},
		}, proto.ScopeGlobal)
		n.sendHello(rec.Addr)
	}
	return nil
}

// DisconnectPeer removes a peer and announces the departure to the mesh.
func (n *Node) DisconnectPeer(id, reason string) bool {
	return n.removePeer(id, reason, true)
}

// removePeer drops the directory record. announce=false is used when the
// removal was itself learned from a topology update, so departures are not
// echoed back into the mesh.
func (n *Node) removePeer(id, reason string, announce bool) bool {
	rec, ok := n.dir.Disconnect(id)
	if !ok {
		return false
	}
	n.met.IncPeersDisconnected()
	n.bus.publish(EvPeerDisconnected, PeerEvent{Peer: rec, Reason: reason})
	if announce && n.isRunning() {
		_, _ = n.Broadcast(proto.TypeTopologyUpdate, proto.TopologyUpdatePayload{
			Type:   proto.TypeTopologyUpdate,
			Action: proto.TopologyLeave,
			Nodes:  []proto.NodeContact{{NodeID: id}},
			Reason: reason,
		}, proto.ScopeGlobal)
	}
	return true
}

// SeedContacts returns the persisted peer book contents.
func (n *Node) SeedContacts() ([]peer.Contact, error) {
	return n.book.Load(n.cfg.MaxPeers)
}

// TopologySnapshot reports the local view of mesh shape, counting this node
// alongside its directory.
func (n *Node) TopologySnapshot() TopologySnapshot {
	links := n.dir.Len()
	total := links + 1
	regions := n.dir.RegionCounts()
	regions[n.cfg.Region]++
	return TopologySnapshot{
		GeneratedAt:  time.Now().UTC(),
		TotalNodes:   total,
		Regions:      regions,
		AvgLatencyMs: n.dir.AvgLatencyMs(),
		MeshDensity:  meshDensity(links, total),
	}
}

func contactToInfo(c proto.NodeContact) (peer.Info, error) {
	if c.NodeID == "" {
		return peer.Info{}, peer.ErrBadContact
	}
	info := peer.Info{
		ID:     c.NodeID,
		Addr:   c.Addr,
		Region: c.Region,
	}
	if c.PubKey != "" {
		pub, err := hex.DecodeString(c.PubKey)
		if err != nil || !crypto.IsPublicKey(pub) {
			return peer.Info{}, peer.ErrBadContact
		}
		info.PubKey = pub
	}
	return info, nil
}

func nodeIDHex(id [32]byte) string {
	return hex.EncodeToString(id[:])
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
