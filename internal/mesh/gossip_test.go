package mesh

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"swarmmesh/internal/crypto"
	"swarmmesh/internal/peer"
	"swarmmesh/internal/proto"
)

func TestBroadcastRequiresRunning(t *testing.T) {
	n := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	_, err := n.Broadcast(proto.TypeConsensusVote, votePayload(n), proto.ScopeGlobal)
	if err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestBroadcastEnvelopeShape(t *testing.T) {
	tr := &captureTransport{}
	a := newTestNode(t, testConfig(t, "us-east"), tr, nil)
	b := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	register(t, a, b, "addr-b")
	startNode(t, a)
	tr.take()

	id, err := a.Broadcast(proto.TypeConsensusVote, votePayload(a), proto.ScopeGlobal)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	sends := tr.take()
	if len(sends) != 1 || sends[0].addr != "addr-b" {
		t.Fatalf("expected one send to addr-b, got %v", sends)
	}
	env := decodeSend(t, sends[0])
	if env.MessageID != id {
		t.Fatalf("message id mismatch: %s vs %s", env.MessageID, id)
	}
	if env.TTL != a.cfg.Gossip.MaxHops {
		t.Fatalf("fresh broadcast ttl: %d", env.TTL)
	}
	if len(env.Route) != 1 || env.Route[0] != a.id {
		t.Fatalf("fresh broadcast route: %v", env.Route)
	}
	if env.SenderRegion != "us-east" || env.Scope != proto.ScopeGlobal {
		t.Fatalf("envelope fields: %+v", env)
	}
	sig, err := hex.DecodeString(env.Signature)
	if err != nil || !crypto.Verify(a.pub, proto.SigningDigest(env), sig) {
		t.Fatal("broadcast signature does not verify")
	}
}

func TestReceiveIsIdempotent(t *testing.T) {
	a := newTestNode(t, testConfig(t, "us-east"), &captureTransport{}, nil)
	b := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	register(t, a, b, "addr-b")
	startNode(t, a)

	data := encode(t, signedEnvelope(t, b, proto.TypeConsensusVote, votePayload(b), proto.ScopeGlobal, nowMs(), 5))
	a.Receive(data)
	a.Receive(data)

	snap := a.met.Snapshot()
	if snap.Gossip.Received != 1 {
		t.Fatalf("received: %d", snap.Gossip.Received)
	}
	if snap.Drops.Duplicate != 1 {
		t.Fatalf("duplicate drops: %d", snap.Drops.Duplicate)
	}
}

func TestReceiveDropsStale(t *testing.T) {
	a := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	b := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	register(t, a, b, "addr-b")
	startNode(t, a)

	old := nowMs() - int64(a.cfg.Gossip.MaxMessageAgeMs) - 1000
	a.Receive(encode(t, signedEnvelope(t, b, proto.TypeConsensusVote, votePayload(b), proto.ScopeGlobal, old, 5)))

	snap := a.met.Snapshot()
	if snap.Drops.Stale != 1 || snap.Gossip.Received != 0 {
		t.Fatalf("stale handling: %+v", snap)
	}
}

func TestReceiveDropsTamperedPayload(t *testing.T) {
	a := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	b := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	register(t, a, b, "addr-b")
	startNode(t, a)

	env := signedEnvelope(t, b, proto.TypeConsensusVote, votePayload(b), proto.ScopeGlobal, nowMs(), 5)
	env.Payload = json.RawMessage(strings.Replace(string(env.Payload), `"yes"`, `"no!"`, 1))
	a.Receive(encode(t, env))

	snap := a.met.Snapshot()
	if snap.Drops.BadSig != 1 || snap.Gossip.Received != 0 {
		t.Fatalf("tampered payload handling: %+v", snap)
	}
}

func TestReceiveDropsUnknownSender(t *testing.T) {
	a := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	stranger := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	startNode(t, a)

	// A consensus vote is not self-certifying, so a stranger's signature
	// cannot be checked and the message must drop.
	a.Receive(encode(t, signedEnvelope(t, stranger, proto.TypeConsensusVote, votePayload(stranger), proto.ScopeGlobal, nowMs(), 5)))

	snap := a.met.Snapshot()
	if snap.Drops.BadSig != 1 || snap.Gossip.Received != 0 {
		t.Fatalf("unknown sender handling: %+v", snap)
	}
}

func TestSelfCertifyingHeartbeatFromStranger(t *testing.T) {
	a := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	stranger := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	startNode(t, a)

	events := make(chan Event, 64)
	sub := a.Subscribe(events)
	defer sub.Unsubscribe()

	hb := proto.HeartbeatPayload{
		Type:   proto.TypeHeartbeat,
		NodeID: stranger.id,
		PubKey: hex.EncodeToString(stranger.pub),
		Addr:   "addr-s",
		Region: "us-east",
		Status: string(peer.StatusActive),
	}
	a.Receive(encode(t, signedEnvelope(t, stranger, proto.TypeHeartbeat, hb, proto.ScopeRegional, nowMs(), 5)))

	if got := a.met.Snapshot().Gossip.Received; got != 1 {
		t.Fatalf("self-certifying heartbeat not accepted: received=%d", got)
	}
	waitFor(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Name == EvTopologyNewNode {
					nn := ev.Data.(NewNodeEvent)
					return nn.Contact.NodeID == stranger.id
				}
			default:
				return false
			}
		}
	}, "no topology:new-node event for stranger heartbeat")

	if a.dir.Has(stranger.id) {
		t.Fatal("stranger heartbeat implicitly joined the directory")
	}
}

func TestRelayDecrementsTTLAndSkipsRoute(t *testing.T) {
	tr := &captureTransport{}
	a := newTestNode(t, testConfig(t, "us-east"), tr, nil)
	b := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	c := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	register(t, a, b, "addr-b")
	register(t, a, c, "addr-c")
	startNode(t, a)
	tr.take()

	a.Receive(encode(t, signedEnvelope(t, b, proto.TypeConsensusVote, votePayload(b), proto.ScopeGlobal, nowMs(), 5)))

	sends := tr.take()
	if len(sends) != 1 || sends[0].addr != "addr-c" {
		t.Fatalf("relay targets wrong: %v", sends)
	}
	env := decodeSend(t, sends[0])
	if env.TTL != 4 {
		t.Fatalf("relay did not decrement ttl: %d", env.TTL)
	}
	if len(env.Route) != 2 || env.Route[0] != b.id || env.Route[1] != a.id {
		t.Fatalf("relay route: %v", env.Route)
	}
	if a.met.Snapshot().Gossip.Relayed != 1 {
		t.Fatalf("relayed counter: %d", a.met.Snapshot().Gossip.Relayed)
	}
}

func TestRelayStopsAtZeroTTL(t *testing.T) {
	tr := &captureTransport{}
	a := newTestNode(t, testConfig(t, "us-east"), tr, nil)
	b := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	c := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	register(t, a, b, "addr-b")
	register(t, a, c, "addr-c")
	startNode(t, a)
	tr.take()

	a.Receive(encode(t, signedEnvelope(t, b, proto.TypeConsensusVote, votePayload(b), proto.ScopeGlobal, nowMs(), 0)))

	if sends := tr.take(); len(sends) != 0 {
		t.Fatalf("exhausted message relayed: %v", sends)
	}
	snap := a.met.Snapshot()
	if snap.Drops.TTL != 1 {
		t.Fatalf("ttl drops: %d", snap.Drops.TTL)
	}
	// the message itself is still processed locally
	if snap.Gossip.Received != 1 {
		t.Fatalf("received: %d", snap.Gossip.Received)
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	key := strings.Repeat("ab", 32)

	cfgA := testConfig(t, "us-east")
	cfgA.EncryptionEnabled = true
	cfgA.MeshKey = key
	a := newTestNode(t, cfgA, nil, nil)

	cfgB := testConfig(t, "us-east")
	cfgB.EncryptionEnabled = true
	cfgB.MeshKey = key
	b := newTestNode(t, cfgB, &captureTransport{}, nil)

	register(t, a, b, "addr-b")
	register(t, b, a, "addr-a")
	startNode(t, a)
	startNode(t, b)

	tactic := proto.Tactic{
		TacticID:      "tac-1",
		Category:      proto.CategoryHeaderMutation,
		Name:          "rotate accept headers",
		Effectiveness: 0.8,
		SharedBy:      b.id,
		CreatedAt:     nowMs(),
		ExpiresAt:     nowMs() + 60_000,
	}
	env, err := b.buildEnvelope(proto.TypeStealthTactic, proto.TacticPayload{Type: proto.TypeStealthTactic, Tactic: tactic}, proto.ScopeGlobal)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !env.Encrypted {
		t.Fatal("envelope not encrypted with mesh key configured")
	}
	if strings.Contains(string(env.Payload), "rotate accept headers") {
		t.Fatal("plaintext leaked into sealed payload")
	}

	a.Receive(encode(t, env))
	waitFor(t, func() bool { return a.tactics.Len() == 1 }, "tactic not stored from encrypted envelope")
}

func TestEncryptedDropsWithoutKey(t *testing.T) {
	key := strings.Repeat("cd", 32)
	cfgB := testConfig(t, "us-east")
	cfgB.EncryptionEnabled = true
	cfgB.MeshKey = key
	b := newTestNode(t, cfgB, nil, nil)

	a := newTestNode(t, testConfig(t, "us-east"), nil, nil)
	register(t, a, b, "addr-b")
	startNode(t, a)

	env, err := b.buildEnvelope(proto.TypeConsensusVote, votePayload(b), proto.ScopeGlobal)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a.Receive(encode(t, env))

	snap := a.met.Snapshot()
	if snap.Drops.Decode != 1 || snap.Gossip.Received != 0 {
		t.Fatalf("keyless decrypt handling: %+v", snap)
	}
}
