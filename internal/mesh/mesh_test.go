package mesh

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/google/uuid"

	"swarmmesh/internal/config"
	"swarmmesh/internal/crypto"
	"swarmmesh/internal/peer"
	"swarmmesh/internal/proto"
)

// captureTransport records every send and can optionally deliver frames to a
// registered receiver, all synchronously.
type captureTransport struct {
	mu      sync.Mutex
	sends   []capturedSend
	deliver map[string]func([]byte)
}

type capturedSend struct {
	addr  string
	frame []byte
}

func (t *captureTransport) Listen(ctx context.Context, addr string, recv func([]byte)) error {
	t.mu.Lock()
	if t.deliver == nil {
		t.deliver = make(map[string]func([]byte))
	}
	t.deliver[addr] = recv
	t.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (t *captureTransport) Send(addr string, frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	t.mu.Lock()
	t.sends = append(t.sends, capturedSend{addr: addr, frame: cp})
	recv := t.deliver[addr]
	t.mu.Unlock()
	if recv != nil {
		recv(cp)
	}
	return nil
}

func (t *captureTransport) take() []capturedSend {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.sends
	t.sends = nil
	return out
}

func sendAddrs(sends []capturedSend) []string {
	out := make([]string, 0, len(sends))
	for _, s := range sends {
		out = append(out, s.addr)
	}
	sort.Strings(out)
	return out
}

func decodeSend(t *testing.T, s capturedSend) proto.Envelope {
	t.Helper()
	env, err := proto.DecodeEnvelope(s.frame)
	if err != nil {
		t.Fatalf("captured frame undecodable: %v", err)
	}
	return env
}

func testConfig(t *testing.T, region string) config.Config {
	t.Helper()
	return config.Config{Region: region, DataDir: t.TempDir()}
}

func newTestNode(t *testing.T, cfg config.Config, tr Transport, clock mclock.Clock) *Node {
	t.Helper()
	n, err := NewNode(Options{Config: cfg, Transport: tr, Clock: clock})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return n
}

func startNode(t *testing.T, n *Node) {
	t.Helper()
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(n.Stop)
}

// register adds sender to n's directory so its signatures verify.
func register(t *testing.T, n, sender *Node, addr string) {
	t.Helper()
	err := n.ConnectToPeer(peer.Info{
		ID:     sender.id,
		PubKey: sender.pub,
		Addr:   addr,
		Region: sender.cfg.Region,
	})
	if err != nil {
		t.Fatalf("register peer: %v", err)
	}
}

// signedEnvelope builds an envelope with an explicit timestamp and ttl,
// bypassing Broadcast so tests can shape the wire exactly.
func signedEnvelope(t *testing.T, sender *Node, typ proto.MsgType, payload any, scope proto.Scope, ts int64, ttl int) proto.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := proto.Envelope{
		ProtoVersion: proto.ProtoVersion,
		MessageID:    uuid.NewString(),
		Type:         typ,
		SenderID:     sender.id,
		SenderRegion: sender.cfg.Region,
		Timestamp:    ts,
		TTL:          ttl,
		Scope:        scope,
		Route:        []string{sender.id},
		Payload:      raw,
	}
	sig, err := crypto.Sign(sender.priv, proto.SigningDigest(env))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	env.Signature = hex.EncodeToString(sig)
	return env
}

func encode(t *testing.T, env proto.Envelope) []byte {
	t.Helper()
	data, err := proto.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return data
}

func votePayload(sender *Node) proto.ConsensusVotePayload {
	return proto.ConsensusVotePayload{
		Type:       proto.TypeConsensusVote,
		ProposalID: "prop-1",
		VoterID:    sender.id,
		Vote:       "yes",
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
