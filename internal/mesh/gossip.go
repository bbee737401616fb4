package mesh

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"swarmmesh/internal/config"
	"swarmmesh/internal/crypto"
	"swarmmesh/internal/debuglog"
	"swarmmesh/internal/peer"
	"swarmmesh/internal/proto"
)

// inbound is one verified, decrypted message waiting in the mailbox.
type inbound struct {
	env   proto.Envelope
	plain []byte
}

// Broadcast originates a message into the mesh. The envelope starts with the
// full hop budget and this node as the only route entry; the message id is
// cached so the node's own gossip echoing back is dropped as a duplicate.
func (n *Node) Broadcast(t proto.MsgType, payload any, scope proto.Scope) (string, error) {
	if !n.isRunning() {
		return "", ErrNotRunning
	}
	env, err := n.buildEnvelope(t, payload, scope)
	if err != nil {
		return "", err
	}
	n.dedup.Add(env.MessageID, struct{}{})
	n.met.IncBroadcasts()
	n.bus.publish(EvMessageBroadcast, MessageEvent{Envelope: env})
	targets := n.targetsFor(scope, n.cfg.Region, mapset.NewSet(n.id))
	n.fanOut(env, targets)
	return env.MessageID, nil
}

func (n *Node) buildEnvelope(t proto.MsgType, payload any, scope proto.Scope) (proto.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return proto.Envelope{}, err
	}
	if err := proto.CheckInnerType(t, raw); err != nil {
		return proto.Envelope{}, err
	}
	env := proto.Envelope{
		ProtoVersion: proto.ProtoVersion,
		MessageID:    uuid.NewString(),
		Type:         t,
		SenderID:     n.id,
		SenderRegion: n.cfg.Region,
		Timestamp:    time.Now().UnixMilli(),
		TTL:          n.cfg.Gossip.MaxHops,
		Scope:        scope,
		Route:        []string{n.id},
	}
	if n.meshKey != nil {
		sealed, err := sealPayload(n.meshKey, raw, env.MessageID)
		if err != nil {
			return proto.Envelope{}, err
		}
		env.Encrypted = true
		env.Payload = sealed
	} else {
		env.Payload = raw
	}
	sig, err := crypto.Sign(n.priv, proto.SigningDigest(env))
	if err != nil {
		return proto.Envelope{}, err
	}
	env.Signature = hex.EncodeToString(sig)
	return env, nil
}

// targetsFor resolves a scope to concrete peers. Local hits the best few
// nearby peers, regional floods one region's active peers, global rides the
// scored fanout at every hop.
func (n *Node) targetsFor(scope proto.Scope, region string, exclude mapset.Set[string]) []peer.Info {
	switch scope {
	case proto.ScopeLocal:
		sel := n.dir.SelectRelay(exclude)
		if len(sel) > config.DefaultLocalFanout {
			sel = sel[:config.DefaultLocalFanout]
		}
		return sel
	case proto.ScopeRegional:
		return n.dir.ActiveInRegion(region, exclude)
	default:
		return n.dir.SelectRelay(exclude)
	}
}

func (n *Node) fanOut(env proto.Envelope, targets []peer.Info) {
	if len(targets) == 0 || n.transport == nil {
		return
	}
	data, err := proto.EncodeEnvelope(env)
	if err != nil {
		debuglog.Logf("envelope encode failed: %v", err)
		return
	}
	for _, p := range targets {
		if p.Addr == "" {
			debuglog.Debugf("no address for peer %s, skipping", shortID(p.ID))
			continue
		}
		if err := n.transport.Send(p.Addr, data); err != nil {
			debuglog.Debugf("send to %s failed: %v", shortID(p.ID), err)
			continue
		}
		n.met.IncSent()
		n.bus.publish(EvMessageSent, MessageEvent{Envelope: env, To: p.ID})
	}
}

// Receive runs the full inbound pipeline on one wire frame: decode, decrypt,
// verify, dedup, staleness, then enqueue for dispatch and relay onward.
// Processing a duplicate is a no-op, so redelivery is always safe.
func (n *Node) Receive(data []byte) {
	env, err := proto.DecodeEnvelope(data)
	if err != nil {
		n.met.IncDropDecode()
		n.bus.publish(EvMessageInvalid, InvalidMessageEvent{Reason: "decode: " + err.Error()})
		return
	}
	if env.SenderID == n.id {
		n.met.IncDropDuplicate()
		return
	}
	plain := []byte(env.Payload)
	if env.Encrypted {
		if n.meshKey == nil {
			n.met.IncDropDecode()
			n.bus.publish(EvMessageInvalid, InvalidMessageEvent{MessageID: env.MessageID, Reason: "encrypted payload without mesh key"})
			return
		}
		plain, err = openPayload(n.meshKey, env.Payload, env.MessageID)
		if err != nil {
			n.met.IncDropDecode()
			n.bus.publish(EvMessageInvalid, InvalidMessageEvent{MessageID: env.MessageID, Reason: "decrypt failed"})
			return
		}
	}
	sig, sigErr := hex.DecodeString(env.Signature)
	pub, known := n.senderPub(env, plain)
	if sigErr != nil || !known || !crypto.Verify(pub, proto.SigningDigest(env), sig) {
		n.met.IncDropBadSig()
		n.bus.publish(EvMessageInvalid, InvalidMessageEvent{MessageID: env.MessageID, Reason: "bad signature"})
		debuglog.Dropf("bad_sig", env.MessageID, nil)
		return
	}
	if err := proto.CheckInnerType(env.Type, plain); err != nil {
		n.met.IncDropDecode()
		n.bus.publish(EvMessageInvalid, InvalidMessageEvent{MessageID: env.MessageID, Reason: err.Error()})
		return
	}
	if n.dedup.Contains(env.MessageID) {
		n.met.IncDropDuplicate()
		debuglog.Dropf("duplicate", env.MessageID, nil)
		return
	}
	if age := time.Now().UnixMilli() - env.Timestamp; age > int64(n.cfg.Gossip.MaxMessageAgeMs) {
		n.met.IncDropStale()
		debuglog.Dropf("stale", env.MessageID, fmt.Errorf("age %dms", age))
		return
	}
	n.dedup.Add(env.MessageID, struct{}{})
	n.met.IncReceived()
	n.dir.Touch(env.SenderID)
	n.bus.publish(EvMessageReceived, MessageEvent{Envelope: env})
	select {
	case n.mailbox <- inbound{env: env, plain: plain}:
	default:
		n.met.IncDropQueueFull()
		debuglog.Dropf("queue_full", env.MessageID, nil)
	}
	n.relay(env)
}

// relay forwards a received message to the next hop set. The hop budget is
// spent before this node joins the route, and every node already on the route
// is excluded, so a message can never revisit a node it has traversed.
func (n *Node) relay(env proto.Envelope) {
	if env.TTL <= 0 {
		n.met.IncDropTTL()
		debuglog.Dropf("ttl", env.MessageID, nil)
		return
	}
	env.TTL--
	env.Route = append(append([]string{}, env.Route...), n.id)
	exclude := mapset.NewSet(env.Route...)
	targets := n.targetsFor(env.Scope, env.SenderRegion, exclude)
	if len(targets) == 0 {
		return
	}
	n.met.IncRelayed()
	n.fanOut(env, targets)
}

// senderPub resolves the key to verify a sender against. Known peers verify
// against their directory key. Heartbeats and topology joins are
// self-certifying: the embedded key must hash to the claimed sender id.
// Anything else from an unknown sender is unverifiable and dropped.
func (n *Node) senderPub(env proto.Envelope, plain []byte) ([]byte, bool) {
	if rec, ok := n.dir.Get(env.SenderID); ok && len(rec.PubKey) > 0 {
		return rec.PubKey, true
	}
	switch env.Type {
	case proto.TypeHeartbeat:
		var hb proto.HeartbeatPayload
		if err := json.Unmarshal(plain, &hb); err == nil && hb.NodeID == env.SenderID {
			return selfCertifiedKey(hb.PubKey, env.SenderID)
		}
	case proto.TypeTopologyUpdate:
		var tu proto.TopologyUpdatePayload
		if err := json.Unmarshal(plain, &tu); err == nil {
			for _, c := range tu.Nodes {
				if c.NodeID == env.SenderID {
					return selfCertifiedKey(c.PubKey, env.SenderID)
				}
			}
		}
	}
	return nil, false
}

func selfCertifiedKey(pubHex, senderID string) ([]byte, bool) {
	if pubHex == "" {
		return nil, false
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil || !crypto.IsPublicKey(pub) {
		return nil, false
	}
	if nodeIDHex(crypto.NodeIDFromPub(pub)) != senderID {
		return nil, false
	}
	return pub, true
}

// sealedPayload is the wire form of an encrypted payload. The message id is
// bound in as AEAD associated data.
type sealedPayload struct {
	Nonce  string `json:"nonce"`
	Sealed string `json:"sealed"`
}

func sealPayload(key, plain []byte, msgID string) (json.RawMessage, error) {
	nonce, ct, err := crypto.XSeal(key, plain, []byte(msgID))
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealedPayload{
		Nonce:  hex.EncodeToString(nonce),
		Sealed: base64.StdEncoding.EncodeToString(ct),
	})
}

func openPayload(key []byte, raw json.RawMessage, msgID string) ([]byte, error) {
	var sp sealedPayload
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, err
	}
	nonce, err := hex.DecodeString(sp.Nonce)
	if err != nil {
		return nil, fmt.Errorf("bad nonce encoding")
	}
	ct, err := base64.StdEncoding.DecodeString(sp.Sealed)
	if err != nil {
		return nil, fmt.Errorf("bad ciphertext encoding")
	}
	return crypto.XOpen(key, nonce, ct, []byte(msgID))
}
