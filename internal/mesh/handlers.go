package mesh

import (
	"encoding/json"

	"swarmmesh/internal/debuglog"
	"swarmmesh/internal/peer"
	"swarmmesh/internal/proto"
)

// drainLoop is the single consumer of the mailbox. Concurrency lives on the
// transport side; dispatch itself is serial so handlers never race each other.
func (n *Node) drainLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.quit:
			return
		case in := <-n.mailbox:
			n.dispatch(in)
		}
	}
}

func (n *Node) dispatch(in inbound) {
	switch in.env.Type {
	case proto.TypeHeartbeat:
		n.handleHeartbeat(in)
	case proto.TypeStealthTactic:
		n.handleTactic(in)
	case proto.TypeThreatAlert:
		n.handleThreatAlert(in)
	case proto.TypeImmunityPatch:
		n.handleImmunityPatch(in)
	case proto.TypeTopologyUpdate:
		n.handleTopologyUpdate(in)
	case proto.TypeConsensusVote:
		n.handleConsensusVote(in)
	case proto.TypeTaskBroadcast:
		n.handleTaskBroadcast(in)
	case proto.TypeResultShare:
		n.handleResultShare(in)
	case proto.TypeEmergencyShutdown:
		n.handleEmergencyShutdown(in)
	}
}

func (n *Node) decodePayload(in inbound, dst any) bool {
	if err := json.Unmarshal(in.plain, dst); err != nil {
		n.met.IncDropDecode()
		debuglog.Dropf("payload", in.env.MessageID, err)
		return false
	}
	return true
}

func (n *Node) handleHeartbeat(in inbound) {
	var p proto.HeartbeatPayload
	if !n.decodePayload(in, &p) {
		return
	}
	caps := peer.Capabilities{
		Relay:         p.Caps.Relay,
		Execute:       p.Caps.Execute,
		Store:         p.Caps.Store,
		MaxConcurrent: p.Caps.MaxConcurrent,
		BandwidthKbps: p.Caps.BandwidthKbps,
	}
	known := n.dir.Heartbeat(p.NodeID, peer.Status(p.Status), p.Region, p.Addr, caps, p.PeerCount, p.UptimePct)
	if !known {
		// A stranger announcing itself is a discovery, not an implicit join.
		n.bus.publish(EvTopologyNewNode, NewNodeEvent{Contact: proto.NodeContact{
			NodeID: p.NodeID, PubKey: p.PubKey, Addr: p.Addr, Region: p.Region,
		}})
		return
	}
	if rec, ok := n.dir.Get(p.NodeID); ok {
		n.bus.publish(EvPeerHeartbeat, PeerEvent{Peer: rec})
	}
}

func (n *Node) handleTactic(in inbound) {
	var p proto.TacticPayload
	if !n.decodePayload(in, &p) {
		return
	}
	if !n.tactics.Put(p.Tactic) {
		debuglog.Dropf("tactic", in.env.MessageID, nil)
		return
	}
	n.met.IncTacticsReceived()
	n.bus.publish(EvTacticReceived, TacticEvent{Tactic: p.Tactic})
}

func (n *Node) handleThreatAlert(in inbound) {
	var p proto.ThreatAlertPayload
	if !n.decodePayload(in, &p) {
		return
	}
	if !proto.KnownSeverity(p.Severity) {
		debuglog.Dropf("severity", in.env.MessageID, nil)
		return
	}
	n.bus.publish(EvThreatAlert, ThreatEvent{Alert: p})
	if p.MitigationRequired {
		n.bus.publish(EvThreatAwaitingPatch, ThreatEvent{Alert: p})
	}
}

func (n *Node) handleImmunityPatch(in inbound) {
	var p proto.ImmunityPatchPayload
	if !n.decodePayload(in, &p) {
		return
	}
	// Critical patches apply immediately no matter what the issuer set.
	if p.Priority == proto.PriorityCritical {
		p.ApplyImmediately = true
	}
	n.bus.publish(EvPatchReceived, PatchEvent{Patch: p})
	if p.ApplyImmediately {
		n.applyPatch(p)
		return
	}
	n.addPendingPatch(p)
}

func (n *Node) handleTopologyUpdate(in inbound) {
	var p proto.TopologyUpdatePayload
	if !n.decodePayload(in, &p) {
		return
	}
	switch p.Action {
	case proto.TopologyJoin:
		for _, c := range p.Nodes {
			if c.NodeID == n.id || n.dir.Has(c.NodeID) {
				continue
			}
			n.bus.publish(EvTopologyNewNode, NewNodeEvent{Contact: c})
		}
	case proto.TopologyLeave:
		reason := p.Reason
		if reason == "" {
			reason = "left mesh"
		}
		for _, c := range p.Nodes {
			if c.NodeID == n.id {
				continue
			}
			n.removePeer(c.NodeID, reason, false)
		}
	default:
		debuglog.Dropf("topology", in.env.MessageID, nil)
	}
}

func (n *Node) handleConsensusVote(in inbound) {
	var p proto.ConsensusVotePayload
	if !n.decodePayload(in, &p) {
		return
	}
	n.bus.publish(EvConsensusVote, VoteEvent{Vote: p})
}

func (n *Node) handleTaskBroadcast(in inbound) {
	var p proto.TaskBroadcastPayload
	if !n.decodePayload(in, &p) {
		return
	}
	can, reason := n.evaluateTask(p.Requirements)
	n.bus.publish(EvTaskBroadcast, TaskEvent{Task: p, CanAccept: can, Reason: reason})
}

func (n *Node) handleResultShare(in inbound) {
	var p proto.ResultSharePayload
	if !n.decodePayload(in, &p) {
		return
	}
	n.bus.publish(EvResultShared, ResultEvent{Result: p})
}

func (n *Node) handleEmergencyShutdown(in inbound) {
	var p proto.EmergencyShutdownPayload
	if !n.decodePayload(in, &p) {
		return
	}
	debuglog.Logf("emergency shutdown signalled by %s: %s", shortID(p.IssuedBy), p.Reason)
	n.bus.publish(EvEmergencyShutdown, ShutdownEvent{Reason: p.Reason, IssuedBy: p.IssuedBy})
}

// evaluateTask checks the local node against a task's requirements. The
// verdict is advisory; acceptance stays with whatever consumes the event.
func (n *Node) evaluateTask(req proto.TaskRequirements) (bool, string) {
	if req.RequireExecute && !n.caps.Execute {
		return false, "execute capability required"
	}
	if req.MinReliability > 0 && n.reliability < req.MinReliability {
		return false, "reliability below minimum"
	}
	if len(req.PreferredRegions) > 0 {
		found := false
		for _, r := range req.PreferredRegions {
			if r == n.cfg.Region {
				found = true
				break
			}
		}
		if !found {
			return false, "outside preferred regions"
		}
	}
	if req.MaxLatencyMs > 0 {
		if avg := n.dir.AvgLatencyMs(); avg > req.MaxLatencyMs {
			return false, "mesh latency above maximum"
		}
	}
	return true, ""
}
