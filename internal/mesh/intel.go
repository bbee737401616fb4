package mesh

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"swarmmesh/internal/debuglog"
	"swarmmesh/internal/proto"
	"swarmmesh/internal/store"
)

// ShareStealthTactic records a countermeasure locally and floods it to the
// whole mesh. Effectiveness is clamped into [0, 1]; the tactic carries a
// bounded lifetime so stale intelligence ages out everywhere.
func (n *Node) ShareStealthTactic(category proto.TacticCategory, name, description, code string, effectiveness float64, testedAgainst []string) (proto.Tactic, error) {
	if !proto.KnownCategory(category) {
		return proto.Tactic{}, fmt.Errorf("unknown tactic category: %s", category)
	}
	if name == "" {
		return proto.Tactic{}, fmt.Errorf("tactic name is required")
	}
	if effectiveness < 0 {
		effectiveness = 0
	} else if effectiveness > 1 {
		effectiveness = 1
	}
	now := time.Now().UnixMilli()
	t := proto.Tactic{
		TacticID:      uuid.NewString(),
		Category:      category,
		Name:          name,
		Description:   description,
		Code:          code,
		Effectiveness: effectiveness,
		TestedAgainst: testedAgainst,
		SharedBy:      n.id,
		CreatedAt:     now,
		ExpiresAt:     now + DefaultTacticTTL.Milliseconds(),
	}
	n.tactics.Put(t)
	n.met.IncTacticsShared()
	n.bus.publish(EvTacticShared, TacticEvent{Tactic: t})
	if _, err := n.Broadcast(proto.TypeStealthTactic, proto.TacticPayload{Type: proto.TypeStealthTactic, Tactic: t}, proto.ScopeGlobal); err != nil {
		return t, err
	}
	return t, nil
}

// GetBestTactic returns the most effective unexpired tactic in a category.
func (n *Node) GetBestTactic(category proto.TacticCategory) (proto.Tactic, bool) {
	return n.tactics.Best(category)
}

// TacticsByCategory returns all live tactics in a category, best first.
func (n *Node) TacticsByCategory(category proto.TacticCategory) []proto.Tactic {
	return n.tactics.ByCategory(category)
}

// ReportThreat broadcasts a threat alert. Critical threats go global; anything
// lower stays within the reporter's region.
func (n *Node) ReportThreat(threatType string, severity proto.Severity, source, targetPattern, description string, mitigationRequired bool) (proto.ThreatAlertPayload, error) {
	if !proto.KnownSeverity(severity) {
		return proto.ThreatAlertPayload{}, fmt.Errorf("unknown severity: %s", severity)
	}
	p := proto.ThreatAlertPayload{
		Type:               proto.TypeThreatAlert,
		ThreatID:           uuid.NewString(),
		ThreatType:         threatType,
		Severity:           severity,
		Source:             source,
		TargetPattern:      targetPattern,
		Description:        description,
		MitigationRequired: mitigationRequired,
		ReportedBy:         n.id,
		ReportedAt:         time.Now().UnixMilli(),
	}
	scope := proto.ScopeRegional
	if severity == proto.SeverityCritical {
		scope = proto.ScopeGlobal
	}
	n.met.IncThreatsReported()
	n.bus.publish(EvThreatReported, ThreatEvent{Alert: p})
	if _, err := n.Broadcast(proto.TypeThreatAlert, p, scope); err != nil {
		return p, err
	}
	return p, nil
}

// IssueImmunityPatch broadcasts a mitigation for a previously reported threat.
// Patches always travel globally, and critical priority forces immediate
// application on every receiver.
func (n *Node) IssueImmunityPatch(threatAlertID, patchType string, priority proto.Priority, code string, applyImmediately bool) (proto.ImmunityPatchPayload, error) {
	if priority == proto.PriorityCritical {
		applyImmediately = true
	}
	p := proto.ImmunityPatchPayload{
		Type:             proto.TypeImmunityPatch,
		PatchID:          uuid.NewString(),
		ThreatAlertID:    threatAlertID,
		PatchType:        patchType,
		Priority:         priority,
		Code:             code,
		ApplyImmediately: applyImmediately,
		IssuedBy:         n.id,
		IssuedAt:         time.Now().UnixMilli(),
	}
	n.met.IncPatchesIssued()
	n.bus.publish(EvPatchIssued, PatchEvent{Patch: p})
	if _, err := n.Broadcast(proto.TypeImmunityPatch, p, proto.ScopeGlobal); err != nil {
		return p, err
	}
	return p, nil
}

// AnnounceTask floods a work item. Every receiver evaluates the requirements
// locally and surfaces a task event with its own verdict.
func (n *Node) AnnounceTask(taskType string, req proto.TaskRequirements, detail string) (proto.TaskBroadcastPayload, error) {
	p := proto.TaskBroadcastPayload{
		Type:         proto.TypeTaskBroadcast,
		TaskID:       uuid.NewString(),
		TaskType:     taskType,
		Requirements: req,
		Detail:       detail,
		AnnouncedBy:  n.id,
	}
	if _, err := n.Broadcast(proto.TypeTaskBroadcast, p, proto.ScopeGlobal); err != nil {
		return p, err
	}
	return p, nil
}

// ShareResult publishes a task outcome to the mesh.
func (n *Node) ShareResult(taskID, status, summary string) error {
	p := proto.ResultSharePayload{
		Type:     proto.TypeResultShare,
		TaskID:   taskID,
		WorkerID: n.id,
		Status:   status,
		Summary:  summary,
	}
	_, err := n.Broadcast(proto.TypeResultShare, p, proto.ScopeGlobal)
	return err
}

// CastVote publishes this node's vote on a proposal.
func (n *Node) CastVote(proposalID, vote string, weight float64) error {
	p := proto.ConsensusVotePayload{
		Type:       proto.TypeConsensusVote,
		ProposalID: proposalID,
		VoterID:    n.id,
		Vote:       vote,
		Weight:     weight,
	}
	_, err := n.Broadcast(proto.TypeConsensusVote, p, proto.ScopeGlobal)
	return err
}

// EmergencyShutdown broadcasts a mesh-wide stop signal and raises the local
// event as well, since a node's own broadcast never loops back to it.
func (n *Node) EmergencyShutdown(reason string) error {
	p := proto.EmergencyShutdownPayload{
		Type:     proto.TypeEmergencyShutdown,
		Reason:   reason,
		IssuedBy: n.id,
	}
	if _, err := n.Broadcast(proto.TypeEmergencyShutdown, p, proto.ScopeGlobal); err != nil {
		return err
	}
	n.bus.publish(EvEmergencyShutdown, ShutdownEvent{Reason: reason, IssuedBy: n.id})
	return nil
}

// -----------------------------------------------------------------------------
// Pending patch journal
// -----------------------------------------------------------------------------

// patchRecord is one journal line. Replaying the journal rebuilds the pending
// set: a patch is pending when its last record says so.
type patchRecord struct {
	Action string                     `json:"action"` // "pending" or "applied"
	Patch  proto.ImmunityPatchPayload `json:"patch"`
}

func (n *Node) applyPatch(p proto.ImmunityPatchPayload) {
	n.met.IncPatchesApplied()
	n.bus.publish(EvPatchApplied, PatchEvent{Patch: p})
	debuglog.Logf("patch %s applied (%s)", shortID(p.PatchID), p.Priority)
}

func (n *Node) addPendingPatch(p proto.ImmunityPatchPayload) {
	n.mu.Lock()
	_, dup := n.pending[p.PatchID]
	if !dup {
		n.pending[p.PatchID] = p
	}
	n.mu.Unlock()
	if dup {
		return
	}
	n.met.IncPatchesPending()
	if err := store.AppendJSONL(n.patchPath, patchRecord{Action: "pending", Patch: p}); err != nil {
		debuglog.Logf("patch journal append failed: %v", err)
	}
}

// PendingPatches lists patches received but not yet applied.
func (n *Node) PendingPatches() []proto.ImmunityPatchPayload {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]proto.ImmunityPatchPayload, 0, len(n.pending))
	for _, p := range n.pending {
		out = append(out, p)
	}
	return out
}

// ApplyPendingPatch applies one deferred patch by id.
func (n *Node) ApplyPendingPatch(patchID string) error {
	n.mu.Lock()
	p, ok := n.pending[patchID]
	if ok {
		delete(n.pending, patchID)
	}
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending patch %s", patchID)
	}
	n.met.DecPatchesPending()
	if err := store.AppendJSONL(n.patchPath, patchRecord{Action: "applied", Patch: p}); err != nil {
		debuglog.Logf("patch journal append failed: %v", err)
	}
	n.applyPatch(p)
	return nil
}

// loadPendingPatches replays the journal so deferred patches survive a
// restart.
func (n *Node) loadPendingPatches() error {
	return store.ScanJSONL(n.patchPath, func(raw []byte) error {
		var rec patchRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.Patch.PatchID == "" {
			return nil
		}
		switch rec.Action {
		case "pending":
			if _, dup := n.pending[rec.Patch.PatchID]; !dup {
				n.pending[rec.Patch.PatchID] = rec.Patch
				n.met.IncPatchesPending()
			}
		case "applied":
			if _, ok := n.pending[rec.Patch.PatchID]; ok {
				delete(n.pending, rec.Patch.PatchID)
				n.met.DecPatchesPending()
			}
		}
		return nil
	})
}
