package proto

import (
	"encoding/json"
	"fmt"
)

// Every payload repeats the envelope type as an inner discriminant: dispatch
// switches on the outer field, consumers often inspect the inner one.

// Severity of a threat alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func KnownSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Priority of an immunity patch.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// TacticCategory is the closed set of countermeasure classes.
type TacticCategory string

const (
	CategoryFingerprintRotation TacticCategory = "fingerprint-rotation"
	CategoryTimingObfuscation   TacticCategory = "timing-obfuscation"
	CategoryHeaderMutation      TacticCategory = "header-mutation"
	CategoryBehaviorMimicry     TacticCategory = "behavior-mimicry"
	CategoryNetworkRouting      TacticCategory = "network-routing"
	CategoryCaptchaBypass       TacticCategory = "captcha-bypass"
	CategoryRateAdaptation      TacticCategory = "rate-adaptation"
)

func KnownCategory(c TacticCategory) bool {
	switch c {
	case CategoryFingerprintRotation, CategoryTimingObfuscation, CategoryHeaderMutation,
		CategoryBehaviorMimicry, CategoryNetworkRouting, CategoryCaptchaBypass, CategoryRateAdaptation:
		return true
	}
	return false
}

// Capabilities advertises what a node is willing to do for the mesh.
type Capabilities struct {
	Relay         bool `json:"relay"`
	Execute       bool `json:"execute"`
	Store         bool `json:"store"`
	MaxConcurrent int  `json:"max_concurrent"`
	BandwidthKbps int  `json:"bandwidth_kbps"`
}

// NodeContact is the minimum needed to reach and verify a node.
type NodeContact struct {
	NodeID string `json:"node_id"`
	PubKey string `json:"pubkey,omitempty"`
	Addr   string `json:"addr,omitempty"`
	Region string `json:"region,omitempty"`
}

type HeartbeatPayload struct {
	Type      MsgType      `json:"type"`
	NodeID    string       `json:"node_id"`
	PubKey    string       `json:"pubkey,omitempty"`
	Addr      string       `json:"addr,omitempty"`
	Region    string       `json:"region"`
	Status    string       `json:"status"`
	Caps      Capabilities `json:"capabilities"`
	PeerCount int          `json:"peer_count"`
	UptimePct float64      `json:"uptime_pct"`
}

// Tactic is a shared countermeasure with a bounded lifetime.
type Tactic struct {
	TacticID      string         `json:"tactic_id"`
	Category      TacticCategory `json:"category"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Code          string         `json:"code,omitempty"`
	Effectiveness float64        `json:"effectiveness"`
	TestedAgainst []string       `json:"tested_against,omitempty"`
	SharedBy      string         `json:"shared_by"`
	CreatedAt     int64          `json:"created_at"`
	ExpiresAt     int64          `json:"expires_at"`
}

type TacticPayload struct {
	Type   MsgType `json:"type"`
	Tactic Tactic  `json:"tactic"`
}

type ThreatAlertPayload struct {
	Type               MsgType  `json:"type"`
	ThreatID           string   `json:"threat_id"`
	ThreatType         string   `json:"threat_type"`
	Severity           Severity `json:"severity"`
	Source             string   `json:"source,omitempty"`
	TargetPattern      string   `json:"target_pattern,omitempty"`
	Description        string   `json:"description,omitempty"`
	MitigationRequired bool     `json:"mitigation_required"`
	ReportedBy         string   `json:"reported_by"`
	ReportedAt         int64    `json:"reported_at"`
}

type ImmunityPatchPayload struct {
	Type             MsgType  `json:"type"`
	PatchID          string   `json:"patch_id"`
	ThreatAlertID    string   `json:"threat_alert_id"`
	PatchType        string   `json:"patch_type"`
	Priority         Priority `json:"priority"`
	Code             string   `json:"code,omitempty"`
	ApplyImmediately bool     `json:"apply_immediately"`
	IssuedBy         string   `json:"issued_by"`
	IssuedAt         int64    `json:"issued_at"`
}

const (
	TopologyJoin  = "join"
	TopologyLeave = "leave"
)

type TopologyUpdatePayload struct {
	Type   MsgType       `json:"type"`
	Action string        `json:"action"`
	Nodes  []NodeContact `json:"nodes"`
	Reason string        `json:"reason,omitempty"`
}

type ConsensusVotePayload struct {
	Type       MsgType `json:"type"`
	ProposalID string  `json:"proposal_id"`
	VoterID    string  `json:"voter_id"`
	Vote       string  `json:"vote"`
	Weight     float64 `json:"weight,omitempty"`
}

// TaskRequirements gate which nodes may pick a task up.
type TaskRequirements struct {
	MinReliability   float64  `json:"min_reliability,omitempty"`
	PreferredRegions []string `json:"preferred_regions,omitempty"`
	MaxLatencyMs     float64  `json:"max_latency_ms,omitempty"`
	RequireExecute   bool     `json:"require_execute,omitempty"`
}

type TaskBroadcastPayload struct {
	Type         MsgType          `json:"type"`
	TaskID       string           `json:"task_id"`
	TaskType     string           `json:"task_type"`
	Requirements TaskRequirements `json:"requirements"`
	Detail       string           `json:"detail,omitempty"`
	AnnouncedBy  string           `json:"announced_by"`
}

type ResultSharePayload struct {
	Type     MsgType `json:"type"`
	TaskID   string  `json:"task_id"`
	WorkerID string  `json:"worker_id"`
	Status   string  `json:"status"`
	Summary  string  `json:"summary,omitempty"`
}

type EmergencyShutdownPayload struct {
	Type     MsgType `json:"type"`
	Reason   string  `json:"reason"`
	IssuedBy string  `json:"issued_by"`
}

// PayloadType sniffs the inner discriminant without decoding the full payload.
func PayloadType(payload []byte) (MsgType, bool) {
	var hdr struct {
		Type MsgType `json:"type"`
	}
	if err := json.Unmarshal(payload, &hdr); err != nil || hdr.Type == "" {
		return "", false
	}
	return hdr.Type, true
}

// CheckInnerType enforces the inner/outer discriminant invariant.
func CheckInnerType(outer MsgType, payload []byte) error {
	inner, ok := PayloadType(payload)
	if !ok {
		return fmt.Errorf("payload missing type discriminant")
	}
	if inner != outer {
		return fmt.Errorf("payload type %s does not match envelope type %s", inner, outer)
	}
	return nil
}
