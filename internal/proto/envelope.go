package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"swarmmesh/internal/crypto"
)

const ProtoVersion = "1"

// MsgType is the closed set of envelope types carried by the mesh.
type MsgType string

const (
	TypeHeartbeat         MsgType = "heartbeat"
	TypeStealthTactic     MsgType = "stealth-tactic"
	TypeThreatAlert       MsgType = "threat-alert"
	TypeImmunityPatch     MsgType = "immunity-patch"
	TypeTopologyUpdate    MsgType = "topology-update"
	TypeConsensusVote     MsgType = "consensus-vote"
	TypeTaskBroadcast     MsgType = "task-broadcast"
	TypeResultShare       MsgType = "result-share"
	TypeEmergencyShutdown MsgType = "emergency-shutdown"
)

var knownTypes = map[MsgType]struct{}{
	TypeHeartbeat:         {},
	TypeStealthTactic:     {},
	TypeThreatAlert:       {},
	TypeImmunityPatch:     {},
	TypeTopologyUpdate:    {},
	TypeConsensusVote:     {},
	TypeTaskBroadcast:     {},
	TypeResultShare:       {},
	TypeEmergencyShutdown: {},
}

func KnownType(t MsgType) bool {
	_, ok := knownTypes[t]
	return ok
}

// Scope selects the relay subset for a broadcast.
type Scope string

const (
	ScopeLocal    Scope = "local"
	ScopeRegional Scope = "regional"
	ScopeGlobal   Scope = "global"
)

func KnownScope(s Scope) bool {
	return s == ScopeLocal || s == ScopeRegional || s == ScopeGlobal
}

// Envelope is the wire shape every mesh message rides in. TTL and Route are
// the only fields mutated after signing; they are excluded from the signature.
type Envelope struct {
	ProtoVersion string          `json:"proto_version"`
	MessageID    string          `json:"message_id"`
	Type         MsgType         `json:"type"`
	SenderID     string          `json:"sender_id"`
	SenderRegion string          `json:"sender_region"`
	Timestamp    int64           `json:"timestamp"`
	TTL          int             `json:"ttl"`
	Scope        Scope           `json:"scope"`
	Route        []string        `json:"route"`
	Encrypted    bool            `json:"encrypted,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Signature    string          `json:"signature,omitempty"`
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	if e.ProtoVersion == "" {
		e.ProtoVersion = ProtoVersion
	}
	if err := validate(e); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) > MaxFrameSize {
		return Envelope{}, fmt.Errorf("envelope too large")
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.ProtoVersion != "" && e.ProtoVersion != ProtoVersion {
		return Envelope{}, fmt.Errorf("unexpected proto version: %s", e.ProtoVersion)
	}
	if err := validate(e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func validate(e Envelope) error {
	if e.MessageID == "" {
		return fmt.Errorf("missing message_id")
	}
	if !KnownType(e.Type) {
		return fmt.Errorf("unknown msg type: %s", e.Type)
	}
	if e.SenderID == "" {
		return fmt.Errorf("missing sender_id")
	}
	if !KnownScope(e.Scope) {
		return fmt.Errorf("unknown scope: %s", e.Scope)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("missing payload")
	}
	return nil
}

// SigningDigest hashes the immutable envelope fields. TTL and Route change at
// every relay hop and must stay outside the signature.
func SigningDigest(e Envelope) []byte {
	buf := make([]byte, 0, 64+len(e.Payload))
	buf = append(buf, []byte(e.MessageID)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(e.Type)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(e.SenderID)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(e.SenderRegion)...)
	buf = append(buf, 0)
	tmp := make([]byte, 8)
	binary.BigEndian.PutUint64(tmp, uint64(e.Timestamp))
	buf = append(buf, tmp...)
	buf = append(buf, []byte(e.Scope)...)
	buf = append(buf, 0)
	if e.Encrypted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, e.Payload...)
	return crypto.SHA3_256(buf)
}

// RouteContains reports whether id is already in the traversal path.
func (e Envelope) RouteContains(id string) bool {
	for _, hop := range e.Route {
		if hop == id {
			return true
		}
	}
	return false
}
