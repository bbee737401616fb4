package mesh

import (
	"github.com/ethereum/go-ethereum/event"

	"swarmmesh/internal/peer"
	"swarmmesh/internal/proto"
)

// EventName identifies a mesh event. The set below is the subscription
// contract consumed by dashboards, worker executors and notification glue.
type EventName string

const (
	EvPeerConnected    EventName = "peer:connected"
	EvPeerDisconnected EventName = "peer:disconnected"
	EvPeerQuarantined  EventName = "peer:quarantined"
	EvPeerHeartbeat    EventName = "peer:heartbeat"

	EvMessageSent      EventName = "message:sent"
	EvMessageReceived  EventName = "message:received"
	EvMessageInvalid   EventName = "message:invalid"
	EvMessageBroadcast EventName = "message:broadcast"

	EvTacticShared   EventName = "tactic:shared"
	EvTacticReceived EventName = "tactic:received"

	EvThreatReported      EventName = "threat:reported"
	EvThreatAlert         EventName = "threat:alert"
	EvThreatAwaitingPatch EventName = "threat:awaiting-patch"

	EvPatchIssued   EventName = "patch:issued"
	EvPatchReceived EventName = "patch:received"
	EvPatchApplied  EventName = "patch:applied"

	EvTopologyUpdated EventName = "topology:updated"
	EvTopologyNewNode EventName = "topology:new-node"

	EvConsensusVote     EventName = "consensus:vote"
	EvTaskBroadcast     EventName = "task:broadcast"
	EvResultShared      EventName = "result:shared"
	EvEmergencyShutdown EventName = "emergency:shutdown"

	EvStarted EventName = "started"
	EvStopped EventName = "stopped"
)

// Event is delivered to every subscriber. Data holds one of the typed
// payloads below, keyed by Name.
type Event struct {
	Name EventName
	Data any
}

type PeerEvent struct {
	Peer   peer.Info
	Reason string
}

type MessageEvent struct {
	Envelope proto.Envelope
	To       string // set on message:sent
}

type InvalidMessageEvent struct {
	MessageID string
	Reason    string
}

type TacticEvent struct {
	Tactic proto.Tactic
}

type ThreatEvent struct {
	Alert proto.ThreatAlertPayload
}

type PatchEvent struct {
	Patch proto.ImmunityPatchPayload
}

type NewNodeEvent struct {
	Contact proto.NodeContact
}

type TopologyEvent struct {
	Snapshot TopologySnapshot
}

type VoteEvent struct {
	Vote proto.ConsensusVotePayload
}

// TaskEvent reports whether the local node can satisfy the task's
// requirements. Acceptance stays with the consumer.
type TaskEvent struct {
	Task      proto.TaskBroadcastPayload
	CanAccept bool
	Reason    string
}

type ResultEvent struct {
	Result proto.ResultSharePayload
}

type ShutdownEvent struct {
	Reason   string
	IssuedBy string
}

// Bus is a typed publish/subscribe fan-out for mesh events. Subscribers must
// drain their channel; Send blocks until every subscriber has received.
type Bus struct {
	feed event.FeedOf[Event]
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(ch chan<- Event) event.Subscription {
	return b.feed.Subscribe(ch)
}

func (b *Bus) publish(name EventName, data any) {
	b.feed.Send(Event{Name: name, Data: data})
}
