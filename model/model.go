package model

import (
	"encoding/json"
	"time"
)

// Rendezvous envelope types. join/leave are sent by the local peer,
// user-joined/user-left are fanned out by the rendezvous service,
// offer/answer/ice-candidate are relayed point-to-point.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeUserJoined   = "user-joined"
	TypeUserLeft     = "user-left"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Websocket close codes used by the rendezvous service in place of
// error envelopes, so the envelope type set stays fixed.
const (
	CloseBadEnvelope = 4400
	CloseRoomFull    = 4409
)

// Envelope is one rendezvous message. ToPeerID is empty for broadcast
// types; Payload is an opaque blob relayed without inspection beyond
// shape validation in the codec.
type Envelope struct {
	Type       string          `json:"type"`
	RoomID     string          `json:"roomId"`
	FromPeerID string          `json:"fromPeerId"`
	ToPeerID   string          `json:"toPeerId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// PresencePayload rides on user-joined envelopes replayed to a joiner
// for members that were already in the room.
type PresencePayload struct {
	Existing bool `json:"existing"`
}

type (
	Vec3 [3]float32
	Quat [4]float32
)

// StateUpdate is one message on the unreliable data path. Seq is
// monotonic per local session; receivers discard anything not newer
// than the last applied value.
type StateUpdate struct {
	Seq      uint64         `msgpack:"seq"`
	Position Vec3           `msgpack:"position"`
	Rotation Quat           `msgpack:"rotation"`
	Custom   map[string]any `msgpack:"custom,omitempty"`
}

// PeerState is the supervisor connection state.
type PeerState int

const (
	PeerPending PeerState = iota
	PeerNegotiating
	PeerConnected
	PeerDisconnected
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerPending:
		return "pending"
	case PeerNegotiating:
		return "negotiating"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// Peer is a point-in-time copy of one membership table entry, safe to
// retain and iterate while the table keeps changing.
type Peer struct {
	ID             string
	State          PeerState
	LastKnown      StateUpdate
	LastAppliedSeq uint64
	LastActivityAt time.Time
}

// Role determines which side creates the offer. The peer already
// present when a newcomer joins always offers.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// Wire is a pair of channels carrying envelopes between a signaling
// session and the relay on the rendezvous side.
type Wire struct {
	RX chan Envelope
	TX chan Envelope
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Envelope),
		TX: make(chan Envelope),
	}
}
