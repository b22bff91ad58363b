package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/hallwayhq/hallway/internal/presence"
)

type EventType string

const (
	// Server → client on connect: carries the assigned connection ID.
	EventWelcome EventType = "welcome"

	// Presence.
	EventRegister    EventType = "register"
	EventMove        EventType = "move"
	EventPlayersData EventType = "playersData"

	// Pairing.
	EventConnectToPlayer EventType = "connectToPlayer"
	EventConnectRequest  EventType = "connectRequest"
	EventRoomFull        EventType = "roomFull"
	EventConnectResponse EventType = "connectResponse"

	// Room membership.
	EventCreateRoom   EventType = "createRoom"
	EventJoinRoom     EventType = "joinRoom"
	EventPlayerJoined EventType = "playerJoined"
	EventExitRoom     EventType = "exitRoom"
	EventToExitRoom   EventType = "toExitRoom"

	// Negotiation.
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "iceCandidate"
)

// SDP is the JSON-friendly session description exchanged during offer/answer.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate mirrors the browser ICE candidate JSON shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Envelope is the single tagged-variant message exchanged over the event
// channel. Exactly the fields required by the variant may be set; everything
// else is rejected at the boundary.
type Envelope struct {
	Type EventType `json:"type"`

	// From is the sender's connection ID, attached by the relay on every
	// forwarded or broadcast message. Clients must not set it.
	From string `json:"from,omitempty"`

	// Target is the recipient connection ID for directed messages.
	Target string `json:"target,omitempty"`

	// Room is the room token for membership messages.
	Room string `json:"room,omitempty"`

	Name string   `json:"name,omitempty"`
	X    *float64 `json:"x,omitempty"`
	Y    *float64 `json:"y,omitempty"`

	Players []presence.Participant `json:"players,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

// ParseClientEnvelope decodes and validates a client→server message.
func ParseClientEnvelope(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	if err := env.validateClient(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validateClient() error {
	if e.From != "" {
		return fmt.Errorf("%s message must not set from", e.Type)
	}
	switch e.Type {
	case EventRegister:
		if e.Name == "" {
			return fmt.Errorf("register message missing name")
		}
		if e.X == nil || e.Y == nil {
			return fmt.Errorf("register message missing position")
		}
	case EventMove:
		if e.X == nil || e.Y == nil {
			return fmt.Errorf("move message missing position")
		}
	case EventConnectToPlayer, EventRoomFull:
		if e.Target == "" {
			return fmt.Errorf("%s message missing target", e.Type)
		}
	case EventConnectResponse:
		if e.Target == "" || e.Room == "" {
			return fmt.Errorf("connectResponse message missing target/room")
		}
	case EventCreateRoom, EventJoinRoom, EventExitRoom:
		if e.Room == "" {
			return fmt.Errorf("%s message missing room", e.Type)
		}
	case EventOffer:
		if e.Target == "" || e.SDP == nil {
			return fmt.Errorf("offer message missing target/sdp")
		}
		if e.SDP.Type != "offer" {
			return fmt.Errorf("offer message has sdp.type=%q", e.SDP.Type)
		}
	case EventAnswer:
		if e.Target == "" || e.SDP == nil {
			return fmt.Errorf("answer message missing target/sdp")
		}
		if e.SDP.Type != "answer" {
			return fmt.Errorf("answer message has sdp.type=%q", e.SDP.Type)
		}
	case EventICECandidate:
		if e.Target == "" || e.Candidate == nil {
			return fmt.Errorf("iceCandidate message missing target/candidate")
		}
	default:
		return fmt.Errorf("unsupported message type %q", e.Type)
	}
	return nil
}

// ParseServerEnvelope decodes a server→client message on the client side.
// Server messages are trusted in shape but still checked for a known type.
func ParseServerEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	switch env.Type {
	case EventWelcome, EventPlayersData, EventConnectRequest, EventRoomFull,
		EventConnectResponse, EventPlayerJoined, EventOffer, EventAnswer,
		EventICECandidate, EventToExitRoom:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("unsupported server message type %q", env.Type)
	}
}

func ptr[T any](v T) *T { return &v }
