package signaling

import (
	"log/slog"
	"sync"

	"github.com/hallwayhq/hallway/internal/metrics"
	"github.com/hallwayhq/hallway/internal/presence"
	"github.com/hallwayhq/hallway/internal/room"
)

// Sender is the write side of one live connection.
type Sender interface {
	Send(Envelope) error
}

// Relay forwards negotiation payloads between participants and broadcasts
// presence updates. It owns the connection directory; the presence registry
// and room coordinator are injected so the relay logic is testable without a
// network stack.
type Relay struct {
	Registry *presence.Registry
	Rooms    *room.Coordinator
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]Sender
}

func NewRelay(registry *presence.Registry, rooms *room.Coordinator, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		Registry: registry,
		Rooms:    rooms,
		Metrics:  m,
		Logger:   logger,
		conns:    make(map[string]Sender),
	}
}

func (r *Relay) AddConn(connID string, s Sender) {
	r.mu.Lock()
	r.conns[connID] = s
	r.mu.Unlock()
}

func (r *Relay) conn(connID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.conns[connID]
	return s, ok
}

func (r *Relay) allConns() map[string]Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Sender, len(r.conns))
	for id, s := range r.conns {
		out[id] = s
	}
	return out
}

// Forward sends env to the named recipient, tagging the sender's connection
// ID. Unknown recipients are dropped silently.
func (r *Relay) Forward(from, to string, env Envelope) {
	if to == from {
		r.Metrics.Inc(metrics.DropReasonMalformed)
		r.Logger.Debug("dropping self-addressed message", "type", env.Type, "from", from)
		return
	}
	env.From = from
	s, ok := r.conn(to)
	if !ok {
		r.Metrics.Inc(metrics.DropReasonUnknownRecipient)
		r.Logger.Debug("dropping message for unknown recipient", "type", env.Type, "to", to)
		return
	}
	if err := s.Send(env); err != nil {
		r.Logger.Debug("relay send failed", "type", env.Type, "to", to, "err", err)
		return
	}
	r.Metrics.Inc(metrics.SignalsRelayed)
}

// BroadcastPlayers pushes the full participant list to every connection.
// This is the authoritative presence-sync mechanism; there is no diff
// protocol.
func (r *Relay) BroadcastPlayers() {
	players := r.Registry.Snapshot()
	env := Envelope{Type: EventPlayersData, Players: players}
	for id, s := range r.allConns() {
		if err := s.Send(env); err != nil {
			r.Logger.Debug("presence broadcast failed", "to", id, "err", err)
		}
	}
	r.Metrics.Inc(metrics.PresenceBroadcasts)
}

// ExitRoom broadcasts the exit notice to every member of the room, the
// leaver included, before removing the leaver from the membership. The
// leaver's own copy is what triggers its full local cleanup.
func (r *Relay) ExitRoom(connID, token string) {
	notice := Envelope{Type: EventToExitRoom, From: connID}
	for _, member := range r.Rooms.Members(token) {
		if s, ok := r.conn(member); ok {
			if err := s.Send(notice); err != nil {
				r.Logger.Debug("exit notice failed", "to", member, "err", err)
			}
		}
	}
	r.Rooms.Remove(token, connID)
}

// Disconnect handles an ungraceful connection loss: exit notices to every
// room the participant belonged to, then registry removal and a presence
// rebroadcast.
func (r *Relay) Disconnect(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()

	notice := Envelope{Type: EventToExitRoom, From: connID}
	for token, remaining := range r.Rooms.RemoveAll(connID) {
		for _, member := range remaining {
			if s, ok := r.conn(member); ok {
				if err := s.Send(notice); err != nil {
					r.Logger.Debug("exit notice failed", "to", member, "room", token, "err", err)
				}
			}
		}
	}

	if r.Registry.Remove(connID) {
		r.BroadcastPlayers()
	}
}

// Handle processes one validated client message. Every branch either mutates
// state atomically or forwards; nothing blocks.
func (r *Relay) Handle(connID string, env Envelope) {
	switch env.Type {
	case EventRegister:
		if r.Registry.Register(connID, env.Name, *env.X, *env.Y) {
			r.BroadcastPlayers()
		}

	case EventMove:
		if r.Registry.UpdatePosition(connID, *env.X, *env.Y) {
			r.BroadcastPlayers()
		}

	case EventConnectToPlayer:
		// The connect request only reaches targets that are still registered;
		// stale requests die here.
		if _, ok := r.Registry.Get(env.Target); !ok {
			r.Metrics.Inc(metrics.DropReasonUnknownRecipient)
			return
		}
		r.Forward(connID, env.Target, Envelope{Type: EventConnectRequest})

	case EventRoomFull:
		r.Metrics.Inc(metrics.CapacityRejections)
		r.Forward(connID, env.Target, Envelope{Type: EventRoomFull})

	case EventConnectResponse:
		r.Forward(connID, env.Target, Envelope{Type: EventConnectResponse, Room: env.Room})

	case EventCreateRoom:
		r.Rooms.Add(env.Room, connID)

	case EventJoinRoom:
		joined := Envelope{Type: EventPlayerJoined, From: connID}
		for _, member := range r.Rooms.Add(env.Room, connID) {
			if s, ok := r.conn(member); ok {
				if err := s.Send(joined); err != nil {
					r.Logger.Debug("join notice failed", "to", member, "err", err)
				}
			}
		}

	case EventOffer:
		r.Forward(connID, env.Target, Envelope{Type: EventOffer, SDP: env.SDP})

	case EventAnswer:
		r.Forward(connID, env.Target, Envelope{Type: EventAnswer, SDP: env.SDP})

	case EventICECandidate:
		r.Forward(connID, env.Target, Envelope{Type: EventICECandidate, Candidate: env.Candidate})

	case EventExitRoom:
		r.ExitRoom(connID, env.Room)
	}
}
