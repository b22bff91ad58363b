package signaling

import (
	"errors"
	"sort"
	"testing"

	"github.com/hallwayhq/hallway/internal/metrics"
	"github.com/hallwayhq/hallway/internal/presence"
	"github.com/hallwayhq/hallway/internal/room"
)

type recordingSender struct {
	envs []Envelope
	fail bool
}

func (s *recordingSender) Send(env Envelope) error {
	if s.fail {
		return errors.New("send failed")
	}
	s.envs = append(s.envs, env)
	return nil
}

func (s *recordingSender) byType(t EventType) []Envelope {
	var out []Envelope
	for _, env := range s.envs {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

type relayFixture struct {
	relay   *Relay
	metrics *metrics.Metrics
	senders map[string]*recordingSender
}

func newRelayFixture(ids ...string) *relayFixture {
	m := metrics.New()
	f := &relayFixture{
		relay:   NewRelay(presence.NewRegistry(), room.NewCoordinator(m), m, nil),
		metrics: m,
		senders: make(map[string]*recordingSender),
	}
	for _, id := range ids {
		s := &recordingSender{}
		f.senders[id] = s
		f.relay.AddConn(id, s)
	}
	return f
}

func (f *relayFixture) register(id, name string, x, y float64) {
	f.relay.Handle(id, Envelope{Type: EventRegister, Name: name, X: ptr(x), Y: ptr(y)})
}

func TestRegisterBroadcastsPlayers(t *testing.T) {
	f := newRelayFixture("a", "b")

	f.register("a", "alice", 1, 2)

	for id, s := range f.senders {
		got := s.byType(EventPlayersData)
		if len(got) != 1 {
			t.Fatalf("sender %s saw %d playersData broadcasts, want 1", id, len(got))
		}
		if len(got[0].Players) != 1 || got[0].Players[0].Name != "alice" {
			t.Fatalf("sender %s got players %+v", id, got[0].Players)
		}
	}

	// Duplicate register: no mutation, no broadcast.
	f.register("a", "impostor", 9, 9)
	if got := f.senders["b"].byType(EventPlayersData); len(got) != 1 {
		t.Fatalf("duplicate register triggered a broadcast")
	}
}

func TestMoveUpdatesAndBroadcasts(t *testing.T) {
	f := newRelayFixture("a", "b")
	f.register("a", "alice", 0, 0)

	f.relay.Handle("a", Envelope{Type: EventMove, X: ptr(7.0), Y: ptr(8.0)})

	got := f.senders["b"].byType(EventPlayersData)
	if len(got) != 2 {
		t.Fatalf("saw %d broadcasts, want 2", len(got))
	}
	p := got[1].Players[0]
	if p.X != 7 || p.Y != 8 {
		t.Fatalf("broadcast position %+v, want (7,8)", p)
	}

	// Unregistered mover: silent no-op, no broadcast.
	f.relay.Handle("ghost", Envelope{Type: EventMove, X: ptr(1.0), Y: ptr(1.0)})
	if got := f.senders["b"].byType(EventPlayersData); len(got) != 2 {
		t.Fatalf("unregistered move triggered a broadcast")
	}
}

func TestConnectToPlayerReachesRegisteredTarget(t *testing.T) {
	f := newRelayFixture("a", "b")
	f.register("a", "alice", 0, 0)
	f.register("b", "bob", 1, 1)

	f.relay.Handle("a", Envelope{Type: EventConnectToPlayer, Target: "b"})

	got := f.senders["b"].byType(EventConnectRequest)
	if len(got) != 1 {
		t.Fatalf("target saw %d connect requests, want 1", len(got))
	}
	if got[0].From != "a" {
		t.Fatalf("connect request from=%q, want a", got[0].From)
	}
}

func TestConnectToUnknownTargetIsDropped(t *testing.T) {
	f := newRelayFixture("a")
	f.register("a", "alice", 0, 0)

	f.relay.Handle("a", Envelope{Type: EventConnectToPlayer, Target: "nobody"})

	if len(f.senders["a"].byType(EventRoomFull)) != 0 {
		t.Fatalf("sender received an error for a dropped request")
	}
	if f.metrics.Get(metrics.DropReasonUnknownRecipient) != 1 {
		t.Fatalf("drop counter=%d, want 1", f.metrics.Get(metrics.DropReasonUnknownRecipient))
	}
}

func TestNegotiationMessagesAreForwardedVerbatim(t *testing.T) {
	f := newRelayFixture("a", "b")

	sdp := &SDP{Type: "offer", SDP: "v=0"}
	f.relay.Handle("a", Envelope{Type: EventOffer, Target: "b", SDP: sdp})

	got := f.senders["b"].byType(EventOffer)
	if len(got) != 1 {
		t.Fatalf("target saw %d offers, want 1", len(got))
	}
	if got[0].From != "a" || got[0].SDP == nil || got[0].SDP.SDP != "v=0" {
		t.Fatalf("forwarded offer %+v", got[0])
	}

	cand := &Candidate{Candidate: "candidate:1"}
	f.relay.Handle("b", Envelope{Type: EventICECandidate, Target: "a", Candidate: cand})
	gotCand := f.senders["a"].byType(EventICECandidate)
	if len(gotCand) != 1 || gotCand[0].From != "b" || gotCand[0].Candidate.Candidate != "candidate:1" {
		t.Fatalf("forwarded candidate %+v", gotCand)
	}

	// Disconnected recipient: silent drop.
	f.relay.Handle("a", Envelope{Type: EventOffer, Target: "gone", SDP: sdp})
	if f.metrics.Get(metrics.DropReasonUnknownRecipient) != 1 {
		t.Fatalf("expected silent drop for unknown recipient")
	}
}

func TestJoinRoomNotifiesExistingMembers(t *testing.T) {
	f := newRelayFixture("a", "b", "c")

	f.relay.Handle("b", Envelope{Type: EventCreateRoom, Room: "r1"})
	f.relay.Handle("c", Envelope{Type: EventJoinRoom, Room: "r1"})
	f.relay.Handle("a", Envelope{Type: EventJoinRoom, Room: "r1"})

	// b learns about both joiners, c only about a, a about nobody.
	var joinersSeenByB []string
	for _, env := range f.senders["b"].byType(EventPlayerJoined) {
		joinersSeenByB = append(joinersSeenByB, env.From)
	}
	sort.Strings(joinersSeenByB)
	if len(joinersSeenByB) != 2 || joinersSeenByB[0] != "a" || joinersSeenByB[1] != "c" {
		t.Fatalf("b saw joiners %v, want [a c]", joinersSeenByB)
	}
	if got := f.senders["c"].byType(EventPlayerJoined); len(got) != 1 || got[0].From != "a" {
		t.Fatalf("c saw joiners %+v, want just a", got)
	}
	if got := f.senders["a"].byType(EventPlayerJoined); len(got) != 0 {
		t.Fatalf("joiner notified about itself: %+v", got)
	}
}

func TestExitRoomNoticeIncludesLeaver(t *testing.T) {
	f := newRelayFixture("a", "b")
	f.relay.Handle("a", Envelope{Type: EventCreateRoom, Room: "r1"})
	f.relay.Handle("b", Envelope{Type: EventJoinRoom, Room: "r1"})

	f.relay.Handle("a", Envelope{Type: EventExitRoom, Room: "r1"})

	// Both the leaver and the remaining member get the notice naming the
	// leaver; the leaver's copy triggers its full local cleanup.
	for _, id := range []string{"a", "b"} {
		got := f.senders[id].byType(EventToExitRoom)
		if len(got) != 1 || got[0].From != "a" {
			t.Fatalf("%s saw exit notices %+v", id, got)
		}
	}

	if members := f.relay.Rooms.Members("r1"); len(members) != 1 || members[0] != "b" {
		t.Fatalf("room members after exit: %v", members)
	}
}

func TestDisconnectFansOutAndCleansUp(t *testing.T) {
	f := newRelayFixture("a", "b", "c")
	f.register("a", "alice", 0, 0)
	f.register("b", "bob", 1, 1)
	f.register("c", "carol", 2, 2)

	f.relay.Handle("a", Envelope{Type: EventCreateRoom, Room: "r1"})
	f.relay.Handle("b", Envelope{Type: EventJoinRoom, Room: "r1"})

	f.relay.Disconnect("a")

	got := f.senders["b"].byType(EventToExitRoom)
	if len(got) != 1 || got[0].From != "a" {
		t.Fatalf("b saw exit notices %+v", got)
	}
	// c shares no room with a: no exit notice.
	if got := f.senders["c"].byType(EventToExitRoom); len(got) != 0 {
		t.Fatalf("c saw exit notices %+v", got)
	}

	// Registry removal triggers a final presence broadcast without a.
	broadcasts := f.senders["c"].byType(EventPlayersData)
	last := broadcasts[len(broadcasts)-1]
	for _, p := range last.Players {
		if p.ID == "a" {
			t.Fatalf("disconnected participant still in presence broadcast")
		}
	}
	if len(last.Players) != 2 {
		t.Fatalf("final broadcast has %d players, want 2", len(last.Players))
	}
}

func TestRoomFullIsRelayedAndCounted(t *testing.T) {
	f := newRelayFixture("a", "b")

	f.relay.Handle("b", Envelope{Type: EventRoomFull, Target: "a"})

	got := f.senders["a"].byType(EventRoomFull)
	if len(got) != 1 || got[0].From != "b" {
		t.Fatalf("initiator saw room-full notices %+v", got)
	}
	if f.metrics.Get(metrics.CapacityRejections) != 1 {
		t.Fatalf("capacity rejection counter not incremented")
	}
}

func TestSelfAddressedSignalIsDropped(t *testing.T) {
	f := newRelayFixture("a")
	f.register("a", "alice", 0, 0)

	f.relay.Handle("a", Envelope{
		Type:   EventOffer,
		Target: "a",
		SDP:    &SDP{Type: "offer", SDP: "v=0\r\n"},
	})

	if len(f.senders["a"].byType(EventOffer)) != 0 {
		t.Fatalf("relay echoed an offer back to its sender")
	}
	if f.metrics.Get(metrics.DropReasonMalformed) != 1 {
		t.Fatalf("malformed drop counter=%d, want 1", f.metrics.Get(metrics.DropReasonMalformed))
	}
}
