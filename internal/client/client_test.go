package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hallwayhq/hallway/internal/config"
	"github.com/hallwayhq/hallway/internal/metrics"
	"github.com/hallwayhq/hallway/internal/peer"
	"github.com/hallwayhq/hallway/internal/presence"
	"github.com/hallwayhq/hallway/internal/room"
	"github.com/hallwayhq/hallway/internal/signaling"
)

func newTestServer(t *testing.T) string {
	t.Helper()

	m := metrics.New()
	relay := signaling.NewRelay(presence.NewRegistry(), room.NewCoordinator(m), m, nil)
	cfg := config.Config{
		WSIdleTimeout:        config.DefaultWSIdleTimeout,
		WSPingInterval:       config.DefaultWSPingInterval,
		MaxMessageBytes:      config.DefaultMaxMessageBytes,
		MaxMessagesPerSecond: 1000,
	}
	srv := signaling.NewServer(relay, cfg, nil)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func syntheticCapture(captures *atomic.Int32) peer.CaptureFunc {
	return func(ctx context.Context) (*peer.MediaStream, error) {
		if captures != nil {
			captures.Add(1)
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "synthetic")
		if err != nil {
			return nil, err
		}
		return peer.NewMediaStream([]webrtc.TrackLocal{track}, nil), nil
	}
}

func dialParticipant(t *testing.T, url, name string, x, y float64, opts func(*Options)) *Client {
	t.Helper()

	o := Options{
		URL:             url,
		Name:            name,
		X:               x,
		Y:               y,
		ProximityRadius: 80,
		MaxPeerSessions: 2,
		Capture:         syntheticCapture(nil),
	}
	if opts != nil {
		opts(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c, err := Dial(ctx, o)
	if err != nil {
		cancel()
		t.Fatalf("dial %s: %v", name, err)
	}
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		c.Close()
	})

	waitFor(t, func() bool { return c.SelfID() != "" }, name+" never received welcome")
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestProximityStartsCallBetweenTwoParticipants(t *testing.T) {
	url := newTestServer(t)

	alice := dialParticipant(t, url, "alice", 0, 0, nil)
	bob := dialParticipant(t, url, "bob", 500, 500, nil)

	// Far apart: no sessions.
	time.Sleep(100 * time.Millisecond)
	if alice.Engine().SessionCount() != 0 || bob.Engine().SessionCount() != 0 {
		t.Fatal("sessions created while out of range")
	}

	// Bob walks into range; both sides negotiate.
	if err := bob.Move(10, 10); err != nil {
		t.Fatalf("move: %v", err)
	}
	waitFor(t, func() bool {
		return alice.Engine().InSessionWith(bob.SelfID()) &&
			bob.Engine().InSessionWith(alice.SelfID())
	}, "proximity did not trigger a call")

	waitFor(t, func() bool {
		return alice.Engine().RoomToken() != "" &&
			alice.Engine().RoomToken() == bob.Engine().RoomToken()
	}, "participants did not converge on one room token")
}

func TestWalkingAwayEndsCall(t *testing.T) {
	url := newTestServer(t)

	alice := dialParticipant(t, url, "alice", 0, 0, nil)
	bob := dialParticipant(t, url, "bob", 10, 10, nil)

	waitFor(t, func() bool {
		return alice.Engine().InSessionWith(bob.SelfID()) &&
			bob.Engine().InSessionWith(alice.SelfID())
	}, "initial call never started")

	if err := bob.Move(1000, 1000); err != nil {
		t.Fatalf("move: %v", err)
	}
	waitFor(t, func() bool {
		return alice.Engine().SessionCount() == 0 && bob.Engine().SessionCount() == 0
	}, "call survived walking out of range")

	waitFor(t, func() bool {
		return alice.Engine().RoomToken() == "" && bob.Engine().RoomToken() == ""
	}, "room tokens survived the exit")
}

func TestCapacityRefusalNotifiesLateCaller(t *testing.T) {
	url := newTestServer(t)

	// Host accepts one call partner only.
	host := dialParticipant(t, url, "host", 0, 0, func(o *Options) {
		o.MaxPeerSessions = 1
	})
	first := dialParticipant(t, url, "first", 5, 5, nil)

	waitFor(t, func() bool {
		return host.Engine().InSessionWith(first.SelfID())
	}, "first call never started")

	var refusals atomic.Int32
	late := dialParticipant(t, url, "late", 2000, 2000, func(o *Options) {
		o.ProximityRadius = 0
		o.OnNotice = func(remoteID, reason string) { refusals.Add(1) }
	})

	if err := late.RequestConnect(host.SelfID()); err != nil {
		t.Fatalf("request connect: %v", err)
	}
	waitFor(t, func() bool { return refusals.Load() == 1 },
		"late caller never notified of the refusal")
	if late.Engine().SessionCount() != 0 {
		t.Fatal("refused caller holds a session")
	}
}

func TestCaptureHappensOncePerCallCycle(t *testing.T) {
	url := newTestServer(t)

	var captures atomic.Int32
	alice := dialParticipant(t, url, "alice", 0, 0, func(o *Options) {
		o.Capture = syntheticCapture(&captures)
	})
	bob := dialParticipant(t, url, "bob", 10, 10, nil)

	waitFor(t, func() bool {
		return alice.Engine().InSessionWith(bob.SelfID())
	}, "call never started")
	if got := captures.Load(); got != 1 {
		t.Fatalf("capture ran %d times during the call, want 1", got)
	}
}
