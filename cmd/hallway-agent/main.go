// Command hallway-agent is a headless participant: it registers an avatar,
// optionally wanders the space, and negotiates audio calls with whoever
// crosses its proximity radius. It publishes synthetic silence instead of a
// real capture device, which makes it useful for soak testing a deployment
// and for populating a space during development.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/hallwayhq/hallway/internal/client"
	"github.com/hallwayhq/hallway/internal/config"
	"github.com/hallwayhq/hallway/internal/peer"
)

func main() {
	fs := flag.NewFlagSet("hallway-agent", flag.ContinueOnError)
	var (
		serverURL   = fs.String("url", "ws://127.0.0.1:8080/ws", "event channel websocket URL")
		name        = fs.String("name", "agent", "display name")
		x           = fs.Float64("x", 0, "initial x position")
		y           = fs.Float64("y", 0, "initial y position")
		radius      = fs.Float64("radius", config.DefaultProximityRadius, "proximity radius, 0 disables auto-calling")
		maxSessions = fs.Int("max-sessions", config.DefaultMaxPeerSessions, "peer session capacity")
		wander      = fs.Bool("wander", false, "random-walk the avatar")
		wanderEvery = fs.Duration("wander-every", 2*time.Second, "random walk step interval")
		logLevel    = fs.String("log-level", "info", "debug, info, warn or error")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	iceServers := fetchICEServers(ctx, *serverURL, logger)

	c, err := client.Dial(ctx, client.Options{
		URL:             *serverURL,
		Name:            *name,
		X:               *x,
		Y:               *y,
		ProximityRadius: *radius,
		ICEServers:      iceServers,
		MaxPeerSessions: *maxSessions,
		Capture:         silenceCapture(logger),
		Sink:            &loggingSink{logger: logger},
		OnNotice: func(remoteID, reason string) {
			logger.Info("call refused", "remote", remoteID, "reason", reason)
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("connect failed", "err", err)
		os.Exit(1)
	}

	if *wander {
		go randomWalk(ctx, c, *x, *y, *wanderEvery)
	}

	logger.Info("agent running", "url", *serverURL, "name", *name)
	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("connection lost", "err", err)
		os.Exit(1)
	}
}

// fetchICEServers asks the server's /ice endpoint for the STUN/TURN list,
// falling back to the built-in defaults when the endpoint is unreachable.
func fetchICEServers(ctx context.Context, wsURL string, logger *slog.Logger) []webrtc.ICEServer {
	u, err := url.Parse(wsURL)
	if err != nil {
		return config.DefaultICEServers()
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/ice"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return config.DefaultICEServers()
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warn("ice endpoint unreachable, using defaults", "err", err)
		return config.DefaultICEServers()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Warn("ice endpoint error, using defaults", "status", resp.StatusCode)
		return config.DefaultICEServers()
	}

	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || len(body.ICEServers) == 0 {
		return config.DefaultICEServers()
	}
	return body.ICEServers
}

// silenceCapture produces an opus track fed with 20ms frames of silence, so
// the peer connection carries real RTP without a capture device.
func silenceCapture(logger *slog.Logger) peer.CaptureFunc {
	return func(ctx context.Context) (*peer.MediaStream, error) {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "hallway-agent")
		if err != nil {
			return nil, err
		}

		done := make(chan struct{})
		go func() {
			// Minimal opus frame encoding silence.
			frame := []byte{0xf8, 0xff, 0xfe}
			ticker := time.NewTicker(20 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := track.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond}); err != nil {
						logger.Debug("write sample", "err", err)
					}
				case <-done:
					return
				}
			}
		}()

		return peer.NewMediaStream([]webrtc.TrackLocal{track}, func() { close(done) }), nil
	}
}

// loggingSink drains remote tracks and logs packet totals once per second.
type loggingSink struct {
	logger *slog.Logger
}

func (s *loggingSink) AttachTrack(remoteID string, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	s.logger.Info("remote track", "remote", remoteID, "codec", track.Codec().MimeType)
	go func() {
		var packets int
		last := time.Now()
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				s.logger.Info("remote track ended", "remote", remoteID, "packets", packets)
				return
			}
			packets++
			if time.Since(last) >= time.Second {
				s.logger.Debug("receiving", "remote", remoteID, "packets", packets)
				last = time.Now()
			}
		}
	}()
}

func (s *loggingSink) DetachTracks(string) {}

// randomWalk nudges the avatar around its starting point so proximity
// triggers fire against other participants.
func randomWalk(ctx context.Context, c *client.Client, x, y float64, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			x += (rand.Float64() - 0.5) * 40
			y += (rand.Float64() - 0.5) * 40
			if err := c.Move(x, y); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
