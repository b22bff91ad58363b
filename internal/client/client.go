// Package client implements the participant side of the event channel: a
// websocket connection with read/write pumps, the dispatch loop that feeds
// server events into the negotiation engine, and the proximity trigger that
// starts and ends calls as avatars move.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/hallwayhq/hallway/internal/peer"
	"github.com/hallwayhq/hallway/internal/signaling"
)

const (
	defaultPingInterval = 20 * time.Second
	writeWait           = 10 * time.Second
)

// Options configures a participant connection.
type Options struct {
	// URL is the ws:// or wss:// endpoint of the event channel.
	URL string

	// Name is the display name announced on register.
	Name string

	// X, Y is the initial avatar position.
	X, Y float64

	// ProximityRadius starts a call when another avatar comes this close
	// and hangs up when a call partner moves beyond it. Zero disables the
	// trigger; calls are then driven manually via RequestConnect.
	ProximityRadius float64

	// PingInterval paces keepalive pings. Must stay under the server's
	// idle timeout.
	PingInterval time.Duration

	ICEServers      []webrtc.ICEServer
	MaxPeerSessions int
	Capture         peer.CaptureFunc
	Sink            peer.TrackSink
	OnNotice        func(remoteID, reason string)

	Logger *slog.Logger
}

// Client is one connected participant. Run drives the read loop; a writer
// goroutine owns the connection's write side so the engine's goroutines and
// the dispatch loop can both send without interleaving frames.
type Client struct {
	conn   *websocket.Conn
	engine *peer.Engine
	logger *slog.Logger

	name         string
	radius       float64
	pingInterval time.Duration
	prox         *proximityTracker

	mu     sync.Mutex
	selfID string
	x, y   float64

	out       chan signaling.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the event channel and starts the write pump. The caller
// must then invoke Run to process incoming events.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		conn:         conn,
		logger:       logger,
		name:         opts.Name,
		radius:       opts.ProximityRadius,
		pingInterval: pingInterval,
		prox:         newProximityTracker(opts.ProximityRadius),
		x:            opts.X,
		y:            opts.Y,
		out:          make(chan signaling.Envelope, 32),
		done:         make(chan struct{}),
	}
	c.engine = peer.NewEngine(peer.Config{
		ICEServers:      opts.ICEServers,
		MaxPeerSessions: opts.MaxPeerSessions,
		Capture:         opts.Capture,
		Sink:            opts.Sink,
		Send:            c.Send,
		OnNotice:        opts.OnNotice,
		Logger:          logger,
	})
	go c.writePump()
	return c, nil
}

// Engine exposes the negotiation engine, mainly for manual call control and
// inspection.
func (c *Client) Engine() *peer.Engine { return c.engine }

// SelfID returns the connection ID the server assigned, empty until the
// welcome arrives.
func (c *Client) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Send queues an envelope for the write pump. It never blocks the caller on
// a stalled connection.
func (c *Client) Send(env signaling.Envelope) error {
	select {
	case c.out <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
}

// Move updates the avatar position and announces it.
func (c *Client) Move(x, y float64) error {
	c.mu.Lock()
	c.x, c.y = x, y
	c.mu.Unlock()
	return c.Send(signaling.Envelope{Type: signaling.EventMove, X: ptrF(x), Y: ptrF(y)})
}

// RequestConnect manually starts a call toward target, bypassing the
// proximity trigger.
func (c *Client) RequestConnect(target string) error {
	return c.engine.RequestConnect(target)
}

// Run processes incoming events until the connection ends or ctx is
// canceled. It tears down every peer session on the way out.
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()

	stop := context.AfterFunc(ctx, func() {
		c.Close()
	})
	defer stop()

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(3 * c.pingInterval))
	})
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * c.pingInterval))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		env, err := signaling.ParseServerEnvelope(data)
		if err != nil {
			c.logger.Warn("unparseable server message", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

// Close ends the connection and tears down the engine. Safe to call more
// than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.engine.Close()
		_ = c.conn.Close()
	})
}

func (c *Client) dispatch(env signaling.Envelope) {
	switch env.Type {
	case signaling.EventWelcome:
		c.mu.Lock()
		c.selfID = env.Target
		x, y := c.x, c.y
		c.mu.Unlock()
		c.engine.SetSelfID(env.Target)
		if err := c.Send(signaling.Envelope{
			Type: signaling.EventRegister,
			Name: c.name,
			X:    ptrF(x),
			Y:    ptrF(y),
		}); err != nil {
			c.logger.Warn("send register", "err", err)
		}

	case signaling.EventPlayersData:
		c.onPlayersData(env)

	case signaling.EventConnectRequest:
		c.engine.HandleConnectRequest(env.From)

	case signaling.EventRoomFull:
		c.engine.HandleRoomFull(env.From)

	case signaling.EventConnectResponse:
		c.engine.HandleConnectResponse(env.From, env.Room)

	case signaling.EventPlayerJoined:
		c.engine.HandlePlayerJoined(env.From)

	case signaling.EventOffer:
		if env.SDP != nil {
			c.engine.HandleOffer(env.From, *env.SDP)
		}

	case signaling.EventAnswer:
		if env.SDP != nil {
			c.engine.HandleAnswer(env.From, *env.SDP)
		}

	case signaling.EventICECandidate:
		if env.Candidate != nil {
			c.engine.HandleCandidate(env.From, *env.Candidate)
		}

	case signaling.EventToExitRoom:
		c.engine.HandleExit(env.From)
	}
}

// onPlayersData feeds the snapshot through the proximity tracker. Entering
// the radius approaches the participant; a call partner leaving it hangs up
// the whole call.
func (c *Client) onPlayersData(env signaling.Envelope) {
	if c.radius <= 0 {
		return
	}
	c.mu.Lock()
	selfID := c.selfID
	c.mu.Unlock()
	if selfID == "" {
		return
	}

	entered, departed := c.prox.update(selfID, env.Players)
	for _, id := range entered {
		if c.engine.InSessionWith(id) {
			continue
		}
		// Lower connection ID approaches so both sides do not request
		// each other simultaneously.
		if selfID > id {
			continue
		}
		c.logger.Info("participant in range, approaching", "remote", id)
		if err := c.engine.RequestConnect(id); err != nil {
			c.logger.Warn("request connect", "remote", id, "err", err)
		}
	}
	partnerLeft := false
	for _, id := range departed {
		if c.engine.InSessionWith(id) {
			partnerLeft = true
			break
		}
	}
	if !partnerLeft {
		return
	}
	// Stay in the call while any partner is still in range.
	for id := range c.prox.near {
		if c.engine.InSessionWith(id) {
			return
		}
	}
	c.logger.Info("no call partner in range, leaving")
	if err := c.engine.ExitRoom(); err != nil {
		c.logger.Warn("exit room", "err", err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case env := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Debug("write failed", "type", env.Type, "err", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func ptrF(v float64) *float64 { return &v }
