package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hallwayhq/hallway/internal/config"
	"github.com/hallwayhq/hallway/internal/metrics"
	"github.com/hallwayhq/hallway/internal/ratelimit"
)

const sendQueueSize = 32

// Server upgrades /ws requests and runs one session per connection.
type Server struct {
	Relay  *Relay
	Logger *slog.Logger

	IdleTimeout          time.Duration
	PingInterval         time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Clock feeds the per-connection rate limiter; nil means wall clock.
	Clock ratelimit.Clock
}

func NewServer(relay *Relay, cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Relay:  relay,
		Logger: logger,

		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout <= 0 {
		return config.DefaultWSIdleTimeout
	}
	return s.IdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.PingInterval <= 0 {
		return config.DefaultWSPingInterval
	}
	return s.PingInterval
}

func (s *Server) maxMessageBytes() int64 {
	if s.MaxMessageBytes <= 0 {
		return config.DefaultMaxMessageBytes
	}
	return s.MaxMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.MaxMessagesPerSecond <= 0 {
		return config.DefaultMaxMessagesPerSecond
	}
	return s.MaxMessagesPerSecond
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		// Origin policy belongs to the deployment's outer proxy; the core
		// accepts all origins (authentication is an explicit non-goal).
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wc := &wsConn{
		srv:  s,
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Envelope, sendQueueSize),
		done: make(chan struct{}),
		limiter: ratelimit.NewBucket(
			s.Clock,
			int64(s.maxMessagesPerSecond()),
			int64(s.maxMessagesPerSecond()),
		),
	}
	wc.run()
}

const wsWriteWait = 10 * time.Second

type wsConn struct {
	srv  *Server
	id   string
	conn *websocket.Conn

	send chan Envelope
	done chan struct{}

	limiter *ratelimit.Bucket
}

// Send queues an envelope for delivery. A connection that cannot drain its
// queue loses messages rather than stalling the relay. Dropped presence
// broadcasts are repaired by the next one; a dropped negotiation message
// stalls that negotiation, so every overflow is counted and logged.
func (c *wsConn) Send(env Envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		c.srv.Relay.Metrics.Inc(metrics.DropReasonSendQueueFull)
		c.srv.Logger.Warn("send queue full, dropping message", "conn_id", c.id, "type", env.Type)
		return errors.New("send queue full")
	}
}

func (c *wsConn) run() {
	go c.writePump()

	c.srv.Relay.AddConn(c.id, c)
	c.srv.Logger.Debug("connection opened", "conn_id", c.id, "remote", c.conn.RemoteAddr())

	// The welcome's target field carries the client's own connection ID; exit
	// notices are compared against it.
	_ = c.Send(Envelope{Type: EventWelcome, Target: c.id})

	c.readLoop()

	c.srv.Relay.Disconnect(c.id)
	close(c.done)
	_ = c.conn.Close()
	c.srv.Logger.Debug("connection closed", "conn_id", c.id)
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(c.srv.maxMessageBytes())
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout()))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.idleTimeout()))

		if msgType != websocket.TextMessage {
			c.srv.Relay.Metrics.Inc(metrics.DropReasonMalformed)
			continue
		}
		if !c.limiter.Allow() {
			c.srv.Relay.Metrics.Inc(metrics.DropReasonRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := ParseClientEnvelope(data)
		if err != nil {
			// Malformed payloads are rejected at the boundary; the connection
			// survives, the message does not.
			c.srv.Relay.Metrics.Inc(metrics.DropReasonMalformed)
			c.srv.Logger.Debug("rejecting malformed message", "conn_id", c.id, "err", err)
			continue
		}

		c.srv.Relay.Handle(c.id, env)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
