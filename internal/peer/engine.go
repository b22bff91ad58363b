package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/hallwayhq/hallway/internal/room"
	"github.com/hallwayhq/hallway/internal/signaling"
)

// SendFunc delivers an envelope over the signaling connection.
type SendFunc func(signaling.Envelope) error

// Config carries everything an Engine needs injected.
type Config struct {
	// ICEServers seeds every new peer connection.
	ICEServers []webrtc.ICEServer

	// MaxPeerSessions caps how many concurrent remotes this client accepts.
	MaxPeerSessions int

	// Capture opens the local media device on first demand.
	Capture CaptureFunc

	// Sink receives remote tracks. Nil means discard.
	Sink TrackSink

	// Send writes to the signaling channel.
	Send SendFunc

	// OnNotice receives informational rejections such as a full room.
	// Optional.
	OnNotice func(remoteID string, reason string)

	Logger *slog.Logger
}

// Engine owns one negotiation state machine per remote participant. All
// Handle methods are driven by the signaling dispatch loop; the blocking
// parts of a negotiation run on their own goroutine so a slow capture or
// SDP exchange never stalls the event stream.
type Engine struct {
	api    *webrtc.API
	cfg    webrtc.Configuration
	max    int
	gate   *Gate
	sink   TrackSink
	send   SendFunc
	notice func(string, string)
	logger *slog.Logger

	mu        sync.Mutex
	selfID    string
	roomToken string
	sessions  map[string]*PeerSession

	// pending marks remotes whose negotiation goroutine has been spawned
	// but whose session does not exist yet. Candidates are buffered only
	// for pending or live remotes; anything else is dropped.
	pending map[string]struct{}

	buffered *candidateBuffer
}

// NewEngine wires an engine from cfg.
func NewEngine(cfg Config) *Engine {
	sink := cfg.Sink
	if sink == nil {
		sink = NopSink{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notice := cfg.OnNotice
	if notice == nil {
		notice = func(string, string) {}
	}
	return &Engine{
		api:      newAPI(),
		cfg:      webrtc.Configuration{ICEServers: cfg.ICEServers},
		max:      cfg.MaxPeerSessions,
		gate:     NewGate(cfg.Capture),
		sink:     sink,
		send:     cfg.Send,
		notice:   notice,
		logger:   logger,
		sessions: make(map[string]*PeerSession),
		pending:  make(map[string]struct{}),
		buffered: newCandidateBuffer(),
	}
}

// SetSelfID records the connection ID the server assigned us.
func (e *Engine) SetSelfID(id string) {
	e.mu.Lock()
	e.selfID = id
	e.mu.Unlock()
}

// SessionCount returns how many sessions currently exist, live or mid
// negotiation.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// RoomToken returns the token of the room this client currently signals in,
// or empty when outside any room.
func (e *Engine) RoomToken() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roomToken
}

// InSessionWith reports whether a session toward remoteID exists.
func (e *Engine) InSessionWith(remoteID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[remoteID]
	return ok
}

// RequestConnect asks the server to introduce us to target. The actual
// negotiation starts when the target answers with connectResponse.
func (e *Engine) RequestConnect(target string) error {
	return e.send(signaling.Envelope{Type: signaling.EventConnectToPlayer, Target: target})
}

// ExitRoom announces our departure. Local teardown happens when the server
// echoes the exit notice back, so a lost announcement cannot desync us from
// the rest of the room.
func (e *Engine) ExitRoom() error {
	e.mu.Lock()
	token := e.roomToken
	e.mu.Unlock()
	if token == "" {
		return nil
	}
	return e.send(signaling.Envelope{Type: signaling.EventExitRoom, Room: token})
}

// HandleConnectRequest decides whether to admit a new remote. Over capacity
// we refuse with roomFull; otherwise we reuse our room token, minting and
// registering one on first use, and hand it to the requester.
func (e *Engine) HandleConnectRequest(from string) {
	e.mu.Lock()
	if e.max > 0 && len(e.sessions) >= e.max {
		e.mu.Unlock()
		e.logger.Info("refusing connect, at capacity", "remote", from)
		if err := e.send(signaling.Envelope{Type: signaling.EventRoomFull, Target: from}); err != nil {
			e.logger.Warn("send roomFull", "err", err)
		}
		return
	}
	token := e.roomToken
	minted := false
	if token == "" {
		token = room.NewToken()
		e.roomToken = token
		minted = true
	}
	e.mu.Unlock()

	if minted {
		if err := e.send(signaling.Envelope{Type: signaling.EventCreateRoom, Room: token}); err != nil {
			e.logger.Warn("send createRoom", "err", err)
			return
		}
	}
	if err := e.send(signaling.Envelope{Type: signaling.EventConnectResponse, Target: from, Room: token}); err != nil {
		e.logger.Warn("send connectResponse", "err", err)
	}
}

// HandleRoomFull surfaces a capacity refusal from the remote we approached.
func (e *Engine) HandleRoomFull(from string) {
	e.logger.Info("connect refused, remote at capacity", "remote", from)
	e.notice(from, "room full")
}

// HandleConnectResponse joins the room the remote granted us. The server
// answers with playerJoined notifications toward the members already there,
// which is what triggers their offers to us.
func (e *Engine) HandleConnectResponse(from, token string) {
	e.mu.Lock()
	e.roomToken = token
	e.mu.Unlock()
	if err := e.send(signaling.Envelope{Type: signaling.EventJoinRoom, Room: token}); err != nil {
		e.logger.Warn("send joinRoom", "err", err)
	}
}

// HandlePlayerJoined starts the offerer path toward the newcomer.
func (e *Engine) HandlePlayerJoined(remoteID string) {
	e.markPending(remoteID)
	go e.runOffer(remoteID)
}

// HandleOffer starts the answerer path for an incoming offer.
func (e *Engine) HandleOffer(from string, sdp signaling.SDP) {
	desc, err := sdp.ToPion()
	if err != nil {
		e.logger.Warn("bad offer", "remote", from, "err", err)
		return
	}
	e.markPending(from)
	go e.runAnswer(from, desc)
}

// HandleAnswer completes a negotiation we started. Answers for unknown or
// already-closed sessions are logged and dropped.
func (e *Engine) HandleAnswer(from string, sdp signaling.SDP) {
	e.mu.Lock()
	session := e.sessions[from]
	e.mu.Unlock()
	if session == nil {
		e.logger.Debug("answer for unknown session", "remote", from)
		return
	}
	if session.Role() != RoleOfferer {
		e.logger.Warn("answer for session we did not offer on", "remote", from)
		return
	}
	desc, err := sdp.ToPion()
	if err != nil {
		e.logger.Warn("bad answer", "remote", from, "err", err)
		return
	}
	if err := session.setRemoteDescription(desc); err != nil {
		e.logger.Warn("apply answer", "remote", from, "err", err)
		return
	}
	e.flushCandidates(session)
}

// HandleCandidate buffers a trickled candidate and flushes the queue once
// the session's remote description is known to be set. Every candidate
// passes through the queue: whichever side observes the description, this
// path or the negotiation goroutine, drains it, so a candidate cannot be
// stranded by the two racing. Candidates for remotes with no session and no
// negotiation in flight are dropped.
func (e *Engine) HandleCandidate(from string, cand signaling.Candidate) {
	init := cand.ToPion()
	e.mu.Lock()
	session := e.sessions[from]
	_, pending := e.pending[from]
	e.mu.Unlock()

	if session == nil {
		if !pending {
			e.logger.Debug("dropping candidate with no session", "remote", from)
			return
		}
		if !e.buffered.enqueue(from, init) {
			e.logger.Warn("candidate queue full", "remote", from)
		}
		return
	}

	if !e.buffered.enqueue(from, init) {
		e.logger.Warn("candidate queue full", "remote", from)
		return
	}
	if session.remoteDescriptionSet() {
		e.flushCandidates(session)
	}
}

// HandleExit reacts to an exit notice. Our own notice tears everything
// down; another member's tears down only the session toward them.
func (e *Engine) HandleExit(leaverID string) {
	e.mu.Lock()
	self := leaverID == e.selfID
	e.mu.Unlock()

	if self {
		e.closeAll()
		return
	}
	e.closeSession(leaverID)
}

// Close tears down every session and releases the capture device. Used on
// signaling connection loss and shutdown.
func (e *Engine) Close() {
	e.closeAll()
}

func (e *Engine) closeAll() {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*PeerSession)
	e.pending = make(map[string]struct{})
	e.roomToken = ""
	e.mu.Unlock()

	for id, s := range sessions {
		e.buffered.drop(id)
		e.sink.DetachTracks(id)
		s.Close()
	}
	if len(sessions) > 0 {
		e.gate.Release()
	}
}

func (e *Engine) closeSession(remoteID string) {
	e.mu.Lock()
	session := e.sessions[remoteID]
	delete(e.pending, remoteID)
	if session == nil {
		e.mu.Unlock()
		e.buffered.drop(remoteID)
		return
	}
	delete(e.sessions, remoteID)
	last := len(e.sessions) == 0
	var token string
	if last {
		token = e.roomToken
		e.roomToken = ""
	}
	e.mu.Unlock()

	e.buffered.drop(remoteID)
	e.sink.DetachTracks(remoteID)
	session.Close()
	if !last {
		return
	}
	e.gate.Release()
	// Announce our own departure so the server does not keep listing us as
	// a member of a room every other participant has already left.
	if token != "" {
		if err := e.send(signaling.Envelope{Type: signaling.EventExitRoom, Room: token}); err != nil {
			e.logger.Debug("send exitRoom", "err", err)
		}
	}
}

// runOffer drives the offerer path: media, tracks, offer, local description.
// Failures close this session only.
func (e *Engine) runOffer(remoteID string) {
	session, err := e.newSession(remoteID, RoleOfferer)
	if err != nil {
		e.logger.Warn("create offerer session", "remote", remoteID, "err", err)
		e.clearPending(remoteID)
		return
	}
	if err := e.prepareMedia(session); err != nil {
		e.failSession(session, err)
		return
	}

	offer, err := session.pc.CreateOffer(nil)
	if err != nil {
		e.failSession(session, fmt.Errorf("create offer: %w", err))
		return
	}
	if err := session.pc.SetLocalDescription(offer); err != nil {
		e.failSession(session, fmt.Errorf("set local offer: %w", err))
		return
	}
	env := signaling.Envelope{
		Type:   signaling.EventOffer,
		Target: remoteID,
		SDP:    ptrSDP(signaling.SDPFromPion(offer)),
	}
	if err := e.send(env); err != nil {
		e.failSession(session, fmt.Errorf("send offer: %w", err))
	}
}

// runAnswer drives the answerer path: media, tracks, remote offer, answer.
func (e *Engine) runAnswer(remoteID string, offer webrtc.SessionDescription) {
	session, err := e.newSession(remoteID, RoleAnswerer)
	if err != nil {
		e.logger.Warn("create answerer session", "remote", remoteID, "err", err)
		e.clearPending(remoteID)
		return
	}
	if err := e.prepareMedia(session); err != nil {
		e.failSession(session, err)
		return
	}
	if err := session.setRemoteDescription(offer); err != nil {
		e.failSession(session, fmt.Errorf("set remote offer: %w", err))
		return
	}
	e.flushCandidates(session)

	answer, err := session.pc.CreateAnswer(nil)
	if err != nil {
		e.failSession(session, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := session.pc.SetLocalDescription(answer); err != nil {
		e.failSession(session, fmt.Errorf("set local answer: %w", err))
		return
	}
	env := signaling.Envelope{
		Type:   signaling.EventAnswer,
		Target: remoteID,
		SDP:    ptrSDP(signaling.SDPFromPion(answer)),
	}
	if err := e.send(env); err != nil {
		e.failSession(session, fmt.Errorf("send answer: %w", err))
	}
}

// newSession builds the PeerConnection and registers it. An existing
// session toward the same remote is closed first so there is never more
// than one.
func (e *Engine) newSession(remoteID string, role Role) (*PeerSession, error) {
	pc, err := e.api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	session := newPeerSession(remoteID, role, pc, e.logger)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		env := signaling.Envelope{
			Type:      signaling.EventICECandidate,
			Target:    remoteID,
			Candidate: ptrCandidate(signaling.CandidateFromPion(c.ToJSON())),
		}
		if err := e.send(env); err != nil {
			e.logger.Warn("send candidate", "remote", remoteID, "err", err)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		e.sink.AttachTrack(remoteID, track, receiver)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		session.logger.Info("connection state", "state", state)
		session.setConnected(state == webrtc.PeerConnectionStateConnected)
	})

	e.mu.Lock()
	prior := e.sessions[remoteID]
	if prior != nil {
		// The queue holds candidates addressed to the displaced
		// negotiation; they die with it.
		e.buffered.drop(remoteID)
	}
	e.sessions[remoteID] = session
	delete(e.pending, remoteID)
	e.mu.Unlock()

	if prior != nil {
		e.logger.Info("replacing existing session", "remote", remoteID)
		e.sink.DetachTracks(remoteID)
		prior.Close()
	}
	return session, nil
}

// prepareMedia acquires the shared local stream and adds its tracks.
func (e *Engine) prepareMedia(session *PeerSession) error {
	stream, err := e.gate.Acquire(context.Background())
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}
	if err := session.addTracks(stream); err != nil {
		return fmt.Errorf("add local tracks: %w", err)
	}
	return nil
}

// flushCandidates applies everything buffered for the session, in arrival
// order, continuing past individual failures.
func (e *Engine) flushCandidates(session *PeerSession) {
	for _, init := range e.buffered.drain(session.RemoteID()) {
		if err := session.addICECandidate(init); err != nil {
			e.logger.Warn("apply buffered candidate", "remote", session.RemoteID(), "err", err)
		}
	}
}

func (e *Engine) failSession(session *PeerSession, err error) {
	e.logger.Warn("negotiation failed", "remote", session.RemoteID(), "err", err)
	e.mu.Lock()
	replaced := e.sessions[session.RemoteID()] != session
	e.mu.Unlock()
	if replaced {
		// A newer session toward this remote already took over.
		session.Close()
		return
	}
	e.closeSession(session.RemoteID())
}

func (e *Engine) markPending(remoteID string) {
	e.mu.Lock()
	e.pending[remoteID] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) clearPending(remoteID string) {
	e.mu.Lock()
	delete(e.pending, remoteID)
	e.mu.Unlock()
	e.buffered.drop(remoteID)
}

func ptrSDP(s signaling.SDP) *signaling.SDP { return &s }

func ptrCandidate(c signaling.Candidate) *signaling.Candidate { return &c }
