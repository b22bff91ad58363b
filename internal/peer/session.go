package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Role says which side of the offer/answer exchange a session drives.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// PeerSession wraps one PeerConnection toward one remote participant.
// At most one live session exists per remote; replacing it means closing
// the old one first.
type PeerSession struct {
	remoteID string
	role     Role
	pc       *webrtc.PeerConnection
	logger   *slog.Logger

	mu        sync.Mutex
	remoteSet bool
	connected bool
	closed    bool

	closeOnce sync.Once
}

func newPeerSession(remoteID string, role Role, pc *webrtc.PeerConnection, logger *slog.Logger) *PeerSession {
	return &PeerSession{
		remoteID: remoteID,
		role:     role,
		pc:       pc,
		logger:   logger.With("remote", remoteID, "role", role),
	}
}

// RemoteID returns the participant this session is connected toward.
func (s *PeerSession) RemoteID() string { return s.remoteID }

// Role returns which side of the exchange this session drives.
func (s *PeerSession) Role() Role { return s.role }

// Connected reports whether the transport reached the connected state.
func (s *PeerSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *PeerSession) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// remoteDescriptionSet reports whether incoming candidates can be applied
// directly or must be buffered.
func (s *PeerSession) remoteDescriptionSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSet
}

func (s *PeerSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *PeerSession) addTracks(stream *MediaStream) error {
	if s.isClosed() {
		return errSessionClosed
	}
	for _, track := range stream.Tracks() {
		if _, err := s.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add track %q: %w", track.ID(), err)
		}
	}
	return nil
}

// setRemoteDescription records the remote answer or offer and marks the
// session ready for direct candidate application.
func (s *PeerSession) setRemoteDescription(desc webrtc.SessionDescription) error {
	if s.isClosed() {
		return errSessionClosed
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.mu.Lock()
	s.remoteSet = true
	s.mu.Unlock()
	return nil
}

func (s *PeerSession) addICECandidate(cand webrtc.ICECandidateInit) error {
	if s.isClosed() {
		return errSessionClosed
	}
	return s.pc.AddICECandidate(cand)
}

// Close tears down the transport. Safe to call more than once and from
// pion callbacks.
func (s *PeerSession) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		if err := s.pc.Close(); err != nil {
			s.logger.Debug("peer connection close", "err", err)
		}
	})
}

var errSessionClosed = fmt.Errorf("peer session closed")
