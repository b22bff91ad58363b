package peer

import "github.com/pion/webrtc/v4"

// TrackSink receives remote media as it arrives. AttachTrack replaces any
// sink previously attached for the same remote, so a renegotiation never
// leaves two consumers reading the same participant.
type TrackSink interface {
	AttachTrack(remoteID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	DetachTracks(remoteID string)
}

// NopSink discards remote media. Useful for tests and signaling-only agents.
type NopSink struct{}

func (NopSink) AttachTrack(string, *webrtc.TrackRemote, *webrtc.RTPReceiver) {}

func (NopSink) DetachTracks(string) {}
