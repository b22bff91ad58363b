package peer

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/singleflight"
)

// MediaStream is a set of local tracks plus the hook that stops the
// underlying capture device.
type MediaStream struct {
	tracks []webrtc.TrackLocal
	stop   func()
}

// NewMediaStream wraps captured tracks. stop may be nil if the tracks have
// no device behind them (synthetic sources).
func NewMediaStream(tracks []webrtc.TrackLocal, stop func()) *MediaStream {
	return &MediaStream{tracks: tracks, stop: stop}
}

// Tracks returns the local tracks in capture order.
func (s *MediaStream) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

// Close stops the capture device behind the tracks.
func (s *MediaStream) Close() {
	if s.stop != nil {
		s.stop()
	}
}

// CaptureFunc opens the local capture device and returns its tracks. It is
// invoked at most once per acquisition cycle regardless of how many peer
// sessions ask concurrently.
type CaptureFunc func(ctx context.Context) (*MediaStream, error)

// Gate deduplicates concurrent capture attempts. The first caller runs the
// CaptureFunc; callers that arrive while it is in flight wait for the same
// result instead of opening the device twice. After a failure the gate is
// idle again and the next Acquire retries from scratch.
type Gate struct {
	capture CaptureFunc
	group   singleflight.Group

	mu     sync.Mutex
	stream *MediaStream
}

// NewGate returns a gate around capture.
func NewGate(capture CaptureFunc) *Gate {
	return &Gate{capture: capture}
}

// Acquire returns the shared local stream, capturing it first if no
// acquisition has succeeded yet.
func (g *Gate) Acquire(ctx context.Context) (*MediaStream, error) {
	g.mu.Lock()
	if s := g.stream; s != nil {
		g.mu.Unlock()
		return s, nil
	}
	g.mu.Unlock()

	v, err, _ := g.group.Do("capture", func() (any, error) {
		// A Release+Acquire pair may have raced us past the check above.
		g.mu.Lock()
		if s := g.stream; s != nil {
			g.mu.Unlock()
			return s, nil
		}
		g.mu.Unlock()

		s, err := g.capture(ctx)
		if err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.stream = s
		g.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MediaStream), nil
}

// Release stops the capture device and returns the gate to idle. Callers
// invoke it when the last peer session holding the stream is torn down.
func (g *Gate) Release() {
	g.mu.Lock()
	s := g.stream
	g.stream = nil
	g.mu.Unlock()
	if s != nil {
		s.Close()
	}
}
