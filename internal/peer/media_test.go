package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type captureStats struct {
	captures atomic.Int32
	stops    atomic.Int32
}

func countingCapture(stats *captureStats) CaptureFunc {
	return func(ctx context.Context) (*MediaStream, error) {
		stats.captures.Add(1)
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "capture")
		if err != nil {
			return nil, err
		}
		return NewMediaStream([]webrtc.TrackLocal{track}, func() { stats.stops.Add(1) }), nil
	}
}

func TestGateConcurrentAcquireCapturesOnce(t *testing.T) {
	var stats captureStats
	slow := func(ctx context.Context) (*MediaStream, error) {
		time.Sleep(20 * time.Millisecond)
		return countingCapture(&stats)(ctx)
	}
	gate := NewGate(slow)

	const n = 8
	streams := make([]*MediaStream, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := gate.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			streams[i] = s
		}(i)
	}
	wg.Wait()

	if got := stats.captures.Load(); got != 1 {
		t.Fatalf("capture ran %d times, want 1", got)
	}
	for i := 1; i < n; i++ {
		if streams[i] != streams[0] {
			t.Fatalf("acquirer %d got a different stream", i)
		}
	}
}

func TestGateFailureReturnsToIdle(t *testing.T) {
	var stats captureStats
	fail := errors.New("device busy")
	attempts := 0
	gate := NewGate(func(ctx context.Context) (*MediaStream, error) {
		attempts++
		if attempts == 1 {
			return nil, fail
		}
		return countingCapture(&stats)(ctx)
	})

	if _, err := gate.Acquire(context.Background()); !errors.Is(err, fail) {
		t.Fatalf("first acquire error = %v, want %v", err, fail)
	}
	s, err := gate.Acquire(context.Background())
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if s == nil {
		t.Fatal("retry returned nil stream")
	}
	if attempts != 2 {
		t.Fatalf("capture attempted %d times, want 2", attempts)
	}
}

func TestGateReleaseStopsStream(t *testing.T) {
	var stats captureStats
	gate := NewGate(countingCapture(&stats))

	if _, err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	gate.Release()
	if got := stats.stops.Load(); got != 1 {
		t.Fatalf("stop ran %d times, want 1", got)
	}

	// The next acquire opens the device again.
	if _, err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if got := stats.captures.Load(); got != 2 {
		t.Fatalf("capture ran %d times after release, want 2", got)
	}
}
