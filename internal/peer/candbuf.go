package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// maxQueuedCandidates bounds each remote's queue. A legitimate negotiation
// trickles far fewer candidates than this; the cap exists so a misbehaving
// peer cannot grow the buffer without limit.
const maxQueuedCandidates = 64

// candidateBuffer holds ICE candidates that arrived before the owning
// session's remote description was set. Candidates are drained in arrival
// order; dropping a remote discards its queue without applying anything.
type candidateBuffer struct {
	mu      sync.Mutex
	pending map[string][]webrtc.ICECandidateInit
}

func newCandidateBuffer() *candidateBuffer {
	return &candidateBuffer{pending: make(map[string][]webrtc.ICECandidateInit)}
}

// enqueue appends cand to the remote's queue. It reports false when the
// queue is full and the candidate was discarded.
func (b *candidateBuffer) enqueue(remoteID string, cand webrtc.ICECandidateInit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending[remoteID]) >= maxQueuedCandidates {
		return false
	}
	b.pending[remoteID] = append(b.pending[remoteID], cand)
	return true
}

// size reports the queue length for remoteID without draining it.
func (b *candidateBuffer) size(remoteID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[remoteID])
}

// drain removes and returns the queued candidates for remoteID in the order
// they arrived.
func (b *candidateBuffer) drain(remoteID string) []webrtc.ICECandidateInit {
	b.mu.Lock()
	defer b.mu.Unlock()
	cands := b.pending[remoteID]
	delete(b.pending, remoteID)
	return cands
}

func (b *candidateBuffer) drop(remoteID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, remoteID)
}
