// Package presence holds the authoritative in-memory directory of connected
// participants and their last reported positions.
//
// The registry owns no transport state. Callers (the signaling layer) decide
// when to broadcast the participant list; every mutating method reports
// whether it changed anything so no-op calls can skip the broadcast.
package presence

import "sync"

// Participant is one connected end-user session.
type Participant struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type Registry struct {
	mu           sync.Mutex
	participants map[string]Participant
}

func NewRegistry() *Registry {
	return &Registry{
		participants: make(map[string]Participant),
	}
}

// Register inserts a participant. Registering an already-known connection ID
// is an idempotent no-op: the existing entry, including its position, is left
// untouched and false is returned.
func (r *Registry) Register(connID, name string, x, y float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[connID]; ok {
		return false
	}
	r.participants[connID] = Participant{ID: connID, Name: name, X: x, Y: y}
	return true
}

// UpdatePosition records a new position. Unknown connection IDs are a silent
// no-op.
func (r *Registry) UpdatePosition(connID string, x, y float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !ok {
		return false
	}
	p.X = x
	p.Y = y
	r.participants[connID] = p
	return true
}

// Remove deletes the participant if present.
func (r *Registry) Remove(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[connID]; !ok {
		return false
	}
	delete(r.participants, connID)
	return true
}

func (r *Registry) Get(connID string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participants[connID]
	return p, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Snapshot returns the current participant list. Order is unspecified;
// consumers must index by connection ID.
func (r *Registry) Snapshot() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}
