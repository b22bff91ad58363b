// Package room tracks which participants share a negotiation room.
//
// A room is purely a broadcast scope for signaling fan-out; media always
// flows directly between peers (mesh topology). Membership is owned here
// rather than delegated to any transport-level group primitive, so room
// emptiness and cleanup are directly observable.
package room

import (
	"sync"

	"github.com/google/uuid"

	"github.com/hallwayhq/hallway/internal/metrics"
)

type Coordinator struct {
	metrics *metrics.Metrics

	mu    sync.Mutex
	rooms map[string]map[string]struct{}

	// membership indexes the rooms each connection belongs to, for
	// disconnect fan-out.
	membership map[string]map[string]struct{}
}

func NewCoordinator(m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		metrics:    m,
		rooms:      make(map[string]map[string]struct{}),
		membership: make(map[string]map[string]struct{}),
	}
}

// NewToken mints a random room token. Tokens are never reused.
func NewToken() string {
	return uuid.NewString()
}

// Add registers connID as a member of the room, creating the room on first
// use. It returns the other members present before the join, in no
// particular order; the caller fans out the join notice to them.
func (c *Coordinator) Add(token, connID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	members, ok := c.rooms[token]
	if !ok {
		members = make(map[string]struct{})
		c.rooms[token] = members
		c.metrics.Inc(metrics.RoomsCreated)
	}

	others := make([]string, 0, len(members))
	for id := range members {
		if id != connID {
			others = append(others, id)
		}
	}

	members[connID] = struct{}{}
	byConn, ok := c.membership[connID]
	if !ok {
		byConn = make(map[string]struct{})
		c.membership[connID] = byConn
	}
	byConn[token] = struct{}{}

	return others
}

// Members returns the current member set of the room, including connID if it
// is a member. Unknown tokens yield nil.
func (c *Coordinator) Members(token string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	members, ok := c.rooms[token]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// Remove drops connID from the room, deleting the room once emptied.
func (c *Coordinator) Remove(token, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(token, connID)
}

// RemoveAll drops connID from every room it belongs to and returns, per room
// token, the members remaining after the removal. Used for ungraceful
// disconnect fan-out.
func (c *Coordinator) RemoveAll(connID string) map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	byConn := c.membership[connID]
	if len(byConn) == 0 {
		return nil
	}

	out := make(map[string][]string, len(byConn))
	for token := range byConn {
		c.removeLocked(token, connID)
		var remaining []string
		for id := range c.rooms[token] {
			remaining = append(remaining, id)
		}
		out[token] = remaining
	}
	return out
}

func (c *Coordinator) removeLocked(token, connID string) {
	members, ok := c.rooms[token]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(c.rooms, token)
		c.metrics.Inc(metrics.RoomsEmptied)
	}

	if byConn, ok := c.membership[connID]; ok {
		delete(byConn, token)
		if len(byConn) == 0 {
			delete(c.membership, connID)
		}
	}
}

// RoomCount reports how many non-empty rooms exist.
func (c *Coordinator) RoomCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rooms)
}
