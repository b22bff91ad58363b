package client

import (
	"math"
	"sort"

	"github.com/hallwayhq/hallway/internal/presence"
)

// proximityTracker turns absolute presence snapshots into enter/leave
// transitions around a fixed radius. It keeps no position history; each
// snapshot is compared against the set of participants currently in range.
type proximityTracker struct {
	radius float64
	near   map[string]bool
}

func newProximityTracker(radius float64) *proximityTracker {
	return &proximityTracker{radius: radius, near: make(map[string]bool)}
}

// update consumes one presence snapshot and returns the participants that
// entered or left the radius around selfID. Participants missing from the
// snapshot count as departed. When selfID itself is absent from the snapshot
// nothing changes.
func (p *proximityTracker) update(selfID string, players []presence.Participant) (entered, departed []string) {
	var self *presence.Participant
	for i := range players {
		if players[i].ID == selfID {
			self = &players[i]
			break
		}
	}
	if self == nil {
		return nil, nil
	}

	current := make(map[string]bool, len(players))
	for _, pl := range players {
		if pl.ID == selfID {
			continue
		}
		if math.Hypot(pl.X-self.X, pl.Y-self.Y) <= p.radius {
			current[pl.ID] = true
		}
	}

	for id := range current {
		if !p.near[id] {
			entered = append(entered, id)
		}
	}
	for id := range p.near {
		if !current[id] {
			departed = append(departed, id)
		}
	}
	p.near = current

	sort.Strings(entered)
	sort.Strings(departed)
	return entered, departed
}
