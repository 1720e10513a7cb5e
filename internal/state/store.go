// Package state holds the fleet snapshot shared between the poller (its
// single writer) and the relay sessions that read it. Publication is a
// whole-snapshot atomic swap; readers always see a complete snapshot with
// a monotonically increasing version.
package state

import (
	"sync/atomic"
	"time"
)

// Instance is one running machine in the fleet.
type Instance struct {
	ID        string
	Platform  string
	Type      string
	Lifecycle string
	Tags      map[string]string
}

// FleetData maps instance ID to its record. A FleetData handed to
// Store.Publish is owned by the snapshot from then on and must not be
// mutated by the caller afterwards.
type FleetData map[string]Instance

// Snapshot is an immutable, versioned view of the fleet. Version 0 is the
// empty pre-poll snapshot.
type Snapshot struct {
	Version uint64
	TakenAt time.Time
	Fleet   FleetData
}

// Instance looks up one record by ID.
func (s *Snapshot) Instance(id string) (Instance, bool) {
	inst, ok := s.Fleet[id]
	return inst, ok
}

// Store is the swappable snapshot handle. Exactly one goroutine calls
// Publish; any number call Load.
type Store struct {
	cur atomic.Pointer[Snapshot]
}

// NewStore returns a Store seeded with the empty version-0 snapshot, so
// Load never returns nil even before the first successful poll.
func NewStore() *Store {
	s := &Store{}
	s.cur.Store(&Snapshot{Fleet: FleetData{}})
	return s
}

// Load returns the current snapshot. Successive calls observe versions
// that never decrease.
func (s *Store) Load() *Snapshot {
	return s.cur.Load()
}

// Publish replaces the current snapshot with fleet at version+1 and
// returns the new snapshot. Only the poller calls this.
func (s *Store) Publish(takenAt time.Time, fleet FleetData) *Snapshot {
	next := &Snapshot{
		Version: s.cur.Load().Version + 1,
		TakenAt: takenAt,
		Fleet:   fleet,
	}
	s.cur.Store(next)
	return next
}
