// Package engine is the boundary with the host game engine: a per-tick
// query describing the local cutscene, if any.
package engine

import (
	"sync"

	"github.com/petervdpas/pausesync/internal/initiators"
)

// Snapshot is what the engine reports for one tick.
type Snapshot struct {
	Active    bool
	Owner     initiators.ParticipantID
	OwnerName string
	Skippable bool
}

// Engine is polled once per tick from the session loop.
type Engine interface {
	Poll() Snapshot
}

// Static reports whatever was last Set. Safe for concurrent use.
type Static struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewStatic() *Static { return &Static{} }

func (s *Static) Set(snap Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

// Start reports a skippable cutscene owned by id.
func (s *Static) Start(id initiators.ParticipantID, name string) {
	s.Set(Snapshot{Active: true, Owner: id, OwnerName: name, Skippable: true})
}

func (s *Static) Clear() { s.Set(Snapshot{}) }

func (s *Static) Poll() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
