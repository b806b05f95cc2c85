// Package initiators holds the process-local replica of which participants
// are currently inside a cutscene.
//
// A Set is not safe for concurrent use. It is owned by a single session loop
// which serialises every read and mutation.
package initiators

// ParticipantID identifies one connected process in the session.
type ParticipantID string

// Set is an insertion-ordered set of participant IDs.
type Set struct {
	order []ParticipantID
	index map[ParticipantID]struct{}
}

// New returns an empty set.
func New() *Set {
	return &Set{index: make(map[ParticipantID]struct{})}
}

// Add records id as an initiator. Adding a present id is a no-op and keeps
// its original position.
func (s *Set) Add(id ParticipantID) {
	if _, ok := s.index[id]; ok {
		return
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
}

// Remove drops id. Removing an absent id is a no-op.
func (s *Set) Remove(id ParticipantID) {
	if _, ok := s.index[id]; !ok {
		return
	}
	delete(s.index, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Set) Contains(id ParticipantID) bool {
	_, ok := s.index[id]
	return ok
}

func (s *Set) IsEmpty() bool { return len(s.order) == 0 }

// Any reports whether a cutscene is active somewhere in the session.
func (s *Set) Any() bool { return !s.IsEmpty() }

func (s *Set) Len() int { return len(s.order) }

// First returns the earliest-added member still present.
func (s *Set) First() (ParticipantID, bool) {
	if len(s.order) == 0 {
		return "", false
	}
	return s.order[0], true
}

// Members returns a copy of the members in insertion order.
func (s *Set) Members() []ParticipantID {
	out := make([]ParticipantID, len(s.order))
	copy(out, s.order)
	return out
}

// Clear empties the set. Used when a session ends.
func (s *Set) Clear() {
	s.order = nil
	s.index = make(map[ParticipantID]struct{})
}
