package reward

import "sort"

// ProtocolSet is a set of canonical program identifiers.
type ProtocolSet map[string]struct{}

// Has reports membership; a nil set is empty.
func (s ProtocolSet) Has(programID string) bool {
	_, ok := s[programID]
	return ok
}

// Sorted lists the members in lexical order.
func (s ProtocolSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// State is the per-episode memory owned by the caller. Only Commit and Reset
// change it.
type State struct {
	ProtocolsSeen ProtocolSet
	Discoveries   []Discovery
	StepCount     int
	TotalReward   float64
}

// NewState returns an empty episode state.
func NewState() *State {
	return &State{ProtocolsSeen: make(ProtocolSet)}
}

// Commit merges an attribution into the state and counts the step.
func (s *State) Commit(a Attribution) {
	if s.ProtocolsSeen == nil {
		s.ProtocolsSeen = make(ProtocolSet)
	}
	for _, d := range a.Discoveries {
		if s.ProtocolsSeen.Has(d.ProgramID) {
			continue
		}
		s.ProtocolsSeen[d.ProgramID] = struct{}{}
		s.Discoveries = append(s.Discoveries, d)
	}
	s.StepCount++
	s.TotalReward += a.TotalReward
}

// Reset clears the state at an episode boundary.
func (s *State) Reset() {
	*s = State{ProtocolsSeen: make(ProtocolSet)}
}
