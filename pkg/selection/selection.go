// Package selection tracks which conflicting ban entries an operator has chosen to reverse.
package selection

import "slices"

// Set is a mutable id-set over a fixed universe of entry ids. Ids outside the
// universe are ignored, so a Set is always a subset of the entries it was built for.
// A Set is not safe for concurrent use; its owner serializes access.
type Set struct {
	universe map[int64]struct{}
	selected map[int64]struct{}
}

// New creates an empty selection over the provided universe of ids.
func New(universe []int64) *Set {
	s := &Set{
		universe: make(map[int64]struct{}, len(universe)),
		selected: make(map[int64]struct{}, len(universe)),
	}
	for _, id := range universe {
		s.universe[id] = struct{}{}
	}
	return s
}

// NewAll creates a selection over universe with every id selected.
func NewAll(universe []int64) *Set {
	s := New(universe)
	s.SelectAll(universe)
	return s
}

// Toggle flips the membership of id. It reports false when id is outside the universe.
func (s *Set) Toggle(id int64) bool {
	if _, ok := s.universe[id]; !ok {
		return false
	}
	if _, ok := s.selected[id]; ok {
		delete(s.selected, id)
	} else {
		s.selected[id] = struct{}{}
	}
	return true
}

// SelectAll selects every provided id that belongs to the universe.
func (s *Set) SelectAll(ids []int64) {
	for _, id := range ids {
		if _, ok := s.universe[id]; ok {
			s.selected[id] = struct{}{}
		}
	}
}

// DeselectAll empties the selection.
func (s *Set) DeselectAll() {
	clear(s.selected)
}

// Contains reports whether id is selected.
func (s *Set) Contains(id int64) bool {
	_, ok := s.selected[id]
	return ok
}

// Len returns the number of selected ids.
func (s *Set) Len() int {
	return len(s.selected)
}

// IDs returns the selected ids in ascending order.
func (s *Set) IDs() []int64 {
	ids := make([]int64, 0, len(s.selected))
	for id := range s.selected {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clone returns an independent copy sharing no state with s.
func (s *Set) Clone() *Set {
	out := &Set{
		universe: make(map[int64]struct{}, len(s.universe)),
		selected: make(map[int64]struct{}, len(s.selected)),
	}
	for id := range s.universe {
		out.universe[id] = struct{}{}
	}
	for id := range s.selected {
		out.selected[id] = struct{}{}
	}
	return out
}
