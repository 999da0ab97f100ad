// Package lattice implements the per-field merge algebra for the
// hypothesis graph. Every rule is a commutative, associative, idempotent
// merge, so any interleaving of concurrent writes converges to the same
// state. The rules are kept separate from the store queries so they can
// be property-tested in isolation.
package lattice

import (
	"github.com/meadowlark-bradsher/tee/graph"
)

// FirstWrite is a first-write-wins register for immutable fields.
// The first value written sticks; a later differing proposal is a
// conflict, never an overwrite.
type FirstWrite[T comparable] struct {
	value T
	set   bool
}

// NewFirstWrite creates a register holding v
func NewFirstWrite[T comparable](v T) FirstWrite[T] {
	return FirstWrite[T]{value: v, set: true}
}

// Value returns the stored value
func (r FirstWrite[T]) Value() T {
	return r.value
}

// Set reports whether the register holds a value
func (r FirstWrite[T]) Set() bool {
	return r.set
}

// Merge applies first-write-wins. Returns changed=true when the register
// was empty and took the proposal, conflict=true when the stored value
// disagrees with the proposal. The stored value is never replaced.
func (r *FirstWrite[T]) Merge(proposed T) (changed, conflict bool) {
	if !r.set {
		r.value = proposed
		r.set = true
		return true, false
	}
	if r.value != proposed {
		return false, true
	}
	return false, false
}

// Monotone is the boolean AND lattice for the hypothetical flag:
// once false (confirmed), it stays false. New nodes start true.
type Monotone struct {
	value bool
}

// NewMonotone creates a flag holding v
func NewMonotone(v bool) Monotone {
	return Monotone{value: v}
}

// Value returns the stored flag
func (m Monotone) Value() bool {
	return m.value
}

// Merge ANDs the proposal into the stored flag and reports change
func (m *Monotone) Merge(proposed bool) bool {
	next := m.value && proposed
	changed := next != m.value
	m.value = next
	return changed
}

// ProvenanceSet is a grow-only set of provenance records keyed on
// (source, trigger). The first record written for a key wins; later
// records with the same identity are absorbed without altering the
// stored timestamp. Insertion order is preserved for deterministic reads.
type ProvenanceSet struct {
	order []string
	byKey map[string]graph.Provenance
}

// NewProvenanceSet creates a set from the given records in order
func NewProvenanceSet(records ...graph.Provenance) *ProvenanceSet {
	s := &ProvenanceSet{byKey: make(map[string]graph.Provenance)}
	for _, r := range records {
		s.Add(r)
	}
	return s
}

// Add inserts a record unless its identity is already present
func (s *ProvenanceSet) Add(p graph.Provenance) bool {
	key := p.Key()
	if _, ok := s.byKey[key]; ok {
		return false
	}
	s.byKey[key] = p
	s.order = append(s.order, key)
	return true
}

// Merge unions another set into this one and reports change
func (s *ProvenanceSet) Merge(other *ProvenanceSet) bool {
	if other == nil {
		return false
	}
	changed := false
	for _, r := range other.Records() {
		if s.Add(r) {
			changed = true
		}
	}
	return changed
}

// Contains reports whether a record with the given key is present
func (s *ProvenanceSet) Contains(key string) bool {
	_, ok := s.byKey[key]
	return ok
}

// Len returns the number of distinct identities
func (s *ProvenanceSet) Len() int {
	return len(s.order)
}

// Records returns the stored records in insertion order
func (s *ProvenanceSet) Records() []graph.Provenance {
	out := make([]graph.Provenance, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.byKey[key])
	}
	return out
}

// Clone returns an independent copy
func (s *ProvenanceSet) Clone() *ProvenanceSet {
	return NewProvenanceSet(s.Records()...)
}
