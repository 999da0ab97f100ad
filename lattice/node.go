package lattice

import (
	"github.com/meadowlark-bradsher/tee/graph"
)

// Field names used in conflict reports
const (
	FieldType  = "type"
	FieldLabel = "label"
)

// NodeState is the lattice-backed representation of a node's mutable
// properties. The node's id is the key in the enclosing map, not stored
// here.
//
// Field merge semantics:
//   - Type: first-write-wins, disagreement is a conflict
//   - Label: first-write-wins, disagreement is a conflict
//   - Hypothetical: boolean AND, once false stays false
//   - Provenance: keyed set union, first timestamp wins
type NodeState struct {
	Type         FirstWrite[graph.NodeType]
	Label        FirstWrite[string]
	Hypothetical Monotone
	Provenance   *ProvenanceSet
}

// NewNodeState builds the state for a node's first write
func NewNodeState(n graph.Node, prov ...graph.Provenance) *NodeState {
	records := append(append([]graph.Provenance{}, n.Provenance...), prov...)
	return &NodeState{
		Type:         NewFirstWrite(n.Type),
		Label:        NewFirstWrite(n.Label),
		Hypothetical: NewMonotone(n.Hypothetical),
		Provenance:   NewProvenanceSet(records...),
	}
}

// Conflict prechecks a proposal against the stored immutable fields.
// A non-nil result means the whole proposal must be skipped: nothing
// from a conflicting write is persisted, not even its provenance.
func (s *NodeState) Conflict(id string, proposed graph.Node) *graph.FieldConflict {
	if s.Type.Set() && s.Type.Value() != proposed.Type {
		return &graph.FieldConflict{
			ID:            id,
			Field:         FieldType,
			ExistingValue: s.Type.Value().String(),
			ProposedValue: proposed.Type.String(),
		}
	}
	if s.Label.Set() && s.Label.Value() != proposed.Label {
		return &graph.FieldConflict{
			ID:            id,
			Field:         FieldLabel,
			ExistingValue: s.Label.Value(),
			ProposedValue: proposed.Label,
		}
	}
	return nil
}

// Merge folds a conflict-free proposal into the state and reports change.
// Callers must run Conflict first; Merge on a conflicting proposal would
// silently keep the stored immutable fields.
func (s *NodeState) Merge(proposed graph.Node, prov ...graph.Provenance) bool {
	changed := false
	if ch, _ := s.Type.Merge(proposed.Type); ch {
		changed = true
	}
	if ch, _ := s.Label.Merge(proposed.Label); ch {
		changed = true
	}
	if s.Hypothetical.Merge(proposed.Hypothetical) {
		changed = true
	}
	for _, r := range proposed.Provenance {
		if s.Provenance.Add(r) {
			changed = true
		}
	}
	for _, r := range prov {
		if s.Provenance.Add(r) {
			changed = true
		}
	}
	return changed
}

// Node materializes the state back into the domain type
func (s *NodeState) Node(id string) graph.Node {
	return graph.Node{
		ID:           id,
		Type:         s.Type.Value(),
		Label:        s.Label.Value(),
		Hypothetical: s.Hypothetical.Value(),
		Provenance:   s.Provenance.Records(),
	}
}

// EdgeState holds an edge's mutable properties. The identity triple lives
// in the enclosing map key; provenance is the only thing that merges.
type EdgeState struct {
	Provenance *ProvenanceSet
}

// NewEdgeState builds the state for an edge's first write
func NewEdgeState(e graph.Edge, prov ...graph.Provenance) *EdgeState {
	records := append(append([]graph.Provenance{}, e.Provenance...), prov...)
	return &EdgeState{Provenance: NewProvenanceSet(records...)}
}

// Merge folds a proposal's provenance into the state and reports change
func (s *EdgeState) Merge(proposed graph.Edge, prov ...graph.Provenance) bool {
	changed := false
	for _, r := range proposed.Provenance {
		if s.Provenance.Add(r) {
			changed = true
		}
	}
	for _, r := range prov {
		if s.Provenance.Add(r) {
			changed = true
		}
	}
	return changed
}

// Edge materializes the state back into the domain type
func (s *EdgeState) Edge(key graph.EdgeKey) graph.Edge {
	return graph.Edge{
		Source:     key.Source,
		Target:     key.Target,
		Type:       key.Type,
		Provenance: s.Provenance.Records(),
	}
}
