package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meadowlark-bradsher/tee/errors"
	"github.com/meadowlark-bradsher/tee/graph"
	"github.com/meadowlark-bradsher/tee/lattice"
)

// incidentState tracks one incident's creation time and tombstone sets
type incidentState struct {
	createdAt      time.Time
	nodeTombstones map[string]graph.NodeTombstone
	edgeTombstones map[graph.EdgeKey]graph.EdgeTombstone
}

// MemoryStore is an in-memory Store built directly on the lattice types.
// All state sits behind one RWMutex; a write call is the "transaction".
// Used by the property tests and for running the service without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	nodes     map[string]*lattice.NodeState
	edges     map[graph.EdgeKey]*lattice.EdgeState
	incidents map[string]*incidentState
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:     make(map[string]*lattice.NodeState),
		edges:     make(map[graph.EdgeKey]*lattice.EdgeState),
		incidents: make(map[string]*incidentState),
	}
}

// MergeHypothesis implements Store
func (m *MemoryStore) MergeHypothesis(_ context.Context, delta graph.Delta) (*graph.MergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := newMergeResult()

	for _, n := range delta.Nodes {
		existing, ok := m.nodes[n.ID]
		if !ok {
			m.nodes[n.ID] = lattice.NewNodeState(n, delta.Provenance)
			result.CreatedIDs = append(result.CreatedIDs, n.ID)
			continue
		}
		if c := existing.Conflict(n.ID, n); c != nil {
			result.Conflicts = append(result.Conflicts, *c)
			continue
		}
		existing.Merge(n, delta.Provenance)
		result.MergedIDs = append(result.MergedIDs, n.ID)
	}

	for _, e := range delta.Edges {
		key := e.Key()
		existing, ok := m.edges[key]
		if !ok {
			m.edges[key] = lattice.NewEdgeState(e, delta.Provenance)
			result.CreatedIDs = append(result.CreatedIDs, key.ID())
			continue
		}
		existing.Merge(e, delta.Provenance)
		result.MergedIDs = append(result.MergedIDs, key.ID())
	}

	return result, nil
}

// CreateIncident implements Store
func (m *MemoryStore) CreateIncident(_ context.Context, incidentID string) (*graph.IncidentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.incidents[incidentID]; ok {
		return &graph.IncidentRecord{
			IncidentID: incidentID,
			CreatedAt:  existing.createdAt,
			Created:    false,
		}, nil
	}

	now := time.Now().UTC()
	m.incidents[incidentID] = &incidentState{
		createdAt:      now,
		nodeTombstones: make(map[string]graph.NodeTombstone),
		edgeTombstones: make(map[graph.EdgeKey]graph.EdgeTombstone),
	}

	return &graph.IncidentRecord{IncidentID: incidentID, CreatedAt: now, Created: true}, nil
}

// GetIncidentContext implements Store
func (m *MemoryStore) GetIncidentContext(_ context.Context, incidentID string) (*graph.IncidentContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	incident, ok := m.incidents[incidentID]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrIncidentNotFound, "MemoryStore", "GetIncidentContext", incidentID)
	}

	return &graph.IncidentContext{
		IncidentID: incidentID,
		Anchor: graph.UniverseAnchor{
			IncidentID: incidentID,
			CreatedAt:  incident.createdAt,
		},
		EliminationSetID: incidentID,
	}, nil
}

// MergeNodeTombstones implements Store
func (m *MemoryStore) MergeNodeTombstones(
	_ context.Context, incidentID string, nodeIDs []string, prov graph.Provenance,
) (*graph.TombstoneMergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, ok := m.incidents[incidentID]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrIncidentNotFound, "MemoryStore", "MergeNodeTombstones", incidentID)
	}

	result := newTombstoneResult()

	for _, nodeID := range nodeIDs {
		if _, seen := incident.nodeTombstones[nodeID]; seen {
			result.AlreadyTombstonedIDs = append(result.AlreadyTombstonedIDs, nodeID)
			continue
		}

		// Frozen at creation: never re-evaluated if the node appears later
		_, exists := m.nodes[nodeID]
		incident.nodeTombstones[nodeID] = graph.NodeTombstone{
			IncidentID: incidentID,
			NodeID:     nodeID,
			Provenance: prov,
			Unmatched:  !exists,
		}

		if exists {
			result.AppliedIDs = append(result.AppliedIDs, nodeID)
		} else {
			result.UnmatchedIDs = append(result.UnmatchedIDs, nodeID)
		}
	}

	return result, nil
}

// MergeEdgeTombstones implements Store
func (m *MemoryStore) MergeEdgeTombstones(
	_ context.Context, incidentID string, keys []graph.EdgeKey, prov graph.Provenance,
) (*graph.TombstoneMergeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, ok := m.incidents[incidentID]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrIncidentNotFound, "MemoryStore", "MergeEdgeTombstones", incidentID)
	}

	result := newTombstoneResult()

	for _, key := range keys {
		if _, seen := incident.edgeTombstones[key]; seen {
			result.AlreadyTombstonedIDs = append(result.AlreadyTombstonedIDs, key.ID())
			continue
		}

		incident.edgeTombstones[key] = graph.EdgeTombstone{
			IncidentID: incidentID,
			Key:        key,
			Provenance: prov,
		}
		result.AppliedIDs = append(result.AppliedIDs, key.ID())
	}

	return result, nil
}

// GetLiveView implements Store
func (m *MemoryStore) GetLiveView(_ context.Context, incidentID string) (*graph.View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	incident, ok := m.incidents[incidentID]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrIncidentNotFound, "MemoryStore", "GetLiveView", incidentID)
	}

	view := &graph.View{Nodes: []graph.Node{}, Edges: []graph.Edge{}}

	for _, id := range m.sortedNodeIDs() {
		if _, dead := incident.nodeTombstones[id]; dead {
			continue
		}
		view.Nodes = append(view.Nodes, m.nodes[id].Node(id))
	}

	for _, key := range m.sortedEdgeKeys() {
		if _, dead := incident.edgeTombstones[key]; dead {
			continue
		}
		if _, dead := incident.nodeTombstones[key.Source]; dead {
			continue
		}
		if _, dead := incident.nodeTombstones[key.Target]; dead {
			continue
		}
		view.Edges = append(view.Edges, m.edges[key].Edge(key))
	}

	return view, nil
}

// GetTombstones implements Store
func (m *MemoryStore) GetTombstones(_ context.Context, incidentID string) (*graph.TombstoneSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	incident, ok := m.incidents[incidentID]
	if !ok {
		return nil, errors.WrapNotFound(errors.ErrIncidentNotFound, "MemoryStore", "GetTombstones", incidentID)
	}

	set := &graph.TombstoneSet{Nodes: []graph.NodeTombstone{}, Edges: []graph.EdgeTombstone{}}

	nodeIDs := make([]string, 0, len(incident.nodeTombstones))
	for id := range incident.nodeTombstones {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	for _, id := range nodeIDs {
		set.Nodes = append(set.Nodes, incident.nodeTombstones[id])
	}

	edgeKeys := make([]graph.EdgeKey, 0, len(incident.edgeTombstones))
	for key := range incident.edgeTombstones {
		edgeKeys = append(edgeKeys, key)
	}
	sortEdgeKeys(edgeKeys)
	for _, key := range edgeKeys {
		set.Edges = append(set.Edges, incident.edgeTombstones[key])
	}

	return set, nil
}

// GetMainGraph implements Store
func (m *MemoryStore) GetMainGraph(_ context.Context) (*graph.View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	view := &graph.View{Nodes: []graph.Node{}, Edges: []graph.Edge{}}

	for _, id := range m.sortedNodeIDs() {
		view.Nodes = append(view.Nodes, m.nodes[id].Node(id))
	}
	for _, key := range m.sortedEdgeKeys() {
		view.Edges = append(view.Edges, m.edges[key].Edge(key))
	}

	return view, nil
}

// Ping implements Store
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close implements Store
func (m *MemoryStore) Close() {}

func (m *MemoryStore) sortedNodeIDs() []string {
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *MemoryStore) sortedEdgeKeys() []graph.EdgeKey {
	keys := make([]graph.EdgeKey, 0, len(m.edges))
	for key := range m.edges {
		keys = append(keys, key)
	}
	sortEdgeKeys(keys)
	return keys
}

func sortEdgeKeys(keys []graph.EdgeKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		if keys[i].Target != keys[j].Target {
			return keys[i].Target < keys[j].Target
		}
		return keys[i].Type < keys[j].Type
	})
}
