package store

import (
	"context"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meadowlark-bradsher/tee/errors"
	"github.com/meadowlark-bradsher/tee/graph"
)

func deltaProv() graph.Provenance {
	return graph.Provenance{Source: "agent-1", Trigger: "alert"}
}

func node(id, label string) graph.Node {
	return graph.Node{
		ID:           id,
		Type:         graph.NodeTypeService,
		Label:        label,
		Hypothetical: true,
	}
}

func edge(source, target string) graph.Edge {
	return graph.Edge{Source: source, Target: target, Type: graph.EdgeTypeDependsOn}
}

func delta(nodes []graph.Node, edges []graph.Edge) graph.Delta {
	return graph.Delta{Nodes: nodes, Edges: edges, Provenance: deltaProv()}
}

// --- MergeHypothesis ---

func TestMemoryStore_MergeCreatesNewNodes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	result, err := s.MergeHypothesis(ctx, delta([]graph.Node{node("n1", "svc")}, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, result.CreatedIDs)
	assert.Empty(t, result.MergedIDs)
	assert.Empty(t, result.Conflicts)
}

func TestMemoryStore_MergeIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	d := delta([]graph.Node{node("n1", "svc")}, nil)

	_, err := s.MergeHypothesis(ctx, d)
	require.NoError(t, err)

	result, err := s.MergeHypothesis(ctx, d)
	require.NoError(t, err)
	assert.Empty(t, result.CreatedIDs)
	assert.Equal(t, []string{"n1"}, result.MergedIDs)
	assert.Empty(t, result.Conflicts)

	// Store has exactly one provenance record
	view, err := s.GetMainGraph(ctx)
	require.NoError(t, err)
	require.Len(t, view.Nodes, 1)
	assert.Len(t, view.Nodes[0].Provenance, 1)
}

func TestMemoryStore_TypeConflictReportedNotPersisted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.MergeHypothesis(ctx, delta([]graph.Node{node("n1", "api")}, nil))
	require.NoError(t, err)

	conflicting := node("n1", "api")
	conflicting.Type = graph.NodeTypeDependency
	d := graph.Delta{
		Nodes:      []graph.Node{conflicting},
		Provenance: graph.Provenance{Source: "agent-b", Trigger: "scan"},
	}

	result, err := s.MergeHypothesis(ctx, d)
	require.NoError(t, err)
	assert.Empty(t, result.CreatedIDs)
	assert.Empty(t, result.MergedIDs)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "n1", result.Conflicts[0].ID)
	assert.Equal(t, "type", result.Conflicts[0].Field)
	assert.Equal(t, "SERVICE", result.Conflicts[0].ExistingValue)
	assert.Equal(t, "DEPENDENCY", result.Conflicts[0].ProposedValue)

	// No mutation: the conflicting write's provenance is NOT appended
	view, err := s.GetMainGraph(ctx)
	require.NoError(t, err)
	require.Len(t, view.Nodes, 1)
	assert.Equal(t, graph.NodeTypeService, view.Nodes[0].Type)
	require.Len(t, view.Nodes[0].Provenance, 1)
	assert.Equal(t, "agent-1", view.Nodes[0].Provenance[0].Source)
}

func TestMemoryStore_ConflictDoesNotBlockRestOfBatch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.MergeHypothesis(ctx, delta([]graph.Node{node("n1", "api")}, nil))
	require.NoError(t, err)

	conflicting := node("n1", "renamed")
	result, err := s.MergeHypothesis(ctx, delta([]graph.Node{conflicting, node("n2", "db")}, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"n2"}, result.CreatedIDs)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, "label", result.Conflicts[0].Field)
}

func TestMemoryStore_ProvenanceFirstTimestampWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := delta([]graph.Node{node("n1", "svc")}, nil)
	first.Provenance.Timestamp = time.Unix(100, 0)
	_, err := s.MergeHypothesis(ctx, first)
	require.NoError(t, err)

	second := delta([]graph.Node{node("n1", "svc")}, nil)
	second.Provenance.Timestamp = time.Unix(200, 0)
	_, err = s.MergeHypothesis(ctx, second)
	require.NoError(t, err)

	view, err := s.GetMainGraph(ctx)
	require.NoError(t, err)
	require.Len(t, view.Nodes[0].Provenance, 1)
	assert.Equal(t, time.Unix(100, 0), view.Nodes[0].Provenance[0].Timestamp)
}

func TestMemoryStore_HypotheticalMonotone(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	confirmed := node("n1", "svc")
	confirmed.Hypothetical = false
	_, err := s.MergeHypothesis(ctx, delta([]graph.Node{confirmed}, nil))
	require.NoError(t, err)

	_, err = s.MergeHypothesis(ctx, delta([]graph.Node{node("n1", "svc")}, nil))
	require.NoError(t, err)

	view, err := s.GetMainGraph(ctx)
	require.NoError(t, err)
	assert.False(t, view.Nodes[0].Hypothetical, "stored false must never flip back to true")
}

func TestMemoryStore_EdgesCreatedAheadOfEndpoints(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	result, err := s.MergeHypothesis(ctx, delta(nil, []graph.Edge{edge("a", "b")}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a->b:DEPENDS_ON"}, result.CreatedIDs)

	result, err = s.MergeHypothesis(ctx, delta(nil, []graph.Edge{edge("a", "b")}))
	require.NoError(t, err)
	assert.Equal(t, []string{"a->b:DEPENDS_ON"}, result.MergedIDs)
}

func TestMemoryStore_EmptyDeltaYieldsEmptyResult(t *testing.T) {
	s := NewMemoryStore()

	result, err := s.MergeHypothesis(context.Background(), delta(nil, nil))
	require.NoError(t, err)
	assert.Empty(t, result.CreatedIDs)
	assert.Empty(t, result.MergedIDs)
	assert.Empty(t, result.Conflicts)
}

// --- CreateIncident / GetIncidentContext ---

func TestMemoryStore_CreateIncidentIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.CreateIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := s.CreateIncident(ctx, "inc-1")
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "repeated creation returns the original created_at")
}

func TestMemoryStore_GetIncidentContext(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	record, err := s.CreateIncident(ctx, "inc-1")
	require.NoError(t, err)

	ictx, err := s.GetIncidentContext(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, "inc-1", ictx.IncidentID)
	assert.Equal(t, "inc-1", ictx.EliminationSetID)
	assert.Equal(t, record.CreatedAt, ictx.Anchor.CreatedAt)
}

func TestMemoryStore_GetIncidentContextNotFound(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.GetIncidentContext(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

// --- Tombstones ---

func TestMemoryStore_NodeTombstoneApplied(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateIncident(ctx, "inc-1")
	require.NoError(t, err)
	_, err = s.MergeHypothesis(ctx, delta([]graph.Node{node("n1", "svc")}, nil))
	require.NoError(t, err)

	result, err := s.MergeNodeTombstones(ctx, "inc-1", []string{"n1"}, deltaProv())
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, result.AppliedIDs)
	assert.Empty(t, result.AlreadyTombstonedIDs)
	assert.Empty(t, result.UnmatchedIDs)
}

func TestMemoryStore_NodeTombstoneUnmatchedStaysFrozen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateIncident(ctx, "inc-1")
	require.NoError(t, err)

	result, err := s.MergeNodeTombstones(ctx, "inc-1", []string{"nX"}, deltaProv())
	require.NoError(t, err)
	assert.Equal(t, []string{"nX"}, result.UnmatchedIDs)

	// The node appears later; the tombstone still eliminates it and the
	// stored unmatched flag is not re-evaluated
	_, err = s.MergeHypothesis(ctx, delta([]graph.Node{node("nX", "late")}, nil))
	require.NoError(t, err)

	view, err := s.GetLiveView(ctx, "inc-1")
	require.NoError(t, err)
	assert.Empty(t, view.Nodes)

	set, err := s.GetTombstones(ctx, "inc-1")
	require.NoError(t, err)
	require.Len(t, set.Nodes, 1)
	assert.True(t, set.Nodes[0].Unmatched)
}

func TestMemoryStore_NodeTombstoneIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateIncident(ctx, "inc-1")
	require.NoError(t, err)
	_, err = s.MergeHypothesis(ctx, delta([]graph.Node{node("n1", "svc")}, nil))
	require.NoError(t, err)

	_, err = s.MergeNodeTombstones(ctx, "inc-1", []string{"n1"}, deltaProv())
	require.NoError(t, err)

	result, err := s.MergeNodeTombstones(ctx, "inc-1", []string{"n1"}, deltaProv())
	require.NoError(t, err)
	assert.Empty(t, result.AppliedIDs)
	assert.Equal(t, []string{"n1"}, result.AlreadyTombstonedIDs)
}

func TestMemoryStore_TombstoneUnknownIncidentNotFound(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.MergeNodeTombstones(context.Background(), "ghost", []string{"n1"}, deltaProv())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = s.MergeEdgeTombstones(context.Background(), "ghost",
		[]graph.EdgeKey{{Source: "a", Target: "b", Type: graph.EdgeTypeDependsOn}}, deltaProv())
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryStore_EdgeTombstonesNeverUnmatched(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateIncident(ctx, "inc-1")
	require.NoError(t, err)

	// The edge does not exist; the tombstone is still recorded as applied
	key := graph.EdgeKey{Source: "a", Target: "b", Type: graph.EdgeTypeDependsOn}
	result, err := s.MergeEdgeTombstones(ctx, "inc-1", []graph.EdgeKey{key}, deltaProv())
	require.NoError(t, err)
	assert.Equal(t, []string{key.ID()}, result.AppliedIDs)
	assert.Empty(t, result.UnmatchedIDs)

	result, err = s.MergeEdgeTombstones(ctx, "inc-1", []graph.EdgeKey{key}, deltaProv())
	require.NoError(t, err)
	assert.Equal(t, []string{key.ID()}, result.AlreadyTombstonedIDs)
}

// --- Live view ---

func TestMemoryStore_LiveViewFiltersTombstonedNodes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateIncident(ctx, "inc-1")
	require.NoError(t, err)
	_, err = s.MergeHypothesis(ctx, delta([]graph.Node{node("n1", "svc1"), node("n2", "svc2")}, nil))
	require.NoError(t, err)
	_, err = s.MergeNodeTombstones(ctx, "inc-1", []string{"n1"}, deltaProv())
	require.NoError(t, err)

	view, err := s.GetLiveView(ctx, "inc-1")
	require.NoError(t, err)
	require.Len(t, view.Nodes, 1)
	assert.Equal(t, "n2", view.Nodes[0].ID)
}

func TestMemoryStore_NodeTombstoneImplicitlyEliminatesEdges(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateIncident(ctx, "inc-1")
	require.NoError(t, err)
	_, err = s.MergeHypothesis(ctx, delta(
		[]graph.Node{node("n1", "svc1"), node("n2", "svc2"), node("n3", "svc3")},
		[]graph.Edge{edge("n1", "n2"), edge("n2", "n3")},
	))
	require.NoError(t, err)

	// No edge tombstone written; the node tombstone alone eliminates n1->n2
	_, err = s.MergeNodeTombstones(ctx, "inc-1", []string{"n1"}, deltaProv())
	require.NoError(t, err)

	view, err := s.GetLiveView(ctx, "inc-1")
	require.NoError(t, err)
	assert.Len(t, view.Nodes, 2)
	require.Len(t, view.Edges, 1)
	assert.Equal(t, "n2", view.Edges[0].Source)
	assert.Equal(t, "n3", view.Edges[0].Target)
}

func TestMemoryStore_EdgeTombstoneRemovesRelationOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateIncident(ctx, "inc-1")
	require.NoError(t, err)
	_, err = s.MergeHypothesis(ctx, delta(
		[]graph.Node{node("n1", "svc1"), node("n2", "svc2")},
		[]graph.Edge{edge("n1", "n2")},
	))
	require.NoError(t, err)

	_, err = s.MergeEdgeTombstones(ctx, "inc-1",
		[]graph.EdgeKey{{Source: "n1", Target: "n2", Type: graph.EdgeTypeDependsOn}}, deltaProv())
	require.NoError(t, err)

	view, err := s.GetLiveView(ctx, "inc-1")
	require.NoError(t, err)
	assert.Len(t, view.Nodes, 2, "both endpoints stay live")
	assert.Empty(t, view.Edges)
}

func TestMemoryStore_IncidentIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateIncident(ctx, "inc-1")
	require.NoError(t, err)
	_, err = s.CreateIncident(ctx, "inc-2")
	require.NoError(t, err)
	_, err = s.MergeHypothesis(ctx, delta([]graph.Node{node("n1", "svc1"), node("n2", "svc2")}, nil))
	require.NoError(t, err)

	mainBefore, err := s.GetMainGraph(ctx)
	require.NoError(t, err)

	_, err = s.MergeNodeTombstones(ctx, "inc-1", []string{"n1"}, deltaProv())
	require.NoError(t, err)

	view1, err := s.GetLiveView(ctx, "inc-1")
	require.NoError(t, err)
	view2, err := s.GetLiveView(ctx, "inc-2")
	require.NoError(t, err)
	assert.Len(t, view1.Nodes, 1)
	assert.Len(t, view2.Nodes, 2)

	// The main graph is untouched by tombstone writes
	mainAfter, err := s.GetMainGraph(ctx)
	require.NoError(t, err)
	assert.Equal(t, mainBefore, mainAfter)
}

func TestMemoryStore_LiveViewDisjointFromTombstones(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateIncident(ctx, "inc-1")
	require.NoError(t, err)
	_, err = s.MergeHypothesis(ctx, delta(
		[]graph.Node{node("n1", "a"), node("n2", "b"), node("n3", "c")},
		[]graph.Edge{edge("n1", "n2"), edge("n2", "n3"), edge("n1", "n3")},
	))
	require.NoError(t, err)
	_, err = s.MergeNodeTombstones(ctx, "inc-1", []string{"n2", "nX"}, deltaProv())
	require.NoError(t, err)

	view, err := s.GetLiveView(ctx, "inc-1")
	require.NoError(t, err)
	set, err := s.GetTombstones(ctx, "inc-1")
	require.NoError(t, err)

	dead := make(map[string]bool)
	for _, id := range set.NodeIDs() {
		dead[id] = true
	}
	for _, n := range view.Nodes {
		assert.False(t, dead[n.ID], "live node %s must not be tombstoned", n.ID)
	}
	for _, e := range view.Edges {
		assert.False(t, dead[e.Source], "live edge endpoint %s must not be tombstoned", e.Source)
		assert.False(t, dead[e.Target], "live edge endpoint %s must not be tombstoned", e.Target)
	}
}

// --- Convergence under randomized delta orders ---

func randomDelta(rng *rand.Rand) graph.Delta {
	ids := []string{"a", "b", "c", "d"}
	labels := map[string]string{"a": "la", "b": "lb", "c": "lc", "d": "ld"}

	var nodes []graph.Node
	for _, id := range ids {
		if rng.Intn(2) == 0 {
			n := node(id, labels[id])
			n.Hypothetical = rng.Intn(4) != 0
			nodes = append(nodes, n)
		}
	}

	var edges []graph.Edge
	if rng.Intn(2) == 0 {
		edges = append(edges, edge(ids[rng.Intn(2)], ids[2+rng.Intn(2)]))
	}

	return graph.Delta{
		Nodes: nodes,
		Edges: edges,
		Provenance: graph.Provenance{
			Source:    []string{"agent-a", "agent-b", "agent-c"}[rng.Intn(3)],
			Trigger:   []string{"boot", "scan"}[rng.Intn(2)],
			Timestamp: time.Unix(int64(rng.Intn(1000)), 0),
		},
	}
}

// canonicalize projects a view onto the equality the lattice laws are
// stated over: provenance identity (sorted, timestamps dropped), not
// informational timestamps or insertion order.
func canonicalize(v *graph.View) *graph.View {
	normalize := func(records []graph.Provenance) {
		for i := range records {
			records[i].Timestamp = time.Time{}
		}
		sort.Slice(records, func(i, j int) bool {
			return records[i].Key() < records[j].Key()
		})
	}

	out := &graph.View{}
	for _, n := range v.Nodes {
		normalize(n.Provenance)
		out.Nodes = append(out.Nodes, n)
	}
	for _, e := range v.Edges {
		normalize(e.Provenance)
		out.Edges = append(out.Edges, e)
	}
	return out
}

func TestMemoryStore_ApplyOrderDoesNotMatter(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	ctx := context.Background()

	for round := 0; round < 30; round++ {
		deltas := []graph.Delta{randomDelta(rng), randomDelta(rng), randomDelta(rng)}

		forward := NewMemoryStore()
		for _, d := range deltas {
			_, err := forward.MergeHypothesis(ctx, d)
			require.NoError(t, err)
		}

		shuffled := NewMemoryStore()
		for _, i := range rng.Perm(len(deltas)) {
			_, err := shuffled.MergeHypothesis(ctx, deltas[i])
			require.NoError(t, err)
		}

		a, err := forward.GetMainGraph(ctx)
		require.NoError(t, err)
		b, err := shuffled.GetMainGraph(ctx)
		require.NoError(t, err)
		assert.Equal(t, canonicalize(a), canonicalize(b))
	}
}

func TestMemoryStore_DuplicateDeliveryConverges(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	ctx := context.Background()

	for round := 0; round < 30; round++ {
		d := randomDelta(rng)

		once := NewMemoryStore()
		_, err := once.MergeHypothesis(ctx, d)
		require.NoError(t, err)

		twice := NewMemoryStore()
		_, err = twice.MergeHypothesis(ctx, d)
		require.NoError(t, err)
		second, err := twice.MergeHypothesis(ctx, d)
		require.NoError(t, err)

		assert.Empty(t, second.CreatedIDs, "replay must create nothing")

		a, err := once.GetMainGraph(ctx)
		require.NoError(t, err)
		b, err := twice.GetMainGraph(ctx)
		require.NoError(t, err)
		assert.Equal(t, canonicalize(a), canonicalize(b))
	}
}
