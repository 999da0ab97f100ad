package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meadowlark-bradsher/tee/errors"
	"github.com/meadowlark-bradsher/tee/graph"
)

func validProvenance() graph.Provenance {
	return graph.Provenance{Source: "agent-1", Trigger: "alert-fired"}
}

func validNode() graph.Node {
	return graph.Node{
		ID:           "node-1",
		Type:         graph.NodeTypeService,
		Label:        "api-gateway",
		Hypothetical: true,
		Provenance:   []graph.Provenance{validProvenance()},
	}
}

func validEdge() graph.Edge {
	return graph.Edge{
		Source:     "node-1",
		Target:     "node-2",
		Type:       graph.EdgeTypeDependsOn,
		Provenance: []graph.Provenance{validProvenance()},
	}
}

// --- Node rules ---

func TestCheckNode(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*graph.Node)
		want   string
	}{
		{"valid node passes", func(*graph.Node) {}, ""},
		{"empty id", func(n *graph.Node) { n.ID = "" }, ReasonEmptyNodeID},
		{"unknown type", func(n *graph.Node) { n.Type = "POD" }, ReasonInvalidNodeType},
		{"empty type", func(n *graph.Node) { n.Type = "" }, ReasonInvalidNodeType},
		{"empty label", func(n *graph.Node) { n.Label = "" }, ReasonEmptyLabel},
		{"empty prov source", func(n *graph.Node) { n.Provenance[0].Source = "" }, ReasonEmptyProvSource},
		{"empty prov trigger", func(n *graph.Node) { n.Provenance[0].Trigger = "" }, ReasonEmptyProvTrigger},
		{"separator in prov source", func(n *graph.Node) { n.Provenance[0].Source = "a|b" }, ReasonProvSeparator},
		{"no provenance is fine", func(n *graph.Node) { n.Provenance = nil }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := validNode()
			tt.mutate(&n)
			assert.Equal(t, tt.want, CheckNode(n))
		})
	}
}

// --- Edge rules ---

func TestCheckEdge(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*graph.Edge)
		want   string
	}{
		{"valid edge passes", func(*graph.Edge) {}, ""},
		{"empty source", func(e *graph.Edge) { e.Source = "" }, ReasonEmptyEdgeSource},
		{"empty target", func(e *graph.Edge) { e.Target = "" }, ReasonEmptyEdgeTarget},
		{"self loop", func(e *graph.Edge) { e.Target = e.Source }, ReasonSelfLoop},
		{"unknown type", func(e *graph.Edge) { e.Type = "CALLS" }, ReasonInvalidEdgeType},
		{"separator in prov trigger", func(e *graph.Edge) { e.Provenance[0].Trigger = "x|y" }, ReasonProvSeparator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validEdge()
			tt.mutate(&e)
			assert.Equal(t, tt.want, CheckEdge(e))
		})
	}
}

// --- Provenance separator rule ---

func TestCheckProvenance_RejectsSeparator(t *testing.T) {
	p := validProvenance()
	p.Source = "agent|1"
	assert.Equal(t, ReasonProvSeparator, CheckProvenance(p))

	p = validProvenance()
	p.Trigger = "alert|fired"
	assert.Equal(t, ReasonProvSeparator, CheckProvenance(p))
}

// --- Request-level validation ---

func TestValidateDelta(t *testing.T) {
	d := graph.Delta{Provenance: validProvenance()}
	assert.NoError(t, ValidateDelta(d))

	d.Provenance.Source = ""
	err := ValidateDelta(d)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateIncidentID(t *testing.T) {
	assert.NoError(t, ValidateIncidentID("inc-1"))

	err := ValidateIncidentID("")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateNodeTombstoneRequest(t *testing.T) {
	valid := graph.NodeTombstoneRequest{
		IncidentID: "inc-1",
		NodeIDs:    []string{"n1"},
		Provenance: validProvenance(),
	}
	assert.NoError(t, ValidateNodeTombstoneRequest(valid))

	missing := valid
	missing.IncidentID = ""
	assert.True(t, errors.IsInvalid(ValidateNodeTombstoneRequest(missing)))

	empty := valid
	empty.NodeIDs = nil
	assert.True(t, errors.IsInvalid(ValidateNodeTombstoneRequest(empty)))

	badProv := valid
	badProv.Provenance.Trigger = ""
	assert.True(t, errors.IsInvalid(ValidateNodeTombstoneRequest(badProv)))
}

func TestValidateEdgeTombstoneRequest(t *testing.T) {
	valid := graph.EdgeTombstoneRequest{
		IncidentID: "inc-1",
		EdgeKeys:   []graph.EdgeKey{{Source: "n1", Target: "n2", Type: graph.EdgeTypeDependsOn}},
		Provenance: validProvenance(),
	}
	assert.NoError(t, ValidateEdgeTombstoneRequest(valid))

	empty := valid
	empty.EdgeKeys = nil
	assert.True(t, errors.IsInvalid(ValidateEdgeTombstoneRequest(empty)))
}

// --- Partitioning ---

func TestPartitionDelta_RejectionsDoNotBlockRest(t *testing.T) {
	bad := validNode()
	bad.Label = ""
	badEdge := validEdge()
	badEdge.Target = badEdge.Source

	d := graph.Delta{
		Nodes:      []graph.Node{validNode(), bad},
		Edges:      []graph.Edge{validEdge(), badEdge},
		Provenance: validProvenance(),
	}

	accepted, rejected := PartitionDelta(d)

	require.Len(t, accepted.Nodes, 1)
	require.Len(t, accepted.Edges, 1)
	require.Len(t, rejected, 2)
	assert.Equal(t, ReasonEmptyLabel, rejected[0].Reason)
	assert.Equal(t, ReasonSelfLoop, rejected[1].Reason)
	assert.Equal(t, d.Provenance, accepted.Provenance)
}

func TestPartitionDelta_AllRejectedYieldsEmptyDelta(t *testing.T) {
	bad := validNode()
	bad.ID = ""

	accepted, rejected := PartitionDelta(graph.Delta{
		Nodes:      []graph.Node{bad},
		Provenance: validProvenance(),
	})

	assert.True(t, accepted.Empty())
	assert.Len(t, rejected, 1)
}

func TestPartitionNodeIDs(t *testing.T) {
	accepted, rejected := PartitionNodeIDs([]string{"n1", "", "n2"})
	assert.Equal(t, []string{"n1", "n2"}, accepted)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonEmptyNodeID, rejected[0].Reason)
}

func TestPartitionEdgeKeys(t *testing.T) {
	good := graph.EdgeKey{Source: "a", Target: "b", Type: graph.EdgeTypePropagatesTo}
	loop := graph.EdgeKey{Source: "a", Target: "a", Type: graph.EdgeTypeDependsOn}

	accepted, rejected := PartitionEdgeKeys([]graph.EdgeKey{good, loop})
	assert.Equal(t, []graph.EdgeKey{good}, accepted)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonSelfLoop, rejected[0].Reason)
}
