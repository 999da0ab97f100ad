package schema

import (
	"github.com/meadowlark-bradsher/tee/graph"
)

// PartitionDelta splits a delta into the items that may enter the store
// transaction and the items rejected with a reason. A rejected item never
// blocks the rest of the delta; a fully-rejected delta still yields an
// (empty) accepted delta for the store to run an empty transaction over.
func PartitionDelta(d graph.Delta) (graph.Delta, []graph.Rejection) {
	accepted := graph.Delta{Provenance: d.Provenance}
	var rejected []graph.Rejection

	for _, n := range d.Nodes {
		if reason := CheckNode(n); reason != "" {
			rejected = append(rejected, graph.Rejection{ID: n.ID, Reason: reason})
			continue
		}
		accepted.Nodes = append(accepted.Nodes, n)
	}

	for _, e := range d.Edges {
		if reason := CheckEdge(e); reason != "" {
			rejected = append(rejected, graph.Rejection{ID: e.Key().ID(), Reason: reason})
			continue
		}
		accepted.Edges = append(accepted.Edges, e)
	}

	return accepted, rejected
}

// PartitionNodeIDs splits tombstone node ids into accepted and rejected
func PartitionNodeIDs(ids []string) ([]string, []graph.Rejection) {
	var accepted []string
	var rejected []graph.Rejection

	for _, id := range ids {
		if id == "" {
			rejected = append(rejected, graph.Rejection{ID: id, Reason: ReasonEmptyNodeID})
			continue
		}
		accepted = append(accepted, id)
	}

	return accepted, rejected
}

// PartitionEdgeKeys splits tombstone edge keys into accepted and rejected
func PartitionEdgeKeys(keys []graph.EdgeKey) ([]graph.EdgeKey, []graph.Rejection) {
	var accepted []graph.EdgeKey
	var rejected []graph.Rejection

	for _, k := range keys {
		if reason := CheckEdgeKey(k); reason != "" {
			rejected = append(rejected, graph.Rejection{ID: k.ID(), Reason: reason})
			continue
		}
		accepted = append(accepted, k)
	}

	return accepted, rejected
}
