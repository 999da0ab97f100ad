// Package store provides the transactional boundary with the graph
// database. Every public write is one transaction and returns a structured
// outcome per item; per-item conflicts never abort the batch. Two
// implementations exist: PostgresStore for production and MemoryStore for
// tests and local development.
package store

import (
	"context"

	"github.com/meadowlark-bradsher/tee/graph"
)

// Store is the storage contract the service façade delegates to.
// One method per RPC.
type Store interface {
	// MergeHypothesis accumulates an already-validated delta into the main
	// graph. Conflicting node writes are reported, not persisted; the rest
	// of the batch commits. An empty delta commits an empty transaction.
	MergeHypothesis(ctx context.Context, delta graph.Delta) (*graph.MergeResult, error)

	// CreateIncident registers an elimination context. Idempotent: repeated
	// creation returns the originally stored creation time.
	CreateIncident(ctx context.Context, incidentID string) (*graph.IncidentRecord, error)

	// GetIncidentContext returns the incident's universe anchor and
	// elimination set id. Fails not-found for unknown incidents.
	GetIncidentContext(ctx context.Context, incidentID string) (*graph.IncidentContext, error)

	// MergeNodeTombstones accumulates node eliminations for an incident.
	// The unmatched flag is frozen at first creation.
	MergeNodeTombstones(ctx context.Context, incidentID string, nodeIDs []string, prov graph.Provenance) (*graph.TombstoneMergeResult, error)

	// MergeEdgeTombstones accumulates edge eliminations for an incident.
	// Edge existence is not checked; the unmatched bucket stays empty.
	MergeEdgeTombstones(ctx context.Context, incidentID string, keys []graph.EdgeKey, prov graph.Provenance) (*graph.TombstoneMergeResult, error)

	// GetLiveView returns Main − Tombstones for an incident
	GetLiveView(ctx context.Context, incidentID string) (*graph.View, error)

	// GetTombstones returns an incident's tombstone sets
	GetTombstones(ctx context.Context, incidentID string) (*graph.TombstoneSet, error)

	// GetMainGraph returns the full hypothesis graph without incident scoping
	GetMainGraph(ctx context.Context) (*graph.View, error)

	// Ping verifies the backend is reachable
	Ping(ctx context.Context) error

	// Close releases backend resources
	Close()
}

// newTombstoneResult returns a result with non-nil buckets so responses
// serialize as empty arrays rather than null
func newTombstoneResult() *graph.TombstoneMergeResult {
	return &graph.TombstoneMergeResult{
		AppliedIDs:           []string{},
		AlreadyTombstonedIDs: []string{},
		UnmatchedIDs:         []string{},
	}
}

// newMergeResult returns a result with non-nil buckets
func newMergeResult() *graph.MergeResult {
	return &graph.MergeResult{
		CreatedIDs: []string{},
		MergedIDs:  []string{},
		Conflicts:  []graph.FieldConflict{},
	}
}
