package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meadowlark-bradsher/tee/errors"
	"github.com/meadowlark-bradsher/tee/graph"
	"github.com/meadowlark-bradsher/tee/lattice"
)

const (
	selectNodeForMerge = `SELECT node_type, label FROM nodes WHERE id = $1`

	// Upsert one provenance record into a node. The WHERE guard turns the
	// update into a no-op when the stored immutable fields disagree with
	// the proposal, so a conflicting write persists nothing even when it
	// races past the precheck. RETURNING reports insert vs update.
	upsertNode = `
		INSERT INTO nodes (id, node_type, label, hypothetical, provenance_keys, provenance_events)
		VALUES ($1, $2, $3, $4, ARRAY[$5], jsonb_build_array($6::jsonb))
		ON CONFLICT (id) DO UPDATE SET
			hypothetical = nodes.hypothetical AND EXCLUDED.hypothetical,
			provenance_keys = CASE WHEN $5 = ANY (nodes.provenance_keys)
				THEN nodes.provenance_keys
				ELSE array_append(nodes.provenance_keys, $5) END,
			provenance_events = CASE WHEN $5 = ANY (nodes.provenance_keys)
				THEN nodes.provenance_events
				ELSE nodes.provenance_events || $6::jsonb END
		WHERE nodes.node_type = EXCLUDED.node_type AND nodes.label = EXCLUDED.label
		RETURNING (xmax = 0) AS created`

	upsertEdge = `
		INSERT INTO edges (source, target, edge_type, provenance_keys, provenance_events)
		VALUES ($1, $2, $3, ARRAY[$4], jsonb_build_array($5::jsonb))
		ON CONFLICT (source, target, edge_type) DO UPDATE SET
			provenance_keys = CASE WHEN $4 = ANY (edges.provenance_keys)
				THEN edges.provenance_keys
				ELSE array_append(edges.provenance_keys, $4) END,
			provenance_events = CASE WHEN $4 = ANY (edges.provenance_keys)
				THEN edges.provenance_events
				ELSE edges.provenance_events || $5::jsonb END
		RETURNING (xmax = 0) AS created`

	// Traversal relation, created only once both endpoints exist
	linkEdge = `
		INSERT INTO edge_links (source, target, edge_type)
		SELECT $1, $2, $3
		WHERE EXISTS (SELECT 1 FROM nodes WHERE id = $1)
		  AND EXISTS (SELECT 1 FROM nodes WHERE id = $2)
		ON CONFLICT DO NOTHING`

	// Lazy backfill: an edge declared ahead of its endpoints gets its
	// traversal relation once the missing node arrives
	backfillLinks = `
		INSERT INTO edge_links (source, target, edge_type)
		SELECT e.source, e.target, e.edge_type
		FROM edges e
		WHERE (e.source = $1 OR e.target = $1)
		  AND EXISTS (SELECT 1 FROM nodes WHERE id = e.source)
		  AND EXISTS (SELECT 1 FROM nodes WHERE id = e.target)
		ON CONFLICT DO NOTHING`

	insertIncident = `
		INSERT INTO incidents (incident_id, created_at) VALUES ($1, now())
		ON CONFLICT (incident_id) DO NOTHING
		RETURNING created_at`

	selectIncidentCreatedAt = `SELECT created_at FROM incidents WHERE incident_id = $1`

	incidentExistsQuery = `SELECT EXISTS (SELECT 1 FROM incidents WHERE incident_id = $1)`

	insertNodeTombstone = `
		INSERT INTO node_tombstones (incident_id, node_id, prov_source, prov_trigger, prov_at, unmatched)
		VALUES ($1, $2, $3, $4, $5, NOT EXISTS (SELECT 1 FROM nodes WHERE id = $2))
		ON CONFLICT (incident_id, node_id) DO NOTHING
		RETURNING unmatched`

	insertEdgeTombstone = `
		INSERT INTO edge_tombstones (incident_id, source, target, edge_type, prov_source, prov_trigger, prov_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (incident_id, source, target, edge_type) DO NOTHING
		RETURNING TRUE`
)

// provenanceRecords combines the delta-level record with an item's own
// records, deduplicated by identity with first occurrence winning.
func provenanceRecords(deltaProv graph.Provenance, own []graph.Provenance) []graph.Provenance {
	set := lattice.NewProvenanceSet(deltaProv)
	for _, r := range own {
		set.Add(r)
	}
	return set.Records()
}

func provTimestamp(p graph.Provenance) *time.Time {
	if p.Timestamp.IsZero() {
		return nil
	}
	t := p.Timestamp
	return &t
}

// MergeHypothesis implements Store
func (s *PostgresStore) MergeHypothesis(ctx context.Context, delta graph.Delta) (*graph.MergeResult, error) {
	var result *graph.MergeResult

	err := s.withTx(ctx, "MergeHypothesis", func(tx pgx.Tx) error {
		result = newMergeResult()

		createdNodes := make([]string, 0, len(delta.Nodes))
		for _, n := range delta.Nodes {
			created, conflict, err := s.mergeNode(ctx, tx, delta.Provenance, n)
			if err != nil {
				return err
			}
			switch {
			case conflict != nil:
				result.Conflicts = append(result.Conflicts, *conflict)
			case created:
				result.CreatedIDs = append(result.CreatedIDs, n.ID)
				createdNodes = append(createdNodes, n.ID)
			default:
				result.MergedIDs = append(result.MergedIDs, n.ID)
			}
		}

		for _, e := range delta.Edges {
			created, err := s.mergeEdge(ctx, tx, delta.Provenance, e)
			if err != nil {
				return err
			}
			if created {
				result.CreatedIDs = append(result.CreatedIDs, e.Key().ID())
			} else {
				result.MergedIDs = append(result.MergedIDs, e.Key().ID())
			}
		}

		// A node arriving after its edges completes their traversal relation
		for _, id := range createdNodes {
			if _, err := tx.Exec(ctx, backfillLinks, id); err != nil {
				return s.classify(err, "MergeHypothesis", "backfill edge links")
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// mergeNode runs the read-check-write sequence for one node. A conflict is
// reported and skipped; it never aborts the transaction.
func (s *PostgresStore) mergeNode(
	ctx context.Context, tx pgx.Tx, deltaProv graph.Provenance, n graph.Node,
) (created bool, conflict *graph.FieldConflict, err error) {
	var storedType, storedLabel string
	err = tx.QueryRow(ctx, selectNodeForMerge, n.ID).Scan(&storedType, &storedLabel)
	switch {
	case err == nil:
		if c := fieldConflict(n, storedType, storedLabel); c != nil {
			return false, c, nil
		}
	case stderrors.Is(err, pgx.ErrNoRows):
		// first write for this id
	default:
		return false, nil, s.classify(err, "MergeHypothesis", "read node")
	}

	for _, rec := range provenanceRecords(deltaProv, n.Provenance) {
		event, err := json.Marshal(rec)
		if err != nil {
			return false, nil, errors.WrapInvalid(err, pgComponent, "MergeHypothesis", "encode provenance")
		}

		var inserted bool
		err = tx.QueryRow(ctx, upsertNode,
			n.ID, string(n.Type), n.Label, n.Hypothetical, rec.Key(), string(event),
		).Scan(&inserted)
		if stderrors.Is(err, pgx.ErrNoRows) {
			// The guard rejected the update: a concurrent writer created
			// the node with different immutable fields between our read
			// and this statement. Re-read and report the conflict.
			c, rerr := s.rereadConflict(ctx, tx, n)
			if rerr != nil {
				return false, nil, rerr
			}
			return false, c, nil
		}
		if err != nil {
			return false, nil, s.classify(err, "MergeHypothesis", "upsert node")
		}
		created = created || inserted
	}

	return created, nil, nil
}

func fieldConflict(n graph.Node, storedType, storedLabel string) *graph.FieldConflict {
	if storedType != string(n.Type) {
		return &graph.FieldConflict{
			ID:            n.ID,
			Field:         lattice.FieldType,
			ExistingValue: storedType,
			ProposedValue: string(n.Type),
		}
	}
	if storedLabel != n.Label {
		return &graph.FieldConflict{
			ID:            n.ID,
			Field:         lattice.FieldLabel,
			ExistingValue: storedLabel,
			ProposedValue: n.Label,
		}
	}
	return nil
}

func (s *PostgresStore) rereadConflict(ctx context.Context, tx pgx.Tx, n graph.Node) (*graph.FieldConflict, error) {
	var storedType, storedLabel string
	if err := tx.QueryRow(ctx, selectNodeForMerge, n.ID).Scan(&storedType, &storedLabel); err != nil {
		return nil, s.classify(err, "MergeHypothesis", "reread node after guarded upsert")
	}
	return fieldConflict(n, storedType, storedLabel), nil
}

// mergeEdge upserts one edge record and its best-effort traversal relation
func (s *PostgresStore) mergeEdge(
	ctx context.Context, tx pgx.Tx, deltaProv graph.Provenance, e graph.Edge,
) (created bool, err error) {
	for _, rec := range provenanceRecords(deltaProv, e.Provenance) {
		event, err := json.Marshal(rec)
		if err != nil {
			return false, errors.WrapInvalid(err, pgComponent, "MergeHypothesis", "encode provenance")
		}

		var inserted bool
		err = tx.QueryRow(ctx, upsertEdge,
			e.Source, e.Target, string(e.Type), rec.Key(), string(event),
		).Scan(&inserted)
		if err != nil {
			return false, s.classify(err, "MergeHypothesis", "upsert edge")
		}
		created = created || inserted
	}

	// The edge record is authoritative; the link row only appears once
	// both endpoints exist
	if _, err := tx.Exec(ctx, linkEdge, e.Source, e.Target, string(e.Type)); err != nil {
		return false, s.classify(err, "MergeHypothesis", "link edge")
	}

	return created, nil
}

// CreateIncident implements Store
func (s *PostgresStore) CreateIncident(ctx context.Context, incidentID string) (*graph.IncidentRecord, error) {
	var record *graph.IncidentRecord

	err := s.withTx(ctx, "CreateIncident", func(tx pgx.Tx) error {
		var createdAt time.Time
		err := tx.QueryRow(ctx, insertIncident, incidentID).Scan(&createdAt)
		switch {
		case err == nil:
			record = &graph.IncidentRecord{IncidentID: incidentID, CreatedAt: createdAt, Created: true}
			return nil
		case stderrors.Is(err, pgx.ErrNoRows):
			// Already registered: return the original creation moment
			if err := tx.QueryRow(ctx, selectIncidentCreatedAt, incidentID).Scan(&createdAt); err != nil {
				return s.classify(err, "CreateIncident", "read stored created_at")
			}
			record = &graph.IncidentRecord{IncidentID: incidentID, CreatedAt: createdAt, Created: false}
			return nil
		default:
			return s.classify(err, "CreateIncident", "merge incident")
		}
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// MergeNodeTombstones implements Store
func (s *PostgresStore) MergeNodeTombstones(
	ctx context.Context, incidentID string, nodeIDs []string, prov graph.Provenance,
) (*graph.TombstoneMergeResult, error) {
	var result *graph.TombstoneMergeResult

	err := s.withTx(ctx, "MergeNodeTombstones", func(tx pgx.Tx) error {
		if err := s.requireIncident(ctx, tx, "MergeNodeTombstones", incidentID); err != nil {
			return err
		}

		result = newTombstoneResult()

		for _, nodeID := range nodeIDs {
			var unmatched bool
			err := tx.QueryRow(ctx, insertNodeTombstone,
				incidentID, nodeID, prov.Source, prov.Trigger, provTimestamp(prov),
			).Scan(&unmatched)
			switch {
			case stderrors.Is(err, pgx.ErrNoRows):
				// Already present; the stored unmatched flag is not re-evaluated
				result.AlreadyTombstonedIDs = append(result.AlreadyTombstonedIDs, nodeID)
			case err != nil:
				return s.classify(err, "MergeNodeTombstones", "merge tombstone")
			case unmatched:
				result.UnmatchedIDs = append(result.UnmatchedIDs, nodeID)
			default:
				result.AppliedIDs = append(result.AppliedIDs, nodeID)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MergeEdgeTombstones implements Store
func (s *PostgresStore) MergeEdgeTombstones(
	ctx context.Context, incidentID string, keys []graph.EdgeKey, prov graph.Provenance,
) (*graph.TombstoneMergeResult, error) {
	var result *graph.TombstoneMergeResult

	err := s.withTx(ctx, "MergeEdgeTombstones", func(tx pgx.Tx) error {
		if err := s.requireIncident(ctx, tx, "MergeEdgeTombstones", incidentID); err != nil {
			return err
		}

		result = newTombstoneResult()

		for _, key := range keys {
			var inserted bool
			err := tx.QueryRow(ctx, insertEdgeTombstone,
				incidentID, key.Source, key.Target, string(key.Type),
				prov.Source, prov.Trigger, provTimestamp(prov),
			).Scan(&inserted)
			switch {
			case stderrors.Is(err, pgx.ErrNoRows):
				result.AlreadyTombstonedIDs = append(result.AlreadyTombstonedIDs, key.ID())
			case err != nil:
				return s.classify(err, "MergeEdgeTombstones", "merge tombstone")
			default:
				result.AppliedIDs = append(result.AppliedIDs, key.ID())
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) requireIncident(ctx context.Context, tx pgx.Tx, op, incidentID string) error {
	var exists bool
	if err := tx.QueryRow(ctx, incidentExistsQuery, incidentID).Scan(&exists); err != nil {
		return s.classify(err, op, "check incident")
	}
	if !exists {
		return errors.WrapNotFound(errors.ErrIncidentNotFound, pgComponent, op, incidentID)
	}
	return nil
}
