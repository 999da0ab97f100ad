package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meadowlark-bradsher/tee/errors"
	"github.com/meadowlark-bradsher/tee/graph"
)

const (
	selectLiveNodes = `
		SELECT id, node_type, label, hypothetical, provenance_events
		FROM nodes n
		WHERE NOT EXISTS (
			SELECT 1 FROM node_tombstones t
			WHERE t.incident_id = $1 AND t.node_id = n.id)
		ORDER BY id`

	// An edge is live when neither it nor either endpoint is tombstoned.
	// A node tombstone implicitly eliminates every incident edge touching
	// the node.
	selectLiveEdges = `
		SELECT source, target, edge_type, provenance_events
		FROM edges e
		WHERE NOT EXISTS (
			SELECT 1 FROM edge_tombstones t
			WHERE t.incident_id = $1 AND t.source = e.source
			  AND t.target = e.target AND t.edge_type = e.edge_type)
		  AND NOT EXISTS (
			SELECT 1 FROM node_tombstones t
			WHERE t.incident_id = $1 AND t.node_id = e.source)
		  AND NOT EXISTS (
			SELECT 1 FROM node_tombstones t
			WHERE t.incident_id = $1 AND t.node_id = e.target)
		ORDER BY source, target, edge_type`

	selectAllNodes = `
		SELECT id, node_type, label, hypothetical, provenance_events
		FROM nodes ORDER BY id`

	selectAllEdges = `
		SELECT source, target, edge_type, provenance_events
		FROM edges ORDER BY source, target, edge_type`

	selectNodeTombstones = `
		SELECT node_id, prov_source, prov_trigger, prov_at, unmatched
		FROM node_tombstones WHERE incident_id = $1 ORDER BY node_id`

	selectEdgeTombstones = `
		SELECT source, target, edge_type, prov_source, prov_trigger, prov_at
		FROM edge_tombstones WHERE incident_id = $1
		ORDER BY source, target, edge_type`
)

// GetIncidentContext implements Store
func (s *PostgresStore) GetIncidentContext(ctx context.Context, incidentID string) (*graph.IncidentContext, error) {
	createdAt, err := s.incidentCreatedAt(ctx, "GetIncidentContext", incidentID)
	if err != nil {
		return nil, err
	}

	return &graph.IncidentContext{
		IncidentID: incidentID,
		Anchor: graph.UniverseAnchor{
			IncidentID: incidentID,
			CreatedAt:  createdAt,
		},
		EliminationSetID: incidentID,
	}, nil
}

// GetLiveView implements Store
func (s *PostgresStore) GetLiveView(ctx context.Context, incidentID string) (*graph.View, error) {
	if _, err := s.incidentCreatedAt(ctx, "GetLiveView", incidentID); err != nil {
		return nil, err
	}

	nodes, err := s.queryNodes(ctx, "GetLiveView", selectLiveNodes, incidentID)
	if err != nil {
		return nil, err
	}
	edges, err := s.queryEdges(ctx, "GetLiveView", selectLiveEdges, incidentID)
	if err != nil {
		return nil, err
	}

	return &graph.View{Nodes: nodes, Edges: edges}, nil
}

// GetTombstones implements Store
func (s *PostgresStore) GetTombstones(ctx context.Context, incidentID string) (*graph.TombstoneSet, error) {
	if _, err := s.incidentCreatedAt(ctx, "GetTombstones", incidentID); err != nil {
		return nil, err
	}

	set := &graph.TombstoneSet{Nodes: []graph.NodeTombstone{}, Edges: []graph.EdgeTombstone{}}

	rows, err := s.pool.Query(ctx, selectNodeTombstones, incidentID)
	if err != nil {
		return nil, s.classify(err, "GetTombstones", "query node tombstones")
	}
	defer rows.Close()
	for rows.Next() {
		var t graph.NodeTombstone
		var at *time.Time
		if err := rows.Scan(&t.NodeID, &t.Provenance.Source, &t.Provenance.Trigger, &at, &t.Unmatched); err != nil {
			return nil, s.classify(err, "GetTombstones", "scan node tombstone")
		}
		t.IncidentID = incidentID
		if at != nil {
			t.Provenance.Timestamp = *at
		}
		set.Nodes = append(set.Nodes, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(err, "GetTombstones", "iterate node tombstones")
	}

	edgeRows, err := s.pool.Query(ctx, selectEdgeTombstones, incidentID)
	if err != nil {
		return nil, s.classify(err, "GetTombstones", "query edge tombstones")
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var t graph.EdgeTombstone
		var edgeType string
		var at *time.Time
		if err := edgeRows.Scan(&t.Key.Source, &t.Key.Target, &edgeType,
			&t.Provenance.Source, &t.Provenance.Trigger, &at); err != nil {
			return nil, s.classify(err, "GetTombstones", "scan edge tombstone")
		}
		t.IncidentID = incidentID
		t.Key.Type = graph.EdgeType(edgeType)
		if at != nil {
			t.Provenance.Timestamp = *at
		}
		set.Edges = append(set.Edges, t)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, s.classify(err, "GetTombstones", "iterate edge tombstones")
	}

	return set, nil
}

// GetMainGraph implements Store
func (s *PostgresStore) GetMainGraph(ctx context.Context) (*graph.View, error) {
	nodes, err := s.queryNodes(ctx, "GetMainGraph", selectAllNodes)
	if err != nil {
		return nil, err
	}
	edges, err := s.queryEdges(ctx, "GetMainGraph", selectAllEdges)
	if err != nil {
		return nil, err
	}
	return &graph.View{Nodes: nodes, Edges: edges}, nil
}

func (s *PostgresStore) incidentCreatedAt(ctx context.Context, op, incidentID string) (time.Time, error) {
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, selectIncidentCreatedAt, incidentID).Scan(&createdAt)
	switch {
	case err == nil:
		return createdAt, nil
	case stderrors.Is(err, pgx.ErrNoRows):
		return time.Time{}, errors.WrapNotFound(errors.ErrIncidentNotFound, pgComponent, op, incidentID)
	default:
		return time.Time{}, s.classify(err, op, "read incident")
	}
}

func (s *PostgresStore) queryNodes(ctx context.Context, op, sql string, args ...any) ([]graph.Node, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, s.classify(err, op, "query nodes")
	}
	defer rows.Close()

	nodes := []graph.Node{}
	for rows.Next() {
		var n graph.Node
		var nodeType string
		var events []byte
		if err := rows.Scan(&n.ID, &nodeType, &n.Label, &n.Hypothetical, &events); err != nil {
			return nil, s.classify(err, op, "scan node")
		}
		n.Type = graph.NodeType(nodeType)
		if err := json.Unmarshal(events, &n.Provenance); err != nil {
			return nil, errors.WrapFatal(err, pgComponent, op, "decode provenance events")
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (s *PostgresStore) queryEdges(ctx context.Context, op, sql string, args ...any) ([]graph.Edge, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, s.classify(err, op, "query edges")
	}
	defer rows.Close()

	edges := []graph.Edge{}
	for rows.Next() {
		var e graph.Edge
		var edgeType string
		var events []byte
		if err := rows.Scan(&e.Source, &e.Target, &edgeType, &events); err != nil {
			return nil, s.classify(err, op, "scan edge")
		}
		e.Type = graph.EdgeType(edgeType)
		if err := json.Unmarshal(events, &e.Provenance); err != nil {
			return nil, errors.WrapFatal(err, pgComponent, op, "decode provenance events")
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
