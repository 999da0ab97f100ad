package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	teeerrors "github.com/meadowlark-bradsher/tee/errors"
	"github.com/meadowlark-bradsher/tee/graph"
	"github.com/meadowlark-bradsher/tee/schema"
)

// ensureRequestID assigns a request id when the caller did not provide one
func ensureRequestID(requestID string) string {
	if requestID != "" {
		return requestID
	}
	return uuid.NewString()
}

func (s *Service) failure(err error, traceID, requestID string) graph.RPCResponse {
	return graph.NewRPCResponse(false, err, errorCode(err), traceID, requestID)
}

func decodeError(err error) error {
	return teeerrors.WrapInvalid(err, "Service", "decode", "parse request")
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

// handleMergeHypothesis accumulates a delta into the shared main graph.
// Every proposed id lands in exactly one of: rejected, conflicts,
// created_ids, merged_ids.
func (s *Service) handleMergeHypothesis(ctx context.Context, data []byte) any {
	var req graph.MergeHypothesisRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return graph.MergeHypothesisResponse{RPCResponse: s.failure(decodeError(err), req.TraceID, req.RequestID)}
	}
	req.RequestID = ensureRequestID(req.RequestID)

	if err := schema.ValidateDelta(req.Delta); err != nil {
		return graph.MergeHypothesisResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	accepted, rejected := schema.PartitionDelta(req.Delta)

	result, err := s.store.MergeHypothesis(ctx, accepted)
	if err != nil {
		s.recordStoreError(err)
		return graph.MergeHypothesisResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	if s.metrics != nil {
		for range result.CreatedIDs {
			s.metrics.ItemsCreated.WithLabelValues("hypothesis").Inc()
		}
		for range result.MergedIDs {
			s.metrics.ItemsMerged.WithLabelValues("hypothesis").Inc()
		}
		s.metrics.ItemsConflicted.Add(float64(len(result.Conflicts)))
		s.metrics.ItemsRejected.Add(float64(len(rejected)))
	}

	return graph.MergeHypothesisResponse{
		RPCResponse: graph.NewRPCResponse(true, nil, "", req.TraceID, req.RequestID),
		CreatedIDs:  nonNil(result.CreatedIDs),
		MergedIDs:   nonNil(result.MergedIDs),
		Conflicts:   nonNil(result.Conflicts),
		Rejected:    nonNil(rejected),
	}
}

// handleCreateIncident registers an elimination context. Idempotent.
func (s *Service) handleCreateIncident(ctx context.Context, data []byte) any {
	var req graph.CreateIncidentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return graph.CreateIncidentResponse{RPCResponse: s.failure(decodeError(err), req.TraceID, req.RequestID)}
	}
	req.RequestID = ensureRequestID(req.RequestID)

	if err := schema.ValidateIncidentID(req.IncidentID); err != nil {
		return graph.CreateIncidentResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	record, err := s.store.CreateIncident(ctx, req.IncidentID)
	if err != nil {
		s.recordStoreError(err)
		return graph.CreateIncidentResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	return graph.CreateIncidentResponse{
		RPCResponse: graph.NewRPCResponse(true, nil, "", req.TraceID, req.RequestID),
		IncidentID:  record.IncidentID,
		CreatedAt:   record.CreatedAt,
		Anchor: &graph.UniverseAnchor{
			IncidentID: record.IncidentID,
			CreatedAt:  record.CreatedAt,
		},
	}
}

// handleIncidentContext returns the incident's universe anchor and
// elimination set id
func (s *Service) handleIncidentContext(ctx context.Context, data []byte) any {
	var req graph.IncidentContextRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return graph.IncidentContextResponse{RPCResponse: s.failure(decodeError(err), req.TraceID, req.RequestID)}
	}
	req.RequestID = ensureRequestID(req.RequestID)

	if err := schema.ValidateIncidentID(req.IncidentID); err != nil {
		return graph.IncidentContextResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	ictx, err := s.store.GetIncidentContext(ctx, req.IncidentID)
	if err != nil {
		s.recordStoreError(err)
		return graph.IncidentContextResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	return graph.IncidentContextResponse{
		RPCResponse: graph.NewRPCResponse(true, nil, "", req.TraceID, req.RequestID),
		Context:     ictx,
	}
}

// handleMergeNodeTombstones accumulates node eliminations for an incident
func (s *Service) handleMergeNodeTombstones(ctx context.Context, data []byte) any {
	var req graph.NodeTombstoneRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return graph.TombstoneMergeResponse{RPCResponse: s.failure(decodeError(err), req.TraceID, req.RequestID)}
	}
	req.RequestID = ensureRequestID(req.RequestID)

	if err := schema.ValidateNodeTombstoneRequest(req); err != nil {
		return graph.TombstoneMergeResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	accepted, rejected := schema.PartitionNodeIDs(req.NodeIDs)

	result, err := s.store.MergeNodeTombstones(ctx, req.IncidentID, accepted, req.Provenance)
	if err != nil {
		s.recordStoreError(err)
		return graph.TombstoneMergeResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	s.recordTombstones("node", result)

	return graph.TombstoneMergeResponse{
		RPCResponse:          graph.NewRPCResponse(true, nil, "", req.TraceID, req.RequestID),
		AppliedIDs:           nonNil(result.AppliedIDs),
		AlreadyTombstonedIDs: nonNil(result.AlreadyTombstonedIDs),
		UnmatchedIDs:         nonNil(result.UnmatchedIDs),
		Rejected:             nonNil(rejected),
	}
}

// handleMergeEdgeTombstones accumulates edge eliminations for an incident.
// The unmatched bucket is always empty for edges.
func (s *Service) handleMergeEdgeTombstones(ctx context.Context, data []byte) any {
	var req graph.EdgeTombstoneRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return graph.TombstoneMergeResponse{RPCResponse: s.failure(decodeError(err), req.TraceID, req.RequestID)}
	}
	req.RequestID = ensureRequestID(req.RequestID)

	if err := schema.ValidateEdgeTombstoneRequest(req); err != nil {
		return graph.TombstoneMergeResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	accepted, rejected := schema.PartitionEdgeKeys(req.EdgeKeys)

	result, err := s.store.MergeEdgeTombstones(ctx, req.IncidentID, accepted, req.Provenance)
	if err != nil {
		s.recordStoreError(err)
		return graph.TombstoneMergeResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	s.recordTombstones("edge", result)

	return graph.TombstoneMergeResponse{
		RPCResponse:          graph.NewRPCResponse(true, nil, "", req.TraceID, req.RequestID),
		AppliedIDs:           nonNil(result.AppliedIDs),
		AlreadyTombstonedIDs: nonNil(result.AlreadyTombstonedIDs),
		UnmatchedIDs:         nonNil(result.UnmatchedIDs),
		Rejected:             nonNil(rejected),
	}
}

// handleLiveView returns Main − Tombstones for an incident
func (s *Service) handleLiveView(ctx context.Context, data []byte) any {
	var req graph.ViewRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return graph.ViewResponse{RPCResponse: s.failure(decodeError(err), req.TraceID, req.RequestID)}
	}
	req.RequestID = ensureRequestID(req.RequestID)

	if err := schema.ValidateIncidentID(req.IncidentID); err != nil {
		return graph.ViewResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	view, err := s.store.GetLiveView(ctx, req.IncidentID)
	if err != nil {
		s.recordStoreError(err)
		return graph.ViewResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	return graph.ViewResponse{
		RPCResponse: graph.NewRPCResponse(true, nil, "", req.TraceID, req.RequestID),
		Nodes:       nonNil(view.Nodes),
		Edges:       nonNil(view.Edges),
	}
}

// handleTombstones returns an incident's tombstone sets
func (s *Service) handleTombstones(ctx context.Context, data []byte) any {
	var req graph.ViewRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return graph.TombstoneSetResponse{RPCResponse: s.failure(decodeError(err), req.TraceID, req.RequestID)}
	}
	req.RequestID = ensureRequestID(req.RequestID)

	if err := schema.ValidateIncidentID(req.IncidentID); err != nil {
		return graph.TombstoneSetResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	set, err := s.store.GetTombstones(ctx, req.IncidentID)
	if err != nil {
		s.recordStoreError(err)
		return graph.TombstoneSetResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	return graph.TombstoneSetResponse{
		RPCResponse:    graph.NewRPCResponse(true, nil, "", req.TraceID, req.RequestID),
		NodeTombstones: nonNil(set.Nodes),
		EdgeTombstones: nonNil(set.Edges),
	}
}

// handleMainGraph returns the full hypothesis graph without incident scoping
func (s *Service) handleMainGraph(ctx context.Context, data []byte) any {
	var req graph.MainGraphRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return graph.ViewResponse{RPCResponse: s.failure(decodeError(err), req.TraceID, req.RequestID)}
		}
	}
	req.RequestID = ensureRequestID(req.RequestID)

	view, err := s.store.GetMainGraph(ctx)
	if err != nil {
		s.recordStoreError(err)
		return graph.ViewResponse{RPCResponse: s.failure(err, req.TraceID, req.RequestID)}
	}

	return graph.ViewResponse{
		RPCResponse: graph.NewRPCResponse(true, nil, "", req.TraceID, req.RequestID),
		Nodes:       nonNil(view.Nodes),
		Edges:       nonNil(view.Edges),
	}
}

func (s *Service) recordStoreError(err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordStoreError(errorCode(err))
}

func (s *Service) recordTombstones(kind string, result *graph.TombstoneMergeResult) {
	if s.metrics == nil {
		return
	}
	s.metrics.TombstonesByKind.WithLabelValues(kind, "applied").Add(float64(len(result.AppliedIDs)))
	s.metrics.TombstonesByKind.WithLabelValues(kind, "already_tombstoned").Add(float64(len(result.AlreadyTombstonedIDs)))
	s.metrics.TombstonesByKind.WithLabelValues(kind, "unmatched").Add(float64(len(result.UnmatchedIDs)))
}
