package graph

import "time"

// Wire types for the NATS request/reply API. Every request may carry a
// trace id and request id which are echoed back in the response.

// RPCResponse is the base response embedded in every reply
type RPCResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"` // invalid, not_found, transient, fatal, canceled
	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp int64  `json:"timestamp"` // Unix nano timestamp
}

// Succeeded reports the success flag; used for metrics labels
func (r RPCResponse) Succeeded() bool {
	return r.Success
}

// NewRPCResponse creates a base response. Error and ErrorCode (the given
// errorCode) are set only when err is non-nil.
func NewRPCResponse(success bool, err error, errorCode, traceID, requestID string) RPCResponse {
	resp := RPCResponse{
		Success:   success,
		TraceID:   traceID,
		RequestID: requestID,
		Timestamp: time.Now().UnixNano(),
	}
	if err != nil {
		resp.Error = err.Error()
		resp.ErrorCode = errorCode
	}
	return resp
}

// MergeHypothesisRequest accumulates a delta into the shared main graph
type MergeHypothesisRequest struct {
	Delta     Delta  `json:"delta"`
	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// MergeHypothesisResponse reports one outcome bucket per proposed id
type MergeHypothesisResponse struct {
	RPCResponse
	CreatedIDs []string        `json:"created_ids"`
	MergedIDs  []string        `json:"merged_ids"`
	Conflicts  []FieldConflict `json:"conflicts"`
	Rejected   []Rejection     `json:"rejected"`
}

// CreateIncidentRequest registers an elimination context. Idempotent.
type CreateIncidentRequest struct {
	IncidentID string `json:"incident_id"`
	TraceID    string `json:"trace_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// CreateIncidentResponse returns the stored creation moment whether the
// incident was created now or previously
type CreateIncidentResponse struct {
	RPCResponse
	IncidentID string          `json:"incident_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at,omitzero"`
	Anchor     *UniverseAnchor `json:"universe_anchor,omitempty"`
}

// IncidentContextRequest fetches an incident's context tuple
type IncidentContextRequest struct {
	IncidentID string `json:"incident_id"`
	TraceID    string `json:"trace_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// IncidentContextResponse carries the context or a not_found error
type IncidentContextResponse struct {
	RPCResponse
	Context *IncidentContext `json:"context,omitempty"`
}

// NodeTombstoneRequest accumulates node tombstones for one incident
type NodeTombstoneRequest struct {
	IncidentID string     `json:"incident_id"`
	NodeIDs    []string   `json:"node_ids"`
	Provenance Provenance `json:"provenance"`
	TraceID    string     `json:"trace_id,omitempty"`
	RequestID  string     `json:"request_id,omitempty"`
}

// EdgeTombstoneRequest accumulates edge tombstones for one incident
type EdgeTombstoneRequest struct {
	IncidentID string     `json:"incident_id"`
	EdgeKeys   []EdgeKey  `json:"edge_keys"`
	Provenance Provenance `json:"provenance"`
	TraceID    string     `json:"trace_id,omitempty"`
	RequestID  string     `json:"request_id,omitempty"`
}

// TombstoneMergeResponse reports one outcome bucket per proposed id
type TombstoneMergeResponse struct {
	RPCResponse
	AppliedIDs           []string    `json:"applied_ids"`
	AlreadyTombstonedIDs []string    `json:"already_tombstoned_ids"`
	UnmatchedIDs         []string    `json:"unmatched_ids"`
	Rejected             []Rejection `json:"rejected"`
}

// ViewRequest fetches the derived live view or tombstone set of an incident
type ViewRequest struct {
	IncidentID string `json:"incident_id"`
	TraceID    string `json:"trace_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// ViewResponse carries a graph projection
type ViewResponse struct {
	RPCResponse
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// TombstoneSetResponse carries an incident's tombstone sets
type TombstoneSetResponse struct {
	RPCResponse
	NodeTombstones []NodeTombstone `json:"node_tombstones"`
	EdgeTombstones []EdgeTombstone `json:"edge_tombstones"`
}

// MainGraphRequest fetches the full hypothesis graph without incident scoping
type MainGraphRequest struct {
	TraceID   string `json:"trace_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}
