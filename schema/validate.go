// Package schema defines the identity rules for hypothesis graph entities
// and the syntactic validation gate applied before any store I/O.
// Validation is total and order-independent; it never consults the store.
package schema

import (
	"fmt"
	"strings"

	"github.com/meadowlark-bradsher/tee/errors"
	"github.com/meadowlark-bradsher/tee/graph"
)

const component = "Schema"

// Rejection reasons reported per item
const (
	ReasonEmptyNodeID      = "node id must not be empty"
	ReasonInvalidNodeType  = "node type must be one of SERVICE, DEPENDENCY, INFRASTRUCTURE, MECHANISM"
	ReasonEmptyLabel       = "node label must not be empty"
	ReasonEmptyEdgeSource  = "edge source must not be empty"
	ReasonEmptyEdgeTarget  = "edge target must not be empty"
	ReasonSelfLoop         = "self-loops are not permitted"
	ReasonInvalidEdgeType  = "edge type must be one of DEPENDS_ON, PROPAGATES_TO, MANIFESTS_AS"
	ReasonEmptyProvSource  = "provenance source must not be empty"
	ReasonEmptyProvTrigger = "provenance trigger must not be empty"
	ReasonProvSeparator    = "provenance source and trigger must not contain '|'"
)

// CheckProvenance reports the first rule a provenance record breaks, or ""
func CheckProvenance(p graph.Provenance) string {
	if p.Source == "" {
		return ReasonEmptyProvSource
	}
	if p.Trigger == "" {
		return ReasonEmptyProvTrigger
	}
	if strings.Contains(p.Source, graph.ProvenanceKeySeparator) ||
		strings.Contains(p.Trigger, graph.ProvenanceKeySeparator) {
		return ReasonProvSeparator
	}
	return ""
}

// CheckNode reports the first rule a node breaks, or ""
func CheckNode(n graph.Node) string {
	if n.ID == "" {
		return ReasonEmptyNodeID
	}
	if !n.Type.Valid() {
		return ReasonInvalidNodeType
	}
	if n.Label == "" {
		return ReasonEmptyLabel
	}
	for _, p := range n.Provenance {
		if reason := CheckProvenance(p); reason != "" {
			return reason
		}
	}
	return ""
}

// CheckEdgeKey reports the first rule an edge identity breaks, or ""
func CheckEdgeKey(k graph.EdgeKey) string {
	if k.Source == "" {
		return ReasonEmptyEdgeSource
	}
	if k.Target == "" {
		return ReasonEmptyEdgeTarget
	}
	if k.Source == k.Target {
		return ReasonSelfLoop
	}
	if !k.Type.Valid() {
		return ReasonInvalidEdgeType
	}
	return ""
}

// CheckEdge reports the first rule an edge breaks, or ""
func CheckEdge(e graph.Edge) string {
	if reason := CheckEdgeKey(e.Key()); reason != "" {
		return reason
	}
	for _, p := range e.Provenance {
		if reason := CheckProvenance(p); reason != "" {
			return reason
		}
	}
	return ""
}

// ValidateProvenance rejects a malformed provenance record
func ValidateProvenance(p graph.Provenance) error {
	if reason := CheckProvenance(p); reason != "" {
		return errors.WrapInvalid(nil, component, "ValidateProvenance", reason)
	}
	return nil
}

// ValidateIncidentID rejects an empty incident id
func ValidateIncidentID(incidentID string) error {
	if incidentID == "" {
		return errors.WrapInvalid(nil, component, "ValidateIncidentID", "incident id must not be empty")
	}
	return nil
}

// ValidateDelta rejects requests whose shared provenance record is
// malformed. Per-item rules are handled by PartitionDelta; the shared
// record applies to every item, so a bad one fails the whole request.
func ValidateDelta(d graph.Delta) error {
	if reason := CheckProvenance(d.Provenance); reason != "" {
		return errors.WrapInvalid(nil, component, "ValidateDelta", fmt.Sprintf("delta provenance: %s", reason))
	}
	return nil
}

// ValidateNodeTombstoneRequest rejects request-level problems: a missing
// incident id, an empty id set, or a malformed provenance record.
func ValidateNodeTombstoneRequest(req graph.NodeTombstoneRequest) error {
	if err := ValidateIncidentID(req.IncidentID); err != nil {
		return err
	}
	if len(req.NodeIDs) == 0 {
		return errors.WrapInvalid(nil, component, "ValidateNodeTombstoneRequest",
			"at least one node id is required")
	}
	if reason := CheckProvenance(req.Provenance); reason != "" {
		return errors.WrapInvalid(nil, component, "ValidateNodeTombstoneRequest", reason)
	}
	return nil
}

// ValidateEdgeTombstoneRequest rejects request-level problems for edge
// tombstone merges
func ValidateEdgeTombstoneRequest(req graph.EdgeTombstoneRequest) error {
	if err := ValidateIncidentID(req.IncidentID); err != nil {
		return err
	}
	if len(req.EdgeKeys) == 0 {
		return errors.WrapInvalid(nil, component, "ValidateEdgeTombstoneRequest",
			"at least one edge key is required")
	}
	if reason := CheckProvenance(req.Provenance); reason != "" {
		return errors.WrapInvalid(nil, component, "ValidateEdgeTombstoneRequest", reason)
	}
	return nil
}
