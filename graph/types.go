// Package graph provides the domain types for the causal-hypothesis graph
// and the wire types for the NATS mutation and query API.
package graph

import (
	"fmt"
	"time"
)

// NodeType categorizes a hypothesis node
type NodeType string

// Permitted node types
const (
	NodeTypeService        NodeType = "SERVICE"
	NodeTypeDependency     NodeType = "DEPENDENCY"
	NodeTypeInfrastructure NodeType = "INFRASTRUCTURE"
	NodeTypeMechanism      NodeType = "MECHANISM"
)

// Valid reports whether the node type is one of the permitted values
func (nt NodeType) Valid() bool {
	switch nt {
	case NodeTypeService, NodeTypeDependency, NodeTypeInfrastructure, NodeTypeMechanism:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer for NodeType
func (nt NodeType) String() string {
	return string(nt)
}

// EdgeType categorizes a hypothesis edge
type EdgeType string

// Permitted edge types
const (
	EdgeTypeDependsOn    EdgeType = "DEPENDS_ON"
	EdgeTypePropagatesTo EdgeType = "PROPAGATES_TO"
	EdgeTypeManifestsAs  EdgeType = "MANIFESTS_AS"
)

// Valid reports whether the edge type is one of the permitted values
func (et EdgeType) Valid() bool {
	switch et {
	case EdgeTypeDependsOn, EdgeTypePropagatesTo, EdgeTypeManifestsAs:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer for EdgeType
func (et EdgeType) String() string {
	return string(et)
}

// ProvenanceKeySeparator joins source and trigger into a provenance key.
// Neither field may contain it; validation rejects the character to keep
// keys unambiguous.
const ProvenanceKeySeparator = "|"

// Provenance records who triggered an operation and when.
//
// Identity is (source, trigger) only. The timestamp is informational
// metadata excluded from equality and deduplication: the first record
// written for a given identity keeps its timestamp forever.
type Provenance struct {
	Source    string    `json:"source"`
	Trigger   string    `json:"trigger"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Key returns the dedup key "source|trigger"
func (p Provenance) Key() string {
	return p.Source + ProvenanceKeySeparator + p.Trigger
}

// SameIdentity reports whether two records share the (source, trigger) identity
func (p Provenance) SameIdentity(other Provenance) bool {
	return p.Source == other.Source && p.Trigger == other.Trigger
}

// Node is a hypothesis node. Type and Label are immutable after first
// write; Hypothetical only flips true → false; Provenance only grows.
type Node struct {
	ID           string       `json:"id"`
	Type         NodeType     `json:"type"`
	Label        string       `json:"label"`
	Hypothetical bool         `json:"hypothetical"`
	Provenance   []Provenance `json:"provenance,omitempty"`
}

// Edge is a hypothesis edge. Its identity is the (source, target, type)
// triple; the only mutable attribute is the provenance set.
type Edge struct {
	Source     string       `json:"source"`
	Target     string       `json:"target"`
	Type       EdgeType     `json:"type"`
	Provenance []Provenance `json:"provenance,omitempty"`
}

// Key returns the edge's identity key
func (e Edge) Key() EdgeKey {
	return EdgeKey{Source: e.Source, Target: e.Target, Type: e.Type}
}

// EdgeKey is the identity triple of an edge
type EdgeKey struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Type   EdgeType `json:"type"`
}

// ID renders the key as the bucket identifier "source->target:TYPE"
func (k EdgeKey) ID() string {
	return fmt.Sprintf("%s->%s:%s", k.Source, k.Target, k.Type)
}
