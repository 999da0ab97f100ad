// Package tee is a mediating service that persists monotone mutations to
// a shared causal-hypothesis graph on behalf of many concurrent agents.
//
// The service fronts a transactional graph store and enforces
// join-semilattice laws on every write: node type and label are
// first-write-wins, the hypothetical flag only flips true to false, and
// provenance sets only grow, deduplicated by (source, trigger). Incidents
// own grow-only tombstone sets that eliminate nodes and edges from their
// derived live view without ever touching the main graph.
//
// The RPC surface is NATS request/reply with JSON bodies; see the service
// package for the subject map. The store package maps the write path onto
// single PostgreSQL transactions, and the lattice package holds the merge
// algebra so it can be property-tested in isolation.
package tee
