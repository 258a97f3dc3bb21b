// Package stores provides the persistence layer for upgrades.
// It includes SQLite-based storage with embedded migrations for the live
// topology snapshot, the node type catalog, upgrade plan records, an
// append-only event log and the audit trail.
package stores
