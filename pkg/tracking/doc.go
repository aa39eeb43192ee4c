// Package tracking is the mutation boundary for the release-tracking tables
// (versions, clients, modules, cards and version_clients). Rows are stored as
// opaque JSON documents; this package only guarantees that every write is
// permission-checked and audited atomically.
package tracking
