// Package store defines interfaces for persistence dependencies (pages, the
// fetch registry, project associations, and project ownership).
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
