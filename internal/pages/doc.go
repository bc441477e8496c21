// Package pages defines the core types shared by the shared-pages subsystems:
// capture keys, archive index records, stored pages, registry entries, project
// associations, and the fetch status state machine.
package pages
