package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/sharedpages/internal/pages"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable signals that the backing store cannot serve the request
	// right now. Retrying later may succeed.
	ErrUnavailable = errors.New("store unavailable")
)

// PageStore persists canonical pages.
type PageStore interface {
	// FindByKeys returns the page id of every key that already has a stored page.
	// Keys without a page are absent from the result.
	FindByKeys(ctx context.Context, keys []pages.Key) (map[pages.Key]pages.PageID, error)
	// CreatePage inserts the page unless one already exists for its key. It
	// returns the stored row and whether this call created it.
	CreatePage(ctx context.Context, page pages.Page) (pages.Page, bool, error)
	// GetPage loads a page by id or returns ErrNotFound.
	GetPage(ctx context.Context, id pages.PageID) (pages.Page, error)
}

// Transition is a conditional status change on one registry entry. It applies
// only when the entry's current status equals From.
type Transition struct {
	Key    pages.Key
	From   pages.FetchStatus
	To     pages.FetchStatus
	PageID pages.PageID
	Reason string
	At     time.Time
}

// BulkTransition is a conditional status change applied to many registry
// entries at once. Entries not currently in From are left alone.
type BulkTransition struct {
	Keys   []pages.Key
	From   pages.FetchStatus
	To     pages.FetchStatus
	Reason string
	At     time.Time
}

// RegistryStore persists the fetch registry and its waiters.
type RegistryStore interface {
	// LookupEntries returns the registry entry of every known key.
	LookupEntries(ctx context.Context, keys []pages.Key) (map[pages.Key]pages.RegistryEntry, error)
	// InsertIfAbsent inserts entries whose key is not yet registered and returns
	// the keys this call inserted. Existing keys are left untouched.
	InsertIfAbsent(ctx context.Context, entries []pages.RegistryEntry) ([]pages.Key, error)
	// ApplyTransition performs the change and reports whether a row matched.
	ApplyTransition(ctx context.Context, t Transition) (bool, error)
	// ApplyTransitions performs t on every matching key and returns the keys
	// whose row changed. Completions carry a page id per key and go through
	// ApplyTransition instead.
	ApplyTransitions(ctx context.Context, t BulkTransition) ([]pages.Key, error)
	// AddWaiters records projects to link when a key completes. Duplicates are ignored.
	AddWaiters(ctx context.Context, waiters []pages.Waiter) error
	// Waiters lists the waiters of a key.
	Waiters(ctx context.Context, key pages.Key) ([]pages.Waiter, error)
	// ClearWaiters drops the waiters of a key.
	ClearWaiters(ctx context.Context, key pages.Key) error
	// StaleEntries lists entries in status whose last update is before cutoff.
	StaleEntries(ctx context.Context, status pages.FetchStatus, cutoff time.Time, limit int) ([]pages.RegistryEntry, error)
}

// PageFilter narrows an accessibility query. Zero values mean "no filter".
type PageFilter struct {
	PageIDs   []pages.PageID
	ProjectID pages.ProjectID
}

// LinkStore persists project/page associations and answers visibility queries.
type LinkStore interface {
	// InsertLinks inserts associations, silently skipping existing (project, page)
	// pairs, and returns how many rows were added.
	InsertLinks(ctx context.Context, links []pages.Link) (int, error)
	// AccessiblePageIDs lists page ids reachable through projects the user owns.
	AccessiblePageIDs(ctx context.Context, user pages.UserID, filter PageFilter) ([]pages.PageID, error)
	// ProjectPageIDs lists every page id linked to the project.
	ProjectPageIDs(ctx context.Context, project pages.ProjectID) ([]pages.PageID, error)
	// ProjectPages returns one page of the project's associations, newest first.
	ProjectPages(ctx context.Context, project pages.ProjectID, limit, offset int) ([]pages.ProjectPage, error)
}

// ProjectStore answers project ownership questions. Projects themselves are
// managed elsewhere.
type ProjectStore interface {
	// Owners maps each known project to its owning user. Unknown projects are absent.
	Owners(ctx context.Context, projects []pages.ProjectID) (map[pages.ProjectID]pages.UserID, error)
}

// Store bundles every repository behind one backend.
type Store interface {
	PageStore
	RegistryStore
	LinkStore
	ProjectStore
	Ping(ctx context.Context) error
	Close()
}
