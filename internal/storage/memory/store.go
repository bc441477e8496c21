// Package memory provides in-memory implementations of the store interfaces
// and a blob store, for development and tests.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/sharedpages/internal/clock/system"
	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/store"
)

var _ store.Store = (*Store)(nil)

type linkRow struct {
	link     pages.Link
	linkedAt time.Time
}

// Store is an in-memory implementation of store.Store for development and tests.
type Store struct {
	mu         sync.RWMutex
	clock      pages.Clock
	nextPageID pages.PageID
	pages      map[pages.Key]pages.Page
	pageKeys   map[pages.PageID]pages.Key
	registry   map[pages.Key]pages.RegistryEntry
	waiters    map[pages.Key]map[pages.ProjectID]pages.Waiter
	links      map[pages.ProjectID]map[pages.PageID]linkRow
	owners     map[pages.ProjectID]pages.UserID
}

// NewStore constructs an empty Store. A nil clock uses the system clock.
func NewStore(clock pages.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{
		clock:    clock,
		pages:    make(map[pages.Key]pages.Page),
		pageKeys: make(map[pages.PageID]pages.Key),
		registry: make(map[pages.Key]pages.RegistryEntry),
		waiters:  make(map[pages.Key]map[pages.ProjectID]pages.Waiter),
		links:    make(map[pages.ProjectID]map[pages.PageID]linkRow),
		owners:   make(map[pages.ProjectID]pages.UserID),
	}
}

// AddProject registers a project and its owner.
func (s *Store) AddProject(project pages.ProjectID, owner pages.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[project] = owner
}

// RemoveProject forgets a project and its associations.
func (s *Store) RemoveProject(project pages.ProjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, project)
	delete(s.links, project)
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op.
func (s *Store) Close() {}

// FindByKeys implements store.PageStore.
func (s *Store) FindByKeys(ctx context.Context, keys []pages.Key) (map[pages.Key]pages.PageID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[pages.Key]pages.PageID)
	for _, k := range keys {
		if p, ok := s.pages[k]; ok {
			out[k] = p.ID
		}
	}
	return out, nil
}

// CreatePage implements store.PageStore.
func (s *Store) CreatePage(ctx context.Context, page pages.Page) (pages.Page, bool, error) {
	if err := ctx.Err(); err != nil {
		return pages.Page{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pages[page.Key]; ok {
		return existing, false, nil
	}
	s.nextPageID++
	page.ID = s.nextPageID
	page.CreatedAt = s.clock.Now()
	s.pages[page.Key] = page
	s.pageKeys[page.ID] = page.Key
	return page, true, nil
}

// GetPage implements store.PageStore.
func (s *Store) GetPage(ctx context.Context, id pages.PageID) (pages.Page, error) {
	if err := ctx.Err(); err != nil {
		return pages.Page{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.pageKeys[id]
	if !ok {
		return pages.Page{}, store.ErrNotFound
	}
	return s.pages[key], nil
}

// LookupEntries implements store.RegistryStore.
func (s *Store) LookupEntries(ctx context.Context, keys []pages.Key) (map[pages.Key]pages.RegistryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[pages.Key]pages.RegistryEntry)
	for _, k := range keys {
		if e, ok := s.registry[k]; ok {
			out[k] = e
		}
	}
	return out, nil
}

// InsertIfAbsent implements store.RegistryStore.
func (s *Store) InsertIfAbsent(ctx context.Context, entries []pages.RegistryEntry) ([]pages.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	inserted := make([]pages.Key, 0, len(entries))
	for _, e := range entries {
		if _, exists := s.registry[e.Key]; exists {
			continue
		}
		if e.Status == "" {
			e.Status = pages.StatusPending
		}
		e.CreatedAt = now
		e.UpdatedAt = now
		s.registry[e.Key] = e
		inserted = append(inserted, e.Key)
	}
	return inserted, nil
}

// ApplyTransition implements store.RegistryStore.
func (s *Store) ApplyTransition(ctx context.Context, t store.Transition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(t), nil
}

// ApplyTransitions implements store.RegistryStore.
func (s *Store) ApplyTransitions(ctx context.Context, t store.BulkTransition) ([]pages.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var applied []pages.Key
	for _, k := range t.Keys {
		if s.applyLocked(store.Transition{Key: k, From: t.From, To: t.To, Reason: t.Reason, At: t.At}) {
			applied = append(applied, k)
		}
	}
	return applied, nil
}

func (s *Store) applyLocked(t store.Transition) bool {
	e, ok := s.registry[t.Key]
	if !ok || e.Status != t.From {
		return false
	}
	e.Status = t.To
	e.UpdatedAt = t.At
	switch t.To {
	case pages.StatusInProgress:
		e.Attempts++
	case pages.StatusCompleted:
		e.PageID = t.PageID
		e.FailureReason = ""
	case pages.StatusFailed:
		e.FailureReason = t.Reason
	case pages.StatusPending:
		e.FailureReason = ""
	}
	s.registry[t.Key] = e
	return true
}

// AddWaiters implements store.RegistryStore.
func (s *Store) AddWaiters(ctx context.Context, waiters []pages.Waiter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range waiters {
		byProject, ok := s.waiters[w.Key]
		if !ok {
			byProject = make(map[pages.ProjectID]pages.Waiter)
			s.waiters[w.Key] = byProject
		}
		if _, exists := byProject[w.ProjectID]; !exists {
			byProject[w.ProjectID] = w
		}
	}
	return nil
}

// Waiters implements store.RegistryStore.
func (s *Store) Waiters(ctx context.Context, key pages.Key) ([]pages.Waiter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pages.Waiter, 0, len(s.waiters[key]))
	for _, w := range s.waiters[key] {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b pages.Waiter) int { return cmp.Compare(a.ProjectID, b.ProjectID) })
	return out, nil
}

// ClearWaiters implements store.RegistryStore.
func (s *Store) ClearWaiters(ctx context.Context, key pages.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiters, key)
	return nil
}

// StaleEntries implements store.RegistryStore.
func (s *Store) StaleEntries(
	ctx context.Context,
	status pages.FetchStatus,
	cutoff time.Time,
	limit int,
) ([]pages.RegistryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pages.RegistryEntry
	for _, e := range s.registry {
		if e.Status == status && e.UpdatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b pages.RegistryEntry) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertLinks implements store.LinkStore.
func (s *Store) InsertLinks(ctx context.Context, links []pages.Link) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	inserted := 0
	for _, l := range links {
		byPage, ok := s.links[l.ProjectID]
		if !ok {
			byPage = make(map[pages.PageID]linkRow)
			s.links[l.ProjectID] = byPage
		}
		if _, exists := byPage[l.PageID]; exists {
			continue
		}
		l.ReviewStatus = l.ReviewStatus.OrDefault()
		l.Tags = append([]string(nil), l.Tags...)
		byPage[l.PageID] = linkRow{link: l, linkedAt: now}
		inserted++
	}
	return inserted, nil
}

// AccessiblePageIDs implements store.LinkStore.
func (s *Store) AccessiblePageIDs(
	ctx context.Context,
	user pages.UserID,
	filter store.PageFilter,
) ([]pages.PageID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wanted map[pages.PageID]struct{}
	if filter.PageIDs != nil {
		wanted = make(map[pages.PageID]struct{}, len(filter.PageIDs))
		for _, id := range filter.PageIDs {
			wanted[id] = struct{}{}
		}
	}
	seen := make(map[pages.PageID]struct{})
	for project, owner := range s.owners {
		if owner != user {
			continue
		}
		if filter.ProjectID != 0 && project != filter.ProjectID {
			continue
		}
		for id := range s.links[project] {
			if wanted != nil {
				if _, ok := wanted[id]; !ok {
					continue
				}
			}
			seen[id] = struct{}{}
		}
	}
	out := make([]pages.PageID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// ProjectPageIDs implements store.LinkStore.
func (s *Store) ProjectPageIDs(ctx context.Context, project pages.ProjectID) ([]pages.PageID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pages.PageID, 0, len(s.links[project]))
	for id := range s.links[project] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}

// ProjectPages implements store.LinkStore.
func (s *Store) ProjectPages(
	ctx context.Context,
	project pages.ProjectID,
	limit, offset int,
) ([]pages.ProjectPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]linkRow, 0, len(s.links[project]))
	for _, row := range s.links[project] {
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b linkRow) int {
		if c := b.linkedAt.Compare(a.linkedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.link.PageID, b.link.PageID)
	})
	if offset >= len(rows) {
		return []pages.ProjectPage{}, nil
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]pages.ProjectPage, 0, len(rows))
	for _, row := range rows {
		key := s.pageKeys[row.link.PageID]
		out = append(out, pages.ProjectPage{
			PageID:       row.link.PageID,
			URL:          key.URL,
			Timestamp:    key.Timestamp,
			DomainID:     row.link.DomainID,
			Priority:     row.link.Priority,
			ReviewStatus: row.link.ReviewStatus,
			Starred:      row.link.Starred,
			Tags:         append([]string(nil), row.link.Tags...),
			LinkedAt:     row.linkedAt,
		})
	}
	return out, nil
}

// Owners implements store.ProjectStore.
func (s *Store) Owners(ctx context.Context, projects []pages.ProjectID) (map[pages.ProjectID]pages.UserID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[pages.ProjectID]pages.UserID, len(projects))
	for _, p := range projects {
		if owner, ok := s.owners[p]; ok {
			out[p] = owner
		}
	}
	return out, nil
}
