package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/store"
)

const registryColumns = `r.url, r.ts, r.status, r.page_id, r.origin_project, r.origin_domain, r.origin_user,
	r.attempts, r.failure_reason, r.created_at, r.updated_at`

const lookupRegistrySQL = `
SELECT ` + registryColumns + `
FROM fetch_registry r
JOIN unnest($1::text[], $2::text[]) AS k(url, ts) ON r.url = k.url AND r.ts = k.ts`

const staleRegistrySQL = `
SELECT ` + registryColumns + `
FROM fetch_registry r
WHERE r.status = $1 AND r.updated_at < $2
ORDER BY r.updated_at
LIMIT $3`

// transitionSet returns the extra SET assignments for a move into status to.
// $6 is the page id or failure reason when the status needs one.
func transitionSet(to pages.FetchStatus) (string, bool) {
	switch to {
	case pages.StatusInProgress:
		return `attempts = attempts + 1`, true
	case pages.StatusCompleted:
		return `page_id = $6, failure_reason = ''`, true
	case pages.StatusFailed:
		return `failure_reason = $6`, true
	case pages.StatusPending:
		return `failure_reason = ''`, true
	default:
		return "", false
	}
}

// transitionSQL returns the conditional UPDATE for a move into status to.
// $1..$5 are url, ts, expected status, new status, and time; $6 is optional.
func transitionSQL(to pages.FetchStatus) (string, bool) {
	set, ok := transitionSet(to)
	if !ok {
		return "", false
	}
	return `UPDATE fetch_registry SET status = $4, updated_at = $5, ` + set +
		` WHERE url = $1 AND ts = $2 AND status = $3`, true
}

// bulkTransitionSQL is transitionSQL over arrays of urls ($1) and timestamps ($2).
func bulkTransitionSQL(to pages.FetchStatus) (string, bool) {
	if to == pages.StatusCompleted {
		return "", false
	}
	set, ok := transitionSet(to)
	if !ok {
		return "", false
	}
	return `UPDATE fetch_registry AS r SET status = $4, updated_at = $5, ` + set + `
FROM unnest($1::text[], $2::text[]) AS k(url, ts)
WHERE r.url = k.url AND r.ts = k.ts AND r.status = $3
RETURNING r.url, r.ts`, true
}

// LookupEntries implements store.RegistryStore.
func (s *Store) LookupEntries(ctx context.Context, keys []pages.Key) (map[pages.Key]pages.RegistryEntry, error) {
	out := make(map[pages.Key]pages.RegistryEntry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	urls, tss := splitKeys(keys)
	rows, err := s.pool.Query(ctx, lookupRegistrySQL, urls, tss)
	if err != nil {
		return nil, fmt.Errorf("lookup registry: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out[entry.Key] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registry: %w", classify(err))
	}
	return out, nil
}

// InsertIfAbsent implements store.RegistryStore. Each chunk is a single
// INSERT ... ON CONFLICT DO NOTHING RETURNING, so the returned keys are exactly
// the rows this call created. Rows go out in key order so that concurrent
// inserts of overlapping batches take their index locks in the same order.
func (s *Store) InsertIfAbsent(ctx context.Context, entries []pages.RegistryEntry) ([]pages.Key, error) {
	entries = uniqueEntries(entries)
	slices.SortFunc(entries, func(a, b pages.RegistryEntry) int { return a.Key.Compare(b.Key) })
	won := make([]pages.Key, 0, len(entries))
	err := forEachChunk(len(entries), s.batchSize, func(start, end int) error {
		b := newInsertBuilder(
			`INSERT INTO fetch_registry (url, ts, status, origin_project, origin_domain, origin_user)`,
			6, end-start,
		)
		for _, e := range entries[start:end] {
			status := e.Status
			if status == "" {
				status = pages.StatusPending
			}
			b.add(e.Key.URL, e.Key.Timestamp, string(status),
				int64(e.Origin.ProjectID), int64(e.Origin.DomainID), int64(e.Origin.UserID))
		}
		sql, args := b.finish(` ON CONFLICT (url, ts) DO NOTHING RETURNING url, ts`)
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("insert registry: %w", classify(err))
		}
		defer rows.Close()
		for rows.Next() {
			var url, ts string
			if err := rows.Scan(&url, &ts); err != nil {
				return fmt.Errorf("scan registry key: %w", err)
			}
			won = append(won, pages.Key{URL: url, Timestamp: ts})
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate registry insert: %w", classify(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return won, nil
}

// ApplyTransition implements store.RegistryStore.
func (s *Store) ApplyTransition(ctx context.Context, t store.Transition) (bool, error) {
	sql, ok := transitionSQL(t.To)
	if !ok {
		return false, fmt.Errorf("no transition into %q", t.To)
	}
	args := []any{t.Key.URL, t.Key.Timestamp, string(t.From), string(t.To), t.At}
	switch t.To {
	case pages.StatusCompleted:
		args = append(args, int64(t.PageID))
	case pages.StatusFailed:
		args = append(args, t.Reason)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", t.From, t.To, classify(err))
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyTransitions implements store.RegistryStore with one UPDATE per chunk.
func (s *Store) ApplyTransitions(ctx context.Context, t store.BulkTransition) ([]pages.Key, error) {
	sql, ok := bulkTransitionSQL(t.To)
	if !ok {
		return nil, fmt.Errorf("no bulk transition into %q", t.To)
	}
	keys := slices.Clone(t.Keys)
	pages.SortKeys(keys)
	keys = slices.Compact(keys)

	applied := make([]pages.Key, 0, len(keys))
	err := forEachChunk(len(keys), s.batchSize, func(start, end int) error {
		urls, tss := splitKeys(keys[start:end])
		args := []any{urls, tss, string(t.From), string(t.To), t.At}
		if t.To == pages.StatusFailed {
			args = append(args, t.Reason)
		}
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("bulk transition %s -> %s: %w", t.From, t.To, classify(err))
		}
		var url, ts string
		_, err = pgx.ForEachRow(rows, []any{&url, &ts}, func() error {
			applied = append(applied, pages.Key{URL: url, Timestamp: ts})
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan bulk transition: %w", classify(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// AddWaiters implements store.RegistryStore.
func (s *Store) AddWaiters(ctx context.Context, waiters []pages.Waiter) error {
	waiters = slices.Clone(waiters)
	slices.SortFunc(waiters, func(a, b pages.Waiter) int {
		if c := a.Key.Compare(b.Key); c != 0 {
			return c
		}
		return cmp.Compare(a.ProjectID, b.ProjectID)
	})
	return forEachChunk(len(waiters), s.batchSize, func(start, end int) error {
		b := newInsertBuilder(`INSERT INTO fetch_waiters (url, ts, project_id, domain_id, user_id)`, 5, end-start)
		for _, w := range waiters[start:end] {
			b.add(w.Key.URL, w.Key.Timestamp, int64(w.ProjectID), int64(w.DomainID), int64(w.UserID))
		}
		sql, args := b.finish(` ON CONFLICT (url, ts, project_id) DO NOTHING`)
		if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert waiters: %w", classify(err))
		}
		return nil
	})
}

// Waiters implements store.RegistryStore.
func (s *Store) Waiters(ctx context.Context, key pages.Key) ([]pages.Waiter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT project_id, domain_id, user_id FROM fetch_waiters WHERE url = $1 AND ts = $2 ORDER BY project_id`,
		key.URL, key.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("list waiters: %w", classify(err))
	}
	defer rows.Close()
	var out []pages.Waiter
	for rows.Next() {
		var project, domain, user int64
		if err := rows.Scan(&project, &domain, &user); err != nil {
			return nil, fmt.Errorf("scan waiter: %w", err)
		}
		out = append(out, pages.Waiter{Key: key, Provenance: pages.Provenance{
			ProjectID: pages.ProjectID(project),
			DomainID:  pages.DomainID(domain),
			UserID:    pages.UserID(user),
		}})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate waiters: %w", classify(err))
	}
	return out, nil
}

// ClearWaiters implements store.RegistryStore.
func (s *Store) ClearWaiters(ctx context.Context, key pages.Key) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM fetch_waiters WHERE url = $1 AND ts = $2`, key.URL, key.Timestamp); err != nil {
		return fmt.Errorf("clear waiters: %w", classify(err))
	}
	return nil
}

// StaleEntries implements store.RegistryStore.
func (s *Store) StaleEntries(
	ctx context.Context,
	status pages.FetchStatus,
	cutoff time.Time,
	limit int,
) ([]pages.RegistryEntry, error) {
	rows, err := s.pool.Query(ctx, staleRegistrySQL, string(status), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale registry: %w", classify(err))
	}
	defer rows.Close()
	var out []pages.RegistryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale registry: %w", classify(err))
	}
	return out, nil
}

func scanEntry(rows pgx.Rows) (pages.RegistryEntry, error) {
	var (
		url, ts, status       string
		pageID                *int64
		project, domain, user int64
		attempts              int
		reason                string
		createdAt, updatedAt  time.Time
	)
	if err := rows.Scan(&url, &ts, &status, &pageID, &project, &domain, &user,
		&attempts, &reason, &createdAt, &updatedAt); err != nil {
		return pages.RegistryEntry{}, fmt.Errorf("scan registry: %w", err)
	}
	st, err := pages.ParseFetchStatus(status)
	if err != nil {
		return pages.RegistryEntry{}, err
	}
	entry := pages.RegistryEntry{
		Key:    pages.Key{URL: url, Timestamp: ts},
		Status: st,
		Origin: pages.Provenance{
			ProjectID: pages.ProjectID(project),
			DomainID:  pages.DomainID(domain),
			UserID:    pages.UserID(user),
		},
		Attempts:      attempts,
		FailureReason: reason,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}
	if pageID != nil {
		entry.PageID = pages.PageID(*pageID)
	}
	return entry, nil
}

func uniqueEntries(entries []pages.RegistryEntry) []pages.RegistryEntry {
	seen := make(map[pages.Key]struct{}, len(entries))
	out := make([]pages.RegistryEntry, 0, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.Key]; dup {
			continue
		}
		seen[e.Key] = struct{}{}
		out = append(out, e)
	}
	return out
}
