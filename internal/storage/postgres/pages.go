package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/store"
)

const pageColumns = `id, url, ts, mime_type, status_code, digest, size_bytes, blob_uri, fetched_at, created_at`

const findPagesSQL = `
SELECT p.id, p.url, p.ts
FROM pages p
JOIN unnest($1::text[], $2::text[]) AS k(url, ts) ON p.url = k.url AND p.ts = k.ts`

const createPageSQL = `
WITH ins AS (
	INSERT INTO pages (url, ts, mime_type, status_code, digest, size_bytes, blob_uri, fetched_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (url, ts) DO NOTHING
	RETURNING ` + pageColumns + `, TRUE AS created
)
SELECT * FROM ins
UNION ALL
SELECT ` + pageColumns + `, FALSE FROM pages WHERE url = $1 AND ts = $2
LIMIT 1`

const getPageByKeySQL = `SELECT ` + pageColumns + ` FROM pages WHERE url = $1 AND ts = $2`

const getPageSQL = `SELECT ` + pageColumns + ` FROM pages WHERE id = $1`

// splitKeys turns keys into parallel arrays for unnest().
func splitKeys(keys []pages.Key) ([]string, []string) {
	urls := make([]string, len(keys))
	tss := make([]string, len(keys))
	for i, k := range keys {
		urls[i] = k.URL
		tss[i] = k.Timestamp
	}
	return urls, tss
}

// FindByKeys implements store.PageStore with one query per call.
func (s *Store) FindByKeys(ctx context.Context, keys []pages.Key) (map[pages.Key]pages.PageID, error) {
	out := make(map[pages.Key]pages.PageID, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	urls, tss := splitKeys(keys)
	rows, err := s.pool.Query(ctx, findPagesSQL, urls, tss)
	if err != nil {
		return nil, fmt.Errorf("find pages: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id      int64
			url, ts string
		)
		if err := rows.Scan(&id, &url, &ts); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		out[pages.Key{URL: url, Timestamp: ts}] = pages.PageID(id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", classify(err))
	}
	return out, nil
}

// CreatePage implements store.PageStore. Concurrent creators of the same key
// converge on one row.
func (s *Store) CreatePage(ctx context.Context, page pages.Page) (pages.Page, bool, error) {
	var fetchedAt *time.Time
	if !page.FetchedAt.IsZero() {
		fetchedAt = &page.FetchedAt
	}
	row := s.pool.QueryRow(ctx, createPageSQL,
		page.Key.URL,
		page.Key.Timestamp,
		page.MimeType,
		page.StatusCode,
		page.Digest,
		page.Size,
		page.BlobURI,
		fetchedAt,
	)
	var created bool
	stored, err := scanPage(row, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflicting row committed after this statement's snapshot.
		stored, err = scanPage(s.pool.QueryRow(ctx, getPageByKeySQL, page.Key.URL, page.Key.Timestamp))
	}
	if err != nil {
		return pages.Page{}, false, fmt.Errorf("create page: %w", classify(err))
	}
	return stored, created, nil
}

// GetPage implements store.PageStore.
func (s *Store) GetPage(ctx context.Context, id pages.PageID) (pages.Page, error) {
	page, err := scanPage(s.pool.QueryRow(ctx, getPageSQL, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return pages.Page{}, store.ErrNotFound
	}
	if err != nil {
		return pages.Page{}, fmt.Errorf("get page: %w", classify(err))
	}
	return page, nil
}

func scanPage(row pgx.Row, extra ...any) (pages.Page, error) {
	var (
		id         int64
		url, ts    string
		mime       string
		statusCode int
		digest     string
		size       int64
		blobURI    string
		fetchedAt  *time.Time
		createdAt  time.Time
	)
	dest := append([]any{&id, &url, &ts, &mime, &statusCode, &digest, &size, &blobURI, &fetchedAt, &createdAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return pages.Page{}, err
	}
	page := pages.Page{
		ID:         pages.PageID(id),
		Key:        pages.Key{URL: url, Timestamp: ts},
		MimeType:   mime,
		StatusCode: statusCode,
		Digest:     digest,
		Size:       size,
		BlobURI:    blobURI,
		CreatedAt:  createdAt,
	}
	if fetchedAt != nil {
		page.FetchedAt = *fetchedAt
	}
	return page, nil
}
