package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/store"
)

const projectPagesSQL = `
SELECT pp.page_id, p.url, p.ts, pp.domain_id, pp.priority, pp.review_status, pp.starred, pp.tags, pp.created_at
FROM project_pages pp
JOIN pages p ON p.id = pp.page_id
WHERE pp.project_id = $1
ORDER BY pp.created_at DESC, pp.page_id
LIMIT $2 OFFSET $3`

type linkKey struct {
	project pages.ProjectID
	page    pages.PageID
}

// InsertLinks implements store.LinkStore. Existing (project, page) pairs are
// skipped by ON CONFLICT DO NOTHING; the count is the rows Postgres inserted.
// Rows are sorted by (project, page) so overlapping batches lock in one order.
func (s *Store) InsertLinks(ctx context.Context, links []pages.Link) (int, error) {
	seen := make(map[linkKey]struct{}, len(links))
	unique := make([]pages.Link, 0, len(links))
	for _, l := range links {
		k := linkKey{project: l.ProjectID, page: l.PageID}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, l)
	}
	slices.SortFunc(unique, func(a, b pages.Link) int {
		if c := cmp.Compare(a.ProjectID, b.ProjectID); c != 0 {
			return c
		}
		return cmp.Compare(a.PageID, b.PageID)
	})

	inserted := 0
	err := forEachChunk(len(unique), s.batchSize, func(start, end int) error {
		b := newInsertBuilder(
			`INSERT INTO project_pages (project_id, page_id, domain_id, user_id, priority, review_status, starred, tags)`,
			8, end-start,
		)
		for _, l := range unique[start:end] {
			tags := l.Tags
			if tags == nil {
				tags = []string{}
			}
			b.add(int64(l.ProjectID), int64(l.PageID), int64(l.DomainID), int64(l.UserID),
				l.Priority, string(l.ReviewStatus.OrDefault()), l.Starred, tags)
		}
		sql, args := b.finish(` ON CONFLICT (project_id, page_id) DO NOTHING`)
		tag, err := s.pool.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("insert project pages: %w", classify(err))
		}
		inserted += int(tag.RowsAffected())
		return nil
	})
	return inserted, err
}

// AccessiblePageIDs implements store.LinkStore.
func (s *Store) AccessiblePageIDs(
	ctx context.Context,
	user pages.UserID,
	filter store.PageFilter,
) ([]pages.PageID, error) {
	if filter.PageIDs != nil && len(filter.PageIDs) == 0 {
		return []pages.PageID{}, nil
	}
	var sb strings.Builder
	var args []any
	arg := func(v any) string { args = append(args, v); return fmt.Sprintf("$%d", len(args)) }

	sb.WriteString(`SELECT DISTINCT pp.page_id
FROM project_pages pp
JOIN projects p ON p.id = pp.project_id
WHERE p.owner_id = ` + arg(int64(user)))
	if filter.PageIDs != nil {
		sb.WriteString("\n  AND pp.page_id = ANY(" + arg(toInt64s(filter.PageIDs)) + ")")
	}
	if filter.ProjectID != 0 {
		sb.WriteString("\n  AND pp.project_id = " + arg(int64(filter.ProjectID)))
	}
	sb.WriteString("\nORDER BY pp.page_id")

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("accessible pages: %w", classify(err))
	}
	return collectPageIDs(rows)
}

// ProjectPageIDs implements store.LinkStore.
func (s *Store) ProjectPageIDs(ctx context.Context, project pages.ProjectID) ([]pages.PageID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT page_id FROM project_pages WHERE project_id = $1 ORDER BY page_id`, int64(project))
	if err != nil {
		return nil, fmt.Errorf("project page ids: %w", classify(err))
	}
	return collectPageIDs(rows)
}

// ProjectPages implements store.LinkStore.
func (s *Store) ProjectPages(
	ctx context.Context,
	project pages.ProjectID,
	limit, offset int,
) ([]pages.ProjectPage, error) {
	rows, err := s.pool.Query(ctx, projectPagesSQL, int64(project), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("project pages: %w", classify(err))
	}
	defer rows.Close()
	out := []pages.ProjectPage{}
	for rows.Next() {
		var (
			pageID, domainID int64
			url, ts, review  string
			priority         int
			starred          bool
			tags             []string
			linkedAt         time.Time
		)
		if err := rows.Scan(&pageID, &url, &ts, &domainID, &priority, &review, &starred, &tags, &linkedAt); err != nil {
			return nil, fmt.Errorf("scan project page: %w", err)
		}
		out = append(out, pages.ProjectPage{
			PageID:       pages.PageID(pageID),
			URL:          url,
			Timestamp:    ts,
			DomainID:     pages.DomainID(domainID),
			Priority:     priority,
			ReviewStatus: pages.ReviewStatus(review),
			Starred:      starred,
			Tags:         tags,
			LinkedAt:     linkedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project pages: %w", classify(err))
	}
	return out, nil
}

// Owners implements store.ProjectStore.
func (s *Store) Owners(ctx context.Context, projects []pages.ProjectID) (map[pages.ProjectID]pages.UserID, error) {
	out := make(map[pages.ProjectID]pages.UserID, len(projects))
	if len(projects) == 0 {
		return out, nil
	}
	ids := make([]int64, len(projects))
	for i, p := range projects {
		ids[i] = int64(p)
	}
	rows, err := s.pool.Query(ctx, `SELECT id, owner_id FROM projects WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("project owners: %w", classify(err))
	}
	var id, owner int64
	_, err = pgx.ForEachRow(rows, []any{&id, &owner}, func() error {
		out[pages.ProjectID(id)] = pages.UserID(owner)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan project owners: %w", classify(err))
	}
	return out, nil
}

func collectPageIDs(rows pgx.Rows) ([]pages.PageID, error) {
	out := []pages.PageID{}
	var id int64
	_, err := pgx.ForEachRow(rows, []any{&id}, func() error {
		out = append(out, pages.PageID(id))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan page ids: %w", classify(err))
	}
	return out, nil
}

func toInt64s(ids []pages.PageID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
