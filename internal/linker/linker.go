// Package linker associates stored pages with projects in bulk.
package linker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/cache"
	"github.com/JakeFAU/sharedpages/internal/metrics"
	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/store"
)

const defaultBatchSize = 500

// Linker inserts project/page associations idempotently and keeps the
// project and access caches coherent with them.
type Linker struct {
	links       store.LinkStore
	projects    store.ProjectStore
	pageCache   *cache.Pages
	accessCache *cache.Access
	batchSize   int
	logger      *zap.Logger
}

// Option customizes a Linker.
type Option func(*Linker)

// WithBatchSize caps the associations written per store call.
func WithBatchSize(n int) Option {
	return func(l *Linker) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Linker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New constructs a Linker. Nil caches are treated as disabled.
func New(
	links store.LinkStore,
	projects store.ProjectStore,
	pageCache *cache.Pages,
	accessCache *cache.Access,
	opts ...Option,
) *Linker {
	l := &Linker{
		links:       links,
		projects:    projects,
		pageCache:   pageCache,
		accessCache: accessCache,
		batchSize:   defaultBatchSize,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.pageCache == nil {
		l.pageCache = cache.NewPages(nil, 0, l.logger)
	}
	if l.accessCache == nil {
		l.accessCache = cache.NewAccess(nil, 0, l.logger)
	}
	l.logger = l.logger.Named("linker")
	return l
}

type pair struct {
	project pages.ProjectID
	page    pages.PageID
}

// Link inserts the associations and returns how many were new. Associations
// that already exist, or repeat inside the request, are skipped silently.
func (l *Linker) Link(ctx context.Context, links []pages.Link) (int, error) {
	seen := make(map[pair]struct{}, len(links))
	unique := make([]pages.Link, 0, len(links))
	var affected []pages.ProjectID
	touched := make(map[pages.ProjectID]struct{})
	for _, link := range links {
		p := pair{project: link.ProjectID, page: link.PageID}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		link.ReviewStatus = link.ReviewStatus.OrDefault()
		unique = append(unique, link)
		if _, ok := touched[link.ProjectID]; !ok {
			touched[link.ProjectID] = struct{}{}
			affected = append(affected, link.ProjectID)
		}
	}
	if len(unique) == 0 {
		return 0, nil
	}

	inserted := 0
	for start := 0; start < len(unique); start += l.batchSize {
		end := min(start+l.batchSize, len(unique))
		n, err := l.links.InsertLinks(ctx, unique[start:end])
		inserted += n
		if err != nil {
			l.invalidate(ctx, affected, inserted)
			return inserted, fmt.Errorf("link pages: %w", err)
		}
	}
	metrics.ObserveLinksInserted(inserted)
	l.invalidate(ctx, affected, inserted)
	l.logger.Debug("linked pages",
		zap.Int("requested", len(links)),
		zap.Int("inserted", inserted),
		zap.Int("projects", len(affected)),
	)
	return inserted, nil
}

// invalidate drops the cached project lists and the access sets of the
// project owners after new associations were written.
func (l *Linker) invalidate(ctx context.Context, projects []pages.ProjectID, inserted int) {
	if inserted == 0 || len(projects) == 0 {
		return
	}
	l.pageCache.InvalidateProjects(ctx, projects...)

	owners, err := l.projects.Owners(ctx, projects)
	if err != nil {
		l.logger.Warn("owner lookup failed; access cache may lag until ttl", zap.Error(err))
		return
	}
	users := make([]pages.UserID, 0, len(owners))
	seen := make(map[pages.UserID]struct{}, len(owners))
	for _, u := range owners {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		users = append(users, u)
	}
	l.accessCache.InvalidateUsers(ctx, users...)
}
