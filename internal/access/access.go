// Package access decides which stored pages a user may see. A user sees a page
// exactly when they own at least one project linked to it.
package access

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/cache"
	"github.com/JakeFAU/sharedpages/internal/metrics"
	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/store"
)

// ErrAccessDenied is returned when none of the requested pages is visible, or
// the project is not owned by the user.
var ErrAccessDenied = errors.New("access denied")

// Page size bounds for ProjectPagesForUser.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Filter narrows AccessiblePages. Zero values mean "no filter".
type Filter struct {
	PageIDs   []pages.PageID
	ProjectID pages.ProjectID
}

// BulkAccess splits requested pages into visible and hidden ones, in request order.
type BulkAccess struct {
	Accessible []pages.PageID `json:"accessible"`
	Denied     []pages.PageID `json:"denied"`
}

// Service answers visibility questions.
type Service struct {
	links     store.LinkStore
	projects  store.ProjectStore
	users     *cache.Access
	projectsC *cache.Pages
	logger    *zap.Logger
}

// New constructs a Service. Nil caches are treated as disabled.
func New(
	links store.LinkStore,
	projects store.ProjectStore,
	users *cache.Access,
	projectPages *cache.Pages,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		users = cache.NewAccess(nil, 0, logger)
	}
	if projectPages == nil {
		projectPages = cache.NewPages(nil, 0, logger)
	}
	return &Service{
		links:     links,
		projects:  projects,
		users:     users,
		projectsC: projectPages,
		logger:    logger.Named("access"),
	}
}

// AccessiblePages returns the set of page ids the user may see, narrowed by filter.
func (s *Service) AccessiblePages(
	ctx context.Context,
	user pages.UserID,
	filter Filter,
) (map[pages.PageID]struct{}, error) {
	if filter.PageIDs != nil && len(filter.PageIDs) == 0 {
		return map[pages.PageID]struct{}{}, nil
	}
	var (
		ids []pages.PageID
		err error
	)
	switch {
	case filter.ProjectID != 0:
		ids, err = s.ownedProjectPages(ctx, user, filter.ProjectID)
	case filter.PageIDs != nil:
		if cached, _, ok := s.users.UserPages(ctx, user); ok {
			ids = cached
			break
		}
		ids, err = s.links.AccessiblePageIDs(ctx, user, store.PageFilter{PageIDs: filter.PageIDs})
	default:
		ids, err = s.allPages(ctx, user)
	}
	if err != nil {
		return nil, err
	}
	return intersect(ids, filter.PageIDs), nil
}

// CanAccess reports whether the user may see page.
func (s *Service) CanAccess(ctx context.Context, user pages.UserID, page pages.PageID) (bool, error) {
	res, err := s.CanAccessBulk(ctx, user, []pages.PageID{page})
	if err != nil {
		return false, err
	}
	return res[page], nil
}

// CanAccessBulk decides every page with one cache read or query.
func (s *Service) CanAccessBulk(
	ctx context.Context,
	user pages.UserID,
	ids []pages.PageID,
) (map[pages.PageID]bool, error) {
	out := make(map[pages.PageID]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	visible, err := s.AccessiblePages(ctx, user, Filter{PageIDs: ids})
	if err != nil {
		return nil, err
	}
	allowed := 0
	for _, id := range ids {
		_, ok := visible[id]
		out[id] = ok
		if ok {
			allowed++
		}
	}
	metrics.ObserveAccessChecks(allowed, len(out)-allowed)
	return out, nil
}

// ValidateBulkAccess partitions ids. Partial visibility is a normal result;
// when none of a non-empty request is visible it returns ErrAccessDenied
// alongside the partition.
func (s *Service) ValidateBulkAccess(ctx context.Context, user pages.UserID, ids []pages.PageID) (BulkAccess, error) {
	res := BulkAccess{Accessible: []pages.PageID{}, Denied: []pages.PageID{}}
	ids = dedupe(ids)
	if len(ids) == 0 {
		return res, nil
	}
	decided, err := s.CanAccessBulk(ctx, user, ids)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		if decided[id] {
			res.Accessible = append(res.Accessible, id)
		} else {
			res.Denied = append(res.Denied, id)
		}
	}
	if len(res.Accessible) == 0 {
		return res, fmt.Errorf("%w: none of %d pages are visible to user %d", ErrAccessDenied, len(ids), user)
	}
	return res, nil
}

// ProjectPagesForUser lists a project's associations, newest first. The
// project must be owned by user.
func (s *Service) ProjectPagesForUser(
	ctx context.Context,
	user pages.UserID,
	project pages.ProjectID,
	limit, offset int,
) ([]pages.ProjectPage, error) {
	owned, err := s.owns(ctx, user, project)
	if err != nil {
		return nil, err
	}
	if !owned {
		s.logger.Debug("project listing denied", zap.Int64("user_id", int64(user)), zap.Int64("project_id", int64(project)))
		return nil, fmt.Errorf("%w: project %d is not owned by user %d", ErrAccessDenied, project, user)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)
	offset = max(offset, 0)
	out, err := s.links.ProjectPages(ctx, project, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("project pages: %w", err)
	}
	return out, nil
}

// InvalidateUser drops cached visibility for users, e.g. after a project is
// deleted or changes owner.
func (s *Service) InvalidateUser(ctx context.Context, users ...pages.UserID) {
	s.users.InvalidateUsers(ctx, users...)
}

func (s *Service) allPages(ctx context.Context, user pages.UserID) ([]pages.PageID, error) {
	ids, stamp, ok := s.users.UserPages(ctx, user)
	if ok {
		return ids, nil
	}
	ids, err := s.links.AccessiblePageIDs(ctx, user, store.PageFilter{})
	if err != nil {
		return nil, fmt.Errorf("accessible pages: %w", err)
	}
	s.users.SetUserPages(ctx, user, stamp, ids)
	return ids, nil
}

func (s *Service) ownedProjectPages(
	ctx context.Context,
	user pages.UserID,
	project pages.ProjectID,
) ([]pages.PageID, error) {
	owned, err := s.owns(ctx, user, project)
	if err != nil || !owned {
		return nil, err
	}
	if ids, ok := s.projectsC.ProjectPages(ctx, project); ok {
		return ids, nil
	}
	ids, err := s.links.ProjectPageIDs(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("project page ids: %w", err)
	}
	s.projectsC.SetProjectPages(ctx, project, ids)
	return ids, nil
}

func (s *Service) owns(ctx context.Context, user pages.UserID, project pages.ProjectID) (bool, error) {
	owners, err := s.projects.Owners(ctx, []pages.ProjectID{project})
	if err != nil {
		return false, fmt.Errorf("project owner: %w", err)
	}
	owner, ok := owners[project]
	return ok && owner == user, nil
}

func intersect(ids, wanted []pages.PageID) map[pages.PageID]struct{} {
	out := make(map[pages.PageID]struct{}, len(ids))
	if wanted == nil {
		for _, id := range ids {
			out[id] = struct{}{}
		}
		return out
	}
	have := make(map[pages.PageID]struct{}, len(ids))
	for _, id := range ids {
		have[id] = struct{}{}
	}
	for _, id := range wanted {
		if _, ok := have[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func dedupe(ids []pages.PageID) []pages.PageID {
	seen := make(map[pages.PageID]struct{}, len(ids))
	out := make([]pages.PageID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
