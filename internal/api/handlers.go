package api

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/access"
	"github.com/JakeFAU/sharedpages/internal/dedup"
	"github.com/JakeFAU/sharedpages/internal/pages"
	"github.com/JakeFAU/sharedpages/internal/registry"
)

const maxBulkPageIDs = 10_000

type classifyRequest struct {
	UserID  int64          `json:"user_id" validate:"gt=0"`
	Records []pages.Record `json:"records" validate:"max=100000"`
}

type classifyResponse struct {
	dedup.Result
	// DispatchError is set when the batch was classified but handing the
	// scheduled keys to the fetcher failed; they stay pending and are
	// redispatched by the sweeper.
	DispatchError string `json:"dispatch_error,omitempty"`
}

type fetchKeyRequest struct {
	URL       string `json:"url" validate:"required"`
	Timestamp string `json:"timestamp" validate:"required"`
}

type fetchCompletedRequest struct {
	fetchKeyRequest
	PageID int64 `json:"page_id" validate:"gt=0"`
}

type fetchFailedRequest struct {
	fetchKeyRequest
	Reason string `json:"reason" validate:"max=2048"`
}

type bulkAccessRequest struct {
	PageIDs []int64 `json:"page_ids" validate:"max=10000,dive,gt=0"`
}

func (s *Server) classify(w http.ResponseWriter, r *http.Request) {
	project, err := pathID(r, "project_id")
	if err != nil {
		s.fail(w, r, "classify", err)
		return
	}
	domain, err := pathID(r, "domain_id")
	if err != nil {
		s.fail(w, r, "classify", err)
		return
	}
	body, err := decodeJSON[classifyRequest](r)
	if err != nil {
		s.fail(w, r, "classify", err)
		return
	}
	res, err := s.engine.Classify(r.Context(), dedup.ClassifyRequest{
		ProjectID: pages.ProjectID(project),
		DomainID:  pages.DomainID(domain),
		UserID:    pages.UserID(body.UserID),
		Records:   body.Records,
	})
	resp := classifyResponse{Result: res}
	if err != nil {
		if !errors.Is(err, dedup.ErrDispatch) {
			s.fail(w, r, "classify", err)
			return
		}
		s.logger.Warn("classified batch but dispatch failed",
			zap.Int64("project_id", project),
			zap.Int("scheduled", len(res.Scheduled)),
			zap.Error(err),
		)
		resp.DispatchError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) fetchStarted(w http.ResponseWriter, r *http.Request) {
	body, err := decodeJSON[fetchKeyRequest](r)
	if err != nil {
		s.fail(w, r, "fetch started", err)
		return
	}
	key, err := pages.NewKey(body.URL, body.Timestamp)
	if err != nil {
		s.fail(w, r, "fetch started", err)
		return
	}
	res, err := s.engine.OnFetchStarted(r.Context(), key)
	s.writeTransition(w, r, "fetch started", res, err)
}

func (s *Server) fetchCompleted(w http.ResponseWriter, r *http.Request) {
	body, err := decodeJSON[fetchCompletedRequest](r)
	if err != nil {
		s.fail(w, r, "fetch completed", err)
		return
	}
	key, err := pages.NewKey(body.URL, body.Timestamp)
	if err != nil {
		s.fail(w, r, "fetch completed", err)
		return
	}
	res, err := s.engine.OnFetchCompleted(r.Context(), key, pages.PageID(body.PageID))
	s.writeTransition(w, r, "fetch completed", res, err)
}

func (s *Server) fetchFailed(w http.ResponseWriter, r *http.Request) {
	body, err := decodeJSON[fetchFailedRequest](r)
	if err != nil {
		s.fail(w, r, "fetch failed", err)
		return
	}
	key, err := pages.NewKey(body.URL, body.Timestamp)
	if err != nil {
		s.fail(w, r, "fetch failed", err)
		return
	}
	res, err := s.engine.OnFetchFailed(r.Context(), key, body.Reason)
	s.writeTransition(w, r, "fetch failed", res, err)
}

// writeTransition reports a callback outcome. A stale transition is not an
// error for the caller.
func (s *Server) writeTransition(w http.ResponseWriter, r *http.Request, op string, res registry.Result, err error) {
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"applied": res.Applied,
		"status":  res.Current,
	})
}

func (s *Server) listAccessiblePages(w http.ResponseWriter, r *http.Request) {
	user, err := pathID(r, "user_id")
	if err != nil {
		s.fail(w, r, "list pages", err)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		s.fail(w, r, "list pages", err)
		return
	}
	visible, err := s.access.AccessiblePages(r.Context(), pages.UserID(user), filter)
	if err != nil {
		s.fail(w, r, "list pages", err)
		return
	}
	ids := make([]pages.PageID, 0, len(visible))
	for id := range visible {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	writeJSON(w, http.StatusOK, map[string]any{"page_ids": ids})
}

func (s *Server) canAccess(w http.ResponseWriter, r *http.Request) {
	user, err := pathID(r, "user_id")
	if err != nil {
		s.fail(w, r, "check access", err)
		return
	}
	page, err := pathID(r, "page_id")
	if err != nil {
		s.fail(w, r, "check access", err)
		return
	}
	ok, err := s.access.CanAccess(r.Context(), pages.UserID(user), pages.PageID(page))
	if err != nil {
		s.fail(w, r, "check access", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": ok})
}

func (s *Server) bulkAccess(w http.ResponseWriter, r *http.Request) {
	user, err := pathID(r, "user_id")
	if err != nil {
		s.fail(w, r, "bulk access", err)
		return
	}
	body, err := decodeJSON[bulkAccessRequest](r)
	if err != nil {
		s.fail(w, r, "bulk access", err)
		return
	}
	ids := make([]pages.PageID, len(body.PageIDs))
	for i, id := range body.PageIDs {
		ids[i] = pages.PageID(id)
	}
	res, err := s.access.ValidateBulkAccess(r.Context(), pages.UserID(user), ids)
	if errors.Is(err, access.ErrAccessDenied) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":      err.Error(),
			"accessible": res.Accessible,
			"denied":     res.Denied,
		})
		return
	}
	if err != nil {
		s.fail(w, r, "bulk access", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) projectPages(w http.ResponseWriter, r *http.Request) {
	user, err := pathID(r, "user_id")
	if err != nil {
		s.fail(w, r, "project pages", err)
		return
	}
	project, err := pathID(r, "project_id")
	if err != nil {
		s.fail(w, r, "project pages", err)
		return
	}
	limit, offset, err := parseLimitOffset(r, access.DefaultLimit, access.MaxLimit)
	if err != nil {
		s.fail(w, r, "project pages", err)
		return
	}
	list, err := s.access.ProjectPagesForUser(r.Context(), pages.UserID(user), pages.ProjectID(project), limit, offset)
	if err != nil {
		s.fail(w, r, "project pages", err)
		return
	}
	if list == nil {
		list = []pages.ProjectPage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pages":  list,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) invalidateAccess(w http.ResponseWriter, r *http.Request) {
	user, err := pathID(r, "user_id")
	if err != nil {
		s.fail(w, r, "invalidate access", err)
		return
	}
	s.access.InvalidateUser(r.Context(), pages.UserID(user))
	w.WriteHeader(http.StatusNoContent)
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", errBadRequest, name)
	}
	return id, nil
}

// parseFilter reads page_id (repeated or comma separated) and project_id.
func parseFilter(r *http.Request) (access.Filter, error) {
	q := r.URL.Query()
	var filter access.Filter
	if raw, ok := q["page_id"]; ok {
		filter.PageIDs = []pages.PageID{}
		for _, part := range raw {
			for _, field := range strings.Split(part, ",") {
				field = strings.TrimSpace(field)
				if field == "" {
					continue
				}
				id, err := strconv.ParseInt(field, 10, 64)
				if err != nil || id <= 0 {
					return access.Filter{}, fmt.Errorf("%w: invalid page_id %q", errBadRequest, field)
				}
				filter.PageIDs = append(filter.PageIDs, pages.PageID(id))
			}
		}
		if len(filter.PageIDs) > maxBulkPageIDs {
			return access.Filter{}, fmt.Errorf("%w: at most %d page ids", errBadRequest, maxBulkPageIDs)
		}
	}
	if raw := q.Get("project_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return access.Filter{}, fmt.Errorf("%w: invalid project_id", errBadRequest)
		}
		filter.ProjectID = pages.ProjectID(id)
	}
	return filter, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, fmt.Errorf("%w: invalid limit", errBadRequest)
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, fmt.Errorf("%w: invalid offset", errBadRequest)
		}
		offset = val
	}
	return limit, offset, nil
}
