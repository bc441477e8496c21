package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/pages"
)

// Pages caches Key -> PageID and project -> page id lists.
type Pages struct {
	keys     failOpen
	projects failOpen
}

// NewPages wraps backend. A nil backend behaves like Disabled.
func NewPages(backend Backend, ttl time.Duration, logger *zap.Logger) *Pages {
	return &Pages{
		keys:     newFailOpen(backend, ttl, "page", logger),
		projects: newFailOpen(backend, ttl, "project", logger),
	}
}

func pageKey(k pages.Key) string {
	return keyPrefix + "page:" + k.Timestamp + "/" + k.URL
}

func projectKey(p pages.ProjectID) string {
	return keyPrefix + "project:" + strconv.FormatInt(int64(p), 10)
}

// Exists returns the cached page id of key.
func (c *Pages) Exists(ctx context.Context, key pages.Key) (pages.PageID, bool) {
	id, ok := c.BulkExists(ctx, []pages.Key{key})[key]
	return id, ok
}

// BulkExists returns the cached page id of every key that hits.
func (c *Pages) BulkExists(ctx context.Context, keys []pages.Key) map[pages.Key]pages.PageID {
	names := make([]string, len(keys))
	byName := make(map[string]pages.Key, len(keys))
	for i, k := range keys {
		names[i] = pageKey(k)
		byName[names[i]] = k
	}
	out := make(map[pages.Key]pages.PageID)
	for name, raw := range c.keys.get(ctx, names) {
		id, err := strconv.ParseInt(string(raw), 10, 64)
		if err == nil && id <= 0 {
			err = fmt.Errorf("cached page id %d for %s is not positive", id, name)
		}
		if err != nil {
			c.keys.fail("decode", err)
			continue
		}
		out[byName[name]] = pages.PageID(id)
	}
	return out
}

// Set records that key is stored as id.
func (c *Pages) Set(ctx context.Context, key pages.Key, id pages.PageID) {
	c.SetMany(ctx, map[pages.Key]pages.PageID{key: id})
}

// SetMany records several key -> id facts in one round trip.
func (c *Pages) SetMany(ctx context.Context, ids map[pages.Key]pages.PageID) {
	items := make(map[string][]byte, len(ids))
	for k, id := range ids {
		items[pageKey(k)] = []byte(strconv.FormatInt(int64(id), 10))
	}
	c.keys.set(ctx, items)
}

// Invalidate drops cached key facts.
func (c *Pages) Invalidate(ctx context.Context, keys ...pages.Key) {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = pageKey(k)
	}
	c.keys.del(ctx, names)
}

// ProjectPages returns the cached page id list of a project.
func (c *Pages) ProjectPages(ctx context.Context, project pages.ProjectID) ([]pages.PageID, bool) {
	ids, ok := c.BulkProjectPages(ctx, []pages.ProjectID{project})[project]
	return ids, ok
}

// BulkProjectPages returns the cached page id lists of the projects that hit.
func (c *Pages) BulkProjectPages(ctx context.Context, projects []pages.ProjectID) map[pages.ProjectID][]pages.PageID {
	names := make([]string, len(projects))
	byName := make(map[string]pages.ProjectID, len(projects))
	for i, p := range projects {
		names[i] = projectKey(p)
		byName[names[i]] = p
	}
	out := make(map[pages.ProjectID][]pages.PageID)
	for name, raw := range c.projects.get(ctx, names) {
		var ids []pages.PageID
		if err := json.Unmarshal(raw, &ids); err != nil {
			c.projects.fail("decode", err)
			continue
		}
		out[byName[name]] = ids
	}
	return out
}

// SetProjectPages caches the full page id list of a project.
func (c *Pages) SetProjectPages(ctx context.Context, project pages.ProjectID, ids []pages.PageID) {
	if ids == nil {
		ids = []pages.PageID{}
	}
	raw, err := json.Marshal(ids)
	if err != nil {
		c.projects.fail("encode", err)
		return
	}
	c.projects.set(ctx, map[string][]byte{projectKey(project): raw})
}

// InvalidateProjects drops cached project lists.
func (c *Pages) InvalidateProjects(ctx context.Context, projects ...pages.ProjectID) {
	names := make([]string, len(projects))
	for i, p := range projects {
		names[i] = projectKey(p)
	}
	c.projects.del(ctx, names)
}
