package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sharedpages/internal/pages"
)

// Stamp is the invalidation generation a cached access set was computed
// under. InvalidateUsers moves a user to a new stamp, so a set read from the
// store before an invalidation and written after it never hits.
type Stamp string

// Access caches the full accessible page set of each user.
type Access struct {
	users  failOpen
	stamps failOpen
}

type userPages struct {
	Stamp Stamp          `json:"stamp"`
	IDs   []pages.PageID `json:"ids"`
}

// NewAccess wraps backend. A nil backend behaves like Disabled. Stamps live
// twice as long as the sets they guard.
func NewAccess(backend Backend, ttl time.Duration, logger *zap.Logger) *Access {
	return &Access{
		users:  newFailOpen(backend, ttl, "access", logger),
		stamps: newFailOpen(backend, 2*ttl, "access_stamp", logger),
	}
}

func userKey(u pages.UserID) string {
	return keyPrefix + "access:user:" + strconv.FormatInt(int64(u), 10)
}

func stampKey(u pages.UserID) string {
	return keyPrefix + "access:stamp:" + strconv.FormatInt(int64(u), 10)
}

// UserPages returns the cached accessible page ids of user. On a miss the
// returned Stamp must be handed to SetUserPages with the freshly read set.
func (c *Access) UserPages(ctx context.Context, user pages.UserID) ([]pages.PageID, Stamp, bool) {
	values := c.users.get(ctx, []string{userKey(user), stampKey(user)})
	current := Stamp(values[stampKey(user)])
	raw, ok := values[userKey(user)]
	if !ok {
		return nil, current, false
	}
	var entry userPages
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.users.fail("decode", err)
		return nil, current, false
	}
	if entry.Stamp != current {
		return nil, current, false
	}
	return entry.IDs, current, true
}

// SetUserPages caches the accessible page ids of user under stamp.
func (c *Access) SetUserPages(ctx context.Context, user pages.UserID, stamp Stamp, ids []pages.PageID) {
	if ids == nil {
		ids = []pages.PageID{}
	}
	raw, err := json.Marshal(userPages{Stamp: stamp, IDs: ids})
	if err != nil {
		c.users.fail("encode", err)
		return
	}
	c.users.set(ctx, map[string][]byte{userKey(user): raw})
}

// InvalidateUsers drops the cached sets of users and moves them to a new stamp.
func (c *Access) InvalidateUsers(ctx context.Context, users ...pages.UserID) {
	names := make([]string, len(users))
	stamps := make(map[string][]byte, len(users))
	for i, u := range users {
		names[i] = userKey(u)
		stamps[stampKey(u)] = []byte(uuid.NewString())
	}
	c.stamps.set(ctx, stamps)
	c.users.del(ctx, names)
}
