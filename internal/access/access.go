// Package access authorizes a connection for a room and memoizes the result
// for a short time so that every event does not hit the room directory.
package access

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
)

const (
	defaultTTL  = 5 * time.Second
	defaultSize = 64
)

// Directory is the read side of the room directory used for authorization.
type Directory interface {
	GetRoom(ctx context.Context, roomID string) (domain.Room, error)
	ResolveUser(ctx context.Context, externalID string) (domain.User, error)
}

type Config struct {
	Directory Directory
	TTL       time.Duration
	// Size bounds the number of rooms remembered per connection.
	Size int
	Now  func() time.Time
}

// Entry is a memoized authorization of one user for one room.
type Entry struct {
	Role     domain.Role
	User     domain.User
	Room     domain.Room
	CachedAt time.Time
}

func (e Entry) IsHost() bool {
	return e.Role == domain.RoleHost
}

// Authorizer creates the access caches of connections.
type Authorizer struct {
	dir  Directory
	ttl  time.Duration
	size int
	now  func() time.Time
}

func NewAuthorizer(c Config) *Authorizer {
	a := &Authorizer{
		dir:  c.Directory,
		ttl:  c.TTL,
		size: c.Size,
		now:  c.Now,
	}

	if a.ttl <= 0 {
		a.ttl = defaultTTL
	}
	if a.size <= 0 {
		a.size = defaultSize
	}
	if a.now == nil {
		a.now = time.Now
	}

	return a
}

// Cache holds the authorizations of a single connection, keyed by room.
type Cache struct {
	a          *Authorizer
	externalID string
	entries    *lru.Cache[string, Entry]
}

// NewCache returns an empty cache for the connection of externalID.
func (a *Authorizer) NewCache(externalID string) *Cache {
	entries, err := lru.New[string, Entry](a.size)
	if err != nil {
		panic(err) // size is always positive
	}

	return &Cache{
		a:          a,
		externalID: externalID,
		entries:    entries,
	}
}

// Authorize returns the caller's role in the room. A cached entry is trusted
// while it is younger than the TTL; otherwise the room and the caller are
// loaded again from the directory.
func (c *Cache) Authorize(ctx context.Context, roomID string) (Entry, error) {
	if e, ok := c.entries.Get(roomID); ok && c.a.now().Sub(e.CachedAt) <= c.a.ttl {
		return e, nil
	}

	e, err := c.load(ctx, roomID)
	if err != nil {
		c.entries.Remove(roomID)
		return Entry{}, err
	}

	c.entries.Add(roomID, e)
	return e, nil
}

func (c *Cache) load(ctx context.Context, roomID string) (Entry, error) {
	if roomID == "" {
		return Entry{}, errors.InvalidArgument("room id is required")
	}

	room, err := c.a.dir.GetRoom(ctx, roomID)
	if err != nil {
		return Entry{}, err
	}

	user, err := c.a.dir.ResolveUser(ctx, c.externalID)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return Entry{}, errors.PermissionDenied("user is not registered")
		}
		return Entry{}, err
	}

	role, ok := room.RoleOf(user.UserID)
	if !ok {
		return Entry{}, errors.PermissionDenied("not a member of room %s", roomID)
	}
	if !room.Active() {
		return Entry{}, errors.Conflict("room %s is completed", roomID)
	}

	return Entry{
		Role:     role,
		User:     user,
		Room:     room,
		CachedAt: c.a.now(),
	}, nil
}

// Invalidate forgets the authorization for the room.
func (c *Cache) Invalidate(roomID string) {
	c.entries.Remove(roomID)
}
