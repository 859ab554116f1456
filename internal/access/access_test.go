package access_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/liveroom/internal/access"
	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
)

type fakeDirectory struct {
	mu    sync.Mutex
	rooms map[string]domain.Room
	users map[string]domain.User
	loads int
}

func (d *fakeDirectory) GetRoom(_ context.Context, roomID string) (domain.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.loads++
	r, ok := d.rooms[roomID]
	if !ok {
		return domain.Room{}, errors.NotFound("room %s not found", roomID)
	}
	return r, nil
}

func (d *fakeDirectory) ResolveUser(_ context.Context, externalID string) (domain.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[externalID]
	if !ok {
		return domain.User{}, errors.NotFound("user not found")
	}
	return u, nil
}

func (d *fakeDirectory) setStatus(roomID string, s domain.RoomStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r := d.rooms[roomID]
	r.Status = s
	d.rooms[roomID] = r
}

func (d *fakeDirectory) loadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.loads
}

func newDirectory() *fakeDirectory {
	return &fakeDirectory{
		rooms: map[string]domain.Room{
			"r1": {RoomID: "r1", HostID: "u-host", Participants: []string{"u-ann"}, Status: domain.RoomStatusActive},
			"r2": {RoomID: "r2", HostID: "u-host", Status: domain.RoomStatusCompleted},
		},
		users: map[string]domain.User{
			"ext-host":     {UserID: "u-host", ExternalID: "ext-host", Name: "Host"},
			"ext-ann":      {UserID: "u-ann", ExternalID: "ext-ann", Name: "Ann"},
			"ext-stranger": {UserID: "u-stranger", ExternalID: "ext-stranger"},
		},
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func TestCache_Authorize(t *testing.T) {
	tests := map[string]struct {
		externalID string
		roomID     string
		assert     func(t *testing.T, e access.Entry, err error)
	}{
		"host should be authorized as host": {
			externalID: "ext-host",
			roomID:     "r1",
			assert: func(t *testing.T, e access.Entry, err error) {
				require.NoError(t, err)
				assert.Equal(t, domain.RoleHost, e.Role)
				assert.True(t, e.IsHost())
				assert.Equal(t, "u-host", e.User.UserID)
			},
		},

		"participant should be authorized as participant": {
			externalID: "ext-ann",
			roomID:     "r1",
			assert: func(t *testing.T, e access.Entry, err error) {
				require.NoError(t, err)
				assert.Equal(t, domain.RoleParticipant, e.Role)
				assert.Equal(t, "r1", e.Room.RoomID)
			},
		},

		"stranger should be denied": {
			externalID: "ext-stranger",
			roomID:     "r1",
			assert: func(t *testing.T, _ access.Entry, err error) {
				assert.True(t, errors.Is(err, errors.CodePermissionDenied))
			},
		},

		"unregistered user should be denied": {
			externalID: "ext-unknown",
			roomID:     "r1",
			assert: func(t *testing.T, _ access.Entry, err error) {
				assert.True(t, errors.Is(err, errors.CodePermissionDenied))
			},
		},

		"completed room should conflict": {
			externalID: "ext-host",
			roomID:     "r2",
			assert: func(t *testing.T, _ access.Entry, err error) {
				assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
			},
		},

		"unknown room should be not found": {
			externalID: "ext-host",
			roomID:     "r9",
			assert: func(t *testing.T, _ access.Entry, err error) {
				assert.True(t, errors.Is(err, errors.CodeNotFound))
			},
		},

		"empty room id should be invalid": {
			externalID: "ext-host",
			assert: func(t *testing.T, _ access.Entry, err error) {
				assert.True(t, errors.Is(err, errors.CodeInvalidArgument))
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a := access.NewAuthorizer(access.Config{Directory: newDirectory()})
			e, err := a.NewCache(tt.externalID).Authorize(context.Background(), tt.roomID)
			tt.assert(t, e, err)
		})
	}
}

func TestCache_TTL(t *testing.T) {
	t.Parallel()

	dir := newDirectory()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := access.NewAuthorizer(access.Config{Directory: dir, TTL: 5 * time.Second, Now: clk.Now})
	c := a.NewCache("ext-ann")

	_, err := c.Authorize(context.Background(), "r1")
	require.NoError(t, err)

	clk.Advance(4 * time.Second)
	_, err = c.Authorize(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, dir.loadCount(), "fresh entry should be served from cache")

	// The room completes; the stale entry is refreshed and the change seen.
	dir.setStatus("r1", domain.RoomStatusCompleted)
	clk.Advance(2 * time.Second)
	_, err = c.Authorize(context.Background(), "r1")
	assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
	assert.Equal(t, 2, dir.loadCount())
}

func TestCache_Invalidate(t *testing.T) {
	t.Parallel()

	dir := newDirectory()
	c := access.NewAuthorizer(access.Config{Directory: dir}).NewCache("ext-host")

	_, err := c.Authorize(context.Background(), "r1")
	require.NoError(t, err)

	c.Invalidate("r1")

	_, err = c.Authorize(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 2, dir.loadCount())
}

func TestCache_PerConnection(t *testing.T) {
	t.Parallel()

	dir := newDirectory()
	a := access.NewAuthorizer(access.Config{Directory: dir})

	host, err := a.NewCache("ext-host").Authorize(context.Background(), "r1")
	require.NoError(t, err)
	ann, err := a.NewCache("ext-ann").Authorize(context.Background(), "r1")
	require.NoError(t, err)

	assert.Equal(t, domain.RoleHost, host.Role)
	assert.Equal(t, domain.RoleParticipant, ann.Role)
	assert.Equal(t, 2, dir.loadCount())
}
