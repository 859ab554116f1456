package hub

import (
	"context"
	"sync"

	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
)

// RoomControls are the host-controlled settings of a room held in memory
// while the room has connections.
type RoomControls struct {
	Language         string
	CodeSpaceOpen    bool
	AntiCheatEnabled bool
}

// Controls is the registry of RoomControls. It is evicted together with the
// whiteboard and the quiz when a room is finalized.
type Controls struct {
	mu    sync.Mutex
	rooms map[string]*RoomControls
}

func NewControls() *Controls {
	return &Controls{rooms: make(map[string]*RoomControls)}
}

// Hydrate loads the controls from the room record unless they are already held.
func (c *Controls) Hydrate(room domain.Room) RoomControls {
	c.mu.Lock()
	defer c.mu.Unlock()

	rc, ok := c.rooms[room.RoomID]
	if !ok {
		rc = &RoomControls{
			Language:         room.Language,
			CodeSpaceOpen:    room.CodeSpaceOpen,
			AntiCheatEnabled: room.AntiCheatEnabled,
		}
		c.rooms[room.RoomID] = rc
	}
	return *rc
}

func (c *Controls) Get(roomID string) (RoomControls, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rc, ok := c.rooms[roomID]
	if !ok {
		return RoomControls{}, errors.NotFound("room %s is not loaded", roomID)
	}
	return *rc, nil
}

func (c *Controls) Update(roomID string, f func(rc *RoomControls)) (RoomControls, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rc, ok := c.rooms[roomID]
	if !ok {
		return RoomControls{}, errors.NotFound("room %s is not loaded", roomID)
	}
	f(rc)
	return *rc, nil
}

// Evict drops the room's controls. Every change was already written through.
func (c *Controls) Evict(_ context.Context, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.rooms, roomID)
}
