// Package room tracks which connections are in which room and finalizes a
// room when its last connection leaves.
package room

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
	"github.com/victornm/liveroom/internal/event"
	"github.com/victornm/liveroom/internal/telemetry"
)

const (
	finalizeTimeout = 15 * time.Second
	// completedSize bounds the rooms remembered as completed. A join reading a
	// room record before its completion finishes within seconds, long before
	// the room is pushed out.
	completedSize = 4096
)

// Evicter drops the in-memory state a component holds for a room, flushing
// whatever must survive first.
type Evicter interface {
	Evict(ctx context.Context, roomID string)
}

type Completer interface {
	CompleteRoom(ctx context.Context, roomID string) (callID string, completed bool, err error)
}

type Config struct {
	Rooms    Completer
	Evicters []Evicter
	EventBus *event.Bus
}

type Manager struct {
	rooms    Completer
	evicters []Evicter
	eb       *event.Bus

	mu      sync.Mutex
	members map[string]map[string]struct{}
	// finalizing holds rooms being torn down, closed when teardown ends.
	finalizing map[string]chan struct{}
	// completed holds rooms this process completed. They are never joinable again.
	completed *lru.Cache[string, struct{}]
}

func NewManager(c Config) *Manager {
	completed, err := lru.New[string, struct{}](completedSize)
	if err != nil {
		panic(err)
	}

	return &Manager{
		rooms:      c.Rooms,
		evicters:   c.Evicters,
		eb:         c.EventBus,
		members:    make(map[string]map[string]struct{}),
		finalizing: make(map[string]chan struct{}),
		completed:  completed,
	}
}

// Join registers connID in the room and reports whether it is the first
// member. A join racing the teardown of the same room waits for the teardown
// and is then refused, since the room was most likely completed. A room
// completed by this process is refused even when the caller read it as active.
func (m *Manager) Join(ctx context.Context, roomID, connID string) (bool, error) {
	m.mu.Lock()
	if done, busy := m.finalizing[roomID]; busy {
		m.mu.Unlock()

		select {
		case <-done:
			return false, errors.Conflict("room %s was just closed, join again", roomID)
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	defer m.mu.Unlock()

	if m.completed.Contains(roomID) {
		return false, errors.Conflict("room %s is completed", roomID)
	}

	set, ok := m.members[roomID]
	if !ok {
		set = make(map[string]struct{})
		m.members[roomID] = set
	}
	set[connID] = struct{}{}

	return !ok, nil
}

// Abort undoes a Join whose caller turned out not to be allowed in. Unlike
// Leave it never finalizes the room.
func (m *Manager) Abort(roomID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.members[roomID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(m.members, roomID)
	}
}

// Leave removes connID from the room. The call that removes the last member
// finalizes the room and reports true.
func (m *Manager) Leave(ctx context.Context, roomID, connID string) bool {
	m.mu.Lock()
	set, ok := m.members[roomID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if _, in := set[connID]; !in {
		m.mu.Unlock()
		return false
	}

	delete(set, connID)
	if len(set) > 0 {
		m.mu.Unlock()
		return false
	}

	delete(m.members, roomID)
	done := make(chan struct{})
	m.finalizing[roomID] = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.finalizing, roomID)
		m.mu.Unlock()
		close(done)
	}()

	m.finalize(ctx, roomID)
	return true
}

func (m *Manager) finalize(ctx context.Context, roomID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	for _, e := range m.evicters {
		e.Evict(ctx, roomID)
	}

	callID, completed, err := m.rooms.CompleteRoom(ctx, roomID)
	if err != nil {
		slog.ErrorContext(ctx, "room: complete room failed", "room", roomID, "error", err)
		return
	}
	m.completed.Add(roomID, struct{}{})
	if !completed {
		slog.DebugContext(ctx, "room: already completed", "room", roomID)
		return
	}

	telemetry.RoomsFinalizedTotal.Inc()
	slog.InfoContext(ctx, "room: finalized", "room", roomID)

	if m.eb != nil {
		m.eb.Publish(ctx, domain.EventRoomFinalized{
			RoomID: roomID,
			CallID: callID,
		})
	}
}

// Count returns the number of connections in the room.
func (m *Manager) Count(roomID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.members[roomID])
}
