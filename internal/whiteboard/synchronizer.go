package whiteboard

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/victornm/liveroom/internal/debounce"
	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
	"github.com/victornm/liveroom/internal/telemetry"
)

const (
	defaultPersistDelay = 1500 * time.Millisecond
	persistTimeout      = 10 * time.Second
)

type Store interface {
	SaveWhiteboard(ctx context.Context, roomID string, snap domain.WhiteboardSnapshot) error
}

type Config struct {
	Store        Store
	Debouncer    *debounce.Debouncer
	PersistDelay time.Duration
}

// Synchronizer owns the authoritative whiteboard of every hydrated room.
type Synchronizer struct {
	store Store
	deb   *debounce.Debouncer
	delay time.Duration

	mu     sync.Mutex
	boards map[string]*board
}

type board struct {
	mu        sync.Mutex
	elements  []domain.Element
	appState  map[string]any
	isOpen    bool
	writeMode domain.WriteMode
	writerIDs []string
	signature string
	rev       uint64

	// persistMu orders durable writes so an older snapshot never lands last.
	persistMu sync.Mutex
	savedRev  uint64
}

// Update is the result of an accepted change, broadcast to the whole room.
type Update struct {
	Elements []domain.Element
	AppState map[string]any
}

type Permissions struct {
	WriteMode domain.WriteMode
	WriterIDs []string
}

func NewSynchronizer(c Config) *Synchronizer {
	s := &Synchronizer{
		store:  c.Store,
		deb:    c.Debouncer,
		delay:  c.PersistDelay,
		boards: make(map[string]*board),
	}

	if s.deb == nil {
		s.deb = debounce.New()
	}
	if s.delay <= 0 {
		s.delay = defaultPersistDelay
	}

	return s
}

// Hydrate loads the room's whiteboard from its durable snapshot unless the room
// is already held in memory, and returns the current state.
func (s *Synchronizer) Hydrate(roomID string, snap domain.WhiteboardSnapshot) domain.WhiteboardSnapshot {
	s.mu.Lock()
	b, ok := s.boards[roomID]
	if !ok {
		b = newBoard(snap)
		s.boards[roomID] = b
	}
	s.mu.Unlock()

	return b.snapshot()
}

func newBoard(snap domain.WhiteboardSnapshot) *board {
	mode := snap.WriteMode
	if !mode.Valid() {
		mode = domain.WriteModeHostOnly
	}

	elements := sanitizeElements(snap.Elements)
	return &board{
		elements:  elements,
		appState:  snap.AppState,
		isOpen:    snap.IsOpen,
		writeMode: mode,
		writerIDs: cloneIDs(snap.WriterIDs),
		signature: Signature(elements),
	}
}

func (s *Synchronizer) board(roomID string) (*board, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.boards[roomID]
	if !ok {
		return nil, errors.NotFound("whiteboard of room %s is not loaded", roomID)
	}
	return b, nil
}

func (s *Synchronizer) Snapshot(roomID string) (domain.WhiteboardSnapshot, error) {
	b, err := s.board(roomID)
	if err != nil {
		return domain.WhiteboardSnapshot{}, err
	}
	return b.snapshot(), nil
}

// CanWrite checks the room's write mode and allow-list for userID.
func (s *Synchronizer) CanWrite(roomID string, isHost bool, userID string) bool {
	b, err := s.board(roomID)
	if err != nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return CanWrite(isHost, b.writeMode, b.writerIDs, userID)
}

// ApplyChange sanitizes and merges a client scene into the room's scene. It
// returns false when the change does not alter the scene, e.g. an echo of the
// scene the client just received.
func (s *Synchronizer) ApplyChange(roomID string, raw []any, appState map[string]any) (Update, bool, error) {
	b, err := s.board(roomID)
	if err != nil {
		return Update{}, false, err
	}

	incoming := SanitizeScene(raw)

	b.mu.Lock()
	defer b.mu.Unlock()

	if Signature(incoming) == b.signature {
		telemetry.SuppressedChangesTotal.Inc()
		return Update{}, false, nil
	}

	merged := MergeScene(b.elements, incoming)
	sig := Signature(merged)
	if sig == b.signature {
		telemetry.SuppressedChangesTotal.Inc()
		return Update{}, false, nil
	}

	b.elements = merged
	b.signature = sig
	if appState != nil {
		b.appState = appState
	}
	b.rev++

	s.schedulePersist(roomID)

	return Update{Elements: merged, AppState: b.appState}, true, nil
}

func (s *Synchronizer) SetOpen(roomID string, open bool) (domain.WhiteboardSnapshot, error) {
	b, err := s.board(roomID)
	if err != nil {
		return domain.WhiteboardSnapshot{}, err
	}

	b.mu.Lock()
	b.isOpen = open
	b.rev++
	b.mu.Unlock()

	s.schedulePersist(roomID)
	return b.snapshot(), nil
}

func (s *Synchronizer) SetWriteMode(roomID string, mode domain.WriteMode) (Permissions, error) {
	if !mode.Valid() {
		return Permissions{}, errors.InvalidArgument("unknown write mode %q", mode)
	}

	return s.updatePermissions(roomID, func(b *board) {
		b.writeMode = mode
	})
}

// GrantWriter adds userID to the writer allow-list. The caller checks that the
// user is a participant of the room.
func (s *Synchronizer) GrantWriter(roomID, userID string) (Permissions, error) {
	return s.updatePermissions(roomID, func(b *board) {
		if !slices.Contains(b.writerIDs, userID) {
			b.writerIDs = append(cloneIDs(b.writerIDs), userID)
		}
	})
}

func (s *Synchronizer) RevokeWriter(roomID, userID string) (Permissions, error) {
	return s.updatePermissions(roomID, func(b *board) {
		b.writerIDs = slices.DeleteFunc(cloneIDs(b.writerIDs), func(id string) bool {
			return id == userID
		})
	})
}

func (s *Synchronizer) updatePermissions(roomID string, f func(b *board)) (Permissions, error) {
	b, err := s.board(roomID)
	if err != nil {
		return Permissions{}, err
	}

	b.mu.Lock()
	f(b)
	b.rev++
	p := Permissions{WriteMode: b.writeMode, WriterIDs: cloneIDs(b.writerIDs)}
	b.mu.Unlock()

	s.schedulePersist(roomID)
	return p, nil
}

func (s *Synchronizer) schedulePersist(roomID string) {
	if s.store == nil {
		return
	}

	s.deb.Schedule(persistKey(roomID), s.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := s.persist(ctx, roomID); err != nil {
			telemetry.PersistFailuresTotal.WithLabelValues("whiteboard").Inc()
			slog.ErrorContext(ctx, "whiteboard: persist failed", "room", roomID, "error", err)
		}
	})
}

// Flush cancels the pending debounced write of the room and writes synchronously.
func (s *Synchronizer) Flush(ctx context.Context, roomID string) error {
	s.deb.Cancel(persistKey(roomID))
	return s.persist(ctx, roomID)
}

func (s *Synchronizer) persist(ctx context.Context, roomID string) error {
	if s.store == nil {
		return nil
	}

	b, err := s.board(roomID)
	if err != nil {
		return nil // evicted, its final write already happened
	}

	b.persistMu.Lock()
	defer b.persistMu.Unlock()

	b.mu.Lock()
	rev := b.rev
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if rev == b.savedRev {
		return nil
	}

	if err := s.store.SaveWhiteboard(ctx, roomID, snap); err != nil {
		return err
	}

	b.savedRev = rev
	return nil
}

// Evict flushes the room's whiteboard and drops it from memory.
func (s *Synchronizer) Evict(ctx context.Context, roomID string) {
	if err := s.Flush(ctx, roomID); err != nil {
		telemetry.PersistFailuresTotal.WithLabelValues("whiteboard").Inc()
		slog.ErrorContext(ctx, "whiteboard: final flush failed", "room", roomID, "error", err)
	}

	s.mu.Lock()
	delete(s.boards, roomID)
	s.mu.Unlock()
}

func (s *Synchronizer) Loaded(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.boards[roomID]
	return ok
}

func (b *board) snapshot() domain.WhiteboardSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.snapshotLocked()
}

func (b *board) snapshotLocked() domain.WhiteboardSnapshot {
	return domain.WhiteboardSnapshot{
		Elements:  b.elements,
		AppState:  b.appState,
		IsOpen:    b.isOpen,
		WriteMode: b.writeMode,
		WriterIDs: cloneIDs(b.writerIDs),
	}
}

func persistKey(roomID string) string {
	return "whiteboard:" + roomID
}

func cloneIDs(ids []string) []string {
	return append(make([]string, 0, len(ids)), ids...)
}
