// Package hub terminates client websocket connections and routes their events
// to the room components.
package hub

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/victornm/liveroom/internal/access"
	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
	"github.com/victornm/liveroom/internal/identity"
	"github.com/victornm/liveroom/internal/quiz"
	"github.com/victornm/liveroom/internal/room"
	"github.com/victornm/liveroom/internal/telemetry"
	"github.com/victornm/liveroom/internal/whiteboard"
)

const lockStripes = 64

var errMalformedFrame = errors.InvalidArgument("frame must be a JSON object with an event name")

// Settings persists the host controls of a room.
type Settings interface {
	SetLanguage(ctx context.Context, roomID, language string) error
	SetCodeSpaceOpen(ctx context.Context, roomID string, open bool) error
	SetAntiCheat(ctx context.Context, roomID string, enabled bool) error
}

type Config struct {
	Verifier   identity.Verifier
	Authorizer *access.Authorizer
	Whiteboard *whiteboard.Synchronizer
	Quiz       *quiz.Engine
	Rooms      *room.Manager
	Controls   *Controls
	Settings   Settings
	// AllowedOrigins restricts the Origin of websocket handshakes. Empty allows any.
	AllowedOrigins []string
}

type handlerFunc func(ctx context.Context, c *Conn, data json.RawMessage) error

// Router owns the connections of the process and dispatches their events.
// Events of one room are handled one at a time; different rooms proceed in
// parallel.
type Router struct {
	verifier   identity.Verifier
	authorizer *access.Authorizer
	wb         *whiteboard.Synchronizer
	quiz       *quiz.Engine
	rooms      *room.Manager
	controls   *Controls
	settings   Settings
	upgrader   websocket.Upgrader
	handlers   map[string]handlerFunc

	stripes [lockStripes]sync.Mutex

	mu      sync.Mutex
	members map[string]map[*Conn]domain.Role
	conns   map[*Conn]struct{}
	closing atomic.Bool
}

func NewRouter(c Config) *Router {
	r := &Router{
		verifier:   c.Verifier,
		authorizer: c.Authorizer,
		wb:         c.Whiteboard,
		quiz:       c.Quiz,
		rooms:      c.Rooms,
		controls:   c.Controls,
		settings:   c.Settings,
		members:    make(map[string]map[*Conn]domain.Role),
		conns:      make(map[*Conn]struct{}),
	}

	if r.controls == nil {
		r.controls = NewControls()
	}

	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(c.AllowedOrigins),
	}

	r.handlers = map[string]handlerFunc{
		EventJoinRoom:               r.joinRoom,
		EventCodeChange:             r.codeChange,
		EventLanguageChange:         r.languageChange,
		EventWhiteboardChange:       r.whiteboardChange,
		EventToggleWhiteboard:       r.toggleWhiteboard,
		EventWhiteboardSetWriteMode: r.setWriteMode,
		EventWhiteboardGrantWriter:  r.grantWriter,
		EventWhiteboardRevokeWriter: r.revokeWriter,
		EventQuizUpload:             r.quizUpload,
		EventQuizAddQuestion:        r.quizAddQuestion,
		EventQuizStartRound:         r.quizStartRound,
		EventQuizSubmitAnswer:       r.quizSubmitAnswer,
		EventQuizEndRound:           r.quizEndRound,
		EventToggleCodeSpace:        r.toggleCodeSpace,
		EventToggleAntiCheat:        r.toggleAntiCheat,
		EventCheatDetected:          r.cheatDetected,
	}

	return r
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 || slices.Contains(allowed, "*") {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// ServeWS authenticates the handshake and serves the connection until it closes.
// A request without a valid bearer token is refused before the upgrade.
func (r *Router) ServeWS(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	id, err := r.verifier.Verify(ctx, identity.TokenFromRequest(req))
	if err != nil {
		e := errors.Convert(err)
		http.Error(w, e.Message, e.HTTPStatusCode())
		return
	}

	if r.closing.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		slog.DebugContext(ctx, "hub: upgrade failed", "error", err)
		return
	}

	c := newConn(ws, id, r.authorizer.NewCache(id.Subject))
	r.accept(c)

	go c.writeLoop()
	c.readLoop(context.WithoutCancel(ctx), r)
}

func (r *Router) accept(c *Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()

	telemetry.ConnectionsActive.Inc()
	slog.Debug("hub: connection opened", "conn", c.id, "subject", c.identity.Subject)
}

// Close disconnects every client without finalizing their rooms, so that the
// rooms can be resumed by another process.
func (r *Router) Close() {
	r.closing.Store(true)

	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// disconnect removes the connection from its rooms. The last connection of a
// room finalizes it.
func (r *Router) disconnect(ctx context.Context, c *Conn) {
	r.mu.Lock()
	_, ok := r.conns[c]
	delete(r.conns, c)
	r.mu.Unlock()
	if !ok {
		return
	}

	telemetry.ConnectionsActive.Dec()
	slog.DebugContext(ctx, "hub: connection closed", "conn", c.id)

	for _, roomID := range c.leaveAll() {
		unlock := r.lock(roomID)
		r.unregister(roomID, c)
		unlock()

		if r.closing.Load() {
			continue
		}
		r.rooms.Leave(ctx, roomID, c.id)
	}
}

func (r *Router) lock(roomID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	m := &r.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func (r *Router) register(roomID string, c *Conn, role domain.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.members[roomID]
	if !ok {
		set = make(map[*Conn]domain.Role)
		r.members[roomID] = set
	}
	set[c] = role
}

func (r *Router) unregister(roomID string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.members[roomID]
	delete(set, c)
	if len(set) == 0 {
		delete(r.members, roomID)
	}
}

// handle dispatches one inbound event. Failures are reported to the sender only.
func (r *Router) handle(ctx context.Context, c *Conn, msg Message) {
	h, ok := r.handlers[msg.Event]
	if !ok {
		telemetry.EventsTotal.WithLabelValues("unknown", "rejected").Inc()
		r.sendError(c, EventError, errors.InvalidArgument("unknown event %q", msg.Event))
		return
	}

	if err := h(ctx, c, msg.Data); err != nil {
		telemetry.EventsTotal.WithLabelValues(msg.Event, "rejected").Inc()

		e := errors.Convert(err)
		if !e.Public() {
			slog.ErrorContext(ctx, "hub: handle event failed", "event", msg.Event, "conn", c.id, "error", err)
		}
		r.sendError(c, errorEvent(msg.Event, e), e)
		return
	}

	telemetry.EventsTotal.WithLabelValues(msg.Event, "ok").Inc()
}

func errorEvent(event string, e *errors.Error) string {
	switch event {
	case EventWhiteboardChange:
		if e.Code == errors.CodePermissionDenied {
			return EventWhiteboardWriteDenied
		}
	case EventQuizUpload, EventQuizAddQuestion, EventQuizStartRound, EventQuizSubmitAnswer, EventQuizEndRound:
		return EventQuizError
	}
	return EventError
}

func (r *Router) sendError(c *Conn, event string, err error) {
	e := errors.Convert(err)

	msg := e.Message
	if !e.Public() {
		msg = "something went wrong, try again"
	}

	r.send(c, event, errorPayload{Code: e.Name(), Message: msg})
}

func (r *Router) send(c *Conn, event string, v any) {
	b, err := frame(event, v)
	if err != nil {
		slog.Error("hub: encode frame failed", "event", event, "error", err)
		return
	}
	c.enqueue(b)
}

// broadcast sends to every connection of the room accepted by keep. A nil keep
// selects all of them.
func (r *Router) broadcast(roomID, event string, v any, keep func(c *Conn, role domain.Role) bool) {
	b, err := frame(event, v)
	if err != nil {
		slog.Error("hub: encode frame failed", "event", event, "error", err)
		return
	}

	r.mu.Lock()
	targets := make([]*Conn, 0, len(r.members[roomID]))
	for c, role := range r.members[roomID] {
		if keep == nil || keep(c, role) {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	telemetry.BroadcastsTotal.WithLabelValues(event).Inc()
	for _, c := range targets {
		c.enqueue(b)
	}
}

func except(sender *Conn) func(c *Conn, _ domain.Role) bool {
	return func(c *Conn, _ domain.Role) bool { return c != sender }
}

func hosts(_ *Conn, role domain.Role) bool {
	return role == domain.RoleHost
}

func participants(_ *Conn, role domain.Role) bool {
	return role != domain.RoleHost
}

// ExpireRound closes a round whose deadline passed and reveals it to the room.
func (r *Router) ExpireRound(roomID, roundID string) {
	ctx := context.Background()

	unlock := r.lock(roomID)
	defer unlock()

	closed, ok, err := r.quiz.CloseRound(ctx, roomID, roundID, domain.CloseTriggerTimeout)
	if err != nil {
		slog.DebugContext(ctx, "hub: expired round of unloaded room", "room", roomID, "round", roundID, "error", err)
		return
	}
	if ok {
		r.broadcastClosed(roomID, closed)
	}
}

func frame(event string, v any) ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{event, v})
}
