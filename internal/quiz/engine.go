package quiz

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/liveroom/internal/debounce"
	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
	"github.com/victornm/liveroom/internal/event"
	"github.com/victornm/liveroom/internal/telemetry"
)

const (
	MaxHistory = 50
	TopSize    = 3

	defaultCloseGrace   = 500 * time.Millisecond
	defaultPersistDelay = 1500 * time.Millisecond
	persistTimeout      = 10 * time.Second
)

type Store interface {
	SaveQuiz(ctx context.Context, roomID string, snap domain.QuizSnapshot) error
}

// Stopper cancels a scheduled call. *time.Timer implements it.
type Stopper interface {
	Stop() bool
}

type Config struct {
	Store        Store
	Bus          *event.Bus
	Debouncer    *debounce.Debouncer
	PersistDelay time.Duration
	// CloseGrace is added to a round's deadline before the round is force-closed.
	CloseGrace time.Duration

	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Stopper
}

// Engine runs the quiz of every hydrated room: its bank, at most one live
// round, and the cumulative leaderboard.
type Engine struct {
	store     Store
	bus       *event.Bus
	deb       *debounce.Debouncer
	delay     time.Duration
	grace     time.Duration
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Stopper
	onExpire  func(roomID, roundID string)

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu          sync.Mutex
	bank        []domain.Question
	leaderboard map[string]domain.LeaderboardEntry
	history     []domain.RoundSummary
	round       *domain.Round
	timer       Stopper
	rev         uint64

	persistMu sync.Mutex
	savedRev  uint64
}

// State is a consistent view of a room's quiz.
type State struct {
	Bank        []domain.Question
	Leaderboard []domain.LeaderboardEntry
	History     []domain.RoundSummary
	// Round is the live round, nil when idle.
	Round *domain.Round
}

// Closed is the outcome of closing a round.
type Closed struct {
	Summary     domain.RoundSummary
	Leaderboard []domain.LeaderboardEntry
	Top         []domain.LeaderboardEntry
}

func NewEngine(c Config) *Engine {
	e := &Engine{
		store:     c.Store,
		bus:       c.Bus,
		deb:       c.Debouncer,
		delay:     c.PersistDelay,
		grace:     c.CloseGrace,
		now:       c.Now,
		afterFunc: c.AfterFunc,
		rooms:     make(map[string]*room),
	}

	if e.deb == nil {
		e.deb = debounce.New()
	}
	if e.delay <= 0 {
		e.delay = defaultPersistDelay
	}
	if e.grace <= 0 {
		e.grace = defaultCloseGrace
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.afterFunc == nil {
		e.afterFunc = func(d time.Duration, f func()) Stopper {
			return time.AfterFunc(d, f)
		}
	}

	return e
}

// OnExpire replaces the default timeout handling. When set, an expired round
// is reported to f, which is expected to call CloseRound with the given round
// id. Must be called before any round starts.
func (e *Engine) OnExpire(f func(roomID, roundID string)) {
	e.onExpire = f
}

// Hydrate loads a room's quiz from its durable snapshot unless it is already
// held in memory. A persisted active round is not resumed: its timer did not
// survive the restart.
func (e *Engine) Hydrate(roomID string, snap domain.QuizSnapshot) State {
	e.mu.Lock()
	r, ok := e.rooms[roomID]
	if !ok {
		r = &room{
			bank:        slices.Clone(snap.Bank),
			leaderboard: make(map[string]domain.LeaderboardEntry, len(snap.Leaderboard)),
			history:     slices.Clone(snap.History),
		}
		for _, le := range snap.Leaderboard {
			r.leaderboard[le.UserID] = le
		}
		e.rooms[roomID] = r
	}
	e.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stateLocked()
}

func (e *Engine) room(roomID string) (*room, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.rooms[roomID]
	if !ok {
		return nil, errors.NotFound("quiz of room %s is not loaded", roomID)
	}
	return r, nil
}

func (e *Engine) Snapshot(roomID string) (State, error) {
	r, err := e.room(roomID)
	if err != nil {
		return State{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stateLocked(), nil
}

// UploadBank replaces the room's bank. Nothing changes unless every question is valid.
func (e *Engine) UploadBank(roomID string, raw any) ([]domain.Question, error) {
	r, err := e.room(roomID)
	if err != nil {
		return nil, err
	}

	bank, err := ParseBank(raw)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.round != nil {
		r.mu.Unlock()
		return nil, errors.Conflict("cannot replace the quiz while a round is live")
	}
	r.bank = bank
	r.rev++
	out := slices.Clone(r.bank)
	r.mu.Unlock()

	e.schedulePersist(roomID)
	return out, nil
}

// AddQuestion appends one question to the bank. Adding is allowed during a live round.
func (e *Engine) AddQuestion(roomID string, raw any) ([]domain.Question, error) {
	r, err := e.room(roomID)
	if err != nil {
		return nil, err
	}

	q, err := ParseQuestion(raw)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if len(r.bank) >= MaxBankSize {
		r.mu.Unlock()
		return nil, errors.InvalidArgument("quiz already has %d questions", MaxBankSize)
	}
	if slices.ContainsFunc(r.bank, func(b domain.Question) bool { return b.QuestionID == q.QuestionID }) {
		r.mu.Unlock()
		return nil, errors.InvalidArgument("question id %q already exists", q.QuestionID)
	}
	r.bank = append(r.bank, q)
	r.rev++
	out := slices.Clone(r.bank)
	r.mu.Unlock()

	e.schedulePersist(roomID)
	return out, nil
}

// StartRound opens a live round on a bank question and arms its force-close timer.
func (e *Engine) StartRound(roomID, questionID string) (domain.Round, error) {
	r, err := e.room(roomID)
	if err != nil {
		return domain.Round{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.round != nil {
		return domain.Round{}, errors.Conflict("a round is already live")
	}

	i := slices.IndexFunc(r.bank, func(q domain.Question) bool { return q.QuestionID == questionID })
	if i < 0 {
		return domain.Round{}, errors.NotFound("question %q not found", questionID)
	}
	q := r.bank[i]

	now := e.now()
	round := &domain.Round{
		RoundID:     uuid.Must(uuid.NewV7()).String(),
		Question:    q,
		StartedAt:   now,
		EndsAt:      now.Add(q.Duration()),
		Status:      domain.RoundStatusLive,
		Submissions: make(map[string]domain.Submission),
	}
	r.round = round
	r.rev++

	roundID := round.RoundID
	r.timer = e.afterFunc(q.Duration()+e.grace, func() {
		e.expire(roomID, roundID)
	})

	e.schedulePersist(roomID)
	return cloneRound(round), nil
}

func (e *Engine) expire(roomID, roundID string) {
	if e.onExpire != nil {
		e.onExpire(roomID, roundID)
		return
	}

	if _, _, err := e.CloseRound(context.Background(), roomID, roundID, domain.CloseTriggerTimeout); err != nil {
		slog.Error("quiz: force close failed", "room", roomID, "round", roundID, "error", err)
	}
}

// SubmitAnswer records the first answer of a participant in the live round.
func (e *Engine) SubmitAnswer(roomID string, user domain.User, isHost bool, roundID string, selected int) (domain.Submission, error) {
	r, err := e.room(roomID)
	if err != nil {
		return domain.Submission{}, err
	}

	if isHost {
		return domain.Submission{}, errors.PermissionDenied("the host cannot answer")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	round := r.round
	if round == nil || round.RoundID != roundID || round.Status != domain.RoundStatusLive {
		return domain.Submission{}, errors.Conflict("round %s is not live", roundID)
	}

	now := e.now()
	if now.After(round.EndsAt) {
		return domain.Submission{}, errors.Conflict("round %s has ended", roundID)
	}
	if _, done := round.Submissions[user.UserID]; done {
		return domain.Submission{}, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("answer already submitted"))
	}
	if selected < 0 || selected >= len(round.Question.Options) {
		return domain.Submission{}, errors.InvalidArgument("selectedOptionIndex must be between 0 and %d", len(round.Question.Options)-1)
	}

	s := domain.Submission{
		UserID:              user.UserID,
		Name:                user.Name,
		SelectedOptionIndex: selected,
		SubmittedAt:         now,
		ResponseLatencyMs:   max(0, now.Sub(round.StartedAt).Milliseconds()),
		IsCorrect:           selected == round.Question.CorrectOptionIndex,
	}
	round.Submissions[user.UserID] = s

	return s, nil
}

// CloseRound scores and closes the live round. An empty roundID closes whatever
// round is live. It returns false when there was no matching live round.
func (e *Engine) CloseRound(ctx context.Context, roomID, roundID string, trigger domain.CloseTrigger) (Closed, bool, error) {
	r, err := e.room(roomID)
	if err != nil {
		return Closed{}, false, err
	}

	r.mu.Lock()
	round := r.round
	if round == nil || (roundID != "" && round.RoundID != roundID) {
		r.mu.Unlock()
		return Closed{}, false, nil
	}

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.round = nil

	closed := r.closeLocked(round, e.now(), trigger)
	r.rev++
	r.mu.Unlock()

	telemetry.RoundsClosedTotal.WithLabelValues(string(trigger)).Inc()
	e.schedulePersist(roomID)

	if e.bus != nil {
		e.bus.Publish(ctx, domain.EventQuizRoundClosed{
			RoomID:      roomID,
			Summary:     closed.Summary,
			Leaderboard: closed.Leaderboard,
		})
	}

	return closed, true, nil
}

func (r *room) closeLocked(round *domain.Round, now time.Time, trigger domain.CloseTrigger) Closed {
	round.Status = domain.RoundStatusClosed
	duration := round.Question.Duration()

	results := make([]domain.RoundResult, 0, len(round.Submissions))
	for _, s := range round.Submissions {
		res := domain.RoundResult{
			UserID:              s.UserID,
			Name:                s.Name,
			SelectedOptionIndex: s.SelectedOptionIndex,
			IsCorrect:           s.IsCorrect,
			Score:               Score(s.IsCorrect, time.Duration(s.ResponseLatencyMs)*time.Millisecond, duration),
			ResponseLatencyMs:   s.ResponseLatencyMs,
		}
		results = append(results, res)
		r.leaderboard[s.UserID] = Accumulate(r.leaderboard[s.UserID], res, s.SubmittedAt)
	}
	slices.SortFunc(results, compareResults)

	summary := domain.RoundSummary{
		RoundID:            round.RoundID,
		QuestionID:         round.Question.QuestionID,
		Prompt:             round.Question.Prompt,
		CorrectOptionIndex: round.Question.CorrectOptionIndex,
		Explanation:        round.Question.Explanation,
		StartedAt:          round.StartedAt,
		EndsAt:             round.EndsAt,
		ClosedAt:           now,
		Trigger:            trigger,
		Results:            results,
	}

	r.history = append(r.history, summary)
	if len(r.history) > MaxHistory {
		r.history = slices.Clone(r.history[len(r.history)-MaxHistory:])
	}

	ranked := r.rankedLocked()
	return Closed{
		Summary:     summary,
		Leaderboard: ranked,
		Top:         TopN(ranked, TopSize),
	}
}

func (e *Engine) schedulePersist(roomID string) {
	if e.store == nil {
		return
	}

	e.deb.Schedule(persistKey(roomID), e.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := e.persist(ctx, roomID); err != nil {
			telemetry.PersistFailuresTotal.WithLabelValues("quiz").Inc()
			slog.ErrorContext(ctx, "quiz: persist failed", "room", roomID, "error", err)
		}
	})
}

// Flush cancels the pending debounced write of the room and writes synchronously.
func (e *Engine) Flush(ctx context.Context, roomID string) error {
	e.deb.Cancel(persistKey(roomID))
	return e.persist(ctx, roomID)
}

func (e *Engine) persist(ctx context.Context, roomID string) error {
	if e.store == nil {
		return nil
	}

	r, err := e.room(roomID)
	if err != nil {
		return nil // evicted, its final write already happened
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	rev := r.rev
	snap := r.snapshotLocked(e.now())
	r.mu.Unlock()

	if rev == r.savedRev {
		return nil
	}

	if err := e.store.SaveQuiz(ctx, roomID, snap); err != nil {
		return err
	}

	r.savedRev = rev
	return nil
}

// Evict stops the room's round timer, flushes its quiz and drops it from memory.
// A live round is abandoned without scoring.
func (e *Engine) Evict(ctx context.Context, roomID string) {
	r, err := e.room(roomID)
	if err != nil {
		return
	}

	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	if err := e.Flush(ctx, roomID); err != nil {
		telemetry.PersistFailuresTotal.WithLabelValues("quiz").Inc()
		slog.ErrorContext(ctx, "quiz: final flush failed", "room", roomID, "error", err)
	}

	e.mu.Lock()
	delete(e.rooms, roomID)
	e.mu.Unlock()
}

// StopTimers cancels the force-close timer of every room. Used on shutdown;
// the live rounds stay in the snapshots and are not resumed.
func (e *Engine) StopTimers() {
	e.mu.Lock()
	rooms := make([]*room, 0, len(e.rooms))
	for _, r := range e.rooms {
		rooms = append(rooms, r)
	}
	e.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
			r.timer = nil
		}
		r.mu.Unlock()
	}
}

func (e *Engine) Loaded(roomID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.rooms[roomID]
	return ok
}

func (r *room) rankedLocked() []domain.LeaderboardEntry {
	entries := make([]domain.LeaderboardEntry, 0, len(r.leaderboard))
	for _, le := range r.leaderboard {
		entries = append(entries, le)
	}
	return Rank(entries)
}

func (r *room) stateLocked() State {
	s := State{
		Bank:        slices.Clone(r.bank),
		Leaderboard: r.rankedLocked(),
		History:     slices.Clone(r.history),
	}
	if r.round != nil {
		round := cloneRound(r.round)
		s.Round = &round
	}
	return s
}

func (r *room) snapshotLocked(now time.Time) domain.QuizSnapshot {
	snap := domain.QuizSnapshot{
		Bank:        slices.Clone(r.bank),
		Leaderboard: r.rankedLocked(),
		History:     slices.Clone(r.history),
		UpdatedAt:   now,
	}
	if r.round != nil {
		snap.ActiveRound = &domain.RoundDescriptor{
			RoundID:    r.round.RoundID,
			QuestionID: r.round.Question.QuestionID,
			StartedAt:  r.round.StartedAt,
			EndsAt:     r.round.EndsAt,
		}
	}
	return snap
}

func cloneRound(r *domain.Round) domain.Round {
	c := *r
	c.Submissions = maps.Clone(r.Submissions)
	return c
}

func persistKey(roomID string) string {
	return "quiz:" + roomID
}
