package quiz_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/liveroom/internal/debounce"
	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
	"github.com/victornm/liveroom/internal/quiz"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) quiz.Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) timer(i int) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.timers[i]
}

type fakeStore struct {
	mu    sync.Mutex
	saves []domain.QuizSnapshot
	// failures is the number of upcoming saves that fail.
	failures int
}

func (s *fakeStore) SaveQuiz(_ context.Context, _ string, snap domain.QuizSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures > 0 {
		s.failures--
		return stderrors.New("db down")
	}

	s.saves = append(s.saves, snap)
	return nil
}

func (s *fakeStore) fail(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = n
}

func (s *fakeStore) last() domain.QuizSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saves[len(s.saves)-1]
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.saves)
}

var (
	host  = domain.User{UserID: "host", Name: "Host"}
	alice = domain.User{UserID: "alice", Name: "Alice"}
	bob   = domain.User{UserID: "bob", Name: "Bob"}
)

func newEngine(t *testing.T) (*quiz.Engine, *fakeClock, *fakeStore) {
	t.Helper()

	clock := newFakeClock()
	store := &fakeStore{}
	e := quiz.NewEngine(quiz.Config{
		Store:        store,
		Debouncer:    debounce.New(),
		PersistDelay: time.Hour,
		CloseGrace:   500 * time.Millisecond,
		Now:          clock.Now,
		AfterFunc:    clock.AfterFunc,
	})

	e.Hydrate("room", domain.QuizSnapshot{})
	_, err := e.UploadBank("room", []any{question("q1"), question("q2")})
	require.NoError(t, err)

	return e, clock, store
}

func TestEngine_StartRound(t *testing.T) {
	tests := map[string]struct {
		arrange func(t *testing.T, e *quiz.Engine)
		assert  func(t *testing.T, e *quiz.Engine, clock *fakeClock)
	}{
		"round should start on a bank question": {
			assert: func(t *testing.T, e *quiz.Engine, clock *fakeClock) {
				r, err := e.StartRound("room", "q1")
				require.NoError(t, err)
				assert.NotEmpty(t, r.RoundID)
				assert.Equal(t, domain.RoundStatusLive, r.Status)
				assert.Equal(t, clock.Now(), r.StartedAt)
				assert.Equal(t, clock.Now().Add(30*time.Second), r.EndsAt)
				assert.Equal(t, 30*time.Second+500*time.Millisecond, clock.timer(0).d)
			},
		},

		"unknown question should be not found": {
			assert: func(t *testing.T, e *quiz.Engine, _ *fakeClock) {
				_, err := e.StartRound("room", "nope")
				assert.True(t, errors.Is(err, errors.CodeNotFound))
			},
		},

		"second round should conflict for every question id": {
			arrange: func(t *testing.T, e *quiz.Engine) {
				_, err := e.StartRound("room", "q1")
				require.NoError(t, err)
			},
			assert: func(t *testing.T, e *quiz.Engine, _ *fakeClock) {
				for _, id := range []string{"q1", "q2", "nope"} {
					_, err := e.StartRound("room", id)
					assert.True(t, errors.Is(err, errors.CodeFailedPrecondition), id)
				}
			},
		},

		"bank replacement should conflict while a round is live": {
			arrange: func(t *testing.T, e *quiz.Engine) {
				_, err := e.StartRound("room", "q1")
				require.NoError(t, err)
			},
			assert: func(t *testing.T, e *quiz.Engine, _ *fakeClock) {
				_, err := e.UploadBank("room", []any{question("other")})
				assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))

				bank, err := e.AddQuestion("room", question("q3"))
				require.NoError(t, err)
				assert.Len(t, bank, 3)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e, clock, _ := newEngine(t)
			if tt.arrange != nil {
				tt.arrange(t, e)
			}
			tt.assert(t, e, clock)
		})
	}
}

func TestEngine_SubmitAnswer(t *testing.T) {
	tests := map[string]struct {
		assert func(t *testing.T, e *quiz.Engine, clock *fakeClock, roundID string)
	}{
		"first answer should be recorded with its latency": {
			assert: func(t *testing.T, e *quiz.Engine, clock *fakeClock, roundID string) {
				clock.Advance(1200 * time.Millisecond)

				s, err := e.SubmitAnswer("room", alice, false, roundID, 1)
				require.NoError(t, err)
				assert.True(t, s.IsCorrect)
				assert.Equal(t, int64(1200), s.ResponseLatencyMs)
			},
		},

		"second answer of the same user should be rejected": {
			assert: func(t *testing.T, e *quiz.Engine, _ *fakeClock, roundID string) {
				_, err := e.SubmitAnswer("room", alice, false, roundID, 0)
				require.NoError(t, err)

				_, err = e.SubmitAnswer("room", alice, false, roundID, 1)
				assert.True(t, errors.Is(err, errors.CodeAlreadyExists))

				st, err := e.Snapshot("room")
				require.NoError(t, err)
				assert.Equal(t, 0, st.Round.Submissions["alice"].SelectedOptionIndex)
			},
		},

		"host should not answer": {
			assert: func(t *testing.T, e *quiz.Engine, _ *fakeClock, roundID string) {
				_, err := e.SubmitAnswer("room", host, true, roundID, 1)
				assert.True(t, errors.Is(err, errors.CodePermissionDenied))
			},
		},

		"wrong round id should be rejected": {
			assert: func(t *testing.T, e *quiz.Engine, _ *fakeClock, _ string) {
				_, err := e.SubmitAnswer("room", alice, false, "stale", 1)
				assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
			},
		},

		"answer after the deadline should be rejected": {
			assert: func(t *testing.T, e *quiz.Engine, clock *fakeClock, roundID string) {
				clock.Advance(30*time.Second + time.Millisecond)

				_, err := e.SubmitAnswer("room", alice, false, roundID, 1)
				assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
			},
		},

		"out of range option should be rejected": {
			assert: func(t *testing.T, e *quiz.Engine, _ *fakeClock, roundID string) {
				_, err := e.SubmitAnswer("room", alice, false, roundID, 4)
				assert.True(t, errors.Is(err, errors.CodeInvalidArgument))

				_, err = e.SubmitAnswer("room", alice, false, roundID, -1)
				assert.True(t, errors.Is(err, errors.CodeInvalidArgument))
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e, clock, _ := newEngine(t)
			r, err := e.StartRound("room", "q1")
			require.NoError(t, err)

			tt.assert(t, e, clock, r.RoundID)
		})
	}
}

func TestEngine_CloseRound(t *testing.T) {
	t.Parallel()

	e, clock, _ := newEngine(t)

	r, err := e.StartRound("room", "q1")
	require.NoError(t, err)

	_, err = e.SubmitAnswer("room", alice, false, r.RoundID, 1)
	require.NoError(t, err)
	clock.Advance(15 * time.Second)
	_, err = e.SubmitAnswer("room", bob, false, r.RoundID, 1)
	require.NoError(t, err)

	closed, ok, err := e.CloseRound(context.Background(), "room", "", domain.CloseTriggerHost)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, clock.timer(0).stopped)
	assert.Equal(t, domain.CloseTriggerHost, closed.Summary.Trigger)
	assert.Equal(t, 1, closed.Summary.CorrectOptionIndex)
	require.Len(t, closed.Summary.Results, 2)
	assert.Equal(t, "alice", closed.Summary.Results[0].UserID)
	assert.Equal(t, 200, closed.Summary.Results[0].Score)
	assert.Equal(t, 150, closed.Summary.Results[1].Score)

	require.Len(t, closed.Leaderboard, 2)
	assert.Equal(t, "alice", closed.Leaderboard[0].UserID)
	assert.Len(t, closed.Top, 2)

	// Closing again is a no-op.
	_, ok, err = e.CloseRound(context.Background(), "room", "", domain.CloseTriggerHost)
	require.NoError(t, err)
	assert.False(t, ok)

	// A new round starts once the previous one closed, and scores accumulate.
	r2, err := e.StartRound("room", "q2")
	require.NoError(t, err)
	_, err = e.SubmitAnswer("room", bob, false, r2.RoundID, 1)
	require.NoError(t, err)
	_, err = e.SubmitAnswer("room", alice, false, r2.RoundID, 0)
	require.NoError(t, err)

	closed, ok, err = e.CloseRound(context.Background(), "room", r2.RoundID, domain.CloseTriggerHost)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "bob", closed.Leaderboard[0].UserID)
	assert.Equal(t, 350, closed.Leaderboard[0].Score)
	assert.Equal(t, 200, closed.Leaderboard[1].Score)

	st, err := e.Snapshot("room")
	require.NoError(t, err)
	assert.Nil(t, st.Round)
	assert.Len(t, st.History, 2)
}

func TestEngine_TimeoutClosesRound(t *testing.T) {
	t.Parallel()

	e, clock, _ := newEngine(t)

	r, err := e.StartRound("room", "q1")
	require.NoError(t, err)

	clock.Advance(31 * time.Second)
	clock.timer(0).f()

	st, err := e.Snapshot("room")
	require.NoError(t, err)
	assert.Nil(t, st.Round)
	require.Len(t, st.History, 1)
	assert.Equal(t, r.RoundID, st.History[0].RoundID)
	assert.Equal(t, domain.CloseTriggerTimeout, st.History[0].Trigger)
}

func TestEngine_StaleTimerDoesNotCloseLaterRound(t *testing.T) {
	t.Parallel()

	e, clock, _ := newEngine(t)

	_, err := e.StartRound("room", "q1")
	require.NoError(t, err)
	_, ok, err := e.CloseRound(context.Background(), "room", "", domain.CloseTriggerHost)
	require.NoError(t, err)
	require.True(t, ok)

	r2, err := e.StartRound("room", "q2")
	require.NoError(t, err)

	// The first round's timer fires late anyway.
	clock.timer(0).f()

	st, err := e.Snapshot("room")
	require.NoError(t, err)
	require.NotNil(t, st.Round)
	assert.Equal(t, r2.RoundID, st.Round.RoundID)
}

func TestEngine_OnExpire(t *testing.T) {
	t.Parallel()

	e, clock, _ := newEngine(t)

	var gotRoom, gotRound string
	e.OnExpire(func(roomID, roundID string) {
		gotRoom, gotRound = roomID, roundID
	})

	r, err := e.StartRound("room", "q1")
	require.NoError(t, err)

	clock.timer(0).f()

	assert.Equal(t, "room", gotRoom)
	assert.Equal(t, r.RoundID, gotRound)

	// The handler decides when to close; the round is still live.
	st, err := e.Snapshot("room")
	require.NoError(t, err)
	assert.NotNil(t, st.Round)
}

func TestEngine_Evict(t *testing.T) {
	t.Parallel()

	e, clock, store := newEngine(t)

	_, err := e.StartRound("room", "q1")
	require.NoError(t, err)

	e.Evict(context.Background(), "room")

	assert.True(t, clock.timer(0).stopped)
	assert.Equal(t, 1, store.count())
	assert.False(t, e.Loaded("room"))

	_, err = e.Snapshot("room")
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestEngine_StopTimers(t *testing.T) {
	t.Parallel()

	e, clock, _ := newEngine(t)

	_, err := e.StartRound("room", "q1")
	require.NoError(t, err)

	e.StopTimers()

	assert.True(t, clock.timer(0).stopped)
	s, err := e.Snapshot("room")
	require.NoError(t, err)
	assert.NotNil(t, s.Round, "the round stays live")
}

func TestEngine_HydrateKeepsLeaderboard(t *testing.T) {
	t.Parallel()

	e := quiz.NewEngine(quiz.Config{})
	st := e.Hydrate("room", domain.QuizSnapshot{
		Leaderboard: []domain.LeaderboardEntry{
			{UserID: "a", Score: 100},
			{UserID: "b", Score: 300},
		},
		ActiveRound: &domain.RoundDescriptor{RoundID: "old"},
	})

	require.Len(t, st.Leaderboard, 2)
	assert.Equal(t, "b", st.Leaderboard[0].UserID)
	assert.Nil(t, st.Round)
}

func TestEngine_PersistFailure(t *testing.T) {
	tests := map[string]struct {
		assert func(t *testing.T, e *quiz.Engine, store *fakeStore)
	}{
		"next flush should write the unsaved bank": {
			assert: func(t *testing.T, e *quiz.Engine, store *fakeStore) {
				require.NoError(t, e.Flush(context.Background(), "room"))
				require.Equal(t, 1, store.count())
				assert.Len(t, store.last().Bank, 2)
			},
		},

		"next change should write the latest state": {
			assert: func(t *testing.T, e *quiz.Engine, store *fakeStore) {
				_, err := e.AddQuestion("room", question("q3"))
				require.NoError(t, err)

				require.NoError(t, e.Flush(context.Background(), "room"))
				require.Equal(t, 1, store.count())
				assert.Len(t, store.last().Bank, 3)
			},
		},

		"evict should write after a failed write": {
			assert: func(t *testing.T, e *quiz.Engine, store *fakeStore) {
				e.Evict(context.Background(), "room")
				assert.Equal(t, 1, store.count())
				assert.False(t, e.Loaded("room"))
			},
		},

		"evict should drop the room even when the final write fails": {
			assert: func(t *testing.T, e *quiz.Engine, store *fakeStore) {
				store.fail(1)
				e.Evict(context.Background(), "room")
				assert.Zero(t, store.count())
				assert.False(t, e.Loaded("room"))
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e, _, store := newEngine(t)
			store.fail(1)

			require.Error(t, e.Flush(context.Background(), "room"))
			require.Zero(t, store.count())

			tt.assert(t, e, store)
		})
	}
}
