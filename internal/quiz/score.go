package quiz

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/liveroom/internal/domain"
)

const (
	BasePoints    = 100
	MaxSpeedBonus = 100
)

// Score returns the points of one answer: nothing when wrong, otherwise the
// base points plus a speed bonus proportional to the unused share of the round.
func Score(correct bool, latency, duration time.Duration) int {
	if !correct {
		return 0
	}
	if duration <= 0 {
		return BasePoints
	}

	remaining := max(0, duration-latency)
	bonus := decimal.NewFromInt(remaining.Milliseconds()).
		Mul(decimal.NewFromInt(MaxSpeedBonus)).
		Div(decimal.NewFromInt(duration.Milliseconds())).
		Floor()

	return BasePoints + int(min(bonus.IntPart(), MaxSpeedBonus))
}

// Accumulate merges one round result into the cumulative entry of the user.
func Accumulate(e domain.LeaderboardEntry, r domain.RoundResult, submittedAt time.Time) domain.LeaderboardEntry {
	e.UserID = r.UserID
	if r.Name != "" {
		e.Name = r.Name
	}
	e.Score += r.Score

	if r.IsCorrect {
		e.CorrectCount++
		n := float64(e.CorrectCount)
		e.AvgCorrectLatencyMs += (float64(r.ResponseLatencyMs) - e.AvgCorrectLatencyMs) / n
		e.LastCorrectAt = submittedAt
	}

	return e
}

// CompareEntries orders leaderboard entries best first: higher score, then
// more correct answers, then lower average latency, then the earlier last
// correct answer. The user id settles what remains.
func CompareEntries(a, b domain.LeaderboardEntry) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(b.CorrectCount, a.CorrectCount); c != 0 {
		return c
	}
	if c := cmp.Compare(a.AvgCorrectLatencyMs, b.AvgCorrectLatencyMs); c != 0 {
		return c
	}
	if c := a.LastCorrectAt.Compare(b.LastCorrectAt); c != 0 {
		return c
	}
	return cmp.Compare(a.UserID, b.UserID)
}

func Rank(entries []domain.LeaderboardEntry) []domain.LeaderboardEntry {
	ranked := slices.Clone(entries)
	slices.SortFunc(ranked, CompareEntries)
	return ranked
}

// TopN returns at most n leading entries of a ranked leaderboard.
func TopN(ranked []domain.LeaderboardEntry, n int) []domain.LeaderboardEntry {
	k := min(n, len(ranked))
	return append(make([]domain.LeaderboardEntry, 0, k), ranked[:k]...)
}

func compareResults(a, b domain.RoundResult) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(a.ResponseLatencyMs, b.ResponseLatencyMs); c != 0 {
		return c
	}
	return cmp.Compare(a.UserID, b.UserID)
}
