package domain

const (
	EventNameRoomFinalized      = "room.finalized"
	EventNameQuizRoundClosed    = "quiz.round.closed"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

// EventRoomFinalized is published once when the last connection left an active
// room and the room was marked completed.
type EventRoomFinalized struct {
	RoomID string
	CallID string
}

func (EventRoomFinalized) Name() string { return EventNameRoomFinalized }

type EventQuizRoundClosed struct {
	RoomID      string
	Summary     RoundSummary
	Leaderboard []LeaderboardEntry
}

func (EventQuizRoundClosed) Name() string { return EventNameQuizRoundClosed }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

// Leaderboard is the ranked cumulative leaderboard of a room, best first.
type Leaderboard struct {
	RoomID  string
	Entries []LeaderboardEntry
}
