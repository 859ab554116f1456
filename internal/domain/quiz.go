package domain

import "time"

type RoundStatus string

const (
	RoundStatusLive   RoundStatus = "live"
	RoundStatusClosed RoundStatus = "closed"
)

// CloseTrigger tells why a round was closed.
type CloseTrigger string

const (
	CloseTriggerHost    CloseTrigger = "host"
	CloseTriggerTimeout CloseTrigger = "timeout"
)

type Question struct {
	QuestionID         string   `json:"id"`
	Prompt             string   `json:"prompt"`
	Options            []string `json:"options"`
	CorrectOptionIndex int      `json:"correctOptionIndex"`
	TimeLimitSeconds   int      `json:"timeLimitSec"`
	Explanation        string   `json:"explanation"`
}

func (q Question) Duration() time.Duration {
	return time.Duration(q.TimeLimitSeconds) * time.Second
}

type Submission struct {
	UserID              string    `json:"userId"`
	Name                string    `json:"name"`
	SelectedOptionIndex int       `json:"selectedOptionIndex"`
	SubmittedAt         time.Time `json:"submittedAt"`
	ResponseLatencyMs   int64     `json:"responseLatencyMs"`
	IsCorrect           bool      `json:"isCorrect"`
}

// Round is one timed instance of a bank question.
type Round struct {
	RoundID     string
	Question    Question
	StartedAt   time.Time
	EndsAt      time.Time
	Status      RoundStatus
	Submissions map[string]Submission
}

// LeaderboardEntry is the cumulative standing of one participant in a room.
type LeaderboardEntry struct {
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	Score        int    `json:"score"`
	CorrectCount int    `json:"correctCount"`
	// AvgCorrectLatencyMs is the running average latency over correct answers only.
	AvgCorrectLatencyMs float64   `json:"avgCorrectLatencyMs"`
	LastCorrectAt       time.Time `json:"lastCorrectAt"`
}

type RoundResult struct {
	UserID              string `json:"userId"`
	Name                string `json:"name"`
	SelectedOptionIndex int    `json:"selectedOptionIndex"`
	IsCorrect           bool   `json:"isCorrect"`
	Score               int    `json:"score"`
	ResponseLatencyMs   int64  `json:"responseLatencyMs"`
}

type RoundSummary struct {
	RoundID            string        `json:"roundId"`
	QuestionID         string        `json:"questionId"`
	Prompt             string        `json:"prompt"`
	CorrectOptionIndex int           `json:"correctOptionIndex"`
	Explanation        string        `json:"explanation"`
	StartedAt          time.Time     `json:"startedAt"`
	EndsAt             time.Time     `json:"endsAt"`
	ClosedAt           time.Time     `json:"closedAt"`
	Trigger            CloseTrigger  `json:"trigger"`
	Results            []RoundResult `json:"results"`
}

// RoundDescriptor is the last known live round as persisted. It may be stale.
type RoundDescriptor struct {
	RoundID    string    `json:"roundId"`
	QuestionID string    `json:"questionId"`
	StartedAt  time.Time `json:"startedAt"`
	EndsAt     time.Time `json:"endsAt"`
}

// QuizSnapshot is the durable form of a room's quiz state.
type QuizSnapshot struct {
	Bank        []Question         `json:"bank"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	History     []RoundSummary     `json:"history"`
	ActiveRound *RoundDescriptor   `json:"activeRound,omitempty"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}
