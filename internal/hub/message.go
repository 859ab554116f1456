package hub

import (
	"encoding/json"

	"github.com/mitchellh/mapstructure"

	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
)

// Inbound events.
const (
	EventJoinRoom               = "join-room"
	EventCodeChange             = "code-change"
	EventLanguageChange         = "language-change"
	EventWhiteboardChange       = "whiteboard-change"
	EventToggleWhiteboard       = "toggle-whiteboard"
	EventWhiteboardSetWriteMode = "whiteboard-set-write-mode"
	EventWhiteboardGrantWriter  = "whiteboard-grant-writer"
	EventWhiteboardRevokeWriter = "whiteboard-revoke-writer"
	EventQuizUpload             = "quiz-upload"
	EventQuizAddQuestion        = "quiz-add-question"
	EventQuizStartRound         = "quiz-start-round"
	EventQuizSubmitAnswer       = "quiz-submit-answer"
	EventQuizEndRound           = "quiz-end-round"
	EventToggleCodeSpace        = "toggle-code-space"
	EventToggleAntiCheat        = "toggle-anti-cheat"
	EventCheatDetected          = "cheat-detected"
)

// Outbound events.
const (
	EventCodeUpdate                   = "code-update"
	EventLanguageUpdate               = "language-update"
	EventWhiteboardSync               = "whiteboard-sync"
	EventWhiteboardUpdate             = "whiteboard-update"
	EventWhiteboardPermissionsUpdated = "whiteboard-permissions-updated"
	EventWhiteboardWriteDenied        = "whiteboard-write-denied"
	EventQuizBankLoaded               = "quiz-bank-loaded"
	EventQuizRoundSync                = "quiz-round-sync"
	EventQuizRoundStarted             = "quiz-round-started"
	EventQuizAnswerAccepted           = "quiz-answer-accepted"
	EventQuizRoundClosed              = "quiz-round-closed"
	EventQuizLeaderboardUpdated       = "quiz-leaderboard-updated"
	EventQuizError                    = "quiz-error"
	EventAntiCheatUpdate              = "anti-cheat-update"
	EventCheatAlert                   = "cheat-alert"
	EventCodeSpaceState               = "code-space-state"
	EventError                        = "error"
)

// Message is the envelope of every frame in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads. Every room event carries the room id.
type (
	roomPayload struct {
		RoomID string `json:"roomId"`
	}

	codeChangePayload struct {
		RoomID string `json:"roomId"`
		Code   string `json:"code"`
	}

	languageChangePayload struct {
		RoomID   string `json:"roomId"`
		Language string `json:"language"`
	}

	whiteboardChangePayload struct {
		RoomID   string         `json:"roomId"`
		Elements []any          `json:"elements"`
		AppState map[string]any `json:"appState"`
	}

	togglePayload struct {
		RoomID string `json:"roomId"`
		IsOpen bool   `json:"isOpen"`
	}

	writeModePayload struct {
		RoomID string           `json:"roomId"`
		Mode   domain.WriteMode `json:"mode"`
	}

	writerPayload struct {
		RoomID string `json:"roomId"`
		UserID string `json:"userId"`
	}

	quizUploadPayload struct {
		RoomID   string `json:"roomId"`
		QuizJSON any    `json:"quizJson"`
	}

	quizAddQuestionPayload struct {
		RoomID   string `json:"roomId"`
		Question any    `json:"question"`
	}

	quizStartRoundPayload struct {
		RoomID     string `json:"roomId"`
		QuestionID string `json:"questionId"`
	}

	quizSubmitAnswerPayload struct {
		RoomID              string `json:"roomId"`
		RoundID             string `json:"roundId"`
		SelectedOptionIndex *int   `json:"selectedOptionIndex"`
	}

	antiCheatPayload struct {
		RoomID    string `json:"roomId"`
		IsEnabled bool   `json:"isEnabled"`
	}

	cheatDetectedPayload struct {
		RoomID string `json:"roomId"`
		UserID string `json:"userId"`
		Reason string `json:"reason"`
	}
)

// decode turns a loosely typed payload into v. Numbers and booleans sent as
// strings are accepted; a payload that is not an object is rejected.
func decode(data json.RawMessage, v any) error {
	var m map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return errors.InvalidArgument("payload must be an object")
		}
	}

	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           v,
	})
	if err != nil {
		return errors.Internal(err)
	}
	if err := d.Decode(m); err != nil {
		return errors.InvalidArgument("malformed payload")
	}

	return nil
}

// Outbound payloads.
type (
	errorPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}

	codeUpdatePayload struct {
		Code               string `json:"code"`
		SenderConnectionID string `json:"senderConnectionId"`
	}

	languageUpdatePayload struct {
		Language string `json:"language"`
	}

	codeSpaceStatePayload struct {
		IsOpen bool `json:"isOpen"`
	}

	antiCheatUpdatePayload struct {
		IsEnabled bool `json:"isEnabled"`
	}

	cheatAlertPayload struct {
		UserID     string `json:"userId"`
		Name       string `json:"name"`
		Reason     string `json:"reason"`
		DetectedAt int64  `json:"detectedAt"`
	}

	whiteboardSyncPayload struct {
		IsOpen    bool             `json:"isOpen"`
		Elements  []domain.Element `json:"elements"`
		AppState  map[string]any   `json:"appState"`
		WriteMode domain.WriteMode `json:"writeMode"`
		WriterIDs []string         `json:"writerIds"`
	}

	whiteboardUpdatePayload struct {
		Elements           []domain.Element `json:"elements"`
		AppState           map[string]any   `json:"appState"`
		SenderConnectionID string           `json:"senderConnectionId"`
	}

	permissionsPayload struct {
		WriteMode domain.WriteMode `json:"writeMode"`
		WriterIDs []string         `json:"writerIds"`
	}

	bankPayload struct {
		Count int `json:"count"`
		// Questions carries answers and is only sent to the host.
		Questions []domain.Question `json:"questions,omitempty"`
	}

	roundStartedPayload struct {
		RoundID          string   `json:"roundId"`
		QuestionID       string   `json:"questionId"`
		Prompt           string   `json:"prompt"`
		Options          []string `json:"options"`
		TimeLimitSeconds int      `json:"timeLimitSec"`
		StartedAt        int64    `json:"startedAt"`
		EndsAt           int64    `json:"endsAt"`
	}

	answerAcceptedPayload struct {
		RoundID             string `json:"roundId"`
		SelectedOptionIndex int    `json:"selectedOptionIndex"`
		SubmittedAt         int64  `json:"submittedAt"`
		ResponseLatencyMs   int64  `json:"responseLatencyMs"`
	}

	roundClosedPayload struct {
		RoundID            string               `json:"roundId"`
		QuestionID         string               `json:"questionId"`
		Prompt             string               `json:"prompt"`
		CorrectOptionIndex int                  `json:"correctOptionIndex"`
		Explanation        string               `json:"explanation"`
		Trigger            domain.CloseTrigger  `json:"trigger"`
		Results            []domain.RoundResult `json:"results"`
	}

	leaderboardPayload struct {
		Leaderboard []domain.LeaderboardEntry `json:"leaderboard"`
		Top3        []domain.LeaderboardEntry `json:"top3"`
	}

	roundSyncPayload struct {
		ActiveRound  *roundStartedPayload      `json:"activeRound"`
		MySubmission *answerAcceptedPayload    `json:"mySubmission"`
		LastRound    *roundClosedPayload       `json:"lastRound"`
		Leaderboard  []domain.LeaderboardEntry `json:"leaderboard"`
		Top3         []domain.LeaderboardEntry `json:"top3"`
	}
)

func roundStarted(r domain.Round) roundStartedPayload {
	return roundStartedPayload{
		RoundID:          r.RoundID,
		QuestionID:       r.Question.QuestionID,
		Prompt:           r.Question.Prompt,
		Options:          r.Question.Options,
		TimeLimitSeconds: r.Question.TimeLimitSeconds,
		StartedAt:        r.StartedAt.UnixMilli(),
		EndsAt:           r.EndsAt.UnixMilli(),
	}
}

func answerAccepted(roundID string, s domain.Submission) answerAcceptedPayload {
	return answerAcceptedPayload{
		RoundID:             roundID,
		SelectedOptionIndex: s.SelectedOptionIndex,
		SubmittedAt:         s.SubmittedAt.UnixMilli(),
		ResponseLatencyMs:   s.ResponseLatencyMs,
	}
}

func roundClosed(s domain.RoundSummary) roundClosedPayload {
	return roundClosedPayload{
		RoundID:            s.RoundID,
		QuestionID:         s.QuestionID,
		Prompt:             s.Prompt,
		CorrectOptionIndex: s.CorrectOptionIndex,
		Explanation:        s.Explanation,
		Trigger:            s.Trigger,
		Results:            s.Results,
	}
}

func whiteboardSync(s domain.WhiteboardSnapshot) whiteboardSyncPayload {
	elements := s.Elements
	if elements == nil {
		elements = []domain.Element{}
	}

	return whiteboardSyncPayload{
		IsOpen:    s.IsOpen,
		Elements:  elements,
		AppState:  s.AppState,
		WriteMode: s.WriteMode,
		WriterIDs: s.WriterIDs,
	}
}
