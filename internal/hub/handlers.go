package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/victornm/liveroom/internal/access"
	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
	"github.com/victornm/liveroom/internal/quiz"
)

const (
	maxLanguageLength = 32
	maxReasonLength   = 200
	settingsTimeout   = 5 * time.Second
)

// authorize checks that the connection joined the room and is still a member.
func (r *Router) authorize(ctx context.Context, c *Conn, roomID string) (access.Entry, error) {
	if roomID == "" {
		return access.Entry{}, errors.InvalidArgument("roomId is required")
	}
	if !c.joined(roomID) {
		return access.Entry{}, errors.PermissionDenied("join room %s first", roomID)
	}

	return c.access.Authorize(ctx, roomID)
}

func (r *Router) authorizeHost(ctx context.Context, c *Conn, roomID, action string) (access.Entry, error) {
	e, err := r.authorize(ctx, c, roomID)
	if err != nil {
		return access.Entry{}, err
	}
	if !e.IsHost() {
		return access.Entry{}, errors.PermissionDenied("only the host can %s", action)
	}

	return e, nil
}

func (r *Router) joinRoom(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p roomPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.RoomID == "" {
		return errors.InvalidArgument("roomId is required")
	}

	entry, err := c.access.Authorize(ctx, p.RoomID)
	if err != nil {
		return err
	}

	first, err := r.rooms.Join(ctx, p.RoomID, c.id)
	if err != nil {
		return err
	}

	// The first connection hydrates the room. Its record must be read after
	// the join, since the room may have been completed while it was loading.
	if first {
		c.access.Invalidate(p.RoomID)
		if entry, err = c.access.Authorize(ctx, p.RoomID); err != nil {
			r.rooms.Abort(p.RoomID, c.id)
			return err
		}
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	wb := r.wb.Hydrate(p.RoomID, entry.Room.Whiteboard)
	qs := r.quiz.Hydrate(p.RoomID, entry.Room.Quiz)
	ctl := r.controls.Hydrate(entry.Room)

	r.register(p.RoomID, c, entry.Role)
	c.join(p.RoomID)

	r.send(c, EventWhiteboardSync, whiteboardSync(wb))
	r.send(c, EventQuizBankLoaded, bank(qs.Bank, entry.IsHost()))
	r.send(c, EventQuizRoundSync, roundSync(qs, entry.User.UserID))
	r.send(c, EventCodeSpaceState, codeSpaceStatePayload{IsOpen: ctl.CodeSpaceOpen})
	r.send(c, EventAntiCheatUpdate, antiCheatUpdatePayload{IsEnabled: ctl.AntiCheatEnabled})
	r.send(c, EventLanguageUpdate, languageUpdatePayload{Language: ctl.Language})

	slog.InfoContext(ctx, "hub: joined room", "room", p.RoomID, "conn", c.id, "role", entry.Role)
	return nil
}

func (r *Router) codeChange(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p codeChangePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if _, err := r.authorize(ctx, c, p.RoomID); err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	r.broadcast(p.RoomID, EventCodeUpdate, codeUpdatePayload{Code: p.Code, SenderConnectionID: c.id}, except(c))
	return nil
}

func (r *Router) languageChange(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p languageChangePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.Language == "" || len(p.Language) > maxLanguageLength {
		return errors.InvalidArgument("language must be 1 to %d characters", maxLanguageLength)
	}
	if _, err := r.authorize(ctx, c, p.RoomID); err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	_, err := r.controls.Update(p.RoomID, func(rc *RoomControls) { rc.Language = p.Language })
	if err == nil {
		r.broadcast(p.RoomID, EventLanguageUpdate, languageUpdatePayload{Language: p.Language}, except(c))
	}
	unlock()
	if err != nil {
		return err
	}

	r.saveSetting(ctx, p.RoomID, "language", func(ctx context.Context) error {
		return r.settings.SetLanguage(ctx, p.RoomID, p.Language)
	})
	return nil
}

func (r *Router) whiteboardChange(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p whiteboardChangePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	e, err := r.authorize(ctx, c, p.RoomID)
	if err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	if !r.wb.CanWrite(p.RoomID, e.IsHost(), e.User.UserID) {
		return errors.PermissionDenied("you do not have write access to the whiteboard")
	}

	update, changed, err := r.wb.ApplyChange(p.RoomID, p.Elements, p.AppState)
	if err != nil || !changed {
		return err
	}

	r.broadcast(p.RoomID, EventWhiteboardUpdate, whiteboardUpdatePayload{
		Elements:           update.Elements,
		AppState:           update.AppState,
		SenderConnectionID: c.id,
	}, nil)
	return nil
}

func (r *Router) toggleWhiteboard(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p togglePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if _, err := r.authorizeHost(ctx, c, p.RoomID, "toggle the whiteboard"); err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	snap, err := r.wb.SetOpen(p.RoomID, p.IsOpen)
	if err != nil {
		return err
	}

	r.broadcast(p.RoomID, EventWhiteboardSync, whiteboardSync(snap), nil)
	return nil
}

func (r *Router) setWriteMode(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p writeModePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if _, err := r.authorizeHost(ctx, c, p.RoomID, "change the whiteboard write mode"); err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	perms, err := r.wb.SetWriteMode(p.RoomID, p.Mode)
	if err != nil {
		return err
	}

	r.broadcastPermissions(p.RoomID, perms.WriteMode, perms.WriterIDs)
	return nil
}

func (r *Router) grantWriter(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p writerPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	e, err := r.authorizeHost(ctx, c, p.RoomID, "grant whiteboard access")
	if err != nil {
		return err
	}
	if !e.Room.IsParticipant(p.UserID) {
		return errors.InvalidArgument("user %q is not a participant of the room", p.UserID)
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	perms, err := r.wb.GrantWriter(p.RoomID, p.UserID)
	if err != nil {
		return err
	}

	r.broadcastPermissions(p.RoomID, perms.WriteMode, perms.WriterIDs)
	return nil
}

func (r *Router) revokeWriter(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p writerPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.UserID == "" {
		return errors.InvalidArgument("userId is required")
	}
	if _, err := r.authorizeHost(ctx, c, p.RoomID, "revoke whiteboard access"); err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	perms, err := r.wb.RevokeWriter(p.RoomID, p.UserID)
	if err != nil {
		return err
	}

	r.broadcastPermissions(p.RoomID, perms.WriteMode, perms.WriterIDs)
	return nil
}

func (r *Router) broadcastPermissions(roomID string, mode domain.WriteMode, writerIDs []string) {
	r.broadcast(roomID, EventWhiteboardPermissionsUpdated, permissionsPayload{
		WriteMode: mode,
		WriterIDs: writerIDs,
	}, nil)
}

func (r *Router) quizUpload(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p quizUploadPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if _, err := r.authorizeHost(ctx, c, p.RoomID, "upload a quiz"); err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	questions, err := r.quiz.UploadBank(p.RoomID, p.QuizJSON)
	if err != nil {
		return err
	}

	r.broadcastBank(p.RoomID, questions)
	return nil
}

func (r *Router) quizAddQuestion(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p quizAddQuestionPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if _, err := r.authorizeHost(ctx, c, p.RoomID, "add a question"); err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	questions, err := r.quiz.AddQuestion(p.RoomID, p.Question)
	if err != nil {
		return err
	}

	r.broadcastBank(p.RoomID, questions)
	return nil
}

// broadcastBank sends the answers to the host only.
func (r *Router) broadcastBank(roomID string, questions []domain.Question) {
	r.broadcast(roomID, EventQuizBankLoaded, bank(questions, true), hosts)
	r.broadcast(roomID, EventQuizBankLoaded, bank(questions, false), participants)
}

func (r *Router) quizStartRound(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p quizStartRoundPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.QuestionID == "" {
		return errors.InvalidArgument("questionId is required")
	}
	if _, err := r.authorizeHost(ctx, c, p.RoomID, "start a round"); err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	round, err := r.quiz.StartRound(p.RoomID, p.QuestionID)
	if err != nil {
		return err
	}

	r.broadcast(p.RoomID, EventQuizRoundStarted, roundStarted(round), nil)
	return nil
}

func (r *Router) quizSubmitAnswer(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p quizSubmitAnswerPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if p.RoundID == "" {
		return errors.InvalidArgument("roundId is required")
	}
	if p.SelectedOptionIndex == nil {
		return errors.InvalidArgument("selectedOptionIndex is required")
	}
	e, err := r.authorize(ctx, c, p.RoomID)
	if err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	s, err := r.quiz.SubmitAnswer(p.RoomID, e.User, e.IsHost(), p.RoundID, *p.SelectedOptionIndex)
	if err != nil {
		return err
	}

	r.send(c, EventQuizAnswerAccepted, answerAccepted(p.RoundID, s))
	return nil
}

func (r *Router) quizEndRound(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p roomPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if _, err := r.authorizeHost(ctx, c, p.RoomID, "end a round"); err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	closed, ok, err := r.quiz.CloseRound(ctx, p.RoomID, "", domain.CloseTriggerHost)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Conflict("no round is live")
	}

	r.broadcastClosed(p.RoomID, closed)
	return nil
}

func (r *Router) broadcastClosed(roomID string, closed quiz.Closed) {
	r.broadcast(roomID, EventQuizRoundClosed, roundClosed(closed.Summary), nil)
	r.broadcast(roomID, EventQuizLeaderboardUpdated, leaderboardPayload{
		Leaderboard: closed.Leaderboard,
		Top3:        closed.Top,
	}, nil)
}

func (r *Router) toggleCodeSpace(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p togglePayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if _, err := r.authorizeHost(ctx, c, p.RoomID, "toggle the code space"); err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	_, err := r.controls.Update(p.RoomID, func(rc *RoomControls) { rc.CodeSpaceOpen = p.IsOpen })
	if err == nil {
		r.broadcast(p.RoomID, EventCodeSpaceState, codeSpaceStatePayload{IsOpen: p.IsOpen}, nil)
	}
	unlock()
	if err != nil {
		return err
	}

	r.saveSetting(ctx, p.RoomID, "code space", func(ctx context.Context) error {
		return r.settings.SetCodeSpaceOpen(ctx, p.RoomID, p.IsOpen)
	})
	return nil
}

func (r *Router) toggleAntiCheat(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p antiCheatPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if _, err := r.authorizeHost(ctx, c, p.RoomID, "toggle anti-cheat"); err != nil {
		return err
	}

	unlock := r.lock(p.RoomID)
	_, err := r.controls.Update(p.RoomID, func(rc *RoomControls) { rc.AntiCheatEnabled = p.IsEnabled })
	if err == nil {
		r.broadcast(p.RoomID, EventAntiCheatUpdate, antiCheatUpdatePayload{IsEnabled: p.IsEnabled}, nil)
	}
	unlock()
	if err != nil {
		return err
	}

	r.saveSetting(ctx, p.RoomID, "anti-cheat", func(ctx context.Context) error {
		return r.settings.SetAntiCheat(ctx, p.RoomID, p.IsEnabled)
	})
	return nil
}

// cheatDetected forwards a client-side detection to the host. The reported
// user is always the sender; the userId of the payload is not trusted.
func (r *Router) cheatDetected(ctx context.Context, c *Conn, data json.RawMessage) error {
	var p cheatDetectedPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	e, err := r.authorize(ctx, c, p.RoomID)
	if err != nil {
		return err
	}
	if e.IsHost() {
		return nil
	}

	unlock := r.lock(p.RoomID)
	defer unlock()

	ctl, err := r.controls.Get(p.RoomID)
	if err != nil || !ctl.AntiCheatEnabled {
		return err
	}

	reason := p.Reason
	if utf8.RuneCountInString(reason) > maxReasonLength {
		reason = string([]rune(reason)[:maxReasonLength])
	}

	r.broadcast(p.RoomID, EventCheatAlert, cheatAlertPayload{
		UserID:     e.User.UserID,
		Name:       e.User.Name,
		Reason:     reason,
		DetectedAt: time.Now().UnixMilli(),
	}, hosts)
	return nil
}

// saveSetting writes a host control through to the directory. Failures are
// logged; the in-memory value keeps serving the room.
func (r *Router) saveSetting(ctx context.Context, roomID, name string, save func(ctx context.Context) error) {
	if r.settings == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, settingsTimeout)
	defer cancel()

	if err := save(ctx); err != nil {
		slog.ErrorContext(ctx, "hub: save room setting failed", "room", roomID, "setting", name, "error", err)
	}
}

func bank(questions []domain.Question, withAnswers bool) bankPayload {
	p := bankPayload{Count: len(questions)}
	if withAnswers {
		p.Questions = questions
	}
	return p
}

func roundSync(s quiz.State, userID string) roundSyncPayload {
	p := roundSyncPayload{
		Leaderboard: s.Leaderboard,
		Top3:        quiz.TopN(s.Leaderboard, quiz.TopSize),
	}

	if s.Round != nil {
		started := roundStarted(*s.Round)
		p.ActiveRound = &started

		if sub, ok := s.Round.Submissions[userID]; ok {
			accepted := answerAccepted(s.Round.RoundID, sub)
			p.MySubmission = &accepted
		}
	}

	if n := len(s.History); n > 0 {
		last := roundClosed(s.History[n-1])
		p.LastRound = &last
	}

	return p
}
