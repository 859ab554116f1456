// Package directory is the Postgres-backed room directory: room records,
// their durable whiteboard and quiz snapshots, and the users behind external
// identities.
package directory

import (
	"context"
	_ "embed"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
)

//go:embed schema.sql
var schema string

type Config struct {
	DB *pgxpool.Pool
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(c Config) *Store {
	return &Store{
		db: c.DB,
	}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (domain.Room, error) {
	const stmt = `
SELECT room_id, language, host_id, participants, capacity, status, call_id,
	code_space_open, anti_cheat_enabled, whiteboard, quiz
FROM rooms
WHERE room_id = $1;`

	var (
		r          domain.Room
		whiteboard []byte
		quiz       []byte
		status     string
	)
	err := s.db.QueryRow(ctx, stmt, roomID).Scan(
		&r.RoomID, &r.Language, &r.HostID, &r.Participants, &r.Capacity, &status, &r.CallID,
		&r.CodeSpaceOpen, &r.AntiCheatEnabled, &whiteboard, &quiz,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Room{}, errors.NotFound("room %s not found", roomID)
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("select room: %w", err)
	}
	r.Status = domain.RoomStatus(status)

	if err := decodeSnapshot(whiteboard, &r.Whiteboard); err != nil {
		return domain.Room{}, fmt.Errorf("decode whiteboard of room %s: %w", roomID, err)
	}
	if err := decodeSnapshot(quiz, &r.Quiz); err != nil {
		return domain.Room{}, fmt.Errorf("decode quiz of room %s: %w", roomID, err)
	}

	return r, nil
}

func (s *Store) ResolveUser(ctx context.Context, externalID string) (domain.User, error) {
	const stmt = `SELECT user_id, external_id, name FROM users WHERE external_id = $1;`

	var u domain.User
	err := s.db.QueryRow(ctx, stmt, externalID).Scan(&u.UserID, &u.ExternalID, &u.Name)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, errors.NotFound("user not found")
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("select user: %w", err)
	}

	return u, nil
}

// SaveWhiteboard stores the whiteboard snapshot of an active room.
func (s *Store) SaveWhiteboard(ctx context.Context, roomID string, snap domain.WhiteboardSnapshot) error {
	return s.saveSnapshot(ctx, "whiteboard", roomID, snap)
}

// SaveQuiz stores the quiz snapshot of an active room.
func (s *Store) SaveQuiz(ctx context.Context, roomID string, snap domain.QuizSnapshot) error {
	return s.saveSnapshot(ctx, "quiz", roomID, snap)
}

func (s *Store) saveSnapshot(ctx context.Context, column, roomID string, snap any) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode %s: %w", column, err)
	}

	// column is one of two constants, never user input.
	stmt := fmt.Sprintf(`UPDATE rooms SET %s = $2, update_time = now() WHERE room_id = $1 AND status = 'active';`, column)
	if _, err := s.db.Exec(ctx, stmt, roomID, b); err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}

	return nil
}

// CompleteRoom moves an active room to completed and returns its call id.
// It reports false when the room was not active, so that concurrent callers
// complete a room exactly once.
func (s *Store) CompleteRoom(ctx context.Context, roomID string) (string, bool, error) {
	const stmt = `
UPDATE rooms SET status = 'completed', update_time = now()
WHERE room_id = $1 AND status = 'active'
RETURNING call_id;`

	var callID string
	err := s.db.QueryRow(ctx, stmt, roomID).Scan(&callID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("complete room: %w", err)
	}

	return callID, true, nil
}

func (s *Store) SetLanguage(ctx context.Context, roomID, language string) error {
	return s.setField(ctx, "language", roomID, language)
}

func (s *Store) SetCodeSpaceOpen(ctx context.Context, roomID string, open bool) error {
	return s.setField(ctx, "code_space_open", roomID, open)
}

func (s *Store) SetAntiCheat(ctx context.Context, roomID string, enabled bool) error {
	return s.setField(ctx, "anti_cheat_enabled", roomID, enabled)
}

func (s *Store) setField(ctx context.Context, column, roomID string, value any) error {
	stmt := fmt.Sprintf(`UPDATE rooms SET %s = $2, update_time = now() WHERE room_id = $1 AND status = 'active';`, column)
	if _, err := s.db.Exec(ctx, stmt, roomID, value); err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	return nil
}

func decodeSnapshot(b []byte, v any) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return json.Unmarshal(b, v)
}
