// Package leaderboard mirrors the cumulative quiz leaderboard of every room to
// Redis, where it can be read by other processes and outlives the room.
package leaderboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
	"github.com/victornm/liveroom/internal/event"
	"github.com/victornm/liveroom/internal/quiz"
)

const (
	publishInterval  = 200 * time.Millisecond
	defaultRetainFor = 24 * time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// RetainFor is how long the leaderboard of a finalized room is kept.
	RetainFor time.Duration
}

type Service struct {
	eb        *event.Bus
	redis     redis.UniversalClient
	prefix    string
	retainFor time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		eb:        c.EventBus,
		redis:     c.Redis,
		prefix:    c.Prefix,
		retainFor: c.RetainFor,
	}

	if s.retainFor <= 0 {
		s.retainFor = defaultRetainFor
	}

	event.On(s.eb, domain.EventNameQuizRoundClosed, s.UpdateLeaderboard)
	event.On(s.eb, domain.EventNameRoomFinalized, s.RetainLeaderboard)

	return s
}

type GetLeaderboardRequest struct {
	RoomID string
}

// GetLeaderboard returns the ranked leaderboard of a room.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	ids, err := s.redis.ZRevRange(ctx, s.getLeaderboardKey(req.RoomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(ids) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: room=%s", req.RoomID))
	}

	raw, err := s.redis.HMGet(ctx, s.getEntriesKey(req.RoomID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard entries: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			// Mirrored without its details, keep the score only.
			score, err := s.redis.ZScore(ctx, s.getLeaderboardKey(req.RoomID), ids[i]).Result()
			if err != nil {
				return nil, fmt.Errorf("get leaderboard score: %w", err)
			}
			entries = append(entries, domain.LeaderboardEntry{UserID: ids[i], Score: int(score)})
			continue
		}

		var e domain.LeaderboardEntry
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("decode leaderboard entry %s: %w", ids[i], err)
		}
		entries = append(entries, e)
	}

	return &domain.Leaderboard{
		RoomID:  req.RoomID,
		Entries: quiz.Rank(entries),
	}, nil
}

// UpdateLeaderboard overwrites the room's leaderboard with the one after the closed round.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventQuizRoundClosed) error {
	if len(e.Leaderboard) == 0 {
		return nil
	}

	members := make([]redis.Z, 0, len(e.Leaderboard))
	details := make(map[string]any, len(e.Leaderboard))
	for _, entry := range e.Leaderboard {
		b, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode leaderboard entry: %w", err)
		}

		members = append(members, redis.Z{Score: float64(entry.Score), Member: entry.UserID})
		details[entry.UserID] = string(b)
	}

	key, entriesKey := s.getLeaderboardKey(e.RoomID), s.getEntriesKey(e.RoomID)
	if _, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key, entriesKey)
		p.ZAdd(ctx, key, members...)
		p.HSet(ctx, entriesKey, details)
		return nil
	}); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, e.RoomID, e.Summary.ClosedAt)
}

// schedulePublishLeaderboard publishes at most one leaderboard change per room
// and publish interval, across every instance sharing the Redis.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, roomID string, at time.Time) error {
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(roomID), at.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, roomID)
}

func (s *Service) publishLeaderboard(ctx context.Context, roomID string) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{RoomID: roomID})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: room=%s: %w", roomID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

// RetainLeaderboard lets the leaderboard of a finalized room expire.
func (s *Service) RetainLeaderboard(ctx context.Context, e domain.EventRoomFinalized) error {
	if _, err := s.redis.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Expire(ctx, s.getLeaderboardKey(e.RoomID), s.retainFor)
		p.Expire(ctx, s.getEntriesKey(e.RoomID), s.retainFor)
		return nil
	}); err != nil {
		return fmt.Errorf("expire leaderboard: %w", err)
	}

	return nil
}

func (s *Service) getLeaderboardKey(room string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, room)
}

func (s *Service) getEntriesKey(room string) string {
	return fmt.Sprintf("%s:%s:entries", s.prefix, room)
}

func (s *Service) getLeaderboardTimeKey(room string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, room)
}
