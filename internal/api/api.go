package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
	"github.com/victornm/liveroom/internal/event"
	"github.com/victornm/liveroom/internal/identity"
	"github.com/victornm/liveroom/internal/leaderboard"
)

type Config struct {
	Engine       gin.IRouter
	EventBus     *event.Bus
	Verifier     identity.Verifier
	Hub          http.Handler
	Leaderboard  *leaderboard.Service
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	verifier identity.Verifier
	hub      http.Handler
	ls       *leaderboard.Service

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		verifier: c.Verifier,
		hub:      c.Hub,
		ls:       c.Leaderboard,
		redis:    c.Redis,
		prefix:   c.PubsubPrefix,
	}

	// HTTP APIs
	c.Engine.GET("/ws", gin.WrapH(a.hub))
	c.Engine.GET("/rooms/:roomID/leaderboard", a.authenticate, a.GetLeaderboard)

	// Register event handlers
	event.On(c.EventBus, domain.EventNameLeaderboardUpdated, a.PublishLeaderboardUpdated)

	return a
}

func (a *API) authenticate(c *gin.Context) {
	if _, err := a.verifier.Verify(c.Request.Context(), identity.TokenFromRequest(c.Request)); err != nil {
		abort(c, err)
		return
	}
	c.Next()
}

func (a *API) GetLeaderboard(c *gin.Context) {
	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		RoomID: c.Param("roomID"),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, newLeaderboard(*l))
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if !e.Public() {
		_ = c.Error(err)
		c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"code": e.Name(), "message": "internal error"})
		return
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"code": e.Name(), "message": e.Message})
}
