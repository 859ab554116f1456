// Package provision tears down the video call and chat channel of a room
// through the external provisioning service.
package provision

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/event"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(c Config) *Client {
	hc := c.HTTPClient
	if hc == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: c.BaseURL,
		apiKey:  c.APIKey,
		http:    hc,
	}
}

// Subscribe tears down a room's resources whenever it is finalized.
func (c *Client) Subscribe(b *event.Bus) {
	event.On(b, domain.EventNameRoomFinalized, c.handleRoomFinalized)
}

func (c *Client) handleRoomFinalized(ctx context.Context, e domain.EventRoomFinalized) error {
	if e.CallID == "" {
		return nil
	}

	if err := c.Teardown(ctx, e.CallID); err != nil {
		return fmt.Errorf("teardown room %s: %w", e.RoomID, err)
	}

	slog.InfoContext(ctx, "provision: room resources released", "room", e.RoomID, "call", e.CallID)
	return nil
}

// Teardown deletes the video call and the chat channel of callID. Both are
// attempted even if the first fails. A resource that is already gone counts
// as deleted.
func (c *Client) Teardown(ctx context.Context, callID string) error {
	return stderrors.Join(
		c.delete(ctx, "calls", callID),
		c.delete(ctx, "channels", callID),
	)
}

func (c *Client) delete(ctx context.Context, kind, id string) error {
	u, err := url.JoinPath(c.baseURL, kind, url.PathEscape(id))
	if err != nil {
		return fmt.Errorf("build %s url: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("new %s request: %w", kind, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode < 300 {
		return nil
	}

	return fmt.Errorf("delete %s %s: unexpected status %d", kind, id, resp.StatusCode)
}
