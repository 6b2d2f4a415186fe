// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs
// for stream status, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twitch.tv/helix"

// AppToken yields a bearer token for Helix requests.
type AppToken interface {
	Get(ctx context.Context) (string, error)
}

// HelixClient provides the Helix calls the bot needs.
type HelixClient struct {
	AppTokenSource AppToken
	ClientID       string
	HTTPClient     *http.Client
	BaseURL        string
}

// Stream is a live broadcast as reported by /helix/streams.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	GameName    string    `json:"game_name"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) url(path string) string {
	base := hc.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return strings.TrimRight(base, "/") + path
}

// GetStream returns the live stream for login, or nil when the channel is offline.
func (hc *HelixClient) GetStream(ctx context.Context, login string) (*Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.url("/streams"), nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("user_login", strings.ToLower(login))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("helix streams failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode helix streams: %w", err)
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	s := body.Data[0]
	return &s, nil
}
