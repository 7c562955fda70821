// Package twitchapi implements the Twitch side of the bot: Helix lookups for
// live stream resolution using an app access token, user token refresh, and
// an IRC chat adapter satisfying the platform client contract.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chat-tender/platform"
)

// defaultHelixBase is the production Helix endpoint. Tests point BaseURL at a
// local mock instead.
const defaultHelixBase = "https://api.twitch.tv"

// HelixClient provides the minimal Helix methods the bot needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return defaultHelixBase
}

// statusError maps a non-200 Helix response onto the platform error taxonomy.
func statusError(code int, format string, args ...any) error {
	kind := platform.KindUnknown
	switch {
	case code == http.StatusUnauthorized:
		kind = platform.KindUnauthorized
	case code == http.StatusForbidden:
		kind = platform.KindForbidden
	case code == http.StatusNotFound:
		kind = platform.KindNotFound
	case code == http.StatusTooManyRequests:
		kind = platform.KindQuotaExceeded
	case code == http.StatusBadRequest:
		kind = platform.KindMalformed
	case code >= 500:
		kind = platform.KindTransient
	}
	return platform.NewError(kind, format, args...)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return "", err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/helix/users", nil)
	q := req.URL.Query()
	q.Set("login", login)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := hc.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", statusError(resp.StatusCode, "twitch users request failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", platform.NewError(platform.KindNotFound, "twitch user %s not found", login)
	}
	return body.Data[0].ID, nil
}

// Stream is one row from the Helix streams endpoint.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	Title       string    `json:"title"`
	ViewerCount uint64    `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// GetStream returns the live stream for a channel login, or nil when the
// channel is offline.
func (hc *HelixClient) GetStream(ctx context.Context, login string) (*Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, err
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, hc.base()+"/helix/streams", nil)
	q := req.URL.Query()
	q.Set("user_login", login)
	q.Set("first", "1")
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
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, statusError(resp.StatusCode, "twitch streams request failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}
