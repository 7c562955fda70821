package twitchapi

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chat-tender/platform"
)

const (
	// messageBuffer bounds inbound IRC messages held between polls. The
	// oldest message is dropped when a poll gap outlasts the buffer.
	messageBuffer = 512
	// ircPollInterval is the suggested wait between buffer drains.
	ircPollInterval = 2 * time.Second
	// connectTimeout caps how long a poll waits for the IRC welcome.
	connectTimeout = 10 * time.Second
)

// TokenStore provides the stored user token for IRC auth.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error)
}

// ChatConfig wires a ChatClient.
type ChatConfig struct {
	// Channel is the broadcaster login whose chat the bot joins.
	Channel string
	// Username is the bot account login.
	Username string
	// OAuthToken is a static user token (with or without the oauth: prefix).
	// When set it takes precedence over the Tokens store.
	OAuthToken string
	// Tokens looks up the stored "twitch" user token when OAuthToken is empty.
	Tokens TokenStore
	// Helix resolves live streams and metadata.
	Helix *HelixClient
}

var _ platform.Client = (*ChatClient)(nil)

// ChatClient adapts Twitch to the polling platform client contract. IRC
// pushes messages which land in a bounded buffer; FetchMessages drains it.
// Stream resolution and metadata go through Helix.
type ChatClient struct {
	channel  string
	username string
	static   string
	tokens   TokenStore
	helix    *HelixClient

	mu        sync.Mutex
	irc       *twitch.Client
	connected bool
	buf       []platform.RawMessage
	dropped   int
}

func NewChatClient(cfg ChatConfig) *ChatClient {
	return &ChatClient{
		channel:  strings.ToLower(strings.TrimSpace(cfg.Channel)),
		username: strings.ToLower(strings.TrimSpace(cfg.Username)),
		static:   cfg.OAuthToken,
		tokens:   cfg.Tokens,
		helix:    cfg.Helix,
	}
}

// ircToken normalizes a stored token into the oauth: form IRC expects.
func ircToken(tok string) string {
	if tok == "" || strings.HasPrefix(tok, "oauth:") {
		return tok
	}
	return "oauth:" + tok
}

func (c *ChatClient) token(ctx context.Context) (string, error) {
	if c.static != "" {
		return ircToken(c.static), nil
	}
	if c.tokens == nil {
		return "", platform.NewError(platform.KindUnauthorized, "no twitch chat token configured")
	}
	access, _, _, _, err := c.tokens.GetOAuthToken(ctx, "twitch")
	if err != nil {
		return "", err
	}
	if access == "" {
		return "", platform.NewError(platform.KindUnauthorized, "no twitch user token stored")
	}
	return ircToken(access), nil
}

// ResolveStream reports the live stream for the channel, or nil when offline.
func (c *ChatClient) ResolveStream(ctx context.Context, channelID string) (*platform.StreamInfo, error) {
	login := strings.ToLower(strings.TrimSpace(channelID))
	if login == "" {
		login = c.channel
	}
	s, err := c.helix.GetStream(ctx, login)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	return &platform.StreamInfo{StreamID: s.ID, ChatID: login, Title: s.Title}, nil
}

// FetchMessages drains the push buffer. The returned interval paces callers
// so drains stay cheap without busy-looping on an idle chat.
func (c *ChatClient) FetchMessages(ctx context.Context, chatID string) ([]platform.RawMessage, time.Duration, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, ircPollInterval, err
	}
	c.mu.Lock()
	msgs := c.buf
	c.buf = nil
	dropped := c.dropped
	c.dropped = 0
	c.mu.Unlock()
	if dropped > 0 {
		slog.Warn("irc buffer overflow dropped messages",
			slog.String("component", "twitchapi"),
			slog.String("channel", c.channel),
			slog.Int("dropped", dropped))
	}
	return msgs, ircPollInterval, nil
}

// PostMessage sends text to the joined channel. IRC assigns no message id,
// so the returned id is empty on success.
func (c *ChatClient) PostMessage(ctx context.Context, chatID, text string) (string, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	irc := c.irc
	c.mu.Unlock()
	if irc == nil {
		return "", platform.NewError(platform.KindTransient, "twitch irc not connected")
	}
	irc.Say(c.channel, text)
	return "", nil
}

// StreamMetadata re-resolves the channel. A missing or different live stream
// means the monitored one ended, which is reported as not found.
func (c *ChatClient) StreamMetadata(ctx context.Context, streamID string) (*platform.Metadata, error) {
	s, err := c.helix.GetStream(ctx, c.channel)
	if err != nil {
		return nil, err
	}
	if s == nil || s.ID != streamID {
		return nil, platform.NewError(platform.KindNotFound, "stream %s is no longer live", streamID)
	}
	return &platform.Metadata{Title: s.Title, ViewerCount: s.ViewerCount, ActiveChatID: c.channel}, nil
}

// InvalidateCredentials disconnects IRC and drops the cached app token so the
// next call re-authenticates from the backing store.
func (c *ChatClient) InvalidateCredentials() {
	c.Close()
	if c.helix != nil && c.helix.AppTokenSource != nil {
		c.helix.AppTokenSource.Invalidate()
	}
}

// ClearCache discards buffered messages left over from an ended session.
func (c *ChatClient) ClearCache() {
	c.mu.Lock()
	c.buf = nil
	c.dropped = 0
	c.mu.Unlock()
}

// Close disconnects the IRC session if one is open.
func (c *ChatClient) Close() {
	c.mu.Lock()
	irc := c.irc
	c.irc = nil
	c.connected = false
	c.mu.Unlock()
	if irc != nil {
		if err := irc.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
			slog.Warn("twitch irc disconnect", slog.String("component", "twitchapi"), slog.Any("err", err))
		}
	}
}

func (c *ChatClient) push(m platform.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) >= messageBuffer {
		c.buf = c.buf[1:]
		c.dropped++
	}
	c.buf = append(c.buf, m)
}

// ensureConnected dials IRC on first use and after disconnects. It waits for
// the server welcome so a following Say does not race the login.
func (c *ChatClient) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.connected && c.irc != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.connected && c.irc != nil {
		c.mu.Unlock()
		return nil
	}
	irc := twitch.NewClient(c.username, tok)
	ready := make(chan struct{})
	var readyOnce sync.Once
	irc.OnConnect(func() {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		readyOnce.Do(func() { close(ready) })
	})
	irc.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		c.push(platform.RawMessage{
			ID:          msg.ID,
			AuthorID:    msg.User.ID,
			AuthorName:  msg.User.Name,
			Text:        msg.Message,
			PublishedAt: msg.Time,
		})
	})
	irc.Join(c.channel)
	c.irc = irc
	c.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		err := irc.Connect()
		c.mu.Lock()
		if c.irc == irc {
			c.irc = nil
			c.connected = false
		}
		c.mu.Unlock()
		errc <- err
		if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			slog.Warn("twitch irc connection closed",
				slog.String("component", "twitchapi"),
				slog.String("channel", c.channel),
				slog.Any("err", err))
		}
	}()

	select {
	case <-ready:
		return nil
	case err := <-errc:
		if errors.Is(err, twitch.ErrLoginAuthenticationFailed) {
			return platform.NewError(platform.KindUnauthorized, "twitch irc login failed")
		}
		return platform.NewError(platform.KindTransient, "twitch irc connect: %v", err)
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case <-time.After(connectTimeout):
		c.Close()
		return platform.NewError(platform.KindTransient, "twitch irc connect timed out")
	}
}
