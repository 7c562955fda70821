// Package youtubeapi implements the YouTube side of the bot behind the
// platform client contract: OAuth2 user credentials persisted through a
// TokenStore, live stream resolution, and live chat polling and posting. A
// shared rate limiter paces every API call; a stream search costs two orders
// of magnitude more quota than a video lookup, so resolved streams are cached
// and re-verified with the cheap call until ClearCache.
package youtubeapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/chat-tender/platform"
)

const provider = "youtube"

// tokenFreshness is the remaining lifetime under which the cached credential
// is refreshed before use.
const tokenFreshness = 2 * time.Minute

// TokenStore persists the user OAuth token between runs.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error)
}

// Config wires a Service.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Scopes is comma or space separated; empty means the live chat scope.
	Scopes string
	// QPS and Burst bound the API call rate. Defaults: 1 and 3.
	QPS   float64
	Burst int

	// Endpoint overrides the API base URL for tests.
	Endpoint string
	// HTTPClient replaces the authenticated client for tests, skipping OAuth.
	HTTPClient *http.Client
}

var _ platform.Client = (*Service)(nil)

// Service is the YouTube platform client.
type Service struct {
	store      TokenStore
	oauth      *oauth2.Config
	limiter    *rate.Limiter
	endpoint   string
	httpClient *http.Client

	mu            sync.Mutex
	token         *oauth2.Token
	cursors       map[string]string // chat id -> next page token
	cachedChannel string
	cachedVideoID string
}

func New(cfg Config, store TokenStore) *Service {
	scopes := []string{"https://www.googleapis.com/auth/youtube.force-ssl"}
	if cfg.Scopes != "" {
		fields := strings.Fields(strings.ReplaceAll(cfg.Scopes, ",", " "))
		if len(fields) > 0 {
			scopes = fields
		}
	}
	qps := cfg.QPS
	if qps <= 0 {
		qps = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 3
	}
	return &Service{
		store: store,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		limiter:    rate.NewLimiter(rate.Limit(qps), burst),
		endpoint:   cfg.Endpoint,
		httpClient: cfg.HTTPClient,
		cursors:    make(map[string]string),
	}
}

// cachedToken returns a credential with at least tokenFreshness left,
// refreshing through the OAuth endpoint and persisting the result when the
// stored one is stale.
func (s *Service) cachedToken(ctx context.Context) (*oauth2.Token, error) {
	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()
	if tok != nil && time.Until(tok.Expiry) > tokenFreshness {
		return tok, nil
	}

	access, refresh, expiry, scope, err := s.store.GetOAuthToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	if access == "" && refresh == "" {
		return nil, platform.NewError(platform.KindUnauthorized, "no youtube token stored")
	}

	t := &oauth2.Token{AccessToken: access, RefreshToken: refresh, Expiry: expiry}
	if time.Until(t.Expiry) <= tokenFreshness {
		newTok, err := s.oauth.TokenSource(ctx, t).Token()
		if err != nil {
			return nil, platform.NewError(platform.KindUnauthorized, "youtube token refresh: %v", err)
		}
		if newTok.RefreshToken == "" {
			newTok.RefreshToken = refresh
		}
		if err := s.store.UpsertOAuthToken(ctx, provider, newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, scope); err != nil {
			slog.Warn("youtube token persist failed",
				slog.String("component", "youtubeapi"),
				slog.Any("err", err))
		}
		t = newTok
	}

	s.mu.Lock()
	s.token = t
	s.mu.Unlock()
	return t, nil
}

// service builds an API client for one call set so every set sees current
// credentials.
func (s *Service) service(ctx context.Context) (*yt.Service, error) {
	var opts []option.ClientOption
	if s.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(s.httpClient))
	} else {
		tok, err := s.cachedToken(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithHTTPClient(s.oauth.Client(ctx, tok)))
	}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	return yt.NewService(ctx, opts...)
}

// ResolveStream reports the channel's current live stream with its chat, or
// nil when none is live. A previously resolved stream is re-verified with a
// video lookup instead of a fresh search.
func (s *Service) ResolveStream(ctx context.Context, channelID string) (*platform.StreamInfo, error) {
	s.mu.Lock()
	cachedID := ""
	if s.cachedChannel == channelID {
		cachedID = s.cachedVideoID
	}
	s.mu.Unlock()

	if cachedID != "" {
		info, err := s.describeLive(ctx, cachedID)
		if err != nil {
			if platform.Classify(err) == platform.KindUnauthorized {
				return nil, err
			}
			slog.Warn("cached stream verify failed",
				slog.String("component", "youtubeapi"),
				slog.String("video_id", cachedID),
				slog.Any("err", err))
		}
		if info != nil {
			return info, nil
		}
		s.mu.Lock()
		if s.cachedVideoID == cachedID {
			s.cachedChannel = ""
			s.cachedVideoID = ""
		}
		s.mu.Unlock()
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	svc, err := s.service(ctx)
	if err != nil {
		return nil, err
	}
	res, err := svc.Search.List([]string{"id"}).
		ChannelId(channelID).
		EventType("live").
		Type("video").
		MaxResults(1).
		Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if len(res.Items) == 0 || res.Items[0].Id == nil || res.Items[0].Id.VideoId == "" {
		return nil, nil
	}
	videoID := res.Items[0].Id.VideoId

	info, err := s.describeLive(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}
	s.mu.Lock()
	s.cachedChannel = channelID
	s.cachedVideoID = videoID
	s.mu.Unlock()
	return info, nil
}

// describeLive looks a video up and returns stream info when it is live with
// an attached chat, nil when it is upcoming, ended, or chatless.
func (s *Service) describeLive(ctx context.Context, videoID string) (*platform.StreamInfo, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	svc, err := s.service(ctx)
	if err != nil {
		return nil, err
	}
	res, err := svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).
		Id(videoID).
		Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if len(res.Items) == 0 {
		return nil, nil
	}
	v := res.Items[0]
	d := v.LiveStreamingDetails
	if d == nil || d.ActualEndTime != "" || d.ActiveLiveChatId == "" {
		return nil, nil
	}
	info := &platform.StreamInfo{StreamID: videoID, ChatID: d.ActiveLiveChatId}
	if v.Snippet != nil {
		info.Title = v.Snippet.Title
	}
	return info, nil
}

// FetchMessages returns the chat messages published since the previous call.
// The first call for a chat primes the page cursor and discards the backlog,
// which predates the session.
func (s *Service) FetchMessages(ctx context.Context, chatID string) ([]platform.RawMessage, time.Duration, error) {
	if chatID == "" {
		return nil, 0, platform.NewError(platform.KindMalformed, "empty chat id")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}
	svc, err := s.service(ctx)
	if err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	cursor, primed := s.cursors[chatID]
	s.mu.Unlock()

	call := svc.LiveChatMessages.List(chatID, []string{"snippet", "authorDetails"}).Context(ctx)
	if cursor != "" {
		call = call.PageToken(cursor)
	}
	res, err := call.Do()
	if err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	s.cursors[chatID] = res.NextPageToken
	s.mu.Unlock()

	wait := time.Duration(res.PollingIntervalMillis) * time.Millisecond
	if !primed {
		return nil, wait, nil
	}

	msgs := make([]platform.RawMessage, 0, len(res.Items))
	for _, item := range res.Items {
		if item.Snippet == nil {
			continue
		}
		m := platform.RawMessage{ID: item.Id, Text: item.Snippet.DisplayMessage}
		if item.AuthorDetails != nil {
			m.AuthorID = item.AuthorDetails.ChannelId
			m.AuthorName = item.AuthorDetails.DisplayName
		}
		if ts, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
			m.PublishedAt = ts
		}
		msgs = append(msgs, m)
	}
	return msgs, wait, nil
}

// PostMessage sends text into the live chat and returns the new message id.
func (s *Service) PostMessage(ctx context.Context, chatID, text string) (string, error) {
	if chatID == "" {
		return "", platform.NewError(platform.KindMalformed, "empty chat id")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}
	svc, err := s.service(ctx)
	if err != nil {
		return "", err
	}
	msg := &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId: chatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}
	res, err := svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return res.Id, nil
}

// StreamMetadata refreshes title, viewer count, and the active chat id. A
// missing or finished broadcast is reported as not found, which monitoring
// treats as the stream ending.
func (s *Service) StreamMetadata(ctx context.Context, streamID string) (*platform.Metadata, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	svc, err := s.service(ctx)
	if err != nil {
		return nil, err
	}
	res, err := svc.Videos.List([]string{"snippet", "liveStreamingDetails"}).
		Id(streamID).
		Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	if len(res.Items) == 0 {
		return nil, platform.NewError(platform.KindNotFound, "video %s not found", streamID)
	}
	v := res.Items[0]
	d := v.LiveStreamingDetails
	if d == nil || d.ActualEndTime != "" {
		return nil, platform.NewError(platform.KindNotFound, "stream %s is no longer live", streamID)
	}
	meta := &platform.Metadata{
		ViewerCount:  d.ConcurrentViewers,
		ActiveChatID: d.ActiveLiveChatId,
	}
	if v.Snippet != nil {
		meta.Title = v.Snippet.Title
	}
	return meta, nil
}

// InvalidateCredentials drops the cached token so the next call re-reads the
// store, picking up anything the background refresher wrote meanwhile.
func (s *Service) InvalidateCredentials() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}

// ClearCache discards the resolved stream and every chat page cursor.
func (s *Service) ClearCache() {
	s.mu.Lock()
	s.cachedChannel = ""
	s.cachedVideoID = ""
	s.cursors = make(map[string]string)
	s.mu.Unlock()
}
