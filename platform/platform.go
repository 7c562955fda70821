// Package platform defines the contract between the bot core and a live-stream
// platform: stream resolution, chat polling, message posting, and a shared
// error taxonomy. Concrete implementations live in youtubeapi and twitchapi.
package platform

import (
	"context"
	"time"
)

// RawMessage is one inbound chat message as delivered by the platform,
// before any normalization or filtering.
type RawMessage struct {
	ID          string
	AuthorID    string
	AuthorName  string
	Text        string
	PublishedAt time.Time
}

// StreamInfo identifies a resolved live stream and its attached chat.
type StreamInfo struct {
	StreamID string
	ChatID   string
	Title    string
}

// Metadata is the refreshable per-stream state used for session bookkeeping.
type Metadata struct {
	Title        string
	ViewerCount  uint64
	ActiveChatID string
}

// Client is the platform-side collaborator the bot core talks to. A nil
// StreamInfo with a nil error from ResolveStream means no stream is live;
// callers treat that as a normal empty result, not a failure.
//
// FetchMessages returns the messages published since the previous call for
// the same chat id (implementations keep their own page cursor) together
// with the platform's suggested interval before the next poll.
type Client interface {
	ResolveStream(ctx context.Context, channelID string) (*StreamInfo, error)
	FetchMessages(ctx context.Context, chatID string) ([]RawMessage, time.Duration, error)
	PostMessage(ctx context.Context, chatID, text string) (string, error)
	StreamMetadata(ctx context.Context, streamID string) (*Metadata, error)

	// InvalidateCredentials drops any cached credential so the next call
	// re-authenticates from the backing store.
	InvalidateCredentials()

	// ClearCache discards resolver-side caches (stream lookups, chat page
	// cursors) so a brand-new stream is not masked by stale results.
	ClearCache()
}
