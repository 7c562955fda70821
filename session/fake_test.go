package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onnwee/chat-tender/platform"
)

// fakeClient is a scriptable platform.Client. The bot runs on its own
// goroutine in loop tests, so all state is behind a mutex.
type fakeClient struct {
	mu sync.Mutex

	resolveFn  func(ctx context.Context, channelID string) (*platform.StreamInfo, error)
	fetchFn    func(ctx context.Context, chatID string) ([]platform.RawMessage, time.Duration, error)
	postFn     func(ctx context.Context, chatID, text string) (string, error)
	metadataFn func(ctx context.Context, streamID string) (*platform.Metadata, error)

	resolveCalls  int
	fetchCalls    int
	postCalls     int
	metadataCalls int
	invalidations int
	cacheClears   int
	posted        []string
}

func (c *fakeClient) ResolveStream(ctx context.Context, channelID string) (*platform.StreamInfo, error) {
	c.mu.Lock()
	c.resolveCalls++
	fn := c.resolveFn
	c.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, channelID)
}

func (c *fakeClient) FetchMessages(ctx context.Context, chatID string) ([]platform.RawMessage, time.Duration, error) {
	c.mu.Lock()
	c.fetchCalls++
	fn := c.fetchFn
	c.mu.Unlock()
	if fn == nil {
		return nil, 0, nil
	}
	return fn(ctx, chatID)
}

func (c *fakeClient) PostMessage(ctx context.Context, chatID, text string) (string, error) {
	c.mu.Lock()
	c.postCalls++
	n := c.postCalls
	c.posted = append(c.posted, text)
	fn := c.postFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, chatID, text)
	}
	return fmt.Sprintf("msg-%d", n), nil
}

func (c *fakeClient) StreamMetadata(ctx context.Context, streamID string) (*platform.Metadata, error) {
	c.mu.Lock()
	c.metadataCalls++
	fn := c.metadataFn
	c.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, streamID)
}

func (c *fakeClient) InvalidateCredentials() {
	c.mu.Lock()
	c.invalidations++
	c.mu.Unlock()
}

func (c *fakeClient) ClearCache() {
	c.mu.Lock()
	c.cacheClears++
	c.mu.Unlock()
}

func (c *fakeClient) set(fn func(c *fakeClient)) {
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
}

func (c *fakeClient) snapshot() fakeClientCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fakeClientCounts{
		resolve:       c.resolveCalls,
		fetch:         c.fetchCalls,
		post:          c.postCalls,
		metadata:      c.metadataCalls,
		invalidations: c.invalidations,
		cacheClears:   c.cacheClears,
		posted:        append([]string(nil), c.posted...),
	}
}

type fakeClientCounts struct {
	resolve       int
	fetch         int
	post          int
	metadata      int
	invalidations int
	cacheClears   int
	posted        []string
}
