package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chat-tender/platform"
)

type stubTrigger struct {
	mu     sync.Mutex
	fired  bool
	resets int
}

func (s *stubTrigger) Check(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

func (s *stubTrigger) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fired = false
	s.resets++
	return nil
}

func (s *stubTrigger) fire() {
	s.mu.Lock()
	s.fired = true
	s.mu.Unlock()
}

func (s *stubTrigger) resetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

type stubJournal struct {
	mu sync.Mutex
	m  map[string]string
}

func (j *stubJournal) Set(_ context.Context, key, value string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.m == nil {
		j.m = make(map[string]string)
	}
	j.m[key] = value
	return nil
}

func (j *stubJournal) Get(_ context.Context, key string) (string, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, found := j.m[key]
	return v, found, nil
}

func (j *stubJournal) lookup(key string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	v, found := j.m[key]
	return v, found
}

// startBot runs a bot against the fake client and joins it at cleanup. The
// processor triggers on "consciousness" and replies "an answer".
func startBot(t *testing.T, client *fakeClient, clock *clockwork.FakeClock, trigger TriggerChannel, journal Journal, greeting string) *Bot {
	t.Helper()
	throttle := NewThrottle()
	bot := NewBot(BotConfig{
		ChannelID: "chan-1",
		Greeting:  greeting,
		Client:    client,
		Processor: NewProcessor(ProcessorConfig{
			Filter:  NewFilter([]string{"consciousness"}, []string{"bot-self"}),
			Primary: &stubGenerator{reply: "an answer"},
		}),
		Throttle: throttle,
		Sender:   NewSender(client, throttle, clock),
		Trigger:  trigger,
		Journal:  journal,
		Clock:    clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- bot.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("bot did not stop after cancel")
		}
	})
	return bot
}

func liveStream(streamID, chatID string) func(context.Context, string) (*platform.StreamInfo, error) {
	return func(context.Context, string) (*platform.StreamInfo, error) {
		return &platform.StreamInfo{StreamID: streamID, ChatID: chatID, Title: "tuesday stream"}, nil
	}
}

func TestRunImmediateFindSkipsAllSleeps(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := &fakeClient{
		resolveFn:  liveStream("stream-1", "chat-1"),
		metadataFn: activeMetadata("chat-1"),
	}
	bot := startBot(t, client, clock, nil, nil, "")

	// The first clock waiter is the fetch pacing sleep, so resolution,
	// initialization, and the first fetch all ran with no sleep at all.
	clock.BlockUntil(1)
	snap := client.snapshot()
	if snap.resolve != 1 || snap.metadata != 1 || snap.fetch != 1 {
		t.Fatalf("resolve=%d metadata=%d fetch=%d, want 1 each", snap.resolve, snap.metadata, snap.fetch)
	}
	st := bot.Status()
	if st.Phase != "monitoring" || st.StreamID != "stream-1" {
		t.Fatalf("Status = %+v", st)
	}
	if st.Failures != 0 {
		t.Fatalf("Failures = %d, want 0", st.Failures)
	}
}

func TestRunSessionEndEntersQuickCheck(t *testing.T) {
	clock := clockwork.NewFakeClock()
	first := true
	client := &fakeClient{
		metadataFn: activeMetadata("chat-1"),
		fetchFn: func(context.Context, string) ([]platform.RawMessage, time.Duration, error) {
			return nil, 0, platform.NewError(platform.KindNotFound, "chat gone")
		},
	}
	client.resolveFn = func(context.Context, string) (*platform.StreamInfo, error) {
		if first {
			first = false
			return &platform.StreamInfo{StreamID: "stream-1", ChatID: "chat-1"}, nil
		}
		return nil, nil
	}
	journal := &stubJournal{}
	bot := startBot(t, client, clock, nil, journal, "")

	// The vanished chat ends the session; the settle pause is the first
	// waiter, and the loop is back in searching with a clean ladder.
	clock.BlockUntil(1)
	st := bot.Status()
	if st.Phase != "searching" {
		t.Fatalf("Phase = %q, want searching", st.Phase)
	}
	if !st.QuickCheck {
		t.Fatal("session end must arm quick-check mode")
	}
	if st.Failures != 0 {
		t.Fatalf("Failures = %d, want 0 after session end", st.Failures)
	}
	if _, found := journal.lookup(lastSessionEndKey); !found {
		t.Fatal("session end not journaled")
	}
	if client.snapshot().cacheClears != 1 {
		t.Fatal("resolver cache not cleared on session end")
	}

	// Settle is at most 5s, then the quick-check ladder polls at 5s.
	clock.Advance(settleDelay)
	clock.BlockUntil(1)
	if got := client.snapshot().resolve; got != 2 {
		t.Fatalf("resolve calls = %d, want 2 after settle", got)
	}
	clock.Advance(5 * time.Second)
	clock.BlockUntil(1)
	if got := client.snapshot().resolve; got != 3 {
		t.Fatalf("resolve calls = %d, want 3 after first quick-check delay", got)
	}
}

func TestRunReconnectAfterFiveResolveErrors(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := &fakeClient{
		resolveFn: func(context.Context, string) (*platform.StreamInfo, error) {
			return nil, platform.NewError(platform.KindTransient, "connect timeout")
		},
	}
	// A trigger channel is wired (but never fired), selecting the steeper
	// ladder: 30s, 60s, 120s, 120s between the first five attempts.
	bot := startBot(t, client, clock, &stubTrigger{}, nil, "")

	chunks := (30 + 60 + 120 + 120) / 5
	for i := 0; i < chunks; i++ {
		clock.BlockUntil(1)
		clock.Advance(triggerPollInterval)
	}

	// Attempt five failed; credentials and cache must be reset before the
	// sixth attempt, whose wait is now pending.
	clock.BlockUntil(1)
	snap := client.snapshot()
	if snap.resolve != 5 {
		t.Fatalf("resolve calls = %d, want 5", snap.resolve)
	}
	if snap.invalidations != 1 || snap.cacheClears != 1 {
		t.Fatalf("invalidations=%d cacheClears=%d, want 1 each", snap.invalidations, snap.cacheClears)
	}
	if got := bot.Status().Failures; got != 5 {
		t.Fatalf("Failures = %d, want 5", got)
	}
}

func TestRunManualTriggerAbortsWait(t *testing.T) {
	clock := clockwork.NewFakeClock()
	first := true
	client := &fakeClient{metadataFn: activeMetadata("chat-1")}
	client.resolveFn = func(context.Context, string) (*platform.StreamInfo, error) {
		if first {
			first = false
			return nil, nil
		}
		return &platform.StreamInfo{StreamID: "stream-1", ChatID: "chat-1"}, nil
	}
	trigger := &stubTrigger{}
	bot := startBot(t, client, clock, trigger, nil, "")

	// First attempt finds nothing; a 30s wait begins.
	clock.BlockUntil(1)
	if got := client.snapshot().resolve; got != 1 {
		t.Fatalf("resolve calls = %d, want 1", got)
	}

	// Fire the trigger; the next poll slice consumes it and retries
	// immediately instead of waiting out the remaining 25s.
	trigger.fire()
	clock.Advance(triggerPollInterval)
	clock.BlockUntil(1)

	snap := client.snapshot()
	if snap.resolve != 2 {
		t.Fatalf("resolve calls = %d, want 2 right after trigger", snap.resolve)
	}
	if trigger.resetCount() != 1 {
		t.Fatalf("trigger resets = %d, want 1", trigger.resetCount())
	}
	if st := bot.Status(); st.Phase != "monitoring" {
		t.Fatalf("Phase = %q, want monitoring", st.Phase)
	}
}

func TestRunAuthLossForcesReconnectAndExtraBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := &fakeClient{
		resolveFn:  liveStream("stream-1", "chat-1"),
		metadataFn: activeMetadata("chat-1"),
		fetchFn: func(context.Context, string) ([]platform.RawMessage, time.Duration, error) {
			return nil, 0, platform.NewError(platform.KindUnauthorized, "token expired")
		},
	}
	bot := startBot(t, client, clock, nil, nil, "")

	// The 401 ends monitoring: credentials and cache are reset, and one
	// full backoff cycle runs before the next resolution attempt.
	clock.BlockUntil(1)
	snap := client.snapshot()
	if snap.invalidations != 1 || snap.cacheClears != 1 {
		t.Fatalf("invalidations=%d cacheClears=%d, want 1 each", snap.invalidations, snap.cacheClears)
	}
	if snap.resolve != 1 {
		t.Fatalf("resolve calls = %d, want 1 while the extra cycle waits", snap.resolve)
	}
	st := bot.Status()
	if st.Phase != "searching" {
		t.Fatalf("Phase = %q, want searching", st.Phase)
	}
	if st.QuickCheck {
		t.Fatal("auth loss must not arm quick-check mode")
	}
}

func TestRunInitFailureBacksOff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := &fakeClient{
		resolveFn:  liveStream("stream-1", "chat-1"),
		metadataFn: activeMetadata(""),
	}
	bot := startBot(t, client, clock, nil, nil, "")

	clock.BlockUntil(1)
	snap := client.snapshot()
	if snap.metadata != 1 || snap.fetch != 0 {
		t.Fatalf("metadata=%d fetch=%d, want 1 and 0", snap.metadata, snap.fetch)
	}
	st := bot.Status()
	if st.Phase != "searching" || st.Failures != 1 {
		t.Fatalf("Status = %+v, want searching with one failure", st)
	}
}

func TestRunGreetingPostsDirectly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := &fakeClient{
		resolveFn:  liveStream("stream-1", "chat-1"),
		metadataFn: activeMetadata("chat-1"),
	}
	startBot(t, client, clock, nil, nil, "hello chat")

	// Pre-delay, then the direct post, then the post-delay.
	clock.BlockUntil(1)
	if client.snapshot().post != 0 {
		t.Fatal("greeting posted before its pre-delay")
	}
	clock.Advance(greetingPreDelayMax)
	clock.BlockUntil(1)
	snap := client.snapshot()
	if snap.post != 1 || snap.posted[0] != "hello chat" {
		t.Fatalf("posts = %d %v", snap.post, snap.posted)
	}
	clock.Advance(greetingPostDelayMax)
	clock.BlockUntil(1)
	if got := client.snapshot().fetch; got == 0 {
		t.Fatal("monitoring never started fetching after the greeting")
	}
}

func TestRunQuickCheckRestoredFromJournal(t *testing.T) {
	t.Run("recent end restores quick check", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		journal := &stubJournal{}
		recent := clock.Now().Add(-2 * time.Minute).UTC().Format(time.RFC3339)
		if err := journal.Set(context.Background(), lastSessionEndKey, recent); err != nil {
			t.Fatal(err)
		}
		client := &fakeClient{}
		bot := startBot(t, client, clock, nil, journal, "")

		clock.BlockUntil(1)
		if !bot.Status().QuickCheck {
			t.Fatal("quick-check mode not restored")
		}
		// Quick-check cadence: next attempt after only 5s.
		clock.Advance(5 * time.Second)
		clock.BlockUntil(1)
		if got := client.snapshot().resolve; got != 2 {
			t.Fatalf("resolve calls = %d, want 2", got)
		}
	})

	t.Run("stale end starts normally", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		journal := &stubJournal{}
		stale := clock.Now().Add(-30 * time.Minute).UTC().Format(time.RFC3339)
		if err := journal.Set(context.Background(), lastSessionEndKey, stale); err != nil {
			t.Fatal(err)
		}
		client := &fakeClient{}
		bot := startBot(t, client, clock, nil, journal, "")

		clock.BlockUntil(1)
		if bot.Status().QuickCheck {
			t.Fatal("stale journal entry armed quick-check mode")
		}
		// Normal ladder waits 30s, so 5s only burns one poll slice.
		clock.Advance(5 * time.Second)
		clock.BlockUntil(1)
		if got := client.snapshot().resolve; got != 1 {
			t.Fatalf("resolve calls = %d, want still 1", got)
		}
	})
}

func TestRunTriggerMessageProducesReply(t *testing.T) {
	clock := clockwork.NewFakeClock()
	delivered := false
	client := &fakeClient{
		resolveFn:  liveStream("stream-1", "chat-1"),
		metadataFn: activeMetadata("chat-1"),
	}
	client.fetchFn = func(context.Context, string) ([]platform.RawMessage, time.Duration, error) {
		if delivered {
			return nil, 0, nil
		}
		delivered = true
		return []platform.RawMessage{
			{ID: "m1", AuthorID: "u1", AuthorName: "viewer", Text: "what is consciousness"},
			{ID: "m2", AuthorID: "bot-self", AuthorName: "bot", Text: "ignore me"},
		}, 0, nil
	}
	startBot(t, client, clock, nil, nil, "")

	// The trigger reply is priority, so the only pacing is the fixed
	// post-send spacing.
	clock.BlockUntil(1)
	snap := client.snapshot()
	if snap.post != 1 {
		t.Fatalf("posts = %d, want 1", snap.post)
	}
	if snap.posted[0] != "@viewer an answer" {
		t.Fatalf("posted %q", snap.posted[0])
	}
	clock.Advance(postSendSpacing)
	clock.BlockUntil(1)
	if got := client.snapshot().post; got != 1 {
		t.Fatalf("posts = %d, want still 1 (own message ignored)", got)
	}
}

func TestRunRepeatedFetchFailuresEndSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := &fakeClient{
		resolveFn:  liveStream("stream-1", "chat-1"),
		metadataFn: activeMetadata("chat-1"),
		fetchFn: func(context.Context, string) ([]platform.RawMessage, time.Duration, error) {
			return nil, 0, errors.New("connection reset")
		},
	}
	bot := startBot(t, client, clock, nil, nil, "")

	// Each transient failure waits one poll interval; the fifth ends the
	// session without another sleep, so the next waiter is the settle.
	for i := 0; i < transientFetchLimit-1; i++ {
		clock.BlockUntil(1)
		clock.Advance(defaultPollInterval)
	}
	clock.BlockUntil(1)
	snap := client.snapshot()
	if snap.fetch != transientFetchLimit {
		t.Fatalf("fetch calls = %d, want %d", snap.fetch, transientFetchLimit)
	}
	st := bot.Status()
	if st.Phase != "searching" || !st.QuickCheck {
		t.Fatalf("Status = %+v, want searching in quick-check", st)
	}
}

func TestAnnounceGating(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bot := NewBot(BotConfig{Throttle: NewThrottle(), Clock: clock})

	if bot.Announce("early") {
		t.Fatal("announce accepted before any status was published")
	}
	bot.publish("searching", nil)
	if bot.Announce("searching") {
		t.Fatal("announce accepted while searching")
	}
	bot.publish("monitoring", nil)
	if bot.Announce("") {
		t.Fatal("empty announcement accepted")
	}
	for i := 0; i < announceQueueCap; i++ {
		if !bot.Announce("queued") {
			t.Fatalf("announce %d refused below capacity", i)
		}
	}
	if bot.Announce("overflow") {
		t.Fatal("announce accepted past capacity")
	}
}

func TestAnnouncePostsDuringSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := &fakeClient{
		resolveFn:  liveStream("stream-1", "chat-1"),
		metadataFn: activeMetadata("chat-1"),
	}
	bot := startBot(t, client, clock, nil, nil, "")

	// First cycle had nothing to do; the fetch pacing sleep is pending.
	clock.BlockUntil(1)
	if !bot.Announce("mod note: be kind") {
		t.Fatal("announce refused while monitoring")
	}

	// The next cycle drains the queue. Announcements are priority, so the
	// post happens with no pacing beyond the fixed post-send spacing.
	clock.Advance(defaultPollInterval)
	clock.BlockUntil(1)
	snap := client.snapshot()
	if snap.post != 1 || snap.posted[0] != "mod note: be kind" {
		t.Fatalf("posts = %d %v", snap.post, snap.posted)
	}
}

func TestAnnounceDoesNotOutliveSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var failFetch atomic.Bool
	client := &fakeClient{
		resolveFn:  liveStream("stream-1", "chat-1"),
		metadataFn: activeMetadata("chat-1"),
	}
	client.fetchFn = func(context.Context, string) ([]platform.RawMessage, time.Duration, error) {
		if failFetch.Load() {
			return nil, 0, platform.NewError(platform.KindNotFound, "chat gone")
		}
		return nil, 0, nil
	}
	bot := startBot(t, client, clock, nil, nil, "")

	clock.BlockUntil(1)
	if !bot.Announce("too late") {
		t.Fatal("announce refused while monitoring")
	}
	failFetch.Store(true)

	// The vanished chat ends the session before the queue drains; the
	// settle pause is pending once the loop is back in searching.
	clock.Advance(defaultPollInterval)
	clock.BlockUntil(1)
	if st := bot.Status(); st.Phase != "searching" {
		t.Fatalf("Phase = %q, want searching", st.Phase)
	}

	// The next session starts clean; nothing queued earlier may post.
	failFetch.Store(false)
	clock.Advance(settleDelay)
	clock.BlockUntil(1)
	if got := client.snapshot().post; got != 0 {
		t.Fatalf("posts = %d, want 0 for a dropped announcement", got)
	}
}
