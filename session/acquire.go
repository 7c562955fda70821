package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chat-tender/platform"
	"github.com/onnwee/chat-tender/telemetry"
)

const (
	// triggerPollInterval is the cadence at which backoff waits poll the
	// manual trigger channel. Waits are sliced into chunks of this size so
	// a trigger breaks in within five seconds even mid thirty-minute wait.
	triggerPollInterval = 5 * time.Second

	// settleDelay is the short pause between a session ending and the next
	// search pass.
	settleDelay = 5 * time.Second

	// quickCheckRestoreWindow bounds how old a journaled session end may be
	// and still arm quick-check mode on startup.
	quickCheckRestoreWindow = 5 * time.Minute

	// transientFetchLimit is how many consecutive failed chat fetches are
	// tolerated before the stream is treated as ended.
	transientFetchLimit = 5

	defaultPollInterval    = 5 * time.Second
	defaultViewerPollEvery = 6

	// announceQueueCap bounds how many operator announcements may wait for
	// the next monitor cycle before Announce starts refusing.
	announceQueueCap = 8

	lastSessionEndKey = "last_session_end"
)

// TriggerChannel is an out-of-band "check for a stream right now" signal.
type TriggerChannel interface {
	Check(ctx context.Context) bool
	Reset(ctx context.Context) error
}

// Journal persists small facts across restarts.
type Journal interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// Status is a point-in-time snapshot of the loop, published atomically for
// the HTTP surface.
type Status struct {
	Phase       string    `json:"phase"`
	StreamID    string    `json:"stream_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	ViewerCount uint64    `json:"viewer_count,omitempty"`
	ChatRate    int       `json:"chat_rate"`
	Failures    int       `json:"consecutive_failures"`
	QuickCheck  bool      `json:"quick_check"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BotConfig wires a Bot. Client, Processor, Throttle and Sender are
// required; Trigger and Journal may be nil to disable manual triggers and
// restart persistence.
type BotConfig struct {
	ChannelID string
	Greeting  string

	Client    platform.Client
	Processor *Processor
	Throttle  *Throttle
	Sender    *Sender
	Trigger   TriggerChannel
	Journal   Journal
	Clock     clockwork.Clock

	// PollInterval is the chat fetch cadence when the platform suggests
	// none. ViewerPollEvery is the number of fetch cycles between viewer
	// count refreshes.
	PollInterval    time.Duration
	ViewerPollEvery int
}

// Bot runs the acquisition loop. All fields are owned by the Run goroutine;
// Status is the only concurrent read surface.
type Bot struct {
	channelID string
	greeting  string

	client    platform.Client
	processor *Processor
	throttle  *Throttle
	sender    *Sender
	trigger   TriggerChannel
	journal   Journal
	clock     clockwork.Clock

	pollInterval    time.Duration
	viewerPollEvery int

	backoff  Backoff
	status   atomic.Pointer[Status]
	announce chan string
}

func NewBot(cfg BotConfig) *Bot {
	b := &Bot{
		channelID:       cfg.ChannelID,
		greeting:        cfg.Greeting,
		client:          cfg.Client,
		processor:       cfg.Processor,
		throttle:        cfg.Throttle,
		sender:          cfg.Sender,
		trigger:         cfg.Trigger,
		journal:         cfg.Journal,
		clock:           cfg.Clock,
		pollInterval:    cfg.PollInterval,
		viewerPollEvery: cfg.ViewerPollEvery,
		announce:        make(chan string, announceQueueCap),
	}
	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}
	if b.pollInterval <= 0 {
		b.pollInterval = defaultPollInterval
	}
	if b.viewerPollEvery <= 0 {
		b.viewerPollEvery = defaultViewerPollEvery
	}
	return b
}

// Status returns the latest published snapshot.
func (b *Bot) Status() Status {
	if st := b.status.Load(); st != nil {
		return *st
	}
	return Status{Phase: "starting"}
}

// Announce queues text to be posted into the active session as a moderation
// announcement. It reports false when no session is being monitored or the
// queue is full; queued announcements do not outlive the session.
func (b *Bot) Announce(text string) bool {
	if text == "" {
		return false
	}
	if st := b.status.Load(); st == nil || st.Phase != "monitoring" {
		return false
	}
	select {
	case b.announce <- text:
		return true
	default:
		return false
	}
}

// Run cycles searching -> monitoring until ctx is canceled. It only ever
// returns the context error; platform failures feed the backoff ladder
// instead of escaping.
func (b *Bot) Run(ctx context.Context) error {
	b.restoreQuickCheck(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := b.acquire(ctx)
		if err != nil {
			return err
		}
		switch b.monitor(ctx, info) {
		case monitorEnded:
			b.endSession(ctx)
		case monitorAuthLost:
			b.reconnect("credentials rejected while monitoring")
			// One extra backoff cycle before searching again.
			delay := b.backoff.Fail(b.hasTrigger())
			b.publish("searching", nil)
			b.waitForRetry(ctx, delay)
		case monitorInitFailed:
			delay := b.backoff.Fail(b.hasTrigger())
			b.publish("searching", nil)
			b.waitForRetry(ctx, delay)
		case monitorCanceled:
			return ctx.Err()
		}
	}
}

func (b *Bot) hasTrigger() bool { return b.trigger != nil }

// acquire blocks until a live stream is resolved, stepping the backoff
// ladder between attempts. The only error it returns is the context's.
func (b *Bot) acquire(ctx context.Context) (*platform.StreamInfo, error) {
	slog.Info("searching for live stream",
		slog.String("component", "bot"),
		slog.String("channel_id", b.channelID),
		slog.Bool("quick_check", b.backoff.QuickCheck))
	b.publish("searching", nil)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		telemetry.IncAcquireAttempt()
		info, err := b.client.ResolveStream(ctx, b.channelID)
		if err == nil && info != nil {
			b.backoff.Found()
			telemetry.SetBackoffFailures(0)
			slog.Info("live stream found",
				slog.String("component", "bot"),
				slog.String("stream_id", info.StreamID),
				slog.String("chat_id", info.ChatID))
			return info, nil
		}

		var delay time.Duration
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			telemetry.IncAcquireFailure()
			errKind := platform.Classify(err)
			slog.Warn("stream resolution failed",
				slog.String("component", "bot"),
				slog.String("error_kind", errKind.String()),
				slog.Any("err", err))
			if errKind == platform.KindUnauthorized {
				b.reconnect("credentials rejected during resolve")
			}
			delay = b.backoff.Fail(b.hasTrigger())
			if b.backoff.NeedsReconnect() {
				b.reconnect("resolver failure streak")
			}
		} else {
			slog.Debug("no live stream",
				slog.String("component", "bot"),
				slog.String("channel_id", b.channelID))
			delay = b.backoff.Miss(b.hasTrigger())
		}
		telemetry.SetBackoffFailures(b.backoff.ConsecutiveFailures)
		b.publish("searching", nil)
		b.waitForRetry(ctx, delay)
	}
}

// waitForRetry sleeps d in trigger-poll sized slices, checking the manual
// trigger between slices. A fired trigger resets the failure count and
// aborts the wait; the return value reports whether that happened.
func (b *Bot) waitForRetry(ctx context.Context, d time.Duration) bool {
	slog.Info("waiting before next attempt",
		slog.String("component", "bot"),
		slog.Duration("delay", d),
		slog.Int("failures", b.backoff.ConsecutiveFailures))
	remaining := d
	for {
		if b.consumeTrigger(ctx) {
			return true
		}
		if remaining <= 0 {
			return false
		}
		chunk := triggerPollInterval
		if remaining < chunk {
			chunk = remaining
		}
		if err := sleep(ctx, b.clock, chunk); err != nil {
			return false
		}
		remaining -= chunk
	}
}

// consumeTrigger polls the manual trigger channel, resetting it and the
// failure count when it has fired.
func (b *Bot) consumeTrigger(ctx context.Context) bool {
	if b.trigger == nil || !b.trigger.Check(ctx) {
		return false
	}
	slog.Info("manual trigger fired, checking for stream now",
		slog.String("component", "bot"))
	telemetry.IncManualTrigger()
	if err := b.trigger.Reset(ctx); err != nil {
		slog.Warn("trigger reset failed",
			slog.String("component", "bot"),
			slog.Any("err", err))
	}
	b.backoff.Triggered()
	telemetry.SetBackoffFailures(0)
	return true
}

// reconnect discards cached credentials and resolver results.
func (b *Bot) reconnect(reason string) {
	slog.Warn("forcing full reconnect",
		slog.String("component", "bot"),
		slog.String("reason", reason))
	b.client.InvalidateCredentials()
	b.client.ClearCache()
	telemetry.IncReconnect()
}

type monitorOutcome int

const (
	monitorEnded monitorOutcome = iota
	monitorAuthLost
	monitorInitFailed
	monitorCanceled
)

// monitor drives one live session: initialize, greet, then fetch-process
// cycles until the session ends, credentials are rejected, or ctx is
// canceled.
func (b *Bot) monitor(ctx context.Context, info *platform.StreamInfo) monitorOutcome {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "bot"),
		slog.String("stream_id", info.StreamID))

	defer b.discardAnnouncements()

	state := NewState(b.client, b.clock)
	if !state.Initialize(ctx, info.StreamID) {
		if ctx.Err() != nil {
			return monitorCanceled
		}
		log.Warn("session initialization failed, backing off")
		return monitorInitFailed
	}

	telemetry.IncSessionsStarted()
	telemetry.SetSessionActive(true)
	telemetry.SetViewerCount(state.ViewerCount())
	b.publish("monitoring", state)
	log.Info("monitoring live session",
		slog.String("title", state.Title()),
		slog.Uint64("viewers", state.ViewerCount()))

	if b.greeting != "" {
		state.SendGreeting(ctx, func(ctx context.Context) error {
			_, err := b.client.PostMessage(ctx, state.ChatID(), b.greeting)
			return err
		})
	}

	transientFetches := 0
	cycles := 0
	for state.Active() {
		if ctx.Err() != nil {
			return monitorCanceled
		}
		msgs, suggested, err := b.client.FetchMessages(ctx, state.ChatID())
		if err != nil {
			if ctx.Err() != nil {
				return monitorCanceled
			}
			switch platform.Classify(err) {
			case platform.KindUnauthorized:
				state.HandleAuthError(err)
				return monitorAuthLost
			case platform.KindNotFound:
				state.HandleAuthError(err)
			case platform.KindForbidden:
				state.HandleAuthError(err)
				state.End()
			default:
				transientFetches++
				log.Warn("chat fetch failed",
					slog.Int("consecutive", transientFetches),
					slog.Any("err", err))
				if transientFetches >= transientFetchLimit {
					log.Warn("chat fetch failure limit reached, treating stream as ended")
					state.End()
					continue
				}
				if sleep(ctx, b.clock, b.pollInterval) != nil {
					return monitorCanceled
				}
			}
			continue
		}
		transientFetches = 0

		if len(msgs) > 0 {
			now := b.clock.Now()
			for range msgs {
				b.throttle.RecordArrival(now)
			}
			telemetry.AddMessagesSeen(len(msgs))
			telemetry.SetChatRate(b.throttle.Rate(now))
		}
		for _, raw := range msgs {
			reply, out := b.processor.Process(ctx, raw, b.clock.Now())
			if !out.OK {
				continue
			}
			if _, err := b.sender.Send(ctx, state.ChatID(), reply.Text, reply.Kind); err != nil {
				state.HandleAuthError(err)
				return monitorAuthLost
			}
		}

		if err := b.postAnnouncements(ctx, state); err != nil {
			state.HandleAuthError(err)
			return monitorAuthLost
		}

		cycles++
		if cycles%b.viewerPollEvery == 0 {
			state.PollViewerCount(ctx)
			telemetry.SetViewerCount(state.ViewerCount())
			b.publish("monitoring", state)
		}

		interval := suggested
		if interval <= 0 {
			interval = b.pollInterval
		}
		if sleep(ctx, b.clock, interval) != nil {
			return monitorCanceled
		}
	}
	return monitorEnded
}

// postAnnouncements flushes queued operator announcements into the chat.
// Announcements are a priority kind, so they skip pacing entirely.
func (b *Bot) postAnnouncements(ctx context.Context, state *State) error {
	for {
		select {
		case text := <-b.announce:
			if _, err := b.sender.Send(ctx, state.ChatID(), text, KindModerationAnnouncement); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// discardAnnouncements empties the queue when a session ends.
func (b *Bot) discardAnnouncements() {
	for {
		select {
		case text := <-b.announce:
			slog.Info("dropping queued announcement, session over",
				slog.String("component", "bot"),
				slog.String("text", text))
		default:
			return
		}
	}
}

// endSession arms quick-check mode, clears resolver caches so a restream is
// not masked by stale results, journals the end time, and settles briefly
// before the next search.
func (b *Bot) endSession(ctx context.Context) {
	telemetry.IncSessionsEnded()
	telemetry.SetSessionActive(false)
	b.backoff.SessionEnded()
	b.client.ClearCache()
	if b.journal != nil {
		endedAt := b.clock.Now().UTC().Format(time.RFC3339)
		if err := b.journal.Set(ctx, lastSessionEndKey, endedAt); err != nil {
			slog.Warn("journal write failed",
				slog.String("component", "bot"),
				slog.Any("err", err))
		}
	}
	slog.Info("session over, entering quick-check search",
		slog.String("component", "bot"))
	b.publish("searching", nil)
	_ = sleep(ctx, b.clock, settleDelay)
}

// restoreQuickCheck arms quick-check mode on startup when the journal shows
// a session ended moments before the process went down.
func (b *Bot) restoreQuickCheck(ctx context.Context) {
	if b.journal == nil {
		return
	}
	val, found, err := b.journal.Get(ctx, lastSessionEndKey)
	if err != nil {
		slog.Warn("journal read failed",
			slog.String("component", "bot"),
			slog.Any("err", err))
		return
	}
	if !found {
		return
	}
	endedAt, err := time.Parse(time.RFC3339, val)
	if err != nil {
		slog.Warn("journal entry unreadable",
			slog.String("component", "bot"),
			slog.String("value", val))
		return
	}
	if b.clock.Now().Sub(endedAt) <= quickCheckRestoreWindow {
		b.backoff.QuickCheck = true
		slog.Info("recent session end journaled, starting in quick-check mode",
			slog.String("component", "bot"),
			slog.Time("ended_at", endedAt))
	}
}

func (b *Bot) publish(phase string, state *State) {
	now := b.clock.Now()
	st := Status{
		Phase:      phase,
		ChatRate:   b.throttle.Rate(now),
		Failures:   b.backoff.ConsecutiveFailures,
		QuickCheck: b.backoff.QuickCheck,
		UpdatedAt:  now,
	}
	if state != nil {
		st.StreamID = state.StreamID()
		st.Title = state.Title()
		st.ViewerCount = state.ViewerCount()
	}
	b.status.Store(&st)
}
