package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chat-tender/platform"
)

// Phase is the session lifecycle position. Ended is terminal.
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

const (
	greetingPreDelayMin  = 1 * time.Second
	greetingPreDelayMax  = 3 * time.Second
	greetingPostDelayMin = 1 * time.Second
	greetingPostDelayMax = 2 * time.Second
)

// State is one live session from discovery to end. It is owned by the bot
// loop and is not safe for concurrent use.
type State struct {
	client platform.Client
	clock  clockwork.Clock

	phase       Phase
	streamID    string
	chatID      string
	title       string
	viewerCount uint64
}

func NewState(client platform.Client, clock clockwork.Clock) *State {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &State{client: client, clock: clock}
}

// Initialize resolves chat id and title metadata for the stream. It reports
// false and stays uninitialized when metadata cannot be fetched or the
// stream has no active chat attached.
func (s *State) Initialize(ctx context.Context, streamID string) bool {
	meta, err := s.client.StreamMetadata(ctx, streamID)
	if err != nil {
		slog.Error("stream metadata fetch failed",
			slog.String("component", "session"),
			slog.String("stream_id", streamID),
			slog.Any("err", err))
		return false
	}
	if meta == nil || meta.ActiveChatID == "" {
		slog.Warn("stream has no active chat",
			slog.String("component", "session"),
			slog.String("stream_id", streamID))
		return false
	}
	s.phase = PhaseActive
	s.streamID = streamID
	s.chatID = meta.ActiveChatID
	s.title = meta.Title
	s.viewerCount = meta.ViewerCount
	slog.Info("session initialized",
		slog.String("component", "session"),
		slog.String("stream_id", streamID),
		slog.String("chat_id", s.chatID),
		slog.String("title", s.title))
	return true
}

// SendGreeting posts the hello message with a short randomized delay on
// each side. A failed send is logged and leaves the session state alone.
func (s *State) SendGreeting(ctx context.Context, send func(context.Context) error) {
	if err := sleep(ctx, s.clock, randomBetween(greetingPreDelayMin, greetingPreDelayMax)); err != nil {
		return
	}
	if err := send(ctx); err != nil {
		slog.Warn("greeting send failed",
			slog.String("component", "session"),
			slog.String("stream_id", s.streamID),
			slog.Any("err", err))
		return
	}
	_ = sleep(ctx, s.clock, randomBetween(greetingPostDelayMin, greetingPostDelayMax))
}

// PollViewerCount refreshes the viewer count. Best effort: failures are
// logged and never end the session.
func (s *State) PollViewerCount(ctx context.Context) {
	if s.phase != PhaseActive {
		return
	}
	meta, err := s.client.StreamMetadata(ctx, s.streamID)
	if err != nil {
		slog.Warn("viewer count refresh failed",
			slog.String("component", "session"),
			slog.String("stream_id", s.streamID),
			slog.Any("err", err))
		return
	}
	if meta != nil {
		s.viewerCount = meta.ViewerCount
		if meta.Title != "" {
			s.title = meta.Title
		}
	}
}

// HandleAuthError classifies a platform error seen while monitoring and
// always reports false. Only a vanished chat or stream ends the session
// here; credential problems are the acquisition loop's call.
func (s *State) HandleAuthError(err error) bool {
	switch platform.Classify(err) {
	case platform.KindUnauthorized:
		slog.Error("credentials rejected",
			slog.String("component", "session"),
			slog.String("stream_id", s.streamID),
			slog.Any("err", err))
	case platform.KindForbidden:
		slog.Error("access forbidden, check channel permissions",
			slog.String("component", "session"),
			slog.String("stream_id", s.streamID),
			slog.Any("err", err))
	case platform.KindNotFound:
		slog.Info("chat gone, ending session",
			slog.String("component", "session"),
			slog.String("stream_id", s.streamID))
		s.End()
	default:
		slog.Error("unhandled platform error",
			slog.String("component", "session"),
			slog.String("stream_id", s.streamID),
			slog.Any("err", err))
	}
	return false
}

// End is idempotent: it marks the session ended and clears the chat id.
func (s *State) End() {
	if s.phase == PhaseEnded {
		return
	}
	s.phase = PhaseEnded
	s.chatID = ""
	slog.Info("session ended",
		slog.String("component", "session"),
		slog.String("stream_id", s.streamID))
}

func (s *State) Phase() Phase        { return s.phase }
func (s *State) Active() bool        { return s.phase == PhaseActive }
func (s *State) StreamID() string    { return s.streamID }
func (s *State) ChatID() string      { return s.chatID }
func (s *State) Title() string       { return s.title }
func (s *State) ViewerCount() uint64 { return s.viewerCount }
