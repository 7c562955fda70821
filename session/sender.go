package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/onnwee/chat-tender/platform"
	"github.com/onnwee/chat-tender/telemetry"
)

const (
	humanJitterMin  = 500 * time.Millisecond
	humanJitterMax  = 3 * time.Second
	postSendSpacing = 2 * time.Second
)

// Sender paces and dispatches outbound chat messages. Non-priority kinds
// pass the throttle gate, sleep the adaptive delay plus a humanization
// jitter, and only then hit the platform. Priority kinds go straight out.
type Sender struct {
	client   platform.Client
	throttle *Throttle
	clock    clockwork.Clock
}

func NewSender(client platform.Client, throttle *Throttle, clock clockwork.Clock) *Sender {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sender{client: client, throttle: throttle, clock: clock}
}

// Send dispatches text to the chat as kind. The returned error is non-nil
// only when credentials were rejected, which the acquisition loop needs to
// see; every other failure is absorbed into the Outcome.
func (s *Sender) Send(ctx context.Context, chatID, text string, kind Kind) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return s.refuse(ReasonEmptyText), nil
	}

	if kind.Priority() {
		slog.Debug("priority kind skips pacing",
			slog.String("component", "sender"),
			slog.String("kind", kind.String()))
	} else {
		now := s.clock.Now()
		if out := s.throttle.ShouldRespond(kind, now); !out.OK {
			return s.refuse(out.Reason), nil
		}
		if err := sleep(ctx, s.clock, s.throttle.AdaptiveDelay(now)); err != nil {
			return s.refuse(ReasonCanceled), nil
		}
		if err := sleep(ctx, s.clock, randomBetween(humanJitterMin, humanJitterMax)); err != nil {
			return s.refuse(ReasonCanceled), nil
		}
	}

	msgID, err := s.client.PostMessage(ctx, chatID, text)
	if err != nil {
		errKind := platform.Classify(err)
		if errKind == platform.KindUnauthorized {
			return s.refuse(ReasonSendFailed), err
		}
		slog.Warn("message send failed",
			slog.String("component", "sender"),
			slog.String("kind", kind.String()),
			slog.String("error_kind", errKind.String()),
			slog.Any("err", err))
		return s.refuse(ReasonSendFailed), nil
	}

	s.throttle.RecordResponse(kind, s.clock.Now())
	telemetry.IncResponseSent(kind.String())
	slog.Info("response sent",
		slog.String("component", "sender"),
		slog.String("kind", kind.String()),
		slog.String("message_id", msgID))
	_ = sleep(ctx, s.clock, postSendSpacing)
	return ok(), nil
}

func (s *Sender) refuse(r Reason) Outcome {
	telemetry.IncResponseRefused(r.String())
	return refused(r)
}
