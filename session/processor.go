package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/chat-tender/platform"
	"github.com/onnwee/chat-tender/telemetry"
)

// Generator produces reply text for a trigger message.
type Generator interface {
	Generate(ctx context.Context, text, author string) (string, error)
}

// CommandHandler executes a prefixed chat command and returns the reply
// text. Empty text with a nil error means the command produced no output.
type CommandHandler interface {
	Handle(ctx context.Context, author, text string) (string, error)
}

// Reply is a candidate outbound response awaiting the throttle gate.
type Reply struct {
	Text string
	Kind Kind
}

// ProcessorConfig wires a Processor. Fallback and Commands may be nil;
// command routing is disabled when Commands or CommandPrefix is unset.
type ProcessorConfig struct {
	Filter        *Filter
	Primary       Generator
	Fallback      Generator
	Commands      CommandHandler
	CommandPrefix string
}

// Processor turns raw inbound chat into candidate replies. It owns trigger
// detection, per-user cooldowns, and command routing; pacing is the
// sender's concern.
type Processor struct {
	filter   *Filter
	primary  Generator
	fallback Generator
	commands CommandHandler
	prefix   string
}

func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{
		filter:   cfg.Filter,
		primary:  cfg.Primary,
		fallback: cfg.Fallback,
		commands: cfg.Commands,
		prefix:   cfg.CommandPrefix,
	}
}

// Process evaluates one raw inbound message. The returned Outcome carries
// the refusal reason when no reply should be sent; malformed input and the
// bot's own messages are dropped here, never surfaced as errors.
func (p *Processor) Process(ctx context.Context, raw platform.RawMessage, now time.Time) (Reply, Outcome) {
	msg := p.filter.Normalize(raw)
	if msg.Malformed {
		return Reply{}, refused(ReasonMalformed)
	}
	if msg.Self {
		return Reply{}, refused(ReasonSelfMessage)
	}

	if p.commands != nil && p.prefix != "" && strings.HasPrefix(msg.Text, p.prefix) {
		return p.runCommand(ctx, msg)
	}

	if !p.filter.DetectTrigger(msg.Text) {
		return Reply{}, refused(ReasonNoTrigger)
	}
	if p.filter.RateLimited(msg.AuthorID, now) {
		return Reply{}, refused(ReasonUserCooldown)
	}
	p.filter.MarkTriggered(msg.AuthorID, now)

	genStart := time.Now()
	text, err := p.generate(ctx, msg)
	telemetry.ObserveGenerateDuration(time.Since(genStart))
	if err != nil {
		slog.Error("reply generation failed",
			slog.String("component", "processor"),
			slog.String("message_id", msg.ID),
			slog.Any("err", err))
		return Reply{}, refused(ReasonGeneratorFailed)
	}
	if strings.TrimSpace(text) == "" {
		return Reply{}, refused(ReasonEmptyText)
	}
	if msg.AuthorName != "" {
		text = "@" + msg.AuthorName + " " + text
	}
	return Reply{Text: text, Kind: KindConsciousnessTrigger}, ok()
}

// generate tries the primary generator and falls back on error or an empty
// result.
func (p *Processor) generate(ctx context.Context, msg Message) (string, error) {
	if p.primary != nil {
		text, err := p.primary.Generate(ctx, msg.Text, msg.AuthorName)
		if err == nil && strings.TrimSpace(text) != "" {
			return text, nil
		}
		if p.fallback == nil {
			return "", err
		}
		if err != nil {
			slog.Warn("primary generator failed, using fallback",
				slog.String("component", "processor"),
				slog.String("message_id", msg.ID),
				slog.Any("err", err))
		}
	}
	if p.fallback == nil {
		return "", errors.New("no generator configured")
	}
	return p.fallback.Generate(ctx, msg.Text, msg.AuthorName)
}

func (p *Processor) runCommand(ctx context.Context, msg Message) (Reply, Outcome) {
	text, err := p.commands.Handle(ctx, msg.AuthorName, msg.Text)
	if err != nil {
		slog.Error("command handling failed",
			slog.String("component", "processor"),
			slog.String("message_id", msg.ID),
			slog.Any("err", err))
		return Reply{}, refused(ReasonGeneratorFailed)
	}
	if strings.TrimSpace(text) == "" {
		return Reply{}, refused(ReasonEmptyText)
	}
	return Reply{Text: text, Kind: KindCommand}, ok()
}
