package gamify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/chat-tender/telemetry"
)

const (
	leaderboardSize = 5
	recordTimeout   = 10 * time.Second
)

// CommandsConfig wires a Commands handler. Moderators restricts who may log
// moderation actions; an empty list allows everyone. Sink and Board may be
// nil to disable the corresponding commands.
type CommandsConfig struct {
	Prefix     string
	Sink       Sink
	Board      Board
	Moderators []string
}

// Commands interprets prefixed chat commands. Moderation verbs journal an
// event through the sink off the hot path; the returned text is the bot's
// chat acknowledgement.
type Commands struct {
	prefix     string
	sink       Sink
	board      Board
	moderators map[string]bool
}

func NewCommands(cfg CommandsConfig) *Commands {
	c := &Commands{
		prefix: cfg.Prefix,
		sink:   cfg.Sink,
		board:  cfg.Board,
	}
	if len(cfg.Moderators) > 0 {
		c.moderators = make(map[string]bool, len(cfg.Moderators))
		for _, m := range cfg.Moderators {
			c.moderators[strings.ToLower(m)] = true
		}
	}
	return c
}

var verbKinds = map[string]EventKind{
	"timeout": KindTimeout,
	"ban":     KindBan,
	"delete":  KindDelete,
	"warn":    KindWarning,
	"warning": KindWarning,
}

// Handle runs one command line. Unknown verbs and unauthorized authors
// produce no output rather than an error so the chat loop stays quiet.
func (c *Commands) Handle(ctx context.Context, author, text string) (string, error) {
	fields := strings.Fields(strings.TrimPrefix(text, c.prefix))
	if len(fields) == 0 {
		return "", nil
	}
	verb := strings.ToLower(fields[0])

	if verb == "leaderboard" {
		return c.leaderboard(ctx)
	}

	kind, ok := verbKinds[verb]
	if !ok {
		return "", nil
	}
	if c.sink == nil {
		return "", nil
	}
	if c.moderators != nil && !c.moderators[strings.ToLower(author)] {
		return "", nil
	}
	if len(fields) < 2 {
		if kind == KindTimeout {
			return fmt.Sprintf("usage: %stimeout <user> [seconds] [reason]", c.prefix), nil
		}
		return fmt.Sprintf("usage: %s%s <user> [reason]", c.prefix, verb), nil
	}

	target := strings.TrimPrefix(fields[1], "@")
	rest := fields[2:]
	var duration int
	if kind == KindTimeout && len(rest) > 0 {
		if secs, err := strconv.Atoi(rest[0]); err == nil && secs > 0 {
			duration = secs
			rest = rest[1:]
		}
	}
	c.dispatch(ctx, Event{
		Kind:            kind,
		Moderator:       author,
		Target:          target,
		Reason:          strings.Join(rest, " "),
		DurationSeconds: duration,
	})
	return fmt.Sprintf("%s logged a %s on @%s (+%d xp)", author, kind, target, XP(kind)), nil
}

func (c *Commands) leaderboard(ctx context.Context) (string, error) {
	if c.board == nil {
		return "", nil
	}
	entries, err := c.board.Leaderboard(ctx, leaderboardSize)
	if err != nil {
		return "", fmt.Errorf("gamify: leaderboard: %w", err)
	}
	if len(entries) == 0 {
		return "no moderation logged yet", nil
	}
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%d. %s (%d xp)", i+1, e.Moderator, e.XP)
	}
	return "top mods: " + strings.Join(parts, " "), nil
}

// dispatch records the event without blocking the chat loop. The parent
// context's cancellation is deliberately shed so a session teardown does not
// lose an event already accepted for recording.
func (c *Commands) dispatch(ctx context.Context, ev Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := c.sink.RecordModerationEvent(ctx, ev); err != nil {
			slog.Error("moderation event record failed",
				slog.String("component", "gamify"),
				slog.String("kind", string(ev.Kind)),
				slog.String("moderator", ev.Moderator),
				slog.Any("err", err))
			return
		}
		telemetry.IncModerationEvent(string(ev.Kind))
	}()
}
