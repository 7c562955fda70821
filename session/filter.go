package session

import (
	"strings"
	"time"

	"github.com/onnwee/chat-tender/platform"
)

const (
	// userTriggerCooldown is the per-user gap between honored triggers.
	userTriggerCooldown = 60 * time.Second

	// triggerOccurrenceThreshold fires detection on raw token repetition
	// even when no token appears as a standalone word.
	triggerOccurrenceThreshold = 3

	tokenPunctCutset = ".,!?;:()\"'"
)

// Message is an inbound chat message after normalization. Malformed input
// yields the zero message with Malformed set; it never produces a response.
type Message struct {
	ID          string
	AuthorID    string
	AuthorName  string
	Text        string
	PublishedAt time.Time
	Self        bool
	Malformed   bool
}

// Filter detects trigger patterns in normalized messages and tracks the
// per-user trigger cooldown. Pure state, single goroutine by construction.
// User entries are never deleted; the map is bounded by process lifetime.
type Filter struct {
	tokens      []string
	selfIDs     map[string]struct{}
	lastTrigger map[string]time.Time
}

// NewFilter builds a filter over the configured trigger tokens. selfIDs are
// the bot's own channel ids; messages from them are dropped to prevent
// response loops.
func NewFilter(tokens, selfIDs []string) *Filter {
	f := &Filter{
		selfIDs:     make(map[string]struct{}, len(selfIDs)),
		lastTrigger: make(map[string]time.Time),
	}
	for _, tok := range tokens {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" {
			f.tokens = append(f.tokens, tok)
		}
	}
	for _, id := range selfIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			f.selfIDs[id] = struct{}{}
		}
	}
	return f
}

// Normalize converts a raw platform message into a Message. A message with
// no author id or no text is marked malformed rather than rejected with an
// error.
func (f *Filter) Normalize(raw platform.RawMessage) Message {
	if raw.AuthorID == "" || strings.TrimSpace(raw.Text) == "" {
		return Message{ID: raw.ID, Malformed: true}
	}
	_, self := f.selfIDs[raw.AuthorID]
	return Message{
		ID:          raw.ID,
		AuthorID:    raw.AuthorID,
		AuthorName:  raw.AuthorName,
		Text:        raw.Text,
		PublishedAt: raw.PublishedAt,
		Self:        self,
	}
}

// DetectTrigger reports whether text should provoke a reply: either a
// configured token appears as a standalone word, or the total occurrence
// count across all tokens (repeats of the same token included) reaches the
// threshold.
func (f *Filter) DetectTrigger(text string) bool {
	if len(f.tokens) == 0 || text == "" {
		return false
	}
	lower := strings.ToLower(text)

	for _, field := range strings.Fields(lower) {
		word := strings.Trim(field, tokenPunctCutset)
		for _, tok := range f.tokens {
			if word == tok {
				return true
			}
		}
	}

	total := 0
	for _, tok := range f.tokens {
		total += strings.Count(lower, tok)
	}
	return total >= triggerOccurrenceThreshold
}

// RateLimited reports whether the author triggered within the cooldown
// window. A suppressed trigger does not refresh the window; only MarkTriggered
// moves the timestamp.
func (f *Filter) RateLimited(authorID string, now time.Time) bool {
	last, seen := f.lastTrigger[authorID]
	return seen && now.Sub(last) < userTriggerCooldown
}

// MarkTriggered records an honored trigger for the author.
func (f *Filter) MarkTriggered(authorID string, now time.Time) {
	f.lastTrigger[authorID] = now
}
