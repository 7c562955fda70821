package session

// Kind is the response category a message is sent as. Pacing and cooldown
// rules key off it, so it is a closed enum rather than a free-form string.
type Kind int

const (
	KindGeneral Kind = iota
	KindConsciousnessTrigger
	KindFactCheck
	KindModerationAnnouncement
	KindModeration
	KindCommand
)

// String returns a label suitable for logs and metric label values.
func (k Kind) String() string {
	switch k {
	case KindGeneral:
		return "general"
	case KindConsciousnessTrigger:
		return "consciousness_trigger"
	case KindFactCheck:
		return "fact_check"
	case KindModerationAnnouncement:
		return "moderation_announcement"
	case KindModeration:
		return "moderation"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Priority reports whether the kind skips every pacing delay: throttle
// cooldowns, the general response floor, the adaptive sleep, and the
// humanization jitter. Time-critical replies go out immediately.
func (k Kind) Priority() bool {
	switch k {
	case KindConsciousnessTrigger, KindModerationAnnouncement, KindCommand:
		return true
	default:
		return false
	}
}

// Reason explains why a message produced no outbound response. These are
// expected outcomes, not errors; callers never branch on error values for
// them.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonSelfMessage
	ReasonMalformed
	ReasonNoTrigger
	ReasonUserCooldown
	ReasonKindCooldown
	ReasonResponseFloor
	ReasonEmptyText
	ReasonGeneratorFailed
	ReasonSendFailed
	ReasonCanceled
)

// String returns a label suitable for logs and metric label values.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "ok"
	case ReasonSelfMessage:
		return "self_message"
	case ReasonMalformed:
		return "malformed"
	case ReasonNoTrigger:
		return "no_trigger"
	case ReasonUserCooldown:
		return "user_cooldown"
	case ReasonKindCooldown:
		return "kind_cooldown"
	case ReasonResponseFloor:
		return "response_floor"
	case ReasonEmptyText:
		return "empty_text"
	case ReasonGeneratorFailed:
		return "generator_failed"
	case ReasonSendFailed:
		return "send_failed"
	case ReasonCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome is the result of a soft-failure operation: OK means an action was
// (or may be) taken, otherwise Reason says why not.
type Outcome struct {
	OK     bool
	Reason Reason
}

func ok() Outcome              { return Outcome{OK: true} }
func refused(r Reason) Outcome { return Outcome{Reason: r} }
