package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

// Kind classifies a platform error into the small set of outcomes the bot
// core reacts to. Everything that is not an auth signal is absorbed locally.
type Kind int

const (
	// KindUnknown means the error did not match any known pattern.
	KindUnknown Kind = iota
	// KindQuotaExceeded marks API quota or rate-limit exhaustion. Logged,
	// never retried inside a send; backoff reduces call volume naturally.
	KindQuotaExceeded
	// KindForbidden marks a permissions problem (likely misconfiguration,
	// not token expiry). Does not force a reconnect.
	KindForbidden
	// KindUnauthorized marks an expired or revoked credential. This is the
	// only kind that crosses component boundaries: the acquisition loop
	// invalidates cached credentials and forces a full reconnect.
	KindUnauthorized
	// KindNotFound marks a missing chat or stream. This is the expected
	// "stream ended" path, not an exception.
	KindNotFound
	// KindTransient marks network-level or 5xx failures worth counting as
	// one failed attempt.
	KindTransient
	// KindMalformed marks input the platform rejected as invalid.
	KindMalformed
)

// String returns a label suitable for logs and metric label values.
func (k Kind) String() string {
	switch k {
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindForbidden:
		return "forbidden"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is a platform failure with a pre-assigned kind, used by client
// implementations whose upstream errors carry no HTTP status (e.g. IRC).
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// NewError builds a classified platform error.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Classify maps an error onto the taxonomy. Google API errors are classified
// by status code and reason; everything else falls back to net error checks
// and message heuristics.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyGoogle(gerr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return KindTransient
	}

	return classifyMessage(err.Error())
}

func classifyGoogle(gerr *googleapi.Error) Kind {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded":
			return KindQuotaExceeded
		case "liveChatEnded", "liveChatNotFound":
			return KindNotFound
		case "forbidden", "liveChatDisabled":
			return KindForbidden
		}
	}
	switch gerr.Code {
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusTooManyRequests:
		return KindQuotaExceeded
	case http.StatusBadRequest:
		return KindMalformed
	}
	if gerr.Code >= 500 {
		return KindTransient
	}
	return KindUnknown
}

func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "quota") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return KindQuotaExceeded
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "token expired"):
		return KindUnauthorized
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden") || strings.Contains(lower, "access denied"):
		return KindForbidden
	case strings.Contains(lower, "404") || strings.Contains(lower, "not found") || strings.Contains(lower, "no longer available"):
		return KindNotFound
	}

	networkPatterns := []string{
		"connection reset",
		"connection refused",
		"connection timed out",
		"timeout",
		"temporary failure in name resolution",
		"no route to host",
		"network unreachable",
		"broken pipe",
		"eof",
		"500", "502", "503", "504",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(lower, pattern) {
			return KindTransient
		}
	}

	return KindUnknown
}

// IsUnauthorized reports whether err should force a credential refresh.
func IsUnauthorized(err error) bool {
	return Classify(err) == KindUnauthorized
}

// IsNotFound reports whether err is the expected stream-ended signal.
func IsNotFound(err error) bool {
	return Classify(err) == KindNotFound
}
