// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	SessionsStarted prometheus.Counter
	SessionsEnded   prometheus.Counter
	AcquireAttempts prometheus.Counter
	AcquireFailures prometheus.Counter
	Reconnects      prometheus.Counter
	ManualTriggers  prometheus.Counter
	MessagesSeen    prometheus.Counter

	// Labeled counters
	ResponsesSent    *prometheus.CounterVec
	ResponsesRefused *prometheus.CounterVec
	ModerationEvents *prometheus.CounterVec

	// Histograms (seconds)
	GenerateDuration prometheus.Observer

	// Gauges
	SessionActiveGauge   prometheus.Gauge // 1=monitoring,0=searching
	ViewerCountGauge     prometheus.Gauge
	ChatRateGauge        prometheus.Gauge
	BackoffFailuresGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_sessions_started_total", Help: "Number of live sessions entered"})
		SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_sessions_ended_total", Help: "Number of live sessions ended"})
		AcquireAttempts = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_acquire_attempts_total", Help: "Number of stream resolution attempts"})
		AcquireFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_acquire_failures_total", Help: "Number of failed stream resolution attempts"})
		Reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_reconnects_total", Help: "Number of forced credential and cache reconnects"})
		ManualTriggers = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_manual_triggers_total", Help: "Number of manual trigger signals consumed"})
		MessagesSeen = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_messages_seen_total", Help: "Number of inbound chat messages ingested"})
		ResponsesSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_responses_sent_total", Help: "Number of chat responses posted, by kind"}, []string{"kind"})
		ResponsesRefused = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_responses_refused_total", Help: "Number of responses withheld, by reason"}, []string{"reason"})
		ModerationEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_moderation_events_total", Help: "Number of moderation events recorded, by kind"}, []string{"kind"})
		GenerateDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_generate_duration_seconds", Help: "Reply generation duration seconds", Buckets: prometheus.DefBuckets})
		SessionActiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_session_active", Help: "Monitoring a live session=1 searching=0"})
		ViewerCountGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_viewer_count", Help: "Last polled concurrent viewer count"})
		ChatRateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_chat_rate", Help: "Inbound messages in the trailing activity window"})
		BackoffFailuresGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_backoff_failures", Help: "Current consecutive acquisition failure count"})
	})
}

// IncSessionsStarted records a session entering monitoring.
func IncSessionsStarted() {
	if SessionsStarted != nil {
		SessionsStarted.Inc()
	}
}

// IncSessionsEnded records a session leaving monitoring.
func IncSessionsEnded() {
	if SessionsEnded != nil {
		SessionsEnded.Inc()
	}
}

// IncAcquireAttempt records one stream resolution attempt.
func IncAcquireAttempt() {
	if AcquireAttempts != nil {
		AcquireAttempts.Inc()
	}
}

// IncAcquireFailure records one failed stream resolution attempt.
func IncAcquireFailure() {
	if AcquireFailures != nil {
		AcquireFailures.Inc()
	}
}

// IncReconnect records a forced credential and cache reconnect.
func IncReconnect() {
	if Reconnects != nil {
		Reconnects.Inc()
	}
}

// IncManualTrigger records a consumed manual trigger signal.
func IncManualTrigger() {
	if ManualTriggers != nil {
		ManualTriggers.Inc()
	}
}

// AddMessagesSeen records a batch of ingested chat messages.
func AddMessagesSeen(n int) {
	if MessagesSeen != nil && n > 0 {
		MessagesSeen.Add(float64(n))
	}
}

// ObserveGenerateDuration records one reply generation duration.
func ObserveGenerateDuration(d time.Duration) {
	if GenerateDuration != nil {
		GenerateDuration.Observe(d.Seconds())
	}
}

// IncResponseSent records a posted response of the given kind.
func IncResponseSent(kind string) {
	if ResponsesSent != nil {
		ResponsesSent.WithLabelValues(kind).Inc()
	}
}

// IncResponseRefused records a withheld response with its reason.
func IncResponseRefused(reason string) {
	if ResponsesRefused != nil {
		ResponsesRefused.WithLabelValues(reason).Inc()
	}
}

// IncModerationEvent records a moderation event of the given kind.
func IncModerationEvent(kind string) {
	if ModerationEvents != nil {
		ModerationEvents.WithLabelValues(kind).Inc()
	}
}

// SetSessionActive sets the session gauge to 1 while monitoring else 0.
func SetSessionActive(active bool) {
	if SessionActiveGauge == nil {
		return
	}
	if active {
		SessionActiveGauge.Set(1)
	} else {
		SessionActiveGauge.Set(0)
	}
}

// SetViewerCount records the last polled viewer count.
func SetViewerCount(n uint64) {
	if ViewerCountGauge != nil {
		ViewerCountGauge.Set(float64(n))
	}
}

// SetChatRate records the trailing-window inbound message count.
func SetChatRate(n int) {
	if ChatRateGauge != nil {
		ChatRateGauge.Set(float64(n))
	}
}

// SetBackoffFailures records the current consecutive failure count.
func SetBackoffFailures(n int) {
	if BackoffFailuresGauge != nil {
		BackoffFailuresGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
