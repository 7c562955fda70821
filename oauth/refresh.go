// Package oauth provides background refresh scheduling for provider tokens
// persisted in the oauth_tokens table. Checks are jittered so multiple
// instances do not refresh in lockstep, and reads/writes go through the db
// helpers so tokens sealed at rest stay sealed.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/onnwee/chat-tender/db"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that periodically checks an oauth token row and refreshes it.
// provider: key in oauth_tokens table.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, dbx *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Add per-iteration jitter (+/-20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2+1) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			_, refresh, expiry, scope, err := db.GetOAuthToken(ctx, dbx, provider)
			if err != nil {
				slog.Warn("token lookup failed",
					slog.String("component", "oauth"),
					slog.String("provider", provider),
					slog.Any("err", err))
				continue
			}
			if refresh == "" {
				continue
			}
			// If still outside window skip quickly
			if time.Until(expiry) > window {
				continue
			}
			// Small pre-refresh jitter to avoid stampedes when many pods see the
			// same expiry. Bounded by the interval so short check cycles stay
			// responsive.
			preMax := interval / 2
			if preMax > 5*time.Second {
				preMax = 5 * time.Second
			}
			//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
			pre := time.Duration(rand.Int63n(int64(preMax) + 1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(pre):
			}
			rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			newAccess, newRefresh, newExpiry, newScope, err := fn(rctx, refresh)
			cancel()
			if err != nil {
				slog.Warn("token refresh failed",
					slog.String("component", "oauth"),
					slog.String("provider", provider),
					slog.Any("err", err))
				continue
			}
			if newRefresh == "" {
				newRefresh = refresh
			}
			if newScope == "" {
				newScope = scope
			}
			if err := db.UpsertOAuthToken(ctx, dbx, provider, newAccess, newRefresh, newExpiry, strings.TrimSpace(newScope)); err != nil {
				slog.Warn("token persist failed",
					slog.String("component", "oauth"),
					slog.String("provider", provider),
					slog.Any("err", err))
				continue
			}
			slog.Info("token refreshed",
				slog.String("component", "oauth"),
				slog.String("provider", provider))
		}
	}()
}
