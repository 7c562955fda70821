package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chat-tender/gamify"
	"github.com/onnwee/chat-tender/telemetry"
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// HandleStatus returns the acquisition loop snapshot plus process-level facts.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"session":         h.bot.Status(),
		"platform":        h.platform,
		"tracing_enabled": telemetry.IsTracingEnabled(),
		"uptime_seconds":  int(time.Since(h.started).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleTrigger fires the manual stream check. The loop consumes the flag on
// its next poll slice, so the response is an acknowledgement, not a result.
func (h *Handlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.trigger.Fire()
	telemetry.LoggerWithCorr(r.Context()).Info("manual trigger fired",
		slog.String("component", "http"),
		slog.String("remote_addr", r.RemoteAddr))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "accepted"})
}

// HandleAnnounce queues operator text for the active session.
func (h *Handlers) HandleAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		http.Error(w, "text required", http.StatusBadRequest)
		return
	}

	if h.bot.Announce(req.Text) {
		telemetry.LoggerWithCorr(r.Context()).Info("announcement queued",
			slog.String("component", "http"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "queued"})
		return
	}

	if st := h.bot.Status(); st.Phase != "monitoring" {
		http.Error(w, "no active session", http.StatusConflict)
		return
	}
	w.Header().Set("Retry-After", "5")
	http.Error(w, "announcement queue full", http.StatusTooManyRequests)
}

// HandleLeaderboard returns the top moderators by XP.
func (h *Handlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := parseIntQuery(r, "limit", defaultLeaderboardLimit)
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}
	entries, err := h.board.Leaderboard(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("leaderboard query failed",
			slog.String("component", "http"),
			slog.Any("err", err))
		http.Error(w, "leaderboard unavailable", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []gamify.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}
