package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/chat-tender/gamify"
	"github.com/onnwee/chat-tender/session"
	"github.com/onnwee/chat-tender/testutil"
	"github.com/onnwee/chat-tender/trigger"
)

type stubBot struct {
	mu     sync.Mutex
	status session.Status
	full   bool
	queued []string
}

func (b *stubBot) Status() session.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *stubBot) Announce(text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Phase != "monitoring" || b.full {
		return false
	}
	b.queued = append(b.queued, text)
	return true
}

func (b *stubBot) announced() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.queued...)
}

type stubBoard struct {
	mu        sync.Mutex
	entries   []gamify.Entry
	err       error
	lastLimit int
}

func (b *stubBoard) Leaderboard(_ context.Context, limit int) ([]gamify.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastLimit = limit
	if b.err != nil {
		return nil, b.err
	}
	if limit < len(b.entries) {
		return b.entries[:limit], nil
	}
	return b.entries, nil
}

func (b *stubBoard) limitSeen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastLimit
}

// newTestMux builds the full handler with auth disabled so endpoint behavior
// is tested without credentials.
func newTestMux(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, deps)
}

func testDeps(bot *stubBot, board gamify.Board) Deps {
	return Deps{
		Bot:      bot,
		Trigger:  trigger.NewMemory(),
		Board:    board,
		Platform: "twitch",
	}
}

func TestStatusEndpoint(t *testing.T) {
	bot := &stubBot{status: session.Status{Phase: "monitoring", StreamID: "stream-1", ViewerCount: 42, ChatRate: 7}}
	mux := newTestMux(t, testDeps(bot, &stubBoard{}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Session  session.Status `json:"session"`
		Platform string         `json:"platform"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if resp.Session.Phase != "monitoring" || resp.Session.StreamID != "stream-1" {
		t.Errorf("unexpected session snapshot: %+v", resp.Session)
	}
	if resp.Platform != "twitch" {
		t.Errorf("platform = %q, want twitch", resp.Platform)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected a correlation id header")
	}

	post := httptest.NewRequest(http.MethodPost, "/status", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, post)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want 405", rr.Code)
	}
}

func TestTriggerEndpoint(t *testing.T) {
	deps := testDeps(&stubBot{}, &stubBoard{})
	mux := newTestMux(t, deps)

	req := httptest.NewRequest(http.MethodPost, "/api/trigger", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if !deps.Trigger.Check(context.Background()) {
		t.Error("trigger flag not set")
	}

	get := httptest.NewRequest(http.MethodGet, "/api/trigger", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, get)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/trigger = %d, want 405", rr.Code)
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	board := &stubBoard{entries: []gamify.Entry{
		{Moderator: "ana", XP: 50, Events: 3},
		{Moderator: "bo", XP: 25, Events: 1},
	}}
	mux := newTestMux(t, testDeps(&stubBot{}, board))

	req := httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var entries []gamify.Entry
	if err := json.Unmarshal(rr.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode leaderboard: %v", err)
	}
	if len(entries) != 2 || entries[0].Moderator != "ana" {
		t.Errorf("unexpected entries: %+v", entries)
	}
	if board.limitSeen() != defaultLeaderboardLimit {
		t.Errorf("limit = %d, want default %d", board.limitSeen(), defaultLeaderboardLimit)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/leaderboard?limit=1", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	entries = nil
	if err := json.Unmarshal(rr.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode limited leaderboard: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("limited entries = %d, want 1", len(entries))
	}
}

func TestLeaderboardEndpointEmptyAndError(t *testing.T) {
	board := &stubBoard{}
	mux := newTestMux(t, testDeps(&stubBot{}, board))

	req := httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("empty board body = %q, want []", got)
	}

	board.mu.Lock()
	board.err = errors.New("connection refused")
	board.mu.Unlock()
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/leaderboard", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("errored board = %d, want 500", rr.Code)
	}
}

func TestAnnounceEndpoint(t *testing.T) {
	post := func(mux http.Handler, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/announce", strings.NewReader(body))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr
	}

	t.Run("queued while monitoring", func(t *testing.T) {
		bot := &stubBot{status: session.Status{Phase: "monitoring"}}
		mux := newTestMux(t, testDeps(bot, &stubBoard{}))
		rr := post(mux, `{"text":"  mod note: be kind  "}`)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d, body=%s", rr.Code, rr.Body.String())
		}
		if got := bot.announced(); len(got) != 1 || got[0] != "mod note: be kind" {
			t.Errorf("queued = %v", got)
		}
	})

	t.Run("conflict without session", func(t *testing.T) {
		bot := &stubBot{status: session.Status{Phase: "searching"}}
		mux := newTestMux(t, testDeps(bot, &stubBoard{}))
		if rr := post(mux, `{"text":"hello"}`); rr.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rr.Code)
		}
	})

	t.Run("queue full", func(t *testing.T) {
		bot := &stubBot{status: session.Status{Phase: "monitoring"}, full: true}
		mux := newTestMux(t, testDeps(bot, &stubBoard{}))
		rr := post(mux, `{"text":"hello"}`)
		if rr.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rr.Code)
		}
		if rr.Header().Get("Retry-After") == "" {
			t.Error("expected Retry-After header")
		}
	})

	t.Run("bad requests", func(t *testing.T) {
		bot := &stubBot{status: session.Status{Phase: "monitoring"}}
		mux := newTestMux(t, testDeps(bot, &stubBoard{}))
		if rr := post(mux, `{`); rr.Code != http.StatusBadRequest {
			t.Errorf("invalid json = %d, want 400", rr.Code)
		}
		if rr := post(mux, `{"text":"   "}`); rr.Code != http.StatusBadRequest {
			t.Errorf("blank text = %d, want 400", rr.Code)
		}
		req := httptest.NewRequest(http.MethodGet, "/api/announce", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET = %d, want 405", rr.Code)
		}
	})
}

func TestHealthzEndpoint(t *testing.T) {
	database := testutil.SetupTestDB(t)
	deps := testDeps(&stubBot{}, &stubBoard{})
	deps.DB = database
	mux := newTestMux(t, deps)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
}

func TestReadyzEndpoint(t *testing.T) {
	database := testutil.SetupTestDB(t)

	t.Run("ready", func(t *testing.T) {
		deps := testDeps(&stubBot{}, &stubBoard{})
		deps.DB = database
		mux := newTestMux(t, deps)

		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
		}
		var resp map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode readyz: %v", err)
		}
		if resp["status"] != "ready" {
			t.Errorf("status = %q, want ready", resp["status"])
		}
	})

	t.Run("no platform", func(t *testing.T) {
		deps := testDeps(&stubBot{}, &stubBoard{})
		deps.DB = database
		deps.Platform = ""
		mux := newTestMux(t, deps)

		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		var resp map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode readyz: %v", err)
		}
		if resp["failed_check"] != "platform" {
			t.Errorf("failed_check = %q, want platform", resp["failed_check"])
		}
	})
}
