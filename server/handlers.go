package server

import (
	"database/sql"
	"time"

	"github.com/onnwee/chat-tender/gamify"
	"github.com/onnwee/chat-tender/session"
	"github.com/onnwee/chat-tender/trigger"
)

// Bot is the slice of the acquisition loop the HTTP surface talks to.
type Bot interface {
	Status() session.Status
	Announce(text string) bool
}

// Deps carries the handler dependencies. DB backs the health probes, Board
// the leaderboard; Bot and Trigger feed the operator endpoints.
type Deps struct {
	DB       *sql.DB
	Bot      Bot
	Trigger  *trigger.Memory
	Board    gamify.Board
	Platform string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db       *sql.DB
	bot      Bot
	trigger  *trigger.Memory
	board    gamify.Board
	platform string
	started  time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		db:       deps.DB,
		bot:      deps.Bot,
		trigger:  deps.Trigger,
		board:    deps.Board,
		platform: deps.Platform,
		started:  time.Now(),
	}
}
