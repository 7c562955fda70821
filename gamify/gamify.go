// Package gamify turns moderation activity into a small XP economy. Events
// are journaled to Postgres and rolled up into a per-moderator ledger that
// feeds a chat leaderboard.
package gamify

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EventKind names a moderation action.
type EventKind string

const (
	KindTimeout EventKind = "timeout"
	KindBan     EventKind = "ban"
	KindDelete  EventKind = "delete"
	KindWarning EventKind = "warning"
)

// xpByKind is the award schedule. Bans pay the most because they are the
// heaviest call to make.
var xpByKind = map[EventKind]int{
	KindTimeout: 10,
	KindBan:     50,
	KindDelete:  5,
	KindWarning: 2,
}

// XP returns the award for a kind, or 0 for kinds the schedule does not know.
func XP(kind EventKind) int { return xpByKind[kind] }

// Event is one moderation action taken by a moderator against a target user.
// DurationSeconds is meaningful for timeouts only and stays 0 elsewhere.
type Event struct {
	Kind            EventKind
	Moderator       string
	Target          string
	Reason          string
	DurationSeconds int
	At              time.Time
}

// Sink accepts moderation events for recording.
type Sink interface {
	RecordModerationEvent(ctx context.Context, ev Event) error
}

// Entry is one leaderboard row.
type Entry struct {
	Moderator string `json:"moderator"`
	XP        int64  `json:"xp"`
	Events    int64  `json:"events"`
}

// Board reads the XP ladder.
type Board interface {
	Leaderboard(ctx context.Context, limit int) ([]Entry, error)
}

// Store persists events and the XP ledger in Postgres. Both writes happen in
// one transaction so the ledger never drifts from the event journal.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) RecordModerationEvent(ctx context.Context, ev Event) error {
	xp, ok := xpByKind[ev.Kind]
	if !ok {
		return fmt.Errorf("gamify: unknown event kind %q", ev.Kind)
	}
	if ev.Moderator == "" {
		return fmt.Errorf("gamify: event without moderator")
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("gamify: begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO moderation_events (kind, moderator, target, reason, duration_seconds, xp, occurred_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.Kind, ev.Moderator, ev.Target, ev.Reason, ev.DurationSeconds, xp, at); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("gamify: insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO moderator_xp (moderator, xp, events, updated_at)
		 VALUES ($1,$2,1,NOW())
		 ON CONFLICT (moderator) DO UPDATE SET
		   xp = moderator_xp.xp + EXCLUDED.xp,
		   events = moderator_xp.events + 1,
		   updated_at = NOW()`,
		ev.Moderator, xp); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("gamify: update ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("gamify: commit: %w", err)
	}
	return nil
}

// Leaderboard returns the top moderators by XP. Ties break alphabetically so
// the ordering is stable for chat output.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT moderator, xp, events FROM moderator_xp ORDER BY xp DESC, moderator ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("gamify: query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Moderator, &e.XP, &e.Events); err != nil {
			return nil, fmt.Errorf("gamify: scan leaderboard row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("gamify: leaderboard rows: %w", err)
	}
	return entries, nil
}
