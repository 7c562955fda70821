// Package db provides the Postgres connection, schema bootstrap, and the
// small data access helpers shared by the bot: OAuth token storage (sealed at
// rest when ENCRYPTION_KEY is set) and a kv journal for runtime state.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/chat-tender/crypto"
)

var (
	cipher     *crypto.Cipher
	cipherOnce sync.Once
	cipherErr  error
)

// initCipher reads ENCRYPTION_KEY once. No key means tokens are stored as
// plaintext with encryption_version 0, which keeps local development simple.
func initCipher() {
	cipherOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext",
				slog.String("component", "db"))
			return
		}
		c, err := crypto.NewCipher(key)
		if err != nil {
			cipherErr = fmt.Errorf("initialize token encryption: %w", err)
			slog.Error("token encryption init failed",
				slog.String("component", "db"),
				slog.Any("err", cipherErr))
			return
		}
		cipher = c
		slog.Info("OAuth token encryption enabled (AES-256-GCM)",
			slog.String("component", "db"))
	})
}

func getCipher() (*crypto.Cipher, error) {
	initCipher()
	if cipherErr != nil {
		return nil, cipherErr
	}
	return cipher, nil
}

const connectMaxRetries = 5

// Connect opens a Postgres pool for dsn and verifies it with a ping, retrying
// with exponential backoff so the bot survives the database starting a little
// after it does.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectMaxRetries), ctx)
	err = backoff.Retry(func() error {
		if err := database.PingContext(ctx); err != nil {
			slog.Warn("postgres ping failed, retrying",
				slog.String("component", "db"),
				slog.Any("err", err))
			return err
		}
		return nil
	}, b)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return database, nil
}

// Migrate applies idempotent schema bootstrap for every table the bot needs.
// Versioned migrations in db/migrations (when present) run on top via
// RunMigrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0,
			encryption_key_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS moderation_events (
			id SERIAL PRIMARY KEY,
			kind TEXT NOT NULL,
			moderator TEXT NOT NULL,
			target TEXT,
			reason TEXT,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			xp INTEGER NOT NULL DEFAULT 0,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS moderator_xp (
			moderator TEXT PRIMARY KEY,
			xp BIGINT NOT NULL DEFAULT 0,
			events BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		// Pre-encryption installs lack the sealed-token columns.
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS encryption_version INTEGER DEFAULT 0`,
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS encryption_key_id TEXT`,
		`ALTER TABLE moderation_events ADD COLUMN IF NOT EXISTS duration_seconds INTEGER NOT NULL DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_moderation_events_moderator ON moderation_events(moderator)`,
		`CREATE INDEX IF NOT EXISTS idx_moderation_events_occurred ON moderation_events(occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_moderator_xp_xp ON moderator_xp(xp DESC)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// UpsertOAuthToken stores or updates the OAuth token row for a provider.
// With ENCRYPTION_KEY configured both tokens are sealed before storage and
// the row is marked encryption_version 1.
func UpsertOAuthToken(ctx context.Context, dbx *sql.DB, provider, access, refresh string, expiry time.Time, scope string) error {
	c, err := getCipher()
	if err != nil {
		return err
	}

	encVersion := 0
	encKeyID := ""
	accessStored, refreshStored := access, refresh
	if c != nil {
		encVersion = 1
		encKeyID = "default"
		if accessStored, err = c.SealString(access); err != nil {
			return fmt.Errorf("seal access token: %w", err)
		}
		if refreshStored, err = c.SealString(refresh); err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
	}

	q := `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		  ON CONFLICT(provider) DO UPDATE SET
		    access_token=EXCLUDED.access_token,
		    refresh_token=EXCLUDED.refresh_token,
		    expires_at=EXCLUDED.expires_at,
		    scope=EXCLUDED.scope,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err = dbx.ExecContext(ctx, q, provider, accessStored, refreshStored, expiry, scope, encVersion, encKeyID)
	return err
}

// GetOAuthToken returns the stored token row for a provider, opening sealed
// tokens transparently. A missing row returns zero values with a nil error so
// callers can treat "no token yet" as a normal state.
func GetOAuthToken(ctx context.Context, dbx *sql.DB, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	var encVersion int
	var encKeyID sql.NullString

	row := dbx.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0), encryption_key_id
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&access, &refresh, &expiry, &scope, &encVersion, &encKeyID)
	if err == sql.ErrNoRows {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}

	if encVersion == 1 {
		c, cerr := getCipher()
		if cerr != nil {
			return "", "", time.Time{}, "", cerr
		}
		if c == nil {
			return "", "", time.Time{}, "", fmt.Errorf("token for %s is sealed but ENCRYPTION_KEY is not configured", provider)
		}
		if access, err = c.OpenString(access); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("open access token: %w", err)
		}
		if refresh, err = c.OpenString(refresh); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("open refresh token: %w", err)
		}
	}
	return access, refresh, expiry, scope, nil
}

// SetKV stores a runtime fact under key.
func SetKV(ctx context.Context, dbx *sql.DB, key, value string) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO kv (key,value,updated_at) VALUES ($1,$2,NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		key, value)
	return err
}

// GetKV reads a runtime fact. found is false when the key has never been set.
func GetKV(ctx context.Context, dbx *sql.DB, key string) (value string, found bool, err error) {
	err = dbx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// TokenStoreAdapter exposes the oauth_tokens table behind the platform
// clients' TokenStore interface.
type TokenStoreAdapter struct{ DB *sql.DB }

func (t *TokenStoreAdapter) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	return UpsertOAuthToken(ctx, t.DB, provider, access, refresh, expiry, scope)
}

func (t *TokenStoreAdapter) GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	return GetOAuthToken(ctx, t.DB, provider)
}

// KVJournal persists bot loop state through the kv table.
type KVJournal struct{ DB *sql.DB }

func (j *KVJournal) Set(ctx context.Context, key, value string) error {
	return SetKV(ctx, j.DB, key, value)
}

func (j *KVJournal) Get(ctx context.Context, key string) (string, bool, error) {
	return GetKV(ctx, j.DB, key)
}
