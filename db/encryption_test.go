package db

import (
	"context"
	"encoding/base64"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var testSealKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

// resetCipher clears the package-level cipher so a test can change
// ENCRYPTION_KEY and have it picked up.
func resetCipher() {
	cipherOnce = sync.Once{}
	cipher = nil
	cipherErr = nil
}

func withEncryptionKey(t *testing.T, key string) {
	t.Helper()
	orig, had := os.LookupEnv("ENCRYPTION_KEY")
	if key == "" {
		os.Unsetenv("ENCRYPTION_KEY")
	} else {
		os.Setenv("ENCRYPTION_KEY", key)
	}
	resetCipher()
	t.Cleanup(func() {
		if had {
			os.Setenv("ENCRYPTION_KEY", orig)
		} else {
			os.Unsetenv("ENCRYPTION_KEY")
		}
		resetCipher()
	})
}

func TestSealedTokenRoundTrip(t *testing.T) {
	withEncryptionKey(t, testSealKey)
	db := setupTestDB(t)
	ctx := context.Background()

	provider := "test-sealed-provider"
	access := "test-access-token-12345"
	refresh := "test-refresh-token-67890"
	expiry := time.Now().Add(1 * time.Hour)
	scope := "chat:read chat:write"

	if err := UpsertOAuthToken(ctx, db, provider, access, refresh, expiry, scope); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// At rest the row must hold ciphertext, not the token.
	var storedAccess, storedRefresh string
	var encVersion int
	err := db.QueryRow(`SELECT access_token, refresh_token, encryption_version FROM oauth_tokens WHERE provider=$1`, provider).
		Scan(&storedAccess, &storedRefresh, &encVersion)
	if err != nil {
		t.Fatalf("query stored token: %v", err)
	}
	if encVersion != 1 {
		t.Errorf("encryption_version = %d, want 1", encVersion)
	}
	if storedAccess == access {
		t.Error("access token stored in plaintext")
	}
	if storedRefresh == refresh {
		t.Error("refresh token stored in plaintext")
	}

	gotAccess, gotRefresh, gotExpiry, gotScope, err := GetOAuthToken(ctx, db, provider)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotAccess != access || gotRefresh != refresh || gotScope != scope {
		t.Errorf("round trip = %q %q %q", gotAccess, gotRefresh, gotScope)
	}
	if gotExpiry.Sub(expiry).Abs() > time.Second {
		t.Errorf("expiry = %v, want ~%v", gotExpiry, expiry)
	}

	// Update path re-seals.
	if err := UpsertOAuthToken(ctx, db, provider, "new-access", "new-refresh", expiry.Add(time.Hour), scope); err != nil {
		t.Fatalf("update: %v", err)
	}
	gotAccess, gotRefresh, _, _, err = GetOAuthToken(ctx, db, provider)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if gotAccess != "new-access" || gotRefresh != "new-refresh" {
		t.Errorf("after update = %q %q", gotAccess, gotRefresh)
	}
}

func TestPlaintextTokenCompatibility(t *testing.T) {
	withEncryptionKey(t, "")
	db := setupTestDB(t)
	ctx := context.Background()

	provider := "test-plaintext-provider"
	if err := UpsertOAuthToken(ctx, db, provider, "plain-access", "plain-refresh", time.Now().Add(time.Hour), "scope"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var storedAccess string
	var encVersion int
	err := db.QueryRow(`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider=$1`, provider).
		Scan(&storedAccess, &encVersion)
	if err != nil {
		t.Fatalf("query stored token: %v", err)
	}
	if encVersion != 0 {
		t.Errorf("encryption_version = %d, want 0", encVersion)
	}
	if storedAccess != "plain-access" {
		t.Errorf("stored access = %q, want plaintext", storedAccess)
	}

	gotAccess, gotRefresh, _, _, err := GetOAuthToken(ctx, db, provider)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotAccess != "plain-access" || gotRefresh != "plain-refresh" {
		t.Errorf("round trip = %q %q", gotAccess, gotRefresh)
	}
}

// TestSealOnNextRefresh covers enabling encryption on an install that already
// holds plaintext tokens: the next upsert seals the row.
func TestSealOnNextRefresh(t *testing.T) {
	withEncryptionKey(t, "")
	db := setupTestDB(t)
	ctx := context.Background()

	provider := "test-upgrade-provider"
	if err := UpsertOAuthToken(ctx, db, provider, "upgrade-access", "upgrade-refresh", time.Now().Add(time.Hour), "scope"); err != nil {
		t.Fatalf("plaintext upsert: %v", err)
	}

	os.Setenv("ENCRYPTION_KEY", testSealKey)
	resetCipher()

	if err := UpsertOAuthToken(ctx, db, provider, "upgrade-access", "upgrade-refresh", time.Now().Add(time.Hour), "scope"); err != nil {
		t.Fatalf("sealed upsert: %v", err)
	}

	var storedAccess string
	var encVersion int
	err := db.QueryRow(`SELECT access_token, encryption_version FROM oauth_tokens WHERE provider=$1`, provider).
		Scan(&storedAccess, &encVersion)
	if err != nil {
		t.Fatalf("query stored token: %v", err)
	}
	if encVersion != 1 {
		t.Errorf("encryption_version = %d, want 1 after upgrade", encVersion)
	}
	if storedAccess == "upgrade-access" {
		t.Error("token still plaintext after upgrade")
	}

	gotAccess, _, _, _, err := GetOAuthToken(ctx, db, provider)
	if err != nil {
		t.Fatalf("get after upgrade: %v", err)
	}
	if gotAccess != "upgrade-access" {
		t.Errorf("round trip after upgrade = %q", gotAccess)
	}
}

func TestCipherNotConfigured(t *testing.T) {
	withEncryptionKey(t, "")

	c, err := getCipher()
	if err != nil {
		t.Errorf("getCipher without key should not error, got %v", err)
	}
	if c != nil {
		t.Error("getCipher without key should return nil")
	}
}

func TestCipherInvalidKey(t *testing.T) {
	withEncryptionKey(t, "not-valid-base64!@#")
	if _, err := getCipher(); err == nil {
		t.Error("invalid base64 key should error")
	}

	os.Setenv("ENCRYPTION_KEY", "dGVzdAo=")
	resetCipher()
	if _, err := getCipher(); err == nil {
		t.Error("short key should error")
	}
}
