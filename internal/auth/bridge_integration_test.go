package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/mailer"
	"github.com/Bradleyfc/proyecto-cfbc/internal/migrations"
	"github.com/Bradleyfc/proyecto-cfbc/internal/testutil"
)

func newTestService(t *testing.T) (*Service, *archive.Store, context.Context) {
	t.Helper()
	pool := testutil.PG(t)
	ctx := context.Background()
	logger := testutil.DiscardLogger()
	testutil.NoError(t, migrations.NewRunner(pool, logger).Bootstrap(ctx))
	store := archive.NewStore(pool, logger)
	svc := NewService(pool, store, mailer.NewLogMailer(logger), Config{
		JWTSecret:    "integration-test-secret",
		ClaimCodeTTL: time.Minute,
	}, logger)
	return svc, store, ctx
}

func uniqueSuffix() int64 { return time.Now().UnixNano() }

func TestLoginBridgeFromCapture(t *testing.T) {
	svc, store, ctx := newTestService(t)
	n := uniqueSuffix()
	username := fmt.Sprintf("capture_%d", n)
	table := fmt.Sprintf("auth_user_%d", n)
	t.Cleanup(func() { _, _ = store.DeleteTable(ctx, table) })

	_, err := store.Capture(ctx, table, n, map[string]any{
		"id":         n,
		"username":   username,
		"email":      username + "@cfbc.example",
		"first_name": "Ana",
		"last_name":  "Pérez",
		"password":   "escuela2019",
	}, nil)
	testutil.NoError(t, err)

	// Wrong password stays invalid.
	_, _, err = svc.Login(ctx, username, "wrong")
	testutil.ErrorIs(t, err, ErrInvalidCredentials)

	// Correct password materializes a live account and issues a token.
	user, token, err := svc.Login(ctx, username, "escuela2019")
	testutil.NoError(t, err)
	testutil.True(t, user.ID > 0)
	testutil.Equal(t, user.Username, username)
	testutil.NotNil(t, user.ArchivedRecordID)
	testutil.SliceLen(t, user.Roles, 1)
	testutil.Equal(t, user.Roles[0], RoleStudent)

	claims, err := svc.ValidateToken(token)
	testutil.NoError(t, err)
	testutil.Equal(t, claims.Username, username)

	// Second login hits the live account, not the archive.
	again, _, err := svc.Login(ctx, username, "escuela2019")
	testutil.NoError(t, err)
	testutil.Equal(t, again.ID, user.ID)
}

func TestLoginBridgeFromShadowUser(t *testing.T) {
	svc, store, ctx := newTestService(t)
	n := uniqueSuffix()
	username := fmt.Sprintf("shadow_%d", n)
	table := fmt.Sprintf("auth_user_%d", n)
	t.Cleanup(func() { _, _ = store.DeleteTable(ctx, table) })

	// The shadow row carries the profile; the secret lives in the capture.
	hash, err := HashPassword("clave-segura")
	testutil.NoError(t, err)
	_, err = store.Capture(ctx, table, n, map[string]any{
		"id": n, "username": username, "password": hash,
	}, nil)
	testutil.NoError(t, err)

	_, err = store.UpsertLegacyUser(ctx, &archive.LegacyUser{
		SourceID:  n,
		Username:  username,
		FirstName: "Luis",
		Email:     username + "@cfbc.example",
		IsActive:  true,
		Grupo:     RoleTeacher,
	})
	testutil.NoError(t, err)

	user, _, err := svc.Login(ctx, username, "clave-segura")
	testutil.NoError(t, err)
	testutil.Equal(t, user.FirstName, "Luis")
	testutil.SliceLen(t, user.Roles, 1)
	testutil.Equal(t, user.Roles[0], RoleTeacher)
	testutil.NotNil(t, user.ArchivedUserID)

	// The shadow row is back-linked to the live account.
	legacy, err := store.FindLegacyUser(ctx, username)
	testutil.NoError(t, err)
	testutil.NotNil(t, legacy.LiveUserID)
	testutil.Equal(t, *legacy.LiveUserID, user.ID)
}

func TestClaimFlow(t *testing.T) {
	svc, store, ctx := newTestService(t)
	n := uniqueSuffix()
	email := fmt.Sprintf("claim_%d@cfbc.example", n)
	table := fmt.Sprintf("auth_user_%d", n)
	t.Cleanup(func() { _, _ = store.DeleteTable(ctx, table) })

	_, err := store.Capture(ctx, table, n, map[string]any{
		"id": n, "username": fmt.Sprintf("claim_%d", n), "email": email,
	}, nil)
	testutil.NoError(t, err)

	// No claim yet.
	testutil.ErrorIs(t, svc.VerifyClaim(ctx, email, "0000"), ErrClaimNotFound)

	_, err = svc.RequestClaim(ctx, email, "nueva-clave")
	testutil.NoError(t, err)

	// Completion before verification is rejected.
	_, _, err = svc.CompleteClaim(ctx, email)
	testutil.ErrorIs(t, err, ErrClaimNotVerified)

	// Find the stored code hash and brute-force the 4-digit space, as a
	// stand-in for reading the email.
	code := findClaimCode(t, svc, ctx, email)
	testutil.NoError(t, svc.VerifyClaim(ctx, email, code))

	user, token, err := svc.CompleteClaim(ctx, email)
	testutil.NoError(t, err)
	testutil.True(t, token != "")
	testutil.Equal(t, user.Email, email)

	// Consume-once: a second completion fails.
	_, _, err = svc.CompleteClaim(ctx, email)
	testutil.ErrorIs(t, err, ErrClaimNotVerified)

	// The chosen password now works for a normal login.
	_, _, err = svc.Login(ctx, email, "nueva-clave")
	testutil.NoError(t, err)
}

func TestClaimSupersedesPrevious(t *testing.T) {
	svc, store, ctx := newTestService(t)
	n := uniqueSuffix()
	email := fmt.Sprintf("super_%d@cfbc.example", n)
	table := fmt.Sprintf("auth_user_%d", n)
	t.Cleanup(func() { _, _ = store.DeleteTable(ctx, table) })

	_, err := store.Capture(ctx, table, n, map[string]any{
		"id": n, "username": fmt.Sprintf("super_%d", n), "email": email,
	}, nil)
	testutil.NoError(t, err)

	_, err = svc.RequestClaim(ctx, email, "clave-uno")
	testutil.NoError(t, err)
	first := findClaimCode(t, svc, ctx, email)

	_, err = svc.RequestClaim(ctx, email, "clave-dos")
	testutil.NoError(t, err)
	second := findClaimCode(t, svc, ctx, email)

	if first != second {
		testutil.ErrorIs(t, svc.VerifyClaim(ctx, email, first), ErrInvalidClaimCode)
	}
	testutil.NoError(t, svc.VerifyClaim(ctx, email, second))
}

func TestClaimExpiredCodeRetries(t *testing.T) {
	svc, store, ctx := newTestService(t)
	n := uniqueSuffix()
	email := fmt.Sprintf("expired_%d@cfbc.example", n)
	table := fmt.Sprintf("auth_user_%d", n)
	t.Cleanup(func() { _, _ = store.DeleteTable(ctx, table) })

	_, err := store.Capture(ctx, table, n, map[string]any{
		"id": n, "username": fmt.Sprintf("expired_%d", n), "email": email,
	}, nil)
	testutil.NoError(t, err)

	_, err = svc.RequestClaim(ctx, email, "clave-vieja")
	testutil.NoError(t, err)
	code := findClaimCode(t, svc, ctx, email)

	_, err = svc.pool.Exec(ctx, `
		UPDATE claim_codes SET expires_at = now() - interval '1 minute'
		WHERE lower(email) = lower($1)`, email)
	testutil.NoError(t, err)

	// Every retry reports the expiry, never a missing claim.
	testutil.ErrorIs(t, svc.VerifyClaim(ctx, email, code), ErrClaimExpired)
	testutil.ErrorIs(t, svc.VerifyClaim(ctx, email, code), ErrClaimExpired)

	// A fresh request supersedes the stale claim and its code verifies.
	_, err = svc.RequestClaim(ctx, email, "clave-nueva")
	testutil.NoError(t, err)
	testutil.NoError(t, svc.VerifyClaim(ctx, email, findClaimCode(t, svc, ctx, email)))
}

// findClaimCode recovers the pending claim's 4-digit code from its stored
// hash. Only viable because the code space is tiny.
func findClaimCode(t *testing.T, svc *Service, ctx context.Context, email string) string {
	t.Helper()
	var stored string
	err := svc.pool.QueryRow(ctx,
		`SELECT code_hash FROM claim_codes WHERE lower(email) = lower($1)`, email).Scan(&stored)
	testutil.NoError(t, err)
	for i := 0; i < 10000; i++ {
		code := fmt.Sprintf("%04d", i)
		if hashClaimCode(code) == stored {
			return code
		}
	}
	t.Fatal("claim code not found")
	return ""
}
