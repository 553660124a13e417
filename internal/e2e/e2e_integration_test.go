// Package e2e exercises CFBC end-to-end via real HTTP against a live
// Postgres database: an archived graduate claims their old account, logs
// in with the new password, and reads their profile and the archive.
//
// Requires CFBC_TEST_DATABASE_URL; skipped otherwise.
package e2e

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Bradleyfc/proyecto-cfbc/internal/archive"
	"github.com/Bradleyfc/proyecto-cfbc/internal/auth"
	"github.com/Bradleyfc/proyecto-cfbc/internal/config"
	"github.com/Bradleyfc/proyecto-cfbc/internal/mailer"
	"github.com/Bradleyfc/proyecto-cfbc/internal/migrations"
	"github.com/Bradleyfc/proyecto-cfbc/internal/runlog"
	"github.com/Bradleyfc/proyecto-cfbc/internal/server"
	"github.com/Bradleyfc/proyecto-cfbc/internal/testutil"
)

const e2eJWTSecret = "e2e-test-secret-that-is-at-least-32-chars!!"

type env struct {
	pool  *pgxpool.Pool
	store *archive.Store
	ts    *httptest.Server
	ctx   context.Context
}

func newEnv(t *testing.T) *env {
	t.Helper()
	pool := testutil.PG(t)
	ctx := context.Background()
	logger := testutil.DiscardLogger()
	testutil.NoError(t, migrations.NewRunner(pool, logger).Bootstrap(ctx))

	store := archive.NewStore(pool, logger)
	runs := runlog.NewStore(pool, logger)
	authSvc := auth.NewService(pool, store, mailer.NewLogMailer(logger), auth.Config{
		JWTSecret:    e2eJWTSecret,
		ClaimCodeTTL: time.Minute,
	}, logger)

	srv := server.New(config.Default(), logger, pool, store, runs, authSvc)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &env{pool: pool, store: store, ts: ts, ctx: ctx}
}

func (e *env) post(t *testing.T, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	raw, err := json.Marshal(body)
	testutil.NoError(t, err)
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(raw))
	testutil.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var fields map[string]json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&fields)
	return resp, fields
}

func (e *env) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.ts.URL+path, nil)
	testutil.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	testutil.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// claimCode recovers the pending claim's 4-digit code from its stored
// hash. Only viable because the code space is tiny.
func (e *env) claimCode(t *testing.T, email string) string {
	t.Helper()
	var stored string
	err := e.pool.QueryRow(e.ctx,
		`SELECT code_hash FROM claim_codes WHERE lower(email) = lower($1)`, email).Scan(&stored)
	testutil.NoError(t, err)
	for i := 0; i < 10000; i++ {
		code := fmt.Sprintf("%04d", i)
		sum := sha256.Sum256([]byte(code))
		if hex.EncodeToString(sum[:]) == stored {
			return code
		}
	}
	t.Fatal("claim code not found")
	return ""
}

func TestClaimAndLoginOverHTTP(t *testing.T) {
	e := newEnv(t)
	n := time.Now().UnixNano()
	table := fmt.Sprintf("e2e_users_%d", n)
	email := fmt.Sprintf("maria.perez.%d@example.com", n)
	username := fmt.Sprintf("mperez%d", n)

	t.Cleanup(func() {
		_, _ = e.store.DeleteTable(e.ctx, table)
		_, _ = e.pool.Exec(e.ctx, `DELETE FROM users WHERE username = $1`, username)
	})

	// A graduate captured during migration, long before the claim.
	_, err := e.store.Capture(e.ctx, table, 1, map[string]any{
		"id": 1, "username": username, "email": email,
		"first_name": "María", "last_name": "Pérez", "is_active": false,
	}, nil)
	testutil.NoError(t, err)

	// Unknown email is rejected before any code is issued.
	resp, _ := e.post(t, "/api/claims", map[string]string{
		"email": "nadie@example.com", "password": "clave-nueva-1",
	})
	testutil.StatusCode(t, resp.StatusCode, http.StatusNotFound)

	// The real claim is accepted.
	resp, fields := e.post(t, "/api/claims", map[string]string{
		"email": email, "password": "clave-nueva-1",
	})
	testutil.StatusCode(t, resp.StatusCode, http.StatusAccepted)
	testutil.NotNil(t, fields["claim_id"])

	// Completing before verification is refused.
	resp, _ = e.post(t, "/api/claims/complete", map[string]string{"email": email})
	testutil.StatusCode(t, resp.StatusCode, http.StatusConflict)

	// A wrong code is refused, the right one accepted.
	code := e.claimCode(t, email)
	wrong := "0000"
	if wrong == code {
		wrong = "0001"
	}
	resp, _ = e.post(t, "/api/claims/verify", map[string]string{"email": email, "code": wrong})
	testutil.StatusCode(t, resp.StatusCode, http.StatusBadRequest)
	resp, _ = e.post(t, "/api/claims/verify", map[string]string{"email": email, "code": code})
	testutil.StatusCode(t, resp.StatusCode, http.StatusOK)

	// Completion activates the account and returns a usable token.
	resp, fields = e.post(t, "/api/claims/complete", map[string]string{"email": email})
	testutil.StatusCode(t, resp.StatusCode, http.StatusOK)
	var token string
	testutil.NoError(t, json.Unmarshal(fields["token"], &token))
	testutil.NotEqual(t, token, "")

	// The claim is single-use.
	resp, _ = e.post(t, "/api/claims/complete", map[string]string{"email": email})
	testutil.StatusCode(t, resp.StatusCode, http.StatusConflict)

	// Login with the password chosen at claim time.
	resp, fields = e.post(t, "/api/auth/login", map[string]string{
		"username": username, "password": "clave-nueva-1",
	})
	testutil.StatusCode(t, resp.StatusCode, http.StatusOK)
	testutil.NoError(t, json.Unmarshal(fields["token"], &token))

	// The old archive password no longer matters; a wrong one is rejected.
	resp, _ = e.post(t, "/api/auth/login", map[string]string{
		"username": username, "password": "clave-vieja",
	})
	testutil.StatusCode(t, resp.StatusCode, http.StatusUnauthorized)

	// The token works against the protected surface.
	me := e.get(t, "/api/auth/me", token)
	testutil.StatusCode(t, me.StatusCode, http.StatusOK)
	var user auth.User
	testutil.NoError(t, json.NewDecoder(me.Body).Decode(&user))
	testutil.Equal(t, user.Username, username)
	testutil.True(t, user.IsActive)

	// And without a token the same surface is closed.
	anon := e.get(t, "/api/archive", "")
	testutil.StatusCode(t, anon.StatusCode, http.StatusUnauthorized)

	// The archived capture is visible through the API.
	listed := e.get(t, "/api/archive?table="+table, token)
	testutil.StatusCode(t, listed.StatusCode, http.StatusOK)
	var listResp struct {
		Records []archive.Record `json:"records"`
	}
	testutil.NoError(t, json.NewDecoder(listed.Body).Decode(&listResp))
	testutil.SliceLen(t, listResp.Records, 1)
	testutil.Equal(t, listResp.Records[0].Payload["username"], any(username))
}
