package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PG returns a pool connected to the database named by
// CFBC_TEST_DATABASE_URL, skipping the test when the variable is unset.
// Tests using it must tolerate a shared schema.
func PG(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("CFBC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CFBC_TEST_DATABASE_URL not set; skipping database test")
	}
	pool, err := pgxpool.New(context.Background(), url)
	NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}
