package testing

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// PostgresURLEnv is the environment variable holding the connection string of
// the test database.
const PostgresURLEnv = "GROUPMQ_TEST_POSTGRES_URL"

// NewPostgresPool returns a connection pool to the test database. The test is
// skipped unless GROUPMQ_TEST_POSTGRES_URL is set.
func NewPostgresPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv(PostgresURLEnv)
	if url == "" {
		t.Skipf("%s not set, skipping postgres test", PostgresURLEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))
	t.Cleanup(pool.Close)
	return pool
}
