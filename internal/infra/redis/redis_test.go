package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/bridge-oracle/internal/infra/storage"
	"github.com/vietddude/bridge-oracle/internal/infra/storage/storagetest"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("ORACLE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("Skipping redis test. Set ORACLE_TEST_REDIS_URL to run.")
	}
	// A fresh prefix per test keeps runs independent.
	c, err := NewClient(Config{URL: url, Prefix: "oracle-test-" + uuid.NewString()})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.rdb.Del(context.Background(), c.cursorsKey()).Err()
		_ = c.Close()
	})
	return c
}

func TestCursorRepo(t *testing.T) {
	storagetest.RunCursorRepository(t, func(t *testing.T) storage.CursorRepository {
		return NewCursorRepo(newTestClient(t))
	})
}

func TestInstanceLock(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.AcquireLock(ctx, "signer", "a", time.Minute))
	assert.ErrorIs(t, c.AcquireLock(ctx, "signer", "b", time.Minute), ErrLockHeld)
	assert.ErrorIs(t, c.RefreshLock(ctx, "signer", "b", time.Minute), ErrLockHeld)
	require.NoError(t, c.RefreshLock(ctx, "signer", "a", time.Minute))

	// Release by a non-owner leaves the lock in place.
	require.NoError(t, c.ReleaseLock(ctx, "signer", "b"))
	assert.ErrorIs(t, c.AcquireLock(ctx, "signer", "b", time.Minute), ErrLockHeld)

	require.NoError(t, c.ReleaseLock(ctx, "signer", "a"))
	require.NoError(t, c.AcquireLock(ctx, "signer", "b", time.Minute))
	require.NoError(t, c.ReleaseLock(ctx, "signer", "b"))
}
