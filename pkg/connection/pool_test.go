package connection

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojoshard/core/dberrors"
	"go.uber.org/zap"
)

// --- Test Helpers ---

func newTestPool(t *testing.T, maxConns int, timeout time.Duration) *Pool {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shard_0.db")
	pool, err := NewPool(0, path, maxConns, timeout, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pool.CloseAll() })
	return pool
}

// --- Test Cases ---

func TestNewPool_Validation(t *testing.T) {
	_, err := NewPool(0, "", 5, time.Second, nil)
	require.ErrorIs(t, err, dberrors.ErrInvalidConfig)

	_, err = NewPool(0, "/tmp/x.db", 0, time.Second, nil)
	require.ErrorIs(t, err, dberrors.ErrInvalidConfig)

	_, err = NewPool(0, "/tmp/x.db", 5, 0, nil)
	require.ErrorIs(t, err, dberrors.ErrInvalidConfig)
}

func TestAcquireRelease_ReusesConnections(t *testing.T) {
	pool := newTestPool(t, 2, time.Second)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Ping(ctx))

	stats := pool.Stats()
	require.Equal(t, 1, stats.Active)
	require.Equal(t, 0, stats.Idle)
	require.Equal(t, 1, stats.TotalCreated)

	pool.Release(conn)
	stats = pool.Stats()
	require.Equal(t, 0, stats.Active)
	require.Equal(t, 1, stats.Idle)

	// Reacquire must hand back the pooled connection, not dial a new one.
	again, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pool.Stats().TotalCreated)
	pool.Release(again)
}

func TestAcquire_BoundHeldUnderContention(t *testing.T) {
	const (
		maxConns   = 2
		goroutines = 8
		iterations = 25
	)
	pool := newTestPool(t, maxConns, 5*time.Second)
	ctx := context.Background()

	var current, peak atomic.Int64
	errs := make(chan error, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				conn, err := pool.Acquire(ctx)
				if err != nil {
					errs <- err
					return
				}
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				current.Add(-1)
				pool.Release(conn)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.LessOrEqual(t, peak.Load(), int64(maxConns),
		"more connections checked out at once than the pool bound")
	stats := pool.Stats()
	require.LessOrEqual(t, stats.TotalCreated, maxConns)
	require.Equal(t, 0, stats.Active)
	require.LessOrEqual(t, stats.Active+stats.Idle, maxConns)
}

func TestRelease_AfterCloseAllKeepsCountersSane(t *testing.T) {
	pool := newTestPool(t, 2, time.Second)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, pool.CloseAll())

	// A connection still checked out when the pool closes is destroyed on
	// release, not re-queued, and the counters never go negative.
	pool.Release(conn)
	stats := pool.Stats()
	require.Equal(t, 0, stats.Active)
	require.Equal(t, 0, stats.Idle)
}

func TestAcquire_EnforcesBoundWithTimeout(t *testing.T) {
	pool := newTestPool(t, 1, 100*time.Millisecond)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, dberrors.ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	pool.Release(conn)
}

func TestAcquire_ReleaseUnblocksWaiter(t *testing.T) {
	pool := newTestPool(t, 1, 5*time.Second)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan *Conn, 1)
	go func() {
		c, aerr := pool.Acquire(ctx)
		require.NoError(t, aerr)
		acquired <- c
	}()

	// The waiter must be blocked until the connection comes back.
	select {
	case <-acquired:
		t.Fatal("waiter acquired a connection while the pool was exhausted")
	case <-time.After(100 * time.Millisecond):
	}

	pool.Release(conn)

	select {
	case c := <-acquired:
		pool.Release(c)
	case <-time.After(2 * time.Second):
		t.Fatal("release did not unblock the waiter")
	}
}

func TestAcquire_CancelledContext(t *testing.T) {
	pool := newTestPool(t, 1, 5*time.Second)

	conn, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConn_PragmasApplied(t *testing.T) {
	pool := newTestPool(t, 1, time.Second)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer pool.Release(conn)

	fk, err := conn.QueryValue(ctx, "PRAGMA foreign_keys")
	require.NoError(t, err)
	require.EqualValues(t, 1, fk)

	mode, err := conn.QueryValue(ctx, "PRAGMA journal_mode")
	require.NoError(t, err)
	require.Equal(t, "wal", mode)
}

func TestConn_TransactionVisibility(t *testing.T) {
	pool := newTestPool(t, 2, time.Second)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer pool.Release(conn)

	_, err = conn.Exec(ctx, "CREATE TABLE kv (k INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	require.NoError(t, conn.Begin(ctx))
	_, err = conn.Exec(ctx, "INSERT INTO kv (k, v) VALUES (1, 'a')")
	require.NoError(t, err)
	require.NoError(t, conn.Rollback(ctx))

	rows, err := conn.Query(ctx, "SELECT * FROM kv")
	require.NoError(t, err)
	require.Empty(t, rows)

	require.NoError(t, conn.Begin(ctx))
	_, err = conn.Exec(ctx, "INSERT INTO kv (k, v) VALUES (2, 'b')")
	require.NoError(t, err)
	require.NoError(t, conn.Commit(ctx))

	rows, err = conn.Query(ctx, "SELECT * FROM kv")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 2, rows[0]["k"])
}

func TestCloseAll_Idempotent(t *testing.T) {
	pool := newTestPool(t, 2, time.Second)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(conn)

	require.NoError(t, pool.CloseAll())
	require.NoError(t, pool.CloseAll())

	stats := pool.Stats()
	require.Equal(t, 0, stats.Active)
	require.Equal(t, 0, stats.Idle)

	_, err = pool.Acquire(ctx)
	require.ErrorIs(t, err, dberrors.ErrPoolClosed)
}
