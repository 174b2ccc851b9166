package transaction

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojoshard/core/dberrors"
	"github.com/sushant-115/gojoshard/core/sharding"
	"github.com/sushant-115/gojoshard/pkg/connection"
	"go.uber.org/zap"
)

// --- Test Helpers ---

type coordFixture struct {
	coord *Coordinator
	pools map[int]*connection.Pool
}

func newCoordFixture(t *testing.T, numShards int, txlog Logger) *coordFixture {
	t.Helper()
	strategy, err := sharding.NewHashStrategy(numShards)
	require.NoError(t, err)

	dir := t.TempDir()
	pools := make(map[int]*connection.Pool, numShards)
	for id := 0; id < numShards; id++ {
		pool, perr := connection.NewPool(id, filepath.Join(dir, fmt.Sprintf("shard_%d.db", id)), 4, 2*time.Second, zap.NewNop())
		require.NoError(t, perr)
		pools[id] = pool
		t.Cleanup(func() { pool.CloseAll() })
	}

	coord, err := NewCoordinator(strategy, pools, txlog, zap.NewNop(), 4, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(coord.Shutdown)

	fix := &coordFixture{coord: coord, pools: pools}
	fix.execAll(t, "CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance INTEGER NOT NULL)")
	return fix
}

// execAll runs ddl on every shard outside any coordinated transaction.
func (f *coordFixture) execAll(t *testing.T, ddl string) {
	t.Helper()
	ctx := context.Background()
	for _, pool := range f.pools {
		conn, err := pool.Acquire(ctx)
		require.NoError(t, err)
		_, err = conn.Exec(ctx, ddl)
		pool.Release(conn)
		require.NoError(t, err)
	}
}

// seedBalance writes an account row directly on the owning shard.
func (f *coordFixture) seedBalance(t *testing.T, id int64, balance int) {
	t.Helper()
	ctx := context.Background()
	shardID, err := f.coord.strategy.ShardID(id)
	require.NoError(t, err)
	conn, err := f.pools[shardID].Acquire(ctx)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "INSERT INTO accounts (id, balance) VALUES (?, ?)", id, balance)
	f.pools[shardID].Release(conn)
	require.NoError(t, err)
}

// balance reads an account's balance directly on the owning shard.
func (f *coordFixture) balance(t *testing.T, id int64) int64 {
	t.Helper()
	ctx := context.Background()
	shardID, err := f.coord.strategy.ShardID(id)
	require.NoError(t, err)
	conn, err := f.pools[shardID].Acquire(ctx)
	require.NoError(t, err)
	defer f.pools[shardID].Release(conn)
	v, err := conn.QueryValue(ctx, "SELECT balance FROM accounts WHERE id = ?", id)
	require.NoError(t, err)
	require.NotNil(t, v)
	n, ok := v.(int64)
	require.True(t, ok)
	return n
}

// --- Test Cases ---

func TestBegin_Validation(t *testing.T) {
	fix := newCoordFixture(t, 4, nil)
	ctx := context.Background()

	_, err := fix.coord.Begin(ctx, nil)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestBegin_DeduplicatesShards(t *testing.T) {
	fix := newCoordFixture(t, 4, nil)
	ctx := context.Background()

	// Keys 1 and 5 both hash to shard 1 under four shards.
	txn, err := fix.coord.Begin(ctx, []int64{1, 5, 2})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, txn.ShardIDs())
	require.Equal(t, StateInitial, txn.State())
	require.NoError(t, txn.Rollback(ctx))
}

func TestCommit_TransferAcrossShards(t *testing.T) {
	fix := newCoordFixture(t, 4, nil)
	ctx := context.Background()

	fix.seedBalance(t, 0, 1000)
	fix.seedBalance(t, 1, 500)
	fix.seedBalance(t, 2, 750)
	fix.seedBalance(t, 3, 1200)

	txn, err := fix.coord.Begin(ctx, []int64{1, 2})
	require.NoError(t, err)

	affected, err := txn.Update(ctx, "accounts", map[string]any{"balance": 300}, map[string]any{"id": 1}, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	affected, err = txn.Update(ctx, "accounts", map[string]any{"balance": 950}, map[string]any{"id": 2}, 2)
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	// Before commit the writes are invisible outside the transaction but
	// visible through it.
	rows, err := txn.Select(ctx, "accounts", map[string]any{"id": 1}, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, 300, rows[0]["balance"])
	require.EqualValues(t, 500, fix.balance(t, 1))

	require.NoError(t, txn.Commit(ctx))
	require.Equal(t, StateCommitted, txn.State())

	require.EqualValues(t, 300, fix.balance(t, 1))
	require.EqualValues(t, 950, fix.balance(t, 2))
	require.EqualValues(t, 1000, fix.balance(t, 0))
	require.EqualValues(t, 1200, fix.balance(t, 3))
	require.Empty(t, fix.coord.Active())
}

func TestRollback_RevertsEveryShard(t *testing.T) {
	fix := newCoordFixture(t, 4, nil)
	ctx := context.Background()

	fix.seedBalance(t, 1, 500)
	fix.seedBalance(t, 2, 750)

	txn, err := fix.coord.Begin(ctx, []int64{1, 2})
	require.NoError(t, err)

	_, err = txn.Update(ctx, "accounts", map[string]any{"balance": 0}, map[string]any{"id": 1}, 1)
	require.NoError(t, err)
	_, err = txn.Update(ctx, "accounts", map[string]any{"balance": 1250}, map[string]any{"id": 2}, 2)
	require.NoError(t, err)

	require.NoError(t, txn.Rollback(ctx))
	require.Equal(t, StateRolledBack, txn.State())

	require.EqualValues(t, 500, fix.balance(t, 1))
	require.EqualValues(t, 750, fix.balance(t, 2))
	require.Empty(t, fix.coord.Active())
}

func TestRollback_IdempotentAfterCommit(t *testing.T) {
	fix := newCoordFixture(t, 2, nil)
	ctx := context.Background()

	fix.seedBalance(t, 1, 100)

	txn, err := fix.coord.Begin(ctx, []int64{1})
	require.NoError(t, err)
	_, err = txn.Update(ctx, "accounts", map[string]any{"balance": 200}, map[string]any{"id": 1}, 1)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	require.NoError(t, txn.Rollback(ctx))
	require.Equal(t, StateCommitted, txn.State())
	require.EqualValues(t, 200, fix.balance(t, 1))
}

func TestPrepare_FailureAbortsYesVoters(t *testing.T) {
	strategy, err := sharding.NewHashStrategy(2)
	require.NoError(t, err)

	dir := t.TempDir()
	pools := make(map[int]*connection.Pool, 2)
	// Shard 1 gets a single-connection pool with a short acquire timeout so
	// exhausting it makes its prepare vote no.
	pool0, err := connection.NewPool(0, filepath.Join(dir, "shard_0.db"), 4, 2*time.Second, zap.NewNop())
	require.NoError(t, err)
	pool1, err := connection.NewPool(1, filepath.Join(dir, "shard_1.db"), 1, 100*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	pools[0], pools[1] = pool0, pool1
	t.Cleanup(func() { pool0.CloseAll(); pool1.CloseAll() })

	coord, err := NewCoordinator(strategy, pools, nil, zap.NewNop(), 4, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(coord.Shutdown)

	ctx := context.Background()
	hog, err := pool1.Acquire(ctx)
	require.NoError(t, err)
	defer pool1.Release(hog)

	txn, err := coord.Begin(ctx, []int64{0, 1})
	require.NoError(t, err)

	err = coord.Prepare(ctx, txn)
	require.ErrorIs(t, err, dberrors.ErrPrepareFailed)
	require.Equal(t, StateFailed, txn.State())
	require.Empty(t, coord.Active())

	// Shard 0 voted yes; its transaction must have been aborted and its
	// connection returned.
	require.Equal(t, 0, pool0.Stats().Active)

	// The shard stays usable afterwards: no shard-local transaction was
	// left open on the released connection.
	conn, err := pool0.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Begin(ctx))
	require.NoError(t, conn.Rollback(ctx))
	pool0.Release(conn)
}

func TestPrepare_DeadlineBoundsStalledShard(t *testing.T) {
	strategy, err := sharding.NewHashStrategy(2)
	require.NoError(t, err)

	dir := t.TempDir()
	pools := make(map[int]*connection.Pool, 2)
	for id := 0; id < 2; id++ {
		pool, perr := connection.NewPool(id, filepath.Join(dir, fmt.Sprintf("shard_%d.db", id)), 4, 2*time.Second, zap.NewNop())
		require.NoError(t, perr)
		pools[id] = pool
		t.Cleanup(func() { pool.CloseAll() })
	}

	coord, err := NewCoordinator(strategy, pools, nil, zap.NewNop(), 4, 300*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(coord.Shutdown)

	ctx := context.Background()

	// Hold shard 1's write lock on a separate connection so the prepare
	// phase's BEGIN IMMEDIATE stalls instead of failing fast.
	hog, err := pools[1].Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, hog.Begin(ctx))
	defer func() {
		hog.Rollback(context.Background())
		pools[1].Release(hog)
	}()

	txn, err := coord.Begin(ctx, []int64{0, 1})
	require.NoError(t, err)

	start := time.Now()
	err = coord.Prepare(ctx, txn)
	require.ErrorIs(t, err, dberrors.ErrPrepareFailed)
	require.Less(t, time.Since(start), 3*time.Second,
		"prepare deadline did not bound the stalled shard")
	require.Equal(t, StateFailed, txn.State())
	require.Empty(t, coord.Active())

	// Shard 0's yes vote was aborted and its connection returned.
	require.Equal(t, 0, pools[0].Stats().Active)
}

func TestPrepare_RejectsNonInitialState(t *testing.T) {
	fix := newCoordFixture(t, 2, nil)
	ctx := context.Background()

	txn, err := fix.coord.Begin(ctx, []int64{1})
	require.NoError(t, err)
	require.NoError(t, fix.coord.Prepare(ctx, txn))
	require.Equal(t, StatePrepared, txn.State())

	err = fix.coord.Prepare(ctx, txn)
	require.ErrorIs(t, err, dberrors.ErrTxnInvalidState)

	require.NoError(t, txn.Rollback(ctx))
}

func TestTxn_RejectsKeyOutsideTransaction(t *testing.T) {
	fix := newCoordFixture(t, 4, nil)
	ctx := context.Background()

	txn, err := fix.coord.Begin(ctx, []int64{1})
	require.NoError(t, err)
	defer txn.Rollback(ctx)

	// Key 2 hashes to shard 2, which the transaction does not span.
	_, err = txn.Exec(ctx, 2, "SELECT 1")
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestRun_CommitsOnNilError(t *testing.T) {
	fix := newCoordFixture(t, 4, nil)
	ctx := context.Background()

	fix.seedBalance(t, 1, 1000)
	fix.seedBalance(t, 2, 500)

	err := fix.coord.Run(ctx, []int64{1, 2}, func(ctx context.Context, txn *Txn) error {
		if _, uerr := txn.Update(ctx, "accounts", map[string]any{"balance": 800}, map[string]any{"id": 1}, 1); uerr != nil {
			return uerr
		}
		_, uerr := txn.Update(ctx, "accounts", map[string]any{"balance": 700}, map[string]any{"id": 2}, 2)
		return uerr
	})
	require.NoError(t, err)

	require.EqualValues(t, 800, fix.balance(t, 1))
	require.EqualValues(t, 700, fix.balance(t, 2))
}

func TestRun_RollsBackOnError(t *testing.T) {
	fix := newCoordFixture(t, 4, nil)
	ctx := context.Background()

	fix.seedBalance(t, 1, 1000)
	fix.seedBalance(t, 2, 500)

	errInsufficient := errors.New("insufficient funds")
	err := fix.coord.Run(ctx, []int64{1, 2}, func(ctx context.Context, txn *Txn) error {
		if _, uerr := txn.Update(ctx, "accounts", map[string]any{"balance": -200}, map[string]any{"id": 1}, 1); uerr != nil {
			return uerr
		}
		return errInsufficient
	})
	require.ErrorIs(t, err, errInsufficient)

	require.EqualValues(t, 1000, fix.balance(t, 1))
	require.EqualValues(t, 500, fix.balance(t, 2))
	require.Empty(t, fix.coord.Active())
}

func TestRun_RollsBackOnPanic(t *testing.T) {
	fix := newCoordFixture(t, 2, nil)
	ctx := context.Background()

	fix.seedBalance(t, 1, 100)

	require.Panics(t, func() {
		fix.coord.Run(ctx, []int64{1}, func(ctx context.Context, txn *Txn) error {
			txn.Update(ctx, "accounts", map[string]any{"balance": 0}, map[string]any{"id": 1}, 1)
			panic("boom")
		})
	})

	require.EqualValues(t, 100, fix.balance(t, 1))
	require.Empty(t, fix.coord.Active())
}

func TestShutdown_RollsBackActiveAndRejectsNew(t *testing.T) {
	fix := newCoordFixture(t, 2, nil)
	ctx := context.Background()

	fix.seedBalance(t, 1, 100)

	txn, err := fix.coord.Begin(ctx, []int64{1})
	require.NoError(t, err)
	_, err = txn.Update(ctx, "accounts", map[string]any{"balance": 999}, map[string]any{"id": 1}, 1)
	require.NoError(t, err)

	fix.coord.Shutdown()
	fix.coord.Shutdown()

	require.Equal(t, StateRolledBack, txn.State())
	require.EqualValues(t, 100, fix.balance(t, 1))

	_, err = fix.coord.Begin(ctx, []int64{1})
	require.ErrorIs(t, err, dberrors.ErrCoordinatorClosed)
}

func TestMetricsLogger_CountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	txlog := NewMetricsLogger(reg)
	fix := newCoordFixture(t, 2, txlog)
	ctx := context.Background()

	fix.seedBalance(t, 1, 100)

	txn, err := fix.coord.Begin(ctx, []int64{0, 1})
	require.NoError(t, err)
	_, err = txn.Update(ctx, "accounts", map[string]any{"balance": 150}, map[string]any{"id": 1}, 1)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	txn, err = fix.coord.Begin(ctx, []int64{1})
	require.NoError(t, err)
	require.NoError(t, fix.coord.Prepare(ctx, txn))
	require.NoError(t, txn.Rollback(ctx))

	require.Equal(t, 1.0, testutil.ToFloat64(txlog.completed.WithLabelValues(StateCommitted.String())))
	require.Equal(t, 1.0, testutil.ToFloat64(txlog.completed.WithLabelValues(StateRolledBack.String())))
	require.Equal(t, 3.0, testutil.ToFloat64(txlog.votes.WithLabelValues("yes")))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "initial", StateInitial.String())
	require.Equal(t, "prepared", StatePrepared.String())
	require.Equal(t, "committed", StateCommitted.String())
	require.Equal(t, "rolled_back", StateRolledBack.String())
	require.True(t, StateCommitted.Terminal())
	require.False(t, StatePreparing.Terminal())
}
