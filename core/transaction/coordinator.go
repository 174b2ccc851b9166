// Package transaction implements the cross-shard transaction coordinator.
//
// The coordinator drives a two-phase-commit-style protocol over shards that
// are plain single-file SQLite databases: during prepare every involved shard
// gets a dedicated connection with an open shard-local transaction and casts
// a vote; the transaction commits only when every vote is yes, and otherwise
// rolls back on every shard. Phase fan-out runs on a bounded worker pool so
// cross-shard latency tracks the slowest shard rather than their sum.
//
// Cross-shard durability is only as strong as the shard-local engines: a
// crash between shard-local commits can leave a subset of shards committed.
package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojoshard/core/dberrors"
	"github.com/sushant-115/gojoshard/core/sharding"
	"github.com/sushant-115/gojoshard/internal/fanout"
	"github.com/sushant-115/gojoshard/pkg/connection"
	"go.uber.org/zap"
)

// Coordinator orchestrates two-phase commit across a caller-specified set of
// shards. It tracks active transactions and shares a bounded worker pool for
// the per-shard prepare/commit/rollback steps.
type Coordinator struct {
	strategy       sharding.Strategy
	pools          map[int]*connection.Pool
	txlog          Logger
	log            *zap.Logger
	workers        int
	prepareTimeout time.Duration

	mu     sync.Mutex
	active map[string]*Txn
	closed bool
}

// NewCoordinator creates a coordinator over the given per-shard pools.
// txlog may be nil for no transaction logging; prepareTimeout bounds the
// prepare phase of every transaction.
func NewCoordinator(strategy sharding.Strategy, pools map[int]*connection.Pool, txlog Logger, log *zap.Logger, workers int, prepareTimeout time.Duration) (*Coordinator, error) {
	if strategy == nil {
		return nil, fmt.Errorf("%w: strategy must not be nil", dberrors.ErrInvalidArgument)
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("%w: no connection pools", dberrors.ErrInvalidArgument)
	}
	if txlog == nil {
		txlog = NopLogger{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if workers <= 0 {
		workers = fanout.DefaultWorkers
	}
	if prepareTimeout <= 0 {
		prepareTimeout = 30 * time.Second
	}
	return &Coordinator{
		strategy:       strategy,
		pools:          pools,
		txlog:          txlog,
		log:            log,
		workers:        workers,
		prepareTimeout: prepareTimeout,
		active:         make(map[string]*Txn),
	}, nil
}

// Begin starts a cross-shard transaction spanning the shards owning the given
// row keys. The returned transaction is in INITIAL; connections are acquired
// lazily by Prepare.
func (c *Coordinator) Begin(ctx context.Context, shardKeys []int64) (*Txn, error) {
	if len(shardKeys) == 0 {
		return nil, fmt.Errorf("%w: shard keys must not be empty", dberrors.ErrInvalidArgument)
	}

	seen := make(map[int]struct{})
	var shardIDs []int
	for _, key := range shardKeys {
		shardID, err := c.strategy.ShardID(key)
		if err != nil {
			return nil, err
		}
		if _, ok := c.pools[shardID]; !ok {
			return nil, fmt.Errorf("%w: shard %d", dberrors.ErrShardNotFound, shardID)
		}
		if _, ok := seen[shardID]; !ok {
			seen[shardID] = struct{}{}
			shardIDs = append(shardIDs, shardID)
		}
	}
	sort.Ints(shardIDs)

	t := &Txn{
		id:       uuid.NewString(),
		coord:    c,
		shardIDs: shardIDs,
		start:    time.Now(),
		state:    StateInitial,
		conns:    make(map[int]*connection.Conn, len(shardIDs)),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, dberrors.ErrCoordinatorClosed
	}
	c.active[t.id] = t
	c.mu.Unlock()

	c.log.Debug("transaction begun",
		zap.String("tx_id", t.id), zap.Ints("shard_ids", shardIDs))
	return t, nil
}

// Prepare runs the prepare phase: concurrently, every involved shard gets a
// held connection with an open shard-local transaction and is probed for
// liveness. Each shard's outcome is a vote; a failure anywhere is converted
// to a no vote, never left pending. All-yes moves the transaction to
// PREPARED; otherwise it is FAILED, the yes-voters' shard-local transactions
// are aborted, and ErrPrepareFailed is returned.
//
// The whole phase runs under the coordinator's prepare timeout, so a shard
// that accepts a connection but stalls mid-prepare fails its vote instead of
// hanging the transaction.
func (c *Coordinator) Prepare(ctx context.Context, t *Txn) error {
	t.mu.Lock()
	if t.state != StateInitial {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot prepare from %s", dberrors.ErrTxnInvalidState, state)
	}
	t.state = StatePreparing
	t.mu.Unlock()

	c.txlog.OnPrepare(t.id, t.shardIDs)

	pctx, cancel := context.WithTimeout(ctx, c.prepareTimeout)
	defer cancel()

	results := fanout.Run(pctx, t.shardIDs, c.workers, func(ctx context.Context, shardID int) (*connection.Conn, error) {
		pool := c.pools[shardID]
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if err := conn.Begin(ctx); err != nil {
			pool.Release(conn)
			return nil, dberrors.NewStorageError(shardID, err)
		}
		if err := conn.Ping(ctx); err != nil {
			rbCtx, rbCancel := context.WithTimeout(context.Background(), 5*time.Second)
			conn.Rollback(rbCtx)
			rbCancel()
			pool.Release(conn)
			return nil, dberrors.NewStorageError(shardID, err)
		}
		return conn, nil
	})

	allPrepared := true
	t.mu.Lock()
	for _, shardID := range t.shardIDs {
		if out := results[shardID]; out.Err == nil {
			t.conns[shardID] = out.Value
		} else {
			allPrepared = false
		}
	}
	t.mu.Unlock()

	for _, shardID := range t.shardIDs {
		out := results[shardID]
		c.txlog.OnVote(t.id, shardID, out.Err == nil)
		if out.Err != nil {
			c.txlog.OnError(t.id, out.Err, shardID)
			c.log.Warn("shard failed to prepare",
				zap.String("tx_id", t.id), zap.Int("shard_id", shardID), zap.Error(out.Err))
		}
	}

	if allPrepared {
		t.mu.Lock()
		t.state = StatePrepared
		t.mu.Unlock()
		return nil
	}

	// Abort the shard-local transactions of the shards that did vote yes,
	// then finalize as FAILED.
	c.abortHeld(t, "prepare failed")
	c.setState(t, StateFailed)
	c.finish(t, StateFailed)
	return fmt.Errorf("%w: transaction %s", dberrors.ErrPrepareFailed, t.id)
}

// Commit drives the transaction to a terminal state. From INITIAL it prepares
// first; from PREPARED it concurrently issues the shard-local commit on every
// held connection. The transaction ends COMMITTED only when every shard
// commit succeeds and FAILED otherwise. Held connections are always released
// and the transaction always leaves the active set.
func (c *Coordinator) Commit(ctx context.Context, t *Txn) error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if state == StateInitial {
		if err := c.Prepare(ctx, t); err != nil {
			return err
		}
	}

	t.mu.Lock()
	if t.state != StatePrepared {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot commit from %s", dberrors.ErrTxnInvalidState, state)
	}
	t.state = StateCommitting
	conns := heldConns(t)
	t.mu.Unlock()

	c.txlog.OnCommit(t.id, t.shardIDs)

	results := fanout.Run(ctx, t.shardIDs, c.workers, func(ctx context.Context, shardID int) (struct{}, error) {
		conn, ok := conns[shardID]
		if !ok {
			return struct{}{}, fmt.Errorf("%w: no held connection for shard %d", dberrors.ErrTxnInvalidState, shardID)
		}
		if err := conn.Commit(ctx); err != nil {
			return struct{}{}, dberrors.NewStorageError(shardID, err)
		}
		return struct{}{}, nil
	})

	final := StateCommitted
	for _, shardID := range t.shardIDs {
		if out := results[shardID]; out.Err != nil {
			final = StateFailed
			c.txlog.OnError(t.id, out.Err, shardID)
			c.log.Error("shard failed to commit",
				zap.String("tx_id", t.id), zap.Int("shard_id", shardID), zap.Error(out.Err))
		}
	}

	c.setState(t, final)
	c.releaseHeld(t)
	c.finish(t, final)

	if final != StateCommitted {
		return fmt.Errorf("%w: transaction %s", dberrors.ErrTxnFailed, t.id)
	}
	return nil
}

// Rollback aborts the transaction on every involved shard. It is a no-op when
// the transaction is already COMMITTED or ROLLED_BACK. Rollback is
// best-effort-complete: a failing rollback on one shard is logged and does
// not block rolling back the others.
func (c *Coordinator) Rollback(ctx context.Context, t *Txn) error {
	return c.rollback(ctx, t, "rollback requested")
}

func (c *Coordinator) rollback(ctx context.Context, t *Txn, reason string) error {
	t.mu.Lock()
	if t.done || t.state == StateCommitted || t.state == StateRolledBack {
		t.mu.Unlock()
		return nil
	}
	t.state = StateRollingBack
	conns := heldConns(t)
	t.mu.Unlock()

	c.txlog.OnRollback(t.id, t.shardIDs, reason)

	rbIDs := make([]int, 0, len(conns))
	for shardID := range conns {
		rbIDs = append(rbIDs, shardID)
	}
	results := fanout.Run(ctx, rbIDs, c.workers, func(ctx context.Context, shardID int) (struct{}, error) {
		if err := conns[shardID].Rollback(ctx); err != nil {
			return struct{}{}, dberrors.NewStorageError(shardID, err)
		}
		return struct{}{}, nil
	})
	for shardID, out := range results {
		if out.Err != nil {
			c.txlog.OnError(t.id, out.Err, shardID)
			c.log.Warn("shard rollback failed",
				zap.String("tx_id", t.id), zap.Int("shard_id", shardID), zap.Error(out.Err))
		}
	}

	c.setState(t, StateRolledBack)
	c.releaseHeld(t)
	c.finish(t, StateRolledBack)
	return nil
}

// Run executes fn inside a scoped transaction: commit when fn returns nil,
// rollback (then propagate fn's error) otherwise. A panic in fn rolls the
// transaction back before re-panicking.
func (c *Coordinator) Run(ctx context.Context, shardKeys []int64, fn func(ctx context.Context, t *Txn) error) error {
	t, err := c.Begin(ctx, shardKeys)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			c.rollback(ctx, t, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	if err := fn(ctx, t); err != nil {
		c.rollback(ctx, t, err.Error())
		return err
	}
	return c.Commit(ctx, t)
}

// Active returns the ids of the transactions not yet in a terminal state.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown rolls back every active transaction and rejects new ones. It is
// safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	remaining := make([]*Txn, 0, len(c.active))
	for _, t := range c.active {
		remaining = append(remaining, t)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, t := range remaining {
		c.rollback(ctx, t, "coordinator shutdown")
	}
}

// abortHeld rolls back and releases the connections already held by t. Used
// when prepare fails partway.
func (c *Coordinator) abortHeld(t *Txn, reason string) {
	t.mu.Lock()
	conns := heldConns(t)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids := make([]int, 0, len(conns))
	for shardID := range conns {
		ids = append(ids, shardID)
	}
	results := fanout.Run(ctx, ids, c.workers, func(ctx context.Context, shardID int) (struct{}, error) {
		if err := conns[shardID].Rollback(ctx); err != nil {
			return struct{}{}, dberrors.NewStorageError(shardID, err)
		}
		return struct{}{}, nil
	})
	for shardID, out := range results {
		if out.Err != nil {
			c.txlog.OnError(t.id, out.Err, shardID)
			c.log.Warn("abort of prepared shard failed",
				zap.String("tx_id", t.id), zap.Int("shard_id", shardID),
				zap.String("reason", reason), zap.Error(out.Err))
		}
	}
	c.releaseHeld(t)
}

// releaseHeld returns every held connection to its pool and clears the
// transaction's connection map.
func (c *Coordinator) releaseHeld(t *Txn) {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[int]*connection.Conn)
	t.mu.Unlock()

	for shardID, conn := range conns {
		if pool, ok := c.pools[shardID]; ok {
			pool.Release(conn)
		}
	}
}

// finish removes t from the active set and reports its terminal state.
func (c *Coordinator) finish(t *Txn, final State) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()

	c.mu.Lock()
	delete(c.active, t.id)
	c.mu.Unlock()

	c.txlog.OnComplete(t.id, final, time.Since(t.start))
}

// setState records a state transition under the transaction's lock.
func (c *Coordinator) setState(t *Txn, s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// heldConns snapshots the held-connection map. Caller must hold t.mu.
func heldConns(t *Txn) map[int]*connection.Conn {
	conns := make(map[int]*connection.Conn, len(t.conns))
	for shardID, conn := range t.conns {
		conns[shardID] = conn
	}
	return conns
}
