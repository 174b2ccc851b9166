// Package router directs CRUD and aggregate operations to the correct
// shard(s). Keyed operations resolve a single shard through the sharding
// strategy; keyless operations fan out to every shard on a bounded worker
// pool and merge the per-shard results.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sushant-115/gojoshard/core/dberrors"
	"github.com/sushant-115/gojoshard/core/sharding"
	"github.com/sushant-115/gojoshard/internal/fanout"
	"github.com/sushant-115/gojoshard/pkg/connection"
	"go.uber.org/zap"
)

// Router routes logical operations to shard connection pools.
type Router struct {
	strategy sharding.Strategy
	pools    map[int]*connection.Pool
	workers  int
	log      *zap.Logger
}

// NewRouter creates a router over the given per-shard pools. workers bounds
// the fan-out parallelism for keyless operations and aggregates.
func NewRouter(strategy sharding.Strategy, pools map[int]*connection.Pool, workers int, log *zap.Logger) (*Router, error) {
	if strategy == nil {
		return nil, fmt.Errorf("%w: strategy must not be nil", dberrors.ErrInvalidArgument)
	}
	if len(pools) == 0 {
		return nil, fmt.Errorf("%w: no connection pools", dberrors.ErrInvalidArgument)
	}
	if workers <= 0 {
		workers = fanout.DefaultWorkers
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{strategy: strategy, pools: pools, workers: workers, log: log}, nil
}

// Pool returns the connection pool serving shardID.
func (r *Router) Pool(shardID int) (*connection.Pool, error) {
	pool, ok := r.pools[shardID]
	if !ok {
		return nil, fmt.Errorf("%w: shard %d", dberrors.ErrShardNotFound, shardID)
	}
	return pool, nil
}

// PoolForKey returns the connection pool owning the given row key.
func (r *Router) PoolForKey(key int64) (*connection.Pool, error) {
	shardID, err := r.strategy.ShardID(key)
	if err != nil {
		return nil, err
	}
	return r.Pool(shardID)
}

// Insert routes a single-row insert to the shard owning key.
func (r *Router) Insert(ctx context.Context, table string, row map[string]any, key int64) error {
	if err := validateTable(table); err != nil {
		return err
	}
	if len(row) == 0 {
		return fmt.Errorf("%w: row must not be empty", dberrors.ErrInvalidArgument)
	}
	if !r.strategy.ValidateKey(key) {
		return fmt.Errorf("%w: invalid key %d", dberrors.ErrInvalidArgument, key)
	}

	shardID, err := r.strategy.ShardID(key)
	if err != nil {
		return err
	}

	columns := sortedKeys(row)
	args := make([]any, 0, len(columns))
	placeholders := make([]string, 0, len(columns))
	for _, col := range columns {
		args = append(args, row[col])
		placeholders = append(placeholders, "?")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	return r.withConn(ctx, shardID, func(conn *connection.Conn) error {
		_, err := conn.Exec(ctx, query, args...)
		return err
	})
}

// Select routes a query to the shard owning key, or, when key is nil, fans
// out to every shard and concatenates the row lists. Ordering across shards
// is unspecified.
func (r *Router) Select(ctx context.Context, table string, where map[string]any, key *int64) ([]map[string]any, error) {
	if err := validateTable(table); err != nil {
		return nil, err
	}

	query, args := buildSelect(table, where)

	if key != nil {
		shardID, err := r.strategy.ShardID(*key)
		if err != nil {
			return nil, err
		}
		var rows []map[string]any
		err = r.withConn(ctx, shardID, func(conn *connection.Conn) error {
			var qerr error
			rows, qerr = conn.Query(ctx, query, args...)
			return qerr
		})
		return rows, err
	}

	results := fanout.Run(ctx, r.strategy.AllShardIDs(), r.workers, func(ctx context.Context, shardID int) ([]map[string]any, error) {
		var rows []map[string]any
		err := r.withConn(ctx, shardID, func(conn *connection.Conn) error {
			var qerr error
			rows, qerr = conn.Query(ctx, query, args...)
			return qerr
		})
		return rows, err
	})

	var all []map[string]any
	for _, shardID := range r.strategy.AllShardIDs() {
		out := results[shardID]
		if out.Err != nil {
			return nil, out.Err
		}
		all = append(all, out.Value...)
	}
	return all, nil
}

// Update routes an update to the shard owning key, or to every shard when key
// is nil, returning the summed affected-row count.
func (r *Router) Update(ctx context.Context, table string, set map[string]any, where map[string]any, key *int64) (int64, error) {
	if err := validateTable(table); err != nil {
		return 0, err
	}
	if len(set) == 0 {
		return 0, fmt.Errorf("%w: set values must not be empty", dberrors.ErrInvalidArgument)
	}

	setCols := sortedKeys(set)
	clauses := make([]string, 0, len(setCols))
	args := make([]any, 0, len(setCols))
	for _, col := range setCols {
		clauses = append(clauses, col+" = ?")
		args = append(args, set[col])
	}
	query := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(clauses, ", "))
	if cond, condArgs := buildWhere(where); cond != "" {
		query += " WHERE " + cond
		args = append(args, condArgs...)
	}

	return r.execCounted(ctx, query, args, key)
}

// Delete routes a delete to the shard owning key, or to every shard when key
// is nil, returning the summed affected-row count.
func (r *Router) Delete(ctx context.Context, table string, where map[string]any, key *int64) (int64, error) {
	if err := validateTable(table); err != nil {
		return 0, err
	}

	query := "DELETE FROM " + table
	var args []any
	if cond, condArgs := buildWhere(where); cond != "" {
		query += " WHERE " + cond
		args = condArgs
	}

	return r.execCounted(ctx, query, args, key)
}

// execCounted executes a statement on one or all shards, summing the
// affected-row counts for the fan-out case.
func (r *Router) execCounted(ctx context.Context, query string, args []any, key *int64) (int64, error) {
	if key != nil {
		shardID, err := r.strategy.ShardID(*key)
		if err != nil {
			return 0, err
		}
		var affected int64
		err = r.withConn(ctx, shardID, func(conn *connection.Conn) error {
			res, eerr := conn.Exec(ctx, query, args...)
			if eerr != nil {
				return eerr
			}
			affected, eerr = res.RowsAffected()
			return eerr
		})
		return affected, err
	}

	results := fanout.Run(ctx, r.strategy.AllShardIDs(), r.workers, func(ctx context.Context, shardID int) (int64, error) {
		var affected int64
		err := r.withConn(ctx, shardID, func(conn *connection.Conn) error {
			res, eerr := conn.Exec(ctx, query, args...)
			if eerr != nil {
				return eerr
			}
			affected, eerr = res.RowsAffected()
			return eerr
		})
		return affected, err
	})

	var total int64
	for _, out := range results {
		if out.Err != nil {
			return 0, out.Err
		}
		total += out.Value
	}
	return total, nil
}

// withConn runs fn with a connection checked out of shardID's pool, releasing
// it afterwards. Engine failures come back as StorageError carrying the shard
// id.
func (r *Router) withConn(ctx context.Context, shardID int, fn func(*connection.Conn) error) error {
	pool, err := r.Pool(shardID)
	if err != nil {
		return err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer pool.Release(conn)

	if err := fn(conn); err != nil {
		return asStorageError(shardID, err)
	}
	return nil
}

// asStorageError wraps engine failures as StorageError without double
// wrapping errors that already carry their classification.
func asStorageError(shardID int, err error) error {
	var se *dberrors.StorageError
	if errors.As(err, &se) ||
		errors.Is(err, dberrors.ErrTimeout) ||
		errors.Is(err, dberrors.ErrInvalidArgument) ||
		errors.Is(err, dberrors.ErrPoolClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return dberrors.NewStorageError(shardID, err)
}

func validateTable(table string) error {
	if strings.TrimSpace(table) == "" {
		return fmt.Errorf("%w: table name must not be empty", dberrors.ErrInvalidArgument)
	}
	return nil
}

// buildSelect renders "SELECT * FROM table [WHERE ...]" with placeholders.
func buildSelect(table string, where map[string]any) (string, []any) {
	query := "SELECT * FROM " + table
	cond, args := buildWhere(where)
	if cond != "" {
		query += " WHERE " + cond
	}
	return query, args
}

// buildWhere renders equality predicates joined by AND, in sorted column
// order so statements are deterministic.
func buildWhere(where map[string]any) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}
	cols := sortedKeys(where)
	conds := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, col := range cols {
		conds = append(conds, col+" = ?")
		args = append(args, where[col])
	}
	return strings.Join(conds, " AND "), args
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
