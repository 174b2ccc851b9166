package transaction

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sushant-115/gojoshard/core/dberrors"
	"github.com/sushant-115/gojoshard/pkg/connection"
)

// Txn is one cross-shard transaction. It owns a connection per involved
// shard for its whole lifetime; the connections are acquired during prepare
// and released only when the transaction reaches a terminal state.
//
// Statements issued through a Txn run inside the shard-local transactions
// opened by the prepare phase, so they become visible only after Commit.
type Txn struct {
	id       string
	coord    *Coordinator
	shardIDs []int
	start    time.Time

	mu    sync.Mutex
	state State
	conns map[int]*connection.Conn
	done  bool
}

// ID returns the transaction's unique identifier.
func (t *Txn) ID() string { return t.id }

// ShardIDs returns the ids of the shards involved in the transaction.
func (t *Txn) ShardIDs() []int {
	ids := make([]int, len(t.shardIDs))
	copy(ids, t.shardIDs)
	return ids
}

// State returns the transaction's current lifecycle state.
func (t *Txn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Commit drives the transaction to COMMITTED via the coordinator, preparing
// first when still in INITIAL.
func (t *Txn) Commit(ctx context.Context) error {
	return t.coord.Commit(ctx, t)
}

// Rollback aborts the transaction best-effort on every involved shard.
func (t *Txn) Rollback(ctx context.Context) error {
	return t.coord.Rollback(ctx, t)
}

// Exec runs a statement on the shard owning key, inside that shard's local
// transaction. The transaction is prepared automatically on first use.
func (t *Txn) Exec(ctx context.Context, key int64, query string, args ...any) (sql.Result, error) {
	conn, err := t.connForKey(ctx, key)
	if err != nil {
		return nil, err
	}
	res, err := conn.Exec(ctx, query, args...)
	if err != nil {
		return nil, dberrors.NewStorageError(conn.ShardID(), err)
	}
	return res, nil
}

// Insert stages a single-row insert on the shard owning key.
func (t *Txn) Insert(ctx context.Context, table string, row map[string]any, key int64) error {
	if strings.TrimSpace(table) == "" {
		return fmt.Errorf("%w: table name must not be empty", dberrors.ErrInvalidArgument)
	}
	if len(row) == 0 {
		return fmt.Errorf("%w: row must not be empty", dberrors.ErrInvalidArgument)
	}

	columns := sortedColumns(row)
	args := make([]any, 0, len(columns))
	marks := make([]string, 0, len(columns))
	for _, col := range columns {
		args = append(args, row[col])
		marks = append(marks, "?")
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(marks, ", "))

	_, err := t.Exec(ctx, key, query, args...)
	return err
}

// Update stages an update on the shard owning key and returns the affected
// row count.
func (t *Txn) Update(ctx context.Context, table string, set, where map[string]any, key int64) (int64, error) {
	if strings.TrimSpace(table) == "" {
		return 0, fmt.Errorf("%w: table name must not be empty", dberrors.ErrInvalidArgument)
	}
	if len(set) == 0 {
		return 0, fmt.Errorf("%w: set values must not be empty", dberrors.ErrInvalidArgument)
	}

	setCols := sortedColumns(set)
	clauses := make([]string, 0, len(setCols))
	args := make([]any, 0, len(setCols))
	for _, col := range setCols {
		clauses = append(clauses, col+" = ?")
		args = append(args, set[col])
	}
	query := fmt.Sprintf("UPDATE %s SET %s", table, strings.Join(clauses, ", "))
	if cond, condArgs := whereClause(where); cond != "" {
		query += " WHERE " + cond
		args = append(args, condArgs...)
	}

	res, err := t.Exec(ctx, key, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete stages a delete on the shard owning key and returns the affected
// row count.
func (t *Txn) Delete(ctx context.Context, table string, where map[string]any, key int64) (int64, error) {
	if strings.TrimSpace(table) == "" {
		return 0, fmt.Errorf("%w: table name must not be empty", dberrors.ErrInvalidArgument)
	}

	query := "DELETE FROM " + table
	var args []any
	if cond, condArgs := whereClause(where); cond != "" {
		query += " WHERE " + cond
		args = condArgs
	}

	res, err := t.Exec(ctx, key, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Select reads rows on the shard owning key through the held connection, so
// it observes the transaction's own uncommitted writes.
func (t *Txn) Select(ctx context.Context, table string, where map[string]any, key int64) ([]map[string]any, error) {
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("%w: table name must not be empty", dberrors.ErrInvalidArgument)
	}

	query := "SELECT * FROM " + table
	var args []any
	if cond, condArgs := whereClause(where); cond != "" {
		query += " WHERE " + cond
		args = condArgs
	}

	conn, err := t.connForKey(ctx, key)
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, dberrors.NewStorageError(conn.ShardID(), err)
	}
	return rows, nil
}

// connForKey resolves key to an involved shard's held connection, preparing
// the transaction first when it is still in INITIAL.
func (t *Txn) connForKey(ctx context.Context, key int64) (*connection.Conn, error) {
	shardID, err := t.coord.strategy.ShardID(key)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if state == StateInitial {
		if err := t.coord.Prepare(ctx, t); err != nil {
			return nil, err
		}
	} else if state != StatePrepared {
		return nil, fmt.Errorf("%w: cannot execute in state %s", dberrors.ErrTxnInvalidState, state)
	}

	t.mu.Lock()
	conn, ok := t.conns[shardID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: shard %d is not part of transaction %s", dberrors.ErrInvalidArgument, shardID, t.id)
	}
	return conn, nil
}

func sortedColumns(m map[string]any) []string {
	cols := make([]string, 0, len(m))
	for c := range m {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func whereClause(where map[string]any) (string, []any) {
	if len(where) == 0 {
		return "", nil
	}
	cols := sortedColumns(where)
	conds := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols))
	for _, col := range cols {
		conds = append(conds, col+" = ?")
		args = append(args, where[col])
	}
	return strings.Join(conds, " AND "), args
}
