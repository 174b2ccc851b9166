package connection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

// Conn is a live handle to one shard's database file. Every Conn pins a
// single SQLite session, so statements issued across calls (in particular
// BEGIN IMMEDIATE followed later by COMMIT or ROLLBACK) land on the same
// underlying connection. A Conn is owned by at most one caller at a time
// while checked out of its pool.
type Conn struct {
	shardID int
	db      *sqlx.DB
	sess    *sqlx.Conn
}

// newConn opens a dedicated SQLite session against path and applies the
// per-connection pragmas: referential integrity on and WAL journaling.
func newConn(ctx context.Context, shardID int, path string) (*Conn, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open shard file %s: %w", path, err)
	}
	// One driver connection per Conn; the pool above does the pooling.
	db.SetMaxOpenConns(1)

	sess, err := db.Connx(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pin session for %s: %w", path, err)
	}

	c := &Conn{shardID: shardID, db: db, sess: sess}
	if _, err := sess.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		c.close()
		return nil, fmt.Errorf("enable foreign keys on %s: %w", path, err)
	}
	var mode string
	if err := sess.QueryRowxContext(ctx, "PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		c.close()
		return nil, fmt.Errorf("set journal mode on %s: %w", path, err)
	}
	return c, nil
}

// ShardID returns the id of the shard this connection belongs to.
func (c *Conn) ShardID() int { return c.shardID }

// Exec executes a statement and returns the driver result.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.sess.ExecContext(ctx, query, args...)
}

// Query runs a query and returns every row as a column-name keyed map.
func (c *Conn) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := c.sess.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// QueryValue runs a query expected to return a single scalar (first column of
// the first row). It returns nil when the result is NULL.
func (c *Conn) QueryValue(ctx context.Context, query string, args ...any) (any, error) {
	var v any
	err := c.sess.QueryRowxContext(ctx, query, args...).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// Begin starts a shard-local transaction in exclusive-write mode.
func (c *Conn) Begin(ctx context.Context) error {
	_, err := c.sess.ExecContext(ctx, "BEGIN IMMEDIATE")
	return err
}

// Commit commits the shard-local transaction started by Begin.
func (c *Conn) Commit(ctx context.Context) error {
	_, err := c.sess.ExecContext(ctx, "COMMIT")
	return err
}

// Rollback aborts the shard-local transaction started by Begin.
func (c *Conn) Rollback(ctx context.Context) error {
	_, err := c.sess.ExecContext(ctx, "ROLLBACK")
	return err
}

// Ping probes the session with a trivial query.
func (c *Conn) Ping(ctx context.Context) error {
	var one int
	return c.sess.QueryRowxContext(ctx, "SELECT 1").Scan(&one)
}

// close tears down the pinned session and its handle.
func (c *Conn) close() error {
	var err error
	if c.sess != nil {
		err = multierr.Append(err, c.sess.Close())
		c.sess = nil
	}
	if c.db != nil {
		err = multierr.Append(err, c.db.Close())
		c.db = nil
	}
	return err
}
