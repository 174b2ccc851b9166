// Package connection provides a thread-safe, bounded pool of connections to a
// single shard's SQLite database file. Each shard in a deployment gets its own
// Pool; the pool hands out pinned sessions so callers can hold a connection
// across statements, which cross-shard transactions rely on.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sushant-115/gojoshard/core/dberrors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Stats is a point-in-time snapshot of a pool's counters.
type Stats struct {
	ShardID        int
	Path           string
	Active         int
	Idle           int
	MaxConnections int
	TotalCreated   int
}

// Pool manages reusable connections to one shard's database file.
//
// Acquire returns an idle connection when one is available, creates a new one
// while under the bound, and otherwise blocks up to the acquire timeout.
// Release probes the connection and discards it when dead.
type Pool struct {
	shardID        int
	path           string
	maxConnections int
	acquireTimeout time.Duration
	log            *zap.Logger

	mu sync.Mutex
	// total counts every live connection the pool has created and not yet
	// destroyed: checked out, idle, or in transit through Release. The
	// bound is enforced on total alone, so a connection between checkout
	// states can never be double-counted as free capacity.
	total        int
	checkedOut   int
	totalCreated int
	idle         chan *Conn
	closed       bool
}

// NewPool creates a pool for the shard database file at path.
func NewPool(shardID int, path string, maxConnections int, acquireTimeout time.Duration, log *zap.Logger) (*Pool, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: shard file path must not be empty", dberrors.ErrInvalidConfig)
	}
	if maxConnections <= 0 {
		return nil, fmt.Errorf("%w: max connections must be positive, got %d", dberrors.ErrInvalidConfig, maxConnections)
	}
	if acquireTimeout <= 0 {
		return nil, fmt.Errorf("%w: acquire timeout must be positive, got %s", dberrors.ErrInvalidConfig, acquireTimeout)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		shardID:        shardID,
		path:           path,
		maxConnections: maxConnections,
		acquireTimeout: acquireTimeout,
		log:            log,
		idle:           make(chan *Conn, maxConnections),
	}, nil
}

// Acquire checks a connection out of the pool. It returns an idle connection
// if one is present, creates a new one while the pool is under its bound, and
// otherwise blocks until a connection is released, the acquire timeout lapses
// (ErrTimeout), or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	select {
	case conn := <-p.idle:
		p.mu.Lock()
		p.checkedOut++
		p.mu.Unlock()
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, dberrors.ErrPoolClosed
	}
	if p.total < p.maxConnections {
		// Count the connection before dialing so concurrent acquires
		// cannot overshoot the bound. Connections mid-release still
		// hold their slot in total.
		p.total++
		p.checkedOut++
		p.mu.Unlock()

		conn, err := newConn(ctx, p.shardID, p.path)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.checkedOut--
			p.mu.Unlock()
			return nil, dberrors.NewStorageError(p.shardID, err)
		}

		p.mu.Lock()
		p.totalCreated++
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-p.idle:
		p.mu.Lock()
		p.checkedOut++
		p.mu.Unlock()
		return conn, nil
	case <-timer.C:
		return nil, fmt.Errorf("shard %d: %w (%s)", p.shardID, dberrors.ErrTimeout, p.acquireTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a connection to the pool. Dead connections are discarded.
// If the pool has been closed, the connection is destroyed instead of queued.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	p.checkedOut--
	p.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(probeCtx); err != nil {
		p.log.Warn("discarding dead connection",
			zap.Int("shard_id", p.shardID), zap.Error(err))
		p.destroy(conn)
		return
	}

	// The queue operation runs under the mutex together with the closed
	// check, so a closing pool can never be handed a connection it will
	// not drain.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(conn)
		return
	}
	select {
	case p.idle <- conn:
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		p.destroy(conn)
	}
}

// destroy closes a connection and gives up its slot under the bound.
func (p *Pool) destroy(conn *Conn) {
	conn.close()
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
}

// CloseAll marks the pool closed, then drains and closes every idle
// connection. Connections still checked out are destroyed on release.
// CloseAll is safe to call more than once.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var err error
	for {
		select {
		case conn := <-p.idle:
			err = multierr.Append(err, conn.close())
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
		default:
			return err
		}
	}
}

// Stats reports the pool's current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ShardID:        p.shardID,
		Path:           p.path,
		Active:         p.checkedOut,
		Idle:           len(p.idle),
		MaxConnections: p.maxConnections,
		TotalCreated:   p.totalCreated,
	}
}

// ShardID returns the id of the shard this pool serves.
func (p *Pool) ShardID() int { return p.shardID }

// Path returns the shard database file path this pool serves.
func (p *Pool) Path() string { return p.path }
