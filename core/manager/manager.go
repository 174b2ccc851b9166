// Package manager is the top-level orchestrator of a gojoshard deployment.
// It owns the configuration, the sharding strategy, one connection pool per
// shard, the router and the transaction coordinator, and exposes the unified
// operation surface callers consume.
package manager

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/sushant-115/gojoshard/config"
	"github.com/sushant-115/gojoshard/core/dberrors"
	"github.com/sushant-115/gojoshard/core/router"
	"github.com/sushant-115/gojoshard/core/sharding"
	"github.com/sushant-115/gojoshard/core/transaction"
	"github.com/sushant-115/gojoshard/pkg/connection"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ShardInfo describes one shard's database file.
type ShardInfo struct {
	ShardID int    `json:"shard_id"`
	Path    string `json:"path"`
	Exists  bool   `json:"exists"`
	Size    int64  `json:"size"`
}

// Stats is a fleet-wide roll-up used for diagnostics.
type Stats struct {
	TotalShards    int                      `json:"total_shards"`
	ExistingShards int                      `json:"existing_shards"`
	TotalSizeBytes int64                    `json:"total_size_bytes"`
	AvgSizeBytes   float64                  `json:"avg_size_bytes"`
	DBDir          string                   `json:"db_dir"`
	Pools          map[int]connection.Stats `json:"pools"`
}

// Option customizes a Manager at construction.
type Option func(*options)

type options struct {
	strategy sharding.Strategy
	txlog    transaction.Logger
	log      *zap.Logger
}

// WithStrategy replaces the default hash sharding strategy.
func WithStrategy(s sharding.Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// WithTransactionLogger sets the transaction lifecycle logger. The default
// discards all events.
func WithTransactionLogger(l transaction.Logger) Option {
	return func(o *options) { o.txlog = l }
}

// WithLogger sets the zap logger used by every component.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// Manager coordinates every component of a sharded deployment. Managers are
// explicit handles: there is no process-wide default instance, and multiple
// managers can coexist in one process.
type Manager struct {
	cfg      *config.Config
	strategy sharding.Strategy
	pools    map[int]*connection.Pool
	router   *router.Router
	coord    *transaction.Coordinator
	log      *zap.Logger

	mu     sync.Mutex
	closed bool
}

// New builds a manager from cfg: it provisions missing shard files, creates
// the per-shard connection pools, and wires the router and the transaction
// coordinator.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.strategy == nil {
		strategy, err := sharding.NewHashStrategy(cfg.NumShards)
		if err != nil {
			return nil, err
		}
		o.strategy = strategy
	}

	if cfg.AutoCreateDirs {
		if err := os.MkdirAll(cfg.DBDir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir %s: %w", cfg.DBDir, err)
		}
	}

	m := &Manager{
		cfg:      cfg,
		strategy: o.strategy,
		pools:    make(map[int]*connection.Pool, cfg.NumShards),
		log:      o.log,
	}

	for shardID, path := range cfg.AllShardPaths() {
		if err := provisionShardFile(path); err != nil {
			return nil, dberrors.NewStorageError(shardID, err)
		}
		pool, err := connection.NewPool(shardID, path, cfg.MaxConnectionsPerShard, cfg.AcquireTimeout(), o.log)
		if err != nil {
			return nil, err
		}
		m.pools[shardID] = pool
	}

	rt, err := router.NewRouter(o.strategy, m.pools, cfg.MaxWorkers, o.log)
	if err != nil {
		return nil, err
	}
	m.router = rt

	coord, err := transaction.NewCoordinator(o.strategy, m.pools, o.txlog, o.log, cfg.MaxWorkers, cfg.PrepareDeadline())
	if err != nil {
		return nil, err
	}
	m.coord = coord

	m.log.Info("shard manager initialized",
		zap.Int("num_shards", cfg.NumShards), zap.String("db_dir", cfg.DBDir))
	return m, nil
}

// provisionShardFile creates an empty SQLite database at path when no file
// exists there yet.
func provisionShardFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("create shard file %s: %w", path, err)
	}
	defer db.Close()
	// Ping forces the file into existence.
	if err := db.Ping(); err != nil {
		return fmt.Errorf("initialize shard file %s: %w", path, err)
	}
	return nil
}

// ApplySchema executes the DDL statement against every shard sequentially and
// fails fast on the first shard error. Schema application is not transactional
// across shards: a mid-fleet failure leaves earlier shards already migrated.
func (m *Manager) ApplySchema(ctx context.Context, ddl string) error {
	if ddl == "" {
		return fmt.Errorf("%w: ddl must not be empty", dberrors.ErrInvalidArgument)
	}

	for _, shardID := range m.strategy.AllShardIDs() {
		pool := m.pools[shardID]
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return err
		}
		_, err = conn.Exec(ctx, ddl)
		pool.Release(conn)
		if err != nil {
			return dberrors.NewStorageError(shardID, err)
		}
	}
	return nil
}

// Insert inserts a row into the shard owning key.
func (m *Manager) Insert(ctx context.Context, table string, row map[string]any, key int64) error {
	return m.router.Insert(ctx, table, row, key)
}

// Select queries the shard owning key, or every shard when key is nil.
func (m *Manager) Select(ctx context.Context, table string, where map[string]any, key *int64) ([]map[string]any, error) {
	return m.router.Select(ctx, table, where, key)
}

// Update updates rows on the shard owning key, or on every shard when key is
// nil, returning the total affected-row count.
func (m *Manager) Update(ctx context.Context, table string, set, where map[string]any, key *int64) (int64, error) {
	return m.router.Update(ctx, table, set, where, key)
}

// Delete removes rows on the shard owning key, or on every shard when key is
// nil, returning the total affected-row count.
func (m *Manager) Delete(ctx context.Context, table string, where map[string]any, key *int64) (int64, error) {
	return m.router.Delete(ctx, table, where, key)
}

// Aggregate evaluates an aggregate expression across every shard and merges
// the per-shard results.
func (m *Manager) Aggregate(ctx context.Context, table, expr string) (map[string]any, error) {
	return m.router.Aggregate(ctx, table, expr)
}

// Transaction begins a cross-shard transaction spanning the shards owning the
// given row keys.
func (m *Manager) Transaction(ctx context.Context, shardKeys []int64) (*transaction.Txn, error) {
	return m.coord.Begin(ctx, shardKeys)
}

// RunTransaction executes fn inside a scoped transaction: committed when fn
// returns nil, rolled back otherwise.
func (m *Manager) RunTransaction(ctx context.Context, shardKeys []int64, fn func(ctx context.Context, t *transaction.Txn) error) error {
	return m.coord.Run(ctx, shardKeys, fn)
}

// ShardInfo reports path, existence and size for every shard file.
func (m *Manager) ShardInfo() map[int]ShardInfo {
	info := make(map[int]ShardInfo, m.cfg.NumShards)
	for shardID, path := range m.cfg.AllShardPaths() {
		entry := ShardInfo{ShardID: shardID, Path: path}
		if fi, err := os.Stat(path); err == nil {
			entry.Exists = true
			entry.Size = fi.Size()
		}
		info[shardID] = entry
	}
	return info
}

// ShardStats rolls up fleet-wide diagnostics: file sizes and per-pool
// connection counters.
func (m *Manager) ShardStats() Stats {
	info := m.ShardInfo()
	stats := Stats{
		TotalShards: m.cfg.NumShards,
		DBDir:       m.cfg.DBDir,
		Pools:       m.PoolStats(),
	}
	for _, entry := range info {
		if entry.Exists {
			stats.ExistingShards++
		}
		stats.TotalSizeBytes += entry.Size
	}
	if m.cfg.NumShards > 0 {
		stats.AvgSizeBytes = float64(stats.TotalSizeBytes) / float64(m.cfg.NumShards)
	}
	return stats
}

// PoolStats reports every connection pool's counters.
func (m *Manager) PoolStats() map[int]connection.Stats {
	stats := make(map[int]connection.Stats, len(m.pools))
	for shardID, pool := range m.pools {
		stats[shardID] = pool.Stats()
	}
	return stats
}

// ValidateShardFiles checks that every shard file exists and answers a
// trivial query. It returns nil when the whole fleet is healthy.
func (m *Manager) ValidateShardFiles(ctx context.Context) error {
	ids := m.strategy.AllShardIDs()
	sort.Ints(ids)
	for _, shardID := range ids {
		path, err := m.cfg.ShardPath(shardID)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return dberrors.NewStorageError(shardID, fmt.Errorf("shard file missing: %w", err))
		}
		pool := m.pools[shardID]
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return err
		}
		err = conn.Ping(ctx)
		pool.Release(conn)
		if err != nil {
			return dberrors.NewStorageError(shardID, err)
		}
	}
	return nil
}

// Strategy returns the sharding strategy in use.
func (m *Manager) Strategy() sharding.Strategy { return m.strategy }

// Config returns the manager's configuration.
func (m *Manager) Config() *config.Config { return m.cfg }

// Shutdown releases the coordinator's resources and closes every connection
// pool. It is safe to call more than once and after no operations ran.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.coord.Shutdown()

	var err error
	for _, pool := range m.pools {
		err = multierr.Append(err, pool.CloseAll())
	}
	m.log.Info("shard manager shut down")
	return err
}
