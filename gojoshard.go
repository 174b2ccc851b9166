// Package gojoshard shards rows of relational tables across independent
// SQLite database files and routes CRUD, aggregate and transactional
// operations to the right shard(s).
//
// The package is a thin façade over core/manager. A typical setup:
//
//	cfg := config.Default()
//	cfg.NumShards = 8
//	cfg.DBDir = "/var/lib/myapp/shards"
//
//	db, err := gojoshard.Open(cfg)
//	if err != nil {
//	    ...
//	}
//	defer db.Shutdown()
//
//	err = db.ApplySchema(ctx, `CREATE TABLE IF NOT EXISTS accounts (
//	    id INTEGER PRIMARY KEY, balance INTEGER NOT NULL)`)
//
// Managers are explicit handles; the package keeps no process-wide instance,
// so multiple independent fleets can live in one process.
package gojoshard

import (
	"github.com/sushant-115/gojoshard/config"
	"github.com/sushant-115/gojoshard/core/manager"
)

// Manager is the unified operation surface over a shard fleet.
type Manager = manager.Manager

// Option customizes a Manager at construction.
type Option = manager.Option

var (
	// WithStrategy replaces the default hash sharding strategy.
	WithStrategy = manager.WithStrategy
	// WithTransactionLogger sets the transaction lifecycle logger.
	WithTransactionLogger = manager.WithTransactionLogger
	// WithLogger sets the zap logger used by every component.
	WithLogger = manager.WithLogger
)

// Open builds a Manager from cfg, provisioning shard files as needed. A nil
// cfg uses the defaults (4 shards under ./data).
func Open(cfg *config.Config, opts ...Option) (*Manager, error) {
	return manager.New(cfg, opts...)
}

// OpenFile loads a YAML or JSON configuration file and opens a Manager from
// it.
func OpenFile(path string, opts ...Option) (*Manager, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return manager.New(cfg, opts...)
}
