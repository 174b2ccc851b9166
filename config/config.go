// Package config holds the configuration for a gojoshard deployment:
// how many shards to keep, where their database files live, and the pool
// and coordinator tunables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sushant-115/gojoshard/core/dberrors"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultNumShards is the number of shards used when none is configured.
	DefaultNumShards = 4
	// DefaultMaxConnectionsPerShard bounds each shard's connection pool.
	DefaultMaxConnectionsPerShard = 10
	// DefaultConnectionTimeoutSeconds bounds a blocking pool acquire.
	DefaultConnectionTimeoutSeconds = 30
	// DefaultPrepareTimeoutSeconds bounds the 2PC prepare phase.
	DefaultPrepareTimeoutSeconds = 30
	// DefaultMaxWorkers is the size of the per-operation fan-out worker pool.
	DefaultMaxWorkers = 4
)

// Config holds all the configuration for a shard manager.
type Config struct {
	// NumShards is the number of shard database files to distribute rows across.
	NumShards int `yaml:"num_shards" json:"num_shards"`
	// DBDir is the directory holding the shard database files.
	DBDir string `yaml:"db_dir" json:"db_dir"`
	// ConnectionTimeout is the maximum time, in seconds, to wait for a pooled
	// connection before failing the acquire.
	ConnectionTimeout int `yaml:"connection_timeout" json:"connection_timeout"`
	// PrepareTimeout is the maximum time, in seconds, allowed for the prepare
	// phase of a cross-shard transaction.
	PrepareTimeout int `yaml:"prepare_timeout" json:"prepare_timeout"`
	// AutoCreateDirs creates DBDir at startup when it does not exist.
	AutoCreateDirs bool `yaml:"auto_create_dirs" json:"auto_create_dirs"`
	// MaxConnectionsPerShard bounds each shard's connection pool.
	MaxConnectionsPerShard int `yaml:"max_connections_per_shard" json:"max_connections_per_shard"`
	// MaxWorkers bounds the number of shard-local operations run in parallel
	// during a fan-out (multi-shard queries, 2PC phases).
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`
}

// Default returns a Config populated with the default values.
func Default() *Config {
	return &Config{
		NumShards:              DefaultNumShards,
		DBDir:                  "./data",
		ConnectionTimeout:      DefaultConnectionTimeoutSeconds,
		PrepareTimeout:         DefaultPrepareTimeoutSeconds,
		AutoCreateDirs:         true,
		MaxConnectionsPerShard: DefaultMaxConnectionsPerShard,
		MaxWorkers:             DefaultMaxWorkers,
	}
}

// Load reads a configuration file in YAML (.yaml/.yml) or JSON (.json) format.
// Fields absent from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config file format %q", dberrors.ErrInvalidConfig, filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration parameters.
func (c *Config) Validate() error {
	if c.NumShards <= 0 {
		return fmt.Errorf("%w: num_shards must be positive, got %d", dberrors.ErrInvalidConfig, c.NumShards)
	}
	if c.DBDir == "" {
		return fmt.Errorf("%w: db_dir must not be empty", dberrors.ErrInvalidConfig)
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("%w: connection_timeout must be positive, got %d", dberrors.ErrInvalidConfig, c.ConnectionTimeout)
	}
	if c.PrepareTimeout <= 0 {
		return fmt.Errorf("%w: prepare_timeout must be positive, got %d", dberrors.ErrInvalidConfig, c.PrepareTimeout)
	}
	if c.MaxConnectionsPerShard <= 0 {
		return fmt.Errorf("%w: max_connections_per_shard must be positive, got %d", dberrors.ErrInvalidConfig, c.MaxConnectionsPerShard)
	}
	if c.MaxWorkers <= 0 {
		return fmt.Errorf("%w: max_workers must be positive, got %d", dberrors.ErrInvalidConfig, c.MaxWorkers)
	}
	return nil
}

// AcquireTimeout returns the pool acquire timeout as a duration.
func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

// PrepareDeadline returns the 2PC prepare-phase timeout as a duration.
func (c *Config) PrepareDeadline() time.Duration {
	return time.Duration(c.PrepareTimeout) * time.Second
}

// ShardPath returns the database file path for a shard id.
func (c *Config) ShardPath(shardID int) (string, error) {
	if shardID < 0 || shardID >= c.NumShards {
		return "", fmt.Errorf("%w: shard id %d out of range [0,%d)", dberrors.ErrShardNotFound, shardID, c.NumShards)
	}
	return filepath.Join(c.DBDir, fmt.Sprintf("shard_%d.db", shardID)), nil
}

// AllShardPaths returns the database file path for every shard.
func (c *Config) AllShardPaths() map[int]string {
	paths := make(map[int]string, c.NumShards)
	for id := 0; id < c.NumShards; id++ {
		paths[id] = filepath.Join(c.DBDir, fmt.Sprintf("shard_%d.db", id))
	}
	return paths
}
