// Package dberrors defines the error values shared across the gojoshard
// engine components.
package dberrors

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrTimeout           = errors.New("no connection available within timeout")
	ErrPoolClosed        = errors.New("connection pool is closed")
	ErrShardNotFound     = errors.New("shard not found")
	ErrCoordinatorClosed = errors.New("transaction coordinator is shut down")
	// --- 2PC Specific Errors ---
	ErrTxnNotFound     = errors.New("transaction not found")
	ErrTxnInvalidState = errors.New("transaction is in an invalid state for this operation")
	ErrPrepareFailed   = errors.New("prepare phase failed for transaction")
	ErrTxnFailed       = errors.New("one or more shards failed to prepare or commit")
)

// StorageError wraps a failure of the underlying per-shard engine and records
// which shard it came from. ShardID is -1 when the shard is unknown.
type StorageError struct {
	ShardID int
	Err     error
}

func (e *StorageError) Error() string {
	if e.ShardID < 0 {
		return fmt.Sprintf("storage error: %v", e.Err)
	}
	return fmt.Sprintf("storage error on shard %d: %v", e.ShardID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err as a StorageError for the given shard.
func NewStorageError(shardID int, err error) *StorageError {
	return &StorageError{ShardID: shardID, Err: err}
}
