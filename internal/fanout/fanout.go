// Package fanout runs one task per shard on a bounded worker pool and waits
// for every task to finish before returning. It is the fan-out/fan-in
// mechanism shared by the router and the transaction coordinator: no shard
// task is ever left unawaited, and per-shard failures are collected rather
// than aborting sibling tasks.
package fanout

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the worker bound used when none is configured.
const DefaultWorkers = 4

// Outcome is the result of one shard task: a value or an error, never both.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Run submits fn once per shard id on at most workers goroutines and blocks
// until all tasks complete. The returned map holds one Outcome per shard id,
// success or failure.
func Run[T any](ctx context.Context, shardIDs []int, workers int, fn func(ctx context.Context, shardID int) (T, error)) map[int]Outcome[T] {
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var g errgroup.Group
	g.SetLimit(workers)

	outcomes := make([]Outcome[T], len(shardIDs))
	for i, shardID := range shardIDs {
		i, shardID := i, shardID
		g.Go(func() error {
			v, err := fn(ctx, shardID)
			outcomes[i] = Outcome[T]{Value: v, Err: err}
			return nil
		})
	}
	// Task errors are carried in outcomes, never through the group.
	_ = g.Wait()

	results := make(map[int]Outcome[T], len(shardIDs))
	for i, shardID := range shardIDs {
		results[shardID] = outcomes[i]
	}
	return results
}
