// Package sharding maps row keys to shard ids. The strategy is pure routing
// logic: no I/O, no mutable state beyond the configured shard count.
package sharding

// Strategy deterministically maps an integer row key to its owning shard.
type Strategy interface {
	// ShardID returns the shard owning key. The result is a pure function of
	// (key, NumShards) and always falls in [0, NumShards).
	ShardID(key int64) (int, error)
	// AllShardIDs enumerates every shard id in ascending order.
	AllShardIDs() []int
	// ShardRange returns the shards that might contain keys in
	// [start, end]. A conservative over-approximation is acceptable.
	ShardRange(start, end int64) ([]int, error)
	// ValidateKey reports whether key is routable.
	ValidateKey(key int64) bool
	// NumShards returns the total number of shards.
	NumShards() int
}
