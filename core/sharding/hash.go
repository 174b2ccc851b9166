package sharding

import (
	"fmt"
	"sort"

	"github.com/sushant-115/gojoshard/core/dberrors"
)

// HashStrategy distributes keys with shard = abs(key) mod numShards.
//
// Routing is O(1), deterministic, and needs no coordination state; the
// distribution is acceptable for uniformly distributed integer keys. Ranges
// give no locality guarantee under hashing, so ShardRange returns all shards
// except for ranges narrower than the shard count, where the exact set is
// computed by hashing each key.
type HashStrategy struct {
	numShards int
}

// NewHashStrategy creates a hash strategy over numShards shards.
func NewHashStrategy(numShards int) (*HashStrategy, error) {
	if numShards <= 0 {
		return nil, fmt.Errorf("%w: num shards must be positive, got %d", dberrors.ErrInvalidConfig, numShards)
	}
	return &HashStrategy{numShards: numShards}, nil
}

// ShardID returns abs(key) mod numShards.
func (s *HashStrategy) ShardID(key int64) (int, error) {
	if !s.ValidateKey(key) {
		return 0, fmt.Errorf("%w: invalid key %d", dberrors.ErrInvalidArgument, key)
	}
	// Widen through uint64 so abs(math.MinInt64) does not overflow.
	var u uint64
	if key < 0 {
		u = uint64(-(key + 1)) + 1
	} else {
		u = uint64(key)
	}
	return int(u % uint64(s.numShards)), nil
}

// AllShardIDs returns 0..numShards-1.
func (s *HashStrategy) AllShardIDs() []int {
	ids := make([]int, s.numShards)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// ShardRange returns the shards that might hold keys in [start, end]. For
// ranges narrower than the shard count the exact set is computed; wider
// ranges cover every shard.
func (s *HashStrategy) ShardRange(start, end int64) ([]int, error) {
	if start > end {
		return nil, fmt.Errorf("%w: invalid key range [%d, %d]", dberrors.ErrInvalidArgument, start, end)
	}

	span := uint64(end) - uint64(start) // wraps correctly for any int64 pair
	if span < uint64(s.numShards)-1 {
		seen := make(map[int]struct{})
		var ids []int
		for key := start; ; key++ {
			id, err := s.ShardID(key)
			if err != nil {
				return nil, err
			}
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
			if key == end {
				break
			}
		}
		sort.Ints(ids)
		return ids, nil
	}
	return s.AllShardIDs(), nil
}

// ValidateKey reports whether key is routable. Every int64 is.
func (s *HashStrategy) ValidateKey(key int64) bool { return true }

// NumShards returns the configured shard count.
func (s *HashStrategy) NumShards() int { return s.numShards }
