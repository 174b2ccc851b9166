package sharding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojoshard/core/dberrors"
)

func TestNewHashStrategy_RejectsBadShardCount(t *testing.T) {
	for _, n := range []int{0, -1, -100} {
		_, err := NewHashStrategy(n)
		require.ErrorIs(t, err, dberrors.ErrInvalidConfig, "numShards=%d", n)
	}
}

func TestShardID_MatchesAbsMod(t *testing.T) {
	for _, n := range []int{1, 2, 4, 7, 16} {
		s, err := NewHashStrategy(n)
		require.NoError(t, err)

		for _, key := range []int64{0, 1, 2, 3, 41, 100, 12345, -1, -2, -41, -12345} {
			id, err := s.ShardID(key)
			require.NoError(t, err)

			abs := key
			if abs < 0 {
				abs = -abs
			}
			require.Equal(t, int(abs%int64(n)), id, "key=%d n=%d", key, n)
			require.GreaterOrEqual(t, id, 0)
			require.Less(t, id, n)

			// Stable across repeated calls.
			again, err := s.ShardID(key)
			require.NoError(t, err)
			require.Equal(t, id, again)
		}
	}
}

func TestShardID_MinInt64DoesNotOverflow(t *testing.T) {
	s, err := NewHashStrategy(4)
	require.NoError(t, err)

	id, err := s.ShardID(math.MinInt64)
	require.NoError(t, err)
	// abs(MinInt64) == 2^63, and 2^63 mod 4 == 0.
	require.Equal(t, 0, id)
}

func TestAllShardIDs_Enumerates(t *testing.T) {
	for _, n := range []int{1, 3, 8} {
		s, err := NewHashStrategy(n)
		require.NoError(t, err)

		ids := s.AllShardIDs()
		require.Len(t, ids, n)
		for i, id := range ids {
			require.Equal(t, i, id)
		}
	}
}

func TestShardRange_WideRangeCoversAllShards(t *testing.T) {
	s, err := NewHashStrategy(4)
	require.NoError(t, err)

	ids, err := s.ShardRange(0, 100)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3}, ids)
}

func TestShardRange_NarrowRangeIsExact(t *testing.T) {
	s, err := NewHashStrategy(8)
	require.NoError(t, err)

	// Keys 10 and 11 hash to shards 2 and 3 only.
	ids, err := s.ShardRange(10, 11)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, ids)
}

func TestShardRange_RejectsInvertedRange(t *testing.T) {
	s, err := NewHashStrategy(4)
	require.NoError(t, err)

	_, err = s.ShardRange(10, 5)
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestNumShards(t *testing.T) {
	s, err := NewHashStrategy(6)
	require.NoError(t, err)
	require.Equal(t, 6, s.NumShards())
	require.True(t, s.ValidateKey(0))
	require.True(t, s.ValidateKey(-42))
}
