// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"testing"

	"github.com/gomlx/sharding/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkShardingSpec(t *testing.T) {
	type want struct {
		offsets, sizes []int
		placement      string
	}
	tests := []struct {
		name       string
		dim        int
		placements []string
		dims       []int
		want       []want
	}{
		{
			name:       "even split",
			dim:        0,
			placements: []string{"rank:0/cuda:0", "rank:1/cuda:1"},
			dims:       []int{4, 3},
			want: []want{
				{[]int{0, 0}, []int{2, 3}, "rank:0/cuda:0"},
				{[]int{2, 0}, []int{2, 3}, "rank:1/cuda:1"},
			},
		},
		{
			name:       "uneven split",
			dim:        0,
			placements: rankPlacements(0, 1, 2, 3),
			dims:       []int{10, 20},
			want: []want{
				{[]int{0, 0}, []int{3, 20}, "rank:0/cuda:0"},
				{[]int{3, 0}, []int{3, 20}, "rank:1/cuda:1"},
				{[]int{6, 0}, []int{3, 20}, "rank:2/cuda:2"},
				{[]int{9, 0}, []int{1, 20}, "rank:3/cuda:3"},
			},
		},
		{
			name:       "negative dim",
			dim:        -1,
			placements: []string{"rank:1/cpu", "rank:0/cpu", "rank:2/cpu"},
			dims:       []int{2, 6},
			want: []want{
				{[]int{0, 0}, []int{2, 2}, "rank:1/cpu"},
				{[]int{0, 2}, []int{2, 2}, "rank:0/cpu"},
				{[]int{0, 4}, []int{2, 2}, "rank:2/cpu"},
			},
		},
		{
			name:       "more placements than elements",
			dim:        0,
			placements: rankPlacements(0, 1, 2, 3),
			dims:       []int{2, 3},
			want: []want{
				{[]int{0, 0}, []int{1, 3}, "rank:0/cuda:0"},
				{[]int{1, 0}, []int{1, 3}, "rank:1/cuda:1"},
			},
		},
		{
			name:       "repeated ranks",
			dim:        0,
			placements: rankPlacements(0, 1, 0, 1),
			dims:       []int{8},
			want: []want{
				{[]int{0}, []int{2}, "rank:0/cuda:0"},
				{[]int{2}, []int{2}, "rank:1/cuda:1"},
				{[]int{4}, []int{2}, "rank:0/cuda:0"},
				{[]int{6}, []int{2}, "rank:1/cuda:1"},
			},
		},
		{
			name:       "workers",
			dim:        1,
			placements: []string{"trainer0/cuda:0", "trainer1/cuda:1"},
			dims:       []int{3, 3},
			want: []want{
				{[]int{0, 0}, []int{3, 2}, "trainer0/cuda:0"},
				{[]int{0, 2}, []int{3, 1}, "trainer1/cuda:1"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := distributed.NewChunkShardingSpec(tt.dim, tt.placements...)
			require.NoError(t, err)
			shards, err := spec.BuildShardsMetadata(tt.dims)
			require.NoError(t, err)
			require.Len(t, shards, len(tt.want))
			for ii, w := range tt.want {
				assert.Equal(t, w.offsets, shards[ii].Offsets, "shard #%d", ii)
				assert.Equal(t, w.sizes, shards[ii].Sizes, "shard #%d", ii)
				assert.Equal(t, w.placement, shards[ii].Placement.String(), "shard #%d", ii)
			}
			assert.NoError(t, distributed.ValidateShardsCoverage(shards, tt.dims))
		})
	}
}

func TestChunkShardingSpecErrors(t *testing.T) {
	_, err := distributed.NewChunkShardingSpec(0, "rank:0/cuda:0", "bogus")
	assert.ErrorIs(t, err, distributed.ErrInvalidFormat)
	assert.Panics(t, func() { distributed.MustNewChunkShardingSpec(0, "bogus") })

	spec := distributed.MustNewChunkShardingSpec(2, rankPlacements(0, 1)...)
	_, err = spec.BuildShardsMetadata([]int{4, 4})
	assert.ErrorIs(t, err, distributed.ErrInvalidShardingDim)

	spec = distributed.MustNewChunkShardingSpec(-3, rankPlacements(0, 1)...)
	_, err = spec.BuildShardsMetadata([]int{4, 4})
	assert.ErrorIs(t, err, distributed.ErrInvalidShardingDim)

	spec = distributed.MustNewChunkShardingSpec(0)
	_, err = spec.BuildShardsMetadata([]int{4, 4})
	assert.Error(t, err)
}

func TestEnumerableShardingSpec(t *testing.T) {
	shards := []distributed.ShardMetadata{
		shardMD(0, []int{0, 0}, []int{5, 5}),
		shardMD(1, []int{0, 5}, []int{5, 5}),
		shardMD(2, []int{5, 0}, []int{5, 5}),
		shardMD(3, []int{5, 5}, []int{5, 5}),
	}
	spec, err := distributed.NewEnumerableShardingSpec(shards...)
	require.NoError(t, err)

	built, err := spec.BuildShardsMetadata([]int{10, 10})
	require.NoError(t, err)
	require.Len(t, built, 4)
	for ii := range shards {
		assert.True(t, shards[ii].Equal(built[ii]), "shard #%d", ii)
	}
	built[0].Sizes[0] = 1
	assert.Equal(t, 5, spec.Shards[0].Sizes[0], "BuildShardsMetadata must return a copy")

	_, err = spec.BuildShardsMetadata([]int{10, 12})
	assert.ErrorIs(t, err, distributed.ErrShardsHaveGaps)
	_, err = spec.BuildShardsMetadata([]int{9, 10})
	assert.ErrorIs(t, err, distributed.ErrShardOutOfBounds)

	t.Run("errors", func(t *testing.T) {
		_, err := distributed.NewEnumerableShardingSpec()
		assert.Error(t, err)

		_, err = distributed.NewEnumerableShardingSpec(
			shardMD(0, []int{0, 0}, []int{5, 5}),
			shardMD(1, []int{4, 4}, []int{5, 5}))
		assert.ErrorIs(t, err, distributed.ErrShardsOverlap)

		_, err = distributed.NewEnumerableShardingSpec(
			shardMD(0, []int{0, 0}, []int{5, 5}),
			shardMD(1, []int{5}, []int{5}))
		assert.Error(t, err)
		assert.NotErrorIs(t, err, distributed.ErrShardsOverlap)
	})
}

func TestShardingSpecEqual(t *testing.T) {
	a := distributed.MustNewChunkShardingSpec(0, rankPlacements(0, 1)...)
	assert.True(t, a.Equal(distributed.MustNewChunkShardingSpec(0, "rank:0/cuda:0", "rank:1/cuda:1")))
	assert.False(t, a.Equal(distributed.MustNewChunkShardingSpec(1, rankPlacements(0, 1)...)))
	assert.False(t, a.Equal(distributed.MustNewChunkShardingSpec(0, rankPlacements(1, 0)...)))
	assert.Equal(t, "ChunkShardingSpec(dim=0, placements=[rank:0/cuda:0, rank:1/cuda:1])", a.String())

	e1, err := distributed.NewEnumerableShardingSpec(shardMD(0, []int{0}, []int{4}))
	require.NoError(t, err)
	e2, err := distributed.NewEnumerableShardingSpec(shardMD(0, []int{0}, []int{4}))
	require.NoError(t, err)
	assert.True(t, e1.Equal(e2))
	assert.False(t, e1.Equal(a))
	assert.False(t, a.Equal(e1))
	assert.Equal(t,
		"EnumerableShardingSpec(shards=[ShardMetadata(offsets=[0], sizes=[4], placement=rank:0/cpu)])",
		e1.String())
}
