// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharding/pkg/core/distributed"
	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shardMD is a shorthand for a ShardMetadata placed on the CPU of the given rank.
func shardMD(rank int, offsets, sizes []int) distributed.ShardMetadata {
	return distributed.ShardMetadata{
		Offsets:   offsets,
		Sizes:     sizes,
		Placement: distributed.NewRankPlacement(rank, tensors.CPU),
	}
}

func TestValidateShardsCoverage(t *testing.T) {
	quadrants := []distributed.ShardMetadata{
		shardMD(0, []int{0, 0}, []int{5, 5}),
		shardMD(1, []int{0, 5}, []int{5, 5}),
		shardMD(2, []int{5, 0}, []int{5, 5}),
		shardMD(3, []int{5, 5}, []int{5, 5}),
	}
	tests := []struct {
		name    string
		shards  []distributed.ShardMetadata
		dims    []int
		wantErr error
	}{
		{"quadrants", quadrants, []int{10, 10}, nil},
		{"single", []distributed.ShardMetadata{shardMD(0, []int{0}, []int{7})}, []int{7}, nil},
		{"uneven", []distributed.ShardMetadata{
			shardMD(0, []int{0, 0}, []int{3, 4}),
			shardMD(1, []int{3, 0}, []int{1, 4}),
		}, []int{4, 4}, nil},
		{"empty shard", []distributed.ShardMetadata{
			shardMD(0, []int{0}, []int{4}),
			shardMD(1, []int{4}, []int{0}),
		}, []int{4}, nil},
		{"overlap", []distributed.ShardMetadata{
			shardMD(0, []int{0, 0}, []int{6, 10}),
			shardMD(1, []int{5, 0}, []int{5, 10}),
		}, []int{10, 10}, distributed.ErrShardsOverlap},
		{"gap", quadrants[:3], []int{10, 10}, distributed.ErrShardsHaveGaps},
		{"out of bounds", []distributed.ShardMetadata{
			shardMD(0, []int{0, 0}, []int{5, 10}),
			shardMD(1, []int{5, 0}, []int{6, 10}),
		}, []int{10, 10}, distributed.ErrShardOutOfBounds},
		{"wrong rank", quadrants, []int{100}, distributed.ErrShardOutOfBounds},
		{"negative offset", []distributed.ShardMetadata{shardMD(0, []int{-1}, []int{4})}, []int{4},
			distributed.ErrShardOutOfBounds},
		{"mismatched offsets and sizes", []distributed.ShardMetadata{shardMD(0, []int{0, 0}, []int{4})}, []int{4},
			distributed.ErrShardOutOfBounds},
		{"no shards", nil, []int{3, 3}, distributed.ErrShardsHaveGaps},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := distributed.ValidateShardsCoverage(tt.shards, tt.dims)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestShardMetadata(t *testing.T) {
	md := shardMD(2, []int{3, 0}, []int{2, 20})
	assert.Equal(t, 2, md.Rank())
	assert.Equal(t, 40, md.NumElements())
	assert.Equal(t, "ShardMetadata(offsets=[3 0], sizes=[2 20], placement=rank:2/cpu)", md.String())

	clone := md.Clone()
	assert.True(t, md.Equal(clone))
	clone.Offsets[0] = 4
	assert.Equal(t, 3, md.Offsets[0], "Clone must be a deep copy")
	assert.False(t, md.Equal(clone))
}

func TestShardedTensorMetadata(t *testing.T) {
	md := &distributed.ShardedTensorMetadata{
		ShardsMetadata: []distributed.ShardMetadata{
			{Offsets: []int{0, 0}, Sizes: []int{5, 20}, Placement: distributed.MustParsePlacement("rank:0/cuda:0")},
			{Offsets: []int{5, 0}, Sizes: []int{5, 20}, Placement: distributed.MustParsePlacement("trainer1/cpu")},
		},
		Size:             []int{10, 20},
		TensorProperties: distributed.DefaultTensorProperties(),
	}
	require.NoError(t, md.Validate())
	assert.Equal(t, uint64(800), md.Memory())
	assert.Contains(t, md.String(), "800 B")
	assert.Contains(t, md.String(), "2 shards")

	t.Run("Clone", func(t *testing.T) {
		clone := md.Clone()
		assert.True(t, md.Equal(clone))
		clone.ShardsMetadata[1].Sizes[0] = 4
		assert.False(t, md.Equal(clone))
		assert.Equal(t, 5, md.ShardsMetadata[1].Sizes[0])
	})

	t.Run("Equal", func(t *testing.T) {
		var nilMD *distributed.ShardedTensorMetadata
		assert.True(t, nilMD.Equal(nil))
		assert.False(t, md.Equal(nil))

		other := md.Clone()
		other.TensorProperties.RequiresGrad = true
		assert.False(t, md.Equal(other))

		reordered := md.Clone()
		reordered.ShardsMetadata[0], reordered.ShardsMetadata[1] = reordered.ShardsMetadata[1], reordered.ShardsMetadata[0]
		assert.False(t, md.Equal(reordered), "order of shards matters")
	})

	t.Run("Validate", func(t *testing.T) {
		bad := md.Clone()
		bad.TensorProperties.Layout = tensors.SparseCOO
		assert.ErrorIs(t, bad.Validate(), distributed.ErrUnsupportedLayout)

		bad = md.Clone()
		bad.TensorProperties.MemoryFormat = tensors.ChannelsLast
		assert.ErrorIs(t, bad.Validate(), distributed.ErrUnsupportedMemoryFormat)

		bad = md.Clone()
		bad.Size = []int{11, 20}
		assert.ErrorIs(t, bad.Validate(), distributed.ErrShardsHaveGaps)
	})

	t.Run("gob", func(t *testing.T) {
		withProps := md.Clone()
		withProps.TensorProperties.DType = dtypes.Int64
		withProps.TensorProperties.PinMemory = true
		var buf bytes.Buffer
		require.NoError(t, gob.NewEncoder(&buf).Encode(withProps))
		var decoded *distributed.ShardedTensorMetadata
		require.NoError(t, gob.NewDecoder(&buf).Decode(&decoded))
		assert.Empty(t, cmp.Diff(withProps, decoded))
		assert.Equal(t, withProps.String(), decoded.String())
	})
}
