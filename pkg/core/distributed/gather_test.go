// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharding/pkg/core/distributed"
	"github.com/gomlx/sharding/pkg/core/distributed/collective"
	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
)

func TestGather(t *testing.T) {
	spec := distributed.MustNewChunkShardingSpec(0, rankPlacements(0, 1, 2, 3)...)
	runRanks(t, 4, func(ctx context.Context, pg collective.ProcessGroup) error {
		st, err := distributed.Ones(ctx, spec, 10, 20)
		if err != nil {
			return err
		}
		const dst = 1
		var out *tensors.Tensor
		if pg.Rank() == dst {
			out = must.M1(tensors.Zeros(dtypes.Float32, []int{10, 20}, tensors.Options{}))
		}
		if err = st.Gather(ctx, dst, out); err != nil {
			return err
		}
		if pg.Rank() == dst {
			want := must.M1(tensors.Ones(dtypes.Float32, []int{10, 20}, tensors.Options{}))
			assert.True(t, want.Equal(out), "gathered %s", out)
		} else {
			assert.Nil(t, out)
		}
		return nil
	})
}

func TestGatherMultipleShardsPerRank(t *testing.T) {
	spec := distributed.MustNewChunkShardingSpec(1, rankPlacements(2, 0, 1, 2, 0)...)
	dims := []int{3, 14}
	shardsMetadata := must.M1(spec.BuildShardsMetadata(dims))
	runRanks(t, 3, func(ctx context.Context, pg collective.ProcessGroup) error {
		// Each shard is filled with its index in the shards metadata, so misplaced shards are detected.
		var locals []distributed.Shard
		for ii, md := range shardsMetadata {
			if rank, _ := md.Placement.Rank(); rank != pg.Rank() {
				continue
			}
			tensor := must.M1(tensors.Full(dtypes.Int32, md.Sizes, float64(ii), tensors.Options{Device: md.Placement.Device()}))
			locals = append(locals, must.M1(distributed.NewShard(tensor, md)))
		}
		st, err := distributed.InitFromLocalShards(ctx, locals, dims)
		if err != nil {
			return err
		}
		const dst = 2
		var out *tensors.Tensor
		if pg.Rank() == dst {
			out = must.M1(tensors.Empty(dtypes.Int32, dims, tensors.Options{}))
		}
		if err = st.Gather(ctx, dst, out); err != nil {
			return err
		}
		if pg.Rank() != dst {
			return nil
		}
		for ii, md := range shardsMetadata {
			region := must.M1(out.Slice(md.Offsets, md.Sizes))
			want := must.M1(tensors.Full(dtypes.Int32, md.Sizes, float64(ii), tensors.Options{}))
			assert.True(t, want.Equal(region), "shard #%d %s: got %s", ii, md, region)
		}
		return nil
	})
}

func TestGatherErrors(t *testing.T) {
	spec := distributed.MustNewChunkShardingSpec(0, rankPlacements(0, 1)...)
	runRanks(t, 2, func(ctx context.Context, pg collective.ProcessGroup) error {
		st, err := distributed.Zeros(ctx, spec, 4, 4)
		if err != nil {
			return err
		}
		assert.ErrorIs(t, st.Gather(ctx, 2, nil), distributed.ErrInvalidRank)

		// Output with the wrong shape on the destination: only the destination fails.
		var out *tensors.Tensor
		if pg.Rank() == 0 {
			out = must.M1(tensors.Zeros(dtypes.Float32, []int{4, 5}, tensors.Options{}))
		}
		err = st.Gather(ctx, 0, out)
		if pg.Rank() == 0 {
			assert.Error(t, err)
		} else {
			assert.NoError(t, err)
		}
		return nil
	})
}
