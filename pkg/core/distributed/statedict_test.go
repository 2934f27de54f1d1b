// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharding/pkg/core/distributed"
	"github.com/gomlx/sharding/pkg/core/distributed/collective"
	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/gomlx/sharding/pkg/ml/model"
	"github.com/google/go-cmp/cmp"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newShardedModel returns a module with a child "layer" holding a ShardedTensor "weight" and a tensor "bias",
// with the state dict hooks registered.
func newShardedModel(weight *distributed.ShardedTensor, bias *tensors.Tensor) *model.Module {
	layer := model.New().SetAttr("weight", weight).SetAttr("bias", bias)
	root := model.New().AddModule("layer", layer)
	distributed.RegisterStateDictHooks(root)
	return root
}

func TestStateDictSaveAndLoad(t *testing.T) {
	spec := distributed.MustNewChunkShardingSpec(1, rankPlacements(0, 1, 2)...)
	savedStates := make([][]byte, 3)
	runRanks(t, 3, func(ctx context.Context, pg collective.ProcessGroup) error {
		weight, err := distributed.Build(spec, 4, 9).Seed(uint64(pg.Rank())).Rand(ctx)
		if err != nil {
			return err
		}
		bias := must.M1(tensors.Full(dtypes.Float32, []int{4}, 0.5, tensors.Options{}))
		m := newShardedModel(weight, bias)

		stateDict, err := m.StateDict(ctx)
		if err != nil {
			return err
		}
		assert.IsType(t, &distributed.ShardedTensorState{}, stateDict["layer.weight"])
		assert.IsType(t, &tensors.Tensor{}, stateDict["layer.bias"])

		var buf bytes.Buffer
		if err = model.SaveStateDict(&buf, stateDict); err != nil {
			return err
		}
		savedStates[pg.Rank()] = bytes.Clone(buf.Bytes())

		// Load into a fresh model, with different contents.
		zeros, err := distributed.Zeros(ctx, spec, 4, 9)
		if err != nil {
			return err
		}
		loadedModel := newShardedModel(zeros, must.M1(tensors.Zeros(dtypes.Float32, []int{4}, tensors.Options{})))
		loadedDict, err := model.ReadStateDict(&buf)
		if err != nil {
			return err
		}
		if err = loadedModel.LoadStateDict(ctx, loadedDict, true); err != nil {
			return err
		}
		layer, _ := loadedModel.Child("layer")
		value, _ := layer.Attr("weight")
		loaded, ok := value.(*distributed.ShardedTensor)
		if !ok {
			return errors.Errorf("loaded weight is a %T", value)
		}
		assert.Empty(t, cmp.Diff(weight.Metadata(), loaded.Metadata()))
		if assert.Len(t, loaded.LocalShards(), 1) {
			assert.True(t, weight.LocalShards()[0].Tensor.Equal(loaded.LocalShards()[0].Tensor))
			assert.True(t, weight.LocalShards()[0].Metadata.Equal(loaded.LocalShards()[0].Metadata))
		}
		loadedBias, _ := layer.Attr("bias")
		assert.True(t, bias.Equal(loadedBias.(*tensors.Tensor)))
		return nil
	})

	load := func(ctx context.Context, data []byte) error {
		stateDict, err := model.ReadStateDict(bytes.NewReader(data))
		if err != nil {
			return err
		}
		m := newShardedModel(nil, must.M1(tensors.Zeros(dtypes.Float32, []int{4}, tensors.Options{})))
		return m.LoadStateDict(ctx, stateDict, false)
	}

	t.Run("world size mismatch", func(t *testing.T) {
		runRanks(t, 1, func(ctx context.Context, pg collective.ProcessGroup) error {
			assert.ErrorIs(t, load(ctx, savedStates[0]), distributed.ErrLocalWorldSizeMismatch)
			return nil
		})
	})

	t.Run("rank mismatch", func(t *testing.T) {
		runRanks(t, 3, func(ctx context.Context, pg collective.ProcessGroup) error {
			other := (pg.Rank() + 1) % 3
			assert.ErrorIs(t, load(ctx, savedStates[other]), distributed.ErrLocalRankMismatch)
			return nil
		})
	})

	t.Run("no process group", func(t *testing.T) {
		err := load(context.Background(), savedStates[0])
		require.ErrorIs(t, err, distributed.ErrProcessGroupNotInitialized)
	})

	t.Run("LoadWithProcessGroup", func(t *testing.T) {
		world := collective.NewWorld(3)
		err := world.Run(context.Background(), func(_ context.Context, pg collective.ProcessGroup) error {
			// A context without a default process group: the override is required.
			ctx := context.Background()
			assert.ErrorIs(t, load(ctx, savedStates[pg.Rank()]), distributed.ErrProcessGroupNotInitialized)
			return distributed.LoadWithProcessGroup(ctx, pg, func(ctx context.Context) error {
				return load(ctx, savedStates[pg.Rank()])
			})
		})
		require.NoError(t, err)
	})
}

func TestLoadWithProcessGroupOverridesDefault(t *testing.T) {
	spec := distributed.MustNewChunkShardingSpec(0, rankPlacements(0)...)
	var state *distributed.ShardedTensorState
	runRanks(t, 1, func(ctx context.Context, pg collective.ProcessGroup) error {
		st, err := distributed.Ones(ctx, spec, 2, 2)
		if err != nil {
			return err
		}
		state = st.State()
		return nil
	})

	// The default process group has 2 ranks, but the override has only one.
	single := collective.NewWorld(1).Group(0)
	runRanks(t, 2, func(ctx context.Context, pg collective.ProcessGroup) error {
		if pg.Rank() != 0 {
			return nil
		}
		_, err := distributed.LoadShardedTensor(ctx, state)
		assert.ErrorIs(t, err, distributed.ErrLocalWorldSizeMismatch)
		return distributed.LoadWithProcessGroup(ctx, single, func(ctx context.Context) error {
			st, err := distributed.LoadShardedTensor(ctx, state)
			if err != nil {
				return err
			}
			assert.Equal(t, single, st.ProcessGroup())
			return nil
		})
	})
}
