// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testTimeout = 5 * time.Second

func TestBroadcast(t *testing.T) {
	world := NewWorld(3)
	err := world.Run(context.Background(), func(ctx context.Context, pg ProcessGroup) error {
		tensor := must.M1(tensors.Zeros(dtypes.Float32, []int{3}, tensors.Options{}))
		if pg.Rank() == 1 {
			tensor = tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
		}
		if err := pg.Broadcast(ctx, tensor, 1).Wait(testTimeout); err != nil {
			return err
		}
		if got := tensors.MustCopyFlatData[float32](tensor); !assert.Equal(t, []float32{1, 2, 3}, got) {
			return errors.Errorf("unexpected broadcast result %v", got)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAllGatherAndGather(t *testing.T) {
	world := NewWorld(4)
	err := world.Run(context.Background(), func(ctx context.Context, pg ProcessGroup) error {
		input := tensors.FromFlatDataAndDimensions([]int64{int64(pg.Rank()), int64(10 * pg.Rank())}, 2)
		outputs := make([]*tensors.Tensor, pg.Size())
		if err := pg.AllGather(ctx, outputs, input).Wait(testTimeout); err != nil {
			return err
		}
		for rank, output := range outputs {
			assert.Equal(t, []int64{int64(rank), int64(10 * rank)}, tensors.MustCopyFlatData[int64](output))
		}

		var gathered []*tensors.Tensor
		if pg.Rank() == 2 {
			gathered = make([]*tensors.Tensor, pg.Size())
		}
		if err := pg.Gather(ctx, gathered, input, 2).Wait(testTimeout); err != nil {
			return err
		}
		if pg.Rank() == 2 {
			for rank, output := range gathered {
				assert.Equal(t, []int64{int64(rank), int64(10 * rank)}, tensors.MustCopyFlatData[int64](output))
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAllGatherCopiesInput(t *testing.T) {
	world := NewWorld(2)
	err := world.Run(context.Background(), func(ctx context.Context, pg ProcessGroup) error {
		input := tensors.FromFlatDataAndDimensions([]float64{float64(pg.Rank())}, 1)
		outputs := make([]*tensors.Tensor, pg.Size())
		if err := pg.AllGather(ctx, outputs, input).Wait(testTimeout); err != nil {
			return err
		}
		// Changing our own output must not affect the input.
		assert.NoError(t, outputs[pg.Rank()].CopyRegionFrom(tensors.FromFlatDataAndDimensions([]float64{-1}, 1), []int{0}))
		assert.Equal(t, []float64{float64(pg.Rank())}, tensors.MustCopyFlatData[float64](input))
		return nil
	})
	require.NoError(t, err)
}

func TestReduce(t *testing.T) {
	world := NewWorld(3)
	err := world.Run(context.Background(), func(ctx context.Context, pg ProcessGroup) error {
		tensor := tensors.FromFlatDataAndDimensions([]int32{1, int32(pg.Rank())}, 2)
		if err := pg.Reduce(ctx, tensor, 0, ReduceSum).Wait(testTimeout); err != nil {
			return err
		}
		if pg.Rank() == 0 {
			assert.Equal(t, []int32{3, 3}, tensors.MustCopyFlatData[int32](tensor))
		} else {
			assert.Equal(t, []int32{1, int32(pg.Rank())}, tensors.MustCopyFlatData[int32](tensor))
		}
		return nil
	})
	require.NoError(t, err)
}

type rankInfo struct {
	Rank  int
	Name  string
	Sizes []int
}

func TestAllGatherObject(t *testing.T) {
	world := NewWorld(3)
	err := world.Run(context.Background(), func(ctx context.Context, pg ProcessGroup) error {
		info := rankInfo{Rank: pg.Rank(), Name: "worker", Sizes: []int{pg.Rank(), 7}}
		infos, err := AllGatherObject(ctx, pg, info, testTimeout)
		if err != nil {
			return err
		}
		if !assert.Len(t, infos, 3) {
			return nil
		}
		for rank, got := range infos {
			assert.Equal(t, rankInfo{Rank: rank, Name: "worker", Sizes: []int{rank, 7}}, got)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestBarrierAndDefault(t *testing.T) {
	world := NewWorld(2)
	err := world.Run(context.Background(), func(ctx context.Context, pg ProcessGroup) error {
		defaultPG, found := Default(ctx)
		if !found {
			return errors.New("default process group not set")
		}
		assert.Equal(t, pg.Rank(), defaultPG.Rank())
		for range 3 {
			if err := defaultPG.Barrier(ctx).Wait(testTimeout); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	_, found := Default(context.Background())
	assert.False(t, found)
}

func TestNewGroup(t *testing.T) {
	world := NewWorld(4)
	err := world.Run(context.Background(), func(ctx context.Context, pg ProcessGroup) error {
		if pg.Rank()%2 == 1 {
			_, err := pg.NewGroup([]int{0, 2})
			assert.ErrorIs(t, err, ErrNotMember)
			return nil
		}
		sub, err := pg.NewGroup([]int{2, 0})
		if err != nil {
			return err
		}
		assert.Equal(t, 2, sub.Size())
		wantSubRank := map[int]int{2: 0, 0: 1}[pg.Rank()]
		assert.Equal(t, wantSubRank, sub.Rank())
		input := tensors.FromFlatDataAndDimensions([]int64{int64(pg.Rank())}, 1)
		outputs := make([]*tensors.Tensor, sub.Size())
		if err := sub.AllGather(ctx, outputs, input).Wait(testTimeout); err != nil {
			return err
		}
		assert.Equal(t, []int64{2}, tensors.MustCopyFlatData[int64](outputs[0]))
		assert.Equal(t, []int64{0}, tensors.MustCopyFlatData[int64](outputs[1]))
		return nil
	})
	require.NoError(t, err)

	_, err = world.Group(0).NewGroup([]int{0, 0})
	require.Error(t, err)
	_, err = world.Group(0).NewGroup([]int{0, 4})
	require.Error(t, err)
}

func TestTimeout(t *testing.T) {
	world := NewWorld(2)
	// Only rank 0 reaches the barrier.
	err := world.Group(0).Barrier(context.Background()).Wait(10 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	// A context deadline is also reported as a timeout.
	world = NewWorld(2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = world.Group(1).Barrier(ctx).Wait(0)
	require.ErrorIs(t, err, ErrTimeout)
}

// pendingRounds counts the rounds still held by all groups of the world.
func pendingRounds(w *World) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var count int
	for _, state := range w.groups {
		state.mu.Lock()
		count += len(state.rounds)
		state.mu.Unlock()
	}
	return count
}

func TestReduceOpNames(t *testing.T) {
	assert.Equal(t, "Sum", ReduceSum.String())
	assert.Equal(t, []string{"Sum"}, ReduceOpStrings())
	op, err := ReduceOpString("sum")
	require.NoError(t, err)
	assert.Equal(t, ReduceSum, op)

	world := NewWorld(2)
	err = world.Run(context.Background(), func(ctx context.Context, pg ProcessGroup) error {
		tensor := tensors.FromFlatDataAndDimensions([]float32{1}, 1)
		err := pg.Reduce(ctx, tensor, 0, ReduceOp(3)).Wait(testTimeout)
		if assert.Error(t, err) {
			assert.Contains(t, err.Error(), "ReduceOp(3)")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestAbandonedRoundsAreReleased(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		world := NewWorld(3)
		work := world.Group(0).Barrier(context.Background())
		require.Equal(t, 1, pendingRounds(world))
		require.ErrorIs(t, work.Wait(10*time.Millisecond), ErrTimeout)
		assert.Zero(t, pendingRounds(world))
		// Waiting again on the abandoned round doesn't release it twice.
		require.ErrorIs(t, work.Wait(time.Millisecond), ErrTimeout)
		assert.Zero(t, pendingRounds(world))
	})

	t.Run("cancelled context", func(t *testing.T) {
		world := NewWorld(2)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := world.Group(1).Barrier(ctx).Wait(0)
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, pendingRounds(world))
	})

	t.Run("partial arrival", func(t *testing.T) {
		world := NewWorld(3)
		works := []Work{world.Group(0).Barrier(context.Background()), world.Group(1).Barrier(context.Background())}
		for _, work := range works {
			require.ErrorIs(t, work.Wait(10*time.Millisecond), ErrTimeout)
		}
		assert.Zero(t, pendingRounds(world))
	})

	t.Run("completed", func(t *testing.T) {
		world := NewWorld(2)
		err := world.Run(context.Background(), func(ctx context.Context, pg ProcessGroup) error {
			return pg.Barrier(ctx).Wait(testTimeout)
		})
		require.NoError(t, err)
		assert.Zero(t, pendingRounds(world))
	})
}

func TestMismatchedCollective(t *testing.T) {
	world := NewWorld(2)
	err := world.Run(context.Background(), func(ctx context.Context, pg ProcessGroup) error {
		var work Work
		if pg.Rank() == 0 {
			work = pg.Barrier(ctx)
		} else {
			work = pg.Broadcast(ctx, tensors.FromFlatDataAndDimensions([]float32{1}, 1), 1)
		}
		assert.ErrorIs(t, work.Wait(testTimeout), ErrMismatchedCollective)
		return nil
	})
	require.NoError(t, err)
}

func TestInvalidArgumentsFailAllRanks(t *testing.T) {
	world := NewWorld(2)
	err := world.Run(context.Background(), func(ctx context.Context, pg ProcessGroup) error {
		input := tensors.FromFlatDataAndDimensions([]float32{1}, 1)
		outputs := make([]*tensors.Tensor, pg.Size())
		if pg.Rank() == 1 {
			outputs = outputs[:1]
		}
		// Rank 1 passes the wrong number of outputs: all ranks see the failure instead of hanging.
		err := pg.AllGather(ctx, outputs, input).Wait(testTimeout)
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrTimeout)
		return nil
	})
	require.NoError(t, err)
}
