// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"

	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Op enumerates the operations that can be dispatched on a ShardedTensor. See Dispatch.
type Op int

//go:generate go tool enumer -type=Op -trimprefix=Op -output=gen_op_enumer.go ops.go

const (
	OpAdd Op = iota
	OpMul
	OpMatMul
	OpSum
	OpGather
	OpStateDictSave
	OpStateDictLoad
)

// numOps is the number of operations. It must follow the last Op.
const numOps = int(OpStateDictLoad) + 1

// opHandler implements an Op. For OpStateDictLoad st is nil.
type opHandler func(ctx context.Context, st *ShardedTensor, args []any) (any, error)

// opHandlers is indexed by Op. A nil entry means the operation is not supported.
var opHandlers = [numOps]opHandler{
	OpAdd: func(_ context.Context, st *ShardedTensor, args []any) (any, error) {
		if len(args) != 1 {
			return nil, errors.Errorf("Add takes 1 argument, got %d", len(args))
		}
		return st.Add(args[0])
	},
	OpGather: func(ctx context.Context, st *ShardedTensor, args []any) (any, error) {
		if len(args) != 2 {
			return nil, errors.Errorf("Gather takes 2 arguments (dst rank, output tensor), got %d", len(args))
		}
		dst, ok := args[0].(int)
		if !ok {
			return nil, errors.Errorf("Gather destination must be an int, got %T", args[0])
		}
		out, _ := args[1].(*tensors.Tensor)
		return nil, st.Gather(ctx, dst, out)
	},
	OpStateDictSave: func(_ context.Context, st *ShardedTensor, args []any) (any, error) {
		if len(args) != 0 {
			return nil, errors.Errorf("StateDictSave takes no arguments, got %d", len(args))
		}
		return st.State(), nil
	},
	OpStateDictLoad: func(ctx context.Context, _ *ShardedTensor, args []any) (any, error) {
		if len(args) != 1 {
			return nil, errors.Errorf("StateDictLoad takes 1 argument, got %d", len(args))
		}
		state, ok := args[0].(*ShardedTensorState)
		if !ok {
			return nil, errors.Errorf("StateDictLoad requires a *ShardedTensorState, got %T", args[0])
		}
		return LoadShardedTensor(ctx, state)
	},
}

// Dispatch executes op on st with the given arguments. It returns ErrUnsupportedOperation for operations
// without an implementation.
//
//   - OpAdd(other): other is a *ShardedTensor with the same metadata, or a scalar. Returns a *ShardedTensor.
//   - OpGather(dst int, out *tensors.Tensor): see ShardedTensor.Gather. Returns nil.
//   - OpStateDictSave(): returns the *ShardedTensorState of st.
//   - OpStateDictLoad(state *ShardedTensorState): st is ignored (it can be nil). Returns the loaded *ShardedTensor.
func Dispatch(ctx context.Context, op Op, st *ShardedTensor, args ...any) (any, error) {
	if op < 0 || int(op) >= numOps || opHandlers[op] == nil {
		return nil, errors.Wrapf(ErrUnsupportedOperation, "%s", op)
	}
	if st == nil && op != OpStateDictLoad {
		return nil, errors.Errorf("%s requires a ShardedTensor, got nil", op)
	}
	result, err := opHandlers[op](ctx, st, args)
	if err != nil {
		return nil, errors.WithMessagef(err, "ShardedTensor %s", op)
	}
	return result, nil
}

// toFloat64 converts Go numeric scalars to float64.
func toFloat64(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Add returns a new ShardedTensor with the element-wise sum of st and other, computed shard by shard locally.
//
// other is either a *ShardedTensor with the same metadata (so the shards line up), or a scalar, in which case it
// is added to every element. Any other type returns ErrUnsupportedOperation.
func (st *ShardedTensor) Add(other any) (*ShardedTensor, error) {
	var addFn func(ii int, local *tensors.Tensor) (*tensors.Tensor, error)
	switch o := other.(type) {
	case *ShardedTensor:
		if o == nil {
			return nil, errors.New("Add: nil ShardedTensor")
		}
		if !st.metadata.Equal(o.metadata) {
			return nil, errors.Wrapf(ErrPropertyMismatch, "Add requires ShardedTensors with the same metadata, got %s and %s",
				st.metadata, o.metadata)
		}
		addFn = func(ii int, local *tensors.Tensor) (*tensors.Tensor, error) {
			return tensors.Add(local, o.locals[ii])
		}
	default:
		value, ok := toFloat64(other)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedOperation, "Add of ShardedTensor and %T", other)
		}
		addFn = func(_ int, local *tensors.Tensor) (*tensors.Tensor, error) {
			return tensors.AddScalar(local, value)
		}
	}

	locals := make([]*tensors.Tensor, len(st.locals))
	for ii, local := range st.locals {
		if local == nil {
			continue
		}
		var err error
		locals[ii], err = addFn(ii, local)
		if err != nil {
			return nil, errors.WithMessagef(err, "Add: local shard #%d", ii)
		}
	}
	return &ShardedTensor{
		metadata: st.metadata.Clone(),
		locals:   locals,
		owners:   st.owners,
		spec:     st.spec,
		pg:       st.pg,
		timeout:  st.timeout,
	}, nil
}
