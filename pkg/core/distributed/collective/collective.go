// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collective defines the process group abstraction used by sharded tensors to communicate across ranks,
// and World, an implementation where every rank is a goroutine of the current process.
//
// A ProcessGroup offers the usual collective operations (broadcast, all-gather, gather, reduce, barrier).
// Each operation is issued asynchronously and returns a Work, whose Wait blocks until the collective is complete
// on this rank (or the timeout expires).
//
// All ranks of a group must issue the same collectives in the same order -- the n-th collective of each rank is
// matched with the n-th collective of the other ranks.
package collective

import (
	"bytes"
	"context"
	"encoding/gob"
	"time"

	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned by Work.Wait when the timeout (or the context deadline) expires before
	// the collective completes.
	ErrTimeout = errors.New("timeout waiting for collective operation")

	// ErrNotMember is returned by ProcessGroup.NewGroup if the calling rank is not part of the new group.
	ErrNotMember = errors.New("rank is not a member of the group")

	// ErrMismatchedCollective is returned when ranks issue different collectives at the same position.
	ErrMismatchedCollective = errors.New("mismatched collective operation across ranks")
)

// ReduceOp is the reduction applied by ProcessGroup.Reduce.
type ReduceOp int

//go:generate go tool enumer -type=ReduceOp -trimprefix=Reduce -output=gen_reduceop_enumer.go collective.go

const (
	ReduceSum ReduceOp = iota
)

// Work is a handle to an issued collective operation.
type Work interface {
	// Wait blocks until the collective is completed on this rank, and returns its error, if any.
	// A timeout of 0 waits indefinitely (the context used to issue the operation still applies).
	// If the timeout expires, it returns ErrTimeout.
	Wait(timeout time.Duration) error
}

// ProcessGroup is a group of ranks that can communicate through collective operations.
type ProcessGroup interface {
	// Rank of the calling process within the group, from 0 to Size()-1.
	Rank() int

	// Size is the number of ranks in the group.
	Size() int

	// Broadcast copies the contents of tensor on rank src into tensor on every other rank.
	// All ranks must pass tensors with the same dtype and dimensions.
	Broadcast(ctx context.Context, tensor *tensors.Tensor, src int) Work

	// AllGather collects input from every rank: when completed, outputs[i] holds a copy of the input of rank i.
	// outputs must have length Size().
	AllGather(ctx context.Context, outputs []*tensors.Tensor, input *tensors.Tensor) Work

	// Gather collects input from every rank into outputs of rank dst: when completed, outputs[i] holds a copy of
	// the input of rank i. outputs is only used in rank dst, where it must have length Size().
	Gather(ctx context.Context, outputs []*tensors.Tensor, input *tensors.Tensor, dst int) Work

	// Reduce reduces tensor of every rank into tensor of rank dst, using op.
	Reduce(ctx context.Context, tensor *tensors.Tensor, dst int, op ReduceOp) Work

	// AllGatherBytes collects a blob of bytes from every rank: when completed, outputs[i] holds a copy of the blob
	// of rank i. outputs must have length Size(). It is the basis for AllGatherObject.
	AllGatherBytes(ctx context.Context, outputs [][]byte, input []byte) Work

	// Barrier completes when all ranks have reached it.
	Barrier(ctx context.Context) Work

	// NewGroup creates a sub-group with the given ranks (of this group). All the members of the new group
	// must call it with the same ranks, in the same order. It returns ErrNotMember if the calling rank is not
	// in ranks.
	NewGroup(ranks []int) (ProcessGroup, error)
}

// AllGatherObject gathers obj from every rank of pg. The objects are serialized with encoding/gob, so T must be
// gob-encodable, and the values returned are copies -- as if they had been transferred from another process.
func AllGatherObject[T any](ctx context.Context, pg ProcessGroup, obj T, timeout time.Duration) ([]T, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&obj); err != nil {
		return nil, errors.Wrapf(err, "AllGatherObject failed to serialize %T", obj)
	}
	blobs := make([][]byte, pg.Size())
	if err := pg.AllGatherBytes(ctx, blobs, buf.Bytes()).Wait(timeout); err != nil {
		return nil, errors.WithMessagef(err, "AllGatherObject(%T) on rank %d", obj, pg.Rank())
	}
	results := make([]T, len(blobs))
	for rank, blob := range blobs {
		if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&results[rank]); err != nil {
			return nil, errors.Wrapf(err, "AllGatherObject failed to deserialize %T from rank %d", obj, rank)
		}
	}
	return results, nil
}

type defaultGroupKey struct{}

// WithDefault returns a context carrying pg as the default process group.
func WithDefault(ctx context.Context, pg ProcessGroup) context.Context {
	return context.WithValue(ctx, defaultGroupKey{}, pg)
}

// Default returns the default process group carried by ctx, if any.
func Default(ctx context.Context) (ProcessGroup, bool) {
	pg, ok := ctx.Value(defaultGroupKey{}).(ProcessGroup)
	return pg, ok && pg != nil
}
