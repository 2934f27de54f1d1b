// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"slices"

	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/gomlx/sharding/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Gather assembles the full logical tensor into out on rank dst. It must be called by all ranks of the process
// group.
//
// On rank dst, out must be a tensor with the logical dimensions and dtype of st. On the other ranks out is not
// used and can be nil.
//
// Each rank flattens its local shards into one buffer, padded to the largest per-rank volume, and the buffers are
// gathered in rank dst, where the shards are copied into out at their offsets.
func (st *ShardedTensor) Gather(ctx context.Context, dst int, out *tensors.Tensor) error {
	rank := st.pg.Rank()
	if dst < 0 || dst >= st.pg.Size() {
		return errors.Wrapf(ErrInvalidRank, "Gather destination %d for process group of size %d", dst, st.pg.Size())
	}

	// Per-rank volumes: the same in every rank, since they are derived from the metadata.
	volumes := make([]int, st.pg.Size())
	for ii, shard := range st.metadata.ShardsMetadata {
		volumes[st.owners[ii]] += shard.NumElements()
	}
	maxVolume := xslices.Max(volumes)

	buffer, err := tensors.Zeros(st.DType(), []int{maxVolume}, tensors.Options{})
	if err != nil {
		return errors.WithMessagef(err, "Gather on rank %d", rank)
	}
	position := 0
	for ii, local := range st.locals {
		if local == nil {
			continue
		}
		flat, err := local.Reshape(local.Size())
		if err != nil {
			return errors.WithMessagef(err, "Gather on rank %d: flattening local shard #%d", rank, ii)
		}
		if err = buffer.CopyRegionFrom(flat, []int{position}); err != nil {
			return errors.WithMessagef(err, "Gather on rank %d: copying local shard #%d", rank, ii)
		}
		position += local.Size()
	}

	var outErr error
	var outputs []*tensors.Tensor
	if rank == dst {
		outputs = make([]*tensors.Tensor, st.pg.Size())
		switch {
		case out == nil:
			outErr = errors.New("Gather requires an output tensor on the destination rank")
		case out.DType() != st.DType() || !slices.Equal(out.Shape(), st.metadata.Size):
			outErr = errors.Errorf("Gather output tensor %s doesn't match the sharded tensor %s%v",
				out, st.DType(), st.metadata.Size)
		}
	}
	// The collective is issued even if out is invalid, so the other ranks don't wait for this one.
	if err = st.pg.Gather(ctx, outputs, buffer, dst).Wait(st.timeout); err != nil {
		return errors.WithMessagef(err, "Gather to rank %d on rank %d", dst, rank)
	}
	if rank != dst {
		return nil
	}
	if outErr != nil {
		return outErr
	}

	positions := make([]int, st.pg.Size())
	for ii, shard := range st.metadata.ShardsMetadata {
		owner := st.owners[ii]
		n := shard.NumElements()
		region, err := outputs[owner].Narrow(0, positions[owner], n)
		if err == nil {
			region, err = region.Reshape(shard.Sizes...)
		}
		if err == nil {
			err = out.CopyRegionFrom(region, shard.Offsets)
		}
		if err != nil {
			return errors.WithMessagef(err, "Gather: placing shard #%d %s", ii, shard)
		}
		positions[owner] += n
	}
	klog.V(1).Infof("rank %d: gathered ShardedTensor%v from %d shards", rank, st.metadata.Size, len(st.locals))
	return nil
}
