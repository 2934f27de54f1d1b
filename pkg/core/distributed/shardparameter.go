// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"

	"github.com/gomlx/sharding/pkg/core/distributed/collective"
	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/gomlx/sharding/pkg/ml/model"
	"github.com/gomlx/sharding/pkg/support/sets"
	"github.com/gomlx/sharding/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// shardParameterInfo is what ranks exchange to agree on the arguments of ShardParameter.
type shardParameterInfo struct {
	SrcRank int
	Spec    string
}

// checkShardParameter runs the local checks of ShardParameter, and returns the tensor to shard.
func checkShardParameter(ctx context.Context, pg collective.ProcessGroup, m *model.Module, name string,
	spec ShardingSpec, srcRank int) (*tensors.Tensor, error) {
	chunkSpec, ok := spec.(*ChunkShardingSpec)
	if !ok || chunkSpec == nil {
		return nil, errors.Wrapf(ErrUnsupportedShardingSpec, "ShardParameter only supports ChunkShardingSpec, got %T", spec)
	}
	value, found := m.Attr(name)
	if !found {
		return nil, errors.Wrapf(ErrAttributeNotFound, "module has no attribute %q", name)
	}
	tensor, ok := value.(*tensors.Tensor)
	if !ok || tensor == nil {
		return nil, errors.Wrapf(ErrNotATensor, "attribute %q is a %T", name, value)
	}
	if !tensor.IsContiguous() {
		return nil, errors.Wrapf(ErrNotContiguous, "attribute %q has memory format %s", name, tensor.MemoryFormat())
	}
	if srcRank < 0 || srcRank >= pg.Size() {
		return nil, errors.Wrapf(ErrInvalidRank, "src rank %d for process group of size %d", srcRank, pg.Size())
	}
	if len(chunkSpec.Placements) != pg.Size() {
		return nil, errors.Wrapf(ErrPlacementRankMismatch, "%s has %d placements, but process group has %d ranks",
			chunkSpec, len(chunkSpec.Placements), pg.Size())
	}
	placed := sets.Make[int](pg.Size())
	for _, placement := range chunkSpec.Placements {
		rank, err := resolveRank(ctx, pg, placement)
		if err != nil {
			return nil, err
		}
		placed.Insert(rank)
	}
	if allRanks := sets.MakeWith(xslices.Iota(0, pg.Size())...); !placed.Equal(allRanks) {
		return nil, errors.Wrapf(ErrPlacementRankMismatch, "%s places no chunk on ranks %v", chunkSpec,
			sets.Sorted(allRanks.Sub(placed)))
	}
	return tensor, nil
}

// ShardParameter replaces the tensor attribute name of module m by a ShardedTensor, sharded according to spec.
// It must be called by all ranks of the process group, with the same arguments.
//
// The tensor contents are taken from the src rank (see WithSrcRank, default 0) and broadcast to all ranks, and
// each rank keeps only the chunks placed on it. Only ChunkShardingSpec is supported, and its placements must
// map 1:1 to the ranks of the process group. The tensor must be contiguous.
//
// Options: WithSrcRank, WithProcessGroup, WithTimeout.
func ShardParameter(ctx context.Context, m *model.Module, name string, spec ShardingSpec, opts ...Option) (
	*ShardedTensor, error) {
	o := newOptions(opts)
	pg, err := processGroupFrom(ctx, o.pg)
	if err != nil {
		return nil, errors.WithMessagef(err, "ShardParameter(%q)", name)
	}
	tensor, localErr := checkShardParameter(ctx, pg, m, name, spec, o.srcRank)
	info := shardParameterInfo{SrcRank: o.srcRank}
	if spec != nil {
		info.Spec = spec.String()
	}
	infos, err := allGatherChecked(ctx, pg, info, localErr, o.timeout)
	if err != nil {
		return nil, errors.WithMessagef(err, "ShardParameter(%q) on rank %d", name, pg.Rank())
	}
	for rank, other := range infos {
		if other.SrcRank != info.SrcRank {
			return nil, errors.Wrapf(ErrParamSrcRankMismatch, "src rank %d on rank %d, but %d on rank %d",
				info.SrcRank, pg.Rank(), other.SrcRank, rank)
		}
		if other.Spec != info.Spec {
			return nil, errors.Wrapf(ErrShardingSpecMismatch, "%s on rank %d, but %s on rank %d",
				info.Spec, pg.Rank(), other.Spec, rank)
		}
	}

	// Broadcast a copy, so the attribute is left untouched if anything fails.
	full := tensor.Clone()
	if err = pg.Broadcast(ctx, full, o.srcRank).Wait(o.timeout); err != nil {
		return nil, errors.WithMessagef(err, "ShardParameter(%q): broadcast from rank %d", name, o.srcRank)
	}
	dims := full.Shape()
	shardsMetadata, err := spec.BuildShardsMetadata(dims)
	if err != nil {
		return nil, errors.WithMessagef(err, "ShardParameter(%q)", name)
	}
	var localShards []Shard
	for _, md := range shardsMetadata {
		owner, err := resolveRank(ctx, pg, md.Placement)
		if err != nil {
			return nil, errors.WithMessagef(err, "ShardParameter(%q)", name)
		}
		if owner != pg.Rank() {
			continue
		}
		chunk, err := full.Slice(md.Offsets, md.Sizes)
		if err != nil {
			return nil, errors.WithMessagef(err, "ShardParameter(%q): narrowing %s", name, md)
		}
		chunk = chunk.To(md.Placement.Device())
		chunk.SetRequiresGrad(tensor.RequiresGrad())
		localShards = append(localShards, Shard{Tensor: chunk, Metadata: md})
	}
	st, err := InitFromLocalShards(ctx, localShards, dims, WithProcessGroup(pg), WithTimeout(o.timeout))
	if err != nil {
		return nil, errors.WithMessagef(err, "ShardParameter(%q)", name)
	}
	st.spec = spec
	m.SetAttr(name, st)
	klog.V(1).Infof("rank %d: parameter %q sharded with %s", pg.Rank(), name, spec)
	return st, nil
}
