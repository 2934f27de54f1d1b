// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/gomlx/sharding/pkg/core/distributed/collective"
	"github.com/gomlx/sharding/pkg/core/distributed/rpc"
	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/gomlx/sharding/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Option configures InitFromLocalShards, InitFromLocalShardsAndGlobalMetadata and ShardParameter.
type Option func(*options)

type options struct {
	pg        collective.ProcessGroup
	initRRefs bool
	timeout   time.Duration
	srcRank   int
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithProcessGroup sets the process group to use, instead of the default process group in the context.
func WithProcessGroup(pg collective.ProcessGroup) Option {
	return func(o *options) { o.pg = pg }
}

// WithInitRRefs configures whether to exchange remote references to the shards of all ranks.
func WithInitRRefs(initRRefs bool) Option {
	return func(o *options) { o.initRRefs = initRRefs }
}

// WithTimeout sets the timeout of each collective operation. Default is 0, meaning wait forever.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) { o.timeout = timeout }
}

// WithSrcRank sets the rank holding the tensor to be sharded by ShardParameter. Default is 0.
func WithSrcRank(srcRank int) Option {
	return func(o *options) { o.srcRank = srcRank }
}

// checkedValue is the payload of allGatherChecked.
type checkedValue[T any] struct {
	Value T
	Err   string
}

// allGatherChecked all-gathers value from all ranks of pg, along with the local error, if any.
// If any rank failed, every rank returns an error: the local one, or one naming the failed rank.
func allGatherChecked[T any](ctx context.Context, pg collective.ProcessGroup, value T, localErr error,
	timeout time.Duration) ([]T, error) {
	payload := checkedValue[T]{Value: value}
	if localErr != nil {
		payload.Err = localErr.Error()
	}
	gathered, err := collective.AllGatherObject(ctx, pg, payload, timeout)
	if err != nil {
		return nil, err
	}
	if localErr != nil {
		return nil, localErr
	}
	values := make([]T, len(gathered))
	for rank, entry := range gathered {
		if entry.Err != "" {
			return nil, errors.Errorf("rank %d failed: %s", rank, entry.Err)
		}
		values[rank] = entry.Value
	}
	return values, nil
}

// localShardsInfo is the information exchanged by InitFromLocalShards.
type localShardsInfo struct {
	GlobalSize []int
	Shards     []ShardMetadata
	Properties TensorProperties
}

// validateLocalShards runs the checks of InitFromLocalShards that don't require communication.
func validateLocalShards(ctx context.Context, pg collective.ProcessGroup, localShards []Shard) error {
	for ii, shard := range localShards {
		if shard.Tensor == nil {
			return errors.Errorf("local shard #%d %s has a nil tensor", ii, shard.Metadata)
		}
		props := propertiesOf(shard.Tensor)
		if props.Layout != tensors.Strided {
			return errors.Wrapf(ErrUnsupportedLayout, "local shard #%d has layout %s", ii, props.Layout)
		}
		if !shard.Tensor.IsContiguous() {
			return errors.Wrapf(ErrUnsupportedMemoryFormat, "local shard #%d has memory format %s",
				ii, props.MemoryFormat)
		}
		if _, err := NewShard(shard.Tensor, shard.Metadata); err != nil {
			return errors.WithMessagef(err, "local shard #%d", ii)
		}
		owner, err := resolveRank(ctx, pg, shard.Metadata.Placement)
		if err != nil {
			return errors.WithMessagef(err, "local shard #%d", ii)
		}
		if owner != pg.Rank() {
			return errors.Wrapf(ErrLocalRankMismatch, "local shard #%d %s is placed on rank %d, but current rank is %d",
				ii, shard.Metadata, owner, pg.Rank())
		}
		if ii == 0 {
			continue
		}
		first := propertiesOf(localShards[0].Tensor)
		if props.PinMemory != first.PinMemory {
			return errors.Wrapf(ErrPinMemoryMismatch, "local shards #0 and #%d on rank %d: pin_memory %t and %t",
				ii, pg.Rank(), first.PinMemory, props.PinMemory)
		}
		if props.DType != first.DType {
			return errors.Wrapf(ErrDtypeMismatch, "local shards #0 and #%d on rank %d: dtype %s and %s",
				ii, pg.Rank(), first.DType, props.DType)
		}
		if props.RequiresGrad != first.RequiresGrad {
			return errors.Wrapf(ErrRequiresGradMismatch, "local shards #0 and #%d on rank %d: requires_grad %t and %t",
				ii, pg.Rank(), first.RequiresGrad, props.RequiresGrad)
		}
	}
	return nil
}

// InitFromLocalShards creates a ShardedTensor from the shards owned by each rank. It must be called by all ranks
// of the process group, each passing its own local shards (possibly none) and the same globalSize.
//
// The shards of all ranks are validated to be consistent (dtype, requires_grad, pin_memory, global size) and to
// exactly cover the tensor. The metadata lists the shards in rank order, and in the given order within each rank.
func InitFromLocalShards(ctx context.Context, localShards []Shard, globalSize []int, opts ...Option) (
	*ShardedTensor, error) {
	o := newOptions(opts)
	pg, err := processGroupFrom(ctx, o.pg)
	if err != nil {
		return nil, errors.WithMessage(err, "InitFromLocalShards")
	}
	localErr := validateLocalShards(ctx, pg, localShards)
	info := localShardsInfo{
		GlobalSize: slices.Clone(globalSize),
		Shards:     make([]ShardMetadata, len(localShards)),
	}
	for ii, shard := range localShards {
		info.Shards[ii] = shard.Metadata
	}
	if len(localShards) > 0 && localErr == nil {
		info.Properties = propertiesOf(localShards[0].Tensor)
	}
	infos, err := allGatherChecked(ctx, pg, info, localErr, o.timeout)
	if err != nil {
		return nil, errors.WithMessagef(err, "InitFromLocalShards on rank %d", pg.Rank())
	}

	// Cross-rank validation.
	var props TensorProperties
	firstRankWithShards := -1
	for rank, rankInfo := range infos {
		if !slices.Equal(rankInfo.GlobalSize, globalSize) {
			return nil, errors.Wrapf(ErrOverallSizeMismatch, "global size %v on rank %d, but %v on rank %d",
				globalSize, pg.Rank(), rankInfo.GlobalSize, rank)
		}
		if len(rankInfo.Shards) == 0 {
			continue
		}
		if firstRankWithShards < 0 {
			firstRankWithShards = rank
			props = rankInfo.Properties
			continue
		}
		other := rankInfo.Properties
		if other.DType != props.DType {
			return nil, errors.Wrapf(ErrDtypeMismatch, "dtype %s on rank %d, but %s on rank %d",
				props.DType, firstRankWithShards, other.DType, rank)
		}
		if other.RequiresGrad != props.RequiresGrad {
			return nil, errors.Wrapf(ErrRequiresGradMismatch, "requires_grad %t on rank %d, but %t on rank %d",
				props.RequiresGrad, firstRankWithShards, other.RequiresGrad, rank)
		}
		if other.PinMemory != props.PinMemory {
			return nil, errors.Wrapf(ErrPinMemoryMismatch, "pin_memory %t on rank %d, but %t on rank %d",
				props.PinMemory, firstRankWithShards, other.PinMemory, rank)
		}
	}
	if firstRankWithShards < 0 {
		return nil, errors.Wrapf(ErrNoLocalShards, "InitFromLocalShards with global size %v", globalSize)
	}

	// Global metadata, in rank order.
	var shards []ShardMetadata
	var owners []int
	localStart := 0
	for rank, rankInfo := range infos {
		if rank == pg.Rank() {
			localStart = len(shards)
		}
		shards = append(shards, rankInfo.Shards...)
		for range rankInfo.Shards {
			owners = append(owners, rank)
		}
	}
	if err = ValidateShardsCoverage(shards, globalSize); err != nil {
		return nil, errors.WithMessagef(err, "InitFromLocalShards on rank %d", pg.Rank())
	}
	locals := make([]*tensors.Tensor, len(shards))
	for ii, shard := range localShards {
		locals[localStart+ii] = shard.Tensor
	}
	st := &ShardedTensor{
		metadata: &ShardedTensorMetadata{
			ShardsMetadata:   shards,
			Size:             slices.Clone(globalSize),
			TensorProperties: props,
		},
		locals:  locals,
		owners:  owners,
		pg:      pg,
		timeout: o.timeout,
	}
	if o.initRRefs {
		if err = exchangeRRefs(ctx, pg, o.timeout, st, nil); err != nil {
			return nil, errors.WithMessage(err, "InitFromLocalShards")
		}
	}
	klog.V(1).Infof("rank %d: ShardedTensor%v initialized from %d local shards (%d total)",
		pg.Rank(), globalSize, len(localShards), len(shards))
	return st, nil
}

// InitFromLocalShardsAndGlobalMetadata creates a ShardedTensor from the local shards and the already agreed
// global metadata, without exchanging metadata across ranks.
//
// The local shards must match exactly the shards of the metadata placed on the current rank
// (ErrLocalShardCountMismatch), and each local tensor must match the metadata properties (ErrPropertyMismatch).
func InitFromLocalShardsAndGlobalMetadata(ctx context.Context, localShards []Shard, metadata *ShardedTensorMetadata,
	opts ...Option) (*ShardedTensor, error) {
	o := newOptions(opts)
	pg, err := processGroupFrom(ctx, o.pg)
	if err != nil {
		return nil, errors.WithMessage(err, "InitFromLocalShardsAndGlobalMetadata")
	}
	st, err := initWithGlobalMetadata(ctx, pg, localShards, metadata, o.timeout)
	if o.initRRefs {
		// A rank that failed above still joins the exchange, so the other ranks fail with it.
		err = exchangeRRefs(ctx, pg, o.timeout, st, err)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "InitFromLocalShardsAndGlobalMetadata")
	}
	return st, nil
}

// initWithGlobalMetadata matches the local shards to the metadata, without communicating with other ranks.
func initWithGlobalMetadata(ctx context.Context, pg collective.ProcessGroup, localShards []Shard,
	metadata *ShardedTensorMetadata, timeout time.Duration) (*ShardedTensor, error) {
	if metadata == nil {
		return nil, errors.New("nil metadata")
	}
	metadata = metadata.Clone()
	if err := metadata.Validate(); err != nil {
		return nil, err
	}
	owners, err := resolveOwners(ctx, pg, metadata.ShardsMetadata)
	if err != nil {
		return nil, err
	}
	var localPositions []int
	for ii, owner := range owners {
		if owner == pg.Rank() {
			localPositions = append(localPositions, ii)
		}
	}
	if len(localShards) != len(localPositions) {
		return nil, errors.Wrapf(ErrLocalShardCountMismatch, "rank %d has %d local shards, but metadata places %d shards on it",
			pg.Rank(), len(localShards), len(localPositions))
	}

	locals := make([]*tensors.Tensor, len(owners))
	for ii, shard := range localShards {
		position := -1
		for _, candidate := range localPositions {
			if locals[candidate] == nil && metadata.ShardsMetadata[candidate].Equal(shard.Metadata) {
				position = candidate
				break
			}
		}
		if position < 0 {
			return nil, errors.Wrapf(ErrPropertyMismatch, "local shard #%d %s not found in the global metadata for rank %d",
				ii, shard.Metadata, pg.Rank())
		}
		if err = checkShardProperties(shard, metadata.TensorProperties); err != nil {
			return nil, errors.WithMessagef(err, "local shard #%d on rank %d", ii, pg.Rank())
		}
		locals[position] = shard.Tensor
	}
	return &ShardedTensor{
		metadata: metadata,
		locals:   locals,
		owners:   owners,
		pg:       pg,
		timeout:  timeout,
	}, nil
}

// checkShardProperties returns ErrPropertyMismatch if the shard tensor doesn't match props or its own metadata.
func checkShardProperties(shard Shard, props TensorProperties) error {
	t := shard.Tensor
	if t == nil {
		return errors.Wrapf(ErrPropertyMismatch, "shard %s has a nil tensor", shard.Metadata)
	}
	mismatch := func(property string, got, want any) error {
		return errors.Wrapf(ErrPropertyMismatch, "%s: tensor has %s %v, expected %v", shard.Metadata, property, got, want)
	}
	switch {
	case t.DType() != props.DType:
		return mismatch("dtype", t.DType(), props.DType)
	case t.Device() != shard.Metadata.Placement.Device():
		return mismatch("device", t.Device(), shard.Metadata.Placement.Device())
	case t.Layout() != props.Layout:
		return mismatch("layout", t.Layout(), props.Layout)
	case t.RequiresGrad() != props.RequiresGrad:
		return mismatch("requires_grad", t.RequiresGrad(), props.RequiresGrad)
	case t.IsPinned() != props.PinMemory:
		return mismatch("pin_memory", t.IsPinned(), props.PinMemory)
	case t.MemoryFormat() != props.MemoryFormat:
		return mismatch("memory_format", t.MemoryFormat(), props.MemoryFormat)
	case !slices.Equal(t.Shape(), shard.Metadata.Sizes):
		return mismatch("size", fmt.Sprint(t.Shape()), fmt.Sprint(shard.Metadata.Sizes))
	}
	return nil
}

// remoteRef is the information exchanged to build the remote shards table.
type remoteRef struct {
	Index int
	Ref   rpc.RRef
}

// exchangeRRefs publishes the local shards of st with the rpc agent in ctx, and all-gathers the references from
// all ranks to build the remote shards table of st.
//
// A rank that failed to construct st passes its failure (st may then be nil): it still joins the all-gather, so
// every other rank fails too, and failure is returned.
func exchangeRRefs(ctx context.Context, pg collective.ProcessGroup, timeout time.Duration, st *ShardedTensor,
	failure error) error {
	localErr := failure
	var agent *rpc.Agent
	if localErr == nil {
		var found bool
		agent, found = rpc.AgentFrom(ctx)
		if !found {
			localErr = errors.Wrap(ErrRpcNotInitialized, "InitRRefs requires an rpc agent")
		} else {
			localErr = checkAgentMatchesGroup(agent, pg)
		}
	}
	var refs []remoteRef
	if localErr == nil {
		for ii, tensor := range st.locals {
			if tensor == nil {
				continue
			}
			ref, err := agent.Publish(tensor)
			if err != nil {
				localErr = errors.WithMessagef(err, "publishing local shard #%d", ii)
				break
			}
			refs = append(refs, remoteRef{Index: ii, Ref: *ref})
		}
	}
	allRefs, err := allGatherChecked(ctx, pg, refs, localErr, timeout)
	if failure != nil {
		return failure
	}
	if err != nil {
		return errors.WithMessagef(err, "exchanging remote references on rank %d", pg.Rank())
	}
	remote := make(map[int][]RemoteShard)
	for rank, rankRefs := range allRefs {
		if rank == pg.Rank() {
			continue
		}
		for _, ref := range rankRefs {
			if ref.Index < 0 || ref.Index >= len(st.owners) || st.owners[ref.Index] != rank {
				return errors.Errorf("rank %d sent a reference to shard #%d, which it doesn't own", rank, ref.Index)
			}
			rref := ref.Ref
			remote[rank] = append(remote[rank], RemoteShard{
				Metadata: st.metadata.ShardsMetadata[ref.Index].Clone(),
				RRef:     agent.Adopt(&rref),
			})
		}
	}
	st.remote = remote
	st.initRRefs = true
	klog.V(2).Infof("rank %d: remote shards table initialized with owners %v", pg.Rank(), xslices.SortedKeys(remote))
	return nil
}
