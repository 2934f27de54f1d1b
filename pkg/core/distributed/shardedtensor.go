// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed implements ShardedTensor: a logical N-dimensional tensor partitioned in shards spread
// across the ranks of a process group.
//
// It defines the following objects:
//
//   - Placement: the owner (a rank or an rpc worker name) and device of a shard.
//   - ShardMetadata: the hyper-rectangle of the logical tensor covered by a shard, and its placement.
//   - ShardingSpec: a policy to split a logical tensor in shards: ChunkShardingSpec and EnumerableShardingSpec.
//   - ShardedTensorMetadata: the description of all shards of a tensor, identical in every rank.
//   - Shard: a local tensor holding one shard.
//   - ShardedTensor: the logical tensor. Each rank only materializes its own (local) shards, and optionally keeps
//     remote references (see package rpc) to the shards of the other ranks.
//   - DeviceMesh: a topology of ranks, used to create sub-groups and chunk sharding specs over them.
//
// Cross-rank communication goes through a collective.ProcessGroup, given explicitly or carried by the context
// as the default process group (see collective.WithDefault).
//
// Example, where each rank (e.g. in collective.World.Run) executes:
//
//	spec := distributed.MustNewChunkShardingSpec(0, "rank:0/cpu", "rank:1/cpu", "rank:2/cpu", "rank:3/cpu")
//	st, err := distributed.Build(spec, 10, 20).DType(dtypes.Float32).Ones(ctx)
//	// st.LocalShards() holds the (3, 20) shard of this rank, or the (1, 20) shard on rank 3.
package distributed

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharding/pkg/core/distributed/collective"
	"github.com/gomlx/sharding/pkg/core/distributed/rpc"
	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ShardedTensor is a logical tensor partitioned in shards across the ranks of a process group.
//
// Shards are stored arena-style: metadata.ShardsMetadata lists all shards (in the same order in all ranks), and
// the parallel slice locals holds the local tensor for the shards owned by the current rank (nil for the others).
//
// A ShardedTensor is immutable once constructed: its shards' contents can change, but not its metadata or
// properties.
type ShardedTensor struct {
	metadata *ShardedTensorMetadata
	locals   []*tensors.Tensor
	owners   []int
	spec     ShardingSpec
	pg       collective.ProcessGroup
	timeout  time.Duration

	initRRefs bool
	remote    map[int][]RemoteShard
}

// RemoteShard is a reference to a shard owned by another rank.
type RemoteShard struct {
	Metadata ShardMetadata
	RRef     *rpc.RRef
}

// Fetch the remote shard contents.
func (r RemoteShard) Fetch(ctx context.Context) (*tensors.Tensor, error) {
	value, err := r.RRef.ToHere(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "fetching remote shard %s", r.Metadata)
	}
	tensor, ok := value.(*tensors.Tensor)
	if !ok {
		return nil, errors.Errorf("remote shard %s holds a %T, not a tensor", r.Metadata, value)
	}
	return tensor, nil
}

// processGroupFrom returns pg if not nil, or the default process group in ctx, or ErrProcessGroupNotInitialized.
func processGroupFrom(ctx context.Context, pg collective.ProcessGroup) (collective.ProcessGroup, error) {
	if pg != nil {
		return pg, nil
	}
	pg, found := collective.Default(ctx)
	if !found {
		return nil, errors.Wrap(ErrProcessGroupNotInitialized, "no process group given and none in the context")
	}
	return pg, nil
}

// resolveRank returns the rank owning placement in pg.
//
// Worker-based placements are resolved using the rpc agent in ctx, whose worker id must match the process group
// rank (ErrProcessGroupRpcRankMismatch).
func resolveRank(ctx context.Context, pg collective.ProcessGroup, placement Placement) (int, error) {
	if rank, ok := placement.Rank(); ok {
		if rank < 0 || rank >= pg.Size() {
			return 0, errors.Wrapf(ErrInvalidRank, "placement %s: rank must be in [0, %d)", placement, pg.Size())
		}
		return rank, nil
	}
	name, _ := placement.WorkerName()
	agent, found := rpc.AgentFrom(ctx)
	if !found {
		return 0, errors.Wrapf(ErrRpcNotInitialized, "placement %s uses a worker name", placement)
	}
	if err := checkAgentMatchesGroup(agent, pg); err != nil {
		return 0, err
	}
	info, err := agent.WorkerByName(name)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidWorkerName, "placement %s: %v", placement, err)
	}
	return info.ID, nil
}

func checkAgentMatchesGroup(agent *rpc.Agent, pg collective.ProcessGroup) error {
	if agent.WorkerInfo().ID != pg.Rank() || agent.WorldSize() != pg.Size() {
		return errors.Wrapf(ErrProcessGroupRpcRankMismatch, "process group rank %d (world size %d), rpc %s (world size %d)",
			pg.Rank(), pg.Size(), agent.WorkerInfo(), agent.WorldSize())
	}
	return nil
}

// resolveOwners returns the rank owning each of the shards.
func resolveOwners(ctx context.Context, pg collective.ProcessGroup, shards []ShardMetadata) ([]int, error) {
	owners := make([]int, len(shards))
	for ii, shard := range shards {
		var err error
		owners[ii], err = resolveRank(ctx, pg, shard.Placement)
		if err != nil {
			return nil, errors.WithMessagef(err, "shard #%d", ii)
		}
	}
	return owners, nil
}

// Builder configures the creation of a ShardedTensor from a ShardingSpec. Create it with Build, set the options,
// and finish with one of the creation methods: Empty, Zeros, Ones, Full or Rand.
type Builder struct {
	spec      ShardingSpec
	dims      []int
	pg        collective.ProcessGroup
	initRRefs bool
	props     TensorProperties
	timeout   time.Duration
	seed      *uint64
}

// Build returns a Builder of a ShardedTensor with the logical dimensions dims, sharded according to spec.
//
// By default, it uses the default process group in the context, float32 dtype, and doesn't initialize remote
// references.
//
// Example:
//
//	st, err := distributed.Build(spec, 16, 20).DType(dtypes.Float64).InitRRefs(true).Zeros(ctx)
func Build(spec ShardingSpec, dims ...int) *Builder {
	return &Builder{
		spec:  spec,
		dims:  slices.Clone(dims),
		props: DefaultTensorProperties(),
	}
}

// ProcessGroup to use, instead of the default process group in the context.
func (b *Builder) ProcessGroup(pg collective.ProcessGroup) *Builder {
	b.pg = pg
	return b
}

// InitRRefs configures whether to exchange remote references to the shards of all ranks (see
// ShardedTensor.RemoteShards). It requires an rpc agent in the context (see rpc.WithAgent).
func (b *Builder) InitRRefs(initRRefs bool) *Builder {
	b.initRRefs = initRRefs
	return b
}

// DType of the tensor. Default is float32.
func (b *Builder) DType(dtype dtypes.DType) *Builder {
	b.props.DType = dtype
	return b
}

// Layout of the tensor. Only tensors.Strided is supported.
func (b *Builder) Layout(layout tensors.Layout) *Builder {
	b.props.Layout = layout
	return b
}

// MemoryFormat of the tensor. Only tensors.Contiguous is supported.
func (b *Builder) MemoryFormat(memoryFormat tensors.MemoryFormat) *Builder {
	b.props.MemoryFormat = memoryFormat
	return b
}

// RequiresGrad configures whether the local shards track gradients.
func (b *Builder) RequiresGrad(requiresGrad bool) *Builder {
	b.props.RequiresGrad = requiresGrad
	return b
}

// PinMemory configures whether the local shards are allocated in pinned memory.
func (b *Builder) PinMemory(pinMemory bool) *Builder {
	b.props.PinMemory = pinMemory
	return b
}

// Timeout for each collective operation during the creation (and later operations, like Gather).
// Default is 0, meaning wait forever (the context cancellation still applies).
func (b *Builder) Timeout(timeout time.Duration) *Builder {
	b.timeout = timeout
	return b
}

// Seed for Rand. Each shard uses a random number generator seeded with the seed and the shard index, so the
// contents are reproducible. By default, a random seed is used.
func (b *Builder) Seed(seed uint64) *Builder {
	b.seed = &seed
	return b
}

// Empty creates the ShardedTensor with unspecified contents.
func (b *Builder) Empty(ctx context.Context) (*ShardedTensor, error) {
	return b.build(ctx, "empty", func(_ int, dims []int, opts tensors.Options) (*tensors.Tensor, error) {
		return tensors.Empty(b.props.DType, dims, opts)
	})
}

// Zeros creates the ShardedTensor filled with zeros.
func (b *Builder) Zeros(ctx context.Context) (*ShardedTensor, error) {
	return b.build(ctx, "zeros", func(_ int, dims []int, opts tensors.Options) (*tensors.Tensor, error) {
		return tensors.Zeros(b.props.DType, dims, opts)
	})
}

// Ones creates the ShardedTensor filled with ones.
func (b *Builder) Ones(ctx context.Context) (*ShardedTensor, error) {
	return b.build(ctx, "ones", func(_ int, dims []int, opts tensors.Options) (*tensors.Tensor, error) {
		return tensors.Ones(b.props.DType, dims, opts)
	})
}

// Full creates the ShardedTensor filled with value.
func (b *Builder) Full(ctx context.Context, value float64) (*ShardedTensor, error) {
	return b.build(ctx, "full", func(_ int, dims []int, opts tensors.Options) (*tensors.Tensor, error) {
		return tensors.Full(b.props.DType, dims, value, opts)
	})
}

// Rand creates the ShardedTensor filled with values sampled uniformly from [0, 1). It requires a float dtype.
func (b *Builder) Rand(ctx context.Context) (*ShardedTensor, error) {
	seed := rand.Uint64()
	if b.seed != nil {
		seed = *b.seed
	}
	return b.build(ctx, "rand", func(shardIdx int, dims []int, opts tensors.Options) (*tensors.Tensor, error) {
		rng := rand.New(rand.NewPCG(seed, uint64(shardIdx)))
		return tensors.Rand(b.props.DType, dims, rng, opts)
	})
}

// build creates the ShardedTensor, creating each local shard with createFn.
func (b *Builder) build(ctx context.Context, opName string,
	createFn func(shardIdx int, dims []int, opts tensors.Options) (*tensors.Tensor, error)) (*ShardedTensor, error) {
	pg, err := processGroupFrom(ctx, b.pg)
	if err != nil {
		return nil, errors.WithMessagef(err, "ShardedTensor %s", opName)
	}
	st, err := b.buildLocal(ctx, pg, createFn)
	if b.initRRefs {
		// A rank that failed above still joins the exchange, so the other ranks fail with it.
		err = exchangeRRefs(ctx, pg, b.timeout, st, err)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "ShardedTensor %s", opName)
	}
	if st.NumLocalShards() == 0 {
		klog.Warningf("rank %d: ShardedTensor %s%v has no local shards with %s", pg.Rank(), opName, b.dims, b.spec)
	}
	klog.V(1).Infof("rank %d: ShardedTensor %s%v created with %s, %d local shards",
		pg.Rank(), opName, b.dims, b.spec, st.NumLocalShards())
	return st, nil
}

// buildLocal validates the builder and creates the shards owned by the current rank.
func (b *Builder) buildLocal(ctx context.Context, pg collective.ProcessGroup,
	createFn func(shardIdx int, dims []int, opts tensors.Options) (*tensors.Tensor, error)) (*ShardedTensor, error) {
	if b.spec == nil {
		return nil, errors.Wrap(ErrUnsupportedShardingSpec, "nil sharding spec")
	}
	if err := b.props.Validate(); err != nil {
		return nil, err
	}
	for axis, dim := range b.dims {
		if dim < 0 {
			return nil, errors.Errorf("invalid negative dimension %d for axis %d in %v", dim, axis, b.dims)
		}
	}
	shards, err := b.spec.BuildShardsMetadata(b.dims)
	if err != nil {
		return nil, err
	}
	owners, err := resolveOwners(ctx, pg, shards)
	if err != nil {
		return nil, err
	}

	locals := make([]*tensors.Tensor, len(shards))
	for ii, shard := range shards {
		if owners[ii] != pg.Rank() {
			continue
		}
		locals[ii], err = createFn(ii, shard.Sizes, b.props.options(shard.Placement.Device()))
		if err != nil {
			return nil, errors.WithMessagef(err, "creating local shard #%d %s on rank %d", ii, shard, pg.Rank())
		}
		klog.V(2).Infof("rank %d: created local shard #%d %s", pg.Rank(), ii, shard)
	}
	return &ShardedTensor{
		metadata: &ShardedTensorMetadata{
			ShardsMetadata:   shards,
			Size:             slices.Clone(b.dims),
			TensorProperties: b.props,
		},
		locals:  locals,
		owners:  owners,
		spec:    b.spec,
		pg:      pg,
		timeout: b.timeout,
	}, nil
}

// Empty creates a ShardedTensor with unspecified contents, using the default process group in ctx and
// default tensor properties. See Build for more options.
func Empty(ctx context.Context, spec ShardingSpec, dims ...int) (*ShardedTensor, error) {
	return Build(spec, dims...).Empty(ctx)
}

// Zeros creates a ShardedTensor filled with zeros. See Empty.
func Zeros(ctx context.Context, spec ShardingSpec, dims ...int) (*ShardedTensor, error) {
	return Build(spec, dims...).Zeros(ctx)
}

// Ones creates a ShardedTensor filled with ones. See Empty.
func Ones(ctx context.Context, spec ShardingSpec, dims ...int) (*ShardedTensor, error) {
	return Build(spec, dims...).Ones(ctx)
}

// Full creates a ShardedTensor filled with value. See Empty.
func Full(ctx context.Context, spec ShardingSpec, value float64, dims ...int) (*ShardedTensor, error) {
	return Build(spec, dims...).Full(ctx, value)
}

// Rand creates a ShardedTensor filled with random values in [0, 1). See Empty.
func Rand(ctx context.Context, spec ShardingSpec, dims ...int) (*ShardedTensor, error) {
	return Build(spec, dims...).Rand(ctx)
}

// Size returns the logical dimensions of the tensor.
func (st *ShardedTensor) Size() []int {
	return slices.Clone(st.metadata.Size)
}

// SizeAt returns the logical dimension of the given axis. Negative axes are counted from the end.
// It returns ErrDimOutOfRange if dim < -rank or dim >= rank.
func (st *ShardedTensor) SizeAt(dim int) (int, error) {
	rank := len(st.metadata.Size)
	axis := dim
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, errors.Wrapf(ErrDimOutOfRange, "dim %d for tensor of rank %d (expected to be in range [%d, %d])",
			dim, rank, -rank, rank-1)
	}
	return st.metadata.Size[axis], nil
}

// Metadata returns a copy of the metadata of the tensor.
func (st *ShardedTensor) Metadata() *ShardedTensorMetadata {
	return st.metadata.Clone()
}

// LocalShards returns the shards owned by the current rank, in metadata order. It may be empty.
//
// The returned shards hold the local tensors themselves, not copies.
func (st *ShardedTensor) LocalShards() []Shard {
	shards := make([]Shard, 0, len(st.locals))
	for ii, tensor := range st.locals {
		if tensor != nil {
			shards = append(shards, Shard{Tensor: tensor, Metadata: st.metadata.ShardsMetadata[ii].Clone()})
		}
	}
	return shards
}

// NumLocalShards returns the number of shards owned by the current rank.
func (st *ShardedTensor) NumLocalShards() int {
	count := 0
	for _, tensor := range st.locals {
		if tensor != nil {
			count++
		}
	}
	return count
}

// ShardingSpec used to create the tensor. It is nil for tensors created from local shards.
func (st *ShardedTensor) ShardingSpec() ShardingSpec { return st.spec }

// ProcessGroup of the tensor.
func (st *ShardedTensor) ProcessGroup() collective.ProcessGroup { return st.pg }

// RemoteShards returns the references to the shards owned by other ranks, keyed by owner rank.
// It returns ErrRemoteRefsNotInitialized if the tensor was created without initializing remote references.
func (st *ShardedTensor) RemoteShards() (map[int][]RemoteShard, error) {
	if !st.initRRefs {
		return nil, errors.Wrapf(ErrRemoteRefsNotInitialized, "ShardedTensor%v on rank %d was created without InitRRefs",
			st.metadata.Size, st.pg.Rank())
	}
	remote := make(map[int][]RemoteShard, len(st.remote))
	for rank, shards := range st.remote {
		remote[rank] = slices.Clone(shards)
	}
	return remote, nil
}

// DType of the tensor.
func (st *ShardedTensor) DType() dtypes.DType { return st.metadata.TensorProperties.DType }

// Layout of the tensor.
func (st *ShardedTensor) Layout() tensors.Layout { return st.metadata.TensorProperties.Layout }

// MemoryFormat of the tensor.
func (st *ShardedTensor) MemoryFormat() tensors.MemoryFormat {
	return st.metadata.TensorProperties.MemoryFormat
}

// RequiresGrad returns whether the local shards track gradients.
func (st *ShardedTensor) RequiresGrad() bool { return st.metadata.TensorProperties.RequiresGrad }

// IsContiguous returns whether the tensor is contiguous.
func (st *ShardedTensor) IsContiguous() bool {
	return st.metadata.TensorProperties.MemoryFormat == tensors.Contiguous
}

// IsPinned returns whether the local shards are in pinned memory.
func (st *ShardedTensor) IsPinned() bool { return st.metadata.TensorProperties.PinMemory }

// SetProperty always fails with ErrImmutableAttribute: the properties of a ShardedTensor (dtype, layout,
// requires_grad, memory format, pin memory) can only be changed by creating a new one.
func (st *ShardedTensor) SetProperty(name string, value any) error {
	return errors.Wrapf(ErrImmutableAttribute, "cannot set %q to %v", name, value)
}

// String implements fmt.Stringer.
func (st *ShardedTensor) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "ShardedTensor(%s%v, rank=%d/%d, %d/%d local shards, %s total",
		st.DType(), st.metadata.Size, st.pg.Rank(), st.pg.Size(), st.NumLocalShards(), len(st.locals),
		humanize.Bytes(st.metadata.Memory()))
	if st.spec != nil {
		_, _ = fmt.Fprintf(&sb, ", %s", st.spec)
	}
	sb.WriteString(")")
	return sb.String()
}
