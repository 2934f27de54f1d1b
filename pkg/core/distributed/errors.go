// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gomlx/sharding/pkg/core/distributed/collective"
	"github.com/pkg/errors"
)

// Errors returned by the package. They are always wrapped with a message naming the offending rank, shard or
// dimension, so use errors.Is to check for them.
var (
	// Configuration errors.

	ErrInvalidFormat           = errors.New("invalid placement format")
	ErrInvalidShardingDim      = errors.New("invalid sharding dim")
	ErrInvalidRank             = errors.New("invalid rank")
	ErrInvalidWorkerName       = errors.New("invalid worker name")
	ErrUnsupportedShardingSpec = errors.New("unsupported sharding spec")
	ErrUnsupportedLayout       = errors.New("only strided layout tensors are supported")
	ErrUnsupportedMemoryFormat = errors.New("only contiguous memory format tensors are supported")
	ErrDimOutOfRange           = errors.New("dimension out of range")
	ErrAttributeNotFound       = errors.New("attribute not found")
	ErrNotATensor              = errors.New("attribute is not a tensor")
	ErrNotContiguous           = errors.New("tensor is not contiguous")
	ErrParamSrcRankMismatch    = errors.New("src rank mismatch across ranks")
	ErrShardingSpecMismatch    = errors.New("sharding spec mismatch across ranks")
	ErrPlacementRankMismatch   = errors.New("placements don't match the process group ranks")

	// Consistency errors.

	ErrShardSizeMismatch       = errors.New("shard tensor size does not match its metadata")
	ErrDeviceMismatch          = errors.New("shard tensor device does not match its placement")
	ErrShardsOverlap           = errors.New("shards overlap")
	ErrShardsHaveGaps          = errors.New("shards have gaps")
	ErrShardsVolumeMismatch    = errors.New("total volume of shards does not match tensor volume")
	ErrShardOutOfBounds        = errors.New("shard is out of the tensor bounds")
	ErrOverallSizeMismatch     = errors.New("global size mismatch across ranks")
	ErrDtypeMismatch           = errors.New("dtype mismatch")
	ErrRequiresGradMismatch    = errors.New("requires_grad mismatch")
	ErrPinMemoryMismatch       = errors.New("pin_memory mismatch")
	ErrLocalShardCountMismatch = errors.New("number of local shards does not match metadata")
	ErrPropertyMismatch        = errors.New("local shard property does not match metadata")
	ErrNoLocalShards           = errors.New("no local shards on any rank")

	// Environment errors.

	ErrProcessGroupNotInitialized  = errors.New("default process group not initialized")
	ErrRpcNotInitialized           = errors.New("rpc framework not initialized")
	ErrProcessGroupRpcRankMismatch = errors.New("process group and rpc ranks or world sizes don't match")
	ErrRemoteRefsNotInitialized    = errors.New("remote shard references not initialized")
	ErrLocalRankMismatch           = errors.New("local rank at load time does not match rank at save time")
	ErrLocalWorldSizeMismatch      = errors.New("world size at load time does not match world size at save time")

	// Runtime errors.

	// ErrTimeout is the same as collective.ErrTimeout (and rpc.ErrTimeout).
	ErrTimeout              = collective.ErrTimeout
	ErrUnsupportedOperation = errors.New("operation not supported by ShardedTensor")
	ErrImmutableAttribute   = errors.New("attribute of ShardedTensor cannot be changed")
)
