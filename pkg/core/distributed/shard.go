// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"

	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Shard is a local tensor holding one shard of a logical tensor, along with its metadata.
type Shard struct {
	Tensor   *tensors.Tensor
	Metadata ShardMetadata
}

// NewShard creates a Shard, checking that the tensor dimensions match the shard sizes (ErrShardSizeMismatch)
// and that the tensor is on the placement device (ErrDeviceMismatch).
func NewShard(tensor *tensors.Tensor, metadata ShardMetadata) (Shard, error) {
	if tensor == nil {
		return Shard{}, errors.Errorf("NewShard(%s): nil tensor", metadata)
	}
	if !slices.Equal(tensor.Shape(), metadata.Sizes) {
		return Shard{}, errors.Wrapf(ErrShardSizeMismatch, "tensor dimensions %v, shard sizes %v (%s)",
			tensor.Shape(), metadata.Sizes, metadata)
	}
	if tensor.Device() != metadata.Placement.Device() {
		return Shard{}, errors.Wrapf(ErrDeviceMismatch, "tensor device %s, placement device %s (%s)",
			tensor.Device(), metadata.Placement.Device(), metadata)
	}
	return Shard{Tensor: tensor, Metadata: metadata}, nil
}

// ShardFromTensorAndOffsets creates a Shard for the given tensor at the given offsets of the logical tensor,
// owned by rank. The sizes are taken from the tensor dimensions and the placement device from the tensor device.
func ShardFromTensorAndOffsets(tensor *tensors.Tensor, offsets []int, rank int) (Shard, error) {
	if tensor == nil {
		return Shard{}, errors.New("ShardFromTensorAndOffsets: nil tensor")
	}
	if len(offsets) != tensor.Rank() {
		return Shard{}, errors.Errorf("ShardFromTensorAndOffsets: got %d offsets for a tensor of rank %d",
			len(offsets), tensor.Rank())
	}
	return NewShard(tensor, ShardMetadata{
		Offsets:   slices.Clone(offsets),
		Sizes:     tensor.Shape(),
		Placement: NewRankPlacement(rank, tensor.Device()),
	})
}

// String implements fmt.Stringer.
func (s Shard) String() string {
	return fmt.Sprintf("Shard(%s, %s)", s.Metadata, s.Tensor)
}
