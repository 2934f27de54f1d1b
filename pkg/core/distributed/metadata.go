// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/gomlx/sharding/pkg/support/xslices"
	"github.com/pkg/errors"
)

// ShardMetadata describes one shard of a logical tensor: the hyper-rectangle it covers (Offsets and Sizes, one
// value per axis of the logical tensor) and its Placement.
type ShardMetadata struct {
	Offsets   []int
	Sizes     []int
	Placement Placement
}

// Rank of the logical tensor the shard belongs to.
func (m ShardMetadata) Rank() int { return len(m.Sizes) }

// NumElements is the volume of the shard.
func (m ShardMetadata) NumElements() int { return xslices.Product(m.Sizes) }

// Equal compares offsets, sizes and placement by value.
func (m ShardMetadata) Equal(other ShardMetadata) bool {
	return slices.Equal(m.Offsets, other.Offsets) && slices.Equal(m.Sizes, other.Sizes) &&
		m.Placement.Equal(other.Placement)
}

// Clone returns a deep copy.
func (m ShardMetadata) Clone() ShardMetadata {
	return ShardMetadata{
		Offsets:   slices.Clone(m.Offsets),
		Sizes:     slices.Clone(m.Sizes),
		Placement: m.Placement,
	}
}

// String implements fmt.Stringer.
func (m ShardMetadata) String() string {
	return fmt.Sprintf("ShardMetadata(offsets=%v, sizes=%v, placement=%s)", m.Offsets, m.Sizes, m.Placement)
}

// Validate checks that offsets and sizes have the same length and are not negative.
func (m ShardMetadata) Validate() error {
	if len(m.Offsets) != len(m.Sizes) {
		return errors.Errorf("%s: offsets and sizes must have the same length", m)
	}
	for axis := range m.Offsets {
		if m.Offsets[axis] < 0 || m.Sizes[axis] < 0 {
			return errors.Errorf("%s: offsets and sizes must be >= 0 (axis %d)", m, axis)
		}
	}
	return nil
}

// overlaps returns whether the hyper-rectangles of m and other intersect.
// Shards with any zero size never overlap.
func (m ShardMetadata) overlaps(other ShardMetadata) bool {
	for axis := range m.Sizes {
		begin := max(m.Offsets[axis], other.Offsets[axis])
		end := min(m.Offsets[axis]+m.Sizes[axis], other.Offsets[axis]+other.Sizes[axis])
		if begin >= end {
			return false
		}
	}
	return true
}

// TensorProperties are the attributes shared by all the shards of a ShardedTensor.
//
// It is a comparable value type: it can be compared with == and used as a map key.
type TensorProperties struct {
	DType        dtypes.DType
	Layout       tensors.Layout
	RequiresGrad bool
	MemoryFormat tensors.MemoryFormat
	PinMemory    bool
}

// DefaultTensorProperties returns float32, strided and contiguous properties.
func DefaultTensorProperties() TensorProperties {
	return TensorProperties{
		DType:        dtypes.Float32,
		Layout:       tensors.Strided,
		MemoryFormat: tensors.Contiguous,
	}
}

// propertiesOf returns the TensorProperties of a local tensor.
func propertiesOf(t *tensors.Tensor) TensorProperties {
	return TensorProperties{
		DType:        t.DType(),
		Layout:       t.Layout(),
		RequiresGrad: t.RequiresGrad(),
		MemoryFormat: t.MemoryFormat(),
		PinMemory:    t.IsPinned(),
	}
}

// Validate returns ErrUnsupportedLayout unless the layout is strided, and ErrUnsupportedMemoryFormat unless the
// memory format is contiguous.
func (p TensorProperties) Validate() error {
	if p.Layout != tensors.Strided {
		return errors.Wrapf(ErrUnsupportedLayout, "got layout %s", p.Layout)
	}
	if p.MemoryFormat != tensors.Contiguous {
		return errors.Wrapf(ErrUnsupportedMemoryFormat, "got memory format %s", p.MemoryFormat)
	}
	if !tensors.IsDTypeSupported(p.DType) {
		return errors.Errorf("dtype %s not supported for sharded tensors", p.DType)
	}
	return nil
}

// options returns the tensors.Options to create local shards with these properties on the given device.
func (p TensorProperties) options(device tensors.Device) tensors.Options {
	return tensors.Options{
		Device:       device,
		Layout:       p.Layout,
		MemoryFormat: p.MemoryFormat,
		PinMemory:    p.PinMemory,
		RequiresGrad: p.RequiresGrad,
	}
}

// String implements fmt.Stringer.
func (p TensorProperties) String() string {
	return fmt.Sprintf("TensorProperties(dtype=%s, layout=%s, requires_grad=%t, memory_format=%s, pin_memory=%t)",
		p.DType, p.Layout, p.RequiresGrad, p.MemoryFormat, p.PinMemory)
}

// ShardedTensorMetadata is the description of a sharded tensor shared by all ranks: the metadata of every shard,
// in a deterministic order, the logical size and the tensor properties.
type ShardedTensorMetadata struct {
	ShardsMetadata   []ShardMetadata
	Size             []int
	TensorProperties TensorProperties
}

// Equal compares the metadata by value. The order of ShardsMetadata matters.
func (m *ShardedTensorMetadata) Equal(other *ShardedTensorMetadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	return slices.Equal(m.Size, other.Size) && m.TensorProperties == other.TensorProperties &&
		slices.EqualFunc(m.ShardsMetadata, other.ShardsMetadata, ShardMetadata.Equal)
}

// Clone returns a deep copy.
func (m *ShardedTensorMetadata) Clone() *ShardedTensorMetadata {
	return &ShardedTensorMetadata{
		ShardsMetadata:   xslices.Map(m.ShardsMetadata, ShardMetadata.Clone),
		Size:             slices.Clone(m.Size),
		TensorProperties: m.TensorProperties,
	}
}

// Validate checks the tensor properties and that the shards exactly cover the logical tensor.
func (m *ShardedTensorMetadata) Validate() error {
	if err := m.TensorProperties.Validate(); err != nil {
		return err
	}
	return ValidateShardsCoverage(m.ShardsMetadata, m.Size)
}

// Memory returns the number of bytes of the whole logical tensor.
func (m *ShardedTensorMetadata) Memory() uint64 {
	return uint64(xslices.Product(m.Size)) * uint64(m.TensorProperties.DType.Size())
}

// String implements fmt.Stringer.
func (m *ShardedTensorMetadata) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "ShardedTensorMetadata(size=%v, %s, %d shards, %s):",
		m.Size, m.TensorProperties, len(m.ShardsMetadata), humanize.Bytes(m.Memory()))
	for ii, shard := range m.ShardsMetadata {
		_, _ = fmt.Fprintf(&sb, "\n\t#%d: %s", ii, shard)
	}
	return sb.String()
}

// ValidateShardsCoverage checks that shards exactly tile a tensor of the given dimensions:
//
//  1. Every shard has the rank of the tensor and lies within its bounds (ErrShardOutOfBounds).
//  2. No two shards overlap (ErrShardsOverlap).
//  3. The total volume of the shards matches the tensor volume (ErrShardsHaveGaps if smaller,
//     ErrShardsVolumeMismatch otherwise).
func ValidateShardsCoverage(shards []ShardMetadata, dims []int) error {
	for ii, shard := range shards {
		if err := shard.Validate(); err != nil {
			return errors.Wrapf(ErrShardOutOfBounds, "shard #%d: %v", ii, err)
		}
		if shard.Rank() != len(dims) {
			return errors.Wrapf(ErrShardOutOfBounds, "shard #%d %s has rank %d, but tensor size %v has rank %d",
				ii, shard, shard.Rank(), dims, len(dims))
		}
		for axis, dim := range dims {
			if shard.Offsets[axis]+shard.Sizes[axis] > dim {
				return errors.Wrapf(ErrShardOutOfBounds, "shard #%d %s exceeds tensor size %v on axis %d",
					ii, shard, dims, axis)
			}
		}
	}
	for ii := range shards {
		for jj := ii + 1; jj < len(shards); jj++ {
			if shards[ii].overlaps(shards[jj]) {
				return errors.Wrapf(ErrShardsOverlap, "shards %s and %s overlap", shards[ii], shards[jj])
			}
		}
	}
	var volume int
	for _, shard := range shards {
		volume += shard.NumElements()
	}
	if tensorVolume := xslices.Product(dims); volume != tensorVolume {
		sentinel := ErrShardsVolumeMismatch
		if volume < tensorVolume {
			sentinel = ErrShardsHaveGaps
		}
		return errors.Wrapf(sentinel, "total volume of shards %d does not match tensor volume %d (size %v)",
			volume, tensorVolume, dims)
	}
	return nil
}
