// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a dense multidimensional array stored locally, as the
// local storage of each shard of a distributed.ShardedTensor.
//
// Besides its data type (dtypes.DType), dimensions and contents, a Tensor carries the attributes the
// sharding layer validates: the Device it is placed on, its Layout, MemoryFormat, whether it is in
// pinned memory and whether it requires gradients.
//
// There are various ways to construct a Tensor:
//
//   - Empty, Zeros, Ones, Full, Rand: create a tensor of the given dtype and dimensions, configured
//     with Options (device, layout, memory format, pinned memory, requires grad).
//   - FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and its flattened values. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
// Data is always stored as a flat slice of the Go type of the dtype, in row-major order.
package tensors

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Supported lists the Go types that can back a Tensor.
type Supported interface {
	bool | int32 | int64 | float16.Float16 | float32 | float64
}

// Tensor represents a dense multidimensional array, stored as a flat (1D) slice of values of its DType.
type Tensor struct {
	dtype      dtypes.DType
	dimensions []int

	device       Device
	layout       Layout
	memoryFormat MemoryFormat
	pinned       bool
	requiresGrad bool

	// mu protects flat, but not the attributes above, which are immutable after construction
	// (with the exception of requiresGrad).
	mu   sync.Mutex
	flat any
}

// Options configure the attributes of a new tensor. The zero value means a contiguous,
// strided tensor on the CPU.
type Options struct {
	Device       Device
	Layout       Layout
	MemoryFormat MemoryFormat
	PinMemory    bool
	RequiresGrad bool
}

// IsDTypeSupported returns whether tensors of the given dtype can be created.
func IsDTypeSupported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Bool, dtypes.Int32, dtypes.Int64, dtypes.Float16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

func newTensor(dtype dtypes.DType, dimensions []int, opts Options) (*Tensor, error) {
	if !IsDTypeSupported(dtype) {
		return nil, errors.Errorf("dtype %s not supported by tensors", dtype)
	}
	for axis, dim := range dimensions {
		if dim < 0 {
			return nil, errors.Errorf("invalid negative dimension %d for axis %d in %v", dim, axis, dimensions)
		}
	}
	t := &Tensor{
		dtype:        dtype,
		dimensions:   slices.Clone(dimensions),
		device:       opts.Device.orDefault(),
		layout:       opts.Layout,
		memoryFormat: opts.MemoryFormat,
		pinned:       opts.PinMemory,
		requiresGrad: opts.RequiresGrad,
	}
	t.flat = makeFlat(dtype, numElements(dimensions))
	return t, nil
}

// options returns the Options that recreate t's attributes.
func (t *Tensor) options() Options {
	return Options{
		Device:       t.device,
		Layout:       t.layout,
		MemoryFormat: t.memoryFormat,
		PinMemory:    t.pinned,
		RequiresGrad: t.requiresGrad,
	}
}

func numElements(dimensions []int) int {
	n := 1
	for _, dim := range dimensions {
		n *= dim
	}
	return n
}

// DType returns the data type of the tensor's elements.
func (t *Tensor) DType() dtypes.DType { return t.dtype }

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() []int { return slices.Clone(t.dimensions) }

// Dim returns the dimension of the given axis. Negative axes are counted from the end.
func (t *Tensor) Dim(axis int) int {
	if axis < 0 {
		axis += len(t.dimensions)
	}
	return t.dimensions[axis]
}

// Rank returns the number of axes of the tensor.
func (t *Tensor) Rank() int { return len(t.dimensions) }

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int { return numElements(t.dimensions) }

// Memory returns the number of bytes used by the tensor data.
func (t *Tensor) Memory() uintptr { return uintptr(t.Size()) * uintptr(t.dtype.Size()) }

// Device where the tensor is placed.
func (t *Tensor) Device() Device { return t.device }

// Layout of the tensor.
func (t *Tensor) Layout() Layout { return t.layout }

// MemoryFormat of the tensor.
func (t *Tensor) MemoryFormat() MemoryFormat { return t.memoryFormat }

// IsContiguous returns whether the tensor is laid out contiguously (row-major) in memory.
func (t *Tensor) IsContiguous() bool { return t.memoryFormat == Contiguous }

// IsPinned returns whether the tensor lives in pinned (page-locked) memory.
func (t *Tensor) IsPinned() bool { return t.pinned }

// RequiresGrad returns whether gradients should be tracked for this tensor.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// SetRequiresGrad changes whether gradients should be tracked for this tensor.
func (t *Tensor) SetRequiresGrad(requiresGrad bool) { t.requiresGrad = requiresGrad }

// Clone returns a deep copy of the tensor, with the same attributes.
func (t *Tensor) Clone() *Tensor {
	return t.CloneWith(t.options())
}

// CloneWith returns a deep copy of the tensor data with the attributes given by opts.
func (t *Tensor) CloneWith(opts Options) *Tensor {
	t.mu.Lock()
	defer t.mu.Unlock()
	clone := &Tensor{
		dtype:        t.dtype,
		dimensions:   slices.Clone(t.dimensions),
		device:       opts.Device.orDefault(),
		layout:       opts.Layout,
		memoryFormat: opts.MemoryFormat,
		pinned:       opts.PinMemory,
		requiresGrad: opts.RequiresGrad,
	}
	clone.flat = cloneFlat(t.flat)
	return clone
}

// To returns a copy of the tensor placed on the given device.
func (t *Tensor) To(device Device) *Tensor {
	opts := t.options()
	opts.Device = device
	return t.CloneWith(opts)
}

// Contiguous returns a contiguous copy of the tensor, or the tensor itself if it is already contiguous.
func (t *Tensor) Contiguous() *Tensor {
	if t.IsContiguous() {
		return t
	}
	opts := t.options()
	opts.MemoryFormat = Contiguous
	return t.CloneWith(opts)
}

// String implements fmt.Stringer. It only prints the attributes, and the values for small tensors.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor<nil>"
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Tensor(%s%v, device=%s", t.dtype, t.dimensions, t.device)
	if t.layout != Strided {
		_, _ = fmt.Fprintf(&sb, ", layout=%s", t.layout)
	}
	if t.memoryFormat != Contiguous {
		_, _ = fmt.Fprintf(&sb, ", memory_format=%s", t.memoryFormat)
	}
	if t.pinned {
		sb.WriteString(", pinned")
	}
	if t.requiresGrad {
		sb.WriteString(", requires_grad")
	}
	sb.WriteString(")")
	const maxPrintedElements = 16
	if t.Size() <= maxPrintedElements {
		t.mu.Lock()
		_, _ = fmt.Fprintf(&sb, " %v", t.flat)
		t.mu.Unlock()
	}
	return sb.String()
}
