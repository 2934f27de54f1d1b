// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"encoding/gob"
	"math/rand/v2"
	"reflect"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Empty creates a tensor of the given dtype and dimensions. Its contents are unspecified (currently zeros).
func Empty(dtype dtypes.DType, dimensions []int, opts Options) (*Tensor, error) {
	return newTensor(dtype, dimensions, opts)
}

// Zeros creates a tensor of the given dtype and dimensions filled with zeros.
func Zeros(dtype dtypes.DType, dimensions []int, opts Options) (*Tensor, error) {
	return newTensor(dtype, dimensions, opts)
}

// Ones creates a tensor of the given dtype and dimensions filled with ones.
func Ones(dtype dtypes.DType, dimensions []int, opts Options) (*Tensor, error) {
	return Full(dtype, dimensions, 1, opts)
}

// Full creates a tensor of the given dtype and dimensions filled with value, converted to the dtype.
func Full(dtype dtypes.DType, dimensions []int, value float64, opts Options) (*Tensor, error) {
	t, err := newTensor(dtype, dimensions, opts)
	if err != nil {
		return nil, err
	}
	fillFlat(t.flat, value)
	return t, nil
}

// Rand creates a tensor of the given float dtype and dimensions, filled with values uniformly sampled from [0, 1).
func Rand(dtype dtypes.DType, dimensions []int, rng *rand.Rand, opts Options) (*Tensor, error) {
	if !dtype.IsFloat() {
		return nil, errors.Errorf("Rand requires a float dtype, got %s", dtype)
	}
	t, err := newTensor(dtype, dimensions, opts)
	if err != nil {
		return nil, err
	}
	switch flat := t.flat.(type) {
	case []float16.Float16:
		for ii := range flat {
			flat[ii] = float16.Fromfloat32(float32(rng.Float64()))
		}
	case []float32:
		for ii := range flat {
			flat[ii] = rng.Float32()
		}
	case []float64:
		for ii := range flat {
			flat[ii] = rng.Float64()
		}
	}
	return t, nil
}

// dtypeOf returns the DType for the Go type T.
func dtypeOf[T Supported]() dtypes.DType {
	var zero T
	switch any(zero).(type) {
	case bool:
		return dtypes.Bool
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case float16.Float16:
		return dtypes.Float16
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	}
	return dtypes.InvalidDType
}

// FromFlatDataAndDimensions creates a CPU tensor with the given dimensions, filled with the flattened values
// given by data. The data is copied.
//
// It panics if len(data) doesn't match the number of elements of the dimensions.
func FromFlatDataAndDimensions[T Supported](data []T, dimensions ...int) *Tensor {
	if len(data) != numElements(dimensions) {
		panic(errors.Errorf("FromFlatDataAndDimensions: len(data)=%d does not match dimensions %v (%d elements)",
			len(data), dimensions, numElements(dimensions)))
	}
	t, err := newTensor(dtypeOf[T](), dimensions, Options{})
	if err != nil {
		panic(err)
	}
	t.flat = slices.Clone(data)
	return t
}

// CopyFlatData returns a copy of the flat data of the tensor. T must match the tensor dtype.
func CopyFlatData[T Supported](t *Tensor) ([]T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flat, ok := t.flat.([]T)
	if !ok {
		return nil, errors.Errorf("tensor of dtype %s cannot be accessed as %T", t.dtype, flat)
	}
	return slices.Clone(flat), nil
}

// MustCopyFlatData is like CopyFlatData, but panics on error.
func MustCopyFlatData[T Supported](t *Tensor) []T {
	flat, err := CopyFlatData[T](t)
	if err != nil {
		panic(err)
	}
	return flat
}

func makeFlat(dtype dtypes.DType, size int) any {
	switch dtype {
	case dtypes.Bool:
		return make([]bool, size)
	case dtypes.Int32:
		return make([]int32, size)
	case dtypes.Int64:
		return make([]int64, size)
	case dtypes.Float16:
		return make([]float16.Float16, size)
	case dtypes.Float32:
		return make([]float32, size)
	case dtypes.Float64:
		return make([]float64, size)
	}
	return nil
}

func cloneFlat(flat any) any {
	v := reflect.ValueOf(flat)
	clone := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
	reflect.Copy(clone, v)
	return clone.Interface()
}

func fillFlat(flat any, value float64) {
	switch f := flat.(type) {
	case []bool:
		b := value != 0
		for ii := range f {
			f[ii] = b
		}
	case []int32:
		for ii := range f {
			f[ii] = int32(value)
		}
	case []int64:
		for ii := range f {
			f[ii] = int64(value)
		}
	case []float16.Float16:
		h := float16.Fromfloat32(float32(value))
		for ii := range f {
			f[ii] = h
		}
	case []float32:
		for ii := range f {
			f[ii] = float32(value)
		}
	case []float64:
		for ii := range f {
			f[ii] = value
		}
	}
}

// stridesFor returns the row-major strides (in elements) for the given dimensions.
func stridesFor(dimensions []int) []int {
	strides := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	return strides
}

// copyRegion copies the hyper-rectangle of the given sizes from src, starting at srcOffsets, into dst, starting
// at dstOffsets. Both flat slices must be of the same type, and the regions must be within bounds.
func copyRegion(dst any, dstDims, dstOffsets []int, src any, srcDims, srcOffsets []int, sizes []int) {
	if numElements(sizes) == 0 {
		return
	}
	dstV, srcV := reflect.ValueOf(dst), reflect.ValueOf(src)
	rank := len(sizes)
	if rank == 0 {
		dstV.Index(0).Set(srcV.Index(0))
		return
	}
	dstStrides, srcStrides := stridesFor(dstDims), stridesFor(srcDims)
	runLength := sizes[rank-1]
	position := make([]int, rank-1) // Position within the region for the outer axes.
	for {
		dstPos, srcPos := dstOffsets[rank-1], srcOffsets[rank-1]
		for axis := range rank - 1 {
			dstPos += (dstOffsets[axis] + position[axis]) * dstStrides[axis]
			srcPos += (srcOffsets[axis] + position[axis]) * srcStrides[axis]
		}
		reflect.Copy(dstV.Slice(dstPos, dstPos+runLength), srcV.Slice(srcPos, srcPos+runLength))

		axis := rank - 2
		for ; axis >= 0; axis-- {
			position[axis]++
			if position[axis] < sizes[axis] {
				break
			}
			position[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}

// checkRegion returns an error if the region defined by offsets and sizes doesn't fit dimensions.
func checkRegion(dimensions, offsets, sizes []int) error {
	if len(offsets) != len(dimensions) || len(sizes) != len(dimensions) {
		return errors.Errorf("region offsets %v and sizes %v must have the same rank as the tensor dimensions %v",
			offsets, sizes, dimensions)
	}
	for axis, dim := range dimensions {
		if offsets[axis] < 0 || sizes[axis] < 0 || offsets[axis]+sizes[axis] > dim {
			return errors.Errorf("region offset %d and size %d for axis %d is out of bounds for dimensions %v",
				offsets[axis], sizes[axis], axis, dimensions)
		}
	}
	return nil
}

// Slice returns a contiguous copy of the region of t starting at offsets, with the given sizes.
func (t *Tensor) Slice(offsets, sizes []int) (*Tensor, error) {
	if err := checkRegion(t.dimensions, offsets, sizes); err != nil {
		return nil, err
	}
	opts := t.options()
	opts.MemoryFormat = Contiguous
	result, err := newTensor(t.dtype, sizes, opts)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	copyRegion(result.flat, sizes, make([]int, len(sizes)), t.flat, t.dimensions, offsets, sizes)
	return result, nil
}

// Narrow returns a contiguous copy of t restricted to [start, start+length) along axis.
// Negative axes are counted from the end.
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	if axis < 0 {
		axis += t.Rank()
	}
	if axis < 0 || axis >= t.Rank() {
		return nil, errors.Errorf("Narrow axis %d out of range for tensor of rank %d", axis, t.Rank())
	}
	offsets := make([]int, t.Rank())
	sizes := t.Shape()
	offsets[axis] = start
	sizes[axis] = length
	return t.Slice(offsets, sizes)
}

// CopyRegionFrom copies all of src into t, at the given offsets. Both tensors must have the same dtype and rank.
func (t *Tensor) CopyRegionFrom(src *Tensor, offsets []int) error {
	if t == src {
		return errors.New("CopyRegionFrom source and destination are the same tensor")
	}
	if t.dtype != src.dtype {
		return errors.Errorf("CopyRegionFrom dtype mismatch: destination is %s, source is %s", t.dtype, src.dtype)
	}
	if err := checkRegion(t.dimensions, offsets, src.dimensions); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	src.mu.Lock()
	defer src.mu.Unlock()
	copyRegion(t.flat, t.dimensions, offsets, src.flat, src.dimensions, make([]int, src.Rank()), src.dimensions)
	return nil
}

// Reshape returns a copy of the tensor with new dimensions holding the same number of elements.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	if numElements(dimensions) != t.Size() {
		return nil, errors.Errorf("cannot reshape tensor of dimensions %v to %v", t.dimensions, dimensions)
	}
	clone := t.Clone()
	clone.dimensions = slices.Clone(dimensions)
	return clone, nil
}

func addFlat[T int32 | int64 | float32 | float64](dst, a, b []T) {
	for ii := range dst {
		dst[ii] = a[ii] + b[ii]
	}
}

// Add returns a new tensor with the element-wise sum of a and b, with the attributes of a.
// Both must have the same dtype and dimensions.
func Add(a, b *Tensor) (*Tensor, error) {
	if a.dtype != b.dtype || !slices.Equal(a.dimensions, b.dimensions) {
		return nil, errors.Errorf("Add requires tensors of the same dtype and dimensions, got %s%v and %s%v",
			a.dtype, a.dimensions, b.dtype, b.dimensions)
	}
	result, err := newTensor(a.dtype, a.dimensions, a.options())
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a != b {
		b.mu.Lock()
		defer b.mu.Unlock()
	}
	switch dst := result.flat.(type) {
	case []int32:
		addFlat(dst, a.flat.([]int32), b.flat.([]int32))
	case []int64:
		addFlat(dst, a.flat.([]int64), b.flat.([]int64))
	case []float32:
		addFlat(dst, a.flat.([]float32), b.flat.([]float32))
	case []float64:
		addFlat(dst, a.flat.([]float64), b.flat.([]float64))
	case []float16.Float16:
		aFlat, bFlat := a.flat.([]float16.Float16), b.flat.([]float16.Float16)
		for ii := range dst {
			dst[ii] = float16.Fromfloat32(aFlat[ii].Float32() + bFlat[ii].Float32())
		}
	default:
		return nil, errors.Errorf("Add not supported for dtype %s", a.dtype)
	}
	return result, nil
}

// AddScalar returns a new tensor with value added to every element of t.
func AddScalar(t *Tensor, value float64) (*Tensor, error) {
	if t.dtype == dtypes.Bool {
		return nil, errors.Errorf("AddScalar not supported for dtype %s", t.dtype)
	}
	scalar, err := Full(t.dtype, t.dimensions, value, t.options())
	if err != nil {
		return nil, err
	}
	return Add(t, scalar)
}

// Equal returns whether t and other have the same dtype, dimensions and values. Other attributes are ignored.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil {
		return false
	}
	if t.dtype != other.dtype || !slices.Equal(t.dimensions, other.dimensions) {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()
	return reflect.DeepEqual(t.flat, other.flat)
}

// tensorWire is the serialized form of a Tensor. Only the field matching the dtype holds data.
type tensorWire struct {
	DType        dtypes.DType
	Dimensions   []int
	Device       string
	Layout       Layout
	MemoryFormat MemoryFormat
	Pinned       bool
	RequiresGrad bool

	Bools    []bool
	Int32s   []int32
	Int64s   []int64
	Float16s []uint16
	Float32s []float32
	Float64s []float64
}

// GobEncode implements gob.GobEncoder, so tensors can be serialized as part of larger structures (state dicts,
// collective payloads).
func (t *Tensor) GobEncode() ([]byte, error) {
	wire := tensorWire{
		DType:        t.dtype,
		Dimensions:   t.dimensions,
		Device:       t.device.String(),
		Layout:       t.layout,
		MemoryFormat: t.memoryFormat,
		Pinned:       t.pinned,
		RequiresGrad: t.requiresGrad,
	}
	t.mu.Lock()
	switch flat := t.flat.(type) {
	case []bool:
		wire.Bools = flat
	case []int32:
		wire.Int32s = flat
	case []int64:
		wire.Int64s = flat
	case []float16.Float16:
		wire.Float16s = make([]uint16, len(flat))
		for ii, h := range flat {
			wire.Float16s[ii] = uint16(h)
		}
	case []float32:
		wire.Float32s = flat
	case []float64:
		wire.Float64s = flat
	}
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(&wire)
	t.mu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to serialize tensor %s%v", t.dtype, t.dimensions)
	}
	return buf.Bytes(), nil
}

// GobDecode implements gob.GobDecoder.
func (t *Tensor) GobDecode(data []byte) error {
	var wire tensorWire
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&wire); err != nil {
		return errors.Wrap(err, "failed to deserialize tensor")
	}
	device, err := ParseDevice(wire.Device)
	if err != nil {
		return errors.WithMessage(err, "failed to deserialize tensor")
	}
	decoded, err := newTensor(wire.DType, wire.Dimensions, Options{
		Device:       device,
		Layout:       wire.Layout,
		MemoryFormat: wire.MemoryFormat,
		PinMemory:    wire.Pinned,
		RequiresGrad: wire.RequiresGrad,
	})
	if err != nil {
		return errors.WithMessage(err, "failed to deserialize tensor")
	}
	var flat any
	var length int
	switch wire.DType {
	case dtypes.Bool:
		flat, length = wire.Bools, len(wire.Bools)
	case dtypes.Int32:
		flat, length = wire.Int32s, len(wire.Int32s)
	case dtypes.Int64:
		flat, length = wire.Int64s, len(wire.Int64s)
	case dtypes.Float16:
		halves := make([]float16.Float16, len(wire.Float16s))
		for ii, bits := range wire.Float16s {
			halves[ii] = float16.Float16(bits)
		}
		flat, length = halves, len(halves)
	case dtypes.Float32:
		flat, length = wire.Float32s, len(wire.Float32s)
	case dtypes.Float64:
		flat, length = wire.Float64s, len(wire.Float64s)
	}
	if length != decoded.Size() {
		return errors.Errorf("failed to deserialize tensor: got %d values for dimensions %v", length, wire.Dimensions)
	}
	if length > 0 {
		decoded.flat = flat
	}
	t.dtype = decoded.dtype
	t.dimensions = decoded.dimensions
	t.device = decoded.device
	t.layout = decoded.layout
	t.memoryFormat = decoded.memoryFormat
	t.pinned = decoded.pinned
	t.requiresGrad = decoded.requiresGrad
	t.flat = decoded.flat
	return nil
}
