// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sharding/pkg/support/xslices"
	"github.com/pkg/errors"
)

// ShardingSpec is a policy that produces the metadata of all the shards of a logical tensor.
//
// There are two implementations: ChunkShardingSpec, which splits the tensor in equal chunks along one axis,
// and EnumerableShardingSpec, which takes an explicit list of shards.
type ShardingSpec interface {
	fmt.Stringer

	// BuildShardsMetadata returns the metadata of the shards of a logical tensor with the given dimensions,
	// in a deterministic order.
	BuildShardsMetadata(dims []int) ([]ShardMetadata, error)

	// Equal returns whether other is the same sharding policy.
	Equal(other ShardingSpec) bool
}

var (
	_ ShardingSpec = (*ChunkShardingSpec)(nil)
	_ ShardingSpec = (*EnumerableShardingSpec)(nil)
)

// ChunkShardingSpec splits the logical tensor along the axis Dim in len(Placements) chunks of equal size
// (except possibly the last one, which can be smaller), and the i-th chunk is placed at Placements[i].
//
// The same rank can appear more than once in Placements, in which case it owns more than one shard.
//
// Example:
//
//	// Shards a (10, 20) tensor in 4 shards of (3, 20), (3, 20), (3, 20), (1, 20).
//	spec := distributed.MustNewChunkShardingSpec(0, "rank:0/cuda:0", "rank:1/cuda:1", "rank:2/cuda:2", "rank:3/cuda:3")
type ChunkShardingSpec struct {
	// Dim is the axis to split. It can be negative, in which case it is counted from the end.
	Dim int

	// Placements of the chunks, in order.
	Placements []Placement
}

// NewChunkShardingSpec creates a ChunkShardingSpec from the placements given in textual form (see ParsePlacement).
func NewChunkShardingSpec(dim int, placements ...string) (*ChunkShardingSpec, error) {
	spec := &ChunkShardingSpec{Dim: dim, Placements: make([]Placement, len(placements))}
	for ii, s := range placements {
		var err error
		spec.Placements[ii], err = ParsePlacement(s)
		if err != nil {
			return nil, errors.WithMessagef(err, "ChunkShardingSpec placement #%d", ii)
		}
	}
	return spec, nil
}

// MustNewChunkShardingSpec is like NewChunkShardingSpec, but panics on error.
func MustNewChunkShardingSpec(dim int, placements ...string) *ChunkShardingSpec {
	spec, err := NewChunkShardingSpec(dim, placements...)
	if err != nil {
		exceptions.Panicf("MustNewChunkShardingSpec: %+v", err)
	}
	return spec
}

// normalizeDim returns the non-negative axis for the given tensor rank, or ErrInvalidShardingDim.
func (s *ChunkShardingSpec) normalizeDim(rank int) (int, error) {
	dim := s.Dim
	if dim < 0 {
		dim += rank
	}
	if dim < 0 || dim >= rank {
		return 0, errors.Wrapf(ErrInvalidShardingDim, "dim %d out of range for tensor of rank %d", s.Dim, rank)
	}
	return dim, nil
}

// chunkSize returns the size of the chunks along the split axis: ceil(dimSize/numChunks).
func chunkSize(dimSize, numChunks int) int {
	return (dimSize + numChunks - 1) / numChunks
}

// BuildShardsMetadata implements ShardingSpec.
//
// The split size is ceil(dims[Dim] / len(Placements)). Placements whose chunk would start beyond the end of the
// axis get no shard at all: e.g., an axis of size 2 split across 4 placements yields only 2 shards.
func (s *ChunkShardingSpec) BuildShardsMetadata(dims []int) ([]ShardMetadata, error) {
	if len(s.Placements) == 0 {
		return nil, errors.New("ChunkShardingSpec requires at least one placement")
	}
	dim, err := s.normalizeDim(len(dims))
	if err != nil {
		return nil, err
	}
	dimSize := dims[dim]
	split := chunkSize(dimSize, len(s.Placements))
	shards := make([]ShardMetadata, 0, len(s.Placements))
	for ii, placement := range s.Placements {
		offset := ii * split
		if offset >= dimSize {
			break
		}
		shard := ShardMetadata{
			Offsets:   make([]int, len(dims)),
			Sizes:     slices.Clone(dims),
			Placement: placement,
		}
		shard.Offsets[dim] = offset
		shard.Sizes[dim] = min(split, dimSize-offset)
		shards = append(shards, shard)
	}
	return shards, nil
}

// Equal implements ShardingSpec.
func (s *ChunkShardingSpec) Equal(other ShardingSpec) bool {
	o, ok := other.(*ChunkShardingSpec)
	if !ok || o == nil || s == nil {
		return ok && o == s
	}
	return s.Dim == o.Dim && slices.EqualFunc(s.Placements, o.Placements, Placement.Equal)
}

// String implements fmt.Stringer.
func (s *ChunkShardingSpec) String() string {
	return fmt.Sprintf("ChunkShardingSpec(dim=%d, placements=[%s])", s.Dim,
		strings.Join(xslices.Map(s.Placements, Placement.String), ", "))
}

// EnumerableShardingSpec takes an explicit list of shards. It validates that the shards don't overlap when
// created, and that they exactly cover the tensor in BuildShardsMetadata.
type EnumerableShardingSpec struct {
	Shards []ShardMetadata
}

// NewEnumerableShardingSpec creates an EnumerableShardingSpec with the given shards. They must all have the same
// rank and must not overlap (ErrShardsOverlap).
func NewEnumerableShardingSpec(shards ...ShardMetadata) (*EnumerableShardingSpec, error) {
	if len(shards) == 0 {
		return nil, errors.New("EnumerableShardingSpec requires at least one shard")
	}
	rank := shards[0].Rank()
	for ii, shard := range shards {
		if err := shard.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "EnumerableShardingSpec shard #%d", ii)
		}
		if shard.Rank() != rank {
			return nil, errors.Errorf("EnumerableShardingSpec shards have inconsistent ranks: shard #0 has rank %d, "+
				"shard #%d has rank %d", rank, ii, shard.Rank())
		}
		for jj := range ii {
			if shards[jj].overlaps(shard) {
				return nil, errors.Wrapf(ErrShardsOverlap, "shards %s and %s overlap", shards[jj], shard)
			}
		}
	}
	return &EnumerableShardingSpec{Shards: xslices.Map(shards, ShardMetadata.Clone)}, nil
}

// BuildShardsMetadata implements ShardingSpec. It validates the shards exactly cover a tensor with the given
// dimensions (see ValidateShardsCoverage) and returns a copy of them.
func (s *EnumerableShardingSpec) BuildShardsMetadata(dims []int) ([]ShardMetadata, error) {
	if err := ValidateShardsCoverage(s.Shards, dims); err != nil {
		return nil, errors.WithMessage(err, "EnumerableShardingSpec")
	}
	return xslices.Map(s.Shards, ShardMetadata.Clone), nil
}

// Equal implements ShardingSpec.
func (s *EnumerableShardingSpec) Equal(other ShardingSpec) bool {
	o, ok := other.(*EnumerableShardingSpec)
	if !ok || o == nil || s == nil {
		return ok && o == s
	}
	return slices.EqualFunc(s.Shards, o.Shards, ShardMetadata.Equal)
}

// String implements fmt.Stringer.
func (s *EnumerableShardingSpec) String() string {
	return fmt.Sprintf("EnumerableShardingSpec(shards=[%s])",
		strings.Join(xslices.Map(s.Shards, ShardMetadata.String), ", "))
}
