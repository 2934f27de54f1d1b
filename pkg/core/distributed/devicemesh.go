// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/sharding/pkg/core/distributed/collective"
	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/gomlx/sharding/pkg/support/sets"
	"github.com/gomlx/sharding/pkg/support/xslices"
	"github.com/pkg/errors"
)

// DeviceMesh organizes the ranks of a process group as a multi-dimensional grid with named axes.
//
// It is used to create sub-groups of ranks along some of the axes (e.g.: the ranks that hold replicas of the
// same "model" shard), and to generate the placements of a ChunkShardingSpec over those ranks.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of ranks along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numRanks is the total number of ranks in the mesh.
	numRanks int

	// rankAssignment is the list of ranks in the order they appear in the mesh. If nil, the sequential
	// assignment 0, 1, ..., numRanks-1 is used.
	rankAssignment []int
}

// DefaultMeshName is the name given to new meshes.
const DefaultMeshName = "mesh"

// IsNameValid checks whether a name is a valid identifier for a mesh name or axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a new logical topology of ranks.
//
//   - axesSizes: defines the number of ranks along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes, one value per axis. They must be valid identifiers (see IsNameValid).
//
// Example: 8 ranks, organized as 2 replicas ("data") of a model sharded in 4 ("model"):
//
//	mesh := must.M1(distributed.NewDeviceMesh([]int{2, 4}, []string{"data", "model"}))
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}

	axesNames = slices.Clone(axesNames)
	numRanks := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q must have a positive size, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numRanks *= axesSizes[i]
	}

	return &DeviceMesh{
		name:       DefaultMeshName,
		axesNames:  axesNames,
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numRanks:   numRanks,
	}, nil
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string {
	return m.name
}

// NumRanks returns the total number of ranks in the mesh.
func (m *DeviceMesh) NumRanks() int {
	return m.numRanks
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of ranks along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// SetRankAssignment sets the ranks of the mesh positions, in the order they appear in the mesh (row-major).
//
// The length of ranks must be equal to NumRanks(), and it must include all numbers from 0 to NumRanks()-1.
// Calling it with no ranks resets to the sequential assignment.
func (m *DeviceMesh) SetRankAssignment(ranks ...int) error {
	if len(ranks) == 0 {
		m.rankAssignment = nil
		return nil
	}
	if len(ranks) != m.numRanks {
		return errors.Errorf("rank assignment must have %d elements, got %d", m.numRanks, len(ranks))
	}
	seen := sets.Make[int](m.numRanks)
	for _, rank := range ranks {
		if rank < 0 || rank >= m.numRanks {
			return errors.Wrapf(ErrInvalidRank, "ranks must be between 0 and %d (NumRanks()-1), got rank %d",
				m.numRanks-1, rank)
		}
		if seen.Has(rank) {
			return errors.Errorf("rank #%d is duplicated in assignment", rank)
		}
		seen.Insert(rank)
	}
	m.rankAssignment = slices.Clone(ranks)
	return nil
}

// RankAssignment returns the ranks in the order they appear in the mesh.
func (m *DeviceMesh) RankAssignment() []int {
	if m.rankAssignment == nil {
		return xslices.Iota(0, m.numRanks)
	}
	return slices.Clone(m.rankAssignment)
}

// RankPosition returns the position (one index per mesh axis) of the given rank in the mesh.
func (m *DeviceMesh) RankPosition(rank int) ([]int, error) {
	flatIdx := slices.Index(m.RankAssignment(), rank)
	if flatIdx < 0 {
		return nil, errors.Wrapf(ErrInvalidRank, "rank %d is not part of %s", rank, m)
	}
	position := make([]int, len(m.axesSizes))
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		position[i] = flatIdx % m.axesSizes[i]
		flatIdx /= m.axesSizes[i]
	}
	return position, nil
}

// ComputeReplicaGroups returns the groups of ranks that vary only along the given axes: each group holds the
// ranks for the axes specified, and the other axes are split into different groups.
//
// Example:
//
//	m := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"batch", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	groups := make([][]int, m.numRanks/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	assignment := m.RankAssignment()
	indices := make([]int, len(m.axesSizes))
	for flatIdx := range m.numRanks {
		remaining := flatIdx
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}

		// Group index from the other axes, position within the group from the selected axes.
		groupIdx, multiplier := 0, 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}
		groups[groupIdx][posInGroup] = assignment[flatIdx]
	}
	return groups, nil
}

// NewGroupAlong creates the sub-group of pg with the ranks that vary only along the given mesh axes, and that
// include pg.Rank(). See ComputeReplicaGroups.
//
// pg must have exactly NumRanks() ranks, and all its ranks must call NewGroupAlong with the same axes.
func (m *DeviceMesh) NewGroupAlong(pg collective.ProcessGroup, axes ...string) (collective.ProcessGroup, error) {
	if pg.Size() != m.numRanks {
		return nil, errors.Wrapf(ErrPlacementRankMismatch, "%s has %d ranks, but process group has %d",
			m, m.numRanks, pg.Size())
	}
	groups, err := m.ComputeReplicaGroups(axes)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if slices.Contains(group, pg.Rank()) {
			return pg.NewGroup(group)
		}
	}
	return nil, errors.Wrapf(ErrInvalidRank, "rank %d not found in %s", pg.Rank(), m)
}

// ChunkShardingSpec returns a ChunkShardingSpec splitting the tensor axis dim over the given group of ranks
// (e.g.: one of the groups returned by ComputeReplicaGroups), with the placement device of each rank given by
// deviceFn.
func (m *DeviceMesh) ChunkShardingSpec(dim int, group []int, deviceFn func(rank int) tensors.Device) *ChunkShardingSpec {
	return &ChunkShardingSpec{
		Dim: dim,
		Placements: xslices.Map(group, func(rank int) Placement {
			return NewRankPlacement(rank, deviceFn(rank))
		}),
	}
}
