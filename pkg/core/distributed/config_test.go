// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/sharding/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShardingSpecYAML(t *testing.T) {
	t.Run("chunk", func(t *testing.T) {
		spec, err := distributed.ParseShardingSpecYAML([]byte(`
type: chunk
dim: 1
placements: ["rank:0/cuda:0", "rank:1/cuda:1", "trainer/cpu"]
`))
		require.NoError(t, err)
		want := distributed.MustNewChunkShardingSpec(1, "rank:0/cuda:0", "rank:1/cuda:1", "trainer/cpu")
		assert.True(t, want.Equal(spec), "got %s", spec)
	})

	t.Run("enumerable", func(t *testing.T) {
		spec, err := distributed.ParseShardingSpecYAML([]byte(`
type: enumerable
shards:
  - {offsets: [0, 0], sizes: [5, 10], placement: "rank:0/cpu"}
  - offsets: [5, 0]
    sizes: [5, 10]
    placement: rank:1/cpu
`))
		require.NoError(t, err)
		want, err := distributed.NewEnumerableShardingSpec(
			shardMD(0, []int{0, 0}, []int{5, 10}),
			shardMD(1, []int{5, 0}, []int{5, 10}))
		require.NoError(t, err)
		assert.True(t, want.Equal(spec), "got %s", spec)
	})

	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{"unknown type", "type: grid\n", distributed.ErrUnsupportedShardingSpec},
		{"missing type", "dim: 0\n", distributed.ErrUnsupportedShardingSpec},
		{"invalid placement", "type: chunk\nplacements: [\"rank:a/cpu\"]\n", distributed.ErrInvalidFormat},
		{"invalid shard placement", "type: enumerable\nshards:\n  - {offsets: [0], sizes: [1], placement: cpu}\n",
			distributed.ErrInvalidFormat},
		{"overlapping shards", `
type: enumerable
shards:
  - {offsets: [0], sizes: [3], placement: "rank:0/cpu"}
  - {offsets: [2], sizes: [3], placement: "rank:1/cpu"}
`, distributed.ErrShardsOverlap},
		{"unknown field", "type: chunk\ndims: 0\n", nil},
		{"chunk with shards", "type: chunk\nshards:\n  - {offsets: [0], sizes: [1], placement: \"rank:0/cpu\"}\n", nil},
		{"enumerable with placements", "type: enumerable\nplacements: [\"rank:0/cpu\"]\n", nil},
		{"malformed", "type: [chunk\n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := distributed.ParseShardingSpecYAML([]byte(tt.yaml))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestMarshalShardingSpecYAML(t *testing.T) {
	chunk := distributed.MustNewChunkShardingSpec(-1, rankPlacements(0, 1)...)
	enumerable, err := distributed.NewEnumerableShardingSpec(
		shardMD(0, []int{0, 0}, []int{2, 4}),
		shardMD(1, []int{2, 0}, []int{2, 4}))
	require.NoError(t, err)

	for _, spec := range []distributed.ShardingSpec{chunk, enumerable} {
		t.Run(spec.String(), func(t *testing.T) {
			data, err := distributed.MarshalShardingSpecYAML(spec)
			require.NoError(t, err)
			parsed, err := distributed.ParseShardingSpecYAML(data)
			require.NoError(t, err)
			assert.True(t, spec.Equal(parsed), "YAML:\n%s", data)
		})
	}

	data, err := distributed.MarshalShardingSpecYAML(chunk)
	require.NoError(t, err)
	assert.Contains(t, string(data), "type: chunk")
	assert.Contains(t, string(data), "dim: -1")

	_, err = distributed.MarshalShardingSpecYAML(nil)
	assert.ErrorIs(t, err, distributed.ErrUnsupportedShardingSpec)
}

func TestReadShardingSpecFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spec.yaml")
	spec := distributed.MustNewChunkShardingSpec(0, rankPlacements(0, 1, 2)...)
	data, err := distributed.MarshalShardingSpecYAML(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	read, err := distributed.ReadShardingSpecFile(path)
	require.NoError(t, err)
	assert.True(t, spec.Equal(read))

	_, err = distributed.ReadShardingSpecFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
