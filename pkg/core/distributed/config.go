// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"bytes"
	"os"

	"github.com/gomlx/sharding/pkg/support/fsutil"
	"github.com/gomlx/sharding/pkg/support/xslices"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Sharding spec types in the YAML configuration.
const (
	ChunkSpecType      = "chunk"
	EnumerableSpecType = "enumerable"
)

// shardingSpecConfig is the YAML form of a ShardingSpec. Example:
//
//	type: chunk
//	dim: 0
//	placements: ["rank:0/cuda:0", "rank:1/cuda:1"]
//
// or:
//
//	type: enumerable
//	shards:
//	  - {offsets: [0, 0], sizes: [5, 5], placement: "rank:0/cuda:0"}
//	  - {offsets: [5, 0], sizes: [5, 5], placement: "rank:1/cuda:1"}
type shardingSpecConfig struct {
	Type       string        `yaml:"type"`
	Dim        int           `yaml:"dim,omitempty"`
	Placements []string      `yaml:"placements,omitempty,flow"`
	Shards     []shardConfig `yaml:"shards,omitempty"`
}

type shardConfig struct {
	Offsets   []int  `yaml:"offsets,flow"`
	Sizes     []int  `yaml:"sizes,flow"`
	Placement string `yaml:"placement"`
}

// ParseShardingSpecYAML parses a ShardingSpec from its YAML configuration. See MarshalShardingSpecYAML for the
// format. Unknown fields are rejected.
func ParseShardingSpecYAML(data []byte) (ShardingSpec, error) {
	var cfg shardingSpecConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse sharding spec YAML")
	}
	switch cfg.Type {
	case ChunkSpecType:
		if len(cfg.Shards) > 0 {
			return nil, errors.Errorf("sharding spec of type %q doesn't take \"shards\"", cfg.Type)
		}
		return NewChunkShardingSpec(cfg.Dim, cfg.Placements...)
	case EnumerableSpecType:
		if len(cfg.Placements) > 0 {
			return nil, errors.Errorf("sharding spec of type %q doesn't take \"placements\"", cfg.Type)
		}
		shards := make([]ShardMetadata, len(cfg.Shards))
		for ii, shard := range cfg.Shards {
			placement, err := ParsePlacement(shard.Placement)
			if err != nil {
				return nil, errors.WithMessagef(err, "sharding spec shard #%d", ii)
			}
			shards[ii] = ShardMetadata{Offsets: shard.Offsets, Sizes: shard.Sizes, Placement: placement}
		}
		return NewEnumerableShardingSpec(shards...)
	}
	return nil, errors.Wrapf(ErrUnsupportedShardingSpec, "sharding spec type %q, expected %q or %q",
		cfg.Type, ChunkSpecType, EnumerableSpecType)
}

// ReadShardingSpecFile reads a ShardingSpec from a YAML file. See ParseShardingSpecYAML.
// A leading "~" in path is expanded to the home directory.
func ReadShardingSpecFile(path string) (ShardingSpec, error) {
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read sharding spec file %q", path)
	}
	spec, err := ParseShardingSpecYAML(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "in file %q", path)
	}
	return spec, nil
}

// MarshalShardingSpecYAML returns the YAML configuration of spec, which can be parsed back with
// ParseShardingSpecYAML.
func MarshalShardingSpecYAML(spec ShardingSpec) ([]byte, error) {
	var cfg shardingSpecConfig
	switch s := spec.(type) {
	case *ChunkShardingSpec:
		cfg.Type = ChunkSpecType
		cfg.Dim = s.Dim
		cfg.Placements = xslices.Map(s.Placements, Placement.String)
	case *EnumerableShardingSpec:
		cfg.Type = EnumerableSpecType
		cfg.Shards = xslices.Map(s.Shards, func(shard ShardMetadata) shardConfig {
			return shardConfig{Offsets: shard.Offsets, Sizes: shard.Sizes, Placement: shard.Placement.String()}
		})
	default:
		return nil, errors.Wrapf(ErrUnsupportedShardingSpec, "cannot marshal %T", spec)
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s", spec)
	}
	return data, nil
}
