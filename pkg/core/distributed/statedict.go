// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"encoding/gob"

	"github.com/gomlx/sharding/pkg/core/distributed/collective"
	"github.com/gomlx/sharding/pkg/ml/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	gob.Register(&ShardedTensorState{})
}

// ShardedTensorState is the serializable form of a ShardedTensor on one rank: what goes in the state dict.
//
// It holds the global metadata, copies of the local shards and the rank and world size at save time, which must
// match the process group used at load time.
type ShardedTensorState struct {
	Metadata    *ShardedTensorMetadata
	LocalShards []Shard
	Rank        int
	WorldSize   int
	InitRRefs   bool
}

// State returns the serializable state of st on the current rank. The local shards are copied.
func (st *ShardedTensor) State() *ShardedTensorState {
	shards := st.LocalShards()
	for ii := range shards {
		shards[ii].Tensor = shards[ii].Tensor.Clone()
	}
	return &ShardedTensorState{
		Metadata:    st.metadata.Clone(),
		LocalShards: shards,
		Rank:        st.pg.Rank(),
		WorldSize:   st.pg.Size(),
		InitRRefs:   st.initRRefs,
	}
}

type loadProcessGroupKey struct{}

// LoadWithProcessGroup calls fn with a context where the loading of ShardedTensors (LoadShardedTensor and the
// PreLoadStateDictHook) uses pg, instead of the default process group.
//
// The override only exists in the context given to fn, so it ends when fn returns, with or without an error.
func LoadWithProcessGroup(ctx context.Context, pg collective.ProcessGroup, fn func(ctx context.Context) error) error {
	if pg == nil {
		return errors.New("LoadWithProcessGroup: nil process group")
	}
	return fn(context.WithValue(ctx, loadProcessGroupKey{}, pg))
}

// loadProcessGroup returns the process group to use for loading: the one set by LoadWithProcessGroup, or the
// default one.
func loadProcessGroup(ctx context.Context) (collective.ProcessGroup, error) {
	if pg, ok := ctx.Value(loadProcessGroupKey{}).(collective.ProcessGroup); ok {
		return pg, nil
	}
	pg, found := collective.Default(ctx)
	if !found {
		return nil, errors.Wrap(ErrProcessGroupNotInitialized, "loading ShardedTensor")
	}
	return pg, nil
}

// LoadShardedTensor recreates a ShardedTensor from its saved state, using the process group set with
// LoadWithProcessGroup or the default process group in ctx.
//
// The process group rank and size must match the ones at save time (ErrLocalRankMismatch and
// ErrLocalWorldSizeMismatch).
func LoadShardedTensor(ctx context.Context, state *ShardedTensorState) (*ShardedTensor, error) {
	if state == nil {
		return nil, errors.New("LoadShardedTensor: nil state")
	}
	pg, err := loadProcessGroup(ctx)
	if err != nil {
		return nil, err
	}
	if pg.Size() != state.WorldSize {
		return nil, errors.Wrapf(ErrLocalWorldSizeMismatch, "saved with world size %d, loading with world size %d",
			state.WorldSize, pg.Size())
	}
	if pg.Rank() != state.Rank {
		return nil, errors.Wrapf(ErrLocalRankMismatch, "saved on rank %d, loading on rank %d", state.Rank, pg.Rank())
	}
	st, err := InitFromLocalShardsAndGlobalMetadata(ctx, state.LocalShards, state.Metadata,
		WithProcessGroup(pg), WithInitRRefs(state.InitRRefs))
	if err != nil {
		return nil, errors.WithMessage(err, "LoadShardedTensor")
	}
	return st, nil
}

// StateDictHook is a model.StateDictHook that adds the state of every ShardedTensor attribute of the module tree
// to the state dict, keyed by its path.
func StateDictHook(_ context.Context, m *model.Module, stateDict model.StateDict, prefix string) error {
	for attr := range m.NamedAttrs() {
		st, ok := attr.Value.(*ShardedTensor)
		if !ok || st == nil {
			continue
		}
		stateDict[prefix+attr.Path] = st.State()
		klog.V(2).Infof("rank %d: saved ShardedTensor %q", st.pg.Rank(), prefix+attr.Path)
	}
	return nil
}

// PreLoadStateDictHook is a model.PreLoadHook that recreates the ShardedTensors saved by StateDictHook: each state
// dict entry holding a *ShardedTensorState that matches an attribute of the module tree is loaded (see
// LoadShardedTensor), and both the attribute and the state dict entry are replaced by the new ShardedTensor.
func PreLoadStateDictHook(ctx context.Context, m *model.Module, stateDict model.StateDict, prefix string) error {
	var attrs []model.PathAndAttr
	for attr := range m.NamedAttrs() {
		if _, ok := stateDict[prefix+attr.Path].(*ShardedTensorState); ok {
			attrs = append(attrs, attr)
		}
	}
	for _, attr := range attrs {
		key := prefix + attr.Path
		st, err := LoadShardedTensor(ctx, stateDict[key].(*ShardedTensorState))
		if err != nil {
			return errors.WithMessagef(err, "loading %q", key)
		}
		attr.Module.SetAttr(attr.Name, st)
		stateDict[key] = st
	}
	return nil
}

// RegisterStateDictHooks registers StateDictHook and PreLoadStateDictHook with m, so ShardedTensor attributes of
// its module tree are saved and loaded with its state dict.
func RegisterStateDictHooks(m *model.Module) {
	m.RegisterStateDictHook(StateDictHook)
	m.RegisterPreLoadHook(PreLoadStateDictHook)
}
