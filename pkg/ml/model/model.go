// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model provides a Module, a tree of named state (tensors, sharded tensors, hyperparameters) and child
// modules, and the "state dict" plumbing to save and load it.
//
// A state dict is a flat map from dotted paths (e.g. "encoder.linear.weight") to values. By default only
// attributes holding a *tensors.Tensor are saved and loaded, other kinds of values (like sharded tensors) are
// handled by hooks registered in the module:
//
//   - StateDictHook: called after a module's tensors were added to the state dict, it can add or replace entries.
//   - PreLoadHook: called before a module's attributes are loaded, it can convert entries of the state dict to the
//     value to be loaded (and set attributes directly).
//
// Example:
//
//	m := model.New().SetAttr("bias", bias)
//	m.AddModule("linear", model.New().SetAttr("weight", weight))
//	sd := must.M1(m.StateDict(ctx))            // -> {"bias": ..., "linear.weight": ...}
//	must.M(model.SaveStateDict(f, sd))
package model

import (
	"context"
	"slices"

	"github.com/gomlx/sharding/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Module holds named attributes and named child modules, both kept in insertion order.
//
// It is not safe for concurrent modification.
type Module struct {
	attrNames []string
	attrs     map[string]any

	childNames []string
	children   map[string]*Module

	stateDictHooks []StateDictHook
	preLoadHooks   []PreLoadHook
}

// StateDict maps dotted paths to values. See package documentation.
type StateDict map[string]any

// StateDictHook is called by Module.StateDict, after the module's own tensors (and its children's) were added
// to stateDict. prefix is the path prefix of module m within the state dict (empty for the root, otherwise ending
// with ".").
type StateDictHook func(ctx context.Context, m *Module, stateDict StateDict, prefix string) error

// PreLoadHook is called by Module.LoadStateDict before the module's attributes are loaded. See StateDictHook for
// the meaning of the parameters.
type PreLoadHook func(ctx context.Context, m *Module, stateDict StateDict, prefix string) error

// New creates an empty Module.
func New() *Module {
	return &Module{
		attrs:    make(map[string]any),
		children: make(map[string]*Module),
	}
}

// SetAttr sets (or replaces) the value of the named attribute. It returns the module itself, so calls can be
// chained.
func (m *Module) SetAttr(name string, value any) *Module {
	if _, found := m.attrs[name]; !found {
		m.attrNames = append(m.attrNames, name)
	}
	m.attrs[name] = value
	return m
}

// Attr returns the value of the named attribute, and whether it exists.
func (m *Module) Attr(name string) (value any, found bool) {
	value, found = m.attrs[name]
	return
}

// HasAttr returns whether the module has the named attribute.
func (m *Module) HasAttr(name string) bool {
	_, found := m.attrs[name]
	return found
}

// AttrNames returns the names of the attributes, in insertion order.
func (m *Module) AttrNames() []string {
	return slices.Clone(m.attrNames)
}

// AddModule adds (or replaces) a named child module. It returns the module itself (not the child), so calls can
// be chained.
func (m *Module) AddModule(name string, child *Module) *Module {
	if child == nil {
		panic(errors.Errorf("Module.AddModule(%q, nil): child module cannot be nil", name))
	}
	if _, found := m.children[name]; !found {
		m.childNames = append(m.childNames, name)
	}
	m.children[name] = child
	return m
}

// Child returns the named child module, and whether it exists.
func (m *Module) Child(name string) (child *Module, found bool) {
	child, found = m.children[name]
	return
}

// RegisterStateDictHook adds a hook to be called by StateDict.
func (m *Module) RegisterStateDictHook(hook StateDictHook) {
	m.stateDictHooks = append(m.stateDictHooks, hook)
}

// RegisterPreLoadHook adds a hook to be called by LoadStateDict.
func (m *Module) RegisterPreLoadHook(hook PreLoadHook) {
	m.preLoadHooks = append(m.preLoadHooks, hook)
}

// StateDict returns a copy of the tensors of the module tree, keyed by their paths, after applying the
// registered StateDictHook functions.
func (m *Module) StateDict(ctx context.Context) (StateDict, error) {
	stateDict := make(StateDict)
	if err := m.saveToStateDict(ctx, stateDict, ""); err != nil {
		return nil, err
	}
	return stateDict, nil
}

func (m *Module) saveToStateDict(ctx context.Context, stateDict StateDict, prefix string) error {
	for _, name := range m.attrNames {
		if tensor, ok := m.attrs[name].(*tensors.Tensor); ok && tensor != nil {
			stateDict[prefix+name] = tensor.Clone()
		}
	}
	for _, name := range m.childNames {
		if err := m.children[name].saveToStateDict(ctx, stateDict, prefix+name+"."); err != nil {
			return err
		}
	}
	for _, hook := range m.stateDictHooks {
		if err := hook(ctx, m, stateDict, prefix); err != nil {
			return errors.WithMessagef(err, "state dict hook of module %q", prefix)
		}
	}
	return nil
}

// LoadStateDict loads the values of stateDict into the module tree.
//
// Tensor attributes have their contents replaced (dtype and dimensions must match), attributes of other types are
// set to the state dict value if it has the same type. If strict is true, it fails if any attribute is missing
// from stateDict, or if stateDict has keys that don't match any attribute.
func (m *Module) LoadStateDict(ctx context.Context, stateDict StateDict, strict bool) error {
	used := make(map[string]bool, len(stateDict))
	var missing []string
	if err := m.loadFromStateDict(ctx, stateDict, "", used, &missing); err != nil {
		return err
	}
	if !strict {
		return nil
	}
	var unexpected []string
	for key := range stateDict {
		if !used[key] {
			unexpected = append(unexpected, key)
		}
	}
	slices.Sort(unexpected)
	if len(missing) > 0 || len(unexpected) > 0 {
		return errors.Errorf("LoadStateDict: missing keys %q, unexpected keys %q", missing, unexpected)
	}
	return nil
}

func (m *Module) loadFromStateDict(ctx context.Context, stateDict StateDict, prefix string,
	used map[string]bool, missing *[]string) error {
	for _, hook := range m.preLoadHooks {
		if err := hook(ctx, m, stateDict, prefix); err != nil {
			return errors.WithMessagef(err, "pre-load hook of module %q", prefix)
		}
	}
	for _, name := range m.attrNames {
		key := prefix + name
		value, found := stateDict[key]
		if !found {
			if isStateful(m.attrs[name]) {
				*missing = append(*missing, key)
			}
			continue
		}
		used[key] = true
		if err := m.loadAttr(name, key, value); err != nil {
			return err
		}
	}
	for _, name := range m.childNames {
		if err := m.children[name].loadFromStateDict(ctx, stateDict, prefix+name+".", used, missing); err != nil {
			return err
		}
	}
	return nil
}

// isStateful returns whether the attribute value is expected in a state dict.
func isStateful(value any) bool {
	switch value.(type) {
	case nil, bool, int, int32, int64, float32, float64, string:
		return false
	}
	return true
}

func (m *Module) loadAttr(name, key string, value any) error {
	current := m.attrs[name]
	if tensor, ok := current.(*tensors.Tensor); ok && tensor != nil {
		loaded, ok := value.(*tensors.Tensor)
		if !ok {
			return errors.Errorf("LoadStateDict: key %q holds a %T, expected *tensors.Tensor", key, value)
		}
		if loaded.DType() != tensor.DType() || !slices.Equal(loaded.Shape(), tensor.Shape()) {
			return errors.Errorf("LoadStateDict: key %q is %s%v, but the attribute is %s%v",
				key, loaded.DType(), loaded.Shape(), tensor.DType(), tensor.Shape())
		}
		return tensor.CopyRegionFrom(loaded, make([]int, tensor.Rank()))
	}
	if current != nil && value != nil {
		if currentType, valueType := typeName(current), typeName(value); currentType != valueType {
			return errors.Errorf("LoadStateDict: key %q holds a %s, expected %s", key, valueType, currentType)
		}
	}
	m.attrs[name] = value
	return nil
}
