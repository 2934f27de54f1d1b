// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"iter"

	"github.com/gomlx/sharding/pkg/support/sets"
)

// PathAndModule refers to a module within a module tree, at the "Path" location.
type PathAndModule struct {
	Path   string
	Module *Module
}

// PathAndAttr refers to an attribute of a module in a module tree. Path is the full dotted path to the attribute,
// Module the module holding it and Name its name within Module.
type PathAndAttr struct {
	Path   string
	Module *Module
	Name   string
	Value  any
}

// NamedModules returns an iterator over m and all its descendants, performing a "depth first search" in insertion
// order. The root module is yielded with an empty path, and the others with their dotted path (e.g.: "a.b").
//
// Modules reachable through more than one path are only yielded once.
func (m *Module) NamedModules() iter.Seq[PathAndModule] {
	return func(yield func(PathAndModule) bool) {
		seen := sets.Make[*Module]()
		var iterModule func(module *Module, path string) bool
		iterModule = func(module *Module, path string) bool {
			if seen.Has(module) {
				return true
			}
			seen.Insert(module)
			if !yield(PathAndModule{Path: path, Module: module}) {
				return false
			}
			for _, name := range module.childNames {
				if !iterModule(module.children[name], JoinPath(path, name)) {
					return false
				}
			}
			return true
		}
		iterModule(m, "")
	}
}

// NamedAttrs returns an iterator over all attributes of m and its descendants, in the same order as NamedModules.
// Within a module, attributes are yielded in insertion order.
func (m *Module) NamedAttrs() iter.Seq[PathAndAttr] {
	return func(yield func(PathAndAttr) bool) {
		for pm := range m.NamedModules() {
			for _, name := range pm.Module.attrNames {
				if !yield(PathAndAttr{
					Path:   JoinPath(pm.Path, name),
					Module: pm.Module,
					Name:   name,
					Value:  pm.Module.attrs[name],
				}) {
					return
				}
			}
		}
	}
}

// JoinPath joins a (possibly empty) path prefix and a name with a ".".
func JoinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func typeName(value any) string {
	return fmt.Sprintf("%T", value)
}
