// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package.
package xslices

import (
	"cmp"
	"slices"

	"golang.org/x/exp/constraints"
)

// Product returns the product of all elements of the slice. It returns 1 for an empty slice,
// which is the number of elements of a scalar.
func Product[T constraints.Integer | constraints.Float](slice []T) T {
	var p T = 1
	for _, v := range slice {
		p *= v
	}
	return p
}

// Iota returns a slice of incremental values, starting with start and of the given length.
func Iota[T constraints.Integer](start T, length int) []T {
	s := make([]T, length)
	for ii := range s {
		s[ii] = start + T(ii)
	}
	return s
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys returns the sorted keys of a map.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Max scans the slice and returns the largest value. It returns the zero value for an empty slice.
func Max[T cmp.Ordered](slice []T) (max T) {
	for ii, v := range slice {
		if ii == 0 || v > max {
			max = v
		}
	}
	return
}
