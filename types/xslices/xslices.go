// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provides the few slice helpers used throughout, complementing
// the standard slices package.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// Copy creates a new (shallow) copy of the slice. A shortcut to a call to
// `make` followed by `copy`.
func Copy[T any](slice []T) []T {
	out := make([]T, len(slice))
	copy(out, slice)
	return out
}

// FillSlice fills the slice with the given value.
func FillSlice[T any](slice []T, value T) {
	for ii := range slice {
		slice[ii] = value
	}
}

// SliceWithValue creates a slice of the given size filled with the given value.
func SliceWithValue[T any](size int, value T) []T {
	slice := make([]T, size)
	FillSlice(slice, value)
	return slice
}

// Iota returns a slice of incremental values, starting with start and of
// length len. E.g.: Iota(3.0, 2) -> []float64{3.0, 4.0}.
func Iota[T interface {
	constraints.Integer | constraints.Float
}](start T, len int) []T {
	slice := make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return slice
}

// Map executes the given function sequentially for every element of in, and
// returns the mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) []Out {
	out := make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return out
}

// Max scans the slice and returns the maximum value.
// It panics on an empty slice.
func Max[T constraints.Ordered](slice []T) T {
	if len(slice) == 0 {
		panic("xslices.Max of empty slice")
	}
	max := slice[0]
	for _, v := range slice[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

// MaxAbs scans the slice and returns the largest absolute value.
// It returns 0 for an empty slice.
func MaxAbs[T constraints.Float](slice []T) T {
	var max T
	for _, v := range slice {
		if v < 0 {
			v = -v
		}
		if v > max {
			max = v
		}
	}
	return max
}
