// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

// Package fabric defines the flat view of model parameters and gradients that
// the partitioned optimizer operates on.
//
// A Parameter is a flattened tensor: the optimizer core never interprets its
// original multidimensional shape, only contiguous element ranges of it.
// Values are kept as []float32 regardless of the compute dtype; for float16
// parameters, writes are rounded through IEEE 754 half precision so the stored
// values are exactly representable in the compute dtype.
package fabric

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// Parameter is a named, flattened tensor with a globally unique index.
//
// The Value slice is owned by the training model: the optimizer core mutates
// it in place during parameter updates but never reallocates or releases it.
type Parameter struct {
	Name  string
	Index int
	DType dtypes.DType
	Value []float32
}

// NewParameter creates the flat view of one model parameter.
//
// Only Float32 and Float16 compute dtypes are supported. It panics on an
// unsupported dtype or a negative index: those are programming errors of the
// integration layer, not runtime conditions.
func NewParameter(name string, index int, dtype dtypes.DType, value []float32) *Parameter {
	if dtype != dtypes.Float32 && dtype != dtypes.Float16 {
		exceptions.Panicf("fabric.NewParameter(%q): unsupported compute dtype %s, only Float32 and Float16 are supported", name, dtype)
	}
	if index < 0 {
		exceptions.Panicf("fabric.NewParameter(%q): negative parameter index %d", name, index)
	}
	return &Parameter{Name: name, Index: index, DType: dtype, Value: value}
}

// NumElements of the flattened parameter. May be zero.
func (p *Parameter) NumElements() int { return len(p.Value) }

// Memory returns the parameter size in bytes at its compute dtype.
func (p *Parameter) Memory() uintptr {
	return p.DType.Memory() * uintptr(len(p.Value))
}

// HasNonFinite reports whether data contains a NaN or ±Inf value.
func HasNonFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// RoundToDType rounds data in place to the closest values representable in
// dtype. A no-op for Float32. For Float16, values outside the half-precision
// range become ±Inf, exactly as they would on a half-precision device.
func RoundToDType(data []float32, dtype dtypes.DType) {
	if dtype != dtypes.Float16 {
		return
	}
	for ii, v := range data {
		data[ii] = float16.Fromfloat32(v).Float32()
	}
}

// Scale multiplies data in place by factor.
func Scale(data []float32, factor float32) {
	for ii := range data {
		data[ii] *= factor
	}
}
