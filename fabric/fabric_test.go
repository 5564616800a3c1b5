// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParameter(t *testing.T) {
	p := NewParameter("w0", 0, dtypes.Float32, make([]float32, 10))
	assert.Equal(t, 10, p.NumElements())
	assert.Equal(t, uintptr(40), p.Memory())

	h := NewParameter("w1", 1, dtypes.Float16, make([]float32, 10))
	assert.Equal(t, uintptr(20), h.Memory())

	assert.Panics(t, func() { NewParameter("bad", 2, dtypes.Int32, nil) })
	assert.Panics(t, func() { NewParameter("bad", -1, dtypes.Float32, nil) })
}

func TestHasNonFinite(t *testing.T) {
	assert.False(t, HasNonFinite([]float32{0, 1, -2, 65504}))
	assert.True(t, HasNonFinite([]float32{0, float32(math.Inf(1))}))
	assert.True(t, HasNonFinite([]float32{0, float32(math.Inf(-1))}))
	assert.True(t, HasNonFinite([]float32{float32(math.NaN())}))
	assert.False(t, HasNonFinite(nil))
}

func TestRoundToDType(t *testing.T) {
	data := []float32{1.0 / 3.0, 100000}
	RoundToDType(data, dtypes.Float32)
	require.Equal(t, float32(1.0/3.0), data[0])

	RoundToDType(data, dtypes.Float16)
	// 1/3 is not representable in half precision.
	assert.NotEqual(t, float32(1.0/3.0), data[0])
	assert.InDelta(t, 1.0/3.0, data[0], 1e-3)
	// 100000 overflows the half precision range.
	assert.True(t, math.IsInf(float64(data[1]), 1))
}

func TestScale(t *testing.T) {
	data := []float32{1, -2, 4}
	Scale(data, 0.5)
	assert.Equal(t, []float32{0.5, -1, 2}, data)
}
