// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

package partition

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardopt/shardopt/comm"
)

// checkCoverage verifies the partitioning invariant: for every parameter the
// shard ranges cover it completely and disjointly.
func checkCoverage(t *testing.T, plan *Plan, paramIndex, numElements int) {
	t.Helper()
	shards := plan.ParamShards(paramIndex)
	require.NotEmpty(t, shards)
	next := 0
	for _, shard := range shards {
		require.Equal(t, next, shard.Range.Start, "gap or overlap at parameter %d", paramIndex)
		require.GreaterOrEqual(t, shard.Range.End, shard.Range.Start)
		next = shard.Range.End
	}
	require.Equal(t, numElements, next, "parameter %d not fully covered", paramIndex)
}

func TestCoverageProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 100; trial++ {
		numParams := 1 + rng.Intn(20)
		sizes := make([]int, numParams)
		for ii := range sizes {
			sizes[ii] = rng.Intn(2000) // zero-element parameters included
		}
		worldSize := 1 + rng.Intn(8)
		for stage := StageOptimizerStates; stage <= StageParameters; stage++ {
			plan, err := NewPlan(testParams(t, sizes...), worldSize, stage)
			require.NoError(t, err)
			for ii, n := range sizes {
				checkCoverage(t, plan, ii, n)
			}
			// Every shard appears in its owner's OwnedBy list.
			total := 0
			for rank := 0; rank < worldSize; rank++ {
				total += len(plan.OwnedBy(comm.Rank(rank)))
			}
			shardCount := 0
			for ii := range sizes {
				shardCount += len(plan.ParamShards(ii))
			}
			require.Equal(t, shardCount, total)
		}
	}
}

func TestWholeParameterBalance(t *testing.T) {
	params := testParams(t, 100, 250, 10, 500)
	plan, err := NewPlan(params, 2, StageGradients)
	require.NoError(t, err)

	// Greedy by cumulative bytes: p0->rank0(100), p1->rank1(250),
	// p2->rank0(110), p3->rank0(610). Totals differ by at most one
	// parameter's size.
	assert.Equal(t, comm.Rank(0), plan.Owner(0))
	assert.Equal(t, comm.Rank(1), plan.Owner(1))
	assert.Equal(t, comm.Rank(0), plan.Owner(2))
	assert.Equal(t, comm.Rank(0), plan.Owner(3))

	diff := int64(plan.OwnedBytes(0)) - int64(plan.OwnedBytes(1))
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, int64(500*4))
}

func TestSplitEven(t *testing.T) {
	params := testParams(t, 10)
	shards := SplitEven(params[0], 4)
	require.Len(t, shards, 4)
	// ceil(10/4) = 3: chunks are 3, 3, 3, 1.
	assert.Equal(t, Range{0, 3}, shards[0].Range)
	assert.Equal(t, Range{3, 6}, shards[1].Range)
	assert.Equal(t, Range{6, 9}, shards[2].Range)
	assert.Equal(t, Range{9, 10}, shards[3].Range)

	// More ranks than elements: trailing ranks own empty ranges.
	shards = SplitEven(testParams(t, 2)[0], 4)
	assert.Equal(t, Range{0, 1}, shards[0].Range)
	assert.Equal(t, Range{1, 2}, shards[1].Range)
	assert.True(t, shards[2].Range.IsEmpty())
	assert.True(t, shards[3].Range.IsEmpty())
}

func TestNewPlanValidation(t *testing.T) {
	params := testParams(t, 10)
	_, err := NewPlan(params, 0, StageGradients)
	assert.Error(t, err)
	_, err = NewPlan(params, 2, Stage(0))
	assert.Error(t, err)
	_, err = NewPlan(params, 2, Stage(4))
	assert.Error(t, err)
}
