// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/shardopt/shardopt/amp"
	"github.com/shardopt/shardopt/comm"
	"github.com/shardopt/shardopt/comm/mem"
	"github.com/shardopt/shardopt/engine"
	"github.com/shardopt/shardopt/fabric"
	"github.com/shardopt/shardopt/optimizers"
	"github.com/shardopt/shardopt/partition"
)

// testShapes used throughout: small and deliberately uneven, so stage-3
// splits produce padding and empty trailing ranges.
var testShapes = []int{5, 13, 1, 7, 64}

// newTestParams builds one rank's replicated copy of the model parameters.
// Initial values are a fixed function of the element position, so all ranks
// (and all test runs) start identical.
func newTestParams(shapes []int) []*fabric.Parameter {
	params := make([]*fabric.Parameter, len(shapes))
	for ii, n := range shapes {
		value := make([]float32, n)
		for jj := range value {
			value[jj] = float32(math.Sin(float64(ii+1) * float64(jj+1)))
		}
		params[ii] = fabric.NewParameter(fmt.Sprintf("p%d", ii), ii, dtypes.Float32, value)
	}
	return params
}

// testGrad is the deterministic per-rank gradient: different on every rank,
// parameter, element and step, as data-parallel gradients would be.
func testGrad(rank comm.Rank, paramIndex, n int, step int) []float32 {
	grad := make([]float32, n)
	for ii := range grad {
		grad[ii] = float32(math.Cos(float64(int(rank)+1)*0.7+float64(paramIndex)*1.3+float64(ii)*0.01)) * float32(step+1) * 0.1
	}
	return grad
}

// runWorld drives fn on every rank of a fresh in-process world, one goroutine
// per rank, and fails the test on any rank error.
func runWorld(t *testing.T, worldSize int, fn func(b comm.Backend) error) {
	t.Helper()
	_, backends, err := mem.NewWorld(worldSize)
	require.NoError(t, err)
	var group errgroup.Group
	for _, b := range backends {
		group.Go(func() error { return fn(b) })
	}
	require.NoError(t, group.Wait())
}

// trainSteps runs numSteps steps with the canonical test gradients and
// returns the final materialized parameter values.
func trainSteps(e *engine.Engine, numSteps int) ([][]float32, error) {
	for step := 0; step < numSteps; step++ {
		for _, p := range e.Params() {
			// Gradients arrive scaled by the current loss scale, as a
			// backward pass over the scaled loss would produce them.
			grad := testGrad(e.Backend().Rank(), p.Index, p.NumElements(), step)
			fabric.Scale(grad, e.LossScale())
			if err := e.SubmitGradient(p.Index, grad); err != nil {
				return nil, err
			}
		}
		outcome, err := e.Step(optimizers.HyperParams{})
		if err != nil {
			return nil, err
		}
		if !outcome.Applied {
			return nil, fmt.Errorf("step %d unexpectedly skipped", step)
		}
	}
	values := make([][]float32, len(e.Params()))
	for ii := range e.Params() {
		full, err := e.MaterializedParameter(ii)
		if err != nil {
			return nil, err
		}
		values[ii] = append([]float32(nil), full...)
	}
	return values, nil
}

func TestSingleRankMatchesDirectOptimizer(t *testing.T) {
	// World size 1: partitioning degenerates to local training, which must
	// match running the optimizer directly over each whole parameter.
	const numSteps = 4
	reference := newTestParams(testShapes)
	opt := optimizers.Adam().Done()
	states := make([]*optimizers.ShardState, len(reference))
	for ii, p := range reference {
		states[ii] = opt.NewState(p.Value)
	}
	for step := 0; step < numSteps; step++ {
		for ii, p := range reference {
			grad := testGrad(0, ii, p.NumElements(), step)
			opt.ApplyShard(states[ii], grad, optimizers.HyperParams{}, int64(step+1))
			copy(p.Value, states[ii].Master)
		}
	}

	var got [][]float32
	runWorld(t, 1, func(b comm.Backend) error {
		defer b.Finalize()
		e, err := engine.New(b, newTestParams(testShapes), engine.Config{
			Stage:     partition.StageOptimizerStates,
			LossScale: amp.Config{InitialScale: 1},
		})
		if err != nil {
			return err
		}
		got, err = trainSteps(e, numSteps)
		return err
	})
	for ii, p := range reference {
		assert.Equal(t, p.Value, got[ii], "parameter %d diverged from direct optimizer", ii)
	}
}

func TestStageEquivalence(t *testing.T) {
	// The partitioning stage is an execution strategy, not a numerical one:
	// all three stages must produce the same trained values.
	const worldSize = 4
	const numSteps = 5
	results := make(map[partition.Stage][][]float32)
	for _, stage := range []partition.Stage{
		partition.StageOptimizerStates,
		partition.StageGradients,
		partition.StageParameters,
	} {
		var rank0 [][]float32
		runWorld(t, worldSize, func(b comm.Backend) error {
			defer b.Finalize()
			e, err := engine.New(b, newTestParams(testShapes), engine.Config{
				Stage:       stage,
				BucketBytes: 64, // several buckets
				Overlap:     true,
				LossScale:   amp.Config{InitialScale: 1},
			})
			if err != nil {
				return err
			}
			values, err := trainSteps(e, numSteps)
			if err != nil {
				return err
			}
			if b.Rank() == 0 {
				rank0 = values
			}
			return nil
		})
		results[stage] = rank0
	}
	for ii := range testShapes {
		for _, stage := range []partition.Stage{partition.StageGradients, partition.StageParameters} {
			require.Len(t, results[stage][ii], testShapes[ii])
			for jj, want := range results[partition.StageOptimizerStates][ii] {
				assert.InDelta(t, want, results[stage][ii][jj], 1e-6,
					"stage %d, parameter %d, element %d", stage, ii, jj)
			}
		}
	}
}

func TestValuesAgreeAcrossRanks(t *testing.T) {
	// After a step, every rank must see identical parameter values,
	// regardless of who owns which shard.
	const worldSize = 3
	for _, stage := range []partition.Stage{
		partition.StageOptimizerStates,
		partition.StageGradients,
		partition.StageParameters,
	} {
		perRank := make([][][]float32, worldSize)
		runWorld(t, worldSize, func(b comm.Backend) error {
			defer b.Finalize()
			e, err := engine.New(b, newTestParams(testShapes), engine.Config{
				Stage:       stage,
				BucketBytes: 100,
				LossScale:   amp.Config{InitialScale: 1},
			})
			if err != nil {
				return err
			}
			values, err := trainSteps(e, 2)
			perRank[b.Rank()] = values
			return err
		})
		for rank := 1; rank < worldSize; rank++ {
			assert.Equal(t, perRank[0], perRank[rank], "stage %d: rank %d diverged from rank 0", stage, rank)
		}
	}
}

func TestOverflowSkipsStep(t *testing.T) {
	const worldSize = 2
	runWorld(t, worldSize, func(b comm.Backend) error {
		defer b.Finalize()
		params := newTestParams(testShapes)
		before := make([][]float32, len(params))
		for ii, p := range params {
			before[ii] = append([]float32(nil), p.Value...)
		}
		e, err := engine.New(b, params, engine.Config{
			Stage:     partition.StageGradients,
			LossScale: amp.Config{InitialScale: 65536},
		})
		if err != nil {
			return err
		}
		for _, p := range params {
			grad := testGrad(b.Rank(), p.Index, p.NumElements(), 0)
			fabric.Scale(grad, e.LossScale())
			if b.Rank() == 1 && p.Index == 3 {
				grad[2] = float32(math.Inf(1)) // rank 1's batch blew up
			}
			if err := e.SubmitGradient(p.Index, grad); err != nil {
				return err
			}
		}
		outcome, err := e.Step(optimizers.HyperParams{})
		if err != nil {
			return err
		}
		// Every rank skips, even though only rank 1 saw the overflow.
		assert.False(t, outcome.Applied)
		assert.Equal(t, float32(32768), outcome.LossScale)
		assert.Equal(t, int64(0), outcome.Step)
		for ii, p := range params {
			assert.Equal(t, before[ii], p.Value, "parameter %d modified by a skipped step", ii)
		}

		// The next clean step applies at the reduced scale.
		for _, p := range params {
			grad := testGrad(b.Rank(), p.Index, p.NumElements(), 1)
			fabric.Scale(grad, e.LossScale())
			if err := e.SubmitGradient(p.Index, grad); err != nil {
				return err
			}
		}
		outcome, err = e.Step(optimizers.HyperParams{})
		if err != nil {
			return err
		}
		assert.True(t, outcome.Applied)
		assert.Equal(t, int64(1), outcome.Step)
		return nil
	})
}

func TestHalfPrecisionParameters(t *testing.T) {
	runWorld(t, 2, func(b comm.Backend) error {
		defer b.Finalize()
		value := make([]float32, 16)
		for ii := range value {
			value[ii] = 0.5
		}
		params := []*fabric.Parameter{fabric.NewParameter("w", 0, dtypes.Float16, value)}
		e, err := engine.New(b, params, engine.Config{
			Stage:     partition.StageOptimizerStates,
			LossScale: amp.Config{InitialScale: 1024},
		})
		if err != nil {
			return err
		}
		grad := make([]float32, 16)
		for ii := range grad {
			grad[ii] = 0.25 * e.LossScale()
		}
		if err := e.SubmitGradient(0, grad); err != nil {
			return err
		}
		outcome, err := e.Step(optimizers.HyperParams{})
		if err != nil {
			return err
		}
		assert.True(t, outcome.Applied)
		for ii, v := range params[0].Value {
			// Values written back must be exactly representable in fp16.
			assert.Equal(t, v, fabric16RoundTrip(v), "element %d not representable in half precision", ii)
			assert.Less(t, v, float32(0.5))
		}
		return nil
	})
}

func fabric16RoundTrip(v float32) float32 {
	data := []float32{v}
	fabric.RoundToDType(data, dtypes.Float16)
	return data[0]
}

func TestMissingGradientFailsStep(t *testing.T) {
	runWorld(t, 1, func(b comm.Backend) error {
		defer b.Finalize()
		e, err := engine.New(b, newTestParams(testShapes), engine.Config{
			Stage:     partition.StageOptimizerStates,
			LossScale: amp.Config{InitialScale: 1},
		})
		if err != nil {
			return err
		}
		grad := testGrad(0, 0, testShapes[0], 0)
		if err := e.SubmitGradient(0, grad); err != nil {
			return err
		}
		_, err = e.Step(optimizers.HyperParams{})
		assert.ErrorContains(t, err, "gradients submitted")
		return nil
	})
}

func TestCommFailurePoisonsEngine(t *testing.T) {
	const worldSize = 2
	world, backends, err := mem.NewWorld(worldSize)
	require.NoError(t, err)
	world.SetFault(func(op string, seq uint64) error {
		if seq == 2 {
			return fmt.Errorf("injected link failure")
		}
		return nil
	})
	var group errgroup.Group
	for _, b := range backends {
		group.Go(func() error {
			defer b.Finalize()
			e, err := engine.New(b, newTestParams(testShapes), engine.Config{
				Stage:       partition.StageGradients,
				BucketBytes: 64,
				LossScale:   amp.Config{InitialScale: 1},
			})
			if err != nil {
				return err
			}
			for _, p := range e.Params() {
				grad := testGrad(b.Rank(), p.Index, p.NumElements(), 0)
				if err := e.SubmitGradient(p.Index, grad); err != nil {
					return err
				}
			}
			_, stepErr := e.Step(optimizers.HyperParams{})
			assert.Error(t, stepErr)
			assert.True(t, comm.IsFailure(stepErr), "want a communication failure, got: %v", stepErr)

			// The engine refuses all further work after a failed collective.
			stuckErr := e.SubmitGradient(0, testGrad(b.Rank(), 0, testShapes[0], 1))
			assert.Equal(t, stepErr, stuckErr)
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestConfigValidation(t *testing.T) {
	runWorld(t, 1, func(b comm.Backend) error {
		defer b.Finalize()
		_, err := engine.New(b, newTestParams(testShapes), engine.Config{Stage: 4})
		assert.ErrorContains(t, err, "invalid stage")

		_, err = engine.New(nil, newTestParams(testShapes), engine.Config{Stage: 1})
		assert.ErrorContains(t, err, "nil communication backend")

		params := newTestParams(testShapes)
		params[2].Index = 7
		_, err = engine.New(b, params, engine.Config{Stage: 1})
		assert.ErrorContains(t, err, "listed at position")
		return nil
	})
}
