// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardopt/shardopt/amp"
	"github.com/shardopt/shardopt/comm"
	"github.com/shardopt/shardopt/engine"
	"github.com/shardopt/shardopt/optimizers"
	"github.com/shardopt/shardopt/partition"
)

func newSnapshotTestEngine(b comm.Backend, stage partition.Stage) (*engine.Engine, error) {
	return engine.New(b, newTestParams(testShapes), engine.Config{
		Stage:       stage,
		BucketBytes: 100,
		LossScale:   amp.Config{InitialScale: 1},
	})
}

func TestSnapshotRestoreResumesBitwise(t *testing.T) {
	// Train 3+2 steps straight through, then rewind to the snapshot taken
	// after step 3 and replay the last 2: resumed training must be
	// indistinguishable from uninterrupted training.
	for _, stage := range []partition.Stage{partition.StageGradients, partition.StageParameters} {
		const worldSize = 3
		runWorld(t, worldSize, func(b comm.Backend) error {
			defer b.Finalize()
			e, err := newSnapshotTestEngine(b, stage)
			if err != nil {
				return err
			}
			if _, err := trainSteps(e, 3); err != nil {
				return err
			}
			snap, err := e.Snapshot()
			require.NoError(t, err)
			assert.Equal(t, int64(3), snap.Step)

			straight, err := trainStepsFrom(e, 3, 2)
			if err != nil {
				return err
			}
			require.NoError(t, e.Restore(snap))
			assert.Equal(t, int64(3), e.StepCount())
			resumed, err := trainStepsFrom(e, 3, 2)
			if err != nil {
				return err
			}
			assert.Equal(t, straight, resumed, "stage %d: resumed run diverged", stage)
			return nil
		})
	}
}

// trainStepsFrom is trainSteps with an explicit starting step number, so the
// gradient sequence lines up between straight and resumed runs.
func trainStepsFrom(e *engine.Engine, firstStep, numSteps int) ([][]float32, error) {
	for step := firstStep; step < firstStep+numSteps; step++ {
		for _, p := range e.Params() {
			grad := testGrad(e.Backend().Rank(), p.Index, p.NumElements(), step)
			if err := e.SubmitGradient(p.Index, grad); err != nil {
				return nil, err
			}
		}
		if _, err := e.Step(optimizers.HyperParams{}); err != nil {
			return nil, err
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

func TestSnapshotBeforeFirstStep(t *testing.T) {
	// A snapshot of an untrained engine captures initial values with no
	// optimizer state, and restores cleanly.
	runWorld(t, 2, func(b comm.Backend) error {
		defer b.Finalize()
		e, err := newSnapshotTestEngine(b, partition.StageGradients)
		if err != nil {
			return err
		}
		snap, err := e.Snapshot()
		require.NoError(t, err)
		for _, ss := range snap.Shards {
			assert.False(t, ss.HasState)
			assert.Nil(t, ss.Moment1)
		}
		return e.Restore(snap)
	})
}

func TestSnapshotMidStepRefused(t *testing.T) {
	runWorld(t, 1, func(b comm.Backend) error {
		defer b.Finalize()
		e, err := newSnapshotTestEngine(b, partition.StageGradients)
		if err != nil {
			return err
		}
		if err := e.SubmitGradient(0, testGrad(0, 0, testShapes[0], 0)); err != nil {
			return err
		}
		_, err = e.Snapshot()
		assert.ErrorContains(t, err, "mid-step")
		return nil
	})
}

func TestRestoreMismatch(t *testing.T) {
	const worldSize = 2
	snaps := make([]*engine.Snapshot, worldSize)
	runWorld(t, worldSize, func(b comm.Backend) error {
		defer b.Finalize()
		e, err := newSnapshotTestEngine(b, partition.StageGradients)
		if err != nil {
			return err
		}
		if _, err := trainSteps(e, 1); err != nil {
			return err
		}
		snaps[b.Rank()], err = e.Snapshot()
		return err
	})

	// Wrong world size.
	runWorld(t, 3, func(b comm.Backend) error {
		defer b.Finalize()
		e, err := newSnapshotTestEngine(b, partition.StageGradients)
		if err != nil {
			return err
		}
		var mismatch *engine.ShardMismatchError
		err = e.Restore(snaps[0])
		if assert.ErrorAs(t, err, &mismatch) {
			assert.Contains(t, mismatch.Error(), "world size")
		}
		return nil
	})

	runWorld(t, worldSize, func(b comm.Backend) error {
		defer b.Finalize()
		e, err := newSnapshotTestEngine(b, partition.StageGradients)
		if err != nil {
			return err
		}
		// Snapshots are rank-specific: feeding rank 1's to rank 0 must be
		// rejected before any state is modified.
		other := snaps[1-b.Rank()]
		var mismatch *engine.ShardMismatchError
		assert.ErrorAs(t, e.Restore(other), &mismatch)

		// Wrong stage.
		e3, err := newSnapshotTestEngine(b, partition.StageParameters)
		if err != nil {
			return err
		}
		assert.ErrorAs(t, e3.Restore(snaps[b.Rank()]), &mismatch)
		assert.Contains(t, mismatch.Error(), "stage")
		return nil
	})
}
