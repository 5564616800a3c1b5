// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/shardopt/shardopt/partition"
)

// ShardSnapshot is the persistent state of one owned shard: the full
// precision master values and, when the shard has been through at least one
// applied step, the optimizer state.
type ShardSnapshot struct {
	ParamIndex int    `json:"param_index"`
	ParamName  string `json:"param_name"`
	Start      int    `json:"start"`
	End        int    `json:"end"`

	// HasState distinguishes a shard the optimizer has touched from one
	// still at its initial value (state is created lazily on first apply).
	HasState bool `json:"has_state"`

	Master  []float32 `json:"-"`
	Moment1 []float32 `json:"-"`
	Moment2 []float32 `json:"-"`
}

// Snapshot is one rank's complete persistent engine state. Ranks hold
// disjoint shards, so the world's checkpoint is the union of all ranks'
// snapshots.
type Snapshot struct {
	WorldSize int             `json:"world_size"`
	Rank      int             `json:"rank"`
	Stage     partition.Stage `json:"stage"`
	Optimizer string          `json:"optimizer"`

	Step               int64   `json:"step"`
	LossScale          float32 `json:"loss_scale"`
	LossScaleGoodSteps int     `json:"loss_scale_good_steps"`

	Shards []ShardSnapshot `json:"shards"`
}

// ShardMismatchError reports a snapshot whose shard layout does not match
// the engine's: a different world size, stage or parameter listing produces
// a different partitioning, and shard states cannot be transplanted between
// partitionings.
type ShardMismatchError struct {
	Reason string
}

func (e *ShardMismatchError) Error() string {
	return fmt.Sprintf("snapshot does not match engine partitioning: %s", e.Reason)
}

// Snapshot captures this rank's owned shards plus the replicated step and
// loss-scale counters. It must be called between steps, on a quiescent
// engine; the returned snapshot holds copies and stays valid as training
// continues.
func (e *Engine) Snapshot() (*Snapshot, error) {
	if err := e.checkFailed(); err != nil {
		return nil, err
	}
	if e.inFlightStep {
		return nil, errors.New("Snapshot: called mid-step, gradients already submitted")
	}
	snap := &Snapshot{
		WorldSize:          e.backend.WorldSize(),
		Rank:               int(e.backend.Rank()),
		Stage:              e.config.Stage,
		Optimizer:          e.opt.Name(),
		Step:               e.step,
		LossScale:          e.scaler.Scale(),
		LossScaleGoodSteps: e.scaler.GoodSteps(),
	}
	for _, shard := range e.plan.OwnedBy(e.backend.Rank()) {
		if shard.Range.IsEmpty() {
			continue
		}
		ss := ShardSnapshot{
			ParamIndex: shard.Param.Index,
			ParamName:  shard.Param.Name,
			Start:      shard.Range.Start,
			End:        shard.Range.End,
		}
		if state := e.states[shard.Param.Index]; state != nil && e.stateTouched[shard.Param.Index] {
			ss.HasState = true
			ss.Master = append([]float32(nil), state.Master...)
			if state.Moment1 != nil {
				ss.Moment1 = append([]float32(nil), state.Moment1...)
			}
			if state.Moment2 != nil {
				ss.Moment2 = append([]float32(nil), state.Moment2...)
			}
		} else {
			ss.Master = append([]float32(nil), shard.Param.Value[shard.Range.Start:shard.Range.End]...)
		}
		snap.Shards = append(snap.Shards, ss)
	}
	return snap, nil
}

// Restore resets the engine to a previously captured snapshot. It is a
// collective operation: every rank must call it with its own rank's
// snapshot, and updated values are re-propagated so all replicated parameter
// copies agree afterwards.
//
// The snapshot must come from an identical run configuration; a
// *ShardMismatchError is returned otherwise, leaving the engine untouched.
func (e *Engine) Restore(snap *Snapshot) error {
	if err := e.checkFailed(); err != nil {
		return err
	}
	if err := e.checkSnapshot(snap); err != nil {
		return err
	}
	// Stage-3 gathers from the last pre-snapshot step may still be writing
	// the bucket buffers; drain them before reusing those buffers below.
	for _, rt := range e.runtime {
		if rt.gatherHandle != nil {
			if err := e.awaitGather(rt); err != nil {
				return err
			}
		}
	}

	for idx := range e.states {
		delete(e.states, idx)
	}
	for idx := range e.stateTouched {
		delete(e.stateTouched, idx)
	}
	for _, ss := range snap.Shards {
		p := e.params[ss.ParamIndex]
		value := p.Value[ss.Start:ss.End]
		copy(value, ss.Master)
		if ss.HasState {
			state := e.opt.NewState(ss.Master)
			if ss.Moment1 != nil {
				copy(state.Moment1, ss.Moment1)
			}
			if ss.Moment2 != nil {
				copy(state.Moment2, ss.Moment2)
			}
			e.states[ss.ParamIndex] = state
			e.stateTouched[ss.ParamIndex] = true
		}
	}
	e.step = snap.Step
	e.scaler.Restore(snap.LossScale, snap.LossScaleGoodSteps)
	e.resetStep()

	// Owned regions are authoritative; rebuild the replicated full copies
	// from them. The half-precision rounding on write-back already happened
	// before the snapshot was taken, so values propagate bit-exactly.
	if e.config.Stage == partition.StageParameters {
		for _, rt := range e.runtime {
			for _, slot := range rt.ownSlots {
				rng := slot.shard.Range
				copy(rt.recv[slot.offset:slot.offset+rng.Len()], slot.shard.Param.Value[rng.Start:rng.End])
			}
			handle := e.backend.AllGather(rt.recv, rt.splits, rt.flat)
			if err := handle.Await(e.config.Timeout); err != nil {
				return e.fail(err)
			}
			for _, slot := range rt.unpackSlots {
				copy(slot.param.Value[slot.rng.Start:slot.rng.End], rt.flat[slot.offset:slot.offset+slot.rng.Len()])
			}
		}
		return nil
	}
	return e.propagate()
}

// checkSnapshot verifies the snapshot was produced by an engine with the
// same partitioning as this one.
func (e *Engine) checkSnapshot(snap *Snapshot) error {
	if snap.WorldSize != e.backend.WorldSize() {
		return &ShardMismatchError{Reason: fmt.Sprintf("snapshot world size %d, engine world size %d", snap.WorldSize, e.backend.WorldSize())}
	}
	if snap.Rank != int(e.backend.Rank()) {
		return &ShardMismatchError{Reason: fmt.Sprintf("snapshot from rank %d given to rank %d", snap.Rank, e.backend.Rank())}
	}
	if snap.Stage != e.config.Stage {
		return &ShardMismatchError{Reason: fmt.Sprintf("snapshot stage %d, engine stage %d", snap.Stage, e.config.Stage)}
	}
	if snap.Optimizer != e.opt.Name() {
		return &ShardMismatchError{Reason: fmt.Sprintf("snapshot optimizer %q, engine optimizer %q", snap.Optimizer, e.opt.Name())}
	}
	owned := make(map[int]partition.Range)
	for _, shard := range e.plan.OwnedBy(e.backend.Rank()) {
		if !shard.Range.IsEmpty() {
			owned[shard.Param.Index] = shard.Range
		}
	}
	if len(snap.Shards) != len(owned) {
		return &ShardMismatchError{Reason: fmt.Sprintf("snapshot has %d shards, rank owns %d", len(snap.Shards), len(owned))}
	}
	for _, ss := range snap.Shards {
		rng, ok := owned[ss.ParamIndex]
		if !ok {
			return &ShardMismatchError{Reason: fmt.Sprintf("snapshot shard of parameter %d is not owned by this rank", ss.ParamIndex)}
		}
		if rng.Start != ss.Start || rng.End != ss.End {
			return &ShardMismatchError{Reason: fmt.Sprintf("parameter %d: snapshot range [%d,%d), owned range [%d,%d)", ss.ParamIndex, ss.Start, ss.End, rng.Start, rng.End)}
		}
		if len(ss.Master) != rng.Len() {
			return &ShardMismatchError{Reason: fmt.Sprintf("parameter %d: master payload has %d elements, shard has %d", ss.ParamIndex, len(ss.Master), rng.Len())}
		}
	}
	return nil
}
