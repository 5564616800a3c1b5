// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/shardopt/shardopt/comm"
	"github.com/shardopt/shardopt/fabric"
	"github.com/shardopt/shardopt/optimizers"
	"github.com/shardopt/shardopt/partition"
)

// SubmitGradient hands the engine the raw gradient of one parameter, as
// produced by the backward pass: the gradient of the loss-scaled objective,
// not yet averaged across ranks. The engine unscales and pre-divides by the
// world size while copying, so the later sum-reduction yields the unscaled
// mean gradient directly.
//
// Every rank must submit gradients for the same parameters, in the same
// order, before calling Step: collectives are issued as buckets fill, and
// ranks whose buckets fill in different orders would pair mismatched
// collectives. A backward pass over the same graph on every rank satisfies
// this naturally. Submitting the same parameter twice in one step panics.
//
// When the parameter's bucket becomes complete and overlap is enabled, its
// reduction is issued immediately, concurrently with the rest of the
// backward pass.
func (e *Engine) SubmitGradient(paramIndex int, grad []float32) error {
	if err := e.checkFailed(); err != nil {
		return err
	}
	if paramIndex < 0 || paramIndex >= len(e.params) {
		return errors.Errorf("SubmitGradient: parameter index %d out of range [0, %d)", paramIndex, len(e.params))
	}
	p := e.params[paramIndex]
	if len(grad) != p.NumElements() {
		return errors.Errorf("SubmitGradient: parameter %q has %d elements, gradient has %d", p.Name, p.NumElements(), len(grad))
	}
	rt := e.runtimeOf[paramIndex]
	if rt == nil {
		// Zero-element parameters carry no gradient and live in no bucket.
		return errors.Errorf("SubmitGradient: parameter %q is not part of any bucket", p.Name)
	}

	// The bucket's flat buffer doubles as the gather output in stage 3:
	// drain any pending gather before overwriting it.
	if rt.gatherHandle != nil {
		if err := e.awaitGather(rt); err != nil {
			return err
		}
	}
	if rt.state == bucketPending {
		clear(rt.flat)
		rt.state = bucketAccumulating
	}
	e.inFlightStep = true

	// Copy into the bucket, simulating the wire precision for half-precision
	// parameters, then fold loss unscaling and mean pre-division into one
	// multiply.
	inv := float32(1) / (e.scaler.Scale() * float32(e.backend.WorldSize()))
	for _, slot := range rt.gradSlots[paramIndex] {
		region := rt.flat[slot.dst : slot.dst+(slot.end-slot.start)]
		copy(region, grad[slot.start:slot.end])
		fabric.RoundToDType(region, p.DType)
		fabric.Scale(region, inv)
	}

	if _, ready := e.buckets.MarkReady(paramIndex); ready {
		rt.state = bucketReady
		if e.config.Overlap {
			e.issueReduce(rt)
		}
	}
	return nil
}

// issueReduce starts the bucket's gradient reduction. Stage 1 all-reduces
// the whole bucket; stages 2 and 3 reduce-scatter it so each rank receives
// only the region it owns.
func (e *Engine) issueReduce(rt *bucketRuntime) {
	if rt.splits == nil {
		rt.reduceHandle = e.backend.AllReduce(rt.flat, comm.ReduceSum)
	} else {
		rt.reduceHandle = e.backend.ReduceScatter(rt.flat, rt.splits, rt.recv, comm.ReduceSum)
	}
	rt.state = bucketReducing
	if klog.V(2).Enabled() {
		klog.Infof("rank %d: issued %s for %s", e.backend.Rank(), rt.reduceHandle.Op(), rt.bucket)
	}
}

// Step completes the training step: it waits for all bucket reductions,
// checks the reduced gradients for overflow (agreeing on the verdict across
// ranks), applies the optimizer to the locally owned shards and propagates
// updated parameter values to every rank.
//
// On overflow the update is skipped, the loss scale is reduced and the
// returned outcome has Applied == false; parameters, optimizer state and
// the step counter are left untouched. All ranks return the same outcome.
//
// A communication failure poisons the engine: the error is returned here and
// from every later call, since partially applied updates cannot be
// reconciled across ranks.
func (e *Engine) Step(hp optimizers.HyperParams) (StepOutcome, error) {
	if err := e.checkFailed(); err != nil {
		return StepOutcome{}, err
	}
	for _, rt := range e.runtime {
		if rt.state < bucketReady {
			return StepOutcome{}, errors.Errorf(
				"Step: %s has only %d of %d gradients submitted",
				rt.bucket, e.buckets.NumReady(rt.bucket), len(rt.bucket.Params))
		}
		if rt.state == bucketReady {
			e.issueReduce(rt)
		}
	}

	// Buckets complete in issue order, so awaiting in order never blocks on
	// a handle whose predecessors are still pending.
	for _, rt := range e.runtime {
		if err := rt.reduceHandle.Await(e.config.Timeout); err != nil {
			return StepOutcome{}, e.fail(err)
		}
		rt.state = bucketReduced
	}

	localOverflow := false
	for _, rt := range e.runtime {
		if e.scaler.CheckLocal(rt.recv) {
			localOverflow = true
			break
		}
	}
	overflow, err := e.scaler.Agree(e.backend, localOverflow, e.config.Timeout)
	if err != nil {
		return StepOutcome{}, e.fail(err)
	}
	if overflow {
		e.scaler.RecordStepResult(true)
		e.resetStep()
		return StepOutcome{Applied: false, LossScale: e.scaler.Scale(), Step: e.step}, nil
	}

	e.applyOwnedShards(hp)
	e.step++
	e.scaler.RecordStepResult(false)

	if err := e.propagate(); err != nil {
		return StepOutcome{}, err
	}
	e.resetStep()
	return StepOutcome{Applied: true, LossScale: e.scaler.Scale(), Step: e.step}, nil
}

// applyOwnedShards runs the optimizer over every shard this rank owns,
// parallelized over shards, and writes the updated values (rounded to the
// parameter's precision) back into the parameter slices.
func (e *Engine) applyOwnedShards(hp optimizers.HyperParams) {
	stepNum := e.step + 1

	type work struct {
		rt   *bucketRuntime
		slot ownSlot
	}
	var pending []work
	for _, rt := range e.runtime {
		for _, slot := range rt.ownSlots {
			// Shard states are created lazily here, on the first applied
			// step, seeded from the parameter's current value.
			idx := slot.shard.Param.Index
			if e.states[idx] == nil {
				rng := slot.shard.Range
				e.states[idx] = e.opt.NewState(slot.shard.Param.Value[rng.Start:rng.End])
			}
			e.stateTouched[idx] = true
			pending = append(pending, work{rt: rt, slot: slot})
		}
	}

	e.pool.Run(len(pending), func(i int) {
		w := pending[i]
		rng := w.slot.shard.Range
		p := w.slot.shard.Param
		state := e.states[p.Index]
		grad := w.rt.recv[w.slot.offset : w.slot.offset+rng.Len()]
		e.opt.ApplyShard(state, grad, hp, stepNum)
		value := p.Value[rng.Start:rng.End]
		copy(value, state.Master)
		fabric.RoundToDType(value, p.DType)
	})
	for _, rt := range e.runtime {
		rt.state = bucketApplied
	}
}

// propagate distributes the updated parameter values. Stages 1 and 2
// broadcast each parameter from its owner and wait for completion; stage 3
// packs this rank's chunks and issues all-gathers that are only awaited when
// a full parameter is next needed.
func (e *Engine) propagate() error {
	if e.config.Stage == partition.StageParameters {
		for _, rt := range e.runtime {
			for _, slot := range rt.ownSlots {
				rng := slot.shard.Range
				copy(rt.recv[slot.offset:slot.offset+rng.Len()], slot.shard.Param.Value[rng.Start:rng.End])
			}
			rt.gatherHandle = e.backend.AllGather(rt.recv, rt.splits, rt.flat)
		}
		return nil
	}
	var handles []*comm.Handle
	for _, rt := range e.runtime {
		for _, p := range rt.bucket.Params {
			handles = append(handles, e.backend.Broadcast(p.Value, e.plan.Owner(p.Index)))
		}
	}
	if err := comm.AwaitAll(e.config.Timeout, handles...); err != nil {
		return e.fail(err)
	}
	return nil
}

// awaitGather completes a pending stage-3 all-gather and scatters the
// gathered chunks back into the full parameter slices, skipping padding.
func (e *Engine) awaitGather(rt *bucketRuntime) error {
	if err := rt.gatherHandle.Await(e.config.Timeout); err != nil {
		return e.fail(err)
	}
	rt.gatherHandle = nil
	for _, slot := range rt.unpackSlots {
		copy(slot.param.Value[slot.rng.Start:slot.rng.End], rt.flat[slot.offset:slot.offset+slot.rng.Len()])
	}
	return nil
}

// MaterializedParameter returns the full value of a parameter, assembling it
// from the per-rank shards first if a stage-3 gather is still in flight. The
// returned slice is the engine's live copy: it stays valid until the next
// Step updates it, and must not be mutated by the caller.
func (e *Engine) MaterializedParameter(paramIndex int) ([]float32, error) {
	if err := e.checkFailed(); err != nil {
		return nil, err
	}
	if paramIndex < 0 || paramIndex >= len(e.params) {
		return nil, errors.Errorf("MaterializedParameter: parameter index %d out of range [0, %d)", paramIndex, len(e.params))
	}
	if rt := e.runtimeOf[paramIndex]; rt != nil && rt.gatherHandle != nil {
		if err := e.awaitGather(rt); err != nil {
			return nil, err
		}
	}
	return e.params[paramIndex].Value, nil
}

// resetStep rearms bucket readiness tracking for the next step. Pending
// stage-3 gathers survive the reset and are drained lazily.
func (e *Engine) resetStep() {
	e.buckets.Reset()
	for _, rt := range e.runtime {
		rt.state = bucketPending
		rt.reduceHandle = nil
	}
	e.inFlightStep = false
}
