// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

// Package engine ties the partitioned optimizer together: it consumes raw
// gradients from the training loop, overlaps their reduction with the
// ongoing backward pass, applies optimizer updates to the locally owned
// shards and propagates updated parameter values back to every rank.
//
// One Engine instance runs per rank, driven by that rank's compute
// goroutine:
//
//	e, _ := engine.New(backend, params, engine.Config{Stage: partition.StageGradients})
//	for batch := range batches {
//		for _, p := range params {          // backward pass
//			e.SubmitGradient(p.Index, gradOf(p))
//		}
//		outcome, err := e.Step(optimizers.HyperParams{})
//		...
//	}
//
// The Engine is not safe for concurrent use: all methods must be called from
// the rank's compute goroutine. Communication runs asynchronously relative
// to it, and the compute goroutine only blocks when it needs a result that
// communication has not yet produced.
package engine

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/shardopt/shardopt/amp"
	"github.com/shardopt/shardopt/comm"
	"github.com/shardopt/shardopt/fabric"
	"github.com/shardopt/shardopt/internal/workerspool"
	"github.com/shardopt/shardopt/optimizers"
	"github.com/shardopt/shardopt/partition"
)

const (
	// DefaultBucketBytes is the default communication bucket size.
	DefaultBucketBytes = 32 << 20

	// DefaultTimeout for any single collective operation. A collective
	// exceeding it fails the whole step with a comm.Failure.
	DefaultTimeout = 2 * time.Minute
)

// Config of an Engine. The zero value of optional fields selects defaults.
type Config struct {
	// Stage of state partitioning (1, 2 or 3). Required.
	Stage partition.Stage

	// BucketBytes is the target size of one communication bucket.
	// Defaults to DefaultBucketBytes.
	BucketBytes uintptr

	// Overlap issues each bucket's reduction as soon as the bucket becomes
	// ready during the backward pass, hiding communication behind compute.
	// If false, all reductions are issued together at Step.
	Overlap bool

	// LossScale configures the mixed-precision coordinator.
	LossScale amp.Config

	// Timeout for a single collective operation; <0 waits forever.
	// Defaults to DefaultTimeout.
	Timeout time.Duration

	// Parallelism of local shard updates; 0 means runtime.NumCPU() and <0
	// runs updates inline.
	Parallelism int

	// Optimizer applied to the owned shards. Defaults to Adam with its
	// default configuration.
	Optimizer optimizers.Interface
}

// StepOutcome reports what one Step call did.
type StepOutcome struct {
	// Applied is false when the step was skipped due to gradient overflow.
	Applied bool

	// LossScale after the step's adjustment.
	LossScale float32

	// Step counts applied steps only; skipped steps do not increment it.
	Step int64
}

// bucketState is the lifecycle of one bucket within one training step.
// Transitions are monotonic; no bucket revisits an earlier state until the
// next step resets it.
type bucketState int

const (
	bucketPending bucketState = iota
	bucketAccumulating
	bucketReady
	bucketReducing
	bucketReduced
	bucketApplied
)

// gradSlot places one contiguous piece of a submitted gradient into a
// bucket's flat buffer.
type gradSlot struct {
	dst        int // offset into flat
	start, end int // element range of the submitted gradient
}

// ownSlot is one shard this rank owns, with its offset into the rank's
// reduced-gradient buffer.
type ownSlot struct {
	shard  partition.Shard
	offset int
}

// unpackSlot maps a region of the stage-3 gather output back into a
// parameter's value slice.
type unpackSlot struct {
	param  *fabric.Parameter
	rng    partition.Range
	offset int // offset into flat
}

// bucketRuntime is the per-step communication state of one bucket.
type bucketRuntime struct {
	bucket *partition.Bucket
	state  bucketState

	// flat is the collective input buffer: the bucket's gradients laid out
	// for the stage's collective. For stage 3 it doubles as the all-gather
	// output buffer.
	flat []float32

	// splits delimit per-rank regions of flat for reduce-scatter and
	// all-gather; nil for stage 1 (all-reduce).
	splits []int

	// recv is the rank's reduced-gradient region. For stage 1 it aliases
	// flat (every rank holds the full reduced bucket); for stages 2-3 it is
	// this rank's reduce-scatter output, reused as the all-gather input.
	recv []float32

	reduceHandle *comm.Handle
	gatherHandle *comm.Handle

	gradSlots   map[int][]gradSlot // parameter index -> placement
	ownSlots    []ownSlot
	unpackSlots []unpackSlot // stage 3 only
}

// Engine is one rank's partitioned optimizer.
type Engine struct {
	backend comm.Backend
	config  Config
	params  []*fabric.Parameter
	plan    *partition.Plan
	buckets *partition.BucketPlan
	scaler  *amp.Scaler
	pool    *workerspool.Pool
	opt     optimizers.Interface

	runtime      []*bucketRuntime
	runtimeOf    map[int]*bucketRuntime // parameter index -> bucket runtime
	states       map[int]*optimizers.ShardState
	stateTouched map[int]bool
	step         int64
	inFlightStep bool // some gradient of the current step was submitted
	failed       error
}

// New builds the engine for this rank. All ranks must construct engines with
// identical parameter lists and configurations.
//
// Parameters must be listed in index order (params[i].Index == i): bucket
// boundaries and shard assignment are derived from the listing order and
// must agree on every rank without communication.
func New(backend comm.Backend, params []*fabric.Parameter, config Config) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("engine.New: nil communication backend")
	}
	if config.BucketBytes == 0 {
		config.BucketBytes = DefaultBucketBytes
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Optimizer == nil {
		config.Optimizer = optimizers.Adam().Done()
	}
	if !config.Stage.Valid() {
		return nil, errors.Errorf("engine.New: invalid stage %d, must be 1, 2 or 3", config.Stage)
	}
	for ii, p := range params {
		if p.Index != ii {
			return nil, errors.Errorf("engine.New: parameter %q has index %d but is listed at position %d", p.Name, p.Index, ii)
		}
	}

	plan, err := partition.NewPlan(params, backend.WorldSize(), config.Stage)
	if err != nil {
		return nil, err
	}
	buckets, err := partition.NewBucketPlan(params, config.BucketBytes)
	if err != nil {
		return nil, err
	}
	scaler, err := amp.NewScaler(config.LossScale)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		backend:      backend,
		config:       config,
		params:       params,
		plan:         plan,
		buckets:      buckets,
		scaler:       scaler,
		pool:         workerspool.New(config.Parallelism),
		opt:          config.Optimizer,
		runtimeOf:    make(map[int]*bucketRuntime),
		states:       make(map[int]*optimizers.ShardState),
		stateTouched: make(map[int]bool),
	}
	e.buildRuntimes()

	if klog.V(1).Enabled() {
		var total uintptr
		for _, p := range params {
			total += p.Memory()
		}
		klog.Infof("engine rank %d/%d: stage %d, %d parameters (%s) in %d buckets, %s owned",
			backend.Rank(), backend.WorldSize(), config.Stage, len(params),
			humanize.IBytes(uint64(total)), buckets.NumBuckets(),
			humanize.IBytes(uint64(plan.OwnedBytes(backend.Rank()))))
	}
	return e, nil
}

// buildRuntimes precomputes, per bucket, the stage-specific buffer layout.
func (e *Engine) buildRuntimes() {
	rank := e.backend.Rank()
	worldSize := e.backend.WorldSize()
	for _, bucket := range e.buckets.Buckets {
		rt := &bucketRuntime{
			bucket:    bucket,
			gradSlots: make(map[int][]gradSlot),
		}
		switch e.config.Stage {
		case partition.StageOptimizerStates:
			// Flat gradients in parameter order, all-reduced whole: every
			// rank sees the full reduced bucket.
			offset := 0
			for _, p := range bucket.Params {
				rt.gradSlots[p.Index] = []gradSlot{{dst: offset, start: 0, end: p.NumElements()}}
				if e.plan.Owner(p.Index) == rank {
					rt.ownSlots = append(rt.ownSlots, ownSlot{
						shard:  e.plan.ParamShards(p.Index)[0],
						offset: offset,
					})
				}
				offset += p.NumElements()
			}
			rt.flat = make([]float32, offset)
			rt.recv = rt.flat

		case partition.StageGradients:
			// Gradients grouped by owning rank so a single reduce-scatter
			// with per-rank splits delivers each rank exactly the gradients
			// of the parameters it owns.
			rt.splits = make([]int, worldSize)
			offset := 0
			for r := comm.Rank(0); int(r) < worldSize; r++ {
				rankStart := offset
				for _, p := range bucket.Params {
					if e.plan.Owner(p.Index) != r {
						continue
					}
					rt.gradSlots[p.Index] = []gradSlot{{dst: offset, start: 0, end: p.NumElements()}}
					if r == rank {
						rt.ownSlots = append(rt.ownSlots, ownSlot{
							shard:  e.plan.ParamShards(p.Index)[0],
							offset: offset - rankStart,
						})
					}
					offset += p.NumElements()
				}
				rt.splits[r] = offset - rankStart
			}
			rt.flat = make([]float32, offset)
			rt.recv = make([]float32, rt.splits[rank])

		case partition.StageParameters:
			// Interleaved equal chunks: rank r's region holds the r-th chunk
			// of every parameter in the bucket, padded to the chunk size, so
			// one equal-split reduce-scatter (and later all-gather) moves
			// them all at once.
			perRank := 0
			chunkOffset := make(map[int]int, len(bucket.Params))
			for _, p := range bucket.Params {
				chunkOffset[p.Index] = perRank
				perRank += partition.ChunkSize(p.NumElements(), worldSize)
			}
			rt.splits = make([]int, worldSize)
			for r := range rt.splits {
				rt.splits[r] = perRank
			}
			rt.flat = make([]float32, perRank*worldSize)
			rt.recv = make([]float32, perRank)

			for _, p := range bucket.Params {
				shards := e.plan.ParamShards(p.Index)
				slots := make([]gradSlot, 0, worldSize)
				for r, shard := range shards {
					dst := r*perRank + chunkOffset[p.Index]
					if !shard.Range.IsEmpty() {
						slots = append(slots, gradSlot{dst: dst, start: shard.Range.Start, end: shard.Range.End})
						rt.unpackSlots = append(rt.unpackSlots, unpackSlot{param: p, rng: shard.Range, offset: dst})
					}
					if shard.Owner == rank && !shard.Range.IsEmpty() {
						rt.ownSlots = append(rt.ownSlots, ownSlot{shard: shard, offset: chunkOffset[p.Index]})
					}
				}
				rt.gradSlots[p.Index] = slots
			}
		}
		e.runtime = append(e.runtime, rt)
		for _, p := range bucket.Params {
			e.runtimeOf[p.Index] = rt
		}
	}
}

// Backend this engine communicates through.
func (e *Engine) Backend() comm.Backend { return e.backend }

// Stage of state partitioning the engine runs.
func (e *Engine) Stage() partition.Stage { return e.config.Stage }

// Plan of shard ownership.
func (e *Engine) Plan() *partition.Plan { return e.plan }

// Params the engine manages, in index order.
func (e *Engine) Params() []*fabric.Parameter { return e.params }

// StepCount returns the number of applied optimizer steps so far.
func (e *Engine) StepCount() int64 { return e.step }

// LossScale currently in effect.
func (e *Engine) LossScale() float32 { return e.scaler.Scale() }

// Finalize the engine's communication backend. The engine is unusable
// afterwards.
func (e *Engine) Finalize() {
	e.backend.Finalize()
}

// checkFailed returns the sticky fatal error, if any. After a communication
// failure the engine refuses further work: optimizer-state shards could have
// diverged across ranks, so no partial-step continuation is attempted.
func (e *Engine) checkFailed() error {
	return e.failed
}

func (e *Engine) fail(err error) error {
	if e.failed == nil {
		e.failed = err
		klog.Errorf("engine rank %d: fatal: %+v", e.backend.Rank(), err)
	}
	return e.failed
}
