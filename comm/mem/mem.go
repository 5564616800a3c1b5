// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

// Package mem implements an in-process communication backend: all ranks live
// in the same process, each driven by its own goroutine, and collectives meet
// at shared-memory rendezvous points.
//
// It serves single-host multi-worker training, the simulation CLI and tests.
//
// Collective calls are matched by their per-rank issue sequence: every rank's
// n-th collective participates in the same logical operation, so all ranks
// must issue the same collectives in the same order -- the usual SPMD
// contract. A mismatch (different kinds or incompatible buffer sizes for the
// same sequence number) panics.
//
// Contributions are always reduced in ascending rank order, so every rank
// observes a bitwise-identical result for the same inputs, independent of
// goroutine scheduling.
package mem

import (
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/shardopt/shardopt/comm"
)

// BackendName of this implementation, as used in configuration strings like
// "mem:4".
const BackendName = "mem"

func init() {
	comm.Register(BackendName, New)
}

// New creates the per-rank backends of a new world. The configuration string
// is the world size; empty means 1.
//
// It is the registry constructor for "mem"; use NewWorld to also get the
// *World for fault injection in tests.
func New(config string) ([]comm.Backend, error) {
	config = strings.TrimSpace(config)
	worldSize := 1
	if config != "" {
		var err error
		worldSize, err = strconv.Atoi(config)
		if err != nil {
			return nil, errors.Wrapf(err, "mem backend configuration %q is not a world size", config)
		}
	}
	_, backends, err := NewWorld(worldSize)
	return backends, err
}

// FaultHook can be installed on a World to inject failures: returning a
// non-nil error fails the matched collective on every rank with a
// comm.Failure wrapping that error.
type FaultHook func(op string, seq uint64) error

// World is the shared state of all in-process ranks.
type World struct {
	size int

	mu        sync.Mutex
	cond      sync.Cond
	pending   map[uint64]*rendezvous
	fireQueue []*rendezvous
	stopped   bool
	finalized int

	fault FaultHook
}

// NewWorld creates a world of worldSize in-process ranks and returns one
// Backend view per rank.
func NewWorld(worldSize int) (*World, []comm.Backend, error) {
	if worldSize <= 0 {
		return nil, nil, errors.Errorf("world size must be positive, got %d", worldSize)
	}
	w := &World{
		size:    worldSize,
		pending: make(map[uint64]*rendezvous),
	}
	w.cond = sync.Cond{L: &w.mu}
	backends := make([]comm.Backend, worldSize)
	for rank := range backends {
		backends[rank] = &backend{world: w, rank: comm.Rank(rank)}
	}
	go w.executeLoop()
	return w, backends, nil
}

// SetFault installs a fault-injection hook, called once per collective before
// it executes. A nil hook (the default) never fails.
func (w *World) SetFault(hook FaultHook) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fault = hook
}

type opKind int

const (
	opAllReduce opKind = iota
	opReduceScatter
	opAllGather
	opBroadcast
)

func (k opKind) String() string {
	switch k {
	case opAllReduce:
		return "all-reduce"
	case opReduceScatter:
		return "reduce-scatter"
	case opAllGather:
		return "all-gather"
	case opBroadcast:
		return "broadcast"
	}
	return "invalid"
}

// rendezvous collects one collective's contributions from every rank.
type rendezvous struct {
	seq      uint64
	kind     opKind
	reduceOp comm.ReduceOp
	splits   []int
	root     comm.Rank

	data      [][]float32
	out       [][]float32
	completes []func(error)
	arrived   int
}

// backend is one rank's view of the world.
type backend struct {
	world *World
	rank  comm.Rank

	mu        sync.Mutex
	seq       uint64
	finalized bool
}

// Name implements comm.Backend.
func (b *backend) Name() string { return BackendName }

// Rank implements comm.Backend.
func (b *backend) Rank() comm.Rank { return b.rank }

// WorldSize implements comm.Backend.
func (b *backend) WorldSize() int { return b.world.size }

// AllReduce implements comm.Backend.
func (b *backend) AllReduce(data []float32, op comm.ReduceOp) *comm.Handle {
	return b.join(opAllReduce, op, nil, 0, data, data)
}

// ReduceScatter implements comm.Backend.
func (b *backend) ReduceScatter(data []float32, splits []int, out []float32, op comm.ReduceOp) *comm.Handle {
	if len(data) != sumSplits(splits) {
		exceptions.Panicf("mem.ReduceScatter: len(data)=%d but splits sum to %d", len(data), sumSplits(splits))
	}
	if len(out) != splits[b.rank] {
		exceptions.Panicf("mem.ReduceScatter: rank %d output has %d elements, splits[%d]=%d", b.rank, len(out), b.rank, splits[b.rank])
	}
	return b.join(opReduceScatter, op, splits, 0, data, out)
}

// AllGather implements comm.Backend.
func (b *backend) AllGather(shard []float32, splits []int, out []float32) *comm.Handle {
	if len(shard) != splits[b.rank] {
		exceptions.Panicf("mem.AllGather: rank %d shard has %d elements, splits[%d]=%d", b.rank, len(shard), b.rank, splits[b.rank])
	}
	if len(out) != sumSplits(splits) {
		exceptions.Panicf("mem.AllGather: len(out)=%d but splits sum to %d", len(out), sumSplits(splits))
	}
	return b.join(opAllGather, comm.ReduceSum, splits, 0, shard, out)
}

// Broadcast implements comm.Backend.
func (b *backend) Broadcast(data []float32, root comm.Rank) *comm.Handle {
	if root < 0 || int(root) >= b.world.size {
		exceptions.Panicf("mem.Broadcast: root rank %d outside world of size %d", root, b.world.size)
	}
	return b.join(opBroadcast, comm.ReduceSum, nil, root, data, data)
}

// Finalize implements comm.Backend. The world's executor goroutine stops once
// every rank finalized.
func (b *backend) Finalize() {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return
	}
	b.finalized = true
	b.mu.Unlock()

	w := b.world
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized++
	if w.finalized == w.size {
		w.stopped = true
		w.cond.Signal()
	}
}

// join registers this rank's contribution to its next collective and fires
// the rendezvous if this was the last rank to arrive.
func (b *backend) join(kind opKind, reduceOp comm.ReduceOp, splits []int, root comm.Rank, data, out []float32) *comm.Handle {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		exceptions.Panicf("mem: rank %d issued %s after Finalize", b.rank, kind)
	}
	seq := b.seq
	b.seq++
	b.mu.Unlock()

	h, complete := comm.NewHandle(kind.String(), b.rank)

	w := b.world
	w.mu.Lock()
	defer w.mu.Unlock()

	r, found := w.pending[seq]
	if !found {
		r = &rendezvous{
			seq:       seq,
			kind:      kind,
			reduceOp:  reduceOp,
			splits:    splits,
			root:      root,
			data:      make([][]float32, w.size),
			out:       make([][]float32, w.size),
			completes: make([]func(error), w.size),
		}
		w.pending[seq] = r
	} else {
		b.checkMatches(r, kind, reduceOp, splits, root, data)
	}
	r.data[b.rank] = data
	r.out[b.rank] = out
	r.completes[b.rank] = complete
	r.arrived++

	if r.arrived == w.size {
		delete(w.pending, seq)
		w.fireQueue = append(w.fireQueue, r)
		w.cond.Signal()
	}
	return h
}

// checkMatches validates this rank's call against the first arrival of the
// same sequence number. Called with world.mu held.
func (b *backend) checkMatches(r *rendezvous, kind opKind, reduceOp comm.ReduceOp, splits []int, root comm.Rank, data []float32) {
	if r.kind != kind {
		exceptions.Panicf("mem: collective mismatch at sequence %d: rank %d issued %s, another rank issued %s",
			r.seq, b.rank, kind, r.kind)
	}
	if r.reduceOp != reduceOp {
		exceptions.Panicf("mem: %s mismatch at sequence %d: rank %d used op %s, another rank used %s",
			kind, r.seq, b.rank, reduceOp, r.reduceOp)
	}
	if r.root != root {
		exceptions.Panicf("mem: broadcast mismatch at sequence %d: rank %d used root %d, another rank used %d",
			r.seq, b.rank, root, r.root)
	}
	if len(r.splits) != len(splits) {
		exceptions.Panicf("mem: %s mismatch at sequence %d: differing splits", kind, r.seq)
	}
	for ii, s := range splits {
		if r.splits[ii] != s {
			exceptions.Panicf("mem: %s mismatch at sequence %d: differing splits", kind, r.seq)
		}
	}
	if kind == opAllReduce || kind == opBroadcast {
		for rank, other := range r.data {
			if r.completes[rank] != nil && len(other) != len(data) {
				exceptions.Panicf("mem: %s mismatch at sequence %d: rank %d has %d elements, rank %d has %d",
					kind, r.seq, b.rank, len(data), rank, len(other))
			}
		}
	}
}

// executeLoop runs fired rendezvous strictly in fire order on a single
// goroutine, which preserves per-rank issue-order completion.
func (w *World) executeLoop() {
	for {
		w.mu.Lock()
		for len(w.fireQueue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if len(w.fireQueue) == 0 && w.stopped {
			w.mu.Unlock()
			return
		}
		r := w.fireQueue[0]
		w.fireQueue = w.fireQueue[1:]
		fault := w.fault
		w.mu.Unlock()

		w.execute(r, fault)
	}
}

func (w *World) execute(r *rendezvous, fault FaultHook) {
	if fault != nil {
		if err := fault(r.kind.String(), r.seq); err != nil {
			for rank, complete := range r.completes {
				complete(&comm.Failure{Op: r.kind.String(), Rank: comm.Rank(rank), Cause: err})
			}
			return
		}
	}

	switch r.kind {
	case opAllReduce:
		reduced := w.reduce(r.data, r.reduceOp)
		for _, out := range r.out {
			copy(out, reduced)
		}
	case opReduceScatter:
		reduced := w.reduce(r.data, r.reduceOp)
		offset := 0
		for rank, n := range r.splits {
			copy(r.out[rank], reduced[offset:offset+n])
			offset += n
		}
	case opAllGather:
		gathered := make([]float32, sumSplits(r.splits))
		offset := 0
		for rank, n := range r.splits {
			copy(gathered[offset:offset+n], r.data[rank])
			offset += n
		}
		for _, out := range r.out {
			copy(out, gathered)
		}
	case opBroadcast:
		src := r.data[r.root]
		for rank, out := range r.out {
			if comm.Rank(rank) == r.root {
				continue
			}
			copy(out, src)
		}
	}

	for _, complete := range r.completes {
		complete(nil)
	}
}

// reduce combines the per-rank contributions in ascending rank order, so the
// result is deterministic for fixed inputs.
func (w *World) reduce(data [][]float32, op comm.ReduceOp) []float32 {
	reduced := make([]float32, len(data[0]))
	copy(reduced, data[0])
	for _, contribution := range data[1:] {
		switch op {
		case comm.ReduceSum:
			for ii, v := range contribution {
				reduced[ii] += v
			}
		case comm.ReduceMax:
			for ii, v := range contribution {
				if v > reduced[ii] {
					reduced[ii] = v
				}
			}
		}
	}
	return reduced
}

func sumSplits(splits []int) int {
	total := 0
	for _, n := range splits {
		total += n
	}
	return total
}
