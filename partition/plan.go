// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

package partition

import (
	"github.com/pkg/errors"

	"github.com/shardopt/shardopt/comm"
	"github.com/shardopt/shardopt/fabric"
)

// Stage of state partitioning, mirroring the usual ZeRO nomenclature.
type Stage int

const (
	// StageOptimizerStates partitions only the optimizer state (momentum,
	// variance, fp32 master weights); gradients and parameters stay
	// replicated.
	StageOptimizerStates Stage = 1

	// StageGradients additionally partitions gradients: each rank retains
	// only the reduced gradients of the shards it owns, via reduce-scatter.
	StageGradients Stage = 2

	// StageParameters additionally partitions the parameters themselves;
	// the full parameter is only materialized transiently via all-gather.
	StageParameters Stage = 3
)

// Valid reports whether s names a supported stage.
func (s Stage) Valid() bool {
	return s >= StageOptimizerStates && s <= StageParameters
}

// Range is a [Start, End) element range within one flattened parameter.
type Range struct {
	Start, End int
}

// Len of the range in elements.
func (r Range) Len() int { return r.End - r.Start }

// IsEmpty reports whether the range covers no elements. Empty ranges are
// legal: trailing ranks of a stage-3 split may own nothing of a small
// parameter.
func (r Range) IsEmpty() bool { return r.Len() <= 0 }

// Shard is the contiguous sub-range of one parameter owned by one rank.
// Only the owner ever mutates the shard's optimizer state; every other rank
// sees the underlying values exclusively through gathered copies.
type Shard struct {
	Param *fabric.Parameter
	Range Range
	Owner comm.Rank
}

// NumElements owned by the shard.
func (s Shard) NumElements() int { return s.Range.Len() }

// Plan maps every parameter to the rank(s) owning its optimizer-state
// shards. It is computed identically on every rank, with no communication.
type Plan struct {
	WorldSize int
	Stage     Stage

	// shards per parameter index, ordered by Range.Start. For stages 1-2
	// there is exactly one whole-parameter shard per parameter.
	shards map[int][]Shard

	// owned shards per rank, in parameter order.
	owned [][]Shard
}

// NewPlan assigns optimizer-state shards for the given stage.
//
// Stages 1-2 assign whole parameters: each parameter goes to the rank with
// the smallest cumulative byte count so far (ties to the lowest rank), which
// keeps per-rank totals within one parameter's size of each other.
//
// Stage 3 splits each parameter into contiguous chunks of
// ceil(numElements/worldSize) elements, rank r owning the r-th chunk;
// trailing ranks may own an empty range.
func NewPlan(params []*fabric.Parameter, worldSize int, stage Stage) (*Plan, error) {
	if worldSize <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", worldSize)
	}
	if !stage.Valid() {
		return nil, errors.Errorf("invalid partitioning stage %d, must be 1, 2 or 3", stage)
	}
	p := &Plan{
		WorldSize: worldSize,
		Stage:     stage,
		shards:    make(map[int][]Shard, len(params)),
		owned:     make([][]Shard, worldSize),
	}
	if stage == StageParameters {
		for _, param := range params {
			for _, shard := range SplitEven(param, worldSize) {
				p.add(shard)
			}
		}
		return p, nil
	}

	cumulative := make([]uintptr, worldSize)
	for _, param := range params {
		owner := comm.Rank(0)
		for rank := 1; rank < worldSize; rank++ {
			if cumulative[rank] < cumulative[owner] {
				owner = comm.Rank(rank)
			}
		}
		cumulative[owner] += param.Memory()
		p.add(Shard{
			Param: param,
			Range: Range{Start: 0, End: param.NumElements()},
			Owner: owner,
		})
	}
	return p, nil
}

func (p *Plan) add(shard Shard) {
	p.shards[shard.Param.Index] = append(p.shards[shard.Param.Index], shard)
	p.owned[shard.Owner] = append(p.owned[shard.Owner], shard)
}

// SplitEven splits one parameter into worldSize contiguous shards of
// ceil(n/worldSize) elements each. The trailing shard(s) take the remainder
// and may be empty.
func SplitEven(param *fabric.Parameter, worldSize int) []Shard {
	n := param.NumElements()
	chunk := (n + worldSize - 1) / worldSize
	shards := make([]Shard, worldSize)
	for rank := range shards {
		start := min(rank*chunk, n)
		end := min(start+chunk, n)
		shards[rank] = Shard{
			Param: param,
			Range: Range{Start: start, End: end},
			Owner: comm.Rank(rank),
		}
	}
	return shards
}

// ChunkSize of the stage-3 split of a parameter with n elements.
func ChunkSize(n, worldSize int) int {
	return (n + worldSize - 1) / worldSize
}

// ParamShards returns the shards covering the given parameter, ordered by
// range start.
func (p *Plan) ParamShards(paramIndex int) []Shard {
	return p.shards[paramIndex]
}

// Owner of the given parameter's single whole-parameter shard. Only
// meaningful for stages 1-2.
func (p *Plan) Owner(paramIndex int) comm.Rank {
	return p.shards[paramIndex][0].Owner
}

// OwnedBy returns the shards owned by the given rank, in parameter order.
func (p *Plan) OwnedBy(rank comm.Rank) []Shard {
	return p.owned[rank]
}

// OwnedBytes returns the total bytes owned by the given rank.
func (p *Plan) OwnedBytes(rank comm.Rank) uintptr {
	var total uintptr
	for _, shard := range p.owned[rank] {
		total += shard.Param.DType.Memory() * uintptr(shard.NumElements())
	}
	return total
}
