// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

// Package partition decides, without any communication, how parameters are
// grouped into communication buckets and how optimizer-state shards are
// assigned to owning ranks.
//
// Both decisions are pure functions of the parameter list and the
// configuration, so every rank derives identical bucket boundaries and shard
// owners on its own.
package partition

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/shardopt/shardopt/fabric"
)

// Bucket is an ordered group of parameters whose gradients travel in one
// collective call, amortizing the per-call overhead.
type Bucket struct {
	// Index of the bucket, in parameter order.
	Index int

	// Params in the bucket, a contiguous run of the parameter list.
	Params []*fabric.Parameter

	// NumElements over all params in the bucket.
	NumElements int

	// Bytes of the bucket at compute precision.
	Bytes uintptr
}

// String implements fmt.Stringer.
func (b *Bucket) String() string {
	return fmt.Sprintf("bucket #%d (%d params, %d elements)", b.Index, len(b.Params), b.NumElements)
}

// BucketPlan is the deterministic partition of the parameter list into
// buckets, plus the per-step readiness bookkeeping.
//
// Bucketing rules: parameters are taken in order and accumulated until the
// bucket size reaches the byte threshold, which closes the bucket. A
// parameter alone larger than the threshold closes the open bucket and
// becomes its own bucket. Parameters with zero elements are skipped entirely.
//
// A BucketPlan is not safe for concurrent use; the engine drives it from one
// compute goroutine per rank.
type BucketPlan struct {
	Buckets []*Bucket

	bucketOf map[int]*Bucket // parameter index -> bucket
	pending  []int           // per bucket, gradients not yet accumulated this step
	arrived  map[int]bool    // parameter index -> gradient arrived this step
}

// NewBucketPlan partitions params into buckets of roughly thresholdBytes.
func NewBucketPlan(params []*fabric.Parameter, thresholdBytes uintptr) (*BucketPlan, error) {
	if thresholdBytes == 0 {
		return nil, errors.New("bucket size must be positive")
	}
	bp := &BucketPlan{
		bucketOf: make(map[int]*Bucket),
		arrived:  make(map[int]bool),
	}
	var open *Bucket
	flush := func() {
		if open != nil {
			bp.Buckets = append(bp.Buckets, open)
			open = nil
		}
	}
	for _, p := range params {
		if p.NumElements() == 0 {
			continue
		}
		size := p.Memory()
		if size >= thresholdBytes {
			// Oversized parameters never share a bucket.
			flush()
			open = &Bucket{Index: len(bp.Buckets)}
			bp.addParam(open, p)
			flush()
			continue
		}
		if open == nil {
			open = &Bucket{Index: len(bp.Buckets)}
		}
		bp.addParam(open, p)
		if open.Bytes >= thresholdBytes {
			flush()
		}
	}
	flush()
	bp.pending = make([]int, len(bp.Buckets))
	bp.Reset()
	return bp, nil
}

func (bp *BucketPlan) addParam(b *Bucket, p *fabric.Parameter) {
	if _, found := bp.bucketOf[p.Index]; found {
		exceptions.Panicf("partition: parameter index %d appears twice in the parameter list", p.Index)
	}
	b.Params = append(b.Params, p)
	b.NumElements += p.NumElements()
	b.Bytes += p.Memory()
	bp.bucketOf[p.Index] = b
}

// NumBuckets in the plan.
func (bp *BucketPlan) NumBuckets() int { return len(bp.Buckets) }

// BucketOf returns the bucket holding the given parameter. Zero-element
// parameters belong to no bucket.
func (bp *BucketPlan) BucketOf(paramIndex int) (*Bucket, bool) {
	b, found := bp.bucketOf[paramIndex]
	return b, found
}

// MarkReady records that the gradient for the given parameter has been
// accumulated locally and, if that completed its bucket, returns the bucket
// that just became ready for reduction.
//
// Marking a parameter twice in one step, or marking an unknown parameter,
// is a programming error of the caller and panics.
func (bp *BucketPlan) MarkReady(paramIndex int) (*Bucket, bool) {
	b, found := bp.bucketOf[paramIndex]
	if !found {
		exceptions.Panicf("partition.MarkReady: no bucket holds parameter index %d", paramIndex)
	}
	if bp.arrived[paramIndex] {
		exceptions.Panicf("partition.MarkReady: gradient for parameter index %d submitted twice in one step", paramIndex)
	}
	bp.arrived[paramIndex] = true
	bp.pending[b.Index]--
	if bp.pending[b.Index] == 0 {
		return b, true
	}
	return nil, false
}

// NumReady returns how many gradients of the bucket arrived this step.
func (bp *BucketPlan) NumReady(b *Bucket) int {
	return len(b.Params) - bp.pending[b.Index]
}

// Reset the readiness bookkeeping for a new step.
func (bp *BucketPlan) Reset() {
	for _, b := range bp.Buckets {
		bp.pending[b.Index] = len(b.Params)
	}
	clear(bp.arrived)
}
