// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

package comm

import (
	"time"

	"github.com/pkg/errors"

	"github.com/shardopt/shardopt/types/xsync"
)

// Handle is the completion signal of one asynchronous collective operation.
//
// A Handle completes exactly once, either successfully or with an error, and
// never changes state after that.
type Handle struct {
	op    string
	rank  Rank
	latch *xsync.LatchWithValue[error]
}

// NewHandle creates an incomplete handle and the function that backend
// implementations call exactly once to complete it. Completing with a nil
// error marks success. Extra completions are ignored.
func NewHandle(op string, rank Rank) (h *Handle, complete func(error)) {
	h = &Handle{
		op:    op,
		rank:  rank,
		latch: xsync.NewLatchWithValue[error](),
	}
	return h, h.latch.Trigger
}

// Op names the collective this handle belongs to.
func (h *Handle) Op() string { return h.op }

// Done returns a channel closed when the operation completes.
func (h *Handle) Done() <-chan struct{} { return h.latch.WaitChan() }

// Test reports whether the operation has completed, without blocking.
func (h *Handle) Test() bool { return h.latch.Test() }

// Err returns the operation error. It must only be called after the handle
// completed; it returns nil for an operation still in flight.
func (h *Handle) Err() error {
	if !h.latch.Test() {
		return nil
	}
	return h.latch.Wait()
}

// Await blocks until the operation completes or the timeout expires.
// A timeout <= 0 waits forever. On timeout it returns a *Failure: the
// operation is considered lost, and with it the whole training step.
func (h *Handle) Await(timeout time.Duration) error {
	err, ok := h.latch.WaitTimeout(timeout)
	if !ok {
		return &Failure{
			Op:    h.op,
			Rank:  h.rank,
			Cause: errors.Errorf("no completion within %s", timeout),
		}
	}
	return err
}

// AwaitAll awaits every handle and returns the first error found.
// Even after an error, it keeps awaiting the remaining handles so no
// collective is left in flight when it returns.
func AwaitAll(timeout time.Duration, handles ...*Handle) error {
	var firstErr error
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := h.Await(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
