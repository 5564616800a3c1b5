// Copyright 2024-2026 The ShardOpt Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the bounded pool of goroutines used to apply
// optimizer updates to the locally owned shards in parallel.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers with a soft limit on parallelism.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// New returns a Pool that runs at most maxParallelism tasks concurrently.
// If maxParallelism is 0 the default (runtime.NumCPU()) is used.
// If maxParallelism is negative, tasks run inline in the calling goroutine.
func New(maxParallelism int) *Pool {
	if maxParallelism == 0 {
		maxParallelism = runtime.NumCPU()
	}
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism the pool was created with.
func (w *Pool) MaxParallelism() int { return w.maxParallelism }

// WaitToStart waits until there is a worker available and then starts task on
// it, returning immediately after (it does not wait for the task to finish).
//
// If the pool runs inline (negative parallelism), it runs the task in the
// calling goroutine and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism < 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Run executes fn(i) for every i in [0, n), using the pool's workers, and
// waits for all of them to finish.
func (w *Pool) Run(n int, fn func(i int)) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		w.WaitToStart(func() {
			defer wg.Done()
			fn(i)
		})
	}
	wg.Wait()
}
