// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the parallelism of batches of independent
// jobs, like compiling many kernels at once.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool runs jobs with a soft limit on how many run at once.
//
// The zero Pool is not valid, use New.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning decreases.
	numRunning     int
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism returns the limit of jobs running at once.
// 0 means jobs run inline; negative means unlimited.
func (p *Pool) MaxParallelism() int { return p.maxParallelism }

// SetMaxParallelism changes the limit.
//
// Only change it while no jobs are running, otherwise the behavior is
// undefined.
func (p *Pool) SetMaxParallelism(n int) { p.maxParallelism = n }

// Each runs fn(i) for every i in [0, n), at most MaxParallelism at a time,
// and returns when the last call finishes. With parallelism 0 the calls run
// inline, in order.
func (p *Pool) Each(n int, fn func(i int)) {
	if p.maxParallelism == 0 {
		for i := range n {
			fn(i)
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		p.waitToStart(func() {
			defer wg.Done()
			fn(i)
		})
	}
	wg.Wait()
}

// waitToStart blocks until a worker slot frees up, then runs task on it.
func (p *Pool) waitToStart(task func()) {
	if p.maxParallelism < 0 {
		go task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning >= p.maxParallelism {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}
