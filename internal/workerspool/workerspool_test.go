// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEachRunsAll(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(3)
	var count atomic.Int32
	pool.Each(100, func(int) { count.Add(1) })
	require.Equal(t, int32(100), count.Load())
}

func TestEachBoundsParallelism(t *testing.T) {
	pool := New()
	limit := 4
	pool.SetMaxParallelism(limit)
	var running, peak atomic.Int32
	pool.Each(64, func(int) {
		cur := running.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		runtime.Gosched()
		running.Add(-1)
	})
	require.LessOrEqual(t, peak.Load(), int32(limit))
	require.Positive(t, peak.Load())
}

func TestEachInlineKeepsOrder(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(0)
	var order []int
	pool.Each(5, func(i int) { order = append(order, i) })
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestEachUnlimited(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(-1)
	var count atomic.Int32
	pool.Each(32, func(int) { count.Add(1) })
	require.Equal(t, int32(32), count.Load())
}
