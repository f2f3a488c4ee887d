// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cost

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Pool bounds the number of goroutines used to assemble normal equations.
// A nil Pool runs every task on the calling goroutine.
type Pool struct {
	Workers int
}

// NewPool creates a pool with the given worker limit, or GOMAXPROCS when workers <= 0.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{Workers: workers}
}

// Run executes task(i) for i in [0, n) and waits for all of them.
func (p *Pool) Run(n int, task func(i int)) {
	if p == nil || p.Workers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			task(i)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(p.Workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			task(i)
			return nil
		})
	}
	_ = g.Wait()
}
