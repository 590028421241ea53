// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"runtime"
	"sync"
)

// fanOutPool is a bounded goroutine pool for delivering one publication
// to many connections at once. The pool owns its goroutines and stops
// them cleanly via Close().
type fanOutPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

func newFanOutPool(workers int) *fanOutPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &fanOutPool{
		tasks: make(chan func(), workers),
	}
	p.wg.Add(workers)
	for range workers {
		go p.run()
	}
	return p
}

func (p *fanOutPool) run() {
	defer p.wg.Done()
	for fn := range p.tasks {
		fn()
	}
}

// Submit enqueues a task. It blocks only when all workers are busy and
// the buffer is full.
func (p *fanOutPool) Submit(fn func()) {
	p.tasks <- fn
}

// Run executes fns on the pool and returns once all of them finished.
func (p *fanOutPool) Run(fns []func()) {
	var wg sync.WaitGroup
	wg.Add(len(fns))
	for _, fn := range fns {
		p.Submit(func() {
			defer wg.Done()
			fn()
		})
	}
	wg.Wait()
}

// Close drains queued tasks and waits for all workers to finish.
func (p *fanOutPool) Close() {
	close(p.tasks)
	p.wg.Wait()
}
