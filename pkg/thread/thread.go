// Package thread provides execution contexts: each thread runs on its own
// goroutine, and the number of live threads is bounded by the machine.
package thread

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"kernos/pkg/arch"
	"kernos/pkg/logging"
	"kernos/pkg/metrics"
)

// Thread is a single execution context.
type Thread struct {
	// ID is unique among all threads ever started by a pool.
	ID int64
	// Name is a label for logs.
	Name string

	done chan struct{}
}

// Done is closed once the thread has finished.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Pool starts threads up to a fixed limit.
type Pool struct {
	slots   *semaphore.Weighted
	max     int64
	nextID  atomic.Int64
	running atomic.Int64
	wg      sync.WaitGroup
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewPool creates a pool allowing at most max concurrent threads.
func NewPool(max int, log *logging.Logger, m *metrics.Metrics) *Pool {
	if log == nil {
		log = logging.NewNop()
	}
	return &Pool{
		slots:   semaphore.NewWeighted(int64(max)),
		max:     int64(max),
		log:     log.Named("thread"),
		metrics: m,
	}
}

// Fork starts entry on a new thread. It fails with ENOMEM when every slot
// is taken; entry is not run in that case.
func (p *Pool) Fork(name string, entry func(t *Thread)) (*Thread, error) {
	if !p.slots.TryAcquire(1) {
		return nil, errors.Wrapf(arch.ENOMEM, "thread_fork %s: %d threads running", name, p.max)
	}

	t := &Thread{
		ID:   p.nextID.Add(1),
		Name: name,
		done: make(chan struct{}),
	}

	p.running.Add(1)
	p.metrics.AddThreads(1)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer close(t.done)
		defer p.slots.Release(1)
		defer p.metrics.AddThreads(-1)
		defer p.running.Add(-1)

		p.log.Debug("thread start", zap.Int64("tid", t.ID), zap.String("name", name))
		entry(t)
	}()

	return t, nil
}

// Running returns the number of live threads.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Wait blocks until every thread started so far has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Exit terminates the calling thread. It must be called on a thread started
// by Fork and never returns.
func Exit() {
	runtime.Goexit()
	panic("thread: Goexit returned")
}
