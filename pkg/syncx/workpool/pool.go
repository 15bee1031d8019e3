// Package workpool provides a bounded pool of background tasks whose completion is observable.
// Submitting never blocks the caller: tasks wait for a free worker in their own goroutine.
package workpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by tasks submitted after the pool was closed.
var ErrClosed = errors.New("worker pool is closed")

// Task is a handle on one submitted unit of work.
type Task struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the name the task was submitted with.
func (t *Task) Name() string { return t.name }

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task has finished and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Pool runs submitted functions with at most limit running at a time.
type Pool struct {
	sem *semaphore.Weighted
	log *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Pool as a child of the given context.
func New(ctx context.Context, limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		sem:    semaphore.NewWeighted(int64(limit)),
		log:    logrus.WithField("component", "workpool"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules f and returns immediately. The context passed to f is canceled when the
// pool's parent context is.
func (p *Pool) Submit(name string, f func(ctx context.Context) error) *Task {
	return p.SubmitOrElse(name, f, nil)
}

// SubmitOrElse is Submit, except that if f never gets to run, because the pool is closed or
// stopped while the task waited for a worker, orElse is called with the reason before the task
// completes.
func (p *Pool) SubmitOrElse(
	name string, f func(ctx context.Context) error, orElse func(err error),
) *Task {
	t := &Task{name: name, done: make(chan struct{})}
	abandon := func(err error) {
		t.err = err
		if orElse != nil {
			orElse(err)
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		abandon(ErrClosed)
		close(t.done)
		return t
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer close(t.done)

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			abandon(errors.Wrapf(err, "waiting for a worker for %s", name))
			return
		}
		defer p.sem.Release(1)

		t.err = p.run(name, f)
	}()
	return t
}

func (p *Pool) run(name string, f func(ctx context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Errorf("task %s panicked: %v", name, rec)
			err = fmt.Errorf("%s: %v\n%s", name, rec, debug.Stack())
		}
	}()
	p.log.Tracef("running task %s", name)
	return f(p.ctx)
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close waits for every submitted task to finish, including the tasks they submit while the pool
// drains, then stops accepting tasks and cancels the pool context. Callers outside the pool must
// stop submitting before calling Close.
func (p *Pool) Close() {
	p.wg.Wait()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
}
