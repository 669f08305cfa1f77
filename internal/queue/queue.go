// SPDX-License-Identifier: MIT
/*
Package queue provides the control thread: a single goroutine onto which every
device notification, topology inspection and routing transition is
marshalled, so that none of them ever run concurrently.
*/
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when posting to a queue that has been closed.
var ErrClosed = errors.New("queue closed")

// ErrNotStarted is returned by Do when the worker is not running.
var ErrNotStarted = errors.New("queue not started")

// Queue serializes functions onto a single worker goroutine.
type Queue struct {
	ch     chan func()
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New creates a queue with a fixed buffer.
func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{ch: make(chan func(), buffer), ctx: ctx, cancel: cancel}
}

// Start begins the worker goroutine. Safe to call multiple times.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.wg.Add(1)
	go q.loop()
}

func (q *Queue) loop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			// Drain outstanding work best-effort so synchronous callers are released.
			for {
				select {
				case fn := <-q.ch:
					fn()
				default:
					return
				}
			}
		case fn := <-q.ch:
			fn()
		}
	}
}

// Post enqueues fn for asynchronous execution on the control thread.
// It is safe to call from any goroutine.
func (q *Queue) Post(fn func()) error {
	if q == nil || q.ch == nil {
		return errors.New("queue not initialized")
	}
	if fn == nil {
		return nil
	}
	select {
	case <-q.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case q.ch <- fn:
		return nil
	case <-q.ctx.Done():
		return ErrClosed
	}
}

// Do runs fn on the control thread and waits for it to return. Do must not
// be called from the control thread itself.
func (q *Queue) Do(ctx context.Context, fn func() error) error {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	done := make(chan error, 1)
	if err := q.Post(func() { done <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker and waits for it to finish.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.cancel()
	q.wg.Wait()
}

// Debouncer coalesces bursts of triggers into a single posted call that runs
// once the burst has been quiet for the configured window.
type Debouncer struct {
	q      *Queue
	window time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending func()
	stopped bool
}

// NewDebouncer creates a debouncer posting to q. A zero window posts immediately.
func NewDebouncer(q *Queue, window time.Duration) *Debouncer {
	return &Debouncer{q: q, window: window}
}

// Trigger schedules fn. Every trigger inside the window restarts it and the
// most recent fn wins.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.gen++
	d.pending = fn
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.window <= 0 {
		gen := d.gen
		d.mu.Unlock()
		d.fire(gen)
		return
	}
	gen := d.gen
	d.timer = time.AfterFunc(d.window, func() { d.fire(gen) })
	d.mu.Unlock()
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	// A newer trigger superseded this timer.
	if d.stopped || gen != d.gen || d.pending == nil {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	d.timer = nil
	d.mu.Unlock()

	_ = d.q.Post(fn)
}

// Stop cancels any pending call.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
