package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueSerializesWork(t *testing.T) {
	q := New(8)
	q.Start()
	defer q.Close()

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = q.Post(func() {
				if running.Add(1) > 1 {
					overlap.Store(true)
				}
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				running.Add(-1)
			})
		}()
	}
	wg.Wait()

	if err := q.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if overlap.Load() {
		t.Error("two posted functions ran concurrently")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 50 {
		t.Errorf("ran %d functions, want 50", len(order))
	}
}

func TestQueueDoReturnsError(t *testing.T) {
	q := New(1)
	q.Start()
	defer q.Close()

	want := errors.New("boom")
	if err := q.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Errorf("Do error = %v, want %v", err, want)
	}
}

func TestQueueDoBeforeStart(t *testing.T) {
	q := New(1)
	defer q.Close()
	if err := q.Do(context.Background(), func() error { return nil }); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Do error = %v, want ErrNotStarted", err)
	}
}

func TestQueuePostAfterClose(t *testing.T) {
	q := New(1)
	q.Start()
	q.Close()
	if err := q.Post(func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Post error = %v, want ErrClosed", err)
	}
}

func TestDebouncerCoalesces(t *testing.T) {
	q := New(8)
	q.Start()
	defer q.Close()

	var calls atomic.Int32
	d := NewDebouncer(q, 30*time.Millisecond)
	defer d.Stop()

	for i := 0; i < 10; i++ {
		d.Trigger(func() { calls.Add(1) })
		time.Sleep(2 * time.Millisecond)
	}

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)

	if got := calls.Load(); got != 1 {
		t.Errorf("debounced calls = %d, want 1", got)
	}
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	q := New(8)
	q.Start()
	defer q.Close()

	var calls atomic.Int32
	d := NewDebouncer(q, 20*time.Millisecond)
	d.Trigger(func() { calls.Add(1) })
	d.Stop()

	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("stopped debouncer still fired")
	}
}
