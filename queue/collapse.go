// Package queue provides a coalescing write queue: many pending updates
// for the same key collapse into one before a timed flush.
package queue

import (
	"sync"
	"time"
)

// CollapsingQueue merges multiple enqueued jobs per key with a
// caller-supplied combine function, then flushes one merged job per key
// on a fixed interval. The merge function must be commutative so job
// arrival order never affects the flushed result.
type CollapsingQueue[K comparable, J any] struct {
	mu      sync.Mutex
	pending map[K]J

	merge    func(J, J) J
	flush    func(K, J)
	interval time.Duration

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewCollapsingQueue creates a queue flushing every interval. An interval
// of zero flushes synchronously on every Enqueue (test mode).
func NewCollapsingQueue[K comparable, J any](interval time.Duration, merge func(J, J) J, flush func(K, J)) *CollapsingQueue[K, J] {
	q := &CollapsingQueue[K, J]{
		pending:  make(map[K]J),
		merge:    merge,
		flush:    flush,
		interval: interval,
		done:     make(chan struct{}),
	}

	if interval > 0 {
		q.wg.Add(1)
		go q.flushLoop()
	}

	return q
}

// Enqueue merges job into the pending entry for key
func (q *CollapsingQueue[K, J]) Enqueue(key K, job J) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	if existing, ok := q.pending[key]; ok {
		q.pending[key] = q.merge(existing, job)
	} else {
		q.pending[key] = job
	}

	if q.interval == 0 {
		q.flushLocked()
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
}

// Len returns the number of keys with a pending merged job
func (q *CollapsingQueue[K, J]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the flush loop and synchronously flushes everything still
// pending. No job is dropped on shutdown.
func (q *CollapsingQueue[K, J]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()

	q.mu.Lock()
	q.flushLocked()
	q.mu.Unlock()
}

func (q *CollapsingQueue[K, J]) flushLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.mu.Lock()
			q.flushLocked()
			q.mu.Unlock()
		case <-q.done:
			return
		}
	}
}

// flushLocked runs the flush callback for every pending key. The caller
// holds the mutex; the callback must not re-enter the queue.
func (q *CollapsingQueue[K, J]) flushLocked() {
	for key, job := range q.pending {
		q.flush(key, job)
		delete(q.pending, key)
	}
}
