package queue

import (
	"sync"
	"testing"
	"time"
)

type liveness struct {
	lastSeen time.Time
	revive   bool
}

func mergeLiveness(a, b liveness) liveness {
	merged := a
	if b.lastSeen.After(merged.lastSeen) {
		merged.lastSeen = b.lastSeen
	}
	merged.revive = merged.revive || b.revive
	return merged
}

// recorder collects flushed jobs safely across goroutines
type recorder struct {
	mu     sync.Mutex
	flushs []liveness
	keys   []string
}

func (r *recorder) flush(key string, job liveness) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	r.flushs = append(r.flushs, job)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushs)
}

func TestEnqueueMergesPerKey(t *testing.T) {
	rec := &recorder{}
	q := NewCollapsingQueue(time.Hour, mergeLiveness, rec.flush)
	defer q.Close()

	t10 := time.Unix(10, 0)
	t5 := time.Unix(5, 0)

	q.Enqueue("a.example", liveness{lastSeen: t10, revive: false})
	q.Enqueue("a.example", liveness{lastSeen: t5, revive: true})
	q.Enqueue("b.example", liveness{lastSeen: t5})

	if q.Len() != 2 {
		t.Errorf("Expected 2 pending keys, got %d", q.Len())
	}
	if rec.count() != 0 {
		t.Errorf("Nothing should flush before the interval, got %d", rec.count())
	}
}

func TestMergeIsOrderIndependent(t *testing.T) {
	t10 := time.Unix(10, 0)
	t5 := time.Unix(5, 0)

	newer := liveness{lastSeen: t10, revive: false}
	older := liveness{lastSeen: t5, revive: true}

	ab := mergeLiveness(newer, older)
	ba := mergeLiveness(older, newer)

	for _, merged := range []liveness{ab, ba} {
		if !merged.lastSeen.Equal(t10) {
			t.Errorf("Merged timestamp should be the max, got %v", merged.lastSeen)
		}
		if !merged.revive {
			t.Error("Merged revive flag should be the OR of both")
		}
	}
}

func TestZeroIntervalFlushesSynchronously(t *testing.T) {
	rec := &recorder{}
	q := NewCollapsingQueue(0, mergeLiveness, rec.flush)
	defer q.Close()

	q.Enqueue("a.example", liveness{lastSeen: time.Now()})

	if rec.count() != 1 {
		t.Fatalf("Expected synchronous flush with zero interval, got %d", rec.count())
	}
	if q.Len() != 0 {
		t.Errorf("Pending map should be empty after flush, got %d", q.Len())
	}
}

func TestCloseFlushesPending(t *testing.T) {
	rec := &recorder{}
	q := NewCollapsingQueue(time.Hour, mergeLiveness, rec.flush)

	t10 := time.Unix(10, 0)
	q.Enqueue("a.example", liveness{lastSeen: time.Unix(5, 0)})
	q.Enqueue("a.example", liveness{lastSeen: t10, revive: true})

	q.Close()

	if rec.count() != 1 {
		t.Fatalf("Expected 1 merged flush on close, got %d", rec.count())
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.keys[0] != "a.example" {
		t.Errorf("Unexpected key %s", rec.keys[0])
	}
	if !rec.flushs[0].lastSeen.Equal(t10) || !rec.flushs[0].revive {
		t.Errorf("Merged job wrong: %+v", rec.flushs[0])
	}
}

func TestEnqueueAfterCloseIsDropped(t *testing.T) {
	rec := &recorder{}
	q := NewCollapsingQueue(time.Hour, mergeLiveness, rec.flush)
	q.Close()

	q.Enqueue("a.example", liveness{lastSeen: time.Now()})
	if q.Len() != 0 {
		t.Error("Enqueue after close should be a no-op")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	rec := &recorder{}
	q := NewCollapsingQueue(time.Hour, mergeLiveness, rec.flush)
	q.Close()
	q.Close()
}

func TestIntervalFlush(t *testing.T) {
	rec := &recorder{}
	q := NewCollapsingQueue(10*time.Millisecond, mergeLiveness, rec.flush)
	defer q.Close()

	q.Enqueue("a.example", liveness{lastSeen: time.Now()})

	deadline := time.After(2 * time.Second)
	for rec.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for the interval flush")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
