package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

type timerEntry struct {
	at    time.Time
	inst  *instance
	index int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timerQueue holds at most one pending fire time per instance.
type timerQueue struct {
	mu   sync.Mutex
	h    timerHeap
	wake chan struct{}
}

func newTimerQueue() *timerQueue {
	return &timerQueue{wake: make(chan struct{}, 1)}
}

func (q *timerQueue) schedule(in *instance, at time.Time) {
	q.mu.Lock()
	if in.canceled.Load() {
		q.mu.Unlock()
		return
	}
	if e := in.entry; e != nil {
		e.at = at
		heap.Fix(&q.h, e.index)
	} else {
		e := &timerEntry{at: at, inst: in}
		heap.Push(&q.h, e)
		in.entry = e
	}
	head := q.h[0].inst == in
	q.mu.Unlock()

	if head {
		q.poke()
	}
}

func (q *timerQueue) cancel(in *instance) {
	q.mu.Lock()
	if e := in.entry; e != nil {
		heap.Remove(&q.h, e.index)
		in.entry = nil
	}
	q.mu.Unlock()
}

func (q *timerQueue) clear() {
	q.mu.Lock()
	for _, e := range q.h {
		e.inst.entry = nil
	}
	q.h = nil
	q.mu.Unlock()
}

func (q *timerQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

func (q *timerQueue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// popDue removes every entry due at now. wait is the time until the next
// entry, or -1 when the queue is empty.
func (q *timerQueue) popDue(now time.Time) (due []*timerEntry, wait time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.h) > 0 && !q.h[0].at.After(now) {
		e := heap.Pop(&q.h).(*timerEntry)
		e.inst.entry = nil
		due = append(due, e)
	}
	if len(q.h) == 0 {
		return due, -1
	}
	return due, q.h[0].at.Sub(now)
}

// run fires due entries until ctx is done. fire is called without q.mu held.
func (q *timerQueue) run(ctx context.Context, fire func(in *instance, scheduled time.Time)) error {
	t := time.NewTimer(time.Hour)
	t.Stop()
	defer t.Stop()
	for {
		due, wait := q.popDue(time.Now())
		for _, e := range due {
			fire(e.inst, e.at)
		}

		var tc <-chan time.Time
		if wait >= 0 {
			t.Reset(wait)
			tc = t.C
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-tc:
		}
		t.Stop()
	}
}
