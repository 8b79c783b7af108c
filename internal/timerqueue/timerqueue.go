// Package timerqueue implements the single-worker deferred-callback
// executor described in spec.md §4.2. It replaces the original C SDK's
// per-timer OS thread model (src/source/.../timer_queue) with a single
// goroutine driving a min-heap of deadlines, per the redesign note in
// spec.md §9: "a single timer worker with a min-heap of deadlines."
package timerqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pion/logging"
)

// ID identifies a scheduled timer. Zero is never issued.
type ID uint64

// Handler is invoked on the worker goroutine when a timer fires. cookie is
// the opaque value supplied to Add. Handlers may call Add/Cancel/Update on
// the same Queue without deadlocking — the worker releases the queue's
// mutex while a handler runs, so those calls take it as usual.
type Handler func(id ID, cookie interface{})

type entry struct {
	id       ID
	deadline time.Time
	period   time.Duration // 0 => one-shot
	seq      uint64        // enqueue order, breaks deadline ties
	handler  Handler
	cookie   interface{}
	canceled bool
	index    int // heap index, maintained by container/heap
}

type timerHeap []*entry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is the worker plus its heap of pending entries. Zero value is not
// usable; construct with New.
type Queue struct {
	log logging.LeveledLogger

	mu      sync.Mutex
	heap    timerHeap
	byID    map[ID]*entry
	nextID  ID
	nextSeq uint64

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts the worker goroutine immediately.
func New(factory logging.LoggerFactory) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		log:    factory.NewLogger("timerqueue"),
		byID:   map[ID]*entry{},
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	q.wg.Add(1)
	go q.run(ctx)
	return q
}

// Add schedules handler to run after delay, and (if period > 0) every
// period thereafter. Returns the id used to Cancel or Update it.
func (q *Queue) Add(delay, period time.Duration, handler Handler, cookie interface{}) ID {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.nextSeq++
	e := &entry{
		id:       id,
		deadline: time.Now().Add(delay),
		period:   period,
		seq:      q.nextSeq,
		handler:  handler,
		cookie:   cookie,
	}
	q.byID[id] = e
	heap.Push(&q.heap, e)
	q.mu.Unlock()

	q.poke()
	return id
}

// Cancel removes a pending timer. If the timer is currently executing, the
// in-flight call completes but is not re-scheduled (tombstone semantics per
// spec.md §4.2); Cancel on an unknown or already-canceled id is a no-op.
func (q *Queue) Cancel(id ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return
	}
	e.canceled = true
	delete(q.byID, id)
	if e.index >= 0 {
		heap.Remove(&q.heap, e.index)
	}
}

// Update changes the period of a still-pending recurring timer; the next
// firing keeps its already-computed deadline, subsequent firings use the
// new period.
func (q *Queue) Update(id ID, newPeriod time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.byID[id]; ok {
		e.period = newPeriod
	}
}

// Shutdown is idempotent, stops the worker and joins it within grace. After
// return no handler will fire again.
func (q *Queue) Shutdown(grace time.Duration) {
	q.cancel()
	select {
	case <-q.done:
	case <-time.After(grace):
		q.log.Warn("timerqueue: shutdown grace period elapsed before worker joined")
	}
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	defer close(q.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		var fireDelay time.Duration
		if len(q.heap) == 0 {
			fireDelay = time.Hour
		} else {
			fireDelay = time.Until(q.heap[0].deadline)
			if fireDelay < 0 {
				fireDelay = 0
			}
		}
		q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(fireDelay)

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			continue
		case <-timer.C:
			q.fireDue()
		}
	}
}

func (q *Queue) fireDue() {
	now := time.Now()
	for {
		q.mu.Lock()
		if len(q.heap) == 0 || q.heap[0].deadline.After(now) {
			q.mu.Unlock()
			return
		}
		e := heap.Pop(&q.heap).(*entry)
		delete(q.byID, e.id)
		if e.canceled {
			q.mu.Unlock()
			continue
		}
		if e.period > 0 {
			q.nextSeq++
			next := &entry{
				id:       e.id,
				deadline: e.deadline.Add(e.period),
				period:   e.period,
				seq:      q.nextSeq,
				handler:  e.handler,
				cookie:   e.cookie,
			}
			q.byID[e.id] = next
			heap.Push(&q.heap, next)
		}
		q.mu.Unlock()

		e.handler(e.id, e.cookie)
	}
}
