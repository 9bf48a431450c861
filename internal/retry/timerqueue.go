package retry

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned when scheduling on a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

// Scheduler delivers an event id back to the processor at or after a due time.
type Scheduler interface {
	Schedule(ctx context.Context, id string, at time.Time) error
	Stop(ctx context.Context) error
}

// Persistent is implemented by schedulers whose pending entries survive a
// process restart.
type Persistent interface {
	Persistent() bool
}

type timerItem struct {
	id    string
	at    time.Time
	index int
}

type timerHeap []*timerItem

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	item := x.(*timerItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TimerQueue is an in-process delay queue. A single goroutine sleeps until
// the earliest due id and hands it to dispatch. Scheduling an id that is
// already pending moves it to the new due time.
type TimerQueue struct {
	dispatch func(id string)

	mu      sync.Mutex
	items   timerHeap
	byID    map[string]*timerItem
	stopped bool

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewTimerQueue starts a queue that calls dispatch for every due id
func NewTimerQueue(dispatch func(id string)) *TimerQueue {
	q := &TimerQueue{
		dispatch: dispatch,
		byID:     make(map[string]*timerItem),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Schedule queues id for dispatch at the given time
func (q *TimerQueue) Schedule(_ context.Context, id string, at time.Time) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	if item, ok := q.byID[id]; ok {
		item.at = at
		heap.Fix(&q.items, item.index)
	} else {
		item := &timerItem{id: id, at: at}
		heap.Push(&q.items, item)
		q.byID[id] = item
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel removes a pending id. It reports whether the id was pending.
func (q *TimerQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.byID, id)
	return true
}

// Len returns the number of pending ids.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop discards pending ids and waits for the dispatch loop to exit.
// Nothing is dispatched once Stop returns.
func (q *TimerQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.items = nil
	q.byID = make(map[string]*timerItem)
	close(q.stopCh)
	q.mu.Unlock()

	select {
	case <-q.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *TimerQueue) run() {
	defer close(q.doneCh)
	for {
		due, wait, hasNext := q.popDue(time.Now())
		for _, id := range due {
			select {
			case <-q.stopCh:
				return
			default:
			}
			q.dispatch(id)
		}

		if !hasNext {
			select {
			case <-q.wake:
			case <-q.stopCh:
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.wake:
		case <-q.stopCh:
			timer.Stop()
			return
		}
		timer.Stop()
	}
}

// popDue removes every id due at now and reports how long until the next one.
func (q *TimerQueue) popDue(now time.Time) ([]string, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []string
	for len(q.items) > 0 && !q.items[0].at.After(now) {
		item := heap.Pop(&q.items).(*timerItem)
		delete(q.byID, item.id)
		due = append(due, item.id)
	}
	if len(q.items) == 0 {
		return due, 0, false
	}
	return due, q.items[0].at.Sub(now), true
}

var _ Scheduler = (*TimerQueue)(nil)
