package controller

// ============================================================================
// 延遲佇列：等待退避時間的重試任務
//
// 一個最小堆 + 一個 timer goroutine。到期時呼叫 promote，
// 由 JobManager 把任務從 delayed 移回 ready，再喚醒 dispatch。
// Worker 本身從不 sleep 等待重試。
// ============================================================================

import (
	"container/heap"
	"sync"
	"time"

	"github.com/ChuLiYu/voicequeue/pkg/types"
)

type delayItem struct {
	id    types.JobID
	runAt time.Time
}

type delayHeap []delayItem

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].runAt.Before(h[j].runAt) }
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)        { *h = append(*h, x.(delayItem)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type delayQueue struct {
	mu    sync.Mutex
	items delayHeap
	now   func() time.Time
	kick  chan struct{} // 新的項目可能比目前 timer 更早到期
}

func newDelayQueue(now func() time.Time) *delayQueue {
	return &delayQueue{
		now:  now,
		kick: make(chan struct{}, 1),
	}
}

// Push parks id until runAt.
func (q *delayQueue) Push(id types.JobID, runAt time.Time) {
	q.mu.Lock()
	heap.Push(&q.items, delayItem{id: id, runAt: runAt})
	q.mu.Unlock()

	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *delayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// popDue removes and returns every item due at or before now.
func (q *delayQueue) popDue(now time.Time) []types.JobID {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []types.JobID
	for q.items.Len() > 0 && !q.items[0].runAt.After(now) {
		due = append(due, heap.Pop(&q.items).(delayItem).id)
	}
	return due
}

// nextWait reports how long until the earliest item is due.
func (q *delayQueue) nextWait(now time.Time) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return 0, false
	}
	return q.items[0].runAt.Sub(now), true
}

// run promotes due items until stopCh closes.
func (q *delayQueue) run(stopCh <-chan struct{}, promote func(types.JobID)) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		for _, id := range q.popDue(q.now()) {
			promote(id)
		}

		var fire <-chan time.Time
		if wait, ok := q.nextWait(q.now()); ok {
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
			fire = timer.C
		}

		select {
		case <-stopCh:
			return
		case <-q.kick:
		case <-fire:
		}
		timer.Stop()
	}
}
