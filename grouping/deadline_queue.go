package grouping

import (
	"container/heap"
	"time"

	"github.com/clarapipe/dicom-adapter/model"
)

// deadlineEntry is one key's next wakeup: whichever of its quiet-period
// timeout or max-age guard comes first (spec §4.E).
type deadlineEntry struct {
	key      model.BucketKey
	deadline time.Time
	index    int // heap.Interface bookkeeping
}

type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x interface{}) {
	e := x.(*deadlineEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// DeadlineQueue is a single sorted-deadline priority queue: one entry per
// key currently tracked, updated in place rather than re-created on every
// instance arrival (spec §9 "timer wheel ... update the key's deadline
// entry rather than creating new timers"). Not safe for concurrent use by
// multiple goroutines; the Engine's scheduler goroutine owns it exclusively.
type DeadlineQueue struct {
	h       deadlineHeap
	entries map[model.BucketKey]*deadlineEntry
}

// NewDeadlineQueue creates an empty queue.
func NewDeadlineQueue() *DeadlineQueue {
	return &DeadlineQueue{entries: make(map[model.BucketKey]*deadlineEntry)}
}

// Upsert sets key's deadline, inserting a new entry or reheapifying an
// existing one in O(log n).
func (q *DeadlineQueue) Upsert(key model.BucketKey, deadline time.Time) {
	if e, ok := q.entries[key]; ok {
		e.deadline = deadline
		heap.Fix(&q.h, e.index)
		return
	}
	e := &deadlineEntry{key: key, deadline: deadline}
	q.entries[key] = e
	heap.Push(&q.h, e)
}

// Remove drops key from the queue, if present.
func (q *DeadlineQueue) Remove(key model.BucketKey) {
	e, ok := q.entries[key]
	if !ok {
		return
	}
	heap.Remove(&q.h, e.index)
	delete(q.entries, key)
}

// Peek returns the earliest deadline without removing it.
func (q *DeadlineQueue) Peek() (model.BucketKey, time.Time, bool) {
	if len(q.h) == 0 {
		return model.BucketKey{}, time.Time{}, false
	}
	return q.h[0].key, q.h[0].deadline, true
}

// PopExpired removes and returns every entry whose deadline is at or before
// now, earliest first.
func (q *DeadlineQueue) PopExpired(now time.Time) []model.BucketKey {
	var expired []model.BucketKey
	for len(q.h) > 0 && !q.h[0].deadline.After(now) {
		e := heap.Pop(&q.h).(*deadlineEntry)
		delete(q.entries, e.key)
		expired = append(expired, e.key)
	}
	return expired
}

// Len reports the number of tracked keys.
func (q *DeadlineQueue) Len() int { return len(q.h) }
