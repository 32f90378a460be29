package writer

import (
	"context"
	"sync"

	"valuelog/internal/model"
)

// Queue is a bounded FIFO of samples waiting for persistence. At or above
// the high-water mark a push evicts the oldest pending sample of the same
// codename; when the queue is full and holds none, the globally oldest
// sample goes instead. Order within a codename is preserved either way.
type Queue struct {
	mu        sync.Mutex
	data      []model.Sample
	cap       int
	highWater int
	dropped   uint64
	notify    chan struct{}
}

func NewQueue(capacity, highWater int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if highWater <= 0 || highWater > capacity {
		highWater = capacity
	}
	return &Queue{
		data:      make([]model.Sample, 0, min(capacity, 1024)),
		cap:       capacity,
		highWater: highWater,
		notify:    make(chan struct{}, 1),
	}
}

// Push appends s and reports whether an older sample was evicted to make room.
func (q *Queue) Push(s model.Sample) bool {
	q.mu.Lock()
	evicted := false
	if len(q.data) >= q.highWater {
		idx := -1
		for i := range q.data {
			if q.data[i].Codename == s.Codename {
				idx = i
				break
			}
		}
		if idx < 0 && len(q.data) >= q.cap {
			idx = 0
		}
		if idx >= 0 {
			q.data = append(q.data[:idx], q.data[idx+1:]...)
			q.dropped++
			evicted = true
		}
	}
	q.data = append(q.data, s)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// PopBatch removes and returns up to max samples from the head.
func (q *Queue) PopBatch(max int) []model.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]model.Sample, max)
	copy(out, q.data[:max])
	q.data = append(q.data[:0], q.data[max:]...)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Wait blocks until the queue is non-empty or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		if q.Len() > 0 {
			return nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
