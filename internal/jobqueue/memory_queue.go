package jobqueue

import (
	"context"
	"sync"
	"time"
)

const defaultQueueCapacity = 1024

type inMemoryQueue struct {
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []Job
}

func NewInMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &inMemoryQueue{
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Job{},
	}
}

func (q *inMemoryQueue) TryEnqueue(job Job) bool {
	if q == nil || !job.valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, job)
	return true
}

func (q *inMemoryQueue) Enqueue(ctx context.Context, job Job) bool {
	for {
		if q.TryEnqueue(job) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *inMemoryQueue) Dequeue(ctx context.Context) (Job, bool) {
	for {
		now := time.Now().UTC()
		q.mu.Lock()
		for i, job := range q.items {
			if !job.ready(now) {
				continue
			}
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.mu.Unlock()
			return job, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Job{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *inMemoryQueue) Depth() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inMemoryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *inMemoryQueue) Close() error {
	return nil
}
