package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/bozzfozz/backbeat"
	"github.com/bozzfozz/backbeat/id"
	"github.com/bozzfozz/backbeat/job"
)

// entry wraps a job with its admission sequence number. removed entries
// stay in the heap until popped (lazy removal) so Remove never reorders.
type entry struct {
	job     *job.Job
	seq     uint64
	removed bool
}

// entryHeap orders entries by priority descending, then sequence ascending.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, k int) bool {
	if h[i].job.Priority != h[k].job.Priority {
		return h[i].job.Priority > h[k].job.Priority
	}
	return h[i].seq < h[k].seq
}

func (h entryHeap) Swap(i, k int) { h[i], h[k] = h[k], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Memory is the in-process priority queue feeding the worker pool.
// Safe for concurrent use by many producers and consumers.
type Memory struct {
	mu     sync.Mutex
	heap   entryHeap
	index  map[string]*entry
	seq    uint64
	closed bool

	// wake is closed and replaced on every admission — a broadcast to
	// all blocked Pop calls.
	wake chan struct{}
}

// NewMemory creates an empty memory queue.
func NewMemory() *Memory {
	return &Memory{
		index: make(map[string]*entry),
		wake:  make(chan struct{}),
	}
}

// Push admits a job. Duplicate admissions of the same job ID are ignored
// so the redeliver loop cannot double-queue a retry.
func (m *Memory) Push(j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return backbeat.ErrQueueClosed
	}
	key := j.ID.String()
	if _, ok := m.index[key]; ok {
		return nil
	}

	m.seq++
	e := &entry{job: j, seq: m.seq}
	m.index[key] = e
	heap.Push(&m.heap, e)

	m.broadcastLocked()
	return nil
}

// Pop removes and returns the highest-priority, oldest job. It blocks
// until a job is available, ctx is cancelled, or the queue is closed.
func (m *Memory) Pop(ctx context.Context) (*job.Job, error) {
	for {
		m.mu.Lock()
		for m.heap.Len() > 0 {
			e := heap.Pop(&m.heap).(*entry)
			if e.removed {
				continue
			}
			delete(m.index, e.job.ID.String())
			m.mu.Unlock()
			return e.job, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, backbeat.ErrQueueClosed
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Remove takes a job out of the queue before it is popped. Returns true
// if the job was queued.
func (m *Memory) Remove(jobID id.JobID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.index[jobID.String()]
	if !ok {
		return false
	}
	e.removed = true
	delete(m.index, jobID.String())
	return true
}

// Contains reports whether the job is currently queued.
func (m *Memory) Contains(jobID id.JobID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[jobID.String()]
	return ok
}

// Len returns the number of queued jobs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

// Close wakes all blocked Pop calls and rejects further admissions.
// Already-queued jobs remain poppable until the heap drains.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.broadcastLocked()
}

func (m *Memory) broadcastLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}
