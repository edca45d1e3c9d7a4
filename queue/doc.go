// Package queue provides the in-process scheduling structures: a priority
// ordered memory queue that feeds the worker pool, and a manager for
// per-queue rate limiting and concurrency caps.
//
// # Memory
//
// [Memory] holds runnable jobs ordered by (priority descending, admission
// sequence ascending). The sequence counter is the FIFO tie-break within a
// priority tier: priority alone is not unique, so each admitted job gets a
// monotonically increasing sequence number and ties dequeue in insertion
// order.
//
//	m := queue.NewMemory()
//	_ = m.Push(j)
//	next, err := m.Pop(ctx) // blocks until a job is available
//
// Pop blocks until a job is admitted, the context is cancelled, or the
// queue is closed. Remove supports cancellation of pending jobs without
// disturbing heap order (lazy removal).
//
// # Manager
//
// [Manager] enforces per-queue limits at dequeue time using a token-bucket
// rate limiter (golang.org/x/time/rate) and an active-count gate:
//
//	mgr := queue.NewManager(queue.Config{Name: "downloads", MaxConcurrency: 2})
//	if mgr.Acquire("downloads") {
//	    defer mgr.Release("downloads")
//	    // process the job
//	}
//
// Queues without a [Config] have no limits beyond the pool-wide
// concurrency.
package queue
