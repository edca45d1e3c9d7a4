// Package durable wraps the in-memory priority queue with a persistence
// layer so scheduled work survives process restarts.
//
// Every state transition is mirrored to the job store before it becomes
// visible in memory: Enqueue persists first and only then admits the job,
// so a persistence failure leaves nothing queued. At startup Recover
// cancels long-abandoned pending jobs, reclaims stale locks left by
// crashed workers and reloads due jobs in priority order. While running,
// a redeliver loop re-admits retrying jobs whose backoff has elapsed and
// a sweep loop keeps clearing stale locks.
package durable
