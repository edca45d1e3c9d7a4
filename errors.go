package backbeat

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("backbeat: no store configured")
	ErrStoreClosed = errors.New("backbeat: store closed")

	// Lifecycle errors.
	ErrNoRunners = errors.New("backbeat: no runners registered")

	// Not found errors.
	ErrJobNotFound = errors.New("backbeat: job not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("backbeat: job already exists")

	// State errors.
	ErrInvalidState       = errors.New("backbeat: invalid state transition")
	ErrNotCancellable     = errors.New("backbeat: job is not in a cancellable state")
	ErrMaxRetriesExceeded = errors.New("backbeat: max retries exceeded")

	// Queue errors.
	ErrQueueClosed = errors.New("backbeat: queue closed")

	// Write-behind errors.
	ErrCacheClosed = errors.New("backbeat: write-behind cache closed")
)
