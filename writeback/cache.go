package writeback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bozzfozz/backbeat"
	"github.com/bozzfozz/backbeat/ext"
)

// intent is one pending mutation for a single key. data is nil for
// deletes.
type intent struct {
	kind Kind
	data map[string]any
}

// tableBuffer holds the pending intents for one table. The key column
// is fixed by the first buffering call for the table.
type tableBuffer struct {
	keyCol  string
	intents map[any]*intent
}

// Cache buffers row mutations in memory and flushes them to a Flusher
// in periodic bulk batches.
type Cache struct {
	flusher    Flusher
	logger     *slog.Logger
	extensions *ext.Registry

	interval   time.Duration
	maxPending int
	tableOrder []string

	mu      sync.Mutex
	tables  map[string]*tableBuffer
	pending int
	closed  bool

	// flushMu serializes flush cycles so the timer loop, backpressure
	// flushes and ForceFlush never interleave snapshots.
	flushMu sync.Mutex

	stopCh  chan struct{}
	wg      sync.WaitGroup
	runMu   sync.Mutex
	running bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithFlushInterval sets how often the background loop drains the
// buffer.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Cache) { c.interval = d }
}

// WithMaxPending sets the backpressure ceiling. When the total number
// of buffered intents reaches this value, the buffering call performs a
// synchronous flush before returning.
func WithMaxPending(n int) Option {
	return func(c *Cache) { c.maxPending = n }
}

// WithTableOrder sets the table flush priority. Tables listed here are
// flushed first, in order, so referenced tables can land before tables
// referencing them. Unlisted tables follow in lexical order.
func WithTableOrder(tables ...string) Option {
	return func(c *Cache) { c.tableOrder = tables }
}

// WithExtensions sets the extension registry notified after each flush
// cycle.
func WithExtensions(r *ext.Registry) Option {
	return func(c *Cache) { c.extensions = r }
}

// New creates a write-behind cache draining into flusher.
func New(flusher Flusher, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		flusher:    flusher,
		logger:     logger,
		interval:   3 * time.Second,
		maxPending: 1000,
		tables:     make(map[string]*tableBuffer),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BufferUpsert records an insert-or-replace intent for the key. Any
// previously buffered intent for the same key is replaced.
func (c *Cache) BufferUpsert(ctx context.Context, table, keyCol string, key any, data map[string]any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return backbeat.ErrCacheClosed
	}
	tb := c.table(table, keyCol)
	row := maps.Clone(data)
	if row == nil {
		row = make(map[string]any, 1)
	}
	row[tb.keyCol] = key
	if _, ok := tb.intents[key]; !ok {
		c.pending++
	}
	tb.intents[key] = &intent{kind: KindUpsert, data: row}
	over := c.pending >= c.maxPending
	c.mu.Unlock()

	if over {
		c.backpressureFlush(ctx)
	}
	return nil
}

// BufferUpdate records a partial-update intent. If an upsert is already
// buffered for the key the fields merge into it; if a delete is
// buffered the update is dropped, since there is no row left to update.
func (c *Cache) BufferUpdate(ctx context.Context, table, keyCol string, key any, data map[string]any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return backbeat.ErrCacheClosed
	}
	tb := c.table(table, keyCol)
	existing, ok := tb.intents[key]
	switch {
	case !ok:
		c.pending++
		tb.intents[key] = &intent{kind: KindUpdate, data: maps.Clone(data)}
	case existing.kind == KindDelete:
		// Delete dominates.
	default:
		maps.Copy(existing.data, data)
	}
	over := c.pending >= c.maxPending
	c.mu.Unlock()

	if over {
		c.backpressureFlush(ctx)
	}
	return nil
}

// BufferDelete records a delete intent for the key, discarding any
// other buffered intent for it.
func (c *Cache) BufferDelete(ctx context.Context, table, keyCol string, key any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return backbeat.ErrCacheClosed
	}
	tb := c.table(table, keyCol)
	if _, ok := tb.intents[key]; !ok {
		c.pending++
	}
	tb.intents[key] = &intent{kind: KindDelete}
	over := c.pending >= c.maxPending
	c.mu.Unlock()

	if over {
		c.backpressureFlush(ctx)
	}
	return nil
}

// BufferedValue returns the not-yet-flushed data for a key, or false if
// nothing is buffered or a delete is pending. Callers needing
// read-after-write consistency check this before reading the store.
func (c *Cache) BufferedValue(table string, key any) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tb, ok := c.tables[table]
	if !ok {
		return nil, false
	}
	in, ok := tb.intents[key]
	if !ok || in.kind == KindDelete {
		return nil, false
	}
	return maps.Clone(in.data), true
}

// Depth returns the number of pending intents per table.
func (c *Cache) Depth() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	depth := make(map[string]int, len(c.tables))
	for name, tb := range c.tables {
		if len(tb.intents) > 0 {
			depth[name] = len(tb.intents)
		}
	}
	return depth
}

// Pending returns the total number of buffered intents.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// ForceFlush synchronously drains the whole buffer. Tables that fail
// keep their intents buffered for the next cycle; the returned error
// reports those failures.
func (c *Cache) ForceFlush(ctx context.Context) error {
	return c.flush(ctx)
}

// Start launches the background flush loop.
func (c *Cache) Start(_ context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return nil
	}
	c.running = true

	c.wg.Add(1)
	go c.flushLoop()
	return nil
}

// Stop halts the flush loop, performs a final synchronous flush and
// closes the cache. Buffering calls after Stop fail with ErrCacheClosed.
func (c *Cache) Stop(ctx context.Context) error {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		return nil
	}
	c.running = false
	c.runMu.Unlock()

	close(c.stopCh)
	c.wg.Wait()

	err := c.flush(ctx)

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return err
}

// table returns the buffer for a table, creating it on first use. The
// caller must hold c.mu.
func (c *Cache) table(name, keyCol string) *tableBuffer {
	tb, ok := c.tables[name]
	if !ok {
		tb = &tableBuffer{keyCol: keyCol, intents: make(map[any]*intent)}
		c.tables[name] = tb
	}
	return tb
}

func (c *Cache) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.flush(context.Background()); err != nil {
				c.logger.Error("write-behind flush cycle failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// backpressureFlush drains the buffer on behalf of a producer that hit
// the ceiling. Failures are logged, never surfaced to the producer.
func (c *Cache) backpressureFlush(ctx context.Context) {
	if err := c.flush(ctx); err != nil {
		c.logger.Warn("backpressure flush failed",
			slog.String("error", err.Error()),
		)
	}
}

// flush snapshots and clears the buffer under the lock, then writes the
// snapshot table by table in priority order. A failed table's intents
// are merged back for the next cycle unless a newer intent for the same
// key arrived in the meantime.
func (c *Cache) flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if c.pending == 0 {
		c.mu.Unlock()
		return nil
	}
	snapshot := c.tables
	c.tables = make(map[string]*tableBuffer, len(snapshot))
	c.pending = 0
	c.mu.Unlock()

	start := time.Now()
	var (
		flushed int
		failed  int
		errs    []error
	)

	for _, name := range c.flushOrder(snapshot) {
		tb := snapshot[name]
		if len(tb.intents) == 0 {
			continue
		}
		batch := buildBatch(name, tb)

		if err := c.flusher.FlushTable(ctx, batch); err != nil {
			failed += batch.Len()
			errs = append(errs, fmt.Errorf("backbeat/writeback: flush table %s: %w", name, err))
			c.logger.Error("table flush failed, intents kept for retry",
				slog.String("table", name),
				slog.Int("intents", batch.Len()),
				slog.String("error", err.Error()),
			)
			c.remerge(name, tb)
			continue
		}
		flushed += batch.Len()
	}

	if c.extensions != nil {
		c.extensions.EmitFlushCompleted(ctx, flushed, failed, time.Since(start))
	}
	if flushed > 0 || failed > 0 {
		c.logger.Debug("flush cycle complete",
			slog.Int("flushed", flushed),
			slog.Int("failed", failed),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
	return errors.Join(errs...)
}

// flushOrder returns the snapshot's table names, configured priority
// tables first, the rest in lexical order.
func (c *Cache) flushOrder(snapshot map[string]*tableBuffer) []string {
	order := make([]string, 0, len(snapshot))
	seen := make(map[string]bool, len(snapshot))
	for _, name := range c.tableOrder {
		if _, ok := snapshot[name]; ok && !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	rest := make([]string, 0, len(snapshot))
	for name := range snapshot {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	return append(order, rest...)
}

// buildBatch splits one table's intents into deletes, upserts and
// updates.
func buildBatch(table string, tb *tableBuffer) TableBatch {
	batch := TableBatch{Table: table, KeyCol: tb.keyCol}
	for key, in := range tb.intents {
		switch in.kind {
		case KindDelete:
			batch.Deletes = append(batch.Deletes, key)
		case KindUpsert:
			batch.Upserts = append(batch.Upserts, Row{Key: key, Data: in.data})
		case KindUpdate:
			batch.Updates = append(batch.Updates, Row{Key: key, Data: in.data})
		}
	}
	return batch
}

// remerge puts a failed table's snapshot intents back into the live
// buffer. Keys that gained a fresh intent while the flush ran keep the
// newer one.
func (c *Cache) remerge(table string, tb *tableBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.table(table, tb.keyCol)
	for key, in := range tb.intents {
		if _, ok := live.intents[key]; ok {
			continue
		}
		live.intents[key] = in
		c.pending++
	}
}
