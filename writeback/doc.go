// Package writeback implements a write-behind cache that turns many small
// independent writes into periodic bulk transactions against a
// single-writer store.
//
// Producers buffer intents (upsert, update, delete) keyed by table and
// row key. A background loop drains the buffer on a timer, and a
// configurable ceiling triggers a synchronous flush when the buffer
// grows too large. Within one buffering epoch the cache coalesces
// intents per key: the last upsert wins, an update merges into a
// buffered upsert, and a delete discards any earlier intent.
//
// Buffered-but-unflushed intents are held only in memory and are lost
// if the process crashes before the next flush. That trade-off is
// deliberate; callers that need immediate durability must write to the
// store directly.
package writeback
