package writeback

import "context"

// Kind identifies the type of a buffered intent.
type Kind int

const (
	// KindUpsert is an insert-or-replace of a full row.
	KindUpsert Kind = iota
	// KindUpdate is a partial update of an existing row.
	KindUpdate
	// KindDelete removes a row by key.
	KindDelete
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindUpsert:
		return "upsert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Row is one buffered row mutation: the key value plus the column data
// to write.
type Row struct {
	Key  any
	Data map[string]any
}

// TableBatch is the drained intent set for one table, handed to a
// Flusher as a unit. The flusher must apply deletes first, then
// upserts, then updates, inside a single transaction.
type TableBatch struct {
	Table   string
	KeyCol  string
	Deletes []any
	Upserts []Row
	Updates []Row
}

// Len returns the total number of intents in the batch.
func (b TableBatch) Len() int {
	return len(b.Deletes) + len(b.Upserts) + len(b.Updates)
}

// Flusher writes one table's drained batch to the backing store. An
// error means the whole batch failed and its intents will be re-buffered
// for the next cycle; partial application must be rolled back.
type Flusher interface {
	FlushTable(ctx context.Context, batch TableBatch) error
}
