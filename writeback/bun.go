package writeback

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/uptrace/bun"
)

// sqliteMaxParams is SQLite's default SQLITE_MAX_VARIABLE_NUMBER.
// Batches are chunked so no single statement exceeds it.
const sqliteMaxParams = 999

// BunFlusher writes table batches through a bun database handle. Each
// batch runs inside one transaction, so a failed batch leaves the table
// untouched and the cache can retry the whole set next cycle.
type BunFlusher struct {
	db *bun.DB
}

// NewBunFlusher creates a flusher over db. The tables written to must
// already exist; the flusher issues plain DML only.
func NewBunFlusher(db *bun.DB) *BunFlusher {
	return &BunFlusher{db: db}
}

// FlushTable applies one table's drained batch: deletes, then upserts,
// then updates, in a single transaction.
func (f *BunFlusher) FlushTable(ctx context.Context, batch TableBatch) error {
	return f.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		if err := flushDeletes(ctx, tx, batch); err != nil {
			return err
		}
		if err := flushUpserts(ctx, tx, batch); err != nil {
			return err
		}
		return flushUpdates(ctx, tx, batch)
	})
}

func flushDeletes(ctx context.Context, tx bun.Tx, batch TableBatch) error {
	for chunk := range slices.Chunk(batch.Deletes, sqliteMaxParams) {
		_, err := tx.NewDelete().
			Table(batch.Table).
			Where("? IN (?)", bun.Ident(batch.KeyCol), bun.In(chunk)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("backbeat/writeback: delete batch %s: %w", batch.Table, err)
		}
	}
	return nil
}

// flushUpserts bulk-inserts rows with an ON CONFLICT clause on the key
// column. Rows are grouped by column signature so every statement in a
// group shares the same column list.
func flushUpserts(ctx context.Context, tx bun.Tx, batch TableBatch) error {
	groups := make(map[string][]map[string]any)
	groupCols := make(map[string][]string)
	for _, row := range batch.Upserts {
		cols := slices.Sorted(maps.Keys(row.Data))
		sig := strings.Join(cols, ",")
		groups[sig] = append(groups[sig], row.Data)
		groupCols[sig] = cols
	}

	for _, sig := range slices.Sorted(maps.Keys(groups)) {
		cols := groupCols[sig]
		perChunk := max(1, sqliteMaxParams/len(cols))

		for chunk := range slices.Chunk(groups[sig], perChunk) {
			q := tx.NewInsert().
				Model(&chunk).
				TableExpr("?", bun.Ident(batch.Table))

			settable := 0
			for _, col := range cols {
				if col != batch.KeyCol {
					settable++
				}
			}
			if settable == 0 {
				q = q.On("CONFLICT (?) DO NOTHING", bun.Ident(batch.KeyCol))
			} else {
				q = q.On("CONFLICT (?) DO UPDATE", bun.Ident(batch.KeyCol))
				for _, col := range cols {
					if col == batch.KeyCol {
						continue
					}
					q = q.Set("? = EXCLUDED.?", bun.Ident(col), bun.Ident(col))
				}
			}

			if _, err := q.Exec(ctx); err != nil {
				return fmt.Errorf("backbeat/writeback: upsert batch %s: %w", batch.Table, err)
			}
		}
	}
	return nil
}

// flushUpdates issues one UPDATE per row. Updates carry heterogeneous
// column sets, so they cannot share a bulk statement.
func flushUpdates(ctx context.Context, tx bun.Tx, batch TableBatch) error {
	for _, row := range batch.Updates {
		q := tx.NewUpdate().
			Table(batch.Table).
			Where("? = ?", bun.Ident(batch.KeyCol), row.Key)

		settable := 0
		for _, col := range slices.Sorted(maps.Keys(row.Data)) {
			if col == batch.KeyCol {
				continue
			}
			q = q.Set("? = ?", bun.Ident(col), row.Data[col])
			settable++
		}
		if settable == 0 {
			continue
		}

		if _, err := q.Exec(ctx); err != nil {
			return fmt.Errorf("backbeat/writeback: update %s key %v: %w", batch.Table, row.Key, err)
		}
	}
	return nil
}
