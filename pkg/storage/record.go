package storage

import (
	"context"
	"fmt"

	"github.com/quarrylabs/quarry/pkg/apperrors"
)

// Record is a lazy handle on one row: reads go through the caches on first
// access, assignments accumulate until Save. Unsaved new records carry a
// provisional negative id.
type Record struct {
	engine *Engine
	t      *Transaction
	model  string
	id     int64

	pending map[string]any
	deleted bool
}

// Browse wraps ids into record handles without touching the database.
func (e *Engine) Browse(t *Transaction, model string, ids []int64) []*Record {
	out := make([]*Record, len(ids))
	for i, id := range ids {
		out[i] = &Record{engine: e, t: t, model: model, id: id}
	}
	return out
}

// NewRecord creates an unsaved record with a provisional negative id. Save
// inserts it and swaps in the real id.
func (e *Engine) NewRecord(t *Transaction, model string) *Record {
	return &Record{engine: e, t: t, model: model, id: t.NextTempID()}
}

// Model returns the record's model name.
func (r *Record) Model() string { return r.model }

// ID returns the record id; negative while unsaved.
func (r *Record) ID() int64 { return r.id }

// Saved reports whether the record exists in the database.
func (r *Record) Saved() bool { return r.id > 0 }

// Get reads one field, preferring pending assignments over stored state.
func (r *Record) Get(ctx context.Context, field string) (any, error) {
	if v, ok := r.pending[field]; ok {
		return v, nil
	}
	if !r.Saved() {
		return nil, nil
	}
	rows, err := r.engine.Read(ctx, r.t, r.model, []int64{r.id}, []string{field})
	if err != nil {
		return nil, err
	}
	row, ok := rows[r.id]
	if !ok {
		return nil, fmt.Errorf("%s(%d): %w", r.model, r.id, apperrors.ErrNotFound)
	}
	return row[field], nil
}

// Set stages a field assignment. Nothing hits the database until Save.
func (r *Record) Set(field string, value any) {
	if r.pending == nil {
		r.pending = make(map[string]any)
	}
	r.pending[field] = value
}

// MarkDeleted stages the record for deletion on Save. Pending assignments
// are discarded.
func (r *Record) MarkDeleted() {
	r.deleted = true
	r.pending = nil
}

// Save flushes this record alone. See SaveRecords for batch semantics.
func (r *Record) Save(ctx context.Context) error {
	return SaveRecords(ctx, r)
}

// SaveRecords flushes staged changes in the fixed order deletions, then
// updates, then insertions, so foreign keys land on rows that exist and
// unique constraints see freed values. All records must share a
// transaction.
func SaveRecords(ctx context.Context, records ...*Record) error {
	if len(records) == 0 {
		return nil
	}
	e := records[0].engine
	t := records[0].t
	for _, r := range records[1:] {
		if r.engine != e || r.t.shared != t.shared {
			return fmt.Errorf("records from different transactions cannot be saved together")
		}
	}

	deletes := make(map[string][]int64)
	writes := make(map[string][]*Record)
	creates := make(map[string][]*Record)
	var modelOrder []string
	seen := make(map[string]bool)
	note := func(model string) {
		if !seen[model] {
			seen[model] = true
			modelOrder = append(modelOrder, model)
		}
	}

	for _, r := range records {
		note(r.model)
		switch {
		case r.deleted && r.Saved():
			deletes[r.model] = append(deletes[r.model], r.id)
		case r.deleted:
			// Deleting an unsaved record is a no-op.
		case !r.Saved():
			creates[r.model] = append(creates[r.model], r)
		case len(r.pending) > 0:
			writes[r.model] = append(writes[r.model], r)
		}
	}

	for _, model := range modelOrder {
		if ids := deletes[model]; len(ids) > 0 {
			if err := e.Delete(ctx, t, model, ids); err != nil {
				return err
			}
		}
	}
	for _, model := range modelOrder {
		group := writes[model]
		if len(group) == 0 {
			continue
		}
		wgs := make([]WriteGroup, len(group))
		for i, r := range group {
			wgs[i] = WriteGroup{IDs: []int64{r.id}, Values: r.pending}
		}
		if err := e.Write(ctx, t, model, wgs...); err != nil {
			return err
		}
		for _, r := range group {
			r.pending = nil
		}
	}
	for _, model := range modelOrder {
		group := creates[model]
		if len(group) == 0 {
			continue
		}
		values := make([]map[string]any, len(group))
		for i, r := range group {
			if r.pending == nil {
				values[i] = map[string]any{}
			} else {
				values[i] = r.pending
			}
		}
		ids, err := e.Create(ctx, t, model, values)
		if err != nil {
			return err
		}
		for i, r := range group {
			r.id = ids[i]
			r.pending = nil
		}
	}

	for _, r := range records {
		if r.deleted {
			r.id = 0
		}
	}
	return nil
}
