package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/pkg/apperrors"
	"github.com/quarrylabs/quarry/pkg/domain"
	"github.com/quarrylabs/quarry/pkg/schema"
)

// appendHistory copies the current state of the records into the model's
// shadow table. Called after every create and effective write.
func (e *Engine) appendHistory(ctx context.Context, t *Transaction, m *schema.Model, ids []int64) error {
	cols := historyColumns(m)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	list := strings.Join(quoted, ", ")
	sql := fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s = ANY($1)`,
		quoteIdent(m.HistoryTable()), list, list,
		quoteIdent(m.TableName()), quoteIdent(schema.ColID))
	if _, err := t.Conn().Exec(ctx, sql, ids); err != nil {
		return fmt.Errorf("failed to append history for %s: %w", m.Name, err)
	}
	return nil
}

// appendTombstones marks records as deleted in the shadow table: a row with
// only id, write_date and write_uid set. As-of reads recognize tombstones by
// their null create_date.
func (e *Engine) appendTombstones(ctx context.Context, t *Transaction, m *schema.Model, ids []int64) error {
	sql := fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s) SELECT u, $2, $3 FROM unnest($1::bigint[]) AS u`,
		quoteIdent(m.HistoryTable()), quoteIdent(schema.ColID),
		quoteIdent(schema.ColWriteDate), quoteIdent(schema.ColWriteUID))
	if _, err := t.Conn().Exec(ctx, sql, ids, time.Now().UTC(), t.User()); err != nil {
		return fmt.Errorf("failed to append tombstones for %s: %w", m.Name, err)
	}
	return nil
}

func historyColumns(m *schema.Model) []string {
	cols := append([]string(nil), schema.SystemColumns...)
	for _, f := range m.StoredFields() {
		cols = append(cols, f.FieldName())
	}
	return cols
}

// RestoreHistory rewinds records to their state at asOf: historical values
// are written back, records that did not exist then are deleted, and deleted
// ones are re-inserted under their original id. Restoring to the same
// instant twice is a no-op the second time.
func (e *Engine) RestoreHistory(ctx context.Context, t *Transaction, model string, ids []int64, asOf time.Time) error {
	m, err := e.registry.Get(model)
	if err != nil {
		return err
	}
	if !m.History {
		return fmt.Errorf("model %s does not keep history", model)
	}
	if len(ids) == 0 {
		return nil
	}

	var fields []string
	for _, f := range m.StoredFields() {
		fields = append(fields, f.FieldName())
	}

	hist := t.WithContext(map[string]any{CtxAsOf: asOf, CtxCheckAccess: false})
	past, err := e.readStored(ctx, hist, m, ids, fields)
	if err != nil {
		return err
	}

	sub := t.WithContext(map[string]any{CtxCheckAccess: false})
	existing, err := e.search(ctx, sub, m, domain.Leaf{
		Path: schema.ColID, Op: domain.OpIn, Value: ids,
	}, SearchOptions{})
	if err != nil {
		return err
	}
	exists := make(map[int64]bool, len(existing))
	for _, id := range existing {
		exists[id] = true
	}

	for _, id := range ids {
		values, existedThen := past[id]
		switch {
		case existedThen && exists[id]:
			if err := e.Write(ctx, sub, model, WriteGroup{IDs: []int64{id}, Values: values}); err != nil {
				return err
			}
		case existedThen && !exists[id]:
			if err := e.reviveRecord(ctx, sub, m, id, values); err != nil {
				return err
			}
		case !existedThen && exists[id]:
			if err := e.Delete(ctx, sub, model, []int64{id}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s(%d) at %s: %w", model, id, asOf.Format(time.RFC3339), apperrors.ErrNotFound)
		}
	}
	return nil
}

// reviveRecord re-inserts a deleted record under its original id and logs
// the revival in history.
func (e *Engine) reviveRecord(ctx context.Context, t *Transaction, m *schema.Model, id int64, values map[string]any) error {
	cols := []string{schema.ColID, schema.ColCreateDate, schema.ColCreateUID}
	args := []any{id, time.Now().UTC(), t.User()}
	for name, v := range values {
		f, err := m.Field(name)
		if err != nil {
			return err
		}
		encoded, err := f.Encode(v)
		if err != nil {
			return err
		}
		cols = append(cols, name)
		args = append(args, encoded)
	}
	quoted := make([]string, len(cols))
	holders := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		holders[i] = "$" + fmt.Sprint(i+1)
	}
	sql := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(m.TableName()), strings.Join(quoted, ", "), strings.Join(holders, ", "))
	if _, err := t.Conn().Exec(ctx, sql, args...); err != nil {
		return e.diagnose(ctx, t, m, err)
	}
	if err := e.appendHistory(ctx, t, m, []int64{id}); err != nil {
		return err
	}
	e.invalidate(ctx, t, m.Name, []int64{id})
	return nil
}
