package storage

import (
	"context"
	"fmt"

	"github.com/quarrylabs/quarry/pkg/domain"
	"github.com/quarrylabs/quarry/pkg/schema"
)

// Instruction is one edit applied to a collection field inside a write or
// create value set. Instructions are tagged variants, not stringly-typed
// tuples; malformed edits fail at construction, not deep inside the engine.
type Instruction interface {
	instruction()
}

// CreateRelated creates new target records linked to the origin.
type CreateRelated struct {
	Values []map[string]any
}

// WriteRelated updates already-linked target records.
type WriteRelated struct {
	IDs    []int64
	Values map[string]any
}

// DeleteRelated deletes target records entirely.
type DeleteRelated struct {
	IDs []int64
}

// AddRelated links existing target records (junction fields, or re-pointing
// the inverse foreign key for one-to-many).
type AddRelated struct {
	IDs []int64
}

// RemoveRelated unlinks target records without deleting them.
type RemoveRelated struct {
	IDs []int64
}

// CopyRelated duplicates existing target records and links the copies.
type CopyRelated struct {
	IDs       []int64
	Overrides map[string]any
}

func (CreateRelated) instruction() {}
func (WriteRelated) instruction()  {}
func (DeleteRelated) instruction() {}
func (AddRelated) instruction()    {}
func (RemoveRelated) instruction() {}
func (CopyRelated) instruction()   {}

// orderInstructions sorts one field's instruction list into the fixed
// application order: removals and deletes first, then writes, then additions
// and creations. The order is part of the engine contract; size caps and
// domain constraints are checked against the final state, so shrinking
// before growing keeps intermediate states out of the picture.
func orderInstructions(instrs []Instruction) []Instruction {
	rank := func(i Instruction) int {
		switch i.(type) {
		case DeleteRelated, RemoveRelated:
			return 0
		case WriteRelated:
			return 1
		default:
			return 2
		}
	}
	out := make([]Instruction, len(instrs))
	copy(out, instrs)
	// Stable insertion sort; instruction lists are short.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && rank(out[j]) < rank(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// applyInstructions executes one collection field's instructions for a set of
// origin records.
func (e *Engine) applyInstructions(ctx context.Context, t *Transaction, m *schema.Model, f schema.Field, originIDs []int64, instrs []Instruction) error {
	switch rel := f.(type) {
	case *schema.One2Many:
		return e.applyOne2Many(ctx, t, m, rel, originIDs, orderInstructions(instrs))
	case *schema.Many2Many:
		return e.applyJunction(ctx, t, m, rel.Target, rel.RelationTable, rel.OriginColumn, rel.TargetColumn, originIDs, orderInstructions(instrs))
	case *schema.One2One:
		return e.applyJunction(ctx, t, m, rel.Target, rel.RelationTable, rel.OriginColumn, rel.TargetColumn, originIDs, orderInstructions(instrs))
	}
	return fmt.Errorf("%s.%s: not a collection field", m.Name, f.FieldName())
}

func (e *Engine) applyOne2Many(ctx context.Context, t *Transaction, m *schema.Model, f *schema.One2Many, originIDs []int64, instrs []Instruction) error {
	for _, instr := range instrs {
		switch op := instr.(type) {
		case DeleteRelated:
			if err := e.Delete(ctx, t, f.Target, op.IDs); err != nil {
				return err
			}
		case RemoveRelated:
			// Unlink by clearing the inverse foreign key.
			if err := e.Write(ctx, t, f.Target, WriteGroup{
				IDs:    op.IDs,
				Values: map[string]any{f.Inverse: nil},
			}); err != nil {
				return err
			}
		case WriteRelated:
			if err := e.Write(ctx, t, f.Target, WriteGroup{IDs: op.IDs, Values: op.Values}); err != nil {
				return err
			}
		case AddRelated:
			for _, origin := range originIDs {
				if err := e.Write(ctx, t, f.Target, WriteGroup{
					IDs:    op.IDs,
					Values: map[string]any{f.Inverse: origin},
				}); err != nil {
					return err
				}
			}
		case CreateRelated:
			for _, origin := range originIDs {
				values := make([]map[string]any, len(op.Values))
				for i, v := range op.Values {
					row := make(map[string]any, len(v)+1)
					for k, val := range v {
						row[k] = val
					}
					row[f.Inverse] = origin
					values[i] = row
				}
				if _, err := e.Create(ctx, t, f.Target, values); err != nil {
					return err
				}
			}
		case CopyRelated:
			for _, origin := range originIDs {
				if _, err := e.Copy(ctx, t, f.Target, op.IDs, withOverride(op.Overrides, f.Inverse, origin)); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (e *Engine) applyJunction(ctx context.Context, t *Transaction, m *schema.Model, targetName, relTable, originCol, targetCol string, originIDs []int64, instrs []Instruction) error {
	for _, instr := range instrs {
		switch op := instr.(type) {
		case DeleteRelated:
			if err := e.unlink(ctx, t, relTable, originCol, targetCol, originIDs, op.IDs); err != nil {
				return err
			}
			if err := e.Delete(ctx, t, targetName, op.IDs); err != nil {
				return err
			}
		case RemoveRelated:
			if err := e.unlink(ctx, t, relTable, originCol, targetCol, originIDs, op.IDs); err != nil {
				return err
			}
		case WriteRelated:
			if err := e.Write(ctx, t, targetName, WriteGroup{IDs: op.IDs, Values: op.Values}); err != nil {
				return err
			}
		case AddRelated:
			if err := e.link(ctx, t, relTable, originCol, targetCol, originIDs, op.IDs); err != nil {
				return err
			}
		case CreateRelated:
			created, err := e.Create(ctx, t, targetName, op.Values)
			if err != nil {
				return err
			}
			if err := e.link(ctx, t, relTable, originCol, targetCol, originIDs, created); err != nil {
				return err
			}
		case CopyRelated:
			copies, err := e.Copy(ctx, t, targetName, op.IDs, op.Overrides)
			if err != nil {
				return err
			}
			if err := e.link(ctx, t, relTable, originCol, targetCol, originIDs, copies); err != nil {
				return err
			}
		}
	}
	return nil
}

// link inserts junction pairs, skipping ones already present.
func (e *Engine) link(ctx context.Context, t *Transaction, relTable, originCol, targetCol string, originIDs, targetIDs []int64) error {
	if len(originIDs) == 0 || len(targetIDs) == 0 {
		return nil
	}
	sql := fmt.Sprintf(
		`INSERT INTO %q (%q, %q)
		 SELECT o, tg FROM unnest($1::bigint[]) AS o CROSS JOIN unnest($2::bigint[]) AS tg
		 ON CONFLICT DO NOTHING`,
		relTable, originCol, targetCol)
	if _, err := t.Conn().Exec(ctx, sql, originIDs, targetIDs); err != nil {
		return fmt.Errorf("failed to link records: %w", err)
	}
	return nil
}

func (e *Engine) unlink(ctx context.Context, t *Transaction, relTable, originCol, targetCol string, originIDs, targetIDs []int64) error {
	if len(originIDs) == 0 || len(targetIDs) == 0 {
		return nil
	}
	sql := fmt.Sprintf(`DELETE FROM %q WHERE %q = ANY($1) AND %q = ANY($2)`,
		relTable, originCol, targetCol)
	if _, err := t.Conn().Exec(ctx, sql, originIDs, targetIDs); err != nil {
		return fmt.Errorf("failed to unlink records: %w", err)
	}
	return nil
}

// readCollection resolves the current target ids of a collection field for
// one origin record, honoring the field's filter and order.
func (e *Engine) readCollection(ctx context.Context, t *Transaction, m *schema.Model, f schema.Field, originID int64) ([]int64, error) {
	switch rel := f.(type) {
	case *schema.One2Many:
		d := domain.Conjoin(
			domain.Leaf{Path: rel.Inverse, Op: domain.OpEq, Value: originID},
			rel.Filter,
		)
		return e.search(ctx, t, e.registry.MustGet(rel.Target), d, SearchOptions{Order: rel.Order})
	case *schema.Many2Many:
		return e.junctionTargets(ctx, t, rel.RelationTable, rel.OriginColumn, rel.TargetColumn, originID)
	case *schema.One2One:
		return e.junctionTargets(ctx, t, rel.RelationTable, rel.OriginColumn, rel.TargetColumn, originID)
	}
	return nil, fmt.Errorf("%s.%s: not a collection field", m.Name, f.FieldName())
}

func (e *Engine) junctionTargets(ctx context.Context, t *Transaction, relTable, originCol, targetCol string, originID int64) ([]int64, error) {
	sql := fmt.Sprintf(`SELECT %q FROM %q WHERE %q = $1 ORDER BY %q`,
		targetCol, relTable, originCol, targetCol)
	rows, err := t.Conn().Query(ctx, sql, originID)
	if err != nil {
		return nil, fmt.Errorf("failed to read junction table %s: %w", relTable, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan junction row: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func withOverride(overrides map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(overrides)+1)
	for k, v := range overrides {
		out[k] = v
	}
	out[key] = value
	return out
}
