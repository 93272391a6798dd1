package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/quarrylabs/quarry/pkg/apperrors"
	"github.com/quarrylabs/quarry/pkg/schema"
)

// treeParentWritten reports whether the written values touch a tree-encoded
// parent field.
func (e *Engine) treeParentWritten(m *schema.Model, stored map[string]any) (*schema.Many2One, bool) {
	for name := range stored {
		f, err := m.Field(name)
		if err != nil {
			continue
		}
		if m2o, ok := f.(*schema.Many2One); ok && m2o.Tree != schema.TreeNone {
			return m2o, true
		}
	}
	return nil, false
}

// maintainTrees assigns tree encodings for freshly created records.
func (e *Engine) maintainTrees(ctx context.Context, t *Transaction, m *schema.Model, ids []int64, rows []*splitRow) error {
	for _, name := range m.FieldNames() {
		f, _ := m.Field(name)
		m2o, ok := f.(*schema.Many2One)
		if !ok || m2o.Tree == schema.TreeNone {
			continue
		}
		switch m2o.Tree {
		case schema.TreePath:
			if err := e.pathAssign(ctx, t, m, m2o, ids); err != nil {
				return err
			}
		case schema.TreeNestedSet:
			if err := e.nestedInsert(ctx, t, m, m2o, ids); err != nil {
				return err
			}
		}
	}
	return nil
}

// rebuildTreesAfterDelete renumbers nested-set encodings once rows are gone,
// closing the intervals the deleted nodes occupied. Path encodings need no
// sweep: deleted nodes take their paths with them, and SET NULL reparenting
// already rewrote the surviving subtrees.
func (e *Engine) rebuildTreesAfterDelete(ctx context.Context, t *Transaction, m *schema.Model) error {
	for _, name := range m.FieldNames() {
		f, _ := m.Field(name)
		if m2o, ok := f.(*schema.Many2One); ok && m2o.Tree == schema.TreeNestedSet {
			if err := e.nestedRebuild(ctx, t, m, m2o); err != nil {
				return err
			}
		}
	}
	return nil
}

// pathAssign computes materialized paths for new nodes: the parent's path
// followed by the node's own id. Roots get "<id>/".
func (e *Engine) pathAssign(ctx context.Context, t *Transaction, m *schema.Model, f *schema.Many2One, ids []int64) error {
	table := quoteIdent(m.TableName())
	path := quoteIdent(f.PathField)
	// New nodes may parent each other inside the same batch; walking in id
	// order resolves parents created earlier in the batch first.
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
	for _, id := range sorted {
		sql := fmt.Sprintf(
			`UPDATE %s AS n SET %s = COALESCE(p.%s, '') || n.%s || '/'
			 FROM %s AS n2 LEFT JOIN %s AS p ON p.%s = n2.%s
			 WHERE n.%s = n2.%s AND n.%s = $1`,
			table, path, path, quoteIdent(schema.ColID),
			table, table, quoteIdent(schema.ColID), quoteIdent(f.Name),
			quoteIdent(schema.ColID), quoteIdent(schema.ColID), quoteIdent(schema.ColID))
		if _, err := t.Conn().Exec(ctx, sql, id); err != nil {
			return fmt.Errorf("failed to assign path for %s(%d): %w", m.Name, id, err)
		}
	}
	return nil
}

// treeMove re-encodes after parents changed on existing records.
func (e *Engine) treeMove(ctx context.Context, t *Transaction, m *schema.Model, f *schema.Many2One, ids []int64) error {
	switch f.Tree {
	case schema.TreePath:
		return e.pathMove(ctx, t, m, f, ids)
	case schema.TreeNestedSet:
		// Subtree surgery on interval encodings is error prone; moves always
		// renumber the whole tree.
		return e.nestedRebuild(ctx, t, m, f)
	}
	return nil
}

// pathMove rewrites the path prefix of each moved node and its whole
// subtree, refusing moves that would make a record its own ancestor.
func (e *Engine) pathMove(ctx context.Context, t *Transaction, m *schema.Model, f *schema.Many2One, ids []int64) error {
	table := quoteIdent(m.TableName())
	path := quoteIdent(f.PathField)

	for _, id := range ids {
		var oldPath string
		var parent *int64
		sql := fmt.Sprintf(`SELECT %s, %s FROM %s WHERE %s = $1`,
			path, quoteIdent(f.Name), table, quoteIdent(schema.ColID))
		if err := t.Conn().QueryRow(ctx, sql, id).Scan(&oldPath, &parent); err != nil {
			return fmt.Errorf("failed to read path of %s(%d): %w", m.Name, id, err)
		}

		parentPath := ""
		if parent != nil {
			sql = fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`,
				path, table, quoteIdent(schema.ColID))
			if err := t.Conn().QueryRow(ctx, sql, *parent).Scan(&parentPath); err != nil {
				return fmt.Errorf("failed to read parent path of %s(%d): %w", m.Name, id, err)
			}
			if strings.HasPrefix(parentPath, oldPath) {
				return &apperrors.ValidationError{
					Kind:    apperrors.ValidationDomain,
					Model:   m.Name,
					Field:   f.Name,
					IDs:     []int64{id},
					Message: "record cannot be moved under its own subtree",
				}
			}
		}

		newPath := fmt.Sprintf("%s%d/", parentPath, id)
		if newPath == oldPath {
			continue
		}
		sql = fmt.Sprintf(
			`UPDATE %s SET %s = $1 || substring(%s FROM $2) WHERE %s LIKE $3`,
			table, path, path, path)
		if _, err := t.Conn().Exec(ctx, sql,
			newPath, len(oldPath)+1, likeEscape(oldPath)+"%"); err != nil {
			return fmt.Errorf("failed to move subtree of %s(%d): %w", m.Name, id, err)
		}
	}
	t.cache().invalidate(m.Name, nil)
	return nil
}

// nestedInsert places new nodes into the interval encoding. Below the
// crossover n*(1+n/2) < rows*factor each node is spliced in at its parent's
// right bound; above it the whole tree is renumbered once.
func (e *Engine) nestedInsert(ctx context.Context, t *Transaction, m *schema.Model, f *schema.Many2One, ids []int64) error {
	n := float64(len(ids))
	rows := float64(0)
	if e.stats != nil {
		rows = float64(e.stats.EstimateRows(ctx, m.TableName()))
	}
	if n*(1+n/2) >= rows*e.cfg.TreeRebuildFactor {
		return e.nestedRebuild(ctx, t, m, f)
	}

	table := quoteIdent(m.TableName())
	lft := quoteIdent(f.LeftField)
	rgt := quoteIdent(f.RightField)
	for _, id := range ids {
		var parent *int64
		sql := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`,
			quoteIdent(f.Name), table, quoteIdent(schema.ColID))
		if err := t.Conn().QueryRow(ctx, sql, id).Scan(&parent); err != nil {
			return fmt.Errorf("failed to read parent of %s(%d): %w", m.Name, id, err)
		}

		var at int64
		if parent == nil {
			sql = fmt.Sprintf(`SELECT COALESCE(MAX(%s), 0) + 1 FROM %s WHERE %s != $1`,
				rgt, table, quoteIdent(schema.ColID))
			if err := t.Conn().QueryRow(ctx, sql, id).Scan(&at); err != nil {
				return fmt.Errorf("failed to size tree of %s: %w", m.Name, err)
			}
		} else {
			sql = fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`,
				rgt, table, quoteIdent(schema.ColID))
			if err := t.Conn().QueryRow(ctx, sql, *parent).Scan(&at); err != nil {
				return fmt.Errorf("failed to read bounds of %s(%d): %w", m.Name, *parent, err)
			}
		}

		shift := fmt.Sprintf(`UPDATE %s SET %s = %s + 2 WHERE %s >= $1 AND %s != $2`,
			table, lft, lft, lft, quoteIdent(schema.ColID))
		if _, err := t.Conn().Exec(ctx, shift, at, id); err != nil {
			return fmt.Errorf("failed to shift tree bounds: %w", err)
		}
		shift = fmt.Sprintf(`UPDATE %s SET %s = %s + 2 WHERE %s >= $1 AND %s != $2`,
			table, rgt, rgt, rgt, quoteIdent(schema.ColID))
		if _, err := t.Conn().Exec(ctx, shift, at, id); err != nil {
			return fmt.Errorf("failed to shift tree bounds: %w", err)
		}
		place := fmt.Sprintf(`UPDATE %s SET %s = $1, %s = $2 WHERE %s = $3`,
			table, lft, rgt, quoteIdent(schema.ColID))
		if _, err := t.Conn().Exec(ctx, place, at, at+1, id); err != nil {
			return fmt.Errorf("failed to place node %s(%d): %w", m.Name, id, err)
		}
	}
	t.cache().invalidate(m.Name, nil)
	return nil
}

// nestedRebuild renumbers the whole interval encoding with one depth-first
// walk over the parent links.
func (e *Engine) nestedRebuild(ctx context.Context, t *Transaction, m *schema.Model, f *schema.Many2One) error {
	table := quoteIdent(m.TableName())
	sql := fmt.Sprintf(`SELECT %s, %s FROM %s ORDER BY %s`,
		quoteIdent(schema.ColID), quoteIdent(f.Name), table, quoteIdent(schema.ColID))
	rows, err := t.Conn().Query(ctx, sql)
	if err != nil {
		return fmt.Errorf("failed to read tree of %s: %w", m.Name, err)
	}
	defer rows.Close()

	children := make(map[int64][]int64)
	var roots []int64
	for rows.Next() {
		var id int64
		var parent *int64
		if err := rows.Scan(&id, &parent); err != nil {
			return fmt.Errorf("failed to scan tree row: %w", err)
		}
		if parent == nil {
			roots = append(roots, id)
		} else {
			children[*parent] = append(children[*parent], id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	lefts, rights := computeBounds(roots, children)

	ids := make([]int64, 0, len(lefts))
	ls := make([]int64, 0, len(lefts))
	rs := make([]int64, 0, len(lefts))
	for id, l := range lefts {
		ids = append(ids, id)
		ls = append(ls, l)
		rs = append(rs, rights[id])
	}
	update := fmt.Sprintf(
		`UPDATE %s AS n SET %s = u.l, %s = u.r
		 FROM unnest($1::bigint[], $2::bigint[], $3::bigint[]) AS u(id, l, r)
		 WHERE n.%s = u.id`,
		table, quoteIdent(f.LeftField), quoteIdent(f.RightField), quoteIdent(schema.ColID))
	if _, err := t.Conn().Exec(ctx, update, ids, ls, rs); err != nil {
		return fmt.Errorf("failed to renumber tree of %s: %w", m.Name, err)
	}
	t.cache().invalidate(m.Name, nil)
	return nil
}

// computeBounds assigns interval bounds depth first: a node's left comes
// before all descendants, its right after them. A root-only tree yields
// root [1,2]; a root with one child yields root [1,4], child [2,3].
func computeBounds(roots []int64, children map[int64][]int64) (map[int64]int64, map[int64]int64) {
	lefts := make(map[int64]int64)
	rights := make(map[int64]int64)
	counter := int64(0)

	var walk func(id int64)
	walk = func(id int64) {
		counter++
		lefts[id] = counter
		for _, child := range children[id] {
			walk(child)
		}
		counter++
		rights[id] = counter
	}
	for _, root := range roots {
		walk(root)
	}
	return lefts, rights
}

// likeEscape protects LIKE metacharacters in a literal prefix. Paths only
// hold digits and slashes, but escaping keeps the contract honest.
func likeEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
