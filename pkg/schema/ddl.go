package schema

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/pkg/database"
)

// SyncDDL creates or extends the physical tables for every non-virtual model
// in the registry: the table itself, missing columns, indexes, named
// constraints, junction tables, multivalue companion tables and the
// "__history" shadow tables. It only ever adds; nothing is dropped.
func SyncDDL(ctx context.Context, conn database.Conn, reg *Registry, logger *zap.Logger) error {
	// Two passes: all tables and columns first, then constraints and
	// foreign keys, so references to later-registered models resolve.
	for _, m := range reg.Models() {
		if m.Virtual() {
			continue
		}
		if err := syncModel(ctx, conn, m); err != nil {
			return fmt.Errorf("failed to sync %s: %w", m.Name, err)
		}
		logger.Debug("Synced model table", zap.String("model", m.Name), zap.String("table", m.TableName()))
	}
	for _, m := range reg.Models() {
		if m.Virtual() {
			continue
		}
		if err := syncForeignKeys(ctx, conn, m); err != nil {
			return fmt.Errorf("failed to sync foreign keys of %s: %w", m.Name, err)
		}
	}
	return nil
}

func syncForeignKeys(ctx context.Context, conn database.Conn, m *Model) error {
	table := m.TableName()
	for _, name := range m.FieldNames() {
		f, _ := m.Field(name)
		m2o, ok := f.(*Many2One)
		if !ok {
			continue
		}
		target := strings.ReplaceAll(m2o.Target, ".", "_")
		fkName := table + "_" + m2o.Name + "_fkey"
		if err := addConstraintOnce(ctx, conn, table, fkName, fmt.Sprintf(
			"FOREIGN KEY (%s) REFERENCES %s (%s) DEFERRABLE INITIALLY DEFERRED",
			quote(m2o.Name), quote(target), quote(ColID))); err != nil {
			return err
		}
	}
	return nil
}

func syncModel(ctx context.Context, conn database.Conn, m *Model) error {
	table := m.TableName()

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s BIGSERIAL PRIMARY KEY,
		%s TIMESTAMP,
		%s TIMESTAMP,
		%s BIGINT,
		%s BIGINT)`,
		quote(table), quote(ColID), quote(ColCreateDate), quote(ColWriteDate),
		quote(ColCreateUID), quote(ColWriteUID))
	if _, err := conn.Exec(ctx, create); err != nil {
		return err
	}

	for _, f := range m.StoredFields() {
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			quote(table), quote(f.FieldName()), f.SQLType())
		if _, err := conn.Exec(ctx, alter); err != nil {
			return err
		}
		if err := syncFieldExtras(ctx, conn, m, f); err != nil {
			return err
		}
	}

	for _, name := range m.FieldNames() {
		f, _ := m.Field(name)
		switch rel := f.(type) {
		case *Many2Many:
			if err := syncJunction(ctx, conn, rel.RelationTable, rel.OriginColumn, rel.TargetColumn, false); err != nil {
				return err
			}
		case *One2One:
			if err := syncJunction(ctx, conn, rel.RelationTable, rel.OriginColumn, rel.TargetColumn, true); err != nil {
				return err
			}
		case *MultiValue:
			if err := syncMultiValue(ctx, conn, m, rel); err != nil {
				return err
			}
		}
	}

	for _, c := range m.Constraints {
		if err := syncConstraint(ctx, conn, table, c); err != nil {
			return err
		}
	}

	if m.History {
		if err := syncHistory(ctx, conn, m); err != nil {
			return err
		}
	}
	return nil
}

// syncFieldExtras adds the per-field index and tree-encoding columns.
func syncFieldExtras(ctx context.Context, conn database.Conn, m *Model, f Field) error {
	table := m.TableName()
	m2o, ok := f.(*Many2One)
	if !ok {
		return nil
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote(table+"_"+m2o.Name+"_idx"), quote(table), quote(m2o.Name))
	if _, err := conn.Exec(ctx, idx); err != nil {
		return err
	}

	switch m2o.Tree {
	case TreePath:
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s VARCHAR", quote(table), quote(m2o.PathField))
		if _, err := conn.Exec(ctx, alter); err != nil {
			return err
		}
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s varchar_pattern_ops)",
			quote(table+"_"+m2o.PathField+"_idx"), quote(table), quote(m2o.PathField))
		if _, err := conn.Exec(ctx, idx); err != nil {
			return err
		}
	case TreeNestedSet:
		for _, col := range []string{m2o.LeftField, m2o.RightField} {
			alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s BIGINT", quote(table), quote(col))
			if _, err := conn.Exec(ctx, alter); err != nil {
				return err
			}
			idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				quote(table+"_"+col+"_idx"), quote(table), quote(col))
			if _, err := conn.Exec(ctx, idx); err != nil {
				return err
			}
		}
	}
	return nil
}

func syncJunction(ctx context.Context, conn database.Conn, table, origin, target string, unique bool) error {
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s BIGSERIAL PRIMARY KEY,
		%s BIGINT NOT NULL,
		%s BIGINT NOT NULL)`,
		quote(table), quote(ColID), quote(origin), quote(target))
	if _, err := conn.Exec(ctx, create); err != nil {
		return err
	}
	pair := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
		quote(table+"_pair_uniq"), quote(table), quote(origin), quote(target))
	if _, err := conn.Exec(ctx, pair); err != nil {
		return err
	}
	if unique {
		// One-to-one: each side may appear at most once.
		for _, col := range []string{origin, target} {
			idx := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
				quote(table+"_"+col+"_uniq"), quote(table), quote(col))
			if _, err := conn.Exec(ctx, idx); err != nil {
				return err
			}
		}
	}
	return nil
}

func syncMultiValue(ctx context.Context, conn database.Conn, m *Model, f *MultiValue) error {
	table := f.ValueTable(m)
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s BIGSERIAL PRIMARY KEY,
		record BIGINT NOT NULL,
		value %s)`,
		quote(table), quote(ColID), valueSQLType(f.Wraps))
	if _, err := conn.Exec(ctx, create); err != nil {
		return err
	}
	cols := []string{"record"}
	for _, key := range f.Pattern {
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s BIGINT", quote(table), quote(key))
		if _, err := conn.Exec(ctx, alter); err != nil {
			return err
		}
		cols = append(cols, key)
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
	}
	idx := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote(table+"_pattern_uniq"), quote(table), strings.Join(quoted, ", "))
	_, err := conn.Exec(ctx, idx)
	return err
}

func valueSQLType(f Field) string {
	if t := f.SQLType(); t != "" {
		return t
	}
	return "VARCHAR"
}

func syncConstraint(ctx context.Context, conn database.Conn, table string, c Constraint) error {
	name := c.SQLName(table)
	switch c.Kind {
	case Unique:
		quoted := make([]string, len(c.Columns))
		for i, col := range c.Columns {
			quoted[i] = quote(col)
		}
		idx := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote(name), quote(table), strings.Join(quoted, ", "))
		_, err := conn.Exec(ctx, idx)
		return err
	case Check:
		return addConstraintOnce(ctx, conn, table, name, "CHECK ("+c.Expression+")")
	case Exclude:
		return addConstraintOnce(ctx, conn, table, name, "EXCLUDE "+c.Expression)
	}
	return fmt.Errorf("unknown constraint kind %q", c.Kind)
}

// addConstraintOnce adds a table constraint unless one with the same name
// already exists (ADD CONSTRAINT has no IF NOT EXISTS).
func addConstraintOnce(ctx context.Context, conn database.Conn, table, name, body string) error {
	var exists bool
	err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = $1)", name).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = conn.Exec(ctx, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
		quote(table), quote(name), body))
	return err
}

func syncHistory(ctx context.Context, conn database.Conn, m *Model) error {
	table := m.HistoryTable()
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		"__id" BIGSERIAL PRIMARY KEY,
		%s BIGINT NOT NULL,
		%s TIMESTAMP,
		%s TIMESTAMP,
		%s BIGINT,
		%s BIGINT)`,
		quote(table), quote(ColID), quote(ColCreateDate), quote(ColWriteDate),
		quote(ColCreateUID), quote(ColWriteUID))
	if _, err := conn.Exec(ctx, create); err != nil {
		return err
	}
	for _, f := range m.StoredFields() {
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			quote(table), quote(f.FieldName()), f.SQLType())
		if _, err := conn.Exec(ctx, alter); err != nil {
			return err
		}
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote(table+"_id_idx"), quote(table), quote(ColID))
	_, err := conn.Exec(ctx, idx)
	return err
}

func quote(ident string) string {
	return `"` + ident + `"`
}
