package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/quarrylabs/quarry/pkg/apperrors"
	"github.com/quarrylabs/quarry/pkg/domain"
	"github.com/quarrylabs/quarry/pkg/query"
	"github.com/quarrylabs/quarry/pkg/rules"
	"github.com/quarrylabs/quarry/pkg/schema"
)

// SearchOptions shape one search call.
type SearchOptions struct {
	Offset int
	Limit  int
	Order  []schema.Order
}

// Search returns the ids matching d under the transaction's rule filter, in
// the requested or default order. Results small enough are eagerly hydrated
// into the record caches.
func (e *Engine) Search(ctx context.Context, t *Transaction, model string, d domain.Domain, opts SearchOptions) ([]int64, error) {
	m, err := e.registry.Get(model)
	if err != nil {
		return nil, err
	}
	if t.CheckAccess() {
		if err := e.access.Check(ctx, model, nil, rules.Read); err != nil {
			return nil, err
		}
		ruleDomain, err := e.rules.DomainGet(ctx, model, rules.Read)
		if err != nil {
			return nil, err
		}
		d = domain.Conjoin(d, ruleDomain)
	}
	ids, err := e.search(ctx, t, m, d, opts)
	if err != nil {
		return nil, err
	}
	if t.AsOf() == nil && !m.Virtual() && len(ids) > 0 && len(ids) <= e.cfg.MaxINWidth {
		if err := e.hydrate(ctx, t, m, ids); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// SearchCount returns how many records match d. A positive limit caps the
// count, letting callers skip exact counting over large tables.
func (e *Engine) SearchCount(ctx context.Context, t *Transaction, model string, d domain.Domain, limit int) (int64, error) {
	m, err := e.registry.Get(model)
	if err != nil {
		return 0, err
	}
	if t.CheckAccess() {
		if err := e.access.Check(ctx, model, nil, rules.Read); err != nil {
			return 0, err
		}
		ruleDomain, err := e.rules.DomainGet(ctx, model, rules.Read)
		if err != nil {
			return 0, err
		}
		d = domain.Conjoin(d, ruleDomain)
	}
	clause, err := e.compiler.Select(ctx, m, d, query.Options{
		Count: true,
		Limit: limit,
		AsOf:  t.AsOf(),
	})
	if err != nil {
		return 0, err
	}
	var count int64
	if err := t.Conn().QueryRow(ctx, clause.SQL, clause.Args...).Scan(&count); err != nil {
		return 0, e.diagnose(ctx, t, m, err)
	}
	return count, nil
}

// search compiles and runs a select without charging access rules.
func (e *Engine) search(ctx context.Context, t *Transaction, m *schema.Model, d domain.Domain, opts SearchOptions) ([]int64, error) {
	clause, err := e.compiler.Select(ctx, m, d, query.Options{
		Order:  opts.Order,
		Limit:  opts.Limit,
		Offset: opts.Offset,
		AsOf:   t.AsOf(),
	})
	if err != nil {
		return nil, err
	}
	rows, err := t.Conn().Query(ctx, clause.SQL, clause.Args...)
	if err != nil {
		return nil, e.diagnose(ctx, t, m, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// hydrate reads the eager columns of the given records into the caches, so
// the Read calls that typically follow a search hit memory.
func (e *Engine) hydrate(ctx context.Context, t *Transaction, m *schema.Model, ids []int64) error {
	eager := m.EagerFields()
	if len(eager) == 0 {
		return nil
	}
	fields := make([]string, len(eager))
	for i, f := range eager {
		fields[i] = f.FieldName()
	}
	_, err := e.readStored(ctx, t, m, ids, fields)
	return err
}

// Read returns field values per record id. Empty fields means every
// non-collection field. Collection fields read as []int64 of related ids.
func (e *Engine) Read(ctx context.Context, t *Transaction, model string, ids []int64, fields []string) (map[int64]map[string]any, error) {
	m, err := e.registry.Get(model)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return map[int64]map[string]any{}, nil
	}
	if t.CheckAccess() {
		if err := e.access.Check(ctx, model, fields, rules.Read); err != nil {
			return nil, err
		}
		if err := e.checkRuleDomain(ctx, t, m, ids, rules.Read); err != nil {
			return nil, err
		}
	}
	if len(fields) == 0 {
		for _, name := range m.FieldNames() {
			fields = append(fields, name)
		}
	}

	var stored, functions, collections, multi []string
	for _, name := range fields {
		if name == schema.ColID || schema.IsSystemColumn(name) {
			stored = append(stored, name)
			continue
		}
		f, err := m.Field(name)
		if err != nil {
			return nil, err
		}
		switch f.(type) {
		case *schema.Function:
			functions = append(functions, name)
		case *schema.MultiValue:
			multi = append(multi, name)
		case *schema.One2Many, *schema.Many2Many, *schema.One2One:
			collections = append(collections, name)
		default:
			stored = append(stored, name)
		}
	}

	out := make(map[int64]map[string]any, len(ids))
	for _, id := range ids {
		out[id] = map[string]any{schema.ColID: id}
	}

	if len(stored) > 0 {
		values, err := e.readStored(ctx, t, m, ids, stored)
		if err != nil {
			return nil, err
		}
		for id, row := range values {
			for k, v := range row {
				out[id][k] = v
			}
		}
		for _, id := range ids {
			if _, ok := values[id]; !ok {
				return nil, fmt.Errorf("%s(%d): %w", model, id, apperrors.ErrNotFound)
			}
		}
	}

	if lang := t.Language(); lang != DefaultLanguage {
		for _, name := range stored {
			if schema.IsSystemColumn(name) {
				continue
			}
			f, _ := m.Field(name)
			if !translatable(f) {
				continue
			}
			translated, err := e.translations.GetIDs(ctx, model+","+name, lang, ids)
			if err != nil {
				return nil, fmt.Errorf("failed to read translations for %s.%s: %w", model, name, err)
			}
			for id, text := range translated {
				out[id][name] = text
			}
		}
	}

	env := e.env(t)
	for _, name := range functions {
		f, _ := m.Field(name)
		fn := f.(*schema.Function)
		values, err := fn.Getter(ctx, env, ids)
		if err != nil {
			return nil, fmt.Errorf("getter for %s.%s: %w", model, name, err)
		}
		for _, id := range ids {
			out[id][name] = values[id]
		}
	}

	for _, name := range multi {
		values, err := e.readMultiValue(ctx, t, m, name, ids)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			out[id][name] = values[id]
		}
	}

	for _, name := range collections {
		f, _ := m.Field(name)
		for _, id := range ids {
			related, err := e.readCollection(ctx, t, m, f, id)
			if err != nil {
				return nil, err
			}
			out[id][name] = related
		}
	}
	return out, nil
}

// readStored resolves stored column values, serving from the transaction and
// shared caches and fetching the rest in one select. Values are cached and
// returned in canonical decoded form.
func (e *Engine) readStored(ctx context.Context, t *Transaction, m *schema.Model, ids []int64, fields []string) (map[int64]map[string]any, error) {
	out := make(map[int64]map[string]any, len(ids))
	var missing []int64

	historical := t.AsOf() != nil
	// The shared cache only serves transactions with no uncommitted changes
	// on the model: their reads see isolated state other transactions must
	// not observe, and vice versa.
	useShared := e.shared != nil && !t.dirty(m.Name)
	for _, id := range ids {
		row := make(map[string]any, len(fields))
		complete := !historical
		for _, name := range fields {
			if !complete {
				break
			}
			if v, ok := t.cache().get(m.Name, id, name); ok {
				row[name] = v
				continue
			}
			if useShared {
				if shared, ok := e.shared.Get(m.Name, id); ok {
					if v, ok := shared[name]; ok {
						row[name] = v
						continue
					}
				}
			}
			complete = false
		}
		if complete {
			out[id] = row
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	clause, err := e.compiler.Select(ctx, m, domain.Leaf{
		Path: schema.ColID, Op: domain.OpIn, Value: missing,
	}, query.Options{Columns: fields, AsOf: t.AsOf()})
	if err != nil {
		return nil, err
	}
	rows, err := t.Conn().Query(ctx, clause.SQL, clause.Args...)
	if err != nil {
		return nil, e.diagnose(ctx, t, m, err)
	}
	defer rows.Close()

	scan := make([]any, len(fields)+1)
	for rows.Next() {
		var id int64
		raw := make([]any, len(fields))
		scan[0] = &id
		for i := range raw {
			scan[i+1] = &raw[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", m.Name, err)
		}
		row := make(map[string]any, len(fields))
		for i, name := range fields {
			if schema.IsSystemColumn(name) {
				row[name] = raw[i]
				continue
			}
			f, ferr := m.Field(name)
			if ferr != nil {
				return nil, ferr
			}
			decoded, derr := f.Decode(raw[i])
			if derr != nil {
				return nil, fmt.Errorf("%s(%d): %w", m.Name, id, derr)
			}
			row[name] = decoded
		}
		out[id] = row
		if !historical {
			t.cache().set(m.Name, id, row)
			if useShared {
				e.shared.Set(m.Name, id, row)
			}
		}
	}
	return out, rows.Err()
}

func (e *Engine) readMultiValue(ctx context.Context, t *Transaction, m *schema.Model, field string, ids []int64) (map[int64]any, error) {
	f, err := m.Field(field)
	if err != nil {
		return nil, err
	}
	mv := f.(*schema.MultiValue)
	table := mv.ValueTable(m)

	conds := []string{`record = ANY($1)`}
	args := []any{ids}
	for _, key := range mv.Pattern {
		v, _ := t.Context(key)
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", quoteIdent(key), len(args)))
	}
	sql := fmt.Sprintf(`SELECT record, value FROM %s WHERE %s`,
		quoteIdent(table), strings.Join(conds, " AND "))
	rows, err := t.Conn().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read multivalue %s.%s: %w", m.Name, field, err)
	}
	defer rows.Close()

	out := make(map[int64]any, len(ids))
	for rows.Next() {
		var id int64
		var raw any
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan multivalue row: %w", err)
		}
		decoded, err := mv.Decode(raw)
		if err != nil {
			return nil, err
		}
		out[id] = decoded
	}
	return out, rows.Err()
}

// Lock acquires row locks on the records without waiting, so two competing
// transactions fail fast instead of deadlocking.
func (e *Engine) Lock(ctx context.Context, t *Transaction, model string, ids []int64) error {
	m, err := e.registry.Get(model)
	if err != nil {
		return err
	}
	if m.Virtual() {
		return fmt.Errorf("%s: %w", model, apperrors.ErrReadOnlyModel)
	}
	if len(ids) == 0 {
		return nil
	}
	clause, err := e.compiler.Select(ctx, m, domain.Leaf{
		Path: schema.ColID, Op: domain.OpIn, Value: ids,
	}, query.Options{Lock: true, Order: []schema.Order{{Field: schema.ColID}}})
	if err != nil {
		return err
	}
	rows, err := t.Conn().Query(ctx, clause.SQL, clause.Args...)
	if err != nil {
		return e.diagnose(ctx, t, m, err)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return e.diagnose(ctx, t, m, err)
	}
	return nil
}

// Copy duplicates records and returns the new ids in input order. Stored
// fields and junction links are copied; children behind one-to-many fields
// are duplicated recursively. Overrides replace copied values.
func (e *Engine) Copy(ctx context.Context, t *Transaction, model string, ids []int64, overrides map[string]any) ([]int64, error) {
	m, err := e.registry.Get(model)
	if err != nil {
		return nil, err
	}
	if m.Virtual() {
		return nil, fmt.Errorf("%s: %w", model, apperrors.ErrReadOnlyModel)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var copyFields []string
	for _, f := range m.StoredFields() {
		name := f.FieldName()
		if schema.IsSystemColumn(name) {
			continue
		}
		if m2o, ok := f.(*schema.Many2One); ok && m2o.Tree != schema.TreeNone {
			// Tree encodings are rebuilt by maintenance, but the parent link
			// itself copies.
			copyFields = append(copyFields, name)
			continue
		}
		copyFields = append(copyFields, name)
	}
	source, err := e.readStored(ctx, t, m, ids, copyFields)
	if err != nil {
		return nil, err
	}

	valuesList := make([]map[string]any, len(ids))
	for i, id := range ids {
		row, ok := source[id]
		if !ok {
			return nil, fmt.Errorf("%s(%d): %w", model, id, apperrors.ErrNotFound)
		}
		values := make(map[string]any, len(row)+len(overrides))
		for k, v := range row {
			values[k] = v
		}
		for k, v := range overrides {
			values[k] = v
		}
		valuesList[i] = values
	}
	created, err := e.Create(ctx, t, model, valuesList)
	if err != nil {
		return nil, err
	}

	sub := t.WithContext(map[string]any{CtxCheckAccess: false})
	for i, id := range ids {
		for _, name := range m.FieldNames() {
			f, _ := m.Field(name)
			switch rel := f.(type) {
			case *schema.Many2Many:
				if _, overridden := overrides[name]; overridden {
					continue
				}
				targets, err := e.junctionTargets(ctx, t, rel.RelationTable, rel.OriginColumn, rel.TargetColumn, id)
				if err != nil {
					return nil, err
				}
				if err := e.link(ctx, t, rel.RelationTable, rel.OriginColumn, rel.TargetColumn,
					[]int64{created[i]}, targets); err != nil {
					return nil, err
				}
			case *schema.One2Many:
				if _, overridden := overrides[name]; overridden {
					continue
				}
				children, err := e.readCollection(ctx, sub, m, f, id)
				if err != nil {
					return nil, err
				}
				if len(children) > 0 {
					if _, err := e.Copy(ctx, sub, rel.Target, children,
						map[string]any{rel.Inverse: created[i]}); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return created, nil
}
