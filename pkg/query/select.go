package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/pkg/domain"
	"github.com/quarrylabs/quarry/pkg/schema"
)

// Options shape one compiled SELECT.
type Options struct {
	// Order overrides the model's default ordering.
	Order []schema.Order
	// Limit caps the row count when positive.
	Limit  int
	Offset int
	// Count compiles a COUNT(*) instead of an id list. Combined with Limit
	// the count is capped, which lets callers bail out of exact counting on
	// large tables.
	Count bool
	// Columns selects extra stored columns alongside id.
	Columns []string
	// AsOf reads the model's history tables as of the given instant.
	AsOf *time.Time
	// Lock appends FOR UPDATE NOWAIT so concurrent writers fail fast.
	Lock bool
}

const mainAlias = "a"

// Select compiles a full query for the model filtered by d.
func (c *Compiler) Select(ctx context.Context, m *schema.Model, d domain.Domain, o Options) (*Clause, error) {
	if or, ok := d.(domain.Or); ok && len(or) > 1 && c.Engine.UnionOr &&
		len(o.Columns) == 0 && !o.Lock && anyRelationalLeaf(or) {
		if clause, ok, err := c.selectUnion(ctx, m, or, o); err != nil || ok {
			return clause, err
		}
	}
	order := o.Order
	if len(order) == 0 && !o.Count {
		order = m.DefaultOrder()
	}
	sql, args, err := c.selectOne(ctx, m, d, o, order)
	if err != nil {
		return nil, err
	}
	return &Clause{SQL: Rebind(sql), Args: args}, nil
}

// selectOne compiles the plain single-statement form.
func (c *Compiler) selectOne(ctx context.Context, m *schema.Model, d domain.Domain, o Options, order []schema.Order) (string, []any, error) {
	pred, whereArgs, joins, joinArgs, err := c.Where(ctx, m, d, mainAlias, o.AsOf)
	if err != nil {
		return "", nil, err
	}
	src, srcArgs, err := c.tableSource(m, o.AsOf)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	args := make([]any, 0, len(srcArgs)+len(joinArgs)+len(whereArgs))

	if o.Count {
		if o.Limit > 0 {
			sb.WriteString("SELECT COUNT(*) FROM (SELECT 1 FROM ")
		} else {
			sb.WriteString("SELECT COUNT(*) FROM ")
		}
	} else {
		sb.WriteString("SELECT ")
		sb.WriteString(quote(mainAlias) + "." + quote(schema.ColID))
		for _, colName := range o.Columns {
			if !schema.IsSystemColumn(colName) {
				f, err := m.Field(colName)
				if err != nil {
					return "", nil, err
				}
				if !f.Stored() {
					return "", nil, fmt.Errorf("%s.%s: only stored fields can be selected", m.Name, colName)
				}
			}
			sb.WriteString(", " + quote(mainAlias) + "." + quote(colName))
		}
		sb.WriteString(" FROM ")
	}
	sb.WriteString(src + " AS " + quote(mainAlias))
	args = append(args, srcArgs...)

	sb.WriteString(joinText(joins))
	args = append(args, joinArgs...)

	sb.WriteString(" WHERE " + pred)
	args = append(args, whereArgs...)

	if len(order) > 0 {
		orderSQL, orderArgs, err := c.orderBy(m, order, mainAlias, o.AsOf)
		if err != nil {
			return "", nil, err
		}
		sb.WriteString(orderSQL)
		args = append(args, orderArgs...)
	}

	if o.Limit > 0 {
		sb.WriteString(" LIMIT " + strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		sb.WriteString(" OFFSET " + strconv.Itoa(o.Offset))
	}
	if o.Count && o.Limit > 0 {
		sb.WriteString(`) AS "c"`)
	}
	if o.Lock {
		sb.WriteString(" FOR UPDATE OF " + quote(mainAlias) + " NOWAIT")
	}
	return sb.String(), args, nil
}

// selectUnion splits a top-level OR into one SELECT per branch combined with
// UNION, so each branch keeps its own narrow join plan. Ordering keys must be
// local stored scalars; otherwise the caller falls back to a single
// statement.
func (c *Compiler) selectUnion(ctx context.Context, m *schema.Model, or domain.Or, o Options) (*Clause, bool, error) {
	order := o.Order
	if len(order) == 0 {
		order = m.DefaultOrder()
	}
	for _, key := range order {
		if strings.Contains(key.Field, ".") {
			return nil, false, nil
		}
		if schema.IsSystemColumn(key.Field) {
			continue
		}
		f, err := m.Field(key.Field)
		if err != nil || !f.Stored() {
			return nil, false, nil
		}
		if _, relational := f.(*schema.Many2One); relational {
			// Sorting a foreign key by its record name needs a per-row
			// subquery that UNION branches cannot share cheaply.
			return nil, false, nil
		}
	}

	branchOpts := Options{AsOf: o.AsOf, Columns: orderColumns(order)}
	var parts []string
	var args []any
	for _, branch := range or {
		sql, branchArgs, err := c.selectOne(ctx, m, branch, branchOpts, nil)
		if err != nil {
			return nil, false, err
		}
		parts = append(parts, "("+sql+")")
		args = append(args, branchArgs...)
	}

	var sb strings.Builder
	if o.Count {
		sb.WriteString("SELECT COUNT(*) FROM (")
	} else {
		sb.WriteString("SELECT " + quote(schema.ColID) + " FROM (")
	}
	sb.WriteString(strings.Join(parts, " UNION "))
	sb.WriteString(`) AS "u"`)
	if !o.Count {
		var keys []string
		for _, key := range order {
			dir := " ASC"
			if key.Desc {
				dir = " DESC"
			}
			keys = append(keys, quote(key.Field)+dir)
		}
		sb.WriteString(" ORDER BY " + strings.Join(keys, ", "))
	}
	if o.Limit > 0 {
		sb.WriteString(" LIMIT " + strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		sb.WriteString(" OFFSET " + strconv.Itoa(o.Offset))
	}
	return &Clause{SQL: Rebind(sb.String()), Args: args}, true, nil
}

// orderBy compiles sort keys. Dotted keys and bare many-to-one keys sort by
// the related record's natural key through a scalar subquery.
func (c *Compiler) orderBy(m *schema.Model, order []schema.Order, alias string, asOf *time.Time) (string, []any, error) {
	var keys []string
	var args []any
	for _, key := range order {
		expr, keyArgs, err := c.orderExpr(m, key.Field, alias, asOf)
		if err != nil {
			return "", nil, err
		}
		if key.Desc {
			expr += " DESC"
		} else {
			expr += " ASC"
		}
		keys = append(keys, expr)
		args = append(args, keyArgs...)
	}
	return " ORDER BY " + strings.Join(keys, ", "), args, nil
}

func (c *Compiler) orderExpr(m *schema.Model, path, alias string, asOf *time.Time) (string, []any, error) {
	head, rest := path, ""
	if i := strings.Index(path, "."); i >= 0 {
		head, rest = path[:i], path[i+1:]
	}
	if schema.IsSystemColumn(head) {
		if rest != "" {
			return "", nil, fmt.Errorf("%s.%s: cannot order through a system column", m.Name, head)
		}
		return quote(alias) + "." + quote(head), nil, nil
	}
	f, err := m.Field(head)
	if err != nil {
		return "", nil, err
	}

	m2o, isM2O := f.(*schema.Many2One)
	if !isM2O {
		if rest != "" {
			return "", nil, fmt.Errorf("%s.%s: cannot order through a scalar field", m.Name, head)
		}
		if !f.Stored() {
			return "", nil, fmt.Errorf("%s.%s: only stored fields can order", m.Name, head)
		}
		return quote(alias) + "." + quote(head), nil, nil
	}
	if rest == "" {
		target := c.Registry.MustGet(m2o.Target)
		rest = naturalSortField(target)
		if rest == schema.ColID {
			// Nothing better than the raw foreign key.
			return quote(alias) + "." + quote(head), nil, nil
		}
	}

	target := c.Registry.MustGet(m2o.Target)
	src, srcArgs, err := c.tableSource(target, asOf)
	if err != nil {
		return "", nil, err
	}
	inner := alias + "_o"
	sub, subArgs, err := c.orderExpr(target, rest, inner, asOf)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("(SELECT %s FROM %s AS %s WHERE %s.%s = %s.%s)",
		sub, src, quote(inner),
		quote(inner), quote(schema.ColID), quote(alias), quote(head))
	return sql, append(srcArgs, subArgs...), nil
}

// naturalSortField picks the column a related record sorts by: the first
// stored scalar of its default order, else its record name, else id.
func naturalSortField(m *schema.Model) string {
	for _, key := range m.DefaultOrder() {
		if strings.Contains(key.Field, ".") {
			continue
		}
		if f, err := m.Field(key.Field); err == nil && f.Stored() {
			if _, relational := f.(*schema.Many2One); !relational {
				return key.Field
			}
		}
	}
	if m.RecName != "" {
		if f, err := m.Field(m.RecName); err == nil && f.Stored() {
			return m.RecName
		}
	}
	return schema.ColID
}

func orderColumns(order []schema.Order) []string {
	var out []string
	for _, key := range order {
		if key.Field == schema.ColID {
			continue
		}
		out = append(out, key.Field)
	}
	return out
}

// anyRelationalLeaf reports whether a branch of the OR needs joins or
// subqueries, the case where UNION splitting pays off.
func anyRelationalLeaf(d domain.Domain) bool {
	for _, l := range domain.Leaves(d) {
		if strings.Contains(l.Path, ".") {
			return true
		}
		switch l.Op {
		case domain.OpChildOf, domain.OpParentOf, domain.OpWhere, domain.OpNotWhere:
			return true
		}
	}
	return false
}

// Rebind rewrites '?' placeholders into the numbered form pgx expects.
func Rebind(sql string) string {
	var sb strings.Builder
	sb.Grow(len(sql) + 8)
	n := 0
	for _, r := range sql {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
