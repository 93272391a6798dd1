// Package query compiles domain filter trees into SQL against the model
// registry: joins or correlated subqueries for relation traversal, UNION
// splitting of top-level ORs, existence inversion for negated collection
// operators, and per-field order compilation.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/pkg/apperrors"
	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/domain"
	"github.com/quarrylabs/quarry/pkg/schema"
)

// RowEstimator supplies cached row-count estimates used by the join-versus-
// subquery heuristic.
type RowEstimator interface {
	EstimateRows(ctx context.Context, table string) int64
}

// Compiler turns domains into SQL. It is stateless; one instance serves all
// transactions.
type Compiler struct {
	Registry *schema.Registry
	Engine   *config.EngineConfig
	Stats    RowEstimator
}

// Clause is a compiled SQL fragment with positional arguments.
type Clause struct {
	SQL  string
	Args []any
}

// builder accumulates the state of one SELECT compilation.
type builder struct {
	c     *Compiler
	ctx   context.Context
	model *schema.Model
	alias string
	asOf  *time.Time

	joins    []string
	joinArgs []any
	aliasN   int
}

func (c *Compiler) estimate(ctx context.Context, table string) int64 {
	if c.Stats == nil {
		return 0
	}
	return c.Stats.EstimateRows(ctx, table)
}

// Where compiles a domain into a boolean predicate over the model's table
// aliased as alias. Returned SQL uses '?' placeholders; Select rebinds them.
func (c *Compiler) Where(ctx context.Context, m *schema.Model, d domain.Domain, alias string, asOf *time.Time) (string, []any, []string, []any, error) {
	b := &builder{c: c, ctx: ctx, model: m, alias: alias, asOf: asOf}
	sql, args, err := b.compile(d)
	if err != nil {
		return "", nil, nil, nil, err
	}
	return sql, args, b.joins, b.joinArgs, nil
}

func (b *builder) nextAlias() string {
	b.aliasN++
	return fmt.Sprintf("%s%d", b.alias, b.aliasN)
}

func (b *builder) compile(d domain.Domain) (string, []any, error) {
	switch n := d.(type) {
	case nil:
		return "TRUE", nil, nil
	case domain.And:
		return b.combine(n, "AND", "TRUE")
	case domain.Or:
		return b.combine(n, "OR", "FALSE")
	case domain.Leaf:
		return b.leaf(b.model, b.alias, n)
	}
	return "", nil, fmt.Errorf("unknown domain node %T", d)
}

func (b *builder) combine(children []domain.Domain, op, identity string) (string, []any, error) {
	if len(children) == 0 {
		return identity, nil, nil
	}
	parts := make([]string, 0, len(children))
	var args []any
	for _, child := range children {
		sql, childArgs, err := b.compile(child)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		args = append(args, childArgs...)
	}
	if len(parts) == 1 {
		return parts[0], args, nil
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")", args, nil
}

func (b *builder) leaf(m *schema.Model, alias string, l domain.Leaf) (string, []any, error) {
	head, rest := l.Head()
	if schema.IsSystemColumn(head) {
		if rest != "" {
			return "", nil, fmt.Errorf("%s.%s: cannot traverse a system column", m.Name, head)
		}
		return b.column(m, alias, head, identity, l)
	}
	f, err := m.Field(head)
	if err != nil {
		return "", nil, err
	}

	switch field := f.(type) {
	case *schema.Function:
		if field.Searcher == nil {
			return "", nil, fmt.Errorf("%s.%s is not searchable", m.Name, head)
		}
		rewritten, err := field.Searcher(l)
		if err != nil {
			return "", nil, err
		}
		sub := &builder{c: b.c, ctx: b.ctx, model: m, alias: alias, asOf: b.asOf, aliasN: b.aliasN}
		sql, args, err := sub.compile(rewritten)
		b.aliasN = sub.aliasN
		b.joins = append(b.joins, sub.joins...)
		b.joinArgs = append(b.joinArgs, sub.joinArgs...)
		return sql, args, err

	case *schema.Many2One:
		if l.Op == domain.OpChildOf || l.Op == domain.OpParentOf {
			return b.treeLeaf(m, alias, field, l)
		}
		if rest == "" {
			return b.scalar(m, alias, f, l)
		}
		return b.traverseMany2One(alias, field, domain.Leaf{Path: rest, Op: l.Op, Value: l.Value})

	case *schema.One2Many:
		return b.collection(m, alias, field.Target, field.Inverse, "", "", "", field.Filter, l, rest)

	case *schema.Many2Many:
		return b.collection(m, alias, field.Target, "", field.RelationTable, field.OriginColumn, field.TargetColumn, field.Filter, l, rest)

	case *schema.One2One:
		return b.collection(m, alias, field.Target, "", field.RelationTable, field.OriginColumn, field.TargetColumn, nil, l, rest)

	case *schema.MultiValue:
		return "", nil, fmt.Errorf("%s.%s: multivalue fields resolve per context and cannot be searched directly", m.Name, head)

	case *schema.Reference:
		return b.scalar(m, alias, f, l)

	default:
		if rest != "" {
			return "", nil, fmt.Errorf("%s.%s: cannot traverse a scalar field", m.Name, head)
		}
		return b.scalar(m, alias, f, l)
	}
}

// traverseMany2One compiles a dotted leaf through a foreign key, choosing a
// join for small target tables and a correlated IN subquery past the
// configured row-count threshold.
func (b *builder) traverseMany2One(alias string, field *schema.Many2One, restLeaf domain.Leaf) (string, []any, error) {
	target := b.c.Registry.MustGet(field.Target)

	if b.c.estimate(b.ctx, target.TableName()) <= b.c.Engine.SubqueryThreshold {
		joined := b.nextAlias()
		src, srcArgs, err := b.c.tableSource(target, b.asOf)
		if err != nil {
			return "", nil, err
		}
		b.joins = append(b.joins, fmt.Sprintf("LEFT JOIN %s AS %s ON %s.%s = %s.%s",
			src, quote(joined), quote(joined), quote(schema.ColID), quote(alias), quote(field.Name)))
		b.joinArgs = append(b.joinArgs, srcArgs...)
		return b.leaf(target, joined, restLeaf)
	}

	sub := &builder{c: b.c, ctx: b.ctx, model: target, alias: b.nextAlias(), asOf: b.asOf}
	pred, args, err := sub.leaf(target, sub.alias, restLeaf)
	if err != nil {
		return "", nil, err
	}
	src, srcArgs, err := b.c.tableSource(target, b.asOf)
	if err != nil {
		return "", nil, err
	}
	sql := fmt.Sprintf("%s.%s IN (SELECT %s.%s FROM %s AS %s%s WHERE %s)",
		quote(alias), quote(field.Name),
		quote(sub.alias), quote(schema.ColID),
		src, quote(sub.alias), joinText(sub.joins), pred)
	out := append(append(srcArgs, sub.joinArgs...), args...)
	return sql, out, nil
}

// collection compiles a leaf on a one-to-many or many-to-many field by
// existence over the related rows. Negative operators invert existence: a
// record matches "field != v" when no related row satisfies the positive
// clause. A nil value keeps its distinct meaning of "no related rows at
// all".
func (b *builder) collection(m *schema.Model, alias, targetName, inverse, relTable, originCol, targetCol string, filter domain.Domain, l domain.Leaf, rest string) (string, []any, error) {
	target := b.c.Registry.MustGet(targetName)
	negative := l.Op.Negative()
	op := l.Op
	if negative {
		op = op.Invert()
	}

	// Membership column on the related side.
	sub := &builder{c: b.c, ctx: b.ctx, model: target, alias: b.nextAlias(), asOf: b.asOf}

	var pred string
	var args []any
	var err error
	switch {
	case l.Value == nil && (l.Op == domain.OpEq || l.Op == domain.OpNe):
		// "no related rows at all"; existence inverted below for OpEq.
		negative = l.Op == domain.OpEq
		pred = "TRUE"
	case op == domain.OpWhere:
		subDomain, ok := l.Value.(domain.Domain)
		if !ok {
			return "", nil, fmt.Errorf("%s.%s: 'where' wants a domain value, got %T", m.Name, l.Path, l.Value)
		}
		pred, args, err = sub.compile(subDomain)
	case rest != "":
		pred, args, err = sub.leaf(target, sub.alias, domain.Leaf{Path: rest, Op: op, Value: l.Value})
	default:
		// Bare leaf on the collection: integers address related ids,
		// strings address the target's record name.
		path := schema.ColID
		if _, isStr := l.Value.(string); isStr && target.RecName != "" {
			path = target.RecName
		}
		pred, args, err = sub.leaf(target, sub.alias, domain.Leaf{Path: path, Op: op, Value: l.Value})
	}
	if err != nil {
		return "", nil, err
	}

	// A declared collection filter narrows the related rows in every case,
	// including the "no related rows" one.
	if !domain.Empty(filter) {
		fsql, fargs, ferr := sub.compile(filter)
		if ferr != nil {
			return "", nil, ferr
		}
		pred = "(" + pred + " AND " + fsql + ")"
		args = append(args, fargs...)
	}

	src, srcArgs, err := b.c.tableSource(target, b.asOf)
	if err != nil {
		return "", nil, err
	}

	var inner string
	var innerArgs []any
	if relTable != "" {
		rel := b.nextAlias()
		inner = fmt.Sprintf("SELECT %s.%s FROM %s AS %s JOIN %s AS %s ON %s.%s = %s.%s%s WHERE %s",
			quote(rel), quote(originCol),
			quote(relTable), quote(rel),
			src, quote(sub.alias),
			quote(sub.alias), quote(schema.ColID), quote(rel), quote(targetCol),
			joinText(sub.joins), pred)
		innerArgs = append(append(srcArgs, sub.joinArgs...), args...)
	} else {
		inner = fmt.Sprintf("SELECT %s.%s FROM %s AS %s%s WHERE %s",
			quote(sub.alias), quote(inverse),
			src, quote(sub.alias), joinText(sub.joins), pred)
		innerArgs = append(append(srcArgs, sub.joinArgs...), args...)
	}

	membership := fmt.Sprintf("%s.%s IN (%s)", quote(alias), quote(schema.ColID), inner)
	if negative {
		membership = "NOT (" + membership + ")"
	}
	return membership, innerArgs, nil
}

// treeLeaf compiles child_of/parent_of over a tree-encoded self-referential
// many-to-one.
func (b *builder) treeLeaf(m *schema.Model, alias string, field *schema.Many2One, l domain.Leaf) (string, []any, error) {
	ids, err := idList(l.Value)
	if err != nil {
		return "", nil, fmt.Errorf("%s.%s: %w", m.Name, l.Path, err)
	}
	src, srcArgs, err := b.c.tableSource(m, b.asOf)
	if err != nil {
		return "", nil, err
	}
	p := b.nextAlias()

	switch field.Tree {
	case schema.TreeNestedSet:
		var sql string
		if l.Op == domain.OpChildOf {
			sql = fmt.Sprintf(
				"EXISTS (SELECT 1 FROM %s AS %s WHERE %s.%s = ANY(?) AND %s.%s >= %s.%s AND %s.%s <= %s.%s)",
				src, quote(p), quote(p), quote(schema.ColID),
				quote(alias), quote(field.LeftField), quote(p), quote(field.LeftField),
				quote(alias), quote(field.RightField), quote(p), quote(field.RightField))
		} else {
			sql = fmt.Sprintf(
				"EXISTS (SELECT 1 FROM %s AS %s WHERE %s.%s = ANY(?) AND %s.%s >= %s.%s AND %s.%s <= %s.%s)",
				src, quote(p), quote(p), quote(schema.ColID),
				quote(p), quote(field.LeftField), quote(alias), quote(field.LeftField),
				quote(p), quote(field.RightField), quote(alias), quote(field.RightField))
		}
		return sql, append(srcArgs, ids), nil

	case schema.TreePath:
		var sql string
		if l.Op == domain.OpChildOf {
			sql = fmt.Sprintf(
				"EXISTS (SELECT 1 FROM %s AS %s WHERE %s.%s = ANY(?) AND %s.%s LIKE %s.%s || '%%')",
				src, quote(p), quote(p), quote(schema.ColID),
				quote(alias), quote(field.PathField), quote(p), quote(field.PathField))
		} else {
			sql = fmt.Sprintf(
				"EXISTS (SELECT 1 FROM %s AS %s WHERE %s.%s = ANY(?) AND %s.%s LIKE %s.%s || '%%')",
				src, quote(p), quote(p), quote(schema.ColID),
				quote(p), quote(field.PathField), quote(alias), quote(field.PathField))
		}
		return sql, append(srcArgs, ids), nil
	}
	return "", nil, fmt.Errorf("%s.%s: %s requires a tree encoding", m.Name, l.Path, l.Op)
}

func identity(v any) (any, error) { return v, nil }

// scalar compiles a leaf against a plain column.
func (b *builder) scalar(m *schema.Model, alias string, f schema.Field, l domain.Leaf) (string, []any, error) {
	if !f.Stored() {
		return "", nil, fmt.Errorf("%s.%s: %w", m.Name, l.Path, apperrors.ErrUnknownField)
	}
	return b.column(m, alias, f.FieldName(), f.Encode, l)
}

func (b *builder) column(m *schema.Model, alias, name string, encode func(any) (any, error), l domain.Leaf) (string, []any, error) {
	col := quote(alias) + "." + quote(name)

	switch l.Op {
	case domain.OpEq, domain.OpNe:
		if l.Value == nil {
			if l.Op == domain.OpEq {
				return col + " IS NULL", nil, nil
			}
			return col + " IS NOT NULL", nil, nil
		}
		if bv, ok := l.Value.(bool); ok && !bv {
			// Unset booleans read as false; match NULL alongside.
			if l.Op == domain.OpEq {
				return "(" + col + " = ? OR " + col + " IS NULL)", []any{false}, nil
			}
			return "(" + col + " != ? AND " + col + " IS NOT NULL)", []any{false}, nil
		}
		v, err := encode(l.Value)
		if err != nil {
			return "", nil, err
		}
		if l.Op == domain.OpEq {
			return col + " = ?", []any{v}, nil
		}
		return "(" + col + " != ? OR " + col + " IS NULL)", []any{v}, nil

	case domain.OpLt, domain.OpLe, domain.OpGt, domain.OpGe:
		v, err := encode(l.Value)
		if err != nil {
			return "", nil, err
		}
		return col + " " + string(l.Op) + " ?", []any{v}, nil

	case domain.OpIn, domain.OpNotIn:
		list, err := encodeList(encode, l.Value)
		if err != nil {
			return "", nil, fmt.Errorf("%s.%s: %w", m.Name, l.Path, err)
		}
		if l.Op == domain.OpIn {
			return col + " = ANY(?)", []any{list}, nil
		}
		return "(" + col + " != ALL(?) OR " + col + " IS NULL)", []any{list}, nil

	case domain.OpLike, domain.OpNotLike, domain.OpILike, domain.OpNotILike:
		pattern, ok := l.Value.(string)
		if !ok {
			return "", nil, fmt.Errorf("%s.%s: %s wants a string pattern, got %T", m.Name, l.Path, l.Op, l.Value)
		}
		var sqlOp string
		switch l.Op {
		case domain.OpLike:
			sqlOp = "LIKE"
		case domain.OpNotLike:
			sqlOp = "NOT LIKE"
		case domain.OpILike:
			sqlOp = "ILIKE"
		case domain.OpNotILike:
			sqlOp = "NOT ILIKE"
		}
		return col + " " + sqlOp + " ?", []any{pattern}, nil
	}
	return "", nil, fmt.Errorf("%s.%s: operator %q not supported on this field", m.Name, l.Path, l.Op)
}

// tableSource returns the FROM source of a model: its table, its virtual
// table query, or the history derivation when reading as of a timestamp.
func (c *Compiler) tableSource(m *schema.Model, asOf *time.Time) (string, []any, error) {
	if m.Virtual() {
		return "(" + m.TableQuery + ")", nil, nil
	}
	if asOf != nil {
		if !m.History {
			return "", nil, fmt.Errorf("model %s does not keep history", m.Name)
		}
		return historySource(m, *asOf, c.Engine.HistoryWindowFunctions)
	}
	return quote(m.TableName()), nil, nil
}

// historySource derives a row set holding, per id, the most recent history
// row at or before the as-of timestamp, excluding tombstones. Tombstones are
// recognizable by their null create_date.
func historySource(m *schema.Model, asOf time.Time, windowFunctions bool) (string, []any, error) {
	table := quote(m.HistoryTable())
	ts := fmt.Sprintf("COALESCE(%s, %s)", quote(schema.ColWriteDate), quote(schema.ColCreateDate))

	if windowFunctions {
		sql := fmt.Sprintf(
			`(SELECT * FROM (SELECT *, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s DESC, "__id" DESC) AS "__rank" FROM %s WHERE %s <= ?) AS "__h" WHERE "__rank" = 1 AND %s IS NOT NULL)`,
			quote(schema.ColID), ts, table, ts, quote(schema.ColCreateDate))
		return sql, []any{asOf}, nil
	}

	// Fallback for backends without window functions: max timestamp per id,
	// then max sequence id among ties.
	sql := fmt.Sprintf(
		`(SELECT "__h".* FROM %s AS "__h"
		 JOIN (SELECT %s AS "_id", MAX(%s) AS "_ts" FROM %s WHERE %s <= ? GROUP BY %s) AS "__m"
		 ON "__h".%s = "__m"."_id" AND COALESCE("__h".%s, "__h".%s) = "__m"."_ts"
		 WHERE "__h"."__id" = (
		     SELECT MAX("__h2"."__id") FROM %s AS "__h2"
		     WHERE "__h2".%s = "__m"."_id" AND COALESCE("__h2".%s, "__h2".%s) = "__m"."_ts")
		 AND "__h".%s IS NOT NULL)`,
		table,
		quote(schema.ColID), ts, table, ts, quote(schema.ColID),
		quote(schema.ColID), quote(schema.ColWriteDate), quote(schema.ColCreateDate),
		table,
		quote(schema.ColID), quote(schema.ColWriteDate), quote(schema.ColCreateDate),
		quote(schema.ColCreateDate))
	return sql, []any{asOf}, nil
}

func joinText(joins []string) string {
	if len(joins) == 0 {
		return ""
	}
	return " " + strings.Join(joins, " ")
}

func encodeList(encode func(any) (any, error), v any) ([]any, error) {
	var raw []any
	switch list := v.(type) {
	case []any:
		raw = list
	case []int64:
		raw = make([]any, len(list))
		for i, n := range list {
			raw[i] = n
		}
	case []int:
		raw = make([]any, len(list))
		for i, n := range list {
			raw[i] = int64(n)
		}
	case []string:
		raw = make([]any, len(list))
		for i, s := range list {
			raw[i] = s
		}
	default:
		return nil, fmt.Errorf("'in' wants a sequence, got %T", v)
	}
	out := make([]any, len(raw))
	for i, item := range raw {
		enc, err := encode(item)
		if err != nil {
			return nil, err
		}
		out[i] = enc
	}
	return out, nil
}

func idList(v any) ([]int64, error) {
	switch x := v.(type) {
	case int64:
		return []int64{x}, nil
	case int:
		return []int64{int64(x)}, nil
	case []int64:
		return x, nil
	case []int:
		out := make([]int64, len(x))
		for i, n := range x {
			out[i] = int64(n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("want record ids, got %T", v)
}

func quote(ident string) string {
	return `"` + ident + `"`
}
