package query

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/domain"
	"github.com/quarrylabs/quarry/pkg/schema"
)

type fakeEstimator struct {
	rows map[string]int64
}

func (f *fakeEstimator) EstimateRows(_ context.Context, table string) int64 {
	return f.rows[table]
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()

	tag := schema.NewModel("res.tag",
		&schema.Char{Base: schema.Base{Name: "name", Required: true}},
	)
	category := schema.NewModel("res.category",
		&schema.Char{Base: schema.Base{Name: "name"}},
		&schema.Many2One{Base: schema.Base{Name: "parent"}, Target: "res.category", Tree: schema.TreeNestedSet},
	)
	party := schema.NewModel("res.party",
		&schema.Char{Base: schema.Base{Name: "name"}},
		&schema.Char{Base: schema.Base{Name: "code"}},
		&schema.Boolean{Base: schema.Base{Name: "active"}},
		&schema.Many2One{Base: schema.Base{Name: "parent"}, Target: "res.party", Tree: schema.TreePath},
		&schema.Many2One{Base: schema.Base{Name: "category"}, Target: "res.category"},
		&schema.Many2Many{Base: schema.Base{Name: "tags"}, Target: "res.tag"},
		&schema.One2Many{Base: schema.Base{Name: "addresses"}, Target: "res.address", Inverse: "party"},
	)
	party.History = true
	address := schema.NewModel("res.address",
		&schema.Char{Base: schema.Base{Name: "city"}},
		&schema.Many2One{Base: schema.Base{Name: "party"}, Target: "res.party"},
	)

	for _, m := range []*schema.Model{tag, category, party, address} {
		require.NoError(t, reg.Register(m))
	}
	require.NoError(t, reg.SetUp())
	return reg
}

func testCompiler(t *testing.T, rows map[string]int64) *Compiler {
	t.Helper()
	return &Compiler{
		Registry: testRegistry(t),
		Engine:   config.Defaults(),
		Stats:    &fakeEstimator{rows: rows},
	}
}

func TestSelectScalarLeaf(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.party")

	clause, err := c.Select(context.Background(), m,
		domain.Leaf{Path: "code", Op: domain.OpEq, Value: "C-1"}, Options{})
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT "a"."id" FROM "res_party" AS "a" WHERE "a"."code" = $1 ORDER BY "a"."name" ASC, "a"."id" ASC`,
		clause.SQL)
	assert.Equal(t, []any{"C-1"}, clause.Args)
}

func TestSelectNullAndFalse(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.party")
	ctx := context.Background()

	clause, err := c.Select(ctx, m,
		domain.Leaf{Path: "code", Op: domain.OpEq, Value: nil}, Options{Count: true})
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) FROM "res_party" AS "a" WHERE "a"."code" IS NULL`, clause.SQL)
	assert.Empty(t, clause.Args)

	// Unset booleans read as false, so equality with false matches NULL too.
	clause, err = c.Select(ctx, m,
		domain.Leaf{Path: "active", Op: domain.OpEq, Value: false}, Options{Count: true})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT COUNT(*) FROM "res_party" AS "a" WHERE ("a"."active" = $1 OR "a"."active" IS NULL)`,
		clause.SQL)
}

func TestSelectInList(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.party")

	clause, err := c.Select(context.Background(), m,
		domain.Leaf{Path: "code", Op: domain.OpIn, Value: []string{"A", "B"}}, Options{Count: true})
	require.NoError(t, err)
	assert.Contains(t, clause.SQL, `"a"."code" = ANY($1)`)
	require.Len(t, clause.Args, 1)
	assert.Equal(t, []any{"A", "B"}, clause.Args[0])
}

func TestTraversalJoinsSmallTables(t *testing.T) {
	c := testCompiler(t, map[string]int64{"res_category": 50})
	m := c.Registry.MustGet("res.party")

	clause, err := c.Select(context.Background(), m,
		domain.Leaf{Path: "category.name", Op: domain.OpEq, Value: "Suppliers"},
		Options{Count: true})
	require.NoError(t, err)

	assert.Contains(t, clause.SQL, `LEFT JOIN "res_category" AS "a1" ON "a1"."id" = "a"."category"`)
	assert.Contains(t, clause.SQL, `"a1"."name" = $1`)
	assert.NotContains(t, clause.SQL, "IN (SELECT")
}

func TestTraversalSubqueryLargeTables(t *testing.T) {
	c := testCompiler(t, map[string]int64{"res_category": 1_000_000})
	m := c.Registry.MustGet("res.party")

	clause, err := c.Select(context.Background(), m,
		domain.Leaf{Path: "category.name", Op: domain.OpEq, Value: "Suppliers"},
		Options{Count: true})
	require.NoError(t, err)

	assert.NotContains(t, clause.SQL, "LEFT JOIN")
	assert.Contains(t, clause.SQL,
		`"a"."category" IN (SELECT "a1"."id" FROM "res_category" AS "a1" WHERE "a1"."name" = $1)`)
}

func TestOne2ManyExistence(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.party")
	ctx := context.Background()

	clause, err := c.Select(ctx, m,
		domain.Leaf{Path: "addresses.city", Op: domain.OpEq, Value: "Berlin"},
		Options{Count: true})
	require.NoError(t, err)
	assert.Contains(t, clause.SQL,
		`"a"."id" IN (SELECT "a1"."party" FROM "res_address" AS "a1" WHERE "a1"."city" = $1)`)

	// The negated form matches records where NO related row satisfies the
	// positive clause, not records with some non-matching row.
	clause, err = c.Select(ctx, m,
		domain.Leaf{Path: "addresses.city", Op: domain.OpNe, Value: "Berlin"},
		Options{Count: true})
	require.NoError(t, err)
	assert.Contains(t, clause.SQL,
		`NOT ("a"."id" IN (SELECT "a1"."party" FROM "res_address" AS "a1" WHERE "a1"."city" = $1))`)
}

func TestCollectionNilMeansEmpty(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.party")
	ctx := context.Background()

	// "= nil" keeps its distinct meaning: no related rows at all.
	clause, err := c.Select(ctx, m,
		domain.Leaf{Path: "addresses", Op: domain.OpEq, Value: nil}, Options{Count: true})
	require.NoError(t, err)
	assert.Contains(t, clause.SQL,
		`NOT ("a"."id" IN (SELECT "a1"."party" FROM "res_address" AS "a1" WHERE TRUE))`)

	clause, err = c.Select(ctx, m,
		domain.Leaf{Path: "addresses", Op: domain.OpNe, Value: nil}, Options{Count: true})
	require.NoError(t, err)
	assert.Contains(t, clause.SQL,
		`"a"."id" IN (SELECT "a1"."party" FROM "res_address" AS "a1" WHERE TRUE)`)
	assert.NotContains(t, clause.SQL, "NOT (")
}

func TestMany2ManyThroughJunction(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.party")

	clause, err := c.Select(context.Background(), m,
		domain.Leaf{Path: "tags", Op: domain.OpEq, Value: "vip"}, Options{Count: true})
	require.NoError(t, err)

	// String values on a bare collection leaf address the target's record
	// name through the junction table.
	assert.Contains(t, clause.SQL, `"res_party_res_tag_rel" AS "a2"`)
	assert.Contains(t, clause.SQL, `"a2"."origin"`)
	assert.Contains(t, clause.SQL, `"a1"."id" = "a2"."target"`)
	assert.Contains(t, clause.SQL, `"a1"."name" = $1`)
	assert.Equal(t, []any{"vip"}, clause.Args)
}

func TestWhereOperatorScopesOneRow(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.party")

	sub := domain.And{
		domain.Leaf{Path: "city", Op: domain.OpEq, Value: "Berlin"},
		domain.Leaf{Path: "party.active", Op: domain.OpEq, Value: true},
	}
	clause, err := c.Select(context.Background(), m,
		domain.Leaf{Path: "addresses", Op: domain.OpWhere, Value: domain.Domain(sub)},
		Options{Count: true})
	require.NoError(t, err)

	// Both conditions land in the same subquery, so they hold for one and
	// the same related row.
	assert.Contains(t, clause.SQL, `"a1"."city" = $1`)
	assert.Equal(t, 1, strings.Count(clause.SQL, `IN (SELECT "a1"."party"`))
}

func TestChildOfMaterializedPath(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.party")

	clause, err := c.Select(context.Background(), m,
		domain.Leaf{Path: "parent", Op: domain.OpChildOf, Value: []int64{7}},
		Options{Count: true})
	require.NoError(t, err)

	assert.Contains(t, clause.SQL,
		`EXISTS (SELECT 1 FROM "res_party" AS "a1" WHERE "a1"."id" = ANY($1) AND "a"."path" LIKE "a1"."path" || '%')`)
	assert.Equal(t, []any{[]int64{7}}, clause.Args)
}

func TestChildOfNestedSet(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.category")
	ctx := context.Background()

	clause, err := c.Select(ctx, m,
		domain.Leaf{Path: "parent", Op: domain.OpChildOf, Value: int64(3)},
		Options{Count: true})
	require.NoError(t, err)
	assert.Contains(t, clause.SQL, `"a"."lft" >= "a1"."lft"`)
	assert.Contains(t, clause.SQL, `"a"."rgt" <= "a1"."rgt"`)

	clause, err = c.Select(ctx, m,
		domain.Leaf{Path: "parent", Op: domain.OpParentOf, Value: int64(3)},
		Options{Count: true})
	require.NoError(t, err)
	assert.Contains(t, clause.SQL, `"a1"."lft" >= "a"."lft"`)
	assert.Contains(t, clause.SQL, `"a1"."rgt" <= "a"."rgt"`)
}

func TestUnionSplitsTopLevelOr(t *testing.T) {
	c := testCompiler(t, map[string]int64{"res_category": 10})
	m := c.Registry.MustGet("res.party")

	d := domain.Or{
		domain.Leaf{Path: "code", Op: domain.OpEq, Value: "A"},
		domain.Leaf{Path: "category.name", Op: domain.OpEq, Value: "Suppliers"},
	}
	clause, err := c.Select(context.Background(), m, d, Options{
		Order: []schema.Order{{Field: "name"}},
		Limit: 10,
	})
	require.NoError(t, err)

	assert.Contains(t, clause.SQL, " UNION ")
	assert.Contains(t, clause.SQL, `SELECT "id" FROM (`)
	assert.Contains(t, clause.SQL, `ORDER BY "name" ASC`)
	assert.Contains(t, clause.SQL, "LIMIT 10")
	// Each branch carries the order column so the outer sort can use it.
	assert.Contains(t, clause.SQL, `"a"."id", "a"."name"`)
	assert.Equal(t, []any{"A", "Suppliers"}, clause.Args)
}

func TestUnionFallsBackOnRelationalOrder(t *testing.T) {
	c := testCompiler(t, map[string]int64{"res_category": 10})
	m := c.Registry.MustGet("res.party")

	d := domain.Or{
		domain.Leaf{Path: "code", Op: domain.OpEq, Value: "A"},
		domain.Leaf{Path: "category.name", Op: domain.OpEq, Value: "Suppliers"},
	}
	clause, err := c.Select(context.Background(), m, d, Options{
		Order: []schema.Order{{Field: "category.name"}},
	})
	require.NoError(t, err)

	assert.NotContains(t, clause.SQL, " UNION ")
	// Dotted order keys become a scalar subquery over the related table.
	assert.Contains(t, clause.SQL,
		`(SELECT "a_o"."name" FROM "res_category" AS "a_o" WHERE "a_o"."id" = "a"."category") ASC`)
}

func TestOrderByMany2OneUsesNaturalKey(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.party")

	clause, err := c.Select(context.Background(), m, nil, Options{
		Order: []schema.Order{{Field: "category", Desc: true}},
	})
	require.NoError(t, err)
	assert.Contains(t, clause.SQL,
		`(SELECT "a_o"."name" FROM "res_category" AS "a_o" WHERE "a_o"."id" = "a"."category") DESC`)
}

func TestCountCappedByLimit(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.party")

	clause, err := c.Select(context.Background(), m, nil, Options{Count: true, Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT COUNT(*) FROM (SELECT 1 FROM "res_party" AS "a" WHERE TRUE LIMIT 1000) AS "c"`,
		clause.SQL)
}

func TestSelectForUpdate(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.party")

	clause, err := c.Select(context.Background(), m,
		domain.Leaf{Path: "id", Op: domain.OpIn, Value: []int64{1, 2}},
		Options{Lock: true})
	require.NoError(t, err)
	assert.Contains(t, clause.SQL, `FOR UPDATE OF "a" NOWAIT`)
}

func TestHistoryAsOfSource(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.party")
	asOf := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	clause, err := c.Select(context.Background(), m,
		domain.Leaf{Path: "code", Op: domain.OpEq, Value: "A"},
		Options{AsOf: &asOf, Count: true})
	require.NoError(t, err)

	assert.Contains(t, clause.SQL, `"res_party__history"`)
	assert.Contains(t, clause.SQL, "ROW_NUMBER() OVER (PARTITION BY")
	// Tombstones carry a null create_date and must never surface.
	assert.Contains(t, clause.SQL, `"create_date" IS NOT NULL`)
	// The as-of bound binds before the predicate's own argument.
	require.Len(t, clause.Args, 2)
	assert.Equal(t, asOf, clause.Args[0])
	assert.Equal(t, "A", clause.Args[1])
}

func TestHistoryWithoutWindowFunctions(t *testing.T) {
	c := testCompiler(t, nil)
	c.Engine.HistoryWindowFunctions = false
	m := c.Registry.MustGet("res.party")
	asOf := time.Now()

	clause, err := c.Select(context.Background(), m, nil, Options{AsOf: &asOf, Count: true})
	require.NoError(t, err)
	assert.NotContains(t, clause.SQL, "ROW_NUMBER")
	assert.Contains(t, clause.SQL, `MAX(COALESCE("write_date", "create_date"))`)
}

func TestHistoryRequiresHistoryModel(t *testing.T) {
	c := testCompiler(t, nil)
	m := c.Registry.MustGet("res.tag")
	asOf := time.Now()

	_, err := c.Select(context.Background(), m, nil, Options{AsOf: &asOf})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history")
}

func TestRebind(t *testing.T) {
	assert.Equal(t, `a = $1 AND b = ANY($2)`, Rebind(`a = ? AND b = ANY(?)`))
	assert.Equal(t, `no placeholders`, Rebind(`no placeholders`))
}

func TestSearchableFunctionDelegates(t *testing.T) {
	reg := schema.NewRegistry()
	m := schema.NewModel("test.item",
		&schema.Char{Base: schema.Base{Name: "name"}},
		&schema.Function{
			Wraps: &schema.Char{Base: schema.Base{Name: "display"}},
			Getter: func(_ context.Context, _ schema.Env, ids []int64) (map[int64]any, error) {
				return nil, nil
			},
			Searcher: func(l domain.Leaf) (domain.Domain, error) {
				return domain.Leaf{Path: "name", Op: l.Op, Value: l.Value}, nil
			},
		},
	)
	require.NoError(t, reg.Register(m))
	require.NoError(t, reg.SetUp())

	c := &Compiler{Registry: reg, Engine: config.Defaults(), Stats: &fakeEstimator{}}
	clause, err := c.Select(context.Background(), m,
		domain.Leaf{Path: "display", Op: domain.OpILike, Value: "%x%"}, Options{Count: true})
	require.NoError(t, err)
	assert.Contains(t, clause.SQL, `"a"."name" ILIKE $1`)
}
