package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpInvertRoundTrip(t *testing.T) {
	ops := []Op{OpEq, OpNe, OpIn, OpNotIn, OpLike, OpNotLike, OpILike, OpNotILike, OpWhere, OpNotWhere, OpLt, OpLe, OpGt, OpGe}
	for _, op := range ops {
		assert.Equal(t, op, op.Invert().Invert(), "op %s", op)
	}
}

func TestNegative(t *testing.T) {
	assert.True(t, OpNe.Negative())
	assert.True(t, OpNotIn.Negative())
	assert.True(t, OpNotWhere.Negative())
	assert.False(t, OpEq.Negative())
	assert.False(t, OpChildOf.Negative())
}

func TestLeafHead(t *testing.T) {
	l := Leaf{Path: "parent.company.code"}
	head, rest := l.Head()
	assert.Equal(t, "parent", head)
	assert.Equal(t, "company.code", rest)
	assert.True(t, l.Relational())

	l = Leaf{Path: "name"}
	head, rest = l.Head()
	assert.Equal(t, "name", head)
	assert.Equal(t, "", rest)
	assert.False(t, l.Relational())
}

func TestEmptyAndConjoin(t *testing.T) {
	assert.True(t, Empty(nil))
	assert.True(t, Empty(And{}))
	assert.True(t, Empty(And{And{}}))
	assert.False(t, Empty(Or{}))
	assert.False(t, Empty(Leaf{Path: "id", Op: OpEq, Value: 1}))

	l := Leaf{Path: "id", Op: OpEq, Value: 1}
	assert.Equal(t, l, Conjoin(And{}, l))
	assert.True(t, Empty(Conjoin(And{}, nil)))

	d := Conjoin(l, Leaf{Path: "name", Op: OpLike, Value: "a%"})
	and, ok := d.(And)
	assert.True(t, ok)
	assert.Len(t, and, 2)
}

func TestLeaves(t *testing.T) {
	d := And{
		Leaf{Path: "a", Op: OpEq, Value: 1},
		Or{
			Leaf{Path: "b", Op: OpEq, Value: 2},
			Leaf{Path: "c.d", Op: OpEq, Value: 3},
		},
	}
	leaves := Leaves(d)
	assert.Len(t, leaves, 3)
	assert.Equal(t, "c.d", leaves[2].Path)
}
