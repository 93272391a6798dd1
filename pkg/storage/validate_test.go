package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/domain"
	"github.com/quarrylabs/quarry/pkg/pyson"
)

func TestResolveDomainEvaluatesPyson(t *testing.T) {
	d := domain.And{
		domain.Leaf{Path: "company", Op: domain.OpEq, Value: pyson.Get{Key: "company"}},
		domain.Leaf{Path: "active", Op: domain.OpEq, Value: true},
	}

	resolved, err := resolveDomain(d, pyson.Env{"company": int64(5)})
	require.NoError(t, err)

	and, ok := resolved.(domain.And)
	require.True(t, ok)
	assert.Equal(t, domain.Leaf{Path: "company", Op: domain.OpEq, Value: int64(5)}, and[0])
	// Plain values pass through untouched.
	assert.Equal(t, domain.Leaf{Path: "active", Op: domain.OpEq, Value: true}, and[1])
}

func TestResolveDomainNil(t *testing.T) {
	resolved, err := resolveDomain(nil, pyson.Env{})
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestIsEmptyValue(t *testing.T) {
	assert.True(t, isEmptyValue(nil))
	assert.True(t, isEmptyValue(""))
	assert.False(t, isEmptyValue("x"))
	assert.False(t, isEmptyValue(int64(0)))
	// Required booleans accept false; the column is set either way.
	assert.False(t, isEmptyValue(false))
}

func TestSubtract(t *testing.T) {
	assert.Equal(t, []int64{1, 3}, subtract([]int64{1, 2, 3}, []int64{2}))
	assert.Nil(t, subtract([]int64{1}, []int64{1}))
	assert.Equal(t, []int64{1}, subtract([]int64{1}, nil))
}
