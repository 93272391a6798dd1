package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeBoundsSingleChild(t *testing.T) {
	// A root with one child: root wraps the child's interval.
	lefts, rights := computeBounds([]int64{1}, map[int64][]int64{1: {2}})

	assert.Equal(t, int64(1), lefts[1])
	assert.Equal(t, int64(2), lefts[2])
	assert.Equal(t, int64(3), rights[2])
	assert.Equal(t, int64(4), rights[1])
}

func TestComputeBoundsForest(t *testing.T) {
	lefts, rights := computeBounds([]int64{1, 5}, map[int64][]int64{
		1: {2, 3},
		3: {4},
	})

	// First tree: 1 -> (2, 3 -> 4).
	assert.Equal(t, int64(1), lefts[1])
	assert.Equal(t, int64(2), lefts[2])
	assert.Equal(t, int64(3), rights[2])
	assert.Equal(t, int64(4), lefts[3])
	assert.Equal(t, int64(5), lefts[4])
	assert.Equal(t, int64(6), rights[4])
	assert.Equal(t, int64(7), rights[3])
	assert.Equal(t, int64(8), rights[1])
	// Second root continues after the first tree.
	assert.Equal(t, int64(9), lefts[5])
	assert.Equal(t, int64(10), rights[5])

	// Descendant intervals nest strictly inside their ancestors'.
	assert.Greater(t, lefts[4], lefts[3])
	assert.Less(t, rights[4], rights[3])
}

func TestLikeEscape(t *testing.T) {
	assert.Equal(t, `1/4/9/`, likeEscape(`1/4/9/`))
	assert.Equal(t, `a\%b\_c\\d`, likeEscape(`a%b_c\d`))
}
