package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordCache(t *testing.T) {
	c := newRecordCache()

	_, ok := c.get("res.party", 1, "name")
	assert.False(t, ok)

	c.set("res.party", 1, map[string]any{"name": "ACME", "code": "A"})
	v, ok := c.get("res.party", 1, "name")
	require.True(t, ok)
	assert.Equal(t, "ACME", v)

	// Partial updates merge into the cached row.
	c.set("res.party", 1, map[string]any{"code": "B"})
	v, _ = c.get("res.party", 1, "name")
	assert.Equal(t, "ACME", v)
	v, _ = c.get("res.party", 1, "code")
	assert.Equal(t, "B", v)

	c.invalidate("res.party", []int64{1})
	_, ok = c.get("res.party", 1, "name")
	assert.False(t, ok)
}

func TestSharedCacheEpochInvalidation(t *testing.T) {
	c, err := NewSharedCache(16, nil, zap.NewNop())
	require.NoError(t, err)

	c.Set("res.party", 1, map[string]any{"name": "ACME"})
	row, ok := c.Get("res.party", 1)
	require.True(t, ok)
	assert.Equal(t, "ACME", row["name"])

	c.Invalidate(context.Background(), "res.party")
	_, ok = c.Get("res.party", 1)
	assert.False(t, ok)

	// Other models keep their entries.
	c.Set("res.tag", 2, map[string]any{"name": "vip"})
	c.Invalidate(context.Background(), "res.party")
	_, ok = c.Get("res.tag", 2)
	assert.True(t, ok)
}

func TestSharedCacheCopiesValues(t *testing.T) {
	c, err := NewSharedCache(16, nil, zap.NewNop())
	require.NoError(t, err)

	values := map[string]any{"name": "ACME"}
	c.Set("res.party", 1, values)
	values["name"] = "mutated"

	row, ok := c.Get("res.party", 1)
	require.True(t, ok)
	assert.Equal(t, "ACME", row["name"])
}
