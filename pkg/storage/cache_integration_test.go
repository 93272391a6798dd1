//go:build integration

package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/schema"
	"github.com/quarrylabs/quarry/pkg/testhelpers"
)

// Creating records leaves their values warm in the transaction cache, so the
// read that typically follows a create is served from memory.
func TestCreateKeepsTransactionCacheWarm(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	ctx := context.Background()

	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(schema.NewModel("res.color",
		&schema.Char{Base: schema.Base{Name: "name"}},
	)))
	require.NoError(t, reg.SetUp())
	require.NoError(t, schema.SyncDDL(ctx, db.DB, reg, zap.NewNop()))

	e := New(reg, config.Defaults(), zap.NewNop(), Options{})
	pgtx, err := db.DB.Begin(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgtx.Rollback(context.Background()) })
	tx := NewTransaction(pgtx, 1)

	ids, err := e.Create(ctx, tx, "res.color", []map[string]any{{"name": "teal"}})
	require.NoError(t, err)

	v, ok := tx.cache().get("res.color", ids[0], "name")
	require.True(t, ok)
	assert.Equal(t, "teal", v)
	assert.True(t, tx.dirty("res.color"))
}
