//go:build integration

package rules_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/rules"
	"github.com/quarrylabs/quarry/pkg/testhelpers"
)

func TestPGTranslationStore(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	ctx := context.Background()
	tx, err := db.DB.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	store := rules.NewPGTranslationStore(tx)

	require.NoError(t, store.SetIDs(ctx, "res.party,name", "de", map[int64]string{
		1: "Holz",
		2: "Stein",
	}))
	// Upserts replace, not duplicate.
	require.NoError(t, store.SetIDs(ctx, "res.party,name", "de", map[int64]string{1: "Wald"}))

	got, err := store.GetIDs(ctx, "res.party,name", "de", []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "Wald", 2: "Stein"}, got)

	// Deleting drops every language of the records.
	require.NoError(t, store.SetIDs(ctx, "res.party,name", "fr", map[int64]string{1: "Bois"}))
	require.NoError(t, store.DeleteIDs(ctx, "res.party,name", []int64{1}))
	got, err = store.GetIDs(ctx, "res.party,name", "de", []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{2: "Stein"}, got)
	got, err = store.GetIDs(ctx, "res.party,name", "fr", []int64{1})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPGTriggerQueue(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	ctx := context.Background()
	tx, err := db.DB.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	queue := rules.NewPGTriggerQueue(tx)
	queue.Add(rules.Trigger{Name: "notify", Model: "res.party", Event: rules.Create})

	trs, err := queue.GetTriggers(ctx, "res.party", rules.Create)
	require.NoError(t, err)
	require.Len(t, trs, 1)

	require.NoError(t, queue.QueueTriggerAction(ctx, trs[0], []int64{1, 2}))
	require.NoError(t, queue.QueueTriggerAction(ctx, trs[0], []int64{3}))
	// Re-queueing the same batch collapses on the dedup key.
	require.NoError(t, queue.QueueTriggerAction(ctx, trs[0], []int64{1, 2}))

	pending, err := queue.Pending(ctx, "res.party", "notify", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, []int64{1, 2}, pending[0].IDs)

	require.NoError(t, queue.MarkDispatched(ctx, "res.party", "notify"))
	pending, err = queue.Pending(ctx, "res.party", "notify", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
