package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransactionContextDerivation(t *testing.T) {
	tx := NewTransaction(nil, 7)

	assert.Equal(t, int64(7), tx.User())
	assert.Equal(t, DefaultLanguage, tx.Language())
	assert.True(t, tx.CheckAccess())
	assert.Nil(t, tx.AsOf())

	asOf := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	derived := tx.WithContext(map[string]any{
		CtxLanguage:    "de",
		CtxAsOf:        asOf,
		CtxCheckAccess: false,
	})

	assert.Equal(t, "de", derived.Language())
	assert.False(t, derived.CheckAccess())
	if assert.NotNil(t, derived.AsOf()) {
		assert.True(t, derived.AsOf().Equal(asOf))
	}

	// The original transaction is untouched.
	assert.Equal(t, DefaultLanguage, tx.Language())
	assert.True(t, tx.CheckAccess())
	assert.Nil(t, tx.AsOf())
}

func TestTransactionTempIDs(t *testing.T) {
	tx := NewTransaction(nil, 1)

	first := tx.NextTempID()
	second := tx.NextTempID()
	assert.Negative(t, first)
	assert.Less(t, second, first)

	// Derived transactions share the allocator.
	derived := tx.WithContext(map[string]any{CtxLanguage: "fr"})
	third := derived.NextTempID()
	assert.Less(t, third, second)
}

func TestTransactionDirtyModels(t *testing.T) {
	tx := NewTransaction(nil, 1)
	assert.False(t, tx.dirty("res.party"))

	// Derived transactions share the dirty set.
	derived := tx.WithContext(map[string]any{CtxLanguage: "de"})
	derived.markDirty("res.party")
	assert.True(t, tx.dirty("res.party"))
	assert.False(t, tx.dirty("res.tag"))
}

func TestTransactionTimestamps(t *testing.T) {
	tx := NewTransaction(nil, 1)
	assert.Nil(t, tx.Timestamps())

	seen := map[string]time.Time{"res.party,3": time.Now()}
	derived := tx.WithContext(map[string]any{CtxTimestamp: seen})
	assert.Equal(t, seen, derived.Timestamps())
}
