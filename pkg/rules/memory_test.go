package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/apperrors"
	"github.com/quarrylabs/quarry/pkg/domain"
)

func TestMemoryRulesDomain(t *testing.T) {
	r := NewMemoryRules()
	ctx := context.Background()

	d, err := r.DomainGet(ctx, "res.party", Read)
	require.NoError(t, err)
	assert.Nil(t, d)

	filter := domain.Leaf{Path: "company", Op: domain.OpEq, Value: int64(1)}
	r.SetDomain("res.party", Read, filter)

	d, err = r.DomainGet(ctx, "res.party", Read)
	require.NoError(t, err)
	assert.Equal(t, domain.Domain(filter), d)

	// Other modes stay unrestricted.
	d, err = r.DomainGet(ctx, "res.party", Write)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestMemoryRulesDeny(t *testing.T) {
	r := NewMemoryRules()
	ctx := context.Background()

	require.NoError(t, r.Check(ctx, "res.party", nil, Write))

	r.Deny("res.party", Write)
	err := r.Check(ctx, "res.party", []string{"name"}, Write)
	var aerr *apperrors.AccessError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "write", aerr.Mode)
	assert.Equal(t, []string{"name"}, aerr.Fields)
}

func TestMemoryTriggers(t *testing.T) {
	d := NewMemoryTriggers()
	ctx := context.Background()

	tr := Trigger{Name: "notify", Model: "res.party", Event: Create}
	d.Add(tr)

	got, err := d.GetTriggers(ctx, "res.party", Create)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, d.QueueTriggerAction(ctx, tr, []int64{1, 2}))
	require.Len(t, d.Queued, 1)
	assert.Equal(t, []int64{1, 2}, d.Queued[0].IDs)
}

func TestMemoryTranslations(t *testing.T) {
	s := NewMemoryTranslations()
	ctx := context.Background()

	require.NoError(t, s.SetIDs(ctx, "res.party,name", "de", map[int64]string{1: "Firma"}))

	got, err := s.GetIDs(ctx, "res.party,name", "de", []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "Firma"}, got)
}
