package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const partySchema = `
models:
  - name: res.tag
    fields:
      - {name: name, type: char, size: 64, required: true}
  - name: res.party
    history: true
    order: [name, id desc]
    fields:
      - {name: name, type: char, size: 128, required: true, translate: true}
      - {name: code, type: char, size: 16}
      - {name: active, type: boolean}
      - {name: credit_limit, type: numeric, digits: [16, 2]}
      - {name: parent, type: many2one, target: res.party, tree: nested, ondelete: cascade}
      - {name: children, type: one2many, target: res.party, inverse: parent}
      - {name: tags, type: many2many, target: res.tag}
      - {name: origin, type: reference, models: [res.tag]}
    constraints:
      - {id: code_uniq, unique: [code], message: The code must be unique.}
`

func loadParty(t *testing.T) *Registry {
	t.Helper()
	models, err := LoadModels([]byte(partySchema))
	require.NoError(t, err)

	reg := NewRegistry()
	for _, m := range models {
		require.NoError(t, reg.Register(m))
	}
	require.NoError(t, reg.SetUp())
	return reg
}

func TestLoadModels(t *testing.T) {
	reg := loadParty(t)

	party := reg.MustGet("res.party")
	assert.Equal(t, "res_party", party.TableName())
	assert.True(t, party.History)
	assert.Equal(t, "res_party__history", party.HistoryTable())
	assert.Equal(t, "name", party.RecName)
	assert.Equal(t, []Order{{Field: "name"}, {Field: "id", Desc: true}}, party.Order)

	f, err := party.Field("credit_limit")
	require.NoError(t, err)
	num, ok := f.(*Numeric)
	require.True(t, ok)
	require.NotNil(t, num.Digits)
	assert.Equal(t, [2]int{16, 2}, *num.Digits)
}

func TestSetUpFillsTreeDefaults(t *testing.T) {
	reg := loadParty(t)
	party := reg.MustGet("res.party")

	f, err := party.Field("parent")
	require.NoError(t, err)
	m2o := f.(*Many2One)
	assert.Equal(t, TreeNestedSet, m2o.Tree)
	assert.Equal(t, "lft", m2o.LeftField)
	assert.Equal(t, "rgt", m2o.RightField)
	assert.Equal(t, Cascade, m2o.Policy())
}

func TestSetUpFillsJunctionDefaults(t *testing.T) {
	reg := loadParty(t)
	party := reg.MustGet("res.party")

	f, err := party.Field("tags")
	require.NoError(t, err)
	m2m := f.(*Many2Many)
	assert.Equal(t, "res_party_res_tag_rel", m2m.RelationTable)
	assert.Equal(t, "origin", m2m.OriginColumn)
	assert.Equal(t, "target", m2m.TargetColumn)
}

func TestSetUpRejectsUnknownTarget(t *testing.T) {
	models, err := LoadModels([]byte(`
models:
  - name: a.a
    fields:
      - {name: other, type: many2one, target: b.missing}
`))
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, reg.Register(models[0]))
	err = reg.SetUp()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
}

func TestSetUpRejectsBadInverse(t *testing.T) {
	models, err := LoadModels([]byte(`
models:
  - name: a.a
    fields:
      - {name: lines, type: one2many, target: a.b, inverse: missing}
  - name: a.b
    fields:
      - {name: name, type: char}
`))
	require.NoError(t, err)

	reg := NewRegistry()
	for _, m := range models {
		require.NoError(t, reg.Register(m))
	}
	require.Error(t, reg.SetUp())
}

func TestDefaultInverseUsesSingular(t *testing.T) {
	models, err := LoadModels([]byte(`
models:
  - name: stock.moves
    fields:
      - {name: lines, type: one2many, target: stock.line}
  - name: stock.line
    fields:
      - {name: move, type: many2one, target: stock.moves}
`))
	require.NoError(t, err)

	f, err := models[0].Field("lines")
	require.NoError(t, err)
	o2m := f.(*One2Many)
	assert.Equal(t, "move", o2m.Inverse)
}

func TestReferencers(t *testing.T) {
	reg := loadParty(t)
	refs := reg.Referencers("res.party")
	require.Len(t, refs, 1)
	assert.Equal(t, "res.party", refs[0].Model.Name)
	assert.Equal(t, "parent", refs[0].Field.Name)
}
