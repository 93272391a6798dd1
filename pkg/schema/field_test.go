package schema

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/apperrors"
)

func TestCharValidate(t *testing.T) {
	f := &Char{Base: Base{Name: "code"}, Size: 4}

	assert.NoError(t, f.Validate("abcd"))

	err := f.Validate("abcde")
	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, apperrors.ValidationSize, verr.Kind)

	err = f.Validate("ab\ncd")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, apperrors.ValidationForbiddenCharacter, verr.Kind)
}

func TestNumericValidateDigits(t *testing.T) {
	f := &Numeric{Base: Base{Name: "amount"}, Digits: &[2]int{5, 2}}

	ok := decimal.RequireFromString("123.45")
	assert.NoError(t, f.Validate(ok))

	tooWide := decimal.RequireFromString("1234.5")
	var verr *apperrors.ValidationError
	require.ErrorAs(t, f.Validate(tooWide), &verr)
	assert.Equal(t, apperrors.ValidationDigits, verr.Kind)

	tooPrecise := decimal.RequireFromString("1.234")
	require.ErrorAs(t, f.Validate(tooPrecise), &verr)
	assert.Equal(t, apperrors.ValidationDigits, verr.Kind)
}

func TestNumericDecode(t *testing.T) {
	f := &Numeric{Base: Base{Name: "amount"}}

	v, err := f.Decode("10.50")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("10.5").Equal(v.(decimal.Decimal)))

	v, err = f.Decode(nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSelectionValidate(t *testing.T) {
	f := &Selection{
		Base:    Base{Name: "state"},
		Options: []SelectionOption{{Value: "draft"}, {Value: "open"}},
	}
	assert.NoError(t, f.Validate("draft"))
	assert.NoError(t, f.Validate(nil))

	var verr *apperrors.ValidationError
	require.ErrorAs(t, f.Validate("closed"), &verr)
	assert.Equal(t, apperrors.ValidationSelection, verr.Kind)
}

func TestDurationRoundTrip(t *testing.T) {
	f := &Duration{Base: Base{Name: "span"}}

	enc, err := f.Encode(90 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(90_000_000), enc)

	dec, err := f.Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, dec)
}

func TestReferenceParseFormat(t *testing.T) {
	s := FormatReference("res.party", 42)
	assert.Equal(t, "res.party,42", s)

	model, id, err := ParseReference(s)
	require.NoError(t, err)
	assert.Equal(t, "res.party", model)
	assert.Equal(t, int64(42), id)

	_, _, err = ParseReference("nonsense")
	require.Error(t, err)
}

func TestBooleanDecodeNil(t *testing.T) {
	f := &Boolean{Base: Base{Name: "active"}}
	v, err := f.Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestModelFieldLookup(t *testing.T) {
	m := NewModel("test.item", &Char{Base: Base{Name: "name"}})
	_, err := m.Field("missing")
	assert.True(t, errors.Is(err, apperrors.ErrUnknownField))
	assert.Equal(t, "name", m.RecName)
	assert.Equal(t, []Order{{Field: "name"}, {Field: "id"}}, m.DefaultOrder())
}
