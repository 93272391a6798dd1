package pyson

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetWithDefault(t *testing.T) {
	env := Env{"company": int64(3)}

	v, err := Evaluate(Get{Key: "company"}, env)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = Evaluate(Get{Key: "missing", Default: "fallback"}, env)
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
}

func TestBooleanCombinators(t *testing.T) {
	env := Env{"active": true, "qty": int64(0)}

	ok, err := EvaluateBool(And{Get{Key: "active"}, Not{Get{Key: "qty"}}}, env)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateBool(Or{Get{Key: "qty"}, Const{Value: false}}, env)
	require.NoError(t, err)
	assert.False(t, ok)

	// Empty combinators keep their identities.
	ok, err = EvaluateBool(And{}, env)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = EvaluateBool(Or{}, env)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEqNormalizesNumbers(t *testing.T) {
	env := Env{"qty": int64(5)}
	ok, err := EvaluateBool(Eq{X: Get{Key: "qty"}, Y: Const{Value: 5}}, env)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIn(t *testing.T) {
	env := Env{"state": "draft"}
	ok, err := EvaluateBool(In{X: Get{Key: "state"}, List: Const{Value: []string{"draft", "open"}}}, env)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = Evaluate(In{X: Get{Key: "state"}, List: Const{Value: "draft"}}, env)
	require.Error(t, err)
}

func TestIf(t *testing.T) {
	env := Env{"posted": false}
	v, err := Evaluate(If{Cond: Get{Key: "posted"}, Then: Const{Value: "yes"}, Else: Const{Value: "no"}}, env)
	require.NoError(t, err)
	assert.Equal(t, "no", v)
}

func TestDateOffsets(t *testing.T) {
	v, err := Evaluate(Date{Days: 1}, nil)
	require.NoError(t, err)
	d, ok := v.(time.Time)
	require.True(t, ok)
	assert.True(t, d.After(time.Now().Add(-24*time.Hour)))
	assert.Equal(t, 0, d.Hour())
}

func TestNilExpr(t *testing.T) {
	v, err := Evaluate(nil, Env{})
	require.NoError(t, err)
	assert.Nil(t, v)
}
