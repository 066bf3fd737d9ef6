package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateComparison(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	ok, err := e.Evaluate(`ctx.sum > 10.0`, map[string]any{"sum": 12.0})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.Evaluate(`ctx.sum > 10.0`, map[string]any{"sum": 3.0})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluateDollarVarSyntax(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	ok, err := e.Evaluate(`${sum} > 10`, map[string]any{"sum": 12.0})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.Evaluate(`${sum} > 10`, map[string]any{"sum": 3.0})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluateBoolean(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	ok, err := e.Evaluate(`ctx.a && !ctx.b`, map[string]any{"a": true, "b": false})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateNonBooleanIsUnknown(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	_, err = e.Evaluate(`ctx.sum`, map[string]any{"sum": 12.0})
	require.ErrorIs(t, err, ErrResultUnknown)
}

func TestInterpolate(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	out := e.Interpolate("hello ${name}, total ${missing}", map[string]any{"name": "world"})
	require.Equal(t, "hello world, total ", out)
}

func TestEvaluateScriptAssignment(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	result, err := e.EvaluateScript("sum = ctx.number1 + ctx.number2\nsum", map[string]any{
		"number1": 7.0,
		"number2": 5.0,
	})
	require.NoError(t, err)
	require.Equal(t, 12.0, result)
}

func TestEvaluateCheckError(t *testing.T) {
	e, err := New()
	require.NoError(t, err)

	_, err = e.Evaluate(`ctx.a +++ ctx.b`, map[string]any{})
	require.ErrorIs(t, err, ErrCheck)
}
