package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalPrecedence(t *testing.T) {
	cases := map[string]float64{
		"1 + 2 * 3":    7,
		"(1 + 2) * 3":  9,
		"10 - 4 / 2":   8,
		"10 / 4":       2.5,
		"2 * -3":       -6,
		"-(2 + 3) * 2": -10,
		"8 - 2 - 1":    5,
		"16 / 4 / 2":   2,
		"t * 1.8 + 32": 212,
		"a.b + 1":      3,
	}
	vars := map[string]any{"t": 100.0, "a.b": "2"}
	for expr, want := range cases {
		got, err := Eval(expr, vars)
		require.NoError(t, err, expr)
		assert.InDelta(t, want, got, 1e-9, expr)
	}
}

func TestEvalErrors(t *testing.T) {
	vars := map[string]any{"name": "pump", "x": 1}
	for _, expr := range []string{
		"", "1 +", "(1 + 2", "1 / 0", "missing * 2", "name + 1", "1 $ 2", "1 2", "1..2",
	} {
		_, err := Eval(expr, vars)
		assert.Error(t, err, expr)
	}
}

func TestToFloat(t *testing.T) {
	for _, v := range []any{3, int64(3), uint16(3), float32(3), 3.0, "3", " 3 "} {
		f, ok := toFloat(v)
		assert.True(t, ok)
		assert.Equal(t, 3.0, f)
	}
	f, ok := toFloat(true)
	assert.True(t, ok)
	assert.Equal(t, 1.0, f)
	_, ok = toFloat("abc")
	assert.False(t, ok)
	_, ok = toFloat(nil)
	assert.False(t, ok)
}
