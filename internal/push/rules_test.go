package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterIncludeExclude(t *testing.T) {
	f, err := ParseFilter(`{"include":["t","h","s"],"exclude":["h"]}`)
	require.NoError(t, err)
	in := map[string]any{"t": 21.0, "h": 40.0, "s": 1.0, "x": "noise"}
	out, ok := f.Apply(in)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"t": 21.0, "s": 1.0}, out)
	assert.Len(t, in, 4, "input must not be modified")

	f, err = ParseFilter(`{"exclude":["x"]}`)
	require.NoError(t, err)
	out, ok = f.Apply(in)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"t": 21.0, "h": 40.0, "s": 1.0}, out)
}

func TestFilterConditions(t *testing.T) {
	data := map[string]any{"t": 31.0, "mode": "auto-cool", "n": "7", "flag": true}
	cases := []struct {
		cond Condition
		want bool
	}{
		{Condition{"t", ">", 30}, true},
		{Condition{"t", ">", 31}, false},
		{Condition{"t", ">=", 31}, true},
		{Condition{"t", "<", 40.5}, true},
		{Condition{"t", "<=", 30}, false},
		{Condition{"t", "=", "31"}, true},
		{Condition{"t", "!=", 31}, false},
		{Condition{"n", "=", 7}, true},
		{Condition{"mode", "=", "auto-cool"}, true},
		{Condition{"mode", "!=", "off"}, true},
		{Condition{"mode", "contains", "cool"}, true},
		{Condition{"mode", "contains", "heat"}, false},
		{Condition{"mode", ">", 3}, false},
		{Condition{"flag", "=", true}, true},
		{Condition{"missing", "!=", 1}, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.cond.Match(data), "%s %s %v", c.cond.Field, c.cond.Operator, c.cond.Value)
	}
}

func TestFilterFailingConditionDiscards(t *testing.T) {
	f, err := ParseFilter(`{"include":["t","h"],"conditions":[{"field":"t","operator":">","value":30},{"field":"h","operator":"<","value":50}]}`)
	require.NoError(t, err)

	out, ok := f.Apply(map[string]any{"t": 35.0, "h": 40.0, "x": 1})
	require.True(t, ok)
	assert.Equal(t, map[string]any{"t": 35.0, "h": 40.0}, out)

	_, ok = f.Apply(map[string]any{"t": 35.0, "h": 60.0})
	assert.False(t, ok)
}

func TestFilterConditionsSeeNarrowedRecord(t *testing.T) {
	f, err := ParseFilter(`{"exclude":["h"],"conditions":[{"field":"h","operator":"<","value":50}]}`)
	require.NoError(t, err)

	_, ok := f.Apply(map[string]any{"t": 35.0, "h": 40.0})
	assert.False(t, ok, "condition on an excluded field cannot match")
}

func TestParseRules(t *testing.T) {
	f, err := ParseFilter("  ")
	require.NoError(t, err)
	assert.Nil(t, f)
	out, ok := f.Apply(map[string]any{"a": 1})
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"a": 1}, out)

	_, err = ParseFilter(`{"conditions":[{"field":"a","operator":"~","value":1}]}`)
	assert.Error(t, err)
	_, err = ParseFilter(`{`)
	assert.Error(t, err)

	tr, err := ParseTransform("")
	require.NoError(t, err)
	assert.Nil(t, tr)
	_, err = ParseTransform(`[1]`)
	assert.Error(t, err)
}

func TestTransformOrder(t *testing.T) {
	tr, err := ParseTransform(`{
		"fieldMapping":{"t":"temperature","s":"state"},
		"valueMapping":{"state":{"1":"on","0":"off"}},
		"calculated":[{"field":"fahrenheit","expression":"temperature * 1.8 + 32"}]}`)
	require.NoError(t, err)

	out, err := tr.Apply(map[string]any{"t": 100.0, "s": 1.0, "keep": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"temperature": 100.0,
		"state":       "on",
		"fahrenheit":  212.0,
		"keep":        "x",
	}, out)
}

func TestTransformRenameCollision(t *testing.T) {
	tr, err := ParseTransform(`{"fieldMapping":{"t":"temperature","temp_c":"temperature"}}`)
	require.NoError(t, err)

	in := map[string]any{"t": 1.0, "temp_c": 3.0, "temperature": 2.0}
	for i := 0; i < 200; i++ {
		out, err := tr.Apply(in)
		require.NoError(t, err)
		require.Equal(t, map[string]any{"temperature": 3.0}, out, "run %d", i)
	}
}

func TestTransformSkipsFailedCalculation(t *testing.T) {
	tr := &Transform{Calculated: []Calculated{
		{Field: "bad", Expression: "nope + 1"},
		{Field: "ok", Expression: "a * 2"},
	}}
	out, err := tr.Apply(map[string]any{"a": 2})
	assert.Error(t, err)
	assert.Equal(t, 4.0, out["ok"])
	assert.NotContains(t, out, "bad")
}

func TestFilterTransformIdempotent(t *testing.T) {
	f, err := ParseFilter(`{"exclude":["debug"],"conditions":[{"field":"s","operator":"!=","value":"off"}]}`)
	require.NoError(t, err)
	tr, err := ParseTransform(`{
		"fieldMapping":{"temp":"t"},
		"valueMapping":{"s":{"1":"on"}},
		"calculated":[{"field":"f","expression":"t * 1.8 + 32"}]}`)
	require.NoError(t, err)

	apply := func(in map[string]any) map[string]any {
		out, ok := f.Apply(in)
		require.True(t, ok)
		out, err := tr.Apply(out)
		require.NoError(t, err)
		return out
	}
	once := apply(map[string]any{"temp": 20.0, "s": 1.0, "debug": "x"})
	twice := apply(once)
	assert.Equal(t, once, twice)
	assert.Equal(t, map[string]any{"t": 20.0, "s": "on", "f": 68.0}, once)
}
