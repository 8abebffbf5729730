package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Filter is the dataFilter document of a push config.
//
//	{"include":["a"],"exclude":["b"],"conditions":[{"field":"t","operator":">","value":30}]}
type Filter struct {
	Include    []string    `json:"include"`
	Exclude    []string    `json:"exclude"`
	Conditions []Condition `json:"conditions"`
}

type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Transform is the dataTransform document of a push config.
//
//	{"fieldMapping":{"t":"temperature"},"valueMapping":{"s":{"1":"on"}},
//	 "calculated":[{"field":"f","expression":"temperature * 1.8 + 32"}]}
type Transform struct {
	FieldMapping map[string]string         `json:"fieldMapping"`
	ValueMapping map[string]map[string]any `json:"valueMapping"`
	Calculated   []Calculated              `json:"calculated"`
}

type Calculated struct {
	Field      string `json:"field"`
	Expression string `json:"expression"`
}

// ParseFilter decodes raw; blank input yields a nil filter that passes everything.
func ParseFilter(raw string) (*Filter, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var f Filter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("parse data filter: %w", err)
	}
	for _, c := range f.Conditions {
		if !validOperator(c.Operator) {
			return nil, fmt.Errorf("parse data filter: unknown operator %q", c.Operator)
		}
	}
	return &f, nil
}

// ParseTransform decodes raw; blank input yields a nil transform.
func ParseTransform(raw string) (*Transform, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var t Transform
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("parse data transform: %w", err)
	}
	return &t, nil
}

// Apply narrows data to the include/exclude lists, then evaluates the
// conditions against what is left. It reports false when any condition fails,
// including one on a field the lists removed. data is never modified.
func (f *Filter) Apply(data map[string]any) (map[string]any, bool) {
	if f == nil {
		return data, true
	}
	out := make(map[string]any, len(data))
	if len(f.Include) > 0 {
		for _, k := range f.Include {
			if v, ok := data[k]; ok {
				out[k] = v
			}
		}
	} else {
		for k, v := range data {
			out[k] = v
		}
	}
	for _, k := range f.Exclude {
		delete(out, k)
	}
	for _, c := range f.Conditions {
		if !c.Match(out) {
			return nil, false
		}
	}
	return out, true
}

func validOperator(op string) bool {
	switch op {
	case "=", "==", "!=", ">", ">=", "<", "<=", "contains":
		return true
	}
	return false
}

// Match reports whether data satisfies c. A missing field never matches.
func (c Condition) Match(data map[string]any) bool {
	v, ok := data[c.Field]
	if !ok {
		return false
	}
	if c.Operator == "contains" {
		return strings.Contains(stringify(v), stringify(c.Value))
	}
	a, aok := toFloat(v)
	b, bok := toFloat(c.Value)
	if aok && bok {
		switch c.Operator {
		case "=", "==":
			return a == b
		case "!=":
			return a != b
		case ">":
			return a > b
		case ">=":
			return a >= b
		case "<":
			return a < b
		case "<=":
			return a <= b
		}
		return false
	}
	switch c.Operator {
	case "=", "==":
		return stringify(v) == stringify(c.Value)
	case "!=":
		return stringify(v) != stringify(c.Value)
	}
	return false
}

// Apply renames fields, substitutes mapped values, then adds calculated
// fields. Calculations that fail are skipped and returned as one joined error.
func (t *Transform) Apply(data map[string]any) (map[string]any, error) {
	if t == nil {
		return data, nil
	}
	out := make(map[string]any, len(data)+len(t.Calculated))
	var renamed []string
	for k, v := range data {
		if to := t.FieldMapping[k]; to != "" && to != k {
			renamed = append(renamed, k)
			continue
		}
		out[k] = v
	}
	// a renamed field replaces one already carrying the target name; when
	// several fields map to one name the last in key order wins
	sort.Strings(renamed)
	for _, k := range renamed {
		out[t.FieldMapping[k]] = data[k]
	}
	for field, table := range t.ValueMapping {
		v, ok := out[field]
		if !ok {
			continue
		}
		if sub, ok := table[stringify(v)]; ok {
			out[field] = sub
		}
	}
	var errs []error
	for _, c := range t.Calculated {
		if c.Field == "" {
			continue
		}
		v, err := Eval(c.Expression, out)
		if err != nil {
			errs = append(errs, fmt.Errorf("calculated %s: %w", c.Field, err))
			continue
		}
		out[c.Field] = v
	}
	return out, errors.Join(errs...)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}
