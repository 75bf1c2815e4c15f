package workflow

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/expression"
)

// Transform types.
const (
	TransformFilter    = "filter"
	TransformMap       = "map"
	TransformAggregate = "aggregate"
)

// Transform is a filter, map or aggregate over records. Data is either one
// record (a map) or a list of records.
//
//	filter     keeps records matching Condition
//	map        Fields maps output name to source path; Set adds constants;
//	           Keep retains unmapped fields
//	aggregate  Operation (count, sum, avg, min, max) over Field, optionally
//	           grouped by GroupBy, stored under As
type Transform struct {
	Type      string            `json:"type" yaml:"type"`
	Condition *expression.Expr  `json:"condition,omitempty" yaml:"condition,omitempty"`
	Fields    map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
	Set       map[string]any    `json:"set,omitempty" yaml:"set,omitempty"`
	Keep      bool              `json:"keep,omitempty" yaml:"keep,omitempty"`
	Operation string            `json:"operation,omitempty" yaml:"operation,omitempty"`
	Field     string            `json:"field,omitempty" yaml:"field,omitempty"`
	GroupBy   string            `json:"group_by,omitempty" yaml:"group_by,omitempty"`
	As        string            `json:"as,omitempty" yaml:"as,omitempty"`
}

// TransformFromParameters decodes step parameters into a Transform.
func TransformFromParameters(params map[string]any) (Transform, error) {
	var t Transform
	raw, err := json.Marshal(params)
	if err != nil {
		return t, errors.WrapInvalid(err, "Transform", "FromParameters", "encode parameters")
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, errors.WrapInvalid(err, "Transform", "FromParameters", "decode parameters")
	}
	return t, t.Validate()
}

// Validate checks the transform is complete.
func (t Transform) Validate() error {
	switch t.Type {
	case TransformFilter:
		if t.Condition == nil {
			return errors.Invalidf("filter transform requires a condition")
		}
		if err := expression.Validate(*t.Condition); err != nil {
			return errors.Invalidf("filter condition: %v", err)
		}
	case TransformMap:
		if len(t.Fields) == 0 && len(t.Set) == 0 {
			return errors.Invalidf("map transform requires fields or set")
		}
	case TransformAggregate:
		switch t.Operation {
		case "count":
		case "sum", "avg", "min", "max":
			if t.Field == "" {
				return errors.Invalidf("aggregate %s requires a field", t.Operation)
			}
		default:
			return errors.Invalidf("unknown aggregate operation %q", t.Operation)
		}
	default:
		return errors.Invalidf("unknown transform type %q", t.Type)
	}
	return nil
}

// Apply runs the transform. A single record that is filtered out yields nil.
func (t Transform) Apply(data any) (any, error) {
	records, single, err := asRecords(data)
	if err != nil {
		return nil, err
	}

	switch t.Type {
	case TransformFilter:
		kept := make([]map[string]any, 0, len(records))
		for _, rec := range records {
			ok, err := expression.Evaluate(*t.Condition, rec)
			if err != nil {
				return nil, err
			}
			if ok {
				kept = append(kept, rec)
			}
		}
		if single {
			if len(kept) == 0 {
				return nil, nil
			}
			return kept[0], nil
		}
		return toAny(kept), nil

	case TransformMap:
		out := make([]map[string]any, 0, len(records))
		for _, rec := range records {
			out = append(out, t.mapRecord(rec))
		}
		if single {
			return out[0], nil
		}
		return toAny(out), nil

	case TransformAggregate:
		return t.aggregate(records)
	}
	return nil, errors.Invalidf("unknown transform type %q", t.Type)
}

func (t Transform) mapRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(t.Fields)+len(t.Set))
	if t.Keep {
		for k, v := range rec {
			out[k] = v
		}
	}
	for name, path := range t.Fields {
		if v, ok := expression.Lookup(rec, path); ok {
			out[name] = v
		}
	}
	for name, v := range t.Set {
		out[name] = v
	}
	return out
}

func (t Transform) aggregate(records []map[string]any) (any, error) {
	as := t.As
	if as == "" {
		as = t.Operation
	}

	if t.GroupBy == "" {
		v, err := t.reduce(records)
		if err != nil {
			return nil, err
		}
		return map[string]any{as: v, "count": len(records)}, nil
	}

	groups := make(map[string][]map[string]any)
	keys := make(map[string]any)
	for _, rec := range records {
		k, _ := expression.Lookup(rec, t.GroupBy)
		ks := fmt.Sprint(k)
		groups[ks] = append(groups[ks], rec)
		keys[ks] = k
	}
	names := make([]string, 0, len(groups))
	for k := range groups {
		names = append(names, k)
	}
	slices.Sort(names)

	out := make([]any, 0, len(names))
	for _, k := range names {
		v, err := t.reduce(groups[k])
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]any{t.GroupBy: keys[k], as: v, "count": len(groups[k])})
	}
	return out, nil
}

func (t Transform) reduce(records []map[string]any) (any, error) {
	if t.Operation == "count" {
		if t.Field == "" {
			return len(records), nil
		}
		n := 0
		for _, rec := range records {
			if _, ok := expression.Lookup(rec, t.Field); ok {
				n++
			}
		}
		return n, nil
	}

	var values []float64
	for _, rec := range records {
		v, ok := expression.Lookup(rec, t.Field)
		if !ok {
			continue
		}
		f, ok := expression.ToFloat64(v)
		if !ok {
			return nil, errors.Invalidf("field %q is not numeric in record", t.Field)
		}
		values = append(values, f)
	}
	if len(values) == 0 {
		return nil, nil
	}

	switch t.Operation {
	case "sum":
		return sum(values), nil
	case "avg":
		return sum(values) / float64(len(values)), nil
	case "min":
		m := math.Inf(1)
		for _, v := range values {
			m = math.Min(m, v)
		}
		return m, nil
	case "max":
		m := math.Inf(-1)
		for _, v := range values {
			m = math.Max(m, v)
		}
		return m, nil
	}
	return nil, errors.Invalidf("unknown aggregate operation %q", t.Operation)
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

func asRecords(data any) ([]map[string]any, bool, error) {
	switch d := data.(type) {
	case nil:
		return nil, false, nil
	case map[string]any:
		return []map[string]any{d}, true, nil
	case []map[string]any:
		return d, false, nil
	case []any:
		out := make([]map[string]any, 0, len(d))
		for i, item := range d {
			rec, ok := toRecord(item)
			if !ok {
				return nil, false, errors.Invalidf("record %d is %T, not an object", i, item)
			}
			out = append(out, rec)
		}
		return out, false, nil
	}
	if rec, ok := toRecord(data); ok {
		return []map[string]any{rec}, true, nil
	}
	return nil, false, errors.Invalidf("transform data is %T, not records", data)
}

// toRecord accepts map[string]any and named map types such as widget.Values.
func toRecord(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func toAny(records []map[string]any) []any {
	out := make([]any, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}
