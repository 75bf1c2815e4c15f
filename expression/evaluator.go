package expression

import (
	"fmt"
	"reflect"
	"strings"
)

// Evaluator evaluates expressions with a fixed operator table.
type Evaluator struct {
	operators map[string]OperatorFunc
}

var defaultEvaluator = NewEvaluator()

// Evaluate evaluates expr against ctx with the default operators.
func Evaluate(expr Expr, ctx any) (bool, error) {
	return defaultEvaluator.Evaluate(expr, ctx)
}

// Validate checks expr against the default operators.
func Validate(expr Expr) error {
	return defaultEvaluator.Validate(expr)
}

// NewEvaluator creates an evaluator with all built-in operators.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		operators: map[string]OperatorFunc{
			OpEqual:            operatorEqual,
			OpNotEqual:         operatorNotEqual,
			OpLessThan:         ordered(func(c int) bool { return c < 0 }),
			OpLessThanEqual:    ordered(func(c int) bool { return c <= 0 }),
			OpGreaterThan:      ordered(func(c int) bool { return c > 0 }),
			OpGreaterThanEqual: ordered(func(c int) bool { return c >= 0 }),
			OpContains:         operatorContains,
			OpStartsWith:       stringOp(strings.HasPrefix),
			OpEndsWith:         stringOp(strings.HasSuffix),
			OpRegexMatch:       operatorRegex,
			OpIn:               operatorIn,
			OpNotIn: func(a, b any) (bool, error) {
				in, err := operatorIn(a, b)
				return !in, err
			},
		},
	}
}

// Validate reports structural problems: unknown operators or logic, empty
// fields, a "not" without exactly one operand, or an uncompilable regex.
func (e *Evaluator) Validate(expr Expr) error {
	if expr.IsCombinator() {
		switch expr.Logic {
		case LogicAnd, LogicOr:
		case LogicNot:
			if len(expr.Conditions) != 1 {
				return &EvaluationError{Operator: LogicNot, Message: "not takes exactly one condition"}
			}
		default:
			return &EvaluationError{Operator: expr.Logic, Message: "unsupported logic operator"}
		}
		for _, c := range expr.Conditions {
			if err := e.Validate(c); err != nil {
				return err
			}
		}
		return nil
	}

	if expr.Field == "" {
		return &EvaluationError{Operator: expr.Operator, Message: "field is required"}
	}
	if expr.Operator == OpExists {
		return nil
	}
	if _, ok := e.operators[expr.Operator]; !ok {
		return &EvaluationError{Field: expr.Field, Operator: expr.Operator, Message: "unsupported operator"}
	}
	if expr.Operator == OpRegexMatch {
		pattern, ok := expr.Value.(string)
		if !ok {
			return &EvaluationError{Field: expr.Field, Operator: expr.Operator, Message: "regex pattern must be a string"}
		}
		if _, err := compileRegex(pattern); err != nil {
			return &EvaluationError{Field: expr.Field, Operator: expr.Operator, Message: "invalid regex", Err: err}
		}
	}
	return nil
}

// Evaluate evaluates expr against ctx. An empty and/or list is true.
func (e *Evaluator) Evaluate(expr Expr, ctx any) (bool, error) {
	if !expr.IsCombinator() {
		return e.evaluateCondition(expr, ctx)
	}

	switch expr.Logic {
	case LogicAnd:
		for _, c := range expr.Conditions {
			ok, err := e.Evaluate(c, ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case LogicOr:
		if len(expr.Conditions) == 0 {
			return true, nil
		}
		for _, c := range expr.Conditions {
			ok, err := e.Evaluate(c, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case LogicNot:
		if len(expr.Conditions) != 1 {
			return false, &EvaluationError{Operator: LogicNot, Message: "not takes exactly one condition"}
		}
		ok, err := e.Evaluate(expr.Conditions[0], ctx)
		return !ok && err == nil, err

	default:
		return false, &EvaluationError{Operator: expr.Logic, Message: "unsupported logic operator"}
	}
}

func (e *Evaluator) evaluateCondition(expr Expr, ctx any) (bool, error) {
	fieldValue, exists := Lookup(ctx, expr.Field)

	if expr.Operator == OpExists {
		want := true
		if b, ok := expr.Value.(bool); ok {
			want = b
		}
		return exists == want, nil
	}

	if !exists {
		if expr.Required {
			return false, &EvaluationError{Field: expr.Field, Operator: expr.Operator, Message: "required field not found"}
		}
		// Missing optional fields fail the condition.
		return false, nil
	}

	opFunc, ok := e.operators[expr.Operator]
	if !ok {
		return false, &EvaluationError{Field: expr.Field, Operator: expr.Operator, Message: "unsupported operator"}
	}

	compareValue := expr.Value
	if expr.ValueField != "" {
		v, found := Lookup(ctx, expr.ValueField)
		if !found {
			return false, nil
		}
		compareValue = v
	}

	result, err := opFunc(fieldValue, compareValue)
	if err != nil {
		return false, &EvaluationError{
			Field:    expr.Field,
			Operator: expr.Operator,
			Message:  "operator execution failed",
			Err:      err,
		}
	}
	return result, nil
}

func operatorEqual(a, b any) (bool, error) {
	return equalValues(a, b), nil
}

func operatorNotEqual(a, b any) (bool, error) {
	return !equalValues(a, b), nil
}

func ordered(pred func(int) bool) OperatorFunc {
	return func(a, b any) (bool, error) {
		cmp, err := CompareValues(a, b)
		if err != nil {
			return false, err
		}
		return pred(cmp), nil
	}
}

func stringOp(fn func(s, sub string) bool) OperatorFunc {
	return func(a, b any) (bool, error) {
		return fn(toString(a), toString(b)), nil
	}
}

func operatorContains(a, b any) (bool, error) {
	if items, ok := asSlice(a); ok {
		for _, item := range items {
			if equalValues(item, b) {
				return true, nil
			}
		}
		return false, nil
	}
	return strings.Contains(toString(a), toString(b)), nil
}

func operatorRegex(a, b any) (bool, error) {
	pattern, ok := b.(string)
	if !ok {
		return false, fmt.Errorf("regex pattern must be a string")
	}
	re, err := compileRegex(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(toString(a)), nil
}

func operatorIn(a, b any) (bool, error) {
	items, ok := asSlice(b)
	if !ok {
		return false, fmt.Errorf("in operator requires a list value")
	}
	for _, item := range items {
		if equalValues(a, item) {
			return true, nil
		}
	}
	return false, nil
}

// CompareValues orders two values: numerically when both are numbers,
// otherwise by their string forms. Bools only compare for equality.
func CompareValues(a, b any) (int, error) {
	aNum, aIsNum := ToFloat64(a)
	bNum, bIsNum := ToFloat64(b)
	if aIsNum && bIsNum {
		switch {
		case aNum < bNum:
			return -1, nil
		case aNum > bNum:
			return 1, nil
		}
		return 0, nil
	}

	if _, ok := a.(bool); ok {
		return 0, fmt.Errorf("cannot order boolean values")
	}
	if aIsNum != bIsNum && a != nil && b != nil {
		return 0, fmt.Errorf("cannot order %T against %T", a, b)
	}
	return strings.Compare(toString(a), toString(b)), nil
}

func equalValues(a, b any) bool {
	aNum, aIsNum := ToFloat64(a)
	bNum, bIsNum := ToFloat64(b)
	if aIsNum && bIsNum {
		return aNum == bNum
	}
	if aIsNum != bIsNum {
		return false
	}
	return reflect.DeepEqual(a, b) || (isScalar(a) && isScalar(b) && toString(a) == toString(b))
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	return false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// ToFloat64 converts any Go numeric value to float64.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}
