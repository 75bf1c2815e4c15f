package widget

import (
	"fmt"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/expression"
)

// checkInputs verifies required inputs and value rules. Config-kind inputs
// come from the instance config and are not checked here.
func checkInputs(def *Definition, inputs Values) error {
	var errs []errors.FieldError
	for _, in := range def.Inputs {
		if in.Kind == InputConfig {
			continue
		}
		v, ok := inputs[in.Name]
		if !ok || v == nil {
			if in.Required {
				errs = append(errs, errors.FieldError{
					Field: in.Name, Code: errors.CodeRequired, Message: "required input missing",
				})
			}
			continue
		}
		if in.Validation != nil {
			if fe := in.Validation.check(in.Name, v); fe != nil {
				errs = append(errs, *fe)
			}
		}
	}
	return errors.NewFieldErrors(errors.ErrInput, errs)
}

func (r *ValueRule) check(name string, v any) *errors.FieldError {
	if r.Min != nil || r.Max != nil {
		n, ok := expression.ToFloat64(v)
		if !ok {
			return &errors.FieldError{Field: name, Code: errors.CodeType, Message: fmt.Sprintf("expected number, got %T", v)}
		}
		if r.Min != nil && n < *r.Min {
			return &errors.FieldError{Field: name, Code: errors.CodeMin, Message: fmt.Sprintf("value %v is below %v", n, *r.Min)}
		}
		if r.Max != nil && n > *r.Max {
			return &errors.FieldError{Field: name, Code: errors.CodeMax, Message: fmt.Sprintf("value %v is above %v", n, *r.Max)}
		}
	}
	if len(r.OneOf) > 0 {
		for _, allowed := range r.OneOf {
			if c, err := expression.CompareValues(v, allowed); err == nil && c == 0 {
				return nil
			}
		}
		return &errors.FieldError{Field: name, Code: errors.CodeEnum, Message: fmt.Sprintf("value %v is not allowed", v)}
	}
	return nil
}
