package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Field error codes shared by config, input and definition validation.
const (
	CodeRequired = "required"
	CodeType     = "type"
	CodeEnum     = "enum"
	CodeMin      = "min"
	CodeMax      = "max"
	CodePattern  = "pattern"
	CodeLength   = "length"
	CodeSchema   = "schema"
	CodeCustom   = "custom"
)

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FieldErrors aggregates field failures. Kind is the taxonomy sentinel it unwraps to.
type FieldErrors struct {
	Kind   error
	Errors []FieldError
}

// Error joins the individual field messages.
func (fe *FieldErrors) Error() string {
	parts := make([]string, 0, len(fe.Errors))
	for i := range fe.Errors {
		parts = append(parts, fe.Errors[i].Error())
	}
	kind := "validation failed"
	if fe.Kind != nil {
		kind = fe.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", kind, strings.Join(parts, "; "))
}

// Unwrap exposes the taxonomy sentinel.
func (fe *FieldErrors) Unwrap() error {
	return fe.Kind
}

// Has reports whether any field failed with code.
func (fe *FieldErrors) Has(field, code string) bool {
	for _, e := range fe.Errors {
		if e.Field == field && (code == "" || e.Code == code) {
			return true
		}
	}
	return false
}

// NewFieldErrors returns nil when errs is empty so callers can return it directly.
func NewFieldErrors(kind error, errs []FieldError) error {
	if len(errs) == 0 {
		return nil
	}
	return &FieldErrors{Kind: kind, Errors: errs}
}

// AsFieldErrors extracts a FieldErrors from err.
func AsFieldErrors(err error) (*FieldErrors, bool) {
	var fe *FieldErrors
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
