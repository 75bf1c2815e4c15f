// Package validation wraps a shared go-playground validator and converts its
// failures into field errors.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/c360/tripscope/errors"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	identPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)
	semverPattern = regexp.MustCompile(`^\d+\.\d+(?:\.\d+)?(?:-[0-9A-Za-z-.]+)?$`)
)

// Instance returns the process-wide validator with the custom tags registered:
//
//	ident   ids and names usable as map keys and message channels
//	semver  dotted version strings
func Instance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
			return identPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
			s := fl.Field().String()
			return s == "" || semverPattern.MatchString(s)
		})

		validateInst = v
	})
	return validateInst
}

// Struct validates s and returns a *errors.FieldErrors of the given kind.
func Struct(s any, kind error) error {
	err := Instance().Struct(s)
	if err == nil {
		return nil
	}

	ves, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("%v: %w", err, kind)
	}

	fields := make([]errors.FieldError, 0, len(ves))
	for _, ve := range ves {
		fields = append(fields, errors.FieldError{
			Field:   fieldName(ve),
			Code:    codeFor(ve.Tag()),
			Message: fmt.Sprintf("failed validation for tag '%s'", ve.Tag()),
		})
	}
	return errors.NewFieldErrors(kind, fields)
}

func fieldName(fe validator.FieldError) string {
	parts := strings.Split(fe.Namespace(), ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}

func codeFor(tag string) string {
	switch tag {
	case "required", "required_if", "required_with":
		return errors.CodeRequired
	case "oneof":
		return errors.CodeEnum
	case "min", "gte", "gt":
		return errors.CodeMin
	case "max", "lte", "lt":
		return errors.CodeMax
	case "ident", "semver", "url", "hostname_port":
		return errors.CodePattern
	default:
		return errors.CodeCustom
	}
}
