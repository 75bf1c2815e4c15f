package widget

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/expression"
	"github.com/c360/tripscope/pkg/cache"
)

// FieldKind tags a ConfigField variant.
type FieldKind string

// Config field kinds.
const (
	KindString  FieldKind = "string"
	KindNumber  FieldKind = "number"
	KindBoolean FieldKind = "boolean"
	KindSelect  FieldKind = "select"
	KindArray   FieldKind = "array"
	KindObject  FieldKind = "object"
)

// Validator is a custom rule run after the kind checks pass.
type Validator func(value any) error

// Base holds what every config field carries. A nil Default means none.
type Base struct {
	Required    bool
	Default     any
	Description string
	Custom      Validator
}

// ConfigField is a closed set of variants: StringField, NumberField,
// BooleanField, SelectField, ArrayField and ObjectField.
type ConfigField interface {
	Kind() FieldKind
	base() Base
	check(name string, value any) []errors.FieldError
	compile() error
}

// StringField accepts strings. Zero MinLen/MaxLen mean unbounded.
type StringField struct {
	Base
	Pattern string
	MinLen  int
	MaxLen  int
}

// NumberField accepts any Go numeric value.
type NumberField struct {
	Base
	Min     *float64
	Max     *float64
	Integer bool
}

// BooleanField accepts bools.
type BooleanField struct {
	Base
}

// SelectField accepts one of Options.
type SelectField struct {
	Base
	Options []string
}

// ArrayField accepts slices. Item, when set, validates every element.
type ArrayField struct {
	Base
	MinItems int
	MaxItems int
	Item     ConfigField
}

// ObjectField accepts maps. Schema, when set, is a JSON Schema document.
type ObjectField struct {
	Base
	Schema map[string]any
}

func (f StringField) Kind() FieldKind  { return KindString }
func (f NumberField) Kind() FieldKind  { return KindNumber }
func (f BooleanField) Kind() FieldKind { return KindBoolean }
func (f SelectField) Kind() FieldKind  { return KindSelect }
func (f ArrayField) Kind() FieldKind   { return KindArray }
func (f ObjectField) Kind() FieldKind  { return KindObject }

func (f StringField) base() Base  { return f.Base }
func (f NumberField) base() Base  { return f.Base }
func (f BooleanField) base() Base { return f.Base }
func (f SelectField) base() Base  { return f.Base }
func (f ArrayField) base() Base   { return f.Base }
func (f ObjectField) base() Base  { return f.Base }

// Float is a convenience for NumberField bounds.
func Float(v float64) *float64 { return &v }

var (
	patternCache = mustCache[*regexp.Regexp](64)
	schemaCache  = mustCache[*gojsonschema.Schema](64)
)

func mustCache[V any](size int) cache.Cache[V] {
	c, err := cache.NewLRU[V](size)
	if err != nil {
		panic(fmt.Sprintf("widget schema cache: %v", err))
	}
	return c
}

func fieldErr(name, code, format string, args ...any) []errors.FieldError {
	return []errors.FieldError{{Field: name, Code: code, Message: fmt.Sprintf(format, args...)}}
}

func (f StringField) compile() error {
	if f.Pattern == "" {
		return nil
	}
	_, err := patternCache.GetOrCreate(f.Pattern, func() (*regexp.Regexp, error) {
		return regexp.Compile(f.Pattern)
	})
	return err
}

func (f StringField) check(name string, value any) []errors.FieldError {
	s, ok := value.(string)
	if !ok {
		return fieldErr(name, errors.CodeType, "expected string, got %T", value)
	}
	if f.MinLen > 0 && len(s) < f.MinLen {
		return fieldErr(name, errors.CodeLength, "length %d is below minimum %d", len(s), f.MinLen)
	}
	if f.MaxLen > 0 && len(s) > f.MaxLen {
		return fieldErr(name, errors.CodeLength, "length %d exceeds maximum %d", len(s), f.MaxLen)
	}
	if f.Pattern != "" {
		re, err := patternCache.GetOrCreate(f.Pattern, func() (*regexp.Regexp, error) {
			return regexp.Compile(f.Pattern)
		})
		if err != nil {
			return fieldErr(name, errors.CodePattern, "invalid pattern: %v", err)
		}
		if !re.MatchString(s) {
			return fieldErr(name, errors.CodePattern, "value %q does not match %s", s, f.Pattern)
		}
	}
	return nil
}

func (f NumberField) compile() error {
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		return fmt.Errorf("min %v greater than max %v", *f.Min, *f.Max)
	}
	return nil
}

func (f NumberField) check(name string, value any) []errors.FieldError {
	n, ok := expression.ToFloat64(value)
	if !ok {
		return fieldErr(name, errors.CodeType, "expected number, got %T", value)
	}
	if f.Integer && n != float64(int64(n)) {
		return fieldErr(name, errors.CodeType, "expected integer, got %v", n)
	}
	if f.Min != nil && n < *f.Min {
		return fieldErr(name, errors.CodeMin, "value %v is below minimum %v", n, *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return fieldErr(name, errors.CodeMax, "value %v exceeds maximum %v", n, *f.Max)
	}
	return nil
}

func (f BooleanField) compile() error { return nil }

func (f BooleanField) check(name string, value any) []errors.FieldError {
	if _, ok := value.(bool); !ok {
		return fieldErr(name, errors.CodeType, "expected boolean, got %T", value)
	}
	return nil
}

func (f SelectField) compile() error {
	if len(f.Options) == 0 {
		return fmt.Errorf("select field has no options")
	}
	return nil
}

func (f SelectField) check(name string, value any) []errors.FieldError {
	s, ok := value.(string)
	if !ok {
		return fieldErr(name, errors.CodeType, "expected string option, got %T", value)
	}
	if !slices.Contains(f.Options, s) {
		return fieldErr(name, errors.CodeEnum, "value %q must be one of [%s]", s, strings.Join(f.Options, ", "))
	}
	return nil
}

func (f ArrayField) compile() error {
	if f.MaxItems > 0 && f.MinItems > f.MaxItems {
		return fmt.Errorf("min items %d greater than max items %d", f.MinItems, f.MaxItems)
	}
	if f.Item != nil {
		return f.Item.compile()
	}
	return nil
}

func (f ArrayField) check(name string, value any) []errors.FieldError {
	rv := reflect.ValueOf(value)
	if value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return fieldErr(name, errors.CodeType, "expected array, got %T", value)
	}
	n := rv.Len()
	if n < f.MinItems {
		return fieldErr(name, errors.CodeLength, "%d items is below minimum %d", n, f.MinItems)
	}
	if f.MaxItems > 0 && n > f.MaxItems {
		return fieldErr(name, errors.CodeLength, "%d items exceeds maximum %d", n, f.MaxItems)
	}
	if f.Item == nil {
		return nil
	}
	var errs []errors.FieldError
	for i := 0; i < n; i++ {
		errs = append(errs, f.Item.check(fmt.Sprintf("%s[%d]", name, i), rv.Index(i).Interface())...)
	}
	return errs
}

func (f ObjectField) compile() error {
	if f.Schema == nil {
		return nil
	}
	_, err := f.schema()
	return err
}

func (f ObjectField) schema() (*gojsonschema.Schema, error) {
	raw, err := json.Marshal(f.Schema)
	if err != nil {
		return nil, err
	}
	return schemaCache.GetOrCreate(string(raw), func() (*gojsonschema.Schema, error) {
		return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	})
}

func (f ObjectField) check(name string, value any) []errors.FieldError {
	if _, ok := value.(map[string]any); !ok {
		if _, ok := value.(Values); !ok {
			return fieldErr(name, errors.CodeType, "expected object, got %T", value)
		}
	}
	if f.Schema == nil {
		return nil
	}
	s, err := f.schema()
	if err != nil {
		return fieldErr(name, errors.CodeSchema, "invalid schema: %v", err)
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return fieldErr(name, errors.CodeSchema, "schema validation: %v", err)
	}
	var errs []errors.FieldError
	for _, re := range result.Errors() {
		field := name
		if re.Field() != "(root)" {
			field = name + "." + re.Field()
		}
		errs = append(errs, errors.FieldError{Field: field, Code: errors.CodeSchema, Message: re.Description()})
	}
	return errs
}

// ValidateConfig checks config against schema and returns a copy with
// defaults applied for absent fields. Unknown fields are kept untouched.
// Failures are returned as *errors.FieldErrors of kind ErrConfig.
func ValidateConfig(schema map[string]ConfigField, config Values) (Values, error) {
	out := config.Clone()
	if out == nil {
		out = make(Values)
	}

	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	slices.Sort(names)

	var errs []errors.FieldError
	for _, name := range names {
		field := schema[name]
		b := field.base()

		value, present := out[name]
		if !present || value == nil {
			if b.Default != nil {
				out[name] = cloneValue(b.Default)
				continue
			}
			if b.Required {
				errs = append(errs, errors.FieldError{
					Field: name, Code: errors.CodeRequired, Message: "field is required",
				})
			}
			continue
		}

		if fe := field.check(name, value); len(fe) > 0 {
			errs = append(errs, fe...)
			continue
		}
		if b.Custom != nil {
			if err := b.Custom(value); err != nil {
				errs = append(errs, errors.FieldError{Field: name, Code: errors.CodeCustom, Message: err.Error()})
			}
		}
	}

	if err := errors.NewFieldErrors(errors.ErrConfig, errs); err != nil {
		return nil, err
	}
	return out, nil
}

// validateSchema checks that each field compiles and that defaults satisfy it.
func validateSchema(schema map[string]ConfigField) []errors.FieldError {
	var errs []errors.FieldError
	for name, field := range schema {
		path := "config_schema." + name
		if field == nil {
			errs = append(errs, errors.FieldError{Field: path, Code: errors.CodeRequired, Message: "field definition is nil"})
			continue
		}
		if err := field.compile(); err != nil {
			errs = append(errs, errors.FieldError{Field: path, Code: errors.CodeSchema, Message: err.Error()})
			continue
		}
		if d := field.base().Default; d != nil {
			errs = append(errs, field.check(path+".default", d)...)
		}
	}
	return errs
}

// DescribeSchema returns a serializable description of a schema.
func DescribeSchema(schema map[string]ConfigField) map[string]FieldDescriptor {
	out := make(map[string]FieldDescriptor, len(schema))
	for name, field := range schema {
		b := field.base()
		d := FieldDescriptor{Kind: field.Kind(), Required: b.Required, Default: b.Default, Description: b.Description}
		switch f := field.(type) {
		case StringField:
			d.Pattern = f.Pattern
		case NumberField:
			d.Min, d.Max = f.Min, f.Max
		case SelectField:
			d.Options = f.Options
		case ObjectField:
			d.Schema = f.Schema
		}
		out[name] = d
	}
	return out
}

// FieldDescriptor is the JSON form of a config field.
type FieldDescriptor struct {
	Kind        FieldKind      `json:"kind"`
	Required    bool           `json:"required,omitempty"`
	Default     any            `json:"default,omitempty"`
	Description string         `json:"description,omitempty"`
	Pattern     string         `json:"pattern,omitempty"`
	Min         *float64       `json:"min,omitempty"`
	Max         *float64       `json:"max,omitempty"`
	Options     []string       `json:"options,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}
