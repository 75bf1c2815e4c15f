// Package expression is a small closed condition language evaluated against
// map-shaped contexts.
//
// An Expr is either a comparison (Field, Operator, Value) or a combinator
// (Logic "and", "or" or "not" over Conditions). There is no string parsing and no
// code execution: expressions are plain data that arrive as Go values, JSON or
// YAML and are checked with Validate before use.
//
//	speeding := expression.Expr{
//	    Logic: expression.LogicAnd,
//	    Conditions: []expression.Expr{
//	        {Field: "value", Operator: expression.OpGreaterThan, Value: 30.0},
//	        {Field: "metadata.unit", Operator: expression.OpEqual, Value: "m/s"},
//	    },
//	}
//	ok, err := expression.Evaluate(speeding, map[string]any{"value": 42.0, "metadata": map[string]any{"unit": "m/s"}})
package expression

import (
	"fmt"
)

// Expr is one node of the condition tree.
type Expr struct {
	// Comparison form
	Field    string `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
	// ValueField compares against another field instead of a literal Value.
	ValueField string `json:"value_field,omitempty" yaml:"value_field,omitempty"`
	// Required turns a missing field into an error instead of a false result.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// Combinator form
	Logic      string `json:"logic,omitempty" yaml:"logic,omitempty"`
	Conditions []Expr `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// IsCombinator reports whether e combines sub-expressions.
func (e Expr) IsCombinator() bool {
	return e.Logic != ""
}

// Compare builds a comparison node.
func Compare(field, op string, value any) Expr {
	return Expr{Field: field, Operator: op, Value: value}
}

// And combines conditions that must all hold.
func And(conds ...Expr) Expr {
	return Expr{Logic: LogicAnd, Conditions: conds}
}

// Or combines conditions of which one must hold.
func Or(conds ...Expr) Expr {
	return Expr{Logic: LogicOr, Conditions: conds}
}

// Not negates a condition.
func Not(cond Expr) Expr {
	return Expr{Logic: LogicNot, Conditions: []Expr{cond}}
}

// OperatorFunc compares a field value with the expression's value.
type OperatorFunc func(fieldValue, compareValue any) (bool, error)

// EvaluationError represents an error during expression evaluation
type EvaluationError struct {
	Field    string
	Operator string
	Message  string
	Err      error
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s: %v",
			e.Field, e.Operator, e.Message, e.Err)
	}
	return fmt.Sprintf("evaluation error for field '%s' with operator '%s': %s",
		e.Field, e.Operator, e.Message)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Comparison operators
const (
	OpEqual            = "eq"
	OpNotEqual         = "ne"
	OpLessThan         = "lt"
	OpLessThanEqual    = "lte"
	OpGreaterThan      = "gt"
	OpGreaterThanEqual = "gte"

	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
	OpRegexMatch = "regex"

	OpIn     = "in"
	OpNotIn  = "not_in"
	OpExists = "exists"
)

// Logic operators
const (
	LogicAnd = "and"
	LogicOr  = "or"
	LogicNot = "not"
)
