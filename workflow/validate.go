package workflow

import (
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/expression"
	"github.com/c360/tripscope/pkg/validation"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks a workflow. hasPredicate reports whether a named predicate
// is registered; nil accepts any name.
func Validate(w *Workflow, hasPredicate func(string) bool) error {
	if w == nil {
		return errors.Invalidf("workflow is nil")
	}

	var errs []errors.FieldError
	if err := validation.Struct(w, errors.ErrValidation); err != nil {
		fe, ok := errors.AsFieldErrors(err)
		if !ok {
			return err
		}
		errs = append(errs, fe.Errors...)
	}
	add := func(field, code, format string, args ...any) {
		errs = append(errs, errors.FieldError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	ids := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if ids[s.ID] {
			add("steps."+s.ID, errors.CodeCustom, "duplicate step id")
		}
		ids[s.ID] = true
	}

	for i := range w.Steps {
		s := &w.Steps[i]
		field := "steps." + s.ID
		for _, to := range s.edges() {
			if !ids[to] {
				add(field, errors.CodeCustom, "references unknown step %q", to)
			}
		}

		switch s.Type {
		case StepWidgetAction:
			if s.WidgetID == "" {
				add(field+".widget_id", errors.CodeRequired, "widget-action requires widget_id")
			}
			if s.Action == "" {
				add(field+".action", errors.CodeRequired, "widget-action requires action")
			}
		case StepDataTransform:
			if _, err := TransformFromParameters(s.Parameters); err != nil {
				add(field+".parameters", errors.CodeCustom, "%v", err)
			}
		case StepConditionCheck:
			switch {
			case s.Condition != nil:
				if err := expression.Validate(*s.Condition); err != nil {
					add(field+".condition", errors.CodeCustom, "%v", err)
				}
			case s.Predicate != "":
				if hasPredicate != nil && !hasPredicate(s.Predicate) {
					add(field+".predicate", errors.CodeCustom, "predicate %q is not registered", s.Predicate)
				}
			default:
				add(field+".condition", errors.CodeRequired, "condition-check requires a condition or predicate")
			}
		case StepDelay:
			if _, err := delayDuration(s.Parameters); err != nil {
				add(field+".parameters.duration", errors.CodeCustom, "%v", err)
			}
		}

		if s.Type != StepConditionCheck && (len(s.OnTrue) > 0 || len(s.OnFalse) > 0) {
			add(field, errors.CodeCustom, "on_true and on_false only apply to condition-check steps")
		}
	}

	if len(w.Steps) > 0 && len(w.StartSteps()) == 0 {
		add("steps", errors.CodeCustom, "workflow has no start step")
	}

	for i, t := range w.Triggers {
		field := fmt.Sprintf("triggers[%d]", i)
		switch t.Type {
		case TriggerSchedule:
			if t.Cron != "" {
				if _, err := cronParser.Parse(t.Cron); err != nil {
					add(field+".cron", errors.CodePattern, "%v", err)
				}
			} else if t.Interval <= 0 {
				add(field+".interval", errors.CodeRequired, "schedule trigger requires interval or cron")
			}
		case TriggerEvent:
			if t.Event == "" {
				add(field+".event", errors.CodeRequired, "event trigger requires event")
			}
		case TriggerWidgetMessage:
			if t.MessageType == "" {
				add(field+".message_type", errors.CodeRequired, "widget-message trigger requires message_type")
			}
		}
	}

	return errors.NewFieldErrors(errors.ErrValidation, errs)
}

// findCycle returns one cycle as a path of step ids, or nil.
func findCycle(w *Workflow) []string {
	graph := make(map[string][]string, len(w.Steps))
	for i := range w.Steps {
		graph[w.Steps[i].ID] = w.Steps[i].edges()
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(graph))
	var stack, cycle []string

	var dfs func(string) bool
	dfs = func(node string) bool {
		state[node] = visiting
		stack = append(stack, node)
		for _, next := range graph[node] {
			switch state[next] {
			case unvisited:
				if dfs(next) {
					return true
				}
			case visiting:
				for i := range stack {
					if stack[i] == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						break
					}
				}
				return true
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = visited
		return false
	}

	for i := range w.Steps {
		if state[w.Steps[i].ID] == unvisited && dfs(w.Steps[i].ID) {
			return cycle
		}
	}
	return nil
}

// maxDelayMillis is the largest millisecond count a time.Duration can hold.
const maxDelayMillis = float64(math.MaxInt64 / int64(time.Millisecond))

// delayDuration reads parameters.duration as milliseconds or a duration string.
func delayDuration(params map[string]any) (time.Duration, error) {
	raw, ok := params["duration"]
	if !ok {
		return 0, fmt.Errorf("duration is required")
	}
	if s, ok := raw.(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
		if d < 0 {
			return 0, fmt.Errorf("duration must not be negative")
		}
		return d, nil
	}
	ms, ok := expression.ToFloat64(raw)
	if !ok || math.IsNaN(ms) || ms < 0 {
		return 0, fmt.Errorf("duration must be non-negative milliseconds or a duration string")
	}
	if ms > maxDelayMillis {
		return 0, fmt.Errorf("duration of %g milliseconds is out of range", ms)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}
