package workflow

import (
	"slices"
	"time"

	"github.com/c360/tripscope/expression"
)

// StepType selects what a step does.
type StepType string

// Step types.
const (
	StepWidgetAction   StepType = "widget-action"
	StepDataTransform  StepType = "data-transform"
	StepConditionCheck StepType = "condition-check"
	StepDelay          StepType = "delay"
)

// TriggerType selects what starts a workflow.
type TriggerType string

// Trigger types. TriggerDataThreshold is accepted but never fires.
const (
	TriggerSchedule      TriggerType = "schedule"
	TriggerEvent         TriggerType = "event"
	TriggerDataThreshold TriggerType = "data-threshold"
	TriggerWidgetMessage TriggerType = "widget-message"
)

// ErrorHandling is the per-step failure policy: retry RetryCount times, then
// run FallbackStep if set, otherwise end the branch.
type ErrorHandling struct {
	RetryCount   int    `json:"retry_count,omitempty" yaml:"retry_count,omitempty" validate:"gte=0,lte=100"`
	FallbackStep string `json:"fallback_step,omitempty" yaml:"fallback_step,omitempty"`
}

// Step is one node of a workflow graph. Condition steps branch to OnTrue
// (or NextSteps when OnTrue is empty) and OnFalse. Other steps continue to
// NextSteps.
type Step struct {
	ID         string           `json:"id" yaml:"id" validate:"required,ident"`
	Type       StepType         `json:"type" yaml:"type" validate:"required,oneof=widget-action data-transform condition-check delay"`
	Name       string           `json:"name,omitempty" yaml:"name,omitempty"`
	WidgetID   string           `json:"widget_id,omitempty" yaml:"widget_id,omitempty"`
	Action     string           `json:"action,omitempty" yaml:"action,omitempty"`
	Parameters map[string]any   `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Condition  *expression.Expr `json:"condition,omitempty" yaml:"condition,omitempty"`
	Predicate  string           `json:"predicate,omitempty" yaml:"predicate,omitempty"`

	NextSteps []string `json:"next_steps,omitempty" yaml:"next_steps,omitempty"`
	OnTrue    []string `json:"on_true,omitempty" yaml:"on_true,omitempty"`
	OnFalse   []string `json:"on_false,omitempty" yaml:"on_false,omitempty"`

	ErrorHandling ErrorHandling `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
}

// edges returns every step id this step can lead to.
func (s *Step) edges() []string {
	out := slices.Concat(s.NextSteps, s.OnTrue, s.OnFalse)
	if s.ErrorHandling.FallbackStep != "" {
		out = append(out, s.ErrorHandling.FallbackStep)
	}
	return out
}

// Trigger starts a workflow.
type Trigger struct {
	Type TriggerType `json:"type" yaml:"type" validate:"required,oneof=schedule event data-threshold widget-message"`
	// schedule: Interval or Cron (robfig/cron syntax, seconds optional)
	Interval time.Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Cron     string        `json:"cron,omitempty" yaml:"cron,omitempty"`
	// event
	Event string `json:"event,omitempty" yaml:"event,omitempty"`
	// widget-message; Source optionally restricts the sender
	MessageType string `json:"message_type,omitempty" yaml:"message_type,omitempty"`
	Source      string `json:"source,omitempty" yaml:"source,omitempty"`
	// data-threshold
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Workflow is a step graph with triggers.
type Workflow struct {
	ID           string    `json:"id" yaml:"id" validate:"required,ident"`
	Name         string    `json:"name" yaml:"name"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	Steps        []Step    `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	Triggers     []Trigger `json:"triggers,omitempty" yaml:"triggers,omitempty" validate:"dive"`
	IsActive     bool      `json:"is_active" yaml:"is_active"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
	LastExecuted time.Time `json:"last_executed,omitempty" yaml:"-"`
	// Cyclic is set at registration when the graph has a cycle.
	Cyclic bool `json:"cyclic" yaml:"-"`
}

// Step returns the step with id.
func (w *Workflow) Step(id string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// StartSteps returns the ids of steps no other step leads to, in declaration order.
func (w *Workflow) StartSteps() []string {
	incoming := make(map[string]bool)
	for i := range w.Steps {
		for _, to := range w.Steps[i].edges() {
			incoming[to] = true
		}
	}
	var out []string
	for _, s := range w.Steps {
		if !incoming[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

func (w *Workflow) clone() *Workflow {
	c := *w
	c.Steps = slices.Clone(w.Steps)
	c.Triggers = slices.Clone(w.Triggers)
	return &c
}

// ExecutionStatus is the state of one workflow run.
type ExecutionStatus string

// Execution states.
const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCapped    ExecutionStatus = "capped"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// StepRecord describes one attempt of one step.
type StepRecord struct {
	StepID    string        `json:"step_id"`
	Type      StepType      `json:"type"`
	Attempt   int           `json:"attempt"`
	Success   bool          `json:"success"`
	Result    any           `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Fallback  bool          `json:"fallback,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// ExecutionRecord is a snapshot of an execution.
type ExecutionRecord struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Trigger        string          `json:"trigger,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at,omitempty"`
	Status         ExecutionStatus `json:"status"`
	Steps          []StepRecord    `json:"steps"`
	LastFailedStep string          `json:"last_failed_step,omitempty"`
	FallbackRan    bool            `json:"fallback_ran"`
	Capped         bool            `json:"capped"`
}

// Attempts counts the recorded attempts of a step.
func (r ExecutionRecord) Attempts(stepID string) int {
	n := 0
	for _, s := range r.Steps {
		if s.StepID == stepID {
			n++
		}
	}
	return n
}
