package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/expression"
)

func TestValidate(t *testing.T) {
	badCond := expression.Compare("", expression.OpEqual, 1)

	tests := []struct {
		name  string
		wf    Workflow
		field string
	}{
		{"missing id", Workflow{Steps: []Step{action("a", "w")}}, "id"},
		{"no steps", Workflow{ID: "w"}, "steps"},
		{"unknown type", Workflow{ID: "w", Steps: []Step{{ID: "a", Type: "jump"}}}, "steps[0].type"},
		{"duplicate step", Workflow{ID: "w", Steps: []Step{action("a", "w"), action("a", "w")}}, "steps.a"},
		{"unknown edge", Workflow{ID: "w", Steps: []Step{action("a", "w", "ghost")}}, "steps.a"},
		{"action without widget", Workflow{ID: "w", Steps: []Step{{ID: "a", Type: StepWidgetAction, Action: "x"}}}, "steps.a.widget_id"},
		{"bad transform", Workflow{ID: "w", Steps: []Step{{ID: "a", Type: StepDataTransform}}}, "steps.a.parameters"},
		{"condition missing", Workflow{ID: "w", Steps: []Step{{ID: "a", Type: StepConditionCheck}}}, "steps.a.condition"},
		{"condition invalid", Workflow{ID: "w", Steps: []Step{{ID: "a", Type: StepConditionCheck, Condition: &badCond}}}, "steps.a.condition"},
		{"bad delay", Workflow{ID: "w", Steps: []Step{{ID: "a", Type: StepDelay, Parameters: map[string]any{"duration": -5}}}}, "steps.a.parameters.duration"},
		{"branch on action", Workflow{ID: "w", Steps: []Step{{ID: "a", Type: StepWidgetAction, WidgetID: "w", Action: "x", OnTrue: []string{"b"}}, action("b", "w")}}, "steps.a"},
		{"no start step", Workflow{ID: "w", Steps: []Step{action("a", "w", "b"), action("b", "w", "a")}}, "steps"},
		{"negative retry", Workflow{ID: "w", Steps: []Step{{ID: "a", Type: StepWidgetAction, WidgetID: "w", Action: "x", ErrorHandling: ErrorHandling{RetryCount: -1}}}}, "steps[0].errorhandling.retrycount"},
		{"schedule without timing", Workflow{ID: "w", Steps: []Step{action("a", "w")}, Triggers: []Trigger{{Type: TriggerSchedule}}}, "triggers[0].interval"},
		{"bad cron", Workflow{ID: "w", Steps: []Step{action("a", "w")}, Triggers: []Trigger{{Type: TriggerSchedule, Cron: "every day"}}}, "triggers[0].cron"},
		{"event without name", Workflow{ID: "w", Steps: []Step{action("a", "w")}, Triggers: []Trigger{{Type: TriggerEvent}}}, "triggers[0].event"},
		{"message without type", Workflow{ID: "w", Steps: []Step{action("a", "w")}, Triggers: []Trigger{{Type: TriggerWidgetMessage}}}, "triggers[0].message_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.wf, nil)
			require.ErrorIs(t, err, errors.ErrValidation)
			fe, ok := errors.AsFieldErrors(err)
			require.True(t, ok)
			var fields []string
			for _, f := range fe.Errors {
				fields = append(fields, f.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestValidate_Accepts(t *testing.T) {
	cond := expression.Compare("data.v", expression.OpExists, nil)
	wf := Workflow{
		ID: "ok",
		Steps: []Step{
			{ID: "check", Type: StepConditionCheck, Condition: &cond, OnTrue: []string{"act"}, OnFalse: []string{"wait"}},
			{ID: "act", Type: StepWidgetAction, WidgetID: "w", Action: "x", ErrorHandling: ErrorHandling{RetryCount: 1, FallbackStep: "wait"}},
			{ID: "wait", Type: StepDelay, Parameters: map[string]any{"duration": "250ms"}},
		},
		Triggers: []Trigger{
			{Type: TriggerSchedule, Cron: "*/5 * * * * *"},
			{Type: TriggerSchedule, Cron: "@hourly"},
			{Type: TriggerDataThreshold},
		},
	}
	require.NoError(t, Validate(&wf, nil))
	assert.Equal(t, []string{"check"}, wf.StartSteps())
	assert.Nil(t, findCycle(&wf))
}

func TestFindCycle(t *testing.T) {
	wf := Workflow{ID: "c", Steps: []Step{
		action("s", "w", "a"),
		action("a", "w", "b"),
		{ID: "b", Type: StepWidgetAction, WidgetID: "w", Action: "x", ErrorHandling: ErrorHandling{FallbackStep: "a"}},
	}}
	assert.Equal(t, []string{"a", "b", "a"}, findCycle(&wf))
}

func TestDelayDuration(t *testing.T) {
	d, err := delayDuration(map[string]any{"duration": 1500})
	require.NoError(t, err)
	assert.Equal(t, "1.5s", d.String())

	d, err = delayDuration(map[string]any{"duration": "2m"})
	require.NoError(t, err)
	assert.Equal(t, "2m0s", d.String())

	_, err = delayDuration(map[string]any{})
	require.Error(t, err)
	_, err = delayDuration(map[string]any{"duration": "-1s"})
	require.Error(t, err)

	d, err = delayDuration(map[string]any{"duration": maxDelayMillis})
	require.NoError(t, err)
	assert.Positive(t, d)
	_, err = delayDuration(map[string]any{"duration": 1e18})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}
