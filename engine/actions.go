package engine

import (
	"context"

	"github.com/c360/tripscope/bus"
	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/widget"
	"github.com/c360/tripscope/workflow"
)

// Built-in actions handled for every instance.
const (
	ActionProcess      = "process"
	ActionPause        = "pause"
	ActionResume       = "resume"
	ActionStop         = "stop"
	ActionUpdateConfig = "update-config"
)

func (e *Engine) subscribeActions(id string) {
	unsub := e.bus.Subscribe(id, func(ctx context.Context, msg bus.Message) error {
		if msg.Type != workflow.ActionRequestType {
			return nil
		}
		return e.handleAction(ctx, id, msg)
	})

	e.actionsMu.Lock()
	if prev, ok := e.actions[id]; ok {
		prev()
	}
	e.actions[id] = unsub
	e.actionsMu.Unlock()
}

func (e *Engine) unsubscribeActions(id string) {
	e.actionsMu.Lock()
	unsub, ok := e.actions[id]
	delete(e.actions, id)
	e.actionsMu.Unlock()
	if ok {
		unsub()
	}
}

func (e *Engine) handleAction(ctx context.Context, id string, msg bus.Message) error {
	req, ok := actionRequest(msg.Payload)
	if !ok || req.Action == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Engine", "handleAction", "decode action request")
	}
	err := e.RunAction(ctx, id, req.Action, req.Parameters)
	e.metrics.recordAction(req.Action, err)
	if err != nil {
		e.logger.Warn("Widget action failed",
			"instance_id", id, "action", req.Action, "workflow_id", req.WorkflowID, "step_id", req.StepID, "error", err)
	}
	return err
}

// RunAction applies a named action to an instance. Built-in actions change
// status, process inputs or update config; any other action is passed to a
// widget.ActionHandler implementation.
func (e *Engine) RunAction(ctx context.Context, id, action string, params map[string]any) error {
	switch action {
	case ActionProcess:
		return e.manager.Process(ctx, id, widget.Values(params))
	case ActionPause:
		return e.manager.SetStatus(id, widget.StatusPaused)
	case ActionResume:
		return e.manager.SetStatus(id, widget.StatusActive)
	case ActionStop:
		return e.manager.SetStatus(id, widget.StatusStopped)
	case ActionUpdateConfig:
		return e.manager.UpdateConfig(ctx, id, widget.Values(params))
	default:
		return e.manager.HandleAction(ctx, id, action, widget.Values(params))
	}
}

// actionRequest accepts the typed payload sent by workflow steps and the
// decoded JSON form sent by external callers.
func actionRequest(payload any) (workflow.ActionRequest, bool) {
	switch p := payload.(type) {
	case workflow.ActionRequest:
		return p, true
	case *workflow.ActionRequest:
		if p == nil {
			return workflow.ActionRequest{}, false
		}
		return *p, true
	case map[string]any:
		req := workflow.ActionRequest{}
		req.Action, _ = p["action"].(string)
		req.WorkflowID, _ = p["workflow_id"].(string)
		req.StepID, _ = p["step_id"].(string)
		req.Parameters, _ = p["parameters"].(map[string]any)
		return req, true
	default:
		return workflow.ActionRequest{}, false
	}
}
