package workflow

import (
	"context"
	"maps"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c360/tripscope/bus"
	"github.com/c360/tripscope/errors"
)

// schedule holds the armed schedule triggers of one workflow.
type schedule struct {
	stop    chan struct{}
	entries []cron.EntryID
}

// Start arms schedule triggers of active workflows and listens on the control
// channel for widget-message triggers.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStopped, "Engine", "Start", "state check")
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "state check")
	}

	for _, w := range e.List() {
		if w.IsActive {
			e.arm(w)
		}
	}
	e.cron.Start()

	if e.messenger != nil {
		unsub := e.messenger.Subscribe(ControlChannelID, e.handleControl)
		e.trigMu.Lock()
		e.unsubscribe = unsub
		e.trigMu.Unlock()
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = e.Stop(5 * time.Second)
		case <-e.ctx.Done():
		}
	}()

	e.logger.Info("Workflow engine started", "workflows", len(e.List()))
	return nil
}

func (e *Engine) arm(w *Workflow) {
	e.disarm(w.ID)
	s := &schedule{stop: make(chan struct{})}
	for _, t := range w.Triggers {
		if t.Type == TriggerDataThreshold {
			e.logger.Warn("data-threshold triggers are not evaluated", "workflow_id", w.ID)
			continue
		}
		if t.Type != TriggerSchedule {
			continue
		}
		id := w.ID
		if t.Cron != "" {
			entry, err := e.cron.AddFunc(t.Cron, func() { e.fire(id, "schedule", nil) })
			if err != nil {
				e.logger.Warn("Failed to arm cron trigger", "workflow_id", id, "cron", t.Cron, "error", err)
				continue
			}
			s.entries = append(s.entries, entry)
			continue
		}
		go e.tick(id, t.Interval, s.stop)
	}

	e.trigMu.Lock()
	e.schedules[w.ID] = s
	e.trigMu.Unlock()
}

func (e *Engine) tick(id string, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.fire(id, "schedule", nil)
		case <-stop:
			return
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) disarm(id string) {
	e.trigMu.Lock()
	s, ok := e.schedules[id]
	delete(e.schedules, id)
	e.trigMu.Unlock()
	if !ok {
		return
	}
	close(s.stop)
	for _, entry := range s.entries {
		e.cron.Remove(entry)
	}
}

func (e *Engine) stopTriggers() {
	e.trigMu.Lock()
	ids := make([]string, 0, len(e.schedules))
	for id := range e.schedules {
		ids = append(ids, id)
	}
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.trigMu.Unlock()

	for _, id := range ids {
		e.disarm(id)
	}
	if unsub != nil {
		unsub()
	}
	<-e.cron.Stop().Done()
}

func (e *Engine) fire(id, trigger string, data map[string]any) {
	if _, err := e.execute(e.ctx, id, data, trigger); err != nil {
		e.logger.Debug("Triggered workflow not started", "workflow_id", id, "trigger", trigger, "error", err)
	}
}

// Emit starts every active workflow with an event trigger named event and
// returns the started executions.
func (e *Engine) Emit(ctx context.Context, event string, data map[string]any) []*Execution {
	var started []*Execution
	for _, w := range e.List() {
		if !w.IsActive {
			continue
		}
		for _, t := range w.Triggers {
			if t.Type != TriggerEvent || t.Event != event {
				continue
			}
			payload := maps.Clone(data)
			if payload == nil {
				payload = make(map[string]any)
			}
			payload["event"] = event
			x, err := e.execute(ctx, w.ID, payload, "event")
			if err != nil {
				e.logger.Debug("Event-triggered workflow not started", "workflow_id", w.ID, "event", event, "error", err)
				break
			}
			started = append(started, x)
			break
		}
	}
	return started
}

// handleControl starts workflows whose widget-message trigger matches the
// message type and, if set, the sender.
func (e *Engine) handleControl(ctx context.Context, msg bus.Message) error {
	for _, w := range e.List() {
		if !w.IsActive {
			continue
		}
		for _, t := range w.Triggers {
			if t.Type != TriggerWidgetMessage || t.MessageType != msg.Type {
				continue
			}
			if t.Source != "" && t.Source != msg.From {
				continue
			}
			data := map[string]any{
				KeyData:      msg.Payload,
				"message_id": msg.ID,
				"from":       msg.From,
				"type":       msg.Type,
			}
			e.fire(w.ID, "widget-message", data)
			break
		}
	}
	return nil
}
