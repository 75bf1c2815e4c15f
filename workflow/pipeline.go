package workflow

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/pkg/validation"
	"github.com/c360/tripscope/router"
	"github.com/c360/tripscope/stream"
	"github.com/c360/tripscope/widget"
)

// Pipeline forwards a source instance's outputs, transformed in order, to
// target instances.
type Pipeline struct {
	ID              string        `json:"id" yaml:"id" validate:"required,ident"`
	SourceWidgetID  string        `json:"source_widget_id" yaml:"source_widget_id" validate:"required"`
	TargetWidgetIDs []string      `json:"target_widget_ids" yaml:"target_widget_ids" validate:"required,min=1,dive,required"`
	Transformations []Transform   `json:"transformations,omitempty" yaml:"transformations,omitempty"`
	IsActive        bool          `json:"is_active" yaml:"is_active"`
	BufferSize      int           `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty" validate:"gte=0"`
	FlushInterval   time.Duration `json:"flush_interval,omitempty" yaml:"flush_interval,omitempty"`
}

// PipelineStats counts pipeline activity.
type PipelineStats struct {
	Forwarded int64        `json:"forwarded"`
	Filtered  int64        `json:"filtered"`
	Failed    int64        `json:"failed"`
	Stream    stream.Stats `json:"stream"`
}

type pipeline struct {
	cfg    Pipeline
	buf    *stream.Buffer
	mu     sync.Mutex
	counts PipelineStats
}

// Pipelines runs data pipelines. It is a widget.Observer and reacts to every
// successful processing of a source instance.
type Pipelines struct {
	target router.Deliverer
	logger *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]*pipeline
}

// NewPipelines creates a pipeline runner delivering to target.
func NewPipelines(target router.Deliverer, logger *slog.Logger) *Pipelines {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipelines{
		target:    target,
		logger:    logger,
		pipelines: make(map[string]*pipeline),
	}
}

// Create validates and starts a pipeline.
func (ps *Pipelines) Create(p Pipeline) error {
	if err := validatePipeline(p); err != nil {
		return errors.Wrap(err, "Pipelines", "Create", "pipeline validation")
	}

	size := p.BufferSize
	if size <= 0 {
		size = 1
	}
	pl := &pipeline{cfg: p}
	pl.cfg.TargetWidgetIDs = slices.Clone(p.TargetWidgetIDs)
	pl.cfg.Transformations = slices.Clone(p.Transformations)
	pl.buf = stream.New(size, p.FlushInterval, stream.WithLogger(ps.logger))
	pl.buf.Subscribe(func(batch []stream.Item) { ps.forward(pl, batch) })

	ps.mu.Lock()
	if _, exists := ps.pipelines[p.ID]; exists {
		ps.mu.Unlock()
		pl.buf.Destroy()
		return errors.Conflict("pipeline", p.ID)
	}
	if through, ok := ps.cycleLocked(p); ok {
		ps.mu.Unlock()
		pl.buf.Destroy()
		return errors.Wrap(errors.NewFieldErrors(errors.ErrValidation, []errors.FieldError{{
			Field:   "target_widget_ids",
			Code:    errors.CodeCustom,
			Message: "pipeline would route " + p.SourceWidgetID + " back to itself through " + through,
		}}), "Pipelines", "Create", "pipeline validation")
	}
	ps.pipelines[p.ID] = pl
	ps.mu.Unlock()

	ps.logger.Debug("Pipeline created", "pipeline_id", p.ID, "source", p.SourceWidgetID, "targets", p.TargetWidgetIDs)
	return nil
}

func validatePipeline(p Pipeline) error {
	var errs []errors.FieldError
	if err := validation.Struct(&p, errors.ErrValidation); err != nil {
		fe, ok := errors.AsFieldErrors(err)
		if !ok {
			return err
		}
		errs = append(errs, fe.Errors...)
	}
	if slices.Contains(p.TargetWidgetIDs, p.SourceWidgetID) {
		errs = append(errs, errors.FieldError{Field: "target_widget_ids", Code: errors.CodeCustom, Message: "a pipeline cannot target its source"})
	}
	for i, t := range p.Transformations {
		if err := t.Validate(); err != nil {
			errs = append(errs, errors.FieldError{Field: "transformations[" + strconv.Itoa(i) + "]", Code: errors.CodeCustom, Message: err.Error()})
		}
	}
	return errors.NewFieldErrors(errors.ErrValidation, errs)
}

// cycleLocked reports whether adding p lets data flow from a target back to
// p's source, and returns the target that closes the loop.
func (ps *Pipelines) cycleLocked(p Pipeline) (string, bool) {
	next := make(map[string][]string, len(ps.pipelines))
	for _, pl := range ps.pipelines {
		next[pl.cfg.SourceWidgetID] = append(next[pl.cfg.SourceWidgetID], pl.cfg.TargetWidgetIDs...)
	}
	for _, start := range p.TargetWidgetIDs {
		seen := map[string]bool{}
		pending := []string{start}
		for len(pending) > 0 {
			id := pending[len(pending)-1]
			pending = pending[:len(pending)-1]
			if id == p.SourceWidgetID {
				return start, true
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			pending = append(pending, next[id]...)
		}
	}
	return "", false
}

// Remove stops a pipeline and drops anything still buffered.
func (ps *Pipelines) Remove(id string) error {
	ps.mu.Lock()
	pl, ok := ps.pipelines[id]
	delete(ps.pipelines, id)
	ps.mu.Unlock()
	if !ok {
		return errors.NotFound("pipeline", id)
	}
	pl.buf.Destroy()
	return nil
}

// SetActive pauses or resumes a pipeline.
func (ps *Pipelines) SetActive(id string, active bool) error {
	ps.mu.RLock()
	pl, ok := ps.pipelines[id]
	ps.mu.RUnlock()
	if !ok {
		return errors.NotFound("pipeline", id)
	}
	pl.mu.Lock()
	pl.cfg.IsActive = active
	pl.mu.Unlock()
	return nil
}

// Flush forces every pipeline buffer to deliver.
func (ps *Pipelines) Flush() {
	ps.mu.RLock()
	all := make([]*pipeline, 0, len(ps.pipelines))
	for _, pl := range ps.pipelines {
		all = append(all, pl)
	}
	ps.mu.RUnlock()
	for _, pl := range all {
		pl.buf.Flush()
	}
}

// List returns the pipelines sorted by id.
func (ps *Pipelines) List() []Pipeline {
	ps.mu.RLock()
	out := make([]Pipeline, 0, len(ps.pipelines))
	for _, pl := range ps.pipelines {
		pl.mu.Lock()
		out = append(out, pl.cfg)
		pl.mu.Unlock()
	}
	ps.mu.RUnlock()
	slices.SortFunc(out, func(a, b Pipeline) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Stats returns counters for one pipeline.
func (ps *Pipelines) Stats(id string) (PipelineStats, bool) {
	ps.mu.RLock()
	pl, ok := ps.pipelines[id]
	ps.mu.RUnlock()
	if !ok {
		return PipelineStats{}, false
	}
	pl.mu.Lock()
	s := pl.counts
	pl.mu.Unlock()
	s.Stream = pl.buf.Stats()
	return s, true
}

// Close destroys every pipeline buffer.
func (ps *Pipelines) Close() {
	ps.mu.Lock()
	all := ps.pipelines
	ps.pipelines = make(map[string]*pipeline)
	ps.mu.Unlock()
	for _, pl := range all {
		pl.buf.Destroy()
	}
}

func (ps *Pipelines) bySource(id string) []*pipeline {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	var out []*pipeline
	for _, pl := range ps.pipelines {
		if pl.cfg.SourceWidgetID == id {
			out = append(out, pl)
		}
	}
	return out
}

func (ps *Pipelines) feed(pl *pipeline, outputs widget.Values) {
	pl.mu.Lock()
	active := pl.cfg.IsActive
	transforms := pl.cfg.Transformations
	pl.mu.Unlock()
	if !active {
		return
	}

	var data any = map[string]any(outputs.Clone())
	for _, t := range transforms {
		out, err := t.Apply(data)
		if err != nil {
			ps.count(pl, func(s *PipelineStats) { s.Failed++ })
			ps.logger.Warn("Pipeline transform failed", "pipeline_id", pl.cfg.ID, "transform", t.Type, "error", err)
			return
		}
		data = out
		if data == nil {
			ps.count(pl, func(s *PipelineStats) { s.Filtered++ })
			return
		}
	}
	if err := pl.buf.Push(toValues(data)); err != nil {
		ps.logger.Debug("Pipeline buffer rejected data", "pipeline_id", pl.cfg.ID, "error", err)
	}
}

func (ps *Pipelines) forward(pl *pipeline, batch []stream.Item) {
	merged := widget.Values{}
	for _, item := range batch {
		if v, ok := item.Value.(widget.Values); ok {
			for k, val := range v {
				merged[k] = val
			}
		}
	}

	pl.mu.Lock()
	targets := slices.Clone(pl.cfg.TargetWidgetIDs)
	pl.mu.Unlock()

	ctx := context.Background()
	for _, id := range targets {
		if err := ps.target.Deliver(ctx, id, merged.Clone()); err != nil {
			ps.count(pl, func(s *PipelineStats) { s.Failed++ })
			ps.logger.Warn("Pipeline delivery failed", "pipeline_id", pl.cfg.ID, "target", id, "error", err)
			continue
		}
		ps.count(pl, func(s *PipelineStats) { s.Forwarded++ })
	}
}

func (ps *Pipelines) count(pl *pipeline, fn func(*PipelineStats)) {
	pl.mu.Lock()
	fn(&pl.counts)
	pl.mu.Unlock()
}

// toValues turns a transform result into target inputs. Records become
// inputs directly; anything else is passed under "data".
func toValues(data any) widget.Values {
	if rec, ok := toRecord(data); ok {
		return widget.Values(rec)
	}
	return widget.Values{KeyData: data}
}

func (ps *Pipelines) InstanceCreated(*widget.Instance, *widget.Definition) {}

// InstanceRemoved deactivates pipelines sourced from the removed instance.
func (ps *Pipelines) InstanceRemoved(id string) {
	for _, pl := range ps.bySource(id) {
		pl.mu.Lock()
		pl.cfg.IsActive = false
		pl.mu.Unlock()
	}
}

func (ps *Pipelines) InstanceProcessed(ev widget.ProcessEvent) {
	if ev.Err != nil || ev.Instance == nil {
		return
	}
	for _, pl := range ps.bySource(ev.Instance.ID) {
		ps.feed(pl, ev.Outputs)
	}
}

func (ps *Pipelines) InstanceUpdated(*widget.Instance) {}
