// Package store defines how runtime state is persisted and provides an
// in-memory adapter plus an asynchronous best-effort writer.
//
// Adapters are never on the critical path: the runtime applies every change
// in memory first and hands the write to a Writer, which retries and logs
// failures without reporting them back to the caller.
package store

import (
	"context"
	"time"

	"github.com/c360/tripscope/widget"
)

// Adapter persists definitions, instances and processing records.
type Adapter interface {
	SaveDefinition(ctx context.Context, def widget.Descriptor) error
	SaveInstance(ctx context.Context, inst *widget.Instance, sessionID string) error
	UpdateInstance(ctx context.Context, id string, patch InstancePatch) error
	DeleteInstance(ctx context.Context, id string) error
	SaveMetricRecord(ctx context.Context, rec MetricRecord) error
	LoadPersistedInstances(ctx context.Context) ([]Persisted, error)
	Close() error
}

// Persisted is one instance loaded at startup together with the definition
// it was saved against. Definition is zero when the definition was never saved.
type Persisted struct {
	Instance   *widget.Instance  `json:"instance"`
	Definition widget.Descriptor `json:"definition"`
	SessionID  string            `json:"session_id,omitempty"`
}

// InstancePatch holds the fields to overwrite. Nil fields are left alone.
type InstancePatch struct {
	Name        *string        `json:"name,omitempty"`
	Status      *widget.Status `json:"status,omitempty"`
	Config      widget.Values  `json:"config,omitempty"`
	Inputs      widget.Values  `json:"inputs,omitempty"`
	Outputs     widget.Values  `json:"outputs,omitempty"`
	Metadata    widget.Values  `json:"metadata,omitempty"`
	LastUpdated time.Time      `json:"last_updated,omitzero"`
}

// PatchFrom builds a patch carrying the full mutable state of inst.
func PatchFrom(inst *widget.Instance) InstancePatch {
	name, status := inst.Name, inst.Status
	return InstancePatch{
		Name:        &name,
		Status:      &status,
		Config:      inst.Config.Clone(),
		Inputs:      inst.Inputs.Clone(),
		Outputs:     inst.Outputs.Clone(),
		Metadata:    inst.Metadata.Clone(),
		LastUpdated: inst.LastUpdated,
	}
}

// Apply overwrites the fields of inst that the patch sets.
func (p InstancePatch) Apply(inst *widget.Instance) {
	if p.Name != nil {
		inst.Name = *p.Name
	}
	if p.Status != nil {
		inst.Status = *p.Status
	}
	if p.Config != nil {
		inst.Config = p.Config.Clone()
	}
	if p.Inputs != nil {
		inst.Inputs = p.Inputs.Clone()
	}
	if p.Outputs != nil {
		inst.Outputs = p.Outputs.Clone()
	}
	if p.Metadata != nil {
		inst.Metadata = p.Metadata.Clone()
	}
	if !p.LastUpdated.IsZero() {
		inst.LastUpdated = p.LastUpdated
	}
}

// MetricRecord is the audit row written for every processing call.
type MetricRecord struct {
	InstanceID string        `json:"instance_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Input      widget.Values `json:"input,omitempty"`
	Output     widget.Values `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	DurationMs int64         `json:"duration_ms"`
}

// RecordFrom converts a processing notification into a MetricRecord.
func RecordFrom(ev widget.ProcessEvent) MetricRecord {
	rec := MetricRecord{
		Timestamp:  time.Now().UTC(),
		Input:      ev.Inputs.Clone(),
		Output:     ev.Outputs.Clone(),
		DurationMs: ev.Duration.Milliseconds(),
	}
	if ev.Instance != nil {
		rec.InstanceID = ev.Instance.ID
		if !ev.Instance.LastUpdated.IsZero() {
			rec.Timestamp = ev.Instance.LastUpdated
		}
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	return rec
}
