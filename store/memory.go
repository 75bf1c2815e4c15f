package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/widget"
)

type memoryInstance struct {
	inst      *widget.Instance
	sessionID string
}

// Memory is an in-process Adapter. Metric records are capped at maxRecords,
// oldest first out; zero keeps everything.
type Memory struct {
	mu          sync.RWMutex
	definitions map[string]widget.Descriptor
	instances   map[string]memoryInstance
	records     []MetricRecord
	maxRecords  int
}

// NewMemory creates an empty adapter.
func NewMemory(maxRecords int) *Memory {
	return &Memory{
		definitions: make(map[string]widget.Descriptor),
		instances:   make(map[string]memoryInstance),
		maxRecords:  maxRecords,
	}
}

func (m *Memory) SaveDefinition(_ context.Context, def widget.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.definitions[def.ID] = def
	return nil
}

func (m *Memory) SaveInstance(_ context.Context, inst *widget.Instance, sessionID string) error {
	if inst == nil || inst.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Memory", "SaveInstance", "instance validation")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = memoryInstance{inst: inst.Clone(), sessionID: sessionID}
	return nil
}

func (m *Memory) UpdateInstance(_ context.Context, id string, patch InstancePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved, ok := m.instances[id]
	if !ok {
		return errors.NotFound("instance", id)
	}
	patch.Apply(saved.inst)
	return nil
}

func (m *Memory) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id)
	return nil
}

func (m *Memory) SaveMetricRecord(_ context.Context, rec MetricRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if m.maxRecords > 0 && len(m.records) > m.maxRecords {
		m.records = slices.Clone(m.records[len(m.records)-m.maxRecords:])
	}
	return nil
}

func (m *Memory) LoadPersistedInstances(_ context.Context) ([]Persisted, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Persisted, 0, len(m.instances))
	for _, saved := range m.instances {
		out = append(out, Persisted{
			Instance:   saved.inst.Clone(),
			Definition: m.definitions[saved.inst.DefinitionID],
			SessionID:  saved.sessionID,
		})
	}
	slices.SortFunc(out, func(a, b Persisted) int { return strings.Compare(a.Instance.ID, b.Instance.ID) })
	return out, nil
}

func (m *Memory) Close() error { return nil }

// Definition returns a saved definition.
func (m *Memory) Definition(id string) (widget.Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[id]
	return def, ok
}

// MetricRecords returns the saved records for instanceID, or all records
// when instanceID is empty.
func (m *Memory) MetricRecords(instanceID string) []MetricRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []MetricRecord
	for _, rec := range m.records {
		if instanceID == "" || rec.InstanceID == instanceID {
			out = append(out, rec)
		}
	}
	return out
}
