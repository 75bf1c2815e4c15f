package engine

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"time"

	"github.com/c360/tripscope/bus"
	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/pkg/validation"
	"github.com/c360/tripscope/widget"
)

// GroupSyncType is the message type sent to group members on sync.
const GroupSyncType = "group-sync"

// TimeRange is a playback window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// SyncSettings selects which state fields a group keeps in step.
type SyncSettings struct {
	TimeRange bool `json:"time_range"`
	Zoom      bool `json:"zoom"`
	Selection bool `json:"selection"`
}

// SyncState is the shared view state of a group. Nil fields are unset.
type SyncState struct {
	TimeRange *TimeRange `json:"time_range,omitempty"`
	Zoom      *float64   `json:"zoom,omitempty"`
	Selection []string   `json:"selection,omitempty"`
}

func (s SyncState) clone() SyncState {
	if s.TimeRange != nil {
		tr := *s.TimeRange
		s.TimeRange = &tr
	}
	if s.Zoom != nil {
		z := *s.Zoom
		s.Zoom = &z
	}
	s.Selection = slices.Clone(s.Selection)
	return s
}

// Group is a set of instances whose view state is synchronized.
type Group struct {
	ID           string         `json:"id" validate:"required,ident"`
	WidgetIDs    []string       `json:"widget_ids" validate:"dive,required"`
	Layout       map[string]any `json:"layout,omitempty"`
	SharedConfig widget.Values  `json:"shared_config,omitempty"`
	SyncSettings SyncSettings   `json:"sync_settings"`
	State        SyncState      `json:"state"`
}

func (g *Group) clone() *Group {
	c := *g
	c.WidgetIDs = slices.Clone(g.WidgetIDs)
	c.Layout = maps.Clone(g.Layout)
	c.SharedConfig = g.SharedConfig.Clone()
	c.State = g.State.clone()
	return &c
}

// GroupSyncEvent is the payload of a group-sync message. SharedConfig carries
// the group's shared configuration so members can apply it alongside State.
type GroupSyncEvent struct {
	GroupID      string        `json:"group_id"`
	From         string        `json:"from"`
	State        SyncState     `json:"state"`
	SharedConfig widget.Values `json:"shared_config,omitempty"`
}

// CreateGroup registers a group. Every member must be an existing instance.
func (e *Engine) CreateGroup(g Group) error {
	if err := validation.Struct(&g, errors.ErrValidation); err != nil {
		return errors.Wrap(err, "Engine", "CreateGroup", "group validation")
	}
	for _, id := range g.WidgetIDs {
		if _, err := e.manager.Get(id); err != nil {
			return errors.Wrap(err, "Engine", "CreateGroup", "member lookup")
		}
	}

	stored := g.clone()
	stored.WidgetIDs = slices.Compact(slices.Sorted(slices.Values(stored.WidgetIDs)))

	e.groupsMu.Lock()
	if _, exists := e.groups[g.ID]; exists {
		e.groupsMu.Unlock()
		return errors.Conflict("group", g.ID)
	}
	e.groups[g.ID] = stored
	count := len(e.groups)
	e.groupsMu.Unlock()

	e.metrics.setGroups(count)
	e.logger.Debug("Widget group created", "group_id", g.ID, "members", len(stored.WidgetIDs))
	return nil
}

// RemoveGroup deletes a group. Unknown ids are ignored.
func (e *Engine) RemoveGroup(id string) {
	e.groupsMu.Lock()
	delete(e.groups, id)
	count := len(e.groups)
	e.groupsMu.Unlock()
	e.metrics.setGroups(count)
}

// Group returns a copy of a group.
func (e *Engine) Group(id string) (*Group, error) {
	e.groupsMu.RLock()
	defer e.groupsMu.RUnlock()
	g, ok := e.groups[id]
	if !ok {
		return nil, errors.NotFound("group", id)
	}
	return g.clone(), nil
}

// Groups returns copies of every group, sorted by id.
func (e *Engine) Groups() []*Group {
	e.groupsMu.RLock()
	out := make([]*Group, 0, len(e.groups))
	for _, g := range e.groups {
		out = append(out, g.clone())
	}
	e.groupsMu.RUnlock()
	slices.SortFunc(out, func(a, b *Group) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// SyncGroup merges the fields of state enabled by the group's sync settings
// into the group state and sends a group-sync message from fromID to every
// other member. It returns the merged state. When no enabled field is set
// nothing is sent.
func (e *Engine) SyncGroup(ctx context.Context, groupID, fromID string, state SyncState) (SyncState, error) {
	e.groupsMu.Lock()
	g, ok := e.groups[groupID]
	if !ok {
		e.groupsMu.Unlock()
		return SyncState{}, errors.NotFound("group", groupID)
	}
	if !slices.Contains(g.WidgetIDs, fromID) {
		e.groupsMu.Unlock()
		return SyncState{}, errors.WrapInvalid(errors.Invalidf("instance %q is not a member of group %q", fromID, groupID),
			"Engine", "SyncGroup", "membership check")
	}

	changed := false
	if g.SyncSettings.TimeRange && state.TimeRange != nil {
		tr := *state.TimeRange
		g.State.TimeRange = &tr
		changed = true
	}
	if g.SyncSettings.Zoom && state.Zoom != nil {
		z := *state.Zoom
		g.State.Zoom = &z
		changed = true
	}
	if g.SyncSettings.Selection && state.Selection != nil {
		g.State.Selection = slices.Clone(state.Selection)
		changed = true
	}
	merged := g.State.clone()
	shared := g.SharedConfig.Clone()
	members := slices.Clone(g.WidgetIDs)
	e.groupsMu.Unlock()

	if !changed {
		return merged, nil
	}

	e.metrics.recordGroupSync(groupID)
	for _, member := range members {
		if member == fromID {
			continue
		}
		_, err := e.bus.Send(ctx, fromID, bus.Envelope{
			To:      member,
			Type:    GroupSyncType,
			Payload: GroupSyncEvent{GroupID: groupID, From: fromID, State: merged.clone(), SharedConfig: shared.Clone()},
		})
		if err != nil {
			return merged, errors.Wrap(err, "Engine", "SyncGroup", "send sync message")
		}
	}
	return merged, nil
}

// dropGroupMember removes a deleted instance from every group.
func (e *Engine) dropGroupMember(id string) {
	e.groupsMu.Lock()
	defer e.groupsMu.Unlock()
	for _, g := range e.groups {
		g.WidgetIDs = slices.DeleteFunc(g.WidgetIDs, func(m string) bool { return m == id })
	}
}

// restoreGroup replaces a group, keeping only members that exist.
func (e *Engine) restoreGroup(g *Group) {
	stored := g.clone()
	stored.WidgetIDs = slices.DeleteFunc(stored.WidgetIDs, func(id string) bool {
		_, err := e.manager.Get(id)
		return err != nil
	})

	e.groupsMu.Lock()
	e.groups[stored.ID] = stored
	count := len(e.groups)
	e.groupsMu.Unlock()
	e.metrics.setGroups(count)
}
