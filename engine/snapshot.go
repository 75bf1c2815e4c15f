package engine

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/c360/tripscope/bus"
	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/monitor"
	"github.com/c360/tripscope/widget"
)

// Snapshot is the saved runtime state. Definitions are not included and must
// be registered before import.
type Snapshot struct {
	ID             string             `json:"id"`
	Timestamp      time.Time          `json:"timestamp"`
	Instances      []*widget.Instance `json:"instances"`
	RecentMetrics  []monitor.Metric   `json:"recent_metrics"`
	RecentMessages []bus.Message      `json:"recent_messages"`
	Groups         []*Group           `json:"groups,omitempty"`
}

// ExportSnapshot captures every instance and group with the most recent
// metrics and messages.
func (e *Engine) ExportSnapshot() *Snapshot {
	start := time.Now()
	snap := &Snapshot{
		ID:             uuid.NewString(),
		Timestamp:      start,
		Instances:      e.manager.List(),
		RecentMetrics:  e.monitor.Recent(e.cfg.SnapshotLimit),
		RecentMessages: e.bus.Recent(e.cfg.SnapshotLimit),
		Groups:         e.Groups(),
	}
	e.metrics.recordSnapshot("export", nil, time.Since(start).Seconds())
	e.logger.Debug("Snapshot exported", "snapshot_id", snap.ID, "instances", len(snap.Instances))
	return snap
}

// ImportSnapshot restores a snapshot. Instances with ids already present are
// replaced only once their snapshot copy has initialized. Instances that cannot be restored are reported in the returned
// error and the rest of the snapshot is still applied.
func (e *Engine) ImportSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Engine", "ImportSnapshot", "snapshot check")
	}
	start := time.Now()

	var errs []error
	for _, inst := range snap.Instances {
		if inst == nil {
			continue
		}
		if _, err := e.manager.Replace(ctx, inst); err != nil {
			errs = append(errs, errors.Wrap(err, "Engine", "ImportSnapshot", "restore "+inst.ID))
		}
	}

	e.monitor.Restore(snap.RecentMetrics)
	e.bus.Restore(snap.RecentMessages)
	for _, g := range snap.Groups {
		if g != nil && g.ID != "" {
			e.restoreGroup(g)
		}
	}

	err := stderrors.Join(errs...)
	e.metrics.recordSnapshot("import", err, time.Since(start).Seconds())
	e.logger.Info("Snapshot imported",
		"snapshot_id", snap.ID, "instances", len(snap.Instances), "failed", len(errs))
	return err
}
