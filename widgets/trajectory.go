package widgets

import (
	"context"
	"math"

	"github.com/c360/tripscope/widget"
)

// TrajectoryStatsID identifies the trajectory-stats definition.
const TrajectoryStatsID = "trajectory-stats"

// TrajectoryStats accumulates ego positions into distance travelled, the
// bounding box and the current heading. Consecutive identical positions count
// once. Positions further apart than max_jump_m are treated as a relocation:
// the point is kept but adds no distance. Inputs without both coordinates
// leave the statistics unchanged.
func TrajectoryStats() *widget.Definition {
	return &widget.Definition{
		ID:          TrajectoryStatsID,
		Name:        "Trajectory Statistics",
		Category:    widget.CategoryAnalysis,
		Version:     Version,
		Description: "Distance travelled, bounding box and heading of the ego vehicle",
		Inputs: []widget.InputSpec{
			{Name: "position_x", Kind: widget.InputSignal, Type: "number"},
			{Name: "position_y", Kind: widget.InputSignal, Type: "number"},
			{Name: "timestamp", Kind: widget.InputSignal, Type: "number"},
		},
		Outputs: []widget.OutputSpec{
			{Name: "total_points", Type: "number"},
			{Name: "distance_m", Type: "number"},
			{Name: "heading_deg", Type: "number"},
			{Name: "x_min", Type: "number"},
			{Name: "x_max", Type: "number"},
			{Name: "y_min", Type: "number"},
			{Name: "y_max", Type: "number"},
			{Name: "x_range", Type: "number"},
			{Name: "y_range", Type: "number"},
			{Name: "duration_s", Type: "number"},
		},
		ConfigSchema: map[string]widget.ConfigField{
			"max_jump_m": widget.NumberField{
				Base: widget.Base{Default: 50.0, Description: "Larger steps are not counted as travel"},
				Min:  widget.Float(0),
			},
		},
		Factory: func() widget.Implementation { return &trajectoryStats{} },
	}
}

type point struct{ x, y float64 }

type trajectoryStats struct {
	maxJump float64

	points     int
	last       point
	distance   float64
	heading    float64
	hasHeading bool
	min, max   point
	firstTime  float64
	lastTime   float64
	hasTime    bool
}

func (w *trajectoryStats) Initialize(_ context.Context, config widget.Values) error {
	w.maxJump = numberOr(config, "max_jump_m", 50)
	return nil
}

func (w *trajectoryStats) Process(_ context.Context, inputs widget.Values) (widget.Values, error) {
	x, okX := number(inputs, "position_x")
	y, okY := number(inputs, "position_y")
	if !okX || !okY {
		return w.outputs(), nil
	}
	p := point{x, y}

	switch {
	case w.points == 0:
		w.min, w.max = p, p
		w.points = 1
	case p != w.last:
		dx, dy := p.x-w.last.x, p.y-w.last.y
		step := math.Hypot(dx, dy)
		if w.maxJump <= 0 || step <= w.maxJump {
			w.distance += step
		}
		w.heading = normalizeDegrees(math.Atan2(dy, dx) * 180 / math.Pi)
		w.hasHeading = true
		w.min = point{math.Min(w.min.x, x), math.Min(w.min.y, y)}
		w.max = point{math.Max(w.max.x, x), math.Max(w.max.y, y)}
		w.points++
	}
	w.last = p

	if ts, ok := number(inputs, "timestamp"); ok {
		if !w.hasTime {
			w.firstTime, w.hasTime = ts, true
		}
		w.lastTime = ts
	}
	return w.outputs(), nil
}

func (w *trajectoryStats) outputs() widget.Values {
	out := widget.Values{
		"total_points": w.points,
		"distance_m":   w.distance,
		"x_min":        w.min.x,
		"x_max":        w.max.x,
		"y_min":        w.min.y,
		"y_max":        w.max.y,
		"x_range":      w.max.x - w.min.x,
		"y_range":      w.max.y - w.min.y,
	}
	if w.hasHeading {
		out["heading_deg"] = w.heading
	}
	if w.hasTime {
		out["duration_s"] = w.lastTime - w.firstTime
	}
	return out
}

// normalizeDegrees maps an angle to [0, 360).
func normalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

func (w *trajectoryStats) Render(outputs widget.Values) (any, error) {
	return map[string]any{
		"distance_m": outputs["distance_m"],
		"heading":    outputs["heading_deg"],
		"bounds": map[string]any{
			"x": []any{outputs["x_min"], outputs["x_max"]},
			"y": []any{outputs["y_min"], outputs["y_max"]},
		},
	}, nil
}

// HandleAction supports "reset", which starts a new trajectory.
func (w *trajectoryStats) HandleAction(_ context.Context, action string, _ widget.Values) (widget.Values, error) {
	if action != ActionReset {
		return nil, unsupported(TrajectoryStatsID, action)
	}
	maxJump := w.maxJump
	*w = trajectoryStats{maxJump: maxJump}
	return w.outputs(), nil
}
