package widgets

import (
	"context"
	"math"

	"github.com/c360/tripscope/expression"
	"github.com/c360/tripscope/widget"
)

// SpeedMonitorID identifies the speed-monitor definition.
const SpeedMonitorID = "speed-monitor"

// MpsToKmh converts metres per second to kilometres per hour.
const MpsToKmh = 3.6

// SpeedMonitor compares the vehicle speed with the target speed and a
// configured limit. Speeds arrive in m/s and are reported in km/h. An
// overspeed_kmh output above zero raises the "overspeed" alert. Statistics
// only advance on inputs carrying vehicle_speed.
func SpeedMonitor() *widget.Definition {
	return &widget.Definition{
		ID:          SpeedMonitorID,
		Name:        "Speed Monitor",
		Category:    widget.CategoryAnalysis,
		Version:     Version,
		Description: "Current vs target speed with overspeed detection",
		Inputs: []widget.InputSpec{
			{Name: "vehicle_speed", Kind: widget.InputSignal, Type: "number",
				Validation: &widget.ValueRule{Min: widget.Float(0), Max: widget.Float(120)}},
			{Name: "target_speed", Kind: widget.InputSignal, Type: "number",
				Validation: &widget.ValueRule{Min: widget.Float(0)}},
		},
		Outputs: []widget.OutputSpec{
			{Name: "speed_kmh", Type: "number"},
			{Name: "target_speed_kmh", Type: "number"},
			{Name: "speed_error_kmh", Type: "number"},
			{Name: "overspeed_kmh", Type: "number"},
			{Name: "overspeed", Type: "boolean"},
			{Name: "max_speed_kmh", Type: "number"},
			{Name: "mean_speed_kmh", Type: "number"},
			{Name: "samples", Type: "number"},
		},
		ConfigSchema: map[string]widget.ConfigField{
			"speed_limit_kmh": widget.NumberField{
				Base: widget.Base{Default: 50.0, Description: "Speed limit in km/h"},
				Min:  widget.Float(1),
				Max:  widget.Float(400),
			},
			"tolerance_kmh": widget.NumberField{
				Base: widget.Base{Default: 5.0, Description: "Allowed excess over the limit in km/h"},
				Min:  widget.Float(0),
			},
		},
		Monitoring: &widget.MonitoringSpec{Alerts: []widget.AlertSpec{{
			ID:        "overspeed",
			Metric:    "overspeed_kmh",
			Condition: expression.Compare("value", expression.OpGreaterThan, 0.0),
			Message:   "vehicle exceeds the speed limit",
			Severity:  widget.SeverityWarning,
		}}},
		Factory: func() widget.Implementation { return &speedMonitor{} },
	}
}

type speedMonitor struct {
	limit     float64
	tolerance float64

	samples int
	max     float64
	sum     float64
}

func (w *speedMonitor) Initialize(_ context.Context, config widget.Values) error {
	w.limit = numberOr(config, "speed_limit_kmh", 50)
	w.tolerance = numberOr(config, "tolerance_kmh", 5)
	return nil
}

func (w *speedMonitor) Process(_ context.Context, inputs widget.Values) (widget.Values, error) {
	out := widget.Values{"samples": w.samples}
	target, hasTarget := number(inputs, "target_speed")
	if hasTarget {
		out["target_speed_kmh"] = target * MpsToKmh
	}
	mps, ok := number(inputs, "vehicle_speed")
	if !ok {
		return out, nil
	}

	kmh := mps * MpsToKmh
	w.samples++
	w.sum += kmh
	w.max = math.Max(w.max, kmh)

	overspeed := math.Max(0, kmh-(w.limit+w.tolerance))
	out["speed_kmh"] = kmh
	out["overspeed_kmh"] = overspeed
	out["overspeed"] = overspeed > 0
	out["max_speed_kmh"] = w.max
	out["mean_speed_kmh"] = w.sum / float64(w.samples)
	out["samples"] = w.samples
	if hasTarget {
		out["speed_error_kmh"] = kmh - target*MpsToKmh
	}
	return out, nil
}

func (w *speedMonitor) Render(outputs widget.Values) (any, error) {
	return map[string]any{
		"speed_kmh": outputs["speed_kmh"],
		"target":    outputs["target_speed_kmh"],
		"limit_kmh": w.limit,
		"overspeed": outputs["overspeed"],
	}, nil
}

// HandleAction supports "reset", which clears the running statistics.
func (w *speedMonitor) HandleAction(_ context.Context, action string, _ widget.Values) (widget.Values, error) {
	if action != ActionReset {
		return nil, unsupported(SpeedMonitorID, action)
	}
	w.samples, w.sum, w.max = 0, 0, 0
	return widget.Values{"samples": 0, "max_speed_kmh": 0.0, "mean_speed_kmh": 0.0}, nil
}
