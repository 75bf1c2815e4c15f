package widgets

import (
	"context"
	"math"

	"github.com/c360/tripscope/expression"
	"github.com/c360/tripscope/widget"
)

// CollisionMarginID identifies the collision-margin definition.
const CollisionMarginID = "collision-margin"

// Collision risk levels, ordered by severity.
const (
	RiskSafe      = "safe"
	RiskWarning   = "warning"
	RiskViolation = "violation"
	RiskCritical  = "critical"
)

// TTCWarning is the time to collision in seconds under which a safe margin
// is still reported as a warning.
const TTCWarning = 3.0

var riskLevels = map[string]int{RiskSafe: 0, RiskWarning: 1, RiskViolation: 2, RiskCritical: 3}

// CollisionMargin compares the distance to the nearest obstacle with the
// stopping distance at the current speed. The margin is what is left after
// stopping; it is graded against the safety threshold: critical at half of
// it, violation at the threshold, warning at one and a half times it or when
// time to collision is under TTCWarning. Until both inputs are known only
// the stopping distance is reported.
func CollisionMargin() *widget.Definition {
	return &widget.Definition{
		ID:          CollisionMarginID,
		Name:        "Collision Margin",
		Category:    widget.CategoryAnalysis,
		Version:     Version,
		Description: "Safety margin between ego vehicle and nearest obstacle",
		Inputs: []widget.InputSpec{
			{Name: "vehicle_speed", Kind: widget.InputSignal, Type: "number",
				Validation: &widget.ValueRule{Min: widget.Float(0)}},
			{Name: "obstacle_distance", Kind: widget.InputSignal, Type: "number",
				Validation: &widget.ValueRule{Min: widget.Float(0)}},
		},
		Outputs: []widget.OutputSpec{
			{Name: "stopping_distance", Type: "number"},
			{Name: "collision_margin", Type: "number"},
			{Name: "time_to_collision", Type: "number"},
			{Name: "collision_risk", Type: "string"},
			{Name: "risk_level", Type: "number"},
			{Name: "safety_violation", Type: "boolean"},
		},
		ConfigSchema: map[string]widget.ConfigField{
			"safety_threshold": widget.NumberField{
				Base: widget.Base{Default: 2.0, Description: "Minimum margin in metres"},
				Min:  widget.Float(0),
			},
			"reaction_time": widget.NumberField{
				Base: widget.Base{Default: 1.5, Description: "Driver reaction time in seconds"},
				Min:  widget.Float(0),
			},
			"deceleration": widget.NumberField{
				Base: widget.Base{Default: 6.0, Description: "Braking deceleration in m/s²"},
				Min:  widget.Float(0.1),
			},
		},
		Monitoring: &widget.MonitoringSpec{Alerts: []widget.AlertSpec{{
			ID:        "collision-risk",
			Metric:    "risk_level",
			Condition: expression.Compare("value", expression.OpGreaterThanEqual, float64(riskLevels[RiskViolation])),
			Message:   "collision margin below safety threshold",
			Severity:  widget.SeverityError,
		}}},
		Factory: func() widget.Implementation { return &collisionMargin{} },
	}
}

type collisionMargin struct {
	threshold    float64
	reactionTime float64
	deceleration float64
}

func (w *collisionMargin) Initialize(_ context.Context, config widget.Values) error {
	w.threshold = numberOr(config, "safety_threshold", 2)
	w.reactionTime = numberOr(config, "reaction_time", 1.5)
	w.deceleration = numberOr(config, "deceleration", 6)
	return nil
}

func (w *collisionMargin) stoppingDistance(speed float64) float64 {
	if speed <= 0 {
		return 0
	}
	return speed*w.reactionTime + speed*speed/(2*w.deceleration)
}

func (w *collisionMargin) risk(margin, ttc float64) string {
	switch {
	case margin <= w.threshold*0.5:
		return RiskCritical
	case margin <= w.threshold:
		return RiskViolation
	case margin <= w.threshold*1.5, ttc < TTCWarning:
		return RiskWarning
	}
	return RiskSafe
}

func (w *collisionMargin) Process(_ context.Context, inputs widget.Values) (widget.Values, error) {
	speed, ok := number(inputs, "vehicle_speed")
	if !ok {
		return widget.Values{}, nil
	}
	stopping := w.stoppingDistance(speed)
	distance, ok := number(inputs, "obstacle_distance")
	if !ok {
		return widget.Values{"stopping_distance": stopping}, nil
	}

	margin := math.Max(0, distance-stopping)
	ttc := math.Inf(1)
	if speed > 0 && margin > 0 {
		ttc = margin / speed
	}
	risk := w.risk(margin, ttc)

	out := widget.Values{
		"stopping_distance": stopping,
		"collision_margin":  margin,
		"collision_risk":    risk,
		"risk_level":        riskLevels[risk],
		"safety_violation":  risk != RiskSafe,
	}
	// An unbounded time to collision is left out so outputs stay JSON-encodable.
	if !math.IsInf(ttc, 1) {
		out["time_to_collision"] = ttc
	}
	return out, nil
}

func (w *collisionMargin) Render(outputs widget.Values) (any, error) {
	return map[string]any{
		"margin_m":    outputs["collision_margin"],
		"ttc_s":       outputs["time_to_collision"],
		"risk":        outputs["collision_risk"],
		"threshold_m": w.threshold,
	}, nil
}
