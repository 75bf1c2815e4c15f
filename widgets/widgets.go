// Package widgets provides the built-in telemetry widget definitions.
//
// Every definition uses a Factory so each instance keeps its own state:
//
//	signal-echo       mirrors subscribed signals to outputs
//	speed-monitor     current vs target speed with an overspeed alert
//	trajectory-stats  distance travelled, bounding box and heading
//	collision-margin  stopping distance vs obstacle distance, risk level
//	csv-export        accumulates rows and renders them as CSV
//
// Register them all with RegisterAll:
//
//	eng, _ := engine.New(engine.DefaultConfig())
//	if err := widgets.RegisterAll(eng); err != nil {
//		return err
//	}
package widgets

import (
	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/expression"
	"github.com/c360/tripscope/widget"
)

// Version of the built-in definitions.
const Version = "1.0.0"

// Common actions.
const (
	ActionReset = "reset"
)

// Registrar accepts widget definitions. *engine.Engine implements it.
type Registrar interface {
	RegisterDefinition(def *widget.Definition) error
}

// Definitions returns fresh copies of every built-in definition.
func Definitions() []*widget.Definition {
	return []*widget.Definition{
		SignalEcho(),
		SpeedMonitor(),
		TrajectoryStats(),
		CollisionMargin(),
		CSVExport(),
	}
}

// RegisterAll registers every built-in definition, stopping at the first failure.
func RegisterAll(r Registrar) error {
	for _, def := range Definitions() {
		if err := r.RegisterDefinition(def); err != nil {
			return errors.Wrap(err, "widgets", "RegisterAll", "register "+def.ID)
		}
	}
	return nil
}

func number(v widget.Values, key string) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return expression.ToFloat64(v[key])
}

func numberOr(v widget.Values, key string, def float64) float64 {
	if n, ok := number(v, key); ok {
		return n
	}
	return def
}

func stringList(v widget.Values, key string) []string {
	var out []string
	switch items := v[key].(type) {
	case []string:
		out = append(out, items...)
	case []any:
		for _, item := range items {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func unsupported(widgetID, action string) error {
	return errors.WrapInvalid(errors.Invalidf("action %q is not supported", action), widgetID, "HandleAction", "action lookup")
}
