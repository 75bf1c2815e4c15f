package widgets

import (
	"cmp"
	"context"
	"slices"

	"github.com/c360/tripscope/widget"
)

// SignalEchoID identifies the signal-echo definition.
const SignalEchoID = "signal-echo"

// EchoRow is one rendered signal-echo entry.
type EchoRow struct {
	Signal string `json:"signal"`
	Value  any    `json:"value"`
}

// SignalEcho mirrors every input it receives to its outputs, optionally
// prefixing the output names. It subscribes to the signals listed in its
// "signals" config.
func SignalEcho() *widget.Definition {
	return &widget.Definition{
		ID:          SignalEchoID,
		Name:        "Signal Echo",
		Category:    widget.CategoryVisualization,
		Version:     Version,
		Description: "Shows the latest value of each subscribed signal",
		ConfigSchema: map[string]widget.ConfigField{
			widget.ConfigSignalsKey: widget.ArrayField{
				Base:     widget.Base{Required: true, Description: "Signals to display"},
				MinItems: 1,
				Item:     widget.StringField{MinLen: 1},
			},
			"prefix": widget.StringField{
				Base:    widget.Base{Default: "", Description: "Prefix added to output names"},
				Pattern: `^[A-Za-z0-9_]*$`,
			},
		},
		Outputs: []widget.OutputSpec{{Name: "updates", Type: "number"}},
		Factory: func() widget.Implementation { return &signalEcho{} },
	}
}

type signalEcho struct {
	prefix  string
	updates int
}

func (w *signalEcho) Initialize(_ context.Context, config widget.Values) error {
	w.prefix, _ = config["prefix"].(string)
	return nil
}

func (w *signalEcho) Process(_ context.Context, inputs widget.Values) (widget.Values, error) {
	w.updates++
	out := make(widget.Values, len(inputs)+1)
	for k, v := range inputs {
		out[w.prefix+k] = v
	}
	out["updates"] = w.updates
	return out, nil
}

// Render lists the echoed values sorted by name.
func (w *signalEcho) Render(outputs widget.Values) (any, error) {
	rows := make([]EchoRow, 0, len(outputs))
	for k, v := range outputs {
		if k == "updates" {
			continue
		}
		rows = append(rows, EchoRow{Signal: k, Value: v})
	}
	slices.SortFunc(rows, func(a, b EchoRow) int { return cmp.Compare(a.Signal, b.Signal) })
	return rows, nil
}
