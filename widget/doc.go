// Package widget holds the widget definition registry and the instance manager.
//
// A Definition is an immutable template: typed inputs and outputs, a config
// schema built from closed field variants (StringField, NumberField,
// BooleanField, SelectField, ArrayField, ObjectField) and an Implementation.
// The Manager creates instances from definitions and owns their lifecycle:
//
//	reg := widget.NewRegistry(logger)
//	_ = reg.Register(&widget.Definition{
//	    ID:       "echo",
//	    Name:     "Echo",
//	    Category: widget.CategoryAnalysis,
//	    Inputs:   []widget.InputSpec{{Name: "x", Kind: widget.InputSignal, Required: true}},
//	    Factory:  func() widget.Implementation { return &echo{} },
//	})
//
//	mgr := widget.NewManager(reg, widget.WithLogger(logger))
//	inst, err := mgr.Create(ctx, "echo", "i1", "", nil)
//
// Processing failures never escape as panics. They are captured on the
// instance as status error with the message under Metadata["error"], and the
// instance recovers through SetStatus or a successful UpdateConfig.
//
// Other components follow instances through the Observer interface rather
// than reading the manager's maps.
package widget
