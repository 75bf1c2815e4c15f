package widget

import "time"

// ProcessEvent describes one completed processing call.
type ProcessEvent struct {
	Instance *Instance
	Inputs   Values
	Outputs  Values
	Err      error
	Duration time.Duration
}

// Observer is notified of instance lifecycle changes. Notifications carry
// copies and are delivered after the manager has released its locks.
type Observer interface {
	InstanceCreated(inst *Instance, def *Definition)
	InstanceRemoved(id string)
	InstanceProcessed(ev ProcessEvent)
	InstanceUpdated(inst *Instance)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Created   func(inst *Instance, def *Definition)
	Removed   func(id string)
	Processed func(ev ProcessEvent)
	Updated   func(inst *Instance)
}

func (o ObserverFuncs) InstanceCreated(inst *Instance, def *Definition) {
	if o.Created != nil {
		o.Created(inst, def)
	}
}

func (o ObserverFuncs) InstanceRemoved(id string) {
	if o.Removed != nil {
		o.Removed(id)
	}
}

func (o ObserverFuncs) InstanceProcessed(ev ProcessEvent) {
	if o.Processed != nil {
		o.Processed(ev)
	}
}

func (o ObserverFuncs) InstanceUpdated(inst *Instance) {
	if o.Updated != nil {
		o.Updated(inst)
	}
}
