package workflow

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Execution tracks one run of a workflow. Steps run asynchronously after
// ExecuteWorkflow returns; Done is closed when no step is queued, running or
// waiting for a retry.
type Execution struct {
	wf   *Workflow
	done chan struct{}

	mu       sync.Mutex
	rec      ExecutionRecord
	pending  int
	admitted int
	failed   bool
	stopped  bool
	finished bool
}

func newExecution(id string, wf *Workflow, trigger string) *Execution {
	return &Execution{
		wf:   wf,
		done: make(chan struct{}),
		rec: ExecutionRecord{
			ID:         id,
			WorkflowID: wf.ID,
			Trigger:    trigger,
			StartedAt:  time.Now(),
			Status:     ExecutionRunning,
		},
	}
}

// ID returns the execution id.
func (x *Execution) ID() string {
	return x.rec.ID
}

// Done is closed when the execution finishes.
func (x *Execution) Done() <-chan struct{} {
	return x.done
}

// Record returns a snapshot.
func (x *Execution) Record() ExecutionRecord {
	x.mu.Lock()
	defer x.mu.Unlock()
	r := x.rec
	r.Steps = slices.Clone(x.rec.Steps)
	return r
}

// Wait blocks until the execution finishes or ctx ends.
func (x *Execution) Wait(ctx context.Context) (ExecutionRecord, error) {
	select {
	case <-x.done:
		return x.Record(), nil
	case <-ctx.Done():
		return x.Record(), ctx.Err()
	}
}

func (x *Execution) addPending(n int) {
	x.mu.Lock()
	x.pending += n
	x.mu.Unlock()
}

// admit counts a step against the cap. False means the cap was hit.
func (x *Execution) admit(limit int) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if limit > 0 && x.admitted >= limit {
		x.rec.Capped = true
		return false
	}
	x.admitted++
	return true
}

func (x *Execution) addStep(r StepRecord) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.rec.Steps = append(x.rec.Steps, r)
	if !r.Success {
		x.rec.LastFailedStep = r.StepID
	}
}

func (x *Execution) markFallback() {
	x.mu.Lock()
	x.rec.FallbackRan = true
	x.mu.Unlock()
}

func (x *Execution) markFailed() {
	x.mu.Lock()
	x.failed = true
	x.mu.Unlock()
}

func (x *Execution) markStopped() {
	x.mu.Lock()
	x.stopped = true
	x.mu.Unlock()
}

// release drops one pending unit and finishes the execution at zero.
// It returns the final record when this call finished it.
func (x *Execution) release() (ExecutionRecord, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.pending--
	if x.pending > 0 || x.finished {
		return ExecutionRecord{}, false
	}
	x.finished = true
	x.rec.FinishedAt = time.Now()
	switch {
	case x.stopped:
		x.rec.Status = ExecutionCancelled
	case x.rec.Capped:
		x.rec.Status = ExecutionCapped
	case x.failed:
		x.rec.Status = ExecutionFailed
	default:
		x.rec.Status = ExecutionCompleted
	}
	close(x.done)

	r := x.rec
	r.Steps = slices.Clone(x.rec.Steps)
	return r, true
}
