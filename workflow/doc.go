// Package workflow runs step graphs over widget instances.
//
// A Workflow is a set of steps joined by next_steps edges. Steps with no
// incoming edge start an execution. A step that is reached from two
// predecessors runs once per predecessor; nothing is deduplicated.
//
// Step types:
//
//	widget-action    sends an action-request message to a widget (fire and forget)
//	data-transform   filter, map or aggregate over context["data"]
//	condition-check  evaluates an expression.Expr or a registered Predicate and
//	                 continues on on_true (or next_steps) or on_false
//	delay            waits parameters.duration (milliseconds or "1s")
//
// A failed step is retried error_handling.retry_count times after the retry
// delay. When retries are exhausted the fallback step runs once with "error"
// and "failed_step" added to its context; without a fallback the branch ends.
// Graphs may contain cycles; every execution is capped at the configured step
// limit and marked capped when it hits it.
//
// Executions run asynchronously:
//
//	x, err := engine.ExecuteWorkflow(ctx, "overspeed", map[string]any{"data": sample})
//	if err != nil {
//	    return err
//	}
//	rec, err := x.Wait(ctx)
//
// Pipelines forward processed widget outputs through transforms to other
// widgets and are driven by the instance manager's observer notifications.
package workflow
