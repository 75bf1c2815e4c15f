// Package retry provides exponential backoff retry for transient failures.
//
// Persistence writes and the NATS connection use it; workflow step retries do not,
// because those re-enter the execution queue instead of blocking a goroutine.
//
//	err := retry.Do(ctx, retry.Persistence(), func() error {
//	    return adapter.SaveInstance(ctx, inst)
//	})
//
// Setting Config.Retryable stops early on errors that will not go away:
//
//	cfg := retry.Persistence()
//	cfg.Retryable = errors.IsTransient
//
// Wrapping an error with NonRetryable has the same effect from inside fn.
package retry
