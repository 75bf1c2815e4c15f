// Package errors provides error classification and the widget runtime error
// taxonomy.
//
// # Classification
//
// Errors fall into one of three classes:
//
//   - Transient: temporary failures that may be retried (storage unavailable, timeouts)
//   - Invalid: bad input or configuration that retrying will not fix
//   - Fatal: unrecoverable conditions that should stop processing
//
// Persistence writes use IsTransient to decide whether to retry.
//
// # Taxonomy
//
// Runtime operations return errors that match one of the taxonomy sentinels with
// errors.Is:
//
//	ErrValidation     malformed definition, workflow or configuration
//	ErrConfig         instance config rejected by the definition schema (wraps ErrValidation)
//	ErrNotFound       unknown definition, instance, workflow or group
//	ErrConflict       duplicate id
//	ErrInput          missing or invalid input at process time
//	ErrDependency     declared dependency not registered
//	ErrStepExecution  workflow step failure
//	ErrTimeout        widget call exceeded its deadline
//
// Field-level failures are reported as a *FieldErrors that unwraps to its kind:
//
//	if fe, ok := errors.AsFieldErrors(err); ok && fe.Has("threshold", errors.CodeRequired) {
//	    ...
//	}
//
// # Wrapping
//
// Wrap follows the pattern "component.method: action failed: %w":
//
//	return errors.Wrap(err, "Manager", "Create", "initialize")
//
// WrapTransient, WrapInvalid and WrapFatal additionally attach a class.
package errors
