// Package metrics provides custom Prometheus metrics for the statesync components.
package metrics

// Recorder defines a minimal interface for recording metrics.
// Components depend on it instead of a concrete metrics type so tests can
// pass a fake or nil.
type Recorder interface {
	// RecordOperation records an operation ("attach", "update") with its status.
	RecordOperation(operation, status string)

	// RecordDuration records the duration of an operation in seconds.
	RecordDuration(operation string, seconds float64)

	// RecordError records an error occurrence with its type, usually a wire error code.
	RecordError(operation, errorType string)
}
