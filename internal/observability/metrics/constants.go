// Package metrics provides constants used across metric definitions.
package metrics

// Operation labels for state store metrics.
const (
	OpCreate  = "create"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpAttach  = "attach"
	OpObserve = "observe"
	OpDetach  = "detach"
	OpRequest = "request"
)

// Status labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Event kind labels.
const (
	KindUpdate  = "update"
	KindDeleted = "deleted"
)

// Histogram bucket configurations.
var (
	// fanOutBuckets spans 1µs to ~16ms, one update fanned out to all attachments
	fanOutBuckets = []float64{
		0.000001, 0.000004, 0.000016, 0.000064, 0.000256, 0.001, 0.004, 0.016,
	}

	// cycleBuckets spans 1ms to ~2s, one producer cycle including the blocking read
	cycleBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2}

	// requestBuckets spans 0.5ms to ~1s for websocket request round trips
	requestBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
)
