package messaging

import (
	"context"

	"github.com/pagefold/eventbus/contracts"
)

// Record is one opaque document-store record. Its shape is unknown to the
// core except for the single identifying field used in log lines.
type Record = map[string]any

// DocumentStore is the pipeline's shared persistence layer, consumed
// read-only by the startup requeue.
type DocumentStore interface {
	// Query returns up to limit records of a collection matching filter.
	Query(ctx context.Context, collection string, filter map[string]any, limit int) ([]Record, error)

	// Update applies update to the records of a collection matching filter.
	Update(ctx context.Context, collection string, filter, update map[string]any) error
}

// Schema is an opaque schema handle resolved per event type.
type Schema = any

// SchemaValidator resolves and applies event schemas before a publish.
type SchemaValidator interface {
	// GetSchema returns the schema registered for an event type, if any.
	GetSchema(eventType string) (Schema, bool)

	// Validate checks an envelope against a schema and returns the list of
	// violations when it does not conform.
	Validate(env *contracts.Envelope, schema Schema) (bool, []string)
}

// MetricsSink receives tagged counter increments.
type MetricsSink interface {
	Increment(name string, value float64, tags map[string]string)
}

// NoopMetrics discards all metrics.
type NoopMetrics struct{}

// Increment does nothing.
func (NoopMetrics) Increment(name string, value float64, tags map[string]string) {}

// ErrorReporter receives handler failures from stage-level callback
// wrappers. The core never calls it directly.
type ErrorReporter interface {
	Report(err error, context map[string]any)
}
