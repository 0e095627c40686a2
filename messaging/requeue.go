package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pagefold/eventbus/contracts"
)

// Counter names emitted by the startup requeue.
const (
	MetricRequeueSuccess = "startup_requeue_success"
	MetricRequeueError   = "startup_requeue_error"
)

// RequeueSpec describes one class of incomplete work to recover: a document
// store query plus the event to re-emit for each matching record.
type RequeueSpec struct {
	// Collection is the document-store collection to scan.
	Collection string

	// Filter selects records describing incomplete work.
	Filter map[string]any

	// Limit caps the number of records scanned per run.
	Limit int

	// EventType and RoutingKey identify the event re-emitted per record.
	EventType  string
	RoutingKey string

	// IDField names the record field used to identify it in log lines.
	IDField string

	// BuildData maps one stored record to the data payload of one event.
	BuildData func(rec Record) (any, error)
}

// Requeuer re-emits events for work left incomplete by a prior process
// death. It runs once at stage startup, before the consume loop begins.
type Requeuer struct {
	store     DocumentStore
	publisher *Publisher
	exchange  string
	metrics   MetricsSink
	logger    *slog.Logger
}

// RequeuerOption configures the Requeuer.
type RequeuerOption func(*Requeuer)

// WithRequeueLogger sets the logger.
func WithRequeueLogger(logger *slog.Logger) RequeuerOption {
	return func(r *Requeuer) {
		r.logger = logger
	}
}

// WithRequeueMetrics sets the metrics sink.
func WithRequeueMetrics(metrics MetricsSink) RequeuerOption {
	return func(r *Requeuer) {
		r.metrics = metrics
	}
}

// NewRequeuer creates a requeuer publishing through the given publisher on
// the given exchange.
func NewRequeuer(store DocumentStore, publisher *Publisher, exchange string, options ...RequeuerOption) (*Requeuer, error) {
	if store == nil {
		return nil, &contracts.ConfigError{Field: "store", Reason: "document store is required"}
	}
	if publisher == nil {
		return nil, &contracts.ConfigError{Field: "publisher", Reason: "publisher is required"}
	}

	r := &Requeuer{
		store:     store,
		publisher: publisher,
		exchange:  exchange,
		metrics:   NoopMetrics{},
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r, nil
}

// RequeueIncomplete queries the store and republishes one event per
// matching record. A failing query is fatal and aborts the run; a failing
// record is logged and skipped so one bad record never blocks recovery of
// the rest. It returns the count of successful publishes.
func (r *Requeuer) RequeueIncomplete(ctx context.Context, spec RequeueSpec) (int, error) {
	records, err := r.store.Query(ctx, spec.Collection, spec.Filter, spec.Limit)
	if err != nil {
		r.metrics.Increment(MetricRequeueError, 1, map[string]string{
			"collection": spec.Collection,
			"error_type": errorType(err),
		})
		return 0, &contracts.RecoveryError{Collection: spec.Collection, Err: err}
	}

	count := 0
	for _, rec := range records {
		recordID := rec[spec.IDField]

		data, err := spec.BuildData(rec)
		if err != nil {
			r.logger.Error("requeue: building event data failed",
				"collection", spec.Collection,
				spec.IDField, recordID,
				"error", err,
			)
			continue
		}

		if err := r.PublishEvent(ctx, spec.EventType, spec.RoutingKey, data); err != nil {
			r.logger.Error("requeue: publish failed",
				"collection", spec.Collection,
				"eventType", spec.EventType,
				spec.IDField, recordID,
				"error", err,
			)
			continue
		}

		count++
	}

	if count > 0 {
		r.metrics.Increment(MetricRequeueSuccess, float64(count), map[string]string{
			"collection": spec.Collection,
		})
		r.logger.Info("requeued incomplete work",
			"collection", spec.Collection,
			"eventType", spec.EventType,
			"requeued", count,
			"matched", len(records),
		)
	}

	return count, nil
}

// PublishEvent builds a fresh envelope around data and publishes it.
// Publisher errors propagate uncaught; per-record isolation lives in
// RequeueIncomplete.
func (r *Requeuer) PublishEvent(ctx context.Context, eventType, routingKey string, data any) error {
	env, err := contracts.NewEnvelope(eventType, data)
	if err != nil {
		return err
	}
	return r.publisher.Publish(ctx, r.exchange, routingKey, env)
}

// errorType yields a stable tag value for an error's concrete kind.
func errorType(err error) string {
	return fmt.Sprintf("%T", err)
}
