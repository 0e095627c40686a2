package messaging

import (
	"context"
	"log/slog"

	"github.com/pagefold/eventbus/contracts"
)

// WrapReported returns a callback that forwards failures to the error
// reporter before returning them. Stage processes wrap their business
// callbacks with this; the bus core itself never reports.
func WrapReported(reporter ErrorReporter, callback Callback) Callback {
	if reporter == nil {
		return callback
	}
	return func(ctx context.Context, env *contracts.Envelope) error {
		err := callback(ctx, env)
		if err != nil {
			reporter.Report(err, map[string]any{
				"event_type": env.EventType,
				"event_id":   env.EventID,
			})
		}
		return err
	}
}

// LogReporter reports errors to a structured logger.
type LogReporter struct {
	Logger *slog.Logger
}

// Report implements ErrorReporter.
func (r LogReporter) Report(err error, context map[string]any) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, 2*len(context)+2)
	attrs = append(attrs, "error", err)
	for k, v := range context {
		attrs = append(attrs, k, v)
	}
	logger.Error("handler error reported", attrs...)
}
