package audit

import (
	"context"
	"log/slog"
)

// Sink receives events drained from the outbox channel.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Worker consumes audit events from the outbox channel and forwards them
// to an external sink. Publish failures are logged and dropped; the store
// copy written by the Publisher is the durable record.
type Worker struct {
	sink   Sink
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(sink Sink, inbox <-chan Event, logger *slog.Logger) *Worker {
	return &Worker{sink: sink, inbox: inbox, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			if err := w.sink.Publish(ctx, event); err != nil {
				w.logger.ErrorContext(ctx, "audit sink publish failed",
					"action", event.Action,
					"error", err,
				)
			}
		}
	}
}
