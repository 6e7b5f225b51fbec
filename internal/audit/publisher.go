package audit

import (
	"context"
	"time"

	"signgate/pkg/domain"
)

// Store is an append-only audit sink with user-scoped reads.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByUser(ctx context.Context, userID domain.UserID) ([]Event, error)
}

// Publisher captures structured audit events. Events are always appended
// to the store; when an outbox channel is attached, they are also handed
// to the background worker for external publishing. The outbox never
// blocks domain logic: if the channel is full the event is dropped from
// the external feed (the store copy remains).
type Publisher struct {
	store  Store
	outbox chan<- Event
}

func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

// WithOutbox attaches the channel drained by the publishing worker.
func (p *Publisher) WithOutbox(outbox chan<- Event) *Publisher {
	p.outbox = outbox
	return p
}

func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = event.Action.Category()
	}
	if err := p.store.Append(ctx, event); err != nil {
		return err
	}
	if p.outbox != nil {
		select {
		case p.outbox <- event:
		default:
		}
	}
	return nil
}

func (p *Publisher) List(ctx context.Context, userID domain.UserID) ([]Event, error) {
	return p.store.ListByUser(ctx, userID)
}
