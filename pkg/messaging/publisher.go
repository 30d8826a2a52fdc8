package messaging

import (
	"context"
)

// CartsUpdatedSubject is the subject cart mutation events are published on.
const CartsUpdatedSubject = "carts.updated"

type Event interface {
	Subject() string
	Payload() ([]byte, error)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
