package events

import (
	"encoding/json"
	"time"

	"github.com/abgdnv/cartsync/pkg/messaging"
	"github.com/google/uuid"
)

// CartUpdatedEvent is published after a cart mutation has been persisted.
type CartUpdatedEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Operation  string    `json:"operation"`
	ProductID  string    `json:"product_id,omitempty"`
	IDs        []string  `json:"ids"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e CartUpdatedEvent) Subject() string {
	return messaging.CartsUpdatedSubject
}

func (e CartUpdatedEvent) Payload() ([]byte, error) {
	return json.Marshal(e)
}
