// Package transport delivers confirmed message events from the durable
// messaging backend and submits outbound messages to it. Events cross this
// boundary as explicit typed values; anything that does not decode into an
// Event is rejected at the edge.
package transport

import (
	"context"
	"errors"
	"time"
)

// Event is one confirmed message observed on the transport. At-least-once
// delivery is assumed; consumers deduplicate by TransportID.
type Event struct {
	TransportID     string    `json:"transport_id"`
	Sender          string    `json:"sender"`
	Recipient       string    `json:"recipient"`
	RecipientDomain string    `json:"recipient_domain,omitempty"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
}

// Complete reports whether all required event fields are present.
func (e Event) Complete() bool {
	return e.TransportID != "" && e.Sender != "" && e.Recipient != "" && e.Content != "" && !e.Timestamp.IsZero()
}

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Transport is the durable confirmation backend for outbound and inbound
// messages.
type Transport interface {
	// Submit sends a message and returns an opaque reference to the
	// confirming operation. Confirmation itself arrives later as an Event.
	Submit(ctx context.Context, content, recipient string) (string, error)

	// Subscribe registers a callback for every delivered event. The returned
	// cancel func is idempotent.
	Subscribe(fn func(Event)) (cancel func())

	// Backfill returns historical events exchanged between two participants,
	// oldest first.
	Backfill(ctx context.Context, participantA, participantB string) ([]Event, error)

	// Close stops delivery and releases resources.
	Close() error
}
