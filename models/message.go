package models

import "time"

const (
	// StatusPending marks an optimistic local entry awaiting confirmation.
	StatusPending = "pending"
	// StatusConfirmed marks an entry backed by a transport event.
	StatusConfirmed = "confirmed"
)

// Message represents one entry in a two-party conversation.
type Message struct {
	ID              string    `json:"id"`
	Content         string    `json:"content"`
	Sender          string    `json:"sender"`
	Recipient       string    `json:"recipient"`
	RecipientDomain string    `json:"recipient_domain,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Status          string    `json:"status"`
	TransactionRef  string    `json:"transaction_ref,omitempty"`
}

// Pending reports whether the message still awaits transport confirmation.
func (m Message) Pending() bool {
	return m.Status == StatusPending
}

// SystemMessage is a locally generated notice shown alongside conversation
// messages (price bot output, warnings). System messages never reach the
// transport.
type SystemMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Kind      string    `json:"kind"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}
