package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"firechat/models"
	"firechat/transport"
)

// ReconcileWindow bounds how far apart an optimistic entry's timestamp and
// its confirming event's timestamp may be and still match.
const ReconcileWindow = 5 * time.Second

// ErrMalformedEvent indicates a transport event missing required fields.
// The event is dropped; ingestion continues with the next one.
var ErrMalformedEvent = errors.New("chat: malformed transport event")

// IngestResult describes what an ingested event did to the conversation.
type IngestResult int

const (
	// IngestAppended means the event created a new confirmed entry.
	IngestAppended IngestResult = iota
	// IngestReconciled means the event confirmed a pending optimistic entry.
	IngestReconciled
	// IngestDuplicate means the event was already ingested; no-op.
	IngestDuplicate
)

func (r IngestResult) String() string {
	switch r {
	case IngestAppended:
		return "appended"
	case IngestReconciled:
		return "reconciled"
	case IngestDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("IngestResult(%d)", int(r))
	}
}

// History persists confirmed conversation state across restarts. All methods
// key conversations by the string form of Key.
type History interface {
	SaveConfirmed(conversationKey string, msg models.Message) error
	LoadConversation(conversationKey string) ([]models.Message, error)
	SeenEvent(transportID string) (bool, error)
	RecordEvent(transportID string, receivedAt int64) error
}

// Ingestor folds confirmed transport events into the conversation index.
type Ingestor struct {
	index   *Index
	history History
	window  time.Duration
}

// NewIngestor builds an ingestor over an index. history may be nil for
// memory-only operation.
func NewIngestor(index *Index, history History) *Ingestor {
	return &Ingestor{index: index, history: history, window: ReconcileWindow}
}

// Ingest validates one event and merges it into its conversation.
//
// A pending optimistic entry matches when its transaction reference equals
// the event's transport id, or failing that, when content and sender agree
// and the timestamps fall within the reconciliation window; among several
// candidates the oldest unconfirmed one wins. A matched entry is confirmed
// in place, adopting the event's authoritative id and timestamp. Without a
// match the event appends a new confirmed entry. Either way the sequence is
// re-sorted ascending by timestamp (stable, arrival order breaks ties).
//
// Re-ingesting an event with a known transport id is a no-op.
func (in *Ingestor) Ingest(event transport.Event) (IngestResult, error) {
	if !event.Complete() {
		return IngestDuplicate, fmt.Errorf("%w: missing required fields (id=%q)", ErrMalformedEvent, event.TransportID)
	}

	key, err := DeriveKey(event.Sender, event.Recipient)
	if err != nil {
		return IngestDuplicate, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	// Transports may deliver checksummed mixed-case addresses; matching and
	// stored entries use the normalized form.
	event.Sender = strings.ToLower(event.Sender)
	event.Recipient = strings.ToLower(event.Recipient)

	if in.history != nil {
		seen, err := in.history.SeenEvent(event.TransportID)
		if err != nil {
			log.Warn().Err(err).Str("event", event.TransportID).Msg("seen-event lookup failed, falling back to in-memory dedupe")
		} else if seen {
			// Ingested in a previous run; the stored copy reaches memory
			// through LoadHistory, so re-delivery is a no-op here.
			return IngestDuplicate, nil
		}
	}

	result := IngestDuplicate
	var confirmed models.Message

	in.index.update(key, func(current []models.Message) ([]models.Message, bool) {
		for _, m := range current {
			if m.ID == event.TransportID || (m.Status == models.StatusConfirmed && m.TransactionRef == event.TransportID) {
				result = IngestDuplicate
				return current, false
			}
		}

		if idx, ok := in.findPendingMatch(current, event); ok {
			next := cloneMessages(current)
			entry := next[idx]
			entry.ID = event.TransportID
			entry.Timestamp = event.Timestamp
			entry.Status = models.StatusConfirmed
			entry.TransactionRef = event.TransportID
			if event.RecipientDomain != "" {
				entry.RecipientDomain = event.RecipientDomain
			}
			next[idx] = entry
			sortByTimestamp(next)

			result = IngestReconciled
			confirmed = entry
			return next, true
		}

		entry := models.Message{
			ID:              event.TransportID,
			Content:         event.Content,
			Sender:          event.Sender,
			Recipient:       event.Recipient,
			RecipientDomain: event.RecipientDomain,
			Timestamp:       event.Timestamp,
			Status:          models.StatusConfirmed,
			TransactionRef:  event.TransportID,
		}
		next := append(cloneMessages(current), entry)
		sortByTimestamp(next)

		result = IngestAppended
		confirmed = entry
		return next, true
	})

	if result == IngestDuplicate {
		return result, nil
	}

	if in.history != nil {
		if err := in.history.SaveConfirmed(string(key), confirmed); err != nil {
			log.Warn().Err(err).Str("event", event.TransportID).Msg("persisting confirmed message failed")
		}
		if err := in.history.RecordEvent(event.TransportID, time.Now().UnixMilli()); err != nil {
			log.Warn().Err(err).Str("event", event.TransportID).Msg("recording seen event failed")
		}
	}

	log.Debug().
		Str("key", string(key)).
		Str("event", event.TransportID).
		Stringer("result", result).
		Msg("transport event ingested")
	return result, nil
}

// findPendingMatch locates the pending entry the event confirms. Exact
// transaction-reference matches win outright; otherwise the oldest pending
// entry with equal content and sender inside the time window is chosen.
func (in *Ingestor) findPendingMatch(current []models.Message, event transport.Event) (int, bool) {
	for i, m := range current {
		if m.Status == models.StatusPending && m.TransactionRef != "" && m.TransactionRef == event.TransportID {
			return i, true
		}
	}

	best := -1
	for i, m := range current {
		if m.Status != models.StatusPending {
			continue
		}
		if m.Content != event.Content || m.Sender != event.Sender {
			continue
		}
		delta := event.Timestamp.Sub(m.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta > in.window {
			continue
		}
		if best == -1 || current[i].Timestamp.Before(current[best].Timestamp) {
			best = i
		}
	}
	return best, best >= 0
}

// hydrate seeds a conversation with stored or backfilled confirmed messages,
// skipping ids already present. Used when opening a conversation.
func (in *Ingestor) hydrate(key Key, msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}

	in.index.update(key, func(current []models.Message) ([]models.Message, bool) {
		known := make(map[string]struct{}, len(current))
		for _, m := range current {
			known[m.ID] = struct{}{}
		}

		next := cloneMessages(current)
		changed := false
		for _, m := range msgs {
			if _, ok := known[m.ID]; ok {
				continue
			}
			known[m.ID] = struct{}{}
			next = append(next, m)
			changed = true
		}
		if !changed {
			return current, false
		}
		sortByTimestamp(next)
		return next, true
	})
}
