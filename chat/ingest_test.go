package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firechat/models"
	"firechat/transport"
)

func confirmedEvent(id, content string, at time.Time) transport.Event {
	return transport.Event{
		TransportID: id,
		Sender:      lowerAlice,
		Recipient:   addrBob,
		Content:     content,
		Timestamp:   at,
	}
}

func pendingMessage(id, content string, at time.Time) models.Message {
	return models.Message{
		ID:        id,
		Content:   content,
		Sender:    lowerAlice,
		Recipient: addrBob,
		Timestamp: at,
		Status:    models.StatusPending,
	}
}

func TestIngestAppendsConfirmedEvent(t *testing.T) {
	ix := NewIndex()
	in := NewIngestor(ix, nil)
	key := testKey(t)

	result, err := in.Ingest(confirmedEvent("tx-1", "hello", baseTime()))
	require.NoError(t, err)
	assert.Equal(t, IngestAppended, result)

	msgs := ix.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, "tx-1", msgs[0].ID)
	assert.Equal(t, "tx-1", msgs[0].TransactionRef)
	assert.Equal(t, models.StatusConfirmed, msgs[0].Status)
}

func TestIngestIsIdempotent(t *testing.T) {
	ix := NewIndex()
	in := NewIngestor(ix, nil)
	key := testKey(t)

	event := confirmedEvent("tx-1", "hello", baseTime())
	_, err := in.Ingest(event)
	require.NoError(t, err)

	result, err := in.Ingest(event)
	require.NoError(t, err)
	assert.Equal(t, IngestDuplicate, result)
	assert.Len(t, ix.Messages(key), 1)
}

func TestIngestRejectsMalformedEvent(t *testing.T) {
	in := NewIngestor(NewIndex(), nil)

	cases := []struct {
		name  string
		event transport.Event
	}{
		{"missing id", transport.Event{Sender: lowerAlice, Recipient: addrBob, Content: "x", Timestamp: baseTime()}},
		{"missing sender", transport.Event{TransportID: "tx-1", Recipient: addrBob, Content: "x", Timestamp: baseTime()}},
		{"missing content", transport.Event{TransportID: "tx-1", Sender: lowerAlice, Recipient: addrBob, Timestamp: baseTime()}},
		{"bad sender address", confirmedEventWithSender("tx-1", "0xnothex")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := in.Ingest(tc.event)
			assert.ErrorIs(t, err, ErrMalformedEvent)
		})
	}
}

func confirmedEventWithSender(id, sender string) transport.Event {
	return transport.Event{
		TransportID: id,
		Sender:      sender,
		Recipient:   addrBob,
		Content:     "x",
		Timestamp:   baseTime(),
	}
}

func TestIngestReconcilesPendingByContentAndWindow(t *testing.T) {
	ix := NewIndex()
	in := NewIngestor(ix, nil)
	key := testKey(t)

	appendMessage(ix, key, pendingMessage("local-1", "hello", baseTime()))

	event := confirmedEvent("tx-1", "hello", baseTime().Add(3*time.Second))
	result, err := in.Ingest(event)
	require.NoError(t, err)
	assert.Equal(t, IngestReconciled, result)

	msgs := ix.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, "tx-1", msgs[0].ID)
	assert.Equal(t, models.StatusConfirmed, msgs[0].Status)
	assert.Equal(t, event.Timestamp, msgs[0].Timestamp)
}

func TestIngestReconcilesMixedCaseSender(t *testing.T) {
	ix := NewIndex()
	in := NewIngestor(ix, nil)
	key := testKey(t)

	appendMessage(ix, key, pendingMessage("local-1", "hello", baseTime()))

	event := confirmedEvent("tx-1", "hello", baseTime().Add(2*time.Second))
	event.Sender = addrAlice
	event.Recipient = "0xBBbbBBbbBBbbBBbbBBbbBBbbBBbbBBbbBBbbBBbb"

	result, err := in.Ingest(event)
	require.NoError(t, err)
	assert.Equal(t, IngestReconciled, result)

	msgs := ix.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusConfirmed, msgs[0].Status)
	assert.Equal(t, lowerAlice, msgs[0].Sender)
}

func TestIngestStoresNormalizedParticipants(t *testing.T) {
	ix := NewIndex()
	in := NewIngestor(ix, nil)
	key := testKey(t)

	event := confirmedEvent("tx-1", "hello", baseTime())
	event.Sender = addrAlice

	result, err := in.Ingest(event)
	require.NoError(t, err)
	assert.Equal(t, IngestAppended, result)

	msgs := ix.Messages(key)
	require.Len(t, msgs, 1)
	assert.Equal(t, lowerAlice, msgs[0].Sender)
	assert.Equal(t, addrBob, msgs[0].Recipient)
}

func TestIngestOutsideWindowAppends(t *testing.T) {
	ix := NewIndex()
	in := NewIngestor(ix, nil)
	key := testKey(t)

	appendMessage(ix, key, pendingMessage("local-1", "hello", baseTime()))

	result, err := in.Ingest(confirmedEvent("tx-1", "hello", baseTime().Add(ReconcileWindow+time.Second)))
	require.NoError(t, err)
	assert.Equal(t, IngestAppended, result)

	msgs := ix.Messages(key)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.StatusPending, msgs[0].Status)
	assert.Equal(t, models.StatusConfirmed, msgs[1].Status)
}

func TestIngestDifferentContentAppends(t *testing.T) {
	ix := NewIndex()
	in := NewIngestor(ix, nil)
	key := testKey(t)

	appendMessage(ix, key, pendingMessage("local-1", "hello", baseTime()))

	result, err := in.Ingest(confirmedEvent("tx-1", "goodbye", baseTime()))
	require.NoError(t, err)
	assert.Equal(t, IngestAppended, result)
	assert.Len(t, ix.Messages(key), 2)
}

func TestIngestOldestPendingWins(t *testing.T) {
	ix := NewIndex()
	in := NewIngestor(ix, nil)
	key := testKey(t)

	appendMessage(ix, key, pendingMessage("local-1", "hello", baseTime()))
	appendMessage(ix, key, pendingMessage("local-2", "hello", baseTime().Add(time.Second)))

	result, err := in.Ingest(confirmedEvent("tx-1", "hello", baseTime().Add(2*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, IngestReconciled, result)

	msgs := ix.Messages(key)
	require.Len(t, msgs, 2)

	byID := map[string]models.Message{}
	for _, m := range msgs {
		byID[m.ID] = m
	}
	// The earlier pending entry was confirmed; the later one is still pending.
	assert.Contains(t, byID, "tx-1")
	assert.Contains(t, byID, "local-2")
	assert.Equal(t, models.StatusPending, byID["local-2"].Status)
}

func TestIngestExactReferenceBeatsHeuristic(t *testing.T) {
	ix := NewIndex()
	in := NewIngestor(ix, nil)
	key := testKey(t)

	// The older entry would win the time-window heuristic, but the newer one
	// carries the submission reference for this event.
	appendMessage(ix, key, pendingMessage("local-1", "hello", baseTime()))
	tagged := pendingMessage("local-2", "hello", baseTime().Add(time.Second))
	tagged.TransactionRef = "tx-1"
	appendMessage(ix, key, tagged)

	result, err := in.Ingest(confirmedEvent("tx-1", "hello", baseTime().Add(2*time.Second)))
	require.NoError(t, err)
	assert.Equal(t, IngestReconciled, result)

	byID := map[string]models.Message{}
	for _, m := range ix.Messages(key) {
		byID[m.ID] = m
	}
	assert.Contains(t, byID, "local-1")
	assert.Equal(t, models.StatusPending, byID["local-1"].Status)
	assert.Contains(t, byID, "tx-1")
}

func TestIngestKeepsTimestampOrder(t *testing.T) {
	ix := NewIndex()
	in := NewIngestor(ix, nil)
	key := testKey(t)

	_, err := in.Ingest(confirmedEvent("tx-2", "second", baseTime().Add(time.Minute)))
	require.NoError(t, err)
	_, err = in.Ingest(confirmedEvent("tx-1", "first", baseTime()))
	require.NoError(t, err)

	msgs := ix.Messages(key)
	require.Len(t, msgs, 2)
	assert.Equal(t, "tx-1", msgs[0].ID)
	assert.Equal(t, "tx-2", msgs[1].ID)
}

func TestIngestIsolatesConversations(t *testing.T) {
	ix := NewIndex()
	in := NewIngestor(ix, nil)

	keyAB := testKey(t)
	keyBC, err := DeriveKey(addrBob, addrCarol)
	require.NoError(t, err)

	_, err = in.Ingest(confirmedEvent("tx-1", "to bob", baseTime()))
	require.NoError(t, err)
	_, err = in.Ingest(transport.Event{
		TransportID: "tx-2",
		Sender:      addrCarol,
		Recipient:   addrBob,
		Content:     "to bob from carol",
		Timestamp:   baseTime(),
	})
	require.NoError(t, err)

	assert.Len(t, ix.Messages(keyAB), 1)
	assert.Len(t, ix.Messages(keyBC), 1)
}

func TestIngestPersistsConfirmedState(t *testing.T) {
	history := newFakeHistory()
	ix := NewIndex()
	in := NewIngestor(ix, history)
	key := testKey(t)

	_, err := in.Ingest(confirmedEvent("tx-1", "hello", baseTime()))
	require.NoError(t, err)

	saved := history.savedFor(string(key))
	require.Len(t, saved, 1)
	assert.Equal(t, "tx-1", saved[0].ID)

	seen, err := history.SeenEvent("tx-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestIngestSkipsPersistedEvents(t *testing.T) {
	history := newFakeHistory()
	history.seen["tx-1"] = true

	ix := NewIndex()
	in := NewIngestor(ix, history)
	key := testKey(t)

	result, err := in.Ingest(confirmedEvent("tx-1", "hello", baseTime()))
	require.NoError(t, err)
	assert.Equal(t, IngestDuplicate, result)
	assert.Empty(t, ix.Messages(key))
}
