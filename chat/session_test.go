package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firechat/models"
	"firechat/transport"
)

func TestOpenRejectsInvalidIdentity(t *testing.T) {
	_, err := Open(SessionOptions{Self: "bogus", Transport: transport.NewMemory("bogus", 0)})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestOpenRequiresTransport(t *testing.T) {
	_, err := Open(SessionOptions{Self: addrAlice})
	assert.Error(t, err)
}

func TestSessionIngestsInboundEvents(t *testing.T) {
	tr := transport.NewMemory(addrAlice, 0)
	session := openTestSession(t, tr)
	key := testKey(t)

	tr.Inject(transport.Event{
		TransportID: "tx-inbound",
		Sender:      addrBob,
		Recipient:   lowerAlice,
		Content:     "hi alice",
		Timestamp:   baseTime(),
	})

	require.Eventually(t, func() bool {
		return len(session.Index().Messages(key)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	msgs := session.Index().Messages(key)
	assert.Equal(t, "tx-inbound", msgs[0].ID)
	assert.Equal(t, addrBob, msgs[0].Sender)
}

func TestSessionDropsMalformedInboundEvents(t *testing.T) {
	tr := transport.NewMemory(addrAlice, 0)
	session := openTestSession(t, tr)

	tr.Inject(transport.Event{TransportID: "tx-bad", Sender: addrBob})
	tr.Inject(transport.Event{
		TransportID: "tx-good",
		Sender:      addrBob,
		Recipient:   lowerAlice,
		Content:     "still here",
		Timestamp:   baseTime(),
	})

	require.Eventually(t, func() bool {
		return len(session.Index().Messages(testKey(t))) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoadHistoryHydratesStoredAndBackfilled(t *testing.T) {
	key := testKey(t)

	history := newFakeHistory()
	history.stored[string(key)] = []models.Message{
		{
			ID:        "tx-stored",
			Content:   "from the archive",
			Sender:    addrBob,
			Recipient: lowerAlice,
			Timestamp: baseTime(),
			Status:    models.StatusConfirmed,
		},
	}

	tr := transport.NewMemory(addrAlice, 0)
	tr.Inject(transport.Event{
		TransportID: "tx-backfilled",
		Sender:      addrBob,
		Recipient:   lowerAlice,
		Content:     "from the chain",
		Timestamp:   baseTime().Add(time.Minute),
	})

	session, err := Open(SessionOptions{
		Self:      addrAlice,
		Transport: tr,
		History:   history,
	})
	require.NoError(t, err)
	t.Cleanup(session.Close)

	require.NoError(t, session.LoadHistory(context.Background(), addrBob))

	msgs := session.Index().Messages(key)
	require.Len(t, msgs, 2)
	assert.Equal(t, "tx-stored", msgs[0].ID)
	assert.Equal(t, "tx-backfilled", msgs[1].ID)

	// Repeat hydration stays a no-op.
	require.NoError(t, session.LoadHistory(context.Background(), addrBob))
	assert.Len(t, session.Index().Messages(key), 2)
}

func TestCloseResetsAllState(t *testing.T) {
	tr := transport.NewMemory(addrAlice, 0)
	session, err := Open(SessionOptions{Self: addrAlice, Transport: tr})
	require.NoError(t, err)
	key := testKey(t)

	tr.Inject(transport.Event{
		TransportID: "tx-1",
		Sender:      addrBob,
		Recipient:   lowerAlice,
		Content:     "hello",
		Timestamp:   baseTime(),
	})
	require.Eventually(t, func() bool {
		return len(session.Index().Messages(key)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	session.Close()
	session.Close() // idempotent

	assert.Empty(t, session.Index().Messages(key))
	assert.Empty(t, session.Index().Keys())
}
