package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firechat/models"
)

func testKey(t *testing.T) Key {
	t.Helper()
	key, err := DeriveKey(addrAlice, addrBob)
	require.NoError(t, err)
	return key
}

func appendMessage(ix *Index, key Key, msg models.Message) {
	ix.update(key, func(current []models.Message) ([]models.Message, bool) {
		next := append(cloneMessages(current), msg)
		sortByTimestamp(next)
		return next, true
	})
}

func TestIndexMessagesUnknownKeyIsEmpty(t *testing.T) {
	ix := NewIndex()
	msgs := ix.Messages(testKey(t))
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}

func TestIndexSnapshotIsStable(t *testing.T) {
	ix := NewIndex()
	key := testKey(t)
	appendMessage(ix, key, models.Message{ID: "m1", Content: "first", Timestamp: baseTime()})

	snapshot := ix.Messages(key)
	appendMessage(ix, key, models.Message{ID: "m2", Content: "second", Timestamp: baseTime().Add(time.Second)})

	// The earlier snapshot must not observe the later mutation.
	require.Len(t, snapshot, 1)
	assert.Equal(t, "m1", snapshot[0].ID)
	assert.Len(t, ix.Messages(key), 2)
}

func TestIndexSubscribeNotifiesOnMutation(t *testing.T) {
	ix := NewIndex()
	key := testKey(t)

	var got [][]models.Message
	unsubscribe := ix.Subscribe(key, func(msgs []models.Message) {
		got = append(got, msgs)
	})

	appendMessage(ix, key, models.Message{ID: "m1", Timestamp: baseTime()})
	require.Len(t, got, 1)
	assert.Len(t, got[0], 1)

	unsubscribe()
	unsubscribe() // idempotent

	appendMessage(ix, key, models.Message{ID: "m2", Timestamp: baseTime().Add(time.Second)})
	assert.Len(t, got, 1)
}

func TestIndexNoNotificationWithoutChange(t *testing.T) {
	ix := NewIndex()
	key := testKey(t)

	calls := 0
	ix.Subscribe(key, func([]models.Message) { calls++ })

	ix.update(key, func(current []models.Message) ([]models.Message, bool) {
		return current, false
	})
	assert.Zero(t, calls)
}

func TestIndexKeysSorted(t *testing.T) {
	ix := NewIndex()
	keyAB := testKey(t)
	keyBC, err := DeriveKey(addrBob, addrCarol)
	require.NoError(t, err)

	appendMessage(ix, keyBC, models.Message{ID: "m1", Timestamp: baseTime()})
	appendMessage(ix, keyAB, models.Message{ID: "m2", Timestamp: baseTime()})

	assert.Equal(t, []Key{keyAB, keyBC}, ix.Keys())
}

func TestIndexSystemBacklogCapped(t *testing.T) {
	ix := NewIndex()
	for i := 0; i < maxSystemMessages+10; i++ {
		ix.AddSystem(models.SystemMessage{
			ID:        fmt.Sprintf("system-%d", i),
			Content:   "update",
			Timestamp: baseTime().Add(time.Duration(i) * time.Second),
		})
	}

	backlog := ix.SystemMessages()
	require.Len(t, backlog, maxSystemMessages)
	assert.Equal(t, "system-10", backlog[0].ID)
	assert.Equal(t, fmt.Sprintf("system-%d", maxSystemMessages+9), backlog[len(backlog)-1].ID)
}

func TestIndexAllMessagesMergesSystemBacklog(t *testing.T) {
	ix := NewIndex()
	key := testKey(t)

	appendMessage(ix, key, models.Message{ID: "m1", Content: "hi", Timestamp: baseTime()})
	ix.AddSystem(models.SystemMessage{ID: "sys1", Content: "BTC/USD $50000", Timestamp: baseTime().Add(-time.Minute)})

	merged := ix.AllMessages(key)
	require.Len(t, merged, 2)
	assert.Equal(t, "sys1", merged[0].ID)
	assert.Equal(t, "system", merged[0].Sender)
	assert.Equal(t, models.StatusConfirmed, merged[0].Status)
	assert.Equal(t, "m1", merged[1].ID)
}

func TestIndexReset(t *testing.T) {
	ix := NewIndex()
	key := testKey(t)
	appendMessage(ix, key, models.Message{ID: "m1", Timestamp: baseTime()})
	ix.AddSystem(models.SystemMessage{ID: "sys1", Timestamp: baseTime()})

	ix.Reset()

	assert.Empty(t, ix.Messages(key))
	assert.Empty(t, ix.SystemMessages())
	assert.Empty(t, ix.Keys())
}
