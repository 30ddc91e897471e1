package storage

import (
	"testing"
	"time"

	"firechat/models"
)

const (
	testConversationKey = "0x1111111111111111111111111111111111111111-0x2222222222222222222222222222222222222222"
	testAddressA        = "0x1111111111111111111111111111111111111111"
	testAddressB        = "0x2222222222222222222222222222222222222222"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func confirmedMessage(id, content string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		Content:        content,
		Sender:         testAddressA,
		Recipient:      testAddressB,
		Timestamp:      at,
		Status:         models.StatusConfirmed,
		TransactionRef: id,
	}
}

func mustSave(t *testing.T, store *Store, msg models.Message) {
	t.Helper()

	if err := store.SaveConfirmed(testConversationKey, msg); err != nil {
		t.Fatalf("save message %q: %v", msg.ID, err)
	}
}
