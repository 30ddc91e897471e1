package chat

import (
	"sync"
	"time"

	"firechat/models"
)

const (
	addrAlice = "0xAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaaAAaa"
	addrBob   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	addrCarol = "0xcccccccccccccccccccccccccccccccccccccccc"

	lowerAlice = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

// fakeHistory records persistence calls and serves canned state.
type fakeHistory struct {
	mu         sync.Mutex
	saved      map[string][]models.Message
	seen       map[string]bool
	saveErr    error
	stored     map[string][]models.Message
	recordedAt map[string]int64
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		saved:      make(map[string][]models.Message),
		seen:       make(map[string]bool),
		stored:     make(map[string][]models.Message),
		recordedAt: make(map[string]int64),
	}
}

func (h *fakeHistory) SaveConfirmed(conversationKey string, msg models.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.saveErr != nil {
		return h.saveErr
	}
	h.saved[conversationKey] = append(h.saved[conversationKey], msg)
	return nil
}

func (h *fakeHistory) LoadConversation(conversationKey string) ([]models.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stored[conversationKey], nil
}

func (h *fakeHistory) SeenEvent(transportID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen[transportID], nil
}

func (h *fakeHistory) RecordEvent(transportID string, receivedAt int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[transportID] = true
	h.recordedAt[transportID] = receivedAt
	return nil
}

func (h *fakeHistory) savedFor(key string) []models.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.Message, len(h.saved[key]))
	copy(out, h.saved[key])
	return out
}

func baseTime() time.Time {
	return time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)
}
