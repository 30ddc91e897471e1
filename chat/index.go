package chat

import (
	"sort"
	"sync"

	"firechat/models"
)

// maxSystemMessages caps the retained price-bot/system backlog.
const maxSystemMessages = 50

// Index owns every conversation's message sequence. All mutations go through
// Ingest and Send paths in this package; readers get immutable snapshots.
// Each mutation replaces a conversation's slice wholesale, so a snapshot
// handed to a subscriber never changes underneath it.
type Index struct {
	mu            sync.RWMutex
	conversations map[Key][]models.Message
	system        []models.SystemMessage
	subs          map[Key]map[int]func([]models.Message)
	nextSub       int
}

// NewIndex builds an empty conversation index.
func NewIndex() *Index {
	return &Index{
		conversations: make(map[Key][]models.Message),
		subs:          make(map[Key]map[int]func([]models.Message)),
	}
}

// Messages returns the current snapshot for a conversation, sorted ascending
// by timestamp. Unknown keys yield an empty slice, never an error.
func (ix *Index) Messages(key Key) []models.Message {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	msgs, ok := ix.conversations[key]
	if !ok {
		return []models.Message{}
	}
	return msgs
}

// Keys returns every conversation key currently held.
func (ix *Index) Keys() []Key {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	keys := make([]Key, 0, len(ix.conversations))
	for key := range ix.conversations {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Subscribe registers a callback fired with the new snapshot after every
// mutation of the key's sequence. The returned unsubscribe func is
// idempotent.
func (ix *Index) Subscribe(key Key, fn func([]models.Message)) func() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.subs[key] == nil {
		ix.subs[key] = make(map[int]func([]models.Message))
	}
	id := ix.nextSub
	ix.nextSub++
	ix.subs[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			ix.mu.Lock()
			defer ix.mu.Unlock()
			if subs, ok := ix.subs[key]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(ix.subs, key)
				}
			}
		})
	}
}

// AddSystem appends a locally generated system message to the shared
// backlog, dropping the oldest entries beyond the cap.
func (ix *Index) AddSystem(msg models.SystemMessage) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.system = append(ix.system, msg)
	if len(ix.system) > maxSystemMessages {
		ix.system = append([]models.SystemMessage(nil), ix.system[len(ix.system)-maxSystemMessages:]...)
	}
}

// SystemMessages returns a copy of the retained system message backlog.
func (ix *Index) SystemMessages() []models.SystemMessage {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]models.SystemMessage, len(ix.system))
	copy(out, ix.system)
	return out
}

// ClearSystem drops the system message backlog.
func (ix *Index) ClearSystem() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.system = nil
}

// AllMessages merges a conversation's sequence with the system backlog into
// one timestamp-ordered view. System entries are rendered as confirmed
// messages from the pseudo-sender "system".
func (ix *Index) AllMessages(key Key) []models.Message {
	ix.mu.RLock()
	msgs := ix.conversations[key]
	system := ix.system
	ix.mu.RUnlock()

	merged := make([]models.Message, 0, len(msgs)+len(system))
	merged = append(merged, msgs...)
	for _, sys := range system {
		merged = append(merged, models.Message{
			ID:        sys.ID,
			Content:   sys.Content,
			Sender:    "system",
			Timestamp: sys.Timestamp,
			Status:    models.StatusConfirmed,
		})
	}
	sortByTimestamp(merged)
	return merged
}

// Reset clears all conversation and system state. Invoked on session
// teardown (wallet disconnect).
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.conversations = make(map[Key][]models.Message)
	ix.system = nil
}

// update applies fn to a conversation's sequence under the write lock. fn
// receives the current slice and must return a fresh slice (never mutate the
// input) plus whether anything changed. Subscribers are notified outside the
// lock with the stored snapshot.
func (ix *Index) update(key Key, fn func([]models.Message) ([]models.Message, bool)) bool {
	ix.mu.Lock()
	next, changed := fn(ix.conversations[key])
	var fns []func([]models.Message)
	if changed {
		ix.conversations[key] = next
		for _, sub := range ix.subs[key] {
			fns = append(fns, sub)
		}
	}
	ix.mu.Unlock()

	if !changed {
		return false
	}
	for _, fn := range fns {
		fn(next)
	}
	return true
}

// sortByTimestamp orders messages ascending by timestamp. The sort is stable,
// so equal timestamps keep their arrival order.
func sortByTimestamp(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// cloneMessages copies a snapshot so an update can modify it freely.
func cloneMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}
