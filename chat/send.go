package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"firechat/models"
)

var (
	// ErrEmptyContent rejects sends with no message body.
	ErrEmptyContent = errors.New("chat: message content is empty")
	// ErrSendFailure wraps a transport rejection of an outbound send. The
	// optimistic entry has already been rolled back when this surfaces.
	ErrSendFailure = errors.New("chat: send failed")
)

// PendingHandle tracks one optimistic send. The pending entry is visible in
// the index immediately; Wait blocks until the transport accepts or rejects
// the submission.
type PendingHandle struct {
	LocalID string
	Key     Key

	done chan struct{}
	once sync.Once
	ref  string
	err  error
}

func newPendingHandle(localID string, key Key) *PendingHandle {
	return &PendingHandle{LocalID: localID, Key: key, done: make(chan struct{})}
}

func (h *PendingHandle) resolve(ref string, err error) {
	h.once.Do(func() {
		h.ref = ref
		h.err = err
		close(h.done)
	})
}

// Wait blocks until the transport submission settles and returns its
// reference. A returned error wraps ErrSendFailure; the optimistic entry is
// already rolled back by then.
func (h *PendingHandle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.ref, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send inserts an optimistic pending message and submits it to the transport
// asynchronously. The handle returns immediately; confirmation later arrives
// as a transport event and reconciles the entry via Ingest.
func (s *Session) Send(ctx context.Context, content, recipient string) (*PendingHandle, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	key, err := DeriveKey(s.self, recipient)
	if err != nil {
		return nil, err
	}
	recipientNorm := strings.ToLower(recipient)

	now := s.clock()
	localID := fmt.Sprintf("%s-%s-%d", s.self, recipientNorm, now.UnixMilli())

	pending := models.Message{
		ID:        localID,
		Content:   content,
		Sender:    s.self,
		Recipient: recipientNorm,
		Timestamp: now,
		Status:    models.StatusPending,
	}

	s.index.update(key, func(current []models.Message) ([]models.Message, bool) {
		next := append(cloneMessages(current), pending)
		sortByTimestamp(next)
		return next, true
	})

	handle := newPendingHandle(localID, key)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.submit(ctx, handle, content, recipientNorm)
	}()

	return handle, nil
}

func (s *Session) submit(ctx context.Context, handle *PendingHandle, content, recipient string) {
	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.submitTimeout)
	defer cancel()

	ref, err := s.transport.Submit(submitCtx, content, recipient)
	if err != nil {
		s.rollback(handle.Key, handle.LocalID)
		log.Warn().Err(err).Str("local_id", handle.LocalID).Msg("send rejected, optimistic entry rolled back")
		handle.resolve("", fmt.Errorf("%w: %v", ErrSendFailure, err))
		return
	}

	// Attach the submission reference so the confirming event can match the
	// pending entry exactly instead of by the time-window heuristic.
	s.index.update(handle.Key, func(current []models.Message) ([]models.Message, bool) {
		for i, m := range current {
			if m.ID == handle.LocalID && m.Status == models.StatusPending {
				next := cloneMessages(current)
				next[i].TransactionRef = ref
				return next, true
			}
		}
		return current, false
	})

	handle.resolve(ref, nil)
}

// FailSend rolls back a pending entry after a failure reported outside the
// submission path. Reports whether an entry was removed.
func (s *Session) FailSend(key Key, localID string) bool {
	return s.rollback(key, localID)
}

func (s *Session) rollback(key Key, localID string) bool {
	removed := false
	s.index.update(key, func(current []models.Message) ([]models.Message, bool) {
		for i, m := range current {
			if m.ID == localID && m.Status == models.StatusPending {
				next := append(cloneMessages(current[:i]), current[i+1:]...)
				removed = true
				return next, true
			}
		}
		return current, false
	})
	return removed
}

// clockFunc supplies the current time; swapped in tests.
type clockFunc func() time.Time
