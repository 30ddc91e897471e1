package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"firechat/identity"
	"firechat/transport"
)

const defaultSubmitTimeout = 2 * time.Minute

// Session binds one authenticated identity to its conversation state: the
// index, the ingestor, the transport subscription, and the history store.
// It is constructed on connect and torn down on disconnect; there is no
// ambient package-level state.
type Session struct {
	self      string
	index     *Index
	ingestor  *Ingestor
	transport transport.Transport
	history   History

	clock         clockFunc
	submitTimeout time.Duration
	cancelEvents  func()

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// SessionOptions configures Open.
type SessionOptions struct {
	// Self is the local participant's wallet address.
	Self string
	// Transport confirms outbound sends and delivers inbound events.
	Transport transport.Transport
	// History persists confirmed state across restarts. Optional.
	History History
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
	// SubmitTimeout bounds one outbound transport submission.
	SubmitTimeout time.Duration
}

// Open validates the identity, builds the conversation index, and wires the
// transport's event stream into ingestion.
func Open(opts SessionOptions) (*Session, error) {
	self, err := identity.Normalize(opts.Self)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentifier, opts.Self)
	}
	if opts.Transport == nil {
		return nil, errors.New("chat: transport is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	submitTimeout := opts.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = defaultSubmitTimeout
	}

	index := NewIndex()
	s := &Session{
		self:          self,
		index:         index,
		ingestor:      NewIngestor(index, opts.History),
		transport:     opts.Transport,
		history:       opts.History,
		clock:         clock,
		submitTimeout: submitTimeout,
	}

	s.cancelEvents = opts.Transport.Subscribe(func(event transport.Event) {
		if _, err := s.ingestor.Ingest(event); err != nil {
			// Malformed events are dropped; the stream continues.
			log.Warn().Err(err).Str("event", event.TransportID).Msg("dropping transport event")
		}
	})

	log.Info().Str("self", self).Msg("chat session opened")
	return s, nil
}

// Self returns the session's normalized wallet address.
func (s *Session) Self() string {
	return s.self
}

// Index exposes the conversation index for queries and subscriptions.
func (s *Session) Index() *Index {
	return s.index
}

// Ingest feeds one event through the session's ingestor. Exposed for
// callers that receive events outside the transport subscription.
func (s *Session) Ingest(event transport.Event) (IngestResult, error) {
	return s.ingestor.Ingest(event)
}

// LoadHistory hydrates a conversation with the peer from the local store and
// the transport's backfill, oldest first. Safe to call repeatedly; known
// message ids are skipped.
func (s *Session) LoadHistory(ctx context.Context, peer string) error {
	key, err := DeriveKey(s.self, peer)
	if err != nil {
		return err
	}

	if s.history != nil {
		stored, err := s.history.LoadConversation(string(key))
		if err != nil {
			return fmt.Errorf("load stored conversation %q: %w", key, err)
		}
		s.ingestor.hydrate(key, stored)
	}

	events, err := s.transport.Backfill(ctx, s.self, key.Peer(s.self))
	if err != nil {
		return fmt.Errorf("backfill conversation %q: %w", key, err)
	}
	for _, event := range events {
		if _, err := s.ingestor.Ingest(event); err != nil {
			log.Warn().Err(err).Str("event", event.TransportID).Msg("dropping backfilled event")
		}
	}
	return nil
}

// Close cancels the event subscription, waits for in-flight submissions, and
// clears all conversation state.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.cancelEvents != nil {
			s.cancelEvents()
		}
		s.wg.Wait()
		s.index.Reset()
		log.Info().Str("self", s.self).Msg("chat session closed")
	})
}
