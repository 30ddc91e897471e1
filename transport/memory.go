package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process loopback transport. Every submit is confirmed
// locally and echoed back to subscribers, optionally after a delay.
// Used by tests and local single-node runs.
type Memory struct {
	self         string
	confirmDelay time.Duration

	mu      sync.Mutex
	events  []Event
	subs    map[int]func(Event)
	nextSub int
	closed  bool

	wg sync.WaitGroup
}

// NewMemory builds a loopback transport sending as self.
func NewMemory(self string, confirmDelay time.Duration) *Memory {
	return &Memory{
		self:         strings.ToLower(self),
		confirmDelay: confirmDelay,
		subs:         make(map[int]func(Event)),
	}
}

// Submit confirms the message locally and schedules its event delivery.
func (m *Memory) Submit(ctx context.Context, content, recipient string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.mu.Unlock()

	ref := fmt.Sprintf("mem-%s", uuid.NewString())
	event := Event{
		TransportID: ref,
		Sender:      m.self,
		Recipient:   strings.ToLower(recipient),
		Content:     content,
		Timestamp:   time.Now(),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if m.confirmDelay > 0 {
			time.Sleep(m.confirmDelay)
		}
		m.Inject(event)
	}()

	return ref, nil
}

// Inject delivers an event to all subscribers as if it arrived from the
// backend. Exposed so tests and local peers can feed inbound traffic.
func (m *Memory) Inject(event Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.events = append(m.events, event)
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// Subscribe registers an event callback.
func (m *Memory) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
		})
	}
}

// Backfill returns stored events between two participants, oldest first.
func (m *Memory) Backfill(_ context.Context, participantA, participantB string) ([]Event, error) {
	a := strings.ToLower(participantA)
	b := strings.ToLower(participantB)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	matches := make([]Event, 0)
	for _, event := range m.events {
		if (event.Sender == a && event.Recipient == b) || (event.Sender == b && event.Recipient == a) {
			matches = append(matches, event)
		}
	}
	return matches, nil
}

// Close stops delivery. Pending confirmations are drained first.
func (m *Memory) Close() error {
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[int]func(Event))
	return nil
}
