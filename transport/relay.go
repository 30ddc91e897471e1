package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	relayHeartbeatInterval = 25 * time.Second
	relayRequestTimeout    = 30 * time.Second
	relayReconnectBase     = 1 * time.Second
	relayReconnectMax      = 30 * time.Second
	relayMaxReconnects     = 10
)

// Relay wire protocol envelope. Every frame in both directions carries a
// type tag and a JSON payload.
type relayEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type relaySendPayload struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

type relayAckPayload struct {
	TransportID string `json:"transport_id"`
	Error       string `json:"error,omitempty"`
}

type relayBackfillPayload struct {
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
}

type relayBackfillResult struct {
	Events []Event `json:"events"`
	Error  string  `json:"error,omitempty"`
}

// Relay is a websocket client for the encrypted-messaging relay network.
// Inbound message events stream over one long-lived connection; outbound
// sends and backfill queries are request/ack exchanges on the same socket.
type Relay struct {
	url   string
	token string
	self  string

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[int]func(Event)
	nextSub  int
	inflight map[string]chan relayEnvelope

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// RelayOptions configures a relay connection.
type RelayOptions struct {
	// URL is the relay websocket endpoint (ws:// or wss://).
	URL string
	// Token authenticates the connection, if the relay requires one.
	Token string
	// Self is the local participant identifier announced on connect.
	Self string
}

// DialRelay connects to the relay and starts the read loop.
func DialRelay(ctx context.Context, opts RelayOptions) (*Relay, error) {
	if opts.URL == "" {
		return nil, errors.New("transport: relay URL is required")
	}
	if opts.Self == "" {
		return nil, errors.New("transport: relay identity is required")
	}

	r := &Relay{
		url:      opts.URL,
		token:    opts.Token,
		self:     opts.Self,
		subs:     make(map[int]func(Event)),
		inflight: make(map[string]chan relayEnvelope),
		closed:   make(chan struct{}),
	}

	if err := r.connect(ctx); err != nil {
		return nil, err
	}

	r.wg.Add(1)
	go r.run()
	return r, nil
}

func (r *Relay) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("dial relay %q: %w", r.url, err)
	}
	conn.SetReadLimit(1 << 20)

	hello := relayEnvelope{Type: "hello"}
	payload, err := json.Marshal(map[string]string{"identity": r.self, "token": r.token})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "encode hello")
		return fmt.Errorf("encode relay hello: %w", err)
	}
	hello.Payload = payload

	if err := wsjson.Write(ctx, conn, hello); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "send hello")
		return fmt.Errorf("send relay hello: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return nil
}

// run reads frames until the relay closes, reconnecting with capped
// exponential backoff.
func (r *Relay) run() {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.closed
		cancel()
	}()

	attempts := 0
	for {
		err := r.readLoop(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		attempts++
		if attempts > relayMaxReconnects {
			log.Error().Err(err).Msg("relay reconnect attempts exhausted")
			return
		}

		delay := reconnectDelay(attempts)
		log.Warn().Err(err).Int("attempt", attempts).Dur("delay", delay).Msg("relay disconnected, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		if err := r.connect(ctx); err != nil {
			log.Warn().Err(err).Msg("relay reconnect failed")
			continue
		}
		attempts = 0
	}
}

func (r *Relay) readLoop(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errors.New("relay connection not established")
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeat(heartbeatCtx, conn)

	for {
		var envelope relayEnvelope
		if err := wsjson.Read(ctx, conn, &envelope); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read relay frame: %w", err)
		}
		r.handleFrame(envelope)
	}
}

func (r *Relay) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(relayHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (r *Relay) handleFrame(envelope relayEnvelope) {
	switch envelope.Type {
	case "message.new":
		var event Event
		if err := json.Unmarshal(envelope.Payload, &event); err != nil {
			log.Warn().Err(err).Msg("dropping undecodable relay message frame")
			return
		}
		r.dispatch(event)

	case "send.ack", "backfill.result", "error":
		if envelope.RequestID == "" {
			log.Warn().Str("type", envelope.Type).Msg("relay response frame without request id")
			return
		}
		r.mu.Lock()
		ch, ok := r.inflight[envelope.RequestID]
		if ok {
			delete(r.inflight, envelope.RequestID)
		}
		r.mu.Unlock()
		if ok {
			ch <- envelope
		}

	default:
		log.Debug().Str("type", envelope.Type).Msg("ignoring unknown relay frame type")
	}
}

func (r *Relay) dispatch(event Event) {
	r.mu.Lock()
	fns := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// Submit sends a message through the relay and waits for its ack.
func (r *Relay) Submit(ctx context.Context, content, recipient string) (string, error) {
	payload, err := json.Marshal(relaySendPayload{
		Sender:    r.self,
		Recipient: recipient,
		Content:   content,
	})
	if err != nil {
		return "", fmt.Errorf("encode send payload: %w", err)
	}

	response, err := r.request(ctx, relayEnvelope{Type: "send", Payload: payload})
	if err != nil {
		return "", err
	}

	var ack relayAckPayload
	if err := json.Unmarshal(response.Payload, &ack); err != nil {
		return "", fmt.Errorf("decode send ack: %w", err)
	}
	if ack.Error != "" {
		return "", fmt.Errorf("relay rejected send: %s", ack.Error)
	}
	if ack.TransportID == "" {
		return "", errors.New("relay ack missing transport id")
	}
	return ack.TransportID, nil
}

// Backfill queries the relay for history between two participants.
func (r *Relay) Backfill(ctx context.Context, participantA, participantB string) ([]Event, error) {
	payload, err := json.Marshal(relayBackfillPayload{
		ParticipantA: participantA,
		ParticipantB: participantB,
	})
	if err != nil {
		return nil, fmt.Errorf("encode backfill payload: %w", err)
	}

	response, err := r.request(ctx, relayEnvelope{Type: "backfill", Payload: payload})
	if err != nil {
		return nil, err
	}

	var result relayBackfillResult
	if err := json.Unmarshal(response.Payload, &result); err != nil {
		return nil, fmt.Errorf("decode backfill result: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("relay backfill failed: %s", result.Error)
	}
	return result.Events, nil
}

// Subscribe registers a callback for inbound message events.
func (r *Relay) Subscribe(fn func(Event)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
		})
	}
}

// Close shuts the relay connection down.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
	})

	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	for id, ch := range r.inflight {
		close(ch)
		delete(r.inflight, id)
	}
	r.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	r.wg.Wait()
	return nil
}

func (r *Relay) request(ctx context.Context, envelope relayEnvelope) (relayEnvelope, error) {
	select {
	case <-r.closed:
		return relayEnvelope{}, ErrClosed
	default:
	}

	envelope.RequestID = uuid.NewString()
	ch := make(chan relayEnvelope, 1)

	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return relayEnvelope{}, errors.New("relay connection not established")
	}
	r.inflight[envelope.RequestID] = ch
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.inflight, envelope.RequestID)
		r.mu.Unlock()
	}

	writeCtx, cancel := context.WithTimeout(ctx, relayRequestTimeout)
	defer cancel()

	if err := wsjson.Write(writeCtx, conn, envelope); err != nil {
		cleanup()
		return relayEnvelope{}, fmt.Errorf("write relay frame: %w", err)
	}

	select {
	case response, ok := <-ch:
		if !ok {
			return relayEnvelope{}, ErrClosed
		}
		if response.Type == "error" {
			var remote relayAckPayload
			_ = json.Unmarshal(response.Payload, &remote)
			return relayEnvelope{}, fmt.Errorf("relay error: %s", remote.Error)
		}
		return response, nil
	case <-writeCtx.Done():
		cleanup()
		return relayEnvelope{}, fmt.Errorf("await relay response: %w", writeCtx.Err())
	case <-r.closed:
		cleanup()
		return relayEnvelope{}, ErrClosed
	}
}

func reconnectDelay(attempt int) time.Duration {
	delay := time.Duration(float64(relayReconnectBase) * math.Pow(2, float64(attempt-1)))
	if delay > relayReconnectMax {
		delay = relayReconnectMax
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}
