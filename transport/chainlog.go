package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/sha3"
	"golang.org/x/time/rate"
)

const (
	defaultPollInterval  = 12 * time.Second
	defaultChainTimeout  = 30 * time.Second
	messageSentSignature = "MessageSent(string,string,address,address,string,uint256)"
	sendMessageSignature = "sendMessage(string,address,string)"
)

// ChainLogOptions configures the on-chain event log transport.
type ChainLogOptions struct {
	// Endpoint is the JSON-RPC HTTP URL of the chain node.
	Endpoint string
	// Contract is the chat contract address emitting MessageSent events.
	Contract string
	// From is the node-managed account used for outbound transactions.
	From string
	// StartBlock is the first block scanned by the poll loop. Zero means
	// start at the current head.
	StartBlock uint64
	// PollInterval bounds how often the log poller queries the node.
	PollInterval time.Duration
	// Client overrides the HTTP client used for RPC calls.
	Client *http.Client
}

// ChainLog reads MessageSent events from a chat contract's log and submits
// sendMessage transactions through the same JSON-RPC endpoint. Log delivery
// is at-least-once: a poll window may be re-scanned after transient errors.
type ChainLog struct {
	endpoint string
	contract string
	from     string
	client   *http.Client
	limiter  *rate.Limiter

	eventTopic   string
	sendSelector []byte

	mu        sync.Mutex
	subs      map[int]func(Event)
	nextSub   int
	lastBlock uint64
	haveBlock bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewChainLog validates options and starts the poll loop.
func NewChainLog(opts ChainLogOptions) (*ChainLog, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("transport: chain endpoint is required")
	}
	if !strings.HasPrefix(opts.Contract, "0x") || len(opts.Contract) != 42 {
		return nil, fmt.Errorf("transport: invalid contract address %q", opts.Contract)
	}
	if !strings.HasPrefix(opts.From, "0x") || len(opts.From) != 42 {
		return nil, fmt.Errorf("transport: invalid sending account %q", opts.From)
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultChainTimeout}
	}

	sig := keccak([]byte(messageSentSignature))
	selector := keccak([]byte(sendMessageSignature))[:4]

	c := &ChainLog{
		endpoint:     opts.Endpoint,
		contract:     strings.ToLower(opts.Contract),
		from:         strings.ToLower(opts.From),
		client:       client,
		limiter:      rate.NewLimiter(rate.Every(interval), 1),
		eventTopic:   "0x" + hex.EncodeToString(sig),
		sendSelector: selector,
		subs:         make(map[int]func(Event)),
		lastBlock:    opts.StartBlock,
		haveBlock:    opts.StartBlock > 0,
		closed:       make(chan struct{}),
	}

	c.wg.Add(1)
	go c.pollLoop()
	return c, nil
}

// Submit sends a sendMessage transaction and returns its hash.
func (c *ChainLog) Submit(ctx context.Context, content, recipient string) (string, error) {
	select {
	case <-c.closed:
		return "", ErrClosed
	default:
	}

	calldata, err := encodeSendMessage(c.sendSelector, content, recipient, "")
	if err != nil {
		return "", err
	}

	var txHash string
	err = c.call(ctx, "eth_sendTransaction", []any{map[string]string{
		"from": c.from,
		"to":   c.contract,
		"data": "0x" + hex.EncodeToString(calldata),
	}}, &txHash)
	if err != nil {
		return "", fmt.Errorf("submit message transaction: %w", err)
	}

	log.Debug().Str("tx", txHash).Str("recipient", recipient).Msg("message transaction submitted")
	return txHash, nil
}

// Subscribe registers a callback for decoded MessageSent events.
func (c *ChainLog) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
		})
	}
}

// Backfill fetches the full MessageSent history between two addresses in
// both directions, oldest first.
func (c *ChainLog) Backfill(ctx context.Context, participantA, participantB string) ([]Event, error) {
	a := strings.ToLower(participantA)
	b := strings.ToLower(participantB)

	sent, err := c.getLogs(ctx, "0x0", "latest", addressTopic(a), addressTopic(b))
	if err != nil {
		return nil, fmt.Errorf("backfill sent logs: %w", err)
	}
	received, err := c.getLogs(ctx, "0x0", "latest", addressTopic(b), addressTopic(a))
	if err != nil {
		return nil, fmt.Errorf("backfill received logs: %w", err)
	}

	events := make([]Event, 0, len(sent)+len(received))
	for _, entry := range append(sent, received...) {
		event, err := decodeMessageSent(entry)
		if err != nil {
			log.Warn().Err(err).Str("tx", entry.TransactionHash).Msg("skipping undecodable log entry")
			continue
		}
		events = append(events, event)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// Close stops the poll loop.
func (c *ChainLog) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.wg.Wait()
	return nil
}

func (c *ChainLog) pollLoop() {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-c.closed
		cancel()
	}()

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		if err := c.pollOnce(ctx); err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			log.Warn().Err(err).Msg("chain log poll failed")
		}
	}
}

func (c *ChainLog) pollOnce(ctx context.Context) error {
	var headHex string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &headHex); err != nil {
		return fmt.Errorf("read block number: %w", err)
	}
	head, err := parseQuantity(headHex)
	if err != nil {
		return fmt.Errorf("parse block number %q: %w", headHex, err)
	}

	if !c.haveBlock {
		c.mu.Lock()
		c.lastBlock = head
		c.haveBlock = true
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	from := c.lastBlock + 1
	c.mu.Unlock()
	if head < from {
		return nil
	}

	entries, err := c.getLogs(ctx, formatQuantity(from), formatQuantity(head), "", "")
	if err != nil {
		return fmt.Errorf("scan blocks %d-%d: %w", from, head, err)
	}

	for _, entry := range entries {
		event, err := decodeMessageSent(entry)
		if err != nil {
			log.Warn().Err(err).Str("tx", entry.TransactionHash).Msg("skipping undecodable log entry")
			continue
		}
		c.dispatch(event)
	}

	c.mu.Lock()
	c.lastBlock = head
	c.mu.Unlock()
	return nil
}

func (c *ChainLog) dispatch(event Event) {
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

type logEntry struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
}

func (c *ChainLog) getLogs(ctx context.Context, fromBlock, toBlock, senderTopic, recipientTopic string) ([]logEntry, error) {
	topics := []any{c.eventTopic}
	if senderTopic != "" || recipientTopic != "" {
		var sender, recipient any
		if senderTopic != "" {
			sender = senderTopic
		}
		if recipientTopic != "" {
			recipient = recipientTopic
		}
		topics = append(topics, nil, sender, recipient)
	}

	var entries []logEntry
	err := c.call(ctx, "eth_getLogs", []any{map[string]any{
		"address":   c.contract,
		"topics":    topics,
		"fromBlock": fromBlock,
		"toBlock":   toBlock,
	}}, &entries)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *ChainLog) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc call %q: %w", method, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read rpc response: %w", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode rpc response for %q: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("rpc error [%d]: %s", resp.Error.Code, resp.Error.Message)
	}

	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode rpc result for %q: %w", method, err)
		}
	}
	return nil
}

// decodeMessageSent unpacks one MessageSent log entry.
//
// Indexed fields: messageId (hashed, unused), sender, recipient.
// Data fields: content, recipientDomain, timestamp.
func decodeMessageSent(entry logEntry) (Event, error) {
	if len(entry.Topics) != 4 {
		return Event{}, fmt.Errorf("expected 4 topics, got %d", len(entry.Topics))
	}

	sender, err := addressFromTopic(entry.Topics[2])
	if err != nil {
		return Event{}, fmt.Errorf("decode sender topic: %w", err)
	}
	recipient, err := addressFromTopic(entry.Topics[3])
	if err != nil {
		return Event{}, fmt.Errorf("decode recipient topic: %w", err)
	}

	data, err := hex.DecodeString(strings.TrimPrefix(entry.Data, "0x"))
	if err != nil {
		return Event{}, fmt.Errorf("decode log data: %w", err)
	}
	if len(data) < 96 {
		return Event{}, fmt.Errorf("log data too short: %d bytes", len(data))
	}

	content, err := abiStringAt(data, 0)
	if err != nil {
		return Event{}, fmt.Errorf("decode content: %w", err)
	}
	domain, err := abiStringAt(data, 32)
	if err != nil {
		return Event{}, fmt.Errorf("decode recipient domain: %w", err)
	}
	timestamp := new(big.Int).SetBytes(data[64:96])

	logIndex, err := parseQuantity(entry.LogIndex)
	if err != nil {
		return Event{}, fmt.Errorf("parse log index %q: %w", entry.LogIndex, err)
	}

	return Event{
		TransportID:     fmt.Sprintf("%s-%d", entry.TransactionHash, logIndex),
		Sender:          sender,
		Recipient:       recipient,
		RecipientDomain: domain,
		Content:         content,
		Timestamp:       time.Unix(timestamp.Int64(), 0).UTC(),
	}, nil
}

// abiStringAt reads a dynamic string whose offset word sits at headPos.
func abiStringAt(data []byte, headPos int) (string, error) {
	if len(data) < headPos+32 {
		return "", errors.New("missing offset word")
	}
	offset := new(big.Int).SetBytes(data[headPos : headPos+32]).Int64()
	if offset < 0 || int(offset)+32 > len(data) {
		return "", fmt.Errorf("offset %d out of range", offset)
	}
	length := new(big.Int).SetBytes(data[offset : offset+32]).Int64()
	start := int(offset) + 32
	if length < 0 || start+int(length) > len(data) {
		return "", fmt.Errorf("length %d out of range", length)
	}
	return string(data[start : start+int(length)]), nil
}

// encodeSendMessage builds calldata for sendMessage(content, recipient, domain).
func encodeSendMessage(selector []byte, content, recipient, domain string) ([]byte, error) {
	addr, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(recipient), "0x"))
	if err != nil || len(addr) != 20 {
		return nil, fmt.Errorf("transport: invalid recipient address %q", recipient)
	}

	contentTail := abiPackString(content)
	domainTail := abiPackString(domain)

	head := make([]byte, 0, 96)
	head = append(head, abiWordInt(96)...) // content offset: after 3 head words
	head = append(head, abiWordAddress(addr)...)
	head = append(head, abiWordInt(96+len(contentTail))...) // domain offset

	out := make([]byte, 0, 4+len(head)+len(contentTail)+len(domainTail))
	out = append(out, selector...)
	out = append(out, head...)
	out = append(out, contentTail...)
	out = append(out, domainTail...)
	return out, nil
}

func abiPackString(s string) []byte {
	raw := []byte(s)
	padded := (len(raw) + 31) / 32 * 32
	out := make([]byte, 32+padded)
	copy(out, abiWordInt(len(raw)))
	copy(out[32:], raw)
	return out
}

func abiWordInt(n int) []byte {
	word := make([]byte, 32)
	new(big.Int).SetInt64(int64(n)).FillBytes(word)
	return word
}

func abiWordAddress(addr []byte) []byte {
	word := make([]byte, 32)
	copy(word[12:], addr)
	return word
}

func addressTopic(address string) string {
	return "0x" + strings.Repeat("0", 24) + strings.TrimPrefix(strings.ToLower(address), "0x")
}

func addressFromTopic(topic string) (string, error) {
	raw := strings.TrimPrefix(topic, "0x")
	if len(raw) != 64 {
		return "", fmt.Errorf("invalid topic length %d", len(raw))
	}
	return "0x" + strings.ToLower(raw[24:]), nil
}

func parseQuantity(hexValue string) (uint64, error) {
	trimmed := strings.TrimPrefix(hexValue, "0x")
	if trimmed == "" {
		return 0, errors.New("empty quantity")
	}
	n, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return 0, fmt.Errorf("invalid hex quantity %q", hexValue)
	}
	return n.Uint64(), nil
}

func formatQuantity(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}

func keccak(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
