package pricebot

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"firechat/chat"
	"firechat/models"
)

const (
	// BroadcastInterval is the cadence of automatic price updates.
	BroadcastInterval = 6 * time.Hour
	// initialBroadcastDelay lets the first feed poll land before the first
	// automatic update.
	initialBroadcastDelay = 30 * time.Second

	botSender = "PriceBot"
)

// System message kinds emitted by the bot.
const (
	KindPriceUpdate    = "price_update"
	KindPriceResponse  = "price_response"
	KindMoversResponse = "movers_response"
	KindError          = "error"
)

// Bot answers price commands and periodically broadcasts market updates as
// system messages on the conversation index.
type Bot struct {
	feed  *Feed
	index *chat.Index
	clock func() time.Time

	broadcastInterval time.Duration
}

// New builds a bot over a feed and an index.
func New(feed *Feed, index *chat.Index) *Bot {
	return &Bot{
		feed:              feed,
		index:             index,
		clock:             time.Now,
		broadcastInterval: BroadcastInterval,
	}
}

// ProcessCommand inspects outgoing text for bot commands ("!price",
// "!movers") and answers with a system message. Reports whether the text was
// a command; command text should not be sent to the transport.
func (b *Bot) ProcessCommand(content string) bool {
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)

	switch {
	case lower == "!movers":
		b.respondMovers()
		return true
	case lower == "!price" || lower == "!price all":
		b.respondAllPrices()
		return true
	case strings.HasPrefix(lower, "!price "):
		symbol := strings.ToUpper(strings.TrimSpace(trimmed[len("!price "):]))
		b.respondPrice(symbol)
		return true
	default:
		return false
	}
}

func (b *Bot) respondAllPrices() {
	quotes := b.feed.Quotes()
	if len(quotes) == 0 {
		b.emit(KindError, "Price data not available yet. Trying to fetch latest prices...")
		return
	}
	b.emit(KindPriceResponse, formatPriceList(quotes))
}

func (b *Bot) respondPrice(symbol string) {
	pair := symbol
	if !strings.Contains(pair, "/") {
		pair += "/USD"
	}

	quote, ok := b.feed.Quote(pair)
	if !ok {
		b.emit(KindError, formatUnknownSymbol(symbol, b.feed.pairs))
		return
	}
	b.emit(KindPriceResponse, formatQuoteLine(quote))
}

func (b *Bot) respondMovers() {
	gainers, losers := b.feed.TopMovers(5)
	b.emit(KindMoversResponse, formatMovers(gainers, losers))
}

// Broadcast emits the periodic full market update.
func (b *Bot) Broadcast() {
	quotes := b.feed.Quotes()
	if len(quotes) == 0 {
		return
	}
	gainers, losers := b.feed.TopMovers(3)
	b.emit(KindPriceUpdate, formatBroadcast(quotes, gainers, losers, b.clock()))
	log.Debug().Msg("price update broadcast to chat")
}

// Run drives periodic broadcasts until ctx is cancelled. The first update
// fires shortly after start once the feed has data.
func (b *Bot) Run(ctx context.Context) {
	initial := time.NewTimer(initialBroadcastDelay)
	defer initial.Stop()

	ticker := time.NewTicker(b.broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-initial.C:
			b.Broadcast()
		case <-ticker.C:
			b.Broadcast()
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bot) emit(kind, content string) {
	b.index.AddSystem(models.SystemMessage{
		ID:        "system-" + uuid.NewString(),
		Content:   content,
		Kind:      kind,
		Sender:    botSender,
		Timestamp: b.clock(),
	})
}
