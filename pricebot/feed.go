// Package pricebot polls a price oracle feed and answers chat commands with
// locally generated system messages. Bot output never reaches the transport.
package pricebot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"firechat/models"
)

const (
	// DefaultPollInterval is the regular feed refresh cadence.
	DefaultPollInterval = 5 * time.Minute
	// staleAfter marks a quote stale when the oracle round is older than this.
	staleAfter = time.Hour
	// answerDecimals is the fixed-point scale of oracle answers.
	answerDecimals = 8

	defaultFeedTimeout = 20 * time.Second
)

// DefaultPairs are the tracked pairs when none are configured.
var DefaultPairs = []string{
	"BTC/USD", "ETH/USD", "SOL/USD", "BNB/USD", "ADA/USD",
	"XRP/USD", "DOT/USD", "DOGE/USD", "MATIC/USD", "AVAX/USD",
}

// FeedOptions configures a Feed.
type FeedOptions struct {
	// Endpoint is the oracle feed HTTP base URL.
	Endpoint string
	// Pairs lists tracked pairs; defaults to DefaultPairs.
	Pairs []string
	// PollInterval bounds refresh frequency.
	PollInterval time.Duration
	// Client overrides the HTTP client.
	Client *http.Client
}

// Feed tracks current prices and their change against the previous round.
type Feed struct {
	endpoint string
	pairs    []string
	client   *http.Client
	limiter  *rate.Limiter

	mu     sync.RWMutex
	quotes map[string]models.Quote
	asOf   time.Time
}

// NewFeed builds a feed poller. Call Refresh or Run to populate it.
func NewFeed(opts FeedOptions) (*Feed, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("pricebot: feed endpoint is required")
	}

	pairs := opts.Pairs
	if len(pairs) == 0 {
		pairs = DefaultPairs
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFeedTimeout}
	}

	return &Feed{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		pairs:    pairs,
		client:   client,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		quotes:   make(map[string]models.Quote),
	}, nil
}

type feedRound struct {
	Pair      string `json:"pair"`
	Answer    string `json:"answer"`
	Decimals  int    `json:"decimals"`
	UpdatedAt int64  `json:"updated_at"`
}

type feedResponse struct {
	Rounds []feedRound `json:"rounds"`
}

// Refresh fetches the latest rounds and recomputes changes against the
// previous snapshot.
func (f *Feed) Refresh(ctx context.Context) error {
	endpoint := f.endpoint + "/rounds?pairs=" + url.QueryEscape(strings.Join(f.pairs, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build feed request: %w", err)
	}

	httpResp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch price feed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("price feed returned status %d", httpResp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read price feed response: %w", err)
	}

	var resp feedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode price feed response: %w", err)
	}

	now := time.Now()
	next := make(map[string]models.Quote, len(resp.Rounds))

	f.mu.RLock()
	previous := f.quotes
	f.mu.RUnlock()

	for _, round := range resp.Rounds {
		quote, err := round.toQuote(now)
		if err != nil {
			log.Warn().Err(err).Str("pair", round.Pair).Msg("skipping unusable feed round")
			continue
		}
		if prev, ok := previous[quote.Pair]; ok && prev.Price > 0 {
			quote.Change = (quote.Price - prev.Price) / prev.Price * 100
			quote.HasChange = true
		}
		next[quote.Pair] = quote
	}

	if len(next) == 0 {
		return fmt.Errorf("price feed returned no usable rounds")
	}

	f.mu.Lock()
	f.quotes = next
	f.asOf = now
	f.mu.Unlock()

	log.Debug().Int("pairs", len(next)).Msg("price feed refreshed")
	return nil
}

func (r feedRound) toQuote(now time.Time) (models.Quote, error) {
	if r.Pair == "" {
		return models.Quote{}, fmt.Errorf("round missing pair")
	}

	answer, ok := new(big.Int).SetString(r.Answer, 10)
	if !ok {
		return models.Quote{}, fmt.Errorf("invalid answer %q", r.Answer)
	}
	decimals := r.Decimals
	if decimals <= 0 {
		decimals = answerDecimals
	}

	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	price, _ := new(big.Float).Quo(new(big.Float).SetInt(answer), scale).Float64()

	updatedAt := time.Unix(r.UpdatedAt, 0).UTC()
	return models.Quote{
		Pair:      strings.ToUpper(r.Pair),
		Price:     price,
		UpdatedAt: updatedAt,
		FetchedAt: now,
		Stale:     now.Sub(updatedAt) > staleAfter,
	}, nil
}

// Run refreshes the feed on the poll cadence until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) {
	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return
		}
		if err := f.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("price feed refresh failed")
		}
	}
}

// Quote returns the current quote for a pair.
func (f *Feed) Quote(pair string) (models.Quote, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	quote, ok := f.quotes[strings.ToUpper(pair)]
	return quote, ok
}

// Quotes returns all current quotes ordered by pair.
func (f *Feed) Quotes() []models.Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]models.Quote, 0, len(f.quotes))
	for _, quote := range f.quotes {
		out = append(out, quote)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

// TopMovers returns the n largest gainers and losers by change percent.
// Pairs without an observed change are excluded.
func (f *Feed) TopMovers(n int) (gainers, losers []models.Quote) {
	quotes := f.Quotes()

	for _, quote := range quotes {
		if !quote.HasChange {
			continue
		}
		if quote.Change > 0 {
			gainers = append(gainers, quote)
		} else if quote.Change < 0 {
			losers = append(losers, quote)
		}
	}

	sort.Slice(gainers, func(i, j int) bool { return gainers[i].Change > gainers[j].Change })
	sort.Slice(losers, func(i, j int) bool { return losers[i].Change < losers[j].Change })

	if n > 0 && len(gainers) > n {
		gainers = gainers[:n]
	}
	if n > 0 && len(losers) > n {
		losers = losers[:n]
	}
	return gainers, losers
}

// setQuotes seeds the feed directly; used by tests.
func (f *Feed) setQuotes(quotes []models.Quote) {
	next := make(map[string]models.Quote, len(quotes))
	for _, quote := range quotes {
		next[quote.Pair] = quote
	}

	f.mu.Lock()
	f.quotes = next
	f.asOf = time.Now()
	f.mu.Unlock()
}
