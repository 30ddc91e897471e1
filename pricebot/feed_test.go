package pricebot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firechat/models"
)

func newTestFeed(t *testing.T, rounds func() []feedRound) *Feed {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rounds", r.URL.Path)
		json.NewEncoder(w).Encode(feedResponse{Rounds: rounds()})
	}))
	t.Cleanup(server.Close)

	feed, err := NewFeed(FeedOptions{
		Endpoint: server.URL,
		Pairs:    []string{"BTC/USD", "ETH/USD"},
		Client:   server.Client(),
	})
	require.NoError(t, err)
	return feed
}

func TestFeedRefreshScalesAnswers(t *testing.T) {
	now := time.Now().Unix()
	feed := newTestFeed(t, func() []feedRound {
		return []feedRound{
			{Pair: "BTC/USD", Answer: "5000000000000", Decimals: 8, UpdatedAt: now},
			{Pair: "ETH/USD", Answer: "250000000000", Decimals: 8, UpdatedAt: now},
		}
	})

	require.NoError(t, feed.Refresh(context.Background()))

	btc, ok := feed.Quote("BTC/USD")
	require.True(t, ok)
	assert.InDelta(t, 50000.0, btc.Price, 0.001)
	assert.False(t, btc.Stale)
	assert.False(t, btc.HasChange)

	eth, ok := feed.Quote("eth/usd")
	require.True(t, ok)
	assert.InDelta(t, 2500.0, eth.Price, 0.001)
}

func TestFeedRefreshComputesChange(t *testing.T) {
	answer := "5000000000000"
	now := time.Now().Unix()
	feed := newTestFeed(t, func() []feedRound {
		return []feedRound{{Pair: "BTC/USD", Answer: answer, Decimals: 8, UpdatedAt: now}}
	})

	require.NoError(t, feed.Refresh(context.Background()))

	answer = "5500000000000" // +10%
	require.NoError(t, feed.Refresh(context.Background()))

	btc, ok := feed.Quote("BTC/USD")
	require.True(t, ok)
	assert.True(t, btc.HasChange)
	assert.InDelta(t, 10.0, btc.Change, 0.001)
}

func TestFeedMarksStaleRounds(t *testing.T) {
	feed := newTestFeed(t, func() []feedRound {
		return []feedRound{{
			Pair:      "BTC/USD",
			Answer:    "5000000000000",
			Decimals:  8,
			UpdatedAt: time.Now().Add(-2 * time.Hour).Unix(),
		}}
	})

	require.NoError(t, feed.Refresh(context.Background()))

	btc, ok := feed.Quote("BTC/USD")
	require.True(t, ok)
	assert.True(t, btc.Stale)
}

func TestFeedRefreshSkipsBadRounds(t *testing.T) {
	now := time.Now().Unix()
	feed := newTestFeed(t, func() []feedRound {
		return []feedRound{
			{Pair: "BTC/USD", Answer: "not-a-number", Decimals: 8, UpdatedAt: now},
			{Pair: "ETH/USD", Answer: "250000000000", Decimals: 8, UpdatedAt: now},
		}
	})

	require.NoError(t, feed.Refresh(context.Background()))

	_, ok := feed.Quote("BTC/USD")
	assert.False(t, ok)
	_, ok = feed.Quote("ETH/USD")
	assert.True(t, ok)
}

func TestFeedRefreshFailsWithNoUsableRounds(t *testing.T) {
	feed := newTestFeed(t, func() []feedRound { return nil })
	assert.Error(t, feed.Refresh(context.Background()))
}

func TestTopMovers(t *testing.T) {
	feed := newTestFeed(t, func() []feedRound { return nil })
	feed.setQuotes([]models.Quote{
		{Pair: "BTC/USD", Price: 50000, Change: 4, HasChange: true},
		{Pair: "ETH/USD", Price: 2500, Change: -3, HasChange: true},
		{Pair: "SOL/USD", Price: 150, Change: 7, HasChange: true},
		{Pair: "ADA/USD", Price: 0.5, Change: -9, HasChange: true},
		{Pair: "DOT/USD", Price: 6, HasChange: false},
	})

	gainers, losers := feed.TopMovers(1)
	require.Len(t, gainers, 1)
	require.Len(t, losers, 1)
	assert.Equal(t, "SOL/USD", gainers[0].Pair)
	assert.Equal(t, "ADA/USD", losers[0].Pair)
}
