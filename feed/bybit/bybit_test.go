package bybit

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "bookflow/config"
	"bookflow/feed"
	"bookflow/internal/channel/books"
	"bookflow/models"
)

const (
	snapshotFrame = `{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1724572800000,"data":{"s":"BTCUSDT","b":[["49990","2"],["50000","1"]],"a":[["50020","1.5"],["50010","0.5"]],"u":100,"seq":7000}}`
	deltaFrame    = `{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1724572800100,"data":{"s":"BTCUSDT","b":[["50000","3"],["49990","0"]],"a":[],"u":101,"seq":7001}}`
	gapFrame      = `{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1724572800200,"data":{"s":"BTCUSDT","b":[["50000","4"]],"a":[],"u":105,"seq":7010}}`
	restartFrame  = `{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1724572800300,"data":{"s":"BTCUSDT","b":[["51000","1"]],"a":[["51010","1"]],"u":1,"seq":7011}}`
)

func testConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Feeds.Bybit = appconfig.BybitFeedConfig{
		Enabled:              true,
		URL:                  "wss://stream.example.com/v5/public/spot",
		Symbols:              []string{"BTCUSDT"},
		SymbolsPerConnection: 10,
		StaleAfter:           appconfig.Duration(5 * time.Second),
		Depth:                50,
	}
	cfg.Feeds.Backoff = appconfig.BackoffConfig{
		Base:   appconfig.Duration(10 * time.Millisecond),
		Max:    appconfig.Duration(50 * time.Millisecond),
		Jitter: 0,
	}
	return cfg
}

func newTestFeed(t *testing.T) (*Feed, *books.Channels, map[string]*feed.BookState, chan string) {
	t.Helper()
	channels := books.NewChannels(16)
	f := NewFeed(testConfig(), channels, nil)
	f.ctx = context.Background()
	states := map[string]*feed.BookState{
		"BTCUSDT": feed.NewBookState("bybit", "BTCUSDT", "BTC/USDT"),
	}
	return f, channels, states, make(chan string, 1)
}

func recvSnapshot(t *testing.T, channels *books.Channels) models.OrderBookSnapshot {
	t.Helper()
	select {
	case snap := <-channels.Snapshots:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return models.OrderBookSnapshot{}
	}
}

func expectNoSnapshot(t *testing.T, channels *books.Channels) {
	t.Helper()
	select {
	case snap := <-channels.Snapshots:
		t.Fatalf("unexpected snapshot published: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTopics(t *testing.T) {
	f, _, _, _ := newTestFeed(t)
	assert.Equal(t, []string{"orderbook.50.BTCUSDT"}, f.topics([]string{"BTCUSDT"}))

	f.config.Feeds.Bybit.Depth = 0
	assert.Equal(t, []string{"orderbook.50.BTCUSDT"}, f.topics([]string{"BTCUSDT"}))

	f.config.Feeds.Bybit.Depth = 200
	assert.Equal(t, []string{"orderbook.200.ETHUSDT"}, f.topics([]string{"ethusdt"}))
}

func TestHandleMessageSnapshotPublishes(t *testing.T) {
	f, channels, states, restart := newTestFeed(t)
	log := f.log.WithComponent("bybit_feed")

	f.handleMessage(states, restart, []byte(snapshotFrame), log)

	snap := recvSnapshot(t, channels)
	assert.Equal(t, "bybit", snap.Exchange)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, "BTC/USDT", snap.TradingPair)
	assert.Equal(t, uint64(1724572800000), snap.Sequence, "published sequence is the capture time in ms")
	require.Len(t, snap.Bids, 2)
	assert.True(t, snap.Bids[0].Price.Equal(decimal.NewFromInt(50000)), "bids must come out best first")
	assert.Equal(t, time.UnixMilli(1724572800000).Unix(), snap.CapturedAt.Unix())
}

func TestHandleMessageDeltaApplies(t *testing.T) {
	f, channels, states, restart := newTestFeed(t)
	log := f.log.WithComponent("bybit_feed")

	f.handleMessage(states, restart, []byte(snapshotFrame), log)
	recvSnapshot(t, channels)

	f.handleMessage(states, restart, []byte(deltaFrame), log)
	snap := recvSnapshot(t, channels)

	assert.Equal(t, uint64(1724572800100), snap.Sequence)
	require.Len(t, snap.Bids, 1, "zero quantity must remove the 49990 level")
	assert.True(t, snap.Bids[0].Quantity.Equal(decimal.NewFromInt(3)))
	require.Len(t, snap.Asks, 2, "untouched side must survive the delta")
}

func TestHandleMessageStaleDeltaDropped(t *testing.T) {
	f, channels, states, restart := newTestFeed(t)
	log := f.log.WithComponent("bybit_feed")

	f.handleMessage(states, restart, []byte(snapshotFrame), log)
	recvSnapshot(t, channels)
	f.handleMessage(states, restart, []byte(deltaFrame), log)
	recvSnapshot(t, channels)

	// A replay of the applied delta: no publish, no restart.
	f.handleMessage(states, restart, []byte(deltaFrame), log)
	expectNoSnapshot(t, channels)

	assert.True(t, states["BTCUSDT"].Seeded(), "stale replay must not invalidate the book")
	select {
	case sym := <-restart:
		t.Fatalf("unexpected restart request for %s", sym)
	default:
	}
}

func TestHandleMessageGapRequestsRestart(t *testing.T) {
	f, channels, states, restart := newTestFeed(t)
	log := f.log.WithComponent("bybit_feed")

	f.handleMessage(states, restart, []byte(snapshotFrame), log)
	recvSnapshot(t, channels)

	f.handleMessage(states, restart, []byte(gapFrame), log)
	expectNoSnapshot(t, channels)

	assert.False(t, states["BTCUSDT"].Seeded(), "gap must invalidate the book")
	select {
	case sym := <-restart:
		assert.Equal(t, "BTCUSDT", sym)
	default:
		t.Fatal("expected a restart request after a sequence gap")
	}
}

func TestHandleMessageServiceRestartReseeds(t *testing.T) {
	f, channels, states, restart := newTestFeed(t)
	log := f.log.WithComponent("bybit_feed")

	f.handleMessage(states, restart, []byte(snapshotFrame), log)
	recvSnapshot(t, channels)

	// Update id 1 flags a service restart; the frame replaces the book even
	// though its type says delta.
	f.handleMessage(states, restart, []byte(restartFrame), log)
	snap := recvSnapshot(t, channels)

	assert.Equal(t, uint64(1724572800300), snap.Sequence)
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Bids[0].Price.Equal(decimal.NewFromInt(51000)))
	require.Len(t, snap.Asks, 1)
}

func TestHandleMessageUnseededDeltaRequestsRestart(t *testing.T) {
	f, channels, states, restart := newTestFeed(t)
	log := f.log.WithComponent("bybit_feed")

	f.handleMessage(states, restart, []byte(deltaFrame), log)
	expectNoSnapshot(t, channels)

	select {
	case <-restart:
	default:
		t.Fatal("expected a restart request for a delta without a snapshot")
	}
}

func TestHandleMessageOpResponses(t *testing.T) {
	f, channels, states, restart := newTestFeed(t)
	log := f.log.WithComponent("bybit_feed")

	f.handleMessage(states, restart, []byte(`{"success":true,"op":"subscribe","ret_msg":""}`), log)
	f.handleMessage(states, restart, []byte(`{"success":false,"op":"subscribe","ret_msg":"error:handler not found"}`), log)
	f.handleMessage(states, restart, []byte(`{"topic":"tickers.BTCUSDT","type":"snapshot","data":{}}`), log)
	expectNoSnapshot(t, channels)
}

func TestStartValidation(t *testing.T) {
	channels := books.NewChannels(1)

	disabled := testConfig()
	disabled.Feeds.Bybit.Enabled = false
	f := NewFeed(disabled, channels, nil)
	assert.Error(t, f.Start(context.Background()))

	empty := testConfig()
	empty.Feeds.Bybit.Symbols = nil
	f = NewFeed(empty, channels, nil)
	assert.Error(t, f.Start(context.Background()))
}
