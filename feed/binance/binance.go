// Package binance streams spot order books from the Binance combined
// partial-depth websocket. Every frame carries the complete top of book, so
// there is no delta protocol to replay; each frame becomes a candidate
// snapshot on its own.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "bookflow/config"
	"bookflow/feed"
	"bookflow/internal/backoff"
	"bookflow/internal/channel/books"
	"bookflow/internal/metrics"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

// Feed maintains the Binance websocket connections for its symbol batches.
type Feed struct {
	config   *appconfig.Config
	channels *books.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	symbols  []string
	localIP  string
	conns    []*feed.Conn
}

// bookTarget resolves a combined-stream name back to the book it feeds.
type bookTarget struct {
	symbol      string
	tradingPair string
}

// NewFeed creates a Binance book feed. When syms is empty the configured
// symbol list is used.
func NewFeed(cfg *appconfig.Config, channels *books.Channels, syms []string, localIP string) *Feed {
	return &Feed{
		config:   cfg,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		symbols:  syms,
		localIP:  localIP,
	}
}

// Exchange returns the feed's exchange name.
func (f *Feed) Exchange() string { return "binance" }

// Start opens one websocket connection per symbol batch and keeps each alive
// until the context is cancelled.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("binance feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	cfg := f.config.Feeds.Binance
	log := f.log.WithComponent("binance_feed").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("binance book feed is disabled")
		return fmt.Errorf("binance book feed is disabled")
	}

	symbolList := f.symbols
	if len(symbolList) == 0 {
		symbolList = cfg.Symbols
	}
	if len(symbolList) == 0 {
		log.Warn("no symbols configured for binance book feed")
		return fmt.Errorf("no symbols configured for binance book feed")
	}

	batches := appconfig.ChunkSymbols(symbolList, cfg.SymbolsPerConnection)
	log.WithFields(logger.Fields{"symbols": symbolList, "connections": len(batches)}).Info("starting binance book feed")

	for _, batch := range batches {
		conn := feed.NewConn("binance", batch)
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		f.wg.Add(1)
		go f.stream(conn, batch)
	}

	log.Info("binance book feed started successfully")
	return nil
}

// Stop terminates all websocket connections and waits for the stream workers.
func (f *Feed) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.log.WithComponent("binance_feed").Info("stopping binance book feed")
	f.wg.Wait()
	f.log.WithComponent("binance_feed").Info("binance book feed stopped")
}

// Connections returns the state of every websocket connection.
func (f *Feed) Connections() []feed.ConnectionState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	states := make([]feed.ConnectionState, 0, len(f.conns))
	for _, conn := range f.conns {
		states = append(states, conn.State())
	}
	return states
}

// streamURL builds the combined-stream endpoint for a symbol batch, for
// example wss://host/stream?streams=btcusdt@depth20@100ms/ethusdt@depth20@100ms.
func (f *Feed) streamURL(symbolList []string) (string, map[string]bookTarget) {
	cfg := f.config.Feeds.Binance
	levels := cfg.DepthLevels
	if levels <= 0 {
		levels = 20
	}
	speed := cfg.UpdateSpeed
	if speed == "" {
		speed = "100ms"
	}

	targets := make(map[string]bookTarget, len(symbolList))
	names := make([]string, 0, len(symbolList))
	for _, sym := range symbolList {
		canonical := symbols.Canonical("binance", sym)
		name := symbols.StreamName(canonical) + "@depth" + strconv.Itoa(levels) + "@" + speed
		targets[name] = bookTarget{symbol: canonical, tradingPair: symbols.TradingPair(canonical)}
		names = append(names, name)
	}

	return cfg.URL + "?streams=" + strings.Join(names, "/"), targets
}

func (f *Feed) stream(conn *feed.Conn, symbolList []string) {
	defer f.wg.Done()

	log := f.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"connection": conn.State().ID,
		"symbols":    symbolList,
		"worker":     "book_stream",
	})

	cfg := f.config.Feeds.Binance
	staleAfter := cfg.StaleAfter.Std()
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}

	boff := backoff.New(f.config.Feeds.Backoff.Base.Std(), f.config.Feeds.Backoff.Max.Std(), f.config.Feeds.Backoff.Jitter)
	wsURL, targets := f.streamURL(symbolList)

	for {
		if f.ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		if f.localIP != "" {
			if ip := net.ParseIP(f.localIP); ip != nil {
				dialer.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
			}
		}

		ws, _, err := dialer.DialContext(f.ctx, wsURL, nil)
		if err != nil {
			conn.MarkDisconnected()
			wait := boff.Next()
			log.WithError(&models.ConnectionError{Exchange: "binance", Op: "dial", Err: err}).
				WithFields(logger.Fields{"retry_in": wait.String()}).
				Warn("failed to connect websocket, retrying")
			select {
			case <-time.After(wait):
				continue
			case <-f.ctx.Done():
				return
			}
		}

		conn.MarkConnected()
		if conn.State().Reconnects > 0 {
			metrics.EmitMetric(f.log, "binance_feed", "reconnects", 1, "counter", logger.Fields{"exchange": "binance"})
		}
		boff.Reset()
		log.Info("connected to combined book streams")

		done := make(chan struct{})
		go func() {
			select {
			case <-f.ctx.Done():
				ws.Close()
			case <-done:
			}
		}()

		// Binance pings at the protocol level; gorilla's default ping handler
		// answers those, so no application ping loop is needed.
		for {
			ws.SetReadDeadline(time.Now().Add(staleAfter))
			_, raw, err := ws.ReadMessage()
			if err != nil {
				close(done)
				ws.Close()
				if f.ctx.Err() != nil {
					return
				}
				if isTimeout(err) {
					conn.MarkStale()
					log.WithFields(logger.Fields{"stale_after": staleAfter.String()}).Warn("no messages within staleness window, forcing reconnect")
				} else {
					conn.MarkDisconnected()
					log.WithError(err).Warn("websocket read error, reconnecting")
				}
				break
			}
			conn.Touch()
			f.handleFrame(targets, raw, log)
		}

		wait := boff.Next()
		select {
		case <-time.After(wait):
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *Feed) handleFrame(targets map[string]bookTarget, raw []byte, log *logger.Entry) {
	var msg models.BinanceStreamMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.WithError(&models.ParseError{Exchange: "binance", Err: err}).Debug("failed to decode message")
		return
	}
	if msg.Stream == "" {
		return
	}

	target, ok := targets[msg.Stream]
	if !ok {
		log.WithFields(logger.Fields{"stream": msg.Stream}).Debug("message for unknown stream")
		return
	}

	bids, bidErr := models.ParseLevels(msg.Data.Bids)
	asks, askErr := models.ParseLevels(msg.Data.Asks)
	if bidErr != nil || askErr != nil {
		err := bidErr
		if err == nil {
			err = askErr
		}
		log.WithError(&models.ParseError{Exchange: "binance", Symbol: target.symbol, Err: err}).Warn("malformed book payload")
		metrics.EmitMetric(f.log, "binance_feed", "parse_errors", 1, "counter", logger.Fields{"exchange": "binance", "symbol": target.symbol})
		return
	}

	snap := models.OrderBookSnapshot{
		Exchange:    "binance",
		Symbol:      target.symbol,
		TradingPair: target.tradingPair,
		Bids:        dropEmptyLevels(bids),
		Asks:        dropEmptyLevels(asks),
		Sequence:    uint64(msg.Data.LastUpdateID),
		CapturedAt:  time.Now(),
	}

	if err := snap.Validate(); err != nil {
		log.WithError(err).Warn("dropping invalid book frame")
		metrics.EmitMetric(f.log, "binance_feed", "invalid_books", 1, "counter", logger.Fields{"exchange": "binance", "symbol": target.symbol})
		return
	}

	if f.channels.Send(f.ctx, snap) {
		logger.IncrementSnapshotRead(len(raw))
		return
	}
	if f.ctx.Err() != nil {
		return
	}
	log.WithFields(logger.Fields{"symbol": target.symbol}).Warn("books channel full, dropping snapshot")
	metrics.EmitDropMetric(f.log, metrics.DropMetricBook, "binance", target.symbol, "books")
}

// dropEmptyLevels strips zero-quantity placeholders; a partial-depth frame
// lists only live levels, so an empty quantity means the level is gone.
func dropEmptyLevels(levels []models.PriceLevel) []models.PriceLevel {
	kept := levels[:0]
	for _, level := range levels {
		if level.Quantity.Sign() > 0 {
			kept = append(kept, level)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
