// Package bybit streams spot order books from the Bybit v5 public websocket
// through the official SDK. The orderbook topic opens with a snapshot and
// follows with deltas whose update ids advance one at a time; the SDK owns the
// socket, so staleness is enforced by a watchdog rather than read deadlines.
package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	appconfig "bookflow/config"
	"bookflow/feed"
	"bookflow/internal/backoff"
	"bookflow/internal/channel/books"
	"bookflow/internal/metrics"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

// Feed maintains the Bybit websocket connections for its symbol batches.
type Feed struct {
	config   *appconfig.Config
	channels *books.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	symbols  []string
	conns    []*feed.Conn
}

// NewFeed creates a Bybit book feed. When syms is empty the configured symbol
// list is used.
func NewFeed(cfg *appconfig.Config, channels *books.Channels, syms []string) *Feed {
	return &Feed{
		config:   cfg,
		channels: channels,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		symbols:  syms,
	}
}

// Exchange returns the feed's exchange name.
func (f *Feed) Exchange() string { return "bybit" }

// Start opens one websocket connection per symbol batch and keeps each alive
// until the context is cancelled.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("bybit feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	cfg := f.config.Feeds.Bybit
	log := f.log.WithComponent("bybit_feed").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("bybit book feed is disabled")
		return fmt.Errorf("bybit book feed is disabled")
	}

	symbolList := f.symbols
	if len(symbolList) == 0 {
		symbolList = cfg.Symbols
	}
	if len(symbolList) == 0 {
		log.Warn("no symbols configured for bybit book feed")
		return fmt.Errorf("no symbols configured for bybit book feed")
	}

	batches := appconfig.ChunkSymbols(symbolList, cfg.SymbolsPerConnection)
	log.WithFields(logger.Fields{"symbols": symbolList, "connections": len(batches)}).Info("starting bybit book feed")

	for _, batch := range batches {
		conn := feed.NewConn("bybit", batch)
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		f.wg.Add(1)
		go f.stream(conn, batch, cfg.URL)
	}

	log.Info("bybit book feed started successfully")
	return nil
}

// Stop terminates all websocket connections and waits for the stream workers.
func (f *Feed) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.log.WithComponent("bybit_feed").Info("stopping bybit book feed")
	f.wg.Wait()
	f.log.WithComponent("bybit_feed").Info("bybit book feed stopped")
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

func (f *Feed) topics(symbolList []string) []string {
	depth := f.config.Feeds.Bybit.Depth
	if depth <= 0 {
		depth = 50
	}
	args := make([]string, len(symbolList))
	for i, sym := range symbolList {
		args[i] = fmt.Sprintf("orderbook.%d.%s", depth, symbols.ToExchange("bybit", sym))
	}
	return args
}

func (f *Feed) stream(conn *feed.Conn, symbolList []string, wsURL string) {
	defer f.wg.Done()

	log := f.log.WithComponent("bybit_feed").WithFields(logger.Fields{
		"connection": conn.State().ID,
		"symbols":    strings.Join(symbolList, ","),
		"worker":     "book_stream",
	})

	cfg := f.config.Feeds.Bybit
	staleAfter := cfg.StaleAfter.Std()
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	checkEvery := staleAfter / 3
	if checkEvery < time.Second {
		checkEvery = time.Second
	}

	boff := backoff.New(f.config.Feeds.Backoff.Base.Std(), f.config.Feeds.Backoff.Max.Std(), f.config.Feeds.Backoff.Jitter)
	args := f.topics(symbolList)
	restart := make(chan string, 1)

	for {
		if f.ctx.Err() != nil {
			return
		}

		// Each connection gets its own book states and handler so frames
		// from a dying socket cannot touch the replacement's books.
		states := make(map[string]*feed.BookState, len(symbolList))
		for _, sym := range symbolList {
			canonical := symbols.Canonical("bybit", sym)
			states[symbols.ToExchange("bybit", sym)] = feed.NewBookState("bybit", canonical, symbols.TradingPair(canonical))
		}
		for len(restart) > 0 {
			<-restart
		}

		handler := func(message string) error {
			conn.Touch()
			f.handleMessage(states, restart, []byte(message), log)
			return nil
		}

		ws := bybit.NewBybitPublicWebSocket(wsURL, handler)
		ws.Connect().SendSubscription(args)

		conn.MarkConnected()
		if conn.State().Reconnects > 0 {
			metrics.EmitMetric(f.log, "bybit_feed", "reconnects", 1, "counter", logger.Fields{"exchange": "bybit"})
		}
		// Baseline for the watchdog until the first frame lands.
		conn.Touch()
		boff.Reset()
		log.Info("subscribed to book topics")

		watch := time.NewTicker(checkEvery)
		alive := true
		for alive {
			select {
			case <-f.ctx.Done():
				watch.Stop()
				ws.Disconnect()
				return
			case sym := <-restart:
				log.WithFields(logger.Fields{"symbol": sym}).Warn("book out of sync, reconnecting for a fresh snapshot")
				alive = false
			case <-watch.C:
				if time.Since(conn.LastMessage()) > staleAfter {
					conn.MarkStale()
					log.WithFields(logger.Fields{"stale_after": staleAfter.String()}).Warn("no messages within staleness window, forcing reconnect")
					alive = false
				}
			}
		}
		watch.Stop()
		ws.Disconnect()

		wait := boff.Next()
		select {
		case <-time.After(wait):
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *Feed) handleMessage(states map[string]*feed.BookState, restart chan<- string, raw []byte, log *logger.Entry) {
	var msg models.BybitBookMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.WithError(&models.ParseError{Exchange: "bybit", Err: err}).Debug("failed to decode message")
		return
	}

	if msg.Topic == "" {
		var op models.BybitOpResp
		if err := json.Unmarshal(raw, &op); err == nil && op.Op != "" {
			if op.Success {
				log.WithFields(logger.Fields{"op": op.Op}).Debug("operation acknowledged")
			} else {
				log.WithFields(logger.Fields{"op": op.Op, "ret_msg": op.RetMsg}).Error("operation rejected")
				metrics.ReportLimitFromMessage(f.log, "bybit", "", "", "feed", op.RetMsg)
			}
		}
		return
	}
	if !strings.HasPrefix(msg.Topic, "orderbook.") {
		return
	}

	sym := msg.Data.Symbol
	if sym == "" {
		if parts := strings.Split(msg.Topic, "."); len(parts) >= 3 {
			sym = parts[2]
		}
	}
	state, ok := states[sym]
	if !ok {
		log.WithFields(logger.Fields{"symbol": sym}).Debug("message for unknown symbol")
		return
	}

	bids, bidErr := models.ParseLevels(msg.Data.Bids)
	asks, askErr := models.ParseLevels(msg.Data.Asks)
	if bidErr != nil || askErr != nil {
		err := bidErr
		if err == nil {
			err = askErr
		}
		log.WithError(&models.ParseError{Exchange: "bybit", Symbol: sym, Err: err}).Warn("malformed book payload, reconnecting")
		metrics.EmitMetric(f.log, "bybit_feed", "parse_errors", 1, "counter", logger.Fields{"exchange": "bybit", "symbol": sym})
		f.requestRestart(state, restart, sym)
		return
	}

	capturedAt := time.Now()
	if msg.Ts > 0 {
		capturedAt = time.UnixMilli(msg.Ts)
	}
	seq := uint64(msg.Data.UpdateID)

	switch {
	// An update id of 1 marks a service restart and carries a full book.
	case msg.Type == "snapshot" || msg.Data.UpdateID == 1:
		state.Seed(bids, asks, seq, capturedAt)
		logger.IncrementSnapshotRead(len(raw))
	case msg.Type == "delta":
		applied, err := state.ApplyDelta(models.Delta{
			Exchange:   "bybit",
			Symbol:     sym,
			Sequence:   seq,
			Bids:       bids,
			Asks:       asks,
			CapturedAt: capturedAt,
		})
		if err != nil {
			var gap *models.SequenceGapError
			if errors.As(err, &gap) {
				log.WithFields(logger.Fields{
					"symbol":   sym,
					"expected": gap.Expected,
					"got":      gap.Got,
				}).Warn("sequence gap detected")
				metrics.EmitMetric(f.log, "bybit_feed", "sequence_gaps", 1, "counter", logger.Fields{"exchange": "bybit", "symbol": sym})
			} else {
				log.WithError(err).Warn("failed to apply delta")
			}
			f.requestRestart(state, restart, sym)
			return
		}
		if !applied {
			log.WithFields(logger.Fields{"symbol": sym, "sequence": seq}).Debug("stale delta dropped")
			return
		}
		logger.IncrementDeltaRead(len(raw))
	default:
		log.WithFields(logger.Fields{"type": msg.Type}).Debug("unknown message type")
		return
	}

	f.publish(state, restart, sym, log)
}

func (f *Feed) publish(state *feed.BookState, restart chan<- string, sym string, log *logger.Entry) {
	snap, err := state.Snapshot()
	if err != nil {
		log.WithError(err).Warn("book failed validation, reconnecting")
		metrics.EmitMetric(f.log, "bybit_feed", "invalid_books", 1, "counter", logger.Fields{"exchange": "bybit", "symbol": sym})
		f.requestRestart(state, restart, sym)
		return
	}

	if f.channels.Send(f.ctx, snap) {
		return
	}
	if f.ctx.Err() != nil {
		return
	}
	log.WithFields(logger.Fields{"symbol": sym}).Warn("books channel full, dropping snapshot")
	metrics.EmitDropMetric(f.log, metrics.DropMetricBook, "bybit", sym, "books")
}

// requestRestart invalidates the symbol's book and asks the stream worker to
// rebuild the connection; the public SDK offers no per-topic resubscribe, so a
// fresh snapshot means a fresh socket.
func (f *Feed) requestRestart(state *feed.BookState, restart chan<- string, sym string) {
	state.Reset()
	metrics.EmitMetric(f.log, "bybit_feed", "resnapshots", 1, "counter", logger.Fields{"exchange": "bybit", "symbol": sym})
	select {
	case restart <- sym:
	default:
	}
}
