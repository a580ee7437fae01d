// Package bitget streams spot order books from the Bitget v2 public
// websocket. Every subscription starts with a snapshot frame followed by
// sequenced update frames; the package connects directly with
// gorilla/websocket without a third-party SDK.
package bitget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
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

const (
	bookChannel = "books"
	instType    = "SPOT"
)

// Feed maintains the Bitget websocket connections for its symbol batches and
// publishes a validated snapshot for every applied frame.
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

// NewFeed creates a Bitget book feed. When syms is empty the configured symbol
// list is used.
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
func (f *Feed) Exchange() string { return "bitget" }

// Start opens one websocket connection per symbol batch and keeps each alive
// until the context is cancelled.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return fmt.Errorf("bitget feed already running")
	}
	f.running = true
	f.ctx = ctx
	f.mu.Unlock()

	cfg := f.config.Feeds.Bitget
	log := f.log.WithComponent("bitget_feed").WithFields(logger.Fields{"operation": "start"})

	if !cfg.Enabled {
		log.Warn("bitget book feed is disabled")
		return fmt.Errorf("bitget book feed is disabled")
	}

	symbolList := f.symbols
	if len(symbolList) == 0 {
		symbolList = cfg.Symbols
	}
	if len(symbolList) == 0 {
		log.Warn("no symbols configured for bitget book feed")
		return fmt.Errorf("no symbols configured for bitget book feed")
	}

	batches := appconfig.ChunkSymbols(symbolList, cfg.SymbolsPerConnection)
	log.WithFields(logger.Fields{"symbols": symbolList, "connections": len(batches)}).Info("starting bitget book feed")

	for _, batch := range batches {
		conn := feed.NewConn("bitget", batch)
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		f.wg.Add(1)
		go f.stream(conn, batch, cfg.URL)
	}

	log.Info("bitget book feed started successfully")
	return nil
}

// Stop terminates all websocket connections and waits for the stream workers.
func (f *Feed) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.log.WithComponent("bitget_feed").Info("stopping bitget book feed")
	f.wg.Wait()
	f.log.WithComponent("bitget_feed").Info("bitget book feed stopped")
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

// wsSession serialises writes to one websocket; the ping loop and the read
// loop both write.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *wsSession) writeText(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// stream handles websocket lifecycle, reconnection and frame dispatch for one
// symbol batch.
func (f *Feed) stream(conn *feed.Conn, symbolList []string, wsURL string) {
	defer f.wg.Done()

	log := f.log.WithComponent("bitget_feed").WithFields(logger.Fields{
		"connection": conn.State().ID,
		"symbols":    symbolList,
		"worker":     "book_stream",
	})

	cfg := f.config.Feeds.Bitget
	staleAfter := cfg.StaleAfter.Std()
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	pingInterval := cfg.PingInterval.Std()
	if pingInterval <= 0 {
		pingInterval = 25 * time.Second
	}

	boff := backoff.New(f.config.Feeds.Backoff.Base.Std(), f.config.Feeds.Backoff.Max.Std(), f.config.Feeds.Backoff.Jitter)

	states := make(map[string]*feed.BookState, len(symbolList))
	for _, sym := range symbolList {
		canonical := symbols.Canonical("bitget", sym)
		states[sym] = feed.NewBookState("bitget", canonical, symbols.TradingPair(canonical))
	}

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
			log.WithError(&models.ConnectionError{Exchange: "bitget", Op: "dial", Err: err}).
				WithFields(logger.Fields{"retry_in": wait.String()}).
				Warn("failed to connect websocket, retrying")
			select {
			case <-time.After(wait):
				continue
			case <-f.ctx.Done():
				return
			}
		}

		session := &wsSession{conn: ws}

		if err := session.writeJSON(subscribeReq("subscribe", symbolList)); err != nil {
			ws.Close()
			conn.MarkDisconnected()
			wait := boff.Next()
			log.WithError(&models.ConnectionError{Exchange: "bitget", Op: "subscribe", Err: err}).
				WithFields(logger.Fields{"retry_in": wait.String()}).
				Warn("failed to subscribe, retrying")
			select {
			case <-time.After(wait):
				continue
			case <-f.ctx.Done():
				return
			}
		}

		conn.MarkConnected()
		if conn.State().Reconnects > 0 {
			metrics.EmitMetric(f.log, "bitget_feed", "reconnects", 1, "counter", logger.Fields{"exchange": "bitget"})
		}
		boff.Reset()

		// Fresh snapshots follow the subscribe, so any carried-over book is
		// stale by definition.
		for _, state := range states {
			state.Reset()
		}

		log.Info("subscribed to book streams")

		done := make(chan struct{})
		go f.pingLoop(session, pingInterval, done, log)
		go func() {
			select {
			case <-f.ctx.Done():
				ws.Close()
			case <-done:
			}
		}()

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
			f.handleMessage(session, states, raw, log)
		}

		wait := boff.Next()
		select {
		case <-time.After(wait):
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *Feed) pingLoop(session *wsSession, interval time.Duration, done <-chan struct{}, log *logger.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := session.writeText("ping"); err != nil {
				log.WithError(err).Debug("failed to send ping")
			}
		}
	}
}

func (f *Feed) handleMessage(session *wsSession, states map[string]*feed.BookState, raw []byte, log *logger.Entry) {
	switch string(raw) {
	case "pong":
		return
	case "ping":
		session.writeText("pong")
		return
	}

	var msg models.BitgetWSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.WithError(&models.ParseError{Exchange: "bitget", Err: err}).Debug("failed to decode message")
		return
	}

	if msg.Event != "" {
		f.handleEvent(msg, log)
		return
	}
	if msg.Action == "" || len(msg.Data) == 0 {
		return
	}

	instID := msg.Arg.InstID
	state, ok := states[instID]
	if !ok {
		log.WithFields(logger.Fields{"symbol": instID}).Debug("message for unknown symbol")
		return
	}

	data := msg.Data[0]
	bids, bidErr := models.ParseLevels(data.Bids)
	asks, askErr := models.ParseLevels(data.Asks)
	if bidErr != nil || askErr != nil {
		err := bidErr
		if err == nil {
			err = askErr
		}
		log.WithError(&models.ParseError{Exchange: "bitget", Symbol: instID, Err: err}).Warn("malformed book payload, resubscribing")
		metrics.EmitMetric(f.log, "bitget_feed", "parse_errors", 1, "counter", logger.Fields{"exchange": "bitget", "symbol": instID})
		f.resubscribe(session, state, instID, log)
		return
	}

	capturedAt := time.Now()
	if ms, err := strconv.ParseInt(data.Ts, 10, 64); err == nil && ms > 0 {
		capturedAt = time.UnixMilli(ms)
	}

	switch msg.Action {
	case "snapshot":
		state.Seed(bids, asks, data.Seq, capturedAt)
		logger.IncrementSnapshotRead(len(raw))
	case "update":
		// A reset book is waiting on the resubscribe snapshot; deltas from
		// the dying subscription are superseded by it.
		if !state.Seeded() {
			return
		}
		applied, err := state.ApplyDelta(models.Delta{
			Exchange:   "bitget",
			Symbol:     instID,
			Sequence:   data.Seq,
			Bids:       bids,
			Asks:       asks,
			CapturedAt: capturedAt,
		})
		if err != nil {
			var gap *models.SequenceGapError
			if errors.As(err, &gap) {
				log.WithFields(logger.Fields{
					"symbol":   instID,
					"expected": gap.Expected,
					"got":      gap.Got,
				}).Warn("sequence gap, resubscribing for a fresh snapshot")
				metrics.EmitMetric(f.log, "bitget_feed", "sequence_gaps", 1, "counter", logger.Fields{"exchange": "bitget", "symbol": instID})
			} else {
				log.WithError(err).Warn("failed to apply delta, resubscribing")
			}
			f.resubscribe(session, state, instID, log)
			return
		}
		if !applied {
			log.WithFields(logger.Fields{"symbol": instID, "sequence": data.Seq}).Debug("stale delta dropped")
			return
		}
		logger.IncrementDeltaRead(len(raw))
	default:
		log.WithFields(logger.Fields{"action": msg.Action}).Debug("unknown action")
		return
	}

	f.publish(session, state, instID, log)
}

func (f *Feed) handleEvent(msg models.BitgetWSMessage, log *logger.Entry) {
	switch msg.Event {
	case "subscribe":
		log.WithFields(logger.Fields{"symbol": msg.Arg.InstID}).Debug("subscription confirmed")
	case "unsubscribe":
		log.WithFields(logger.Fields{"symbol": msg.Arg.InstID}).Debug("unsubscribed")
	case "error":
		log.WithFields(logger.Fields{"code": msg.Code, "msg": msg.Msg}).Error("subscription error")
		metrics.ReportLimitFromMessage(f.log, "bitget", msg.Arg.InstID, f.localIP, "feed", msg.Msg)
	default:
		log.WithFields(logger.Fields{"event": msg.Event}).Debug("unhandled event")
	}
}

func (f *Feed) publish(session *wsSession, state *feed.BookState, instID string, log *logger.Entry) {
	snap, err := state.Snapshot()
	if err != nil {
		log.WithError(err).Warn("book failed validation, resubscribing")
		metrics.EmitMetric(f.log, "bitget_feed", "invalid_books", 1, "counter", logger.Fields{"exchange": "bitget", "symbol": instID})
		f.resubscribe(session, state, instID, log)
		return
	}

	if f.channels.Send(f.ctx, snap) {
		return
	}
	if f.ctx.Err() != nil {
		return
	}
	log.WithFields(logger.Fields{"symbol": instID}).Warn("books channel full, dropping snapshot")
	metrics.EmitDropMetric(f.log, metrics.DropMetricBook, "bitget", instID, "books")
}

// resubscribe drops the symbol's book and asks the server for a fresh
// snapshot; Bitget replays a full snapshot on every books subscription. A
// failed write means the socket is dying and the read loop will reconnect.
func (f *Feed) resubscribe(session *wsSession, state *feed.BookState, instID string, log *logger.Entry) {
	state.Reset()
	metrics.EmitMetric(f.log, "bitget_feed", "resnapshots", 1, "counter", logger.Fields{"exchange": "bitget", "symbol": instID})

	if err := session.writeJSON(subscribeReq("unsubscribe", []string{instID})); err != nil {
		log.WithError(err).Warn("failed to unsubscribe")
		return
	}
	if err := session.writeJSON(subscribeReq("subscribe", []string{instID})); err != nil {
		log.WithError(err).Warn("failed to resubscribe")
	}
}

func subscribeReq(op string, instIDs []string) models.BitgetSubscribeReq {
	args := make([]models.BitgetSubscribeArg, 0, len(instIDs))
	for _, id := range instIDs {
		args = append(args, models.BitgetSubscribeArg{InstType: instType, Channel: bookChannel, InstID: id})
	}
	return models.BitgetSubscribeReq{Op: op, Args: args}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
