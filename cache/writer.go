package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appconfig "bookflow/config"
	"bookflow/internal/channel/books"
	"bookflow/logger"
	"bookflow/models"
)

// Writer drains the snapshot channel into the cache. Every snapshot is
// re-validated on the way in so a feed bug can never publish a malformed book
// to readers.
type Writer struct {
	config *appconfig.Config
	books  *books.Channels
	cache  *Cache
	ctx    context.Context
	wg     *sync.WaitGroup
	mu     sync.Mutex

	running bool
	log     *logger.Log

	applied  int64
	rejected int64
	invalid  int64
}

// NewWriter creates a writer that applies snapshots from the books channel to
// the given cache.
func NewWriter(cfg *appconfig.Config, channels *books.Channels, cache *Cache) *Writer {
	return &Writer{
		config: cfg,
		books:  channels,
		cache:  cache,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
	}
}

func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("book writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	w.log.WithComponent("book_writer").Info("starting book writer")

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.metricsReporter()

	if sweep := w.config.Cache.SweepInterval.Std(); sweep > 0 {
		w.wg.Add(1)
		go w.sweeper(sweep)
	}

	w.log.WithComponent("book_writer").Info("book writer started successfully")
	return nil
}

func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("book_writer").Info("stopping book writer")
	w.wg.Wait()
	w.log.WithComponent("book_writer").WithFields(logger.Fields{
		"snapshots_applied":  atomic.LoadInt64(&w.applied),
		"snapshots_rejected": atomic.LoadInt64(&w.rejected),
		"invalid_books":      atomic.LoadInt64(&w.invalid),
	}).Info("book writer stopped")
}

func (w *Writer) worker() {
	defer w.wg.Done()

	log := w.log.WithComponent("book_writer")
	log.Debug("book writer worker started")

	for {
		select {
		case <-w.ctx.Done():
			log.Debug("book writer worker stopping due to context cancellation")
			return
		case snap, ok := <-w.books.Snapshots:
			if !ok {
				log.Info("snapshot channel closed, book writer worker stopping")
				return
			}
			w.apply(snap)
		}
	}
}

func (w *Writer) apply(snap models.OrderBookSnapshot) {
	log := w.log.WithComponent("book_writer")

	if err := snap.Validate(); err != nil {
		atomic.AddInt64(&w.invalid, 1)
		log.WithError(err).WithFields(logger.Fields{
			"exchange": snap.Exchange,
			"symbol":   snap.Symbol,
			"sequence": snap.Sequence,
		}).Warn("dropping invalid order book snapshot")
		return
	}

	if !w.cache.Upsert(snap) {
		atomic.AddInt64(&w.rejected, 1)
		log.WithFields(logger.Fields{
			"exchange": snap.Exchange,
			"symbol":   snap.Symbol,
			"sequence": snap.Sequence,
		}).Debug("stale sequence, snapshot not applied")
		return
	}

	atomic.AddInt64(&w.applied, 1)
	logger.IncrementCacheWrite()

	entry := log.WithFields(logger.Fields{
		"exchange": snap.Exchange,
		"symbol":   snap.Symbol,
		"sequence": snap.Sequence,
	})
	logger.LogDataFlowEntry(entry, snap.Exchange, "book_cache", len(snap.Bids)+len(snap.Asks), "order_book_snapshot")
}

func (w *Writer) metricsReporter() {
	defer w.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			running := w.running
			w.mu.Unlock()
			if !running {
				return
			}
			w.log.LogMetric("book_writer", "snapshots_applied", atomic.LoadInt64(&w.applied), "counter", logger.Fields{})
			w.log.LogMetric("book_writer", "snapshots_rejected", atomic.LoadInt64(&w.rejected), "counter", logger.Fields{})
			w.log.LogMetric("book_writer", "invalid_books", atomic.LoadInt64(&w.invalid), "counter", logger.Fields{})
			w.log.LogMetric("book_writer", "cached_books", w.cache.Len(), "gauge", logger.Fields{})
		}
	}
}

func (w *Writer) sweeper(interval time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.cache.RemoveStale(0)
		}
	}
}
