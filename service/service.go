// Package service is the exposed read API of the module. It answers three
// questions: what does one book look like right now (Resolve), what does a
// weighted basket of books look like (Aggregate, AggregateIndex), and what
// are the freshest best prices across everything we track (AllBestPrices).
//
// Reads prefer the live cache and fall back to a REST fetch only when the
// cached book is missing or stale. Fallback results are written back into the
// cache so repeated lookups during a feed outage stay cheap.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"bookflow/aggregator"
	"bookflow/cache"
	appconfig "bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

// Source tells a caller where a resolved snapshot came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceFallback Source = "rest"
)

// Fallback fetches a validated snapshot over REST when the cache cannot
// serve one. *fetcher.Fetcher satisfies it.
type Fallback interface {
	Fetch(ctx context.Context, exchange, symbol string) (models.OrderBookSnapshot, error)
}

// Service glues the cache, the REST fallback and the aggregator together.
// It holds no goroutines and no locks of its own; every method is safe for
// concurrent use because its dependencies are.
type Service struct {
	config   *appconfig.Config
	cache    *cache.Cache
	fallback Fallback
	log      *logger.Log
}

func New(config *appconfig.Config, bookCache *cache.Cache, fallback Fallback) *Service {
	return &Service{
		config:   config,
		cache:    bookCache,
		fallback: fallback,
		log:      logger.GetLogger(),
	}
}

// Resolve returns the current snapshot for one book, preferring the cache and
// falling back to REST. The second return is false when neither source could
// produce a valid book; fetch errors are logged here, not surfaced.
func (s *Service) Resolve(ctx context.Context, exchange, symbol string) (models.OrderBookSnapshot, bool) {
	snap, _, err := s.resolve(ctx, exchange, symbol)
	if err != nil {
		s.log.WithComponent("service").WithError(err).WithFields(logger.Fields{
			"exchange": exchange,
			"symbol":   symbol,
		}).Warn("failed to resolve order book")
		return models.OrderBookSnapshot{}, false
	}
	return snap, true
}

func (s *Service) resolve(ctx context.Context, exchange, symbol string) (models.OrderBookSnapshot, Source, error) {
	exchange = strings.ToLower(strings.TrimSpace(exchange))
	canonical := symbols.Canonical(exchange, symbol)
	key := models.BookKey{Exchange: exchange, Symbol: canonical}

	if snap, ok := s.cache.GetFresh(key); ok {
		return snap, SourceCache, nil
	}
	if s.fallback == nil {
		return models.OrderBookSnapshot{}, "", fmt.Errorf("%s %s not cached and no fallback configured", exchange, canonical)
	}

	snap, err := s.fallback.Fetch(ctx, exchange, canonical)
	if err != nil {
		return models.OrderBookSnapshot{}, "", err
	}

	// The feed owns the cache entry; a rejected upsert just means a fresher
	// feed snapshot landed while the fetch was in flight.
	s.cache.Upsert(snap)
	s.log.WithComponent("service").WithFields(logger.Fields{
		"exchange": exchange,
		"symbol":   canonical,
	}).Debug("resolved order book via REST fallback")
	return snap, SourceFallback, nil
}

// Aggregate merges already-resolved constituents into one composite book,
// truncated to the configured depth. It returns models.ErrNoData when the
// composite would be empty.
func (s *Service) Aggregate(constituents []models.WeightedConstituent) (models.AggregatedOrderBook, error) {
	start := time.Now()
	requestID := uuid.New().String()
	entry := s.log.WithComponent("service").WithFields(logger.Fields{"request_id": requestID})

	book, err := aggregator.Aggregate(constituents, s.config.Aggregator.MaxDepth)
	metrics.EmitMetric(s.log, "service", "aggregations", 1, "count", logger.Fields{})
	if err != nil {
		entry.WithError(err).WithFields(logger.Fields{
			"constituents": len(constituents),
		}).Warn("aggregation produced no composite book")
		return models.AggregatedOrderBook{}, err
	}

	logger.LogPerformanceEntry(entry, "service", "aggregate", time.Since(start), logger.Fields{
		"constituents": len(constituents),
		"bid_levels":   len(book.Bids),
		"ask_levels":   len(book.Asks),
	})
	return book, nil
}

// AllBestPrices reports the freshest best bid/ask per tracked book. Stale
// books are filtered by the cache, not marked.
func (s *Service) AllBestPrices() map[models.BookKey]models.BestPrice {
	return s.cache.AllBestPrices()
}
