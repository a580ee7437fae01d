// Package fetcher pulls order book snapshots over REST when the live feeds
// cannot serve a symbol. Binance goes through the exchange SDK, Bitget through
// its public depth endpoint and KuCoin through the universal SDK; every source
// shares the pooled transport and a per-source rate limiter.
package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	spotmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/spot/market"
	binancesdk "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"

	appconfig "bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

// rawBook is one source's parsed response before snapshot assembly. A zero
// sequence asks the assembler for a wall-clock one.
type rawBook struct {
	bids     []models.PriceLevel
	asks     []models.PriceLevel
	sequence uint64
	size     int
}

// Fetcher serves on-demand REST order book fetches for the supported
// exchanges.
type Fetcher struct {
	config   *appconfig.Config
	log      *logger.Log
	binance  *binancesdk.Client
	bitget   *http.Client
	kucoin   spotmarket.MarketAPI
	limiters map[string]*rate.Limiter
	localIP  string
}

// New builds a fetcher with one pooled transport shared by all REST sources.
// The localIP, when set, binds outbound connections the same way the feeds do.
func New(cfg *appconfig.Config, localIP string) *Fetcher {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.Fallback.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Fallback.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.Fallback.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Fallback.ConnectionPool.IdleConnTimeout.Std(),
		DisableCompression:  false,
	}
	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			transport.DialContext = dialer.DialContext
		}
	}

	timeout := cfg.Fallback.Timeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	f := &Fetcher{
		config:  cfg,
		log:     log,
		localIP: localIP,
		limiters: map[string]*rate.Limiter{
			"binance": newLimiter(cfg.Fallback.Binance),
			"bitget":  newLimiter(cfg.Fallback.Bitget),
			"kucoin":  newLimiter(cfg.Fallback.Kucoin),
		},
	}
	f.binance = newBinanceClient(cfg, transport, timeout, log, localIP)
	f.bitget = &http.Client{Transport: transport, Timeout: timeout}
	f.kucoin = newKucoinMarketAPI(cfg, timeout)

	log.WithComponent("fallback_fetcher").WithFields(logger.Fields{
		"max_idle_conns":     cfg.Fallback.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.Fallback.ConnectionPool.MaxConnsPerHost,
		"timeout":            timeout.String(),
	}).Info("fallback fetcher initialized")

	return f
}

func newLimiter(src appconfig.FallbackSourceConfig) *rate.Limiter {
	rps := src.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := src.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Fetch retrieves a validated snapshot for the symbol over REST. Each attempt
// runs under the configured timeout; one retry follows the configured delay,
// and a second failure wraps the cause in a FetchError.
func (f *Fetcher) Fetch(ctx context.Context, exchange, symbol string) (models.OrderBookSnapshot, error) {
	exchange = strings.ToLower(strings.TrimSpace(exchange))
	log := f.log.WithComponent("fallback_fetcher").WithFields(logger.Fields{
		"exchange": exchange,
		"symbol":   symbol,
	})

	snap, err := f.fetchOnce(ctx, exchange, symbol, log)
	if err == nil {
		return snap, nil
	}
	log.WithError(err).Warn("fallback fetch failed, retrying once")

	if delay := f.config.Fallback.RetryDelay.Std(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.OrderBookSnapshot{}, &models.FetchError{Exchange: exchange, Symbol: symbol, Err: ctx.Err()}
		}
	}

	snap, err = f.fetchOnce(ctx, exchange, symbol, log)
	if err != nil {
		metrics.EmitMetric(f.log, "fallback_fetcher", "fetch_errors", 1, "counter", logger.Fields{"exchange": exchange, "symbol": symbol})
		log.WithError(err).Error("fallback fetch failed after retry")
		return models.OrderBookSnapshot{}, &models.FetchError{Exchange: exchange, Symbol: symbol, Err: err}
	}
	return snap, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, exchange, symbol string, log *logger.Entry) (models.OrderBookSnapshot, error) {
	timeout := f.config.Fallback.Timeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if limiter, ok := f.limiters[exchange]; ok {
		if err := limiter.Wait(attemptCtx); err != nil {
			return models.OrderBookSnapshot{}, err
		}
	}

	start := time.Now()
	var (
		book rawBook
		err  error
	)
	switch exchange {
	case "binance":
		book, err = f.fetchBinance(attemptCtx, symbol)
	case "bitget":
		book, err = f.fetchBitget(attemptCtx, symbol)
	case "kucoin":
		book, err = f.fetchKucoin(attemptCtx, symbol)
	default:
		return models.OrderBookSnapshot{}, fmt.Errorf("no fallback source for exchange %q", exchange)
	}
	if err != nil {
		return models.OrderBookSnapshot{}, err
	}
	logger.LogPerformanceEntry(log, "fallback_fetcher", "api_request", time.Since(start), logger.Fields{"symbol": symbol})

	canonical := symbols.Canonical(exchange, symbol)
	now := time.Now()
	seq := book.sequence
	if seq == 0 {
		// Wall-clock sequencing keeps REST snapshots comparable with the
		// time-sequenced feeds.
		seq = uint64(now.UnixMilli())
	}

	snap := models.OrderBookSnapshot{
		Exchange:    exchange,
		Symbol:      canonical,
		TradingPair: symbols.TradingPair(canonical),
		Bids:        trimEmptyLevels(book.bids),
		Asks:        trimEmptyLevels(book.asks),
		Sequence:    seq,
		CapturedAt:  now,
	}
	if err := snap.Validate(); err != nil {
		return models.OrderBookSnapshot{}, err
	}

	logger.IncrementFallbackFetch(book.size)
	logger.LogDataFlowEntry(log, exchange+"_api", "fallback_fetcher", len(snap.Bids)+len(snap.Asks), "order_book_snapshot")
	metrics.EmitMetric(f.log, "fallback_fetcher", "fallback_fetches", 1, "counter", logger.Fields{"exchange": exchange, "symbol": canonical})
	return snap, nil
}

// trimEmptyLevels strips zero-quantity rows some endpoints keep as
// placeholders.
func trimEmptyLevels(levels []models.PriceLevel) []models.PriceLevel {
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
