package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/models"
)

const bitgetDepthBody = `{"code":"00000","msg":"success","requestTime":1724572800000,"data":{"bids":[["50000","1"],["49990","2"]],"asks":[["50010","0.5"],["50020","1.5"]],"ts":"1724572800000"}}`

func testConfig(bitgetURL, binanceURL string) *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Fallback = appconfig.FallbackConfig{
		Timeout:    appconfig.Duration(2 * time.Second),
		RetryDelay: appconfig.Duration(10 * time.Millisecond),
		Depth:      50,
		ConnectionPool: appconfig.ConnectionPoolConfig{
			MaxIdleConns:    8,
			MaxConnsPerHost: 8,
			IdleConnTimeout: appconfig.Duration(30 * time.Second),
		},
		Binance: appconfig.FallbackSourceConfig{URL: binanceURL, RequestsPerSecond: 100, Burst: 10},
		Bitget:  appconfig.FallbackSourceConfig{URL: bitgetURL, RequestsPerSecond: 100, Burst: 10},
		Kucoin:  appconfig.FallbackSourceConfig{RequestsPerSecond: 100, Burst: 10},
	}
	return cfg
}

func TestFetchBitgetReturnsValidatedSnapshot(t *testing.T) {
	var gotSymbol atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSymbol.Store(r.URL.Query().Get("symbol"))
		w.Write([]byte(bitgetDepthBody))
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL, ""), "")
	before := time.Now().UnixMilli()
	snap, err := f.Fetch(context.Background(), "bitget", "btcusdt")
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", gotSymbol.Load())
	assert.Equal(t, "bitget", snap.Exchange)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, "BTC/USDT", snap.TradingPair)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	assert.True(t, snap.Bids[0].Price.Equal(decimal.NewFromInt(50000)))
	assert.False(t, snap.CapturedAt.IsZero())
	assert.GreaterOrEqual(t, snap.Sequence, uint64(before), "wall-clock sequence expected")
}

func TestFetchRetriesOnceAfterFailure(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			http.Error(w, "upstream sad", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(bitgetDepthBody))
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL, ""), "")
	snap, err := f.Fetch(context.Background(), "bitget", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
	require.Len(t, snap.Bids, 2)
}

func TestFetchFailsWithFetchErrorAfterRetry(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.Error(w, "upstream sad", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL, ""), "")
	_, err := f.Fetch(context.Background(), "bitget", "BTCUSDT")
	require.Error(t, err)

	var fetchErr *models.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "bitget", fetchErr.Exchange)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls), "exactly one retry")
}

func TestFetchRejectsCrossedBook(t *testing.T) {
	crossed := `{"code":"00000","msg":"success","requestTime":0,"data":{"bids":[["50020","1"]],"asks":[["50010","0.5"]],"ts":"1724572800000"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(crossed))
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL, ""), "")
	_, err := f.Fetch(context.Background(), "bitget", "BTCUSDT")

	var fetchErr *models.FetchError
	require.True(t, errors.As(err, &fetchErr), "invalid books must never come back as snapshots")
}

func TestFetchBitgetSurfacesExchangeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"40034","msg":"Parameter does not exist","requestTime":0,"data":{"bids":[],"asks":[],"ts":"0"}}`))
	}))
	defer srv.Close()

	f := New(testConfig(srv.URL, ""), "")
	_, err := f.Fetch(context.Background(), "bitget", "NOPEUSDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "40034")
}

func TestFetchBinanceUsesDepthServiceAndReportsWeight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/depth" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Mbx-Used-Weight-1m", "12")
		w.Write([]byte(`{"lastUpdateId":4438,"bids":[["50000.00","1.00000000"]],"asks":[["50010.00","0.50000000"]]}`))
	}))
	defer srv.Close()

	var mu sync.Mutex
	var seen []metrics.Metric
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	})
	defer metrics.UnregisterMetricHandler(id)

	f := New(testConfig("", srv.URL), "")
	snap, err := f.Fetch(context.Background(), "binance", "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, uint64(4438), snap.Sequence, "binance keeps the native depth sequence")
	require.Len(t, snap.Bids, 1)
	assert.True(t, snap.Asks[0].Price.Equal(decimal.RequireFromString("50010")))

	mu.Lock()
	defer mu.Unlock()
	var weight *metrics.Metric
	for i := range seen {
		if seen[i].Name == "used_weight" {
			weight = &seen[i]
			break
		}
	}
	require.NotNil(t, weight, "depth request must surface the used weight header")
	assert.Equal(t, int64(12), weight.Value)
}

func TestFetchUnsupportedExchange(t *testing.T) {
	f := New(testConfig("", ""), "")
	_, err := f.Fetch(context.Background(), "okx", "BTCUSDT")

	var fetchErr *models.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Contains(t, err.Error(), "no fallback source")
}

func TestFetchRespectsRateLimiter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(bitgetDepthBody))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, "")
	cfg.Fallback.Bitget.RequestsPerSecond = 20
	cfg.Fallback.Bitget.Burst = 1
	f := New(cfg, "")

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), "bitget", "BTCUSDT")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond,
		"second request must wait out the token refill")
}

func TestFetchTimesOutPerAttempt(t *testing.T) {
	cfg := testConfig("", "")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(500 * time.Millisecond):
			w.Write([]byte(bitgetDepthBody))
		}
	}))
	defer srv.Close()

	cfg.Fallback.Timeout = appconfig.Duration(100 * time.Millisecond)
	cfg.Fallback.Bitget.URL = srv.URL
	f := New(cfg, "")

	start := time.Now()
	_, err := f.Fetch(context.Background(), "bitget", "BTCUSDT")
	elapsed := time.Since(start)

	var fetchErr *models.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Less(t, elapsed, time.Second, "both attempts must respect the per-attempt timeout")
}

func TestFetchHonorsCallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream sad", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL, "")
	cfg.Fallback.RetryDelay = appconfig.Duration(5 * time.Second)
	f := New(cfg, "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := f.Fetch(ctx, "bitget", "BTCUSDT")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second, "cancellation must cut the retry delay short")
}
