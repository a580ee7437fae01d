package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	binancesdk "github.com/adshao/go-binance/v2"

	appconfig "bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/internal/symbols"
	"bookflow/logger"
	"bookflow/models"
)

func newBinanceClient(cfg *appconfig.Config, transport http.RoundTripper, timeout time.Duration, log *logger.Log, localIP string) *binancesdk.Client {
	client := binancesdk.NewClient("", "")
	client.HTTPClient = &http.Client{
		Transport: &usedWeightTransport{base: transport, log: log, ip: localIP},
		Timeout:   timeout,
	}
	if cfg.Fallback.Binance.URL != "" {
		if parsed, err := url.Parse(cfg.Fallback.Binance.URL); err == nil && parsed.Host != "" {
			client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		}
	}
	return client
}

// usedWeightTransport surfaces the weight headers Binance attaches to REST
// responses without touching the request path.
type usedWeightTransport struct {
	base http.RoundTripper
	log  *logger.Log
	ip   string
}

func (t *usedWeightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil && resp != nil {
		metrics.ReportBinanceUsedWeight(t.log, resp.Header, t.ip)
	}
	return resp, err
}

func (f *Fetcher) fetchBinance(ctx context.Context, symbol string) (rawBook, error) {
	depth := f.config.Fallback.Depth
	if depth <= 0 {
		depth = 100
	}

	res, err := f.binance.NewDepthService().
		Symbol(symbols.ToExchange("binance", symbols.Canonical("binance", symbol))).
		Limit(depth).
		Do(ctx)
	if err != nil {
		metrics.ReportLimitFromMessage(f.log, "binance", symbol, f.localIP, "fallback", err.Error())
		return rawBook{}, err
	}

	bidRows := make([][]string, len(res.Bids))
	for i, b := range res.Bids {
		bidRows[i] = []string{b.Price, b.Quantity}
	}
	askRows := make([][]string, len(res.Asks))
	for i, a := range res.Asks {
		askRows[i] = []string{a.Price, a.Quantity}
	}

	bids, err := models.ParseLevels(bidRows)
	if err != nil {
		return rawBook{}, &models.ParseError{Exchange: "binance", Symbol: symbol, Err: err}
	}
	asks, err := models.ParseLevels(askRows)
	if err != nil {
		return rawBook{}, &models.ParseError{Exchange: "binance", Symbol: symbol, Err: err}
	}

	payload, _ := json.Marshal(res)
	return rawBook{
		bids: bids,
		asks: asks,
		// The feed publishes lastUpdateId too, so the cache can order REST
		// and stream snapshots for the same book.
		sequence: uint64(res.LastUpdateID),
		size:     len(payload),
	}, nil
}
