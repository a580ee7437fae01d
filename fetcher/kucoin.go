package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	spotmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/spot/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"

	appconfig "bookflow/config"
	"bookflow/internal/metrics"
	"bookflow/internal/symbols"
	"bookflow/models"
)

func newKucoinMarketAPI(cfg *appconfig.Config, timeout time.Duration) spotmarket.MarketAPI {
	baseURL := "https://api.kucoin.com"
	if cfg.Fallback.Kucoin.URL != "" {
		if parsed, err := url.Parse(cfg.Fallback.Kucoin.URL); err == nil && parsed.Host != "" {
			baseURL = fmt.Sprintf("https://%s", parsed.Host)
		}
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(cfg.Fallback.ConnectionPool.MaxIdleConns).
		SetMaxIdleConnsPerHost(cfg.Fallback.ConnectionPool.MaxIdleConns).
		SetMaxConnsPerHost(cfg.Fallback.ConnectionPool.MaxConnsPerHost).
		SetIdleConnTimeout(cfg.Fallback.ConnectionPool.IdleConnTimeout.Std()).
		SetTimeout(timeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithSpotEndpoint(baseURL).
		WithTransportOption(transportOpt).
		Build()

	return sdkapi.NewClient(option).RestService().GetSpotService().GetMarketAPI()
}

func (f *Fetcher) fetchKucoin(ctx context.Context, symbol string) (rawBook, error) {
	// The part book endpoint serves either 20 or 100 levels.
	size := "20"
	if f.config.Fallback.Depth >= 100 {
		size = "100"
	}

	req := spotmarket.NewGetPartOrderBookReqBuilder().
		SetSymbol(symbols.ToExchange("kucoin", symbols.Canonical("kucoin", symbol))).
		SetSize(size).
		Build()

	resp, err := f.kucoin.GetPartOrderBook(req, ctx)
	if err != nil {
		metrics.ReportLimitFromMessage(f.log, "kucoin", symbol, f.localIP, "fallback", err.Error())
		return rawBook{}, err
	}
	if resp == nil {
		return rawBook{}, fmt.Errorf("empty part order book response for symbol %s", symbol)
	}

	bids, err := models.ParseLevels(resp.Bids)
	if err != nil {
		return rawBook{}, &models.ParseError{Exchange: "kucoin", Symbol: symbol, Err: err}
	}
	asks, err := models.ParseLevels(resp.Asks)
	if err != nil {
		return rawBook{}, &models.ParseError{Exchange: "kucoin", Symbol: symbol, Err: err}
	}

	book := rawBook{bids: bids, asks: asks}
	if payload, err := json.Marshal(resp); err == nil {
		book.size = len(payload)
	}
	return book, nil
}
