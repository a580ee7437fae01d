package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"bookflow/internal/metrics"
	"bookflow/internal/symbols"
	"bookflow/models"
)

const bitgetDepthURL = "https://api.bitget.com/api/v2/spot/market/orderbook"

func (f *Fetcher) fetchBitget(ctx context.Context, symbol string) (rawBook, error) {
	base := f.config.Fallback.Bitget.URL
	if base == "" {
		base = bitgetDepthURL
	}
	depth := f.config.Fallback.Depth
	if depth <= 0 {
		depth = 100
	}
	if depth > 150 {
		// The endpoint serves at most 150 levels.
		depth = 150
	}

	reqURL := fmt.Sprintf("%s?symbol=%s&limit=%d", base, symbols.ToExchange("bitget", symbols.Canonical("bitget", symbol)), depth)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return rawBook{}, err
	}

	resp, err := f.bitget.Do(req)
	if err != nil {
		return rawBook{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return rawBook{}, err
	}
	if resp.StatusCode != http.StatusOK {
		metrics.ReportLimitFromMessage(f.log, "bitget", symbol, f.localIP, "fallback", string(body))
		return rawBook{}, fmt.Errorf("bitget orderbook request returned %s", resp.Status)
	}

	var depthResp models.BitgetDepthResp
	if err := json.Unmarshal(body, &depthResp); err != nil {
		return rawBook{}, &models.ParseError{Exchange: "bitget", Symbol: symbol, Err: err}
	}
	if depthResp.Code != "00000" {
		metrics.ReportLimitFromMessage(f.log, "bitget", symbol, f.localIP, "fallback", depthResp.Msg)
		return rawBook{}, fmt.Errorf("bitget orderbook request failed: code=%s msg=%s", depthResp.Code, depthResp.Msg)
	}

	bids, err := models.ParseLevels(depthResp.Data.Bids)
	if err != nil {
		return rawBook{}, &models.ParseError{Exchange: "bitget", Symbol: symbol, Err: err}
	}
	asks, err := models.ParseLevels(depthResp.Data.Asks)
	if err != nil {
		return rawBook{}, &models.ParseError{Exchange: "bitget", Symbol: symbol, Err: err}
	}

	return rawBook{bids: bids, asks: asks, size: len(body)}, nil
}
