package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bookflow/aggregator"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// Constituent names one basket member: which book to resolve and what share
// of the index it carries. Weight is a percentage.
type Constituent struct {
	CoinID      string          `json:"coin_id"`
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	TradingPair string          `json:"trading_pair,omitempty"`
	Weight      decimal.Decimal `json:"weight"`
}

// ConstituentStatus summarizes one resolved basket member: where its book
// came from and how much liquidity it contributed.
type ConstituentStatus struct {
	CoinID      string          `json:"coin_id"`
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	TradingPair string          `json:"trading_pair"`
	Weight      decimal.Decimal `json:"weight"`
	Source      Source          `json:"source"`
	BidLevels   int             `json:"bid_levels"`
	AskLevels   int             `json:"ask_levels"`
	MidPrice    decimal.Decimal `json:"mid_price"`
	SpreadBps   decimal.Decimal `json:"spread_bps"`
	BidDepth    decimal.Decimal `json:"bid_depth"`
	AskDepth    decimal.Decimal `json:"ask_depth"`
	CapturedAt  time.Time       `json:"captured_at"`
}

// FailedConstituent records a basket member that could not be resolved from
// either the cache or the REST fallback.
type FailedConstituent struct {
	CoinID   string `json:"coin_id"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Reason   string `json:"reason"`
}

// IndexLiquidity is the composite view of a basket: the merged book plus
// per-constituent summaries. Depths are in quote units, summed over the
// weighted composite levels; WeightedMid is the weight-blended mid price of
// the resolved constituents.
type IndexLiquidity struct {
	Book        models.AggregatedOrderBook `json:"book"`
	WeightedMid decimal.Decimal            `json:"weighted_mid"`
	BidDepth    decimal.Decimal            `json:"bid_depth"`
	AskDepth    decimal.Decimal            `json:"ask_depth"`
	Resolved    []ConstituentStatus        `json:"resolved"`
	Failed      []FailedConstituent        `json:"failed,omitempty"`
}

var hundred = decimal.NewFromInt(100)

// AggregateIndex resolves every basket member and merges the successes into
// one composite book. A constituent that cannot be resolved is reported in
// Failed and skipped, never aborting the whole basket; only when every
// member fails (or the composite ends up empty) does the call return
// models.ErrNoData, with Failed still populated so the caller can see why.
//
// Weights are validated before any resolution: they must sum to exactly 100.
func (s *Service) AggregateIndex(ctx context.Context, constituents []Constituent) (IndexLiquidity, error) {
	if len(constituents) == 0 {
		return IndexLiquidity{}, models.ErrNoData
	}

	total := decimal.Zero
	for _, constituent := range constituents {
		total = total.Add(constituent.Weight)
	}
	if !total.Equal(hundred) {
		return IndexLiquidity{}, fmt.Errorf("constituent weights must sum to 100, got %s", total)
	}

	start := time.Now()
	requestID := uuid.New().String()
	entry := s.log.WithComponent("service").WithFields(logger.Fields{"request_id": requestID})
	entry.WithFields(logger.Fields{"constituents": len(constituents)}).Info("aggregating index liquidity")

	result := IndexLiquidity{
		WeightedMid: decimal.Zero,
		BidDepth:    decimal.Zero,
		AskDepth:    decimal.Zero,
	}
	var weighted []models.WeightedConstituent

	for _, constituent := range constituents {
		snap, source, err := s.resolve(ctx, constituent.Exchange, constituent.Symbol)
		if err != nil {
			entry.WithError(err).WithFields(logger.Fields{
				"coin_id":  constituent.CoinID,
				"exchange": constituent.Exchange,
				"symbol":   constituent.Symbol,
			}).Warn("skipping unresolvable constituent")
			result.Failed = append(result.Failed, FailedConstituent{
				CoinID:   constituent.CoinID,
				Exchange: constituent.Exchange,
				Symbol:   constituent.Symbol,
				Reason:   err.Error(),
			})
			continue
		}

		bidDepth, askDepth := snap.Notional(0)
		status := ConstituentStatus{
			CoinID:      constituent.CoinID,
			Exchange:    snap.Exchange,
			Symbol:      snap.Symbol,
			TradingPair: constituent.TradingPair,
			Weight:      constituent.Weight,
			Source:      source,
			BidLevels:   len(snap.Bids),
			AskLevels:   len(snap.Asks),
			BidDepth:    bidDepth,
			AskDepth:    askDepth,
			CapturedAt:  snap.CapturedAt,
		}
		if status.TradingPair == "" {
			status.TradingPair = snap.TradingPair
		}
		if mid, ok := snap.MidPrice(); ok {
			status.MidPrice = mid
			result.WeightedMid = result.WeightedMid.Add(mid.Mul(constituent.Weight.Shift(-2)))
		}
		if spread, ok := snap.SpreadBps(); ok {
			status.SpreadBps = spread
		}

		result.Resolved = append(result.Resolved, status)
		weighted = append(weighted, models.WeightedConstituent{Snapshot: snap, Weight: constituent.Weight})
	}

	if len(result.Failed) > 0 {
		metrics.EmitMetric(s.log, "service", "constituents_failed", len(result.Failed), "count", logger.Fields{})
	}
	if len(weighted) == 0 {
		entry.Warn("no constituent could be resolved")
		return result, models.ErrNoData
	}

	book, err := aggregator.Aggregate(weighted, s.config.Aggregator.MaxDepth)
	metrics.EmitMetric(s.log, "service", "index_aggregations", 1, "count", logger.Fields{})
	if err != nil {
		entry.WithError(err).Warn("composite book is empty")
		return result, err
	}

	result.Book = book
	result.BidDepth = depthOf(book.Bids)
	result.AskDepth = depthOf(book.Asks)

	logger.LogPerformanceEntry(entry, "service", "aggregate_index", time.Since(start), logger.Fields{
		"resolved":   len(result.Resolved),
		"failed":     len(result.Failed),
		"bid_levels": len(book.Bids),
		"ask_levels": len(book.Asks),
	})
	return result, nil
}

// depthOf sums price times quantity over one side, giving quote-denominated
// depth.
func depthOf(levels []models.PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, level := range levels {
		total = total.Add(level.Price.Mul(level.Quantity))
	}
	return total
}
