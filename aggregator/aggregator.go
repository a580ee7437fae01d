// Package aggregator builds weighted composite order books. It is pure
// computation: no clocks besides the generation stamp, no I/O, no locks.
package aggregator

import (
	"sort"
	"time"

	"bookflow/models"
)

// Aggregate merges the constituent books into one composite. Each level's
// quantity is scaled by the constituent weight in percent, levels with exactly
// equal prices are summed, and each side is sorted best-first. When maxDepth is
// positive the sides are truncated to that many levels after sorting, so
// truncation always keeps the best prices. Prices are never bucketed: two
// levels merge only when their prices compare equal.
//
// The composite may cross (a bid at or above an ask) since constituents come
// from independent venues. An empty input or a composite with no levels on
// either side returns ErrNoData; a successful result always carries at least
// one level.
func Aggregate(constituents []models.WeightedConstituent, maxDepth int) (models.AggregatedOrderBook, error) {
	if len(constituents) == 0 {
		return models.AggregatedOrderBook{}, models.ErrNoData
	}

	var bids, asks []models.PriceLevel
	for _, constituent := range constituents {
		// Shift keeps the percent scaling exact for any weight precision.
		scale := constituent.Weight.Shift(-2)
		for _, level := range constituent.Snapshot.Bids {
			bids = append(bids, models.PriceLevel{Price: level.Price, Quantity: level.Quantity.Mul(scale)})
		}
		for _, level := range constituent.Snapshot.Asks {
			asks = append(asks, models.PriceLevel{Price: level.Price, Quantity: level.Quantity.Mul(scale)})
		}
	}

	bids = mergeSide(bids, true, maxDepth)
	asks = mergeSide(asks, false, maxDepth)

	if len(bids) == 0 && len(asks) == 0 {
		return models.AggregatedOrderBook{}, models.ErrNoData
	}

	return models.AggregatedOrderBook{
		Bids:         bids,
		Asks:         asks,
		Constituents: len(constituents),
		GeneratedAt:  time.Now().UTC(),
	}, nil
}

// mergeSide sorts the side best-first, sums levels with equal prices, drops
// totals that are not positive, and truncates to maxDepth when positive.
func mergeSide(levels []models.PriceLevel, descending bool, maxDepth int) []models.PriceLevel {
	if len(levels) == 0 {
		return nil
	}

	sort.Slice(levels, func(i, j int) bool {
		c := levels[i].Price.Cmp(levels[j].Price)
		if descending {
			return c > 0
		}
		return c < 0
	})

	merged := make([]models.PriceLevel, 0, len(levels))
	for _, level := range levels {
		if n := len(merged); n > 0 && merged[n-1].Price.Cmp(level.Price) == 0 {
			merged[n-1].Quantity = merged[n-1].Quantity.Add(level.Quantity)
			continue
		}
		merged = append(merged, level)
	}

	out := merged[:0]
	for _, level := range merged {
		if level.Quantity.Sign() > 0 {
			out = append(out, level)
		}
	}

	if maxDepth > 0 && len(out) > maxDepth {
		out = out[:maxDepth]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
