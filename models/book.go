package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel represents a single price level of an order book side.
// Prices and quantities stay decimal end to end so that levels coming in as
// wire strings never pass through a float round trip.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookKey identifies one order book in the cache.
type BookKey struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

func (k BookKey) String() string {
	return k.Exchange + ":" + k.Symbol
}

// BestPrice represents the top of book for one cached snapshot.
type BestPrice struct {
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	CapturedAt time.Time       `json:"captured_at"`
}

// OrderBookSnapshot represents a complete point-in-time order book for one
// symbol on one exchange. Bids are strictly descending, asks strictly
// ascending, prices unique per side. Snapshots are immutable once published;
// consumers that need to hold one beyond the current call must Clone it.
type OrderBookSnapshot struct {
	Exchange    string       `json:"exchange"`
	Symbol      string       `json:"symbol"`
	TradingPair string       `json:"trading_pair"`
	Bids        []PriceLevel `json:"bids"`
	Asks        []PriceLevel `json:"asks"`
	Sequence    uint64       `json:"sequence"`
	CapturedAt  time.Time    `json:"captured_at"`
}

// Delta represents a normalized incremental order book update. A zero
// quantity removes the level at that price. A delta applies only when its
// Sequence directly succeeds the sequence of the local book.
type Delta struct {
	Exchange   string       `json:"exchange"`
	Symbol     string       `json:"symbol"`
	Sequence   uint64       `json:"sequence"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	CapturedAt time.Time    `json:"captured_at"`
}

// WeightedConstituent pairs a resolved snapshot with its index weight in
// percent. Weights are independent scaling factors, not a partition; callers
// own any sums-to-100 policy.
type WeightedConstituent struct {
	Snapshot OrderBookSnapshot `json:"snapshot"`
	Weight   decimal.Decimal   `json:"weight"`
}

// AggregatedOrderBook represents a synthetic composite book. Quantities are
// weighted liquidity, not venue-tradable size, and the composite may cross.
type AggregatedOrderBook struct {
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Constituents int          `json:"constituents"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

// Key returns the cache key for this snapshot.
func (s *OrderBookSnapshot) Key() BookKey {
	return BookKey{Exchange: s.Exchange, Symbol: s.Symbol}
}

// BestBid returns the highest bid level.
func (s *OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the lowest ask level.
func (s *OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// MidPrice returns the midpoint between best bid and best ask. It requires
// both sides to be populated.
func (s *OrderBookSnapshot) MidPrice() (decimal.Decimal, bool) {
	bid, okB := s.BestBid()
	ask, okA := s.BestAsk()
	if !okB || !okA {
		return decimal.Decimal{}, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// SpreadBps returns the bid/ask spread in basis points of the mid price.
func (s *OrderBookSnapshot) SpreadBps() (decimal.Decimal, bool) {
	mid, ok := s.MidPrice()
	if !ok || mid.IsZero() {
		return decimal.Decimal{}, false
	}
	bid, _ := s.BestBid()
	ask, _ := s.BestAsk()
	return ask.Price.Sub(bid.Price).Div(mid).Mul(decimal.NewFromInt(10000)), true
}

// Notional returns the cumulative price*quantity value of the top levels on
// each side. levels <= 0 sums the whole side.
func (s *OrderBookSnapshot) Notional(levels int) (bidValue, askValue decimal.Decimal) {
	return sideNotional(s.Bids, levels), sideNotional(s.Asks, levels)
}

func sideNotional(side []PriceLevel, levels int) decimal.Decimal {
	if levels <= 0 || levels > len(side) {
		levels = len(side)
	}
	total := decimal.Zero
	for _, lvl := range side[:levels] {
		total = total.Add(lvl.Price.Mul(lvl.Quantity))
	}
	return total
}

// BestPrice returns the top-of-book view of this snapshot. Empty sides leave
// the corresponding price zero.
func (s *OrderBookSnapshot) BestPrice() BestPrice {
	bp := BestPrice{CapturedAt: s.CapturedAt}
	if bid, ok := s.BestBid(); ok {
		bp.Bid = bid.Price
	}
	if ask, ok := s.BestAsk(); ok {
		bp.Ask = ask.Price
	}
	return bp
}

// Clone returns a deep copy with independently owned level slices.
func (s *OrderBookSnapshot) Clone() OrderBookSnapshot {
	out := *s
	out.Bids = append([]PriceLevel(nil), s.Bids...)
	out.Asks = append([]PriceLevel(nil), s.Asks...)
	return out
}

// Validate checks the snapshot against the book invariants: positive prices
// and quantities, bids strictly descending, asks strictly ascending (strict
// ordering also enforces unique prices per side), and best bid strictly
// below best ask when both sides are populated. A snapshot that fails here
// must be discarded, never cached.
func (s *OrderBookSnapshot) Validate() error {
	if s.Exchange == "" || s.Symbol == "" {
		return &InvalidBookError{Exchange: s.Exchange, Symbol: s.Symbol, Reason: "missing exchange or symbol"}
	}
	if err := validateSide(s.Bids, true); err != nil {
		return &InvalidBookError{Exchange: s.Exchange, Symbol: s.Symbol, Reason: "bids: " + err.Error()}
	}
	if err := validateSide(s.Asks, false); err != nil {
		return &InvalidBookError{Exchange: s.Exchange, Symbol: s.Symbol, Reason: "asks: " + err.Error()}
	}
	if len(s.Bids) > 0 && len(s.Asks) > 0 {
		if s.Bids[0].Price.Cmp(s.Asks[0].Price) >= 0 {
			return &InvalidBookError{
				Exchange: s.Exchange,
				Symbol:   s.Symbol,
				Reason:   fmt.Sprintf("crossed book: best bid %s >= best ask %s", s.Bids[0].Price, s.Asks[0].Price),
			}
		}
	}
	return nil
}

func validateSide(side []PriceLevel, descending bool) error {
	for i, lvl := range side {
		if lvl.Price.Sign() <= 0 {
			return fmt.Errorf("level %d: non-positive price %s", i, lvl.Price)
		}
		if lvl.Quantity.Sign() <= 0 {
			return fmt.Errorf("level %d: non-positive quantity %s", i, lvl.Quantity)
		}
		if i == 0 {
			continue
		}
		cmp := side[i-1].Price.Cmp(lvl.Price)
		if descending && cmp <= 0 {
			return fmt.Errorf("level %d: price %s not strictly below %s", i, lvl.Price, side[i-1].Price)
		}
		if !descending && cmp >= 0 {
			return fmt.Errorf("level %d: price %s not strictly above %s", i, lvl.Price, side[i-1].Price)
		}
	}
	return nil
}
