package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(price, qty string) PriceLevel {
	return PriceLevel{Price: d(price), Quantity: d(qty)}
}

func validSnapshot() OrderBookSnapshot {
	return OrderBookSnapshot{
		Exchange:    "bitget",
		Symbol:      "BTCUSDT",
		TradingPair: "BTC/USDT",
		Bids:        []PriceLevel{lvl("50000", "1.0"), lvl("49990", "2.0")},
		Asks:        []PriceLevel{lvl("50010", "0.5"), lvl("50020", "1.5")},
		Sequence:    42,
		CapturedAt:  time.Unix(1700000000, 0),
	}
}

func TestValidateAcceptsWellFormedBook(t *testing.T) {
	s := validSnapshot()
	if err := s.Validate(); err != nil {
		t.Fatalf("valid snapshot rejected: %v", err)
	}
}

func TestValidateOneSidedBooks(t *testing.T) {
	s := validSnapshot()
	s.Asks = nil
	if err := s.Validate(); err != nil {
		t.Fatalf("bid-only snapshot rejected: %v", err)
	}
	s = validSnapshot()
	s.Bids = nil
	if err := s.Validate(); err != nil {
		t.Fatalf("ask-only snapshot rejected: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*OrderBookSnapshot)
	}{
		{"missing exchange", func(s *OrderBookSnapshot) { s.Exchange = "" }},
		{"missing symbol", func(s *OrderBookSnapshot) { s.Symbol = "" }},
		{"bids ascending", func(s *OrderBookSnapshot) {
			s.Bids = []PriceLevel{lvl("49990", "1"), lvl("50000", "1")}
		}},
		{"asks descending", func(s *OrderBookSnapshot) {
			s.Asks = []PriceLevel{lvl("50020", "1"), lvl("50010", "1")}
		}},
		{"duplicate bid price", func(s *OrderBookSnapshot) {
			s.Bids = []PriceLevel{lvl("50000", "1"), lvl("50000", "2")}
		}},
		{"duplicate ask price", func(s *OrderBookSnapshot) {
			s.Asks = []PriceLevel{lvl("50010", "1"), lvl("50010", "2")}
		}},
		{"zero quantity", func(s *OrderBookSnapshot) {
			s.Bids[1].Quantity = decimal.Zero
		}},
		{"negative quantity", func(s *OrderBookSnapshot) {
			s.Asks[0].Quantity = d("-1")
		}},
		{"zero price", func(s *OrderBookSnapshot) {
			s.Bids[0] = PriceLevel{Price: decimal.Zero, Quantity: d("1")}
		}},
		{"crossed book", func(s *OrderBookSnapshot) {
			s.Bids[0].Price = d("50011")
		}},
		{"locked book", func(s *OrderBookSnapshot) {
			s.Bids[0].Price = d("50010")
		}},
	}
	for _, tc := range cases {
		s := validSnapshot()
		tc.mutate(&s)
		err := s.Validate()
		if err == nil {
			t.Fatalf("%s: expected rejection, got nil", tc.name)
		}
		var ib *InvalidBookError
		if !errors.As(err, &ib) {
			t.Fatalf("%s: expected InvalidBookError, got %T", tc.name, err)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := validSnapshot()
	c := s.Clone()
	c.Bids[0].Quantity = d("99")
	c.Asks[0].Price = d("1")
	if !s.Bids[0].Quantity.Equal(d("1.0")) {
		t.Fatalf("clone mutation leaked into source bids: %s", s.Bids[0].Quantity)
	}
	if !s.Asks[0].Price.Equal(d("50010")) {
		t.Fatalf("clone mutation leaked into source asks: %s", s.Asks[0].Price)
	}
}

func TestTopOfBookHelpers(t *testing.T) {
	s := validSnapshot()
	bid, ok := s.BestBid()
	if !ok || !bid.Price.Equal(d("50000")) {
		t.Fatalf("best bid = %v, %v", bid, ok)
	}
	ask, ok := s.BestAsk()
	if !ok || !ask.Price.Equal(d("50010")) {
		t.Fatalf("best ask = %v, %v", ask, ok)
	}
	mid, ok := s.MidPrice()
	if !ok || !mid.Equal(d("50005")) {
		t.Fatalf("mid = %s, %v", mid, ok)
	}
	spread, ok := s.SpreadBps()
	if !ok {
		t.Fatal("spread not available")
	}
	// 10 / 50005 * 10000 ~= 1.9998 bps
	if spread.LessThan(d("1.99")) || spread.GreaterThan(d("2.01")) {
		t.Fatalf("spread bps = %s", spread)
	}

	empty := OrderBookSnapshot{Exchange: "bitget", Symbol: "BTCUSDT"}
	if _, ok := empty.MidPrice(); ok {
		t.Fatal("mid price on empty book")
	}
	if _, ok := empty.SpreadBps(); ok {
		t.Fatal("spread on empty book")
	}
}

func TestNotional(t *testing.T) {
	s := validSnapshot()
	bidVal, askVal := s.Notional(1)
	if !bidVal.Equal(d("50000")) {
		t.Fatalf("top bid notional = %s", bidVal)
	}
	if !askVal.Equal(d("25005")) {
		t.Fatalf("top ask notional = %s", askVal)
	}
	bidAll, _ := s.Notional(0)
	if !bidAll.Equal(d("149980")) {
		t.Fatalf("full bid notional = %s", bidAll)
	}
}

func TestBestPriceView(t *testing.T) {
	s := validSnapshot()
	bp := s.BestPrice()
	if !bp.Bid.Equal(d("50000")) || !bp.Ask.Equal(d("50010")) {
		t.Fatalf("best price view = %+v", bp)
	}
	if !bp.CapturedAt.Equal(s.CapturedAt) {
		t.Fatalf("captured at = %v", bp.CapturedAt)
	}
}

func TestBookKey(t *testing.T) {
	s := validSnapshot()
	k := s.Key()
	if k != (BookKey{Exchange: "bitget", Symbol: "BTCUSDT"}) {
		t.Fatalf("key = %+v", k)
	}
	if k.String() != "bitget:BTCUSDT" {
		t.Fatalf("key string = %s", k.String())
	}
}

func TestParseLevels(t *testing.T) {
	levels, err := ParseLevels([][]string{{"50000.5", "1.25"}, {"49999", "0"}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("len = %d", len(levels))
	}
	if !levels[0].Price.Equal(d("50000.5")) || !levels[0].Quantity.Equal(d("1.25")) {
		t.Fatalf("level 0 = %+v", levels[0])
	}
	if !levels[1].Quantity.IsZero() {
		t.Fatalf("zero quantity not preserved: %+v", levels[1])
	}

	if _, err := ParseLevels([][]string{{"50000"}}); err == nil {
		t.Fatal("short pair accepted")
	}
	if _, err := ParseLevels([][]string{{"not-a-price", "1"}}); err == nil {
		t.Fatal("bad price accepted")
	}
	if _, err := ParseLevels([][]string{{"1", "not-a-qty"}}); err == nil {
		t.Fatal("bad quantity accepted")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	base := errors.New("boom")

	var connErr error = &ConnectionError{Exchange: "bitget", Op: "dial", Err: base}
	if !errors.Is(connErr, base) {
		t.Fatal("ConnectionError does not unwrap")
	}

	wrapped := fmt.Errorf("feed: %w", &SequenceGapError{Exchange: "bybit", Symbol: "ETHUSDT", Expected: 10, Got: 12})
	var gap *SequenceGapError
	if !errors.As(wrapped, &gap) {
		t.Fatal("SequenceGapError not found through wrap")
	}
	if gap.Expected != 10 || gap.Got != 12 {
		t.Fatalf("gap = %+v", gap)
	}

	var fetchErr error = &FetchError{Exchange: "kucoin", Symbol: "BTC-USDT", Err: base}
	if !errors.Is(fetchErr, base) {
		t.Fatal("FetchError does not unwrap")
	}

	if !errors.Is(fmt.Errorf("service: %w", ErrNoData), ErrNoData) {
		t.Fatal("ErrNoData sentinel lost through wrap")
	}
}
