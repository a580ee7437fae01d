package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bookflow/models"
)

func lvl(price, qty string) models.PriceLevel {
	return models.PriceLevel{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}

var seedAt = time.UnixMilli(1724572800000)

func seededState(t *testing.T) *BookState {
	t.Helper()
	b := NewBookState("bitget", "BTCUSDT", "BTC/USDT")
	b.Seed(
		[]models.PriceLevel{lvl("49990", "2"), lvl("50000", "1")},
		[]models.PriceLevel{lvl("50020", "1.5"), lvl("50010", "0.5")},
		10,
		seedAt,
	)
	return b
}

func TestSeedAndSnapshot(t *testing.T) {
	b := seededState(t)

	if !b.Seeded() {
		t.Fatal("book should be seeded")
	}
	if b.Sequence() != 10 {
		t.Fatalf("expected sequence 10, got %d", b.Sequence())
	}

	snap, err := b.Snapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap.Bids[0].Price.Equal(decimal.RequireFromString("50000")) {
		t.Fatalf("bids not sorted descending: %v", snap.Bids)
	}
	if !snap.Asks[0].Price.Equal(decimal.RequireFromString("50010")) {
		t.Fatalf("asks not sorted ascending: %v", snap.Asks)
	}
	if snap.Sequence != uint64(seedAt.UnixMilli()) {
		t.Fatalf("expected capture-time sequence %d, got %d", seedAt.UnixMilli(), snap.Sequence)
	}
	if !snap.CapturedAt.Equal(seedAt) {
		t.Fatalf("expected capture time %v, got %v", seedAt, snap.CapturedAt)
	}
}

func TestApplyDeltaInSequence(t *testing.T) {
	b := seededState(t)

	applied, err := b.ApplyDelta(models.Delta{
		Exchange: "bitget",
		Symbol:   "BTCUSDT",
		Sequence: 11,
		Bids: []models.PriceLevel{
			lvl("50000", "3"),   // update in place
			lvl("49980", "1"),   // new level
			{Price: decimal.RequireFromString("49990"), Quantity: decimal.Zero}, // removal
		},
		Asks:       []models.PriceLevel{lvl("50010", "2")},
		CapturedAt: seedAt.Add(100 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatal("in-sequence delta should apply")
	}

	snap, err := b.Snapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(snap.Bids) != 2 {
		t.Fatalf("expected 2 bids after removal, got %v", snap.Bids)
	}
	if !snap.Bids[0].Quantity.Equal(decimal.RequireFromString("3")) {
		t.Fatalf("expected updated quantity 3, got %s", snap.Bids[0].Quantity)
	}
	if !snap.Bids[1].Price.Equal(decimal.RequireFromString("49980")) {
		t.Fatalf("expected new level at 49980, got %v", snap.Bids)
	}
	if !snap.Asks[0].Quantity.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("expected ask update, got %v", snap.Asks)
	}
	if b.Sequence() != 11 {
		t.Fatalf("expected wire sequence 11, got %d", b.Sequence())
	}
	if snap.Sequence != uint64(seedAt.Add(100*time.Millisecond).UnixMilli()) {
		t.Fatalf("expected capture-time sequence, got %d", snap.Sequence)
	}
}

func TestApplyDeltaRemovesByExactPrice(t *testing.T) {
	b := seededState(t)

	// 50000.0 and 50000 are the same price; the removal must find the level.
	if _, err := b.ApplyDelta(models.Delta{
		Sequence: 11,
		Bids:     []models.PriceLevel{{Price: decimal.RequireFromString("50000.0"), Quantity: decimal.Zero}},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, err := b.Snapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Bids) != 1 || !snap.Bids[0].Price.Equal(decimal.RequireFromString("49990")) {
		t.Fatalf("expected only 49990 to remain, got %v", snap.Bids)
	}
}

func TestApplyDeltaGap(t *testing.T) {
	b := seededState(t)

	_, err := b.ApplyDelta(models.Delta{Sequence: 13, Bids: []models.PriceLevel{lvl("50000", "9")}})

	var gap *models.SequenceGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected SequenceGapError, got %v", err)
	}
	if gap.Expected != 11 || gap.Got != 13 {
		t.Fatalf("unexpected gap details: %+v", gap)
	}

	// The failed delta must not have touched the book.
	if b.Sequence() != 10 {
		t.Fatalf("sequence moved on a gapped delta: %d", b.Sequence())
	}
	snap, err := b.Snapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap.Bids[0].Quantity.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("gapped delta mutated the book: %v", snap.Bids)
	}
}

func TestApplyDeltaUnseeded(t *testing.T) {
	b := NewBookState("bitget", "BTCUSDT", "BTC/USDT")

	_, err := b.ApplyDelta(models.Delta{Sequence: 5})
	var gap *models.SequenceGapError
	if !errors.As(err, &gap) {
		t.Fatalf("expected SequenceGapError for unseeded book, got %v", err)
	}
}

func TestApplyDeltaStaleReplayDropped(t *testing.T) {
	b := seededState(t)

	// A replay of the current or an earlier sequence must not disturb the
	// book and must not look like a gap.
	for _, seq := range []uint64{10, 9} {
		applied, err := b.ApplyDelta(models.Delta{
			Sequence: seq,
			Bids:     []models.PriceLevel{lvl("50000", "99")},
		})
		if err != nil {
			t.Fatalf("stale delta seq %d: unexpected error: %v", seq, err)
		}
		if applied {
			t.Fatalf("stale delta seq %d should not apply", seq)
		}
	}

	if b.Sequence() != 10 {
		t.Fatalf("stale delta moved the sequence: %d", b.Sequence())
	}
	snap, err := b.Snapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap.Bids[0].Quantity.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("stale delta mutated the book: %v", snap.Bids)
	}
}

func TestResetRequiresReseed(t *testing.T) {
	b := seededState(t)
	b.Reset()

	if b.Seeded() {
		t.Fatal("reset book should not be seeded")
	}
	if _, err := b.ApplyDelta(models.Delta{Sequence: 11}); err == nil {
		t.Fatal("delta after reset should fail")
	}

	b.Seed([]models.PriceLevel{lvl("50000", "1")}, nil, 20, time.Now())
	applied, err := b.ApplyDelta(models.Delta{Sequence: 21, Bids: []models.PriceLevel{lvl("49990", "1")}})
	if err != nil || !applied {
		t.Fatalf("delta after reseed should apply: applied=%v err=%v", applied, err)
	}
}

func TestSnapshotRejectsCrossedBook(t *testing.T) {
	b := seededState(t)

	// A bid above the best ask crosses the book.
	if _, err := b.ApplyDelta(models.Delta{Sequence: 11, Bids: []models.PriceLevel{lvl("50015", "1")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := b.Snapshot()
	var invalid *models.InvalidBookError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidBookError, got %v", err)
	}
}
