package feed

import (
	"sort"
	"time"

	"bookflow/models"
)

// BookState is the working order book for one symbol on one connection. It is
// seeded from a snapshot frame and advanced by delta frames; a delta applies
// only when its sequence directly succeeds the local one. BookState is not
// goroutine safe; each connection owns its states and touches them from a
// single read loop.
type BookState struct {
	exchange    string
	symbol      string
	tradingPair string

	bids map[string]models.PriceLevel
	asks map[string]models.PriceLevel

	sequence   uint64
	capturedAt time.Time
	seeded     bool
}

// NewBookState creates an unseeded book for the given symbol.
func NewBookState(exchange, symbol, tradingPair string) *BookState {
	return &BookState{
		exchange:    exchange,
		symbol:      symbol,
		tradingPair: tradingPair,
		bids:        make(map[string]models.PriceLevel),
		asks:        make(map[string]models.PriceLevel),
	}
}

// Seeded reports whether the book has been initialised from a snapshot.
func (b *BookState) Seeded() bool { return b.seeded }

// Sequence returns the sequence of the last applied frame.
func (b *BookState) Sequence() uint64 { return b.sequence }

// Reset drops all state so the next snapshot reseeds the book. Called when a
// gap or an invalid book forces a resnapshot.
func (b *BookState) Reset() {
	b.bids = make(map[string]models.PriceLevel)
	b.asks = make(map[string]models.PriceLevel)
	b.sequence = 0
	b.capturedAt = time.Time{}
	b.seeded = false
}

// Seed replaces the whole book from a snapshot frame.
func (b *BookState) Seed(bids, asks []models.PriceLevel, sequence uint64, capturedAt time.Time) {
	b.bids = make(map[string]models.PriceLevel, len(bids))
	for _, level := range bids {
		b.bids[level.Price.String()] = level
	}
	b.asks = make(map[string]models.PriceLevel, len(asks))
	for _, level := range asks {
		b.asks[level.Price.String()] = level
	}
	b.sequence = sequence
	b.capturedAt = capturedAt
	b.seeded = true
}

// ApplyDelta applies an incremental update. A zero quantity removes the level
// at that exact price. A delta at or below the local sequence is a stale
// replay: it is dropped without touching the book and applied is false. When
// the book is unseeded or the delta skips past the next sequence, a
// SequenceGapError is returned and the book must be reseeded before further
// deltas.
func (b *BookState) ApplyDelta(delta models.Delta) (applied bool, err error) {
	if !b.seeded {
		return false, &models.SequenceGapError{
			Exchange: b.exchange,
			Symbol:   b.symbol,
			Expected: 0,
			Got:      delta.Sequence,
		}
	}
	if delta.Sequence <= b.sequence {
		return false, nil
	}
	if delta.Sequence != b.sequence+1 {
		return false, &models.SequenceGapError{
			Exchange: b.exchange,
			Symbol:   b.symbol,
			Expected: b.sequence + 1,
			Got:      delta.Sequence,
		}
	}

	applySide(b.bids, delta.Bids)
	applySide(b.asks, delta.Asks)

	b.sequence = delta.Sequence
	if !delta.CapturedAt.IsZero() {
		b.capturedAt = delta.CapturedAt
	} else {
		b.capturedAt = time.Now()
	}
	return true, nil
}

func applySide(side map[string]models.PriceLevel, changes []models.PriceLevel) {
	for _, level := range changes {
		key := level.Price.String()
		if level.Quantity.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = level
	}
}

// Snapshot materialises the current book as a sorted, validated snapshot. An
// invalid result (for example a crossed book after a bad delta) returns an
// InvalidBookError and the caller must reseed.
//
// The published sequence is the capture time in milliseconds, not the wire
// sequence: the cache compares snapshots from feeds and REST fallbacks alike,
// and only a time-like sequence is comparable across both.
func (b *BookState) Snapshot() (models.OrderBookSnapshot, error) {
	capturedAt := b.capturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	snap := models.OrderBookSnapshot{
		Exchange:    b.exchange,
		Symbol:      b.symbol,
		TradingPair: b.tradingPair,
		Bids:        sortedSide(b.bids, true),
		Asks:        sortedSide(b.asks, false),
		Sequence:    uint64(capturedAt.UnixMilli()),
		CapturedAt:  capturedAt,
	}
	if err := snap.Validate(); err != nil {
		return models.OrderBookSnapshot{}, err
	}
	return snap, nil
}

func sortedSide(side map[string]models.PriceLevel, descending bool) []models.PriceLevel {
	levels := make([]models.PriceLevel, 0, len(side))
	for _, level := range side {
		levels = append(levels, level)
	}
	sort.Slice(levels, func(i, j int) bool {
		c := levels[i].Price.Cmp(levels[j].Price)
		if descending {
			return c > 0
		}
		return c < 0
	})
	return levels
}
