package models

import (
	"errors"
	"fmt"
)

// ErrNoData reports an aggregation over an empty or fully failed constituent
// set. Aggregation never succeeds with an empty composite.
var ErrNoData = errors.New("aggregation: no constituent data")

// ConnectionError represents a transport level failure on a feed connection.
// Adapters absorb it locally with backoff and reconnect; it never escapes the
// feed layer.
type ConnectionError struct {
	Exchange string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connection %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ParseError represents a malformed feed message. The message is dropped and
// the connection keeps running.
type ParseError struct {
	Exchange string
	Symbol   string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s %s: parse: %v", e.Exchange, e.Symbol, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SequenceGapError reports a delta whose sequence does not directly succeed
// the local book. The local book is no longer trustworthy and must be rebuilt
// from a full snapshot.
type SequenceGapError struct {
	Exchange string
	Symbol   string
	Expected uint64
	Got      uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("%s %s: sequence gap: expected %d, got %d", e.Exchange, e.Symbol, e.Expected, e.Got)
}

// InvalidBookError reports a snapshot that violates the book invariants.
// Invalid books are rejected before they ever reach the cache.
type InvalidBookError struct {
	Exchange string
	Symbol   string
	Reason   string
}

func (e *InvalidBookError) Error() string {
	return fmt.Sprintf("%s %s: invalid book: %s", e.Exchange, e.Symbol, e.Reason)
}

// FetchError represents a REST fallback fetch that failed after its retry.
// The caller treats the symbol as unavailable; nothing is cached.
type FetchError struct {
	Exchange string
	Symbol   string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s %s: fetch: %v", e.Exchange, e.Symbol, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
