// Package feed turns exchange websocket streams into validated order book
// snapshots on the books channel. Each exchange adapter owns its connections,
// reconnect policy and sequence tracking; everything downstream sees only
// whole snapshots.
package feed

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status describes the health of one upstream connection.
type Status string

const (
	// StatusConnecting is the state before the first successful subscribe.
	StatusConnecting Status = "connecting"
	// StatusLive means messages are flowing within the staleness window.
	StatusLive Status = "live"
	// StatusStale means the connection is open but has not delivered a
	// message within the staleness window.
	StatusStale Status = "stale"
	// StatusDisconnected means the connection is down and waiting to redial.
	StatusDisconnected Status = "disconnected"
)

// ConnectionState is a point-in-time view of one upstream connection.
type ConnectionState struct {
	ID          string    `json:"id"`
	Exchange    string    `json:"exchange"`
	Symbols     []string  `json:"symbols"`
	Status      Status    `json:"status"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastMessage time.Time `json:"last_message,omitempty"`
	Reconnects  int64     `json:"reconnects"`
}

// Adapter is a runnable exchange feed.
type Adapter interface {
	Exchange() string
	Start(ctx context.Context) error
	Stop()
	Connections() []ConnectionState
}

// Conn tracks the lifecycle of one upstream connection. All methods are safe
// for concurrent use; the read loop, the watchdog and the status endpoint all
// touch it.
type Conn struct {
	mu    sync.Mutex
	state ConnectionState
}

// NewConn registers a connection covering the given symbols.
func NewConn(exchange string, symbols []string) *Conn {
	return &Conn{state: ConnectionState{
		ID:       uuid.NewString(),
		Exchange: exchange,
		Symbols:  append([]string(nil), symbols...),
		Status:   StatusConnecting,
	}}
}

// MarkConnected flips the connection to live. Every connect after the first
// counts as a reconnect.
func (c *Conn) MarkConnected() {
	c.mu.Lock()
	if !c.state.ConnectedAt.IsZero() {
		c.state.Reconnects++
	}
	c.state.ConnectedAt = time.Now()
	c.state.Status = StatusLive
	c.mu.Unlock()
}

// MarkDisconnected flips the connection to disconnected.
func (c *Conn) MarkDisconnected() {
	c.mu.Lock()
	c.state.Status = StatusDisconnected
	c.mu.Unlock()
}

// MarkStale flags a live connection whose messages stopped flowing.
func (c *Conn) MarkStale() {
	c.mu.Lock()
	if c.state.Status == StatusLive {
		c.state.Status = StatusStale
	}
	c.mu.Unlock()
}

// Touch records message arrival and revives a stale connection.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.state.LastMessage = time.Now()
	if c.state.Status == StatusStale {
		c.state.Status = StatusLive
	}
	c.mu.Unlock()
}

// LastMessage returns the arrival time of the most recent message.
func (c *Conn) LastMessage() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LastMessage
}

// State returns a copy of the current connection state.
func (c *Conn) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.state
	state.Symbols = append([]string(nil), c.state.Symbols...)
	return state
}
