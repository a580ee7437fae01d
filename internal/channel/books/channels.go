package books

import (
	"context"
	"sync"

	"bookflow/logger"
	"bookflow/models"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Channels carries validated order book snapshots from the feed adapters and
// the fallback fetcher to the cache writer. Sends never block: when the
// buffer is full the snapshot is dropped and counted, a fresher one always
// follows on a live feed.
type Channels struct {
	Snapshots chan models.OrderBookSnapshot

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Snapshots: make(chan models.OrderBookSnapshot, bufferSize),
		log:       log,
	}

	log.WithComponent("books_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("book channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Snapshots)
	c.log.WithComponent("books_channels").Info("book channels closed")
}

func (c *Channels) IncrementSent() {
	c.statsMutex.Lock()
	c.stats.Sent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementDropped() {
	c.statsMutex.Lock()
	c.stats.Dropped++
	c.statsMutex.Unlock()
}

func (c *Channels) Send(ctx context.Context, snap models.OrderBookSnapshot) bool {
	select {
	case c.Snapshots <- snap:
		c.IncrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
