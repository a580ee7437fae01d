package channel

import (
	"context"
	"time"

	"bookflow/internal/channel/books"
	"bookflow/logger"
)

type Channels struct {
	Books *books.Channels
}

func NewChannels(snapshotBufferSize int) *Channels {
	return &Channels{
		Books: books.NewChannels(snapshotBufferSize),
	}
}

// StartMetricsReporting logs channel throughput and occupancy every 30s
// until ctx is cancelled. Run it in its own goroutine.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	log := logger.GetLogger()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.logChannelStats(log)
		}
	}
}

func (c *Channels) logChannelStats(log *logger.Log) {
	stats := c.Books.GetStats()
	log.WithComponent("channels").WithFields(logger.Fields{
		"snapshots_sent":    stats.Sent,
		"snapshots_dropped": stats.Dropped,
		"snapshot_chan_len": len(c.Books.Snapshots),
		"snapshot_chan_cap": cap(c.Books.Snapshots),
	}).Info("channel statistics")
}

func (c *Channels) Close() {
	if c.Books != nil {
		c.Books.Close()
	}
}
