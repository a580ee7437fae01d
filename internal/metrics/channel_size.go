package metrics

import (
	"context"
	"time"

	"bookflow/internal/channel"
	"bookflow/logger"
)

// StartChannelSizeMetrics emits occupancy gauges for the snapshot channel
// buffer. Metrics are emitted every `interval` until the context is cancelled.
// When interval <= 0, a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) {
		return
	}
	if channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if channels.Books != nil {
					EmitMetric(log, component, "books_buffer_length", len(channels.Books.Snapshots), "gauge", logger.Fields{
						"buffer":   "books",
						"capacity": cap(channels.Books.Snapshots),
					})
				}
			}
		}
	}()
}
