package metrics

import (
	"sync/atomic"

	"bookflow/config"
)

// Feature identifies an optional metric family that can be switched off in
// configuration without touching call sites.
type Feature string

const (
	// FeatureChannelSize covers periodic channel occupancy gauges.
	FeatureChannelSize Feature = "channel_size"
	// FeatureUsedWeight covers exchange rate limit weight gauges parsed from
	// REST response headers.
	FeatureUsedWeight Feature = "used_weight"
)

type featureSet struct {
	channelSize bool
	usedWeight  bool
}

var features atomic.Pointer[featureSet]

func init() {
	features.Store(&featureSet{channelSize: true, usedWeight: true})
}

// Configure applies the metrics section of the application configuration.
// Call sites consult IsFeatureEnabled before emitting optional families, so
// reconfiguration takes effect immediately.
func Configure(cfg config.MetricsConfig) {
	features.Store(&featureSet{
		channelSize: cfg.ChannelSize,
		usedWeight:  cfg.UsedWeight,
	})
}

// IsFeatureEnabled reports whether the given optional metric family is active.
// Unknown features default to enabled so new call sites are never silently
// suppressed.
func IsFeatureEnabled(feature Feature) bool {
	set := features.Load()
	if set == nil {
		return true
	}
	switch feature {
	case FeatureChannelSize:
		return set.channelSize
	case FeatureUsedWeight:
		return set.usedWeight
	default:
		return true
	}
}
