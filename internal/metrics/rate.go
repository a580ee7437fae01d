package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"bookflow/logger"
)

// ReportRateLimitExceeded increments the rate limit exceeded counter for the
// given exchange and data type and emits the metric to CloudWatch. Additional
// fields such as exchange, symbol, ip and type are attached to the log entry.
func ReportRateLimitExceeded(log *logger.Log, exchange, symbol, ip, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(exchange), strings.ToLower(dataType))
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
		"ip":       ip,
		"type":     strings.ToLower(dataType),
	}
	EmitMetric(log, component, "rate_limit_exceeded", int64(1), "counter", fields)
	log.WithComponent(component).WithFields(fields).Warn("rate limit exceeded")
}

// ReportIPBan increments the IP ban counter for the given exchange and data
// type and emits the metric to CloudWatch.
func ReportIPBan(log *logger.Log, exchange, symbol, ip, dataType string) {
	component := fmt.Sprintf("%s_%s", strings.ToLower(exchange), strings.ToLower(dataType))
	fields := logger.Fields{
		"exchange": strings.ToLower(exchange),
		"symbol":   symbol,
		"ip":       ip,
		"type":     strings.ToLower(dataType),
	}
	EmitMetric(log, component, "ip_ban", int64(1), "counter", fields)
	log.WithComponent(component).WithFields(fields).Error("ip banned")
}

// detectLimit inspects the message returned from an exchange and determines
// whether it signals a rate limit exceed or an IP ban. The detection logic is
// customised per exchange as each one uses different wording.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	case "bitget":
		rateLimit = strings.Contains(lowerMsg, "too frequent") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "request over limit")
		ipBan = strings.Contains(lowerMsg, "ip") && (strings.Contains(lowerMsg, "blocked") || strings.Contains(lowerMsg, "ban") || strings.Contains(lowerMsg, "restricted"))
	case "kucoin":
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "limit") && strings.Contains(lowerMsg, "triggered")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage checks the provided message for rate limit or IP ban
// events based on exchange-specific keywords and records the appropriate
// metrics. No action is taken if the message does not match any known patterns.
func ReportLimitFromMessage(log *logger.Log, exchange, symbol, ip, dataType, msg string) {
	rateLimit, ipBan := detectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, symbol, ip, dataType)
	}
	if ipBan {
		ReportIPBan(log, exchange, symbol, ip, dataType)
	}
}

// ReportBinanceUsedWeight parses the used weight from Binance REST response
// headers and emits a `used_weight` gauge for the given IP address.
func ReportBinanceUsedWeight(log *logger.Log, header http.Header, ip string) {
	if !IsFeatureEnabled(FeatureUsedWeight) {
		return
	}

	usedStr := header.Get("X-MBX-USED-WEIGHT-1m")
	if usedStr == "" {
		return
	}
	used, err := strconv.ParseInt(usedStr, 10, 64)
	if err != nil {
		return
	}

	fields := logger.Fields{"ip": ip}
	EmitMetric(log, "binance_fallback", "used_weight", used, "gauge", fields)
}

// ReportKucoinUsedWeight parses rate limit headers from KuCoin REST responses
// and emits gauges for weight usage and remaining quota. A zero limit argument
// falls back to the gw-ratelimit-limit header.
func ReportKucoinUsedWeight(log *logger.Log, header http.Header, limit int64, ip string) {
	if !IsFeatureEnabled(FeatureUsedWeight) {
		return
	}

	remainingStr := header.Get("gw-ratelimit-remaining")
	if remainingStr == "" {
		return
	}
	remaining, err := strconv.ParseInt(remainingStr, 10, 64)
	if err != nil {
		return
	}

	if limit == 0 {
		limitStr := header.Get("gw-ratelimit-limit")
		limit, _ = strconv.ParseInt(limitStr, 10, 64)
	}

	fields := logger.Fields{"ip": ip}
	used := limit - remaining
	if used < 0 {
		used = 0
	}
	EmitMetric(log, "kucoin_fallback", "used_weight", used, "gauge", fields)
	EmitMetric(log, "kucoin_fallback", "remaining_weight", remaining, "gauge", fields)
	if limit > 0 {
		pct := float64(remaining) / float64(limit)
		EmitMetric(log, "kucoin_fallback", "remaining_ratio", pct, "gauge", fields)
	}
}
