// Package symbols translates between the canonical symbol form used across
// the cache and the per-exchange native formats. Canonical symbols are
// compact uppercase, e.g. BTCUSDT.
package symbols

import "strings"

// quotes ordered longest first so USDT wins over USD when both match.
var quotes = []string{"USDT", "USDC", "TUSD", "BUSD", "USD", "BTC", "ETH", "EUR"}

// Canonical converts an exchange-native symbol to the canonical form.
// Currently supported exchanges: bitget, binance, bybit, kucoin.
func Canonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	default:
		// bitget, binance and bybit spot already use the compact format
	}
	return sym
}

// ToExchange converts a canonical symbol to the native format the exchange
// expects in subscriptions and REST queries.
func ToExchange(exchange, canonical string) string {
	canonical = strings.ToUpper(strings.TrimSpace(canonical))
	switch strings.ToLower(exchange) {
	case "kucoin":
		base, quote, ok := SplitPair(canonical)
		if !ok {
			return canonical
		}
		return base + "-" + quote
	default:
		return canonical
	}
}

// StreamName converts a canonical symbol to the lowercase form Binance
// combined stream names use.
func StreamName(canonical string) string {
	return strings.ToLower(strings.TrimSpace(canonical))
}

// SplitPair splits a canonical symbol into base and quote using the known
// quote currencies. Unknown quotes report ok false.
func SplitPair(canonical string) (base, quote string, ok bool) {
	for _, q := range quotes {
		if strings.HasSuffix(canonical, q) && len(canonical) > len(q) {
			return canonical[:len(canonical)-len(q)], q, true
		}
	}
	return canonical, "", false
}

// TradingPair renders a canonical symbol in display form, e.g. BTC/USDT.
// Symbols with an unknown quote are returned unchanged.
func TradingPair(canonical string) string {
	base, quote, ok := SplitPair(strings.ToUpper(strings.TrimSpace(canonical)))
	if !ok {
		return canonical
	}
	return base + "/" + quote
}
