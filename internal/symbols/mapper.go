// Package symbols maps pair notations used by callers onto the bare symbols
// the Binance data mirror files its archives under.
package symbols

import (
	"fmt"
	"strings"
)

// Normalizer turns a caller supplied pair into an archive symbol.
type Normalizer func(pair string) string

// FromCCXT converts unified "BASE/QUOTE" or "BASE/QUOTE:SETTLE" pairs,
// e.g. "BTC/USDT:USDT" becomes "BTCUSDT". Symbols without a slash are only
// upper-cased.
func FromCCXT(pair string) string {
	sym := strings.ToUpper(strings.TrimSpace(pair))
	if i := strings.Index(sym, ":"); i >= 0 {
		sym = sym[:i]
	}
	return strings.ReplaceAll(sym, "/", "")
}

// ToBinance converts exchange-specific symbol formats to Binance style.
// It ensures symbols are uppercase without separators and uses BTC instead of XBT.
// Currently supported exchanges: binance, bybit, kucoin, coinbase, kraken, okx.
func ToBinance(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(exchange) {
	case "bybit":
		// Bybit suffixes the multiplier, the futures mirror prefixes it.
		if base, ok := strings.CutSuffix(sym, "1000USDT"); ok {
			sym = "1000" + base + "USDT"
		}
	case "coinbase":
		sym = strings.ReplaceAll(sym, "-", "")
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	default:
		// binance already uses the desired format
	}
	return sym
}

// ForNotation returns the normalizer for a configured pair notation. An
// empty notation selects "ccxt".
func ForNotation(notation string) (Normalizer, error) {
	switch n := strings.ToLower(strings.TrimSpace(notation)); n {
	case "", "ccxt":
		return FromCCXT, nil
	case "binance", "bybit", "coinbase", "kraken", "kucoin", "okx":
		return func(pair string) string { return ToBinance(n, pair) }, nil
	default:
		return nil, fmt.Errorf("unknown pair notation '%s'", notation)
	}
}
