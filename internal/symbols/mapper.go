package symbols

import "strings"

// ToCanonical converts venue-native instrument identifiers to the canonical
// display symbol: uppercase, no separators, BTC instead of XBT, no contract
// suffixes. Currently supported venues: binance, bybit, okx, kucoin, kraken.
func ToCanonical(venue, sym string) string {
	sym = strings.ToUpper(sym)
	switch strings.ToLower(venue) {
	case "binance", "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT", "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
	default:
		// others already use the desired format
	}
	return sym
}
