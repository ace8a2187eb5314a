package domain

import "strings"

// quoteAssets are the quote currencies we recognize, longest first so
// FDUSD wins over USD-style fallbacks.
var quoteAssets = []string{"USDT", "USDC", "FDUSD", "KRW", "BTC", "ETH"}

// SplitSymbol separates BTCUSDT-style pairs into base and quote assets.
// Unknown quotes fall back to a three letter suffix; symbols too short to
// split return two empty strings.
func SplitSymbol(symbol string) (base, quote string) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)], q
		}
	}
	if len(symbol) > 3 {
		return symbol[:len(symbol)-3], symbol[len(symbol)-3:]
	}
	return "", ""
}
