package market

import (
	"fmt"
	"regexp"
	"strings"
)

// PairPattern is the canonical pair shape accepted everywhere in the core.
var PairPattern = regexp.MustCompile(`^[A-Z]{2,10}[/-][A-Z]{2,10}$`)

// Quote currencies recognized when splitting a concatenated symbol like
// "BTCUSDT". Longest suffixes first so USDT wins over USD... wins over T.
var knownQuotes = []string{
	"USDT", "USDC", "BUSD", "TUSD", "EURT",
	"USD", "EUR", "GBP", "JPY", "AUD", "CAD", "CHF",
	"BTC", "ETH", "BNB", "SOL", "XBT",
	"DAI",
}

// NormalizePair converts any accepted pair spelling to canonical BASE/QUOTE
// uppercase. Accepted inputs: "btc/usd", "BTC-USD", "BTCUSDT".
func NormalizePair(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", fmt.Errorf("empty pair")
	}

	s = strings.ReplaceAll(s, "-", "/")
	if strings.Contains(s, "/") {
		parts := strings.Split(s, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", fmt.Errorf("malformed pair %q", raw)
		}
		return parts[0] + "/" + parts[1], nil
	}

	// Concatenated form: peel a known quote currency off the end.
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q)+1 {
			return s[:len(s)-len(q)] + "/" + q, nil
		}
	}
	return "", fmt.Errorf("cannot split concatenated pair %q", raw)
}

// SplitPair returns base and quote of a canonical pair.
func SplitPair(pair string) (base, quote string, err error) {
	parts := strings.Split(strings.ReplaceAll(pair, "-", "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed pair %q", pair)
	}
	return parts[0], parts[1], nil
}

// PairFileKey converts BASE/QUOTE to the BASE-QUOTE form used in file paths.
func PairFileKey(pair string) string {
	return strings.ReplaceAll(pair, "/", "-")
}
