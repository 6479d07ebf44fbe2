package exchange

import (
	"strings"

	"github.com/tradecore/tradecore/internal/domain/market"
)

// SymbolMapper translates canonical BASE/QUOTE pairs to a venue's native
// symbol spelling and back. Rules are lookup tables loaded at construction so
// new venue quirks are data, not code.
type SymbolMapper struct {
	venue      string
	baseAlias  map[string]string // canonical -> venue (e.g. BTC -> XBT)
	quoteAlias map[string]string // canonical -> venue (e.g. USD -> USDT)
	separator  string            // "", "-" or "/"
}

var defaultMappers = map[string]*SymbolMapper{
	"kraken": {
		venue:     "kraken",
		baseAlias: map[string]string{"BTC": "XBT", "DOGE": "XDG"},
		separator: "/",
	},
	"binance": {
		venue:      "binance",
		quoteAlias: map[string]string{"USD": "USDT"},
		separator:  "",
	},
	"coinbase": {
		venue:     "coinbase",
		separator: "-",
	},
}

// MapperFor returns the mapper for a venue; unknown venues get a pass-through
// mapper with the canonical separator.
func MapperFor(venue string) *SymbolMapper {
	if m, ok := defaultMappers[strings.ToLower(venue)]; ok {
		return m
	}
	return &SymbolMapper{venue: venue, separator: "/"}
}

// ToVenue converts a canonical pair to the venue's native symbol.
func (m *SymbolMapper) ToVenue(pair string) (string, error) {
	base, quote, err := market.SplitPair(pair)
	if err != nil {
		return "", err
	}
	if alias, ok := m.baseAlias[base]; ok {
		base = alias
	}
	if alias, ok := m.quoteAlias[quote]; ok {
		quote = alias
	}
	return base + m.separator + quote, nil
}

// FromVenue converts a venue symbol back to canonical BASE/QUOTE.
func (m *SymbolMapper) FromVenue(symbol string) (string, error) {
	s := symbol
	if m.separator != "" {
		s = strings.ReplaceAll(s, m.separator, "/")
	}
	pair, err := market.NormalizePair(s)
	if err != nil {
		return "", err
	}
	base, quote, err := market.SplitPair(pair)
	if err != nil {
		return "", err
	}
	for canonical, alias := range m.baseAlias {
		if base == alias {
			base = canonical
		}
	}
	for canonical, alias := range m.quoteAlias {
		if quote == alias {
			quote = canonical
		}
	}
	return base + "/" + quote, nil
}
