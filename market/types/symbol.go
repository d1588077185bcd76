package types

import (
	"strings"
)

// perpetual contract decorations stripped during canonicalization, longest
// forms first so that "-PERPETUAL" is not left as "-ETUAL" by a "-PERP" trim.
var perpSuffixes = []string{
	".P",
	"-PERPETUAL",
	"_PERPETUAL",
	"-PERP",
	"_PERP",
	"-SWAP",
	"PERP",
}

// knownQuotes are the quote assets the service trades against. The tail
// segment of a separated symbol is rejoined without a separator when it is
// one of these.
var knownQuotes = []string{"USDT", "USD"}

// Canonicalize rewrites heterogeneous user and venue symbol forms into the
// single internal key: uppercase, separatorless base+quote ("BTCUSDT").
// It is idempotent and returns an empty string when the input cannot be
// reasonably interpreted.
func Canonicalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}

	// KuCoin-style futures symbols quote in USDTM.
	if strings.HasSuffix(s, "USDTM") {
		s = strings.TrimSuffix(s, "M")
	}

	for _, suffix := range perpSuffixes {
		if trimmed := strings.TrimSuffix(s, suffix); trimmed != s && trimmed != "" {
			s = trimmed
			break
		}
	}

	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == '/'
	})
	s = strings.Join(parts, "")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s = b.String()

	if len(s) < 2 {
		return ""
	}
	return s
}

// SplitQuote splits a canonical symbol into base and quote using the known
// quote assets. Symbols with an unrecognized quote are returned whole as the
// base.
func SplitQuote(symbol string) (base, quote string) {
	for _, q := range knownQuotes {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return symbol, ""
}

// QuoteAliases expands a canonical symbol into the ordered candidate list
// used for price resolution: the symbol itself first, then the same base
// quoted in the alias quotes.
func QuoteAliases(symbol string) []string {
	base, quote := SplitQuote(symbol)
	if quote == "" {
		candidates := make([]string, 0, len(knownQuotes)+1)
		candidates = append(candidates, symbol)
		for _, q := range knownQuotes {
			candidates = append(candidates, symbol+q)
		}
		return candidates
	}

	candidates := []string{symbol}
	for _, q := range knownQuotes {
		if q == quote {
			continue
		}
		candidates = append(candidates, base+q)
	}
	return candidates
}
