// Package symbol handles perpetual market symbol parsing and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
)

// Supported quote currencies.
const (
	QuoteUSD  = "USD"
	QuoteUSDT = "USDT"
	QuoteUSDC = "USDC"
)

var validQuotes = map[string]bool{
	QuoteUSD:  true,
	QuoteUSDT: true,
	QuoteUSDC: true,
}

// symbolRegex matches: {BASE}-{QUOTE}-PERP
// Example: BTC-USD-PERP
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})-([A-Z]{3,5})-PERP$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid market symbol format")
	ErrInvalidQuote  = errors.New("symbol: unsupported quote currency")
)

// Symbol represents a parsed perpetual market symbol.
type Symbol struct {
	Raw   string `json:"raw"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Parse parses and validates a market symbol string.
// Format: {BASE}-{QUOTE}-PERP
func Parse(s string) (*Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {BASE}-{QUOTE}-PERP)", ErrInvalidSymbol, s)
	}

	base := matches[1]
	quote := matches[2]

	if !validQuotes[quote] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidQuote, quote)
	}

	return &Symbol{Raw: s, Base: base, Quote: quote}, nil
}
