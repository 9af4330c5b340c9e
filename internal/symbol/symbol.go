// Package symbol handles ticker normalization and recognition of FX
// currency pairs, which settle against per-currency cash buckets instead
// of the equity position ledger.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrEmpty         = errors.New("symbol: empty symbol")
	ErrNotFXPair     = errors.New("symbol: not a currency pair")
	ErrInvalidTicker = errors.New("symbol: invalid ticker format")
)

// tickerRegex accepts plain equity tickers like AAPL, BRK.B, or VOW3.
var tickerRegex = regexp.MustCompile(`^[A-Z0-9]{1,10}(\.[A-Z0-9]{1,4})?$`)

// fxPairRegex matches a 6-letter currency pair, e.g. EURUSD.
var fxPairRegex = regexp.MustCompile(`^[A-Z]{6}$`)

// knownCurrencies limits FX detection so 6-letter equity tickers such as
// GOOGLE-style symbols are not mistaken for pairs.
var knownCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "CHF": true,
	"AUD": true, "CAD": true, "NZD": true, "SEK": true, "NOK": true,
}

// Normalize trims and uppercases a ticker, validating its shape.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", ErrEmpty
	}
	if !tickerRegex.MatchString(s) {
		return "", fmt.Errorf("%w: %s", ErrInvalidTicker, raw)
	}
	return s, nil
}

// IsFXPair reports whether a normalized symbol is a recognized currency pair.
func IsFXPair(s string) bool {
	if !fxPairRegex.MatchString(s) {
		return false
	}
	return knownCurrencies[s[:3]] && knownCurrencies[s[3:]]
}

// SplitFXPair returns the base and quote currencies of a pair.
func SplitFXPair(s string) (base, quote string, err error) {
	if !IsFXPair(s) {
		return "", "", fmt.Errorf("%w: %s", ErrNotFXPair, s)
	}
	return s[:3], s[3:], nil
}
