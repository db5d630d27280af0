// Package domain holds the shared value objects of the research platform:
// symbols, bars, tasks, signals and the error kinds the engines raise.
package domain

import (
	"regexp"
	"strings"
)

// AssetType classifies a symbol into the table family it is stored in.
type AssetType string

const (
	AssetETF    AssetType = "etf"
	AssetAShare AssetType = "ashare"
)

// etfPrefixes are the fund code families on SH (51x/52x/53x/56x/58x)
// and SZ (159).
var etfPrefixes = []string{"51", "52", "53", "56", "58", "159"}

var symbolPattern = regexp.MustCompile(`^\d{6}\.(SH|SZ|BJ)$`)

// ValidSymbol reports whether s has the canonical NNNNNN.XX form with a
// known exchange suffix.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// Classify returns the asset type for a symbol. ETF code families take
// precedence; everything else is treated as an A-share equity.
func Classify(symbol string) AssetType {
	code := SymbolCode(symbol)
	for _, p := range etfPrefixes {
		if strings.HasPrefix(code, p) {
			return AssetETF
		}
	}
	return AssetAShare
}

// IsETF is a convenience wrapper around Classify.
func IsETF(symbol string) bool {
	return Classify(symbol) == AssetETF
}

// SymbolCode strips the exchange suffix: "510300.SH" -> "510300".
func SymbolCode(symbol string) string {
	if i := strings.IndexByte(symbol, '.'); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

// SymbolExchange returns the exchange suffix: "510300.SH" -> "SH".
func SymbolExchange(symbol string) string {
	if i := strings.IndexByte(symbol, '.'); i >= 0 && i+1 < len(symbol) {
		return symbol[i+1:]
	}
	return ""
}

// IsStarBoard reports whether the symbol trades on the SH STAR market
// (科创板, 688/689 code family).
func IsStarBoard(symbol string) bool {
	code := SymbolCode(symbol)
	return SymbolExchange(symbol) == "SH" &&
		(strings.HasPrefix(code, "688") || strings.HasPrefix(code, "689"))
}

// IsGrowthBoard reports whether the symbol trades on the SZ ChiNext
// board (创业板, 300/301/302 code family).
func IsGrowthBoard(symbol string) bool {
	code := SymbolCode(symbol)
	return SymbolExchange(symbol) == "SZ" &&
		(strings.HasPrefix(code, "300") || strings.HasPrefix(code, "301") || strings.HasPrefix(code, "302"))
}

// IsBeijingBoard reports whether the symbol trades on the Beijing
// exchange.
func IsBeijingBoard(symbol string) bool {
	return SymbolExchange(symbol) == "BJ"
}
