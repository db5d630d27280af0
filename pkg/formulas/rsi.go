package formulas

import (
	"github.com/markcheno/go-talib"
)

// CalculateRSI calculates the Relative Strength Index over closes.
//
// RSI Formula:
//
//	RSI = 100 - (100 / (1 + RS))
//	where RS = Average Gain / Average Loss over N periods
//
// Returns the current RSI value (0-100) or nil if insufficient data.
func CalculateRSI(closes []float64, length int) *float64 {
	if length <= 0 || len(closes) < length+1 {
		return nil
	}

	rsi := talib.Rsi(closes, length)
	if len(rsi) == 0 || isNaN(rsi[len(rsi)-1]) {
		return nil
	}

	result := rsi[len(rsi)-1]
	return &result
}

// RSISeries returns the full RSI series aligned with closes; leading
// entries without a full window are NaN as produced by the indicator.
func RSISeries(closes []float64, length int) []float64 {
	if length <= 0 || len(closes) == 0 {
		return nil
	}
	return talib.Rsi(closes, length)
}

// BollingerBands returns the upper, middle and lower Bollinger Bands
// (2 standard deviations, simple MA) aligned with closes.
func BollingerBands(closes []float64, length int) (upper, middle, lower []float64) {
	if length <= 0 || len(closes) == 0 {
		return nil, nil, nil
	}
	return talib.BBands(closes, length, 2, 2, talib.SMA)
}
