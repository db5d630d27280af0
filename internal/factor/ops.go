package factor

import (
	"math"

	"github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/hualei/quantdesk/internal/panel"
)

// opFunc applies one operator to already-evaluated arguments. canon is the
// canonical text of the whole call, used as the output panel name.
type opFunc func(ev *Evaluator, canon string, args []value) (value, error)

type opDef struct {
	arity  int
	window bool // second argument is a lookback length in trading days
	fn     opFunc
}

var operators = map[string]opDef{
	"ref":             {arity: 2, window: true, fn: opRef},
	"shift":           {arity: 2, window: true, fn: opRef},
	"ma":              {arity: 2, window: true, fn: opMA},
	"ema":             {arity: 2, window: true, fn: opEMA},
	"std":             {arity: 2, window: true, fn: opStd},
	"sum":             {arity: 2, window: true, fn: opSum},
	"max":             {arity: 2, window: true, fn: opMax},
	"min":             {arity: 2, window: true, fn: opMin},
	"roc":             {arity: 2, window: true, fn: opROC},
	"slope":           {arity: 2, window: true, fn: opSlope},
	"rsquare":         {arity: 2, window: true, fn: opRSquare},
	"trend_score":     {arity: 2, window: true, fn: opTrendScore},
	"rsi":             {arity: 2, window: true, fn: opRSI},
	"bbands_upper":    {arity: 2, window: true, fn: opBBandsUpper},
	"bbands_lower":    {arity: 2, window: true, fn: opBBandsLower},
	"log":             {arity: 1, fn: opLog},
	"abs":             {arity: 1, fn: opAbs},
	"exp":             {arity: 1, fn: opExp},
	"normalize_score": {arity: 1, fn: opNormalize},
	"pe_score":        {arity: 1, fn: opValueScore},
	"pb_score":        {arity: 1, fn: opValueScore},
	"ps_score":        {arity: 1, fn: opValueScore},
}

// IsOperator reports whether name is a known operator.
func IsOperator(name string) bool {
	_, ok := operators[name]
	return ok
}

// windowArgs unpacks the common (panel, lookback) argument pair.
func windowArgs(ev *Evaluator, canon string, args []value) (*panel.Frame, int, error) {
	f := args[0].asFrame(ev, canon)
	n, err := args[1].asWindow(canon)
	if err != nil {
		return nil, 0, err
	}
	return f, n, nil
}

func opRef(ev *Evaluator, canon string, args []value) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	return frameValue(f.Shift(canon, n)), nil
}

func opMA(ev *Evaluator, canon string, args []value) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	return frameValue(f.RollingMean(canon, n)), nil
}

func opEMA(ev *Evaluator, canon string, args []value) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	return frameValue(f.EMA(canon, n)), nil
}

func opStd(ev *Evaluator, canon string, args []value) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	return frameValue(f.RollingStd(canon, n)), nil
}

func opSum(ev *Evaluator, canon string, args []value) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	return frameValue(f.RollingSum(canon, n)), nil
}

func opMax(ev *Evaluator, canon string, args []value) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	return frameValue(f.RollingMax(canon, n)), nil
}

func opMin(ev *Evaluator, canon string, args []value) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	return frameValue(f.RollingMin(canon, n)), nil
}

// opROC computes the rate of change (x - ref(x,n)) / ref(x,n).
func opROC(ev *Evaluator, canon string, args []value) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	prev := f.Shift(canon, n)
	out, err := f.Combine(canon, prev, func(cur, base float64) float64 {
		if base == 0 {
			return math.NaN()
		}
		return (cur - base) / base
	})
	if err != nil {
		return value{}, err
	}
	return frameValue(out), nil
}

func opSlope(ev *Evaluator, canon string, args []value) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	return frameValue(rollingOLS(f, canon, n, false, func(slope, _ float64) float64 {
		return slope
	})), nil
}

func opRSquare(ev *Evaluator, canon string, args []value) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	return frameValue(rollingOLS(f, canon, n, true, func(_, r2 float64) float64 {
		return r2
	})), nil
}

// opTrendScore annualises the log-price regression slope over 250 trading
// days and damps it by the regression quality: (exp(slope*250)-1) * R^2.
func opTrendScore(ev *Evaluator, canon string, args []value) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	return frameValue(rollingOLS(f, canon, n, true, func(slope, r2 float64) float64 {
		return (math.Exp(slope*250) - 1) * r2
	})), nil
}

// rollingOLS regresses each trailing n-day window against day index 0..n-1
// and emits pick(slope, r2). Windows shorter than n, or with fewer than two
// usable points, short-circuit to pick(0, 0) rather than NaN so that
// trend-style scores read as "no trend" during warmup. When useLog is set
// the regression runs on log values and non-positive inputs are dropped.
func rollingOLS(f *panel.Frame, name string, n int, useLog bool, pick func(slope, r2 float64) float64) *panel.Frame {
	out := f.EmptyLike(name)
	zero := pick(0, 0)
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	for j, sym := range f.Symbols() {
		col := f.Column(sym)
		for i := range col {
			if i+1 < n {
				out.SetAt(i, j, zero)
				continue
			}
			xs, ys = xs[:0], ys[:0]
			for k := 0; k < n; k++ {
				v := col[i-n+1+k]
				if useLog {
					if v <= 0 {
						continue
					}
					v = math.Log(v)
				}
				if math.IsNaN(v) {
					continue
				}
				xs = append(xs, float64(k))
				ys = append(ys, v)
			}
			slope, r2 := olsFit(xs, ys)
			out.SetAt(i, j, pick(slope, r2))
		}
	}
	return out
}

// olsFit returns the OLS slope and the clipped R-squared of y on x, or (0, 0)
// when the regression is degenerate.
func olsFit(xs, ys []float64) (float64, float64) {
	if len(xs) < 2 {
		return 0, 0
	}
	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	if math.IsNaN(beta) || math.IsInf(beta, 0) {
		return 0, 0
	}
	r2 := stat.RSquared(xs, ys, nil, alpha, beta)
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		r2 = 0
	}
	if r2 < 0 {
		r2 = 0
	} else if r2 > 1 {
		r2 = 1
	}
	return beta, r2
}

func opRSI(ev *Evaluator, canon string, args []value) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	out := mapCompactSeries(f, canon, n+1, func(values []float64) []float64 {
		res := talib.Rsi(values, n)
		for i := 0; i < n && i < len(res); i++ {
			res[i] = math.NaN()
		}
		return res
	})
	return frameValue(out), nil
}

func opBBandsUpper(ev *Evaluator, canon string, args []value) (value, error) {
	return opBBands(ev, canon, args, 0)
}

func opBBandsLower(ev *Evaluator, canon string, args []value) (value, error) {
	return opBBands(ev, canon, args, 2)
}

func opBBands(ev *Evaluator, canon string, args []value, band int) (value, error) {
	f, n, err := windowArgs(ev, canon, args)
	if err != nil {
		return value{}, err
	}
	out := mapCompactSeries(f, canon, n, func(values []float64) []float64 {
		upper, middle, lower := talib.BBands(values, n, 2, 2, talib.SMA)
		res := upper
		switch band {
		case 1:
			res = middle
		case 2:
			res = lower
		}
		for i := 0; i < n-1 && i < len(res); i++ {
			res[i] = math.NaN()
		}
		return res
	})
	return frameValue(out), nil
}

// mapCompactSeries runs fn over each symbol's non-NaN observations in order
// and scatters the result back to the original rows. Symbols with fewer than
// minObs observations stay all-NaN. This keeps library indicators that cannot
// handle gaps working on symbols that were not trading every panel day.
func mapCompactSeries(f *panel.Frame, name string, minObs int, fn func(values []float64) []float64) *panel.Frame {
	out := f.EmptyLike(name)
	for j, sym := range f.Symbols() {
		col := f.Column(sym)
		idx := make([]int, 0, len(col))
		values := make([]float64, 0, len(col))
		for i, v := range col {
			if !math.IsNaN(v) {
				idx = append(idx, i)
				values = append(values, v)
			}
		}
		if len(values) < minObs {
			continue
		}
		res := fn(values)
		for k, i := range idx {
			if k < len(res) {
				out.SetAt(i, j, res[k])
			}
		}
	}
	return out
}

func opLog(ev *Evaluator, canon string, args []value) (value, error) {
	return args[0].mapUnary(ev, canon, func(v float64) float64 {
		if v <= 0 {
			return math.NaN()
		}
		return math.Log(v)
	}), nil
}

func opAbs(ev *Evaluator, canon string, args []value) (value, error) {
	return args[0].mapUnary(ev, canon, math.Abs), nil
}

func opExp(ev *Evaluator, canon string, args []value) (value, error) {
	return args[0].mapUnary(ev, canon, math.Exp), nil
}

func opNormalize(ev *Evaluator, canon string, args []value) (value, error) {
	f := args[0].asFrame(ev, canon)
	return frameValue(f.NormalizePerDate(canon)), nil
}

// opValueScore maps a valuation ratio to its reciprocal so that cheap
// symbols rank high: 1 / (x + 1e-6). Zero readings are treated as missing.
func opValueScore(ev *Evaluator, canon string, args []value) (value, error) {
	return args[0].mapUnary(ev, canon, func(v float64) float64 {
		if math.IsNaN(v) || v == 0 {
			return math.NaN()
		}
		d := v + 1e-6
		if d == 0 {
			return math.NaN()
		}
		return 1 / d
	}), nil
}

func arithKernel(op string) func(a, b float64) float64 {
	switch op {
	case "+":
		return func(a, b float64) float64 { return a + b }
	case "-":
		return func(a, b float64) float64 { return a - b }
	case "*":
		return func(a, b float64) float64 { return a * b }
	default: // "/"
		return func(a, b float64) float64 {
			if b == 0 {
				return math.NaN()
			}
			return a / b
		}
	}
}

// compareKernel builds a boolean kernel encoding true as 1 and false as 0.
// Comparisons against NaN are false.
func compareKernel(op string) func(a, b float64) float64 {
	return func(a, b float64) float64 {
		if math.IsNaN(a) || math.IsNaN(b) {
			return 0
		}
		var ok bool
		switch op {
		case ">":
			ok = a > b
		case "<":
			ok = a < b
		case ">=":
			ok = a >= b
		case "<=":
			ok = a <= b
		case "==":
			ok = a == b
		case "!=":
			ok = a != b
		}
		if ok {
			return 1
		}
		return 0
	}
}

// boolKernel combines two boolean panels. NaN counts as false.
func boolKernel(op string) func(a, b float64) float64 {
	return func(a, b float64) float64 {
		at := !math.IsNaN(a) && a != 0
		bt := !math.IsNaN(b) && b != 0
		var ok bool
		if op == "and" {
			ok = at && bt
		} else {
			ok = at || bt
		}
		if ok {
			return 1
		}
		return 0
	}
}
