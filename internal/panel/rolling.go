package panel

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// RollingApply applies fn to each trailing window of length n per
// column. Cells without a full window are NaN, and a NaN anywhere in the
// window propagates: suspended days poison the statistics that overlap
// them rather than silently shrinking the sample.
func (f *Frame) RollingApply(name string, n int, fn func(window []float64) float64) *Frame {
	out := f.EmptyLike(name)
	if n <= 0 {
		return out
	}

	cols := len(f.symbols)
	buf := make([]float64, n)

	for j := 0; j < cols; j++ {
		for i := n - 1; i < len(f.dates); i++ {
			ok := true
			for k := 0; k < n; k++ {
				v := f.data[(i-n+1+k)*cols+j]
				if math.IsNaN(v) {
					ok = false
					break
				}
				buf[k] = v
			}
			if ok {
				out.data[i*cols+j] = fn(buf)
			}
		}
	}
	return out
}

// RollingMean is the simple moving average over n trading days.
func (f *Frame) RollingMean(name string, n int) *Frame {
	return f.RollingApply(name, n, func(w []float64) float64 {
		return stat.Mean(w, nil)
	})
}

// RollingStd is the rolling sample standard deviation.
func (f *Frame) RollingStd(name string, n int) *Frame {
	return f.RollingApply(name, n, func(w []float64) float64 {
		return stat.StdDev(w, nil)
	})
}

// RollingSum is the rolling sum.
func (f *Frame) RollingSum(name string, n int) *Frame {
	return f.RollingApply(name, n, func(w []float64) float64 {
		var s float64
		for _, v := range w {
			s += v
		}
		return s
	})
}

// RollingMax is the rolling maximum.
func (f *Frame) RollingMax(name string, n int) *Frame {
	return f.RollingApply(name, n, func(w []float64) float64 {
		m := w[0]
		for _, v := range w[1:] {
			if v > m {
				m = v
			}
		}
		return m
	})
}

// RollingMin is the rolling minimum.
func (f *Frame) RollingMin(name string, n int) *Frame {
	return f.RollingApply(name, n, func(w []float64) float64 {
		m := w[0]
		for _, v := range w[1:] {
			if v < m {
				m = v
			}
		}
		return m
	})
}

// EMA is the exponential moving average with smoothing 2/(n+1), seeded
// with the simple mean of the first n observations (so the first n-1
// cells are NaN, like every other window operator). NaN observations
// leave the running state untouched and produce NaN cells.
func (f *Frame) EMA(name string, n int) *Frame {
	out := f.EmptyLike(name)
	if n <= 0 {
		return out
	}

	alpha := 2.0 / (float64(n) + 1.0)
	cols := len(f.symbols)

	for j := 0; j < cols; j++ {
		var (
			seedSum   float64
			seedCount int
			ema       float64
			seeded    bool
		)
		for i := 0; i < len(f.dates); i++ {
			v := f.data[i*cols+j]
			if math.IsNaN(v) {
				continue
			}
			if !seeded {
				seedSum += v
				seedCount++
				if seedCount == n {
					ema = seedSum / float64(n)
					seeded = true
					out.data[i*cols+j] = ema
				}
				continue
			}
			ema = alpha*v + (1-alpha)*ema
			out.data[i*cols+j] = ema
		}
	}
	return out
}
