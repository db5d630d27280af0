// Package panel implements the dense date×symbol matrix the factor
// engine evaluates over. A Frame carries one named quantity; missing
// observations (a symbol not trading that day) are NaN and every
// operator propagates them.
package panel

import (
	"fmt"
	"math"
	"sort"
)

// Frame is a dense date×symbol matrix of one named quantity. Dates are
// YYYY-MM-DD strings sorted ascending (lexicographic order is
// chronological for that format); symbols are sorted ascending. Data is
// row-major: one row per date.
type Frame struct {
	name    string
	dates   []string
	symbols []string
	dateIdx map[string]int
	symIdx  map[string]int
	data    []float64
}

// LongRow is one (date, symbol, value) observation of a long-form query
// result, the shape bulk store reads come back in.
type LongRow struct {
	Date   string
	Symbol string
	Value  float64
}

// New creates a frame over the given axes with every cell NaN. The axis
// slices are copied, deduplicated and sorted.
func New(name string, dates, symbols []string) *Frame {
	f := &Frame{
		name:    name,
		dates:   sortedUnique(dates),
		symbols: sortedUnique(symbols),
	}
	f.rebuildIndexes()

	f.data = make([]float64, len(f.dates)*len(f.symbols))
	for i := range f.data {
		f.data[i] = math.NaN()
	}
	return f
}

// NewFilled creates a frame with every cell set to value.
func NewFilled(name string, dates, symbols []string, value float64) *Frame {
	f := New(name, dates, symbols)
	for i := range f.data {
		f.data[i] = value
	}
	return f
}

// FromLong pivots long-form rows to a wide frame. Duplicate
// (date, symbol) pairs keep the last value seen.
func FromLong(name string, rows []LongRow) *Frame {
	dates := make([]string, 0, len(rows))
	symbols := make([]string, 0, 16)
	seenDate := make(map[string]bool)
	seenSym := make(map[string]bool)
	for _, r := range rows {
		if !seenDate[r.Date] {
			seenDate[r.Date] = true
			dates = append(dates, r.Date)
		}
		if !seenSym[r.Symbol] {
			seenSym[r.Symbol] = true
			symbols = append(symbols, r.Symbol)
		}
	}

	f := New(name, dates, symbols)
	for _, r := range rows {
		f.data[f.dateIdx[r.Date]*len(f.symbols)+f.symIdx[r.Symbol]] = r.Value
	}
	return f
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func (f *Frame) rebuildIndexes() {
	f.dateIdx = make(map[string]int, len(f.dates))
	for i, d := range f.dates {
		f.dateIdx[d] = i
	}
	f.symIdx = make(map[string]int, len(f.symbols))
	for j, s := range f.symbols {
		f.symIdx[s] = j
	}
}

// Name returns the quantity name.
func (f *Frame) Name() string { return f.name }

// WithName returns a shallow rename of the frame (axes and data shared).
func (f *Frame) WithName(name string) *Frame {
	clone := *f
	clone.name = name
	return &clone
}

// Dates returns the date axis (not a copy; callers must not mutate).
func (f *Frame) Dates() []string { return f.dates }

// Symbols returns the symbol axis (not a copy; callers must not mutate).
func (f *Frame) Symbols() []string { return f.symbols }

// NumDates returns the number of rows.
func (f *Frame) NumDates() int { return len(f.dates) }

// NumSymbols returns the number of columns.
func (f *Frame) NumSymbols() int { return len(f.symbols) }

// HasDate reports whether the date axis contains d.
func (f *Frame) HasDate(d string) bool {
	_, ok := f.dateIdx[d]
	return ok
}

// HasSymbol reports whether the symbol axis contains s.
func (f *Frame) HasSymbol(s string) bool {
	_, ok := f.symIdx[s]
	return ok
}

// DateIndex returns the row of a date, or -1.
func (f *Frame) DateIndex(d string) int {
	if i, ok := f.dateIdx[d]; ok {
		return i
	}
	return -1
}

// At returns the cell at row i, column j.
func (f *Frame) At(i, j int) float64 {
	return f.data[i*len(f.symbols)+j]
}

// SetAt writes the cell at row i, column j.
func (f *Frame) SetAt(i, j int, v float64) {
	f.data[i*len(f.symbols)+j] = v
}

// Value returns the cell for (date, symbol); NaN when either axis label
// is absent.
func (f *Frame) Value(date, symbol string) float64 {
	i, ok := f.dateIdx[date]
	if !ok {
		return math.NaN()
	}
	j, ok := f.symIdx[symbol]
	if !ok {
		return math.NaN()
	}
	return f.data[i*len(f.symbols)+j]
}

// Set writes the cell for (date, symbol); unknown labels are ignored.
func (f *Frame) Set(date, symbol string, v float64) {
	i, ok := f.dateIdx[date]
	if !ok {
		return
	}
	j, ok := f.symIdx[symbol]
	if !ok {
		return
	}
	f.data[i*len(f.symbols)+j] = v
}

// Row returns a copy of the row for a date; nil when the date is absent.
func (f *Frame) Row(date string) []float64 {
	i, ok := f.dateIdx[date]
	if !ok {
		return nil
	}
	out := make([]float64, len(f.symbols))
	copy(out, f.data[i*len(f.symbols):(i+1)*len(f.symbols)])
	return out
}

// Column returns a copy of the series for a symbol; nil when absent.
func (f *Frame) Column(symbol string) []float64 {
	j, ok := f.symIdx[symbol]
	if !ok {
		return nil
	}
	out := make([]float64, len(f.dates))
	for i := range f.dates {
		out[i] = f.data[i*len(f.symbols)+j]
	}
	return out
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	out := &Frame{
		name:    f.name,
		dates:   append([]string(nil), f.dates...),
		symbols: append([]string(nil), f.symbols...),
		data:    append([]float64(nil), f.data...),
	}
	out.rebuildIndexes()
	return out
}

// EmptyLike returns a NaN-filled frame on the same axes.
func (f *Frame) EmptyLike(name string) *Frame {
	return New(name, f.dates, f.symbols)
}

// SameShape reports whether two frames share identical axes.
func (f *Frame) SameShape(other *Frame) bool {
	if len(f.dates) != len(other.dates) || len(f.symbols) != len(other.symbols) {
		return false
	}
	for i := range f.dates {
		if f.dates[i] != other.dates[i] {
			return false
		}
	}
	for j := range f.symbols {
		if f.symbols[j] != other.symbols[j] {
			return false
		}
	}
	return true
}

// Slice returns the sub-frame with start <= date <= end.
func (f *Frame) Slice(start, end string) *Frame {
	lo := sort.SearchStrings(f.dates, start)
	hi := sort.SearchStrings(f.dates, end)
	if hi < len(f.dates) && f.dates[hi] == end {
		hi++
	}
	if lo >= hi {
		return New(f.name, nil, f.symbols)
	}

	out := New(f.name, f.dates[lo:hi], f.symbols)
	copy(out.data, f.data[lo*len(f.symbols):hi*len(f.symbols)])
	return out
}

// Reindex projects the frame onto new axes; cells absent in the source
// become NaN.
func (f *Frame) Reindex(dates, symbols []string) *Frame {
	out := New(f.name, dates, symbols)
	for i, d := range out.dates {
		si, ok := f.dateIdx[d]
		if !ok {
			continue
		}
		for j, s := range out.symbols {
			sj, ok := f.symIdx[s]
			if !ok {
				continue
			}
			out.data[i*len(out.symbols)+j] = f.data[si*len(f.symbols)+sj]
		}
	}
	return out
}

// AlignUnion reindexes both frames onto the union of their axes.
func AlignUnion(a, b *Frame) (*Frame, *Frame) {
	if a.SameShape(b) {
		return a, b
	}
	dates := sortedUnique(append(append([]string(nil), a.dates...), b.dates...))
	symbols := sortedUnique(append(append([]string(nil), a.symbols...), b.symbols...))
	return a.Reindex(dates, symbols), b.Reindex(dates, symbols)
}

// Map applies fn to every cell. NaN cells stay NaN unless fn itself
// produces a value for NaN input, which the math functions never do.
func (f *Frame) Map(name string, fn func(float64) float64) *Frame {
	out := f.Clone()
	out.name = name
	for i := range out.data {
		out.data[i] = fn(out.data[i])
	}
	return out
}

// Combine applies a binary function cell-wise. Axes must match; the
// evaluator guarantees that by building every column panel on the same
// (dates, symbols) key.
func (f *Frame) Combine(name string, other *Frame, fn func(a, b float64) float64) (*Frame, error) {
	if !f.SameShape(other) {
		return nil, fmt.Errorf("frame axes mismatch: %s is %dx%d, %s is %dx%d",
			f.name, len(f.dates), len(f.symbols),
			other.name, len(other.dates), len(other.symbols))
	}
	out := f.Clone()
	out.name = name
	for i := range out.data {
		out.data[i] = fn(f.data[i], other.data[i])
	}
	return out, nil
}

// ForwardFill carries the last non-NaN value of each column forward.
// Leading NaNs remain NaN.
func (f *Frame) ForwardFill() *Frame {
	out := f.Clone()
	cols := len(out.symbols)
	for j := 0; j < cols; j++ {
		last := math.NaN()
		for i := 0; i < len(out.dates); i++ {
			v := out.data[i*cols+j]
			if math.IsNaN(v) {
				out.data[i*cols+j] = last
			} else {
				last = v
			}
		}
	}
	return out
}

// FillNaN replaces every remaining NaN with v.
func (f *Frame) FillNaN(v float64) *Frame {
	out := f.Clone()
	for i := range out.data {
		if math.IsNaN(out.data[i]) {
			out.data[i] = v
		}
	}
	return out
}

// NormalizePerDate min-max scales each row to [0,1]. Rows with a single
// distinct value map to 0.5; NaN cells stay NaN.
func (f *Frame) NormalizePerDate(name string) *Frame {
	out := f.Clone()
	out.name = name
	cols := len(out.symbols)

	for i := 0; i < len(out.dates); i++ {
		lo, hi := math.Inf(1), math.Inf(-1)
		for j := 0; j < cols; j++ {
			v := out.data[i*cols+j]
			if math.IsNaN(v) {
				continue
			}
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if math.IsInf(lo, 1) {
			continue // all-NaN row
		}
		span := hi - lo
		for j := 0; j < cols; j++ {
			v := out.data[i*cols+j]
			if math.IsNaN(v) {
				continue
			}
			if span == 0 {
				out.data[i*cols+j] = 0.5
			} else {
				out.data[i*cols+j] = (v - lo) / span
			}
		}
	}
	return out
}

// Shift moves every column down by n rows (positional, like a time
// shift); vacated rows are NaN. Negative n shifts upward.
func (f *Frame) Shift(name string, n int) *Frame {
	out := f.EmptyLike(name)
	cols := len(f.symbols)
	for i := range f.dates {
		src := i - n
		if src < 0 || src >= len(f.dates) {
			continue
		}
		copy(out.data[i*cols:(i+1)*cols], f.data[src*cols:(src+1)*cols])
	}
	return out
}
