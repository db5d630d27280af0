package factor

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/hualei/quantdesk/internal/domain"
	"github.com/hualei/quantdesk/internal/panel"
)

// rawColumns are the bare identifiers that resolve to stored panels. Any
// other bare identifier is a compile error.
var rawColumns = map[string]bool{
	"open":          true,
	"high":          true,
	"low":           true,
	"close":         true,
	"volume":        true,
	"amount":        true,
	"turnover_rate": true,
	"pe":            true,
	"pb":            true,
}

// IsRawColumn reports whether name resolves to a stored data panel.
func IsRawColumn(name string) bool {
	return rawColumns[name]
}

// Compiled is a parsed and validated factor expression. Canonical is the
// whitespace-normalised text used as the cache key.
type Compiled struct {
	Text      string
	Canonical string
	ast       Expr
}

// AST exposes the parsed tree, mainly for dependency inspection.
func (c *Compiled) AST() Expr { return c.ast }

// Compile parses and validates a factor expression. Failures carry the
// STRATEGY_COMPILE_ERROR code so that a broken strategy is rejected at load
// time without taking down its siblings.
func Compile(text string) (*Compiled, error) {
	ast, err := Parse(text)
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeStrategyCompile, err, "failed to parse expression %q", text)
	}
	if err := validate(ast); err != nil {
		return nil, domain.WrapError(domain.ErrCodeStrategyCompile, err, "invalid expression %q", text)
	}
	return &Compiled{Text: text, Canonical: ast.String(), ast: ast}, nil
}

// CompileAll compiles every expression, failing on the first invalid one.
func CompileAll(texts []string) ([]*Compiled, error) {
	out := make([]*Compiled, 0, len(texts))
	for _, t := range texts {
		c, err := Compile(t)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func validate(e Expr) error {
	var firstErr error
	Walk(e, func(node Expr) bool {
		if firstErr != nil {
			return false
		}
		switch n := node.(type) {
		case *Column:
			if !rawColumns[n.Name] {
				firstErr = fmt.Errorf("unknown identifier %q; bare names must be raw columns", n.Name)
				return false
			}
		case *Call:
			def, ok := operators[n.Name]
			if !ok {
				firstErr = fmt.Errorf("unknown operator %q", n.Name)
				return false
			}
			if len(n.Args) != def.arity {
				firstErr = fmt.Errorf("operator %q takes %d argument(s), got %d", n.Name, def.arity, len(n.Args))
				return false
			}
			if def.window {
				if num, ok := n.Args[1].(*Number); ok {
					if num.Value != math.Trunc(num.Value) || num.Value < 1 {
						firstErr = fmt.Errorf("window size of %q must be a positive integer, got %s", n.Name, num)
						return false
					}
				}
			}
		}
		return true
	})
	return firstErr
}

// value is an evaluation result: either a full panel or a scalar constant
// waiting to be broadcast against one.
type value struct {
	frame  *panel.Frame
	scalar float64
}

func frameValue(f *panel.Frame) value { return value{frame: f} }
func scalarValue(v float64) value     { return value{scalar: v} }

func (v value) isFrame() bool { return v.frame != nil }

// asFrame broadcasts a scalar to the evaluator's full panel shape.
func (v value) asFrame(ev *Evaluator, name string) *panel.Frame {
	if v.frame != nil {
		return v.frame
	}
	return panel.NewFilled(name, ev.data.dates, ev.data.symbols, v.scalar)
}

// asWindow interprets the value as a lookback length in trading days.
func (v value) asWindow(canon string) (int, error) {
	if v.isFrame() {
		return 0, domain.NewError(domain.ErrCodeStrategyCompile, "window size in %q must be a number, not a panel", canon)
	}
	if v.scalar != math.Trunc(v.scalar) || v.scalar < 1 {
		return 0, domain.NewError(domain.ErrCodeStrategyCompile, "window size in %q must be a positive integer", canon)
	}
	return int(v.scalar), nil
}

func (v value) mapUnary(ev *Evaluator, name string, fn func(float64) float64) value {
	if v.isFrame() {
		return frameValue(v.frame.Map(name, fn))
	}
	return scalarValue(fn(v.scalar))
}

// Dataset is the immutable collection of raw column panels an evaluation
// runs against. All frames share the same date and symbol axes.
type Dataset struct {
	dates   []string
	symbols []string
	columns map[string]*panel.Frame
}

// NewDataset aligns every provided column onto the given axes.
func NewDataset(dates, symbols []string, columns map[string]*panel.Frame) *Dataset {
	d := &Dataset{
		dates:   slices.Clone(dates),
		symbols: slices.Clone(symbols),
		columns: make(map[string]*panel.Frame, len(columns)),
	}
	for name, f := range columns {
		if !slices.Equal(f.Dates(), d.dates) || !slices.Equal(f.Symbols(), d.symbols) {
			f = f.Reindex(d.dates, d.symbols)
		}
		d.columns[name] = f
	}
	return d
}

// Dates returns the trading-day axis.
func (d *Dataset) Dates() []string { return d.dates }

// Symbols returns the symbol axis.
func (d *Dataset) Symbols() []string { return d.symbols }

// Column returns the stored panel for a raw column name.
func (d *Dataset) Column(name string) (*panel.Frame, bool) {
	f, ok := d.columns[name]
	return f, ok
}

// Evaluator computes factor expressions over a dataset. Results of every
// sub-expression are memoised under their canonical text, so repeated
// fragments like ma(close, 20) are computed once per dataset no matter how
// many expressions mention them. Safe for concurrent use.
type Evaluator struct {
	data *Dataset
	mu   sync.RWMutex
	memo map[string]value
	sf   singleflight.Group
}

// NewEvaluator builds an evaluator over the dataset.
func NewEvaluator(data *Dataset) *Evaluator {
	return &Evaluator{
		data: data,
		memo: make(map[string]value),
	}
}

// Evaluate computes a compiled expression and returns a panel spanning the
// dataset's full date and symbol axes. Scalar-only expressions broadcast.
func (ev *Evaluator) Evaluate(c *Compiled) (*panel.Frame, error) {
	v, err := ev.eval(c.ast)
	if err != nil {
		return nil, err
	}
	f := v.asFrame(ev, c.Canonical)
	if f.NumDates() != len(ev.data.dates) || f.NumSymbols() != len(ev.data.symbols) {
		return nil, fmt.Errorf("evaluation of %q produced a %dx%d panel, want %dx%d",
			c.Canonical, f.NumDates(), f.NumSymbols(), len(ev.data.dates), len(ev.data.symbols))
	}
	return f, nil
}

// EvaluateText compiles and evaluates in one step.
func (ev *Evaluator) EvaluateText(text string) (*panel.Frame, error) {
	c, err := Compile(text)
	if err != nil {
		return nil, err
	}
	return ev.Evaluate(c)
}

func (ev *Evaluator) eval(e Expr) (value, error) {
	if num, ok := e.(*Number); ok {
		return scalarValue(num.Value), nil
	}
	canon := e.String()
	ev.mu.RLock()
	v, ok := ev.memo[canon]
	ev.mu.RUnlock()
	if ok {
		return v, nil
	}
	res, err, _ := ev.sf.Do(canon, func() (interface{}, error) {
		ev.mu.RLock()
		v, ok := ev.memo[canon]
		ev.mu.RUnlock()
		if ok {
			return v, nil
		}
		computed, err := ev.compute(e, canon)
		if err != nil {
			return nil, err
		}
		ev.mu.Lock()
		ev.memo[canon] = computed
		ev.mu.Unlock()
		return computed, nil
	})
	if err != nil {
		return value{}, err
	}
	return res.(value), nil
}

func (ev *Evaluator) compute(e Expr, canon string) (value, error) {
	switch n := e.(type) {
	case *Column:
		f, ok := ev.data.Column(n.Name)
		if !ok {
			if !rawColumns[n.Name] {
				return value{}, domain.NewError(domain.ErrCodeStrategyCompile, "unknown identifier %q", n.Name)
			}
			// Known column with nothing stored, e.g. fundamentals never
			// downloaded. Degrade to all-NaN rather than failing the run.
			f = panel.New(n.Name, ev.data.dates, ev.data.symbols)
		}
		return frameValue(f), nil

	case *Call:
		def, ok := operators[n.Name]
		if !ok {
			return value{}, domain.NewError(domain.ErrCodeStrategyCompile, "unknown operator %q", n.Name)
		}
		if len(n.Args) != def.arity {
			return value{}, domain.NewError(domain.ErrCodeStrategyCompile, "operator %q takes %d argument(s), got %d", n.Name, def.arity, len(n.Args))
		}
		args := make([]value, len(n.Args))
		for i, a := range n.Args {
			v, err := ev.eval(a)
			if err != nil {
				return value{}, err
			}
			args[i] = v
		}
		return def.fn(ev, canon, args)

	case *BinOp:
		left, err := ev.eval(n.Left)
		if err != nil {
			return value{}, err
		}
		right, err := ev.eval(n.Right)
		if err != nil {
			return value{}, err
		}
		var kernel func(a, b float64) float64
		switch {
		case n.Op == "and" || n.Op == "or":
			kernel = boolKernel(n.Op)
		case isComparisonOp(n.Op):
			kernel = compareKernel(n.Op)
		default:
			kernel = arithKernel(n.Op)
		}
		return ev.combine(canon, left, right, kernel)

	case *Neg:
		v, err := ev.eval(n.Operand)
		if err != nil {
			return value{}, err
		}
		return v.mapUnary(ev, canon, func(x float64) float64 { return -x }), nil

	default:
		return value{}, fmt.Errorf("unsupported expression node %T", e)
	}
}

// combine applies a binary kernel with scalar broadcasting on either side.
func (ev *Evaluator) combine(name string, a, b value, kernel func(x, y float64) float64) (value, error) {
	switch {
	case a.isFrame() && b.isFrame():
		f, err := a.frame.Combine(name, b.frame, kernel)
		if err != nil {
			return value{}, err
		}
		return frameValue(f), nil
	case a.isFrame():
		y := b.scalar
		return frameValue(a.frame.Map(name, func(x float64) float64 { return kernel(x, y) })), nil
	case b.isFrame():
		x := a.scalar
		return frameValue(b.frame.Map(name, func(y float64) float64 { return kernel(x, y) })), nil
	default:
		return scalarValue(kernel(a.scalar, b.scalar)), nil
	}
}
