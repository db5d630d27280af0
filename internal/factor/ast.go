package factor

import "strings"

// Expr is a parsed factor expression node. The String form is canonical:
// parsing it again yields an identical tree, and it is the key under which
// evaluation results are cached.
type Expr interface {
	String() string
	precedence() int
}

// Binding strength, loosest first. Used only by the canonical printer to
// decide where parentheses are required.
const (
	precBool = iota + 1 // and, or
	precCompare
	precAdd
	precMul
	precNeg
	precAtom
)

// Number is a numeric literal.
type Number struct {
	Value float64
}

// Column is a bare identifier referencing a raw data panel (close, volume, pe, ...).
type Column struct {
	Name string
}

// Call is an operator application such as ma(close, 20).
type Call struct {
	Name string
	Args []Expr
}

// BinOp is a binary operation: arithmetic, comparison, or and/or.
type BinOp struct {
	Op    string
	Left  Expr
	Right Expr
}

// Neg is unary minus.
type Neg struct {
	Operand Expr
}

func (n *Number) precedence() int { return precAtom }
func (c *Column) precedence() int { return precAtom }
func (c *Call) precedence() int   { return precAtom }
func (n *Neg) precedence() int    { return precNeg }

func (b *BinOp) precedence() int {
	switch b.Op {
	case "and", "or":
		return precBool
	case "+", "-":
		return precAdd
	case "*", "/":
		return precMul
	default:
		return precCompare
	}
}

func (n *Number) String() string { return trimFloat(n.Value) }
func (c *Column) String() string { return c.Name }

func (c *Call) String() string {
	parts := make([]string, len(c.Args))
	for i, a := range c.Args {
		parts[i] = a.String()
	}
	return c.Name + "(" + strings.Join(parts, ", ") + ")"
}

func (b *BinOp) String() string {
	p := b.precedence()
	return wrap(b.Left, p, false) + " " + b.Op + " " + wrap(b.Right, p, true)
}

func (n *Neg) String() string {
	return "-" + wrap(n.Operand, precNeg, false)
}

// wrap parenthesises a child whose binding is looser than the parent's, or
// equal on the right side of a left-associative operator.
func wrap(child Expr, parentPrec int, rightSide bool) string {
	p := child.precedence()
	if p < parentPrec || (rightSide && p == parentPrec) {
		return "(" + child.String() + ")"
	}
	return child.String()
}

// Walk visits every node of the tree depth-first, parents before children.
// The visitor returning false prunes the subtree.
func Walk(e Expr, visit func(Expr) bool) {
	if !visit(e) {
		return
	}
	switch n := e.(type) {
	case *Call:
		for _, a := range n.Args {
			Walk(a, visit)
		}
	case *BinOp:
		Walk(n.Left, visit)
		Walk(n.Right, visit)
	case *Neg:
		Walk(n.Operand, visit)
	}
}

// Columns returns the raw column names referenced anywhere in the expression.
func Columns(e Expr) []string {
	seen := map[string]bool{}
	var out []string
	Walk(e, func(node Expr) bool {
		if c, ok := node.(*Column); ok && !seen[c.Name] {
			seen[c.Name] = true
			out = append(out, c.Name)
		}
		return true
	})
	return out
}
