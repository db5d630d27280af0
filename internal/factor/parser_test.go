package factor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hualei/quantdesk/internal/domain"
)

func TestParse_CanonicalForm(t *testing.T) {
	cases := []struct{ input, want string }{
		{"close>ma(close,20)", "close > ma(close, 20)"},
		{"roc( close , 5 ) > 0.05", "roc(close, 5) > 0.05"},
		{"trend_score(close,25)*0.2+pe_score(pe)*0.8", "trend_score(close, 25) * 0.2 + pe_score(pe) * 0.8"},
		{"a+b*c", "a + b * c"},
		{"(a+b)*c", "(a + b) * c"},
		{"a-(b-c)", "a - (b - c)"},
		{"a/b/c", "a / b / c"},
		{"-close", "-close"},
		{"-2*close", "-2 * close"},
		{"-(a+b)", "-(a + b)"},
		{"1e-6", "1e-6"},
		{"ma(close,5)/ma(close,19)", "ma(close, 5) / ma(close, 19)"},
	}
	for _, tc := range cases {
		ast, err := Parse(tc.input)
		require.NoError(t, err, "input %q should parse", tc.input)
		assert.Equal(t, tc.want, ast.String(), "canonical form of %q", tc.input)
	}
}

func TestParse_PrintParseRoundTrip(t *testing.T) {
	inputs := []string{
		"close > ma(close, 20) and volume > ma(volume, 5)",
		"roc(close, 5) > 0 or roc(close, 20) > 0",
		"x > 0 and y > 0 or z > 0",
		"normalize_score(trend_score(close, 25)) * 0.7 + normalize_score(pe_score(pe)) * 0.3",
		"-(ma(close, 5) - ma(close, 10)) / std(close, 20)",
		"ref(close, 1) != close",
		"abs(close - open) / (high - low)",
	}
	for _, input := range inputs {
		first, err := Parse(input)
		require.NoError(t, err, "input %q should parse", input)
		second, err := Parse(first.String())
		require.NoError(t, err, "canonical text %q should parse", first.String())
		assert.Equal(t, first, second, "AST must survive print/parse for %q", input)
		assert.Equal(t, first.String(), second.String(), "canonical text must be stable for %q", input)
	}
}

func TestParse_BooleanOperatorsAreLeftAssociative(t *testing.T) {
	ast, err := Parse("a > 0 and b > 0 or c > 0")
	require.NoError(t, err)

	top, ok := ast.(*BinOp)
	require.True(t, ok)
	assert.Equal(t, "or", top.Op, "or binds last on the left-folded chain")

	left, ok := top.Left.(*BinOp)
	require.True(t, ok)
	assert.Equal(t, "and", left.Op)
}

func TestParse_ComparisonDoesNotChain(t *testing.T) {
	_, err := Parse("a > b > c")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "chained comparison")
}

func TestParse_NegativeLiteralFolds(t *testing.T) {
	ast, err := Parse("-2")
	require.NoError(t, err)

	num, ok := ast.(*Number)
	require.True(t, ok, "unary minus on a literal folds into the literal")
	assert.Equal(t, -2.0, num.Value)
}

func TestParse_Errors(t *testing.T) {
	cases := []string{
		"",
		"close >",
		"ma(close",
		"ma(close,)",
		"1 +* 2",
		"a = b",
		"!close",
		"close & open",
		"(close > 0",
		"close) > 0",
		"ma close, 20)",
	}
	for _, input := range cases {
		_, err := Parse(input)
		assert.Error(t, err, "input %q should fail to parse", input)
	}
}

func TestCompile_UnknownIdentifier(t *testing.T) {
	_, err := Compile("closing_price > 0")

	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeStrategyCompile))
	assert.Contains(t, err.Error(), "closing_price")
}

func TestCompile_UnknownOperator(t *testing.T) {
	_, err := Compile("zscore(close, 20) > 1")

	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeStrategyCompile))
	assert.Contains(t, err.Error(), "zscore")
}

func TestCompile_ArityMismatch(t *testing.T) {
	_, err := Compile("ma(close)")

	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeStrategyCompile))
}

func TestCompile_WindowMustBePositiveInteger(t *testing.T) {
	for _, input := range []string{"ma(close, 0)", "ma(close, -3)", "ma(close, 2.5)"} {
		_, err := Compile(input)
		assert.Error(t, err, "window in %q is invalid", input)
		assert.True(t, domain.IsCode(err, domain.ErrCodeStrategyCompile))
	}
}

func TestCompile_CanonicalIgnoresWhitespace(t *testing.T) {
	a, err := Compile("close>ma(close,20)")
	require.NoError(t, err)
	b, err := Compile("  close  >  ma( close , 20 )  ")
	require.NoError(t, err)

	assert.Equal(t, a.Canonical, b.Canonical)
}

func TestColumns(t *testing.T) {
	ast, err := Parse("close > ma(close, 20) and volume > ma(volume, 5) or pe_score(pe) > 0.1")
	require.NoError(t, err)

	assert.Equal(t, []string{"close", "volume", "pe"}, Columns(ast))
}
