package factor

import "fmt"

// Parse compiles a factor expression into its syntax tree.
//
// Grammar (whitespace-insensitive, case-sensitive):
//
//	expr    := boolexpr
//	boolexpr:= compare ( ('and'|'or') compare )*
//	compare := sum ( ('>'|'<'|'>='|'<='|'=='|'!=') sum )?
//	sum     := term ( ('+'|'-') term )*
//	term    := factor ( ('*'|'/') factor )*
//	factor  := number | ident | ident '(' expr (',' expr)* ')' | '(' expr ')' | '-' factor
//
// Comparisons do not chain: a > b > c is a syntax error.
func Parse(input string) (Expr, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	e, err := p.parseBool()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, fmt.Errorf("unexpected %s at position %d", tok, tok.pos)
	}
	return e, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return token{}, fmt.Errorf("expected %s but found %s at position %d", what, tok, tok.pos)
	}
	return tok, nil
}

func (p *parser) parseBool() (Expr, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenKeyword {
		op := p.next().text
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseCompare() (Expr, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind == tokenOp && isComparisonOp(tok.text) {
		op := p.next().text
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: op, Left: left, Right: right}
		if tok := p.peek(); tok.kind == tokenOp && isComparisonOp(tok.text) {
			return nil, fmt.Errorf("chained comparison at position %d; parenthesise one side", tok.pos)
		}
	}
	return left, nil
}

func (p *parser) parseSum() (Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokenOp || (tok.text != "+" && tok.text != "-") {
			return left, nil
		}
		op := p.next().text
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseTerm() (Expr, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokenOp || (tok.text != "*" && tok.text != "/") {
			return left, nil
		}
		op := p.next().text
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &BinOp{Op: op, Left: left, Right: right}
	}
}

func (p *parser) parseFactor() (Expr, error) {
	tok := p.next()
	switch tok.kind {
	case tokenNumber:
		return &Number{Value: tok.num}, nil
	case tokenIdent:
		if p.peek().kind != tokenLParen {
			return &Column{Name: tok.text}, nil
		}
		p.next() // consume '('
		call := &Call{Name: tok.text}
		for {
			arg, err := p.parseBool()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
			sep := p.next()
			if sep.kind == tokenRParen {
				return call, nil
			}
			if sep.kind != tokenComma {
				return nil, fmt.Errorf("expected \",\" or \")\" in call to %s but found %s at position %d", tok.text, sep, sep.pos)
			}
		}
	case tokenLParen:
		e, err := p.parseBool()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokenRParen, "\")\""); err != nil {
			return nil, err
		}
		return e, nil
	case tokenOp:
		if tok.text == "-" {
			operand, err := p.parseFactor()
			if err != nil {
				return nil, err
			}
			// Fold literal negation so -2 prints back as -2.
			if num, ok := operand.(*Number); ok {
				return &Number{Value: -num.Value}, nil
			}
			return &Neg{Operand: operand}, nil
		}
	}
	return nil, fmt.Errorf("unexpected %s at position %d", tok, tok.pos)
}
