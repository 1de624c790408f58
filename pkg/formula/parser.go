package formula

import (
	"fmt"
	"strconv"
)

// Parse compiles a formula into an expression tree. Keywords AND, OR and NOT
// are case-insensitive. Precedence from lowest to highest:
//
//	OR
//	AND
//	NOT
//	= != <> < <= > >=
//	+ -
//	unary minus
func Parse(input string) (Expr, error) {
	tokens, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &parser{input: input, tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, p.errorf(tok, "unexpected %q after end of expression", tok.value)
	}
	return expr, nil
}

// MustParse is Parse for formulas fixed at compile time; it panics on error.
func MustParse(input string) Expr {
	expr, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return expr
}

type parser struct {
	input  string
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: len(p.input)}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) errorf(tok token, format string, args ...interface{}) error {
	return &SyntaxError{Formula: p.input, Pos: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tkOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: OpOr, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tkAnd {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: OpAnd, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.peek().kind == tkNot {
		p.advance()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Not{X: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	op, ok := compareOp(p.peek().kind)
	if !ok {
		return left, nil
	}
	p.advance()
	right, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if _, chained := compareOp(p.peek().kind); chained {
		return nil, p.errorf(p.peek(), "comparison operators cannot be chained")
	}
	return &Compare{Op: op, L: left, R: right}, nil
}

func compareOp(kind tokenKind) (CompareOp, bool) {
	switch kind {
	case tkEq:
		return OpEq, true
	case tkNe:
		return OpNe, true
	case tkLt:
		return OpLt, true
	case tkLe:
		return OpLe, true
	case tkGt:
		return OpGt, true
	case tkGe:
		return OpGe, true
	}
	return "", false
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		kind := p.peek().kind
		if kind != tkPlus && kind != tkMinus {
			return left, nil
		}
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		op := OpAdd
		if kind == tkMinus {
			op = OpSub
		}
		left = &Arith{Op: op, L: left, R: right}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tkMinus {
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := x.(*Literal); ok && lit.Val.Kind() == KindNumber {
			return &Literal{Val: Number(-lit.Val.NumberValue())}, nil
		}
		return &Arith{Op: OpSub, L: &Literal{Val: Number(0)}, R: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.advance()
	switch tok.kind {
	case tkIdent:
		return &Ident{Name: tok.value}, nil
	case tkNumber:
		n, err := strconv.ParseFloat(tok.value, 64)
		if err != nil {
			return nil, p.errorf(tok, "invalid number %q", tok.value)
		}
		return &Literal{Val: Number(n)}, nil
	case tkString:
		return &Literal{Val: Category(tok.value)}, nil
	case tkLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.advance(); closing.kind != tkRParen {
			return nil, p.errorf(closing, "expected ')' but got %q", closing.value)
		}
		return inner, nil
	case tkEOF:
		return nil, p.errorf(tok, "unexpected end of formula")
	default:
		return nil, p.errorf(tok, "unexpected %q", tok.value)
	}
}
